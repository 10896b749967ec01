//go:build linux

package uring

import (
	"github.com/brickingsoft/errors"
)

const (
	IORING_SETUP_IOPOLL uint32 = 1 << iota
	IORING_SETUP_SQPOLL
	IORING_SETUP_SQ_AFF
	IORING_SETUP_CQSIZE
	IORING_SETUP_CLAMP
	IORING_SETUP_ATTACH_WQ
	IORING_SETUP_R_DISABLED
	IORING_SETUP_SUBMIT_ALL
	IORING_SETUP_COOP_TASKRUN
	IORING_SETUP_TASKRUN_FLAG
	IORING_SETUP_SQE128
	IORING_SETUP_CQE32
	IORING_SETUP_SINGLE_ISSUER
	IORING_SETUP_DEFER_TASKRUN
	IORING_SETUP_NO_MMAP
	IORING_SETUP_REGISTERED_FD_ONLY
	IORING_SETUP_NO_SQARRAY
	IORING_SETUP_HYBRID_IOPOLL
)

const (
	IORING_FEAT_SINGLE_MMAP uint32 = 1 << iota
	IORING_FEAT_NODROP
	IORING_FEAT_SUBMIT_STABLE
	IORING_FEAT_RW_CUR_POS
	IORING_FEAT_CUR_PERSONALITY
	IORING_FEAT_FAST_POLL
	IORING_FEAT_POLL_32BITS
	IORING_FEAT_SQPOLL_NONFIXED
	IORING_FEAT_EXT_ARG
	IORING_FEAT_NATIVE_WORKERS
	IORING_FEAT_RSRC_TAGS
	IORING_FEAT_CQE_SKIP
	IORING_FEAT_LINKED_FILE
	IORING_FEAT_REG_REG_RING
	IORING_FEAT_RECVSEND_BUNDLE
	IORING_FEAT_MIN_TIMEOUT
)

// SQ ring flags, written by the kernel at sqRing.flags.
const (
	IORING_SQ_NEED_WAKEUP uint32 = 1 << iota
	IORING_SQ_CQ_OVERFLOW
	IORING_SQ_TASKRUN
)

// CQ ring flags, written by the application at cqRing.flags.
const (
	IORING_CQ_EVENTFD_DISABLED uint32 = 1 << 0
)

type SQRingOffsets struct {
	head        uint32
	tail        uint32
	ringMask    uint32
	ringEntries uint32
	flags       uint32
	dropped     uint32
	array       uint32
	resv1       uint32
	userAddr    uint64
}

type CQRingOffsets struct {
	head        uint32
	tail        uint32
	ringMask    uint32
	ringEntries uint32
	overflow    uint32
	cqes        uint32
	flags       uint32
	resv1       uint32
	userAddr    uint64
}

// Params mirrors struct io_uring_params. The kernel fills sqOff, cqOff and
// features during setup.
type Params struct {
	sqEntries    uint32
	cqEntries    uint32
	flags        uint32
	sqThreadCPU  uint32
	sqThreadIdle uint32
	features     uint32
	wqFd         uint32
	resv         [3]uint32
	sqOff        SQRingOffsets
	cqOff        CQRingOffsets
}

// Validate drops setup flags the running kernel cannot honor and fills in
// the flags that other requested flags imply. Requesting a flag on an old
// kernel downgrades instead of failing, the caller can inspect Ring.Flags
// afterwards.
func (params *Params) Validate() error {
	version := GetVersion()
	if version.Invalidate() {
		return errors.New("get kernel version failed", errors.WithMeta(errMetaPkgKey, errMetaPkgVal))
	}

	flags := uint32(0)

	if params.flags&IORING_SETUP_IOPOLL != 0 {
		flags |= IORING_SETUP_IOPOLL
	}
	if params.flags&IORING_SETUP_SQPOLL != 0 {
		if version.GTE(5, 13, 0) {
			flags |= IORING_SETUP_SQPOLL
		}
	}
	if flags&IORING_SETUP_SQPOLL != 0 && params.sqThreadIdle == 0 {
		params.sqThreadIdle = 15000
	}
	if params.flags&IORING_SETUP_SQ_AFF != 0 {
		if flags&IORING_SETUP_SQPOLL != 0 {
			flags |= IORING_SETUP_SQ_AFF
		}
	}
	if params.flags&IORING_SETUP_CQSIZE != 0 && params.cqEntries > 0 {
		flags |= IORING_SETUP_CQSIZE
	}
	if params.flags&IORING_SETUP_CLAMP != 0 {
		flags |= IORING_SETUP_CLAMP
	}
	if params.flags&IORING_SETUP_ATTACH_WQ != 0 {
		if params.wqFd > 0 {
			flags |= IORING_SETUP_ATTACH_WQ
		}
	}
	if params.flags&IORING_SETUP_R_DISABLED != 0 {
		if version.GTE(5, 10, 0) {
			flags |= IORING_SETUP_R_DISABLED
		}
	}
	if params.flags&IORING_SETUP_SUBMIT_ALL != 0 {
		if version.GTE(5, 18, 0) {
			flags |= IORING_SETUP_SUBMIT_ALL
		}
	}
	if flags&IORING_SETUP_SQPOLL == 0 && params.flags&IORING_SETUP_COOP_TASKRUN != 0 {
		if version.GTE(5, 19, 0) {
			flags |= IORING_SETUP_COOP_TASKRUN
		}
	}
	if params.flags&IORING_SETUP_SINGLE_ISSUER != 0 {
		if version.GTE(6, 0, 0) {
			flags |= IORING_SETUP_SINGLE_ISSUER
		}
	}
	if flags&IORING_SETUP_SQPOLL == 0 && params.flags&IORING_SETUP_DEFER_TASKRUN != 0 {
		if version.GTE(6, 1, 0) && flags&IORING_SETUP_SINGLE_ISSUER != 0 {
			flags |= IORING_SETUP_DEFER_TASKRUN
		}
	}
	if flags&IORING_SETUP_SQPOLL == 0 && params.flags&IORING_SETUP_TASKRUN_FLAG != 0 {
		if version.GTE(5, 19, 0) && (flags&IORING_SETUP_COOP_TASKRUN != 0 || flags&IORING_SETUP_DEFER_TASKRUN != 0) {
			flags |= IORING_SETUP_TASKRUN_FLAG
		}
	}
	if params.flags&IORING_SETUP_SQE128 != 0 {
		if version.GTE(5, 19, 0) {
			flags |= IORING_SETUP_SQE128
		}
	}
	if params.flags&IORING_SETUP_CQE32 != 0 {
		if version.GTE(5, 19, 0) {
			flags |= IORING_SETUP_CQE32
		}
	}
	// IORING_SETUP_NO_MMAP, IORING_SETUP_REGISTERED_FD_ONLY and
	// IORING_SETUP_NO_SQARRAY are always stripped: the ring owns its
	// mappings and indexes the SQE array through sqarray.
	if params.flags&IORING_SETUP_HYBRID_IOPOLL != 0 {
		if flags&IORING_SETUP_IOPOLL != 0 {
			flags |= IORING_SETUP_HYBRID_IOPOLL
		}
	}
	params.flags = flags
	return nil
}
