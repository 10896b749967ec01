//go:build linux

package uring

import (
	"sync/atomic"
	"syscall"
	"unsafe"

	"github.com/brickingsoft/errors"
)

// Ring owns one submission/completion ring pair plus the engine state layered
// on top of it: the fixed file and buffer tables, provided buffer groups,
// buffer rings, the capability probe and the in-flight registry. A Ring is
// not safe for concurrent mutation, drive it from one goroutine (the enter
// wait blocks in the kernel, no internal workers exist).
type Ring struct {
	sqRing      *SubmissionQueue
	cqRing      *CompletionQueue
	flags       uint32
	features    uint32
	ringFd      int
	enterRingFd int
	probe       *Probe
	caps        Capabilities

	files   resourceTable
	buffers resourceTable
	bufRefs []syscall.Iovec

	bufRings map[uint16]*bufRingMapping
	groups   map[uint16][][]byte

	pending map[uint64][]uint8

	closed atomic.Bool
}

// New sets up a ring pair. Setup flags the running kernel cannot honor are
// stripped rather than rejected, inspect Flags afterwards when that matters.
// The opcode probe is registered here once unless WithDisableProbe.
func New(options ...Option) (ring *Ring, err error) {
	opts := Options{
		Entries: DefaultEntries,
	}
	for _, o := range options {
		if err = o(&opts); err != nil {
			return
		}
	}

	entries := opts.Entries
	if entries == 0 {
		entries = DefaultEntries
	}
	if entries > MaxEntries {
		if opts.Flags&IORING_SETUP_CLAMP == 0 {
			return nil, errors.New("entries too big", errors.WithMeta(errMetaPkgKey, errMetaPkgVal))
		}
		entries = MaxEntries
	}
	entries = RoundupPow2(entries)

	params := &Params{}
	params.flags = opts.Flags
	params.cqEntries = opts.CQEntries
	params.sqThreadCPU = opts.SQThreadCPU
	params.sqThreadIdle = opts.SQThreadIdle
	params.wqFd = opts.WQFd
	if err = params.Validate(); err != nil {
		return
	}

	ring = &Ring{
		sqRing:   &SubmissionQueue{},
		cqRing:   &CompletionQueue{},
		bufRings: make(map[uint16]*bufRingMapping),
		groups:   make(map[uint16][][]byte),
		pending:  make(map[uint64][]uint8),
	}
	if err = ring.setup(entries, params); err != nil {
		return nil, err
	}

	if !opts.DisableProbe {
		// A failed probe leaves every opcode reported unsupported; the
		// ring itself stays usable.
		if probe, probeErr := ring.registerProbe(); probeErr == nil {
			ring.probe = probe
			ring.caps = capabilitiesFromProbe(probe)
		}
	}
	return
}

// Fd returns the ring file descriptor.
func (ring *Ring) Fd() int {
	return ring.ringFd
}

// Flags returns the setup flags the kernel accepted.
func (ring *Ring) Flags() uint32 {
	return ring.flags
}

// Features returns the feature bits the kernel reported at setup.
func (ring *Ring) Features() uint32 {
	return ring.features
}

// Close tears the ring down: buffer ring mappings, the ring mappings, the
// SQE array and the ring fd. Registered tables die with the fd on the
// kernel side; the engine-side pins are dropped here. Every lifecycle
// operation afterwards fails with ErrRingClosed.
func (ring *Ring) Close() error {
	if !ring.closed.CompareAndSwap(false, true) {
		return errors.From(ErrRingClosed, errors.WithMeta(errMetaPkgKey, errMetaPkgVal))
	}

	for bgid, mapping := range ring.bufRings {
		_ = munmap(uintptr(unsafe.Pointer(mapping.br)), mapping.size)
		delete(ring.bufRings, bgid)
	}

	sq := ring.sqRing
	if sq.sqes != nil {
		sqeSize := unsafe.Sizeof(SubmissionQueueEntry{})
		if ring.flags&IORING_SETUP_SQE128 != 0 {
			sqeSize += 64
		}
		_ = munmap(uintptr(unsafe.Pointer(sq.sqes)), sqeSize*uintptr(*sq.ringEntries))
		sq.sqes = nil
	}
	ring.unmapRings()

	var err error
	if ring.ringFd != -1 {
		err = syscall.Close(ring.ringFd)
		ring.ringFd = -1
		ring.enterRingFd = -1
	}

	ring.bufRefs = nil
	ring.groups = nil
	ring.pending = nil
	return err
}

// resourceTable carries the registration state of one fixed table.
type resourceTable struct {
	registered bool
	size       uint32
	inFlight   int
}
