//go:build linux

package uring

import (
	"sync/atomic"
	"unsafe"
)

// SubmissionQueue wires the mapped SQ head/tail/mask words and the SQE
// array. sqeHead and sqeTail are the application-side cursors: entries
// between them are prepared but not yet visible to the kernel.
type SubmissionQueue struct {
	head        *uint32
	tail        *uint32
	ringMask    *uint32
	ringEntries *uint32
	flags       *uint32
	dropped     *uint32
	array       *uint32
	sqes        *SubmissionQueueEntry
	ringSize    uint
	ringPtr     unsafe.Pointer
	sqeHead     uint32
	sqeTail     uint32
	pad         [2]uint32
}

func (sq *SubmissionQueue) sqeAt(index uint32, shift int) *SubmissionQueueEntry {
	slot := uintptr((index&*sq.ringMask)<<shift) * unsafe.Sizeof(SubmissionQueueEntry{})
	return (*SubmissionQueueEntry)(unsafe.Add(unsafe.Pointer(sq.sqes), slot))
}

func (ring *Ring) sqeShift() int {
	if ring.flags&IORING_SETUP_SQE128 != 0 {
		return 1
	}
	return 0
}

// GetSQE hands out the next free submission slot or nil when the ring is
// full. The slot stays invisible to the kernel until the next flush, prepare
// it before calling Submit.
func (ring *Ring) GetSQE() *SubmissionQueueEntry {
	sq := ring.sqRing
	head := atomic.LoadUint32(sq.head)
	next := sq.sqeTail + 1
	if next-head > *sq.ringEntries {
		return nil
	}
	sqe := sq.sqeAt(sq.sqeTail, ring.sqeShift())
	sq.sqeTail = next
	return sqe
}

// GetSQEs reserves n adjacent submission slots or none at all. Chains built
// with IOSQE_IO_LINK need their members positionally adjacent with nothing
// interleaved, all-or-nothing reservation guarantees that. Fails with
// ErrSQFull when fewer than n slots remain.
func (ring *Ring) GetSQEs(n uint32) ([]*SubmissionQueueEntry, error) {
	if n == 0 {
		return nil, nil
	}
	sq := ring.sqRing
	head := atomic.LoadUint32(sq.head)
	if sq.sqeTail+n-head > *sq.ringEntries {
		return nil, ErrSQFull
	}
	shift := ring.sqeShift()
	sqes := make([]*SubmissionQueueEntry, n)
	for i := range sqes {
		sqes[i] = sq.sqeAt(sq.sqeTail, shift)
		sq.sqeTail++
	}
	return sqes, nil
}

// SQReady counts prepared entries the kernel has not consumed yet.
func (ring *Ring) SQReady() uint32 {
	head := *ring.sqRing.head
	if ring.flags&IORING_SETUP_SQPOLL != 0 {
		head = atomic.LoadUint32(ring.sqRing.head)
	}
	return ring.sqRing.sqeTail - head
}

// SQSpaceLeft counts free submission slots.
func (ring *Ring) SQSpaceLeft() uint32 {
	return *ring.sqRing.ringEntries - ring.SQReady()
}

func (ring *Ring) SQEntries() uint32 {
	return *ring.sqRing.ringEntries
}

// SQNeedWakeup reports that the SQPOLL thread went idle and the next enter
// must carry IORING_ENTER_SQ_WAKEUP.
func (ring *Ring) SQNeedWakeup() bool {
	return atomic.LoadUint32(ring.sqRing.flags)&IORING_SQ_NEED_WAKEUP != 0
}

// flushSQ publishes prepared entries to the kernel-visible tail and returns
// the number awaiting consumption. Every submission funnels through here,
// which makes it the engine's accounting choke point: each newly published
// entry is inspected for fixed table references before the kernel can see
// it (the entry content is stable until the tail store).
func (ring *Ring) flushSQ() uint32 {
	sq := ring.sqRing
	tail := sq.sqeTail
	if sq.sqeHead != tail {
		shift := ring.sqeShift()
		for i := sq.sqeHead; i != tail; i++ {
			ring.trackSQE(sq.sqeAt(i, shift))
		}
		sq.sqeHead = tail
		if ring.flags&IORING_SETUP_SQPOLL == 0 {
			*sq.tail = tail
		} else {
			atomic.StoreUint32(sq.tail, tail)
		}
	}
	return tail - atomic.LoadUint32(sq.head)
}

// sqRingNeedsEnter reports whether publishing submit entries requires an
// io_uring_enter call, folding the SQPOLL wakeup flag into flags when the
// poll thread went idle.
func (ring *Ring) sqRingNeedsEnter(submit uint32, flags *uint32) bool {
	if submit == 0 {
		return false
	}
	if ring.flags&IORING_SETUP_SQPOLL == 0 {
		return true
	}
	if atomic.LoadUint32(ring.sqRing.flags)&IORING_SQ_NEED_WAKEUP != 0 {
		*flags |= IORING_ENTER_SQ_WAKEUP
		return true
	}
	return false
}
