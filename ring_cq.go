//go:build linux

package uring

import (
	"sync/atomic"
	"syscall"
	"time"
	"unsafe"

	"github.com/brickingsoft/errors"
	"golang.org/x/sys/unix"
)

// CompletionQueue wires the mapped CQ head/tail/mask words and the CQE
// array. The kernel owns the tail, the application owns the head.
type CompletionQueue struct {
	head        *uint32
	tail        *uint32
	ringMask    *uint32
	ringEntries *uint32
	overflow    *uint32
	cqes        *CompletionQueueEvent
	flags       *uint32
	ringSize    uint
	ringPtr     unsafe.Pointer
	pad         [2]uint32
}

func (cq *CompletionQueue) cqeAt(index uint32, shift int) *CompletionQueueEvent {
	slot := uintptr((index&*cq.ringMask)<<shift) * unsafe.Sizeof(CompletionQueueEvent{})
	return (*CompletionQueueEvent)(unsafe.Add(unsafe.Pointer(cq.cqes), slot))
}

func (ring *Ring) cqeShift() int {
	if ring.flags&IORING_SETUP_CQE32 != 0 {
		return 1
	}
	return 0
}

// CQReady counts reapable completions.
func (ring *Ring) CQReady() uint32 {
	return atomic.LoadUint32(ring.cqRing.tail) - *ring.cqRing.head
}

func (ring *Ring) CQEntries() uint32 {
	return *ring.cqRing.ringEntries
}

// CQOverflow reads the kernel's dropped-completion counter. Rings created
// on FEAT_NODROP kernels queue overflow internally instead of dropping, so
// this stays zero there.
func (ring *Ring) CQOverflow() uint32 {
	return atomic.LoadUint32(ring.cqRing.overflow)
}

// CQAdvance releases the oldest n completion slots back to the kernel.
// Before the head store each released entry settles its in-flight
// accounting: a completion without IORING_CQE_F_MORE is terminal for its
// submission, whether single-shot, the end of a multishot stream or the
// notification half of a zero-copy pair. CQE pointers obtained before the
// advance are invalid afterwards.
func (ring *Ring) CQAdvance(n uint32) {
	if n == 0 {
		return
	}
	cq := ring.cqRing
	head := *cq.head
	shift := ring.cqeShift()
	for i := head; i != head+n; i++ {
		cqe := cq.cqeAt(i, shift)
		if cqe.Flags&IORING_CQE_F_MORE == 0 {
			ring.releaseCQE(cqe.UserData)
		}
	}
	atomic.StoreUint32(cq.head, head+n)
}

// CQESeen releases a single reaped completion.
func (ring *Ring) CQESeen(cqe *CompletionQueueEvent) {
	if cqe != nil {
		ring.CQAdvance(1)
	}
}

// ForEachCQE visits every reapable completion in ring order without
// releasing any, the caller advances afterwards. Returns the visit count.
func (ring *Ring) ForEachCQE(handler func(cqe *CompletionQueueEvent)) uint32 {
	cq := ring.cqRing
	shift := ring.cqeShift()
	tail := atomic.LoadUint32(cq.tail)
	var count uint32
	for head := *cq.head; head != tail; head++ {
		handler(cq.cqeAt(head, shift))
		count++
	}
	return count
}

// PeekBatchCQE fills cqes with reapable completions without releasing them
// and returns the fill count. An empty ring with pending kernel-side
// overflow triggers one flush before giving up.
func (ring *Ring) PeekBatchCQE(cqes []*CompletionQueueEvent) uint32 {
	var overflowChecked bool
	shift := ring.cqeShift()

again:
	ready := ring.CQReady()
	if ready != 0 {
		count := uint32(len(cqes))
		if count > ready {
			count = ready
		}
		head := *ring.cqRing.head
		last := head + count
		for i := 0; head != last; head, i = head+1, i+1 {
			cqes[i] = ring.cqRing.cqeAt(head, shift)
		}
		return count
	}
	if overflowChecked {
		return 0
	}
	if ring.cqRingNeedsFlush() {
		_ = ring.GetEvents()
		overflowChecked = true
		goto again
	}
	return 0
}

// PeekCQE returns the oldest reapable completion without blocking, EAGAIN
// when none is ready.
func (ring *Ring) PeekCQE() (*CompletionQueueEvent, error) {
	if ring.closed.Load() {
		return nil, ErrRingClosed
	}
	return ring.getCQE(getData{sz: nSig / szDivider})
}

// WaitCQE blocks until a completion is reapable.
func (ring *Ring) WaitCQE() (*CompletionQueueEvent, error) {
	return ring.WaitCQENr(1)
}

// WaitCQENr blocks until at least waitNr completions are reapable and
// returns the oldest.
func (ring *Ring) WaitCQENr(waitNr uint32) (*CompletionQueueEvent, error) {
	if ring.closed.Load() {
		return nil, ErrRingClosed
	}
	return ring.getCQE(getData{waitNr: waitNr, sz: nSig / szDivider})
}

// WaitCQETimeout is WaitCQENr bounded by a deadline, ErrTimeout when it
// elapses first.
func (ring *Ring) WaitCQETimeout(waitNr uint32, timeout time.Duration) (*CompletionQueueEvent, error) {
	return ring.WaitCQEs(waitNr, timeout, nil)
}

// WaitCQEs blocks until at least waitNr completions are reapable, the
// timeout elapses (ErrTimeout) or a signal outside sigmask arrives. Kernels
// with FEAT_EXT_ARG take the deadline on the enter call itself, older ones
// get an internally tagged timeout entry spliced into the submission ring.
func (ring *Ring) WaitCQEs(waitNr uint32, timeout time.Duration, sigmask *unix.Sigset_t) (cqe *CompletionQueueEvent, err error) {
	if ring.closed.Load() {
		return nil, ErrRingClosed
	}
	if timeout <= 0 && sigmask == nil {
		return ring.WaitCQENr(waitNr)
	}
	var ts syscall.Timespec
	var tsPtr *syscall.Timespec
	if timeout > 0 {
		ts = syscall.NsecToTimespec(timeout.Nanoseconds())
		tsPtr = &ts
	}
	if ring.features&IORING_FEAT_EXT_ARG != 0 {
		arg := GetEventsArg{
			sigMask:   uint64(uintptr(unsafe.Pointer(sigmask))),
			sigMaskSz: nSig / szDivider,
			ts:        uint64(uintptr(unsafe.Pointer(tsPtr))),
		}
		cqe, err = ring.getCQE(getData{
			waitNr:   waitNr,
			getFlags: IORING_ENTER_EXT_ARG,
			sz:       int(unsafe.Sizeof(arg)),
			hasTS:    tsPtr != nil,
			arg:      unsafe.Pointer(&arg),
		})
	} else {
		var toSubmit uint32
		if toSubmit, err = ring.submitTimeout(waitNr, tsPtr); err != nil {
			return nil, err
		}
		cqe, err = ring.getCQE(getData{
			submit: toSubmit,
			waitNr: waitNr,
			sz:     nSig / szDivider,
			arg:    unsafe.Pointer(sigmask),
		})
	}
	if err != nil && errors.Is(err, syscall.ETIME) {
		return nil, errors.From(ErrTimeout, errors.WithWrap(err))
	}
	return
}

// GetEvents forces one io_uring_enter with IORING_ENTER_GETEVENTS, flushing
// kernel-side overflowed completions into the ring.
func (ring *Ring) GetEvents() error {
	if ring.closed.Load() {
		return ErrRingClosed
	}
	_, err := ring.Enter(0, 0, IORING_ENTER_GETEVENTS, nil)
	return err
}

func (ring *Ring) cqRingNeedsFlush() bool {
	return atomic.LoadUint32(ring.sqRing.flags)&(IORING_SQ_CQ_OVERFLOW|IORING_SQ_TASKRUN) != 0
}

func (ring *Ring) cqRingNeedsEnter() bool {
	return ring.flags&IORING_SETUP_IOPOLL != 0 || ring.cqRingNeedsFlush()
}

type getData struct {
	submit   uint32
	waitNr   uint32
	getFlags uint32
	sz       int
	hasTS    bool
	arg      unsafe.Pointer
}

// peekCQE returns the oldest reapable completion, consuming and translating
// internally tagged timeout completions on kernels without FEAT_EXT_ARG.
func (ring *Ring) peekCQE(nrAvailable *uint32) (cqe *CompletionQueueEvent, err error) {
	cq := ring.cqRing
	shift := ring.cqeShift()
	var available uint32
	for {
		tail := atomic.LoadUint32(cq.tail)
		head := *cq.head
		cqe = nil
		available = tail - head
		if available == 0 {
			break
		}
		cqe = cq.cqeAt(head, shift)
		if ring.features&IORING_FEAT_EXT_ARG == 0 && cqe.UserData == waitTimeoutUserdata {
			if cqe.Res < 0 {
				err = syscall.Errno(uint(-cqe.Res))
			}
			ring.CQAdvance(1)
			if err == nil {
				continue
			}
			cqe = nil
		}
		break
	}
	if nrAvailable != nil {
		*nrAvailable = available
	}
	return
}

// getCQE is the shared wait loop: peek, decide whether an enter is needed
// (waiting, submitting, SQPOLL wakeup, overflow flush), enter, repeat once.
func (ring *Ring) getCQE(data getData) (cqe *CompletionQueueEvent, err error) {
	looped := false
	for {
		var needEnter bool
		var flags uint32
		var available uint32
		cqe, err = ring.peekCQE(&available)
		if err != nil {
			break
		}
		if cqe == nil && data.waitNr == 0 && data.submit == 0 {
			if looped || !ring.cqRingNeedsEnter() {
				if err == nil {
					err = errEAGAIN
				}
				break
			}
			needEnter = true
		}
		if data.waitNr > available || needEnter {
			flags = IORING_ENTER_GETEVENTS | data.getFlags
			needEnter = true
		}
		if ring.sqRingNeedsEnter(data.submit, &flags) {
			needEnter = true
		}
		if !needEnter {
			break
		}
		if looped && data.hasTS {
			arg := (*GetEventsArg)(data.arg)
			if cqe == nil && arg.ts != 0 && err == nil {
				err = syscall.ETIME
			}
			break
		}
		var consumed uint
		consumed, err = ring.Enter2(data.submit, data.waitNr, flags, data.arg, data.sz)
		if err != nil {
			break
		}
		data.submit -= uint32(consumed)
		if cqe != nil {
			break
		}
		if !looped {
			looped = true
		}
	}
	return
}
