//go:build linux

package uring

import (
	"math"
	"syscall"
	"time"
	"unsafe"

	"github.com/brickingsoft/errors"
)

// waitTimeoutUserdata tags timeout entries the driver splices in on kernels
// without FEAT_EXT_ARG; peekCQE consumes them before callers can see them.
const waitTimeoutUserdata uint64 = math.MaxUint64

// Submit publishes every prepared entry to the kernel and returns the
// number consumed. Without SQPOLL this is one io_uring_enter call; with
// SQPOLL it is free unless the poll thread needs waking.
func (ring *Ring) Submit() (uint, error) {
	if ring.closed.Load() {
		return 0, ErrRingClosed
	}
	return ring.submit(ring.flushSQ(), 0, false)
}

// SubmitAndWait is Submit plus blocking until at least waitNr completions
// are reapable.
func (ring *Ring) SubmitAndWait(waitNr uint32) (uint, error) {
	if ring.closed.Load() {
		return 0, ErrRingClosed
	}
	return ring.submit(ring.flushSQ(), waitNr, false)
}

// SubmitAndGetEvents is Submit plus a completion flush in the same call.
func (ring *Ring) SubmitAndGetEvents() (uint, error) {
	if ring.closed.Load() {
		return 0, ErrRingClosed
	}
	return ring.submit(ring.flushSQ(), 0, true)
}

// SubmitAndWaitTimeout is SubmitAndWait bounded by a deadline. It returns
// the number of entries submitted; a deadline that elapses with fewer than
// waitNr completions reapable yields ErrTimeout. Completions that did
// arrive stay reapable.
func (ring *Ring) SubmitAndWaitTimeout(waitNr uint32, timeout time.Duration) (uint, error) {
	if ring.closed.Load() {
		return 0, ErrRingClosed
	}
	if timeout <= 0 {
		return ring.SubmitAndWait(waitNr)
	}
	ts := syscall.NsecToTimespec(timeout.Nanoseconds())
	var submitted uint32
	var err error
	if ring.features&IORING_FEAT_EXT_ARG != 0 {
		submitted = ring.flushSQ()
		arg := GetEventsArg{
			sigMaskSz: nSig / szDivider,
			ts:        uint64(uintptr(unsafe.Pointer(&ts))),
		}
		_, err = ring.getCQE(getData{
			submit:   submitted,
			waitNr:   waitNr,
			getFlags: IORING_ENTER_EXT_ARG,
			sz:       int(unsafe.Sizeof(arg)),
			hasTS:    true,
			arg:      unsafe.Pointer(&arg),
		})
	} else {
		var flushed uint32
		if flushed, err = ring.submitTimeout(waitNr, &ts); err != nil {
			return 0, err
		}
		// The spliced timeout entry is internal, do not count it.
		submitted = flushed - 1
		_, err = ring.getCQE(getData{
			submit: flushed,
			waitNr: waitNr,
			sz:     nSig / szDivider,
		})
	}
	if err != nil {
		if errors.Is(err, syscall.ETIME) {
			return uint(submitted), errors.From(ErrTimeout, errors.WithWrap(err))
		}
		return 0, err
	}
	return uint(submitted), nil
}

// submitTimeout splices an internally tagged timeout entry ahead of the
// flush so pre-EXT_ARG kernels can bound a wait. Returns the flushed count
// including the spliced entry.
func (ring *Ring) submitTimeout(waitNr uint32, ts *syscall.Timespec) (uint32, error) {
	sqe := ring.GetSQE()
	if sqe == nil {
		if _, err := ring.Submit(); err != nil {
			return 0, err
		}
		if sqe = ring.GetSQE(); sqe == nil {
			return 0, ErrSQFull
		}
	}
	sqe.PrepareTimeout(ts, waitNr, 0)
	sqe.UserData = waitTimeoutUserdata
	return ring.flushSQ(), nil
}

func (ring *Ring) submit(submitted uint32, waitNr uint32, getEvents bool) (uint, error) {
	cqNeedsEnter := getEvents || waitNr != 0 || ring.cqRingNeedsEnter()

	var flags uint32
	if ring.sqRingNeedsEnter(submitted, &flags) || cqNeedsEnter {
		if cqNeedsEnter {
			flags |= IORING_ENTER_GETEVENTS
		}
		return ring.Enter(submitted, waitNr, flags, nil)
	}
	return uint(submitted), nil
}
