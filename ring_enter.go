//go:build linux

package uring

import (
	"os"
	"syscall"
	"unsafe"
)

const (
	IORING_ENTER_GETEVENTS uint32 = 1 << iota
	IORING_ENTER_SQ_WAKEUP
	IORING_ENTER_SQ_WAIT
	IORING_ENTER_EXT_ARG
	IORING_ENTER_REGISTERED_RING
)

const (
	nSig      = 65
	szDivider = 8
)

// GetEventsArg mirrors struct io_uring_getevents_arg for
// IORING_ENTER_EXT_ARG enters.
type GetEventsArg struct {
	sigMask   uint64
	sigMaskSz uint32
	pad       uint32
	ts        uint64
}

// Enter submits toSubmit prepared entries and/or waits for waitNr
// completions in one io_uring_enter call.
func (ring *Ring) Enter(toSubmit uint32, waitNr uint32, flags uint32, sig unsafe.Pointer) (uint, error) {
	return ring.Enter2(toSubmit, waitNr, flags, sig, nSig/szDivider)
}

// Enter2 is Enter with an explicit argument size, required for
// IORING_ENTER_EXT_ARG payloads. EINTR is retried, the Go runtime
// interrupts slow syscalls routinely.
func (ring *Ring) Enter2(toSubmit uint32, waitNr uint32, flags uint32, sig unsafe.Pointer, size int) (uint, error) {
	for {
		consumed, _, errno := syscall.Syscall6(
			sysEnter,
			uintptr(ring.enterRingFd),
			uintptr(toSubmit),
			uintptr(waitNr),
			uintptr(flags),
			uintptr(sig),
			uintptr(size),
		)
		if errno == 0 {
			return uint(consumed), nil
		}
		if errno == syscall.EINTR {
			continue
		}
		return 0, os.NewSyscallError("io_uring_enter", errno)
	}
}
