//go:build linux

package uring

import (
	"unsafe"

	"github.com/brickingsoft/errors"
)

// ProvideBuffers queues a provide-buffers operation publishing count
// buffers of length bytes each, carved back to back out of mem, into group
// bgid with ids counting up from startBid. The engine retains mem until
// Close so the kernel never writes into collected memory; the operation
// itself still completes through the ring and the caller submits it.
// Fails with ErrSQFull when no submission slot is free.
func (ring *Ring) ProvideBuffers(mem []byte, length uint32, count int, bgid int, startBid int, userdata uint64) error {
	if ring.closed.Load() {
		return ErrRingClosed
	}
	if count <= 0 || length == 0 {
		return errors.New("invalid provide buffers shape",
			errors.WithMeta(errMetaPkgKey, errMetaPkgVal))
	}
	if uint64(len(mem)) < uint64(length)*uint64(count) {
		return errors.New("provide buffers memory too small",
			errors.WithMeta(errMetaPkgKey, errMetaPkgVal))
	}
	sqe := ring.GetSQE()
	if sqe == nil {
		return ErrSQFull
	}
	sqe.PrepareProvideBuffers(uintptr(unsafe.Pointer(&mem[0])), length, count, bgid, startBid)
	sqe.UserData = userdata
	ring.groups[uint16(bgid)] = append(ring.groups[uint16(bgid)], mem)
	return nil
}

// RemoveBuffers queues a remove-buffers operation withdrawing up to count
// unconsumed buffers from group bgid. The completion result is the count
// actually removed, -ENOENT when the group does not exist. The engine keeps
// its hold on the group memory, consumed buffers may still be in caller
// hands.
func (ring *Ring) RemoveBuffers(count int, bgid int, userdata uint64) error {
	if ring.closed.Load() {
		return ErrRingClosed
	}
	if count <= 0 {
		return errors.New("invalid remove buffers count",
			errors.WithMeta(errMetaPkgKey, errMetaPkgVal))
	}
	sqe := ring.GetSQE()
	if sqe == nil {
		return ErrSQFull
	}
	sqe.PrepareRemoveBuffers(count, bgid)
	sqe.UserData = userdata
	return nil
}
