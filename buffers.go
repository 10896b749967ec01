//go:build linux

package uring

import (
	"syscall"

	"github.com/brickingsoft/errors"
)

// RegisterBuffers installs a fixed buffer table from iovecs. The table
// retains the iovecs, and through them the underlying memory, until
// UnregisterBuffers, so the kernel never DMAs into collected memory. Table
// slots are consumed by the fixed read/write variants via their buffer
// index.
func (ring *Ring) RegisterBuffers(iovecs []syscall.Iovec) error {
	if ring.closed.Load() {
		return ErrRingClosed
	}
	if ring.buffers.registered {
		return errors.From(ErrBuffersRegistered, errors.WithMeta(errMetaOpKey, errMetaOpRegisterBuffers))
	}
	if len(iovecs) == 0 {
		return errors.New("no buffers to register",
			errors.WithMeta(errMetaPkgKey, errMetaPkgVal),
			errors.WithMeta(errMetaOpKey, errMetaOpRegisterBuffers))
	}
	if _, err := ring.registerBuffers(iovecs); err != nil {
		return errors.New("register buffers failed",
			errors.WithMeta(errMetaPkgKey, errMetaPkgVal),
			errors.WithMeta(errMetaOpKey, errMetaOpRegisterBuffers),
			errors.WithWrap(err))
	}
	ring.buffers.registered = true
	ring.buffers.size = uint32(len(iovecs))
	ring.bufRefs = iovecs
	return nil
}

// RegisterBuffersSparse installs a fixed buffer table of nr empty slots.
func (ring *Ring) RegisterBuffersSparse(nr uint32) error {
	if ring.closed.Load() {
		return ErrRingClosed
	}
	if ring.buffers.registered {
		return errors.From(ErrBuffersRegistered, errors.WithMeta(errMetaOpKey, errMetaOpRegisterBuffers))
	}
	if nr == 0 {
		return errors.New("sparse table needs at least one slot",
			errors.WithMeta(errMetaPkgKey, errMetaPkgVal),
			errors.WithMeta(errMetaOpKey, errMetaOpRegisterBuffers))
	}
	if _, err := ring.registerBuffersSparse(nr); err != nil {
		return errors.New("register sparse buffers failed",
			errors.WithMeta(errMetaPkgKey, errMetaPkgVal),
			errors.WithMeta(errMetaOpKey, errMetaOpRegisterBuffers),
			errors.WithWrap(err))
	}
	ring.buffers.registered = true
	ring.buffers.size = nr
	return nil
}

// UnregisterBuffers drops the fixed buffer table and releases the engine's
// hold on the registered memory. Fails fast with ErrBuffersInFlight, before
// any syscall, while reaped-pending operations still reference the table.
func (ring *Ring) UnregisterBuffers() error {
	if ring.closed.Load() {
		return ErrRingClosed
	}
	if !ring.buffers.registered {
		return errors.From(ErrBuffersNotRegistered, errors.WithMeta(errMetaOpKey, errMetaOpUnregisterBuffers))
	}
	if ring.buffers.inFlight > 0 {
		return errors.From(ErrBuffersInFlight, errors.WithMeta(errMetaOpKey, errMetaOpUnregisterBuffers))
	}
	if _, err := ring.doRegister(IORING_UNREGISTER_BUFFERS, nil, 0); err != nil {
		return errors.New("unregister buffers failed",
			errors.WithMeta(errMetaPkgKey, errMetaPkgVal),
			errors.WithMeta(errMetaOpKey, errMetaOpUnregisterBuffers),
			errors.WithWrap(err))
	}
	ring.buffers.registered = false
	ring.buffers.size = 0
	ring.bufRefs = nil
	return nil
}

// BuffersRegistered reports whether a fixed buffer table is live.
func (ring *Ring) BuffersRegistered() bool {
	return ring.buffers.registered
}

// BufferTableSize returns the slot count of the live fixed buffer table,
// zero when none is registered.
func (ring *Ring) BufferTableSize() uint32 {
	return ring.buffers.size
}
