//go:build linux

package uring

import (
	"github.com/brickingsoft/errors"
)

// RegisterFiles installs a fixed file table holding fds, slot order
// matching the slice. One table per ring: registering over a live table
// fails with ErrFilesRegistered, unregister first. Slots registered here
// are addressed with IOSQE_FIXED_FILE on the consuming entry.
func (ring *Ring) RegisterFiles(fds []int) error {
	if ring.closed.Load() {
		return ErrRingClosed
	}
	if ring.files.registered {
		return errors.From(ErrFilesRegistered, errors.WithMeta(errMetaOpKey, errMetaOpRegisterFiles))
	}
	if len(fds) == 0 {
		return errors.New("no descriptors to register",
			errors.WithMeta(errMetaPkgKey, errMetaPkgVal),
			errors.WithMeta(errMetaOpKey, errMetaOpRegisterFiles))
	}
	files := make([]int32, len(fds))
	for i, fd := range fds {
		files[i] = int32(fd)
	}
	if _, err := ring.registerFiles(files); err != nil {
		return errors.New("register files failed",
			errors.WithMeta(errMetaPkgKey, errMetaPkgVal),
			errors.WithMeta(errMetaOpKey, errMetaOpRegisterFiles),
			errors.WithWrap(err))
	}
	ring.files.registered = true
	ring.files.size = uint32(len(fds))
	return nil
}

// RegisterFilesSparse installs a fixed file table of nr empty slots. Slots
// are filled later by RegisterFilesUpdate or by descriptor-producing
// operations targeting a slot (accept direct, socket direct).
func (ring *Ring) RegisterFilesSparse(nr uint32) error {
	if ring.closed.Load() {
		return ErrRingClosed
	}
	if ring.files.registered {
		return errors.From(ErrFilesRegistered, errors.WithMeta(errMetaOpKey, errMetaOpRegisterFiles))
	}
	if nr == 0 {
		return errors.New("sparse table needs at least one slot",
			errors.WithMeta(errMetaPkgKey, errMetaPkgVal),
			errors.WithMeta(errMetaOpKey, errMetaOpRegisterFiles))
	}
	if _, err := ring.registerFilesSparse(nr); err != nil {
		return errors.New("register sparse files failed",
			errors.WithMeta(errMetaPkgKey, errMetaPkgVal),
			errors.WithMeta(errMetaOpKey, errMetaOpRegisterFiles),
			errors.WithWrap(err))
	}
	ring.files.registered = true
	ring.files.size = nr
	return nil
}

// RegisterFilesUpdate replaces table slots starting at off with fds; -1
// clears a slot. Returns the number of slots updated.
func (ring *Ring) RegisterFilesUpdate(off uint32, fds []int) (int, error) {
	if ring.closed.Load() {
		return 0, ErrRingClosed
	}
	if !ring.files.registered {
		return 0, errors.From(ErrFilesNotRegistered, errors.WithMeta(errMetaOpKey, errMetaOpRegisterFiles))
	}
	if len(fds) == 0 {
		return 0, nil
	}
	files := make([]int32, len(fds))
	for i, fd := range fds {
		files[i] = int32(fd)
	}
	updated, err := ring.registerFilesUpdate(off, files)
	if err != nil {
		return 0, errors.New("files update failed",
			errors.WithMeta(errMetaPkgKey, errMetaPkgVal),
			errors.WithMeta(errMetaOpKey, errMetaOpRegisterFiles),
			errors.WithWrap(err))
	}
	return int(updated), nil
}

// RegisterFileAllocRange constrains direct-alloc slot picking to table
// range [off, off+length). Needs a live table, usually a sparse one.
func (ring *Ring) RegisterFileAllocRange(off, length uint32) error {
	if ring.closed.Load() {
		return ErrRingClosed
	}
	if !ring.files.registered {
		return errors.From(ErrFilesNotRegistered, errors.WithMeta(errMetaOpKey, errMetaOpRegisterFiles))
	}
	if _, err := ring.registerFileAllocRange(off, length); err != nil {
		return errors.New("file alloc range failed",
			errors.WithMeta(errMetaPkgKey, errMetaPkgVal),
			errors.WithMeta(errMetaOpKey, errMetaOpRegisterFiles),
			errors.WithWrap(err))
	}
	return nil
}

// UnregisterFiles drops the fixed file table. Descriptors living only in
// table slots, accept-direct and socket-direct results, lose their last
// reference and close; descriptors the process also owns stay open. Fails
// fast with ErrFilesInFlight, before any syscall, while reaped-pending
// operations still reference the table.
func (ring *Ring) UnregisterFiles() error {
	if ring.closed.Load() {
		return ErrRingClosed
	}
	if !ring.files.registered {
		return errors.From(ErrFilesNotRegistered, errors.WithMeta(errMetaOpKey, errMetaOpUnregisterFiles))
	}
	if ring.files.inFlight > 0 {
		return errors.From(ErrFilesInFlight, errors.WithMeta(errMetaOpKey, errMetaOpUnregisterFiles))
	}
	if _, err := ring.doRegister(IORING_UNREGISTER_FILES, nil, 0); err != nil {
		return errors.New("unregister files failed",
			errors.WithMeta(errMetaPkgKey, errMetaPkgVal),
			errors.WithMeta(errMetaOpKey, errMetaOpUnregisterFiles),
			errors.WithWrap(err))
	}
	ring.files.registered = false
	ring.files.size = 0
	return nil
}

// FilesRegistered reports whether a fixed file table is live.
func (ring *Ring) FilesRegistered() bool {
	return ring.files.registered
}

// FileTableSize returns the slot count of the live fixed file table, zero
// when none is registered.
func (ring *Ring) FileTableSize() uint32 {
	return ring.files.size
}
