//go:build linux

package uring

import (
	"github.com/brickingsoft/errors"
)

var (
	// ErrRingClosed is returned by every ring operation after Close.
	ErrRingClosed = errors.Define("ring closed")
	// ErrSQFull is returned when the submission queue has no free slots.
	// It is a local condition, retry after draining completions.
	ErrSQFull = errors.Define("submission queue full")
	// ErrTimeout is returned by timed waits that elapsed before enough
	// completions arrived.
	ErrTimeout = errors.Define("wait timeout")

	ErrFilesRegistered    = errors.Define("file table already registered")
	ErrFilesNotRegistered = errors.Define("file table not registered")
	ErrFilesInFlight      = errors.Define("file table referenced by in-flight operations")

	ErrBuffersRegistered    = errors.Define("buffer table already registered")
	ErrBuffersNotRegistered = errors.Define("buffer table not registered")
	ErrBuffersInFlight      = errors.Define("buffer table referenced by in-flight operations")

	ErrBufferRingRegistered    = errors.Define("buffer ring group already registered")
	ErrBufferRingNotRegistered = errors.Define("buffer ring group not registered")

	// ErrOpNotSupported is returned by RequireOp when the probe reports
	// the opcode absent on the running kernel.
	ErrOpNotSupported = errors.Define("opcode not supported")
)

func IsRingClosed(err error) bool {
	return errors.Is(err, ErrRingClosed)
}

func IsSQFull(err error) bool {
	return errors.Is(err, ErrSQFull)
}

func IsTimeout(err error) bool {
	return errors.Is(err, ErrTimeout)
}

const (
	errMetaPkgKey = "pkg"
	errMetaPkgVal = "uring"
)

const (
	errMetaOpKey               = "op"
	errMetaOpRegisterFiles     = "register_files"
	errMetaOpUnregisterFiles   = "unregister_files"
	errMetaOpRegisterBuffers   = "register_buffers"
	errMetaOpUnregisterBuffers = "unregister_buffers"
	errMetaOpRegisterBufRing   = "register_buffer_ring"
	errMetaOpUnregisterBufRing = "unregister_buffer_ring"
)
