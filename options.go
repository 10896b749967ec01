//go:build linux

package uring

import (
	"github.com/brickingsoft/errors"
)

const (
	// MaxEntries is the largest submission queue depth the kernel accepts.
	MaxEntries     = 32768
	DefaultEntries = MaxEntries / 2
)

type Options struct {
	Entries      uint32
	CQEntries    uint32
	Flags        uint32
	SQThreadCPU  uint32
	SQThreadIdle uint32
	WQFd         uint32
	DisableProbe bool
}

type Option func(*Options) error

// WithEntries sets the submission queue depth. The value is rounded up to a
// power of two during setup.
func WithEntries(entries uint32) Option {
	return func(o *Options) error {
		if entries > MaxEntries {
			return errors.New("entries too big", errors.WithMeta(errMetaPkgKey, errMetaPkgVal))
		}
		if entries < 1 {
			entries = DefaultEntries
		}
		o.Entries = entries
		return nil
	}
}

// WithCQEntries sets the completion queue depth via IORING_SETUP_CQSIZE.
// When unset the kernel sizes the CQ ring at twice the SQ ring.
func WithCQEntries(entries uint32) Option {
	return func(o *Options) error {
		if entries == 0 {
			return nil
		}
		o.CQEntries = entries
		o.Flags |= IORING_SETUP_CQSIZE
		return nil
	}
}

// WithFlags
// see https://manpages.debian.org/unstable/liburing-dev/io_uring_setup.2.en.html
func WithFlags(flags uint32) Option {
	return func(o *Options) error {
		o.Flags |= flags
		return nil
	}
}

func WithSQPoll(idle uint32) Option {
	return func(o *Options) error {
		o.Flags |= IORING_SETUP_SQPOLL
		o.SQThreadIdle = idle
		return nil
	}
}

func WithSQThreadIdle(n uint32) Option {
	return func(o *Options) error {
		o.SQThreadIdle = n
		return nil
	}
}

func WithSQThreadCPU(cpuId uint32) Option {
	return func(o *Options) error {
		o.SQThreadCPU = cpuId
		o.Flags |= IORING_SETUP_SQ_AFF
		return nil
	}
}

func WithAttachWQFd(fd uint32) Option {
	return func(o *Options) error {
		if fd == 0 {
			return errors.New("invalid wqfd", errors.WithMeta(errMetaPkgKey, errMetaPkgVal))
		}
		o.WQFd = fd
		if o.Flags&IORING_SETUP_ATTACH_WQ == 0 {
			o.Flags |= IORING_SETUP_ATTACH_WQ
		}
		return nil
	}
}

// WithDisableProbe skips the opcode probe during New. OpSupported then
// reports false for every opcode.
func WithDisableProbe() Option {
	return func(o *Options) error {
		o.DisableProbe = true
		return nil
	}
}
