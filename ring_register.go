//go:build linux

package uring

import (
	"os"
	"runtime"
	"syscall"
	"unsafe"

	"golang.org/x/sys/unix"
)

const (
	IORING_REGISTER_BUFFERS uint32 = iota
	IORING_UNREGISTER_BUFFERS
	IORING_REGISTER_FILES
	IORING_UNREGISTER_FILES
	IORING_REGISTER_EVENTFD
	IORING_UNREGISTER_EVENTFD
	IORING_REGISTER_FILES_UPDATE
	IORING_REGISTER_EVENTFD_ASYNC
	IORING_REGISTER_PROBE
	IORING_REGISTER_PERSONALITY
	IORING_UNREGISTER_PERSONALITY
	IORING_REGISTER_RESTRICTIONS
	IORING_REGISTER_ENABLE_RINGS
	IORING_REGISTER_FILES2
	IORING_REGISTER_FILES_UPDATE2
	IORING_REGISTER_BUFFERS2
	IORING_REGISTER_BUFFERS_UPDATE
	IORING_REGISTER_IOWQ_AFF
	IORING_UNREGISTER_IOWQ_AFF
	IORING_REGISTER_IOWQ_MAX_WORKERS
	IORING_REGISTER_RING_FDS
	IORING_UNREGISTER_RING_FDS
	IORING_REGISTER_PBUF_RING
	IORING_UNREGISTER_PBUF_RING
	IORING_REGISTER_SYNC_CANCEL
	IORING_REGISTER_FILE_ALLOC_RANGE
	IORING_REGISTER_PBUF_STATUS
)

const IORING_RSRC_REGISTER_SPARSE uint32 = 1 << 0

// RsrcRegister mirrors struct io_uring_rsrc_register.
type RsrcRegister struct {
	Nr    uint32
	Flags uint32
	Resv2 uint64
	Data  uint64
	Tags  uint64
}

// RsrcUpdate mirrors struct io_uring_files_update.
type RsrcUpdate struct {
	Offset uint32
	Resv   uint32
	Data   uint64
}

// FileIndexRange mirrors struct io_uring_file_index_range.
type FileIndexRange struct {
	Off  uint32
	Len  uint32
	Resv uint64
}

func (ring *Ring) doRegisterErrno(opcode uint32, arg unsafe.Pointer, nrArgs uint32) (uint, syscall.Errno) {
	returnFirst, _, errno := syscall.Syscall6(
		sysRegister,
		uintptr(ring.ringFd),
		uintptr(opcode),
		uintptr(arg),
		uintptr(nrArgs),
		0,
		0,
	)
	return uint(returnFirst), errno
}

func (ring *Ring) doRegister(opcode uint32, arg unsafe.Pointer, nrArgs uint32) (uint, error) {
	ret, errno := ring.doRegisterErrno(opcode, arg, nrArgs)
	if errno != 0 {
		return 0, os.NewSyscallError("io_uring_register", errno)
	}
	return ret, nil
}

// increaseRlimitNoFile raises the soft RLIMIT_NOFILE by nr, capped at the
// hard limit.
func increaseRlimitNoFile(nr uint64) error {
	rlim := unix.Rlimit{}
	if err := unix.Getrlimit(unix.RLIMIT_NOFILE, &rlim); err != nil {
		return err
	}
	if rlim.Cur < rlim.Max {
		rlim.Cur += nr
		if rlim.Cur > rlim.Max {
			rlim.Cur = rlim.Max
		}
		return unix.Setrlimit(unix.RLIMIT_NOFILE, &rlim)
	}
	return nil
}

// registerFiles installs fds into the kernel file table, retrying once with
// a raised descriptor limit when the kernel answers EMFILE.
func (ring *Ring) registerFiles(fds []int32) (uint, error) {
	var didIncrease bool
	for {
		ret, errno := ring.doRegisterErrno(IORING_REGISTER_FILES, unsafe.Pointer(&fds[0]), uint32(len(fds)))
		if errno == 0 {
			return ret, nil
		}
		if errno == syscall.EMFILE && !didIncrease {
			didIncrease = true
			_ = increaseRlimitNoFile(uint64(len(fds)))
			continue
		}
		return 0, os.NewSyscallError("io_uring_register", errno)
	}
}

// registerFilesSparse reserves nr empty file table slots, with the same
// EMFILE retry as registerFiles.
func (ring *Ring) registerFilesSparse(nr uint32) (uint, error) {
	reg := &RsrcRegister{
		Nr:    nr,
		Flags: IORING_RSRC_REGISTER_SPARSE,
	}
	var didIncrease bool
	for {
		ret, errno := ring.doRegisterErrno(IORING_REGISTER_FILES2, unsafe.Pointer(reg), uint32(unsafe.Sizeof(*reg)))
		if errno == 0 {
			return ret, nil
		}
		if errno == syscall.EMFILE && !didIncrease {
			didIncrease = true
			_ = increaseRlimitNoFile(uint64(nr))
			continue
		}
		return 0, os.NewSyscallError("io_uring_register", errno)
	}
}

func (ring *Ring) registerFilesUpdate(offset uint32, fds []int32) (uint, error) {
	update := &RsrcUpdate{
		Offset: offset,
		Data:   uint64(uintptr(unsafe.Pointer(&fds[0]))),
	}
	ret, err := ring.doRegister(IORING_REGISTER_FILES_UPDATE, unsafe.Pointer(update), uint32(len(fds)))
	runtime.KeepAlive(fds)
	return ret, err
}

func (ring *Ring) registerFileAllocRange(off, length uint32) (uint, error) {
	fileRange := &FileIndexRange{
		Off: off,
		Len: length,
	}
	ret, err := ring.doRegister(IORING_REGISTER_FILE_ALLOC_RANGE, unsafe.Pointer(fileRange), 0)
	runtime.KeepAlive(fileRange)
	return ret, err
}

func (ring *Ring) registerBuffers(iovecs []syscall.Iovec) (uint, error) {
	return ring.doRegister(IORING_REGISTER_BUFFERS, unsafe.Pointer(&iovecs[0]), uint32(len(iovecs)))
}

func (ring *Ring) registerBuffersSparse(nr uint32) (uint, error) {
	reg := &RsrcRegister{
		Nr:    nr,
		Flags: IORING_RSRC_REGISTER_SPARSE,
	}
	return ring.doRegister(IORING_REGISTER_BUFFERS2, unsafe.Pointer(reg), uint32(unsafe.Sizeof(*reg)))
}

func (ring *Ring) registerProbe() (*Probe, error) {
	probe := &Probe{}
	if _, err := ring.doRegister(IORING_REGISTER_PROBE, unsafe.Pointer(probe), probeOpsSize); err != nil {
		return nil, err
	}
	return probe, nil
}
