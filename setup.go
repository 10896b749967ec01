//go:build linux

package uring

import (
	"os"
	"syscall"
	"unsafe"
)

const (
	offsqRing uint64 = 0
	offcqRing uint64 = 0x8000000
	offSQEs   uint64 = 0x10000000
)

func (ring *Ring) setup(entries uint32, params *Params) error {
	fdPtr, _, errno := syscall.Syscall(sysSetup, uintptr(entries), uintptr(unsafe.Pointer(params)), 0)
	if errno != 0 {
		return os.NewSyscallError("io_uring_setup", errno)
	}
	fd := int(fdPtr)

	if err := ring.mmapRing(fd, params); err != nil {
		_ = syscall.Close(fd)
		return err
	}

	// The kernel indexes the SQE array through sqarray; fill it once with
	// the identity mapping and let flushSQ move only the tail.
	sqEntries := *ring.sqRing.ringEntries
	for index := uint32(0); index < sqEntries; index++ {
		*(*uint32)(
			unsafe.Add(unsafe.Pointer(ring.sqRing.array),
				index*uint32(unsafe.Sizeof(uint32(0))))) = index
	}

	ring.features = params.features
	ring.flags = params.flags
	ring.ringFd = fd
	ring.enterRingFd = fd
	syscall.CloseOnExec(ring.ringFd)
	return nil
}

func (ring *Ring) mmapRing(fd int, params *Params) error {
	sq, cq := ring.sqRing, ring.cqRing

	sq.ringSize = uint(uintptr(params.sqOff.array) + uintptr(params.sqEntries)*unsafe.Sizeof(uint32(0)))
	cq.ringSize = uint(uintptr(params.cqOff.cqes) + uintptr(params.cqEntries)*unsafe.Sizeof(CompletionQueueEvent{}))

	if params.features&IORING_FEAT_SINGLE_MMAP != 0 {
		if cq.ringSize > sq.ringSize {
			sq.ringSize = cq.ringSize
		}
		cq.ringSize = sq.ringSize
	}

	ringPtr, err := mmap(0, uintptr(sq.ringSize), syscall.PROT_READ|syscall.PROT_WRITE,
		syscall.MAP_SHARED|syscall.MAP_POPULATE, fd, int64(offsqRing))
	if err != nil {
		return os.NewSyscallError("mmap", err)
	}
	sq.ringPtr = ringPtr

	if params.features&IORING_FEAT_SINGLE_MMAP != 0 {
		cq.ringPtr = sq.ringPtr
	} else {
		ringPtr, err = mmap(0, uintptr(cq.ringSize), syscall.PROT_READ|syscall.PROT_WRITE,
			syscall.MAP_SHARED|syscall.MAP_POPULATE, fd, int64(offcqRing))
		if err != nil {
			cq.ringPtr = nil
			ring.unmapRings()
			return os.NewSyscallError("mmap", err)
		}
		cq.ringPtr = ringPtr
	}

	sqeSize := unsafe.Sizeof(SubmissionQueueEntry{})
	if params.flags&IORING_SETUP_SQE128 != 0 {
		sqeSize += 64
	}
	sqesPtr, err := mmap(0, sqeSize*uintptr(params.sqEntries), syscall.PROT_READ|syscall.PROT_WRITE,
		syscall.MAP_SHARED|syscall.MAP_POPULATE, fd, int64(offSQEs))
	if err != nil {
		ring.unmapRings()
		return os.NewSyscallError("mmap", err)
	}
	sq.sqes = (*SubmissionQueueEntry)(sqesPtr)

	ring.setupRingPointers(params)
	return nil
}

func (ring *Ring) setupRingPointers(params *Params) {
	sq, cq := ring.sqRing, ring.cqRing

	sq.head = (*uint32)(unsafe.Add(sq.ringPtr, params.sqOff.head))
	sq.tail = (*uint32)(unsafe.Add(sq.ringPtr, params.sqOff.tail))
	sq.ringMask = (*uint32)(unsafe.Add(sq.ringPtr, params.sqOff.ringMask))
	sq.ringEntries = (*uint32)(unsafe.Add(sq.ringPtr, params.sqOff.ringEntries))
	sq.flags = (*uint32)(unsafe.Add(sq.ringPtr, params.sqOff.flags))
	sq.dropped = (*uint32)(unsafe.Add(sq.ringPtr, params.sqOff.dropped))
	sq.array = (*uint32)(unsafe.Add(sq.ringPtr, params.sqOff.array))

	cq.head = (*uint32)(unsafe.Add(cq.ringPtr, params.cqOff.head))
	cq.tail = (*uint32)(unsafe.Add(cq.ringPtr, params.cqOff.tail))
	cq.ringMask = (*uint32)(unsafe.Add(cq.ringPtr, params.cqOff.ringMask))
	cq.ringEntries = (*uint32)(unsafe.Add(cq.ringPtr, params.cqOff.ringEntries))
	cq.overflow = (*uint32)(unsafe.Add(cq.ringPtr, params.cqOff.overflow))
	cq.cqes = (*CompletionQueueEvent)(unsafe.Add(cq.ringPtr, params.cqOff.cqes))
	if params.cqOff.flags != 0 {
		cq.flags = (*uint32)(unsafe.Add(cq.ringPtr, params.cqOff.flags))
	}
}

func (ring *Ring) unmapRings() {
	sq, cq := ring.sqRing, ring.cqRing
	if sq.ringPtr != nil && sq.ringSize > 0 {
		_ = munmap(uintptr(sq.ringPtr), uintptr(sq.ringSize))
	}
	if cq.ringPtr != nil && cq.ringSize > 0 && cq.ringPtr != sq.ringPtr {
		_ = munmap(uintptr(cq.ringPtr), uintptr(cq.ringSize))
	}
	sq.ringPtr = nil
	cq.ringPtr = nil
}
