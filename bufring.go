//go:build linux

package uring

import (
	"os"
	"sync/atomic"
	"syscall"
	"unsafe"

	"github.com/brickingsoft/errors"
)

// BufferAndRing overlays struct io_uring_buf_ring: a mask-indexed array of
// buffer descriptors whose first slot doubles as the ring head, with the
// shared tail word overlaid on its reserved field. The kernel consumes
// descriptors as buffer-select operations need them; the application
// recycles consumed buffers with BufRingAdd and publishes them with
// BufRingAdvance.
type BufferAndRing struct {
	Addr uint64
	Len  uint32
	Bid  uint16
	Tail uint16
}

func (b *BufferAndRing) BufRingInit() {
	b.Tail = 0
}

// BufRingAdd stages a buffer descriptor bufOffset slots past the pending
// tail. Staged descriptors stay invisible to the kernel until
// BufRingAdvance.
func (b *BufferAndRing) BufRingAdd(addr uintptr, length uint32, bid uint16, mask, bufOffset uint16) {
	buf := (*BufferAndRing)(
		unsafe.Pointer(uintptr(unsafe.Pointer(b)) +
			(uintptr((b.Tail+bufOffset)&mask) * unsafe.Sizeof(BufferAndRing{}))))
	buf.Addr = uint64(addr)
	buf.Len = length
	buf.Bid = bid
}

// BufRingAdvance publishes count staged descriptors. The tail shares a
// 32-bit word with the head slot's bid, so the store rewrites both halves
// atomically.
func (b *BufferAndRing) BufRingAdvance(count uint16) {
	newTail := b.Tail + count
	bidAndTail := (*uint32)(unsafe.Pointer(&b.Bid))
	atomic.StoreUint32(bidAndTail, uint32(newTail)<<16|uint32(b.Bid))
}

// BufRingMask converts a buffer ring size to its index mask.
func BufRingMask(entries uint32) uint16 {
	return uint16(entries - 1)
}

// BufReg mirrors struct io_uring_buf_reg.
type BufReg struct {
	RingAddr    uint64
	RingEntries uint32
	Bgid        uint16
	Flags       uint16
	Resv        [3]uint64
}

// BufStatus mirrors struct io_uring_buf_status.
type BufStatus struct {
	BufGroup uint32
	Head     uint32
	Resv     [8]uint32
}

type bufRingMapping struct {
	br   *BufferAndRing
	size uintptr
}

// RegisterBufferRing maps and registers a ring-mapped provided buffer group.
// entries is rounded up to a power of two. The mapping lives until
// UnregisterBufferRing or Close. One registration per group id:
// re-registering a live group fails with ErrBufferRingRegistered.
func (ring *Ring) RegisterBufferRing(entries uint32, bgid uint16) (*BufferAndRing, error) {
	if ring.closed.Load() {
		return nil, ErrRingClosed
	}
	if _, exists := ring.bufRings[bgid]; exists {
		return nil, errors.From(ErrBufferRingRegistered, errors.WithMeta(errMetaOpKey, errMetaOpRegisterBufRing))
	}
	if entries == 0 || entries > MaxEntries {
		return nil, errors.New("invalid buffer ring size",
			errors.WithMeta(errMetaPkgKey, errMetaPkgVal),
			errors.WithMeta(errMetaOpKey, errMetaOpRegisterBufRing))
	}
	entries = RoundupPow2(entries)

	size := uintptr(entries) * unsafe.Sizeof(BufferAndRing{})
	brPtr, err := mmap(0, size, syscall.PROT_READ|syscall.PROT_WRITE,
		syscall.MAP_ANONYMOUS|syscall.MAP_PRIVATE, -1, 0)
	if err != nil {
		return nil, errors.New("buffer ring mmap failed",
			errors.WithMeta(errMetaPkgKey, errMetaPkgVal),
			errors.WithMeta(errMetaOpKey, errMetaOpRegisterBufRing),
			errors.WithWrap(os.NewSyscallError("mmap", err)))
	}

	reg := &BufReg{
		RingAddr:    uint64(uintptr(brPtr)),
		RingEntries: entries,
		Bgid:        bgid,
	}
	if _, err = ring.doRegister(IORING_REGISTER_PBUF_RING, unsafe.Pointer(reg), 1); err != nil {
		_ = munmap(uintptr(brPtr), size)
		return nil, errors.New("register buffer ring failed",
			errors.WithMeta(errMetaPkgKey, errMetaPkgVal),
			errors.WithMeta(errMetaOpKey, errMetaOpRegisterBufRing),
			errors.WithWrap(err))
	}

	br := (*BufferAndRing)(brPtr)
	br.BufRingInit()
	ring.bufRings[bgid] = &bufRingMapping{br: br, size: size}
	return br, nil
}

// UnregisterBufferRing drops a ring-mapped buffer group and its mapping.
func (ring *Ring) UnregisterBufferRing(bgid uint16) error {
	if ring.closed.Load() {
		return ErrRingClosed
	}
	mapping, ok := ring.bufRings[bgid]
	if !ok {
		return errors.From(ErrBufferRingNotRegistered, errors.WithMeta(errMetaOpKey, errMetaOpUnregisterBufRing))
	}
	reg := &BufReg{Bgid: bgid}
	if _, err := ring.doRegister(IORING_UNREGISTER_PBUF_RING, unsafe.Pointer(reg), 1); err != nil {
		return errors.New("unregister buffer ring failed",
			errors.WithMeta(errMetaPkgKey, errMetaPkgVal),
			errors.WithMeta(errMetaOpKey, errMetaOpUnregisterBufRing),
			errors.WithWrap(err))
	}
	_ = munmap(uintptr(unsafe.Pointer(mapping.br)), mapping.size)
	delete(ring.bufRings, bgid)
	return nil
}

// BufRingAvailable samples how many descriptors of a ring-mapped group the
// kernel has not consumed yet.
func (ring *Ring) BufRingAvailable(br *BufferAndRing, bgid uint16) (uint16, error) {
	status := &BufStatus{BufGroup: uint32(bgid)}
	if _, err := ring.doRegister(IORING_REGISTER_PBUF_STATUS, unsafe.Pointer(status), 1); err != nil {
		return 0, err
	}
	return br.Tail - uint16(status.Head), nil
}
