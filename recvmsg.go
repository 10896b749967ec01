//go:build linux

package uring

import (
	"syscall"
	"unsafe"
)

func cmsgAlign(length uint64) uint64 {
	return (length + uint64(unsafe.Sizeof(uintptr(0))) - 1) & ^(uint64(unsafe.Sizeof(uintptr(0))) - 1)
}

// RecvmsgOut is the header a multishot recvmsg writes at the start of every
// selected buffer: name, control and payload regions follow back to back.
// Namelen and ControlLen are the untruncated source sizes, the copied
// regions are capped at the msghdr capacities.
type RecvmsgOut struct {
	Namelen    uint32
	ControlLen uint32
	PayloadLen uint32
	Flags      uint32
}

// RecvmsgValidate bounds-checks a multishot recvmsg payload of bufLen bytes
// against the msghdr it was armed with and returns the decoded header, nil
// when the buffer cannot even hold the fixed regions.
func RecvmsgValidate(buf unsafe.Pointer, bufLen int, msgh *syscall.Msghdr) *RecvmsgOut {
	header := uintptr(msgh.Controllen) + uintptr(msgh.Namelen) + unsafe.Sizeof(RecvmsgOut{})
	if bufLen < 0 || uintptr(bufLen) < header {
		return nil
	}
	return (*RecvmsgOut)(buf)
}

func (o *RecvmsgOut) Name() unsafe.Pointer {
	return unsafe.Pointer(uintptr(unsafe.Pointer(o)) + unsafe.Sizeof(*o))
}

// NameBytes returns the copied source address bytes, capped at the msghdr
// name capacity when the source address was longer.
func (o *RecvmsgOut) NameBytes(msgh *syscall.Msghdr) []byte {
	length := o.Namelen
	if length > msgh.Namelen {
		length = msgh.Namelen
	}
	if length == 0 {
		return nil
	}
	return unsafe.Slice((*byte)(o.Name()), length)
}

func (o *RecvmsgOut) CmsgFirsthdr(msgh *syscall.Msghdr) *syscall.Cmsghdr {
	if o.ControlLen < syscall.SizeofCmsghdr {
		return nil
	}
	return (*syscall.Cmsghdr)(unsafe.Pointer(uintptr(o.Name()) + uintptr(msgh.Namelen)))
}

func (o *RecvmsgOut) CmsgNexthdr(msgh *syscall.Msghdr, cmsg *syscall.Cmsghdr) *syscall.Cmsghdr {
	if cmsg.Len < syscall.SizeofCmsghdr {
		return nil
	}
	end := (*byte)(unsafe.Pointer(uintptr(unsafe.Pointer(o.CmsgFirsthdr(msgh))) + uintptr(o.ControlLen)))
	cmsg = (*syscall.Cmsghdr)(unsafe.Pointer(uintptr(unsafe.Pointer(cmsg)) + uintptr(cmsgAlign(cmsg.Len))))
	if uintptr(unsafe.Pointer(cmsg))+unsafe.Sizeof(*cmsg) > uintptr(unsafe.Pointer(end)) {
		return nil
	}
	if uintptr(unsafe.Pointer(cmsg))+uintptr(cmsgAlign(cmsg.Len)) > uintptr(unsafe.Pointer(end)) {
		return nil
	}
	return cmsg
}

func (o *RecvmsgOut) Payload(msgh *syscall.Msghdr) unsafe.Pointer {
	return unsafe.Pointer(uintptr(unsafe.Pointer(o)) +
		unsafe.Sizeof(*o) +
		uintptr(msgh.Namelen) +
		uintptr(msgh.Controllen))
}

// PayloadLength derives the copied payload size from the completion result
// bufLen, the regions preceding the payload are fixed by the msghdr.
func (o *RecvmsgOut) PayloadLength(bufLen int, msgh *syscall.Msghdr) uint32 {
	payloadStart := uintptr(o.Payload(msgh))
	payloadEnd := uintptr(unsafe.Pointer(o)) + uintptr(bufLen)
	return uint32(payloadEnd - payloadStart)
}

func (o *RecvmsgOut) PayloadBytes(bufLen int, msgh *syscall.Msghdr) []byte {
	length := o.PayloadLength(bufLen, msgh)
	if length == 0 {
		return nil
	}
	return unsafe.Slice((*byte)(o.Payload(msgh)), length)
}

// NameTruncated reports that the source address did not fit the msghdr name
// capacity.
func (o *RecvmsgOut) NameTruncated(msgh *syscall.Msghdr) bool {
	return o.Namelen > msgh.Namelen
}

// ControlTruncated reports that ancillary data was cut short.
func (o *RecvmsgOut) ControlTruncated() bool {
	return o.Flags&syscall.MSG_CTRUNC != 0
}

// PayloadTruncated reports that the datagram payload was cut short.
func (o *RecvmsgOut) PayloadTruncated() bool {
	return o.Flags&syscall.MSG_TRUNC != 0
}
