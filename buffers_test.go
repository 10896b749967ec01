//go:build linux

package uring_test

import (
	"syscall"
	"testing"
	"unsafe"

	"github.com/brickingsoft/errors"
	"github.com/brickingsoft/uring"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProvideBuffersRoundTrip(t *testing.T) {
	ring := newTestRing(t, uring.WithEntries(8))
	requireOpcode(t, ring, uring.IORING_OP_PROVIDE_BUFFERS)

	const (
		bgid     = 0xdead
		unknown  = 0xdeaf
		startBid = 100
		bufLen   = 32
		bufCount = 4
	)
	mem := make([]byte, bufLen*bufCount)

	require.NoError(t, ring.ProvideBuffers(mem, bufLen, bufCount, bgid, startBid, 1))
	cqes := submitAndReap(t, ring, 1)
	require.EqualValues(t, 1, cqes[0].UserData)
	require.GreaterOrEqual(t, cqes[0].Res, int32(0), "provide failed: %d", cqes[0].Res)

	// Withdrawing two leaves two.
	require.NoError(t, ring.RemoveBuffers(2, bgid, 2))
	cqes = submitAndReap(t, ring, 1)
	assert.EqualValues(t, 2, cqes[0].Res, "removed count")

	// A group that never existed answers -ENOENT through the completion.
	require.NoError(t, ring.RemoveBuffers(2, unknown, 3))
	cqes = submitAndReap(t, ring, 1)
	assert.EqualValues(t, -int32(syscall.ENOENT), cqes[0].Res)

	// The remaining two drain the group.
	require.NoError(t, ring.RemoveBuffers(bufCount, bgid, 4))
	cqes = submitAndReap(t, ring, 1)
	assert.EqualValues(t, 2, cqes[0].Res)
}

func TestProvideBuffersShape(t *testing.T) {
	ring := newTestRing(t, uring.WithEntries(4))

	assert.Error(t, ring.ProvideBuffers(nil, 16, 1, 1, 0, 1), "nil memory")
	assert.Error(t, ring.ProvideBuffers(make([]byte, 8), 16, 1, 1, 0, 1), "memory smaller than one buffer")
	assert.Error(t, ring.ProvideBuffers(make([]byte, 64), 16, 0, 1, 0, 1), "zero count")
	assert.Error(t, ring.RemoveBuffers(0, 1, 1), "zero remove count")
}

func TestBufferSelectRead(t *testing.T) {
	ring := newTestRing(t, uring.WithEntries(8))
	requireOpcode(t, ring, uring.IORING_OP_PROVIDE_BUFFERS)

	var fds [2]int
	require.NoError(t, syscall.Pipe2(fds[:], syscall.O_CLOEXEC))
	defer syscall.Close(fds[0])
	defer syscall.Close(fds[1])

	const (
		bgid     = 0xdead
		startBid = 100
		bufLen   = 32
	)
	mem := make([]byte, bufLen)

	require.NoError(t, ring.ProvideBuffers(mem, bufLen, 1, bgid, startBid, 1))
	cqes := submitAndReap(t, ring, 1)
	require.GreaterOrEqual(t, cqes[0].Res, int32(0))

	payload := []byte("hello")
	_, err := syscall.Write(fds[1], payload)
	require.NoError(t, err)

	// The kernel picks the landing buffer, the entry names no address.
	sqe := getSQE(t, ring)
	sqe.PrepareRead(fds[0], 0, bufLen, 0)
	sqe.SetBufferGroup(bgid)
	sqe.SetFlags(uring.IOSQE_BUFFER_SELECT)
	sqe.SetData64(2)
	cqes = submitAndReap(t, ring, 1)
	require.EqualValues(t, len(payload), cqes[0].Res)
	assert.True(t, cqes[0].Buffered(), "flags: %x", cqes[0].Flags)
	assert.EqualValues(t, startBid, cqes[0].BufferID())
	assert.Equal(t, payload, mem[:len(payload)])

	// The single buffer is consumed, the next select starves.
	_, err = syscall.Write(fds[1], payload)
	require.NoError(t, err)
	sqe = getSQE(t, ring)
	sqe.PrepareRead(fds[0], 0, bufLen, 0)
	sqe.SetBufferGroup(bgid)
	sqe.SetFlags(uring.IOSQE_BUFFER_SELECT)
	sqe.SetData64(3)
	cqes = submitAndReap(t, ring, 1)
	assert.EqualValues(t, -int32(syscall.ENOBUFS), cqes[0].Res)

	// Replenishing revives the group, the pipe still holds the second
	// payload.
	require.NoError(t, ring.ProvideBuffers(mem, bufLen, 1, bgid, startBid, 4))
	cqes = submitAndReap(t, ring, 1)
	require.GreaterOrEqual(t, cqes[0].Res, int32(0))

	sqe = getSQE(t, ring)
	sqe.PrepareRead(fds[0], 0, bufLen, 0)
	sqe.SetBufferGroup(bgid)
	sqe.SetFlags(uring.IOSQE_BUFFER_SELECT)
	sqe.SetData64(5)
	cqes = submitAndReap(t, ring, 1)
	assert.EqualValues(t, len(payload), cqes[0].Res)
	assert.EqualValues(t, startBid, cqes[0].BufferID())
}

func TestBufferRing(t *testing.T) {
	requireKernel(t, 5, 19)
	ring := newTestRing(t, uring.WithEntries(8))

	const (
		bgid    uint16 = 33
		entries uint32 = 4
		bufLen         = 64
	)
	br, err := ring.RegisterBufferRing(entries, bgid)
	require.NoError(t, err)
	require.NotNil(t, br)

	_, err = ring.RegisterBufferRing(entries, bgid)
	assert.True(t, errors.Is(err, uring.ErrBufferRingRegistered), "double register: %v", err)

	mem := make([]byte, int(entries)*bufLen)
	mask := uring.BufRingMask(entries)
	for i := uint16(0); i < uint16(entries); i++ {
		br.BufRingAdd(uintptr(unsafe.Pointer(&mem[int(i)*bufLen])), bufLen, i, mask, i)
	}
	br.BufRingAdvance(uint16(entries))

	serverFd, clientFd := tcpPair(t)
	payload := randomPayload(t, 48)
	_, err = syscall.Write(clientFd, payload)
	require.NoError(t, err)

	sqe := getSQE(t, ring)
	sqe.PrepareRecv(serverFd, 0, bufLen, 0)
	sqe.SetBufferGroup(bgid)
	sqe.SetFlags(uring.IOSQE_BUFFER_SELECT)
	sqe.SetData64(1)
	cqes := submitAndReap(t, ring, 1)
	require.EqualValues(t, len(payload), cqes[0].Res)
	require.True(t, cqes[0].Buffered())

	bid := cqes[0].BufferID()
	require.Less(t, bid, uint16(entries))
	assert.Equal(t, payload, mem[int(bid)*bufLen:int(bid)*bufLen+len(payload)])

	if uring.VersionEnable(6, 8, 0) {
		available, availErr := ring.BufRingAvailable(br, bgid)
		require.NoError(t, availErr)
		assert.EqualValues(t, entries-1, available)
	}

	require.NoError(t, ring.UnregisterBufferRing(bgid))
	err = ring.UnregisterBufferRing(bgid)
	assert.True(t, errors.Is(err, uring.ErrBufferRingNotRegistered), "double unregister: %v", err)
}
