//go:build linux

package uring_test

import (
	"net"
	"syscall"
	"testing"
	"unsafe"

	"github.com/brickingsoft/uring"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Every single-shot operation answers its tag exactly once.
func TestSendRecvEcho(t *testing.T) {
	ring := newTestRing(t)
	serverFd, clientFd := tcpPair(t)

	payload := randomPayload(t, 256)
	rbuf := make([]byte, len(payload))

	recvSqe := getSQE(t, ring)
	recvSqe.PrepareRecv(serverFd, uintptr(unsafe.Pointer(&rbuf[0])), uint32(len(rbuf)), 0)
	recvSqe.SetData64(200)

	sendSqe := getSQE(t, ring)
	sendSqe.PrepareSend(clientFd, uintptr(unsafe.Pointer(&payload[0])), uint32(len(payload)), 0)
	sendSqe.SetData64(100)

	counts := make(map[uint64]int)
	for _, cqe := range submitAndReap(t, ring, 2) {
		counts[cqe.UserData]++
		require.EqualValues(t, len(payload), cqe.Res, "tag %d", cqe.UserData)
		assert.False(t, cqe.More(), "single-shot completion carries F_MORE")
	}
	assert.Equal(t, 1, counts[100], "send completions")
	assert.Equal(t, 1, counts[200], "recv completions")
	assert.Equal(t, payload, rbuf)
}

// A linked pair is gated: the recv issues only after the send completed.
func TestLinkedSendRecv(t *testing.T) {
	ring := newTestRing(t)
	serverFd, clientFd := tcpPair(t)

	payload := randomPayload(t, 128)
	rbuf := make([]byte, len(payload))

	sendSqe := getSQE(t, ring)
	sendSqe.PrepareSend(clientFd, uintptr(unsafe.Pointer(&payload[0])), uint32(len(payload)), 0)
	sendSqe.SetFlags(uring.IOSQE_IO_LINK)
	sendSqe.SetData64(1)

	recvSqe := getSQE(t, ring)
	recvSqe.PrepareRecv(serverFd, uintptr(unsafe.Pointer(&rbuf[0])), uint32(len(rbuf)), 0)
	recvSqe.SetData64(2)

	for _, cqe := range submitAndReap(t, ring, 2) {
		require.EqualValues(t, len(payload), cqe.Res, "tag %d", cqe.UserData)
	}
	assert.Equal(t, payload, rbuf)
}

// A failing chain head completes the tail with -ECANCELED.
func TestLinkedChainFailureCancelsTail(t *testing.T) {
	ring := newTestRing(t)
	serverFd, _ := tcpPair(t)

	rbuf := make([]byte, 16)
	junk := []byte("never sent")

	headSqe := getSQE(t, ring)
	headSqe.PrepareSend(-1, uintptr(unsafe.Pointer(&junk[0])), uint32(len(junk)), 0)
	headSqe.SetFlags(uring.IOSQE_IO_LINK)
	headSqe.SetData64(1)

	tailSqe := getSQE(t, ring)
	tailSqe.PrepareRecv(serverFd, uintptr(unsafe.Pointer(&rbuf[0])), uint32(len(rbuf)), 0)
	tailSqe.SetData64(2)

	for _, cqe := range submitAndReap(t, ring, 2) {
		switch cqe.UserData {
		case 1:
			assert.EqualValues(t, -int32(syscall.EBADF), cqe.Res, "head result")
		case 2:
			assert.EqualValues(t, -int32(syscall.ECANCELED), cqe.Res, "tail result")
		default:
			t.Error("unexpected tag:", cqe.UserData)
		}
	}
}

// One armed accept serves a connection stream: F_MORE on every delivery,
// absent from the terminal completion.
func TestMultishotAccept(t *testing.T) {
	requireKernel(t, 5, 19)
	ring := newTestRing(t)
	lnFd, addr := tcpListener(t)

	sqe := getSQE(t, ring)
	sqe.PrepareAcceptMultishot(lnFd, nil, 0, 0)
	sqe.SetData64(1)
	_, err := ring.Submit()
	require.NoError(t, err)

	var clients []net.Conn
	defer func() {
		for _, c := range clients {
			_ = c.Close()
		}
	}()
	var accepted []int
	defer func() {
		for _, fd := range accepted {
			_ = syscall.Close(fd)
		}
	}()

	for i := 0; i < 2; i++ {
		conn, dialErr := net.Dial("tcp", addr.String())
		require.NoError(t, dialErr)
		clients = append(clients, conn)

		cqe := reapOne(t, ring)
		require.EqualValues(t, 1, cqe.UserData)
		require.Greater(t, cqe.Res, int32(0), "accepted descriptor")
		assert.True(t, cqe.More(), "delivery %d must carry F_MORE", i)
		accepted = append(accepted, int(cqe.Res))
	}

	cancelSqe := getSQE(t, ring)
	cancelSqe.PrepareCancel(1, 0)
	cancelSqe.SetData64(2)
	for _, cqe := range submitAndReap(t, ring, 2) {
		switch cqe.UserData {
		case 1:
			assert.EqualValues(t, -int32(syscall.ECANCELED), cqe.Res, "terminal result")
			assert.False(t, cqe.More(), "terminal completion carries F_MORE")
		case 2:
			assert.EqualValues(t, 0, cqe.Res, "cancel result")
		default:
			t.Error("unexpected tag:", cqe.UserData)
		}
	}
}

// One armed recv drains a byte stream through a buffer ring until EOF.
func TestMultishotRecv(t *testing.T) {
	requireKernel(t, 6, 0)
	ring := newTestRing(t)

	const (
		bgid    uint16 = 7
		entries uint32 = 4
		bufLen         = 64
	)
	br, err := ring.RegisterBufferRing(entries, bgid)
	require.NoError(t, err)
	mem := make([]byte, int(entries)*bufLen)
	mask := uring.BufRingMask(entries)
	for i := uint16(0); i < uint16(entries); i++ {
		br.BufRingAdd(uintptr(unsafe.Pointer(&mem[int(i)*bufLen])), bufLen, i, mask, i)
	}
	br.BufRingAdvance(uint16(entries))

	serverFd, clientFd := tcpPair(t)

	sqe := getSQE(t, ring)
	sqe.PrepareRecvMultishot(serverFd, 0, 0, 0)
	sqe.SetBufferGroup(bgid)
	sqe.SetFlags(uring.IOSQE_BUFFER_SELECT)
	sqe.SetData64(1)
	_, err = ring.Submit()
	require.NoError(t, err)

	for _, chunk := range [][]byte{[]byte("first chunk"), []byte("second chunk")} {
		_, err = syscall.Write(clientFd, chunk)
		require.NoError(t, err)

		cqe := reapOne(t, ring)
		require.EqualValues(t, 1, cqe.UserData)
		require.EqualValues(t, len(chunk), cqe.Res)
		require.True(t, cqe.Buffered(), "flags: %x", cqe.Flags)
		assert.True(t, cqe.More(), "stream delivery must carry F_MORE")
		bid := cqe.BufferID()
		require.Less(t, bid, uint16(entries))
		assert.Equal(t, chunk, mem[int(bid)*bufLen:int(bid)*bufLen+len(chunk)])
	}

	// EOF terminates the stream without F_MORE.
	require.NoError(t, syscall.Shutdown(clientFd, syscall.SHUT_WR))
	cqe := reapOne(t, ring)
	require.EqualValues(t, 1, cqe.UserData)
	assert.EqualValues(t, 0, cqe.Res, "EOF result")
	assert.False(t, cqe.More(), "terminal completion carries F_MORE")

	require.NoError(t, ring.UnregisterBufferRing(bgid))
}

// A zero-copy send answers twice under one tag: the byte count first, still
// holding the buffer, then the notification releasing it.
func TestSendZC(t *testing.T) {
	requireKernel(t, 6, 0)
	ring := newTestRing(t)
	requireOpcode(t, ring, uring.IORING_OP_SEND_ZC)

	serverFd, clientFd := tcpPair(t)
	payload := randomPayload(t, 4096)

	sqe := getSQE(t, ring)
	sqe.PrepareSendZC(clientFd, uintptr(unsafe.Pointer(&payload[0])), uint32(len(payload)), 0, 0)
	sqe.SetData64(9)

	cqes := submitAndReap(t, ring, 2)

	require.EqualValues(t, 9, cqes[0].UserData)
	require.EqualValues(t, len(payload), cqes[0].Res, "data completion")
	assert.True(t, cqes[0].More(), "data completion announces the notification")
	assert.False(t, cqes[0].Notification())

	require.EqualValues(t, 9, cqes[1].UserData)
	assert.True(t, cqes[1].Notification(), "second completion is the notification")
	assert.False(t, cqes[1].More())

	got := make([]byte, len(payload))
	n, err := syscall.Read(serverFd, got)
	require.NoError(t, err)
	assert.Equal(t, payload[:n], got[:n])
}

func TestSendMsgZC(t *testing.T) {
	requireKernel(t, 6, 1)
	ring := newTestRing(t)
	requireOpcode(t, ring, uring.IORING_OP_SENDMSG_ZC)

	serverFd, clientFd := tcpPair(t)
	payload := randomPayload(t, 2048)

	iov := syscall.Iovec{Base: &payload[0], Len: uint64(len(payload))}
	msg := &syscall.Msghdr{Iov: &iov, Iovlen: 1}

	sqe := getSQE(t, ring)
	sqe.PrepareSendMsgZC(clientFd, msg, 0)
	sqe.SetData64(11)

	cqes := submitAndReap(t, ring, 2)
	require.EqualValues(t, len(payload), cqes[0].Res)
	assert.True(t, cqes[0].More())
	assert.True(t, cqes[1].Notification())
	assert.False(t, cqes[1].More())

	got := make([]byte, len(payload))
	n, err := syscall.Read(serverFd, got)
	require.NoError(t, err)
	assert.Equal(t, payload[:n], got[:n])
}

func TestSendMsgRecvMsg(t *testing.T) {
	ring := newTestRing(t)
	serverFd, clientFd := tcpPair(t)

	head := []byte("alpha-")
	tail := []byte("beta")
	total := len(head) + len(tail)

	sendIovs := []syscall.Iovec{
		{Base: &head[0], Len: uint64(len(head))},
		{Base: &tail[0], Len: uint64(len(tail))},
	}
	sendMsg := &syscall.Msghdr{Iov: &sendIovs[0], Iovlen: 2}

	sqe := getSQE(t, ring)
	sqe.PrepareSendMsg(clientFd, sendMsg, 0)
	sqe.SetData64(1)
	cqes := submitAndReap(t, ring, 1)
	require.EqualValues(t, total, cqes[0].Res, "gathered send")

	rbuf := make([]byte, total)
	recvIov := syscall.Iovec{Base: &rbuf[0], Len: uint64(len(rbuf))}
	recvMsg := &syscall.Msghdr{Iov: &recvIov, Iovlen: 1}

	sqe = getSQE(t, ring)
	sqe.PrepareRecvMsg(serverFd, recvMsg, 0)
	sqe.SetData64(2)
	cqes = submitAndReap(t, ring, 1)
	require.EqualValues(t, total, cqes[0].Res)
	assert.Equal(t, "alpha-beta", string(rbuf))
}

// Shutting the write side down through the ring: the peer reads EOF and a
// later send on the shut socket fails with -EPIPE.
func TestShutdownThenSend(t *testing.T) {
	ring := newTestRing(t)
	requireOpcode(t, ring, uring.IORING_OP_SHUTDOWN)

	serverFd, clientFd := tcpPair(t)

	sqe := getSQE(t, ring)
	sqe.PrepareShutdown(clientFd, syscall.SHUT_WR)
	sqe.SetData64(1)
	cqes := submitAndReap(t, ring, 1)
	require.EqualValues(t, 0, cqes[0].Res, "shutdown result")

	rbuf := make([]byte, 8)
	sqe = getSQE(t, ring)
	sqe.PrepareRecv(serverFd, uintptr(unsafe.Pointer(&rbuf[0])), uint32(len(rbuf)), 0)
	sqe.SetData64(2)
	cqes = submitAndReap(t, ring, 1)
	assert.EqualValues(t, 0, cqes[0].Res, "peer reads EOF")

	junk := []byte("late")
	sqe = getSQE(t, ring)
	sqe.PrepareSend(clientFd, uintptr(unsafe.Pointer(&junk[0])), uint32(len(junk)), 0)
	sqe.SetData64(3)
	cqes = submitAndReap(t, ring, 1)
	assert.EqualValues(t, -int32(syscall.EPIPE), cqes[0].Res, "send after shutdown")
}

// Connect and accept both driven through the ring against a stdlib
// listener socket.
func TestConnectAccept(t *testing.T) {
	ring := newTestRing(t)
	lnFd, addr := tcpListener(t)

	clientFd, err := syscall.Socket(syscall.AF_INET, syscall.SOCK_STREAM, 0)
	require.NoError(t, err)
	defer syscall.Close(clientFd)

	rsa, rsaLen := rawSockaddr(t, addr)

	acceptSqe := getSQE(t, ring)
	acceptSqe.PrepareAccept(lnFd, nil, 0, 0)
	acceptSqe.SetData64(1)

	connectSqe := getSQE(t, ring)
	connectSqe.PrepareConnect(clientFd, rsa, rsaLen)
	connectSqe.SetData64(2)

	for _, cqe := range submitAndReap(t, ring, 2) {
		switch cqe.UserData {
		case 1:
			require.Greater(t, cqe.Res, int32(0), "accepted descriptor")
			_ = syscall.Close(int(cqe.Res))
		case 2:
			assert.EqualValues(t, 0, cqe.Res, "connect result")
		default:
			t.Error("unexpected tag:", cqe.UserData)
		}
	}
}

// Socket creation and close both as ring operations.
func TestSocketClose(t *testing.T) {
	ring := newTestRing(t)
	requireOpcode(t, ring, uring.IORING_OP_SOCKET)

	sqe := getSQE(t, ring)
	sqe.PrepareSocket(syscall.AF_INET, syscall.SOCK_STREAM, 0, 0)
	sqe.SetData64(1)
	cqes := submitAndReap(t, ring, 1)
	require.Greater(t, cqes[0].Res, int32(0), "socket result")
	fd := int(cqes[0].Res)

	sqe = getSQE(t, ring)
	sqe.PrepareClose(fd)
	sqe.SetData64(2)
	cqes = submitAndReap(t, ring, 1)
	assert.EqualValues(t, 0, cqes[0].Res, "close result")
}

// Bind and listen ring operations, probe-gated, then a plain dial proves
// the socket listens.
func TestBindListen(t *testing.T) {
	ring := newTestRing(t)
	requireOpcode(t, ring, uring.IORING_OP_BIND)
	requireOpcode(t, ring, uring.IORING_OP_LISTEN)

	fd, err := syscall.Socket(syscall.AF_INET, syscall.SOCK_STREAM, 0)
	require.NoError(t, err)
	defer syscall.Close(fd)

	rsa, rsaLen := rawSockaddr(t, &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 0})

	sqe := getSQE(t, ring)
	sqe.PrepareBind(fd, rsa, rsaLen)
	sqe.SetData64(1)
	cqes := submitAndReap(t, ring, 1)
	require.EqualValues(t, 0, cqes[0].Res, "bind result")

	sqe = getSQE(t, ring)
	sqe.PrepareListen(fd, 8)
	sqe.SetData64(2)
	cqes = submitAndReap(t, ring, 1)
	require.EqualValues(t, 0, cqes[0].Res, "listen result")

	bound, err := syscall.Getsockname(fd)
	require.NoError(t, err)
	inet4, ok := bound.(*syscall.SockaddrInet4)
	require.True(t, ok)

	conn, err := net.Dial("tcp", (&net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: inet4.Port}).String())
	require.NoError(t, err)
	_ = conn.Close()
}
