//go:build linux

package uring_test

import (
	"crypto/rand"
	"net"
	"syscall"
	"testing"
	"unsafe"

	"github.com/brickingsoft/errors"
	"github.com/brickingsoft/uring"
)

// newTestRing builds a small ring or skips when the host cannot provide one,
// no io_uring support, a seccomp denial or exhausted locked memory.
func newTestRing(tb testing.TB, options ...uring.Option) *uring.Ring {
	tb.Helper()
	if len(options) == 0 {
		options = []uring.Option{uring.WithEntries(8)}
	}
	ring, err := uring.New(options...)
	if err != nil {
		if errors.Is(err, syscall.ENOSYS) || errors.Is(err, syscall.EPERM) || errors.Is(err, syscall.ENOMEM) {
			tb.Skipf("io_uring unavailable: %v", err)
		}
		tb.Fatal(err)
	}
	tb.Cleanup(func() {
		_ = ring.Close()
	})
	return ring
}

func requireKernel(tb testing.TB, major, minor int) {
	tb.Helper()
	if !uring.VersionEnable(major, minor, 0) {
		tb.Skipf("kernel %s, need %d.%d", uring.GetVersion(), major, minor)
	}
}

func requireOpcode(tb testing.TB, ring *uring.Ring, op uint8) {
	tb.Helper()
	if !ring.OpSupported(op) {
		tb.Skipf("opcode %d not supported by this kernel", op)
	}
}

// getSQE fails the test instead of returning nil on a full queue.
func getSQE(tb testing.TB, ring *uring.Ring) *uring.SubmissionQueueEntry {
	tb.Helper()
	sqe := ring.GetSQE()
	if sqe == nil {
		tb.Fatal("submission queue full")
	}
	return sqe
}

// reapOne waits for one completion, copies it out and marks it seen.
func reapOne(tb testing.TB, ring *uring.Ring) uring.CompletionQueueEvent {
	tb.Helper()
	cqe, err := ring.WaitCQE()
	if err != nil {
		tb.Fatal(err)
	}
	copied := *cqe
	ring.CQESeen(cqe)
	return copied
}

// reap collects n completions in arrival order.
func reap(tb testing.TB, ring *uring.Ring, n int) []uring.CompletionQueueEvent {
	tb.Helper()
	out := make([]uring.CompletionQueueEvent, 0, n)
	for len(out) < n {
		out = append(out, reapOne(tb, ring))
	}
	return out
}

// submitAndReap publishes everything prepared so far and collects n
// completions.
func submitAndReap(tb testing.TB, ring *uring.Ring, n int) []uring.CompletionQueueEvent {
	tb.Helper()
	if _, err := ring.Submit(); err != nil {
		tb.Fatal(err)
	}
	return reap(tb, ring, n)
}

// fdOf hands out a blocking duplicate of the connection's descriptor. The
// duplicate lives until test cleanup, the net.Conn may be closed freely.
func fdOf(tb testing.TB, conn *net.TCPConn) int {
	tb.Helper()
	f, err := conn.File()
	if err != nil {
		tb.Fatal(err)
	}
	tb.Cleanup(func() { _ = f.Close() })
	return int(f.Fd())
}

// tcpPair returns the raw descriptors of both ends of a loopback TCP
// connection.
func tcpPair(tb testing.TB) (serverFd int, clientFd int) {
	tb.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		tb.Fatal(err)
	}
	defer ln.Close()

	client, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		tb.Fatal(err)
	}
	server, err := ln.Accept()
	if err != nil {
		_ = client.Close()
		tb.Fatal(err)
	}
	serverFd = fdOf(tb, server.(*net.TCPConn))
	clientFd = fdOf(tb, client.(*net.TCPConn))
	_ = server.Close()
	_ = client.Close()
	return serverFd, clientFd
}

// tcpListener returns a listening descriptor plus its dialable address.
func tcpListener(tb testing.TB) (fd int, addr *net.TCPAddr) {
	tb.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		tb.Fatal(err)
	}
	tb.Cleanup(func() { _ = ln.Close() })
	f, err := ln.(*net.TCPListener).File()
	if err != nil {
		tb.Fatal(err)
	}
	tb.Cleanup(func() { _ = f.Close() })
	return int(f.Fd()), ln.Addr().(*net.TCPAddr)
}

// rawSockaddr packs a v4 address for connect and bind entries.
func rawSockaddr(tb testing.TB, addr *net.TCPAddr) (*syscall.RawSockaddrAny, uint64) {
	tb.Helper()
	ip := addr.IP.To4()
	if ip == nil {
		tb.Fatalf("not a v4 address: %v", addr)
	}
	rsa := &syscall.RawSockaddrAny{}
	sa := (*syscall.RawSockaddrInet4)(unsafe.Pointer(rsa))
	sa.Family = syscall.AF_INET
	sa.Port = uint16(addr.Port>>8) | uint16(addr.Port&0xff)<<8
	copy(sa.Addr[:], ip)
	return rsa, uint64(syscall.SizeofSockaddrInet4)
}

func randomPayload(tb testing.TB, n int) []byte {
	tb.Helper()
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		tb.Fatal(err)
	}
	return b
}
