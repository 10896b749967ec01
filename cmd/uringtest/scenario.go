//go:build linux

package main

import (
	"context"
	"fmt"
	"net"
	"syscall"
	"time"
	"unsafe"

	"github.com/brickingsoft/rxp"
	"github.com/brickingsoft/uring"
	"github.com/rs/zerolog"
)

// reapTimeout bounds every completion wait so a wedged scenario fails the
// run instead of hanging it.
const reapTimeout = 5 * time.Second

// A scenario drives one conformance property against a live ring. Gates
// run before the body: kernelMajor/kernelMinor against the running kernel,
// opcodes against the ring's probe; a missed gate skips, never fails.
type scenario struct {
	name        string
	kernelMajor int
	kernelMinor int
	opcodes     []uint8
	run         func(*scenarioContext) error
}

type scenarioContext struct {
	ring *uring.Ring
	exec rxp.Executors
	log  zerolog.Logger

	cleanups []func()
}

func (sc *scenarioContext) cleanup(fn func()) {
	sc.cleanups = append(sc.cleanups, fn)
}

func (sc *scenarioContext) close() {
	for i := len(sc.cleanups) - 1; i >= 0; i-- {
		sc.cleanups[i]()
	}
	sc.cleanups = nil
}

func (sc *scenarioContext) getSQE() (*uring.SubmissionQueueEntry, error) {
	if sqe := sc.ring.GetSQE(); sqe != nil {
		return sqe, nil
	}
	return nil, uring.ErrSQFull
}

// reap collects n completions, value-copying each before marking it seen so
// the slot can be reused under the caller's feet.
func (sc *scenarioContext) reap(n int) ([]uring.CompletionQueueEvent, error) {
	out := make([]uring.CompletionQueueEvent, 0, n)
	for len(out) < n {
		cqe, err := sc.ring.WaitCQETimeout(1, reapTimeout)
		if err != nil {
			return out, fmt.Errorf("waiting for completion %d of %d: %w", len(out)+1, n, err)
		}
		out = append(out, *cqe)
		sc.ring.CQESeen(cqe)
	}
	return out, nil
}

func (sc *scenarioContext) submitAndReap(n int) ([]uring.CompletionQueueEvent, error) {
	if _, err := sc.ring.Submit(); err != nil {
		return nil, fmt.Errorf("submit: %w", err)
	}
	return sc.reap(n)
}

// adoptConn duplicates the connection's descriptor into blocking mode and
// parks both the duplicate and the original until scenario cleanup.
func (sc *scenarioContext) adoptConn(conn net.Conn) (int, error) {
	tcp, ok := conn.(*net.TCPConn)
	if !ok {
		conn.Close()
		return 0, fmt.Errorf("not a TCP connection: %T", conn)
	}
	file, err := tcp.File()
	if err != nil {
		tcp.Close()
		return 0, fmt.Errorf("dup descriptor: %w", err)
	}
	sc.cleanup(func() {
		file.Close()
		tcp.Close()
	})
	return int(file.Fd()), nil
}

// tcpPair builds a connected loopback pair and returns blocking descriptors
// for both ends. The dial leg runs on the executor pool.
func (sc *scenarioContext) tcpPair() (serverFd, clientFd int, err error) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, 0, fmt.Errorf("listen: %w", err)
	}
	defer ln.Close()

	type dialed struct {
		conn net.Conn
		err  error
	}
	ch := make(chan dialed, 1)
	addr := ln.Addr().String()
	if err = sc.exec.Execute(context.Background(), func() {
		conn, derr := net.Dial("tcp", addr)
		ch <- dialed{conn: conn, err: derr}
	}); err != nil {
		return 0, 0, fmt.Errorf("dispatch dial: %w", err)
	}

	server, err := ln.Accept()
	if err != nil {
		return 0, 0, fmt.Errorf("accept: %w", err)
	}
	d := <-ch
	if d.err != nil {
		server.Close()
		return 0, 0, fmt.Errorf("dial: %w", d.err)
	}

	if serverFd, err = sc.adoptConn(server); err != nil {
		d.conn.Close()
		return 0, 0, err
	}
	if clientFd, err = sc.adoptConn(d.conn); err != nil {
		return 0, 0, err
	}
	return serverFd, clientFd, nil
}

// tcpListener opens a loopback listener and returns its blocking descriptor
// plus the bound address.
func (sc *scenarioContext) tcpListener() (int, *net.TCPAddr, error) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, nil, fmt.Errorf("listen: %w", err)
	}
	tcpLn := ln.(*net.TCPListener)
	file, err := tcpLn.File()
	if err != nil {
		tcpLn.Close()
		return 0, nil, fmt.Errorf("dup listener: %w", err)
	}
	sc.cleanup(func() {
		file.Close()
		tcpLn.Close()
	})
	return int(file.Fd()), tcpLn.Addr().(*net.TCPAddr), nil
}

// dialBurst dispatches count loopback dials to addr on the executor pool.
// The caller drains the channel and closes what connected.
func (sc *scenarioContext) dialBurst(addr string, count int) (<-chan net.Conn, error) {
	conns := make(chan net.Conn, count)
	for i := 0; i < count; i++ {
		if err := sc.exec.Execute(context.Background(), func() {
			conn, err := net.Dial("tcp", addr)
			if err != nil {
				sc.log.Warn().Err(err).Msg("burst dial failed")
				conns <- nil
				return
			}
			conns <- conn
		}); err != nil {
			return nil, fmt.Errorf("dispatch dial %d: %w", i, err)
		}
	}
	return conns, nil
}

// feed dispatches sequential writes to fd on the executor pool, pausing
// between chunks so each lands in its own completion.
func (sc *scenarioContext) feed(fd int, chunks [][]byte, gap time.Duration) error {
	return sc.exec.Execute(context.Background(), func() {
		for i, chunk := range chunks {
			if i > 0 && gap > 0 {
				time.Sleep(gap)
			}
			if _, err := syscall.Write(fd, chunk); err != nil {
				sc.log.Warn().Err(err).Msg("feed write failed")
				return
			}
		}
	})
}

func rawSockaddr(addr *net.TCPAddr) (*syscall.RawSockaddrAny, uint64) {
	rsa := &syscall.RawSockaddrAny{}
	sa := (*syscall.RawSockaddrInet4)(unsafe.Pointer(rsa))
	sa.Family = syscall.AF_INET
	// sockaddr carries the port big-endian.
	sa.Port = uint16(addr.Port>>8) | uint16(addr.Port&0xff)<<8
	copy(sa.Addr[:], addr.IP.To4())
	return rsa, syscall.SizeofSockaddrInet4
}

func expectRes(cqe uring.CompletionQueueEvent, want int32, what string) error {
	if cqe.Res != want {
		return fmt.Errorf("%s: res %d, want %d", what, cqe.Res, want)
	}
	return nil
}

func expectErrno(cqe uring.CompletionQueueEvent, errno syscall.Errno, what string) error {
	if cqe.Res != -int32(errno) {
		return fmt.Errorf("%s: res %d, want %d (-%v)", what, cqe.Res, -int32(errno), errno)
	}
	return nil
}
