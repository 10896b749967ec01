//go:build linux

package main

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"syscall"
	"time"
	"unsafe"

	"github.com/brickingsoft/errors"
	"github.com/brickingsoft/uring"
)

var scenarios = []scenario{
	{name: "send-recv", run: scenarioSendRecv},
	{name: "recv-bufselect", opcodes: []uint8{uring.IORING_OP_PROVIDE_BUFFERS}, run: scenarioRecvBufSelect},
	{name: "recv-multishot", kernelMajor: 6, run: scenarioRecvMultishot},
	{name: "send-zc", kernelMajor: 6, opcodes: []uint8{uring.IORING_OP_SEND_ZC}, run: scenarioSendZC},
	{name: "sendmsg-recvmsg", run: scenarioSendmsgRecvmsg},
	{name: "sendmsg-zc", kernelMajor: 6, kernelMinor: 1, opcodes: []uint8{uring.IORING_OP_SENDMSG_ZC}, run: scenarioSendmsgZC},
	{name: "recvmsg-multishot", kernelMajor: 6, run: scenarioRecvmsgMultishot},
	{name: "accept", run: scenarioAccept},
	{name: "accept-multishot", kernelMajor: 5, kernelMinor: 19, run: scenarioAcceptMultishot},
	{name: "accept-direct", kernelMajor: 5, kernelMinor: 19, run: scenarioAcceptDirect},
	{name: "accept-direct-alloc", kernelMajor: 5, kernelMinor: 19, run: scenarioAcceptDirectAlloc},
	{name: "connect", run: scenarioConnect},
	{name: "shutdown", opcodes: []uint8{uring.IORING_OP_SHUTDOWN}, run: scenarioShutdown},
	{name: "linked-chain", run: scenarioLinkedChain},
	{name: "linked-chain-fail", run: scenarioLinkedChainFail},
	{name: "cancel-race", run: scenarioCancelRace},
	{name: "provide-remove", opcodes: []uint8{uring.IORING_OP_PROVIDE_BUFFERS, uring.IORING_OP_REMOVE_BUFFERS}, run: scenarioProvideRemove},
	{name: "files-sparse", kernelMajor: 5, kernelMinor: 19, run: scenarioFilesSparse},
}

// Single-shot send and recv in one submission: each tag completes exactly
// once, neither carries the continuation flag.
func scenarioSendRecv(sc *scenarioContext) error {
	serverFd, clientFd, err := sc.tcpPair()
	if err != nil {
		return err
	}

	payload := []byte("single shot payload")
	rbuf := make([]byte, 128)

	recvSqe, err := sc.getSQE()
	if err != nil {
		return err
	}
	recvSqe.PrepareRecv(serverFd, uintptr(unsafe.Pointer(&rbuf[0])), uint32(len(rbuf)), 0)
	recvSqe.SetData64(1)

	sendSqe, err := sc.getSQE()
	if err != nil {
		return err
	}
	sendSqe.PrepareSend(clientFd, uintptr(unsafe.Pointer(&payload[0])), uint32(len(payload)), 0)
	sendSqe.SetData64(2)

	cqes, err := sc.submitAndReap(2)
	if err != nil {
		return err
	}
	seen := map[uint64]int{}
	for _, cqe := range cqes {
		seen[cqe.UserData]++
		if err := expectRes(cqe, int32(len(payload)), fmt.Sprintf("tag %d", cqe.UserData)); err != nil {
			return err
		}
		if cqe.More() {
			return fmt.Errorf("tag %d: unexpected continuation flag", cqe.UserData)
		}
	}
	if seen[1] != 1 || seen[2] != 1 {
		return fmt.Errorf("tag fan-out: %v", seen)
	}
	if !bytes.Equal(rbuf[:len(payload)], payload) {
		return fmt.Errorf("payload mismatch: %q", rbuf[:len(payload)])
	}
	return nil
}

// Buffer-select recv: the kernel picks the landing buffer and reports its
// id; an exhausted group answers -ENOBUFS.
func scenarioRecvBufSelect(sc *scenarioContext) error {
	serverFd, clientFd, err := sc.tcpPair()
	if err != nil {
		return err
	}

	const bgid, bufLen = 17, 64
	mem := make([]byte, bufLen)
	if err := sc.ring.ProvideBuffers(mem, bufLen, 1, bgid, 0, 70); err != nil {
		return fmt.Errorf("provide: %w", err)
	}
	cqes, err := sc.submitAndReap(1)
	if err != nil {
		return err
	}
	if cqes[0].Res < 0 {
		return fmt.Errorf("provide: res %d", cqes[0].Res)
	}

	payload := []byte("selected")
	if err := sc.feed(clientFd, [][]byte{payload}, 0); err != nil {
		return err
	}

	sqe, err := sc.getSQE()
	if err != nil {
		return err
	}
	sqe.PrepareRecv(serverFd, 0, bufLen, 0)
	sqe.SetBufferGroup(bgid)
	sqe.SetFlags(uring.IOSQE_BUFFER_SELECT)
	sqe.SetData64(1)
	cqes, err = sc.submitAndReap(1)
	if err != nil {
		return err
	}
	if err := expectRes(cqes[0], int32(len(payload)), "selected recv"); err != nil {
		return err
	}
	if !cqes[0].Buffered() {
		return fmt.Errorf("selected recv: buffer flag missing")
	}
	if bid := cqes[0].BufferID(); bid != 0 {
		return fmt.Errorf("selected recv: buffer id %d, want 0", bid)
	}
	if !bytes.Equal(mem[:len(payload)], payload) {
		return fmt.Errorf("selected payload mismatch: %q", mem[:len(payload)])
	}

	// Group is now empty; queue more data so the next recv has something to
	// land and nowhere to put it.
	if err := sc.feed(clientFd, [][]byte{payload}, 0); err != nil {
		return err
	}
	sqe, err = sc.getSQE()
	if err != nil {
		return err
	}
	sqe.PrepareRecv(serverFd, 0, bufLen, 0)
	sqe.SetBufferGroup(bgid)
	sqe.SetFlags(uring.IOSQE_BUFFER_SELECT)
	sqe.SetData64(2)
	cqes, err = sc.submitAndReap(1)
	if err != nil {
		return err
	}
	return expectErrno(cqes[0], syscall.ENOBUFS, "exhausted group")
}

// Multishot recv over a registered buffer ring: one completion per chunk,
// all but the terminal one carry the continuation flag.
func scenarioRecvMultishot(sc *scenarioContext) error {
	serverFd, clientFd, err := sc.tcpPair()
	if err != nil {
		return err
	}

	const bgid, entries, bufLen = 19, 4, 64
	br, err := sc.ring.RegisterBufferRing(entries, bgid)
	if err != nil {
		return fmt.Errorf("register buffer ring: %w", err)
	}
	mem := make([]byte, entries*bufLen)
	mask := uring.BufRingMask(entries)
	for i := uint16(0); i < entries; i++ {
		br.BufRingAdd(uintptr(unsafe.Pointer(&mem[int(i)*bufLen])), bufLen, i, mask, i)
	}
	br.BufRingAdvance(entries)

	sqe, err := sc.getSQE()
	if err != nil {
		return err
	}
	sqe.PrepareRecvMultishot(serverFd, 0, 0, 0)
	sqe.SetBufferGroup(bgid)
	sqe.SetFlags(uring.IOSQE_BUFFER_SELECT)
	sqe.SetData64(1)
	if _, err := sc.ring.Submit(); err != nil {
		return err
	}

	chunks := [][]byte{[]byte("first chunk"), []byte("second chunk")}
	for _, want := range chunks {
		if err := sc.feed(clientFd, [][]byte{want}, 0); err != nil {
			return err
		}
		cqes, err := sc.reap(1)
		if err != nil {
			return err
		}
		cqe := cqes[0]
		if err := expectRes(cqe, int32(len(want)), "chunk"); err != nil {
			return err
		}
		if !cqe.More() {
			return fmt.Errorf("chunk: stream ended early")
		}
		if !cqe.Buffered() {
			return fmt.Errorf("chunk: no buffer selected")
		}
		bid := int(cqe.BufferID())
		if bid >= entries {
			return fmt.Errorf("chunk: buffer id %d out of range", bid)
		}
		got := mem[bid*bufLen : bid*bufLen+int(cqe.Res)]
		if !bytes.Equal(got, want) {
			return fmt.Errorf("chunk payload: %q, want %q", got, want)
		}
	}

	// EOF terminates the stream without the continuation flag.
	if err := syscall.Shutdown(clientFd, syscall.SHUT_WR); err != nil {
		return fmt.Errorf("shutdown writer: %w", err)
	}
	cqes, err := sc.reap(1)
	if err != nil {
		return err
	}
	if err := expectRes(cqes[0], 0, "terminal"); err != nil {
		return err
	}
	if cqes[0].More() {
		return fmt.Errorf("terminal: continuation flag still set")
	}
	return sc.ring.UnregisterBufferRing(bgid)
}

// Zero-copy send: two completions share the tag, data result first with the
// continuation flag, then the buffer-release notification without it.
func scenarioSendZC(sc *scenarioContext) error {
	serverFd, clientFd, err := sc.tcpPair()
	if err != nil {
		return err
	}

	payload := make([]byte, 4096)
	for i := range payload {
		payload[i] = byte(i)
	}
	sqe, err := sc.getSQE()
	if err != nil {
		return err
	}
	sqe.PrepareSendZC(clientFd, uintptr(unsafe.Pointer(&payload[0])), uint32(len(payload)), 0, 0)
	sqe.SetData64(9)

	cqes, err := sc.submitAndReap(2)
	if err != nil {
		return err
	}
	data, notif := cqes[0], cqes[1]
	if data.UserData != 9 || notif.UserData != 9 {
		return fmt.Errorf("tags: %d, %d", data.UserData, notif.UserData)
	}
	if err := expectRes(data, int32(len(payload)), "data completion"); err != nil {
		return err
	}
	if !data.More() {
		return fmt.Errorf("data completion: continuation flag missing")
	}
	if data.Notification() {
		return fmt.Errorf("data completion: notification flag set")
	}
	if !notif.Notification() {
		return fmt.Errorf("second completion: notification flag missing")
	}
	if notif.More() {
		return fmt.Errorf("notification: continuation flag set")
	}

	got := make([]byte, len(payload))
	if _, err := io.ReadFull(fdReader(serverFd), got); err != nil {
		return fmt.Errorf("drain peer: %w", err)
	}
	if !bytes.Equal(got, payload) {
		return fmt.Errorf("peer payload mismatch")
	}
	return nil
}

// Gather send through sendmsg, reassembled by recvmsg on the peer.
func scenarioSendmsgRecvmsg(sc *scenarioContext) error {
	serverFd, clientFd, err := sc.tcpPair()
	if err != nil {
		return err
	}

	head, tail := []byte("alpha-"), []byte("beta")
	sendIovs := []syscall.Iovec{
		{Base: &head[0], Len: uint64(len(head))},
		{Base: &tail[0], Len: uint64(len(tail))},
	}
	sendMsg := &syscall.Msghdr{Iov: &sendIovs[0], Iovlen: 2}
	sqe, err := sc.getSQE()
	if err != nil {
		return err
	}
	sqe.PrepareSendMsg(clientFd, sendMsg, 0)
	sqe.SetData64(1)
	total := len(head) + len(tail)
	cqes, err := sc.submitAndReap(1)
	if err != nil {
		return err
	}
	if err := expectRes(cqes[0], int32(total), "sendmsg"); err != nil {
		return err
	}

	rbuf := make([]byte, 64)
	recvIov := syscall.Iovec{Base: &rbuf[0], Len: uint64(len(rbuf))}
	recvMsg := &syscall.Msghdr{Iov: &recvIov, Iovlen: 1}
	sqe, err = sc.getSQE()
	if err != nil {
		return err
	}
	sqe.PrepareRecvMsg(serverFd, recvMsg, 0)
	sqe.SetData64(2)
	cqes, err = sc.submitAndReap(1)
	if err != nil {
		return err
	}
	if err := expectRes(cqes[0], int32(total), "recvmsg"); err != nil {
		return err
	}
	if got := string(rbuf[:total]); got != "alpha-beta" {
		return fmt.Errorf("recvmsg payload: %q", got)
	}
	return nil
}

// Zero-copy sendmsg completes as the same two-CQE pair as send-zc.
func scenarioSendmsgZC(sc *scenarioContext) error {
	serverFd, clientFd, err := sc.tcpPair()
	if err != nil {
		return err
	}

	payload := []byte("zero copy message payload")
	iov := syscall.Iovec{Base: &payload[0], Len: uint64(len(payload))}
	msg := &syscall.Msghdr{Iov: &iov, Iovlen: 1}
	sqe, err := sc.getSQE()
	if err != nil {
		return err
	}
	sqe.PrepareSendMsgZC(clientFd, msg, 0)
	sqe.SetData64(3)

	cqes, err := sc.submitAndReap(2)
	if err != nil {
		return err
	}
	if err := expectRes(cqes[0], int32(len(payload)), "data completion"); err != nil {
		return err
	}
	if !cqes[0].More() || cqes[0].Notification() {
		return fmt.Errorf("data completion flags: %#x", cqes[0].Flags)
	}
	if !cqes[1].Notification() || cqes[1].More() {
		return fmt.Errorf("notification flags: %#x", cqes[1].Flags)
	}

	got := make([]byte, len(payload))
	if _, err := io.ReadFull(fdReader(serverFd), got); err != nil {
		return fmt.Errorf("drain peer: %w", err)
	}
	if !bytes.Equal(got, payload) {
		return fmt.Errorf("peer payload mismatch")
	}
	return nil
}

// Multishot recvmsg: each completion lands in a selected buffer prefixed
// with the recvmsg header, decoded by RecvmsgValidate.
func scenarioRecvmsgMultishot(sc *scenarioContext) error {
	serverFd, clientFd, err := sc.tcpPair()
	if err != nil {
		return err
	}

	const bgid, entries, bufLen = 21, 8, 256
	br, err := sc.ring.RegisterBufferRing(entries, bgid)
	if err != nil {
		return fmt.Errorf("register buffer ring: %w", err)
	}
	mem := make([]byte, entries*bufLen)
	mask := uring.BufRingMask(entries)
	for i := uint16(0); i < entries; i++ {
		br.BufRingAdd(uintptr(unsafe.Pointer(&mem[int(i)*bufLen])), bufLen, i, mask, i)
	}
	br.BufRingAdvance(entries)

	var msg syscall.Msghdr
	sqe, err := sc.getSQE()
	if err != nil {
		return err
	}
	sqe.PrepareRecvMsgMultishot(serverFd, &msg, 0)
	sqe.SetBufferGroup(bgid)
	sqe.SetFlags(uring.IOSQE_BUFFER_SELECT)
	sqe.SetData64(1)
	if _, err := sc.ring.Submit(); err != nil {
		return err
	}

	payload := []byte("multishot recvmsg payload")
	if err := sc.feed(clientFd, [][]byte{payload}, 0); err != nil {
		return err
	}

	cqes, err := sc.reap(1)
	if err != nil {
		return err
	}
	cqe := cqes[0]
	if cqe.Res <= 0 {
		return fmt.Errorf("data completion: res %d", cqe.Res)
	}
	if !cqe.More() || !cqe.Buffered() {
		return fmt.Errorf("data completion flags: %#x", cqe.Flags)
	}
	bid := int(cqe.BufferID())
	if bid >= entries {
		return fmt.Errorf("buffer id %d out of range", bid)
	}
	raw := mem[bid*bufLen:]
	out := uring.RecvmsgValidate(unsafe.Pointer(&raw[0]), int(cqe.Res), &msg)
	if out == nil {
		return fmt.Errorf("header does not fit in %d bytes", cqe.Res)
	}
	got := out.PayloadBytes(int(cqe.Res), &msg)
	if !bytes.Equal(got, payload) {
		return fmt.Errorf("decoded payload: %q", got)
	}

	// Cancel closes the stream: target -ECANCELED without the continuation
	// flag, cancel zero.
	cancelSqe, err := sc.getSQE()
	if err != nil {
		return err
	}
	cancelSqe.PrepareCancel(1, 0)
	cancelSqe.SetData64(2)
	cqes, err = sc.submitAndReap(2)
	if err != nil {
		return err
	}
	for _, cqe := range cqes {
		switch cqe.UserData {
		case 1:
			if err := expectErrno(cqe, syscall.ECANCELED, "terminal"); err != nil {
				return err
			}
			if cqe.More() {
				return fmt.Errorf("terminal: continuation flag still set")
			}
		case 2:
			if err := expectRes(cqe, 0, "cancel"); err != nil {
				return err
			}
		default:
			return fmt.Errorf("unexpected tag %d", cqe.UserData)
		}
	}
	return sc.ring.UnregisterBufferRing(bgid)
}

// Single-shot accept returns a usable descriptor.
func scenarioAccept(sc *scenarioContext) error {
	lnFd, addr, err := sc.tcpListener()
	if err != nil {
		return err
	}

	sqe, err := sc.getSQE()
	if err != nil {
		return err
	}
	sqe.PrepareAccept(lnFd, nil, 0, 0)
	sqe.SetData64(1)
	if _, err := sc.ring.Submit(); err != nil {
		return err
	}

	conns, err := sc.dialBurst(addr.String(), 1)
	if err != nil {
		return err
	}
	cqes, err := sc.reap(1)
	if err != nil {
		return err
	}
	if cqes[0].Res <= 0 {
		return fmt.Errorf("accept: res %d", cqes[0].Res)
	}
	accepted := int(cqes[0].Res)
	defer syscall.Close(accepted)

	conn := <-conns
	if conn == nil {
		return fmt.Errorf("dial leg failed")
	}
	defer conn.Close()

	// Prove the descriptor works by echoing through it.
	probe := []byte("accepted")
	if _, err := syscall.Write(accepted, probe); err != nil {
		return fmt.Errorf("write through accepted fd: %w", err)
	}
	got := make([]byte, len(probe))
	if _, err := io.ReadFull(conn, got); err != nil {
		return fmt.Errorf("peer read: %w", err)
	}
	if !bytes.Equal(got, probe) {
		return fmt.Errorf("probe mismatch: %q", got)
	}
	return nil
}

// Multishot accept: one armed entry answers a dial burst with one flagged
// completion per connection, then a cancel produces the terminal entry.
func scenarioAcceptMultishot(sc *scenarioContext) error {
	lnFd, addr, err := sc.tcpListener()
	if err != nil {
		return err
	}

	sqe, err := sc.getSQE()
	if err != nil {
		return err
	}
	sqe.PrepareAcceptMultishot(lnFd, nil, 0, 0)
	sqe.SetData64(1)
	if _, err := sc.ring.Submit(); err != nil {
		return err
	}

	const burst = 3
	conns, err := sc.dialBurst(addr.String(), burst)
	if err != nil {
		return err
	}
	for i := 0; i < burst; i++ {
		cqes, err := sc.reap(1)
		if err != nil {
			return err
		}
		if cqes[0].Res <= 0 {
			return fmt.Errorf("accept %d: res %d", i, cqes[0].Res)
		}
		syscall.Close(int(cqes[0].Res))
		if !cqes[0].More() {
			return fmt.Errorf("accept %d: stream ended early", i)
		}
	}
	for i := 0; i < burst; i++ {
		if conn := <-conns; conn != nil {
			conn.Close()
		}
	}

	cancelSqe, err := sc.getSQE()
	if err != nil {
		return err
	}
	cancelSqe.PrepareCancel(1, 0)
	cancelSqe.SetData64(2)
	cqes, err := sc.submitAndReap(2)
	if err != nil {
		return err
	}
	for _, cqe := range cqes {
		switch cqe.UserData {
		case 1:
			if err := expectErrno(cqe, syscall.ECANCELED, "terminal"); err != nil {
				return err
			}
			if cqe.More() {
				return fmt.Errorf("terminal: continuation flag still set")
			}
		case 2:
			if err := expectRes(cqe, 0, "cancel"); err != nil {
				return err
			}
		default:
			return fmt.Errorf("unexpected tag %d", cqe.UserData)
		}
	}
	return nil
}

// Direct accept into an explicit sparse-table slot: the completion result
// is exactly zero, traffic flows through the slot, unregister closes it.
func scenarioAcceptDirect(sc *scenarioContext) error {
	if err := sc.ring.RegisterFilesSparse(5); err != nil {
		return fmt.Errorf("register sparse: %w", err)
	}

	lnFd, addr, err := sc.tcpListener()
	if err != nil {
		return err
	}
	sqe, err := sc.getSQE()
	if err != nil {
		return err
	}
	sqe.PrepareAcceptDirect(lnFd, nil, 0, 0, 4)
	sqe.SetData64(1)
	if _, err := sc.ring.Submit(); err != nil {
		return err
	}

	conns, err := sc.dialBurst(addr.String(), 1)
	if err != nil {
		return err
	}
	cqes, err := sc.reap(1)
	if err != nil {
		return err
	}
	if err := expectRes(cqes[0], 0, "direct accept"); err != nil {
		return err
	}
	conn := <-conns
	if conn == nil {
		return fmt.Errorf("dial leg failed")
	}
	defer conn.Close()

	payload := []byte("through slot four")
	sendSqe, err := sc.getSQE()
	if err != nil {
		return err
	}
	sendSqe.PrepareSend(4, uintptr(unsafe.Pointer(&payload[0])), uint32(len(payload)), 0)
	sendSqe.SetFlags(uring.IOSQE_FIXED_FILE)
	sendSqe.SetData64(2)
	cqes, err = sc.submitAndReap(1)
	if err != nil {
		return err
	}
	if err := expectRes(cqes[0], int32(len(payload)), "send through slot"); err != nil {
		return err
	}
	got := make([]byte, len(payload))
	if _, err := io.ReadFull(conn, got); err != nil {
		return fmt.Errorf("peer read: %w", err)
	}
	if !bytes.Equal(got, payload) {
		return fmt.Errorf("slot payload mismatch: %q", got)
	}

	// Dropping the table closes the slot-only descriptor, the peer sees EOF.
	if err := sc.ring.UnregisterFiles(); err != nil {
		return fmt.Errorf("unregister: %w", err)
	}
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := conn.Read(got); err != io.EOF {
		return fmt.Errorf("peer after unregister: %v, want EOF", err)
	}
	return nil
}

// Direct accept with engine-chosen slot: the completion result is the
// allocated slot index inside the table.
func scenarioAcceptDirectAlloc(sc *scenarioContext) error {
	const tableSize = 6
	if err := sc.ring.RegisterFilesSparse(tableSize); err != nil {
		return fmt.Errorf("register sparse: %w", err)
	}
	defer sc.ring.UnregisterFiles()

	lnFd, addr, err := sc.tcpListener()
	if err != nil {
		return err
	}
	sqe, err := sc.getSQE()
	if err != nil {
		return err
	}
	sqe.PrepareAcceptDirectAlloc(lnFd, nil, 0, 0)
	sqe.SetData64(1)
	if _, err := sc.ring.Submit(); err != nil {
		return err
	}

	conns, err := sc.dialBurst(addr.String(), 1)
	if err != nil {
		return err
	}
	cqes, err := sc.reap(1)
	if err != nil {
		return err
	}
	if conn := <-conns; conn != nil {
		defer conn.Close()
	}
	slot := cqes[0].Res
	if slot < 0 || slot >= tableSize {
		return fmt.Errorf("allocated slot %d outside table of %d", slot, tableSize)
	}
	return nil
}

// Ring-driven connect against a ring-driven accept in one submission.
func scenarioConnect(sc *scenarioContext) error {
	lnFd, addr, err := sc.tcpListener()
	if err != nil {
		return err
	}

	clientFd, err := syscall.Socket(syscall.AF_INET, syscall.SOCK_STREAM, 0)
	if err != nil {
		return fmt.Errorf("socket: %w", err)
	}
	sc.cleanup(func() { syscall.Close(clientFd) })

	acceptSqe, err := sc.getSQE()
	if err != nil {
		return err
	}
	acceptSqe.PrepareAccept(lnFd, nil, 0, 0)
	acceptSqe.SetData64(1)

	rsa, rsaLen := rawSockaddr(addr)
	connectSqe, err := sc.getSQE()
	if err != nil {
		return err
	}
	connectSqe.PrepareConnect(clientFd, rsa, rsaLen)
	connectSqe.SetData64(2)

	cqes, err := sc.submitAndReap(2)
	if err != nil {
		return err
	}
	for _, cqe := range cqes {
		switch cqe.UserData {
		case 1:
			if cqe.Res <= 0 {
				return fmt.Errorf("accept: res %d", cqe.Res)
			}
			syscall.Close(int(cqe.Res))
		case 2:
			if err := expectRes(cqe, 0, "connect"); err != nil {
				return err
			}
		default:
			return fmt.Errorf("unexpected tag %d", cqe.UserData)
		}
	}
	return nil
}

// Ring-driven shutdown: write side closes, the peer reads EOF, a later send
// on the same socket answers -EPIPE.
func scenarioShutdown(sc *scenarioContext) error {
	serverFd, clientFd, err := sc.tcpPair()
	if err != nil {
		return err
	}

	sqe, err := sc.getSQE()
	if err != nil {
		return err
	}
	sqe.PrepareShutdown(clientFd, syscall.SHUT_WR)
	sqe.SetData64(1)
	cqes, err := sc.submitAndReap(1)
	if err != nil {
		return err
	}
	if err := expectRes(cqes[0], 0, "shutdown"); err != nil {
		return err
	}

	rbuf := make([]byte, 8)
	recvSqe, err := sc.getSQE()
	if err != nil {
		return err
	}
	recvSqe.PrepareRecv(serverFd, uintptr(unsafe.Pointer(&rbuf[0])), uint32(len(rbuf)), 0)
	recvSqe.SetData64(2)
	cqes, err = sc.submitAndReap(1)
	if err != nil {
		return err
	}
	if err := expectRes(cqes[0], 0, "peer EOF"); err != nil {
		return err
	}

	payload := []byte("late")
	sendSqe, err := sc.getSQE()
	if err != nil {
		return err
	}
	sendSqe.PrepareSend(clientFd, uintptr(unsafe.Pointer(&payload[0])), uint32(len(payload)), 0)
	sendSqe.SetData64(3)
	cqes, err = sc.submitAndReap(1)
	if err != nil {
		return err
	}
	return expectErrno(cqes[0], syscall.EPIPE, "send after shutdown")
}

// Linked send then recv: the chain orders the two against each other, both
// complete with the payload length.
func scenarioLinkedChain(sc *scenarioContext) error {
	serverFd, clientFd, err := sc.tcpPair()
	if err != nil {
		return err
	}

	payload := []byte("linked payload")
	rbuf := make([]byte, 64)

	sendSqe, err := sc.getSQE()
	if err != nil {
		return err
	}
	sendSqe.PrepareSend(clientFd, uintptr(unsafe.Pointer(&payload[0])), uint32(len(payload)), 0)
	sendSqe.SetFlags(uring.IOSQE_IO_LINK)
	sendSqe.SetData64(1)

	recvSqe, err := sc.getSQE()
	if err != nil {
		return err
	}
	recvSqe.PrepareRecv(serverFd, uintptr(unsafe.Pointer(&rbuf[0])), uint32(len(rbuf)), 0)
	recvSqe.SetData64(2)

	cqes, err := sc.submitAndReap(2)
	if err != nil {
		return err
	}
	for _, cqe := range cqes {
		if err := expectRes(cqe, int32(len(payload)), fmt.Sprintf("tag %d", cqe.UserData)); err != nil {
			return err
		}
	}
	if !bytes.Equal(rbuf[:len(payload)], payload) {
		return fmt.Errorf("payload mismatch: %q", rbuf[:len(payload)])
	}
	return nil
}

// A failed chain head cancels the tail: -EBADF then -ECANCELED.
func scenarioLinkedChainFail(sc *scenarioContext) error {
	serverFd, _, err := sc.tcpPair()
	if err != nil {
		return err
	}

	payload := []byte("never sent")
	headSqe, err := sc.getSQE()
	if err != nil {
		return err
	}
	headSqe.PrepareSend(-1, uintptr(unsafe.Pointer(&payload[0])), uint32(len(payload)), 0)
	headSqe.SetFlags(uring.IOSQE_IO_LINK)
	headSqe.SetData64(1)

	rbuf := make([]byte, 8)
	tailSqe, err := sc.getSQE()
	if err != nil {
		return err
	}
	tailSqe.PrepareRecv(serverFd, uintptr(unsafe.Pointer(&rbuf[0])), uint32(len(rbuf)), 0)
	tailSqe.SetData64(2)

	cqes, err := sc.submitAndReap(2)
	if err != nil {
		return err
	}
	for _, cqe := range cqes {
		switch cqe.UserData {
		case 1:
			if err := expectErrno(cqe, syscall.EBADF, "chain head"); err != nil {
				return err
			}
		case 2:
			if err := expectErrno(cqe, syscall.ECANCELED, "chain tail"); err != nil {
				return err
			}
		default:
			return fmt.Errorf("unexpected tag %d", cqe.UserData)
		}
	}
	return nil
}

// Cancel racing a completing recv: exactly one of the two legal outcome
// pairs appears.
func scenarioCancelRace(sc *scenarioContext) error {
	serverFd, clientFd, err := sc.tcpPair()
	if err != nil {
		return err
	}

	rbuf := make([]byte, 16)
	recvSqe, err := sc.getSQE()
	if err != nil {
		return err
	}
	recvSqe.PrepareRecv(serverFd, uintptr(unsafe.Pointer(&rbuf[0])), uint32(len(rbuf)), 0)
	recvSqe.SetData64(1)
	if _, err := sc.ring.Submit(); err != nil {
		return err
	}

	if err := sc.feed(clientFd, [][]byte{[]byte("racer")}, 0); err != nil {
		return err
	}

	cancelSqe, err := sc.getSQE()
	if err != nil {
		return err
	}
	cancelSqe.PrepareCancel(1, 0)
	cancelSqe.SetData64(2)
	cqes, err := sc.submitAndReap(2)
	if err != nil {
		return err
	}

	var recvRes, cancelRes int32
	for _, cqe := range cqes {
		switch cqe.UserData {
		case 1:
			recvRes = cqe.Res
		case 2:
			cancelRes = cqe.Res
		default:
			return fmt.Errorf("unexpected tag %d", cqe.UserData)
		}
	}
	switch {
	case recvRes == -int32(syscall.ECANCELED):
		if cancelRes != 0 {
			return fmt.Errorf("won cancel: res %d, want 0", cancelRes)
		}
		sc.log.Debug().Msg("cancel won the race")
	case recvRes > 0:
		if cancelRes != -int32(syscall.ENOENT) && cancelRes != -int32(syscall.EALREADY) {
			return fmt.Errorf("lost cancel: res %d", cancelRes)
		}
		sc.log.Debug().Msg("data won the race")
	default:
		return fmt.Errorf("recv: res %d", recvRes)
	}
	return nil
}

// Provide and remove round-trip: removal reports counts, an unknown group
// answers -ENOENT.
func scenarioProvideRemove(sc *scenarioContext) error {
	const bgid, bufLen, count = 23, 32, 4
	mem := make([]byte, bufLen*count)
	if err := sc.ring.ProvideBuffers(mem, bufLen, count, bgid, 0, 1); err != nil {
		return fmt.Errorf("provide: %w", err)
	}
	cqes, err := sc.submitAndReap(1)
	if err != nil {
		return err
	}
	if cqes[0].Res < 0 {
		return fmt.Errorf("provide: res %d", cqes[0].Res)
	}

	if err := sc.ring.RemoveBuffers(2, bgid, 2); err != nil {
		return fmt.Errorf("remove: %w", err)
	}
	cqes, err = sc.submitAndReap(1)
	if err != nil {
		return err
	}
	if err := expectRes(cqes[0], 2, "partial remove"); err != nil {
		return err
	}

	if err := sc.ring.RemoveBuffers(1, bgid+1, 3); err != nil {
		return fmt.Errorf("remove unknown: %w", err)
	}
	cqes, err = sc.submitAndReap(1)
	if err != nil {
		return err
	}
	if err := expectErrno(cqes[0], syscall.ENOENT, "unknown group"); err != nil {
		return err
	}

	if err := sc.ring.RemoveBuffers(count, bgid, 4); err != nil {
		return fmt.Errorf("remove rest: %w", err)
	}
	cqes, err = sc.submitAndReap(1)
	if err != nil {
		return err
	}
	return expectRes(cqes[0], 2, "remove rest")
}

// Sparse file table lifecycle: register five empty slots, land an accept in
// slot four, verify the guard rejects unregister while an operation is in
// flight, then tear the table down.
func scenarioFilesSparse(sc *scenarioContext) error {
	if err := sc.ring.RegisterFilesSparse(5); err != nil {
		return fmt.Errorf("register sparse: %w", err)
	}
	if !sc.ring.FilesRegistered() || sc.ring.FileTableSize() != 5 {
		return fmt.Errorf("table state after register: %v, %d",
			sc.ring.FilesRegistered(), sc.ring.FileTableSize())
	}

	lnFd, addr, err := sc.tcpListener()
	if err != nil {
		return err
	}
	sqe, err := sc.getSQE()
	if err != nil {
		return err
	}
	sqe.PrepareAcceptDirect(lnFd, nil, 0, 0, 4)
	sqe.SetData64(1)
	if _, err := sc.ring.Submit(); err != nil {
		return err
	}

	// The accept holds a table reference until it completes.
	if err := sc.ring.UnregisterFiles(); !errors.Is(err, uring.ErrFilesInFlight) {
		return fmt.Errorf("unregister with accept in flight: %v", err)
	}

	conns, err := sc.dialBurst(addr.String(), 1)
	if err != nil {
		return err
	}
	cqes, err := sc.reap(1)
	if err != nil {
		return err
	}
	if err := expectRes(cqes[0], 0, "direct accept"); err != nil {
		return err
	}
	if conn := <-conns; conn != nil {
		conn.Close()
	}

	if err := sc.ring.UnregisterFiles(); err != nil {
		return fmt.Errorf("unregister: %w", err)
	}
	if sc.ring.FilesRegistered() {
		return fmt.Errorf("table still registered after unregister")
	}
	return nil
}

// fdReader adapts a raw descriptor for io.ReadFull without changing its
// blocking mode.
func fdReader(fd int) io.Reader {
	return readerFunc(func(p []byte) (int, error) {
		n, err := syscall.Read(fd, p)
		if n == 0 && err == nil {
			return 0, io.EOF
		}
		if err != nil {
			return n, os.NewSyscallError("read", err)
		}
		return n, nil
	})
}

type readerFunc func(p []byte) (int, error)

func (f readerFunc) Read(p []byte) (int, error) { return f(p) }
