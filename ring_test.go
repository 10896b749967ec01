//go:build linux

package uring_test

import (
	"syscall"
	"testing"
	"time"

	"github.com/brickingsoft/errors"
	"github.com/brickingsoft/uring"
)

func TestNew(t *testing.T) {
	ring := newTestRing(t, uring.WithEntries(4))

	t.Log("kernel:", uring.GetVersion())
	t.Log("sq:", ring.SQEntries())
	t.Log("cq:", ring.CQEntries())
	t.Log("features:", ring.Features())

	sqe := getSQE(t, ring)
	sqe.PrepareNop()
	sqe.SetData64(1)

	n, subErr := ring.Submit()
	if subErr != nil {
		t.Error(subErr)
		return
	}
	if n != 1 {
		t.Error("submitted:", n)
		return
	}
	cqe, waitErr := ring.WaitCQE()
	if waitErr != nil {
		t.Error(waitErr)
		return
	}
	if cqe.UserData != 1 {
		t.Error("userdata:", cqe.UserData)
	}
	if cqe.Res != 0 {
		t.Error("res:", cqe.Res)
	}
	ring.CQESeen(cqe)
}

func TestNewRoundsEntries(t *testing.T) {
	ring := newTestRing(t, uring.WithEntries(3))
	if got := ring.SQEntries(); got != 4 {
		t.Error("sq entries:", got)
	}
}

func TestNewEntriesTooBig(t *testing.T) {
	if _, err := uring.New(uring.WithEntries(uring.MaxEntries + 1)); err == nil {
		t.Error("oversized depth accepted")
	}
}

func TestNewCQEntries(t *testing.T) {
	ring := newTestRing(t, uring.WithEntries(4), uring.WithCQEntries(64))
	if got := ring.CQEntries(); got < 64 {
		t.Error("cq entries:", got)
	}
}

func TestRingClosed(t *testing.T) {
	ring := newTestRing(t, uring.WithEntries(4))
	if err := ring.Close(); err != nil {
		t.Error(err)
		return
	}

	if _, err := ring.Submit(); !uring.IsRingClosed(err) {
		t.Error("submit:", err)
	}
	if _, err := ring.WaitCQE(); !uring.IsRingClosed(err) {
		t.Error("wait:", err)
	}
	if _, err := ring.PeekCQE(); !uring.IsRingClosed(err) {
		t.Error("peek:", err)
	}
	if err := ring.GetEvents(); !uring.IsRingClosed(err) {
		t.Error("get events:", err)
	}
	if err := ring.RegisterFiles([]int{0}); !uring.IsRingClosed(err) {
		t.Error("register files:", err)
	}
	if err := ring.RegisterBuffers(make([]syscall.Iovec, 1)); !uring.IsRingClosed(err) {
		t.Error("register buffers:", err)
	}
	if err := ring.ProvideBuffers(make([]byte, 8), 8, 1, 7, 0, 1); !uring.IsRingClosed(err) {
		t.Error("provide buffers:", err)
	}
	if err := ring.Close(); !uring.IsRingClosed(err) {
		t.Error("second close:", err)
	}
}

func TestSQAccounting(t *testing.T) {
	ring := newTestRing(t, uring.WithEntries(4))

	if left := ring.SQSpaceLeft(); left != 4 {
		t.Error("space left:", left)
		return
	}

	sqes, err := ring.GetSQEs(4)
	if err != nil {
		t.Error(err)
		return
	}
	for i, sqe := range sqes {
		if sqe == nil {
			t.Error("nil sqe at", i)
			return
		}
		for j := 0; j < i; j++ {
			if sqes[j] == sqe {
				t.Error("sqe", i, "aliases", j)
				return
			}
		}
		sqe.PrepareNop()
		sqe.SetData64(uint64(i) + 1)
	}

	if ring.GetSQE() != nil {
		t.Error("queue should be full")
	}
	if _, err = ring.GetSQEs(1); !uring.IsSQFull(err) {
		t.Error("want ErrSQFull, got", err)
	}
	if ready := ring.SQReady(); ready != 4 {
		t.Error("ready:", ready)
	}

	seen := make(map[uint64]int)
	for _, cqe := range submitAndReap(t, ring, 4) {
		seen[cqe.UserData]++
	}
	for data := uint64(1); data <= 4; data++ {
		if seen[data] != 1 {
			t.Error("tag", data, "completed", seen[data], "times")
		}
	}
	if left := ring.SQSpaceLeft(); left != 4 {
		t.Error("space left after drain:", left)
	}
}

func TestGetSQEsAllOrNothing(t *testing.T) {
	ring := newTestRing(t, uring.WithEntries(4))

	if sqe := ring.GetSQE(); sqe == nil {
		t.Error("first sqe")
		return
	} else {
		sqe.PrepareNop()
		sqe.SetData64(1)
	}

	// Three slots remain, a batch of four must not hand out any of them.
	if _, err := ring.GetSQEs(4); !uring.IsSQFull(err) {
		t.Error("want ErrSQFull, got", err)
	}
	if ready := ring.SQReady(); ready != 1 {
		t.Error("ready:", ready)
	}
	submitAndReap(t, ring, 1)
}

func TestPeekCQEEmpty(t *testing.T) {
	ring := newTestRing(t, uring.WithEntries(4))
	if _, err := ring.PeekCQE(); !errors.Is(err, syscall.EAGAIN) {
		t.Error("want EAGAIN, got", err)
	}
}

func TestPeekBatchCQE(t *testing.T) {
	ring := newTestRing(t, uring.WithEntries(8))

	for i := 0; i < 3; i++ {
		sqe := getSQE(t, ring)
		sqe.PrepareNop()
		sqe.SetData64(uint64(i) + 1)
	}
	if _, err := ring.SubmitAndWait(3); err != nil {
		t.Error(err)
		return
	}

	batch := make([]*uring.CompletionQueueEvent, 8)
	got := ring.PeekBatchCQE(batch)
	if got != 3 {
		t.Error("batch size:", got)
		return
	}
	for i := uint32(0); i < got; i++ {
		if batch[i].UserData != uint64(i)+1 {
			t.Error("order:", i, batch[i].UserData)
		}
	}
	ring.CQAdvance(got)
	if ready := ring.CQReady(); ready != 0 {
		t.Error("ready after advance:", ready)
	}
}

func TestForEachCQE(t *testing.T) {
	ring := newTestRing(t, uring.WithEntries(8))

	for i := 0; i < 4; i++ {
		sqe := getSQE(t, ring)
		sqe.PrepareNop()
		sqe.SetData64(uint64(i) + 10)
	}
	if _, err := ring.SubmitAndWait(4); err != nil {
		t.Error(err)
		return
	}

	var sum uint64
	n := ring.ForEachCQE(func(cqe *uring.CompletionQueueEvent) {
		sum += cqe.UserData
	})
	if n != 4 {
		t.Error("visited:", n)
	}
	if sum != 10+11+12+13 {
		t.Error("sum:", sum)
	}
	ring.CQAdvance(n)
}

func TestSubmitAndWaitTimeout(t *testing.T) {
	ring := newTestRing(t, uring.WithEntries(4))
	if _, err := ring.SubmitAndWaitTimeout(1, 50*time.Millisecond); !uring.IsTimeout(err) {
		t.Error("want ErrTimeout, got", err)
	}
}

func TestWaitCQETimeout(t *testing.T) {
	ring := newTestRing(t, uring.WithEntries(4))

	started := time.Now()
	if _, err := ring.WaitCQETimeout(1, 50*time.Millisecond); !uring.IsTimeout(err) {
		t.Error("want ErrTimeout, got", err)
		return
	}
	if elapsed := time.Since(started); elapsed < 40*time.Millisecond {
		t.Error("returned early:", elapsed)
	}

	// With a completion present the deadline must not trigger.
	sqe := getSQE(t, ring)
	sqe.PrepareNop()
	sqe.SetData64(9)
	if _, err := ring.Submit(); err != nil {
		t.Error(err)
		return
	}
	cqe, err := ring.WaitCQETimeout(1, time.Second)
	if err != nil {
		t.Error(err)
		return
	}
	if cqe.UserData != 9 {
		t.Error("userdata:", cqe.UserData)
	}
	ring.CQESeen(cqe)
}

func TestSubmitAndGetEvents(t *testing.T) {
	ring := newTestRing(t, uring.WithEntries(4))

	sqe := getSQE(t, ring)
	sqe.PrepareNop()
	sqe.SetData64(3)
	if _, err := ring.SubmitAndGetEvents(); err != nil {
		t.Error(err)
		return
	}
	cqe := reapOne(t, ring)
	if cqe.UserData != 3 {
		t.Error("userdata:", cqe.UserData)
	}
}

func TestProbe(t *testing.T) {
	ring := newTestRing(t, uring.WithEntries(4))

	probe := ring.Probe()
	if probe == nil {
		t.Skip("probe not supported on this kernel")
	}
	if !probe.IsSupported(uring.IORING_OP_NOP) {
		t.Error("nop reported unsupported")
	}

	caps := ring.Capabilities()
	if !caps.Supported(uring.IORING_OP_NOP) || !caps.Supported(uring.IORING_OP_READV) {
		t.Error("base opcodes missing from capability set")
	}
	if len(caps.Ops()) == 0 {
		t.Error("empty capability set")
	}
	if err := ring.RequireOp(uring.IORING_OP_NOP); err != nil {
		t.Error(err)
	}
	t.Log("send_zc:", ring.OpSupported(uring.IORING_OP_SEND_ZC))
	t.Log("bind:", ring.OpSupported(uring.IORING_OP_BIND))
	t.Log("listen:", ring.OpSupported(uring.IORING_OP_LISTEN))
}

func TestDisableProbe(t *testing.T) {
	ring := newTestRing(t, uring.WithEntries(4), uring.WithDisableProbe())

	if ring.Probe() != nil {
		t.Error("probe should be absent")
	}
	if ring.OpSupported(uring.IORING_OP_NOP) {
		t.Error("capability set should be empty")
	}
	if err := ring.RequireOp(uring.IORING_OP_NOP); !errors.Is(err, uring.ErrOpNotSupported) {
		t.Error("want ErrOpNotSupported, got", err)
	}
}

func TestGetProbeStandalone(t *testing.T) {
	probe, err := uring.GetProbe()
	if err != nil {
		t.Skip("probe ring unavailable:", err)
	}
	if !probe.IsSupported(uring.IORING_OP_NOP) {
		t.Error("nop reported unsupported")
	}
}
