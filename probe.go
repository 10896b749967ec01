//go:build linux

package uring

import (
	"github.com/brickingsoft/errors"
)

const (
	probeOpsSize = 256

	IO_URING_OP_SUPPORTED uint16 = 1 << 0
)

// ProbeOp mirrors struct io_uring_probe_op.
type ProbeOp struct {
	Op    uint8
	Res   uint8
	Flags uint16
	Res2  uint32
}

// Probe mirrors struct io_uring_probe, sized for the full opcode space.
type Probe struct {
	LastOp uint8
	OpsLen uint8
	Res    uint16
	Res2   [3]uint32
	Ops    [probeOpsSize]ProbeOp
}

// IsSupported reports whether the kernel that filled the probe implements
// op.
func (p *Probe) IsSupported(op uint8) bool {
	for i := uint8(0); i < p.OpsLen; i++ {
		if p.Ops[i].Op != op {
			continue
		}
		return p.Ops[i].Flags&IO_URING_OP_SUPPORTED != 0
	}
	return false
}

// Capabilities condenses a probe into one bit per opcode. The zero value
// reports nothing supported.
type Capabilities struct {
	bits [4]uint64
}

func (c Capabilities) Supported(op uint8) bool {
	return c.bits[op>>6]&(1<<(op&63)) != 0
}

// Ops lists the supported opcodes in ascending order.
func (c Capabilities) Ops() []uint8 {
	ops := make([]uint8, 0, 64)
	for op := 0; op < probeOpsSize; op++ {
		if c.Supported(uint8(op)) {
			ops = append(ops, uint8(op))
		}
	}
	return ops
}

func capabilitiesFromProbe(p *Probe) Capabilities {
	var c Capabilities
	for i := uint8(0); i < p.OpsLen; i++ {
		if p.Ops[i].Flags&IO_URING_OP_SUPPORTED != 0 {
			op := p.Ops[i].Op
			c.bits[op>>6] |= 1 << (op & 63)
		}
	}
	return c
}

// Probe returns the opcode probe filled at New, nil when probing was
// disabled or failed. Read-only.
func (ring *Ring) Probe() *Probe {
	return ring.probe
}

// Capabilities returns the opcode bitset derived from the probe at New.
func (ring *Ring) Capabilities() Capabilities {
	return ring.caps
}

// OpSupported reports whether the running kernel implements op, false for
// everything when probing was disabled or failed.
func (ring *Ring) OpSupported(op uint8) bool {
	return ring.caps.Supported(op)
}

// RequireOp is OpSupported as a guard: ErrOpNotSupported names the missing
// opcode in its metadata.
func (ring *Ring) RequireOp(op uint8) error {
	if ring.OpSupported(op) {
		return nil
	}
	return errors.From(ErrOpNotSupported, errors.WithMeta(errMetaPkgKey, errMetaPkgVal))
}

// GetProbe probes the running kernel through a throwaway ring.
func GetProbe() (*Probe, error) {
	ring, err := New(WithEntries(2), WithDisableProbe())
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = ring.Close()
	}()
	return ring.registerProbe()
}
