package transport

import (
	"context"

	"github.com/cesanta/errors"
	"github.com/golang/glog"
)

// TAP drives a device on a JTAG scan chain through the TAP state machine.
// The prescan/postscan fields place the device within a longer chain:
// IRPrescan is the total IR length of the devices between it and TDI
// (shifted in last), IRPostscan of those between it and TDO (shifted in
// first), and the DR counts are one bypass bit per device on each side.
type TAP struct {
	bus JTAG

	IRPrescan  int
	IRPostscan int
	DRPrescan  int
	DRPostscan int
}

func NewTAP(bus JTAG) *TAP {
	return &TAP{bus: bus}
}

// Reset forces the TAP into Test-Logic-Reset and then to Run-Test/Idle.
// Five TMS=1 cycles reset the state machine from anywhere.
func (t *TAP) Reset(ctx context.Context) error {
	if err := t.bus.TMSSeq(ctx, 0x1f, 5); err != nil {
		return errors.Trace(err)
	}
	// TLR -> RTI
	return errors.Trace(t.bus.TMSSeq(ctx, 0, 1))
}

// enterShiftIR: RTI -> Select-DR -> Select-IR -> Capture-IR -> Shift-IR.
func (t *TAP) enterShiftIR(ctx context.Context) error {
	return errors.Trace(t.bus.TMSSeq(ctx, 0x03, 4))
}

// enterShiftDR: RTI -> Select-DR -> Capture-DR -> Shift-DR.
func (t *TAP) enterShiftDR(ctx context.Context) error {
	return errors.Trace(t.bus.TMSSeq(ctx, 0x01, 3))
}

// exitToIdle: Exit1-xR -> Update-xR -> Run-Test/Idle.
func (t *TAP) exitToIdle(ctx context.Context) error {
	return errors.Trace(t.bus.TMSSeq(ctx, 0x01, 2))
}

// ShiftIR loads an instruction. Devices on both sides of ours get BYPASS
// (all-ones) shifted through their instruction registers.
func (t *TAP) ShiftIR(ctx context.Context, ir []byte, bits int) error {
	glog.V(4).Infof("IR <= %x (%d bits)", ir, bits)
	if err := t.enterShiftIR(ctx); err != nil {
		return errors.Trace(err)
	}
	if t.IRPostscan > 0 {
		if err := t.shiftOnes(ctx, t.IRPostscan, false); err != nil {
			return errors.Trace(err)
		}
	}
	if err := t.bus.TDISeq(ctx, t.IRPrescan == 0, ir, bits); err != nil {
		return errors.Trace(err)
	}
	if t.IRPrescan > 0 {
		if err := t.shiftOnes(ctx, t.IRPrescan, true); err != nil {
			return errors.Trace(err)
		}
	}
	return errors.Trace(t.exitToIdle(ctx))
}

// ShiftDR shifts bits through the data register, returning what came out
// of our device. The bypass bits of neighbouring devices are skipped.
func (t *TAP) ShiftDR(ctx context.Context, din []byte, bits int) ([]byte, error) {
	if err := t.enterShiftDR(ctx); err != nil {
		return nil, errors.Trace(err)
	}
	if t.DRPostscan > 0 {
		if err := t.shiftOnes(ctx, t.DRPostscan, false); err != nil {
			return nil, errors.Trace(err)
		}
	}
	dout, err := t.bus.TDITDOSeq(ctx, t.DRPrescan == 0, din, bits)
	if err != nil {
		return nil, errors.Trace(err)
	}
	if t.DRPrescan > 0 {
		if err := t.shiftOnes(ctx, t.DRPrescan, true); err != nil {
			return nil, errors.Trace(err)
		}
	}
	if err := t.exitToIdle(ctx); err != nil {
		return nil, errors.Trace(err)
	}
	glog.V(4).Infof("DR %x (%d bits) => %x", din, bits, dout)
	return dout, nil
}

// Idle clocks count cycles in Run-Test/Idle. DTMs use this to give slow
// debug logic time between scans.
func (t *TAP) Idle(ctx context.Context, count int) error {
	for count > 0 {
		n := count
		if n > 32 {
			n = 32
		}
		if err := t.bus.TMSSeq(ctx, 0, n); err != nil {
			return errors.Trace(err)
		}
		count -= n
	}
	return nil
}

func (t *TAP) shiftOnes(ctx context.Context, count int, finalTMS bool) error {
	ones := make([]byte, (count+7)/8)
	for i := range ones {
		ones[i] = 0xff
	}
	return errors.Trace(t.bus.TDISeq(ctx, finalTMS, ones, count))
}

// BitBang adapts a probe that can only clock single cycles into the full
// JTAG trait. Accelerated adapters implement JTAG natively instead.
type BitBang struct {
	Clock func(ctx context.Context, tms, tdi bool) (bool, error)
}

func (b *BitBang) Next(ctx context.Context, tms, tdi bool) (bool, error) {
	return b.Clock(ctx, tms, tdi)
}

func (b *BitBang) TMSSeq(ctx context.Context, tms uint32, count int) error {
	for i := 0; i < count; i++ {
		if _, err := b.Clock(ctx, tms&1 != 0, false); err != nil {
			return errors.Trace(err)
		}
		tms >>= 1
	}
	return nil
}

func (b *BitBang) TDISeq(ctx context.Context, finalTMS bool, din []byte, bits int) error {
	_, err := b.shift(ctx, finalTMS, din, bits, false)
	return errors.Trace(err)
}

func (b *BitBang) TDITDOSeq(ctx context.Context, finalTMS bool, din []byte, bits int) ([]byte, error) {
	return b.shift(ctx, finalTMS, din, bits, true)
}

func (b *BitBang) shift(ctx context.Context, finalTMS bool, din []byte, bits int, capture bool) ([]byte, error) {
	var dout []byte
	if capture {
		dout = make([]byte, (bits+7)/8)
	}
	for i := 0; i < bits; i++ {
		tdi := din != nil && din[i/8]&(1<<uint(i%8)) != 0
		tms := finalTMS && i == bits-1
		tdo, err := b.Clock(ctx, tms, tdi)
		if err != nil {
			return nil, errors.Trace(err)
		}
		if capture && tdo {
			dout[i/8] |= 1 << uint(i%8)
		}
	}
	return dout, nil
}
