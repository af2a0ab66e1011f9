package riscv

import (
	"context"

	"github.com/cesanta/errors"
	"github.com/golang/glog"

	"github.com/mongoose-os/mdb/mdb/dbgerr"
	"github.com/mongoose-os/mdb/mdb/transport"
)

// JTAG DTM instruction register values (5-bit IR).
const (
	irDTMCS = 0x10
	irDMI   = 0x11
)

// dtmcs fields.
const (
	dtmcsVersionMask = 0xf
	dtmcsABitsShift  = 4
	dtmcsABitsMask   = 0x3f
	dtmcsIdleShift   = 12
	dtmcsIdleMask    = 0x7
	dtmcsDMIReset    = 1 << 16
)

// DMI scan op/status codes.
const (
	dmiOpNop   = 0x0
	dmiOpRead  = 0x1
	dmiOpWrite = 0x2

	dmiStatusOK   = 0x0
	dmiStatusFail = 0x2
	dmiStatusBusy = 0x3
)

const dmiBusyRetries = 32

// jtagDTM adapts a JTAG TAP into a DMI. Doc: RISC-V debug spec, 6.1
// "JTAG Debug Transport Module".
type jtagDTM struct {
	tap *transport.TAP

	abits   int
	idle    int
	ir      uint8
	irValid bool
}

// NewJTAGDTM probes the DTM behind the TAP and returns it as a DMI.
func NewJTAGDTM(ctx context.Context, tap *transport.TAP) (DMI, error) {
	d := &jtagDTM{tap: tap}
	if err := tap.Reset(ctx); err != nil {
		return nil, errors.Trace(err)
	}
	if err := d.shiftIR(ctx, irDTMCS); err != nil {
		return nil, errors.Trace(err)
	}
	out, err := tap.ShiftDR(ctx, []byte{0, 0, 0, 0}, 32)
	if err != nil {
		return nil, errors.Trace(err)
	}
	dtmcs := uint32(out[0]) | uint32(out[1])<<8 | uint32(out[2])<<16 | uint32(out[3])<<24
	if dtmcs&dtmcsVersionMask != 1 {
		return nil, errors.Trace(dbgerr.Newf(dbgerr.ProbeFailure,
			"unsupported DTM version (dtmcs 0x%08x)", dtmcs))
	}
	d.abits = int(dtmcs>>dtmcsABitsShift) & dtmcsABitsMask
	d.idle = int(dtmcs>>dtmcsIdleShift) & dtmcsIdleMask
	if d.abits == 0 {
		return nil, errors.Trace(dbgerr.Newf(dbgerr.ProtocolError, "DTM reports zero address bits"))
	}
	glog.V(1).Infof("JTAG DTM: %d address bits, %d idle cycles", d.abits, d.idle)
	return d, nil
}

func (d *jtagDTM) shiftIR(ctx context.Context, ir uint8) error {
	if d.irValid && d.ir == ir {
		return nil
	}
	if err := d.tap.ShiftIR(ctx, []byte{ir}, 5); err != nil {
		return errors.Trace(err)
	}
	d.ir = ir
	d.irValid = true
	return nil
}

// scan shifts one DMI access: op in bits [1:0], data in [33:2], the
// address above. The response carries the status of the previous access
// in the op field.
func (d *jtagDTM) scan(ctx context.Context, op, addr, data uint32) (uint32, uint32, error) {
	if err := d.shiftIR(ctx, irDMI); err != nil {
		return 0, 0, errors.Trace(err)
	}
	bits := 34 + d.abits
	din := make([]byte, (bits+7)/8)
	v := uint64(op)&0x3 | uint64(data)<<2
	for i := 0; i < 8 && i < len(din); i++ {
		din[i] = byte(v >> (8 * uint(i)))
	}
	for i := 0; i < d.abits; i++ {
		if addr&(1<<uint(i)) != 0 {
			bit := 34 + i
			din[bit/8] |= 1 << uint(bit%8)
		}
	}
	out, err := d.tap.ShiftDR(ctx, din, bits)
	if err != nil {
		return 0, 0, errors.Trace(err)
	}
	var r uint64
	for i := 0; i < 8 && i < len(out); i++ {
		r |= uint64(out[i]) << (8 * uint(i))
	}
	if err := d.tap.Idle(ctx, d.idle); err != nil {
		return 0, 0, errors.Trace(err)
	}
	return uint32(r) & 0x3, uint32(r >> 2), nil
}

// run posts an access and collects its result with a trailing nop,
// recovering from busy with a dmireset and extra idle cycles.
func (d *jtagDTM) run(ctx context.Context, op, addr, data uint32) (uint32, error) {
	for try := 0; ; try++ {
		if _, _, err := d.scan(ctx, op, addr, data); err != nil {
			return 0, errors.Trace(err)
		}
		status, result, err := d.scan(ctx, dmiOpNop, 0, 0)
		if err != nil {
			return 0, errors.Trace(err)
		}
		switch status {
		case dmiStatusOK:
			return result, nil
		case dmiStatusBusy:
			if try >= dmiBusyRetries {
				return 0, errors.Trace(dbgerr.Newf(dbgerr.Timeout,
					"DMI access to 0x%02x stuck busy", addr))
			}
			if err := d.dmiReset(ctx); err != nil {
				return 0, errors.Trace(err)
			}
			d.idle++
		default:
			if err := d.dmiReset(ctx); err != nil {
				return 0, errors.Trace(err)
			}
			return 0, errors.Trace(dbgerr.Newf(dbgerr.BusFault,
				"DMI access to 0x%02x failed", addr))
		}
		if err := ctx.Err(); err != nil {
			return 0, errors.Trace(err)
		}
	}
}

func (d *jtagDTM) dmiReset(ctx context.Context) error {
	if err := d.shiftIR(ctx, irDTMCS); err != nil {
		return errors.Trace(err)
	}
	din := []byte{0, 0, byte(dtmcsDMIReset >> 16), 0}
	if _, err := d.tap.ShiftDR(ctx, din, 32); err != nil {
		return errors.Trace(err)
	}
	return nil
}

func (d *jtagDTM) Read(ctx context.Context, addr uint32) (uint32, error) {
	v, err := d.run(ctx, dmiOpRead, addr, 0)
	if err != nil {
		return 0, errors.Annotatef(err, "DMI read 0x%02x", addr)
	}
	glog.V(4).Infof("dmi[0x%02x] == 0x%08x", addr, v)
	return v, nil
}

func (d *jtagDTM) Write(ctx context.Context, addr uint32, value uint32) error {
	glog.V(4).Infof("dmi[0x%02x] = 0x%08x", addr, value)
	_, err := d.run(ctx, dmiOpWrite, addr, value)
	return errors.Annotatef(err, "DMI write 0x%02x", addr)
}
