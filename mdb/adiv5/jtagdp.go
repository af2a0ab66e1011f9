package adiv5

import (
	"context"
	"time"

	"github.com/cesanta/errors"
	"github.com/golang/glog"

	"github.com/mongoose-os/mdb/mdb/dbgerr"
	"github.com/mongoose-os/mdb/mdb/transport"
)

// JTAG-DP instruction register values (4-bit IR).
const (
	irAbort  = 0x8
	irDPACC  = 0xa
	irAPACC  = 0xb
	irIDCode = 0xe
	irBypass = 0xf
)

// jtagDP drives the DP through DPACC/APACC scans. Scans are 35 bits:
// RnW in bit 0, A[3:2] in bits 1-2, data above. The ACK of the current
// scan and the result of the previous one come back in the same shift,
// so reads are pipelined by construction.
type jtagDP struct {
	tap *transport.TAP
	dp  *DP

	ir       uint8
	irValid  bool
	aborting bool
}

// JTAG ACK values (3 bits). OK and FAULT share a code; faults surface as
// sticky bits in CTRL/STAT instead.
const (
	jtagAckWait = 0x1
	jtagAckOK   = 0x2
)

// NewJTAGDP creates a debug port for one device on a JTAG scan chain.
func NewJTAGDP(tap *transport.TAP) *DP {
	ll := &jtagDP{tap: tap}
	dp := &DP{ll: ll}
	ll.dp = dp
	return dp
}

func (j *jtagDP) shiftIR(ctx context.Context, ir uint8) error {
	if j.irValid && j.ir == ir {
		return nil
	}
	if err := j.tap.ShiftIR(ctx, []byte{ir}, 4); err != nil {
		return errors.Trace(err)
	}
	j.ir = ir
	j.irValid = true
	return nil
}

func (j *jtagDP) Connect(ctx context.Context) (uint32, error) {
	j.irValid = false
	if err := j.tap.Reset(ctx); err != nil {
		return 0, errors.Trace(err)
	}
	if err := j.shiftIR(ctx, irIDCode); err != nil {
		return 0, errors.Trace(err)
	}
	out, err := j.tap.ShiftDR(ctx, []byte{0, 0, 0, 0}, 32)
	if err != nil {
		return 0, errors.Trace(err)
	}
	idcode := uint32(out[0]) | uint32(out[1])<<8 | uint32(out[2])<<16 | uint32(out[3])<<24
	if idcode == 0 || idcode == 0xffffffff {
		return 0, errors.Trace(dbgerr.Newf(dbgerr.ProbeFailure,
			"no TAP present (IDCODE 0x%08x)", idcode))
	}
	return idcode, nil
}

// scan runs one 35-bit DPACC/APACC shift and returns (ack, data).
func (j *jtagDP) scan(ctx context.Context, rnw bool, addr Reg, value uint32) (uint8, uint32, error) {
	var din [5]byte
	if !rnw {
		din[0] = 0
	} else {
		din[0] = 1
	}
	din[0] |= addr.a23() >> 1 // A[3:2] into bits 1-2
	din[0] |= byte(value << 3)
	din[1] = byte(value >> 5)
	din[2] = byte(value >> 13)
	din[3] = byte(value >> 21)
	din[4] = byte(value >> 29)
	out, err := j.tap.ShiftDR(ctx, din[:], 35)
	if err != nil {
		return 0, 0, errors.Trace(err)
	}
	ack := out[0] & 0x7
	data := uint32(out[0])>>3 | uint32(out[1])<<5 | uint32(out[2])<<13 |
		uint32(out[3])<<21 | uint32(out[4])<<29
	return ack, data, nil
}

func (j *jtagDP) LowAccess(ctx context.Context, rnw bool, addr Reg, value uint32) (uint32, error) {
	ir := uint8(irDPACC)
	if addr.ap() {
		ir = irAPACC
	}
	if err := j.shiftIR(ctx, ir); err != nil {
		return 0, errors.Trace(err)
	}
	for try := 0; ; try++ {
		ack, data, err := j.scan(ctx, rnw, addr, value)
		if err != nil {
			return 0, errors.Trace(err)
		}
		switch ack {
		case jtagAckOK:
			return data, nil
		case jtagAckWait:
			if try >= waitRetries {
				j.dp.setFault(ackWait)
				return 0, errors.Trace(dbgerr.Newf(dbgerr.Timeout,
					"%s access stuck in WAIT", addr))
			}
			if err := ctx.Err(); err != nil {
				return 0, errors.Trace(err)
			}
			if try > 8 {
				time.Sleep(500 * time.Microsecond)
			}
		default:
			j.dp.setFault(ack)
			return 0, errors.Trace(dbgerr.Newf(dbgerr.ProtocolError,
				"unexpected ACK 0x%x on %s access", ack, addr))
		}
	}
}

// DPRead posts the register read and drains it through RDBUFF in a
// second scan.
func (j *jtagDP) DPRead(ctx context.Context, addr Reg) (uint32, error) {
	if _, err := j.LowAccess(ctx, true, addr, 0); err != nil {
		return 0, errors.Trace(err)
	}
	return j.LowAccess(ctx, true, RDBuff, 0)
}

func (j *jtagDP) Abort(ctx context.Context, value uint32) error {
	if j.aborting {
		return nil
	}
	j.aborting = true
	defer func() { j.aborting = false }()
	if err := j.shiftIR(ctx, irAbort); err != nil {
		return errors.Trace(err)
	}
	glog.V(3).Infof("ABORT = 0x%08x", value)
	_, _, err := j.scan(ctx, false, Abort, value)
	return errors.Trace(err)
}
