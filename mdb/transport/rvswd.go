package transport

import (
	"context"

	"github.com/cesanta/errors"
	"github.com/golang/glog"
)

// RVSWD bus operation codes, two bits on the wire.
type RVSWDOp uint32

const (
	RVSWDOpRead  RVSWDOp = 0x1
	RVSWDOpWrite RVSWDOp = 0x2
)

// RVSWDResult is the target's half of a transaction: the echoed address,
// the data word, the two status bits and whether its parity bit matched.
type RVSWDResult struct {
	Addr     uint32
	Data     uint32
	Status   uint32
	ParityOK bool
}

// RVSWDWakeup drives the bus wakeup pattern: 100 clocks with DIO held
// high, then a STOP condition. Parts in low-power debug states need this
// before they answer.
func RVSWDWakeup(ctx context.Context, bus RVSWD) error {
	for _, n := range []int{32, 32, 32, 4} {
		if err := bus.SeqOut(ctx, 0xffffffff, n); err != nil {
			return errors.Trace(err)
		}
	}
	return errors.Trace(bus.Stop(ctx))
}

// RVSWDTransfer runs one framed transaction: START, 7-bit address, 32-bit
// data, 2-bit op and the host parity bit, then the target's echo of the
// same shape, STOP. All fields go MSB-first. The host parity bit is the
// XOR of the parity of the three outbound fields.
func RVSWDTransfer(ctx context.Context, bus RVSWD, addr uint32, data uint32, op RVSWDOp) (*RVSWDResult, error) {
	if err := bus.Start(ctx); err != nil {
		return nil, errors.Trace(err)
	}
	addr &= 0x7f
	if err := bus.SeqOut(ctx, addr, 7); err != nil {
		return nil, errors.Trace(err)
	}
	if err := bus.SeqOut(ctx, data, 32); err != nil {
		return nil, errors.Trace(err)
	}
	if err := bus.SeqOut(ctx, uint32(op), 2); err != nil {
		return nil, errors.Trace(err)
	}
	parity := Parity32(addr) != Parity32(data) != Parity32(uint32(op))
	var pbit uint32
	if parity {
		pbit = 1
	}
	if err := bus.SeqOut(ctx, pbit, 1); err != nil {
		return nil, errors.Trace(err)
	}

	res := &RVSWDResult{}
	var err error
	if res.Addr, err = bus.SeqIn(ctx, 7); err != nil {
		return nil, errors.Trace(err)
	}
	if res.Data, err = bus.SeqIn(ctx, 32); err != nil {
		return nil, errors.Trace(err)
	}
	if res.Status, err = bus.SeqIn(ctx, 2); err != nil {
		return nil, errors.Trace(err)
	}
	tparity, err := bus.SeqIn(ctx, 1)
	if err != nil {
		return nil, errors.Trace(err)
	}
	want := Parity32(res.Addr) != Parity32(res.Data) != Parity32(res.Status)
	res.ParityOK = (tparity != 0) == want
	if !res.ParityOK {
		glog.Warningf("RVSWD response parity mismatch (addr 0x%02x data 0x%08x status %d)",
			res.Addr, res.Data, res.Status)
	}
	if err := bus.Stop(ctx); err != nil {
		return nil, errors.Trace(err)
	}
	return res, nil
}
