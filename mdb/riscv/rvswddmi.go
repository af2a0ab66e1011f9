package riscv

import (
	"context"

	"github.com/cesanta/errors"
	"github.com/golang/glog"

	"github.com/mongoose-os/mdb/mdb/dbgerr"
	"github.com/mongoose-os/mdb/mdb/transport"
)

// Target status codes in the RVSWD response.
const (
	rvswdStatusOK    = 0x1
	rvswdStatusFault = 0x2
)

// RVSWDDMI runs the DMI over the WCH two-wire bus. A response parity
// mismatch is logged and tolerated (the parts ship that way) unless
// Strict is set, in which case it fails the access.
type RVSWDDMI struct {
	bus transport.RVSWD

	Strict bool
}

// NewRVSWDDMI wakes the bus up and returns the DMI.
func NewRVSWDDMI(ctx context.Context, bus transport.RVSWD) (*RVSWDDMI, error) {
	if err := transport.RVSWDWakeup(ctx, bus); err != nil {
		return nil, errors.Annotatef(err, "RVSWD wakeup failed")
	}
	return &RVSWDDMI{bus: bus}, nil
}

func (d *RVSWDDMI) transfer(ctx context.Context, addr, data uint32, op transport.RVSWDOp) (*transport.RVSWDResult, error) {
	res, err := transport.RVSWDTransfer(ctx, d.bus, addr, data, op)
	if err != nil {
		return nil, errors.Trace(err)
	}
	if !res.ParityOK && d.Strict {
		return nil, errors.Trace(dbgerr.Newf(dbgerr.ProtocolError,
			"RVSWD parity mismatch on dmi[0x%02x]", addr))
	}
	switch res.Status {
	case rvswdStatusOK:
		return res, nil
	case rvswdStatusFault:
		return nil, errors.Trace(dbgerr.Newf(dbgerr.BusFault,
			"RVSWD access to dmi[0x%02x] faulted", addr))
	default:
		return nil, errors.Trace(dbgerr.Newf(dbgerr.ProtocolError,
			"RVSWD status %d on dmi[0x%02x]", res.Status, addr))
	}
}

func (d *RVSWDDMI) Read(ctx context.Context, addr uint32) (uint32, error) {
	res, err := d.transfer(ctx, addr, 0, transport.RVSWDOpRead)
	if err != nil {
		return 0, errors.Trace(err)
	}
	glog.V(4).Infof("dmi[0x%02x] == 0x%08x", addr, res.Data)
	return res.Data, nil
}

func (d *RVSWDDMI) Write(ctx context.Context, addr uint32, value uint32) error {
	glog.V(4).Infof("dmi[0x%02x] = 0x%08x", addr, value)
	_, err := d.transfer(ctx, addr, value, transport.RVSWDOpWrite)
	return errors.Trace(err)
}
