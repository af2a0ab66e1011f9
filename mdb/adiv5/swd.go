package adiv5

import (
	"context"
	"time"

	"github.com/cesanta/errors"
	"github.com/golang/glog"

	"github.com/mongoose-os/mdb/mdb/dbgerr"
	"github.com/mongoose-os/mdb/mdb/transport"
)

// swdDP drives the DP over the serial-wire line protocol: 8-bit request
// header, 3-bit ACK, 32-bit data with parity, turnarounds handled by the
// bus implementation.
type swdDP struct {
	bus transport.SWD
	dp  *DP

	// Set while an ABORT write is in flight so a faulting ABORT cannot
	// recurse into another sticky-clear attempt.
	aborting bool
}

// NewSWDDP creates a debug port over a serial-wire bus.
func NewSWDDP(bus transport.SWD) *DP {
	ll := &swdDP{bus: bus}
	dp := &DP{ll: ll}
	ll.dp = dp
	return dp
}

// Request header bits, LSB-first on the wire.
func swdRequest(rnw bool, addr Reg) uint32 {
	req := uint32(0x81) // start + park
	if addr.ap() {
		req |= 1 << 1
	}
	if rnw {
		req |= 1 << 2
	}
	req |= uint32(addr.a23()) << 1 // A[3:2] into bits 3 and 4
	if transport.Parity32(req & 0x1e) {
		req |= 1 << 5
	}
	return req
}

func (s *swdDP) lineReset(ctx context.Context) error {
	// 50+ clocks with the line high resets the SWD target state machine.
	for _, n := range []int{32, 32} {
		if err := s.bus.SeqOut(ctx, 0xffffffff, n); err != nil {
			return errors.Trace(err)
		}
	}
	return nil
}

func (s *swdDP) Connect(ctx context.Context) (uint32, error) {
	if err := s.lineReset(ctx); err != nil {
		return 0, errors.Trace(err)
	}
	// JTAG-to-SWD switch sequence, then reset again so a DP that was
	// already in SWD mode also ends up reset.
	if err := s.bus.SeqOut(ctx, 0xe79e, 16); err != nil {
		return 0, errors.Trace(err)
	}
	if err := s.lineReset(ctx); err != nil {
		return 0, errors.Trace(err)
	}
	if err := s.bus.SeqOut(ctx, 0, 16); err != nil {
		return 0, errors.Trace(err)
	}
	if s.dp.TargetSel != 0 {
		if err := s.writeTargetSel(ctx, s.dp.TargetSel); err != nil {
			return 0, errors.Trace(err)
		}
	}
	idcode, err := s.LowAccess(ctx, true, DPIDR, 0)
	if err != nil {
		return 0, errors.Annotatef(err, "no response to DPIDR read")
	}
	return idcode, nil
}

// writeTargetSel issues the multi-drop TARGETSEL write. The target does
// not drive an ACK for this one; the three response bits are ignored.
func (s *swdDP) writeTargetSel(ctx context.Context, value uint32) error {
	if err := s.bus.SeqOut(ctx, swdRequest(false, TargetSel), 8); err != nil {
		return errors.Trace(err)
	}
	if _, err := s.bus.SeqIn(ctx, 3); err != nil {
		return errors.Trace(err)
	}
	return errors.Trace(s.bus.SeqOutParity(ctx, value, 32))
}

func (s *swdDP) LowAccess(ctx context.Context, rnw bool, addr Reg, value uint32) (uint32, error) {
	req := swdRequest(rnw, addr)
	var ack uint32
	for try := 0; ; try++ {
		if err := s.bus.SeqOut(ctx, req, 8); err != nil {
			return 0, errors.Trace(err)
		}
		var err error
		ack, err = s.bus.SeqIn(ctx, 3)
		if err != nil {
			return 0, errors.Trace(err)
		}
		if ack != ackWait {
			break
		}
		if try >= waitRetries {
			s.dp.setFault(ackWait)
			return 0, errors.Trace(dbgerr.Newf(dbgerr.Timeout,
				"%s access stuck in WAIT", addr))
		}
		if err := ctx.Err(); err != nil {
			return 0, errors.Trace(err)
		}
		if try > 8 {
			time.Sleep(500 * time.Microsecond)
		}
	}
	switch ack {
	case ackOK:
	case ackFault:
		s.dp.setFault(ackFault)
		if !s.aborting {
			glog.V(2).Infof("%s access returned FAULT, clearing sticky errors", addr)
			if err := s.Abort(ctx, AbortStickyErrors); err != nil {
				return 0, errors.Trace(err)
			}
		}
		return 0, errors.Trace(dbgerr.Newf(dbgerr.BusFault, "%s access faulted", addr))
	default:
		s.dp.setFault(uint8(ack))
		return 0, errors.Trace(dbgerr.Newf(dbgerr.ProtocolError,
			"unexpected ACK 0x%x on %s access", ack, addr))
	}
	if rnw {
		value, parityOK, err := s.bus.SeqInParity(ctx, 32)
		if err != nil {
			return 0, errors.Trace(err)
		}
		if !parityOK {
			return 0, errors.Trace(dbgerr.Newf(dbgerr.ProtocolError,
				"parity error reading %s", addr))
		}
		return value, nil
	}
	if err := s.bus.SeqOutParity(ctx, value, 32); err != nil {
		return 0, errors.Trace(err)
	}
	// Idle cycles push the write through the DP's internal queue.
	return 0, errors.Trace(s.bus.SeqOut(ctx, 0, 8))
}

// DPRead: SWD DP register reads complete in the same transaction.
func (s *swdDP) DPRead(ctx context.Context, addr Reg) (uint32, error) {
	return s.LowAccess(ctx, true, addr, 0)
}

func (s *swdDP) Abort(ctx context.Context, value uint32) error {
	s.aborting = true
	defer func() { s.aborting = false }()
	_, err := s.LowAccess(ctx, false, Abort, value)
	return errors.Trace(err)
}
