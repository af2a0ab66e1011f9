// Package riscv implements the RISC-V Debug Module Interface and a hart
// driver on top of it. The DMI itself is polymorphic: a JTAG DTM or the
// WCH two-wire RVSWD bus, both yielding the same 32-bit register space.
//
// Doc: RISC-V External Debug Support v0.13.
package riscv

import (
	"context"
	"time"

	"github.com/cesanta/errors"
	"github.com/golang/glog"

	"github.com/mongoose-os/mdb/mdb/dbgerr"
	"github.com/mongoose-os/mdb/mdb/target"
)

// DMI is one Debug Module Interface: a 32-bit register file addressed
// by a short bus address.
type DMI interface {
	Read(ctx context.Context, addr uint32) (uint32, error)
	Write(ctx context.Context, addr uint32, value uint32) error
}

// Debug Module registers.
const (
	dmData0      = 0x04
	dmData1      = 0x05
	dmControl    = 0x10
	dmStatus     = 0x11
	dmHartInfo   = 0x12
	dmAbstractCS = 0x16
	dmCommand    = 0x17
	dmSBCS       = 0x38
	dmSBAddress0 = 0x39
	dmSBData0    = 0x3c
)

// dmcontrol bits.
const (
	dmcDMActive     = 1 << 0
	dmcNDMReset     = 1 << 1
	dmcHaltReq      = 1 << 31
	dmcResumeReq    = 1 << 30
	dmcAckHaveReset = 1 << 28
)

// dmstatus bits.
const (
	dmsAnyHalted    = 1 << 8
	dmsAllHalted    = 1 << 9
	dmsAllRunning   = 1 << 11
	dmsAllResumeAck = 1 << 17
	dmsAnyHaveReset = 1 << 18
)

// abstractcs fields.
const (
	acsBusy      = 1 << 12
	acsCmdErrSh  = 8
	acsCmdErrMsk = 0x7
)

// CSR numbers the driver touches.
const (
	csrDCSR    = 0x7b0
	csrDPC     = 0x7b1
	csrTSelect = 0x7a0
	csrTData1  = 0x7a1
	csrTData2  = 0x7a2
	csrMISA    = 0x301
)

const (
	regnoCSRBase = 0x0000
	regnoGPRBase = 0x1000
)

const dmiTimeout = 500 * time.Millisecond

// Hart is one RISC-V hart behind a DMI; implements target.Core.
type Hart struct {
	dmi DMI

	XLEN int
	Kind target.CoreKind

	numTriggers int
	trigMask    uint32
	trigAddr    [8]uint32
}

func NewHart(dmi DMI) *Hart {
	return &Hart{dmi: dmi}
}

func (h *Hart) waitStatus(ctx context.Context, mask uint32) error {
	deadline := time.Now().Add(dmiTimeout)
	for {
		st, err := h.dmi.Read(ctx, dmStatus)
		if err != nil {
			return errors.Trace(err)
		}
		if st&mask != 0 {
			return nil
		}
		if time.Now().After(deadline) {
			return errors.Trace(dbgerr.Newf(dbgerr.Timeout,
				"dmstatus bit 0x%08x never set (0x%08x)", mask, st))
		}
		if err := ctx.Err(); err != nil {
			return errors.Trace(err)
		}
	}
}

// abstract runs one abstract command and checks cmderr.
func (h *Hart) abstract(ctx context.Context, command uint32) error {
	if err := h.dmi.Write(ctx, dmCommand, command); err != nil {
		return errors.Trace(err)
	}
	deadline := time.Now().Add(dmiTimeout)
	for {
		acs, err := h.dmi.Read(ctx, dmAbstractCS)
		if err != nil {
			return errors.Trace(err)
		}
		if acs&acsBusy == 0 {
			if cmderr := acs >> acsCmdErrSh & acsCmdErrMsk; cmderr != 0 {
				// Write-one to clear for the next command.
				if werr := h.dmi.Write(ctx, dmAbstractCS, cmderr<<acsCmdErrSh); werr != nil {
					return errors.Trace(werr)
				}
				return errors.Trace(dbgerr.Newf(dbgerr.BusFault,
					"abstract command 0x%08x failed (cmderr %d)", command, cmderr))
			}
			return nil
		}
		if time.Now().After(deadline) {
			return errors.Trace(dbgerr.Newf(dbgerr.Timeout, "abstract command stuck busy"))
		}
		if err := ctx.Err(); err != nil {
			return errors.Trace(err)
		}
	}
}

func (h *Hart) regCommand(regno uint32, write bool) uint32 {
	cmd := uint32(0)<<24 | 1<<17 | regno // access register, transfer
	if write {
		cmd |= 1 << 16
	}
	if h.XLEN == 64 {
		cmd |= 3 << 20
	} else {
		cmd |= 2 << 20
	}
	return cmd
}

func (h *Hart) readRegNo(ctx context.Context, regno uint32) (uint64, error) {
	if err := h.abstract(ctx, h.regCommand(regno, false)); err != nil {
		return 0, errors.Trace(err)
	}
	lo, err := h.dmi.Read(ctx, dmData0)
	if err != nil {
		return 0, errors.Trace(err)
	}
	v := uint64(lo)
	if h.XLEN == 64 {
		hi, err := h.dmi.Read(ctx, dmData1)
		if err != nil {
			return 0, errors.Trace(err)
		}
		v |= uint64(hi) << 32
	}
	return v, nil
}

func (h *Hart) writeRegNo(ctx context.Context, regno uint32, value uint64) error {
	if err := h.dmi.Write(ctx, dmData0, uint32(value)); err != nil {
		return errors.Trace(err)
	}
	if h.XLEN == 64 {
		if err := h.dmi.Write(ctx, dmData1, uint32(value>>32)); err != nil {
			return errors.Trace(err)
		}
	}
	return errors.Trace(h.abstract(ctx, h.regCommand(regno, true)))
}

// Attach activates the DM, sizes the hart and halts it.
func (h *Hart) Attach(ctx context.Context) error {
	if err := h.dmi.Write(ctx, dmControl, dmcDMActive); err != nil {
		return errors.Annotatef(err, "failed to activate debug module")
	}
	ctrl, err := h.dmi.Read(ctx, dmControl)
	if err != nil {
		return errors.Trace(err)
	}
	if ctrl&dmcDMActive == 0 {
		return errors.Trace(dbgerr.Newf(dbgerr.ProbeFailure, "debug module would not activate"))
	}
	if err := h.Halt(ctx); err != nil {
		return errors.Trace(err)
	}
	// Probe XLEN: a 64-bit s0 access succeeds only on rv64.
	h.XLEN = 64
	if err := h.abstract(ctx, h.regCommand(regnoGPRBase+8, false)); err != nil {
		h.XLEN = 32
	}
	h.Kind = target.RV32
	if h.XLEN == 64 {
		h.Kind = target.RV64
	}
	h.numTriggers = h.countTriggers(ctx)
	glog.V(1).Infof("%s hart, %d triggers", h.Kind, h.numTriggers)
	return nil
}

func (h *Hart) countTriggers(ctx context.Context) int {
	for i := 0; i < len(h.trigAddr); i++ {
		if err := h.writeRegNo(ctx, regnoCSRBase+csrTSelect, uint64(i)); err != nil {
			return i
		}
		v, err := h.readRegNo(ctx, regnoCSRBase+csrTSelect)
		if err != nil || v != uint64(i) {
			return i
		}
	}
	return len(h.trigAddr)
}

func (h *Hart) Detach(ctx context.Context) error {
	for i := 0; i < h.numTriggers; i++ {
		if h.trigMask&(1<<uint(i)) != 0 {
			if err := h.clearTrigger(ctx, i); err != nil {
				return errors.Trace(err)
			}
		}
	}
	if err := h.Resume(ctx, false); err != nil {
		return errors.Trace(err)
	}
	return errors.Trace(h.dmi.Write(ctx, dmControl, 0))
}

func (h *Hart) Halt(ctx context.Context) error {
	if err := h.dmi.Write(ctx, dmControl, dmcDMActive|dmcHaltReq); err != nil {
		return errors.Annotatef(err, "failed to request halt")
	}
	if err := h.waitStatus(ctx, dmsAllHalted); err != nil {
		return errors.Trace(err)
	}
	return errors.Trace(h.dmi.Write(ctx, dmControl, dmcDMActive))
}

func (h *Hart) HaltPoll(ctx context.Context) (target.HaltReason, error) {
	st, err := h.dmi.Read(ctx, dmStatus)
	if err != nil {
		return target.Running, errors.Trace(err)
	}
	if st&dmsAllHalted == 0 {
		return target.Running, nil
	}
	dcsr, err := h.readRegNo(ctx, regnoCSRBase+csrDCSR)
	if err != nil {
		return target.Halted, errors.Trace(err)
	}
	switch dcsr >> 6 & 0x7 { // cause
	case 1:
		return target.HaltBreakpoint, nil
	case 2:
		return target.HaltWatchpoint, nil
	}
	return target.Halted, nil
}

func (h *Hart) Resume(ctx context.Context, step bool) error {
	dcsr, err := h.readRegNo(ctx, regnoCSRBase+csrDCSR)
	if err != nil {
		return errors.Trace(err)
	}
	if step {
		dcsr |= 1 << 2
	} else {
		dcsr &^= 1 << 2
	}
	if err := h.writeRegNo(ctx, regnoCSRBase+csrDCSR, dcsr); err != nil {
		return errors.Trace(err)
	}
	if err := h.dmi.Write(ctx, dmControl, dmcDMActive|dmcResumeReq); err != nil {
		return errors.Annotatef(err, "failed to request resume")
	}
	if err := h.waitStatus(ctx, dmsAllResumeAck); err != nil {
		return errors.Trace(err)
	}
	return errors.Trace(h.dmi.Write(ctx, dmControl, dmcDMActive))
}

// ReadReg maps the target-layer numbering: 0-31 GPRs, 32 PC, CSRs above.
func (h *Hart) ReadReg(ctx context.Context, reg int) (uint64, error) {
	return h.readRegNo(ctx, h.regno(reg))
}

func (h *Hart) WriteReg(ctx context.Context, reg int, value uint64) error {
	return errors.Trace(h.writeRegNo(ctx, h.regno(reg), value))
}

func (h *Hart) regno(reg int) uint32 {
	switch {
	case reg < 32:
		return regnoGPRBase + uint32(reg)
	case reg == 32:
		return regnoCSRBase + csrDPC
	default:
		return regnoCSRBase + uint32(reg-64)
	}
}

// mcontrol trigger: type 2, debug-mode action, M+U modes.
func mcontrolValue(execute, load, store bool) uint64 {
	v := uint64(2)<<28 | 1<<27 | 1<<12 | 1<<6 | 1<<3
	if execute {
		v |= 1 << 2
	}
	if store {
		v |= 1 << 1
	}
	if load {
		v |= 1 << 0
	}
	return v
}

func (h *Hart) setTrigger(ctx context.Context, addr uint32, tdata1 uint64) error {
	for i := 0; i < h.numTriggers; i++ {
		if h.trigMask&(1<<uint(i)) != 0 {
			continue
		}
		if err := h.writeRegNo(ctx, regnoCSRBase+csrTSelect, uint64(i)); err != nil {
			return errors.Trace(err)
		}
		if err := h.writeRegNo(ctx, regnoCSRBase+csrTData2, uint64(addr)); err != nil {
			return errors.Trace(err)
		}
		if err := h.writeRegNo(ctx, regnoCSRBase+csrTData1, tdata1); err != nil {
			return errors.Trace(err)
		}
		h.trigMask |= 1 << uint(i)
		h.trigAddr[i] = addr
		return nil
	}
	return errors.Trace(dbgerr.Newf(dbgerr.NoResource,
		"all %d triggers in use", h.numTriggers))
}

func (h *Hart) clearTrigger(ctx context.Context, i int) error {
	if err := h.writeRegNo(ctx, regnoCSRBase+csrTSelect, uint64(i)); err != nil {
		return errors.Trace(err)
	}
	if err := h.writeRegNo(ctx, regnoCSRBase+csrTData1, 0); err != nil {
		return errors.Trace(err)
	}
	h.trigMask &^= 1 << uint(i)
	return nil
}

func (h *Hart) removeTriggerAt(ctx context.Context, addr uint32) error {
	for i := 0; i < h.numTriggers; i++ {
		if h.trigMask&(1<<uint(i)) != 0 && h.trigAddr[i] == addr {
			return errors.Trace(h.clearTrigger(ctx, i))
		}
	}
	return errors.Trace(dbgerr.Newf(dbgerr.LogicError, "no trigger at 0x%08x", addr))
}

func (h *Hart) Breakpoint(ctx context.Context, addr uint32, set bool) error {
	if !set {
		return errors.Trace(h.removeTriggerAt(ctx, addr))
	}
	return errors.Trace(h.setTrigger(ctx, addr, mcontrolValue(true, false, false)))
}

func (h *Hart) Watchpoint(ctx context.Context, addr uint32, length int, kind target.WatchKind, set bool) error {
	if !set {
		return errors.Trace(h.removeTriggerAt(ctx, addr))
	}
	load := kind == target.WatchRead || kind == target.WatchAccess
	store := kind == target.WatchWrite || kind == target.WatchAccess
	return errors.Trace(h.setTrigger(ctx, addr, mcontrolValue(false, load, store)))
}

// Reset pulses ndmreset with the halt request held so the hart stops at
// the reset vector.
func (h *Hart) Reset(ctx context.Context) error {
	if err := h.dmi.Write(ctx, dmControl, dmcDMActive|dmcNDMReset|dmcHaltReq); err != nil {
		return errors.Annotatef(err, "failed to assert ndmreset")
	}
	if err := h.dmi.Write(ctx, dmControl, dmcDMActive|dmcHaltReq); err != nil {
		return errors.Annotatef(err, "failed to release ndmreset")
	}
	if err := h.waitStatus(ctx, dmsAllHalted); err != nil {
		return errors.Trace(err)
	}
	return errors.Trace(h.dmi.Write(ctx, dmControl, dmcDMActive|dmcAckHaveReset))
}
