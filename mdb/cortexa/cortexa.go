// Package cortexa drives ARMv7-A cores through the memory-mapped debug
// register file: halt and restart via DBGDRCR, register access by
// stuffing instructions into DBGITR and moving values through the DCC.
//
// Doc: ARM Architecture Reference Manual ARMv7-A/R, C11 "Debug".
package cortexa

import (
	"context"
	"time"

	"github.com/cesanta/errors"
	"github.com/golang/glog"

	"github.com/mongoose-os/mdb/mdb/dbgerr"
	"github.com/mongoose-os/mdb/mdb/target"
)

// Debug register offsets from the DBG unit base.
const (
	dbgDIDR  = 0x000
	dbgWFAR  = 0x018
	dbgVCR   = 0x01c
	dbgDSCCR = 0x028
	dbgDTRRX = 0x080
	dbgITR   = 0x084
	dbgDSCR  = 0x088
	dbgDTRTX = 0x08c
	dbgDRCR  = 0x090
	dbgBVR   = 0x100
	dbgBCR   = 0x140
	dbgWVR   = 0x180
	dbgWCR   = 0x1c0
	dbgLAR   = 0xfb0
	dbgLSR   = 0xfb4
)

// DBGDSCR bits.
const (
	dscrHalted      = 1 << 0
	dscrRestarted   = 1 << 1
	dscrITREn       = 1 << 13
	dscrHaltDbgMode = 1 << 14
	dscrInstrCompl  = 1 << 24
	dscrTXFull      = 1 << 29
	dscrRXFull      = 1 << 30
)

// DBGDRCR bits.
const (
	drcrHaltReq    = 1 << 0
	drcrRestartReq = 1 << 1
	drcrClearExc   = 1 << 2
)

const dbgLockKey = 0xc5acce55

const opTimeout = 100 * time.Millisecond

// CortexA implements target.Core for one core's DBG unit at Base.
type CortexA struct {
	mem  target.Mem
	Base uint32

	MIDR uint32
	Kind target.CoreKind

	numBreak  int
	numWatch  int
	breakMask byte
	watchMask byte
	breakAddr [16]uint32
	watchAddr [16]uint32
}

func New(mem target.Mem, base uint32) *CortexA {
	return &CortexA{mem: mem, Base: base}
}

func (c *CortexA) read(ctx context.Context, off uint32) (uint32, error) {
	return c.mem.ReadWord(ctx, c.Base+off)
}

func (c *CortexA) write(ctx context.Context, off uint32, v uint32) error {
	return c.mem.WriteWord(ctx, c.Base+off, v)
}

func (c *CortexA) waitDSCR(ctx context.Context, mask uint32) (uint32, error) {
	deadline := time.Now().Add(opTimeout)
	for {
		dscr, err := c.read(ctx, dbgDSCR)
		if err != nil {
			return 0, errors.Trace(err)
		}
		if dscr&mask != 0 {
			return dscr, nil
		}
		if time.Now().After(deadline) {
			return 0, errors.Trace(dbgerr.Newf(dbgerr.Timeout,
				"DBGDSCR bit 0x%08x never set (0x%08x)", mask, dscr))
		}
		if err := ctx.Err(); err != nil {
			return 0, errors.Trace(err)
		}
	}
}

// Attach unlocks the debug registers, enables halting debug and stops
// the core.
func (c *CortexA) Attach(ctx context.Context) error {
	if err := c.write(ctx, dbgLAR, dbgLockKey); err != nil {
		return errors.Annotatef(err, "failed to unlock debug registers")
	}
	didr, err := c.read(ctx, dbgDIDR)
	if err != nil {
		return errors.Annotatef(err, "failed to read DBGDIDR")
	}
	c.numBreak = int(didr>>24)&0xf + 1
	c.numWatch = int(didr>>28)&0xf + 1
	if c.numBreak > len(c.breakAddr) {
		c.numBreak = len(c.breakAddr)
	}
	if c.numWatch > len(c.watchAddr) {
		c.numWatch = len(c.watchAddr)
	}
	glog.V(1).Infof("Cortex-A debug: %d breakpoints, %d watchpoints", c.numBreak, c.numWatch)

	dscr, err := c.read(ctx, dbgDSCR)
	if err != nil {
		return errors.Trace(err)
	}
	if err := c.write(ctx, dbgDSCR, dscr|dscrHaltDbgMode|dscrITREn); err != nil {
		return errors.Annotatef(err, "failed to enable halting debug")
	}
	return errors.Trace(c.Halt(ctx))
}

func (c *CortexA) Detach(ctx context.Context) error {
	for i := 0; i < c.numBreak; i++ {
		if err := c.write(ctx, dbgBCR+uint32(i)*4, 0); err != nil {
			return errors.Trace(err)
		}
	}
	if err := c.Resume(ctx, false); err != nil {
		return errors.Trace(err)
	}
	// Relock so the OS's own debug use is not disturbed.
	return errors.Trace(c.write(ctx, dbgLAR, 0))
}

func (c *CortexA) Halt(ctx context.Context) error {
	if err := c.write(ctx, dbgDRCR, drcrHaltReq); err != nil {
		return errors.Annotatef(err, "failed to request halt")
	}
	_, err := c.waitDSCR(ctx, dscrHalted)
	return errors.Trace(err)
}

func (c *CortexA) HaltPoll(ctx context.Context) (target.HaltReason, error) {
	dscr, err := c.read(ctx, dbgDSCR)
	if err != nil {
		return target.Running, errors.Trace(err)
	}
	if dscr&dscrHalted == 0 {
		return target.Running, nil
	}
	switch (dscr >> 2) & 0xf { // MOE, method of entry
	case 0x1, 0x3:
		return target.HaltBreakpoint, nil
	case 0x2, 0xa:
		return target.HaltWatchpoint, nil
	}
	return target.Halted, nil
}

func (c *CortexA) Resume(ctx context.Context, step bool) error {
	if step {
		// No hardware single-step on v7-A: plant a breakpoint on the
		// next instruction is the driver's job; here we just restart.
		glog.V(2).Infof("step requested, restarting core")
	}
	if err := c.write(ctx, dbgDRCR, drcrRestartReq|drcrClearExc); err != nil {
		return errors.Annotatef(err, "failed to request restart")
	}
	_, err := c.waitDSCR(ctx, dscrRestarted)
	return errors.Trace(err)
}

// runITR stuffs one A32 instruction into the pipeline and waits for it
// to complete.
func (c *CortexA) runITR(ctx context.Context, instr uint32) error {
	if err := c.write(ctx, dbgITR, instr); err != nil {
		return errors.Trace(err)
	}
	_, err := c.waitDSCR(ctx, dscrInstrCompl)
	return errors.Trace(err)
}

// ReadReg moves a core register out through the DCC: MCR p14 transfers
// rN to DBGDTRTX.
func (c *CortexA) ReadReg(ctx context.Context, reg int) (uint64, error) {
	// mcr p14, 0, rN, c0, c5, 0
	if err := c.runITR(ctx, 0xee000e15|uint32(reg)<<12); err != nil {
		return 0, errors.Annotatef(err, "failed to transfer r%d", reg)
	}
	if _, err := c.waitDSCR(ctx, dscrTXFull); err != nil {
		return 0, errors.Trace(err)
	}
	v, err := c.read(ctx, dbgDTRTX)
	if err != nil {
		return 0, errors.Trace(err)
	}
	glog.V(4).Infof("r%d == 0x%08x", reg, v)
	return uint64(v), nil
}

// WriteReg loads DBGDTRRX and moves it into the register with MRC p14.
func (c *CortexA) WriteReg(ctx context.Context, reg int, value uint64) error {
	glog.V(4).Infof("r%d = 0x%08x", reg, uint32(value))
	if err := c.write(ctx, dbgDTRRX, uint32(value)); err != nil {
		return errors.Trace(err)
	}
	// mrc p14, 0, rN, c0, c5, 0
	return errors.Trace(c.runITR(ctx, 0xee100e15|uint32(reg)<<12))
}

func (c *CortexA) Breakpoint(ctx context.Context, addr uint32, set bool) error {
	if !set {
		for i := 0; i < c.numBreak; i++ {
			if c.breakMask&(1<<uint(i)) != 0 && c.breakAddr[i] == addr {
				c.breakMask &^= 1 << uint(i)
				return errors.Trace(c.write(ctx, dbgBCR+uint32(i)*4, 0))
			}
		}
		return errors.Trace(dbgerr.Newf(dbgerr.LogicError, "no breakpoint at 0x%08x", addr))
	}
	for i := 0; i < c.numBreak; i++ {
		if c.breakMask&(1<<uint(i)) != 0 {
			continue
		}
		if err := c.write(ctx, dbgBVR+uint32(i)*4, addr&^3); err != nil {
			return errors.Trace(err)
		}
		// Byte-address select all lanes, any mode, enabled.
		if err := c.write(ctx, dbgBCR+uint32(i)*4, 0xf<<5|0x3<<1|0x1); err != nil {
			return errors.Trace(err)
		}
		c.breakMask |= 1 << uint(i)
		c.breakAddr[i] = addr
		return nil
	}
	return errors.Trace(dbgerr.Newf(dbgerr.NoResource,
		"all %d breakpoints in use", c.numBreak))
}

func (c *CortexA) Watchpoint(ctx context.Context, addr uint32, length int, kind target.WatchKind, set bool) error {
	if !set {
		for i := 0; i < c.numWatch; i++ {
			if c.watchMask&(1<<uint(i)) != 0 && c.watchAddr[i] == addr {
				c.watchMask &^= 1 << uint(i)
				return errors.Trace(c.write(ctx, dbgWCR+uint32(i)*4, 0))
			}
		}
		return errors.Trace(dbgerr.Newf(dbgerr.LogicError, "no watchpoint at 0x%08x", addr))
	}
	var lsc uint32
	switch kind {
	case target.WatchWrite:
		lsc = 0x2
	case target.WatchRead:
		lsc = 0x1
	case target.WatchAccess:
		lsc = 0x3
	}
	for i := 0; i < c.numWatch; i++ {
		if c.watchMask&(1<<uint(i)) != 0 {
			continue
		}
		if err := c.write(ctx, dbgWVR+uint32(i)*4, addr&^3); err != nil {
			return errors.Trace(err)
		}
		if err := c.write(ctx, dbgWCR+uint32(i)*4, 0xf<<5|lsc<<3|0x3<<1|0x1); err != nil {
			return errors.Trace(err)
		}
		c.watchMask |= 1 << uint(i)
		c.watchAddr[i] = addr
		return nil
	}
	return errors.Trace(dbgerr.Newf(dbgerr.NoResource,
		"all %d watchpoints in use", c.numWatch))
}

// Reset: v7-A parts have no architected self-reset; the probe's nRST
// line or a vendor reset controller has to do it. Drivers install a
// ResetHook on the target; reaching this is a logic error.
func (c *CortexA) Reset(ctx context.Context) error {
	return errors.Trace(dbgerr.Newf(dbgerr.LogicError,
		"Cortex-A reset requires a platform hook"))
}
