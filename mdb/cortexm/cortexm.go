// Package cortexm drives ARMv6-M/v7-M/v8-M cores through the System
// Control Space: halt and single-step via DHCSR, the register file via
// DCRSR/DCRDR, hardware breakpoints in the FPB and watchpoints in the
// DWT, and execution of RAM-resident stubs for the Flash drivers.
//
// Doc: ARM v7-M Architecture Reference Manual, C1 "ARMv7-M Debug".
package cortexm

import (
	"context"
	"time"

	"github.com/cesanta/errors"
	"github.com/golang/glog"

	"github.com/mongoose-os/mdb/mdb/dbgerr"
	"github.com/mongoose-os/mdb/mdb/target"
)

const (
	regCPUID = 0xe000ed00
	regAIRCR = 0xe000ed0c
	regDFSR  = 0xe000ed30

	regDHCSR = 0xe000edf0
	regDCRSR = 0xe000edf4
	regDCRDR = 0xe000edf8
	regDEMCR = 0xe000edfc

	regFPCtrl = 0xe0002000
	regFPComp = 0xe0002008

	regDWTCtrl = 0xe0001000
	regDWTComp = 0xe0001020

	aircrKey         = 0x05fa0000
	aircrSysResetReq = 0x4
)

// DHCSR bits.
const (
	dhcsrKey       = 0xa05f0000
	dhcsrCDebugEn  = 1 << 0
	dhcsrCHalt     = 1 << 1
	dhcsrCStep     = 1 << 2
	dhcsrCMaskInts = 1 << 3
	dhcsrSRegRdy   = 1 << 16
	dhcsrSHalt     = 1 << 17
	dhcsrSRetireSt = 1 << 24
	dhcsrSResetSt  = 1 << 25
)

// DEMCR bits.
const (
	demcrVCCoreReset = 1 << 0
	demcrVCMMErr     = 1 << 4
	demcrVCNoCPErr   = 1 << 5
	demcrVCChkErr    = 1 << 6
	demcrVCStatErr   = 1 << 7
	demcrVCBusErr    = 1 << 8
	demcrVCIntErr    = 1 << 9
	demcrVCHardErr   = 1 << 10
	demcrTrcEna      = 1 << 24

	// The v7-M fault catches on top of reset catch.
	demcrVCFaults = demcrVCHardErr | demcrVCBusErr | demcrVCStatErr | demcrVCChkErr
)

// DFSR bits, to tell why the core stopped.
const (
	dfsrHalted   = 1 << 0
	dfsrBkpt     = 1 << 1
	dfsrDWTTrap  = 1 << 2
	dfsrVCatch   = 1 << 3
	dfsrExternal = 1 << 4
)

// Special register numbers for DCRSR beyond r0-r15.
const (
	RegSP   = 13
	RegLR   = 14
	RegPC   = 15
	RegXPSR = 0x10
	RegMSP  = 0x11
	RegPSP  = 0x12
)

const regReadyTimeout = 10 * time.Millisecond

// CortexM implements target.Core over a memory bus that reaches the SCS.
type CortexM struct {
	mem target.Mem

	CPUID uint32
	Kind  target.CoreKind
	V7M   bool

	numBreak int
	numWatch int
	// Unit allocation bitmaps, one bit per FPB/DWT comparator.
	breakMask byte
	watchMask byte
	breakAddr [8]uint32
	watchAddr [8]uint32
	fpbRev1   bool

	// Saved on attach, restored on detach.
	savedDEMCR uint32
}

// New creates the driver; Attach identifies and halts the core.
func New(mem target.Mem) *CortexM {
	return &CortexM{mem: mem}
}

func kindOf(cpuid uint32) (target.CoreKind, bool) {
	switch (cpuid >> 4) & 0xfff {
	case 0xc20:
		return target.CortexM0, false
	case 0xc60:
		return target.CortexM0Plus, false
	case 0xc23:
		return target.CortexM3, true
	case 0xc24:
		return target.CortexM4, true
	case 0xc27:
		return target.CortexM7, true
	case 0xd20:
		return target.CortexM23, false
	case 0xd21:
		return target.CortexM33, true
	}
	return target.CoreUnknown, false
}

// Attach halts the core, discovers the break/watchpoint units and arms
// the vector catches.
func (c *CortexM) Attach(ctx context.Context) error {
	cpuid, err := c.mem.ReadWord(ctx, regCPUID)
	if err != nil {
		return errors.Annotatef(err, "failed to read CPUID")
	}
	c.CPUID = cpuid
	c.Kind, c.V7M = kindOf(cpuid)
	if c.Kind == target.CoreUnknown {
		return errors.Trace(dbgerr.Newf(dbgerr.ProbeFailure,
			"not a known Cortex-M (CPUID 0x%08x)", cpuid))
	}
	glog.V(1).Infof("%s r%dp%d", c.Kind, (cpuid>>20)&0xf, cpuid&0xf)

	if err := c.Halt(ctx); err != nil {
		return errors.Trace(err)
	}

	fpctrl, err := c.mem.ReadWord(ctx, regFPCtrl)
	if err != nil {
		return errors.Annotatef(err, "failed to read FP_CTRL")
	}
	c.numBreak = int((fpctrl>>4)&0xf | (fpctrl>>8)&0x70)
	if c.numBreak > len(c.breakAddr) {
		c.numBreak = len(c.breakAddr)
	}
	c.fpbRev1 = fpctrl>>28 == 0
	dwtctrl, err := c.mem.ReadWord(ctx, regDWTCtrl)
	if err != nil {
		return errors.Annotatef(err, "failed to read DWT_CTRL")
	}
	c.numWatch = int(dwtctrl >> 28)
	if c.numWatch > len(c.watchAddr) {
		c.numWatch = len(c.watchAddr)
	}
	c.breakMask = 0
	c.watchMask = 0
	glog.V(1).Infof("%d breakpoints, %d watchpoints", c.numBreak, c.numWatch)

	// Enable the FPB and arm the vector catches.
	if err := c.mem.WriteWord(ctx, regFPCtrl, fpctrl|0x3); err != nil {
		return errors.Annotatef(err, "failed to enable FPB")
	}
	if c.savedDEMCR, err = c.mem.ReadWord(ctx, regDEMCR); err != nil {
		return errors.Annotatef(err, "failed to read DEMCR")
	}
	demcr := uint32(demcrVCCoreReset | demcrTrcEna)
	if c.V7M {
		demcr |= demcrVCFaults
	}
	return errors.Annotatef(c.mem.WriteWord(ctx, regDEMCR, demcr), "failed to set DEMCR")
}

// Detach disarms debug state and lets the core run free.
func (c *CortexM) Detach(ctx context.Context) error {
	for i := 0; i < c.numBreak; i++ {
		if err := c.mem.WriteWord(ctx, regFPComp+uint32(i)*4, 0); err != nil {
			return errors.Trace(err)
		}
	}
	if err := c.mem.WriteWord(ctx, regDEMCR, c.savedDEMCR); err != nil {
		return errors.Trace(err)
	}
	return errors.Trace(c.mem.WriteWord(ctx, regDHCSR, dhcsrKey))
}

// Halt stops the core and waits for S_HALT.
func (c *CortexM) Halt(ctx context.Context) error {
	if err := c.mem.WriteWord(ctx, regDHCSR, dhcsrKey|dhcsrCDebugEn|dhcsrCHalt); err != nil {
		return errors.Annotatef(err, "failed to set DHCSR")
	}
	deadline := time.Now().Add(time.Second)
	for {
		dhcsr, err := c.mem.ReadWord(ctx, regDHCSR)
		if err != nil {
			return errors.Annotatef(err, "failed to read DHCSR")
		}
		if dhcsr&dhcsrSHalt != 0 {
			return nil
		}
		if time.Now().After(deadline) {
			return errors.Trace(dbgerr.Newf(dbgerr.Timeout, "core did not halt"))
		}
		if err := ctx.Err(); err != nil {
			return errors.Trace(err)
		}
	}
}

// HaltPoll checks whether the core stopped and why.
func (c *CortexM) HaltPoll(ctx context.Context) (target.HaltReason, error) {
	dhcsr, err := c.mem.ReadWord(ctx, regDHCSR)
	if err != nil {
		return target.Running, errors.Annotatef(err, "failed to read DHCSR")
	}
	if dhcsr&dhcsrSHalt == 0 {
		return target.Running, nil
	}
	dfsr, err := c.mem.ReadWord(ctx, regDFSR)
	if err != nil {
		return target.Halted, errors.Annotatef(err, "failed to read DFSR")
	}
	// Clear the cause bits, they are write-one.
	if err := c.mem.WriteWord(ctx, regDFSR, dfsr); err != nil {
		return target.Halted, errors.Trace(err)
	}
	switch {
	case dfsr&dfsrBkpt != 0:
		return target.HaltBreakpoint, nil
	case dfsr&dfsrDWTTrap != 0:
		return target.HaltWatchpoint, nil
	case dfsr&dfsrVCatch != 0:
		return target.HaltFault, nil
	}
	return target.Halted, nil
}

// Resume clears C_HALT; a step sets C_STEP with interrupts masked so
// one instruction retires.
func (c *CortexM) Resume(ctx context.Context, step bool) error {
	v := uint32(dhcsrKey | dhcsrCDebugEn)
	if step {
		v |= dhcsrCStep | dhcsrCMaskInts
		// MASKINTS may only change while halted.
		if err := c.mem.WriteWord(ctx, regDHCSR, v|dhcsrCHalt); err != nil {
			return errors.Trace(err)
		}
	}
	return errors.Annotatef(c.mem.WriteWord(ctx, regDHCSR, v), "failed to resume")
}

func (c *CortexM) waitRegReady(ctx context.Context) error {
	deadline := time.Now().Add(regReadyTimeout)
	for {
		dhcsr, err := c.mem.ReadWord(ctx, regDHCSR)
		if err != nil {
			return errors.Annotatef(err, "failed to read DHCSR")
		}
		if dhcsr&dhcsrSRegRdy != 0 {
			return nil
		}
		if time.Now().After(deadline) {
			return errors.Trace(dbgerr.Newf(dbgerr.Timeout, "register file not ready"))
		}
		if err := ctx.Err(); err != nil {
			return errors.Trace(err)
		}
	}
}

func (c *CortexM) ReadReg(ctx context.Context, reg int) (uint64, error) {
	if err := c.mem.WriteWord(ctx, regDCRSR, uint32(reg)); err != nil {
		return 0, errors.Annotatef(err, "failed to set DCRSR")
	}
	if err := c.waitRegReady(ctx); err != nil {
		return 0, errors.Trace(err)
	}
	v, err := c.mem.ReadWord(ctx, regDCRDR)
	if err != nil {
		return 0, errors.Annotatef(err, "failed to read DCRDR")
	}
	glog.V(4).Infof("reg %d == 0x%08x", reg, v)
	return uint64(v), nil
}

func (c *CortexM) WriteReg(ctx context.Context, reg int, value uint64) error {
	glog.V(4).Infof("reg %d = 0x%08x", reg, uint32(value))
	if err := c.mem.WriteWord(ctx, regDCRDR, uint32(value)); err != nil {
		return errors.Annotatef(err, "failed to set DCRDR")
	}
	if err := c.mem.WriteWord(ctx, regDCRSR, 1<<16|uint32(reg)); err != nil {
		return errors.Annotatef(err, "failed to set DCRSR")
	}
	return errors.Trace(c.waitRegReady(ctx))
}

// Breakpoint sets or clears a hardware breakpoint through the FPB.
func (c *CortexM) Breakpoint(ctx context.Context, addr uint32, set bool) error {
	if !set {
		for i := 0; i < c.numBreak; i++ {
			if c.breakMask&(1<<uint(i)) != 0 && c.breakAddr[i] == addr {
				c.breakMask &^= 1 << uint(i)
				return errors.Trace(c.mem.WriteWord(ctx, regFPComp+uint32(i)*4, 0))
			}
		}
		return errors.Trace(dbgerr.Newf(dbgerr.LogicError, "no breakpoint at 0x%08x", addr))
	}
	for i := 0; i < c.numBreak; i++ {
		if c.breakMask&(1<<uint(i)) != 0 {
			continue
		}
		var comp uint32
		if c.fpbRev1 {
			// Rev 1: comparator matches a word, REPLACE picks the half.
			comp = addr&0x1ffffffc | 0x1
			if addr&0x2 != 0 {
				comp |= 2 << 30
			} else {
				comp |= 1 << 30
			}
		} else {
			comp = addr | 0x1
		}
		if err := c.mem.WriteWord(ctx, regFPComp+uint32(i)*4, comp); err != nil {
			return errors.Trace(err)
		}
		c.breakMask |= 1 << uint(i)
		c.breakAddr[i] = addr
		return nil
	}
	return errors.Trace(dbgerr.Newf(dbgerr.NoResource,
		"all %d breakpoints in use", c.numBreak))
}

// Watchpoint sets or clears a DWT comparator.
func (c *CortexM) Watchpoint(ctx context.Context, addr uint32, length int, kind target.WatchKind, set bool) error {
	if !set {
		for i := 0; i < c.numWatch; i++ {
			if c.watchMask&(1<<uint(i)) != 0 && c.watchAddr[i] == addr {
				c.watchMask &^= 1 << uint(i)
				return errors.Trace(c.mem.WriteWord(ctx, regDWTComp+uint32(i)*16+8, 0))
			}
		}
		return errors.Trace(dbgerr.Newf(dbgerr.LogicError, "no watchpoint at 0x%08x", addr))
	}
	var fn uint32
	switch kind {
	case target.WatchWrite:
		fn = 0x6
	case target.WatchRead:
		fn = 0x5
	case target.WatchAccess:
		fn = 0x7
	}
	var mask uint32
	for 1<<mask < uint32(length) {
		mask++
	}
	for i := 0; i < c.numWatch; i++ {
		if c.watchMask&(1<<uint(i)) != 0 {
			continue
		}
		base := regDWTComp + uint32(i)*16
		if err := c.mem.WriteWord(ctx, base, addr); err != nil {
			return errors.Trace(err)
		}
		if err := c.mem.WriteWord(ctx, base+4, mask); err != nil {
			return errors.Trace(err)
		}
		if err := c.mem.WriteWord(ctx, base+8, fn); err != nil {
			return errors.Trace(err)
		}
		c.watchMask |= 1 << uint(i)
		c.watchAddr[i] = addr
		return nil
	}
	return errors.Trace(dbgerr.Newf(dbgerr.NoResource,
		"all %d watchpoints in use", c.numWatch))
}

// Reset requests a system reset through AIRCR. With VC_CORERESET armed
// the core halts on the first instruction out of reset.
func (c *CortexM) Reset(ctx context.Context) error {
	if err := c.mem.WriteWord(ctx, regAIRCR, aircrKey|aircrSysResetReq); err != nil {
		return errors.Annotatef(err, "failed to request reset")
	}
	deadline := time.Now().Add(time.Second)
	for {
		dhcsr, err := c.mem.ReadWord(ctx, regDHCSR)
		if err == nil && dhcsr&dhcsrSResetSt == 0 {
			return nil
		}
		if time.Now().After(deadline) {
			return errors.Trace(dbgerr.Newf(dbgerr.Timeout, "core stuck in reset"))
		}
		if err := ctx.Err(); err != nil {
			return errors.Trace(err)
		}
	}
}

const stubTimeout = 5 * time.Second

// RunStub loads a Thumb routine into RAM, points r0-r3 at its
// arguments and runs it to its terminating breakpoint. The stub's
// return status is read back from r0; non-zero is an error.
func (c *CortexM) RunStub(ctx context.Context, stub []byte, loadAddr uint32, r0, r1, r2, r3 uint32) error {
	if len(stub)%4 != 0 {
		// Pad to a word so the block write stays aligned.
		stub = append(append([]byte(nil), stub...), 0x00, 0xbf) // 16-bit nop
	}
	if err := c.mem.WriteMem(ctx, loadAddr, stub); err != nil {
		return errors.Annotatef(err, "failed to load stub at 0x%08x", loadAddr)
	}
	args := []struct {
		reg int
		val uint32
	}{
		{0, r0}, {1, r1}, {2, r2}, {3, r3},
		{RegLR, loadAddr | 1}, // return address: the stub's own entry
		{RegXPSR, 0x01000000}, // Thumb bit
		{RegPC, loadAddr | 1},
	}
	for _, a := range args {
		if err := c.WriteReg(ctx, a.reg, uint64(a.val)); err != nil {
			return errors.Annotatef(err, "failed to set stub register %d", a.reg)
		}
	}
	if err := c.Resume(ctx, false); err != nil {
		return errors.Trace(err)
	}
	deadline := time.Now().Add(stubTimeout)
	for {
		reason, err := c.HaltPoll(ctx)
		if err != nil {
			return errors.Trace(err)
		}
		if reason == target.HaltBreakpoint || reason == target.Halted {
			break
		}
		if reason == target.HaltFault {
			return errors.Trace(dbgerr.Newf(dbgerr.BusFault, "stub faulted"))
		}
		if time.Now().After(deadline) {
			if err := c.Halt(ctx); err != nil {
				return errors.Trace(err)
			}
			return errors.Trace(dbgerr.Newf(dbgerr.Timeout, "stub did not complete"))
		}
		if err := ctx.Err(); err != nil {
			return errors.Trace(err)
		}
	}
	status, err := c.ReadReg(ctx, 0)
	if err != nil {
		return errors.Trace(err)
	}
	if status != 0 {
		return errors.Trace(dbgerr.Newf(dbgerr.FlashProgram, "stub returned %d", status))
	}
	return nil
}
