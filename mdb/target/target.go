// Package target models one debug-visible core and everything hanging
// off it: the memory map, the Flash-programming engine, the monitor
// command table and the vendor probe registry. Vendor drivers populate a
// Target during probe; the front-end only ever talks to this package.
package target

import (
	"context"
	"fmt"
	"sort"

	"github.com/cesanta/errors"
	"github.com/golang/glog"

	"github.com/mongoose-os/mdb/mdb/adiv5"
	"github.com/mongoose-os/mdb/mdb/dbgerr"
)

// CoreKind tags the CPU behind the target.
type CoreKind int

const (
	CoreUnknown CoreKind = iota
	CortexM0
	CortexM0Plus
	CortexM3
	CortexM4
	CortexM7
	CortexM23
	CortexM33
	CortexA5
	CortexA7
	CortexA8
	CortexA9
	RV32
	RV64
)

func (k CoreKind) String() string {
	switch k {
	case CortexM0:
		return "Cortex-M0"
	case CortexM0Plus:
		return "Cortex-M0+"
	case CortexM3:
		return "Cortex-M3"
	case CortexM4:
		return "Cortex-M4"
	case CortexM7:
		return "Cortex-M7"
	case CortexM23:
		return "Cortex-M23"
	case CortexM33:
		return "Cortex-M33"
	case CortexA5:
		return "Cortex-A5"
	case CortexA7:
		return "Cortex-A7"
	case CortexA8:
		return "Cortex-A8"
	case CortexA9:
		return "Cortex-A9"
	case RV32:
		return "RISC-V rv32"
	case RV64:
		return "RISC-V rv64"
	}
	return "unknown"
}

// Mem is byte-accurate access to the target's memory space. The scan
// layer adapts a MEM-AP into this; tests substitute fakes.
type Mem interface {
	ReadWord(ctx context.Context, addr uint32) (uint32, error)
	WriteWord(ctx context.Context, addr uint32, value uint32) error
	// WriteHalf is a single 16-bit store; several Flash controllers
	// program exclusively through halfword cycles.
	WriteHalf(ctx context.Context, addr uint32, value uint16) error
	ReadMem(ctx context.Context, data []byte, addr uint32) error
	WriteMem(ctx context.Context, addr uint32, data []byte) error
}

// HaltReason reports why (or whether) the core is stopped.
type HaltReason int

const (
	Running HaltReason = iota
	Halted
	HaltBreakpoint
	HaltWatchpoint
	HaltFault
)

// WatchKind selects what accesses a watchpoint fires on.
type WatchKind int

const (
	WatchWrite WatchKind = iota
	WatchRead
	WatchAccess
)

// Core is the CPU-architecture half of a target: halt/resume, register
// file, hardware break/watchpoints. Implemented by the cortexm, cortexa
// and riscv packages.
type Core interface {
	Attach(ctx context.Context) error
	Detach(ctx context.Context) error
	Halt(ctx context.Context) error
	HaltPoll(ctx context.Context) (HaltReason, error)
	Resume(ctx context.Context, step bool) error
	ReadReg(ctx context.Context, reg int) (uint64, error)
	WriteReg(ctx context.Context, reg int, value uint64) error
	Breakpoint(ctx context.Context, addr uint32, set bool) error
	Watchpoint(ctx context.Context, addr uint32, length int, kind WatchKind, set bool) error
	Reset(ctx context.Context) error
}

// StubRunner is implemented by cores that can execute a RAM-resident
// routine and report its status; Flash drivers type-assert for it.
type StubRunner interface {
	RunStub(ctx context.Context, stub []byte, loadAddr uint32, r0, r1, r2, r3 uint32) error
}

// Flags adjusts target-wide behavior quirks.
type Flags uint32

const (
	// FlagInhibitNRST: the part wedges if nRST is pulsed while attached.
	FlagInhibitNRST Flags = 1 << iota
	// FlagOnly32BitWrites: the AHB slave faults on sub-word accesses.
	FlagOnly32BitWrites
	// FlagUnsafeEnabled: destructive monitor commands are allowed.
	FlagUnsafeEnabled
)

// RAM is a plain memory region.
type RAM struct {
	Start  uint32
	Length uint32
}

// Target is one core on one part, with its memory map and driver hooks.
type Target struct {
	Driver string
	PartID uint32
	CPUID  uint32
	Kind   CoreKind
	Flags  Flags

	Core Core
	Mem  Mem
	AP   *adiv5.AP

	// Priv holds driver-private state; drivers downcast with a checked
	// type assertion, never blindly.
	Priv interface{}

	// Optional per-driver overrides of the generic behavior.
	ResetHook         func(ctx context.Context, t *Target) error
	ExtendedResetHook func(ctx context.Context, t *Target) error
	AttachHook        func(ctx context.Context, t *Target) error
	DetachHook        func(ctx context.Context, t *Target) error
	MassEraseHook     func(ctx context.Context, t *Target) error

	// ProgressFunc, when set, is called during long flash operations.
	ProgressFunc func(done, total int)

	ram      []*RAM
	flash    []*Flash
	commands []Command

	attached bool
}

func New() *Target {
	return &Target{}
}

func (t *Target) String() string {
	return fmt.Sprintf("%s (%s)", t.Driver, t.Kind)
}

// AddRAM records a RAM region; regions are kept sorted by start address.
func (t *Target) AddRAM(start, length uint32) {
	t.ram = append(t.ram, &RAM{Start: start, Length: length})
	sort.Slice(t.ram, func(i, j int) bool { return t.ram[i].Start < t.ram[j].Start })
}

// AddFlash records a Flash region after validating its geometry.
func (t *Target) AddFlash(f *Flash) error {
	if f.WriteSize == 0 || f.BlockSize == 0 ||
		f.BlockSize%f.WriteSize != 0 || f.Length%f.BlockSize != 0 {
		return errors.Trace(dbgerr.Newf(dbgerr.LogicError,
			"bad flash geometry at 0x%08x: length 0x%x block 0x%x write 0x%x",
			f.Start, f.Length, f.BlockSize, f.WriteSize))
	}
	f.Target = t
	t.flash = append(t.flash, f)
	sort.Slice(t.flash, func(i, j int) bool { return t.flash[i].Start < t.flash[j].Start })
	return nil
}

// RAMRegions and FlashRegions expose the memory map read-only.
func (t *Target) RAMRegions() []*RAM { return t.ram }
func (t *Target) FlashRegions() []*Flash { return t.flash }

// FirstRAM returns the lowest RAM region, the usual home for stubs.
func (t *Target) FirstRAM() *RAM {
	if len(t.ram) == 0 {
		return nil
	}
	return t.ram[0]
}

// Attach halts the core and claims the debug resources.
func (t *Target) Attach(ctx context.Context) error {
	if t.attached {
		return nil
	}
	if t.AttachHook != nil {
		if err := t.AttachHook(ctx, t); err != nil {
			return errors.Trace(err)
		}
	} else if t.Core != nil {
		if err := t.Core.Attach(ctx); err != nil {
			return errors.Trace(err)
		}
	}
	t.attached = true
	glog.V(1).Infof("attached to %s", t)
	return nil
}

// Detach releases the core, restoring the user's context.
func (t *Target) Detach(ctx context.Context) error {
	if !t.attached {
		return nil
	}
	t.attached = false
	if t.DetachHook != nil {
		return errors.Trace(t.DetachHook(ctx, t))
	}
	if t.Core != nil {
		return errors.Trace(t.Core.Detach(ctx))
	}
	return nil
}

// Reset resets the part, preferring the driver's custom sequence.
func (t *Target) Reset(ctx context.Context) error {
	if t.ResetHook != nil {
		return errors.Trace(t.ResetHook(ctx, t))
	}
	if t.Core != nil {
		return errors.Trace(t.Core.Reset(ctx))
	}
	return errors.Trace(dbgerr.Newf(dbgerr.LogicError, "target has no reset path"))
}

// ExtendedReset runs the driver's heavy-handed recovery sequence where
// one exists (e.g. through a DSU or CTRL-AP), else a plain reset.
func (t *Target) ExtendedReset(ctx context.Context) error {
	if t.ExtendedResetHook != nil {
		return errors.Trace(t.ExtendedResetHook(ctx, t))
	}
	return errors.Trace(t.Reset(ctx))
}

// Core-facing contract, delegated so the front-end never touches the
// Core interface directly.

func (t *Target) Halt(ctx context.Context) error {
	return errors.Trace(t.Core.Halt(ctx))
}

func (t *Target) HaltPoll(ctx context.Context) (HaltReason, error) {
	return t.Core.HaltPoll(ctx)
}

func (t *Target) HaltResume(ctx context.Context, step bool) error {
	return errors.Trace(t.Core.Resume(ctx, step))
}

func (t *Target) RegRead(ctx context.Context, reg int) (uint64, error) {
	return t.Core.ReadReg(ctx, reg)
}

func (t *Target) RegWrite(ctx context.Context, reg int, value uint64) error {
	return errors.Trace(t.Core.WriteReg(ctx, reg, value))
}

func (t *Target) BreakpointSet(ctx context.Context, addr uint32) error {
	return errors.Trace(t.Core.Breakpoint(ctx, addr, true))
}

func (t *Target) BreakpointClear(ctx context.Context, addr uint32) error {
	return errors.Trace(t.Core.Breakpoint(ctx, addr, false))
}

func (t *Target) WatchpointSet(ctx context.Context, addr uint32, length int, kind WatchKind) error {
	return errors.Trace(t.Core.Watchpoint(ctx, addr, length, kind, true))
}

func (t *Target) WatchpointClear(ctx context.Context, addr uint32, length int, kind WatchKind) error {
	return errors.Trace(t.Core.Watchpoint(ctx, addr, length, kind, false))
}

// Memory accessors; drivers and the front-end go through these so the
// per-target quirks apply in one place.

func (t *Target) ReadWord(ctx context.Context, addr uint32) (uint32, error) {
	return t.Mem.ReadWord(ctx, addr)
}

func (t *Target) WriteWord(ctx context.Context, addr uint32, value uint32) error {
	return t.Mem.WriteWord(ctx, addr, value)
}

func (t *Target) WriteHalf(ctx context.Context, addr uint32, value uint16) error {
	return t.Mem.WriteHalf(ctx, addr, value)
}

func (t *Target) ReadMem(ctx context.Context, data []byte, addr uint32) error {
	return t.Mem.ReadMem(ctx, data, addr)
}

func (t *Target) WriteMem(ctx context.Context, addr uint32, data []byte) error {
	if t.Flags&FlagOnly32BitWrites != 0 && (addr%4 != 0 || len(data)%4 != 0) {
		return errors.Trace(dbgerr.Newf(dbgerr.LogicError,
			"target only supports word writes; 0x%x+%d is unaligned", addr, len(data)))
	}
	return t.Mem.WriteMem(ctx, addr, data)
}

func (t *Target) progress(done, total int) {
	if t.ProgressFunc != nil {
		t.ProgressFunc(done, total)
	}
}
