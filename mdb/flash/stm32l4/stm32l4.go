// Package stm32l4 programs the page-oriented FPEC shared by the
// STM32L4/L5/G4/U5/WB/WL families: page-number erase with a bank-select
// bit, an 8-byte programming quantum, and an option-byte protocol with
// an OBL_LAUNCH reload. Register offsets vary per family; each entry of
// the family table carries its own layout. L5/U5 parts additionally
// need the PWR voltage range configured before the FPEC will program.
package stm32l4

import (
	"context"
	"encoding/binary"
	"strconv"
	"time"

	"github.com/cesanta/errors"
	"github.com/golang/glog"

	"github.com/mongoose-os/mdb/common/ourutil"
	"github.com/mongoose-os/mdb/mdb/dbgerr"
	"github.com/mongoose-os/mdb/mdb/target"
)

const (
	key1 = 0x45670123
	key2 = 0xcdef89ab

	optKey1 = 0x08192a3b
	optKey2 = 0x4c5d6e7f

	crPG        = 1 << 0
	crPER       = 1 << 1
	crMER1      = 1 << 2
	crPNBShift  = 3
	crBKER      = 1 << 11
	crMER2      = 1 << 15
	crSTRT      = 1 << 16
	crOPTSTRT   = 1 << 17
	crOBLLaunch = 1 << 27
	crOPTLOCK   = 1 << 30
	crLOCK      = 1 << 31

	srEOP    = 1 << 0
	srBSY    = 1 << 16
	srErrors = 0xc3fa

	idcodeReg = 0xe0042000
	idcodeL5  = 0xe0044000

	flashBase = 0x08000000
	sramBase  = 0x20000000

	writeQuantum = 8
)

const (
	eraseTimeout = time.Second
	writeTimeout = 100 * time.Millisecond
	massTimeout  = 30 * time.Second
)

// regLayout is one family's register offset table from the FPEC base.
type regLayout struct {
	base    uint32
	keyr    uint32
	optkeyr uint32
	sr      uint32
	cr      uint32
	optr    uint32
}

var layoutL4 = regLayout{base: 0x40022000, keyr: 0x08, optkeyr: 0x0c, sr: 0x10, cr: 0x14, optr: 0x20}
var layoutWB = regLayout{base: 0x58004000, keyr: 0x08, optkeyr: 0x0c, sr: 0x10, cr: 0x14, optr: 0x20}
var layoutL5 = regLayout{base: 0x40022000, keyr: 0x08, optkeyr: 0x10, sr: 0x20, cr: 0x28, optr: 0x40}

// pwrSetup readies the part for programming; only the L5/U5 power
// controller needs touching.
type pwrSetup func(ctx context.Context, t *target.Target) error

func pwrSetupL5(ctx context.Context, t *target.Target) error {
	// PWR_CR1.VOS = range 0 so the flash accepts programming.
	const pwrCR1 = 0x40007000
	v, err := t.ReadWord(ctx, pwrCR1)
	if err != nil {
		return errors.Trace(err)
	}
	return errors.Trace(t.WriteWord(ctx, pwrCR1, v&^(0x3<<9)))
}

type device struct {
	name     string
	layout   *regLayout
	idreg    uint32
	pageSize uint32
	sizeKB   uint32
	dualBank bool
	pwr      pwrSetup
}

var devices = map[uint32]device{
	0x415: {"STM32L47x/L48x", &layoutL4, idcodeReg, 0x800, 1024, true, nil},
	0x435: {"STM32L43x", &layoutL4, idcodeReg, 0x800, 256, false, nil},
	0x461: {"STM32L49x/L4Ax", &layoutL4, idcodeReg, 0x800, 1024, true, nil},
	0x462: {"STM32L45x/L46x", &layoutL4, idcodeReg, 0x800, 512, false, nil},
	0x468: {"STM32G43x/G44x", &layoutL4, idcodeReg, 0x800, 128, false, nil},
	0x469: {"STM32G47x/G48x", &layoutL4, idcodeReg, 0x800, 512, true, nil},
	0x495: {"STM32WB55", &layoutWB, idcodeReg, 0x1000, 1024, false, nil},
	0x497: {"STM32WLE5", &layoutWB, idcodeReg, 0x800, 256, false, nil},
	0x472: {"STM32L55x/L56x", &layoutL5, idcodeL5, 0x800, 512, true, pwrSetupL5},
	0x482: {"STM32U575/585", &layoutL5, idcodeL5, 0x2000, 2048, true, pwrSetupL5},
}

type flasher struct {
	t   *target.Target
	lay *regLayout
	// bank2 selects BKER and the MER2 bit for this region.
	bank2 bool
}

func (f *flasher) reg(off uint32) uint32 { return f.lay.base + off }

func (f *flasher) wait(ctx context.Context, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		sr, err := f.t.ReadWord(ctx, f.reg(f.lay.sr))
		if err != nil {
			return errors.Trace(err)
		}
		if sr&srBSY == 0 {
			if sr&srErrors != 0 {
				if werr := f.t.WriteWord(ctx, f.reg(f.lay.sr), sr&(srErrors|srEOP)); werr != nil {
					return errors.Trace(werr)
				}
				return errors.Trace(dbgerr.Newf(dbgerr.FlashProgram,
					"FPEC error (SR 0x%08x)", sr))
			}
			if sr&srEOP != 0 {
				return errors.Trace(f.t.WriteWord(ctx, f.reg(f.lay.sr), srEOP))
			}
			return nil
		}
		if time.Now().After(deadline) {
			return errors.Trace(dbgerr.Newf(dbgerr.Timeout, "FPEC busy"))
		}
		if err := ctx.Err(); err != nil {
			return errors.Trace(err)
		}
	}
}

func (f *flasher) unlock(ctx context.Context) error {
	cr, err := f.t.ReadWord(ctx, f.reg(f.lay.cr))
	if err != nil {
		return errors.Trace(err)
	}
	if cr&crLOCK == 0 {
		return nil
	}
	if err := f.t.WriteWord(ctx, f.reg(f.lay.keyr), key1); err != nil {
		return errors.Trace(err)
	}
	if err := f.t.WriteWord(ctx, f.reg(f.lay.keyr), key2); err != nil {
		return errors.Trace(err)
	}
	cr, err = f.t.ReadWord(ctx, f.reg(f.lay.cr))
	if err != nil {
		return errors.Trace(err)
	}
	if cr&crLOCK != 0 {
		return errors.Trace(dbgerr.Newf(dbgerr.FlashLocked, "FPEC would not unlock"))
	}
	return nil
}

func (f *flasher) Prepare(ctx context.Context, fl *target.Flash, op target.FlashOp) error {
	if p, ok := f.t.Priv.(*priv); ok && p.pwr != nil {
		if err := p.pwr(ctx, f.t); err != nil {
			return errors.Annotatef(err, "power setup failed")
		}
	}
	return errors.Trace(f.unlock(ctx))
}

func (f *flasher) Done(ctx context.Context, fl *target.Flash) error {
	return errors.Trace(f.t.WriteWord(ctx, f.reg(f.lay.cr), crLOCK))
}

func (f *flasher) EraseSector(ctx context.Context, fl *target.Flash, addr uint32) error {
	page := (addr - fl.Start) / fl.BlockSize
	cr := uint32(crPER) | page<<crPNBShift
	if f.bank2 {
		cr |= crBKER
	}
	if err := f.t.WriteWord(ctx, f.reg(f.lay.cr), cr); err != nil {
		return errors.Trace(err)
	}
	if err := f.t.WriteWord(ctx, f.reg(f.lay.cr), cr|crSTRT); err != nil {
		return errors.Trace(err)
	}
	return errors.Trace(f.wait(ctx, eraseTimeout))
}

// Write programs in the 8-byte double-word quantum: two word stores
// back to back, then a BSY wait.
func (f *flasher) Write(ctx context.Context, fl *target.Flash, dst uint32, src []byte) error {
	if err := f.t.WriteWord(ctx, f.reg(f.lay.cr), crPG); err != nil {
		return errors.Trace(err)
	}
	for off := 0; off < len(src); off += writeQuantum {
		a := dst + uint32(off)
		if err := f.t.WriteWord(ctx, a, binary.LittleEndian.Uint32(src[off:])); err != nil {
			return errors.Trace(err)
		}
		if err := f.t.WriteWord(ctx, a+4, binary.LittleEndian.Uint32(src[off+4:])); err != nil {
			return errors.Trace(err)
		}
		if err := f.wait(ctx, writeTimeout); err != nil {
			return errors.Annotatef(err, "programming 0x%08x", a)
		}
	}
	return nil
}

// MassErase erases this region's bank with MER1/MER2.
func (f *flasher) MassErase(ctx context.Context, fl *target.Flash) error {
	mer := uint32(crMER1)
	if f.bank2 {
		mer = crMER2
	}
	if err := f.t.WriteWord(ctx, f.reg(f.lay.cr), mer); err != nil {
		return errors.Trace(err)
	}
	if err := f.t.WriteWord(ctx, f.reg(f.lay.cr), mer|crSTRT); err != nil {
		return errors.Trace(err)
	}
	return errors.Trace(f.wait(ctx, massTimeout))
}

type priv struct {
	lay *regLayout
	pwr pwrSetup
}

// Probe identifies the part and installs one region per bank.
func Probe(ctx context.Context, t *target.Target) (bool, error) {
	for _, idreg := range []uint32{idcodeReg, idcodeL5} {
		idcode, err := t.ReadWord(ctx, idreg)
		if err != nil || idcode == 0 {
			continue
		}
		dev, ok := devices[idcode&0xfff]
		if !ok || dev.idreg != idreg {
			continue
		}
		glog.V(1).Infof("%s (IDCODE 0x%08x)", dev.name, idcode)
		t.Driver = dev.name
		t.PartID = idcode & 0xfff
		t.Priv = &priv{lay: dev.layout, pwr: dev.pwr}
		t.AddRAM(sramBase, 0x20000)

		size := dev.sizeKB * 1024
		if dev.dualBank {
			half := size / 2
			if err := addBank(t, dev.layout, flashBase, half, dev.pageSize, false); err != nil {
				return false, errors.Trace(err)
			}
			if err := addBank(t, dev.layout, flashBase+half, half, dev.pageSize, true); err != nil {
				return false, errors.Trace(err)
			}
		} else {
			if err := addBank(t, dev.layout, flashBase, size, dev.pageSize, false); err != nil {
				return false, errors.Trace(err)
			}
		}
		t.RegisterCommands(commands)
		return true, nil
	}
	return false, nil
}

func addBank(t *target.Target, lay *regLayout, start, length, page uint32, bank2 bool) error {
	return errors.Trace(t.AddFlash(&target.Flash{
		Start:     start,
		Length:    length,
		BlockSize: page,
		WriteSize: 0x100,
		Erased:    0xff,
		Driver:    &flasher{t: t, lay: lay, bank2: bank2},
	}))
}

var commands = []target.Command{
	{Name: "erase_mass", Help: "Erase the entire flash", Handler: func(ctx context.Context, t *target.Target, args []string) error {
		return errors.Trace(t.MassErase(ctx))
	}},
	{Name: "option", Help: "option show | option write VAL: program OPTR", Handler: cmdOption},
}

// cmdOption programs the option register and reloads it with
// OBL_LAUNCH, which resets the part.
func cmdOption(ctx context.Context, t *target.Target, args []string) error {
	p, ok := t.Priv.(*priv)
	if !ok {
		return errors.Trace(dbgerr.Newf(dbgerr.LogicError, "no driver state"))
	}
	f := &flasher{t: t, lay: p.lay}
	optr := f.reg(p.lay.optr)
	if len(args) == 1 && args[0] == "show" {
		v, err := t.ReadWord(ctx, optr)
		if err != nil {
			return errors.Trace(err)
		}
		ourutil.Reportf("OPTR: 0x%08x", v)
		return nil
	}
	if len(args) != 2 || args[0] != "write" {
		return errors.Errorf("usage: option show | option write VAL")
	}
	val, err := strconv.ParseUint(args[1], 0, 32)
	if err != nil {
		return errors.Annotatef(err, "bad value %q", args[1])
	}
	if err := f.unlock(ctx); err != nil {
		return errors.Trace(err)
	}
	if err := t.WriteWord(ctx, f.reg(p.lay.optkeyr), optKey1); err != nil {
		return errors.Trace(err)
	}
	if err := t.WriteWord(ctx, f.reg(p.lay.optkeyr), optKey2); err != nil {
		return errors.Trace(err)
	}
	if err := t.WriteWord(ctx, optr, uint32(val)); err != nil {
		return errors.Trace(err)
	}
	if err := t.WriteWord(ctx, f.reg(p.lay.cr), crOPTSTRT); err != nil {
		return errors.Trace(err)
	}
	if err := f.wait(ctx, eraseTimeout); err != nil {
		return errors.Trace(err)
	}
	// Reload the option bytes; this resets the core.
	return errors.Trace(t.WriteWord(ctx, f.reg(p.lay.cr), crOBLLaunch))
}
