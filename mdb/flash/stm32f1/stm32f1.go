// Package stm32f1 programs the classic ST FPEC found on STM32F0/F1/F3
// parts and their GD32/AT32/MM32/CH32 clones: key-unlocked CR with
// PG/PER/MER, per-operation STRT, BSY polling in SR. XL-density parts
// carry a second FPEC bank mirrored at +0x40.
package stm32f1

import (
	"context"
	"encoding/binary"
	"time"

	"github.com/cesanta/errors"
	"github.com/golang/glog"

	"github.com/mongoose-os/mdb/mdb/dbgerr"
	"github.com/mongoose-os/mdb/mdb/target"
)

const (
	fpecBase = 0x40022000

	regACR     = fpecBase + 0x00
	regKEYR    = fpecBase + 0x04
	regOPTKEYR = fpecBase + 0x08
	regSR      = fpecBase + 0x0c
	regCR      = fpecBase + 0x10
	regAR      = fpecBase + 0x14
	regOBR     = fpecBase + 0x1c

	// The second bank of XL-density parts mirrors KEYR/SR/CR/AR here.
	bank2Offset = 0x40

	key1 = 0x45670123
	key2 = 0xcdef89ab

	crPG    = 1 << 0
	crPER   = 1 << 1
	crMER   = 1 << 2
	crOPTPG = 1 << 4
	crOPTER = 1 << 5
	crSTRT  = 1 << 6
	crLOCK  = 1 << 7

	srBSY      = 1 << 0
	srPGERR    = 1 << 2
	srWRPRTERR = 1 << 4
	srEOP      = 1 << 5

	idcodeF1     = 0xe0042000
	idcodeF0     = 0x40015800
	flashSizeReg = 0x1ffff7e0
	uidBase      = 0x1ffff7e8

	optionBase = 0x1ffff800

	flashBase = 0x08000000
	sramBase  = 0x20000000
)

const (
	eraseTimeout = time.Second
	writeTimeout = 100 * time.Millisecond
	massTimeout  = 10 * time.Second
)

type device struct {
	name     string
	pageSize uint32
	sizeKB   uint32 // fallback when the size register reads blank
	dualBank bool
	f0       bool
}

var devices = map[uint32]device{
	0x410: {"STM32F103 medium density", 0x400, 128, false, false},
	0x412: {"STM32F103 low density", 0x400, 32, false, false},
	0x414: {"STM32F103 high density", 0x800, 512, false, false},
	0x418: {"STM32F105/107", 0x800, 256, false, false},
	0x430: {"STM32F103xL XL density", 0x800, 1024, true, false},
	0x422: {"STM32F30x", 0x800, 256, false, false},
	0x432: {"STM32F37x", 0x800, 256, false, false},
	0x438: {"STM32F303x6/8", 0x800, 64, false, false},
	0x440: {"STM32F05x", 0x400, 64, false, true},
	0x444: {"STM32F03x", 0x400, 32, false, true},
	0x445: {"STM32F04x", 0x400, 32, false, true},
	0x448: {"STM32F07x", 0x800, 128, false, true},
}

// XL-density: the first 512 KiB belong to bank 1.
const bank1SizeXL = 512 * 1024

// flasher drives one FPEC bank; bank is the register mirror offset,
// 0 or bank2Offset.
type flasher struct {
	t    *target.Target
	bank uint32
}

func (f *flasher) reg(r uint32) uint32 { return r + f.bank }

func (f *flasher) wait(ctx context.Context, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		sr, err := f.t.ReadWord(ctx, f.reg(regSR))
		if err != nil {
			return errors.Trace(err)
		}
		if sr&srBSY == 0 {
			if sr&(srPGERR|srWRPRTERR) != 0 {
				// Write-one to clear, then report.
				if werr := f.t.WriteWord(ctx, f.reg(regSR), sr); werr != nil {
					return errors.Trace(werr)
				}
				if sr&srWRPRTERR != 0 {
					return errors.Trace(dbgerr.Newf(dbgerr.FlashLocked,
						"write-protected (SR 0x%08x)", sr))
				}
				return errors.Trace(dbgerr.Newf(dbgerr.FlashProgram,
					"FPEC error (SR 0x%08x)", sr))
			}
			if sr&srEOP != 0 {
				return errors.Trace(f.t.WriteWord(ctx, f.reg(regSR), srEOP))
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
	cr, err := f.t.ReadWord(ctx, f.reg(regCR))
	if err != nil {
		return errors.Trace(err)
	}
	if cr&crLOCK == 0 {
		return nil
	}
	if err := f.t.WriteWord(ctx, f.reg(regKEYR), key1); err != nil {
		return errors.Trace(err)
	}
	if err := f.t.WriteWord(ctx, f.reg(regKEYR), key2); err != nil {
		return errors.Trace(err)
	}
	cr, err = f.t.ReadWord(ctx, f.reg(regCR))
	if err != nil {
		return errors.Trace(err)
	}
	if cr&crLOCK != 0 {
		return errors.Trace(dbgerr.Newf(dbgerr.FlashLocked, "FPEC would not unlock"))
	}
	return nil
}

func (f *flasher) Prepare(ctx context.Context, fl *target.Flash, op target.FlashOp) error {
	return errors.Trace(f.unlock(ctx))
}

func (f *flasher) Done(ctx context.Context, fl *target.Flash) error {
	return errors.Trace(f.t.WriteWord(ctx, f.reg(regCR), crLOCK))
}

func (f *flasher) EraseSector(ctx context.Context, fl *target.Flash, addr uint32) error {
	if err := f.t.WriteWord(ctx, f.reg(regCR), crPER); err != nil {
		return errors.Trace(err)
	}
	if err := f.t.WriteWord(ctx, f.reg(regAR), addr); err != nil {
		return errors.Trace(err)
	}
	if err := f.t.WriteWord(ctx, f.reg(regCR), crPER|crSTRT); err != nil {
		return errors.Trace(err)
	}
	return errors.Trace(f.wait(ctx, eraseTimeout))
}

func (f *flasher) Write(ctx context.Context, fl *target.Flash, dst uint32, src []byte) error {
	if err := f.t.WriteWord(ctx, f.reg(regCR), crPG); err != nil {
		return errors.Trace(err)
	}
	for off := 0; off < len(src); off += 2 {
		hw := binary.LittleEndian.Uint16(src[off:])
		if err := f.t.WriteHalf(ctx, dst+uint32(off), hw); err != nil {
			return errors.Trace(err)
		}
		if err := f.wait(ctx, writeTimeout); err != nil {
			return errors.Annotatef(err, "programming 0x%08x", dst+uint32(off))
		}
	}
	return nil
}

// MassErase wipes this bank with MER.
func (f *flasher) MassErase(ctx context.Context, fl *target.Flash) error {
	return errors.Trace(f.massErase(ctx))
}

func (f *flasher) massEraseStart(ctx context.Context) error {
	if err := f.unlock(ctx); err != nil {
		return errors.Trace(err)
	}
	if err := f.t.WriteWord(ctx, f.reg(regCR), crMER); err != nil {
		return errors.Trace(err)
	}
	return errors.Trace(f.t.WriteWord(ctx, f.reg(regCR), crMER|crSTRT))
}

func (f *flasher) massErase(ctx context.Context) error {
	if err := f.massEraseStart(ctx); err != nil {
		return errors.Trace(err)
	}
	return errors.Trace(f.wait(ctx, massTimeout))
}

func readFlashSize(ctx context.Context, t *target.Target, dev device) uint32 {
	w, err := t.ReadWord(ctx, flashSizeReg&^3)
	if err == nil {
		kb := uint32(uint16(w)) // low halfword of the size register
		if kb != 0 && kb != 0xffff {
			return kb * 1024
		}
	}
	return dev.sizeKB * 1024
}

// Probe identifies F0/F1/F3-class parts by DBGMCU IDCODE and installs
// the memory map.
func Probe(ctx context.Context, t *target.Target) (bool, error) {
	idcode, err := t.ReadWord(ctx, idcodeF1)
	if err != nil || idcode == 0 {
		// F0 parts moved the register.
		if idcode, err = t.ReadWord(ctx, idcodeF0); err != nil {
			return false, nil
		}
	}
	dev, ok := devices[idcode&0xfff]
	if !ok {
		return false, nil
	}
	glog.V(1).Infof("%s (IDCODE 0x%08x)", dev.name, idcode)
	t.Driver = dev.name
	t.PartID = idcode & 0xfff

	size := readFlashSize(ctx, t, dev)
	t.AddRAM(sramBase, 0x10000)
	if dev.dualBank && size > bank1SizeXL {
		if err := addBank(t, flashBase, bank1SizeXL, dev.pageSize, 0); err != nil {
			return false, errors.Trace(err)
		}
		if err := addBank(t, flashBase+bank1SizeXL, size-bank1SizeXL, dev.pageSize, bank2Offset); err != nil {
			return false, errors.Trace(err)
		}
		t.MassEraseHook = massEraseBoth
	} else {
		if err := addBank(t, flashBase, size, dev.pageSize, 0); err != nil {
			return false, errors.Trace(err)
		}
	}
	t.RegisterCommands(commands)
	return true, nil
}

func addBank(t *target.Target, start, length, page, bank uint32) error {
	return errors.Trace(t.AddFlash(&target.Flash{
		Start:     start,
		Length:    length,
		BlockSize: page,
		WriteSize: 0x400,
		Erased:    0xff,
		Driver:    &flasher{t: t, bank: bank},
	}))
}

// massEraseBoth starts MER on both banks and then waits on both, so the
// banks erase in parallel.
func massEraseBoth(ctx context.Context, t *target.Target) error {
	banks := []*flasher{{t: t, bank: 0}, {t: t, bank: bank2Offset}}
	for _, b := range banks {
		if err := b.massEraseStart(ctx); err != nil {
			return errors.Trace(err)
		}
	}
	var ferr error
	for _, b := range banks {
		if err := b.wait(ctx, massTimeout); err != nil && ferr == nil {
			ferr = errors.Trace(err)
		}
	}
	for _, b := range banks {
		if err := b.t.WriteWord(ctx, b.reg(regCR), crLOCK); err != nil && ferr == nil {
			ferr = errors.Trace(err)
		}
	}
	return ferr
}
