// Package stm32h7 programs the H7 (and H5) FPEC: one controller per
// bank, a wide programming quantum written as back-to-back words, QW/EOP
// completion with explicit error-bit masking, a force-write bit to push
// out a short tail, and an on-controller CRC engine. The watchdogs are
// frozen through DBGMCU before long operations.
package stm32h7

import (
	"context"
	"encoding/binary"
	"time"

	"github.com/cesanta/errors"
	"github.com/golang/glog"

	"github.com/mongoose-os/mdb/common/ourutil"
	"github.com/mongoose-os/mdb/mdb/dbgerr"
	"github.com/mongoose-os/mdb/mdb/target"
)

const (
	fpecBase    = 0x52002000
	bank2Offset = 0x100

	regKEYR  = 0x04
	regCR    = 0x0c
	regSR    = 0x10
	regCCR   = 0x14
	regCRCCR = 0x50
	regCRCDR = 0x5c

	key1 = 0x45670123
	key2 = 0xcdef89ab

	crLOCK    = 1 << 0
	crPG      = 1 << 1
	crSER     = 1 << 2
	crBER     = 1 << 3
	crPSizeSh = 4
	crFW      = 1 << 6
	crSTART   = 1 << 7
	crSNBSh   = 8
	crCRCEn   = 1 << 15

	srBSY    = 1 << 0
	srWBNE   = 1 << 1
	srQW     = 1 << 2
	srCRCBSY = 1 << 3
	srEOP    = 1 << 16
	srErrors = 0x07fe0000 &^ srEOP // WRPERR..DBECCERR
	srCRCEnd = 1 << 27

	dbgmcuBase    = 0x5c001000
	dbgmcuAPB4FZ1 = dbgmcuBase + 0x54
	// IWDG1 freeze while halted.
	apb4fzIWDG1 = 1 << 18

	idcodeReg = 0x5c001000 // DBGMCU_IDC

	flashBase  = 0x08000000
	sectorSize = 0x20000
	bankSize   = 0x100000

	// 128-bit flash words.
	writeQuantum = 16

	sramBase = 0x24000000
)

const (
	eraseTimeout = 4 * time.Second
	writeTimeout = 200 * time.Millisecond
	massTimeout  = 60 * time.Second
)

type device struct {
	name   string
	sizeKB uint32
}

var devices = map[uint32]device{
	0x450: {"STM32H742/43/53/50", 2048},
	0x480: {"STM32H7A3/B3/B0", 2048},
	0x483: {"STM32H723/25/30/33/35", 1024},
	0x484: {"STM32H562/63/73", 2048}, // H5, 128-bit quantum
}

// priv carries the one programming width shared by every region of the
// part; the psize monitor command sets it for all of them uniformly.
type priv struct {
	psize uint32 // CR.PSIZE encoding
}

func getPriv(t *target.Target) *priv {
	if p, ok := t.Priv.(*priv); ok {
		return p
	}
	p := &priv{psize: 3} // x64 default
	t.Priv = p
	return p
}

type flasher struct {
	t    *target.Target
	bank uint32 // register offset of this bank's FPEC
}

func (f *flasher) reg(off uint32) uint32 { return fpecBase + f.bank + off }

func (f *flasher) wait(ctx context.Context, mask uint32, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		sr, err := f.t.ReadWord(ctx, f.reg(regSR))
		if err != nil {
			return errors.Trace(err)
		}
		if sr&mask == 0 {
			if sr&srErrors != 0 {
				if werr := f.t.WriteWord(ctx, f.reg(regCCR), sr&(srErrors|srEOP)); werr != nil {
					return errors.Trace(werr)
				}
				return errors.Trace(dbgerr.Newf(dbgerr.FlashProgram,
					"FPEC error (SR 0x%08x)", sr))
			}
			if sr&srEOP != 0 {
				return errors.Trace(f.t.WriteWord(ctx, f.reg(regCCR), srEOP))
			}
			return nil
		}
		if time.Now().After(deadline) {
			return errors.Trace(dbgerr.Newf(dbgerr.Timeout,
				"FPEC busy (SR 0x%08x)", sr))
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
	return errors.Trace(f.t.WriteWord(ctx, f.reg(regKEYR), key2))
}

func (f *flasher) Prepare(ctx context.Context, fl *target.Flash, op target.FlashOp) error {
	// Halted cores with live watchdogs brick long erases; freeze them.
	if err := f.t.WriteWord(ctx, dbgmcuAPB4FZ1, apb4fzIWDG1); err != nil {
		glog.V(2).Infof("could not freeze IWDG: %v", err)
	}
	return errors.Trace(f.unlock(ctx))
}

func (f *flasher) Done(ctx context.Context, fl *target.Flash) error {
	return errors.Trace(f.t.WriteWord(ctx, f.reg(regCR), crLOCK))
}

func (f *flasher) EraseSector(ctx context.Context, fl *target.Flash, addr uint32) error {
	snb := (addr - fl.Start) / fl.BlockSize
	cr := uint32(crSER) | snb<<crSNBSh | getPriv(f.t).psize<<crPSizeSh
	if err := f.t.WriteWord(ctx, f.reg(regCR), cr); err != nil {
		return errors.Trace(err)
	}
	if err := f.t.WriteWord(ctx, f.reg(regCR), cr|crSTART); err != nil {
		return errors.Trace(err)
	}
	return errors.Trace(f.wait(ctx, srQW|srBSY, eraseTimeout))
}

func (f *flasher) Write(ctx context.Context, fl *target.Flash, dst uint32, src []byte) error {
	if err := f.t.WriteWord(ctx, f.reg(regCR), crPG|getPriv(f.t).psize<<crPSizeSh); err != nil {
		return errors.Trace(err)
	}
	off := 0
	for ; off+writeQuantum <= len(src); off += writeQuantum {
		a := dst + uint32(off)
		for w := 0; w < writeQuantum; w += 4 {
			if err := f.t.WriteWord(ctx, a+uint32(w), binary.LittleEndian.Uint32(src[off+w:])); err != nil {
				return errors.Trace(err)
			}
		}
		if err := f.wait(ctx, srQW|srBSY, writeTimeout); err != nil {
			return errors.Annotatef(err, "programming 0x%08x", a)
		}
	}
	if off < len(src) {
		// Short tail: write what remains and force the word out.
		a := dst + uint32(off)
		for w := off; w < len(src); w += 4 {
			if err := f.t.WriteWord(ctx, dst+uint32(w), binary.LittleEndian.Uint32(src[w:])); err != nil {
				return errors.Trace(err)
			}
		}
		cr := uint32(crPG|crFW) | getPriv(f.t).psize<<crPSizeSh
		if err := f.t.WriteWord(ctx, f.reg(regCR), cr); err != nil {
			return errors.Trace(err)
		}
		if err := f.wait(ctx, srQW|srBSY|srWBNE, writeTimeout); err != nil {
			return errors.Annotatef(err, "force-writing 0x%08x", a)
		}
	}
	return nil
}

// MassErase erases this bank with BER.
func (f *flasher) MassErase(ctx context.Context, fl *target.Flash) error {
	cr := uint32(crBER) | getPriv(f.t).psize<<crPSizeSh
	if err := f.t.WriteWord(ctx, f.reg(regCR), cr); err != nil {
		return errors.Trace(err)
	}
	if err := f.t.WriteWord(ctx, f.reg(regCR), cr|crSTART); err != nil {
		return errors.Trace(err)
	}
	return errors.Trace(f.wait(ctx, srQW|srBSY, massTimeout))
}

// CRC runs the controller's CRC over one sector range of this bank.
func (f *flasher) crc(ctx context.Context, first, last uint32) (uint32, error) {
	if err := f.t.WriteWord(ctx, f.reg(regCR), crCRCEn); err != nil {
		return 0, errors.Trace(err)
	}
	// CRCCR: by-sector mode, start/end sector, clean burst.
	crccr := first<<0 | last<<8 | 1<<16 | 1<<17
	if err := f.t.WriteWord(ctx, f.reg(regCRCCR), crccr); err != nil {
		return 0, errors.Trace(err)
	}
	if err := f.wait(ctx, srCRCBSY, massTimeout); err != nil {
		return 0, errors.Trace(err)
	}
	return f.t.ReadWord(ctx, f.reg(regCRCDR))
}

// Probe identifies H7-class parts by DBGMCU_IDC and installs one region
// per bank.
func Probe(ctx context.Context, t *target.Target) (bool, error) {
	idcode, err := t.ReadWord(ctx, idcodeReg)
	if err != nil {
		return false, nil
	}
	dev, ok := devices[idcode&0xfff]
	if !ok {
		return false, nil
	}
	glog.V(1).Infof("%s (IDC 0x%08x)", dev.name, idcode)
	t.Driver = dev.name
	t.PartID = idcode & 0xfff
	getPriv(t)
	t.AddRAM(sramBase, 0x80000)

	size := dev.sizeKB * 1024
	for bank := uint32(0); bank*bankSize < size; bank++ {
		if err := t.AddFlash(&target.Flash{
			Start:     flashBase + bank*bankSize,
			Length:    bankSize,
			BlockSize: sectorSize,
			WriteSize: 0x400,
			Erased:    0xff,
			Driver:    &flasher{t: t, bank: bank * bank2Offset},
		}); err != nil {
			return false, errors.Trace(err)
		}
		if size-bank*bankSize < bankSize {
			break
		}
	}
	t.RegisterCommands(commands)
	return true, nil
}

var commands = []target.Command{
	{Name: "erase_mass", Help: "Erase the entire flash", Handler: func(ctx context.Context, t *target.Target, args []string) error {
		return errors.Trace(t.MassErase(ctx))
	}},
	{Name: "psize", Help: "psize {x8|x16|x32|x64}: set programming parallelism", Handler: cmdPSize},
	{Name: "crc", Help: "CRC32 each flash bank via FLASH_CRCCR", Handler: cmdCRC},
	{Name: "revision", Help: "Print die revision", Handler: cmdRevision},
}

// cmdPSize applies one width to every region of the part.
func cmdPSize(ctx context.Context, t *target.Target, args []string) error {
	p := getPriv(t)
	if len(args) == 0 {
		ourutil.Reportf("psize: x%d", 8<<p.psize)
		return nil
	}
	widths := map[string]uint32{"x8": 0, "x16": 1, "x32": 2, "x64": 3}
	v, ok := widths[args[0]]
	if !ok {
		return errors.Errorf("usage: psize {x8|x16|x32|x64}")
	}
	p.psize = v
	return nil
}

func cmdCRC(ctx context.Context, t *target.Target, args []string) error {
	for i, fl := range t.FlashRegions() {
		f, ok := fl.Driver.(*flasher)
		if !ok {
			continue
		}
		sectors := fl.Length/fl.BlockSize - 1
		crc, err := f.crc(ctx, 0, sectors)
		if err != nil {
			return errors.Annotatef(err, "bank %d", i+1)
		}
		ourutil.Reportf("bank %d CRC: 0x%08x", i+1, crc)
	}
	return nil
}

func cmdRevision(ctx context.Context, t *target.Target, args []string) error {
	idcode, err := t.ReadWord(ctx, idcodeReg)
	if err != nil {
		return errors.Trace(err)
	}
	ourutil.Reportf("Device 0x%03x, revision 0x%04x", idcode&0xfff, idcode>>16)
	return nil
}
