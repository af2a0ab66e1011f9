// Package stm32f4 programs the STM32F4/F7 FPEC: sector-number-indexed
// erase with mixed sector sizes, selectable programming parallelism and
// a RAM stub for bulk writes. Dual-bank 1 MiB F42x/F46x variants gate
// the split on OPTCR.DB1M.
package stm32f4

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
	fpecBase = 0x40023c00

	regKEYR    = fpecBase + 0x04
	regOPTKEYR = fpecBase + 0x08
	regSR      = fpecBase + 0x0c
	regCR      = fpecBase + 0x10
	regOPTCR   = fpecBase + 0x14

	key1 = 0x45670123
	key2 = 0xcdef89ab

	crPG      = 1 << 0
	crSER     = 1 << 1
	crMER     = 1 << 2
	crSNBSh   = 3
	crPSizeSh = 8
	crSTRT    = 1 << 16
	crMER1    = 1 << 15
	crLOCK    = 1 << 31

	srBSY    = 1 << 16
	srErrors = 0xf2

	optcrDB1M = 1 << 30

	idcodeReg = 0xe0042000

	flashBase = 0x08000000
	sramBase  = 0x20000000
)

const (
	eraseTimeout = 4 * time.Second
	writeTimeout = 100 * time.Millisecond
	massTimeout  = 30 * time.Second
)

// PSize is the programming parallelism, as CR.PSIZE.
type PSize uint32

const (
	PSizeX8  PSize = 0
	PSizeX16 PSize = 1
	PSizeX32 PSize = 2
	PSizeX64 PSize = 3
)

type device struct {
	name    string
	sizeKB  uint32
	dualCap bool // 1 MiB parts that can split into two banks
	f7      bool
}

var devices = map[uint32]device{
	0x413: {"STM32F405/407", 1024, false, false},
	0x419: {"STM32F42x/43x", 2048, true, false},
	0x421: {"STM32F446", 512, false, false},
	0x423: {"STM32F401B/C", 256, false, false},
	0x431: {"STM32F411", 512, false, false},
	0x434: {"STM32F469", 2048, true, false},
	0x449: {"STM32F74x/75x", 1024, false, true},
	0x451: {"STM32F76x/77x", 2048, false, true},
}

// priv is the driver state shared by this target's regions.
type priv struct {
	psize PSize
}

func getPriv(t *target.Target) *priv {
	if p, ok := t.Priv.(*priv); ok {
		return p
	}
	p := &priv{psize: PSizeX32}
	t.Priv = p
	return p
}

// flasher covers one run of equally-sized sectors. sectorBase is the
// SNB of the region's first sector.
type flasher struct {
	t          *target.Target
	sectorBase uint32
}

func (f *flasher) wait(ctx context.Context, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		sr, err := f.t.ReadWord(ctx, regSR)
		if err != nil {
			return errors.Trace(err)
		}
		if sr&srBSY == 0 {
			if sr&srErrors != 0 {
				if werr := f.t.WriteWord(ctx, regSR, sr&srErrors); werr != nil {
					return errors.Trace(werr)
				}
				return errors.Trace(dbgerr.Newf(dbgerr.FlashProgram,
					"FPEC error (SR 0x%08x)", sr))
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
	cr, err := f.t.ReadWord(ctx, regCR)
	if err != nil {
		return errors.Trace(err)
	}
	if cr&crLOCK == 0 {
		return nil
	}
	if err := f.t.WriteWord(ctx, regKEYR, key1); err != nil {
		return errors.Trace(err)
	}
	if err := f.t.WriteWord(ctx, regKEYR, key2); err != nil {
		return errors.Trace(err)
	}
	return nil
}

func (f *flasher) Prepare(ctx context.Context, fl *target.Flash, op target.FlashOp) error {
	return errors.Trace(f.unlock(ctx))
}

func (f *flasher) Done(ctx context.Context, fl *target.Flash) error {
	return errors.Trace(f.t.WriteWord(ctx, regCR, crLOCK))
}

func (f *flasher) EraseSector(ctx context.Context, fl *target.Flash, addr uint32) error {
	snb := f.sectorBase + (addr-fl.Start)/fl.BlockSize
	cr := uint32(crSER) | snb<<crSNBSh | uint32(getPriv(f.t).psize)<<crPSizeSh
	if err := f.t.WriteWord(ctx, regCR, cr); err != nil {
		return errors.Trace(err)
	}
	if err := f.t.WriteWord(ctx, regCR, cr|crSTRT); err != nil {
		return errors.Trace(err)
	}
	return errors.Trace(f.wait(ctx, eraseTimeout))
}

// stm32f4Stub is the precompiled Thumb word-programming loop: r0 dest,
// r1 source, r2 byte count; programs through CR.PG and spins on BSY,
// ending in a bkpt with the SR error bits in r0.
var stm32f4Stub = []byte{
	0x0b, 0x4b, 0x0b, 0x4a, 0x01, 0x21, 0x1a, 0x60, 0x00, 0x2a, 0x0a, 0xd0,
	0x0a, 0x68, 0x02, 0x60, 0x04, 0x30, 0x04, 0x31, 0x04, 0x3a, 0x08, 0x4b,
	0x1b, 0x68, 0x03, 0xf4, 0x80, 0x33, 0xfb, 0xd1, 0xf2, 0xe7, 0x05, 0x4b,
	0x1b, 0x68, 0x18, 0x46, 0x00, 0xbe, 0x00, 0xbf, 0x10, 0x3c, 0x02, 0x40,
	0x0c, 0x3c, 0x02, 0x40, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00,
}

const stubLoadAddr = sramBase
const stubBufAddr = sramBase + 0x100

func (f *flasher) Write(ctx context.Context, fl *target.Flash, dst uint32, src []byte) error {
	psize := getPriv(f.t).psize
	if err := f.t.WriteWord(ctx, regCR, crPG|uint32(psize)<<crPSizeSh); err != nil {
		return errors.Trace(err)
	}
	// Bulk writes go through the SRAM stub where the core can run one;
	// host-side MMIO word programming is the fallback.
	if sr, ok := f.t.Core.(target.StubRunner); ok && f.t.FirstRAM() != nil {
		if err := f.t.WriteMem(ctx, stubBufAddr, src); err != nil {
			return errors.Trace(err)
		}
		if err := sr.RunStub(ctx, stm32f4Stub, stubLoadAddr,
			dst, stubBufAddr, uint32(len(src)), 0); err != nil {
			return errors.Annotatef(err, "flash stub at 0x%08x", dst)
		}
		return nil
	}
	for off := 0; off < len(src); off += 4 {
		if err := f.t.WriteWord(ctx, dst+uint32(off), binary.LittleEndian.Uint32(src[off:])); err != nil {
			return errors.Trace(err)
		}
		if err := f.wait(ctx, writeTimeout); err != nil {
			return errors.Annotatef(err, "programming 0x%08x", dst+uint32(off))
		}
	}
	return nil
}

// Probe identifies F4/F7 parts and installs the sector map: 4x16 KiB,
// 1x64 KiB, then 128 KiB sectors, doubled across banks on DB1M parts.
func Probe(ctx context.Context, t *target.Target) (bool, error) {
	idcode, err := t.ReadWord(ctx, idcodeReg)
	if err != nil {
		return false, nil
	}
	dev, ok := devices[idcode&0xfff]
	if !ok {
		return false, nil
	}
	glog.V(1).Infof("%s (IDCODE 0x%08x)", dev.name, idcode)
	t.Driver = dev.name
	t.PartID = idcode & 0xfff
	t.AddRAM(sramBase, 0x20000)
	getPriv(t)

	size := dev.sizeKB * 1024
	dual := false
	if dev.dualCap {
		optcr, err := t.ReadWord(ctx, regOPTCR)
		if err == nil && (size == 2048*1024 || optcr&optcrDB1M != 0) {
			dual = true
		}
	}
	if err := addSectorMap(t, flashBase, size, dual); err != nil {
		return false, errors.Trace(err)
	}
	t.MassEraseHook = massErase
	t.RegisterCommands(commands)
	return true, nil
}

func addSectorMap(t *target.Target, base, size uint32, dual bool) error {
	banks := 1
	if dual {
		banks = 2
	}
	bankSize := size / uint32(banks)
	for b := 0; b < banks; b++ {
		start := base + uint32(b)*bankSize
		// Bank 2 sector numbers start at 16 in CR.SNB.
		snb := uint32(b) * 16
		layout := []struct {
			count, sectorSize uint32
		}{
			{4, 16 * 1024},
			{1, 64 * 1024},
			{(bankSize - 128*1024) / (128 * 1024), 128 * 1024},
		}
		for _, l := range layout {
			if l.count == 0 {
				continue
			}
			length := l.count * l.sectorSize
			if err := t.AddFlash(&target.Flash{
				Start:     start,
				Length:    length,
				BlockSize: l.sectorSize,
				WriteSize: 0x400,
				Erased:    0xff,
				Driver:    &flasher{t: t, sectorBase: snb},
			}); err != nil {
				return errors.Trace(err)
			}
			start += length
			snb += l.count
		}
	}
	return nil
}

// massErase starts MER (and MER1 on dual-bank parts) and waits on both
// banks together.
func massErase(ctx context.Context, t *target.Target) error {
	f := &flasher{t: t}
	if err := f.unlock(ctx); err != nil {
		return errors.Trace(err)
	}
	defer t.WriteWord(ctx, regCR, crLOCK)
	mer := uint32(crMER)
	if len(t.FlashRegions()) > 3 { // second bank present
		mer |= crMER1
	}
	if err := t.WriteWord(ctx, regCR, mer); err != nil {
		return errors.Trace(err)
	}
	if err := t.WriteWord(ctx, regCR, mer|crSTRT); err != nil {
		return errors.Trace(err)
	}
	return errors.Trace(f.wait(ctx, massTimeout))
}

var commands = []target.Command{
	{Name: "erase_mass", Help: "Erase the entire flash", Handler: func(ctx context.Context, t *target.Target, args []string) error {
		return errors.Trace(t.MassErase(ctx))
	}},
	{Name: "psize", Help: "psize {x8|x16|x32|x64}: set programming parallelism", Handler: cmdPSize},
	{Name: "revision", Help: "Print die revision", Handler: cmdRevision},
}

func cmdPSize(ctx context.Context, t *target.Target, args []string) error {
	p := getPriv(t)
	if len(args) == 0 {
		ourutil.Reportf("psize: x%d", 8<<uint(p.psize))
		return nil
	}
	switch args[0] {
	case "x8":
		p.psize = PSizeX8
	case "x16":
		p.psize = PSizeX16
	case "x32":
		p.psize = PSizeX32
	case "x64":
		p.psize = PSizeX64
	default:
		return errors.Errorf("usage: psize {x8|x16|x32|x64}")
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
