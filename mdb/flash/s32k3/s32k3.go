// Package s32k3 programs the NXP S32K3 C40 flash: a main-interface
// command sequence of address latch, program-buffer fill and an EHV
// strobe in MCR, with pass/fail status collected from MCRS.
package s32k3

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
	pflashBase = 0x40268000

	regMCR  = pflashBase + 0x00
	regMCRS = pflashBase + 0x04

	mcrEHV = 1 << 0 // start high-voltage operation
	mcrERS = 1 << 4 // erase
	mcrESS = 1 << 5 // erase size: sector
	mcrPGM = 1 << 8 // program
	mcrMAS = 1 << 6 // mass erase of the block

	mcrsDone = 1 << 16
	mcrsPEG  = 1 << 14 // pass gate: 1 = operation good
	mcrsErrs = 0xff    // EER, RWE, SBC, ... low error byte

	// Program-data latch window. Write does not use it: data words are
	// stored at their flash addresses.
	latchBase = 0x40270000

	sysDevID = 0x40278000 // SIU MIDR-equivalent

	flashBase  = 0x00400000
	sramBase   = 0x20400000
	sectorSize = 8 * 1024
	progSize   = 128
)

const (
	writeTimeout = 200 * time.Millisecond
	eraseTimeout = 2 * time.Second
	massTimeout  = 60 * time.Second
)

type flasher struct {
	t *target.Target
}

func (f *flasher) run(ctx context.Context, mcr uint32, timeout time.Duration) error {
	if err := f.t.WriteWord(ctx, regMCR, mcr); err != nil {
		return errors.Trace(err)
	}
	if err := f.t.WriteWord(ctx, regMCR, mcr|mcrEHV); err != nil {
		return errors.Trace(err)
	}
	deadline := time.Now().Add(timeout)
	for {
		mcrs, err := f.t.ReadWord(ctx, regMCRS)
		if err != nil {
			return errors.Trace(err)
		}
		if mcrs&mcrsDone != 0 {
			// Drop EHV before judging the pass gate.
			if err := f.t.WriteWord(ctx, regMCR, 0); err != nil {
				return errors.Trace(err)
			}
			if mcrs&mcrsPEG == 0 || mcrs&mcrsErrs != 0 {
				if werr := f.t.WriteWord(ctx, regMCRS, mcrs&mcrsErrs); werr != nil {
					return errors.Trace(werr)
				}
				return errors.Trace(dbgerr.Newf(dbgerr.FlashProgram,
					"C40 operation failed (MCRS 0x%08x)", mcrs))
			}
			return nil
		}
		if time.Now().After(deadline) {
			return errors.Trace(dbgerr.Newf(dbgerr.Timeout, "C40 operation stuck"))
		}
		if err := ctx.Err(); err != nil {
			return errors.Trace(err)
		}
	}
}

func (f *flasher) Prepare(ctx context.Context, fl *target.Flash, op target.FlashOp) error {
	return nil
}

func (f *flasher) Done(ctx context.Context, fl *target.Flash) error {
	return errors.Trace(f.t.WriteWord(ctx, regMCR, 0))
}

// EraseSector latches the sector address and strobes an erase.
func (f *flasher) EraseSector(ctx context.Context, fl *target.Flash, addr uint32) error {
	if err := f.t.WriteWord(ctx, addr, 0xffffffff); err != nil { // interlock write
		return errors.Trace(err)
	}
	return errors.Trace(f.run(ctx, mcrERS|mcrESS, eraseTimeout))
}

// Write stages up to 128 bytes in the program latch, then strobes PGM.
func (f *flasher) Write(ctx context.Context, fl *target.Flash, dst uint32, src []byte) error {
	for off := 0; off < len(src); off += progSize {
		for w := 0; w < progSize; w += 4 {
			a := dst + uint32(off+w)
			if err := f.t.WriteWord(ctx, a, binary.LittleEndian.Uint32(src[off+w:])); err != nil {
				return errors.Trace(err)
			}
		}
		if err := f.run(ctx, mcrPGM, writeTimeout); err != nil {
			return errors.Annotatef(err, "programming 0x%08x", dst+uint32(off))
		}
	}
	return nil
}

// MassErase erases the whole block.
func (f *flasher) MassErase(ctx context.Context, fl *target.Flash) error {
	return errors.Trace(f.run(ctx, mcrERS|mcrMAS, massTimeout))
}

// Probe identifies S32K3 parts from the system device ID register.
func Probe(ctx context.Context, t *target.Target) (bool, error) {
	devid, err := t.ReadWord(ctx, sysDevID)
	if err != nil {
		return false, nil
	}
	if devid>>16&0xffff != 0x0332 { // S32K3 family mark
		return false, nil
	}
	glog.V(1).Infof("S32K3 (DEVID 0x%08x)", devid)
	t.Driver = "S32K3"
	t.PartID = devid
	t.AddRAM(sramBase, 0x40000)
	if err := t.AddFlash(&target.Flash{
		Start:     flashBase,
		Length:    2048 * 1024,
		BlockSize: sectorSize,
		WriteSize: progSize,
		Erased:    0xff,
		Driver:    &flasher{t: t},
	}); err != nil {
		return false, errors.Trace(err)
	}
	t.RegisterCommands([]target.Command{
		{Name: "erase_mass", Help: "Erase the program flash block", Handler: func(ctx context.Context, t *target.Target, args []string) error {
			return errors.Trace(t.MassErase(ctx))
		}},
	})
	return true, nil
}
