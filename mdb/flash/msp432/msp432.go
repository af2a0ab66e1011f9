// Package msp432 programs the TI MSP432E4 on-chip flash: FMA/FMD plus
// a key-guarded FMC command strobe for word program, sector erase and
// mass erase, with completion polled as the command bit clearing.
package msp432

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
	regFMA   = 0x400fd000
	regFMD   = 0x400fd004
	regFMC   = 0x400fd008
	regFCRIS = 0x400fd00c

	fmcWriteKey = 0xa442 << 16

	fmcWrite  = 1 << 0
	fmcErase  = 1 << 1
	fmcMErase = 1 << 2

	fcrisAccess  = 1 << 0
	fcrisProgram = 1 << 9
	fcrisErase   = 1 << 10

	didRegs    = 0x400fe000 // DID0/DID1
	did1Msp432 = 0x000a

	flashBase  = 0x00000000
	sramBase   = 0x20000000
	sectorSize = 16 * 1024
)

const (
	writeTimeout = 100 * time.Millisecond
	eraseTimeout = time.Second
	massTimeout  = 30 * time.Second
)

type flasher struct {
	t *target.Target
}

func (f *flasher) strobe(ctx context.Context, cmd uint32, timeout time.Duration) error {
	if err := f.t.WriteWord(ctx, regFMC, fmcWriteKey|cmd); err != nil {
		return errors.Trace(err)
	}
	deadline := time.Now().Add(timeout)
	for {
		fmc, err := f.t.ReadWord(ctx, regFMC)
		if err != nil {
			return errors.Trace(err)
		}
		if fmc&cmd == 0 {
			ris, err := f.t.ReadWord(ctx, regFCRIS)
			if err != nil {
				return errors.Trace(err)
			}
			if ris&(fcrisAccess|fcrisProgram|fcrisErase) != 0 {
				if werr := f.t.WriteWord(ctx, regFCRIS, ris); werr != nil {
					return errors.Trace(werr)
				}
				return errors.Trace(dbgerr.Newf(dbgerr.FlashProgram,
					"flash controller error (FCRIS 0x%08x)", ris))
			}
			return nil
		}
		if time.Now().After(deadline) {
			return errors.Trace(dbgerr.Newf(dbgerr.Timeout, "flash command stuck"))
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
	return nil
}

func (f *flasher) EraseSector(ctx context.Context, fl *target.Flash, addr uint32) error {
	if err := f.t.WriteWord(ctx, regFMA, addr); err != nil {
		return errors.Trace(err)
	}
	return errors.Trace(f.strobe(ctx, fmcErase, eraseTimeout))
}

func (f *flasher) Write(ctx context.Context, fl *target.Flash, dst uint32, src []byte) error {
	for off := 0; off < len(src); off += 4 {
		if err := f.t.WriteWord(ctx, regFMA, dst+uint32(off)); err != nil {
			return errors.Trace(err)
		}
		if err := f.t.WriteWord(ctx, regFMD, binary.LittleEndian.Uint32(src[off:])); err != nil {
			return errors.Trace(err)
		}
		if err := f.strobe(ctx, fmcWrite, writeTimeout); err != nil {
			return errors.Annotatef(err, "programming 0x%08x", dst+uint32(off))
		}
	}
	return nil
}

func (f *flasher) MassErase(ctx context.Context, fl *target.Flash) error {
	return errors.Trace(f.strobe(ctx, fmcMErase, massTimeout))
}

// Probe identifies the part from DID1 alone and maps a fixed 1 MiB of
// flash; the flash size is not read from the part.
func Probe(ctx context.Context, t *target.Target) (bool, error) {
	did1, err := t.ReadWord(ctx, didRegs+4)
	if err != nil {
		return false, nil
	}
	if did1>>16&0xff != did1Msp432 {
		return false, nil
	}
	glog.V(1).Infof("MSP432E4 (DID1 0x%08x)", did1)
	t.Driver = "MSP432E4"
	t.PartID = did1
	t.AddRAM(sramBase, 0x40000)
	if err := t.AddFlash(&target.Flash{
		Start:     flashBase,
		Length:    1024 * 1024,
		BlockSize: sectorSize,
		WriteSize: 0x400,
		Erased:    0xff,
		Driver:    &flasher{t: t},
	}); err != nil {
		return false, errors.Trace(err)
	}
	t.RegisterCommands([]target.Command{
		{Name: "erase_mass", Help: "Mass erase", Handler: func(ctx context.Context, t *target.Target, args []string) error {
			return errors.Trace(t.MassErase(ctx))
		}},
	})
	return true, nil
}
