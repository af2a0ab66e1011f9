package stm32f1

import (
	"context"

	"github.com/cesanta/errors"
	"github.com/golang/glog"

	"github.com/mongoose-os/mdb/mdb/target"
)

// CH32F1 parts answer with an F103 IDCODE but carry a WCH fast-program
// engine: a second key register and a 128-byte write buffer loaded 16
// bytes at a time.
const (
	regModeKeyR = fpecBase + 0x24

	crFTPG    = 1 << 16 // fast page program
	crFTER    = 1 << 17 // fast page erase
	crBufLoad = 1 << 18
	crBufRst  = 1 << 19

	ch32BufSize  = 128
	ch32LoadSize = 16
	ch32PageSize = 128
)

type ch32Flasher struct {
	flasher
}

func (f *ch32Flasher) unlockFast(ctx context.Context) error {
	if err := f.unlock(ctx); err != nil {
		return errors.Trace(err)
	}
	// The fast engine has its own lock behind MODEKEYR.
	if err := f.t.WriteWord(ctx, regModeKeyR, key1); err != nil {
		return errors.Trace(err)
	}
	return errors.Trace(f.t.WriteWord(ctx, regModeKeyR, key2))
}

func (f *ch32Flasher) Prepare(ctx context.Context, fl *target.Flash, op target.FlashOp) error {
	return errors.Trace(f.unlockFast(ctx))
}

func (f *ch32Flasher) EraseSector(ctx context.Context, fl *target.Flash, addr uint32) error {
	if err := f.t.WriteWord(ctx, regCR, crFTER); err != nil {
		return errors.Trace(err)
	}
	if err := f.t.WriteWord(ctx, regAR, addr); err != nil {
		return errors.Trace(err)
	}
	if err := f.t.WriteWord(ctx, regCR, crFTER|crSTRT); err != nil {
		return errors.Trace(err)
	}
	return errors.Trace(f.wait(ctx, eraseTimeout))
}

func (f *ch32Flasher) Write(ctx context.Context, fl *target.Flash, dst uint32, src []byte) error {
	for off := 0; off < len(src); off += ch32BufSize {
		if err := f.t.WriteWord(ctx, regCR, crFTPG); err != nil {
			return errors.Trace(err)
		}
		if err := f.t.WriteWord(ctx, regCR, crFTPG|crBufRst); err != nil {
			return errors.Trace(err)
		}
		if err := f.wait(ctx, writeTimeout); err != nil {
			return errors.Trace(err)
		}
		// Fill the 128-byte page buffer, 16 bytes per load strobe.
		for sub := 0; sub < ch32BufSize; sub += ch32LoadSize {
			a := dst + uint32(off+sub)
			if err := f.t.WriteMem(ctx, a, src[off+sub:off+sub+ch32LoadSize]); err != nil {
				return errors.Trace(err)
			}
			if err := f.t.WriteWord(ctx, regCR, crFTPG|crBufLoad); err != nil {
				return errors.Trace(err)
			}
			if err := f.wait(ctx, writeTimeout); err != nil {
				return errors.Trace(err)
			}
		}
		if err := f.t.WriteWord(ctx, regAR, dst+uint32(off)); err != nil {
			return errors.Trace(err)
		}
		if err := f.t.WriteWord(ctx, regCR, crFTPG|crSTRT); err != nil {
			return errors.Trace(err)
		}
		if err := f.wait(ctx, writeTimeout); err != nil {
			return errors.Annotatef(err, "fast-programming 0x%08x", dst+uint32(off))
		}
	}
	return nil
}

// ProbeCH32 claims CH32F103 parts. They report an F103 medium-density
// IDCODE; the tell is the fast-mode lock coming unlocked through
// MODEKEYR, which a genuine ST part does not implement.
func ProbeCH32(ctx context.Context, t *target.Target) (bool, error) {
	idcode, err := t.ReadWord(ctx, idcodeF1)
	if err != nil || idcode&0xfff != 0x410 {
		return false, nil
	}
	f := &ch32Flasher{flasher{t: t}}
	if err := f.unlockFast(ctx); err != nil {
		return false, nil
	}
	cr, err := t.ReadWord(ctx, regCR)
	if err != nil || cr&(1<<15) != 0 {
		return false, nil
	}
	// FLASH_CR bit 15 reads back zero on WCH silicon after the fast
	// unlock; relock and claim.
	if err := t.WriteWord(ctx, regCR, crLOCK); err != nil {
		return false, errors.Trace(err)
	}
	glog.V(1).Infof("CH32F103 (IDCODE 0x%08x)", idcode)
	t.Driver = "CH32F103"
	t.PartID = idcode & 0xfff
	t.AddRAM(sramBase, 0x5000)
	if err := t.AddFlash(&target.Flash{
		Start:     flashBase,
		Length:    readFlashSize(ctx, t, devices[0x410]),
		BlockSize: ch32PageSize,
		WriteSize: ch32PageSize,
		Erased:    0xff,
		Driver:    f,
	}); err != nil {
		return false, errors.Trace(err)
	}
	t.RegisterCommands(commands)
	return true, nil
}
