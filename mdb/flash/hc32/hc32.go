// Package hc32 programs the HDSC HC32L110 flash controller: every
// control-register write goes through the BYPASS two-word unlock, the
// operation mode is selected in CR, and programming is word-at-a-time
// with a busy poll.
package hc32

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
	flashCtlBase = 0x40020000

	regCR     = flashCtlBase + 0x20
	regIFR    = flashCtlBase + 0x28
	regBypass = flashCtlBase + 0x2c
	regSLock  = flashCtlBase + 0x30

	bypassKey1 = 0x5a5a
	bypassKey2 = 0xa5a5

	// CR.OP values.
	opRead        = 0
	opProgram     = 1
	opSectorErase = 2
	opChipErase   = 3

	crBusy = 1 << 4

	slockAll = 0xffff

	flashBase  = 0x00000000
	sramBase   = 0x20000000
	sectorSize = 512
	flashSize  = 32 * 1024

	// Base of the HC32L110 UID block; Probe does not read it.
	uidBase = 0x00100e74
)

const (
	opTimeout    = 100 * time.Millisecond
	eraseTimeout = time.Second
	chipTimeout  = 10 * time.Second
)

type flasher struct {
	t *target.Target
}

// bypass opens the one-shot write window for the next control write.
func (f *flasher) bypass(ctx context.Context) error {
	if err := f.t.WriteWord(ctx, regBypass, bypassKey1); err != nil {
		return errors.Trace(err)
	}
	return errors.Trace(f.t.WriteWord(ctx, regBypass, bypassKey2))
}

func (f *flasher) setOp(ctx context.Context, op uint32) error {
	if err := f.bypass(ctx); err != nil {
		return errors.Trace(err)
	}
	return errors.Trace(f.t.WriteWord(ctx, regCR, op))
}

func (f *flasher) waitIdle(ctx context.Context, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		cr, err := f.t.ReadWord(ctx, regCR)
		if err != nil {
			return errors.Trace(err)
		}
		if cr&crBusy == 0 {
			return nil
		}
		if time.Now().After(deadline) {
			return errors.Trace(dbgerr.Newf(dbgerr.Timeout, "flash controller busy"))
		}
		if err := ctx.Err(); err != nil {
			return errors.Trace(err)
		}
	}
}

// Prepare drops the sector-lock bits so program and erase can land.
func (f *flasher) Prepare(ctx context.Context, fl *target.Flash, op target.FlashOp) error {
	if err := f.bypass(ctx); err != nil {
		return errors.Trace(err)
	}
	return errors.Trace(f.t.WriteWord(ctx, regSLock, slockAll))
}

// Done restores the read mode and relocks.
func (f *flasher) Done(ctx context.Context, fl *target.Flash) error {
	if err := f.setOp(ctx, opRead); err != nil {
		return errors.Trace(err)
	}
	if err := f.bypass(ctx); err != nil {
		return errors.Trace(err)
	}
	return errors.Trace(f.t.WriteWord(ctx, regSLock, 0))
}

// EraseSector selects sector-erase mode and pokes any word in the
// sector.
func (f *flasher) EraseSector(ctx context.Context, fl *target.Flash, addr uint32) error {
	if err := f.setOp(ctx, opSectorErase); err != nil {
		return errors.Trace(err)
	}
	if err := f.t.WriteWord(ctx, addr, 0); err != nil {
		return errors.Trace(err)
	}
	return errors.Trace(f.waitIdle(ctx, eraseTimeout))
}

func (f *flasher) Write(ctx context.Context, fl *target.Flash, dst uint32, src []byte) error {
	if err := f.setOp(ctx, opProgram); err != nil {
		return errors.Trace(err)
	}
	for off := 0; off < len(src); off += 4 {
		if err := f.t.WriteWord(ctx, dst+uint32(off), binary.LittleEndian.Uint32(src[off:])); err != nil {
			return errors.Trace(err)
		}
		if err := f.waitIdle(ctx, opTimeout); err != nil {
			return errors.Annotatef(err, "programming 0x%08x", dst+uint32(off))
		}
	}
	return nil
}

// MassErase runs the chip-erase op.
func (f *flasher) MassErase(ctx context.Context, fl *target.Flash) error {
	if err := f.setOp(ctx, opChipErase); err != nil {
		return errors.Trace(err)
	}
	if err := f.t.WriteWord(ctx, flashBase, 0); err != nil {
		return errors.Trace(err)
	}
	return errors.Trace(f.waitIdle(ctx, chipTimeout))
}

// Probe: the L110 has no DBGMCU; identify by the flash controller
// accepting the BYPASS handshake while the core is a Cortex-M0 or M0+.
func Probe(ctx context.Context, t *target.Target) (bool, error) {
	if t.Kind != target.CortexM0Plus && t.Kind != target.CortexM0 {
		return false, nil
	}
	f := &flasher{t: t}
	if err := f.bypass(ctx); err != nil {
		return false, nil
	}
	cr, err := t.ReadWord(ctx, regCR)
	if err != nil || cr == 0xffffffff {
		return false, nil
	}
	glog.V(1).Infof("HC32L110 (CR 0x%08x)", cr)
	t.Driver = "HC32L110"
	t.AddRAM(sramBase, 0x1000)
	if err := t.AddFlash(&target.Flash{
		Start:     flashBase,
		Length:    flashSize,
		BlockSize: sectorSize,
		WriteSize: sectorSize,
		Erased:    0xff,
		Driver:    f,
	}); err != nil {
		return false, errors.Trace(err)
	}
	t.RegisterCommands([]target.Command{
		{Name: "erase_mass", Help: "Chip erase", Handler: func(ctx context.Context, t *target.Target, args []string) error {
			return errors.Trace(t.MassErase(ctx))
		}},
	})
	return true, nil
}
