// Package mspm0 programs the TI MSPM0 FLASHCTL: a command-register
// protocol (type, address, data words, execute strobe) with a STATCMD
// done/pass check and per-bank write-protect registers that must be
// cleared before every command.
package mspm0

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
	flashctlBase = 0x400cd000

	regCmdExec    = flashctlBase + 0x1100
	regCmdType    = flashctlBase + 0x1104
	regCmdCtl     = flashctlBase + 0x1108
	regCmdAddr    = flashctlBase + 0x1120
	regCmdData0   = flashctlBase + 0x1130
	regCmdData1   = flashctlBase + 0x1134
	regCmdWEProtA = flashctlBase + 0x11d0
	regCmdWEProtB = flashctlBase + 0x11d4
	regStatCmd    = flashctlBase + 0x13d0

	cmdTypeProgram     = 0x0001
	cmdTypeErase       = 0x0002
	cmdTypeSizeSector  = 0x0400
	cmdTypeSizeBank    = 0x0500
	cmdTypeSizeOneWord = 0x0000

	statDone = 1 << 0
	statPass = 1 << 1

	sysctlDevID = 0x41c40004 // BOOTCFG DEVICEID

	flashBase  = 0x00000000
	sramBase   = 0x20000000
	sectorSize = 1024
	// 64-bit programming word.
	wordSize = 8
)

const (
	writeTimeout = 100 * time.Millisecond
	eraseTimeout = time.Second
	massTimeout  = 30 * time.Second
)

type flasher struct {
	t *target.Target
}

func (f *flasher) unprotect(ctx context.Context) error {
	if err := f.t.WriteWord(ctx, regCmdWEProtA, 0); err != nil {
		return errors.Trace(err)
	}
	return errors.Trace(f.t.WriteWord(ctx, regCmdWEProtB, 0))
}

func (f *flasher) exec(ctx context.Context, timeout time.Duration) error {
	if err := f.t.WriteWord(ctx, regCmdExec, 1); err != nil {
		return errors.Trace(err)
	}
	deadline := time.Now().Add(timeout)
	for {
		st, err := f.t.ReadWord(ctx, regStatCmd)
		if err != nil {
			return errors.Trace(err)
		}
		if st&statDone != 0 {
			if st&statPass == 0 {
				return errors.Trace(dbgerr.Newf(dbgerr.FlashProgram,
					"command failed (STATCMD 0x%08x)", st))
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
	// The protect registers reload after every command.
	if err := f.unprotect(ctx); err != nil {
		return errors.Trace(err)
	}
	if err := f.t.WriteWord(ctx, regCmdType, cmdTypeErase|cmdTypeSizeSector); err != nil {
		return errors.Trace(err)
	}
	if err := f.t.WriteWord(ctx, regCmdAddr, addr); err != nil {
		return errors.Trace(err)
	}
	return errors.Trace(f.exec(ctx, eraseTimeout))
}

func (f *flasher) Write(ctx context.Context, fl *target.Flash, dst uint32, src []byte) error {
	for off := 0; off < len(src); off += wordSize {
		if err := f.unprotect(ctx); err != nil {
			return errors.Trace(err)
		}
		if err := f.t.WriteWord(ctx, regCmdType, cmdTypeProgram|cmdTypeSizeOneWord); err != nil {
			return errors.Trace(err)
		}
		if err := f.t.WriteWord(ctx, regCmdAddr, dst+uint32(off)); err != nil {
			return errors.Trace(err)
		}
		if err := f.t.WriteWord(ctx, regCmdData0, binary.LittleEndian.Uint32(src[off:])); err != nil {
			return errors.Trace(err)
		}
		if err := f.t.WriteWord(ctx, regCmdData1, binary.LittleEndian.Uint32(src[off+4:])); err != nil {
			return errors.Trace(err)
		}
		if err := f.exec(ctx, writeTimeout); err != nil {
			return errors.Annotatef(err, "programming 0x%08x", dst+uint32(off))
		}
	}
	return nil
}

// MassErase erases the main bank.
func (f *flasher) MassErase(ctx context.Context, fl *target.Flash) error {
	if err := f.unprotect(ctx); err != nil {
		return errors.Trace(err)
	}
	if err := f.t.WriteWord(ctx, regCmdType, cmdTypeErase|cmdTypeSizeBank); err != nil {
		return errors.Trace(err)
	}
	if err := f.t.WriteWord(ctx, regCmdAddr, fl.Start); err != nil {
		return errors.Trace(err)
	}
	return errors.Trace(f.exec(ctx, massTimeout))
}

var partNames = map[uint32]string{
	0xbb88: "MSPM0G3xx",
	0xbb82: "MSPM0L1xx",
	0xbb9f: "MSPM0C11x",
}

// Probe identifies MSPM0 parts from the BOOTCFG device ID.
func Probe(ctx context.Context, t *target.Target) (bool, error) {
	devid, err := t.ReadWord(ctx, sysctlDevID)
	if err != nil {
		return false, nil
	}
	name, ok := partNames[devid>>12&0xffff]
	if !ok {
		return false, nil
	}
	glog.V(1).Infof("%s (DEVICEID 0x%08x)", name, devid)
	t.Driver = name
	t.PartID = devid
	t.AddRAM(sramBase, 0x8000)
	if err := t.AddFlash(&target.Flash{
		Start:     flashBase,
		Length:    128 * 1024,
		BlockSize: sectorSize,
		WriteSize: 0x100,
		Erased:    0xff,
		Driver:    &flasher{t: t},
	}); err != nil {
		return false, errors.Trace(err)
	}
	t.RegisterCommands([]target.Command{
		{Name: "erase_mass", Help: "Erase the main bank", Handler: func(ctx context.Context, t *target.Target, args []string) error {
			return errors.Trace(t.MassErase(ctx))
		}},
	})
	return true, nil
}
