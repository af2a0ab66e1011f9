// Package nrf54l programs the RRAM controller of Nordic nRF54L parts.
// RRAM cells need no erase: writes go straight through a write buffer
// gated by CONFIG.WEN with READYNEXT pacing, and the buffer is flushed
// by a commit task when the operation completes. Mass erase runs
// through the CTRL-AP ERASEALL mechanism followed by a reset pulse.
package nrf54l

import (
	"context"
	"encoding/binary"
	"time"

	"github.com/cesanta/errors"
	"github.com/golang/glog"

	"github.com/mongoose-os/mdb/mdb/adiv5"
	"github.com/mongoose-os/mdb/mdb/dbgerr"
	"github.com/mongoose-os/mdb/mdb/target"
)

const (
	rramcBase = 0x5004b000

	regReady       = rramcBase + 0x400
	regReadyNext   = rramcBase + 0x404
	regTasksCommit = rramcBase + 0x000
	regConfig      = rramcBase + 0x500

	configWEn = 1 << 0

	ficrBase     = 0x00ffc000
	ficrInfoPart = ficrBase + 0x31c
	ficrInfoRAM  = ficrBase + 0x324
	ficrInfoRRAM = ficrBase + 0x328

	rramBase = 0x00000000
	sramBase = 0x20000000

	// CTRL-AP registers for ERASEALL.
	ctrlAPEraseAll       = adiv5.Reg(0x04)
	ctrlAPEraseAllStatus = adiv5.Reg(0x08)
	ctrlAPResetReg       = adiv5.Reg(0x00)
)

const (
	readyTimeout = 100 * time.Millisecond
	eraseTimeout = 15 * time.Second
)

type flasher struct {
	t *target.Target
}

func (f *flasher) waitReadyNext(ctx context.Context) error {
	deadline := time.Now().Add(readyTimeout)
	for {
		v, err := f.t.ReadWord(ctx, regReadyNext)
		if err != nil {
			return errors.Trace(err)
		}
		if v != 0 {
			return nil
		}
		if time.Now().After(deadline) {
			return errors.Trace(dbgerr.Newf(dbgerr.Timeout, "RRAM not ready for next write"))
		}
		if err := ctx.Err(); err != nil {
			return errors.Trace(err)
		}
	}
}

func (f *flasher) Prepare(ctx context.Context, fl *target.Flash, op target.FlashOp) error {
	return errors.Trace(f.t.WriteWord(ctx, regConfig, configWEn))
}

// Done flushes the write buffer with the commit task and closes the
// write window.
func (f *flasher) Done(ctx context.Context, fl *target.Flash) error {
	if err := f.t.WriteWord(ctx, regTasksCommit, 1); err != nil {
		return errors.Trace(err)
	}
	return errors.Trace(f.t.WriteWord(ctx, regConfig, 0))
}

// EraseSector: RRAM has no erase; an "erase" programs the erased value
// so the read-back laws hold.
func (f *flasher) EraseSector(ctx context.Context, fl *target.Flash, addr uint32) error {
	blank := make([]byte, fl.BlockSize)
	for i := range blank {
		blank[i] = fl.Erased
	}
	return errors.Trace(f.Write(ctx, fl, addr, blank))
}

func (f *flasher) Write(ctx context.Context, fl *target.Flash, dst uint32, src []byte) error {
	for off := 0; off < len(src); off += 4 {
		if err := f.waitReadyNext(ctx); err != nil {
			return errors.Trace(err)
		}
		if err := f.t.WriteWord(ctx, dst+uint32(off), binary.LittleEndian.Uint32(src[off:])); err != nil {
			return errors.Trace(err)
		}
	}
	return nil
}

// Probe sizes the part from FICR and installs the RRAM region.
func Probe(ctx context.Context, t *target.Target) (bool, error) {
	part, err := t.ReadWord(ctx, ficrInfoPart)
	if err != nil {
		return false, nil
	}
	if part>>12 != 0x54 { // 0x54xxx part family
		return false, nil
	}
	rramKB, err := t.ReadWord(ctx, ficrInfoRRAM)
	if err != nil || rramKB == 0 || rramKB == 0xffffffff {
		return false, nil
	}
	ramKB, err := t.ReadWord(ctx, ficrInfoRAM)
	if err != nil || ramKB == 0xffffffff {
		ramKB = 256
	}
	glog.V(1).Infof("nRF54L: part 0x%08x, %d KiB RRAM, %d KiB RAM", part, rramKB, ramKB)
	t.Driver = "nRF54L"
	t.PartID = part
	t.AddRAM(sramBase, ramKB*1024)
	if err := t.AddFlash(&target.Flash{
		Start:     rramBase,
		Length:    rramKB * 1024,
		BlockSize: 0x1000,
		WriteSize: 0x1000,
		Erased:    0xff,
		Driver:    &flasher{t: t},
	}); err != nil {
		return false, errors.Trace(err)
	}
	t.MassEraseHook = massErase
	t.RegisterCommands([]target.Command{
		{Name: "erase_mass", Help: "ERASEALL through the CTRL-AP", Handler: func(ctx context.Context, t *target.Target, args []string) error {
			return errors.Trace(t.MassErase(ctx))
		}},
	})
	return true, nil
}

// massErase drives CTRL-AP ERASEALL. The CTRL-AP sits one selector
// above the AHB-AP the target memory goes through.
func massErase(ctx context.Context, t *target.Target) error {
	if t.AP == nil {
		return errors.Trace(dbgerr.Newf(dbgerr.LogicError,
			"mass erase needs the CTRL-AP, no debug port attached"))
	}
	ctrl := adiv5.NewAP(t.AP.DP, t.AP.Sel+1)
	if err := ctrl.Write(ctx, ctrlAPEraseAll, 1); err != nil {
		return errors.Annotatef(err, "failed to start ERASEALL")
	}
	deadline := time.Now().Add(eraseTimeout)
	for {
		st, err := ctrl.Read(ctx, ctrlAPEraseAllStatus)
		if err != nil {
			return errors.Trace(err)
		}
		if st == 0 {
			break
		}
		if time.Now().After(deadline) {
			return errors.Trace(dbgerr.Newf(dbgerr.Timeout, "ERASEALL did not finish"))
		}
		if err := ctx.Err(); err != nil {
			return errors.Trace(err)
		}
	}
	// Hard-reset pulse brings the part out of the erased limbo state.
	if err := ctrl.Write(ctx, ctrlAPResetReg, 1); err != nil {
		return errors.Trace(err)
	}
	return errors.Trace(ctrl.Write(ctx, ctrlAPResetReg, 0))
}
