// Package samd programs Microchip/Atmel SAM D/E parts: the NVMC
// command-word protocol (command plus key in CTRLA), row erase and page
// program, the DSU for chip erase, and an extended reset (core reset,
// then halt).
package samd

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
	nvmcBase = 0x41004000

	regCtrlA   = nvmcBase + 0x00
	regCtrlB   = nvmcBase + 0x04
	regParam   = nvmcBase + 0x08
	regIntFlag = nvmcBase + 0x14
	regStatus  = nvmcBase + 0x18
	regAddr    = nvmcBase + 0x1c

	cmdKey          = 0xa5 << 8
	cmdEraseRow     = 0x02
	cmdWritePage    = 0x04
	cmdEraseAux     = 0x05
	cmdLockRegion   = 0x40
	cmdUnlockRegion = 0x41
	cmdPageBufClear = 0x44

	intFlagReady = 1 << 0

	dsuBase = 0x41002000
	// The first 0x100 of the DSU are IP protected; the external mirror
	// starts at +0x100.
	dsuCtrl    = dsuBase + 0x100
	dsuStatusA = dsuBase + 0x101
	dsuStatusB = dsuBase + 0x102
	dsuDID     = dsuBase + 0x118

	dsuCtrlChipErase = 1 << 4
	dsuStatusADone   = 1 << 0
	dsuStatusAProt   = 1 << 16 // PROT in STATUSB, read via the same word

	flashBase = 0x00000000
	sramBase  = 0x20000000

	pageSize    = 64
	pagesPerRow = 4
	rowSize     = pageSize * pagesPerRow
)

const (
	cmdTimeout   = 100 * time.Millisecond
	eraseTimeout = time.Second
	chipTimeout  = 30 * time.Second
)

type flasher struct {
	t *target.Target
}

func (f *flasher) waitReady(ctx context.Context, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		v, err := f.t.ReadWord(ctx, regIntFlag)
		if err != nil {
			return errors.Trace(err)
		}
		if v&intFlagReady != 0 {
			return nil
		}
		if time.Now().After(deadline) {
			return errors.Trace(dbgerr.Newf(dbgerr.Timeout, "NVMC not ready"))
		}
		if err := ctx.Err(); err != nil {
			return errors.Trace(err)
		}
	}
}

func (f *flasher) command(ctx context.Context, cmd uint32, timeout time.Duration) error {
	if err := f.t.WriteWord(ctx, regCtrlA, cmdKey|cmd); err != nil {
		return errors.Trace(err)
	}
	return errors.Trace(f.waitReady(ctx, timeout))
}

func (f *flasher) Prepare(ctx context.Context, fl *target.Flash, op target.FlashOp) error {
	return errors.Trace(f.waitReady(ctx, cmdTimeout))
}

func (f *flasher) Done(ctx context.Context, fl *target.Flash) error {
	return nil
}

// EraseSector erases one row: ADDR takes the halfword address.
func (f *flasher) EraseSector(ctx context.Context, fl *target.Flash, addr uint32) error {
	if err := f.t.WriteWord(ctx, regAddr, addr/2); err != nil {
		return errors.Trace(err)
	}
	return errors.Trace(f.command(ctx, cmdEraseRow, eraseTimeout))
}

// Write fills the page buffer with word stores and strobes WP per page.
func (f *flasher) Write(ctx context.Context, fl *target.Flash, dst uint32, src []byte) error {
	for off := 0; off < len(src); off += pageSize {
		if err := f.command(ctx, cmdPageBufClear, cmdTimeout); err != nil {
			return errors.Trace(err)
		}
		for w := 0; w < pageSize; w += 4 {
			a := dst + uint32(off+w)
			if err := f.t.WriteWord(ctx, a, binary.LittleEndian.Uint32(src[off+w:])); err != nil {
				return errors.Trace(err)
			}
		}
		if err := f.t.WriteWord(ctx, regAddr, (dst+uint32(off))/2); err != nil {
			return errors.Trace(err)
		}
		if err := f.command(ctx, cmdWritePage, cmdTimeout); err != nil {
			return errors.Annotatef(err, "programming page 0x%08x", dst+uint32(off))
		}
	}
	return nil
}

var didParts = map[uint32]string{
	0x10: "SAMD21",
	0x11: "SAMD21G",
	0x12: "SAMD21E",
	0x00: "SAMD20",
	0x06: "SAMD09",
	0x02: "SAMD10",
	0x03: "SAMD11",
}

// Probe reads the DSU device ID and sizes flash from NVMC PARAM.
func Probe(ctx context.Context, t *target.Target) (bool, error) {
	did, err := t.ReadWord(ctx, dsuDID)
	if err != nil {
		return false, nil
	}
	if did == 0 || did == 0xffffffff {
		return false, nil
	}
	family := did >> 23 & 0x1f
	if family != 0 { // FAMILY 0 = general purpose SAM D
		return false, nil
	}
	series, ok := didParts[did>>16&0xff]
	if !ok {
		series = "SAMD"
	}
	param, err := t.ReadWord(ctx, regParam)
	if err != nil {
		return false, errors.Trace(err)
	}
	pages := param & 0xffff
	if pages == 0 {
		return false, nil
	}
	size := pages * pageSize
	glog.V(1).Infof("%s (DID 0x%08x), %d KiB flash", series, did, size/1024)
	t.Driver = series
	t.PartID = did
	t.AddRAM(sramBase, 0x8000)
	if err := t.AddFlash(&target.Flash{
		Start:     flashBase,
		Length:    size,
		BlockSize: rowSize,
		WriteSize: pageSize,
		Erased:    0xff,
		Driver:    &flasher{t: t},
	}); err != nil {
		return false, errors.Trace(err)
	}
	t.MassEraseHook = massErase
	t.ExtendedResetHook = extendedReset
	t.RegisterCommands([]target.Command{
		{Name: "erase_mass", Help: "DSU chip erase", Handler: func(ctx context.Context, t *target.Target, args []string) error {
			return errors.Trace(t.MassErase(ctx))
		}},
		{Name: "dsu_status", Help: "Print DSU status", Handler: cmdDSUStatus},
	})
	return true, nil
}

// massErase runs the DSU chip erase and polls DONE.
func massErase(ctx context.Context, t *target.Target) error {
	if err := t.WriteWord(ctx, dsuCtrl&^3, uint32(dsuCtrlChipErase)<<(8*(dsuCtrl&3))); err != nil {
		return errors.Annotatef(err, "failed to start chip erase")
	}
	deadline := time.Now().Add(chipTimeout)
	for {
		st, err := t.ReadWord(ctx, dsuCtrl&^3)
		if err != nil {
			return errors.Trace(err)
		}
		if st>>8&dsuStatusADone != 0 {
			return nil
		}
		if time.Now().After(deadline) {
			return errors.Trace(dbgerr.Newf(dbgerr.Timeout, "chip erase did not finish"))
		}
		if err := ctx.Err(); err != nil {
			return errors.Trace(err)
		}
	}
}

// extendedReset resets the core through Core.Reset and then halts it.
// The probe's reset line is not held and the DSU is not involved.
func extendedReset(ctx context.Context, t *target.Target) error {
	if t.Core == nil {
		return errors.Trace(dbgerr.Newf(dbgerr.LogicError, "no core attached"))
	}
	if err := t.Core.Reset(ctx); err != nil {
		return errors.Trace(err)
	}
	return errors.Trace(t.Core.Halt(ctx))
}

func cmdDSUStatus(ctx context.Context, t *target.Target, args []string) error {
	st, err := t.ReadWord(ctx, dsuCtrl&^3)
	if err != nil {
		return errors.Trace(err)
	}
	ourutil.Reportf("DSU STATUSA 0x%02x STATUSB 0x%02x", st>>8&0xff, st>>16&0xff)
	return nil
}
