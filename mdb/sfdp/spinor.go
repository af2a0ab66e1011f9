package sfdp

import (
	"context"
	"time"

	"github.com/cesanta/errors"

	"github.com/mongoose-os/mdb/mdb/dbgerr"
	"github.com/mongoose-os/mdb/mdb/target"
)

// Standard SPI-NOR command set used by the generic region.
const (
	cmdWriteEnable = 0x06
	cmdReadStatus  = 0x05
	cmdPageProgram = 0x02
	cmdChipErase   = 0xc7
	cmdReadData    = 0x03

	statusWIP = 1 << 0
)

// SPIBus is the full command bridge for an external flash; Read alone
// suffices for SFDP discovery, the rest drives programming.
type SPIBus struct {
	Read  SPIRead
	Write func(ctx context.Context, t *target.Target, cmd uint8, addr uint32, data []byte) error
	Run   func(ctx context.Context, t *target.Target, cmd uint8) error
}

const (
	pollInterval = time.Millisecond
	eraseTimeout = 2 * time.Second
	writeTimeout = 100 * time.Millisecond
	chipTimeout  = 120 * time.Second
)

type spiFlasher struct {
	t      *target.Target
	bus    *SPIBus
	params *Params
}

func (f *spiFlasher) waitIdle(ctx context.Context, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		var sr [1]byte
		if err := f.bus.Read(ctx, f.t, cmdReadStatus, 0, sr[:]); err != nil {
			return errors.Trace(err)
		}
		if sr[0]&statusWIP == 0 {
			return nil
		}
		if time.Now().After(deadline) {
			return errors.Trace(dbgerr.Newf(dbgerr.Timeout, "SPI flash busy"))
		}
		if err := ctx.Err(); err != nil {
			return errors.Trace(err)
		}
		time.Sleep(pollInterval)
	}
}

func (f *spiFlasher) writeEnable(ctx context.Context) error {
	return errors.Trace(f.bus.Run(ctx, f.t, cmdWriteEnable))
}

func (f *spiFlasher) Prepare(ctx context.Context, fl *target.Flash, op target.FlashOp) error {
	return errors.Trace(f.waitIdle(ctx, writeTimeout))
}

func (f *spiFlasher) Done(ctx context.Context, fl *target.Flash) error {
	return errors.Trace(f.waitIdle(ctx, eraseTimeout))
}

func (f *spiFlasher) EraseSector(ctx context.Context, fl *target.Flash, addr uint32) error {
	if err := f.writeEnable(ctx); err != nil {
		return errors.Trace(err)
	}
	if err := f.bus.Write(ctx, f.t, f.params.SectorEraseOp, addr-fl.Start, nil); err != nil {
		return errors.Trace(err)
	}
	return errors.Trace(f.waitIdle(ctx, eraseTimeout))
}

func (f *spiFlasher) Write(ctx context.Context, fl *target.Flash, dst uint32, src []byte) error {
	for off := 0; off < len(src); off += int(f.params.PageSize) {
		end := off + int(f.params.PageSize)
		if end > len(src) {
			end = len(src)
		}
		if err := f.writeEnable(ctx); err != nil {
			return errors.Trace(err)
		}
		if err := f.bus.Write(ctx, f.t, cmdPageProgram, dst-fl.Start+uint32(off), src[off:end]); err != nil {
			return errors.Trace(err)
		}
		if err := f.waitIdle(ctx, writeTimeout); err != nil {
			return errors.Annotatef(err, "programming 0x%08x", dst+uint32(off))
		}
	}
	return nil
}

func (f *spiFlasher) MassErase(ctx context.Context, fl *target.Flash) error {
	if err := f.writeEnable(ctx); err != nil {
		return errors.Trace(err)
	}
	if err := f.bus.Run(ctx, f.t, cmdChipErase); err != nil {
		return errors.Trace(err)
	}
	return errors.Trace(f.waitIdle(ctx, chipTimeout))
}

// Attach discovers the device through SFDP and installs a flash region
// for it at base in the target's address map.
func Attach(ctx context.Context, t *target.Target, bus *SPIBus, base uint32) (*Params, error) {
	params, err := Parse(ctx, t, bus.Read)
	if err != nil {
		return nil, errors.Trace(err)
	}
	err = t.AddFlash(&target.Flash{
		Start:     base,
		Length:    params.CapacityBytes,
		BlockSize: params.SectorSize,
		WriteSize: params.PageSize,
		Erased:    0xff,
		Driver:    &spiFlasher{t: t, bus: bus, params: params},
	})
	if err != nil {
		return nil, errors.Trace(err)
	}
	return params, nil
}
