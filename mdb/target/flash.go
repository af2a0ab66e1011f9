package target

import (
	"context"

	"github.com/cesanta/errors"
	"github.com/golang/glog"

	"github.com/mongoose-os/mdb/mdb/dbgerr"
)

// FlashOp is the per-region operation state.
type FlashOp int

const (
	FlashIdle FlashOp = iota
	FlashRead
	FlashWriting
	FlashErasing
	FlashMassErase
)

func (op FlashOp) String() string {
	switch op {
	case FlashIdle:
		return "idle"
	case FlashRead:
		return "read"
	case FlashWriting:
		return "write"
	case FlashErasing:
		return "erase"
	case FlashMassErase:
		return "mass erase"
	}
	return "?"
}

// Flasher is the vendor controller behind one Flash region. Prepare and
// Done bracket every operation; the engine guarantees Done runs for
// every Prepare, on error paths included.
type Flasher interface {
	Prepare(ctx context.Context, f *Flash, op FlashOp) error
	// EraseSector erases the blocksize sector starting at addr.
	EraseSector(ctx context.Context, f *Flash, addr uint32) error
	// Write programs exactly writesize bytes at dst, dst aligned.
	Write(ctx context.Context, f *Flash, dst uint32, src []byte) error
	Done(ctx context.Context, f *Flash) error
}

// MassEraser is an optional Flasher extension for regions with a
// controller-level chip/bank erase.
type MassEraser interface {
	MassErase(ctx context.Context, f *Flash) error
}

// Flash is one contiguous programmable region of the target.
type Flash struct {
	Target *Target

	Start     uint32
	Length    uint32
	BlockSize uint32 // erase granularity
	WriteSize uint32 // programming granularity
	Erased    byte   // value of erased cells, 0xff or 0x00

	Driver Flasher

	op FlashOp
	// One staged writesize block. Allocated lazily on first write,
	// dropped when the operation completes.
	buf     []byte
	bufAddr uint32
	staged  bool
}

func (f *Flash) End() uint32 { return f.Start + f.Length }
func (f *Flash) Op() FlashOp { return f.op }
func (f *Flash) Staged() bool { return f.staged }
func (f *Flash) contains(a uint32) bool {
	return a >= f.Start && a < f.End()
}

// prepare drives the region into op, closing out any other operation
// first. Calling it again with the same op is a no-op.
func (f *Flash) prepare(ctx context.Context, op FlashOp) error {
	if f.op == op {
		return nil
	}
	if f.op != FlashIdle {
		if err := f.done(ctx); err != nil {
			return errors.Trace(err)
		}
	}
	glog.V(3).Infof("flash 0x%08x: %s -> %s", f.Start, f.op, op)
	if err := f.Driver.Prepare(ctx, f, op); err != nil {
		return errors.Annotatef(err, "flash 0x%08x: prepare %s failed", f.Start, op)
	}
	f.op = op
	return nil
}

// done flushes any staged write and returns the region to idle. Calling
// it on an idle region is a no-op.
func (f *Flash) done(ctx context.Context) error {
	if f.op == FlashIdle {
		return nil
	}
	var ferr error
	if f.op == FlashWriting && f.staged {
		ferr = f.flushStage(ctx)
	}
	if err := f.Driver.Done(ctx, f); err != nil && ferr == nil {
		ferr = errors.Annotatef(err, "flash 0x%08x: done failed", f.Start)
	}
	f.op = FlashIdle
	f.buf = nil
	f.staged = false
	return errors.Trace(ferr)
}

// stageFor points the stage buffer at the writesize block containing
// addr, flushing a previously staged block first. New blocks are filled
// with the current Flash contents so partial writes preserve the rest
// (falling back to the erased value if the region cannot be read back).
func (f *Flash) stageFor(ctx context.Context, addr uint32) error {
	base := addr &^ (f.WriteSize - 1)
	if f.staged && f.bufAddr == base {
		return nil
	}
	if f.staged {
		if err := f.flushStage(ctx); err != nil {
			return errors.Trace(err)
		}
	}
	if f.buf == nil {
		f.buf = make([]byte, f.WriteSize)
	}
	if err := f.Target.ReadMem(ctx, f.buf, base); err != nil {
		glog.V(2).Infof("flash 0x%08x: readback of 0x%08x failed, padding with 0x%02x",
			f.Start, base, f.Erased)
		for i := range f.buf {
			f.buf[i] = f.Erased
		}
	}
	f.bufAddr = base
	f.staged = true
	return nil
}

func (f *Flash) flushStage(ctx context.Context) error {
	f.staged = false
	if err := f.Driver.Write(ctx, f, f.bufAddr, f.buf); err != nil {
		return errors.Annotatef(dbgerr.Newf(dbgerr.FlashProgram,
			"programming 0x%08x: %v", f.bufAddr, err), "flash 0x%08x", f.Start)
	}
	return nil
}

func (t *Target) flashRegionFor(addr uint32) *Flash {
	for _, f := range t.flash {
		if f.contains(addr) {
			return f
		}
	}
	return nil
}

// doneAll drives done on every region that saw a prepare. It runs on
// every exit path of the flash entry points; the first error wins but
// every region still gets its done.
func (t *Target) doneAll(ctx context.Context, errp *error) {
	for _, f := range t.flash {
		if err := f.done(ctx); err != nil && *errp == nil {
			*errp = errors.Trace(err)
		}
	}
}

// FlashErase erases every region intersecting [addr, addr+length),
// sector-aligned; the engine pads the request out to sector boundaries.
func (t *Target) FlashErase(ctx context.Context, addr, length uint32) (err error) {
	defer t.doneAll(ctx, &err)
	total := int(length)
	for length > 0 {
		f := t.flashRegionFor(addr)
		if f == nil {
			return errors.Trace(dbgerr.Newf(dbgerr.OutOfRange,
				"no flash at 0x%08x", addr))
		}
		if err := f.prepare(ctx, FlashErasing); err != nil {
			return errors.Trace(err)
		}
		end := addr + length
		if end > f.End() || end < addr { // clamp, mind wraparound
			end = f.End()
		}
		sector := f.Start + (addr-f.Start)&^(f.BlockSize-1)
		for sector < end {
			glog.V(3).Infof("erase sector 0x%08x", sector)
			if serr := f.Driver.EraseSector(ctx, f, sector); serr != nil {
				return errors.Annotatef(dbgerr.Newf(dbgerr.FlashErase,
					"sector 0x%08x: %v", sector, serr), "flash 0x%08x", f.Start)
			}
			sector += f.BlockSize
			if serr := ctx.Err(); serr != nil {
				return errors.Trace(serr)
			}
		}
		done := end - addr
		addr = end
		length -= done
		t.progress(total-int(length), total)
	}
	return nil
}

// FlashWrite programs src at dest, decomposing across regions and
// rounding to each region's writesize through the stage buffer.
// The data is not committed until FlashComplete.
func (t *Target) FlashWrite(ctx context.Context, dest uint32, src []byte) (err error) {
	defer func() {
		if err != nil {
			t.doneAll(ctx, &err)
		}
	}()
	total := len(src)
	for len(src) > 0 {
		f := t.flashRegionFor(dest)
		if f == nil {
			return errors.Trace(dbgerr.Newf(dbgerr.OutOfRange,
				"no flash at 0x%08x", dest))
		}
		if err := f.prepare(ctx, FlashWriting); err != nil {
			return errors.Trace(err)
		}
		n := int(f.End() - dest)
		if n > len(src) {
			n = len(src)
		}
		chunk := src[:n]
		for len(chunk) > 0 {
			if err := f.stageFor(ctx, dest); err != nil {
				return errors.Trace(err)
			}
			off := int(dest - f.bufAddr)
			c := copy(f.buf[off:], chunk)
			dest += uint32(c)
			chunk = chunk[c:]
			// A filled stage ships immediately; a partial one waits for
			// more data or the final flush.
			if off+c == int(f.WriteSize) {
				if err := f.flushStage(ctx); err != nil {
					return errors.Trace(err)
				}
			}
		}
		src = src[n:]
		t.progress(total-len(src), total)
	}
	return nil
}

// FlashComplete flushes every half-staged block and drives done on all
// prepared regions. After it returns, every region is idle.
func (t *Target) FlashComplete(ctx context.Context) (err error) {
	t.doneAll(ctx, &err)
	return err
}

// MassErase wipes the whole device: through the driver's dedicated
// sequence when one is registered, else region by region, preferring a
// controller-level erase where the region driver has one.
func (t *Target) MassErase(ctx context.Context) (err error) {
	if t.MassEraseHook != nil {
		return errors.Trace(t.MassEraseHook(ctx, t))
	}
	defer t.doneAll(ctx, &err)
	for _, f := range t.flash {
		if me, ok := f.Driver.(MassEraser); ok {
			if err := f.prepare(ctx, FlashMassErase); err != nil {
				return errors.Trace(err)
			}
			if merr := me.MassErase(ctx, f); merr != nil {
				return errors.Annotatef(dbgerr.Newf(dbgerr.FlashErase,
					"mass erase: %v", merr), "flash 0x%08x", f.Start)
			}
			continue
		}
		if err := t.FlashErase(ctx, f.Start, f.Length); err != nil {
			return errors.Trace(err)
		}
	}
	return nil
}
