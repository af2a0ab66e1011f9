package stm32f1

import (
	"context"

	"github.com/cesanta/errors"
	"github.com/golang/glog"

	"github.com/mongoose-os/mdb/mdb/adiv5"
	"github.com/mongoose-os/mdb/mdb/target"
)

// MM32 clones keep the F1 FPEC but their AHB-AP does not lane-pack
// sub-word DRW writes: the data always sits in the low lanes and the
// auto-increment engine cannot be trusted across transfers. The probe
// installs a sized-write override on the AP.
const mm32IDCodeReg = 0x40013400

var mm32Devices = map[uint32]device{
	0xcc568091: {"MM32F3270", 0x400, 512, false, false},
	0xcc4460b1: {"MM32SPIN27", 0x400, 128, false, false},
	0xcc56a097: {"MM32F5270", 0x400, 256, false, false},
}

// mm32WriteSized writes each element as its own addressed transfer,
// data in the low lanes, no auto-increment.
func mm32WriteSized(ctx context.Context, ap *adiv5.AP, addr uint64, data []byte, align adiv5.Align) error {
	sz := int(align)
	if align == adiv5.Align64 {
		sz = 4
	}
	for off := 0; off < len(data); off += sz {
		var v uint32
		for b := 0; b < sz && off+b < len(data); b++ {
			v |= uint32(data[off+b]) << (8 * uint(b))
		}
		if err := ap.Write(ctx, adiv5.APTAR, uint32(addr)+uint32(off)); err != nil {
			return errors.Trace(err)
		}
		if err := ap.Write(ctx, adiv5.APDRW, v); err != nil {
			return errors.Trace(err)
		}
	}
	return nil
}

// ProbeMM32 claims MindMotion MM32 parts by their DBG module IDCODE.
func ProbeMM32(ctx context.Context, t *target.Target) (bool, error) {
	idcode, err := t.ReadWord(ctx, mm32IDCodeReg)
	if err != nil {
		return false, nil
	}
	dev, ok := mm32Devices[idcode]
	if !ok {
		return false, nil
	}
	glog.V(1).Infof("%s (IDCODE 0x%08x)", dev.name, idcode)
	t.Driver = dev.name
	t.PartID = idcode
	if t.AP != nil {
		t.AP.WriteSized = mm32WriteSized
	}
	t.AddRAM(sramBase, 0x8000)
	if err := addBank(t, flashBase, dev.sizeKB*1024, dev.pageSize, 0); err != nil {
		return false, errors.Trace(err)
	}
	t.RegisterCommands(commands)
	return true, nil
}
