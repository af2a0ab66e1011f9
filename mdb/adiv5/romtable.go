package adiv5

import (
	"context"

	"github.com/cesanta/errors"
	"github.com/golang/glog"

	"github.com/mongoose-os/mdb/mdb/dbgerr"
	"github.com/mongoose-os/mdb/mdb/jep106"
)

// ROM walk bounds. A table holds at most 960 entries and tables nest at
// most this deep; both limits also defend against looping ROM contents.
const (
	romMaxEntries = 960
	romMaxDepth   = 8
)

// Component classes from CIDR1.
const (
	classROM       = 0x1
	classCoreSight = 0x9
	classGenericIP = 0xe
)

type ComponentKind int

const (
	KindUnknown ComponentKind = iota
	KindROMTable
	KindCortexMSCS
	KindCortexADBG
	KindDWT
	KindBPU // FPB on v7-M, BPU on v6-M
	KindITM
	KindETM
	KindTPIU
	KindETB
	KindCTI
	KindMTB
	KindTraceFunnel
	KindSTM
)

func (k ComponentKind) String() string {
	switch k {
	case KindROMTable:
		return "ROM table"
	case KindCortexMSCS:
		return "Cortex-M SCS"
	case KindCortexADBG:
		return "Cortex-A debug"
	case KindDWT:
		return "DWT"
	case KindBPU:
		return "FPB/BPU"
	case KindITM:
		return "ITM"
	case KindETM:
		return "ETM"
	case KindTPIU:
		return "TPIU"
	case KindETB:
		return "ETB"
	case KindCTI:
		return "CTI"
	case KindMTB:
		return "MTB"
	case KindTraceFunnel:
		return "trace funnel"
	case KindSTM:
		return "STM"
	}
	return "unknown"
}

// Component is one CoreSight component found during the walk.
type Component struct {
	Base     uint64
	Class    uint8
	Designer jep106.Designer
	PartNo   uint16
	Kind     ComponentKind
}

// ARM debug component part numbers, keyed for classes 9 and 14.
var armParts = map[uint16]ComponentKind{
	0x000: KindCortexMSCS, // v7-M SCS
	0x001: KindITM,
	0x002: KindDWT,
	0x003: KindBPU,
	0x008: KindCortexMSCS, // v6-M SCS
	0x00a: KindDWT,        // v6-M DWT
	0x00b: KindBPU,
	0x00c: KindCortexMSCS, // M4 SCS
	0x00e: KindBPU,
	0x906: KindCTI,
	0x907: KindETB,
	0x908: KindTraceFunnel,
	0x912: KindTPIU,
	0x913: KindITM,
	0x923: KindTPIU,
	0x924: KindETM,
	0x925: KindETM,
	0x932: KindMTB,
	0x961: KindETB,
	0x962: KindSTM,
	0x975: KindETM,
	0x9a1: KindTPIU,
	0x9a9: KindTPIU,
	0xc05: KindCortexADBG, // Cortex-A5
	0xc07: KindCortexADBG, // Cortex-A7
	0xc08: KindCortexADBG, // Cortex-A8
	0xc09: KindCortexADBG, // Cortex-A9
	0xd20: KindCortexMSCS, // M23
	0xd21: KindCortexMSCS, // M33
}

// wordBus is the slice of the MEM-AP the walker needs. Tests substitute
// a scripted memory.
type wordBus interface {
	ReadWord(ctx context.Context, addr uint64) (uint32, error)
	WriteWord(ctx context.Context, addr uint64, value uint32) error
}

// romWalker keeps the per-walk state: the memory bus, visited bases and
// the accumulated component list.
type romWalker struct {
	ap      wordBus
	visited map[uint64]bool
	found   []Component
}

// WalkROMTable walks the CoreSight ROM starting at the AP's BASE address
// and returns every component discovered.
func WalkROMTable(ctx context.Context, ap *AP) ([]Component, error) {
	return walkROM(ctx, ap, ap.Base)
}

func walkROM(ctx context.Context, mem wordBus, baseReg uint64) ([]Component, error) {
	base := baseReg &^ 0xfff
	if baseReg&0x3 == 0x2 || baseReg == 0 || baseReg == 0xffffffff {
		// Present bit clear, or a null/all-ones BASE: no debug entries.
		return nil, nil
	}
	w := &romWalker{ap: mem, visited: make(map[uint64]bool)}
	if err := w.walk(ctx, base, 0); err != nil {
		return nil, errors.Trace(err)
	}
	return w.found, nil
}

// readIDRegs reads the component and peripheral ID words at 0xfd0/0xff0.
func (w *romWalker) readIDRegs(ctx context.Context, base uint64) (cid uint32, pid uint64, err error) {
	var words [12]uint32
	// 0xfd0: PIDR4-7, 0xfe0: PIDR0-3, 0xff0: CIDR0-3.
	for i := range words {
		v, err := w.ap.ReadWord(ctx, base+0xfd0+uint64(i)*4)
		if err != nil {
			return 0, 0, errors.Annotatef(err, "failed to read ID registers at 0x%x", base)
		}
		words[i] = v
	}
	for i := 0; i < 4; i++ {
		cid |= (words[8+i] & 0xff) << (8 * uint(i))
		pid |= uint64(words[4+i]&0xff) << (8 * uint(i))
		pid |= uint64(words[i]&0xff) << (32 + 8*uint(i))
	}
	return cid, pid, nil
}

func (w *romWalker) walk(ctx context.Context, base uint64, depth int) error {
	if depth > romMaxDepth {
		return errors.Trace(dbgerr.Newf(dbgerr.ProtocolError,
			"ROM table nesting exceeds %d at 0x%x", romMaxDepth, base))
	}
	if w.visited[base] {
		glog.V(2).Infof("ROM entry 0x%x already visited, skipping", base)
		return nil
	}
	w.visited[base] = true

	cid, pid, err := w.readIDRegs(ctx, base)
	if err != nil {
		return errors.Trace(err)
	}
	if cid&0xffff0fff != 0xb105000d {
		glog.V(1).Infof("component at 0x%x has invalid CIDR 0x%08x, skipping", base, cid)
		return nil
	}
	class := uint8(cid>>12) & 0xf
	designer := jep106.Designer((pid>>32&0xf)<<7 | (pid >> 12 & 0x7f))
	partno := uint16(pid & 0xfff)
	glog.V(2).Infof("0x%x: class 0x%x designer %s part 0x%03x", base, class, designer, partno)

	switch class {
	case classROM:
		w.found = append(w.found, Component{Base: base, Class: class, Designer: designer, PartNo: partno, Kind: KindROMTable})
		return errors.Trace(w.walkTableV5(ctx, base, depth))
	case classCoreSight, classGenericIP:
		if class == classCoreSight {
			isROM, err := w.isV6ROM(ctx, base)
			if err != nil {
				return errors.Trace(err)
			}
			if isROM {
				w.found = append(w.found, Component{Base: base, Class: class, Designer: designer, PartNo: partno, Kind: KindROMTable})
				return errors.Trace(w.walkTableV6(ctx, base, depth))
			}
		}
		kind := KindUnknown
		if designer == jep106.ARM {
			kind = armParts[partno]
		}
		w.found = append(w.found, Component{Base: base, Class: class, Designer: designer, PartNo: partno, Kind: kind})
	default:
		glog.V(1).Infof("component at 0x%x has unhandled class 0x%x", base, class)
	}
	return nil
}

// walkTableV5 iterates a class 0x1 table: 32-bit entries, a zero entry
// terminates, and an entry with bit 1 (the format bit) clear is skipped;
// bit 0 is not consulted.
func (w *romWalker) walkTableV5(ctx context.Context, base uint64, depth int) error {
	for i := 0; i < romMaxEntries; i++ {
		entry, err := w.ap.ReadWord(ctx, base+uint64(i)*4)
		if err != nil {
			return errors.Annotatef(err, "failed to read ROM entry %d at 0x%x", i, base)
		}
		if entry == 0 {
			return nil
		}
		if entry&0x2 == 0 {
			// Legacy 8-bit format entries carry no component.
			continue
		}
		child := base + uint64(int64(int32(entry&^0xfff)))
		if err := w.walk(ctx, child, depth+1); err != nil {
			return errors.Trace(err)
		}
	}
	return nil
}

// DEVARCH value identifying a class 0x9 component as a ROM table.
const devarchROMTable = 0x0af7

// ADIv6 ROM entry presence states in bits [1:0].
const (
	romEntryFinal      = 0x0
	romEntryNotPresent = 0x1
	romEntryInvalid    = 0x2
	romEntryPresent    = 0x3
)

func (w *romWalker) isV6ROM(ctx context.Context, base uint64) (bool, error) {
	devarch, err := w.ap.ReadWord(ctx, base+0xfbc)
	if err != nil {
		return false, errors.Trace(err)
	}
	return devarch&0x100000 != 0 && devarch&0xffff == devarchROMTable, nil
}

// walkTableV6 iterates a class 0x9 table, honoring per-entry power
// domain gating: power-requestable entries get DBGPCR asserted and
// DBGPSR polled before recursion.
func (w *romWalker) walkTableV6(ctx context.Context, base uint64, depth int) error {
	for i := 0; i < romMaxEntries; i++ {
		entry, err := w.ap.ReadWord(ctx, base+uint64(i)*4)
		if err != nil {
			return errors.Annotatef(err, "failed to read ROM entry %d at 0x%x", i, base)
		}
		switch entry & 0x3 {
		case romEntryFinal:
			return nil
		case romEntryNotPresent, romEntryInvalid:
			continue
		}
		if entry&0x4 != 0 { // POWERIDVALID
			powerid := uint64(entry>>4) & 0x1f
			if err := w.powerUpDomain(ctx, base, powerid); err != nil {
				return errors.Trace(err)
			}
		}
		child := base + uint64(int64(int32(entry&^0xfff)))
		if err := w.walk(ctx, child, depth+1); err != nil {
			return errors.Trace(err)
		}
	}
	return nil
}

func (w *romWalker) powerUpDomain(ctx context.Context, base, powerid uint64) error {
	pcr := base + 0xa00 + powerid*4
	psr := base + 0xa80 + powerid*4
	if err := w.ap.WriteWord(ctx, pcr, 0x1); err != nil {
		return errors.Annotatef(err, "failed to request power domain %d", powerid)
	}
	for i := 0; ; i++ {
		st, err := w.ap.ReadWord(ctx, psr)
		if err != nil {
			return errors.Trace(err)
		}
		if st&0x1 != 0 {
			return nil
		}
		if i >= waitRetries {
			return errors.Trace(dbgerr.Newf(dbgerr.Timeout,
				"power domain %d did not come up", powerid))
		}
		if err := ctx.Err(); err != nil {
			return errors.Trace(err)
		}
	}
}
