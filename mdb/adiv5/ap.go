package adiv5

import (
	"context"

	"github.com/cesanta/errors"
	"github.com/golang/glog"

	"github.com/mongoose-os/mdb/mdb/dbgerr"
)

// Align is a MEM-AP transfer size in bytes.
type Align int

const (
	Align8  Align = 1
	Align16 Align = 2
	Align32 Align = 4
	Align64 Align = 8
)

// CSW fields.
const (
	cswSize8       = 0x0
	cswSize16      = 0x1
	cswSize32      = 0x2
	cswAddrIncOn   = 0x10
	cswDeviceEn    = 0x40
	cswDbgSwEnable = 1 << 31
	// HPROT data, privileged, plus MasterDebug on AHB-APs.
	cswDefaults = 0x23000040
)

// The TAR auto-increment window: streaming must rearm TAR every time the
// address crosses a 1 KiB boundary.
const autoIncWindow = 0x400

// AP is one access port on a DP. Sel is the 8-bit APSEL for ADIv5 or the
// AP base address for ADIv6.
type AP struct {
	DP  *DP
	Sel uint64

	IDR  uint32
	CFG  uint32
	Base uint64
	// CSWBase carries bus-specific CSW bits ORed into every transfer
	// (e.g. MasterDebug for AHB-APs).
	CSWBase uint32

	// WriteSized, when set, replaces the sized write path. MM32-class
	// clone parts that cannot lane-pack sub-word writes install this.
	WriteSized func(ctx context.Context, ap *AP, addr uint64, data []byte, align Align) error

	refs     int
	cswCache uint32
	cswValid bool
}

// NewAP binds an AP handle to a DP without touching the target.
func NewAP(dp *DP, sel uint64) *AP {
	return &AP{DP: dp, Sel: sel, CSWBase: cswDefaults}
}

// Probe reads the AP identification registers. Returns false if no AP
// responds at this selector.
func (ap *AP) Probe(ctx context.Context) (bool, error) {
	idr, err := ap.DP.ReadAPReg(ctx, ap.Sel, APIDR&^apFlag)
	if err != nil {
		return false, errors.Trace(err)
	}
	if idr == 0 {
		return false, nil
	}
	ap.IDR = idr
	if ap.CFG, err = ap.DP.ReadAPReg(ctx, ap.Sel, APCFG&^apFlag); err != nil {
		return false, errors.Trace(err)
	}
	base, err := ap.DP.ReadAPReg(ctx, ap.Sel, APBase&^apFlag)
	if err != nil {
		return false, errors.Trace(err)
	}
	ap.Base = uint64(base)
	if ap.CFG&0x2 != 0 { // LA: large addressing
		hi, err := ap.DP.ReadAPReg(ctx, ap.Sel, APBaseHi&^apFlag)
		if err != nil {
			return false, errors.Trace(err)
		}
		ap.Base |= uint64(hi) << 32
	}
	glog.V(1).Infof("AP 0x%x: IDR 0x%08x CFG 0x%08x BASE 0x%x", ap.Sel, ap.IDR, ap.CFG, ap.Base)
	return true, nil
}

// IsMemAP reports whether the AP implements the MEM-AP register file.
func (ap *AP) IsMemAP() bool {
	return ap.IDR&0x10000 != 0 // CLASS == 8
}

// AddRef and Release track the targets sharing this AP. The AP is torn
// down with its DP once the count reaches zero.
func (ap *AP) AddRef() *AP {
	ap.refs++
	return ap
}

func (ap *AP) Release() {
	ap.refs--
	if ap.refs <= 0 {
		glog.V(2).Infof("AP 0x%x released", ap.Sel)
	}
}

func (ap *AP) Read(ctx context.Context, reg Reg) (uint32, error) {
	return ap.DP.ReadAPReg(ctx, ap.Sel, reg&^apFlag)
}

func (ap *AP) Write(ctx context.Context, reg Reg, value uint32) error {
	return ap.DP.WriteAPReg(ctx, ap.Sel, reg&^apFlag, value)
}

func (ap *AP) setCSW(ctx context.Context, align Align) error {
	csw := ap.CSWBase | cswAddrIncOn
	switch align {
	case Align8:
		csw |= cswSize8
	case Align16:
		csw |= cswSize16
	case Align32, Align64:
		csw |= cswSize32
	default:
		return errors.Trace(dbgerr.Newf(dbgerr.LogicError, "bad alignment %d", align))
	}
	if ap.cswValid && ap.cswCache == csw {
		return nil
	}
	if err := ap.Write(ctx, APCSW, csw); err != nil {
		return errors.Trace(err)
	}
	ap.cswCache = csw
	ap.cswValid = true
	return nil
}

func (ap *AP) setTAR(ctx context.Context, addr uint64) error {
	if ap.CFG&0x2 != 0 {
		if err := ap.Write(ctx, APTARHi, uint32(addr>>32)); err != nil {
			return errors.Trace(err)
		}
	}
	return errors.Trace(ap.Write(ctx, APTAR, uint32(addr)))
}

// AlignOf picks the widest transfer size that both the address and the
// length are aligned to, capped at 32 bits.
func AlignOf(addr uint64, length int) Align {
	a := addr | uint64(length)
	switch {
	case a&1 != 0:
		return Align8
	case a&2 != 0:
		return Align16
	default:
		return Align32
	}
}

// ReadWord reads one aligned 32-bit word from target memory.
func (ap *AP) ReadWord(ctx context.Context, addr uint64) (uint32, error) {
	if err := ap.setCSW(ctx, Align32); err != nil {
		return 0, errors.Trace(err)
	}
	if err := ap.setTAR(ctx, addr); err != nil {
		return 0, errors.Trace(err)
	}
	value, err := ap.Read(ctx, APDRW)
	if err != nil {
		return 0, errors.Annotatef(err, "mem read of 0x%x failed", addr)
	}
	glog.V(4).Infof("[0x%08x] == 0x%08x", addr, value)
	return value, nil
}

// WriteWord writes one aligned 32-bit word to target memory.
func (ap *AP) WriteWord(ctx context.Context, addr uint64, value uint32) error {
	if err := ap.setCSW(ctx, Align32); err != nil {
		return errors.Trace(err)
	}
	if err := ap.setTAR(ctx, addr); err != nil {
		return errors.Trace(err)
	}
	glog.V(4).Infof("[0x%08x] = 0x%08x", addr, value)
	return errors.Annotatef(ap.Write(ctx, APDRW, value), "mem write of 0x%x failed", addr)
}

// MemRead fills data from target memory starting at addr. The transfer
// size is chosen from the alignment of addr and len; TAR is rearmed on
// every auto-increment window crossing.
func (ap *AP) MemRead(ctx context.Context, data []byte, addr uint64) error {
	if len(data) == 0 {
		return nil
	}
	align := AlignOf(addr, len(data))
	if err := ap.setCSW(ctx, align); err != nil {
		return errors.Trace(err)
	}
	sz := int(align)
	for off := 0; off < len(data); {
		if err := ap.setTAR(ctx, addr); err != nil {
			return errors.Trace(err)
		}
		n := int(autoIncWindow-(addr&(autoIncWindow-1))) / sz
		if rem := (len(data) - off) / sz; n > rem {
			n = rem
		}
		words := make([]uint32, n)
		if err := ap.DP.ReadAPMulti(ctx, ap.Sel, APDRW&^apFlag, words); err != nil {
			return errors.Annotatef(err, "mem read of 0x%x failed", addr)
		}
		for _, w := range words {
			// Sub-word data arrives in its byte lane.
			v := w >> (8 * uint(addr&3))
			for i := 0; i < sz; i++ {
				data[off+i] = byte(v >> (8 * uint(i)))
			}
			addr += uint64(sz)
			off += sz
		}
	}
	return nil
}

// MemWrite stores data to target memory with the given transfer size.
// Sub-word writes place the data in the correct byte lane of DRW.
func (ap *AP) MemWrite(ctx context.Context, addr uint64, data []byte, align Align) error {
	if len(data) == 0 {
		return nil
	}
	if ap.WriteSized != nil {
		return errors.Trace(ap.WriteSized(ctx, ap, addr, data, align))
	}
	return errors.Trace(ap.memWriteSized(ctx, addr, data, align))
}

func (ap *AP) memWriteSized(ctx context.Context, addr uint64, data []byte, align Align) error {
	if align == Align64 {
		align = Align32 // 64-bit quanta go out as paired words
	}
	if err := ap.setCSW(ctx, align); err != nil {
		return errors.Trace(err)
	}
	sz := int(align)
	if len(data)%sz != 0 || addr%uint64(sz) != 0 {
		return errors.Trace(dbgerr.Newf(dbgerr.LogicError,
			"write of %d bytes at 0x%x not %d-byte aligned", len(data), addr, sz))
	}
	for off := 0; off < len(data); {
		if err := ap.setTAR(ctx, addr); err != nil {
			return errors.Trace(err)
		}
		n := int(autoIncWindow-(addr&(autoIncWindow-1))) / sz
		if rem := (len(data) - off) / sz; n > rem {
			n = rem
		}
		words := make([]uint32, n)
		for i := range words {
			var v uint32
			for b := 0; b < sz; b++ {
				v |= uint32(data[off+i*sz+b]) << (8 * uint(b))
			}
			// Shift sub-word data into its byte lane.
			words[i] = v << (8 * uint((addr+uint64(i*sz))&3))
		}
		if err := ap.DP.WriteAPMulti(ctx, ap.Sel, APDRW&^apFlag, words); err != nil {
			return errors.Annotatef(err, "mem write of 0x%x failed", addr)
		}
		addr += uint64(n * sz)
		off += n * sz
	}
	return nil
}

// CheckError reads and clears any sticky error accumulated by preceding
// memory traffic. Flash drivers call this after MMIO bursts.
func (ap *AP) CheckError(ctx context.Context) error {
	stat, err := ap.DP.ReadDP(ctx, CtrlStat)
	if err != nil {
		return errors.Trace(err)
	}
	if stat&(CtrlSTICKYERR|CtrlSTICKYORUN) == 0 {
		return nil
	}
	if err := ap.DP.ClearErrors(ctx); err != nil {
		return errors.Trace(err)
	}
	return errors.Trace(dbgerr.Newf(dbgerr.BusFault,
		"sticky error after memory access (CTRL/STAT 0x%08x)", stat))
}

// EnumerateAPs walks the DP's AP address space and returns the live APs.
// ADIv5 scans the 8-bit APSEL space, stopping after a run of empty
// selectors; ADIv6 discovers APs through the root ROM table.
func EnumerateAPs(ctx context.Context, dp *DP) ([]*AP, error) {
	if dp.ADIv6 {
		return enumerateAPsV6(ctx, dp)
	}
	var aps []*AP
	empty := 0
	for sel := uint64(0); sel < 256; sel++ {
		ap := NewAP(dp, sel)
		ok, err := ap.Probe(ctx)
		if err != nil {
			// A dead selector can fault the access; clear and move on.
			if derr := dp.ClearErrors(ctx); derr != nil {
				return nil, errors.Trace(derr)
			}
			ok = false
		}
		if !ok {
			empty++
			if empty >= 8 {
				break
			}
			continue
		}
		empty = 0
		aps = append(aps, ap)
	}
	if len(aps) == 0 {
		return nil, errors.Trace(dbgerr.Newf(dbgerr.ProbeFailure, "no APs on DP"))
	}
	return aps, nil
}

// DPv3 BASEPTR registers: bank 2/3, address 0x0.
const (
	basePtr0 Reg = 0x20
	basePtr1 Reg = 0x30
)

func enumerateAPsV6(ctx context.Context, dp *DP) ([]*AP, error) {
	lo, err := dp.ReadDP(ctx, basePtr0)
	if err != nil {
		return nil, errors.Trace(err)
	}
	hi, err := dp.ReadDP(ctx, basePtr1)
	if err != nil {
		return nil, errors.Trace(err)
	}
	if lo&1 == 0 {
		return nil, errors.Trace(dbgerr.Newf(dbgerr.ProbeFailure, "ADIv6 DP has no valid BASEPTR"))
	}
	root := uint64(hi)<<32 | uint64(lo&^0xfff)
	aps, err := discoverAPsAt(ctx, dp, root, 0)
	if err != nil {
		return nil, errors.Trace(err)
	}
	if len(aps) == 0 {
		return nil, errors.Trace(dbgerr.Newf(dbgerr.ProbeFailure, "no APs in ADIv6 ROM"))
	}
	return aps, nil
}

// discoverAPsAt treats the component at base as an ADIv6 ROM table whose
// entries are APs or nested tables.
func discoverAPsAt(ctx context.Context, dp *DP, base uint64, depth int) ([]*AP, error) {
	if depth > romMaxDepth {
		return nil, errors.Trace(dbgerr.Newf(dbgerr.ProtocolError,
			"ADIv6 AP ROM nesting exceeds %d", romMaxDepth))
	}
	var aps []*AP
	for i := 0; i < romMaxEntries; i++ {
		entry, err := dp.readV6(ctx, base+uint64(i)*4)
		if err != nil {
			return nil, errors.Trace(err)
		}
		switch entry & 0x3 {
		case 0x0: // FINAL
			return aps, nil
		case 0x1, 0x2: // NOT_PRESENT, INVALID
			continue
		}
		addr := base + uint64(int64(int32(entry&^0xfff)))
		ap := NewAP(dp, addr)
		ok, err := ap.Probe(ctx)
		if err != nil {
			return nil, errors.Trace(err)
		}
		if ok && ap.IsMemAP() {
			aps = append(aps, ap)
			continue
		}
		sub, err := discoverAPsAt(ctx, dp, addr, depth+1)
		if err != nil {
			return nil, errors.Trace(err)
		}
		aps = append(aps, sub...)
	}
	return aps, nil
}
