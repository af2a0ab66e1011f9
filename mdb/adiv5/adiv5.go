// Package adiv5 implements the ARM Debug Interface: the Debug Port over
// SWD or JTAG, MEM-AP access with auto-increment, and the CoreSight
// ROM-table walker. Both ADIv5 and ADIv6 debug ports are handled; the
// differences are confined to AP addressing and ROM-table entry format.
//
// Doc: ARM IHI0031 (ADIv5), ARM IHI0074 (ADIv6).
package adiv5

import (
	"context"
	"fmt"

	"github.com/cesanta/errors"
	"github.com/golang/glog"

	"github.com/mongoose-os/mdb/mdb/dbgerr"
	"github.com/mongoose-os/mdb/mdb/jep106"
)

// Register addresses. Bit 8 selects the AP register file; the low byte is
// the offset within the current bank (bank in [7:4], A[3:2] in [3:2]).
type Reg uint16

const (
	apFlag Reg = 0x100

	DPIDR     Reg = 0x00
	Abort     Reg = 0x00 // write-only alias of DPIDR
	CtrlStat  Reg = 0x04
	DPIDR1    Reg = 0x10 // DP bank 1, address 0x0
	Select    Reg = 0x08
	RDBuff    Reg = 0x0c
	TargetSel Reg = 0x0c // write-only alias of RDBUFF, DPv2+
	Select1   Reg = 0x54 // DP bank 5, ADIv6

	// MEM-AP registers.
	APCSW    Reg = apFlag | 0x00
	APTAR    Reg = apFlag | 0x04
	APTARHi  Reg = apFlag | 0x08
	APDRW    Reg = apFlag | 0x0c
	APBD0    Reg = apFlag | 0x10
	APCFG    Reg = apFlag | 0xf4
	APBase   Reg = apFlag | 0xf8
	APBaseHi Reg = apFlag | 0xf0
	APIDR    Reg = apFlag | 0xfc
)

func (r Reg) ap() bool { return r&apFlag != 0 }
func (r Reg) bank() uint8 { return uint8(r>>4) & 0xf }
func (r Reg) a23() uint8 { return uint8(r) & 0x0c }
func (r Reg) String() string {
	if r.ap() {
		switch r &^ apFlag {
		case 0x00:
			return "CSW"
		case 0x04:
			return "TAR"
		case 0x0c:
			return "DRW"
		case 0xf4:
			return "CFG"
		case 0xf8:
			return "BASE"
		case 0xfc:
			return "IDR"
		}
		return fmt.Sprintf("AP+0x%02x", uint16(r&0xff))
	}
	switch r {
	case DPIDR:
		return "DPIDR"
	case CtrlStat:
		return "CTRL/STAT"
	case Select:
		return "SELECT"
	case RDBuff:
		return "RDBUFF"
	case DPIDR1:
		return "DPIDR1"
	case Select1:
		return "SELECT1"
	}
	return fmt.Sprintf("DP+0x%02x", uint16(r))
}

// ABORT register bits.
const (
	AbortDAP        = 1 << 0 // DAPABORT
	AbortSTKCMPCLR  = 1 << 1
	AbortSTKERRCLR  = 1 << 2
	AbortWDERRCLR   = 1 << 3
	AbortORUNERRCLR = 1 << 4
	// Everything except DAPABORT: clears all sticky error flags.
	AbortStickyErrors = AbortSTKCMPCLR | AbortSTKERRCLR | AbortWDERRCLR | AbortORUNERRCLR
)

// CTRL/STAT bits.
const (
	CtrlCSYSPWRUPACK = 1 << 31
	CtrlCSYSPWRUPREQ = 1 << 30
	CtrlCDBGPWRUPACK = 1 << 29
	CtrlCDBGPWRUPREQ = 1 << 28
	CtrlCDBGRSTACK   = 1 << 27
	CtrlCDBGRSTREQ   = 1 << 26
	CtrlSTICKYERR    = 1 << 5
	CtrlSTICKYCMP    = 1 << 4
	CtrlSTICKYORUN   = 1 << 1
)

// SWD/JTAG ACK values as normalized by the backends.
const (
	ackOK    = 1
	ackWait  = 2
	ackFault = 4
	ackNone  = 7
)

// How many times a WAIT response is retried before the access times out.
const waitRetries = 250

// lowLevel is the wire backend: one per link protocol.
type lowLevel interface {
	// Connect brings the link up (line reset and protocol switch) and
	// returns the DPIDR/IDCODE read during bring-up.
	Connect(ctx context.Context) (uint32, error)
	// LowAccess posts one transaction. AP reads are pipelined: the value
	// returned is the result of the previously posted read.
	LowAccess(ctx context.Context, rnw bool, addr Reg, value uint32) (uint32, error)
	// DPRead performs an immediate (drained) read of a DP register.
	DPRead(ctx context.Context, addr Reg) (uint32, error)
	// Abort writes the ABORT register, ignoring the response where the
	// protocol allows (used to recover a wedged link).
	Abort(ctx context.Context, value uint32) error
}

// DP is one debug port: a physical SWD or JTAG link endpoint.
type DP struct {
	ll lowLevel

	Designer jep106.Designer
	PartNo   uint8
	Version  uint8 // DP architecture version from DPIDR[15:12]
	ADIv6    bool
	// AddrWidth is the AP address width: 32, or more for ADIv6 DPs that
	// report large physical addressing in DPIDR1.
	AddrWidth int
	// TargetSel, when non-zero, is written after line reset to pick one
	// DP on a multi-drop SWD link (SWD v2).
	TargetSel uint32

	fault        uint8
	selectCache  uint32
	select1Cache uint32
	selectValid  bool
	select1Valid bool
}

// NewSWDDP creates a DP over a serial-wire bus. Connect must be called
// before any register access.
// The concrete backends live in swd.go and jtagdp.go.

// Fault returns the last recorded ACK/fault status for the DP.
func (dp *DP) Fault() uint8 { return dp.fault }

func (dp *DP) setFault(ack uint8) { dp.fault = ack }

// Connect brings up the link, decodes DPIDR and powers up the debug and
// system domains.
func (dp *DP) Connect(ctx context.Context) error {
	dp.selectValid = false
	dp.select1Valid = false
	dp.fault = 0
	idcode, err := dp.ll.Connect(ctx)
	if err != nil {
		return errors.Annotatef(err, "failed to bring up the debug port")
	}
	dp.Designer = jep106.FromIDCode(idcode)
	dp.Version = uint8(idcode>>12) & 0xf
	dp.PartNo = uint8(idcode >> 20)
	dp.ADIv6 = dp.Version >= 3
	dp.AddrWidth = 32
	glog.V(1).Infof("DPIDR 0x%08x: designer %s, DP v%d, part 0x%02x",
		idcode, dp.Designer, dp.Version, dp.PartNo)
	if dp.ADIv6 {
		idr1, err := dp.ReadDP(ctx, DPIDR1)
		if err != nil {
			return errors.Annotatef(err, "failed to read DPIDR1")
		}
		if w := int(idr1 & 0x7f); w > 32 {
			dp.AddrWidth = w
		}
		glog.V(1).Infof("DPIDR1 0x%08x: ASIZE %d", idr1, dp.AddrWidth)
	}
	// Clear sticky errors left over from a previous session.
	if err := dp.ClearErrors(ctx); err != nil {
		return errors.Trace(err)
	}
	if err := dp.PowerUp(ctx); err != nil {
		return errors.Trace(err)
	}
	return nil
}

// PowerUp requests the debug and system power domains and polls the ACKs.
func (dp *DP) PowerUp(ctx context.Context) error {
	req := uint32(CtrlCDBGPWRUPREQ | CtrlCSYSPWRUPREQ)
	ack := uint32(CtrlCDBGPWRUPACK | CtrlCSYSPWRUPACK)
	if err := dp.WriteDP(ctx, CtrlStat, req); err != nil {
		return errors.Annotatef(err, "failed to request debug power")
	}
	for i := 0; ; i++ {
		stat, err := dp.ReadDP(ctx, CtrlStat)
		if err != nil {
			return errors.Annotatef(err, "failed to read CTRL/STAT")
		}
		if stat&ack == ack {
			return nil
		}
		if i >= waitRetries {
			return errors.Trace(dbgerr.Newf(dbgerr.Timeout,
				"debug power-up did not complete (CTRL/STAT 0x%08x)", stat))
		}
		if err := ctx.Err(); err != nil {
			return errors.Trace(err)
		}
	}
}

// ClearErrors writes ABORT to clear all sticky error flags.
func (dp *DP) ClearErrors(ctx context.Context) error {
	dp.fault = 0
	return errors.Trace(dp.ll.Abort(ctx, AbortStickyErrors))
}

// selectDPBank makes a banked DP register addressable. Only DPv1+ have
// banked DP registers; bank 0 registers are always visible.
func (dp *DP) selectDPBank(ctx context.Context, bank uint8) error {
	if dp.Version < 1 {
		return nil
	}
	if dp.selectValid && uint8(dp.selectCache&0xf) == bank {
		return nil
	}
	sel := (dp.selectCache &^ 0xf) | uint32(bank)
	return errors.Trace(dp.writeSelect(ctx, sel))
}

func (dp *DP) writeSelect(ctx context.Context, sel uint32) error {
	if _, err := dp.ll.LowAccess(ctx, false, Select, sel); err != nil {
		return errors.Annotatef(err, "failed to write SELECT")
	}
	dp.selectCache = sel
	dp.selectValid = true
	return nil
}

// selectAP points SELECT (and SELECT1 for ADIv6) at the given AP register.
// The cached selector is re-emitted only on change.
func (dp *DP) selectAP(ctx context.Context, apsel uint64, reg Reg) error {
	var sel uint32
	if dp.ADIv6 {
		// ADIv6: SELECT holds the AP base address ORed with the register
		// bank; SELECT1 the upper 32 address bits. The MEM-AP register
		// file sits at 0xd00 within the 4 KiB AP frame.
		sel = uint32(apsel) | 0xd00 | uint32(reg&0xf0)
		sel1 := uint32(apsel >> 32)
		if !dp.select1Valid || dp.select1Cache != sel1 {
			if err := dp.selectDPBank(ctx, 5); err != nil {
				return errors.Trace(err)
			}
			if _, err := dp.ll.LowAccess(ctx, false, Select1, sel1); err != nil {
				return errors.Annotatef(err, "failed to write SELECT1")
			}
			dp.select1Cache = sel1
			dp.select1Valid = true
			// SELECT's DP bank nibble was just repointed; force re-emit.
			dp.selectValid = false
		}
	} else {
		sel = uint32(apsel)<<24 | uint32(reg&0xf0)
	}
	if dp.selectValid && dp.selectCache == sel {
		return nil
	}
	return errors.Trace(dp.writeSelect(ctx, sel))
}

// ReadDP reads a DP register, selecting its DPBANKSEL bank first where
// the address is banked.
func (dp *DP) ReadDP(ctx context.Context, reg Reg) (uint32, error) {
	// Only addresses 0x0 and 0x4 are banked; SELECT and RDBUFF are not.
	if !reg.ap() && reg.a23() < 0x8 {
		if err := dp.selectDPBank(ctx, reg.bank()); err != nil {
			return 0, errors.Trace(err)
		}
	}
	value, err := dp.ll.DPRead(ctx, reg)
	if err != nil {
		return 0, errors.Annotatef(err, "failed to read %s", reg)
	}
	glog.V(4).Infof("%s == 0x%08x", reg, value)
	return value, nil
}

// WriteDP writes a DP register.
func (dp *DP) WriteDP(ctx context.Context, reg Reg, value uint32) error {
	if !reg.ap() && reg.a23() < 0x8 {
		if err := dp.selectDPBank(ctx, reg.bank()); err != nil {
			return errors.Trace(err)
		}
	}
	glog.V(4).Infof("%s = 0x%08x", reg, value)
	if reg == Select {
		return errors.Trace(dp.writeSelect(ctx, value))
	}
	_, err := dp.ll.LowAccess(ctx, false, reg, value)
	return errors.Annotatef(err, "failed to write %s", reg)
}

// ReadAPReg reads one AP register: post the read, then drain via RDBUFF.
func (dp *DP) ReadAPReg(ctx context.Context, apsel uint64, reg Reg) (uint32, error) {
	if err := dp.selectAP(ctx, apsel, reg); err != nil {
		return 0, errors.Trace(err)
	}
	if _, err := dp.ll.LowAccess(ctx, true, reg|apFlag, 0); err != nil {
		return 0, errors.Annotatef(err, "failed to post read of %s", reg)
	}
	value, err := dp.ll.DPRead(ctx, RDBuff)
	if err != nil {
		return 0, errors.Annotatef(err, "failed to drain read of %s", reg)
	}
	glog.V(4).Infof("%s == 0x%08x", reg|apFlag, value)
	return value, nil
}

// WriteAPReg writes one AP register.
func (dp *DP) WriteAPReg(ctx context.Context, apsel uint64, reg Reg, value uint32) error {
	if err := dp.selectAP(ctx, apsel, reg); err != nil {
		return errors.Trace(err)
	}
	glog.V(4).Infof("%s = 0x%08x", reg|apFlag, value)
	_, err := dp.ll.LowAccess(ctx, false, reg|apFlag, value)
	return errors.Annotatef(err, "failed to write %s", reg)
}

// ReadAPMulti streams length reads of one AP register using the posted
// two-stage pipeline: the first response is stale and discarded, each
// further post returns the previous value, and a final RDBUFF read drains
// the last one. This is what makes DRW streaming fast.
func (dp *DP) ReadAPMulti(ctx context.Context, apsel uint64, reg Reg, out []uint32) error {
	if len(out) == 0 {
		return nil
	}
	if err := dp.selectAP(ctx, apsel, reg); err != nil {
		return errors.Trace(err)
	}
	if _, err := dp.ll.LowAccess(ctx, true, reg|apFlag, 0); err != nil {
		return errors.Annotatef(err, "failed to post read of %s", reg)
	}
	for i := 0; i < len(out)-1; i++ {
		v, err := dp.ll.LowAccess(ctx, true, reg|apFlag, 0)
		if err != nil {
			return errors.Annotatef(err, "failed to stream %s", reg)
		}
		out[i] = v
	}
	last, err := dp.ll.DPRead(ctx, RDBuff)
	if err != nil {
		return errors.Annotatef(err, "failed to drain %s", reg)
	}
	out[len(out)-1] = last
	return nil
}

// WriteAPMulti streams writes to one AP register.
func (dp *DP) WriteAPMulti(ctx context.Context, apsel uint64, reg Reg, values []uint32) error {
	if err := dp.selectAP(ctx, apsel, reg); err != nil {
		return errors.Trace(err)
	}
	for _, v := range values {
		if _, err := dp.ll.LowAccess(ctx, false, reg|apFlag, v); err != nil {
			return errors.Annotatef(err, "failed to stream write of %s", reg)
		}
	}
	return nil
}

// readV6 reads one 32-bit location in the ADIv6 DP address space (ROM
// tables and component headers live there, not behind a MEM-AP).
func (dp *DP) readV6(ctx context.Context, addr uint64) (uint32, error) {
	sel := uint32(addr) &^ 0xf
	sel1 := uint32(addr >> 32)
	if !dp.select1Valid || dp.select1Cache != sel1 {
		if err := dp.selectDPBank(ctx, 5); err != nil {
			return 0, errors.Trace(err)
		}
		if _, err := dp.ll.LowAccess(ctx, false, Select1, sel1); err != nil {
			return 0, errors.Annotatef(err, "failed to write SELECT1")
		}
		dp.select1Cache = sel1
		dp.select1Valid = true
		dp.selectValid = false
	}
	if !dp.selectValid || dp.selectCache != sel {
		if err := dp.writeSelect(ctx, sel); err != nil {
			return 0, errors.Trace(err)
		}
	}
	if _, err := dp.ll.LowAccess(ctx, true, apFlag|Reg(addr&0xc), 0); err != nil {
		return 0, errors.Trace(err)
	}
	return dp.ll.DPRead(ctx, RDBuff)
}

// DPIDRValue gives typed access to the fields of a DPIDR word.
type DPIDRValue uint32

func (v DPIDRValue) Designer() jep106.Designer { return jep106.FromIDCode(uint32(v)) }
func (v DPIDRValue) Version() uint8 { return uint8(v>>12) & 0xf }
func (v DPIDRValue) Minimal() bool { return v>>16&1 != 0 }
func (v DPIDRValue) PartNo() uint8 { return uint8(v >> 20) }
func (v DPIDRValue) Revision() uint8 { return uint8(v >> 28) }
