package adiv5

import (
	"context"
	"testing"

	"github.com/mongoose-os/mdb/mdb/dbgerr"
)

// swdSim models a DP at the other end of the serial wire, faithfully
// enough to exercise bring-up, ACK handling and the posted-read pipeline.
type swdSim struct {
	idcode uint32

	// Scripted behavior.
	waitCount int  // answer WAIT to this many requests
	faultNext bool // answer FAULT to the next request

	// Observed traffic.
	aborts     []uint32
	selectReg  uint32
	ctrlstat   uint32
	resetBits  int
	sawJTAGSWD bool

	apRegs      map[uint32]uint32
	apReadQueue []uint32

	pending  uint32 // posted AP read result
	readData uint32
	req      struct {
		active bool
		ap     bool
		rnw    bool
		a23    uint8
	}
}

func newSWDSim(idcode uint32) *swdSim {
	return &swdSim{idcode: idcode, apRegs: make(map[uint32]uint32)}
}

func (s *swdSim) apKey(a23 uint8) uint32 {
	return s.selectReg&0xff0000f0 | uint32(a23)
}

func (s *swdSim) SeqOut(ctx context.Context, value uint32, bits int) error {
	if bits >= 28 && value == 0xffffffff {
		s.resetBits += bits
		return nil
	}
	if bits == 16 && value == 0xe79e {
		s.sawJTAGSWD = true
		return nil
	}
	if bits == 8 && value&0xc1 == 0x81 {
		s.req.active = true
		s.req.ap = value&0x02 != 0
		s.req.rnw = value&0x04 != 0
		s.req.a23 = uint8(value>>1) & 0xc
	}
	return nil
}

func (s *swdSim) SeqIn(ctx context.Context, bits int) (uint32, error) {
	if bits != 3 || !s.req.active {
		return 0, nil
	}
	if s.waitCount > 0 {
		s.waitCount--
		s.req.active = false
		return ackWait, nil
	}
	if s.faultNext {
		s.faultNext = false
		s.req.active = false
		return ackFault, nil
	}
	if s.req.rnw {
		if s.req.ap {
			// Posted: this access returns the previous result.
			s.readData = s.pending
			if len(s.apReadQueue) > 0 {
				s.pending = s.apReadQueue[0]
				s.apReadQueue = s.apReadQueue[1:]
			} else {
				s.pending = s.apRegs[s.apKey(s.req.a23)]
			}
		} else {
			switch s.req.a23 {
			case 0x0:
				s.readData = s.idcode
			case 0x4:
				s.readData = s.ctrlstat
			case 0x8:
				s.readData = s.selectReg
			case 0xc:
				s.readData = s.pending
			}
		}
	}
	return ackOK, nil
}

func (s *swdSim) SeqInParity(ctx context.Context, bits int) (uint32, bool, error) {
	s.req.active = false
	return s.readData, true, nil
}

func (s *swdSim) SeqOutParity(ctx context.Context, value uint32, bits int) error {
	if !s.req.active {
		return nil
	}
	if s.req.ap {
		s.apRegs[s.apKey(s.req.a23)] = value
	} else {
		switch s.req.a23 {
		case 0x0:
			s.aborts = append(s.aborts, value)
		case 0x4:
			// Mirror the power-up requests straight into the ACK bits.
			s.ctrlstat = value &^ (CtrlCSYSPWRUPACK | CtrlCDBGPWRUPACK)
			if value&CtrlCDBGPWRUPREQ != 0 {
				s.ctrlstat |= CtrlCDBGPWRUPACK
			}
			if value&CtrlCSYSPWRUPREQ != 0 {
				s.ctrlstat |= CtrlCSYSPWRUPACK
			}
		case 0x8:
			s.selectReg = value
		}
	}
	s.req.active = false
	return nil
}

// S1: SWD bring-up against a DPIDR of 0x0bb11477.
func TestSWDConnect(t *testing.T) {
	ctx := context.Background()
	sim := newSWDSim(0x0bb11477)
	dp := NewSWDDP(sim)
	if err := dp.Connect(ctx); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if got, want := uint16(dp.Designer), uint16(0x23b); got != want {
		t.Errorf("designer: got 0x%03x, want 0x%03x", got, want)
	}
	if dp.Version != 1 {
		t.Errorf("version: got %d, want 1", dp.Version)
	}
	if dp.ADIv6 {
		t.Errorf("DP misdetected as ADIv6")
	}
	if sim.resetBits < 50 {
		t.Errorf("line reset too short: %d cycles", sim.resetBits)
	}
	if !sim.sawJTAGSWD {
		t.Errorf("no JTAG-to-SWD switch sequence seen")
	}
	var cleared bool
	for _, a := range sim.aborts {
		if a == 0x0000001e {
			cleared = true
		}
	}
	if !cleared {
		t.Errorf("sticky errors not cleared, ABORT writes: %#v", sim.aborts)
	}
	if sim.ctrlstat&(CtrlCDBGPWRUPREQ|CtrlCSYSPWRUPREQ) != CtrlCDBGPWRUPREQ|CtrlCSYSPWRUPREQ {
		t.Errorf("debug power not requested, CTRL/STAT 0x%08x", sim.ctrlstat)
	}
}

// Property: N posted AP reads followed by one RDBUFF drain yield the N
// values in order, even with DP register writes mixed in.
func TestAPReadPipelining(t *testing.T) {
	ctx := context.Background()
	sim := newSWDSim(0x0bb11477)
	dp := NewSWDDP(sim)
	if err := dp.Connect(ctx); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	sim.apReadQueue = []uint32{0x11111111, 0x22222222, 0x33333333}
	ll := dp.ll
	if v, err := ll.LowAccess(ctx, true, APDRW, 0); err != nil || v != 0 {
		t.Fatalf("first posted read: got 0x%08x, %v; want stale 0", v, err)
	}
	// A DP write must not disturb the posted read.
	if err := dp.WriteDP(ctx, CtrlStat, sim.ctrlstat); err != nil {
		t.Fatalf("interleaved DP write: %v", err)
	}
	v2, err := ll.LowAccess(ctx, true, APDRW, 0)
	if err != nil {
		t.Fatalf("second posted read: %v", err)
	}
	v3, err := ll.LowAccess(ctx, true, APDRW, 0)
	if err != nil {
		t.Fatalf("third posted read: %v", err)
	}
	last, err := ll.DPRead(ctx, RDBuff)
	if err != nil {
		t.Fatalf("RDBUFF drain: %v", err)
	}
	got := []uint32{v2, v3, last}
	want := []uint32{0x11111111, 0x22222222, 0x33333333}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("pipelined read %d: got 0x%08x, want 0x%08x", i, got[i], want[i])
		}
	}
}

func TestReadAPMulti(t *testing.T) {
	ctx := context.Background()
	sim := newSWDSim(0x0bb11477)
	dp := NewSWDDP(sim)
	if err := dp.Connect(ctx); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	sim.apReadQueue = []uint32{1, 2, 3, 4, 5}
	out := make([]uint32, 5)
	if err := dp.ReadAPMulti(ctx, 0, APDRW&^apFlag, out); err != nil {
		t.Fatalf("ReadAPMulti: %v", err)
	}
	for i, v := range out {
		if v != uint32(i+1) {
			t.Errorf("out[%d]: got %d, want %d", i, v, i+1)
		}
	}
}

func TestWaitRetry(t *testing.T) {
	ctx := context.Background()
	sim := newSWDSim(0x0bb11477)
	dp := NewSWDDP(sim)
	if err := dp.Connect(ctx); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	sim.waitCount = 5
	if _, err := dp.ReadDP(ctx, CtrlStat); err != nil {
		t.Fatalf("read after transient WAITs: %v", err)
	}
}

func TestFaultClearsSticky(t *testing.T) {
	ctx := context.Background()
	sim := newSWDSim(0x0bb11477)
	dp := NewSWDDP(sim)
	if err := dp.Connect(ctx); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	sim.aborts = nil
	sim.faultNext = true
	_, err := dp.ReadAPReg(ctx, 0, APDRW&^apFlag)
	if !dbgerr.IsBusFault(err) {
		t.Fatalf("fault: got %v, want bus fault", err)
	}
	if len(sim.aborts) == 0 {
		t.Errorf("no ABORT write after FAULT")
	}
}
