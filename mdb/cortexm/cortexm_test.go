package cortexm

import (
	"context"
	"testing"

	"github.com/mongoose-os/mdb/mdb/dbgerr"
	"github.com/mongoose-os/mdb/mdb/target"
)

// cmSim models just enough of the SCS for the driver: DHCSR halt bits,
// the DCRSR/DCRDR register file window, FPB/DWT discovery registers.
type cmSim struct {
	mem     map[uint32]uint32
	regFile map[int]uint32

	halted  bool
	stepped bool
	// What to do when the core is released: halt again at a breakpoint
	// (stub behavior) with r0 set to this status.
	stubStatus uint32
}

func newCMSim() *cmSim {
	s := &cmSim{mem: make(map[uint32]uint32), regFile: make(map[int]uint32)}
	s.mem[regCPUID] = 0x410fc241        // Cortex-M4 r0p1
	s.mem[regFPCtrl] = 6 << 4           // 6 breakpoints, FPB rev 1
	s.mem[regDWTCtrl] = 4 << 28         // 4 watchpoints
	s.halted = false
	return s
}

func (s *cmSim) ReadWord(ctx context.Context, addr uint32) (uint32, error) {
	v := s.mem[addr]
	if addr == regDHCSR {
		v |= dhcsrSRegRdy
		if s.halted {
			v |= dhcsrSHalt
		}
	}
	return v, nil
}

func (s *cmSim) WriteWord(ctx context.Context, addr uint32, value uint32) error {
	switch addr {
	case regDHCSR:
		if value&dhcsrCHalt != 0 {
			s.halted = true
		} else if value&dhcsrCDebugEn != 0 {
			// Released: the simulated core immediately runs to the
			// stub's breakpoint.
			s.stepped = value&dhcsrCStep != 0
			s.regFile[0] = s.stubStatus
			s.halted = true
			s.mem[regDFSR] |= dfsrBkpt
		} else {
			s.halted = false
		}
	case regDCRSR:
		reg := int(value & 0x7f)
		if value&(1<<16) != 0 {
			s.regFile[reg] = s.mem[regDCRDR]
		} else {
			s.mem[regDCRDR] = s.regFile[reg]
		}
	case regDFSR:
		s.mem[regDFSR] &^= value // write-one-to-clear
		return nil
	}
	s.mem[addr] = value
	return nil
}

func (s *cmSim) WriteHalf(ctx context.Context, addr uint32, value uint16) error {
	return s.WriteMem(ctx, addr, []byte{byte(value), byte(value >> 8)})
}

func (s *cmSim) ReadMem(ctx context.Context, data []byte, addr uint32) error {
	for i := range data {
		w := s.mem[(addr+uint32(i))&^3]
		data[i] = byte(w >> (8 * ((addr + uint32(i)) & 3)))
	}
	return nil
}

func (s *cmSim) WriteMem(ctx context.Context, addr uint32, data []byte) error {
	for i, b := range data {
		a := addr + uint32(i)
		w := s.mem[a&^3]
		sh := 8 * (a & 3)
		s.mem[a&^3] = w&^(0xff<<sh) | uint32(b)<<sh
	}
	return nil
}

func attach(t *testing.T) (*cmSim, *CortexM) {
	t.Helper()
	sim := newCMSim()
	c := New(sim)
	if err := c.Attach(context.Background()); err != nil {
		t.Fatalf("Attach: %v", err)
	}
	return sim, c
}

func TestAttach(t *testing.T) {
	sim, c := attach(t)
	if c.Kind != target.CortexM4 {
		t.Errorf("kind: got %s, want Cortex-M4", c.Kind)
	}
	if c.numBreak != 6 || c.numWatch != 4 {
		t.Errorf("units: got %d/%d, want 6/4", c.numBreak, c.numWatch)
	}
	if !sim.halted {
		t.Errorf("attach did not halt the core")
	}
	demcr := sim.mem[regDEMCR]
	want := uint32(demcrVCCoreReset | demcrTrcEna | demcrVCFaults)
	if demcr != want {
		t.Errorf("DEMCR: got 0x%08x, want 0x%08x", demcr, want)
	}
	if sim.mem[regFPCtrl]&0x3 != 0x3 {
		t.Errorf("FPB not enabled: FP_CTRL 0x%08x", sim.mem[regFPCtrl])
	}
}

func TestRegisterFile(t *testing.T) {
	_, c := attach(t)
	ctx := context.Background()
	if err := c.WriteReg(ctx, 7, 0xdeadbeef); err != nil {
		t.Fatalf("WriteReg: %v", err)
	}
	v, err := c.ReadReg(ctx, 7)
	if err != nil {
		t.Fatalf("ReadReg: %v", err)
	}
	if v != 0xdeadbeef {
		t.Errorf("r7: got 0x%08x, want 0xdeadbeef", v)
	}
}

// Property: breakpoint units are a finite resource; exhaustion reports
// NoResource, clearing frees the unit.
func TestBreakpointExhaustion(t *testing.T) {
	sim, c := attach(t)
	ctx := context.Background()
	for i := 0; i < 6; i++ {
		if err := c.Breakpoint(ctx, 0x08000000+uint32(i)*4, true); err != nil {
			t.Fatalf("breakpoint %d: %v", i, err)
		}
	}
	err := c.Breakpoint(ctx, 0x08001000, true)
	if !dbgerr.IsNoResource(err) {
		t.Fatalf("7th breakpoint: got %v, want no resource", err)
	}
	if err := c.Breakpoint(ctx, 0x08000008, false); err != nil {
		t.Fatalf("clear: %v", err)
	}
	if err := c.Breakpoint(ctx, 0x08001000, true); err != nil {
		t.Fatalf("set after clear: %v", err)
	}
	// Rev 1 comparator: word address plus REPLACE for the lower half.
	if got := sim.mem[regFPComp+2*4]; got&0x1ffffffc != 0x08001000 || got&0x1 == 0 {
		t.Errorf("comparator 2: 0x%08x", got)
	}
}

func TestStep(t *testing.T) {
	sim, c := attach(t)
	if err := c.Resume(context.Background(), true); err != nil {
		t.Fatalf("Resume(step): %v", err)
	}
	if !sim.stepped {
		t.Errorf("step did not set C_STEP")
	}
	if sim.mem[regDHCSR]&dhcsrCMaskInts == 0 {
		t.Errorf("step did not mask interrupts")
	}
}

func TestRunStub(t *testing.T) {
	sim, c := attach(t)
	ctx := context.Background()
	stub := []byte{0x70, 0x47, 0x00, 0xbe} // bx lr; bkpt
	if err := c.RunStub(ctx, stub, 0x20000000, 0x08000000, 0x20001000, 0x100, 0); err != nil {
		t.Fatalf("RunStub: %v", err)
	}
	if w := sim.mem[0x20000000]; w != 0xbe004770 {
		t.Errorf("stub not loaded: 0x%08x", w)
	}
	for reg, want := range map[int]uint32{
		0: 0, // overwritten with the status by the sim
		1: 0x20001000, 2: 0x100,
		RegPC: 0x20000001, RegLR: 0x20000001,
	} {
		if got := sim.regFile[reg]; got != want {
			t.Errorf("stub reg %d: got 0x%08x, want 0x%08x", reg, got, want)
		}
	}
}

func TestRunStubFailure(t *testing.T) {
	sim, c := attach(t)
	sim.stubStatus = 3
	err := c.RunStub(context.Background(), []byte{0x00, 0xbe, 0x00, 0xbe}, 0x20000000, 0, 0, 0, 0)
	if kind, ok := dbgerr.KindOf(err); !ok || kind != dbgerr.FlashProgram {
		t.Fatalf("failing stub: got %v, want flash program error", err)
	}
}
