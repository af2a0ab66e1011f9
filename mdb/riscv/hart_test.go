package riscv

import (
	"context"
	"testing"

	"github.com/mongoose-os/mdb/mdb/dbgerr"
	"github.com/mongoose-os/mdb/mdb/target"
)

// dmSim models a v0.13 debug module with a 32-bit hart: abstract
// register access, halt/resume handshakes, no abstract memory access.
type dmSim struct {
	regs    map[uint32]uint32
	regFile map[uint32]uint32

	halted bool
}

func newDMSim() *dmSim {
	return &dmSim{regs: make(map[uint32]uint32), regFile: make(map[uint32]uint32)}
}

func (s *dmSim) Read(ctx context.Context, addr uint32) (uint32, error) {
	switch addr {
	case dmStatus:
		var st uint32 = 0x2 // version 0.13
		if s.halted {
			st |= dmsAllHalted | dmsAnyHalted
		} else {
			st |= dmsAllRunning | dmsAllResumeAck
		}
		return st, nil
	}
	return s.regs[addr], nil
}

func (s *dmSim) Write(ctx context.Context, addr uint32, value uint32) error {
	switch addr {
	case dmControl:
		if value&dmcHaltReq != 0 {
			s.halted = true
		}
		if value&dmcResumeReq != 0 {
			s.halted = false
		}
	case dmCommand:
		regno := value & 0xffff
		size := value >> 20 & 0x7
		if size > 2 {
			// rv32: wider accesses fail with cmderr "not supported".
			s.regs[dmAbstractCS] = 2 << acsCmdErrSh
			return nil
		}
		if value&(1<<17) != 0 { // transfer
			if value&(1<<16) != 0 {
				s.regFile[regno] = s.regs[dmData0]
			} else {
				s.regs[dmData0] = s.regFile[regno]
			}
		}
		return nil
	case dmAbstractCS:
		s.regs[dmAbstractCS] &^= value // clear cmderr
		return nil
	}
	s.regs[addr] = value
	return nil
}

func attachHart(t *testing.T) (*dmSim, *Hart) {
	t.Helper()
	sim := newDMSim()
	h := NewHart(sim)
	if err := h.Attach(context.Background()); err != nil {
		t.Fatalf("Attach: %v", err)
	}
	return sim, h
}

func TestHartAttach(t *testing.T) {
	sim, h := attachHart(t)
	if h.XLEN != 32 || h.Kind != target.RV32 {
		t.Errorf("sizing: XLEN %d kind %s, want 32/rv32", h.XLEN, h.Kind)
	}
	if !sim.halted {
		t.Errorf("attach did not halt the hart")
	}
	if h.numTriggers != 8 {
		t.Errorf("triggers: got %d, want 8", h.numTriggers)
	}
}

func TestHartRegisterFile(t *testing.T) {
	_, h := attachHart(t)
	ctx := context.Background()
	if err := h.WriteReg(ctx, 10, 0xcafe0000); err != nil { // a0
		t.Fatalf("WriteReg: %v", err)
	}
	v, err := h.ReadReg(ctx, 10)
	if err != nil {
		t.Fatalf("ReadReg: %v", err)
	}
	if v != 0xcafe0000 {
		t.Errorf("a0: got 0x%08x, want 0xcafe0000", v)
	}
}

func TestHartResumeAndStep(t *testing.T) {
	sim, h := attachHart(t)
	ctx := context.Background()
	if err := h.Resume(ctx, true); err != nil {
		t.Fatalf("Resume(step): %v", err)
	}
	if sim.regFile[regnoCSRBase+csrDCSR]&(1<<2) == 0 {
		t.Errorf("step did not set dcsr.step")
	}
	if err := h.Halt(ctx); err != nil {
		t.Fatalf("Halt: %v", err)
	}
	if err := h.Resume(ctx, false); err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if sim.regFile[regnoCSRBase+csrDCSR]&(1<<2) != 0 {
		t.Errorf("plain resume left dcsr.step set")
	}
}

func TestHartTriggerExhaustion(t *testing.T) {
	_, h := attachHart(t)
	ctx := context.Background()
	for i := 0; i < 8; i++ {
		if err := h.Breakpoint(ctx, 0x20000000+uint32(i)*4, true); err != nil {
			t.Fatalf("trigger %d: %v", i, err)
		}
	}
	if err := h.Breakpoint(ctx, 0x20001000, true); !dbgerr.IsNoResource(err) {
		t.Fatalf("9th trigger: got %v, want no resource", err)
	}
	if err := h.Breakpoint(ctx, 0x20000004, false); err != nil {
		t.Fatalf("clear: %v", err)
	}
	if err := h.Watchpoint(ctx, 0x20002000, 4, target.WatchWrite, true); err != nil {
		t.Fatalf("watchpoint after clear: %v", err)
	}
}
