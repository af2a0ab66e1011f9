package stm32f1

import (
	"bytes"
	"context"
	"testing"

	"github.com/mongoose-os/mdb/mdb/target"
)

// fpecSim models the two FPEC banks of an XL-density part plus the
// backing flash array: key-staged unlock, PER/MER/PG modes, one BSY
// cycle per operation.
type fpecSim struct {
	flash map[uint32]byte

	locked   [2]bool
	keyStage [2]int
	cr       [2]uint32
	ar       [2]uint32
	busy     [2]int
	bsyWaits [2]int
	erases   [2][]uint32
	crWrites [2][]uint32
}

func newFPECSim() *fpecSim {
	s := &fpecSim{flash: make(map[uint32]byte)}
	s.locked[0], s.locked[1] = true, true
	return s
}

func (s *fpecSim) bankOf(reg uint32) (int, uint32) {
	if reg >= fpecBase+bank2Offset && reg < fpecBase+bank2Offset+0x20 {
		return 1, reg - bank2Offset
	}
	return 0, reg
}

func (s *fpecSim) ReadWord(ctx context.Context, addr uint32) (uint32, error) {
	switch addr {
	case idcodeF1:
		return 0x10036430, nil // XL density
	case flashSizeReg &^ 3:
		return 1024, nil // KB
	}
	bank, reg := s.bankOf(addr)
	switch reg {
	case regSR:
		if s.busy[bank] > 0 {
			s.busy[bank]--
			s.bsyWaits[bank]++
			return srBSY, nil
		}
		return 0, nil
	case regCR:
		cr := s.cr[bank]
		if s.locked[bank] {
			cr |= crLOCK
		}
		return cr, nil
	}
	if addr >= flashBase && addr < flashBase+0x100000 {
		var v uint32
		for i := uint32(0); i < 4; i++ {
			v |= uint32(s.byteAt(addr+i)) << (8 * i)
		}
		return v, nil
	}
	return 0, nil
}

func (s *fpecSim) byteAt(addr uint32) byte {
	if b, ok := s.flash[addr]; ok {
		return b
	}
	return 0xff
}

func (s *fpecSim) WriteWord(ctx context.Context, addr uint32, value uint32) error {
	bank, reg := s.bankOf(addr)
	switch reg {
	case regKEYR:
		switch {
		case s.keyStage[bank] == 0 && value == key1:
			s.keyStage[bank] = 1
		case s.keyStage[bank] == 1 && value == key2:
			s.locked[bank] = false
			s.keyStage[bank] = 0
		default:
			s.keyStage[bank] = 0
		}
	case regCR:
		s.crWrites[bank] = append(s.crWrites[bank], value)
		s.cr[bank] = value
		if value&crLOCK != 0 {
			s.locked[bank] = true
			s.cr[bank] = 0
		}
		if value&crSTRT != 0 && value&crPER != 0 {
			a := s.ar[bank] &^ 0x7ff
			s.erases[bank] = append(s.erases[bank], a)
			for i := uint32(0); i < 0x800; i++ {
				delete(s.flash, a+i)
			}
			s.busy[bank] = 1
		}
	case regAR:
		s.ar[bank] = value
	}
	return nil
}

func (s *fpecSim) WriteHalf(ctx context.Context, addr uint32, value uint16) error {
	bank := 0
	if addr >= flashBase+bank1SizeXL {
		bank = 1
	}
	if s.cr[bank]&crPG != 0 {
		s.flash[addr] = byte(value)
		s.flash[addr+1] = byte(value >> 8)
		s.busy[bank] = 1
	}
	return nil
}

func (s *fpecSim) ReadMem(ctx context.Context, data []byte, addr uint32) error {
	for i := range data {
		data[i] = s.byteAt(addr + uint32(i))
	}
	return nil
}

func (s *fpecSim) WriteMem(ctx context.Context, addr uint32, data []byte) error {
	for i, b := range data {
		s.flash[addr+uint32(i)] = b
	}
	return nil
}

func probeXL(t *testing.T) (*fpecSim, *target.Target) {
	t.Helper()
	sim := newFPECSim()
	tgt := target.New()
	tgt.Mem = sim
	ok, err := Probe(context.Background(), tgt)
	if err != nil || !ok {
		t.Fatalf("Probe: ok=%t err=%v", ok, err)
	}
	return sim, tgt
}

func TestProbeXLDensity(t *testing.T) {
	_, tgt := probeXL(t)
	regions := tgt.FlashRegions()
	if len(regions) != 2 {
		t.Fatalf("regions: got %d, want 2 banks", len(regions))
	}
	if regions[0].Start != flashBase || regions[0].Length != bank1SizeXL {
		t.Errorf("bank 1: 0x%08x+0x%x", regions[0].Start, regions[0].Length)
	}
	if regions[1].Start != flashBase+bank1SizeXL || regions[1].Length != 512*1024 {
		t.Errorf("bank 2: 0x%08x+0x%x", regions[1].Start, regions[1].Length)
	}
	if tgt.MassEraseHook == nil {
		t.Errorf("XL part has no parallel mass erase")
	}
}

// S4: an erase spanning the bank split uses the bank-1 registers for
// the low sectors and the +0x40 mirror for the high ones.
func TestDualBankErase(t *testing.T) {
	sim, tgt := probeXL(t)
	ctx := context.Background()
	if err := tgt.FlashErase(ctx, 0x0807f000, 0x2000); err != nil {
		t.Fatalf("FlashErase: %v", err)
	}
	if len(sim.erases[0]) == 0 || sim.erases[0][0] != 0x0807f000 {
		t.Errorf("bank 1 erases: %#v", sim.erases[0])
	}
	if len(sim.erases[1]) == 0 || sim.erases[1][0] != 0x08080000 {
		t.Errorf("bank 2 erases: %#v", sim.erases[1])
	}
	for bank := 0; bank < 2; bank++ {
		var sawStart bool
		for _, cr := range sim.crWrites[bank] {
			if cr&(crPER|crSTRT) == crPER|crSTRT {
				sawStart = true
			}
		}
		if !sawStart {
			t.Errorf("bank %d never saw CR.PER|CR.STRT", bank+1)
		}
		if sim.bsyWaits[bank] == 0 {
			t.Errorf("bank %d BSY never polled", bank+1)
		}
		if !sim.locked[bank] {
			t.Errorf("bank %d left unlocked after erase", bank+1)
		}
	}
}

func TestHalfwordProgramming(t *testing.T) {
	sim, tgt := probeXL(t)
	ctx := context.Background()
	data := []byte{0x11, 0x22, 0x33, 0x44}
	if err := tgt.FlashWrite(ctx, 0x08000400, data); err != nil {
		t.Fatalf("FlashWrite: %v", err)
	}
	if err := tgt.FlashComplete(ctx); err != nil {
		t.Fatalf("FlashComplete: %v", err)
	}
	got := make([]byte, 4)
	if err := sim.ReadMem(ctx, got, 0x08000400); err != nil {
		t.Fatalf("ReadMem: %v", err)
	}
	if !bytes.Equal(got, data) {
		t.Errorf("flash contents: got %x, want %x", got, data)
	}
}
