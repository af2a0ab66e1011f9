package adiv5

import (
	"context"
	"testing"

	"github.com/mongoose-os/mdb/mdb/dbgerr"
)

// fakeMem is a scripted 32-bit memory with a read log.
type fakeMem struct {
	words map[uint64]uint32
	reads []uint64
}

func newFakeMem() *fakeMem {
	return &fakeMem{words: make(map[uint64]uint32)}
}

func (m *fakeMem) ReadWord(ctx context.Context, addr uint64) (uint32, error) {
	m.reads = append(m.reads, addr)
	return m.words[addr], nil
}

func (m *fakeMem) WriteWord(ctx context.Context, addr uint64, value uint32) error {
	m.words[addr] = value
	return nil
}

// putComponent installs CIDR/PIDR registers for an ARM component.
func (m *fakeMem) putComponent(base uint64, class uint8, partno uint16) {
	// CIDR preamble 0xb105000d with the class in CIDR1[7:4].
	m.words[base+0xff0] = 0x0d
	m.words[base+0xff4] = uint32(class)<<4 | 0x00
	m.words[base+0xff8] = 0x05
	m.words[base+0xffc] = 0xb1
	// PIDR: ARM == continuation 4, identity 0x3b.
	m.words[base+0xfd0] = 0x04                            // PIDR4
	m.words[base+0xfe0] = uint32(partno) & 0xff           // PIDR0
	m.words[base+0xfe4] = uint32(partno)>>8 | 0xb0        // PIDR1
	m.words[base+0xfe8] = 0x0b                            // PIDR2: JEDEC used, identity[6:4]
	m.words[base+0xfec] = 0x00                            // PIDR3
}

func walkFake(t *testing.T, m *fakeMem, base uint64) []Component {
	t.Helper()
	comps, err := walkROM(context.Background(), m, base)
	if err != nil {
		t.Fatalf("walkROM: %v", err)
	}
	return comps
}

// S2: a two-entry ROM table with a zero terminator.
func TestROMWalk(t *testing.T) {
	m := newFakeMem()
	const base = 0xe00ff000
	m.putComponent(base, classROM, 0x4c4)
	m.words[base+0] = 0xfff0f002
	m.words[base+4] = 0xfff42003
	m.words[base+8] = 0

	scs := uint64((base + 0xfff0f000) & 0xffffffff)
	etm := uint64((base + 0xfff42000) & 0xffffffff)
	m.putComponent(scs, classGenericIP, 0x008)
	m.putComponent(etm, classCoreSight, 0x925)

	comps := walkFake(t, m, base|0x3)
	want := []struct {
		base uint64
		kind ComponentKind
	}{
		{base, KindROMTable},
		{scs, KindCortexMSCS},
		{etm, KindETM},
	}
	if len(comps) != len(want) {
		t.Fatalf("got %d components, want %d: %+v", len(comps), len(want), comps)
	}
	for i, w := range want {
		if comps[i].Base != w.base || comps[i].Kind != w.kind {
			t.Errorf("component %d: got {0x%x %s}, want {0x%x %s}",
				i, comps[i].Base, comps[i].Kind, w.base, w.kind)
		}
	}
}

// Property: the walker terminates on cyclic ROM contents and never
// visits a component twice.
func TestROMWalkCycle(t *testing.T) {
	m := newFakeMem()
	var a, b = uint64(0xe00ff000), uint64(0xe0100000)
	m.putComponent(a, classROM, 0x4c4)
	m.putComponent(b, classROM, 0x4c4)
	m.words[a+0] = uint32(b-a) | 0x3
	m.words[a+4] = 0
	m.words[b+0] = uint32(a-b) | 0x3
	m.words[b+4] = 0

	comps := walkFake(t, m, a|0x3)
	if len(comps) != 2 {
		t.Fatalf("got %d components, want 2 (each table once): %+v", len(comps), comps)
	}
	seen := map[uint64]int{}
	for _, r := range m.reads {
		if r == a+0xff0 || r == b+0xff0 {
			seen[r]++
		}
	}
	for addr, n := range seen {
		if n > 1 {
			t.Errorf("component at 0x%x identified %d times", addr, n)
		}
	}
}

// Property: nesting deeper than the recursion bound is rejected rather
// than followed forever.
func TestROMWalkDepthBound(t *testing.T) {
	m := newFakeMem()
	base := uint64(0x80000000)
	for i := 0; i < romMaxDepth+2; i++ {
		cur := base + uint64(i)*0x1000
		m.putComponent(cur, classROM, 0x4c4)
		m.words[cur+0] = 0x1003 // next table, one page up
		m.words[cur+4] = 0
	}
	_, err := walkROM(context.Background(), m, base|0x3)
	if !dbgerr.IsProtocolError(err) {
		t.Fatalf("deep nesting: got %v, want protocol error", err)
	}
}

func TestROMWalkBaseNotPresent(t *testing.T) {
	m := newFakeMem()
	comps := walkFake(t, m, 0xe00ff002) // format bit set, present bit clear
	if comps != nil {
		t.Errorf("non-present BASE walked anyway: %+v", comps)
	}
}
