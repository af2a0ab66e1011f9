package target

import (
	"bytes"
	"context"
	"testing"

	"github.com/cesanta/errors"

	"github.com/mongoose-os/mdb/mdb/dbgerr"
)

// simMem is a sparse byte-addressable memory.
type simMem struct {
	bytes map[uint32]byte
}

func newSimMem() *simMem { return &simMem{bytes: make(map[uint32]byte)} }

func (m *simMem) get(addr uint32) byte { return m.bytes[addr] }

func (m *simMem) ReadWord(ctx context.Context, addr uint32) (uint32, error) {
	var v uint32
	for i := uint32(0); i < 4; i++ {
		v |= uint32(m.bytes[addr+i]) << (8 * i)
	}
	return v, nil
}

func (m *simMem) WriteWord(ctx context.Context, addr uint32, value uint32) error {
	for i := uint32(0); i < 4; i++ {
		m.bytes[addr+i] = byte(value >> (8 * i))
	}
	return nil
}

func (m *simMem) WriteHalf(ctx context.Context, addr uint32, value uint16) error {
	m.bytes[addr] = byte(value)
	m.bytes[addr+1] = byte(value >> 8)
	return nil
}

func (m *simMem) ReadMem(ctx context.Context, data []byte, addr uint32) error {
	for i := range data {
		data[i] = m.bytes[addr+uint32(i)]
	}
	return nil
}

func (m *simMem) WriteMem(ctx context.Context, addr uint32, data []byte) error {
	for i, b := range data {
		m.bytes[addr+uint32(i)] = b
	}
	return nil
}

// simFlasher implements Flasher against a simMem, logging every call.
type simFlasher struct {
	mem *simMem

	prepares  int
	dones     int
	erases    []uint32
	writes    []uint32
	failErase map[uint32]bool
}

func (s *simFlasher) Prepare(ctx context.Context, f *Flash, op FlashOp) error {
	s.prepares++
	return nil
}

func (s *simFlasher) EraseSector(ctx context.Context, f *Flash, addr uint32) error {
	if s.failErase[addr] {
		return errors.Errorf("sector locked")
	}
	s.erases = append(s.erases, addr)
	for i := uint32(0); i < f.BlockSize; i++ {
		s.mem.bytes[addr+i] = f.Erased
	}
	return nil
}

func (s *simFlasher) Write(ctx context.Context, f *Flash, dst uint32, src []byte) error {
	s.writes = append(s.writes, dst)
	for i, b := range src {
		s.mem.bytes[dst+uint32(i)] = b
	}
	return nil
}

func (s *simFlasher) Done(ctx context.Context, f *Flash) error {
	s.dones++
	return nil
}

func newTestTarget(mem *simMem) *Target {
	t := New()
	t.Driver = "simulated"
	t.Mem = mem
	return t
}

func addRegion(t *testing.T, tgt *Target, fl *simFlasher, start, length, block, write uint32) *Flash {
	t.Helper()
	f := &Flash{
		Start:     start,
		Length:    length,
		BlockSize: block,
		WriteSize: write,
		Erased:    0xff,
		Driver:    fl,
	}
	if err := tgt.AddFlash(f); err != nil {
		t.Fatalf("AddFlash: %v", err)
	}
	return f
}

// Property 1: geometry invariants are enforced at registration.
func TestFlashGeometry(t *testing.T) {
	cases := []struct {
		name                 string
		length, block, write uint32
		ok                   bool
	}{
		{"good", 0x10000, 0x400, 0x100, true},
		{"write is block", 0x10000, 0x400, 0x400, true},
		{"block not multiple of write", 0x10000, 0x400, 0x300, false},
		{"length not multiple of block", 0x10400 + 1, 0x400, 0x100, false},
		{"zero write", 0x10000, 0x400, 0, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			tgt := newTestTarget(newSimMem())
			err := tgt.AddFlash(&Flash{
				Start: 0x08000000, Length: tc.length,
				BlockSize: tc.block, WriteSize: tc.write,
				Erased: 0xff, Driver: &simFlasher{},
			})
			if (err == nil) != tc.ok {
				t.Errorf("AddFlash: err %v, want ok=%t", err, tc.ok)
			}
		})
	}
}

// S3 and property 4: a two-byte write in the middle of a block leaves
// the rest of the block as it was.
func TestWritePreservesUntouched(t *testing.T) {
	ctx := context.Background()
	mem := newSimMem()
	tgt := newTestTarget(mem)
	fl := &simFlasher{mem: mem}
	addRegion(t, tgt, fl, 0x08000000, 0x10000, 0x400, 0x100)

	// Pre-existing block contents alternate 0xaa, 0x55.
	for i := uint32(0); i < 0x100; i++ {
		v := byte(0xaa)
		if i%2 == 1 {
			v = 0x55
		}
		mem.bytes[0x08000100+i] = v
	}

	if err := tgt.FlashWrite(ctx, 0x08000142, []byte{0x01, 0x02}); err != nil {
		t.Fatalf("FlashWrite: %v", err)
	}
	if err := tgt.FlashComplete(ctx); err != nil {
		t.Fatalf("FlashComplete: %v", err)
	}
	for i := uint32(0); i < 0x100; i++ {
		want := byte(0xaa)
		if i%2 == 1 {
			want = 0x55
		}
		switch i {
		case 0x42:
			want = 0x01
		case 0x43:
			want = 0x02
		}
		if got := mem.get(0x08000100 + i); got != want {
			t.Fatalf("byte 0x%02x: got 0x%02x, want 0x%02x", i, got, want)
		}
	}
	if len(fl.writes) != 1 || fl.writes[0] != 0x08000100 {
		t.Errorf("writes: got %#v, want one at 0x08000100", fl.writes)
	}
}

// Property 2: after FlashComplete no region stays staged or non-idle.
func TestCompleteLeavesIdle(t *testing.T) {
	ctx := context.Background()
	mem := newSimMem()
	tgt := newTestTarget(mem)
	fl := &simFlasher{mem: mem}
	f1 := addRegion(t, tgt, fl, 0x08000000, 0x10000, 0x400, 0x100)
	f2 := addRegion(t, tgt, fl, 0x08010000, 0x10000, 0x400, 0x100)

	if err := tgt.FlashWrite(ctx, 0x08000010, []byte{1, 2, 3}); err != nil {
		t.Fatalf("FlashWrite: %v", err)
	}
	if !f1.Staged() {
		t.Fatalf("partial write did not stage")
	}
	if err := tgt.FlashComplete(ctx); err != nil {
		t.Fatalf("FlashComplete: %v", err)
	}
	for i, f := range []*Flash{f1, f2} {
		if f.Staged() || f.Op() != FlashIdle {
			t.Errorf("region %d: staged=%t op=%s after complete", i, f.Staged(), f.Op())
		}
	}
}

// Property 3: prepare and done are idempotent.
func TestPrepareDoneIdempotent(t *testing.T) {
	ctx := context.Background()
	mem := newSimMem()
	tgt := newTestTarget(mem)
	fl := &simFlasher{mem: mem}
	f := addRegion(t, tgt, fl, 0x08000000, 0x10000, 0x400, 0x100)

	if err := f.prepare(ctx, FlashErasing); err != nil {
		t.Fatalf("prepare: %v", err)
	}
	if err := f.prepare(ctx, FlashErasing); err != nil {
		t.Fatalf("second prepare: %v", err)
	}
	if fl.prepares != 1 {
		t.Errorf("prepares: got %d, want 1", fl.prepares)
	}
	if err := f.done(ctx); err != nil {
		t.Fatalf("done: %v", err)
	}
	if err := f.done(ctx); err != nil {
		t.Fatalf("second done: %v", err)
	}
	if fl.dones != 1 {
		t.Errorf("dones: got %d, want 1", fl.dones)
	}
}

// Switching operations forces a done/prepare cycle.
func TestOpSwitchCyclesPrepare(t *testing.T) {
	ctx := context.Background()
	mem := newSimMem()
	tgt := newTestTarget(mem)
	fl := &simFlasher{mem: mem}
	f := addRegion(t, tgt, fl, 0x08000000, 0x10000, 0x400, 0x100)

	if err := f.prepare(ctx, FlashErasing); err != nil {
		t.Fatalf("prepare erase: %v", err)
	}
	if err := f.prepare(ctx, FlashWriting); err != nil {
		t.Fatalf("prepare write: %v", err)
	}
	if fl.prepares != 2 || fl.dones != 1 {
		t.Errorf("got %d prepares, %d dones; want 2, 1", fl.prepares, fl.dones)
	}
}

// Property 5: erase sets every byte of the covered sectors to the
// erased value, padding the request to sector boundaries.
func TestEraseThenRead(t *testing.T) {
	ctx := context.Background()
	mem := newSimMem()
	tgt := newTestTarget(mem)
	fl := &simFlasher{mem: mem}
	addRegion(t, tgt, fl, 0x08000000, 0x10000, 0x400, 0x100)

	for i := uint32(0); i < 0x1000; i++ {
		mem.bytes[0x08000000+i] = 0x12
	}
	// Misaligned request inside sectors 1 and 2.
	if err := tgt.FlashErase(ctx, 0x08000410, 0x500); err != nil {
		t.Fatalf("FlashErase: %v", err)
	}
	want := []uint32{0x08000400, 0x08000800}
	if len(fl.erases) != 2 || fl.erases[0] != want[0] || fl.erases[1] != want[1] {
		t.Fatalf("erased sectors: got %#v, want %#v", fl.erases, want)
	}
	for a := uint32(0x08000400); a < 0x08000c00; a++ {
		if mem.get(a) != 0xff {
			t.Fatalf("byte 0x%08x not erased: 0x%02x", a, mem.get(a))
		}
	}
	if mem.get(0x080003ff) != 0x12 || mem.get(0x08000c00) != 0x12 {
		t.Errorf("erase spilled outside requested sectors")
	}
}

// Property 6: one write spanning two regions equals two per-region
// writes.
func TestCrossRegionDispatch(t *testing.T) {
	ctx := context.Background()

	run := func(split bool) *simMem {
		mem := newSimMem()
		tgt := newTestTarget(mem)
		fl1 := &simFlasher{mem: mem}
		fl2 := &simFlasher{mem: mem}
		addRegion(t, tgt, fl1, 0x08000000, 0x1000, 0x400, 0x100)
		addRegion(t, tgt, fl2, 0x08001000, 0x1000, 0x400, 0x200)
		for i := uint32(0); i < 0x2000; i++ {
			mem.bytes[0x08000000+i] = 0xff
		}
		data := make([]byte, 0x300)
		for i := range data {
			data[i] = byte(i)
		}
		if split {
			if err := tgt.FlashWrite(ctx, 0x08000f80, data[:0x80]); err != nil {
				t.Fatalf("FlashWrite lo: %v", err)
			}
			if err := tgt.FlashWrite(ctx, 0x08001000, data[0x80:]); err != nil {
				t.Fatalf("FlashWrite hi: %v", err)
			}
		} else {
			if err := tgt.FlashWrite(ctx, 0x08000f80, data); err != nil {
				t.Fatalf("FlashWrite: %v", err)
			}
		}
		if err := tgt.FlashComplete(ctx); err != nil {
			t.Fatalf("FlashComplete: %v", err)
		}
		// The second region's writes must never leak into the first.
		for _, w := range fl2.writes {
			if w < 0x08001000 {
				t.Fatalf("region 2 wrote below its start: 0x%08x", w)
			}
		}
		return mem
	}

	one, two := run(false), run(true)
	for a := uint32(0x08000f00); a < 0x08001400; a++ {
		if one.get(a) != two.get(a) {
			t.Fatalf("byte 0x%08x: spanning write 0x%02x != split writes 0x%02x",
				a, one.get(a), two.get(a))
		}
	}
}

func TestWriteOutOfRange(t *testing.T) {
	ctx := context.Background()
	mem := newSimMem()
	tgt := newTestTarget(mem)
	fl := &simFlasher{mem: mem}
	f := addRegion(t, tgt, fl, 0x08000000, 0x1000, 0x400, 0x100)

	data := make([]byte, 0x200)
	err := tgt.FlashWrite(ctx, 0x08000f80, data)
	if !dbgerr.IsOutOfRange(err) {
		t.Fatalf("got %v, want out of range", err)
	}
	// The region that was prepared must have been closed out.
	if f.Op() != FlashIdle || fl.dones != fl.prepares {
		t.Errorf("error path leaked a prepared region: op=%s prepares=%d dones=%d",
			f.Op(), fl.prepares, fl.dones)
	}
}

// An erase failure reports FlashErase, skips the remaining sectors of
// the request and still closes the region out.
func TestEraseFailure(t *testing.T) {
	ctx := context.Background()
	mem := newSimMem()
	tgt := newTestTarget(mem)
	fl := &simFlasher{mem: mem, failErase: map[uint32]bool{0x08000800: true}}
	f := addRegion(t, tgt, fl, 0x08000000, 0x10000, 0x400, 0x100)

	err := tgt.FlashErase(ctx, 0x08000400, 0xc00)
	if kind, ok := dbgerr.KindOf(err); !ok || kind != dbgerr.FlashErase {
		t.Fatalf("got %v, want flash erase error", err)
	}
	if len(fl.erases) != 1 || fl.erases[0] != 0x08000400 {
		t.Errorf("sectors erased after failure: %#v", fl.erases)
	}
	if f.Op() != FlashIdle || fl.dones == 0 {
		t.Errorf("error path leaked a prepared region")
	}
}

func TestMassEraseFallback(t *testing.T) {
	ctx := context.Background()
	mem := newSimMem()
	tgt := newTestTarget(mem)
	fl := &simFlasher{mem: mem}
	addRegion(t, tgt, fl, 0x08000000, 0x1000, 0x400, 0x100)
	mem.bytes[0x08000123] = 0x00

	if err := tgt.MassErase(ctx); err != nil {
		t.Fatalf("MassErase: %v", err)
	}
	if got := mem.get(0x08000123); got != 0xff {
		t.Errorf("mass erase fallback left 0x%02x", got)
	}
}

func TestMemoryMapXML(t *testing.T) {
	tgt := newTestTarget(newSimMem())
	fl := &simFlasher{}
	addRegion(t, tgt, fl, 0x08000000, 0x1000, 0x400, 0x100)
	tgt.AddRAM(0x20000000, 0x5000)
	xml := tgt.MemoryMapXML()
	for _, want := range []string{
		`<memory type="flash" start="0x8000000" length="0x1000">`,
		`<property name="blocksize">0x400</property>`,
		`<memory type="ram" start="0x20000000" length="0x5000"/>`,
	} {
		if !bytes.Contains([]byte(xml), []byte(want)) {
			t.Errorf("memory map missing %q:\n%s", want, xml)
		}
	}
}
