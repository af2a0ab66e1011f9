package riscv

import (
	"context"
	"testing"

	"github.com/mongoose-os/mdb/mdb/dbgerr"
	"github.com/mongoose-os/mdb/mdb/transport"
)

type seqOut struct {
	value uint32
	bits  int
}

// rvswdRec records the outbound bit stream and plays back a scripted
// inbound one.
type rvswdRec struct {
	starts int
	stops  int
	outs   []seqOut
	ins    []uint32
}

func (r *rvswdRec) Start(ctx context.Context) error { r.starts++; return nil }
func (r *rvswdRec) Stop(ctx context.Context) error { r.stops++; return nil }

func (r *rvswdRec) SeqOut(ctx context.Context, value uint32, bits int) error {
	r.outs = append(r.outs, seqOut{value, bits})
	return nil
}

func (r *rvswdRec) SeqIn(ctx context.Context, bits int) (uint32, error) {
	v := r.ins[0]
	r.ins = r.ins[1:]
	return v, nil
}

// S5: the exact frame of a DMI write of 0xdeadbeef to address 0x10.
func TestRVSWDWriteFraming(t *testing.T) {
	ctx := context.Background()
	rec := &rvswdRec{
		// Echoed address, data, status OK, target parity.
		// parity(0x10) ^ parity(0xdeadbeef) ^ parity(0x1) = 1^0^1 = 0.
		ins: []uint32{0x10, 0xdeadbeef, rvswdStatusOK, 0},
	}
	dmi, err := NewRVSWDDMI(ctx, rec)
	if err != nil {
		t.Fatalf("NewRVSWDDMI: %v", err)
	}
	wakeupOuts := len(rec.outs)
	// The wakeup is 100 cycles of DIO high plus a STOP.
	var wakeBits int
	for _, o := range rec.outs {
		wakeBits += o.bits
	}
	if wakeBits != 100 || rec.stops != 1 {
		t.Errorf("wakeup: %d bits, %d stops; want 100, 1", wakeBits, rec.stops)
	}

	if err := dmi.Write(ctx, 0x10, 0xdeadbeef); err != nil {
		t.Fatalf("Write: %v", err)
	}
	want := []seqOut{
		{0x10, 7},        // host address
		{0xdeadbeef, 32}, // host data
		{uint32(transport.RVSWDOpWrite), 2},
		{0, 1}, // host parity: 1 ^ 0 ^ 1
	}
	got := rec.outs[wakeupOuts:]
	if len(got) != len(want) {
		t.Fatalf("transaction fields: got %#v, want %#v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("field %d: got {0x%x %d}, want {0x%x %d}",
				i, got[i].value, got[i].bits, want[i].value, want[i].bits)
		}
	}
	if rec.starts != 1 || rec.stops != 2 {
		t.Errorf("framing: %d starts, %d stops; want 1, 2", rec.starts, rec.stops)
	}
}

// A response parity mismatch is tolerated by default and fatal in
// strict mode.
func TestRVSWDParityMismatch(t *testing.T) {
	ctx := context.Background()
	rec := &rvswdRec{ins: []uint32{0x10, 0xdeadbeef, rvswdStatusOK, 1}} // bad parity
	dmi, err := NewRVSWDDMI(ctx, rec)
	if err != nil {
		t.Fatalf("NewRVSWDDMI: %v", err)
	}
	if err := dmi.Write(ctx, 0x10, 0xdeadbeef); err != nil {
		t.Fatalf("lenient mode rejected parity mismatch: %v", err)
	}

	rec = &rvswdRec{ins: []uint32{0x10, 0xdeadbeef, rvswdStatusOK, 1}}
	dmi, err = NewRVSWDDMI(ctx, rec)
	if err != nil {
		t.Fatalf("NewRVSWDDMI: %v", err)
	}
	dmi.Strict = true
	if err := dmi.Write(ctx, 0x10, 0xdeadbeef); !dbgerr.IsProtocolError(err) {
		t.Fatalf("strict mode: got %v, want protocol error", err)
	}
}

func TestRVSWDFaultStatus(t *testing.T) {
	ctx := context.Background()
	rec := &rvswdRec{ins: []uint32{0x10, 0, rvswdStatusFault, 0, 0x10, 0, rvswdStatusFault, 0}}
	dmi, err := NewRVSWDDMI(ctx, rec)
	if err != nil {
		t.Fatalf("NewRVSWDDMI: %v", err)
	}
	if _, err := dmi.Read(ctx, 0x10); !dbgerr.IsBusFault(err) {
		t.Fatalf("fault status: got %v, want bus fault", err)
	}
}
