package sfdp

import (
	"context"
	"encoding/binary"
	"testing"

	"github.com/mongoose-os/mdb/mdb/target"
)

// buildSFDP assembles a dump: header, one basic-table parameter header
// pointing at offset 0x30, and the table itself.
func buildSFDP(minor, major uint8, lengthDW int, dwords []uint32) []byte {
	img := make([]byte, 0x30+len(dwords)*4)
	copy(img, []byte("SFDP"))
	img[4] = minor
	img[5] = major
	img[6] = 0 // NPH: one header
	img[7] = 0xff
	// Parameter header 0: JEDEC basic table, pointer 0x000030.
	ph := img[8:16]
	ph[0] = 0x00
	ph[1] = minor
	ph[2] = major
	ph[3] = byte(lengthDW)
	ph[4] = 0x30
	ph[7] = 0xff
	for i, dw := range dwords {
		binary.LittleEndian.PutUint32(img[0x30+i*4:], dw)
	}
	return img
}

func readerFor(img []byte) SPIRead {
	return func(ctx context.Context, t *target.Target, cmd uint8, addr uint32, buf []byte) error {
		for i := range buf {
			a := int(addr) + i
			if a < len(img) {
				buf[i] = img[a]
			} else {
				buf[i] = 0xff
			}
		}
		return nil
	}
}

// w25qDwords is the head of a W25Q-class basic table: 4 KiB erase with
// opcode 0x20, density in dword 2, erase types in 8/9, page size 256
// in dword 11.
func w25qDwords(densityBits uint32) []uint32 {
	dw := make([]uint32, 16)
	dw[0] = 0xfff120e5 // 4 KiB erase supported, opcode 0x20
	dw[1] = densityBits - 1
	// Erase type 1: 2^0x0c = 4 KiB op 0x20; type 2: 32 KiB op 0x52.
	dw[7] = 0x52<<24 | 0x0f<<16 | 0x20<<8 | 0x0c
	dw[8] = 0xd8<<8 | 0x10 // erase type 3: 64 KiB op 0xd8
	dw[10] = 8 << 4        // page size 2^8 = 256
	return dw
}

// S6: a W25Q16JV-class descriptor yields 2 MiB, 256-byte pages, 4 KiB
// sectors erased with 0x20.
func TestParseW25Q16(t *testing.T) {
	img := buildSFDP(6, 1, 16, w25qDwords(16*1024*1024))
	p, err := Parse(context.Background(), nil, readerFor(img))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if p.CapacityBytes != 2*1024*1024 {
		t.Errorf("capacity: got %d, want 2 MiB", p.CapacityBytes)
	}
	if p.PageSize != 256 {
		t.Errorf("page size: got %d, want 256", p.PageSize)
	}
	if p.SectorSize != 4096 {
		t.Errorf("sector size: got %d, want 4096", p.SectorSize)
	}
	if p.SectorEraseOp != 0x20 {
		t.Errorf("erase opcode: got 0x%02x, want 0x20", p.SectorEraseOp)
	}
}

// Property 9: the canonical Winbond-class 1 MiB descriptor.
func TestParseRoundTrip(t *testing.T) {
	img := buildSFDP(6, 1, 16, w25qDwords(8*1024*1024))
	p, err := Parse(context.Background(), nil, readerFor(img))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	want := Params{
		CapacityBytes: 1024 * 1024,
		PageSize:      256,
		SectorSize:    4096,
		SectorEraseOp: 0x20,
	}
	if *p != want {
		t.Errorf("params: got %+v, want %+v", *p, want)
	}
}

// Pre-JESD216A tables have no page-size dword; 256 is assumed.
func TestParseLegacyPageSize(t *testing.T) {
	dw := w25qDwords(16 * 1024 * 1024)[:9]
	img := buildSFDP(0, 1, 9, dw)
	p, err := Parse(context.Background(), nil, readerFor(img))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if p.PageSize != 256 {
		t.Errorf("legacy page size: got %d, want 256", p.PageSize)
	}
}

func TestParseBadMagic(t *testing.T) {
	img := buildSFDP(6, 1, 16, w25qDwords(16*1024*1024))
	img[0] = 'X'
	if _, err := Parse(context.Background(), nil, readerFor(img)); err == nil {
		t.Fatalf("bad magic accepted")
	}
}

func TestParse2PowerDensity(t *testing.T) {
	dw := w25qDwords(0)
	dw[1] = 0x80000000 | 25 // 2^25 bits = 4 MiB
	img := buildSFDP(6, 1, 16, dw)
	p, err := Parse(context.Background(), nil, readerFor(img))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if p.CapacityBytes != 4*1024*1024 {
		t.Errorf("capacity: got %d, want 4 MiB", p.CapacityBytes)
	}
}
