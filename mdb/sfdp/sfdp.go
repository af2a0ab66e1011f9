// Package sfdp reads the JEDEC Serial Flash Discoverable Parameters of
// an external SPI-NOR device through a host-supplied read callback and
// derives the geometry a flash region needs: capacity, page size,
// sector size and the sector-erase opcode.
//
// Doc: JEDEC JESD216 (SFDP).
package sfdp

import (
	"context"
	"encoding/binary"

	"github.com/cesanta/errors"
	"github.com/golang/glog"

	"github.com/mongoose-os/mdb/mdb/dbgerr"
	"github.com/mongoose-os/mdb/mdb/target"
)

// SPIRead issues one SPI read command against the external flash: cmd,
// a 24-bit address and the response into buf. The transport (bit-banged
// pins, QSPI peripheral, debug stub) is the caller's business.
type SPIRead func(ctx context.Context, t *target.Target, cmd uint8, addr uint32, buf []byte) error

// The SFDP read command with its dummy byte handled by the callback.
const CmdReadSFDP = 0x5a

const (
	sfdpMagic = 0x50444653 // "SFDP"

	// Parameter table ID of the JEDEC Basic SPI Parameter Table.
	basicTableID = 0xff00
)

// Params is the distilled geometry.
type Params struct {
	CapacityBytes uint32
	PageSize      uint32
	SectorSize    uint32
	SectorEraseOp uint8
}

type header struct {
	minor, major uint8
	nph          int
}

type paramHeader struct {
	id      uint16
	minor   uint8
	major   uint8
	lengthDW int
	pointer uint32
}

func readAt(ctx context.Context, t *target.Target, read SPIRead, addr uint32, buf []byte) error {
	return errors.Trace(read(ctx, t, CmdReadSFDP, addr, buf))
}

// Parse walks the SFDP structure: validate the header, iterate the
// parameter headers until the basic table is found, then decode it.
func Parse(ctx context.Context, t *target.Target, read SPIRead) (*Params, error) {
	var hdr [8]byte
	if err := readAt(ctx, t, read, 0, hdr[:]); err != nil {
		return nil, errors.Annotatef(err, "failed to read SFDP header")
	}
	if binary.LittleEndian.Uint32(hdr[0:]) != sfdpMagic {
		return nil, errors.Trace(dbgerr.Newf(dbgerr.ProtocolError,
			"no SFDP signature (got %x)", hdr[0:4]))
	}
	h := header{minor: hdr[4], major: hdr[5], nph: int(hdr[6]) + 1}
	glog.V(2).Infof("SFDP v%d.%d, %d parameter headers", h.major, h.minor, h.nph)

	for i := 0; i < h.nph; i++ {
		var phb [8]byte
		if err := readAt(ctx, t, read, uint32(8+8*i), phb[:]); err != nil {
			return nil, errors.Annotatef(err, "failed to read parameter header %d", i)
		}
		ph := paramHeader{
			id:       uint16(phb[0]) | uint16(phb[7])<<8,
			minor:    phb[1],
			major:    phb[2],
			lengthDW: int(phb[3]),
			pointer:  uint32(phb[4]) | uint32(phb[5])<<8 | uint32(phb[6])<<16,
		}
		if ph.id != basicTableID {
			glog.V(2).Infof("skipping parameter table 0x%04x", ph.id)
			continue
		}
		return parseBasicTable(ctx, t, read, ph)
	}
	return nil, errors.Trace(dbgerr.Newf(dbgerr.ProtocolError,
		"no JEDEC basic parameter table"))
}

func parseBasicTable(ctx context.Context, t *target.Target, read SPIRead, ph paramHeader) (*Params, error) {
	table := make([]byte, ph.lengthDW*4)
	if err := readAt(ctx, t, read, ph.pointer, table); err != nil {
		return nil, errors.Annotatef(err, "failed to read basic parameter table")
	}
	dword := func(n int) uint32 { // 1-based, as in the standard
		return binary.LittleEndian.Uint32(table[(n-1)*4:])
	}
	p := &Params{}

	// 2nd dword: density. Bit 31 flags the 2^n encoding.
	density := dword(2)
	if density&0x80000000 != 0 {
		p.CapacityBytes = 1 << ((density & 0x7fffffff) - 3)
	} else {
		p.CapacityBytes = (density + 1) / 8
	}

	// 1st dword: 4 KiB erase availability and its opcode.
	d1 := dword(1)
	if d1&0x3 == 0x1 {
		p.SectorSize = 4096
		p.SectorEraseOp = uint8(d1 >> 8)
	}

	// 8th/9th dwords: the four erase types. Prefer 4 KiB, else the
	// smallest supported size.
	if ph.lengthDW >= 9 {
		for i := 0; i < 4; i++ {
			var field uint32
			if i < 2 {
				field = dword(8) >> (16 * uint(i))
			} else {
				field = dword(9) >> (16 * uint(i-2))
			}
			n := uint8(field)
			op := uint8(field >> 8)
			if n == 0 {
				continue
			}
			size := uint32(1) << n
			if size == 4096 || p.SectorSize == 0 || size < p.SectorSize {
				p.SectorSize = size
				p.SectorEraseOp = op
				if size == 4096 {
					break
				}
			}
		}
	}
	if p.SectorSize == 0 {
		return nil, errors.Trace(dbgerr.Newf(dbgerr.ProtocolError,
			"basic table advertises no erase type"))
	}

	// 11th dword: page size as 2^N, present from JESD216A on. Older
	// revisions default to 256.
	p.PageSize = 256
	if ph.lengthDW >= 11 && (ph.major > 1 || ph.minor > 0) {
		if n := dword(11) >> 4 & 0xf; n != 0 {
			p.PageSize = 1 << n
		}
	}

	glog.V(1).Infof("SPI flash: %d KiB, %d B pages, %d B sectors (erase 0x%02x)",
		p.CapacityBytes/1024, p.PageSize, p.SectorSize, p.SectorEraseOp)
	return p, nil
}
