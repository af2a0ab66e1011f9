package cmsisdap

import (
	"context"

	"github.com/cesanta/errors"

	"github.com/mongoose-os/mdb/mdb/dbgerr"
	"github.com/mongoose-os/mdb/mdb/transport"
)

// swdBus implements the bit-level SWD trait with DAP_SWD_Sequence: each
// call is one sequence of up to 64 clocks, direction per sequence. The
// adapter handles the line turnaround when the direction flips.
type swdBus struct {
	p *Probe
}

const seqInput = 0x80

func seqCount(bits int) byte {
	if bits == 64 {
		return 0
	}
	return byte(bits)
}

func (b *swdBus) sequence(ctx context.Context, info byte, data []byte) ([]byte, error) {
	args := append(newCmd(cmdSWDSequence), 1, info)
	args = append(args, data...)
	resp, err := b.p.exec(ctx, args)
	if err != nil {
		return nil, errors.Trace(err)
	}
	if len(resp) < 1 || resp[0] != 0 {
		return nil, errors.Trace(dbgerr.Newf(dbgerr.ProtocolError, "SWD sequence failed"))
	}
	return resp[1:], nil
}

func (b *swdBus) SeqIn(ctx context.Context, bits int) (uint32, error) {
	resp, err := b.sequence(ctx, seqInput|seqCount(bits), nil)
	if err != nil {
		return 0, errors.Trace(err)
	}
	var v uint32
	for i := 0; i < (bits+7)/8 && i < len(resp); i++ {
		v |= uint32(resp[i]) << (8 * uint(i))
	}
	return v, nil
}

func (b *swdBus) SeqInParity(ctx context.Context, bits int) (uint32, bool, error) {
	resp, err := b.sequence(ctx, seqInput|seqCount(bits+1), nil)
	if err != nil {
		return 0, false, errors.Trace(err)
	}
	var v uint64
	for i := 0; i < (bits+8)/8 && i < len(resp); i++ {
		v |= uint64(resp[i]) << (8 * uint(i))
	}
	value := uint32(v & (1<<uint(bits) - 1))
	parity := v>>uint(bits)&1 != 0
	return value, parity == transport.Parity32(value), nil
}

func (b *swdBus) SeqOut(ctx context.Context, value uint32, bits int) error {
	data := []byte{byte(value), byte(value >> 8), byte(value >> 16), byte(value >> 24)}
	_, err := b.sequence(ctx, seqCount(bits), data[:(bits+7)/8])
	return errors.Trace(err)
}

func (b *swdBus) SeqOutParity(ctx context.Context, value uint32, bits int) error {
	v := uint64(value)
	if transport.Parity32(value) {
		v |= 1 << uint(bits)
	}
	data := []byte{byte(v), byte(v >> 8), byte(v >> 16), byte(v >> 24), byte(v >> 32)}
	_, err := b.sequence(ctx, seqCount(bits+1), data[:(bits+8)/8])
	return errors.Trace(err)
}

// jtagBus implements the JTAG trait with DAP_JTAG_Sequence: each
// sequence byte carries a cycle count, the TMS level and a TDO-capture
// flag, followed by TDI data.
type jtagBus struct {
	p *Probe
}

const (
	jtagTMS = 1 << 6
	jtagTDO = 1 << 7
)

func (b *jtagBus) sequences(ctx context.Context, seqs []byte) ([]byte, error) {
	args := append(newCmd(cmdJTAGSequence), byte(countSequences(seqs)))
	args = append(args, seqs...)
	resp, err := b.p.exec(ctx, args)
	if err != nil {
		return nil, errors.Trace(err)
	}
	if len(resp) < 1 || resp[0] != 0 {
		return nil, errors.Trace(dbgerr.Newf(dbgerr.ProtocolError, "JTAG sequence failed"))
	}
	return resp[1:], nil
}

func countSequences(seqs []byte) int {
	n := 0
	for i := 0; i < len(seqs); {
		info := seqs[i]
		bits := int(info & 0x3f)
		if bits == 0 {
			bits = 64
		}
		i += 1 + (bits+7)/8
		n++
	}
	return n
}

func (b *jtagBus) TMSSeq(ctx context.Context, tms uint32, count int) error {
	// One sequence per TMS level run.
	var seqs []byte
	for count > 0 {
		level := tms & 1
		run := 1
		for run < count && (tms>>uint(run))&1 == level {
			run++
		}
		info := byte(run & 0x3f)
		if level != 0 {
			info |= jtagTMS
		}
		seqs = append(seqs, info, 0)
		tms >>= uint(run)
		count -= run
	}
	_, err := b.sequences(ctx, seqs)
	return errors.Trace(err)
}

func (b *jtagBus) shift(ctx context.Context, finalTMS bool, din []byte, bits int, capture bool) ([]byte, error) {
	var seqs []byte
	addSeq := func(off, n int, tms bool) {
		// A sequence carries at most 64 cycles; longer runs split.
		for n > 0 {
			c := n
			if c > 64 {
				c = 64
			}
			info := seqCount(c)
			if tms {
				info |= jtagTMS
			}
			if capture {
				info |= jtagTDO
			}
			seqs = append(seqs, info)
			seqs = append(seqs, sliceBits(din, off, c)...)
			off += c
			n -= c
		}
	}
	if finalTMS && bits > 1 {
		addSeq(0, bits-1, false)
		addSeq(bits-1, 1, true)
	} else {
		addSeq(0, bits, finalTMS)
	}
	resp, err := b.sequences(ctx, seqs)
	if err != nil {
		return nil, errors.Trace(err)
	}
	if !capture {
		return nil, nil
	}
	// Stitch the captured chunks back into one LSB-first stream: the
	// response carries ceil(n/8) bytes per sequence, in order.
	out := make([]byte, (bits+7)/8)
	outBit := 0
	for i := 0; i < len(seqs) && len(resp) > 0; {
		n := int(seqs[i] & 0x3f)
		if n == 0 {
			n = 64
		}
		nb := (n + 7) / 8
		if nb > len(resp) {
			nb = len(resp)
		}
		copyBits(out, outBit, resp[:nb], n)
		outBit += n
		resp = resp[nb:]
		i += 1 + (n+7)/8
	}
	return out, nil
}

func (b *jtagBus) TDISeq(ctx context.Context, finalTMS bool, din []byte, bits int) error {
	_, err := b.shift(ctx, finalTMS, din, bits, false)
	return errors.Trace(err)
}

func (b *jtagBus) TDITDOSeq(ctx context.Context, finalTMS bool, din []byte, bits int) ([]byte, error) {
	return b.shift(ctx, finalTMS, din, bits, true)
}

func (b *jtagBus) Next(ctx context.Context, tms, tdi bool) (bool, error) {
	info := byte(1) | jtagTDO
	if tms {
		info |= jtagTMS
	}
	var d byte
	if tdi {
		d = 1
	}
	resp, err := b.sequences(ctx, []byte{info, d})
	if err != nil {
		return false, errors.Trace(err)
	}
	return len(resp) > 0 && resp[0]&1 != 0, nil
}

// sliceBits extracts count bits starting at bit offset from an
// LSB-first stream.
func sliceBits(src []byte, offset, count int) []byte {
	out := make([]byte, (count+7)/8)
	for i := 0; i < count; i++ {
		bit := offset + i
		if src != nil && bit/8 < len(src) && src[bit/8]&(1<<uint(bit%8)) != 0 {
			out[i/8] |= 1 << uint(i%8)
		}
	}
	return out
}

// copyBits writes count bits of src into dst starting at bit offset.
func copyBits(dst []byte, offset int, src []byte, count int) {
	for i := 0; i < count; i++ {
		if i/8 >= len(src) {
			return
		}
		if src[i/8]&(1<<uint(i%8)) != 0 {
			bit := offset + i
			dst[bit/8] |= 1 << uint(bit%8)
		}
	}
}
