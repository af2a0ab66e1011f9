// Package remote drives a firmware probe over its CDC-ACM serial port
// with a compact ASCII protocol: requests are framed !<cmd><hex>#, the
// probe answers &<status><hex>#. The probe firmware performs the bit
// sequences itself, so one round-trip covers one bus primitive.
package remote

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strconv"

	"github.com/cesanta/errors"
	"github.com/cesanta/go-serial/serial"
	"github.com/golang/glog"

	"github.com/mongoose-os/mdb/mdb/dbgerr"
	"github.com/mongoose-os/mdb/mdb/transport"
)

const (
	frameStart  = '!'
	frameEnd    = '#'
	replyStart  = '&'
	statusOK    = 'K'
	statusErr   = 'E'
	statusParam = 'P'
)

// Probe is one remote probe on a serial port.
type Probe struct {
	port io.ReadWriteCloser
	rd   *bufio.Reader
	name string

	swd   *swdBus
	jtag  *jtagBus
	rvswd *rvswdBus

	// Which buses the firmware advertised during the hello exchange.
	caps string
}

// Open connects to the probe and runs the hello exchange.
func Open(ctx context.Context, portName string) (*Probe, error) {
	s, err := serial.Open(serial.OpenOptions{
		PortName:        portName,
		BaudRate:        115200,
		DataBits:        8,
		ParityMode:      serial.PARITY_NONE,
		StopBits:        1,
		MinimumReadSize: 1,
	})
	if err != nil {
		return nil, errors.Annotatef(err, "failed to open %s", portName)
	}
	p := &Probe{port: s, rd: bufio.NewReader(s)}
	name, err := p.request(ctx, "GA") // general: attach/hello
	if err != nil {
		s.Close()
		return nil, errors.Annotatef(err, "probe did not answer the hello")
	}
	p.name = name
	caps, err := p.request(ctx, "GC")
	if err == nil {
		p.caps = caps
	}
	glog.Infof("remote probe %q on %s (capabilities %q)", p.name, portName, p.caps)
	p.swd = &swdBus{p: p}
	p.jtag = &jtagBus{p: p}
	p.rvswd = &rvswdBus{p: p}
	return p, nil
}

// request sends one framed command and decodes the reply payload.
func (p *Probe) request(ctx context.Context, payload string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", errors.Trace(err)
	}
	glog.V(4).Infof("=> %s", payload)
	if _, err := fmt.Fprintf(p.port, "%c%s%c", frameStart, payload, frameEnd); err != nil {
		return "", errors.Annotatef(err, "probe write failed")
	}
	// Scan to the reply start, then collect to the frame end.
	for {
		b, err := p.rd.ReadByte()
		if err != nil {
			return "", errors.Annotatef(err, "probe read failed")
		}
		if b == replyStart {
			break
		}
	}
	resp, err := p.rd.ReadString(frameEnd)
	if err != nil {
		return "", errors.Annotatef(err, "probe read failed")
	}
	resp = resp[:len(resp)-1]
	glog.V(4).Infof("<= %s", resp)
	if len(resp) == 0 {
		return "", errors.Trace(dbgerr.Newf(dbgerr.ProtocolError, "empty reply"))
	}
	switch resp[0] {
	case statusOK:
		return resp[1:], nil
	case statusParam:
		return "", errors.Trace(dbgerr.Newf(dbgerr.ProtocolError,
			"probe rejected %q: %s", payload, resp[1:]))
	default:
		return "", errors.Trace(dbgerr.Newf(dbgerr.ProtocolError,
			"probe error on %q: %s", payload, resp[1:]))
	}
}

func (p *Probe) requestUint(ctx context.Context, payload string) (uint64, error) {
	resp, err := p.request(ctx, payload)
	if err != nil {
		return 0, errors.Trace(err)
	}
	v, err := strconv.ParseUint(resp, 16, 64)
	if err != nil {
		return 0, errors.Annotatef(err, "bad hex reply %q", resp)
	}
	return v, nil
}

func (p *Probe) Name() string { return p.name }

func (p *Probe) SWD() transport.SWD {
	if p.caps != "" && !contains(p.caps, 'S') {
		return nil
	}
	return p.swd
}

func (p *Probe) JTAG() transport.JTAG {
	if p.caps != "" && !contains(p.caps, 'J') {
		return nil
	}
	return p.jtag
}

func (p *Probe) RVSWD() transport.RVSWD {
	if p.caps == "" || !contains(p.caps, 'R') {
		return nil
	}
	return p.rvswd
}

func contains(s string, c byte) bool {
	for i := 0; i < len(s); i++ {
		if s[i] == c {
			return true
		}
	}
	return false
}

func (p *Probe) SetClock(ctx context.Context, hz uint32) error {
	_, err := p.request(ctx, fmt.Sprintf("GF%08x", hz))
	return errors.Trace(err)
}

func (p *Probe) TargetClkOutputEnable(ctx context.Context, enable bool) error {
	_, err := p.request(ctx, fmt.Sprintf("GE%d", boolByte(enable)))
	return errors.Trace(err)
}

func (p *Probe) NRSTSet(ctx context.Context, assert bool) error {
	_, err := p.request(ctx, fmt.Sprintf("GZ%d", boolByte(assert)))
	return errors.Trace(err)
}

func (p *Probe) NRSTGet(ctx context.Context) (bool, error) {
	v, err := p.requestUint(ctx, "Gz")
	if err != nil {
		return false, errors.Trace(err)
	}
	return v != 0, nil
}

func (p *Probe) TargetVoltage(ctx context.Context) (string, error) {
	return p.request(ctx, "GV")
}

func (p *Probe) Close(ctx context.Context) error {
	return errors.Trace(p.port.Close())
}

func boolByte(b bool) int {
	if b {
		return 1
	}
	return 0
}

// swdBus maps the SWD primitives onto single round-trips.
type swdBus struct {
	p *Probe
}

func (b *swdBus) SeqIn(ctx context.Context, bits int) (uint32, error) {
	v, err := b.p.requestUint(ctx, fmt.Sprintf("Si%02x", bits))
	return uint32(v), errors.Trace(err)
}

func (b *swdBus) SeqInParity(ctx context.Context, bits int) (uint32, bool, error) {
	v, err := b.p.requestUint(ctx, fmt.Sprintf("Sp%02x", bits))
	if err != nil {
		return 0, false, errors.Trace(err)
	}
	// The probe reports the parity check in the bit above the data.
	return uint32(v), v>>uint(bits) == 0, nil
}

func (b *swdBus) SeqOut(ctx context.Context, value uint32, bits int) error {
	_, err := b.p.request(ctx, fmt.Sprintf("So%02x%08x", bits, value))
	return errors.Trace(err)
}

func (b *swdBus) SeqOutParity(ctx context.Context, value uint32, bits int) error {
	_, err := b.p.request(ctx, fmt.Sprintf("SO%02x%08x", bits, value))
	return errors.Trace(err)
}

// jtagBus maps the TAP primitives.
type jtagBus struct {
	p *Probe
}

func (b *jtagBus) TMSSeq(ctx context.Context, tms uint32, count int) error {
	_, err := b.p.request(ctx, fmt.Sprintf("JT%02x%08x", count, tms))
	return errors.Trace(err)
}

func (b *jtagBus) TDISeq(ctx context.Context, finalTMS bool, din []byte, bits int) error {
	_, err := b.p.request(ctx, fmt.Sprintf("JD%d%02x%x", boolByte(finalTMS), bits, din))
	return errors.Trace(err)
}

func (b *jtagBus) TDITDOSeq(ctx context.Context, finalTMS bool, din []byte, bits int) ([]byte, error) {
	resp, err := b.p.request(ctx, fmt.Sprintf("Jd%d%02x%x", boolByte(finalTMS), bits, din))
	if err != nil {
		return nil, errors.Trace(err)
	}
	out := make([]byte, (bits+7)/8)
	for i := 0; i < len(out) && 2*i+1 < len(resp); i++ {
		v, err := strconv.ParseUint(resp[2*i:2*i+2], 16, 8)
		if err != nil {
			return nil, errors.Annotatef(err, "bad hex reply %q", resp)
		}
		out[i] = byte(v)
	}
	return out, nil
}

func (b *jtagBus) Next(ctx context.Context, tms, tdi bool) (bool, error) {
	v, err := b.p.requestUint(ctx, fmt.Sprintf("JN%d%d", boolByte(tms), boolByte(tdi)))
	if err != nil {
		return false, errors.Trace(err)
	}
	return v != 0, nil
}

// rvswdBus maps the two-wire primitives.
type rvswdBus struct {
	p *Probe
}

func (b *rvswdBus) Start(ctx context.Context) error {
	_, err := b.p.request(ctx, "RS")
	return errors.Trace(err)
}

func (b *rvswdBus) Stop(ctx context.Context) error {
	_, err := b.p.request(ctx, "RP")
	return errors.Trace(err)
}

func (b *rvswdBus) SeqIn(ctx context.Context, bits int) (uint32, error) {
	v, err := b.p.requestUint(ctx, fmt.Sprintf("Ri%02x", bits))
	return uint32(v), errors.Trace(err)
}

func (b *rvswdBus) SeqOut(ctx context.Context, value uint32, bits int) error {
	_, err := b.p.request(ctx, fmt.Sprintf("Ro%02x%08x", bits, value))
	return errors.Trace(err)
}
