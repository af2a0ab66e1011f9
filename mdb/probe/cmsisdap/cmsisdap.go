// Package cmsisdap drives CMSIS-DAP probes over USB HID and exposes
// them through the transport.Probe abstraction: bit-level SWD via
// DAP_SWD_Sequence, JTAG via DAP_JTAG_Sequence, reset and clock control
// via DAP_SWJ_Pins/Clock.
//
// Doc: https://arm-software.github.io/CMSIS_5/DAP/html/group__DAP__Commands__gr.html
package cmsisdap

import (
	"bytes"
	"context"
	"encoding/hex"

	"github.com/cesanta/errors"
	"github.com/cesanta/hid"
	"github.com/golang/glog"
	"github.com/google/gousb"

	"github.com/mongoose-os/mdb/mdb/dbgerr"
	"github.com/mongoose-os/mdb/mdb/transport"
)

type cmd uint8

const (
	cmdInfo cmd = 0x00
	cmdHostStatus   = 0x01
	cmdConnect      = 0x02
	cmdDisconnect   = 0x03
	cmdSWJPins      = 0x10
	cmdSWJClock     = 0x11
	cmdSWJSequence  = 0x12
	cmdSWDConfigure = 0x13
	cmdJTAGSequence = 0x14
	cmdSWDSequence  = 0x1d
)

const (
	infoVendor          = 0x01
	infoProduct         = 0x02
	infoSerial          = 0x03
	infoFirmwareVersion = 0x04
	infoCapabilities    = 0xf0
	infoMaxPacketSize   = 0xff
)

const (
	connectSWD  = 1
	connectJTAG = 2
)

// SWJ pin bits.
const (
	pinSWCLK = 1 << 0
	pinSWDIO = 1 << 1
	pinTDI   = 1 << 2
	pinTDO   = 1 << 3
	pinNTRST = 1 << 5
	pinNRST  = 1 << 7
)

// Probe is one CMSIS-DAP adapter.
type Probe struct {
	d             hid.Device
	di            *hid.DeviceInfo
	name          string
	maxPacketSize int

	swd  *swdBus
	jtag *jtagBus
}

// ProbeInfo describes one candidate adapter found on the bus.
type ProbeInfo struct {
	VID, PID uint16
	Product  string
	Serial   string
}

// List enumerates CMSIS-DAP-looking interfaces. The USB descriptors
// come from gousb; HID opens the one the caller picks.
func List(ctx context.Context) ([]ProbeInfo, error) {
	uctx := gousb.NewContext()
	defer uctx.Close()
	var probes []ProbeInfo
	devs, err := uctx.OpenDevices(func(dd *gousb.DeviceDesc) bool { return true })
	if err != nil && len(devs) == 0 {
		return nil, errors.Annotatef(err, "failed to enumerate USB devices")
	}
	for _, dev := range devs {
		product, _ := dev.Product()
		serial, _ := dev.SerialNumber()
		if !bytes.Contains([]byte(product), []byte("CMSIS-DAP")) {
			dev.Close()
			continue
		}
		probes = append(probes, ProbeInfo{
			VID:     uint16(dev.Desc.Vendor),
			PID:     uint16(dev.Desc.Product),
			Product: product,
			Serial:  serial,
		})
		dev.Close()
	}
	return probes, nil
}

// Open finds and opens an adapter by VID/PID (and serial if non-empty).
func Open(ctx context.Context, vid, pid uint16, serial string) (*Probe, error) {
	devs, err := hid.Devices()
	if err != nil {
		return nil, errors.Annotatef(err, "failed to enumerate HID devices")
	}
	for i, di := range devs {
		glog.V(1).Infof("%d: %04x:%04x %s", i, di.VendorID, di.ProductID, di.Path)
		if di.VendorID != vid || di.ProductID != pid {
			continue
		}
		d, err := di.Open()
		if err != nil {
			return nil, errors.Annotatef(err, "failed to open %04x:%04x (%s)",
				di.VendorID, di.ProductID, di.Path)
		}
		p := &Probe{d: d, di: di, maxPacketSize: 64}
		resp, err := p.getInfo(ctx, infoMaxPacketSize)
		if err == nil && len(resp) >= 2 {
			p.maxPacketSize = int(resp[0]) | int(resp[1])<<8
		}
		if prod, err := p.getInfoString(ctx, infoProduct); err == nil && prod != "" {
			p.name = prod
		} else {
			p.name = "CMSIS-DAP"
		}
		p.swd = &swdBus{p: p}
		p.jtag = &jtagBus{p: p}
		glog.Infof("opened %s (%04x:%04x), packet size %d", p.name, vid, pid, p.maxPacketSize)
		return p, nil
	}
	return nil, errors.Trace(dbgerr.Newf(dbgerr.ProbeFailure,
		"no CMSIS-DAP adapter %04x:%04x", vid, pid))
}

func (p *Probe) exec(ctx context.Context, args []byte) ([]byte, error) {
	glog.V(4).Infof(" => %s", hex.EncodeToString(args[1:]))
	if len(args) > p.maxPacketSize {
		return nil, errors.Errorf("packet too long (max %d, got %d)", p.maxPacketSize, len(args))
	}
	if err := p.d.Write(args); err != nil {
		return nil, errors.Annotatef(err, "device write failed")
	}
	select {
	case <-ctx.Done():
		return nil, errors.Annotatef(ctx.Err(), "DAP exec")
	case resp, ok := <-p.d.ReadCh():
		if !ok {
			return nil, errors.Annotatef(p.d.ReadError(), "device read failed")
		}
		glog.V(4).Infof(" <= %s", hex.EncodeToString(resp))
		if len(resp) == 0 || resp[0] != args[1] {
			return nil, errors.Trace(dbgerr.Newf(dbgerr.ProtocolError,
				"response to the wrong command"))
		}
		return resp[1:], nil
	}
}

func newCmd(c cmd) []byte {
	// Byte 0 is the HID report number.
	return []byte{0, byte(c)}
}

func (p *Probe) getInfo(ctx context.Context, info uint8) ([]byte, error) {
	resp, err := p.exec(ctx, append(newCmd(cmdInfo), info))
	if err != nil {
		return nil, errors.Trace(err)
	}
	if len(resp) < 1 {
		return nil, errors.Trace(dbgerr.Newf(dbgerr.ProtocolError, "short info response"))
	}
	n := int(resp[0])
	if n > len(resp)-1 {
		n = len(resp) - 1
	}
	return resp[1 : 1+n], nil
}

func (p *Probe) getInfoString(ctx context.Context, info uint8) (string, error) {
	b, err := p.getInfo(ctx, info)
	if err != nil {
		return "", errors.Trace(err)
	}
	return string(bytes.TrimRight(b, "\x00")), nil
}

func (p *Probe) checkStatus(resp []byte) error {
	if len(resp) < 1 || resp[0] != 0 {
		return errors.Trace(dbgerr.Newf(dbgerr.ProtocolError, "DAP command failed"))
	}
	return nil
}

// ConnectSWD switches the adapter to SWD mode.
func (p *Probe) ConnectSWD(ctx context.Context) error {
	resp, err := p.exec(ctx, append(newCmd(cmdConnect), connectSWD))
	if err != nil {
		return errors.Trace(err)
	}
	if len(resp) < 1 || resp[0] != connectSWD {
		return errors.Trace(dbgerr.Newf(dbgerr.ProbeFailure, "adapter refused SWD mode"))
	}
	return nil
}

// ConnectJTAG switches the adapter to JTAG mode.
func (p *Probe) ConnectJTAG(ctx context.Context) error {
	resp, err := p.exec(ctx, append(newCmd(cmdConnect), connectJTAG))
	if err != nil {
		return errors.Trace(err)
	}
	if len(resp) < 1 || resp[0] != connectJTAG {
		return errors.Trace(dbgerr.Newf(dbgerr.ProbeFailure, "adapter refused JTAG mode"))
	}
	return nil
}

func (p *Probe) Name() string { return p.name }
func (p *Probe) SWD() transport.SWD { return p.swd }
func (p *Probe) JTAG() transport.JTAG { return p.jtag }
func (p *Probe) RVSWD() transport.RVSWD { return nil }

func (p *Probe) SetClock(ctx context.Context, hz uint32) error {
	args := append(newCmd(cmdSWJClock),
		byte(hz), byte(hz>>8), byte(hz>>16), byte(hz>>24))
	resp, err := p.exec(ctx, args)
	if err != nil {
		return errors.Trace(err)
	}
	return errors.Trace(p.checkStatus(resp))
}

func (p *Probe) TargetClkOutputEnable(ctx context.Context, enable bool) error {
	// CMSIS-DAP has no dedicated gate; the clock pin idles when unused.
	return nil
}

func (p *Probe) swjPins(ctx context.Context, output, mask uint8) (uint8, error) {
	args := append(newCmd(cmdSWJPins), output, mask, 0, 0, 0, 0)
	resp, err := p.exec(ctx, args)
	if err != nil {
		return 0, errors.Trace(err)
	}
	if len(resp) < 1 {
		return 0, errors.Trace(dbgerr.Newf(dbgerr.ProtocolError, "short pins response"))
	}
	return resp[0], nil
}

func (p *Probe) NRSTSet(ctx context.Context, assert bool) error {
	var out uint8
	if !assert {
		out = pinNRST
	}
	_, err := p.swjPins(ctx, out, pinNRST)
	return errors.Trace(err)
}

func (p *Probe) NRSTGet(ctx context.Context) (bool, error) {
	pins, err := p.swjPins(ctx, 0, 0)
	if err != nil {
		return false, errors.Trace(err)
	}
	return pins&pinNRST == 0, nil
}

func (p *Probe) TargetVoltage(ctx context.Context) (string, error) {
	// Not reported by the protocol.
	return "unknown", nil
}

func (p *Probe) Close(ctx context.Context) error {
	if _, err := p.exec(ctx, newCmd(cmdDisconnect)); err != nil {
		glog.V(1).Infof("disconnect failed: %v", err)
	}
	p.d.Close()
	return nil
}
