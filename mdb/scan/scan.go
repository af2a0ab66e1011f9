// Package scan runs the enumeration pipeline: bring up a debug port on
// one of the probe's buses, enumerate access ports, walk the CoreSight
// ROM tables, attach core drivers and hand each core to the vendor
// probe table. The result is a list of ready-to-use targets.
package scan

import (
	"context"

	"github.com/cesanta/errors"
	"github.com/golang/glog"

	"github.com/mongoose-os/mdb/mdb/adiv5"
	"github.com/mongoose-os/mdb/mdb/cortexa"
	"github.com/mongoose-os/mdb/mdb/cortexm"
	"github.com/mongoose-os/mdb/mdb/dbgerr"
	"github.com/mongoose-os/mdb/mdb/flash/hc32"
	"github.com/mongoose-os/mdb/mdb/flash/msp432"
	"github.com/mongoose-os/mdb/mdb/flash/mspm0"
	"github.com/mongoose-os/mdb/mdb/flash/nrf54l"
	"github.com/mongoose-os/mdb/mdb/flash/s32k3"
	"github.com/mongoose-os/mdb/mdb/flash/samd"
	"github.com/mongoose-os/mdb/mdb/flash/stm32f1"
	"github.com/mongoose-os/mdb/mdb/flash/stm32f4"
	"github.com/mongoose-os/mdb/mdb/flash/stm32h7"
	"github.com/mongoose-os/mdb/mdb/flash/stm32l4"
	"github.com/mongoose-os/mdb/mdb/jep106"
	"github.com/mongoose-os/mdb/mdb/riscv"
	"github.com/mongoose-os/mdb/mdb/target"
	"github.com/mongoose-os/mdb/mdb/transport"
)

// probeTable is the ordered vendor probe registry. Clone parts that
// answer with a genuine part's IDCODE come first; fuzzy probes last.
var probeTable = []target.ProbeEntry{
	{Name: "mm32", Probe: stm32f1.ProbeMM32},
	{Name: "ch32f1", Probe: stm32f1.ProbeCH32},
	{Name: "stm32f1", Probe: stm32f1.Probe},
	{Name: "stm32f4", Probe: stm32f4.Probe},
	{Name: "stm32l4", Probe: stm32l4.Probe},
	{Name: "stm32h7", Probe: stm32h7.Probe},
	{Name: "nrf54l", Probe: nrf54l.Probe},
	{Name: "samd", Probe: samd.Probe},
	{Name: "msp432e4", Probe: msp432.Probe},
	{Name: "s32k3", Probe: s32k3.Probe},
	{Name: "mspm0", Probe: mspm0.Probe},
	{Name: "hc32l110", Probe: hc32.Probe},
}

// apMem adapts a MEM-AP into the target layer's 32-bit memory bus.
type apMem struct {
	ap *adiv5.AP
}

func (m *apMem) ReadWord(ctx context.Context, addr uint32) (uint32, error) {
	return m.ap.ReadWord(ctx, uint64(addr))
}

func (m *apMem) WriteWord(ctx context.Context, addr uint32, value uint32) error {
	return m.ap.WriteWord(ctx, uint64(addr), value)
}

func (m *apMem) WriteHalf(ctx context.Context, addr uint32, value uint16) error {
	return m.ap.MemWrite(ctx, uint64(addr), []byte{byte(value), byte(value >> 8)}, adiv5.Align16)
}

func (m *apMem) ReadMem(ctx context.Context, data []byte, addr uint32) error {
	return m.ap.MemRead(ctx, data, uint64(addr))
}

func (m *apMem) WriteMem(ctx context.Context, addr uint32, data []byte) error {
	return m.ap.MemWrite(ctx, uint64(addr), data, adiv5.AlignOf(uint64(addr), len(data)))
}

// SWD scans the serial-wire bus of the probe.
func SWD(ctx context.Context, p transport.Probe) ([]*target.Target, error) {
	bus := p.SWD()
	if bus == nil {
		return nil, errors.Trace(dbgerr.Newf(dbgerr.ProbeFailure,
			"probe %s cannot drive SWD", p.Name()))
	}
	dp := adiv5.NewSWDDP(bus)
	if err := dp.Connect(ctx); err != nil {
		return nil, errors.Annotatef(err, "SWD scan failed")
	}
	return scanDP(ctx, dp)
}

// JTAG scans the chain: an ARM DP if the TAP identifies as one, else a
// RISC-V DTM.
func JTAG(ctx context.Context, p transport.Probe) ([]*target.Target, error) {
	bus := p.JTAG()
	if bus == nil {
		return nil, errors.Trace(dbgerr.Newf(dbgerr.ProbeFailure,
			"probe %s cannot drive JTAG", p.Name()))
	}
	tap := transport.NewTAP(bus)
	dp := adiv5.NewJTAGDP(tap)
	if err := dp.Connect(ctx); err == nil && dp.Designer == jep106.ARM {
		return scanDP(ctx, dp)
	}
	glog.V(1).Infof("no ARM DP on the chain, trying a RISC-V DTM")
	dmi, err := riscv.NewJTAGDTM(ctx, tap)
	if err != nil {
		return nil, errors.Annotatef(err, "JTAG scan failed")
	}
	return riscvTarget(ctx, dmi)
}

// RVSWD scans the WCH two-wire bus.
func RVSWD(ctx context.Context, p transport.Probe) ([]*target.Target, error) {
	bus := p.RVSWD()
	if bus == nil {
		return nil, errors.Trace(dbgerr.Newf(dbgerr.ProbeFailure,
			"probe %s cannot drive RVSWD", p.Name()))
	}
	dmi, err := riscv.NewRVSWDDMI(ctx, bus)
	if err != nil {
		return nil, errors.Annotatef(err, "RVSWD scan failed")
	}
	return riscvTarget(ctx, dmi)
}

func riscvTarget(ctx context.Context, dmi riscv.DMI) ([]*target.Target, error) {
	hart := riscv.NewHart(dmi)
	t := target.New()
	t.Core = hart
	if err := hart.Attach(ctx); err != nil {
		return nil, errors.Annotatef(err, "failed to attach RISC-V hart")
	}
	t.Kind = hart.Kind
	t.Driver = hart.Kind.String()
	return []*target.Target{t}, nil
}

// scanDP enumerates the APs of a connected DP and builds targets for
// the cores their ROM tables reveal.
func scanDP(ctx context.Context, dp *adiv5.DP) ([]*target.Target, error) {
	aps, err := adiv5.EnumerateAPs(ctx, dp)
	if err != nil {
		return nil, errors.Trace(err)
	}
	var targets []*target.Target
	for _, ap := range aps {
		if !ap.IsMemAP() {
			glog.V(1).Infof("AP 0x%x is not a MEM-AP, skipping", ap.Sel)
			continue
		}
		comps, err := adiv5.WalkROMTable(ctx, ap)
		if err != nil {
			glog.V(1).Infof("ROM walk on AP 0x%x failed: %v", ap.Sel, err)
			continue
		}
		tgts, err := targetsForAP(ctx, ap, comps)
		if err != nil {
			return nil, errors.Trace(err)
		}
		targets = append(targets, tgts...)
	}
	if len(targets) == 0 {
		return nil, errors.Trace(dbgerr.Newf(dbgerr.ProbeFailure, "no cores found"))
	}
	return targets, nil
}

func targetsForAP(ctx context.Context, ap *adiv5.AP, comps []adiv5.Component) ([]*target.Target, error) {
	var targets []*target.Target
	for _, comp := range comps {
		var core target.Core
		var kind target.CoreKind
		var cpuid uint32
		mem := &apMem{ap: ap}
		switch comp.Kind {
		case adiv5.KindCortexMSCS:
			cm := cortexm.New(mem)
			if err := cm.Attach(ctx); err != nil {
				if dbgerr.IsProbeFailure(err) {
					continue
				}
				return nil, errors.Trace(err)
			}
			core, kind, cpuid = cm, cm.Kind, cm.CPUID
		case adiv5.KindCortexADBG:
			ca := cortexa.New(mem, uint32(comp.Base))
			if err := ca.Attach(ctx); err != nil {
				glog.V(1).Infof("Cortex-A at 0x%x did not attach: %v", comp.Base, err)
				continue
			}
			core = ca
			kind = target.CortexA9
		default:
			continue
		}
		t := target.New()
		t.Mem = mem
		t.AP = ap.AddRef()
		t.Core = core
		t.Kind = kind
		t.CPUID = cpuid
		t.Driver = kind.String()

		claimed, err := target.Probe(ctx, probeTable, t)
		if err != nil {
			return nil, errors.Trace(err)
		}
		if !claimed {
			glog.V(1).Infof("no vendor driver claimed %s, generic target", t.Kind)
		}
		targets = append(targets, t)
	}
	return targets, nil
}

// Table exposes the registry for front-ends that list drivers.
func Table() []target.ProbeEntry {
	return probeTable
}
