package target

import (
	"context"

	"github.com/cesanta/errors"
	"github.com/golang/glog"

	"github.com/mongoose-os/mdb/mdb/dbgerr"
)

// ProbeFunc inspects a target freshly populated with DP/AP/CPUID state
// and claims it by returning true, installing the driver's memory map
// and hooks on the way. A probe that returns false must leave the
// target exactly as it found it.
type ProbeFunc func(ctx context.Context, t *Target) (bool, error)

// ProbeEntry names one vendor probe. The registry is an ordered,
// immutable table assembled at startup; first claim wins.
type ProbeEntry struct {
	Name  string
	Probe ProbeFunc
}

// Probe runs the table against t. A ProbeFailure from an entry means
// "not mine" and enumeration continues; any other error aborts.
func Probe(ctx context.Context, table []ProbeEntry, t *Target) (bool, error) {
	for _, e := range table {
		glog.V(2).Infof("trying probe %q", e.Name)
		// Snapshot so a misbehaving probe cannot leave half a memory
		// map behind on failure.
		ramLen, flashLen, cmdLen := len(t.ram), len(t.flash), len(t.commands)
		driver := t.Driver
		claimed, err := e.Probe(ctx, t)
		if err != nil {
			if dbgerr.IsProbeFailure(err) {
				glog.V(2).Infof("probe %q: %v", e.Name, err)
				claimed = false
			} else {
				return false, errors.Annotatef(err, "probe %q failed", e.Name)
			}
		}
		if claimed {
			glog.V(1).Infof("probe %q claimed the target: %s", e.Name, t.Driver)
			return true, nil
		}
		t.ram = t.ram[:ramLen]
		t.flash = t.flash[:flashLen]
		t.commands = t.commands[:cmdLen]
		t.Driver = driver
	}
	return false, nil
}
