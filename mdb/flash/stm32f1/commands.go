package stm32f1

import (
	"context"
	"strconv"

	"github.com/cesanta/errors"

	"github.com/mongoose-os/mdb/common/ourutil"
	"github.com/mongoose-os/mdb/mdb/dbgerr"
	"github.com/mongoose-os/mdb/mdb/target"
)

var commands = []target.Command{
	{Name: "erase_mass", Help: "Erase the entire flash", Handler: cmdEraseMass},
	{Name: "option", Help: "option erase | option write ADDR VAL", Handler: cmdOption},
	{Name: "uid", Help: "Print the 96-bit unique device ID", Handler: cmdUID},
}

func cmdEraseMass(ctx context.Context, t *target.Target, args []string) error {
	return errors.Trace(t.MassErase(ctx))
}

func cmdUID(ctx context.Context, t *target.Target, args []string) error {
	var uid [12]byte
	if err := t.ReadMem(ctx, uid[:], uidBase); err != nil {
		return errors.Annotatef(err, "failed to read UID")
	}
	ourutil.Reportf("UID: %x", uid[:])
	return nil
}

// cmdOption drives the option-byte FPEC protocol: OPTKEYR unlock, then
// OPTER or OPTPG with halfword programming.
func cmdOption(ctx context.Context, t *target.Target, args []string) error {
	f := &flasher{t: t}
	if err := f.unlock(ctx); err != nil {
		return errors.Trace(err)
	}
	if err := t.WriteWord(ctx, regOPTKEYR, key1); err != nil {
		return errors.Trace(err)
	}
	if err := t.WriteWord(ctx, regOPTKEYR, key2); err != nil {
		return errors.Trace(err)
	}
	defer t.WriteWord(ctx, regCR, crLOCK)

	switch {
	case len(args) == 1 && args[0] == "erase":
		if err := t.WriteWord(ctx, regCR, crOPTER); err != nil {
			return errors.Trace(err)
		}
		if err := t.WriteWord(ctx, regCR, crOPTER|crSTRT); err != nil {
			return errors.Trace(err)
		}
		return errors.Trace(f.wait(ctx, eraseTimeout))
	case len(args) == 3 && args[0] == "write":
		addr, err := strconv.ParseUint(args[1], 0, 32)
		if err != nil {
			return errors.Annotatef(err, "bad address %q", args[1])
		}
		val, err := strconv.ParseUint(args[2], 0, 16)
		if err != nil {
			return errors.Annotatef(err, "bad value %q", args[2])
		}
		if uint32(addr) < optionBase || uint32(addr) >= optionBase+0x10 {
			return errors.Trace(dbgerr.Newf(dbgerr.OutOfRange,
				"0x%08x is not an option byte", addr))
		}
		if err := t.WriteWord(ctx, regCR, crOPTPG); err != nil {
			return errors.Trace(err)
		}
		if err := t.WriteHalf(ctx, uint32(addr), uint16(val)); err != nil {
			return errors.Trace(err)
		}
		return errors.Trace(f.wait(ctx, writeTimeout))
	}
	return errors.Errorf("usage: option erase | option write ADDR VAL")
}
