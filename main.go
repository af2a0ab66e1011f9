package main

import (
	"context"
	goflag "flag"
	"fmt"
	"hash/crc32"
	"io/ioutil"
	"os"
	"strconv"
	"time"

	"github.com/cesanta/errors"
	"github.com/golang/glog"
	shellwords "github.com/mattn/go-shellwords"
	flag "github.com/spf13/pflag"

	"github.com/mongoose-os/mdb/common/ourutil"
	"github.com/mongoose-os/mdb/mdb/probe/cmsisdap"
	"github.com/mongoose-os/mdb/mdb/probe/remote"
	"github.com/mongoose-os/mdb/mdb/scan"
	"github.com/mongoose-os/mdb/mdb/target"
	"github.com/mongoose-os/mdb/mdb/transport"
	"github.com/mongoose-os/mdb/version"
)

var (
	probeType = flag.String("probe", "cmsisdap", "Probe type: cmsisdap or remote")
	port      = flag.String("port", "", "Serial port of a remote probe")
	vid       = flag.Uint16("vid", 0x0d28, "USB VID of the CMSIS-DAP probe")
	pid       = flag.Uint16("pid", 0x0204, "USB PID of the CMSIS-DAP probe")
	serial    = flag.String("serial", "", "Probe serial number, if more than one is attached")
	iface     = flag.String("interface", "swd", "Target interface: swd, jtag or rvswd")
	clockHz   = flag.Uint32("clock", 4000000, "Interface clock, Hz")
	addrFlag  = flag.String("addr", "", "Target address for read/flash")
	lenFlag   = flag.String("length", "0x1000", "Byte count for read/erase")
	tgtIndex  = flag.Int("target", 0, "Index of the target to operate on")
	timeout   = flag.Duration("timeout", 60*time.Second, "Operation timeout")

	versionFlag = flag.Bool("version", false, "Print version and exit")
)

type handler func(ctx context.Context, t *target.Target, args []string) error

type command struct {
	name    string
	handler handler
	short   string
}

var commands = []command{
	{"scan", cmdScan, `Scan for targets and print what was found`},
	{"info", cmdInfo, `Print the memory map of the target`},
	{"erase", cmdErase, `Erase flash: erase [--addr A --length N]`},
	{"flash", cmdFlash, `Write a binary: flash --addr A file.bin`},
	{"read", cmdRead, `Read memory to a file: read --addr A --length N file.bin`},
	{"verify", cmdVerify, `Compare flash against a file: verify --addr A file.bin`},
	{"reset", cmdReset, `Reset the target`},
	{"mon", cmdMon, `Run a monitor command: mon 'erase_mass'`},
}

func usage() {
	fmt.Fprintf(os.Stderr, "mdb %s\nUsage: mdb [flags] command [args]\n\nCommands:\n", version.BuildString())
	for _, c := range commands {
		fmt.Fprintf(os.Stderr, "  %-8s %s\n", c.name, c.short)
	}
	fmt.Fprintf(os.Stderr, "\nFlags:\n%s", flag.CommandLine.FlagUsages())
}

func openProbe(ctx context.Context) (transport.Probe, error) {
	switch *probeType {
	case "cmsisdap":
		return cmsisdap.Open(ctx, *vid, *pid, *serial)
	case "remote":
		if *port == "" {
			return nil, errors.Errorf("--port is required for a remote probe")
		}
		return remote.Open(ctx, *port)
	}
	return nil, errors.Errorf("unknown probe type %q", *probeType)
}

func scanTargets(ctx context.Context, p transport.Probe) ([]*target.Target, error) {
	if err := p.SetClock(ctx, *clockHz); err != nil {
		glog.V(1).Infof("failed to set interface clock: %v", err)
	}
	switch *iface {
	case "swd":
		return scan.SWD(ctx, p)
	case "jtag":
		return scan.JTAG(ctx, p)
	case "rvswd":
		return scan.RVSWD(ctx, p)
	}
	return nil, errors.Errorf("unknown interface %q", *iface)
}

func parseAddr() (uint32, error) {
	if *addrFlag == "" {
		return 0, errors.Errorf("--addr is required")
	}
	v, err := strconv.ParseUint(*addrFlag, 0, 32)
	if err != nil {
		return 0, errors.Annotatef(err, "bad --addr %q", *addrFlag)
	}
	return uint32(v), nil
}

func parseLen() (uint32, error) {
	v, err := strconv.ParseUint(*lenFlag, 0, 32)
	if err != nil {
		return 0, errors.Annotatef(err, "bad --length %q", *lenFlag)
	}
	return uint32(v), nil
}

func cmdScan(ctx context.Context, t *target.Target, args []string) error {
	// The scan already ran; just report.
	return nil
}

func cmdInfo(ctx context.Context, t *target.Target, args []string) error {
	ourutil.Reportf("%s", t)
	for _, r := range t.RAMRegions() {
		ourutil.Reportf("  ram   0x%08x + 0x%x", r.Start, r.Length)
	}
	for _, f := range t.FlashRegions() {
		ourutil.Reportf("  flash 0x%08x + 0x%x (sector 0x%x, write 0x%x)",
			f.Start, f.Length, f.BlockSize, f.WriteSize)
	}
	for _, c := range t.Commands() {
		ourutil.Reportf("  mon %-12s %s", c.Name, c.Help)
	}
	return nil
}

func cmdErase(ctx context.Context, t *target.Target, args []string) error {
	if *addrFlag == "" {
		ourutil.Reportf("erasing entire flash")
		return errors.Trace(t.MassErase(ctx))
	}
	addr, err := parseAddr()
	if err != nil {
		return errors.Trace(err)
	}
	length, err := parseLen()
	if err != nil {
		return errors.Trace(err)
	}
	return errors.Trace(t.FlashErase(ctx, addr, length))
}

func cmdFlash(ctx context.Context, t *target.Target, args []string) error {
	if len(args) != 1 {
		return errors.Errorf("usage: flash --addr A file.bin")
	}
	addr, err := parseAddr()
	if err != nil {
		return errors.Trace(err)
	}
	data, err := ioutil.ReadFile(args[0])
	if err != nil {
		return errors.Annotatef(err, "failed to read %s", args[0])
	}
	ourutil.Reportf("writing %d bytes at 0x%08x...", len(data), addr)
	start := time.Now()
	t.ProgressFunc = func(done, total int) {
		glog.V(1).Infof("%d/%d", done, total)
	}
	if err := t.FlashErase(ctx, addr, uint32(len(data))); err != nil {
		return errors.Annotatef(err, "erase failed")
	}
	if err := t.FlashWrite(ctx, addr, data); err != nil {
		return errors.Annotatef(err, "write failed")
	}
	if err := t.FlashComplete(ctx); err != nil {
		return errors.Annotatef(err, "completion failed")
	}
	elapsed := time.Since(start).Seconds()
	ourutil.Successf("wrote %d bytes in %.1fs (%.1f KiB/s)",
		len(data), elapsed, float64(len(data))/1024/elapsed)
	return errors.Trace(verifyAgainst(ctx, t, addr, data))
}

func cmdRead(ctx context.Context, t *target.Target, args []string) error {
	if len(args) != 1 {
		return errors.Errorf("usage: read --addr A --length N file.bin")
	}
	addr, err := parseAddr()
	if err != nil {
		return errors.Trace(err)
	}
	length, err := parseLen()
	if err != nil {
		return errors.Trace(err)
	}
	data := make([]byte, length)
	if err := t.ReadMem(ctx, data, addr); err != nil {
		return errors.Annotatef(err, "read failed")
	}
	return errors.Annotatef(ioutil.WriteFile(args[0], data, 0644), "failed to write %s", args[0])
}

func cmdVerify(ctx context.Context, t *target.Target, args []string) error {
	if len(args) != 1 {
		return errors.Errorf("usage: verify --addr A file.bin")
	}
	addr, err := parseAddr()
	if err != nil {
		return errors.Trace(err)
	}
	data, err := ioutil.ReadFile(args[0])
	if err != nil {
		return errors.Annotatef(err, "failed to read %s", args[0])
	}
	return errors.Trace(verifyAgainst(ctx, t, addr, data))
}

// verifyAgainst reads flash back in chunks and compares CRC32 per
// chunk, reporting the first mismatching range.
func verifyAgainst(ctx context.Context, t *target.Target, addr uint32, data []byte) error {
	const chunk = 4096
	buf := make([]byte, chunk)
	for off := 0; off < len(data); off += chunk {
		end := off + chunk
		if end > len(data) {
			end = len(data)
		}
		b := buf[:end-off]
		if err := t.ReadMem(ctx, b, addr+uint32(off)); err != nil {
			return errors.Annotatef(err, "readback at 0x%08x failed", addr+uint32(off))
		}
		if crc32.ChecksumIEEE(b) != crc32.ChecksumIEEE(data[off:end]) {
			return errors.Errorf("verify failed in 0x%08x..0x%08x",
				addr+uint32(off), addr+uint32(end))
		}
	}
	ourutil.Successf("verified %d bytes", len(data))
	return nil
}

func cmdReset(ctx context.Context, t *target.Target, args []string) error {
	return errors.Trace(t.Reset(ctx))
}

func cmdMon(ctx context.Context, t *target.Target, args []string) error {
	if len(args) == 0 {
		return errors.Errorf("usage: mon 'command args'")
	}
	words, err := shellwords.Parse(args[0])
	if err != nil {
		return errors.Annotatef(err, "bad command line")
	}
	return errors.Trace(t.Command(ctx, words))
}

func getCommand(name string) *command {
	for i := range commands {
		if commands[i].name == name {
			return &commands[i]
		}
	}
	return nil
}

func run() error {
	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	c := getCommand(flag.Arg(0))
	if c == nil {
		usage()
		return errors.Errorf("unknown command %q", flag.Arg(0))
	}

	p, err := openProbe(ctx)
	if err != nil {
		return errors.Trace(err)
	}
	defer p.Close(context.Background())

	targets, err := scanTargets(ctx, p)
	if err != nil {
		return errors.Trace(err)
	}
	for i, t := range targets {
		ourutil.Reportf("target %d: %s", i, t)
	}
	if *tgtIndex >= len(targets) {
		return errors.Errorf("no target %d (found %d)", *tgtIndex, len(targets))
	}
	t := targets[*tgtIndex]
	if err := t.Attach(ctx); err != nil {
		return errors.Trace(err)
	}
	defer t.Detach(context.Background())

	return errors.Trace(c.handler(ctx, t, flag.Args()[1:]))
}

func main() {
	flag.CommandLine.AddGoFlagSet(goflag.CommandLine)
	flag.Parse()
	goflag.CommandLine.Parse(nil) // let glog see its flags

	if *versionFlag {
		fmt.Printf("mdb %s\n", version.BuildString())
		return
	}
	if flag.NArg() == 0 {
		usage()
		os.Exit(1)
	}
	if err := run(); err != nil {
		ourutil.Errorf("error: %v", errors.ErrorStack(err))
		os.Exit(1)
	}
}
