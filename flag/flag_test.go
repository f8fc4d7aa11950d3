package flag_test

import (
	"errors"
	"strconv"
	"testing"

	"github.com/aerocore/aero/flag"
)

func TestParseSize(t *testing.T) { // nolint:paralleltest
	for _, tt := range []struct {
		name string
		unit string
		m    string
		amt  int
		err  error
	}{
		{name: "badsuffix", m: "1T", amt: -1, err: strconv.ErrSyntax},
		{name: "1G", m: "1G", amt: 1 << 30, err: nil},
		{name: "1g", m: "1g", amt: 1 << 30, err: nil},
		{name: "1M", m: "1M", amt: 1 << 20, err: nil},
		{name: "1m", m: "1m", amt: 1 << 20, err: nil},
		{name: "1K", m: "1K", amt: 1 << 10, err: nil},
		{name: "1k", m: "1k", amt: 1 << 10, err: nil},
		{name: "1 with unit k", m: "1", unit: "k", amt: 1 << 10, err: nil},
		{name: "1 with unit \"\"", m: "1", unit: "", amt: 1, err: nil},
		{name: "256m", m: "256m", amt: 256 << 20, err: nil},
		{name: "bogusgarbage", m: "123411;3413234134", amt: -1, err: strconv.ErrSyntax},
		{name: "bogusgarbagemsuffix", m: "123411;3413234134m", amt: -1, err: strconv.ErrSyntax},
		{name: "bogustoobig", m: "0xfffffffffffffffffffffff", amt: -1, err: strconv.ErrRange},
	} {
		amt, err := flag.ParseSize(tt.m, tt.unit)
		if !errors.Is(err, tt.err) || amt != tt.amt {
			t.Errorf("%s:ParseSize(%s): got (%d, %v), want (%d, %v)", tt.name, tt.m, amt, err, tt.amt, tt.err)
		}
	}
}

func TestParseArgsRun(t *testing.T) {
	t.Parallel()

	run, probe, err := flag.ParseArgs([]string{"aero", "run", "-k", "kernel.elf", "-i", "initrd_path", "-m", "512M", "-T", "1"})
	if err != nil {
		t.Fatalf("ParseArgs: %v", err)
	}
	if probe != nil {
		t.Fatal("ParseArgs(run ...) should not populate ProbeArgs")
	}
	if run.Kernel != "kernel.elf" || run.Initrd != "initrd_path" {
		t.Errorf("run = %+v, want Kernel=kernel.elf Initrd=initrd_path", run)
	}
	if run.MemSize != 512<<20 {
		t.Errorf("MemSize = %d, want %d", run.MemSize, 512<<20)
	}
	if run.TraceCount != 1 {
		t.Errorf("TraceCount = %d, want 1", run.TraceCount)
	}
}

func TestParseArgsProbe(t *testing.T) {
	t.Parallel()

	run, probe, err := flag.ParseArgs([]string{"aero", "probe"})
	if err != nil {
		t.Fatalf("ParseArgs: %v", err)
	}
	if run != nil {
		t.Fatal("ParseArgs(probe) should not populate RunArgs")
	}
	if probe == nil {
		t.Fatal("ParseArgs(probe) should populate ProbeArgs")
	}
}

func TestParseArgsRejectsUnknownSubcommand(t *testing.T) {
	t.Parallel()

	if _, _, err := flag.ParseArgs([]string{"aero", "frobnicate"}); !errors.Is(err, flag.ErrorInvalidSubcommands) {
		t.Errorf("err = %v, want ErrorInvalidSubcommands", err)
	}
	if _, _, err := flag.ParseArgs([]string{"aero"}); !errors.Is(err, flag.ErrorInvalidSubcommands) {
		t.Errorf("err = %v, want ErrorInvalidSubcommands", err)
	}
}
