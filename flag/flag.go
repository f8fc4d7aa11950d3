package flag

import (
	"errors"
	"flag"
	"fmt"
	"strconv"
	"strings"
)

var ErrorInvalidSubcommands = errors.New("expected 'run' or 'probe' subcommands")

// RunArgs configures the "run" subcommand: load a kernel image, build a
// guest address space of the requested size, and drive the dispatcher
// loop until the guest halts.
type RunArgs struct {
	Kernel     string
	Initrd     string
	Params     string
	MemSize    int
	TraceCount int
	Decode     string // "strict" or "lenient" AeroGPU command-stream decode mode
}

func parseRunArgs(args []string) (*RunArgs, error) {
	runCmd := flag.NewFlagSet("run subcommand", flag.ExitOnError)
	c := &RunArgs{}

	runCmd.StringVar(&c.Kernel, "k", "./kernel.elf", "kernel image path (ELF or flat binary)")
	runCmd.StringVar(&c.Initrd, "i", "", "initrd path")
	runCmd.StringVar(&c.Params, "p", "console=ttyS0", "kernel command-line parameters")
	runCmd.StringVar(&c.Decode, "g", "strict", "AeroGPU command-stream decode mode: strict|lenient")

	msize := runCmd.String("m", "256M",
		"memory size: as number[gGmMkK], optional units, defaults to M")
	tc := runCmd.String("T", "0",
		"how many instructions to skip between trace prints -- 0 means tracing disabled")

	var err error

	if err = runCmd.Parse(args); err != nil {
		return nil, err
	}

	if c.MemSize, err = ParseSize(*msize, "m"); err != nil {
		return nil, err
	}

	if c.TraceCount, err = ParseSize(*tc, ""); err != nil {
		return nil, err
	}

	return c, nil
}

// ProbeArgs configures the "probe" subcommand, which takes no flags of
// its own: it always prints Aero's fixed CPUID feature policy.
type ProbeArgs struct{}

func parseProbeArgs(args []string) (*ProbeArgs, error) {
	probeCmd := flag.NewFlagSet("probe subcommand", flag.ExitOnError)
	c := &ProbeArgs{}

	if err := probeCmd.Parse(args); err != nil {
		return nil, err
	}

	return c, nil
}

// ParseArgs dispatches os.Args (or an equivalent slice) to the "run" or
// "probe" subcommand parser based on args[1].
func ParseArgs(args []string) (*RunArgs, *ProbeArgs, error) {
	if len(args) < 2 {
		return nil, nil, ErrorInvalidSubcommands
	}

	switch args[1] {
	case "run":
		conf, err := parseRunArgs(args[2:])

		return conf, nil, err

	case "probe":
		conf, err := parseProbeArgs(args[2:])

		return nil, conf, err
	}

	return nil, nil, ErrorInvalidSubcommands
}

// ParseSize parses a size string as number[gGmMkK]. The multiplier is optional,
// and if not set, the unit passed in is used. The number can be any base and
// size.
func ParseSize(s, unit string) (int, error) {
	sz := strings.TrimRight(s, "gGmMkK")
	if len(sz) == 0 {
		return -1, fmt.Errorf("%q:can't parse as num[gGmMkK]:%w", s, strconv.ErrSyntax)
	}

	amt, err := strconv.ParseUint(sz, 0, 0)
	if err != nil {
		return -1, err
	}

	if len(s) > len(sz) {
		unit = s[len(sz):]
	}

	switch unit {
	case "G", "g":
		return int(amt) << 30, nil
	case "M", "m":
		return int(amt) << 20, nil
	case "K", "k":
		return int(amt) << 10, nil
	case "":
		return int(amt), nil
	}

	return -1, fmt.Errorf("can not parse %q as num[gGmMkK]:%w", s, strconv.ErrSyntax)
}
