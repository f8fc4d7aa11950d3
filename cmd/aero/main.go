// Command aero is Aero's host boundary: a "run" subcommand that loads a
// kernel image and drives it to completion, and a "probe" subcommand
// that prints the fixed CPUID policy a guest would see.
package main

import (
	"log"
	"os"

	"github.com/aerocore/aero/flag"
	"github.com/aerocore/aero/probe"
)

func main() {
	run, p, err := flag.ParseArgs(os.Args)
	if err != nil {
		log.Fatal(err)
	}

	if p != nil {
		if err := probe.CPUID(); err != nil {
			log.Fatal(err)
		}

		return
	}

	if err := runVM(run); err != nil {
		log.Fatal(err)
	}
}
