// Command tocksim is the simulator CLI: it loads a flash image against a
// board manifest and drives the kernel loop on a host-simulated
// architecture shim, since this repository ships no real bare-metal
// trampoline (spec.md section 1). Subcommand registration follows the
// teacher's runsc/cli/main.go pattern (SPEC_FULL.md section A).
package main

import (
	"context"
	"flag"
	"os"

	"github.com/google/subcommands"
	"github.com/sirupsen/logrus"
)

func main() {
	subcommands.Register(subcommands.HelpCommand(), "")
	subcommands.Register(subcommands.FlagsCommand(), "")
	subcommands.Register(subcommands.CommandsCommand(), "")
	subcommands.Register(&runCommand{}, "")
	subcommands.Register(&inspectCommand{}, "")

	logger := logrus.New()
	logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	flag.Parse()

	os.Exit(int(subcommands.Execute(context.Background(), logger)))
}
