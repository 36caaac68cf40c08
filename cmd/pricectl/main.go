// Command pricectl runs one-off aggregations and a terminal price
// synchronizer against a running aggregator.
package main

import (
	"context"
	"flag"
	"os"
	"path"

	"github.com/google/subcommands"
)

func main() {
	commander := subcommands.NewCommander(flag.CommandLine, path.Base(os.Args[0]))
	commander.Register(commander.HelpCommand(), "")
	commander.Register(commander.FlagsCommand(), "")
	commander.Register(&fetchCmd{}, "")
	commander.Register(&watchCmd{}, "")

	flag.Parse()
	os.Exit(int(commander.Execute(context.Background())))
}
