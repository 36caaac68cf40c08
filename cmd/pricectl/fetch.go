package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/google/subcommands"

	"pricefeed/internal/bootstrap"
	"pricefeed/internal/config"
	"pricefeed/internal/httpx"
	"pricefeed/internal/logging"
	"pricefeed/internal/prices"
)

type fetchCmd struct {
	config string
	asJSON bool
}

func (*fetchCmd) Name() string     { return "fetch" }
func (*fetchCmd) Synopsis() string { return "run one aggregation against the configured providers" }
func (*fetchCmd) Usage() string {
	return `pricectl fetch [-config <file>] [-json]

  Calls the provider chain once, exactly like the server does for a single
  /prices request, and prints the resulting price map.
`
}

func (c *fetchCmd) SetFlags(f *flag.FlagSet) {
	f.StringVar(&c.config, "config", os.Getenv("CONFIG_FILE"), "path to a JSON or YAML config file")
	f.BoolVar(&c.asJSON, "json", false, "print the raw price map as JSON")
}

func (c *fetchCmd) Execute(ctx context.Context, _ *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	cfg, err := config.Load(c.config)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return subcommands.ExitFailure
	}
	log, closeLog, err := logging.New(cfg.Log, os.Stderr)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return subcommands.ExitFailure
	}
	defer closeLog.Close()

	agg := bootstrap.Aggregator(cfg, httpx.New(cfg.Server.RequestTimeout()), nil, nil, log)
	ctx, cancel := context.WithTimeout(ctx, cfg.Server.RequestTimeout())
	defer cancel()

	pm, err := agg.Aggregate(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "fetch failed (%s): %v\n", prices.KindOf(err), err)
		return subcommands.ExitFailure
	}
	if c.asJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(pm); err != nil {
			fmt.Fprintln(os.Stderr, err)
			return subcommands.ExitFailure
		}
		return subcommands.ExitSuccess
	}
	printPrices(os.Stdout, pm)
	return subcommands.ExitSuccess
}

// printPrices writes one "SYMBOL  price" line per entry, sorted by symbol.
func printPrices(w io.Writer, pm prices.PriceMap) {
	for _, sym := range pm.Symbols() {
		fmt.Fprintf(w, "%-8s %s\n", sym, formatPrice(pm[sym].Price))
	}
}

func formatPrice(p float64) string {
	switch {
	case p >= 1000:
		return fmt.Sprintf("%.2f", p)
	case p >= 10:
		return fmt.Sprintf("%.3f", p)
	default:
		return fmt.Sprintf("%.5f", p)
	}
}
