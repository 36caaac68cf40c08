package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/subcommands"

	"pricefeed/internal/broadcast"
	"pricefeed/internal/config"
	"pricefeed/internal/httpx"
	"pricefeed/internal/logging"
	"pricefeed/internal/metrics"
	"pricefeed/internal/prices"
	"pricefeed/internal/pricesync"
)

type watchCmd struct {
	config    string
	url       string
	subscribe string
	store     string
	memory    bool
}

func (*watchCmd) Name() string     { return "watch" }
func (*watchCmd) Synopsis() string { return "keep a local price cache in sync with an aggregator" }
func (*watchCmd) Usage() string {
	return `pricectl watch [-config <file>] [-url <aggregator>] [-subscribe <ws url>] [-store <db> | -memory]

  Polls the aggregator on the configured interval, merges every response into
  a persisted cache and prints each change. When -subscribe is set, pushed
  updates from the aggregator's websocket are merged as well.

  SIGUSR1 toggles visibility (pause/resume polling), SIGUSR2 forces a refresh.
`
}

func (c *watchCmd) SetFlags(f *flag.FlagSet) {
	f.StringVar(&c.config, "config", os.Getenv("CONFIG_FILE"), "path to a JSON or YAML config file")
	f.StringVar(&c.url, "url", "", "aggregator /prices URL (overrides AGGREGATOR_URL)")
	f.StringVar(&c.subscribe, "subscribe", "", "aggregator websocket URL (overrides SUBSCRIBE_URL)")
	f.StringVar(&c.store, "store", "", "SQLite file for the persisted cache (overrides SYNC_STORE_PATH)")
	f.BoolVar(&c.memory, "memory", false, "keep the cache in memory only")
}

func (c *watchCmd) Execute(ctx context.Context, _ *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	cfg, err := config.Load(c.config)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return subcommands.ExitFailure
	}
	if c.url != "" {
		cfg.Sync.AggregatorURL = c.url
	}
	if c.subscribe != "" {
		cfg.Sync.SubscribeURL = c.subscribe
	}
	if c.store != "" {
		cfg.Sync.StorePath = c.store
	}
	if err := cfg.ValidateSync(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return subcommands.ExitUsageError
	}

	log, closeLog, err := logging.New(cfg.Log, os.Stderr)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return subcommands.ExitFailure
	}
	defer closeLog.Close()

	if err := c.run(ctx, cfg, log); err != nil && !errors.Is(err, context.Canceled) {
		fmt.Fprintln(os.Stderr, err)
		return subcommands.ExitFailure
	}
	return subcommands.ExitSuccess
}

func (c *watchCmd) run(ctx context.Context, cfg config.Config, log *slog.Logger) error {
	var store pricesync.Store
	if !c.memory {
		st, err := pricesync.OpenSQLite(cfg.Sync.StorePath)
		if err != nil {
			return err
		}
		defer st.Close()
		store = st
	}

	fetcher := pricesync.NewHTTPFetcher(cfg.Sync.AggregatorURL, httpx.New(cfg.Sync.AttemptTimeout()), cfg.Sync.AttemptTimeout())
	s := pricesync.New(ctx, fetcher, store, pricesync.Options{
		Interval:    cfg.Sync.Interval(),
		MaxAttempts: cfg.Sync.MaxAttempts,
		BaseDelay:   cfg.Sync.BaseDelay(),
		Metrics:     metrics.New(),
		Log:         log,
	})
	defer s.Stop()

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	updates, cancel := s.Subscribe()
	defer cancel()
	printSnapshot(os.Stdout, s.Snapshot())

	if err := s.Start(ctx); err != nil {
		return err
	}
	if cfg.Sync.SubscribeURL != "" {
		go func() {
			_ = broadcast.Subscribe(ctx, cfg.Sync.SubscribeURL, func(ev broadcast.Event) {
				s.Apply(ev.Data, ev.Time())
			}, log)
		}()
	}

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGUSR1, syscall.SIGUSR2)
	defer signal.Stop(sigs)

	for {
		select {
		case <-ctx.Done():
			return nil
		case snap, ok := <-updates:
			if !ok {
				return nil
			}
			if !snap.Loading {
				printSnapshot(os.Stdout, snap)
			}
		case sig := <-sigs:
			switch sig {
			case syscall.SIGUSR1:
				s.SetVisible(!s.Snapshot().Visible)
			case syscall.SIGUSR2:
				if err := s.Refresh(ctx); err != nil {
					log.Warn("refresh", "error", err)
				}
			}
		}
	}
}

// printSnapshot renders a snapshot on one line, followed by the status
// flags that are set.
func printSnapshot(w io.Writer, snap pricesync.Snapshot) {
	var b strings.Builder
	if snap.LastUpdate.IsZero() {
		b.WriteString("[never]")
	} else {
		b.WriteString("[" + snap.LastUpdate.Local().Format(time.TimeOnly) + "]")
	}
	for _, sym := range snap.Prices.Symbols() {
		fmt.Fprintf(&b, " %s=%s", sym, formatPrice(snap.Prices[sym].Price))
	}
	var flags []string
	if !snap.Visible {
		flags = append(flags, "paused")
	}
	if snap.RateLimited {
		flags = append(flags, "rate-limited")
	}
	if snap.Error != "" && snap.ErrorKind != prices.KindRateLimited {
		flags = append(flags, "error: "+snap.Error)
	}
	if len(flags) > 0 {
		b.WriteString(" (" + strings.Join(flags, ", ") + ")")
	}
	fmt.Fprintln(w, b.String())
}
