// Package bootstrap assembles the aggregator from configuration. It is
// shared by the server and the CLI so both see the same provider chain.
package bootstrap

import (
    "errors"
    "log/slog"
    "strings"
    "time"

    "github.com/redis/go-redis/v9"

    "pricefeed/internal/aggregate"
    "pricefeed/internal/broadcast"
    "pricefeed/internal/config"
    "pricefeed/internal/httpx"
    "pricefeed/internal/metrics"
    "pricefeed/internal/prices"
    "pricefeed/internal/provider"
    "pricefeed/internal/provider/breaker"
    "pricefeed/internal/provider/fallback"
    "pricefeed/internal/provider/finnhub"
    "pricefeed/internal/provider/jsonpath"
    "pricefeed/internal/provider/ratelimit"
    "pricefeed/internal/provider/twelvedata"
)

// Providers builds the ordered fallback list: Twelve Data, then Finnhub,
// then the generic JSONPath vendor. Vendors without credentials are skipped
// with a warning.
func Providers(cfg config.Config, hc *httpx.Client, log *slog.Logger) []provider.Provider {
    var out []provider.Provider

    if cfg.TwelveData.Enabled {
        if cfg.TwelveData.APIKey == "" {
            log.Warn("twelvedata enabled but " + twelvedata.EnvAPIKey + " not set; skipping")
        } else {
            td := twelvedata.New(twelvedata.Config{BaseURL: cfg.TwelveData.BaseURL, APIKey: cfg.TwelveData.APIKey}, hc, log)
            out = append(out, guard(cfg, cfg.TwelveData, td, log))
        }
    }
    if cfg.Finnhub.Enabled {
        if cfg.Finnhub.APIKey == "" {
            log.Warn("finnhub enabled but " + finnhub.EnvAPIKey + " not set; skipping")
        } else {
            fh := finnhub.New(finnhub.Config{
                BaseURL:        cfg.Finnhub.BaseURL,
                APIKey:         cfg.Finnhub.APIKey,
                MaxConcurrency: cfg.Finnhub.MaxConcurrency,
            }, hc, log)
            out = append(out, guard(cfg, cfg.Finnhub, fh, log))
        }
    }
    if cfg.JSONPath.Enabled {
        if cfg.JSONPath.URL == "" {
            log.Warn("jsonpath enabled but url not set; skipping")
        } else {
            jp := jsonpath.New(jsonpath.Config{
                Name:      cfg.JSONPath.Name,
                URL:       cfg.JSONPath.URL,
                APIKey:    cfg.JSONPath.APIKey,
                KeyHeader: cfg.JSONPath.KeyHeader,
                Path:      cfg.JSONPath.Path,
                Paths:     symbolKeyed(cfg.JSONPath.Paths),
                SymbolMap: symbolKeyed(cfg.JSONPath.SymbolMap),
            }, hc, log)
            var p provider.Provider = ratelimit.Every(jp, time.Duration(cfg.JSONPath.MinRequestIntervalSec)*time.Second)
            if cfg.Breaker.Enabled { p = breaker.Wrap(p, breakerSettings(cfg.Breaker), log) }
            out = append(out, p)
        }
    }
    return out
}

// guard wraps a keyed vendor with its rate limit and, when enabled, a
// circuit breaker outside the limiter.
func guard(cfg config.Config, v config.Vendor, p provider.Provider, log *slog.Logger) provider.Provider {
    lim := ratelimit.PerMinute(p, v.MaxRequestsPerMinute, v.Burst)
    lim.Cooldown = time.Duration(v.CooldownSec) * time.Second
    var out provider.Provider = lim
    if cfg.Breaker.Enabled { out = breaker.Wrap(out, breakerSettings(cfg.Breaker), log) }
    return out
}

func breakerSettings(b config.Breaker) breaker.Settings {
    s := breaker.DefaultSettings()
    if b.Failures > 0 { s.Failures = uint32(b.Failures) }
    if b.OpenSec > 0 { s.OpenFor = time.Duration(b.OpenSec) * time.Second }
    return s
}

// symbolKeyed normalizes configuration keys ("xauusd", "XAU/USD") onto
// canonical symbols; unknown keys are ignored.
func symbolKeyed(in map[string]string) map[prices.Symbol]string {
    if len(in) == 0 { return nil }
    out := make(map[prices.Symbol]string, len(in))
    for k, v := range in {
        if sym, ok := prices.NormalizeSymbol(k); ok { out[sym] = v }
    }
    return out
}

// Publishers builds the broadcast publishers for the configured modes. hub
// is used for "ws" and may be nil otherwise. The returned close function
// releases network clients.
func Publishers(cfg config.Broadcast, hub *broadcast.Hub) (broadcast.Publisher, func() error) {
    var (
        pubs    broadcast.Multi
        closers []func() error
    )
    for _, mode := range cfg.Modes() {
        switch strings.ToLower(mode) {
        case config.BroadcastWS:
            if hub != nil { pubs = append(pubs, hub) }
        case config.BroadcastRedis:
            rc := redis.NewUniversalClient(&redis.UniversalOptions{
                Addrs:    []string{cfg.RedisAddr},
                Password: cfg.RedisPassword,
                DB:       cfg.RedisDB,
            })
            pubs = append(pubs, broadcast.NewRedisPublisher(rc))
            closers = append(closers, rc.Close)
        case config.BroadcastKafka:
            kp := broadcast.NewKafkaPublisher(cfg.KafkaBrokers)
            pubs = append(pubs, kp)
            closers = append(closers, kp.Close)
        }
    }
    closeAll := func() error {
        var errs []error
        for _, c := range closers { errs = append(errs, c()) }
        return errors.Join(errs...)
    }
    switch len(pubs) {
    case 0:
        return nil, closeAll
    case 1:
        return pubs[0], closeAll
    default:
        return pubs, closeAll
    }
}

// Aggregator validates cfg and wires the fallback chain into an Aggregator.
// A configuration error does not fail construction: the Aggregator reports
// it on every invocation so the HTTP surface can answer with it.
func Aggregator(cfg config.Config, hc *httpx.Client, pub broadcast.Publisher, m *metrics.Metrics, log *slog.Logger) *aggregate.Aggregator {
    cfgErr := cfg.ValidateServer()
    var chain provider.Provider
    if ps := Providers(cfg, hc, log); len(ps) > 0 {
        chain = fallback.New(ps, m, log)
    } else if cfgErr == nil {
        cfgErr = &prices.ConfigurationError{Key: "providers", Msg: "no provider enabled"}
    }
    if cfgErr != nil {
        log.Error("aggregator misconfigured", "error", cfgErr)
    }
    return aggregate.New(chain, aggregate.Options{
        Publisher: pub,
        Channel:   cfg.Broadcast.Channel,
        ConfigErr: cfgErr,
        Timeout:   cfg.Server.RequestTimeout(),
        Metrics:   m,
        Log:       log,
    })
}
