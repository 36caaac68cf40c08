package fallback

import (
    "context"
    "fmt"
    "log/slog"
    "strings"
    "time"

    "pricefeed/internal/metrics"
    "pricefeed/internal/prices"
    "pricefeed/internal/provider"
)

// Chain tries providers in order and returns the first non-empty batch.
// Each provider's failure is handled on its own; a later provider is only
// consulted when every earlier one failed or returned nothing.
type Chain struct {
    providers []provider.Provider
    metrics   *metrics.Metrics
    log       *slog.Logger
}

func New(providers []provider.Provider, m *metrics.Metrics, log *slog.Logger) *Chain {
    if log == nil { log = slog.Default() }
    return &Chain{providers: providers, metrics: m, log: log}
}

func (c *Chain) Len() int { return len(c.providers) }

func (c *Chain) Name() string {
    names := make([]string, 0, len(c.providers))
    for _, p := range c.providers { names = append(names, p.Name()) }
    return strings.Join(names, ">")
}

// Fetch returns the quotes of the first provider yielding at least one
// usable quote: a supported symbol with a positive price. A batch with none
// counts as empty and moves on. When all fail the error is rate-limited only
// if every provider was rate-limited; otherwise it is an UpstreamError
// listing every cause.
func (c *Chain) Fetch(ctx context.Context, symbols []prices.Symbol) ([]provider.Quote, error) {
    if len(c.providers) == 0 {
        return nil, &prices.ConfigurationError{Key: "providers", Msg: "no provider configured"}
    }
    var (
        causes  []string
        limited int
        lastErr error
    )
    for _, p := range c.providers {
        if err := ctx.Err(); err != nil { return nil, err }

        start := time.Now()
        qs, err := p.Fetch(ctx, symbols)
        outcome := "ok"
        switch {
        case err != nil:
            outcome = string(prices.KindOf(err))
        case !anyUsable(qs):
            outcome = string(prices.KindEmpty)
        }
        c.metrics.ObserveProvider(p.Name(), outcome, time.Since(start))

        if err == nil && outcome == "ok" {
            if len(causes) > 0 {
                c.log.Info("fallback provider served", "provider", p.Name(), "skipped", len(causes))
            }
            return qs, nil
        }
        if err == nil {
            err = &prices.EmptyResultError{Provider: p.Name()}
        }
        if prices.IsRateLimited(err) { limited++ }
        c.log.Warn("provider failed", "provider", p.Name(), "kind", outcome, "error", err)
        causes = append(causes, err.Error())
        lastErr = err
    }

    if len(c.providers) == 1 {
        return nil, lastErr
    }
    return nil, &prices.UpstreamError{
        Provider:    c.Name(),
        RateLimited: limited == len(c.providers),
        Err:         fmt.Errorf("all providers failed: %s", strings.Join(causes, "; ")),
    }
}

func anyUsable(qs []provider.Quote) bool {
    for _, q := range qs {
        if _, ok := prices.NormalizeSymbol(string(q.Symbol)); !ok { continue }
        if _, ok := prices.ParsePrice(q.Price); ok { return true }
    }
    return false
}
