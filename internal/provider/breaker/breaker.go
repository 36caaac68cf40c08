package breaker

import (
    "context"
    "errors"
    "log/slog"
    "time"

    "github.com/sony/gobreaker"

    "pricefeed/internal/prices"
    "pricefeed/internal/provider"
)

type Settings struct {
    // Failures is the number of consecutive failures that opens the circuit.
    Failures    uint32
    // OpenFor is how long the circuit stays open before a probe is allowed.
    OpenFor     time.Duration
    HalfOpenMax uint32
}

func DefaultSettings() Settings {
    return Settings{Failures: 3, OpenFor: 30 * time.Second, HalfOpenMax: 1}
}

// Provider guards a provider with a circuit breaker. While the circuit is
// open calls fail fast with an UpstreamError so a fallback chain moves on
// to the next provider without waiting on a dead vendor.
type Provider struct {
    P  provider.Provider
    cb *gobreaker.CircuitBreaker
}

func Wrap(p provider.Provider, s Settings, log *slog.Logger) *Provider {
    if s.Failures == 0 { s.Failures = DefaultSettings().Failures }
    if s.OpenFor <= 0 { s.OpenFor = DefaultSettings().OpenFor }
    if s.HalfOpenMax == 0 { s.HalfOpenMax = 1 }
    if log == nil { log = slog.Default() }
    cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
        Name:        p.Name(),
        MaxRequests: s.HalfOpenMax,
        Timeout:     s.OpenFor,
        ReadyToTrip: func(c gobreaker.Counts) bool {
            return c.ConsecutiveFailures >= s.Failures
        },
        // missing credentials and caller cancellation say nothing about
        // vendor health
        IsSuccessful: func(err error) bool {
            return err == nil || prices.IsConfiguration(err) ||
                errors.Is(err, context.Canceled)
        },
        OnStateChange: func(name string, from, to gobreaker.State) {
            log.Warn("circuit breaker state change", "provider", name, "from", from.String(), "to", to.String())
        },
    })
    return &Provider{P: p, cb: cb}
}

func (b *Provider) Name() string { return b.P.Name() }

// State exposes the breaker state for health reporting.
func (b *Provider) State() gobreaker.State { return b.cb.State() }

func (b *Provider) Fetch(ctx context.Context, symbols []prices.Symbol) ([]provider.Quote, error) {
    res, err := b.cb.Execute(func() (interface{}, error) {
        return b.P.Fetch(ctx, symbols)
    })
    if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
        return nil, &prices.UpstreamError{Provider: b.P.Name(), Err: err}
    }
    qs, _ := res.([]provider.Quote)
    return qs, err
}
