package ratelimit

import (
    "context"
    "fmt"
    "sync"
    "time"

    "golang.org/x/time/rate"

    "pricefeed/internal/prices"
    "pricefeed/internal/provider"
)

// Limited wraps a provider and paces calls through a token bucket.
// Concurrent calls wait for a token or return early if the context is
// canceled.
//
// When the wrapped provider reports a quota error, Limited stops calling it
// for Cooldown and answers with a rate-limited UpstreamError instead.
type Limited struct {
    P        provider.Provider
    L        *rate.Limiter
    Cooldown time.Duration

    mu    sync.Mutex
    until time.Time
    now   func() time.Time
}

// PerMinute allows rpm calls per minute with the given burst.
func PerMinute(p provider.Provider, rpm, burst int) *Limited {
    if burst <= 0 { burst = 1 }
    lim := rate.Inf
    if rpm > 0 { lim = rate.Limit(float64(rpm) / 60.0) }
    return &Limited{P: p, L: rate.NewLimiter(lim, burst)}
}

// Every enforces a minimum interval between calls.
func Every(p provider.Provider, interval time.Duration) *Limited {
    lim := rate.Inf
    if interval > 0 { lim = rate.Every(interval) }
    return &Limited{P: p, L: rate.NewLimiter(lim, 1)}
}

func (l *Limited) Name() string { return l.P.Name() }

func (l *Limited) Fetch(ctx context.Context, symbols []prices.Symbol) ([]provider.Quote, error) {
    if until, cooling := l.coolingDown(); cooling {
        return nil, &prices.UpstreamError{
            Provider:    l.P.Name(),
            RateLimited: true,
            Err:         fmt.Errorf("cooling down until %s", until.Format(time.RFC3339)),
        }
    }
    if l.L != nil {
        if err := l.L.Wait(ctx); err != nil { return nil, err }
    }
    qs, err := l.P.Fetch(ctx, symbols)
    if err != nil && l.Cooldown > 0 && prices.IsRateLimited(err) {
        l.mu.Lock()
        l.until = l.clock()().Add(l.Cooldown)
        l.mu.Unlock()
    }
    return qs, err
}

func (l *Limited) coolingDown() (time.Time, bool) {
    l.mu.Lock()
    defer l.mu.Unlock()
    if l.until.IsZero() { return time.Time{}, false }
    return l.until, l.clock()().Before(l.until)
}

func (l *Limited) clock() func() time.Time {
    if l.now != nil { return l.now }
    return time.Now
}
