package aggregate

import (
    "context"
    "log/slog"
    "sort"
    "time"

    "golang.org/x/sync/singleflight"

    "pricefeed/internal/broadcast"
    "pricefeed/internal/metrics"
    "pricefeed/internal/prices"
    "pricefeed/internal/provider"
)

// Dropped records a quote that did not make it into the PriceMap.
type Dropped struct {
    Symbol string
    Source string
    Reason string
}

const (
    ReasonUnknownSymbol = "unknown_symbol"
    ReasonInvalidPrice  = "invalid_price"
)

// Normalize collapses quotes into a PriceMap keyed by canonical symbol,
// keeping the newest quote per symbol. For equal timestamps, later input
// wins. Quotes with unknown symbols or non-positive, non-finite or
// unparsable prices are dropped and reported, sorted by symbol.
func Normalize(quotes []provider.Quote) (prices.PriceMap, []Dropped) {
    type pick struct {
        price float64
        at    time.Time
    }
    best := make(map[prices.Symbol]pick, len(quotes))
    var dropped []Dropped

    for _, q := range quotes {
        sym, ok := prices.NormalizeSymbol(string(q.Symbol))
        if !ok {
            dropped = append(dropped, Dropped{Symbol: string(q.Symbol), Source: q.Source, Reason: ReasonUnknownSymbol})
            continue
        }
        v, ok := prices.ParsePrice(q.Price)
        if !ok {
            dropped = append(dropped, Dropped{Symbol: string(sym), Source: q.Source, Reason: ReasonInvalidPrice})
            continue
        }
        if cur, seen := best[sym]; seen && q.ReceivedAt.Before(cur.at) {
            continue
        }
        best[sym] = pick{price: v, at: q.ReceivedAt}
    }

    out := make(prices.PriceMap, len(best))
    for sym, p := range best { out[sym] = prices.Entry{Price: p.price} }
    sort.Slice(dropped, func(i, j int) bool { return dropped[i].Symbol < dropped[j].Symbol })
    return out, dropped
}

// Options configures an Aggregator.
type Options struct {
    // Symbols defaults to prices.Supported().
    Symbols []prices.Symbol
    // Publisher enables push mode; Channel names the broadcast channel.
    Publisher broadcast.Publisher
    Channel   string
    // ConfigErr is reported by every invocation without calling upstream,
    // typically because no provider had credentials.
    ConfigErr error
    // Timeout bounds one shared upstream call. The call does not inherit
    // any single caller's cancellation. Defaults to 15s.
    Timeout time.Duration
    Metrics *metrics.Metrics
    Log     *slog.Logger
    Now     func() time.Time
}

// Aggregator fetches the fixed symbol set from a provider (usually a
// fallback chain) and turns the quotes into a PriceMap. It keeps no state
// between invocations and may be called concurrently; overlapping callers
// share one upstream call.
type Aggregator struct {
    p    provider.Provider
    opts Options
    sf   singleflight.Group
}

func New(p provider.Provider, opts Options) *Aggregator {
    if len(opts.Symbols) == 0 { opts.Symbols = prices.Supported() }
    if opts.Channel == "" { opts.Channel = "prices" }
    if opts.Log == nil { opts.Log = slog.Default() }
    if opts.Now == nil { opts.Now = time.Now }
    if opts.Timeout <= 0 { opts.Timeout = 15 * time.Second }
    return &Aggregator{p: p, opts: opts}
}

// Ready reports the configuration error, if any.
func (a *Aggregator) Ready() error { return a.opts.ConfigErr }

// Aggregate runs one invocation. In push mode the result is also published;
// a publish failure is logged and counted but never fails the invocation.
// A caller whose ctx ends first gets ctx.Err(); callers sharing the same
// upstream call are unaffected.
func (a *Aggregator) Aggregate(ctx context.Context) (prices.PriceMap, error) {
    ch := a.sf.DoChan("aggregate", func() (any, error) {
        cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), a.opts.Timeout)
        defer cancel()
        return a.invoke(cctx)
    })
    select {
    case <-ctx.Done():
        return nil, ctx.Err()
    case res := <-ch:
        if res.Err != nil { return nil, res.Err }
        pm := res.Val.(prices.PriceMap)
        if res.Shared { pm = pm.Clone() }
        return pm, nil
    }
}

func (a *Aggregator) invoke(ctx context.Context) (prices.PriceMap, error) {
    pm, err := a.aggregate(ctx)
    outcome := "ok"
    if err != nil { outcome = string(prices.KindOf(err)) }
    a.opts.Metrics.ObserveAggregation(outcome)
    if err != nil {
        a.opts.Log.Warn("aggregation failed", "kind", outcome, "error", err)
        return nil, err
    }

    if a.opts.Publisher != nil {
        ev := broadcast.NewEvent(pm, a.opts.Now())
        if perr := a.opts.Publisher.Publish(ctx, a.opts.Channel, ev); perr != nil {
            a.opts.Metrics.ObservePublishFailure(a.opts.Channel)
            a.opts.Log.Warn("broadcast publish failed", "channel", a.opts.Channel, "error", perr)
        }
    }
    return pm, nil
}

func (a *Aggregator) aggregate(ctx context.Context) (prices.PriceMap, error) {
    if a.opts.ConfigErr != nil {
        return nil, a.opts.ConfigErr
    }
    if a.p == nil {
        return nil, &prices.ConfigurationError{Key: "providers", Msg: "no provider configured"}
    }
    quotes, err := a.p.Fetch(ctx, a.opts.Symbols)
    if err != nil {
        return nil, err
    }

    pm, dropped := Normalize(quotes)
    for _, d := range dropped {
        a.opts.Log.Debug("quote dropped", "symbol", d.Symbol, "source", d.Source, "reason", d.Reason)
        a.opts.Metrics.ObserveDropped(d.Reason, 1)
    }
    if len(pm) == 0 {
        return nil, &prices.EmptyResultError{Provider: a.p.Name()}
    }
    return pm, nil
}
