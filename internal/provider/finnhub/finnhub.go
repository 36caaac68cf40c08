package finnhub

import (
    "context"
    "encoding/json"
    "errors"
    "fmt"
    "io"
    "log/slog"
    "net/http"
    "net/url"
    "strings"
    "sync"
    "time"

    "golang.org/x/sync/errgroup"

    "pricefeed/internal/httpx"
    "pricefeed/internal/prices"
    "pricefeed/internal/provider"
)

const (
    DefaultBaseURL = "https://finnhub.io/api/v1"
    EnvAPIKey      = "FINNHUB_API_KEY"
)

// DefaultSymbolMap maps canonical symbols to Finnhub instrument ids.
var DefaultSymbolMap = map[prices.Symbol]string{
    prices.XAUUSD: "OANDA:XAU_USD",
    prices.EURUSD: "OANDA:EUR_USD",
    prices.GBPUSD: "OANDA:GBP_USD",
    prices.USDJPY: "OANDA:USD_JPY",
    prices.BTCUSD: "BINANCE:BTCUSDT",
    prices.AAPL:   "AAPL",
    prices.SPY:    "SPY",
}

type Config struct {
    Name      string
    BaseURL   string
    APIKey    string
    SymbolMap map[prices.Symbol]string
    // MaxConcurrency bounds the parallel per-symbol requests.
    // Defaults to 4 when <= 0.
    MaxConcurrency int
}

// Provider has no batch endpoint, so it issues one /quote request per
// symbol in parallel. A failing symbol never rejects the others.
type Provider struct {
    cfg    Config
    client *httpx.Client
    log    *slog.Logger
}

func New(cfg Config, hc *httpx.Client, log *slog.Logger) *Provider {
    if cfg.Name == "" { cfg.Name = "finnhub" }
    if cfg.BaseURL == "" { cfg.BaseURL = DefaultBaseURL }
    if cfg.SymbolMap == nil { cfg.SymbolMap = DefaultSymbolMap }
    if cfg.MaxConcurrency <= 0 { cfg.MaxConcurrency = 4 }
    if log == nil { log = slog.Default() }
    return &Provider{cfg: cfg, client: hc, log: log.With("provider", cfg.Name)}
}

func (p *Provider) Name() string { return p.cfg.Name }

func (p *Provider) Fetch(ctx context.Context, symbols []prices.Symbol) ([]provider.Quote, error) {
    if p.cfg.APIKey == "" {
        return nil, &prices.ConfigurationError{Key: EnvAPIKey}
    }

    var (
        mu      sync.Mutex
        out     = make([]provider.Quote, 0, len(symbols))
        errs    []error
        limited int
    )
    g, gctx := errgroup.WithContext(ctx)
    g.SetLimit(p.cfg.MaxConcurrency)
    for _, sym := range symbols {
        sym := sym
        key := p.cfg.SymbolMap[sym]
        if key == "" { key = string(sym) }
        g.Go(func() error {
            q, err := p.fetchOne(gctx, sym, key)
            mu.Lock()
            defer mu.Unlock()
            if err != nil {
                if prices.IsRateLimited(err) { limited++ }
                errs = append(errs, err)
                p.log.Debug("symbol fetch failed", "symbol", sym, "error", err)
                return nil
            }
            out = append(out, q)
            return nil
        })
    }
    _ = g.Wait()

    if len(out) == 0 && len(errs) > 0 {
        return nil, &prices.UpstreamError{
            Provider:    p.cfg.Name,
            RateLimited: limited == len(errs),
            // flattened so errors.Is only sees RateLimited above
            Err:         errors.New(errors.Join(errs...).Error()),
        }
    }
    return out, nil
}

type quoteResponse struct {
    Current json.Number `json:"c"`
    Time    int64       `json:"t"`
    Error   string      `json:"error"`
}

func (p *Provider) fetchOne(ctx context.Context, sym prices.Symbol, key string) (provider.Quote, error) {
    u, err := url.Parse(strings.TrimRight(p.cfg.BaseURL, "/") + "/quote")
    if err != nil { return provider.Quote{}, err }
    q := u.Query()
    q.Set("symbol", key)
    q.Set("token", p.cfg.APIKey)
    u.RawQuery = q.Encode()

    req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), http.NoBody)
    if err != nil { return provider.Quote{}, err }
    req.Header.Set("Accept", "application/json")
    resp, err := p.client.Do(ctx, req)
    if err != nil {
        return provider.Quote{}, &prices.UpstreamError{Provider: p.cfg.Name, Err: err}
    }
    defer resp.Body.Close()
    if resp.StatusCode < 200 || resp.StatusCode >= 300 {
        b, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
        return provider.Quote{}, &prices.UpstreamError{
            Provider:    p.cfg.Name,
            StatusCode:  resp.StatusCode,
            RateLimited: resp.StatusCode == http.StatusTooManyRequests,
            Err:         fmt.Errorf("GET /quote %s -> %d: %s", key, resp.StatusCode, strings.TrimSpace(string(b))),
        }
    }

    dec := json.NewDecoder(io.LimitReader(resp.Body, 64<<10))
    dec.UseNumber()
    var body quoteResponse
    if err := dec.Decode(&body); err != nil {
        return provider.Quote{}, fmt.Errorf("decode %s: %w", key, err)
    }
    if body.Error != "" {
        return provider.Quote{}, &prices.UpstreamError{
            Provider:    p.cfg.Name,
            StatusCode:  resp.StatusCode,
            RateLimited: strings.Contains(strings.ToLower(body.Error), "limit"),
            Err:         errors.New(body.Error),
        }
    }

    ts := time.Now().UTC()
    if body.Time > 0 { ts = time.Unix(body.Time, 0).UTC() }
    return provider.Quote{
        Symbol:     sym,
        Price:      body.Current.String(),
        Source:     p.cfg.Name + ":" + key,
        ReceivedAt: ts,
    }, nil
}
