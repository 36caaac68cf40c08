package twelvedata

import (
    "bytes"
    "context"
    "encoding/json"
    "fmt"
    "io"
    "log/slog"
    "net/http"
    "net/url"
    "strings"
    "time"

    "pricefeed/internal/httpx"
    "pricefeed/internal/prices"
    "pricefeed/internal/provider"
)

const (
    DefaultBaseURL = "https://api.twelvedata.com"
    EnvAPIKey      = "TWELVE_DATA_API_KEY"
)

type Config struct {
    Name    string
    BaseURL string
    APIKey  string
    // SymbolMap overrides the vendor identifier for a canonical symbol.
    // Twelve Data accepts canonical forms ("XAU/USD", "AAPL") so it is
    // usually empty.
    SymbolMap map[prices.Symbol]string
}

// Provider fetches a whole batch from the /price endpoint in one request.
type Provider struct {
    cfg    Config
    client *httpx.Client
    log    *slog.Logger
}

func New(cfg Config, hc *httpx.Client, log *slog.Logger) *Provider {
    if cfg.Name == "" { cfg.Name = "twelvedata" }
    if cfg.BaseURL == "" { cfg.BaseURL = DefaultBaseURL }
    if log == nil { log = slog.Default() }
    return &Provider{cfg: cfg, client: hc, log: log.With("provider", cfg.Name)}
}

func (p *Provider) Name() string { return p.cfg.Name }

func (p *Provider) Fetch(ctx context.Context, symbols []prices.Symbol) ([]provider.Quote, error) {
    if p.cfg.APIKey == "" {
        return nil, &prices.ConfigurationError{Key: EnvAPIKey}
    }
    if len(symbols) == 0 {
        return nil, nil
    }

    // map canonical symbols -> vendor keys, keep unique keys for the batch
    symByKey := make(map[string]prices.Symbol, len(symbols))
    keys := make([]string, 0, len(symbols))
    for _, s := range symbols {
        key := string(s)
        if v := p.cfg.SymbolMap[s]; v != "" { key = v }
        if _, dup := symByKey[key]; dup { continue }
        symByKey[key] = s
        keys = append(keys, key)
    }

    u, err := url.Parse(strings.TrimRight(p.cfg.BaseURL, "/") + "/price")
    if err != nil {
        return nil, fmt.Errorf("%s: parse base url: %w", p.cfg.Name, err)
    }
    q := u.Query()
    q.Set("symbol", strings.Join(keys, ","))
    q.Set("apikey", p.cfg.APIKey)
    u.RawQuery = q.Encode()

    req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), http.NoBody)
    if err != nil {
        return nil, fmt.Errorf("%s: build request: %w", p.cfg.Name, err)
    }
    req.Header.Set("Accept", "application/json")
    resp, err := p.client.Do(ctx, req)
    if err != nil {
        return nil, &prices.UpstreamError{Provider: p.cfg.Name, Err: err}
    }
    defer resp.Body.Close()

    body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
    if err != nil {
        return nil, &prices.UpstreamError{Provider: p.cfg.Name, StatusCode: resp.StatusCode, Err: fmt.Errorf("read body: %w", err)}
    }
    if resp.StatusCode < 200 || resp.StatusCode >= 300 {
        return nil, &prices.UpstreamError{
            Provider:    p.cfg.Name,
            StatusCode:  resp.StatusCode,
            RateLimited: resp.StatusCode == http.StatusTooManyRequests || quotaMessage(string(body)),
            Err:         fmt.Errorf("GET /price -> %d: %s", resp.StatusCode, snippet(body)),
        }
    }

    // A request-level error envelope arrives with HTTP 200.
    var env envelope
    if err := json.Unmarshal(body, &env); err == nil && env.isError() {
        return nil, env.upstreamError(p.cfg.Name)
    }

    raw := make(map[string]json.RawMessage, len(keys))
    if len(keys) == 1 {
        // single symbol: the response is the flat price object
        raw[keys[0]] = body
    } else if err := json.Unmarshal(body, &raw); err != nil {
        return nil, &prices.UpstreamError{Provider: p.cfg.Name, StatusCode: resp.StatusCode, Err: fmt.Errorf("decode: %w", err)}
    }

    now := time.Now().UTC()
    out := make([]provider.Quote, 0, len(keys))
    limited := 0
    for _, key := range keys {
        msg, ok := raw[key]
        if !ok {
            p.log.Debug("symbol missing from response", "symbol", key)
            continue
        }
        var item priceItem
        if err := json.Unmarshal(msg, &item); err != nil {
            p.log.Debug("malformed symbol entry", "symbol", key, "error", err)
            continue
        }
        if item.isError() {
            if item.rateLimited() { limited++ }
            p.log.Debug("symbol error", "symbol", key, "code", item.Code, "message", item.Message)
            continue
        }
        out = append(out, provider.Quote{
            Symbol:     symByKey[key],
            Price:      item.price(),
            Source:     p.cfg.Name,
            ReceivedAt: now,
        })
    }
    if len(out) == 0 && limited > 0 {
        return nil, &prices.UpstreamError{Provider: p.cfg.Name, StatusCode: http.StatusTooManyRequests, RateLimited: true, Err: fmt.Errorf("%d symbols reported quota errors", limited)}
    }
    return out, nil
}

// envelope is the Twelve Data error shape:
// {"code":429,"message":"You have run out of API credits ...","status":"error"}
type envelope struct {
    Code    int    `json:"code"`
    Message string `json:"message"`
    Status  string `json:"status"`
}

func (e envelope) isError() bool { return strings.EqualFold(e.Status, "error") }

func (e envelope) rateLimited() bool {
    return e.Code == http.StatusTooManyRequests || quotaMessage(e.Message)
}

func (e envelope) upstreamError(name string) error {
    return &prices.UpstreamError{
        Provider:    name,
        StatusCode:  e.Code,
        RateLimited: e.rateLimited(),
        Err:         fmt.Errorf("%s", e.Message),
    }
}

type priceItem struct {
    envelope
    Price json.RawMessage `json:"price"`
}

// price returns the raw price with JSON string quotes removed; the vendor
// sends strings but numbers are tolerated.
func (i priceItem) price() string {
    s := string(bytes.TrimSpace(i.Price))
    return strings.Trim(s, `"`)
}

func quotaMessage(msg string) bool {
    m := strings.ToLower(msg)
    return strings.Contains(m, "api credits") || strings.Contains(m, "rate limit") || strings.Contains(m, "too many requests")
}

func snippet(b []byte) string {
    if len(b) > 256 { b = b[:256] }
    return strings.TrimSpace(string(b))
}
