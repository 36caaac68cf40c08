// Package jsonpath adapts any JSON quote endpoint into a provider.Provider
// using a URL template and a JSONPath expression per symbol.
package jsonpath

import (
    "context"
    "encoding/json"
    "errors"
    "fmt"
    "io"
    "log/slog"
    "net/http"
    "net/url"
    "strconv"
    "strings"
    "time"

    "github.com/PaesslerAG/jsonpath"

    "pricefeed/internal/httpx"
    "pricefeed/internal/prices"
    "pricefeed/internal/provider"
)

const (
    placeholderSymbol = "{symbol}"
    placeholderKey    = "{apikey}"

    DefaultPath = "$.price"
)

// Config describes a vendor endpoint.
//
// URL may contain {symbol} and {apikey}. With {symbol} one request is made
// per symbol; without it a single document is fetched and every symbol's
// path is evaluated against it. Path and Paths may contain {symbol} too.
type Config struct {
    Name   string
    URL    string
    APIKey string
    // KeyHeader sends the key as a request header instead of in the URL.
    KeyHeader string
    Path      string
    Paths     map[prices.Symbol]string
    SymbolMap map[prices.Symbol]string
}

type Provider struct {
    cfg    Config
    client *httpx.Client
    log    *slog.Logger
}

func New(cfg Config, hc *httpx.Client, log *slog.Logger) *Provider {
    if cfg.Name == "" { cfg.Name = "jsonpath" }
    if cfg.Path == "" { cfg.Path = DefaultPath }
    if log == nil { log = slog.Default() }
    return &Provider{cfg: cfg, client: hc, log: log.With("provider", cfg.Name)}
}

func (p *Provider) Name() string { return p.cfg.Name }

func (p *Provider) Fetch(ctx context.Context, symbols []prices.Symbol) ([]provider.Quote, error) {
    if p.cfg.URL == "" {
        return nil, &prices.ConfigurationError{Key: "jsonpath.url"}
    }
    if strings.Contains(p.cfg.URL, placeholderKey) && p.cfg.APIKey == "" {
        return nil, &prices.ConfigurationError{Key: "jsonpath.api_key"}
    }

    if !strings.Contains(p.cfg.URL, placeholderSymbol) {
        doc, err := p.get(ctx, p.expand(p.cfg.URL, ""))
        if err != nil { return nil, err }
        out := make([]provider.Quote, 0, len(symbols))
        for _, sym := range symbols {
            if q, ok := p.extract(doc, sym); ok { out = append(out, q) }
        }
        return out, nil
    }

    out := make([]provider.Quote, 0, len(symbols))
    var errs []error
    limited := 0
    for _, sym := range symbols {
        doc, err := p.get(ctx, p.expand(p.cfg.URL, p.vendorKey(sym)))
        if err != nil {
            if ctx.Err() != nil { return nil, ctx.Err() }
            if prices.IsRateLimited(err) { limited++ }
            errs = append(errs, err)
            p.log.Debug("symbol fetch failed", "symbol", sym, "error", err)
            continue
        }
        if q, ok := p.extract(doc, sym); ok { out = append(out, q) }
    }
    if len(out) == 0 && len(errs) > 0 {
        return nil, &prices.UpstreamError{
            Provider:    p.cfg.Name,
            RateLimited: limited == len(errs),
            Err:         errors.New(errors.Join(errs...).Error()),
        }
    }
    return out, nil
}

func (p *Provider) vendorKey(sym prices.Symbol) string {
    if v := p.cfg.SymbolMap[sym]; v != "" { return v }
    return string(sym)
}

func (p *Provider) expand(tmpl, key string) string {
    s := strings.ReplaceAll(tmpl, placeholderSymbol, url.QueryEscape(key))
    return strings.ReplaceAll(s, placeholderKey, url.QueryEscape(p.cfg.APIKey))
}

func (p *Provider) get(ctx context.Context, u string) (any, error) {
    req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, http.NoBody)
    if err != nil { return nil, fmt.Errorf("%s: build request: %w", p.cfg.Name, err) }
    req.Header.Set("Accept", "application/json")
    if p.cfg.KeyHeader != "" && p.cfg.APIKey != "" {
        req.Header.Set(p.cfg.KeyHeader, p.cfg.APIKey)
    }
    resp, err := p.client.Do(ctx, req)
    if err != nil {
        return nil, &prices.UpstreamError{Provider: p.cfg.Name, Err: err}
    }
    defer resp.Body.Close()
    if resp.StatusCode < 200 || resp.StatusCode >= 300 {
        b, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
        return nil, &prices.UpstreamError{
            Provider:    p.cfg.Name,
            StatusCode:  resp.StatusCode,
            RateLimited: resp.StatusCode == http.StatusTooManyRequests,
            Err:         fmt.Errorf("GET -> %d: %s", resp.StatusCode, strings.TrimSpace(string(b))),
        }
    }
    dec := json.NewDecoder(io.LimitReader(resp.Body, 1<<20))
    dec.UseNumber()
    var doc any
    if err := dec.Decode(&doc); err != nil {
        return nil, &prices.UpstreamError{Provider: p.cfg.Name, StatusCode: resp.StatusCode, Err: fmt.Errorf("decode: %w", err)}
    }
    return doc, nil
}

func (p *Provider) extract(doc any, sym prices.Symbol) (provider.Quote, bool) {
    path := p.cfg.Path
    if v := p.cfg.Paths[sym]; v != "" { path = v }
    path = strings.ReplaceAll(path, placeholderSymbol, p.vendorKey(sym))

    v, err := jsonpath.Get(path, doc)
    if err != nil {
        p.log.Debug("path did not match", "symbol", sym, "path", path, "error", err)
        return provider.Quote{}, false
    }
    // a filter or slice yields a list; keep the first match
    if list, ok := v.([]any); ok {
        if len(list) == 0 { return provider.Quote{}, false }
        v = list[0]
    }
    raw, ok := scalar(v)
    if !ok {
        p.log.Debug("path is not a scalar", "symbol", sym, "path", path, "value", v)
        return provider.Quote{}, false
    }
    return provider.Quote{Symbol: sym, Price: raw, Source: p.cfg.Name, ReceivedAt: time.Now().UTC()}, true
}

func scalar(v any) (string, bool) {
    switch t := v.(type) {
    case json.Number:
        return t.String(), true
    case string:
        return t, true
    case float64:
        return strconv.FormatFloat(t, 'f', -1, 64), true
    default:
        return "", false
    }
}
