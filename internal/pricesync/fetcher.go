package pricesync

//go:generate mockgen -package=pricesync -destination=mock_fetcher.go -source=fetcher.go Fetcher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"pricefeed/internal/httpx"
	"pricefeed/internal/prices"
)

// Fetcher performs one attempt against the aggregator.
type Fetcher interface {
	FetchPrices(ctx context.Context) (prices.PriceMap, error)
}

// Checker is implemented by fetchers that can detect misconfiguration
// before the first attempt.
type Checker interface {
	Check() error
}

const aggregatorName = "aggregator"

// HTTPFetcher calls the aggregator's /prices endpoint. Every attempt gets
// its own timeout, a unique _ts query parameter and no-cache headers.
type HTTPFetcher struct {
	rawURL  string
	client  *httpx.Client
	timeout time.Duration
	now     func() time.Time
}

func NewHTTPFetcher(rawURL string, client *httpx.Client, timeout time.Duration) *HTTPFetcher {
	if client == nil {
		client = httpx.New(timeout)
	}
	client.NoCache = true
	return &HTTPFetcher{rawURL: rawURL, client: client, timeout: timeout, now: time.Now}
}

func (f *HTTPFetcher) Check() error {
	if strings.TrimSpace(f.rawURL) == "" {
		return &prices.ConfigurationError{Key: "AGGREGATOR_URL"}
	}
	u, err := url.Parse(f.rawURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return &prices.ConfigurationError{Key: "AGGREGATOR_URL", Msg: fmt.Sprintf("invalid url %q", f.rawURL)}
	}
	return nil
}

func (f *HTTPFetcher) FetchPrices(ctx context.Context) (prices.PriceMap, error) {
	if err := f.Check(); err != nil {
		return nil, err
	}
	u, _ := url.Parse(f.rawURL)
	if f.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, f.timeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, httpx.CacheBust(u, f.now()).String(), http.NoBody)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	resp, err := f.client.Do(ctx, req)
	if err != nil {
		return nil, &prices.UpstreamError{Provider: aggregatorName, Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, &prices.UpstreamError{Provider: aggregatorName, StatusCode: resp.StatusCode, Err: err}
	}
	if resp.StatusCode != http.StatusOK {
		return nil, statusError(resp.StatusCode, body)
	}
	return decodePriceMap(body)
}

type errorBody struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// statusError maps an aggregator error response back onto the taxonomy.
func statusError(status int, body []byte) error {
	var eb errorBody
	_ = json.Unmarshal(body, &eb)
	msg := eb.Error
	if msg == "" {
		msg = strings.TrimSpace(string(body))
		if len(msg) > 256 {
			msg = msg[:256]
		}
	}
	switch {
	case eb.Code == string(prices.KindConfiguration):
		return &prices.ConfigurationError{Key: aggregatorName, Msg: msg}
	case status == http.StatusTooManyRequests || eb.Code == string(prices.KindRateLimited):
		return &prices.UpstreamError{Provider: aggregatorName, StatusCode: status, RateLimited: true, Err: errors.New(msg)}
	case eb.Code == string(prices.KindEmpty):
		return &prices.EmptyResultError{Provider: aggregatorName}
	default:
		return &prices.UpstreamError{Provider: aggregatorName, StatusCode: status, Err: errors.New(msg)}
	}
}

// decodePriceMap parses each entry on its own so one malformed symbol
// never rejects the rest.
func decodePriceMap(body []byte) (prices.PriceMap, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, &prices.UpstreamError{Provider: aggregatorName, StatusCode: http.StatusOK, Err: fmt.Errorf("decode: %w", err)}
	}
	out := make(prices.PriceMap, len(raw))
	for key, msg := range raw {
		var e struct {
			Price json.Number `json:"price"`
		}
		if err := json.Unmarshal(msg, &e); err != nil {
			continue
		}
		sym, ok := prices.NormalizeSymbol(key)
		if !ok {
			continue
		}
		if v, ok := prices.ParsePrice(e.Price.String()); ok {
			out[sym] = prices.Entry{Price: v}
		}
	}
	if len(out) == 0 {
		return nil, &prices.EmptyResultError{Provider: aggregatorName}
	}
	return out, nil
}
