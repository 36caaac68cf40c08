package jsonpath

import (
    "net/http"
    "net/http/httptest"
    "testing"
    "time"

    "github.com/stretchr/testify/require"

    "pricefeed/internal/httpx"
    "pricefeed/internal/prices"
)

func TestFetch_SingleDocumentPerSymbolPaths(t *testing.T) {
    t.Parallel()

    // Arrange: one document holding every instrument.
    srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
        _, _ = w.Write([]byte(`{"data":{"XAU/USD":{"last":"2361.5"},"EUR/USD":{"last":1.0871}},
            "series":[[1,210.4],[2,211.2]]}`))
    }))
    defer srv.Close()

    p := New(Config{
        URL:   srv.URL + "/all",
        Path:  `$.data["{symbol}"].last`,
        Paths: map[prices.Symbol]string{prices.AAPL: "$.series[-1:][1]"},
    }, httpx.New(2*time.Second), nil)

    // Act
    quotes, err := p.Fetch(t.Context(), []prices.Symbol{prices.XAUUSD, prices.EURUSD, prices.AAPL, prices.SPY})

    // Assert: SPY has no match and is skipped.
    require.NoError(t, err)
    got := map[prices.Symbol]string{}
    for _, q := range quotes { got[q.Symbol] = q.Price }
    require.Equal(t, map[prices.Symbol]string{
        prices.XAUUSD: "2361.5",
        prices.EURUSD: "1.0871",
        prices.AAPL:   "211.2",
    }, got)
}

func TestFetch_PerSymbolRequests(t *testing.T) {
    t.Parallel()

    var gotHeader string
    srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
        gotHeader = r.Header.Get("X-Api-Key")
        switch r.URL.Query().Get("s") {
        case "SPY":
            _, _ = w.Write([]byte(`{"quote":{"price":540.5}}`))
        default:
            w.WriteHeader(http.StatusNotFound)
        }
    }))
    defer srv.Close()

    p := New(Config{
        URL:       srv.URL + "/q?s={symbol}",
        APIKey:    "secret",
        KeyHeader: "X-Api-Key",
        Path:      "$.quote.price",
    }, httpx.New(2*time.Second), nil)

    quotes, err := p.Fetch(t.Context(), []prices.Symbol{prices.AAPL, prices.SPY})
    require.NoError(t, err)
    require.Len(t, quotes, 1)
    require.Equal(t, prices.SPY, quotes[0].Symbol)
    require.Equal(t, "540.5", quotes[0].Price)
    require.Equal(t, "secret", gotHeader)
}

func TestFetch_AllRateLimited(t *testing.T) {
    t.Parallel()

    srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
        w.WriteHeader(http.StatusTooManyRequests)
    }))
    defer srv.Close()

    p := New(Config{URL: srv.URL + "/q?s={symbol}"}, httpx.New(2*time.Second), nil)
    _, err := p.Fetch(t.Context(), []prices.Symbol{prices.AAPL, prices.SPY})
    require.True(t, prices.IsRateLimited(err))
}

func TestFetch_Misconfigured(t *testing.T) {
    t.Parallel()

    _, err := New(Config{}, httpx.New(time.Second), nil).Fetch(t.Context(), prices.Supported())
    require.True(t, prices.IsConfiguration(err))

    _, err = New(Config{URL: "http://x/{apikey}"}, httpx.New(time.Second), nil).Fetch(t.Context(), prices.Supported())
    require.True(t, prices.IsConfiguration(err))
}
