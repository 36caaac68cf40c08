package api

import (
    "compress/gzip"
    "context"
    "encoding/json"
    "errors"
    "io"
    "net/http"
    "net/http/httptest"
    "os"
    "strings"
    "testing"

    "github.com/gin-gonic/gin"
    "github.com/gorilla/websocket"
    "github.com/stretchr/testify/require"

    "pricefeed/internal/broadcast"
    "pricefeed/internal/metrics"
    "pricefeed/internal/prices"
)

func TestMain(m *testing.M) {
    gin.SetMode(gin.TestMode)
    os.Exit(m.Run())
}

type fakeAggregator struct {
    pm    prices.PriceMap
    err   error
    ready error
    calls int
}

func (f *fakeAggregator) Aggregate(context.Context) (prices.PriceMap, error) {
    f.calls++
    return f.pm, f.err
}

func (f *fakeAggregator) Ready() error { return f.ready }

func serve(t *testing.T, r http.Handler, method, target string, hdr map[string]string) *httptest.ResponseRecorder {
    t.Helper()
    req := httptest.NewRequest(method, target, nil)
    for k, v := range hdr { req.Header.Set(k, v) }
    rec := httptest.NewRecorder()
    r.ServeHTTP(rec, req)
    return rec
}

func TestPrices_OKWithNoCacheAndCORS(t *testing.T) {
    // Arrange
    agg := &fakeAggregator{pm: prices.PriceMap{prices.XAUUSD: {Price: 2365.1}, prices.SPY: {Price: 540}}}
    r := NewRouter(Options{Aggregator: agg})

    for _, method := range []string{http.MethodGet, http.MethodPost} {
        // Act
        rec := serve(t, r, method, "/prices?_ts=1700000000000", nil)

        // Assert
        require.Equal(t, http.StatusOK, rec.Code, method)
        require.JSONEq(t, `{"XAU/USD":{"price":2365.1},"SPY":{"price":540}}`, rec.Body.String())
        require.Equal(t, "no-cache, no-store, must-revalidate", rec.Header().Get("Cache-Control"))
        require.Equal(t, "no-cache", rec.Header().Get("Pragma"))
        require.Equal(t, "0", rec.Header().Get("Expires"))
        require.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
        require.NotEmpty(t, rec.Header().Get(HeaderRequestID))
    }
    require.Equal(t, 2, agg.calls)
}

func TestPrices_ErrorStatusMapping(t *testing.T) {
    cases := []struct {
        name   string
        err    error
        status int
        code   string
    }{
        {"configuration", &prices.ConfigurationError{Key: "TWELVE_DATA_API_KEY"}, http.StatusInternalServerError, "configuration_error"},
        {"rate limited", &prices.UpstreamError{Provider: "twelvedata", RateLimited: true}, http.StatusTooManyRequests, "rate_limited"},
        {"empty", &prices.EmptyResultError{Provider: "finnhub"}, http.StatusBadGateway, "empty_result"},
        {"upstream", errors.New("dial tcp: refused"), http.StatusBadGateway, "upstream_error"},
    }
    for _, tc := range cases {
        t.Run(tc.name, func(t *testing.T) {
            r := NewRouter(Options{Aggregator: &fakeAggregator{err: tc.err}})

            rec := serve(t, r, http.MethodGet, "/prices", nil)

            require.Equal(t, tc.status, rec.Code)
            var body ErrorBody
            require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
            require.Equal(t, tc.code, body.Code)
            require.Equal(t, tc.err.Error(), body.Error)
            require.Equal(t, "no-cache, no-store, must-revalidate", rec.Header().Get("Cache-Control"))
        })
    }
}

func TestOptions_Preflight(t *testing.T) {
    agg := &fakeAggregator{}
    r := NewRouter(Options{Aggregator: agg, AllowOrigin: "https://app.example"})

    rec := serve(t, r, http.MethodOptions, "/prices", map[string]string{"Origin": "https://app.example"})

    require.Equal(t, http.StatusNoContent, rec.Code)
    require.Equal(t, "https://app.example", rec.Header().Get("Access-Control-Allow-Origin"))
    require.Zero(t, agg.calls)
}

func TestRequestID_Propagated(t *testing.T) {
    r := NewRouter(Options{Aggregator: &fakeAggregator{pm: prices.Seed()}})
    rec := serve(t, r, http.MethodGet, "/prices", map[string]string{HeaderRequestID: "abc-123"})
    require.Equal(t, "abc-123", rec.Header().Get(HeaderRequestID))
}

func TestHealthz(t *testing.T) {
    r := NewRouter(Options{Aggregator: &fakeAggregator{}})
    require.Equal(t, http.StatusOK, serve(t, r, http.MethodGet, "/healthz", nil).Code)

    r = NewRouter(Options{Aggregator: &fakeAggregator{ready: &prices.ConfigurationError{Key: "TWELVE_DATA_API_KEY"}}})
    rec := serve(t, r, http.MethodGet, "/healthz", nil)
    require.Equal(t, http.StatusServiceUnavailable, rec.Code)
    require.Contains(t, rec.Body.String(), "configuration_error")
}

func TestMetricsEndpoint(t *testing.T) {
    m := metrics.New()
    r := NewRouter(Options{Aggregator: &fakeAggregator{pm: prices.Seed()}, Metrics: m})

    serve(t, r, http.MethodGet, "/prices", nil)
    rec := serve(t, r, http.MethodGet, "/metrics", nil)

    require.Equal(t, http.StatusOK, rec.Code)
    require.Contains(t, rec.Body.String(), `pricefeed_http_requests_total{code="200",method="GET",route="/prices"} 1`)
}

func TestGzip(t *testing.T) {
    r := NewRouter(Options{Aggregator: &fakeAggregator{pm: prices.Seed()}})

    rec := serve(t, r, http.MethodGet, "/prices", map[string]string{"Accept-Encoding": "gzip"})

    require.Equal(t, http.StatusOK, rec.Code)
    require.Equal(t, "gzip", rec.Header().Get("Content-Encoding"))
    zr, err := gzip.NewReader(rec.Body)
    require.NoError(t, err)
    b, err := io.ReadAll(zr)
    require.NoError(t, err)
    var pm prices.PriceMap
    require.NoError(t, json.Unmarshal(b, &pm))
    require.Equal(t, prices.Seed(), pm)
}

func TestPanicRecovered(t *testing.T) {
    r := NewRouter(Options{Aggregator: panicking{}})
    rec := serve(t, r, http.MethodGet, "/prices", nil)
    require.Equal(t, http.StatusInternalServerError, rec.Code)
    require.Contains(t, rec.Body.String(), "internal_error")
}

type panicking struct{}

func (panicking) Aggregate(context.Context) (prices.PriceMap, error) { panic("boom") }
func (panicking) Ready() error                                     { return nil }

func TestWebSocketRoute(t *testing.T) {
    hub := broadcast.NewHub(nil)
    defer hub.Close()
    require.NoError(t, hub.Publish(context.Background(), "prices", broadcast.Event{Data: prices.Seed(), Timestamp: "2025-03-01T00:00:00Z"}))

    srv := httptest.NewServer(NewRouter(Options{Aggregator: &fakeAggregator{}, Hub: hub}))
    defer srv.Close()

    conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/ws/prices", nil)
    require.NoError(t, err)
    defer conn.Close()

    var ev broadcast.Event
    require.NoError(t, conn.ReadJSON(&ev))
    require.Equal(t, prices.Seed(), ev.Data)
}
