// Package api serves the aggregator over HTTP.
package api

import (
    "context"
    "log/slog"
    "net/http"
    "time"

    "github.com/gin-gonic/gin"

    "pricefeed/internal/metrics"
    "pricefeed/internal/prices"
)

// Aggregator is the part of aggregate.Aggregator the API needs.
type Aggregator interface {
    Aggregate(ctx context.Context) (prices.PriceMap, error)
    Ready() error
}

type Options struct {
    Aggregator Aggregator
    // Hub serves /ws/prices when set.
    Hub            http.Handler
    Metrics        *metrics.Metrics
    Log            *slog.Logger
    AllowOrigin    string
    RequestTimeout time.Duration
}

// ErrorBody is the JSON shape of every non-200 response.
type ErrorBody struct {
    Error string `json:"error"`
    Code  string `json:"code"`
}

// NewRouter builds the gin engine with the full middleware chain.
func NewRouter(opts Options) *gin.Engine {
    if opts.Log == nil { opts.Log = slog.Default() }
    if opts.AllowOrigin == "" { opts.AllowOrigin = "*" }
    if opts.RequestTimeout <= 0 { opts.RequestTimeout = 15 * time.Second }

    r := gin.New()
    r.Use(
        requestID(),
        recoverPanic(opts.Log),
        accessLog(opts.Log, opts.Metrics),
        cors(opts.AllowOrigin),
        noCache(),
        limitBody(1<<20),
        withGzip(),
    )

    h := &handler{agg: opts.Aggregator, timeout: opts.RequestTimeout}
    r.GET("/prices", h.prices)
    r.POST("/prices", h.prices)
    r.GET("/healthz", h.healthz)
    if opts.Metrics != nil {
        r.GET("/metrics", gin.WrapH(opts.Metrics.Handler()))
    }
    if opts.Hub != nil {
        r.GET("/ws/prices", gin.WrapH(opts.Hub))
    }
    r.NoRoute(func(c *gin.Context) {
        c.JSON(http.StatusNotFound, ErrorBody{Error: "not found", Code: "not_found"})
    })
    return r
}

type handler struct {
    agg     Aggregator
    timeout time.Duration
}

func (h *handler) prices(c *gin.Context) {
    ctx, cancel := context.WithTimeout(c.Request.Context(), h.timeout)
    defer cancel()

    pm, err := h.agg.Aggregate(ctx)
    if err != nil {
        status, kind := StatusFor(err)
        c.JSON(status, ErrorBody{Error: err.Error(), Code: string(kind)})
        return
    }
    c.JSON(http.StatusOK, pm)
}

func (h *handler) healthz(c *gin.Context) {
    if err := h.agg.Ready(); err != nil {
        c.JSON(http.StatusServiceUnavailable, ErrorBody{Error: err.Error(), Code: string(prices.KindOf(err))})
        return
    }
    c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// StatusFor maps an aggregation error onto the HTTP status and error code.
func StatusFor(err error) (int, prices.Kind) {
    kind := prices.KindOf(err)
    switch kind {
    case prices.KindConfiguration:
        return http.StatusInternalServerError, kind
    case prices.KindRateLimited:
        return http.StatusTooManyRequests, kind
    default:
        return http.StatusBadGateway, kind
    }
}
