package api

import (
    "compress/gzip"
    "fmt"
    "io"
    "log/slog"
    "net/http"
    "strconv"
    "strings"
    "sync"
    "time"

    "github.com/gin-gonic/gin"
    "github.com/google/uuid"

    "pricefeed/internal/logging"
    "pricefeed/internal/metrics"
)

const HeaderRequestID = "X-Request-ID"

// requestID honours an incoming X-Request-ID or mints one.
func requestID() gin.HandlerFunc {
    return func(c *gin.Context) {
        id := c.GetHeader(HeaderRequestID)
        if id == "" { id = uuid.NewString() }
        c.Header(HeaderRequestID, id)
        c.Request = c.Request.WithContext(logging.WithRequestID(c.Request.Context(), id))
        c.Next()
    }
}

func accessLog(log *slog.Logger, m *metrics.Metrics) gin.HandlerFunc {
    return func(c *gin.Context) {
        start := time.Now()
        c.Next()
        d := time.Since(start)
        route := c.FullPath()
        if route == "" { route = "unmatched" }
        status := c.Writer.Status()
        m.ObserveHTTP(c.Request.Method, route, strconv.Itoa(status), d)
        logging.FromContext(c.Request.Context(), log).Info("http request",
            "method", c.Request.Method,
            "path", c.Request.URL.Path,
            "status", status,
            "bytes", c.Writer.Size(),
            "duration", d,
            "client_ip", c.ClientIP(),
        )
    }
}

func cors(origin string) gin.HandlerFunc {
    return func(c *gin.Context) {
        h := c.Writer.Header()
        h.Set("Access-Control-Allow-Origin", origin)
        h.Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
        h.Set("Access-Control-Allow-Headers", "authorization, x-client-info, apikey, content-type, cache-control, pragma, x-request-id")
        if c.Request.Method == http.MethodOptions {
            c.AbortWithStatus(http.StatusNoContent)
            return
        }
        c.Next()
    }
}

// noCache forbids caching anywhere between the aggregator and the client.
func noCache() gin.HandlerFunc {
    return func(c *gin.Context) {
        h := c.Writer.Header()
        h.Set("Cache-Control", "no-cache, no-store, must-revalidate")
        h.Set("Pragma", "no-cache")
        h.Set("Expires", "0")
        c.Next()
    }
}

// limitBody caps request body size to avoid memory abuse.
func limitBody(max int64) gin.HandlerFunc {
    return func(c *gin.Context) {
        if c.Request.Method == http.MethodPost && c.Request.Body != nil {
            c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, max)
        }
        c.Next()
    }
}

// recoverPanic turns a handler panic into a 500 with the error body shape.
func recoverPanic(log *slog.Logger) gin.HandlerFunc {
    return func(c *gin.Context) {
        defer func() {
            if rec := recover(); rec != nil {
                logging.FromContext(c.Request.Context(), log).Error("http handler panicked", "panic", fmt.Sprint(rec), "path", c.Request.URL.Path)
                c.AbortWithStatusJSON(http.StatusInternalServerError, ErrorBody{Error: "internal server error", Code: "internal_error"})
            }
        }()
        c.Next()
    }
}

var gzPool = sync.Pool{New: func() any {
    // best speed: payloads are small JSON documents
    w, _ := gzip.NewWriterLevel(io.Discard, gzip.BestSpeed)
    return w
}}

// withGzip compresses responses when the client supports gzip. WebSocket
// upgrades are left alone.
func withGzip() gin.HandlerFunc {
    return func(c *gin.Context) {
        if !strings.Contains(c.GetHeader("Accept-Encoding"), "gzip") || c.GetHeader("Upgrade") != "" {
            c.Next()
            return
        }
        gz := gzPool.Get().(*gzip.Writer)
        gz.Reset(c.Writer)
        c.Header("Content-Encoding", "gzip")
        c.Writer.Header().Add("Vary", "Accept-Encoding")
        c.Writer = &gzipWriter{ResponseWriter: c.Writer, gz: gz}
        defer func() {
            _ = gz.Close()
            gz.Reset(io.Discard)
            gzPool.Put(gz)
        }()
        c.Next()
    }
}

type gzipWriter struct {
    gin.ResponseWriter
    gz *gzip.Writer
}

func (g *gzipWriter) Write(b []byte) (int, error) {
    g.Header().Del("Content-Length")
    return g.gz.Write(b)
}

func (g *gzipWriter) WriteString(s string) (int, error) {
    return g.Write([]byte(s))
}
