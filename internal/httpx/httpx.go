package httpx

import (
    "context"
    "net"
    "net/http"
    "net/url"
    "strconv"
    "time"
)

// Client is a small wrapper around http.Client with sane defaults.
type Client struct {
    HTTP      *http.Client
    UserAgent string
    Headers   map[string]string
    // NoCache adds cache-defeating request headers to every call. Quotes
    // must never be served from an intermediate cache.
    NoCache bool
}

func New(timeout time.Duration) *Client {
    transport := &http.Transport{
        Proxy: http.ProxyFromEnvironment,
        DialContext: (&net.Dialer{Timeout: 3 * time.Second, KeepAlive: 30 * time.Second}).DialContext,
        MaxIdleConns:          50,
        MaxIdleConnsPerHost:   10,
        MaxConnsPerHost:       20,
        ForceAttemptHTTP2:     true,
        IdleConnTimeout:       90 * time.Second,
        TLSHandshakeTimeout:   3 * time.Second,
        ExpectContinueTimeout: 1 * time.Second,
        ResponseHeaderTimeout: 5 * time.Second,
    }
    return &Client{HTTP: &http.Client{Timeout: timeout, Transport: transport}, UserAgent: "pricefeed/1.0", NoCache: true}
}

func (c *Client) Do(ctx context.Context, req *http.Request) (*http.Response, error) {
    if ctx != nil && req.Context() != ctx {
        req = req.WithContext(ctx)
    }
    if c.UserAgent != "" && req.Header.Get("User-Agent") == "" {
        req.Header.Set("User-Agent", c.UserAgent)
    }
    if c.NoCache {
        SetNoCache(req.Header)
    }
    for k, v := range c.Headers {
        if req.Header.Get(k) == "" {
            req.Header.Set(k, v)
        }
    }
    return c.HTTP.Do(req)
}

// SetNoCache sets the headers that stop browsers and proxies from caching.
// Used on both requests and responses.
func SetNoCache(h http.Header) {
    h.Set("Cache-Control", "no-cache, no-store, must-revalidate")
    h.Set("Pragma", "no-cache")
    h.Set("Expires", "0")
}

// CacheBust returns u with a unique "_ts" query parameter so that every
// attempt reaches the origin.
func CacheBust(u *url.URL, now time.Time) *url.URL {
    out := *u
    q := out.Query()
    q.Set("_ts", strconv.FormatInt(now.UnixNano(), 10))
    out.RawQuery = q.Encode()
    return &out
}
