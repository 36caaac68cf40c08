package main

import (
    "context"
    "errors"
    "fmt"
    "log/slog"
    "net/http"
    "os"
    "os/signal"
    "syscall"
    "time"

    "github.com/gin-gonic/gin"

    "pricefeed/internal/api"
    "pricefeed/internal/bootstrap"
    "pricefeed/internal/broadcast"
    "pricefeed/internal/config"
    "pricefeed/internal/httpx"
    "pricefeed/internal/logging"
    "pricefeed/internal/metrics"
)

func main() {
    if err := run(); err != nil {
        slog.Error("server exited", "error", err)
        os.Exit(1)
    }
}

func run() error {
    cfg, err := config.Load(os.Getenv("CONFIG_FILE"))
    if err != nil { return fmt.Errorf("config: %w", err) }

    log, closeLog, err := logging.Setup(cfg.Log)
    if err != nil { return fmt.Errorf("logging: %w", err) }
    defer closeLog.Close()

    gin.SetMode(gin.ReleaseMode)
    var m *metrics.Metrics
    if cfg.Metrics.Enabled { m = metrics.New() }

    hc := httpx.New(cfg.Server.RequestTimeout())
    hub := broadcast.NewHub(log)
    defer hub.Close()
    pub, closePub := bootstrap.Publishers(cfg.Broadcast, hub)
    defer func() {
        if err := closePub(); err != nil { log.Warn("close publishers", "error", err) }
    }()

    agg := bootstrap.Aggregator(cfg, hc, pub, m, log)
    router := api.NewRouter(api.Options{
        Aggregator:     agg,
        Hub:            wsHandler(cfg.Broadcast, hub),
        Metrics:        m,
        Log:            log,
        AllowOrigin:    cfg.Server.AllowOrigin,
        RequestTimeout: cfg.Server.RequestTimeout(),
    })

    srv := &http.Server{
        Addr:              ":" + cfg.Server.Port,
        Handler:           router,
        ReadHeaderTimeout: 5 * time.Second,
        ReadTimeout:       15 * time.Second,
        WriteTimeout:      cfg.Server.RequestTimeout() + 5*time.Second,
        IdleTimeout:       60 * time.Second,
    }

    ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
    defer stop()

    if pub != nil && cfg.Broadcast.Interval() > 0 {
        go publishLoop(ctx, agg, cfg.Broadcast.Interval(), cfg.Server.RequestTimeout(), log)
    }

    errc := make(chan error, 1)
    go func() {
        log.Info("server listening", "addr", srv.Addr, "broadcast", cfg.Broadcast.Modes())
        if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
            errc <- err
        }
        close(errc)
    }()

    select {
    case err := <-errc:
        return err
    case <-ctx.Done():
    }

    // graceful shutdown
    log.Info("shutting down")
    shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout())
    defer cancel()
    return srv.Shutdown(shutdownCtx)
}

// wsHandler exposes the hub only when "ws" is a broadcast mode; otherwise
// nothing would ever be published to it.
func wsHandler(b config.Broadcast, hub *broadcast.Hub) http.Handler {
    if hub == nil || !b.Has(config.BroadcastWS) { return nil }
    return hub
}

// publishLoop drives push mode on a fixed schedule. Failures are already
// logged and counted by the aggregator.
func publishLoop(ctx context.Context, agg api.Aggregator, every, timeout time.Duration, log *slog.Logger) {
    t := time.NewTicker(every)
    defer t.Stop()
    log.Info("scheduled publishing enabled", "every", every)
    for {
        select {
        case <-ctx.Done():
            return
        case <-t.C:
            actx, cancel := context.WithTimeout(ctx, timeout)
            _, _ = agg.Aggregate(actx)
            cancel()
        }
    }
}
