package config

import (
    "encoding/json"
    "errors"
    "fmt"
    "os"
    "path/filepath"
    "strings"
    "time"

    "github.com/joho/godotenv"
    "gopkg.in/yaml.v3"

    "pricefeed/internal/prices"
)

type Server struct {
    Port               string `json:"port" yaml:"port"`
    RequestTimeoutSec  int    `json:"request_timeout_sec" yaml:"request_timeout_sec"`
    ShutdownTimeoutSec int    `json:"shutdown_timeout_sec" yaml:"shutdown_timeout_sec"`
    AllowOrigin        string `json:"allow_origin" yaml:"allow_origin"`
}

type Log struct {
    Level      string `json:"level" yaml:"level"`
    Format     string `json:"format" yaml:"format"` // json | text
    File       string `json:"file" yaml:"file"`
    MaxSizeMB  int    `json:"max_size_mb" yaml:"max_size_mb"`
    MaxBackups int    `json:"max_backups" yaml:"max_backups"`
    MaxAgeDays int    `json:"max_age_days" yaml:"max_age_days"`
}

type Metrics struct {
    Enabled bool `json:"enabled" yaml:"enabled"`
}

// Vendor holds the settings shared by the keyed quote vendors.
type Vendor struct {
    Enabled              bool   `json:"enabled" yaml:"enabled"`
    APIKey               string `json:"api_key" yaml:"api_key"`
    BaseURL              string `json:"base_url" yaml:"base_url"`
    MaxRequestsPerMinute int    `json:"max_requests_per_minute" yaml:"max_requests_per_minute"`
    Burst                int    `json:"burst" yaml:"burst"`
    CooldownSec          int    `json:"cooldown_sec" yaml:"cooldown_sec"`
    MaxConcurrency       int    `json:"max_concurrency" yaml:"max_concurrency"`
}

type JSONPath struct {
    Enabled               bool              `json:"enabled" yaml:"enabled"`
    Name                  string            `json:"name" yaml:"name"`
    URL                   string            `json:"url" yaml:"url"`
    APIKey                string            `json:"api_key" yaml:"api_key"`
    KeyHeader             string            `json:"key_header" yaml:"key_header"`
    Path                  string            `json:"path" yaml:"path"`
    Paths                 map[string]string `json:"paths" yaml:"paths"`
    SymbolMap             map[string]string `json:"symbol_map" yaml:"symbol_map"`
    MinRequestIntervalSec int               `json:"min_request_interval_sec" yaml:"min_request_interval_sec"`
}

type Breaker struct {
    Enabled  bool `json:"enabled" yaml:"enabled"`
    Failures int  `json:"failures" yaml:"failures"`
    OpenSec  int  `json:"open_sec" yaml:"open_sec"`
}

const (
    BroadcastNone  = "none"
    BroadcastWS    = "ws"
    BroadcastRedis = "redis"
    BroadcastKafka = "kafka"
)

type Broadcast struct {
    // Mode is a comma separated list of none, ws, redis, kafka.
    Mode          string   `json:"mode" yaml:"mode"`
    Channel       string   `json:"channel" yaml:"channel"`
    RedisAddr     string   `json:"redis_addr" yaml:"redis_addr"`
    RedisPassword string   `json:"redis_password" yaml:"redis_password"`
    RedisDB       int      `json:"redis_db" yaml:"redis_db"`
    KafkaBrokers  []string `json:"kafka_brokers" yaml:"kafka_brokers"`
    // IntervalSec > 0 makes the server aggregate and publish on its own
    // schedule instead of only when /prices is called.
    IntervalSec int `json:"interval_sec" yaml:"interval_sec"`
}

type Sync struct {
    AggregatorURL     string `json:"aggregator_url" yaml:"aggregator_url"`
    SubscribeURL      string `json:"subscribe_url" yaml:"subscribe_url"`
    IntervalSec       int    `json:"interval_sec" yaml:"interval_sec"`
    MaxAttempts       int    `json:"max_attempts" yaml:"max_attempts"`
    BaseDelayMs       int    `json:"base_delay_ms" yaml:"base_delay_ms"`
    AttemptTimeoutSec int    `json:"attempt_timeout_sec" yaml:"attempt_timeout_sec"`
    StorePath         string `json:"store_path" yaml:"store_path"`
}

type Config struct {
    Server     Server    `json:"server" yaml:"server"`
    Log        Log       `json:"log" yaml:"log"`
    Metrics    Metrics   `json:"metrics" yaml:"metrics"`
    TwelveData Vendor    `json:"twelvedata" yaml:"twelvedata"`
    Finnhub    Vendor    `json:"finnhub" yaml:"finnhub"`
    JSONPath   JSONPath  `json:"jsonpath" yaml:"jsonpath"`
    Breaker    Breaker   `json:"breaker" yaml:"breaker"`
    Broadcast  Broadcast `json:"broadcast" yaml:"broadcast"`
    Sync       Sync      `json:"sync" yaml:"sync"`
}

func Default() Config {
    return Config{
        Server:  Server{Port: "8080", RequestTimeoutSec: 10, ShutdownTimeoutSec: 10, AllowOrigin: "*"},
        Log:     Log{Level: "info", Format: "json", MaxSizeMB: 100, MaxBackups: 3, MaxAgeDays: 28},
        Metrics: Metrics{Enabled: true},
        TwelveData: Vendor{
            Enabled:              true,
            BaseURL:              "https://api.twelvedata.com",
            MaxRequestsPerMinute: 8,
            Burst:                1,
            CooldownSec:          60,
        },
        Finnhub: Vendor{
            Enabled:              true,
            BaseURL:              "https://finnhub.io/api/v1",
            MaxRequestsPerMinute: 60,
            Burst:                7,
            CooldownSec:          60,
            MaxConcurrency:       4,
        },
        JSONPath: JSONPath{Name: "jsonpath", Path: "$.price"},
        Breaker:  Breaker{Enabled: true, Failures: 3, OpenSec: 30},
        Broadcast: Broadcast{
            Mode:      BroadcastWS,
            Channel:   "price-updates",
            RedisAddr: "localhost:6379",
        },
        Sync: Sync{
            AggregatorURL:     "http://localhost:8080/prices",
            IntervalSec:       60,
            MaxAttempts:       3,
            BaseDelayMs:       1000,
            AttemptTimeoutSec: 10,
        },
    }
}

// Load builds the configuration from defaults, then the file at path (JSON,
// or YAML for .yaml/.yml), then a .env file, then the environment. If path
// is empty, config.yaml, config.yml and config.json are tried in order.
func Load(path string) (Config, error) {
    cfg := Default()
    if path == "" {
        for _, p := range []string{"config.yaml", "config.yml", "config.json"} {
            if _, err := os.Stat(p); err == nil { path = p; break }
        }
    }
    if path != "" {
        b, err := os.ReadFile(path)
        if err != nil && !errors.Is(err, os.ErrNotExist) {
            return cfg, fmt.Errorf("read config: %w", err)
        }
        if err == nil {
            if err := decode(path, b, &cfg); err != nil {
                return cfg, fmt.Errorf("parse config %s: %w", path, err)
            }
        }
    }
    // a missing .env is normal; variables already set are not overwritten
    if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
        return cfg, fmt.Errorf("load .env: %w", err)
    }
    applyEnv(&cfg)
    return cfg, nil
}

func decode(path string, b []byte, cfg *Config) error {
    switch strings.ToLower(filepath.Ext(path)) {
    case ".yaml", ".yml":
        return yaml.Unmarshal(b, cfg)
    default:
        return json.Unmarshal(b, cfg)
    }
}

func applyEnv(cfg *Config) {
    if v := os.Getenv("PORT"); v != "" { cfg.Server.Port = v }
    envInt("REQUEST_TIMEOUT_SEC", &cfg.Server.RequestTimeoutSec, 1)
    envInt("SHUTDOWN_TIMEOUT_SEC", &cfg.Server.ShutdownTimeoutSec, 1)
    if v := os.Getenv("ALLOW_ORIGIN"); v != "" { cfg.Server.AllowOrigin = v }

    if v := os.Getenv("LOG_LEVEL"); v != "" { cfg.Log.Level = v }
    if v := os.Getenv("LOG_FORMAT"); v != "" { cfg.Log.Format = v }
    if v := os.Getenv("LOG_FILE"); v != "" { cfg.Log.File = v }
    envBool("METRICS_ENABLED", &cfg.Metrics.Enabled)

    if v := os.Getenv("TWELVE_DATA_API_KEY"); v != "" { cfg.TwelveData.APIKey = v }
    if v := os.Getenv("TWELVE_DATA_BASE_URL"); v != "" { cfg.TwelveData.BaseURL = v }
    envBool("TWELVE_DATA_ENABLED", &cfg.TwelveData.Enabled)
    envInt("TWELVE_DATA_MAX_RPM", &cfg.TwelveData.MaxRequestsPerMinute, 0)

    if v := os.Getenv("FINNHUB_API_KEY"); v != "" { cfg.Finnhub.APIKey = v }
    if v := os.Getenv("FINNHUB_BASE_URL"); v != "" { cfg.Finnhub.BaseURL = v }
    envBool("FINNHUB_ENABLED", &cfg.Finnhub.Enabled)
    envInt("FINNHUB_MAX_RPM", &cfg.Finnhub.MaxRequestsPerMinute, 0)
    envInt("FINNHUB_MAX_CONCURRENCY", &cfg.Finnhub.MaxConcurrency, 1)

    envBool("JSONPATH_ENABLED", &cfg.JSONPath.Enabled)
    if v := os.Getenv("JSONPATH_URL"); v != "" { cfg.JSONPath.URL = v }
    if v := os.Getenv("JSONPATH_API_KEY"); v != "" { cfg.JSONPath.APIKey = v }

    envBool("BREAKER_ENABLED", &cfg.Breaker.Enabled)

    if v := os.Getenv("BROADCAST_MODE"); v != "" { cfg.Broadcast.Mode = v }
    if v := os.Getenv("BROADCAST_CHANNEL"); v != "" { cfg.Broadcast.Channel = v }
    if v := os.Getenv("REDIS_ADDR"); v != "" { cfg.Broadcast.RedisAddr = v }
    if v := os.Getenv("REDIS_PASSWORD"); v != "" { cfg.Broadcast.RedisPassword = v }
    if v := os.Getenv("KAFKA_BROKERS"); v != "" { cfg.Broadcast.KafkaBrokers = splitCSV(v) }
    envInt("BROADCAST_INTERVAL_SEC", &cfg.Broadcast.IntervalSec, 0)

    if v := os.Getenv("AGGREGATOR_URL"); v != "" { cfg.Sync.AggregatorURL = v }
    if v := os.Getenv("SUBSCRIBE_URL"); v != "" { cfg.Sync.SubscribeURL = v }
    envInt("SYNC_INTERVAL_SEC", &cfg.Sync.IntervalSec, 1)
    envInt("SYNC_MAX_ATTEMPTS", &cfg.Sync.MaxAttempts, 1)
    envInt("SYNC_BASE_DELAY_MS", &cfg.Sync.BaseDelayMs, 0)
    envInt("SYNC_ATTEMPT_TIMEOUT_SEC", &cfg.Sync.AttemptTimeoutSec, 1)
    if v := os.Getenv("SYNC_STORE_PATH"); v != "" { cfg.Sync.StorePath = v }
}

func envInt(key string, dst *int, min int) {
    v := os.Getenv(key)
    if v == "" { return }
    var x int
    if _, err := fmt.Sscanf(v, "%d", &x); err == nil && x >= min { *dst = x }
}

func envBool(key string, dst *bool) {
    switch strings.ToLower(os.Getenv(key)) {
    case "1", "true", "yes", "y": *dst = true
    case "0", "false", "no", "n": *dst = false
    }
}

func splitCSV(s string) []string {
    parts := strings.Split(s, ",")
    out := make([]string, 0, len(parts))
    for _, p := range parts {
        p = strings.TrimSpace(p)
        if p != "" { out = append(out, p) }
    }
    return out
}

// HasProvider reports whether at least one upstream vendor can be called.
func (c Config) HasProvider() bool {
    return (c.TwelveData.Enabled && c.TwelveData.APIKey != "") ||
        (c.Finnhub.Enabled && c.Finnhub.APIKey != "") ||
        (c.JSONPath.Enabled && c.JSONPath.URL != "")
}

// Modes returns the broadcast modes in configuration order, without "none".
func (b Broadcast) Modes() []string {
    var out []string
    for _, m := range splitCSV(strings.ToLower(b.Mode)) {
        if m != BroadcastNone { out = append(out, m) }
    }
    return out
}

// Has reports whether mode is among the configured broadcast modes.
func (b Broadcast) Has(mode string) bool {
    for _, m := range b.Modes() {
        if m == mode { return true }
    }
    return false
}

// ValidateServer checks the settings the aggregator needs. A missing
// credential is reported as a *prices.ConfigurationError.
func (c Config) ValidateServer() error {
    if !c.HasProvider() {
        return &prices.ConfigurationError{Key: "TWELVE_DATA_API_KEY", Msg: "no provider has credentials (set TWELVE_DATA_API_KEY or FINNHUB_API_KEY)"}
    }
    for _, m := range c.Broadcast.Modes() {
        switch m {
        case BroadcastWS:
        case BroadcastRedis:
            if c.Broadcast.RedisAddr == "" { return &prices.ConfigurationError{Key: "REDIS_ADDR"} }
        case BroadcastKafka:
            if len(c.Broadcast.KafkaBrokers) == 0 { return &prices.ConfigurationError{Key: "KAFKA_BROKERS"} }
        default:
            return &prices.ConfigurationError{Key: "broadcast.mode", Msg: fmt.Sprintf("unknown mode %q", m)}
        }
    }
    return nil
}

// ValidateSync checks the settings a synchronizer needs.
func (c Config) ValidateSync() error {
    if c.Sync.AggregatorURL == "" { return &prices.ConfigurationError{Key: "AGGREGATOR_URL"} }
    if c.Sync.IntervalSec <= 0 { return &prices.ConfigurationError{Key: "sync.interval_sec", Msg: "must be positive"} }
    if c.Sync.MaxAttempts <= 0 { return &prices.ConfigurationError{Key: "sync.max_attempts", Msg: "must be positive"} }
    return nil
}

func (s Server) RequestTimeout() time.Duration  { return time.Duration(s.RequestTimeoutSec) * time.Second }
func (s Server) ShutdownTimeout() time.Duration { return time.Duration(s.ShutdownTimeoutSec) * time.Second }
func (b Broadcast) Interval() time.Duration     { return time.Duration(b.IntervalSec) * time.Second }
func (s Sync) Interval() time.Duration          { return time.Duration(s.IntervalSec) * time.Second }
func (s Sync) BaseDelay() time.Duration         { return time.Duration(s.BaseDelayMs) * time.Millisecond }
func (s Sync) AttemptTimeout() time.Duration    { return time.Duration(s.AttemptTimeoutSec) * time.Second }
