package httpx

import (
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
)

const (
	defaultHTTPAddr          = ":8080"
	defaultShutdownTimeout   = 5 * time.Second
	defaultDBMaxOpenConns    = 10
	defaultDBMaxIdleConns    = 10
	defaultDBConnMaxLifetime = 30 * time.Minute
	defaultDBPingTimeout     = 10 * time.Second
	defaultWorkerInterval    = 5 * time.Minute
	defaultBackoffMin        = 30 * time.Second
	defaultBackoffMax        = 10 * time.Minute
	defaultBackoffFactor     = 2.0
	defaultExtractTimeout    = 15 * time.Second
	defaultExtractMaxBody    = 2 << 20
)

type RuntimeConfig struct {
	Service  string
	Database DatabaseConfig
	HTTP     HTTPConfig
	Search   SearchConfig
	Worker   WorkerConfig
	Extract  ExtractConfig
	Expose   bool
}

type DatabaseConfig struct {
	Driver          string
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	PingTimeout     time.Duration
}

type HTTPConfig struct {
	Addr            string
	ShutdownTimeout time.Duration
}

type SearchConfig struct {
	URL string
}

type WorkerConfig struct {
	Interval time.Duration
	Backoff  BackoffConfig
}

type BackoffConfig struct {
	Min    time.Duration
	Max    time.Duration
	Factor float64
}

type ExtractConfig struct {
	Timeout time.Duration
	MaxBody int64
}

func LoadRuntimeConfig(service string) (RuntimeConfig, error) {
	cfg := RuntimeConfig{
		Service: service,
		Database: DatabaseConfig{
			Driver:          "pgx",
			MaxOpenConns:    defaultDBMaxOpenConns,
			MaxIdleConns:    defaultDBMaxIdleConns,
			ConnMaxLifetime: defaultDBConnMaxLifetime,
			PingTimeout:     defaultDBPingTimeout,
		},
		HTTP: HTTPConfig{
			Addr:            defaultHTTPAddr,
			ShutdownTimeout: defaultShutdownTimeout,
		},
		Worker: WorkerConfig{
			Interval: defaultWorkerInterval,
			Backoff: BackoffConfig{
				Min:    defaultBackoffMin,
				Max:    defaultBackoffMax,
				Factor: defaultBackoffFactor,
			},
		},
		Extract: ExtractConfig{
			Timeout: defaultExtractTimeout,
			MaxBody: defaultExtractMaxBody,
		},
	}

	if v := envString("LINKSCRUB_SERVICE_NAME"); v != "" {
		cfg.Service = v
	}

	cfg.HTTP.Addr = stringWithDefault("LINKSCRUB_HTTP_ADDR", cfg.HTTP.Addr)

	shutdownTimeout, err := durationFromEnv("LINKSCRUB_HTTP_SHUTDOWN_TIMEOUT", cfg.HTTP.ShutdownTimeout)
	if err != nil {
		return cfg, err
	}
	if shutdownTimeout <= 0 {
		return cfg, fmt.Errorf("LINKSCRUB_HTTP_SHUTDOWN_TIMEOUT must be greater than zero")
	}
	cfg.HTTP.ShutdownTimeout = shutdownTimeout

	cfg.Database.Driver = stringWithDefault("LINKSCRUB_DB_DRIVER", cfg.Database.Driver)

	maxOpenConns, err := intFromEnv("LINKSCRUB_DB_MAX_OPEN_CONNS", cfg.Database.MaxOpenConns)
	if err != nil {
		return cfg, err
	}
	if maxOpenConns < 0 {
		return cfg, fmt.Errorf("LINKSCRUB_DB_MAX_OPEN_CONNS must be non-negative")
	}
	cfg.Database.MaxOpenConns = maxOpenConns

	maxIdleConns, err := intFromEnv("LINKSCRUB_DB_MAX_IDLE_CONNS", cfg.Database.MaxIdleConns)
	if err != nil {
		return cfg, err
	}
	if maxIdleConns < 0 {
		return cfg, fmt.Errorf("LINKSCRUB_DB_MAX_IDLE_CONNS must be non-negative")
	}
	cfg.Database.MaxIdleConns = maxIdleConns

	connMaxLifetime, err := durationFromEnv("LINKSCRUB_DB_CONN_MAX_LIFETIME", cfg.Database.ConnMaxLifetime)
	if err != nil {
		return cfg, err
	}
	cfg.Database.ConnMaxLifetime = connMaxLifetime

	pingTimeout, err := durationFromEnv("LINKSCRUB_DB_PING_TIMEOUT", cfg.Database.PingTimeout)
	if err != nil {
		return cfg, err
	}
	if pingTimeout <= 0 {
		return cfg, fmt.Errorf("LINKSCRUB_DB_PING_TIMEOUT must be greater than zero")
	}
	cfg.Database.PingTimeout = pingTimeout

	dsn := envString("LINKSCRUB_DSN")
	if dsn == "" {
		return cfg, fmt.Errorf("LINKSCRUB_DSN is required")
	}
	cfg.Database.DSN = dsn

	searchURL := envString("MEILI_URL")
	if searchURL == "" {
		return cfg, fmt.Errorf("MEILI_URL is required")
	}
	cfg.Search.URL = searchURL

	interval, err := durationFromEnv("LINKSCRUB_EVERY", cfg.Worker.Interval)
	if err != nil {
		return cfg, err
	}
	if interval <= 0 {
		return cfg, fmt.Errorf("LINKSCRUB_EVERY must be greater than zero")
	}
	cfg.Worker.Interval = interval

	backoffMin, err := durationFromEnv("LINKSCRUB_BACKOFF_MIN", cfg.Worker.Backoff.Min)
	if err != nil {
		return cfg, err
	}
	if backoffMin <= 0 {
		return cfg, fmt.Errorf("LINKSCRUB_BACKOFF_MIN must be greater than zero")
	}
	cfg.Worker.Backoff.Min = backoffMin

	backoffMax, err := durationFromEnv("LINKSCRUB_BACKOFF_MAX", cfg.Worker.Backoff.Max)
	if err != nil {
		return cfg, err
	}
	if backoffMax <= 0 {
		return cfg, fmt.Errorf("LINKSCRUB_BACKOFF_MAX must be greater than zero")
	}
	if backoffMax < cfg.Worker.Backoff.Min {
		return cfg, fmt.Errorf("LINKSCRUB_BACKOFF_MAX must be greater than or equal to LINKSCRUB_BACKOFF_MIN")
	}
	cfg.Worker.Backoff.Max = backoffMax

	backoffFactor, err := floatFromEnv("LINKSCRUB_BACKOFF_FACTOR", cfg.Worker.Backoff.Factor)
	if err != nil {
		return cfg, err
	}
	if backoffFactor <= 0 {
		return cfg, fmt.Errorf("LINKSCRUB_BACKOFF_FACTOR must be greater than zero")
	}
	cfg.Worker.Backoff.Factor = backoffFactor

	extractTimeout, err := durationFromEnv("LINKSCRUB_EXTRACT_TIMEOUT", cfg.Extract.Timeout)
	if err != nil {
		return cfg, err
	}
	if extractTimeout <= 0 {
		return cfg, fmt.Errorf("LINKSCRUB_EXTRACT_TIMEOUT must be greater than zero")
	}
	cfg.Extract.Timeout = extractTimeout

	maxBody, err := intFromEnv("LINKSCRUB_EXTRACT_MAX_BODY", int(cfg.Extract.MaxBody))
	if err != nil {
		return cfg, err
	}
	if maxBody <= 0 {
		return cfg, fmt.Errorf("LINKSCRUB_EXTRACT_MAX_BODY must be a positive integer")
	}
	cfg.Extract.MaxBody = int64(maxBody)

	if v := envString("LINKSCRUB_EXPOSE_CONFIG"); v != "" {
		expose, err := strconv.ParseBool(v)
		if err != nil {
			return cfg, fmt.Errorf("invalid LINKSCRUB_EXPOSE_CONFIG: %w", err)
		}
		cfg.Expose = expose
	}

	return cfg, nil
}

type RuntimeConfigSnapshot struct {
	Service  string           `json:"service"`
	HTTP     HTTPSnapshot     `json:"http"`
	Database DatabaseSnapshot `json:"database"`
	Search   SearchSnapshot   `json:"search"`
	Worker   WorkerSnapshot   `json:"worker"`
	Extract  ExtractSnapshot  `json:"extract"`
}

type HTTPSnapshot struct {
	Addr            string `json:"addr"`
	ShutdownTimeout string `json:"shutdown_timeout"`
}

type DatabaseSnapshot struct {
	Driver          string `json:"driver"`
	DSN             string `json:"dsn"`
	MaxOpenConns    int    `json:"max_open_conns"`
	MaxIdleConns    int    `json:"max_idle_conns"`
	ConnMaxLifetime string `json:"conn_max_lifetime"`
	PingTimeout     string `json:"ping_timeout"`
}

type SearchSnapshot struct {
	URL string `json:"url"`
}

type WorkerSnapshot struct {
	Interval string          `json:"interval"`
	Backoff  BackoffSnapshot `json:"backoff"`
}

type BackoffSnapshot struct {
	Min    string  `json:"min"`
	Max    string  `json:"max"`
	Factor float64 `json:"factor"`
}

type ExtractSnapshot struct {
	Timeout string `json:"timeout"`
	MaxBody int64  `json:"max_body"`
}

func (cfg RuntimeConfig) Snapshot() RuntimeConfigSnapshot {
	return RuntimeConfigSnapshot{
		Service: cfg.Service,
		HTTP: HTTPSnapshot{
			Addr:            cfg.HTTP.Addr,
			ShutdownTimeout: cfg.HTTP.ShutdownTimeout.String(),
		},
		Database: DatabaseSnapshot{
			Driver:          cfg.Database.Driver,
			DSN:             sanitizeDSN(cfg.Database.DSN),
			MaxOpenConns:    cfg.Database.MaxOpenConns,
			MaxIdleConns:    cfg.Database.MaxIdleConns,
			ConnMaxLifetime: cfg.Database.ConnMaxLifetime.String(),
			PingTimeout:     cfg.Database.PingTimeout.String(),
		},
		Search: SearchSnapshot{
			URL: cfg.Search.URL,
		},
		Worker: WorkerSnapshot{
			Interval: cfg.Worker.Interval.String(),
			Backoff: BackoffSnapshot{
				Min:    cfg.Worker.Backoff.Min.String(),
				Max:    cfg.Worker.Backoff.Max.String(),
				Factor: cfg.Worker.Backoff.Factor,
			},
		},
		Extract: ExtractSnapshot{
			Timeout: cfg.Extract.Timeout.String(),
			MaxBody: cfg.Extract.MaxBody,
		},
	}
}

func RegisterConfigRoute(e *echo.Echo, cfg RuntimeConfig) {
	if !cfg.Expose {
		return
	}

	e.GET("/config", func(c echo.Context) error {
		return c.JSON(http.StatusOK, cfg.Snapshot())
	})
}

var sensitiveDSNParams = []string{"password", "pass", "pwd", "password_file"}

func sanitizeDSN(dsn string) string {
	if dsn == "" {
		return ""
	}
	parsed, err := url.Parse(dsn)
	if err != nil {
		return "<redacted>"
	}
	if parsed.User != nil {
		parsed.User = url.User(parsed.User.Username())
	}
	query := parsed.Query()
	for _, key := range sensitiveDSNParams {
		query.Del(key)
	}
	parsed.RawQuery = query.Encode()
	return parsed.String()
}

func envString(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

func stringWithDefault(key, fallback string) string {
	if v := envString(key); v != "" {
		return v
	}
	return fallback
}

func durationFromEnv(key string, fallback time.Duration) (time.Duration, error) {
	if v := envString(key); v != "" {
		duration, err := time.ParseDuration(v)
		if err != nil {
			return 0, fmt.Errorf("invalid %s: %w", key, err)
		}
		if duration < 0 {
			return 0, fmt.Errorf("%s must not be negative", key)
		}
		return duration, nil
	}
	return fallback, nil
}

func intFromEnv(key string, fallback int) (int, error) {
	if v := envString(key); v != "" {
		value, err := strconv.Atoi(v)
		if err != nil {
			return 0, fmt.Errorf("invalid %s: %w", key, err)
		}
		return value, nil
	}
	return fallback, nil
}

func floatFromEnv(key string, fallback float64) (float64, error) {
	if v := envString(key); v != "" {
		value, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return 0, fmt.Errorf("invalid %s: %w", key, err)
		}
		return value, nil
	}
	return fallback, nil
}
