// Package config loads and validates gateway config from env and an optional .env file using Viper.
package config

import (
	"errors"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds application configuration loaded from the environment.
type Config struct {
	// HTTPAddr is the address the HTTP gateway listens on (e.g. :3800).
	HTTPAddr string `mapstructure:"HTTP_ADDR"`
	// Env is the application environment (e.g. "development", "production").
	Env string `mapstructure:"APP_ENV"`

	// DatabaseURL is the Postgres DSN holding the sessions table.
	DatabaseURL string `mapstructure:"DATABASE_URL"`
	// DBMaxOpenConns bounds concurrent database connections; callers beyond it queue.
	DBMaxOpenConns int `mapstructure:"DB_MAX_OPEN_CONNS"`
	// DBConnectTimeout is the total retry budget for the first database ping (e.g. "30s").
	DBConnectTimeout string `mapstructure:"DB_CONNECT_TIMEOUT"`

	// UpstreamBaseURL is the REST API base every upstream path is appended to. Always ends with "/".
	UpstreamBaseURL string `mapstructure:"UPSTREAM_BASE_URL"`
	// UpstreamTimeout is the per-call timeout for upstream HTTP requests (e.g. "30s").
	UpstreamTimeout string `mapstructure:"UPSTREAM_TIMEOUT"`
	// UpstreamRetryMax is the retry count for idempotent upstream GETs (warm fetches, whoami, me, runners).
	UpstreamRetryMax int `mapstructure:"UPSTREAM_RETRY_MAX"`

	// SecretGRPCAddr is the secret service address. http:// dials plaintext, https:// dials TLS.
	SecretGRPCAddr string `mapstructure:"SECRET_GRPC_ADDR"`

	// SessionCacheTTL is how long a validated session stays in the in-memory cache (e.g. "5m").
	SessionCacheTTL string `mapstructure:"SESSION_CACHE_TTL"`
	// ResponseCacheTTL is how long a warmed upstream response is considered fresh (e.g. "60s").
	ResponseCacheTTL string `mapstructure:"RESPONSE_CACHE_TTL"`
	// CacheLockTimeout bounds every cache lock acquisition (e.g. "250ms").
	CacheLockTimeout string `mapstructure:"CACHE_LOCK_TIMEOUT"`

	// RefreshInterval is the sleep between refresh scheduler cycles (e.g. "30s").
	RefreshInterval string `mapstructure:"REFRESH_INTERVAL"`
	// PrefetchPaths is a comma-separated list of upstream paths warmed on every scheduler cycle.
	PrefetchPaths string `mapstructure:"PREFETCH_PATHS"`

	// ProxyMaxBodyBytes caps the inbound body accepted by /api/proxy.
	ProxyMaxBodyBytes int64 `mapstructure:"PROXY_MAX_BODY_BYTES"`
	// CookieSecure sets the Secure attribute on the session cookie.
	CookieSecure bool `mapstructure:"COOKIE_SECURE"`
	// ShutdownTimeout is how long the server waits for in-flight requests on shutdown (e.g. "5s").
	ShutdownTimeout string `mapstructure:"SHUTDOWN_TIMEOUT"`

	// LogLevel is the minimum log level (trace, debug, info, warn, error).
	LogLevel string `mapstructure:"LOG_LEVEL"`
	// LogFormat is "json" or "console".
	LogFormat string `mapstructure:"LOG_FORMAT"`
	// LogFile, when set, also writes logs to a size-rotated file.
	LogFile string `mapstructure:"LOG_FILE"`

	// OTLPEndpoint is the OpenTelemetry collector endpoint; empty disables export.
	OTLPEndpoint string `mapstructure:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	// OTLPInsecure forces plaintext to the collector even for https endpoints.
	OTLPInsecure bool `mapstructure:"OTEL_EXPORTER_OTLP_INSECURE"`

	// Session events (optional). When Kafka brokers are set, session lifecycle events go to Kafka.
	// TelemetryKafkaBrokers is a comma-separated list of Kafka broker addresses (e.g. "localhost:9092").
	TelemetryKafkaBrokers string `mapstructure:"KAFKA_BROKERS"`
	// TelemetryKafkaTopic is the Kafka topic for session events.
	TelemetryKafkaTopic string `mapstructure:"TELEMETRY_KAFKA_TOPIC"`
	// KafkaGroupID is the consumer group ID for the session event worker.
	KafkaGroupID string `mapstructure:"KAFKA_GROUP_ID"`
	// LokiURL is where the worker pushes session events (e.g. http://localhost:3100).
	LokiURL string `mapstructure:"LOKI_URL"`
}

// Load reads .env (if present), then builds and validates Config from the environment via Viper.
// Missing .env is ignored (e.g. in CI). Env vars override .env.
func Load() (*Config, error) {
	v := viper.New()

	v.SetConfigFile(".env")
	v.SetConfigType("env")
	_ = v.ReadInConfig() // ignore ErrConfigFileNotFound

	v.AutomaticEnv()

	v.SetDefault("HTTP_ADDR", ":3800")
	v.SetDefault("APP_ENV", "")
	v.SetDefault("DATABASE_URL", "")
	v.SetDefault("DB_MAX_OPEN_CONNS", 10)
	v.SetDefault("DB_CONNECT_TIMEOUT", "30s")
	v.SetDefault("UPSTREAM_BASE_URL", "https://api.artisanhosting.net/v1/")
	v.SetDefault("UPSTREAM_TIMEOUT", "30s")
	v.SetDefault("UPSTREAM_RETRY_MAX", 2)
	v.SetDefault("SECRET_GRPC_ADDR", "http://[::1]:50051")
	v.SetDefault("SESSION_CACHE_TTL", "5m")
	v.SetDefault("RESPONSE_CACHE_TTL", "60s")
	v.SetDefault("CACHE_LOCK_TIMEOUT", "250ms")
	v.SetDefault("REFRESH_INTERVAL", "30s")
	v.SetDefault("PREFETCH_PATHS", "vms,apps")
	v.SetDefault("PROXY_MAX_BODY_BYTES", 10<<20)
	v.SetDefault("COOKIE_SECURE", false)
	v.SetDefault("SHUTDOWN_TIMEOUT", "5s")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_FORMAT", "json")
	v.SetDefault("LOG_FILE", "")
	v.SetDefault("OTEL_EXPORTER_OTLP_ENDPOINT", "")
	v.SetDefault("OTEL_EXPORTER_OTLP_INSECURE", false)
	v.SetDefault("KAFKA_BROKERS", "")
	v.SetDefault("TELEMETRY_KAFKA_TOPIC", "gateway-sessions")
	v.SetDefault("KAFKA_GROUP_ID", "gateway-session-worker")
	v.SetDefault("LOKI_URL", "")

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	if cfg.HTTPAddr == "" {
		return nil, errors.New("config: HTTP_ADDR must be set")
	}

	u, err := url.Parse(cfg.UpstreamBaseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, errors.New("config: UPSTREAM_BASE_URL must be an absolute URL")
	}
	if !strings.HasSuffix(cfg.UpstreamBaseURL, "/") {
		cfg.UpstreamBaseURL += "/"
	}

	if cfg.DBMaxOpenConns <= 0 {
		cfg.DBMaxOpenConns = 10
	}
	if cfg.UpstreamRetryMax < 0 {
		return nil, errors.New("config: UPSTREAM_RETRY_MAX must not be negative")
	}
	if cfg.ProxyMaxBodyBytes <= 0 {
		cfg.ProxyMaxBodyBytes = 10 << 20
	}

	return &cfg, nil
}

// DBConnectBudget parses DBConnectTimeout. Returns 30s if unset or invalid.
func (c *Config) DBConnectBudget() time.Duration {
	return durationOr(c.DBConnectTimeout, 30*time.Second)
}

// UpstreamCallTimeout parses UpstreamTimeout. Returns 30s if unset or invalid.
func (c *Config) UpstreamCallTimeout() time.Duration {
	return durationOr(c.UpstreamTimeout, 30*time.Second)
}

// SessionTTL parses SessionCacheTTL. Returns 5m if unset or invalid.
func (c *Config) SessionTTL() time.Duration {
	return durationOr(c.SessionCacheTTL, 5*time.Minute)
}

// ResponseTTL parses ResponseCacheTTL. Returns 60s if unset or invalid.
func (c *Config) ResponseTTL() time.Duration {
	return durationOr(c.ResponseCacheTTL, 60*time.Second)
}

// LockTimeout parses CacheLockTimeout. Returns 250ms if unset or invalid.
func (c *Config) LockTimeout() time.Duration {
	return durationOr(c.CacheLockTimeout, 250*time.Millisecond)
}

// RefreshEvery parses RefreshInterval. Returns 30s if unset or invalid.
func (c *Config) RefreshEvery() time.Duration {
	return durationOr(c.RefreshInterval, 30*time.Second)
}

// ShutdownBudget parses ShutdownTimeout. Returns 5s if unset or invalid.
func (c *Config) ShutdownBudget() time.Duration {
	return durationOr(c.ShutdownTimeout, 5*time.Second)
}

// PrefetchPathList returns the warm paths from the comma-separated config, without leading slashes.
func (c *Config) PrefetchPathList() []string {
	return splitList(c.PrefetchPaths, func(s string) string { return strings.TrimLeft(s, "/") })
}

// TelemetryKafkaBrokersList returns Kafka broker addresses from the comma-separated config.
// Used to decide if session events go to Kafka (non-empty list) and to create the producer.
func (c *Config) TelemetryKafkaBrokersList() []string {
	if c == nil {
		return nil
	}
	return splitList(c.TelemetryKafkaBrokers, nil)
}

func splitList(raw string, norm func(string) string) []string {
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		s := strings.TrimSpace(p)
		if norm != nil {
			s = norm(s)
		}
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}

func durationOr(raw string, def time.Duration) time.Duration {
	d, err := time.ParseDuration(raw)
	if err != nil || d <= 0 {
		return def
	}
	return d
}
