// Package config loads per-service configuration from environment variables.
package config

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

// ParseEnv loads configuration from environment variables.
func ParseEnv(target any) error {
	if err := env.Parse(target); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	return nil
}

// Runtime describes the deployment environment.
type Runtime struct {
	Environment        string `env:"ENVIRONMENT"`
	AppEnv             string `env:"APP_ENV"`
	StrictProdSecurity string `env:"STRICT_PROD_SECURITY"`
}

// Env returns ENVIRONMENT, falling back to APP_ENV.
func (r Runtime) Env() string {
	if v := strings.TrimSpace(r.Environment); v != "" {
		return v
	}
	return strings.TrimSpace(r.AppEnv)
}

// HTTP holds listener settings shared by every service.
type HTTP struct {
	Addr                 string `env:"ADDR"`
	ReadHeaderTimeoutSec int    `env:"HTTP_READ_HEADER_TIMEOUT_SEC" envDefault:"5"`
	ReadTimeoutSec       int    `env:"HTTP_READ_TIMEOUT_SEC"        envDefault:"15"`
	WriteTimeoutSec      int    `env:"HTTP_WRITE_TIMEOUT_SEC"       envDefault:"30"`
	IdleTimeoutSec       int    `env:"HTTP_IDLE_TIMEOUT_SEC"        envDefault:"120"`
	CORSAllowedOrigins   string `env:"CORS_ALLOWED_ORIGINS"`
	MaxRequestBodyBytes  int64  `env:"MAX_REQUEST_BODY_BYTES"       envDefault:"1048576"`
}

// Server builds an http.Server with the configured timeouts.
func (h HTTP) Server(handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              h.Addr,
		Handler:           handler,
		ReadHeaderTimeout: seconds(h.ReadHeaderTimeoutSec, 5),
		ReadTimeout:       seconds(h.ReadTimeoutSec, 15),
		WriteTimeout:      seconds(h.WriteTimeoutSec, 30),
		IdleTimeout:       seconds(h.IdleTimeoutSec, 120),
	}
}

// BodyLimit returns the request body cap, defaulting to 1 MiB.
func (h HTTP) BodyLimit() int64 {
	if h.MaxRequestBodyBytes <= 0 {
		return 1 << 20
	}
	return h.MaxRequestBodyBytes
}

func (h *HTTP) defaultAddr(addr string) {
	if strings.TrimSpace(h.Addr) == "" {
		h.Addr = addr
	}
}

// Database configures the Postgres pool. URL wins over the individual parts.
type Database struct {
	URL        string `env:"DATABASE_URL"`
	User       string `env:"DATABASE_USER"        envDefault:"mcpgov"`
	Password   string `env:"POSTGRES_PASSWORD"`
	Host       string `env:"DATABASE_HOST"        envDefault:"localhost"`
	Port       int    `env:"DATABASE_PORT"        envDefault:"5432"`
	Name       string `env:"DATABASE_NAME"        envDefault:"mcpgov"`
	SSLMode    string `env:"DATABASE_SSLMODE"     envDefault:"disable"`
	RequireTLS bool   `env:"DATABASE_REQUIRE_TLS"`
	MaxConns   int32  `env:"DATABASE_MAX_CONNS"   envDefault:"10"`
}

// Redis configures the optional Redis client. An empty Addr disables Redis.
type Redis struct {
	Addr             string `env:"REDIS_ADDR"`
	Password         string `env:"REDIS_PASSWORD"`
	DB               int    `env:"REDIS_DB"`
	TLS              bool   `env:"REDIS_TLS"`
	RequireTLS       bool   `env:"REDIS_REQUIRE_TLS"`
	TLSInsecure      bool   `env:"REDIS_TLS_INSECURE"`
	AllowInsecureTLS bool   `env:"REDIS_ALLOW_INSECURE_TLS"`
	TLSServerName    string `env:"REDIS_TLS_SERVER_NAME"`
	CACertFile       string `env:"REDIS_TLS_CA_CERT_FILE"`
	CertFile         string `env:"REDIS_TLS_CERT_FILE"`
	KeyFile          string `env:"REDIS_TLS_KEY_FILE"`
}

// Enabled reports whether a Redis address is configured.
func (r Redis) Enabled() bool { return strings.TrimSpace(r.Addr) != "" }

// Upstream bounds every outbound call made by the gateway.
type Upstream struct {
	ConnectTimeoutMS int `env:"UPSTREAM_CONNECT_TIMEOUT_MS" envDefault:"2000"`
	ReadTimeoutMS    int `env:"UPSTREAM_READ_TIMEOUT_MS"    envDefault:"10000"`
	WriteTimeoutMS   int `env:"UPSTREAM_WRITE_TIMEOUT_MS"   envDefault:"10000"`
	PoolTimeoutMS    int `env:"UPSTREAM_POOL_TIMEOUT_MS"    envDefault:"2000"`
	MaxConns         int `env:"UPSTREAM_MAX_CONNS"          envDefault:"100"`
}

// RateLimit configures the gateway's per-client limiter.
type RateLimit struct {
	Enabled   bool `env:"RATE_LIMIT_ENABLED"    envDefault:"true"`
	PerMinute int  `env:"RATE_LIMIT_PER_MINUTE" envDefault:"240"`
	WindowSec int  `env:"RATE_LIMIT_WINDOW_SEC" envDefault:"60"`
}

// Window returns the limiter window, never less than one second.
func (r RateLimit) Window() time.Duration {
	return seconds(r.WindowSec, 60)
}

// Kafka configures optional ledger fan-out. No brokers disables publishing.
type Kafka struct {
	Brokers []string `env:"KAFKA_BROKERS" envSeparator:","`
	Topic   string   `env:"KAFKA_TOPIC"   envDefault:"mcpgov.audit.entries"`
}

// Enabled reports whether at least one non-blank broker is configured.
func (k Kafka) Enabled() bool {
	for _, b := range k.Brokers {
		if strings.TrimSpace(b) != "" {
			return true
		}
	}
	return false
}

func seconds(v, def int) time.Duration {
	if v <= 0 {
		v = def
	}
	return time.Duration(v) * time.Second
}

// Telemetry configures the OTLP trace exporter. An empty Endpoint keeps
// tracing in-process.
type Telemetry struct {
	Endpoint   string            `env:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	Headers    map[string]string `env:"OTEL_EXPORTER_OTLP_HEADERS"     envKeyValSeparator:"="`
	TimeoutSec int               `env:"OTEL_EXPORTER_OTLP_TIMEOUT_SEC" envDefault:"5"`
	Insecure   bool              `env:"OTEL_EXPORTER_OTLP_INSECURE"`
	Required   bool              `env:"OTEL_REQUIRED"`
	Sampler    string            `env:"OTEL_TRACES_SAMPLER"`
	SamplerArg string            `env:"OTEL_TRACES_SAMPLER_ARG"`
}

func (t Telemetry) Timeout() time.Duration {
	return seconds(t.TimeoutSec, 5)
}

func LoadTelemetry() (Telemetry, error) {
	var cfg Telemetry
	if err := ParseEnv(&cfg); err != nil {
		return Telemetry{}, err
	}
	return cfg, nil
}
