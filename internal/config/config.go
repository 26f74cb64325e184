// Package config provides centralized configuration management for the application.
// It loads configuration from environment variables with sensible defaults and
// validates all settings on startup to fail fast on misconfiguration.
package config

import "time"

// Config holds all application configuration.
// All settings can be configured via environment variables.
type Config struct {
	Server    ServerConfig
	Database  DatabaseConfig
	Fetch     FetchConfig
	Sources   SourcesConfig
	Cache     CacheConfig
	Archive   ArchiveConfig
	Rate      RateLimitConfig
	Security  SecurityConfig
	Telemetry TelemetryConfig
	Logging   LoggingConfig
}

// ServerConfig holds HTTP server settings for the read API.
type ServerConfig struct {
	// Host is the interface to bind to (default: 0.0.0.0)
	Host string `env:"SERVER_HOST" default:"0.0.0.0"`

	// Port is the port to listen on (default: 8080)
	Port int `env:"SERVER_PORT" default:"8080"`

	// ReadTimeout is the maximum duration for reading a request (default: 15s)
	ReadTimeout time.Duration `env:"SERVER_READ_TIMEOUT" default:"15s"`

	// WriteTimeout is the maximum duration for writing a response (default: 30s)
	WriteTimeout time.Duration `env:"SERVER_WRITE_TIMEOUT" default:"30s"`

	// IdleTimeout is the keep-alive timeout (default: 60s)
	IdleTimeout time.Duration `env:"SERVER_IDLE_TIMEOUT" default:"60s"`

	// ShutdownTimeout is the maximum duration to wait for graceful shutdown (default: 30s)
	ShutdownTimeout time.Duration `env:"SERVER_SHUTDOWN_TIMEOUT" default:"30s"`

	// RequestTimeout is the middleware timeout for requests (default: 30s)
	RequestTimeout time.Duration `env:"SERVER_REQUEST_TIMEOUT" default:"30s"`

	// PreviewMaxConcurrent bounds simultaneous preview parses (default: 4)
	PreviewMaxConcurrent int `env:"PREVIEW_MAX_CONCURRENT" default:"4"`

	// PreviewMaxWait is how long a preview waits for a slot (default: 10s)
	PreviewMaxWait time.Duration `env:"PREVIEW_MAX_WAIT" default:"10s"`
}

// DatabaseConfig holds database connection settings.
type DatabaseConfig struct {
	// Driver selects the store: postgres or sqlite (default: postgres)
	Driver string `env:"DB_DRIVER" default:"postgres"`

	// URL is the connection string (required). For sqlite it is a file path
	// or a file: URI. SUPABASE_DB_URL is accepted as an alternate.
	URL string `env:"DATABASE_URL" envAlt:"SUPABASE_DB_URL" required:"true"`

	// MaxConns is the maximum number of connections in the pool (default: 10)
	MaxConns int `env:"DB_MAX_CONNS" default:"10"`

	// MinConns is the minimum number of connections to keep open (default: 1)
	MinConns int `env:"DB_MIN_CONNS" default:"1"`

	// MaxConnLifetime is the maximum lifetime of a connection (default: 1h)
	MaxConnLifetime time.Duration `env:"DB_MAX_CONN_LIFETIME" default:"1h"`

	// MaxConnIdleTime is the maximum idle time before a connection is closed (default: 30m)
	MaxConnIdleTime time.Duration `env:"DB_MAX_CONN_IDLE_TIME" default:"30m"`

	// MigrateOnStart applies the embedded schema before run and serve (default: false)
	MigrateOnStart bool `env:"MIGRATE_ON_START" default:"false"`
}

// FetchConfig holds retrieval settings.
type FetchConfig struct {
	// Timeout bounds a single fetch or download (default: 60s)
	Timeout time.Duration `env:"FETCH_TIMEOUT" default:"60s"`

	// UserAgent is sent with every request
	UserAgent string `env:"FETCH_USER_AGENT" default:"allocsync/1.0 (+https://github.com/JonMunkholm/allocsync)"`

	// MaxBodyBytes caps the size of a fetched page (default: 20MB)
	MaxBodyBytes int64 `env:"FETCH_MAX_BODY_BYTES" default:"20971520"`

	// RequestsPerSecond limits request rate across all hosts (default: 1)
	RequestsPerSecond float64 `env:"FETCH_REQUESTS_PER_SECOND" default:"1"`

	// Burst is the number of requests allowed back to back (default: 1)
	Burst int `env:"FETCH_BURST" default:"1"`

	// DownloadDir receives downloaded documents (default: downloads)
	DownloadDir string `env:"FETCH_DOWNLOAD_DIR" default:"downloads"`
}

// SourcesConfig locates the source definitions.
type SourcesConfig struct {
	// File is the YAML file listing sources (default: sources.yaml)
	File string `env:"SOURCES_FILE" default:"sources.yaml"`
}

// CacheConfig holds region cache settings.
type CacheConfig struct {
	// RedisURL enables a shared Redis region cache when set
	RedisURL string `env:"REDIS_URL"`

	// TTL is how long cached regions live in Redis (default: 24h)
	TTL time.Duration `env:"CACHE_TTL" default:"24h"`
}

// ArchiveConfig holds raw snapshot archiving settings.
type ArchiveConfig struct {
	// Backend is none, local or s3 (default: none)
	Backend string `env:"ARCHIVE_BACKEND" default:"none"`

	// Dir is the root directory for the local backend (default: data)
	Dir string `env:"ARCHIVE_DIR" default:"data"`

	// Bucket is the S3 bucket for the s3 backend
	Bucket string `env:"ARCHIVE_BUCKET"`

	// Region is the S3 region
	Region string `env:"ARCHIVE_REGION" envAlt:"AWS_REGION" default:"us-east-1"`

	// Endpoint overrides the S3 endpoint (MinIO, Supabase storage)
	Endpoint string `env:"ARCHIVE_ENDPOINT"`

	// Prefix is prepended to every object key
	Prefix string `env:"ARCHIVE_PREFIX"`
}

// RateLimitConfig holds rate limiting settings for the read API.
type RateLimitConfig struct {
	// Enabled controls whether rate limiting is active (default: true)
	Enabled bool `env:"RATE_LIMIT_ENABLED" default:"true"`

	// RequestsPerMinute is the rate limit per client IP (default: 120)
	RequestsPerMinute int `env:"RATE_LIMIT_REQUESTS_PER_MINUTE" default:"120"`
}

// SecurityConfig holds security-related settings.
type SecurityConfig struct {
	// TrustedProxies is a comma-separated list of trusted proxy CIDRs
	TrustedProxies []string `env:"TRUSTED_PROXIES"`
}

// TelemetryConfig holds OpenTelemetry trace export settings.
type TelemetryConfig struct {
	// Enabled turns on span export (default: false)
	Enabled bool `env:"OTEL_ENABLED" default:"false"`

	// Endpoint is the OTLP gRPC collector address
	Endpoint string `env:"OTEL_EXPORTER_OTLP_ENDPOINT" default:"localhost:4317"`

	// Insecure disables TLS to the collector
	Insecure bool `env:"OTEL_EXPORTER_OTLP_INSECURE" default:"false"`

	// SampleRate is the fraction of runs traced, 0 to 1 (default: 1)
	SampleRate float64 `env:"OTEL_SAMPLE_RATE" default:"1"`

	// ServiceName is reported as service.name
	ServiceName string `env:"OTEL_SERVICE_NAME" default:"allocsync"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	// Level is the minimum log level: debug, info, warn, error (default: info)
	Level string `env:"LOG_LEVEL" default:"info"`

	// Format is the log format: text or json (default: text)
	Format string `env:"LOG_FORMAT" default:"text"`
}

// Addr returns the server listen address in host:port format.
func (c *ServerConfig) Addr() string {
	if c.Host == "" {
		return ":" + itoa(c.Port)
	}
	return c.Host + ":" + itoa(c.Port)
}

// itoa converts an int to string without importing strconv in this file.
func itoa(i int) string {
	if i == 0 {
		return "0"
	}
	var b [20]byte
	n := len(b)
	neg := i < 0
	if neg {
		i = -i
	}
	for i > 0 {
		n--
		b[n] = byte('0' + i%10)
		i /= 10
	}
	if neg {
		n--
		b[n] = '-'
	}
	return string(b[n:])
}
