package config

import (
	"errors"
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"
)

// Load reads configuration from environment variables, applies defaults
// and validates the result. Every missing or malformed variable is reported,
// not just the first.
func Load() (*Config, error) {
	return loadFrom(os.LookupEnv)
}

// lookupFunc matches os.LookupEnv.
type lookupFunc func(key string) (string, bool)

func loadFrom(lookup lookupFunc) (*Config, error) {
	cfg := &Config{}

	l := &loader{lookup: lookup}
	l.fill(reflect.ValueOf(cfg).Elem())
	if len(l.errs) > 0 {
		return nil, fmt.Errorf("config load: %s", strings.Join(l.errs, "; "))
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	return cfg, nil
}

// loader walks a config struct and fills tagged fields. Tags:
//
//	env:"NAME"       primary variable
//	envAlt:"NAME"    fallback variable (legacy or hosted-platform name)
//	default:"value"  used when neither variable is set
//	required:"true"  unset with no default is an error
type loader struct {
	lookup lookupFunc
	errs   []string
}

var durationType = reflect.TypeOf(time.Duration(0))

func (l *loader) fill(v reflect.Value) {
	t := v.Type()
	for i := range t.NumField() {
		sf, fv := t.Field(i), v.Field(i)
		if !fv.CanSet() {
			continue
		}
		if sf.Type.Kind() == reflect.Struct {
			l.fill(fv)
			continue
		}

		name := sf.Tag.Get("env")
		if name == "" {
			continue
		}

		raw, ok := l.value(name, sf.Tag.Get("envAlt"))
		if !ok {
			if sf.Tag.Get("required") == "true" {
				l.errs = append(l.errs, fmt.Sprintf("%s is required", name))
				continue
			}
			raw = sf.Tag.Get("default")
		}
		if raw == "" {
			continue
		}

		if err := assign(fv, raw); err != nil {
			l.errs = append(l.errs, fmt.Sprintf("%s=%q: %v", name, raw, err))
		}
	}
}

// value returns the first non-blank of the primary and alternate variables.
func (l *loader) value(name, alt string) (string, bool) {
	for _, key := range []string{name, alt} {
		if key == "" {
			continue
		}
		if v, ok := l.lookup(key); ok && strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v), true
		}
	}
	return "", false
}

// assign parses raw into fv according to its kind.
func assign(fv reflect.Value, raw string) error {
	if fv.Type() == durationType {
		d, err := time.ParseDuration(raw)
		if err != nil {
			return errors.New("not a duration")
		}
		fv.SetInt(int64(d))
		return nil
	}

	switch fv.Kind() {
	case reflect.String:
		fv.SetString(raw)
	case reflect.Int, reflect.Int64:
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return errors.New("not an integer")
		}
		fv.SetInt(n)
	case reflect.Float64:
		f, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return errors.New("not a number")
		}
		fv.SetFloat(f)
	case reflect.Bool:
		b, err := strconv.ParseBool(raw)
		if err != nil {
			return errors.New("not a boolean")
		}
		fv.SetBool(b)
	case reflect.Slice:
		if fv.Type().Elem().Kind() != reflect.String {
			return fmt.Errorf("unsupported slice of %s", fv.Type().Elem().Kind())
		}
		fv.Set(reflect.ValueOf(splitList(raw)))
	default:
		return fmt.Errorf("unsupported kind %s", fv.Kind())
	}
	return nil
}

// splitList splits a comma-separated list, dropping blank entries.
func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// Validate checks that the configuration is valid.
// Returns an error describing all validation failures.
func (c *Config) Validate() error {
	var errs []string

	// Database validation
	if c.Database.URL == "" {
		errs = append(errs, "DATABASE_URL is required")
	}
	switch strings.ToLower(c.Database.Driver) {
	case "postgres", "sqlite":
	default:
		errs = append(errs, fmt.Sprintf("DB_DRIVER (%q) must be one of: postgres, sqlite", c.Database.Driver))
	}
	if c.Database.MaxConns < c.Database.MinConns {
		errs = append(errs, fmt.Sprintf("DB_MAX_CONNS (%d) must be >= DB_MIN_CONNS (%d)",
			c.Database.MaxConns, c.Database.MinConns))
	}
	if c.Database.MaxConns <= 0 {
		errs = append(errs, "DB_MAX_CONNS must be positive")
	}
	if c.Database.MinConns < 0 {
		errs = append(errs, "DB_MIN_CONNS must be non-negative")
	}

	// Server validation
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Sprintf("SERVER_PORT (%d) must be 1-65535", c.Server.Port))
	}
	if c.Server.ReadTimeout < 0 {
		errs = append(errs, "SERVER_READ_TIMEOUT must be non-negative")
	}
	if c.Server.ShutdownTimeout <= 0 {
		errs = append(errs, "SERVER_SHUTDOWN_TIMEOUT must be positive")
	}
	if c.Server.PreviewMaxConcurrent <= 0 {
		errs = append(errs, "PREVIEW_MAX_CONCURRENT must be positive")
	}

	// Fetch validation
	if c.Fetch.Timeout <= 0 {
		errs = append(errs, "FETCH_TIMEOUT must be positive")
	}
	if c.Fetch.MaxBodyBytes <= 0 {
		errs = append(errs, "FETCH_MAX_BODY_BYTES must be positive")
	}
	if c.Fetch.RequestsPerSecond <= 0 {
		errs = append(errs, "FETCH_REQUESTS_PER_SECOND must be positive")
	}
	if c.Fetch.Burst <= 0 {
		errs = append(errs, "FETCH_BURST must be positive")
	}

	// Sources validation
	if c.Sources.File == "" {
		errs = append(errs, "SOURCES_FILE must not be empty")
	}

	// Cache validation
	if c.Cache.TTL < 0 {
		errs = append(errs, "CACHE_TTL must be non-negative")
	}

	// Archive validation
	switch strings.ToLower(c.Archive.Backend) {
	case "none":
	case "local":
		if c.Archive.Dir == "" {
			errs = append(errs, "ARCHIVE_DIR is required when ARCHIVE_BACKEND=local")
		}
	case "s3":
		if c.Archive.Bucket == "" {
			errs = append(errs, "ARCHIVE_BUCKET is required when ARCHIVE_BACKEND=s3")
		}
	default:
		errs = append(errs, fmt.Sprintf("ARCHIVE_BACKEND (%q) must be one of: none, local, s3", c.Archive.Backend))
	}

	// Rate limit validation
	if c.Rate.Enabled && c.Rate.RequestsPerMinute <= 0 {
		errs = append(errs, "RATE_LIMIT_REQUESTS_PER_MINUTE must be positive when rate limiting is enabled")
	}

	// Telemetry validation
	if c.Telemetry.Enabled && c.Telemetry.Endpoint == "" {
		errs = append(errs, "OTEL_EXPORTER_OTLP_ENDPOINT is required when OTEL_ENABLED=true")
	}
	if c.Telemetry.SampleRate < 0 || c.Telemetry.SampleRate > 1 {
		errs = append(errs, fmt.Sprintf("OTEL_SAMPLE_RATE (%g) must be between 0 and 1", c.Telemetry.SampleRate))
	}

	// Logging validation
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(c.Logging.Level)] {
		errs = append(errs, fmt.Sprintf("LOG_LEVEL (%q) must be one of: debug, info, warn, error", c.Logging.Level))
	}

	validFormats := map[string]bool{"text": true, "json": true}
	if !validFormats[strings.ToLower(c.Logging.Format)] {
		errs = append(errs, fmt.Sprintf("LOG_FORMAT (%q) must be one of: text, json", c.Logging.Format))
	}

	if len(errs) > 0 {
		return fmt.Errorf("validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}

	return nil
}

// String returns a safe string representation of the config for logging.
// Sensitive values like database and Redis URLs are masked.
func (c *Config) String() string {
	var b strings.Builder
	b.WriteString("Config{")
	b.WriteString(fmt.Sprintf("Server: {Host: %q, Port: %d}, ", c.Server.Host, c.Server.Port))
	b.WriteString(fmt.Sprintf("Database: {Driver: %q, URL: [MASKED], MaxConns: %d, MinConns: %d}, ",
		c.Database.Driver, c.Database.MaxConns, c.Database.MinConns))
	b.WriteString(fmt.Sprintf("Fetch: {Timeout: %s, RequestsPerSecond: %g, Burst: %d}, ",
		c.Fetch.Timeout, c.Fetch.RequestsPerSecond, c.Fetch.Burst))
	b.WriteString(fmt.Sprintf("Sources: {File: %q}, ", c.Sources.File))
	redis := "[UNSET]"
	if c.Cache.RedisURL != "" {
		redis = "[MASKED]"
	}
	b.WriteString(fmt.Sprintf("Cache: {RedisURL: %s, TTL: %s}, ", redis, c.Cache.TTL))
	b.WriteString(fmt.Sprintf("Archive: {Backend: %q, Bucket: %q}, ", c.Archive.Backend, c.Archive.Bucket))
	b.WriteString(fmt.Sprintf("Rate: {Enabled: %v, RequestsPerMinute: %d}, ",
		c.Rate.Enabled, c.Rate.RequestsPerMinute))
	b.WriteString(fmt.Sprintf("Telemetry: {Enabled: %v, Endpoint: %q}, ",
		c.Telemetry.Enabled, c.Telemetry.Endpoint))
	b.WriteString(fmt.Sprintf("Logging: {Level: %q, Format: %q}",
		c.Logging.Level, c.Logging.Format))
	b.WriteString("}")
	return b.String()
}
