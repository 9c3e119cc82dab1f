// Package config loads the process configuration from the environment and
// resolves the active policy from its configured source (database, YAML
// file, or one falling back to the other).
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Dialect values for LUTHIEN_UPSTREAM_DIALECT.
const (
	UpstreamOpenAI    = "openai"
	UpstreamAnthropic = "anthropic"
)

// Config is the full process configuration. Every field maps to one
// LUTHIEN_* environment variable; defaults make a bare `luthien serve`
// useful for local work.
type Config struct {
	// Listen is the host:port the HTTP server binds.
	Listen string

	// DatabaseURL is the sqlite DSN (sqlite://path, bare path, or :memory:).
	DatabaseURL string

	// RedisURL enables the pub/sub bus when set.
	RedisURL string

	// APIKey guards the /v1 surface; empty disables auth.
	APIKey string

	// AdminKey guards the /api surface; empty falls back to APIKey.
	AdminKey string

	// PolicySource selects where the active policy comes from:
	// db | file | db-fallback-file | file-fallback-db.
	PolicySource string

	// PolicyFile is the YAML policy file for the file-backed sources.
	PolicyFile string

	// UpstreamBaseURL and UpstreamAPIKey locate the backend.
	UpstreamBaseURL string
	UpstreamAPIKey  string

	// UpstreamDialect is openai or anthropic.
	UpstreamDialect string

	// StreamTimeout is the policy inactivity deadline; zero disables it.
	StreamTimeout time.Duration

	// MaxBufferedChunks caps each recorder ring buffer.
	MaxBufferedChunks int

	// MaxBodyBytes caps ingress request bodies.
	MaxBodyBytes int64

	// RequestLogFilter is an expr expression over {Method, Path, Status}
	// selecting which inbound exchanges are persisted to request_logs.
	// Empty uses the server default.
	RequestLogFilter string

	// LogLevel, LogFormat and LogFile feed obs.SetupLogging.
	LogLevel  string
	LogFormat string
	LogFile   string
}

// Defaults mirrored by `luthien serve --help`.
const (
	DefaultListen        = "127.0.0.1:8787"
	DefaultDatabaseURL   = "luthien.db"
	DefaultPolicySource  = "db-fallback-file"
	DefaultStreamTimeout = 60 * time.Second
	DefaultMaxBodyBytes  = 10 << 20
)

// FromEnv reads the LUTHIEN_* environment. Missing variables take defaults;
// malformed numeric variables are an error rather than a silent default.
func FromEnv() (*Config, error) {
	cfg := &Config{
		Listen:           envOr("LUTHIEN_LISTEN", DefaultListen),
		DatabaseURL:      envOr("LUTHIEN_DATABASE_URL", DefaultDatabaseURL),
		RedisURL:         os.Getenv("LUTHIEN_REDIS_URL"),
		APIKey:           os.Getenv("LUTHIEN_API_KEY"),
		AdminKey:         os.Getenv("LUTHIEN_ADMIN_KEY"),
		PolicySource:     envOr("LUTHIEN_POLICY_SOURCE", DefaultPolicySource),
		PolicyFile:       os.Getenv("LUTHIEN_POLICY_FILE"),
		UpstreamBaseURL:  os.Getenv("LUTHIEN_UPSTREAM_BASE_URL"),
		UpstreamAPIKey:   os.Getenv("LUTHIEN_UPSTREAM_API_KEY"),
		UpstreamDialect:  envOr("LUTHIEN_UPSTREAM_DIALECT", UpstreamOpenAI),
		RequestLogFilter: os.Getenv("LUTHIEN_REQUEST_LOG_FILTER"),
		LogLevel:         envOr("LUTHIEN_LOG_LEVEL", "info"),
		LogFormat:        envOr("LUTHIEN_LOG_FORMAT", "text"),
		LogFile:          os.Getenv("LUTHIEN_LOG_FILE"),
	}

	var err error
	if cfg.StreamTimeout, err = envDuration("LUTHIEN_STREAM_TIMEOUT", DefaultStreamTimeout); err != nil {
		return nil, err
	}
	if cfg.MaxBufferedChunks, err = envInt("LUTHIEN_MAX_BUFFERED_CHUNKS", 0); err != nil {
		return nil, err
	}
	maxBody, err := envInt("LUTHIEN_MAX_BODY_BYTES", 0)
	if err != nil {
		return nil, err
	}
	cfg.MaxBodyBytes = int64(maxBody)
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = DefaultMaxBodyBytes
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	switch c.UpstreamDialect {
	case UpstreamOpenAI, UpstreamAnthropic:
	default:
		return fmt.Errorf("LUTHIEN_UPSTREAM_DIALECT must be %q or %q, got %q",
			UpstreamOpenAI, UpstreamAnthropic, c.UpstreamDialect)
	}
	switch c.PolicySource {
	case SourceDB, SourceFile, SourceDBFallbackFile, SourceFileFallbackDB:
	default:
		return fmt.Errorf("LUTHIEN_POLICY_SOURCE must be one of db, file, db-fallback-file, file-fallback-db, got %q", c.PolicySource)
	}
	if (c.PolicySource == SourceFile || c.PolicySource == SourceFileFallbackDB) && c.PolicyFile == "" {
		return fmt.Errorf("LUTHIEN_POLICY_FILE is required for policy source %q", c.PolicySource)
	}
	return nil
}

// AdminKeyOrAPIKey returns the admin key, falling back to the API key.
func (c *Config) AdminKeyOrAPIKey() string {
	if c.AdminKey != "" {
		return c.AdminKey
	}
	return c.APIKey
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return n, nil
}

// envDuration accepts Go durations ("90s") and bare seconds ("90").
func envDuration(key string, fallback time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	if secs, err := strconv.Atoi(v); err == nil {
		return time.Duration(secs) * time.Second, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return d, nil
}
