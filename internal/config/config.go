// Package config assembles the gateway configuration from flags, environment
// variables, and an optional YAML file, then validates it fail-fast at boot.
// Precedence: flag > environment > YAML file > default.
package config

import (
	"flag"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"time"
)

// version is set at build time via ldflags.
var version = "dev"

// Version returns the build version.
func Version() string {
	return version
}

// Config holds the application configuration.
type Config struct {
	// Server settings
	Environment string `yaml:"environment"`
	ListenAddr  string `yaml:"listen_addr"`

	// Server TLS settings
	TLSEnabled  bool   `yaml:"tls_enabled"`
	TLSCertFile string `yaml:"tls_cert_file"`
	TLSKeyFile  string `yaml:"tls_key_file"`

	// Storage settings
	PostgresDSN string `yaml:"postgres_dsn"`
	RedisURL    string `yaml:"redis_url"`

	// Key service settings
	KeyBackend      string `yaml:"key_backend"`
	KeyVersion      string `yaml:"key_version"`
	KeyLocalSecret  string `yaml:"key_local_secret"`
	PseudonymLength int    `yaml:"pseudonym_length"`

	// Ingest guard settings
	RateLimitPerMinute int           `yaml:"rate_limit_per_minute"`
	TimestampSkew      time.Duration `yaml:"timestamp_skew"`
	IdempotencyTTL     time.Duration `yaml:"idempotency_ttl"`
	MaxBodyBytes       int64         `yaml:"max_body_bytes"`

	// Export settings
	ExportEnabled       bool          `yaml:"export_enabled"`
	ExportBaseURL       string        `yaml:"export_base_url"`
	ExportProfileID     string        `yaml:"export_profile_id"`
	ExportSigningKey    string        `yaml:"export_signing_key"`
	ExportBatchSize     int           `yaml:"export_batch_size"`
	ExportFlushInterval time.Duration `yaml:"export_flush_interval"`
	ExportTimeout       time.Duration `yaml:"export_timeout"`
	ExportCompression   string        `yaml:"export_compression"`

	// Admin settings
	AdminToken      string `yaml:"admin_token"`
	AdminTOTPSecret string `yaml:"admin_totp_secret"`

	// Observability settings
	MetricsEnabled bool `yaml:"metrics_enabled"`
	Debug          bool `yaml:"debug"`

	// CLI behavior
	ConfigFile  string `yaml:"-"`
	ShowHelp    bool   `yaml:"-"`
	ShowVersion bool   `yaml:"-"`
}

// ParseFlags parses the command line (with environment fallbacks) and, when a
// config file is given, layers it underneath the flags.
func ParseFlags() (*Config, error) {
	return parse(flag.CommandLine, os.Args[1:])
}

func parse(fs *flag.FlagSet, args []string) (*Config, error) {
	cfg := &Config{}

	fs.StringVar(&cfg.ConfigFile, "config", envStr("TG_CONFIG", ""), "Path to YAML config file")
	fs.StringVar(&cfg.Environment, "environment", envStr("TG_ENVIRONMENT", "development"), "Deployment environment name")
	fs.StringVar(&cfg.ListenAddr, "listen-addr", envStr("TG_LISTEN_ADDR", ":8080"), "Gateway listen address")
	fs.BoolVar(&cfg.TLSEnabled, "tls-enabled", envBool("TG_TLS_ENABLED", false), "Enable TLS on the listener")
	fs.StringVar(&cfg.TLSCertFile, "tls-cert-file", envStr("TG_TLS_CERT_FILE", ""), "Server TLS certificate file")
	fs.StringVar(&cfg.TLSKeyFile, "tls-key-file", envStr("TG_TLS_KEY_FILE", ""), "Server TLS private key file")

	fs.StringVar(&cfg.PostgresDSN, "postgres-dsn", envStr("TG_POSTGRES_DSN", ""), "Postgres connection string (empty: in-process stores)")
	fs.StringVar(&cfg.RedisURL, "redis-url", envStr("TG_REDIS_URL", ""), "Redis URL for shared replay/rate-limit/idempotency state (empty: in-process)")

	fs.StringVar(&cfg.KeyBackend, "key-backend", envStr("TG_KEY_BACKEND", "local"), "Key service backend")
	fs.StringVar(&cfg.KeyVersion, "key-version", envStr("TG_KEY_VERSION", "v1"), "Initially active key version")
	fs.StringVar(&cfg.KeyLocalSecret, "key-local-secret", envStr("TG_KEY_LOCAL_SECRET", ""), "Master secret for the local key backend")
	fs.IntVar(&cfg.PseudonymLength, "pseudonym-length", envInt("TG_PSEUDONYM_LENGTH", 22), "Truncation length of pseudonymous device tokens")

	fs.IntVar(&cfg.RateLimitPerMinute, "rate-limit-per-minute", envInt("TG_RATE_LIMIT_PER_MINUTE", 60), "Per-device requests per minute")
	fs.DurationVar(&cfg.TimestampSkew, "timestamp-skew", envDuration("TG_TIMESTAMP_SKEW", 5*time.Minute), "Accepted clock skew around now")
	fs.DurationVar(&cfg.IdempotencyTTL, "idempotency-ttl", envDuration("TG_IDEMPOTENCY_TTL", 24*time.Hour), "Idempotency cache entry TTL")
	fs.Int64Var(&cfg.MaxBodyBytes, "max-body-bytes", envInt64("TG_MAX_BODY_BYTES", 1<<20), "Maximum accepted request body size")

	fs.BoolVar(&cfg.ExportEnabled, "export-enabled", envBool("TG_EXPORT_ENABLED", false), "Enable the downstream export pipeline")
	fs.StringVar(&cfg.ExportBaseURL, "export-base-url", envStr("TG_EXPORT_BASE_URL", ""), "Downstream analytics base URL")
	fs.StringVar(&cfg.ExportProfileID, "export-profile-id", envStr("TG_EXPORT_PROFILE_ID", ""), "Downstream export profile id")
	fs.StringVar(&cfg.ExportSigningKey, "export-signing-key", envStr("TG_EXPORT_SIGNING_KEY", ""), "PKCS#8 PEM file with the Ed25519 batch signing key")
	fs.IntVar(&cfg.ExportBatchSize, "export-batch-size", envInt("TG_EXPORT_BATCH_SIZE", 100), "Records per export batch")
	fs.DurationVar(&cfg.ExportFlushInterval, "export-flush-interval", envDuration("TG_EXPORT_FLUSH_INTERVAL", 5*time.Second), "Export flush interval and base retry backoff")
	fs.DurationVar(&cfg.ExportTimeout, "export-timeout", envDuration("TG_EXPORT_TIMEOUT", 10*time.Second), "Per-request downstream timeout")
	fs.StringVar(&cfg.ExportCompression, "export-compression", envStr("TG_EXPORT_COMPRESSION", ""), "Export body compression: gzip, zstd, or empty")

	fs.StringVar(&cfg.AdminToken, "admin-token", envStr("TG_ADMIN_TOKEN", ""), "Shared admin token")
	fs.StringVar(&cfg.AdminTOTPSecret, "admin-totp-secret", envStr("TG_ADMIN_TOTP_SECRET", ""), "Base32 TOTP secret for the admin surface")

	fs.BoolVar(&cfg.MetricsEnabled, "metrics-enabled", envBool("TG_METRICS_ENABLED", true), "Serve prometheus metrics on /metrics")
	fs.BoolVar(&cfg.Debug, "debug", envBool("TG_DEBUG", false), "Emit debug logs")

	fs.BoolVar(&cfg.ShowHelp, "help", false, "Show usage")
	fs.BoolVar(&cfg.ShowVersion, "version", false, "Show version")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	if cfg.ConfigFile != "" {
		if err := cfg.loadYAML(cfg.ConfigFile, fs); err != nil {
			return nil, err
		}
	}

	return cfg, nil
}

// Validate checks the configuration and returns the first problem found.
// Called once at boot; any error is fatal.
func (c *Config) Validate() error {
	if c.ListenAddr == "" {
		return fmt.Errorf("listen address is required")
	}
	if c.TLSEnabled && (c.TLSCertFile == "" || c.TLSKeyFile == "") {
		return fmt.Errorf("tls enabled without cert or key file")
	}
	if c.KeyBackend == "" {
		return fmt.Errorf("key backend is required")
	}
	if c.PseudonymLength < 8 || c.PseudonymLength > 43 {
		return fmt.Errorf("pseudonym length %d out of range [8, 43]", c.PseudonymLength)
	}
	if c.RateLimitPerMinute <= 0 {
		return fmt.Errorf("rate limit must be positive, got %d", c.RateLimitPerMinute)
	}
	if c.TimestampSkew <= 0 {
		return fmt.Errorf("timestamp skew must be positive, got %s", c.TimestampSkew)
	}
	if c.IdempotencyTTL <= 0 {
		return fmt.Errorf("idempotency ttl must be positive, got %s", c.IdempotencyTTL)
	}
	if c.MaxBodyBytes <= 0 {
		return fmt.Errorf("max body bytes must be positive, got %d", c.MaxBodyBytes)
	}
	if c.ExportEnabled {
		if c.ExportBaseURL == "" {
			return fmt.Errorf("export enabled without a downstream base URL")
		}
		if _, err := url.ParseRequestURI(c.ExportBaseURL); err != nil {
			return fmt.Errorf("invalid export base URL %q: %w", c.ExportBaseURL, err)
		}
		if c.ExportProfileID == "" {
			return fmt.Errorf("export enabled without a profile id")
		}
		if c.ExportSigningKey == "" {
			return fmt.Errorf("export enabled without a signing key path")
		}
		if c.ExportBatchSize <= 0 {
			return fmt.Errorf("export batch size must be positive, got %d", c.ExportBatchSize)
		}
		if c.ExportFlushInterval <= 0 {
			return fmt.Errorf("export flush interval must be positive, got %s", c.ExportFlushInterval)
		}
		switch c.ExportCompression {
		case "", "gzip", "zstd":
		default:
			return fmt.Errorf("unsupported export compression %q", c.ExportCompression)
		}
	}
	if (c.AdminToken == "") != (c.AdminTOTPSecret == "") {
		return fmt.Errorf("admin token and totp secret must be set together")
	}
	return nil
}

// PrintVersion writes the build version to stdout.
func PrintVersion() {
	fmt.Printf("telemetry-gate %s\n", version)
}

// PrintUsage writes flag usage to stdout.
func PrintUsage() {
	fmt.Println("telemetry-gate: cross-border telemetry ingest gateway")
	fmt.Println()
	flag.CommandLine.SetOutput(os.Stdout)
	flag.CommandLine.PrintDefaults()
}

func envStr(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	if v, ok := os.LookupEnv(key); ok {
		if parsed, err := strconv.ParseBool(v); err == nil {
			return parsed
		}
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v, ok := os.LookupEnv(key); ok {
		if parsed, err := strconv.Atoi(v); err == nil {
			return parsed
		}
	}
	return fallback
}

func envInt64(key string, fallback int64) int64 {
	if v, ok := os.LookupEnv(key); ok {
		if parsed, err := strconv.ParseInt(v, 10, 64); err == nil {
			return parsed
		}
	}
	return fallback
}

func envDuration(key string, fallback time.Duration) time.Duration {
	if v, ok := os.LookupEnv(key); ok {
		if parsed, err := time.ParseDuration(v); err == nil {
			return parsed
		}
	}
	return fallback
}
