package config

import (
	"bytes"
	"flag"
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// loadYAML layers file values underneath explicitly set flags: a value from
// the file applies only when the corresponding flag was left at its default
// and no environment variable overrode it. Unknown keys in the file are
// rejected.
func (c *Config) loadYAML(path string, fs *flag.FlagSet) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}

	var fileCfg Config
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	if err := dec.Decode(&fileCfg); err != nil && err != io.EOF {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}

	set := map[string]bool{}
	fs.Visit(func(f *flag.Flag) { set[f.Name] = true })

	overridden := func(flagName, envKey string) bool {
		if set[flagName] {
			return true
		}
		_, ok := os.LookupEnv(envKey)
		return ok
	}

	applyStr := func(flagName, envKey string, dst *string, v string) {
		if v != "" && !overridden(flagName, envKey) {
			*dst = v
		}
	}
	applyInt := func(flagName, envKey string, dst *int, v int) {
		if v != 0 && !overridden(flagName, envKey) {
			*dst = v
		}
	}
	applyDur := func(flagName, envKey string, dst *time.Duration, v time.Duration) {
		if v != 0 && !overridden(flagName, envKey) {
			*dst = v
		}
	}
	applyBool := func(flagName, envKey string, dst *bool, v bool) {
		if v && !overridden(flagName, envKey) {
			*dst = true
		}
	}
	applyInt64 := func(flagName, envKey string, dst *int64, v int64) {
		if v != 0 && !overridden(flagName, envKey) {
			*dst = v
		}
	}

	applyStr("environment", "TG_ENVIRONMENT", &c.Environment, fileCfg.Environment)
	applyStr("listen-addr", "TG_LISTEN_ADDR", &c.ListenAddr, fileCfg.ListenAddr)
	applyBool("tls-enabled", "TG_TLS_ENABLED", &c.TLSEnabled, fileCfg.TLSEnabled)
	applyStr("tls-cert-file", "TG_TLS_CERT_FILE", &c.TLSCertFile, fileCfg.TLSCertFile)
	applyStr("tls-key-file", "TG_TLS_KEY_FILE", &c.TLSKeyFile, fileCfg.TLSKeyFile)
	applyStr("postgres-dsn", "TG_POSTGRES_DSN", &c.PostgresDSN, fileCfg.PostgresDSN)
	applyStr("redis-url", "TG_REDIS_URL", &c.RedisURL, fileCfg.RedisURL)
	applyStr("key-backend", "TG_KEY_BACKEND", &c.KeyBackend, fileCfg.KeyBackend)
	applyStr("key-version", "TG_KEY_VERSION", &c.KeyVersion, fileCfg.KeyVersion)
	applyStr("key-local-secret", "TG_KEY_LOCAL_SECRET", &c.KeyLocalSecret, fileCfg.KeyLocalSecret)
	applyInt("pseudonym-length", "TG_PSEUDONYM_LENGTH", &c.PseudonymLength, fileCfg.PseudonymLength)
	applyInt("rate-limit-per-minute", "TG_RATE_LIMIT_PER_MINUTE", &c.RateLimitPerMinute, fileCfg.RateLimitPerMinute)
	applyDur("timestamp-skew", "TG_TIMESTAMP_SKEW", &c.TimestampSkew, fileCfg.TimestampSkew)
	applyDur("idempotency-ttl", "TG_IDEMPOTENCY_TTL", &c.IdempotencyTTL, fileCfg.IdempotencyTTL)
	applyInt64("max-body-bytes", "TG_MAX_BODY_BYTES", &c.MaxBodyBytes, fileCfg.MaxBodyBytes)
	applyBool("export-enabled", "TG_EXPORT_ENABLED", &c.ExportEnabled, fileCfg.ExportEnabled)
	applyStr("export-base-url", "TG_EXPORT_BASE_URL", &c.ExportBaseURL, fileCfg.ExportBaseURL)
	applyStr("export-profile-id", "TG_EXPORT_PROFILE_ID", &c.ExportProfileID, fileCfg.ExportProfileID)
	applyStr("export-signing-key", "TG_EXPORT_SIGNING_KEY", &c.ExportSigningKey, fileCfg.ExportSigningKey)
	applyInt("export-batch-size", "TG_EXPORT_BATCH_SIZE", &c.ExportBatchSize, fileCfg.ExportBatchSize)
	applyDur("export-flush-interval", "TG_EXPORT_FLUSH_INTERVAL", &c.ExportFlushInterval, fileCfg.ExportFlushInterval)
	applyDur("export-timeout", "TG_EXPORT_TIMEOUT", &c.ExportTimeout, fileCfg.ExportTimeout)
	applyStr("export-compression", "TG_EXPORT_COMPRESSION", &c.ExportCompression, fileCfg.ExportCompression)
	applyStr("admin-token", "TG_ADMIN_TOKEN", &c.AdminToken, fileCfg.AdminToken)
	applyStr("admin-totp-secret", "TG_ADMIN_TOTP_SECRET", &c.AdminTOTPSecret, fileCfg.AdminTOTPSecret)

	return nil
}
