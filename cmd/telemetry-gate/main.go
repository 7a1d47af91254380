package main

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	_ "github.com/lib/pq"
	"golang.org/x/sync/errgroup"

	"github.com/szibis/telemetry-gate/internal/auditlog"
	"github.com/szibis/telemetry-gate/internal/auth"
	"github.com/szibis/telemetry-gate/internal/config"
	"github.com/szibis/telemetry-gate/internal/export"
	"github.com/szibis/telemetry-gate/internal/gateway"
	"github.com/szibis/telemetry-gate/internal/idem"
	"github.com/szibis/telemetry-gate/internal/keyservice"
	"github.com/szibis/telemetry-gate/internal/logging"
	"github.com/szibis/telemetry-gate/internal/pseudo"
	"github.com/szibis/telemetry-gate/internal/ratelimit"
	"github.com/szibis/telemetry-gate/internal/replay"
	tlspkg "github.com/szibis/telemetry-gate/internal/tls"
)

func main() {
	cfg, err := config.ParseFlags()
	if err != nil {
		logging.Fatal("failed to parse configuration", logging.F("error", err.Error()))
	}

	if cfg.ShowHelp {
		config.PrintUsage()
		os.Exit(0)
	}
	if cfg.ShowVersion {
		config.PrintVersion()
		os.Exit(0)
	}

	if err := cfg.Validate(); err != nil {
		logging.Fatal("invalid configuration", logging.F("error", err.Error()))
	}

	logging.SetDebug(cfg.Debug)
	logging.SetResource(map[string]string{
		"service.name":           "telemetry-gate",
		"service.version":        config.Version(),
		"deployment.environment": cfg.Environment,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	keys, err := keyservice.New(keyservice.Config{
		Backend:     keyservice.Backend(cfg.KeyBackend),
		KeyVersion:  cfg.KeyVersion,
		LocalSecret: cfg.KeyLocalSecret,
	})
	if err != nil {
		logging.Fatal("failed to initialize key service", logging.F("error", err.Error()))
	}

	checks := map[string]func() error{}

	var db *sql.DB
	if cfg.PostgresDSN != "" {
		db, err = sql.Open("postgres", cfg.PostgresDSN)
		if err != nil {
			logging.Fatal("failed to open postgres", logging.F("error", err.Error()))
		}
		db.SetMaxOpenConns(20)
		db.SetConnMaxIdleTime(5 * time.Minute)
		if err := db.PingContext(ctx); err != nil {
			logging.Fatal("postgres unreachable", logging.F("error", err.Error()))
		}
		checks["postgres"] = func() error { return db.Ping() }
	}

	var redisClient *redis.Client
	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			logging.Fatal("invalid redis url", logging.F("error", err.Error()))
		}
		redisClient = redis.NewClient(opts)
		if err := redisClient.Ping(ctx).Err(); err != nil {
			logging.Fatal("redis unreachable", logging.F("error", err.Error()))
		}
		checks["redis"] = func() error { return redisClient.Ping(context.Background()).Err() }
	}

	var mappings pseudo.MappingStore
	var sink auditlog.Sink
	if db != nil {
		pgMappings, err := pseudo.NewPostgresStore(ctx, db)
		if err != nil {
			logging.Fatal("failed to initialize mapping store", logging.F("error", err.Error()))
		}
		mappings = pgMappings
		pgSink, err := auditlog.NewPostgresSink(ctx, db)
		if err != nil {
			logging.Fatal("failed to initialize audit sink", logging.F("error", err.Error()))
		}
		sink = pgSink
	} else {
		logging.Warn("no postgres dsn configured, mappings and audit records are in-process only")
		mappings = pseudo.NewMemoryStore()
		sink = auditlog.NewMemorySink()
	}

	var replayStore replay.Store
	var counter ratelimit.Counter
	var idemStore idem.Store
	if redisClient != nil {
		replayStore = replay.NewRedisStore(redisClient, 0)
		counter = ratelimit.NewRedisCounter(redisClient)
		idemStore = idem.NewRedisStore(redisClient)
	} else {
		// Single-instance deployment: replay and rate-limit guarantees are
		// per process without a shared store.
		replayStore = replay.NewMemoryStore()
		counter = ratelimit.NewMemoryCounter()
		idemStore = idem.NewMemoryStore()
	}

	exporter, err := export.New(export.Config{
		Enabled:        cfg.ExportEnabled,
		BaseURL:        cfg.ExportBaseURL,
		ProfileID:      cfg.ExportProfileID,
		SigningKeyPath: cfg.ExportSigningKey,
		BatchSize:      cfg.ExportBatchSize,
		FlushInterval:  cfg.ExportFlushInterval,
		Timeout:        cfg.ExportTimeout,
		Compression:    cfg.ExportCompression,
	})
	if err != nil {
		logging.Fatal("failed to initialize exporter", logging.F("error", err.Error()))
	}
	exporter.SetSink(sink)
	if cfg.ExportEnabled {
		// A queue stuck far above one batch means the downstream is unreachable.
		maxHealthyDepth := cfg.ExportBatchSize * 10
		checks["export_queue"] = func() error {
			if depth := exporter.QueueLen(); depth > maxHealthyDepth {
				return fmt.Errorf("export queue backed up: %d records", depth)
			}
			return nil
		}
	}

	srv := gateway.New(gateway.Options{
		Keys:          keys,
		Pseudonymizer: pseudo.New(keys, cfg.PseudonymLength),
		Mappings:      mappings,
		Limiter:       ratelimit.NewLimiter(counter, cfg.RateLimitPerMinute),
		Replay:        replay.NewGuard(replayStore, cfg.TimestampSkew),
		Idempotency:   idemStore,
		Exporter:      exporter,
		Sink:          sink,
		Admin: auth.AdminConfig{
			Token:      cfg.AdminToken,
			TOTPSecret: cfg.AdminTOTPSecret,
		},
		IdempotencyTTL: cfg.IdempotencyTTL,
		MaxBodyBytes:   cfg.MaxBodyBytes,
		MetricsEnabled: cfg.MetricsEnabled,
		Version:        config.Version(),
		Checks:         checks,
	})

	httpServer := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	tlsConfig, err := tlspkg.NewServerTLSConfig(tlspkg.ServerConfig{
		Enabled:  cfg.TLSEnabled,
		CertFile: cfg.TLSCertFile,
		KeyFile:  cfg.TLSKeyFile,
	})
	if err != nil {
		logging.Fatal("failed to build server TLS config", logging.F("error", err.Error()))
	}
	httpServer.TLSConfig = tlsConfig

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		logging.Info("telemetry-gate started", logging.F(
			"addr", cfg.ListenAddr,
			"environment", cfg.Environment,
			"export_enabled", cfg.ExportEnabled,
			"key_version", keys.KeyVersion(),
			"tls", cfg.TLSEnabled,
		))
		var err error
		if tlsConfig != nil {
			err = httpServer.ListenAndServeTLS("", "")
		} else {
			err = httpServer.ListenAndServe()
		}
		if err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})

	group.Go(func() error {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		select {
		case sig := <-sigChan:
			logging.Info("shutdown signal received", logging.F("signal", sig.String()))
		case <-groupCtx.Done():
		}

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer shutdownCancel()

		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logging.Error("server shutdown error", logging.F("error", err.Error()))
		}
		if err := exporter.Close(shutdownCtx); err != nil {
			logging.Warn("export queue not fully drained", logging.F("error", err.Error()))
		}
		if db != nil {
			_ = db.Close()
		}
		if redisClient != nil {
			_ = redisClient.Close()
		}
		return nil
	})

	if err := group.Wait(); err != nil {
		logging.Fatal("gateway terminated", logging.F("error", err.Error()))
	}
	logging.Info("shutdown complete")
}
