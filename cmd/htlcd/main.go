package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"htlcbridge/config"
	"htlcbridge/core"
	"htlcbridge/integrations/kafka"
	"htlcbridge/journal"
	"htlcbridge/observability/logging"
	htlcotel "htlcbridge/observability/otel"
	"htlcbridge/rpc"
	"htlcbridge/storage"
	"htlcbridge/storage/idempotency"
)

const serviceName = "htlcd"

func main() {
	configFile := flag.String("config", "./htlcd.toml", "Path to the configuration file (TOML or YAML)")
	genesisFlag := flag.String("genesis", "", "Path to a genesis JSON file (overrides the Genesis section)")
	flag.Parse()

	cfg, err := config.Load(*configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	if trimmed := strings.TrimSpace(*genesisFlag); trimmed != "" {
		cfg.Genesis.File = trimmed
	}

	env := cfg.Log.Env
	if fromEnv := strings.TrimSpace(os.Getenv("HTLC_ENV")); fromEnv != "" {
		env = fromEnv
	}
	logger := logging.SetupWithOptions(logging.Options{
		Service:    serviceName,
		Env:        env,
		Level:      cfg.Log.Level,
		File:       cfg.Log.File,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
	})

	if err := run(cfg, env, logger); err != nil {
		logger.Error("htlcd stopped", slog.Any("error", err))
		os.Exit(1)
	}
}

func run(cfg *config.Config, env string, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTelemetry, err := htlcotel.Init(ctx, htlcotel.Config{
		ServiceName: serviceName,
		Environment: env,
		Endpoint:    cfg.Telemetry.Endpoint,
		Insecure:    cfg.Telemetry.Insecure,
		Headers:     htlcotel.ParseHeaders(cfg.Telemetry.Headers),
		Metrics:     cfg.Telemetry.Metrics,
		Traces:      cfg.Telemetry.Traces,
	})
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(flushCtx); err != nil {
			logger.Warn("telemetry shutdown failed", slog.Any("error", err))
		}
	}()

	profile, err := cfg.Profile.Resolve()
	if err != nil {
		return fmt.Errorf("resolve profile: %w", err)
	}
	genesisSpec, err := cfg.Genesis.Spec()
	if err != nil {
		return fmt.Errorf("load genesis: %w", err)
	}
	resolvedGenesis, err := genesisSpec.Resolve()
	if err != nil {
		return fmt.Errorf("resolve genesis: %w", err)
	}

	db, err := openDatabase(cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	var sinks []core.EventSink
	var events rpc.EventSource
	if cfg.Journal.Enabled {
		if err := os.MkdirAll(filepath.Dir(cfg.Journal.Path), 0o755); err != nil {
			return fmt.Errorf("prepare journal directory: %w", err)
		}
		jr, err := journal.Open(cfg.Journal.Path)
		if err != nil {
			return fmt.Errorf("open journal: %w", err)
		}
		defer jr.Close()
		lastSeq, err := jr.LastSequence(ctx)
		if err != nil {
			return fmt.Errorf("read journal: %w", err)
		}
		logger.Info("event journal open", slog.String("path", cfg.Journal.Path), slog.Int64("last_sequence", lastSeq))
		sinks = append(sinks, jr)
		events = jr
	}
	if cfg.Kafka.Enabled {
		publisher, err := kafka.NewPublisher(kafka.Config{
			Brokers:      cfg.Kafka.Brokers,
			Topic:        cfg.Kafka.Topic,
			BatchTimeout: time.Duration(cfg.Kafka.BatchTimeoutMillis) * time.Millisecond,
		})
		if err != nil {
			return fmt.Errorf("kafka publisher: %w", err)
		}
		defer publisher.Close()
		sinks = append(sinks, publisher)
	}

	ledger, err := core.NewLedger(db, core.Options{Profile: profile, Logger: logger, Sinks: sinks})
	if err != nil {
		return fmt.Errorf("open ledger: %w", err)
	}
	if err := ledger.InitGenesis(resolvedGenesis); err != nil {
		return fmt.Errorf("apply genesis: %w", err)
	}
	height, _ := ledger.Height()
	active := ledger.Profile()
	logger.Info("ledger ready",
		slog.Uint64("height", height),
		slog.String("root", ledger.Root().Hex()),
		slog.String("backend", cfg.Backend),
		slog.Bool("strict", active.StrictValidation),
		slog.Bool("retain_on_claim", active.RetainOnClaim),
		slog.Bool("expiry_enforced", active.ExpiryEnforced),
		slog.String("amount_source", active.AmountSource.String()),
		slog.String("digest", string(active.Digest)))

	jwtSecret, err := cfg.RPC.ResolveJWTSecret()
	if err != nil {
		return err
	}
	authToken := cfg.RPC.ResolveAuthToken()
	if authToken == "" && len(jwtSecret) == 0 {
		logger.Warn("no RPC credentials configured; announce, claim and cancel will be rejected")
	}
	var results rpc.ResultCache
	if cfg.Results.Enabled {
		if err := os.MkdirAll(filepath.Dir(cfg.Results.Path), 0o755); err != nil {
			return fmt.Errorf("prepare result cache directory: %w", err)
		}
		store, err := idempotency.Open(cfg.Results.Path, time.Duration(cfg.Results.TTLMinutes)*time.Minute, nil)
		if err != nil {
			return fmt.Errorf("open result cache: %w", err)
		}
		defer store.Close()
		pruned, err := store.Prune()
		if err != nil {
			return fmt.Errorf("prune result cache: %w", err)
		}
		logger.Info("result cache open", slog.String("path", cfg.Results.Path), slog.Int("pruned", pruned))
		results = store
	}
	server := rpc.NewServer(ledger, events, rpc.ServerConfig{
		AuthToken:          authToken,
		JWTSecret:          jwtSecret,
		JWTIssuer:          cfg.RPC.JWTIssuer,
		RateLimitPerSecond: cfg.RPC.RateLimitPerSecond,
		RateLimitBurst:     cfg.RPC.RateLimitBurst,
		ReadTimeout:        time.Duration(cfg.RPC.ReadTimeoutSeconds) * time.Second,
		WriteTimeout:       time.Duration(cfg.RPC.WriteTimeoutSeconds) * time.Second,
		MaxConnections:     cfg.RPC.MaxConnections,
		Results:            results,
	}, logger)

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- server.Start(cfg.RPC.Address)
	}()

	select {
	case err := <-serveErr:
		return err
	case <-ctx.Done():
	}
	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("rpc shutdown: %w", err)
	}
	return <-serveErr
}

func openDatabase(cfg *config.Config) (storage.Database, error) {
	switch cfg.Backend {
	case config.BackendMemory:
		return storage.NewMemDB(), nil
	default:
		if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
			return nil, fmt.Errorf("prepare data directory: %w", err)
		}
		db, err := storage.NewLevelDBWithOptions(filepath.Join(cfg.DataDir, "state"), storage.LevelDBOptions{
			CacheMiB: cfg.LevelDB.CacheMiB,
			Handles:  cfg.LevelDB.Handles,
		})
		if err != nil {
			return nil, err
		}
		return db, nil
	}
}
