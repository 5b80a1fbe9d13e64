package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"vault-fee-tracker/internal/config"
	"vault-fee-tracker/internal/engine"
	"vault-fee-tracker/internal/gateway"
	"vault-fee-tracker/internal/ledger"
	"vault-fee-tracker/internal/observability"
	"vault-fee-tracker/internal/registry"
	"vault-fee-tracker/internal/solana"
	"vault-fee-tracker/internal/storage"
	chstore "vault-fee-tracker/internal/storage/clickhouse"
	"vault-fee-tracker/internal/storage/memory"
	"vault-fee-tracker/internal/storage/migrations"
	pgstore "vault-fee-tracker/internal/storage/postgres"
	"vault-fee-tracker/internal/subs"
)

func main() {
	configPath := flag.String("config", "", "Path to YAML config file")
	mode := flag.String("mode", "", "Run mode override: poll or push")
	rpcEndpoint := flag.String("rpc-endpoint", "", "RPC HTTP endpoint override")
	wsEndpoint := flag.String("ws-endpoint", "", "WebSocket endpoint override")
	metricsAddr := flag.String("metrics-addr", "", "Metrics HTTP address override (empty keeps config)")
	debug := flag.Bool("debug", false, "Enable debug logging")

	flag.Parse()

	logger, err := newLogger(*debug)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Fatal("load config", zap.Error(err))
	}
	applyOverrides(cfg, *mode, *rpcEndpoint, *wsEndpoint, *metricsAddr)
	if err := cfg.Validate(); err != nil {
		logger.Fatal("invalid config", zap.Error(err))
	}

	metrics := observability.NewMetrics("")

	// Metrics and health server
	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", observability.Handler())
		mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
			w.Write([]byte("ok"))
		})
		logger.Info("metrics server listening", zap.String("addr", cfg.Metrics.Addr))
		if err := http.ListenAndServe(cfg.Metrics.Addr, mux); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server", zap.Error(err))
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Graceful shutdown: first signal cancels, second forces exit.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	done := make(chan struct{})
	go func() {
		sig := <-sigCh
		logger.Info("shutting down", zap.Stringer("signal", sig))
		cancel()

		select {
		case <-sigCh:
			logger.Warn("forcing immediate shutdown")
			os.Exit(1)
		case <-time.After(30 * time.Second):
			logger.Warn("graceful shutdown timed out")
			os.Exit(1)
		case <-done:
		}
	}()

	err = run(ctx, cfg, metrics, logger)
	close(done)

	if err != nil && !errors.Is(err, context.Canceled) {
		logger.Fatal("tracker stopped", zap.Error(err))
	}
	logger.Info("shutdown complete")
}

func run(ctx context.Context, cfg *config.Config, metrics *observability.Metrics, logger *zap.Logger) error {
	rpc := solana.NewHTTPClient(cfg.RPC.Endpoint, solana.WithTimeout(cfg.RPC.Timeout))

	gw := gateway.New(rpc, gateway.Config{
		MaxRetries:    uint(cfg.Gateway.MaxRetries),
		RetryDelay:    cfg.Gateway.RetryDelay,
		MaxDelay:      cfg.Gateway.MaxDelay,
		MaxJitter:     cfg.Gateway.MaxJitter,
		BatchPageSize: cfg.Gateway.BatchPageSize,
		Breaker: gateway.BreakerConfig{
			FailureThreshold: cfg.Gateway.FailureThreshold,
			ResetTimeout:     cfg.Gateway.ResetTimeout,
			SuccessThreshold: cfg.Gateway.SuccessThreshold,
			OnStateChange: func(from, to gateway.CircuitState) {
				metrics.BreakerState.Set(float64(to))
				logger.Warn("breaker state changed",
					zap.Stringer("from", from),
					zap.Stringer("to", to))
			},
		},
	}, logger)

	reg := registry.New(cfg.Engine.AssetCapacity, logger)

	led, validation, err := ledger.Open(cfg.Ledger.Path, logger)
	if err != nil {
		return fmt.Errorf("open ledger: %w", err)
	}
	defer led.Close()
	if validation != nil && !validation.Valid {
		logger.Error("ledger failed validation on open",
			zap.Int64("firstBadSequence", validation.FirstBadSequence),
			zap.String("reason", validation.Reason))
	}

	store, cleanup, err := openStore(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("open fee event store: %w", err)
	}
	if cleanup != nil {
		defer cleanup()
	}

	projStore := engine.NewProjectionStore(cfg.Ledger.ProjectionPath, cfg.Ledger.BackupRetention, logger)

	eng, err := engine.New(engine.Config{
		Owner:             cfg.Engine.Owner,
		PrimaryVault:      cfg.Engine.PrimaryVault,
		SecondaryVault:    cfg.Engine.SecondaryVault,
		CurveProgram:      cfg.Engine.CurveProgram,
		PoolProgram:       cfg.Engine.PoolProgram,
		MetadataProgram:   cfg.Engine.MetadataProgram,
		Mints:             cfg.Engine.Mints,
		PollInterval:      cfg.Engine.PollInterval,
		SignatureLookback: cfg.Engine.SignatureLookback,
		SeenCapacity:      cfg.Engine.SeenCapacity,
	}, gw, reg, led, store, projStore, metrics, logger)
	if err != nil {
		return fmt.Errorf("create engine: %w", err)
	}

	if err := eng.Bootstrap(ctx); err != nil {
		return fmt.Errorf("bootstrap: %w", err)
	}

	switch cfg.Engine.Mode {
	case config.ModePush:
		mgr, err := subs.Dial(ctx, cfg.WS.Endpoint, subs.Config{
			ReconnectDelay:       cfg.WS.ReconnectDelay,
			MaxReconnectDelay:    cfg.WS.MaxReconnectDelay,
			MaxReconnectAttempts: cfg.WS.MaxReconnectAttempts,
			PingInterval:         cfg.WS.PingInterval,
			OnReconnectAttempt: func(int) {
				metrics.Reconnects.Inc()
			},
		}, logger)
		if err != nil {
			return fmt.Errorf("dial websocket: %w", err)
		}
		defer mgr.Close()
		return eng.RunPush(ctx, mgr)
	default:
		return eng.RunPoll(ctx)
	}
}

// openStore builds the optional fee event archive selected in config.
func openStore(ctx context.Context, cfg *config.Config, logger *zap.Logger) (storage.FeeEventStore, func(), error) {
	switch cfg.Storage.Backend {
	case config.BackendNone:
		return nil, nil, nil
	case config.BackendMemory:
		return memory.NewFeeEventStore(), nil, nil
	case config.BackendPostgres:
		pool, err := pgstore.NewPool(ctx, cfg.Storage.PostgresDSN)
		if err != nil {
			return nil, nil, err
		}
		if err := migrations.RunPostgresMigrations(ctx, pool); err != nil {
			pool.Close()
			return nil, nil, err
		}
		logger.Info("postgres archive ready")
		return pgstore.NewFeeEventStore(pool), pool.Close, nil
	case config.BackendClickHouse:
		conn, err := migrations.RunClickhouseMigrations(ctx, cfg.Storage.ClickHouseDSN)
		if err != nil {
			return nil, nil, err
		}
		logger.Info("clickhouse archive ready")
		return chstore.NewFeeTimeseriesStore(conn), func() { conn.Close() }, nil
	default:
		return nil, nil, fmt.Errorf("unknown storage backend %q", cfg.Storage.Backend)
	}
}

func applyOverrides(cfg *config.Config, mode, rpcEndpoint, wsEndpoint, metricsAddr string) {
	if mode != "" {
		cfg.Engine.Mode = mode
	}
	if rpcEndpoint != "" {
		cfg.RPC.Endpoint = rpcEndpoint
	}
	if wsEndpoint != "" {
		cfg.WS.Endpoint = wsEndpoint
	}
	if metricsAddr != "" {
		cfg.Metrics.Addr = metricsAddr
	}
}

func newLogger(debug bool) (*zap.Logger, error) {
	if debug {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}
