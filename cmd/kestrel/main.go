// Kestrel - Risk scoring and audit for Bitcoin transaction compliance.
// Copyright (c) 2025 opensource.finance
// Licensed under the Apache License 2.0

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/opensource-finance/kestrel/internal/alert"
	"github.com/opensource-finance/kestrel/internal/api"
	"github.com/opensource-finance/kestrel/internal/audit"
	"github.com/opensource-finance/kestrel/internal/bus"
	"github.com/opensource-finance/kestrel/internal/cache"
	"github.com/opensource-finance/kestrel/internal/chain"
	"github.com/opensource-finance/kestrel/internal/config"
	"github.com/opensource-finance/kestrel/internal/decision"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/history"
	"github.com/opensource-finance/kestrel/internal/logging"
	"github.com/opensource-finance/kestrel/internal/pipeline"
	"github.com/opensource-finance/kestrel/internal/policy"
	"github.com/opensource-finance/kestrel/internal/repository"
	"github.com/opensource-finance/kestrel/internal/rules"
	"github.com/opensource-finance/kestrel/internal/scoring"
	"github.com/opensource-finance/kestrel/internal/telemetry"
	"github.com/opensource-finance/kestrel/internal/worker"
)

// Version information (set via ldflags)
var (
	Version   = "dev"
	Commit    = "none"
	BuildDate = "unknown"
)

func main() {
	if err := run(); err != nil {
		slog.Error("kestrel failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	// Load configuration
	configPath := os.Getenv(config.EnvPrefix + "CONFIG")
	if configPath == "" {
		configPath = "kestrel.yaml"
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	slog.SetDefault(logging.New(cfg.Logging.Level, cfg.Logging.Format))

	slog.Info("starting kestrel",
		"version", Version,
		"commit", Commit,
		"build_date", BuildDate,
	)
	slog.Info("configuration loaded",
		"tier", cfg.Tier,
		"repository", cfg.Repository.Driver,
		"ledger", cfg.Ledger.Driver,
		"cache", cfg.Cache.Type,
		"eventbus", cfg.EventBus.Type,
		"alerts", cfg.Alerts.Type,
	)

	// Create context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle shutdown signals
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		slog.Info("received shutdown signal", "signal", sig)
		cancel()
	}()

	shutdownTracing, err := telemetry.Init(ctx, cfg.Tracing, Version)
	if err != nil {
		return fmt.Errorf("failed to initialize tracing: %w", err)
	}
	defer func() {
		flushCtx, flushCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer flushCancel()
		if err := shutdownTracing(flushCtx); err != nil {
			slog.Error("failed to flush traces", "error", err)
		}
	}()

	// Initialize Repository
	repo, err := repository.New(cfg.Repository)
	if err != nil {
		return fmt.Errorf("failed to initialize repository: %w", err)
	}
	defer repo.Close()
	slog.Info("repository initialized", "driver", cfg.Repository.Driver)

	// Initialize Ledger
	ledgerStore, err := audit.OpenStore(cfg.Ledger, repo)
	if err != nil {
		return fmt.Errorf("failed to open ledger store: %w", err)
	}
	ledger, err := audit.NewLedger(ctx, ledgerStore, cfg.Ledger.PageSize)
	if err != nil {
		return fmt.Errorf("failed to open ledger: %w", err)
	}
	if cfg.Ledger.Driver == "pebble" || cfg.Ledger.Driver == "memory" {
		defer ledger.Close()
	}
	slog.Info("ledger initialized", "driver", cfg.Ledger.Driver, "head", ledger.Head())

	// Initialize Cache
	cacheImpl, err := cache.New(cfg.Cache)
	if err != nil {
		return fmt.Errorf("failed to initialize cache: %w", err)
	}
	defer cacheImpl.Close()
	slog.Info("cache initialized", "type", cfg.Cache.Type)

	// Initialize EventBus
	busImpl, err := bus.New(cfg.EventBus)
	if err != nil {
		return fmt.Errorf("failed to initialize event bus: %w", err)
	}
	defer busImpl.Close()
	slog.Info("event bus initialized", "type", cfg.EventBus.Type)

	// Initialize History
	hist := history.NewService(cacheImpl, repo, cfg.History)
	if err := hist.Restore(ctx); err != nil {
		return err
	}

	// Initialize Rule Engine
	engine, err := rules.NewEngine(cfg.Scoring.RuleWorkers)
	if err != nil {
		return fmt.Errorf("failed to initialize rule engine: %w", err)
	}

	// Initialize Model Registry
	models := scoring.DefaultRegistry()
	for _, version := range cfg.Scoring.RemoteModels {
		if err := models.Register(scoring.NewRemoteModel(version, busImpl)); err != nil {
			return fmt.Errorf("failed to register remote model %s: %w", version, err)
		}
	}
	slog.Info("model registry initialized", "models", models.Versions())

	// Restore the live policy
	policies := policy.NewStore(engine, models, repo, cfg.Policy.Path)
	snap, err := policies.Restore(ctx)
	if err != nil {
		return fmt.Errorf("failed to restore policy: %w", err)
	}
	slog.Info("policy initialized",
		"version", snap.Policy.Version,
		"model_version", snap.Policy.ModelVersion,
		"rules_count", snap.Rules.Len(),
	)

	// Initialize Alerts
	notifier, err := alert.New(cfg.Alerts, busImpl)
	if err != nil {
		return fmt.Errorf("failed to initialize alerts: %w", err)
	}
	defer notifier.Close()

	decoder, err := chain.NewDecoder(cfg.Chain)
	if err != nil {
		return fmt.Errorf("failed to initialize chain decoder: %w", err)
	}

	// A sequence conflict means another writer shares the ledger; stop the process.
	var (
		fatalOnce sync.Once
		fatalErr  error
	)
	onFatal := func(err error) {
		fatalOnce.Do(func() {
			fatalErr = err
			cancel()
		})
	}

	pl := pipeline.New(pipeline.Components{
		History:  hist,
		Engine:   engine,
		Scorer:   scoring.NewScorer(models, cfg.Scoring.ModelTimeout),
		Decider:  decision.NewProcessor(),
		Ledger:   ledger,
		Policies: policies,
		Notifier: notifier,
	}, pipeline.Options{
		BatchLimit:   cfg.Scoring.BatchLimit,
		AlertTimeout: cfg.Alerts.Timeout,
		OnFatal:      onFatal,
	})

	var asyncWorker *worker.Worker
	if cfg.Worker.Enabled {
		asyncWorker = worker.NewWorker(busImpl, pl, onFatal)
		if err := asyncWorker.Start(); err != nil {
			return fmt.Errorf("failed to start async worker: %w", err)
		}
		slog.Info("async worker started", "topic", domain.TopicTransactionIngested)
	}

	// Initialize Server
	srv := api.NewServer(cfg.Server, api.Dependencies{
		Pipeline: pl,
		Ledger:   ledger,
		Policies: policies,
		History:  hist,
		Decoder:  decoder,
		Models:   models,
		Checks: map[string]api.Pinger{
			"repository": repo,
			"ledger":     ledger,
			"cache":      cacheImpl,
			"eventbus":   busImpl,
		},
		Version: Version,
	})

	serverErr := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	slog.Info("kestrel is ready",
		"host", cfg.Server.Host,
		"port", cfg.Server.Port,
	)

	printBanner(cfg, Version)

	// Wait for shutdown signal
	select {
	case <-ctx.Done():
	case err := <-serverErr:
		return fmt.Errorf("server failed: %w", err)
	}
	slog.Info("shutting down...")

	// Stop async worker first
	if asyncWorker != nil {
		if err := asyncWorker.Stop(); err != nil {
			slog.Error("failed to stop async worker", "error", err)
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server forced to shutdown", "error", err)
	}
	pl.WaitAlerts()

	fatalOnce.Do(func() {})
	if fatalErr != nil {
		return fmt.Errorf("ledger writer stopped: %w", fatalErr)
	}

	slog.Info("kestrel shutdown complete")
	return nil
}

func printBanner(cfg *domain.Config, version string) {
	fmt.Println()
	fmt.Println("  ╔═══════════════════════════════════════════╗")
	fmt.Println("  ║                 KESTREL                   ║")
	fmt.Println("  ║   Bitcoin Transaction Risk & Compliance   ║")
	fmt.Println("  ╚═══════════════════════════════════════════╝")
	fmt.Println()
	fmt.Printf("  Version:  %s\n", version)
	fmt.Printf("  Tier:     %s\n", cfg.Tier)
	fmt.Printf("  Chain:    %s (%s)\n", cfg.Chain.ID, cfg.Chain.Network)
	fmt.Printf("  Server:   http://%s:%d\n", cfg.Server.Host, cfg.Server.Port)
	fmt.Println()
	fmt.Println("  Endpoints:")
	fmt.Println("    POST /score                     - Score a transaction")
	fmt.Println("    POST /score/batch               - Score independent transactions")
	fmt.Println("    POST /score/raw                 - Score a raw Bitcoin transaction")
	fmt.Println("    GET  /audit                     - Read the audit ledger")
	fmt.Println("    GET  /audit/{seq}               - Get an audit entry")
	fmt.Println("    GET  /audit/tx/{txId}           - Audit entries for a transaction")
	fmt.Println("    POST /audit/{seq}/replay        - Re-score a recorded decision")
	fmt.Println("    GET  /policy                    - Show the live policy")
	fmt.Println("    PUT  /policy                    - Apply a new policy")
	fmt.Println("    POST /policy/reload             - Hot-reload the policy file")
	fmt.Println("    PUT  /counterparties/{chain}    - Load a counterparty risk table")
	fmt.Println("    GET  /health                    - Health check")
	fmt.Println("    GET  /metrics                   - Prometheus metrics")
	fmt.Println()
}
