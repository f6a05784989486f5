// FundGuard - Fraud risk scoring for crowdfunding campaigns.
// Copyright (c) 2025 opensource.finance
// Licensed under the Apache License 2.0

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/opensource-finance/fundguard/internal/anomaly"
	"github.com/opensource-finance/fundguard/internal/api"
	"github.com/opensource-finance/fundguard/internal/bus"
	"github.com/opensource-finance/fundguard/internal/cache"
	"github.com/opensource-finance/fundguard/internal/config"
	"github.com/opensource-finance/fundguard/internal/domain"
	"github.com/opensource-finance/fundguard/internal/features"
	"github.com/opensource-finance/fundguard/internal/repository"
	"github.com/opensource-finance/fundguard/internal/rules"
	"github.com/opensource-finance/fundguard/internal/scoring"
	"github.com/opensource-finance/fundguard/internal/sweep"
	"github.com/opensource-finance/fundguard/internal/traces"
	"github.com/opensource-finance/fundguard/internal/velocity"
	"github.com/opensource-finance/fundguard/internal/worker"
)

// Version information (set via ldflags)
var (
	Version   = "dev"
	Commit    = "none"
	BuildDate = "unknown"
)

func main() {
	configPath := flag.String("config", "", "path to YAML config (default $FUNDGUARD_CONFIG)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}
	slog.SetDefault(config.NewLogger(cfg.Logging))

	slog.Info("starting fundguard",
		"version", Version,
		"commit", Commit,
		"build_date", BuildDate,
	)
	slog.Info("configuration loaded",
		"repository", cfg.Repository.Driver,
		"cache", cfg.Cache.Type,
		"eventbus", cfg.EventBus.Type,
		"model_store", cfg.ModelStore.Type,
	)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	shutdownTracing, err := traces.Init(ctx, cfg.Tracing, Version)
	if err != nil {
		slog.Error("failed to initialize tracing", "error", err)
		os.Exit(1)
	}

	repo, err := repository.New(cfg.Repository)
	if err != nil {
		slog.Error("failed to initialize repository", "error", err)
		os.Exit(1)
	}
	defer repo.Close()
	slog.Info("repository initialized", "driver", cfg.Repository.Driver)

	cacheImpl, err := cache.New(cfg.Cache)
	if err != nil {
		slog.Error("failed to initialize cache", "error", err)
		os.Exit(1)
	}
	defer cacheImpl.Close()
	slog.Info("cache initialized", "type", cfg.Cache.Type)

	busImpl, err := bus.New(cfg.EventBus)
	if err != nil {
		slog.Error("failed to initialize event bus", "error", err)
		os.Exit(1)
	}
	defer busImpl.Close()
	slog.Info("event bus initialized", "type", cfg.EventBus.Type)

	store, err := anomaly.OpenStore(cfg.ModelStore, repo)
	if err != nil {
		slog.Error("failed to open model store", "error", err)
		os.Exit(1)
	}
	detector := anomaly.NewDetector(store, features.Names())
	// a missing model is not fatal: scoring continues with rules only
	_ = detector.Load(ctx)

	engine, err := rules.NewEngine()
	if err != nil {
		slog.Error("failed to initialize rule engine", "error", err)
		os.Exit(1)
	}
	slog.Info("rule engine initialized", "rules_count", engine.RulesCount())

	scorer := scoring.NewScorer(engine, detector, cfg.Scoring)
	users := velocity.NewService(repo, cacheImpl, cfg.Cache.UserTTL)
	sweeper := sweep.New(repo, scorer, users, cfg.Sweep)

	asyncWorker := worker.NewWorker(busImpl, repo, scorer, users)
	workerCfg := worker.Config{
		QueueGroup:  envOr("FUNDGUARD_QUEUE_GROUP", worker.DefaultQueueGroup),
		CompactDocs: cfg.Scoring.CompactDocs,
	}
	if err := asyncWorker.Start(workerCfg); err != nil {
		slog.Error("failed to start async worker", "error", err)
		os.Exit(1)
	}

	srv := api.NewServer(cfg.Server, api.Deps{
		Repo:        repo,
		Cache:       cacheImpl,
		Bus:         busImpl,
		Scorer:      scorer,
		Users:       users,
		Sweeper:     sweeper,
		CompactDocs: cfg.Scoring.CompactDocs,
		BaseContext: ctx,
	}, Version)

	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server failed", "error", err)
			os.Exit(1)
		}
	}()

	slog.Info("fundguard is ready",
		"host", cfg.Server.Host,
		"port", cfg.Server.Port,
		"model_loaded", detector.Loaded(),
	)
	printBanner(cfg, Version)

	<-ctx.Done()
	slog.Info("shutting down...")

	if err := asyncWorker.Stop(); err != nil {
		slog.Error("failed to stop async worker", "error", err)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), config.Duration("SHUTDOWN_TIMEOUT", 10*time.Second))
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server forced to shutdown", "error", err)
	}
	if err := shutdownTracing(shutdownCtx); err != nil {
		slog.Error("failed to flush traces", "error", err)
	}

	slog.Info("fundguard shutdown complete")
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func printBanner(cfg *domain.Config, version string) {
	fmt.Println()
	fmt.Println("  FundGuard - campaign fraud scoring")
	fmt.Println()
	fmt.Printf("  Version:  %s\n", version)
	fmt.Printf("  Server:   http://%s:%d\n", cfg.Server.Host, cfg.Server.Port)
	fmt.Println()
	fmt.Println("  Endpoints:")
	fmt.Println("    POST /fraud/score                 - Score a campaign")
	fmt.Println("    GET  /fraud/flagged               - List campaigns by fraud score")
	fmt.Println("    GET  /fraud/campaigns/{id}        - Get a campaign")
	fmt.Println("    POST /fraud/campaigns/{id}/action - Clear, suspend or mark reviewed")
	fmt.Println("    GET  /fraud/model                 - Loaded model info")
	fmt.Println("    POST /fraud/model/reload          - Reload the model")
	fmt.Println("    POST /fraud/rescore               - Re-score every campaign")
	fmt.Println("    GET  /health                      - Health check")
	fmt.Println("    GET  /metrics                     - Prometheus metrics")
	fmt.Println()
}
