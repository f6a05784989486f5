// FundGuard - Fraud risk scoring for crowdfunding campaigns.
// Copyright (c) 2025 opensource.finance
// Licensed under the Apache License 2.0

// Command fundguard-train fits the anomaly model from a CSV export or from
// the stored campaigns and publishes it to the configured model store.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/opensource-finance/fundguard/internal/anomaly"
	"github.com/opensource-finance/fundguard/internal/bus"
	"github.com/opensource-finance/fundguard/internal/cache"
	"github.com/opensource-finance/fundguard/internal/config"
	"github.com/opensource-finance/fundguard/internal/domain"
	"github.com/opensource-finance/fundguard/internal/repository"
	"github.com/opensource-finance/fundguard/internal/training"
	"github.com/opensource-finance/fundguard/internal/velocity"
)

func main() {
	var (
		configPath = flag.String("config", "", "path to YAML config (default $FUNDGUARD_CONFIG)")
		csvPath    = flag.String("csv", "", "train from a CSV export")
		fromStore  = flag.Bool("from-store", false, "train from the campaigns in the repository")
		dryRun     = flag.Bool("dry-run", false, "fit without publishing")
		announce   = flag.Bool("announce", true, "publish fundguard.model.published after training")
	)
	flag.Parse()

	if (*csvPath == "") == !*fromStore {
		fmt.Fprintln(os.Stderr, "exactly one of -csv or -from-store is required")
		flag.Usage()
		os.Exit(2)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}
	slog.SetDefault(config.NewLogger(cfg.Logging))

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, cfg, *csvPath, *fromStore, *dryRun, *announce); err != nil {
		slog.Error("training failed", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *domain.Config, csvPath string, fromStore, dryRun, announce bool) error {
	var repo domain.Repository
	if fromStore || cfg.ModelStore.Type == "sql" {
		r, err := repository.New(cfg.Repository)
		if err != nil {
			return fmt.Errorf("failed to initialize repository: %w", err)
		}
		defer r.Close()
		repo = r
	}

	pairs, err := loadPairs(ctx, cfg, repo, csvPath)
	if err != nil {
		return err
	}
	slog.Info("training data loaded", "rows", len(pairs))

	var store *anomaly.ArtifactStore
	if !dryRun {
		store, err = anomaly.OpenStore(cfg.ModelStore, repo)
		if err != nil {
			return fmt.Errorf("failed to open model store: %w", err)
		}
	}

	a, err := training.NewTrainer(cfg.Training, store).Train(ctx, pairs)
	if err != nil {
		return err
	}
	fmt.Printf("trained %s on %d samples\n", a.Version, a.NumSamples)

	if dryRun || !announce {
		return nil
	}

	busImpl, err := bus.New(cfg.EventBus)
	if err != nil {
		return fmt.Errorf("failed to initialize event bus: %w", err)
	}
	defer busImpl.Close()

	pubCtx, pubCancel := context.WithTimeout(ctx, config.Duration("ANNOUNCE_TIMEOUT", 5*time.Second))
	defer pubCancel()
	if err := training.Announce(pubCtx, busImpl, a); err != nil {
		// the artifact is already published; servers pick it up on reload
		slog.Warn("failed to announce model", "model_version", a.Version, "error", err)
	}
	return nil
}

func loadPairs(ctx context.Context, cfg *domain.Config, repo domain.Repository, csvPath string) ([]training.Pair, error) {
	if csvPath != "" {
		f, err := os.Open(csvPath)
		if err != nil {
			return nil, err
		}
		defer f.Close()
		return training.ReadCSV(f, time.Now().UTC())
	}

	if repo == nil {
		return nil, errors.New("repository is required to train from store")
	}
	cacheImpl, err := cache.New(cfg.Cache)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize cache: %w", err)
	}
	defer cacheImpl.Close()

	users := velocity.NewService(repo, cacheImpl, cfg.Cache.UserTTL)
	return training.FromStore(ctx, repo, users)
}
