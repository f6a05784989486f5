// Package sweep re-scores every stored campaign with the current rules and
// model. A sweep is idempotent: running it again simply overwrites each
// campaign's fraud document with a fresh result.
package sweep

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/opensource-finance/fundguard/internal/domain"
	"github.com/opensource-finance/fundguard/internal/metrics"
	"github.com/opensource-finance/fundguard/internal/scoring"
	"github.com/opensource-finance/fundguard/internal/velocity"
)

// ErrRunning is returned when a sweep is already in progress.
var ErrRunning = errors.New("sweep already running")

// progressEvery controls how often progress is logged.
const progressEvery = 200

// Report summarizes one sweep.
type Report struct {
	Scored     int64         `json:"scored"`
	Failed     int64         `json:"failed"`
	Duration   time.Duration `json:"-"`
	DurationMS int64         `json:"duration_ms"`
	StartedAt  time.Time     `json:"started_at"`
	Err        string        `json:"error,omitempty"`
}

// Sweeper runs at most one sweep at a time.
type Sweeper struct {
	repo    domain.Repository
	scorer  *scoring.Scorer
	users   *velocity.Service
	workers int

	running atomic.Bool
	last    atomic.Pointer[Report]
}

// New creates a sweeper. users may be nil, in which case only embedded
// user_meta is used as the creator.
func New(repo domain.Repository, scorer *scoring.Scorer, users *velocity.Service, cfg domain.SweepConfig) *Sweeper {
	workers := cfg.Workers
	if workers < 1 {
		workers = 1
	}
	return &Sweeper{repo: repo, scorer: scorer, users: users, workers: workers}
}

// Running reports whether a sweep is in progress.
func (s *Sweeper) Running() bool {
	return s.running.Load()
}

// Last returns the report of the most recent finished sweep, or nil.
func (s *Sweeper) Last() *Report {
	return s.last.Load()
}

// Start launches a sweep in the background.
func (s *Sweeper) Start(ctx context.Context) error {
	if !s.running.CompareAndSwap(false, true) {
		return ErrRunning
	}
	go func() {
		defer s.running.Store(false)
		if _, err := s.run(ctx); err != nil {
			slog.Error("sweep aborted", "error", err)
		}
	}()
	return nil
}

// Run performs a sweep and waits for it. Per-record failures are counted
// in the report; the error is only for an aborted iteration.
func (s *Sweeper) Run(ctx context.Context) (*Report, error) {
	if !s.running.CompareAndSwap(false, true) {
		return nil, ErrRunning
	}
	defer s.running.Store(false)
	return s.run(ctx)
}

func (s *Sweeper) run(ctx context.Context) (*Report, error) {
	start := time.Now()
	var scored, failed atomic.Int64

	slog.Info("sweep started", "workers", s.workers)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.workers)

	iterErr := s.repo.ForEachCampaign(gctx, func(id string, campaign domain.Record) error {
		g.Go(func() error {
			if err := s.scoreOne(gctx, id, campaign); err != nil {
				failed.Add(1)
				metrics.SweepRecordsTotal.WithLabelValues("failed").Inc()
				slog.Warn("sweep record failed", "campaign_id", id, "error", err)
				return nil
			}
			if n := scored.Add(1); n%progressEvery == 0 {
				slog.Info("sweep progress", "scored", n)
			}
			metrics.SweepRecordsTotal.WithLabelValues("scored").Inc()
			return nil
		})
		return nil
	})
	_ = g.Wait()

	elapsed := time.Since(start)
	report := &Report{
		Scored:     scored.Load(),
		Failed:     failed.Load(),
		Duration:   elapsed,
		DurationMS: elapsed.Milliseconds(),
		StartedAt:  start.UTC(),
	}
	if iterErr != nil {
		report.Err = iterErr.Error()
	}
	s.last.Store(report)

	slog.Info("sweep complete",
		"scored", report.Scored,
		"failed", report.Failed,
		"duration_ms", report.DurationMS,
	)

	if iterErr != nil {
		return report, fmt.Errorf("campaign iteration failed: %w", iterErr)
	}
	return report, nil
}

func (s *Sweeper) scoreOne(ctx context.Context, id string, campaign domain.Record) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic scoring campaign: %v", r)
		}
	}()

	var user domain.Record
	if s.users != nil {
		user = s.users.ResolveUser(ctx, campaign)
		user = s.users.Enrich(ctx, campaign, user)
	} else if meta, ok := campaign.Get("user_meta").(map[string]any); ok {
		user = meta
	}

	res := s.scorer.Score(ctx, campaign, user)
	doc := domain.NewFraudDoc(res, s.scorer.Status(res), true)
	return s.repo.SaveFraud(ctx, id, doc, nil)
}
