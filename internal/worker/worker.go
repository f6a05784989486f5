// Package worker scores campaigns asynchronously from the event bus and
// hot-reloads the anomaly model when a new one is published.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/opensource-finance/fundguard/internal/bus"
	"github.com/opensource-finance/fundguard/internal/domain"
	"github.com/opensource-finance/fundguard/internal/metrics"
	"github.com/opensource-finance/fundguard/internal/scoring"
	"github.com/opensource-finance/fundguard/internal/traces"
	"github.com/opensource-finance/fundguard/internal/velocity"
)

// DefaultQueueGroup is the group scorer replicas share for campaign topics.
const DefaultQueueGroup = "fundguard-scorers"

// ErrNoCampaign is returned when an event carries no campaign and none can be loaded.
var ErrNoCampaign = errors.New("campaign not available")

// Worker consumes campaign lifecycle events.
type Worker struct {
	bus     domain.EventBus
	repo    domain.Repository
	scorer  *scoring.Scorer
	users   *velocity.Service
	compact bool

	mu            sync.Mutex
	subscriptions []domain.Subscription
	ctx           context.Context
	cancel        context.CancelFunc
}

// Config holds worker configuration.
type Config struct {
	// QueueGroup load-balances campaign events across replicas; empty
	// means every replica sees every event.
	QueueGroup string

	// CompactDocs drops features_used from persisted fraud documents.
	CompactDocs bool
}

// NewWorker creates a new async worker. repo and users may be nil.
func NewWorker(eventBus domain.EventBus, repo domain.Repository, scorer *scoring.Scorer, users *velocity.Service) *Worker {
	ctx, cancel := context.WithCancel(context.Background())
	return &Worker{
		bus:    eventBus,
		repo:   repo,
		scorer: scorer,
		users:  users,
		ctx:    ctx,
		cancel: cancel,
	}
}

// Start subscribes to campaign events and model announcements.
func (w *Worker) Start(cfg Config) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.compact = cfg.CompactDocs

	for _, topic := range []string{domain.TopicCampaignCreated, domain.TopicCampaignUpdated} {
		sub, err := bus.Subscribe(w.ctx, w.bus, topic, cfg.QueueGroup, w.handleCampaign)
		if err != nil {
			return fmt.Errorf("failed to subscribe to %s: %w", topic, err)
		}
		w.subscriptions = append(w.subscriptions, sub)
	}

	// every replica must reload, so no queue group here
	sub, err := w.bus.Subscribe(w.ctx, domain.TopicModelPublished, w.handleModelPublished)
	if err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", domain.TopicModelPublished, err)
	}
	w.subscriptions = append(w.subscriptions, sub)

	slog.Info("worker started",
		"queue_group", cfg.QueueGroup,
		"subscriptions", len(w.subscriptions),
	)
	return nil
}

func (w *Worker) handleCampaign(ctx context.Context, msg *domain.Message) error {
	err := w.processCampaign(ctx, msg)
	result := "ok"
	if err != nil {
		result = "error"
	}
	metrics.WorkerMessagesTotal.WithLabelValues(msg.Topic, result).Inc()
	return err
}

// processCampaign scores one campaign event, persists the result and
// publishes it.
func (w *Worker) processCampaign(ctx context.Context, msg *domain.Message) error {
	start := time.Now()

	var ev domain.CampaignEvent
	if err := json.Unmarshal(msg.Payload, &ev); err != nil {
		slog.Error("failed to parse campaign event",
			"message_id", msg.ID,
			"error", err,
		)
		return err
	}

	ctx, span := traces.StartSpan(ctx, "worker.processCampaign", traces.CampaignID(ev.CampaignID))
	defer span.End()

	campaign, err := w.loadCampaign(ctx, &ev)
	if err != nil {
		slog.Error("failed to load campaign",
			"campaign_id", ev.CampaignID,
			"error", err,
		)
		return err
	}

	creatorID := ev.CreatorID
	if creatorID == "" {
		creatorID = velocity.CreatorID(campaign)
	}
	if msg.Topic == domain.TopicCampaignCreated && creatorID != "" && w.users != nil {
		if _, err := w.users.RecordCreation(ctx, creatorID); err != nil {
			slog.Debug("failed to record creation", "creator_id", creatorID, "error", err)
		}
	}

	user := ev.User
	if w.users != nil {
		if user.Empty() {
			user = w.users.ResolveUser(ctx, campaign)
		}
		user = w.users.Enrich(ctx, campaign, user)
	}

	res := w.scorer.Score(ctx, campaign, user)
	status := w.scorer.Status(res)

	if w.repo != nil && ev.CampaignID != "" {
		doc := domain.NewFraudDoc(res, status, w.compact)
		audit := &domain.AuditEntry{ID: uuid.NewString(), Action: domain.ActionAutoScored, At: res.ScoredAt}
		if err := w.repo.SaveFraud(ctx, ev.CampaignID, doc, audit); err != nil {
			slog.Error("failed to save fraud result",
				"campaign_id", ev.CampaignID,
				"error", err,
			)
		}
	}

	payload, _ := json.Marshal(domain.ScoredEvent{CampaignID: ev.CampaignID, Status: status, Result: res})
	if err := w.bus.Publish(ctx, domain.TopicCampaignScored, payload); err != nil {
		slog.Error("failed to publish score",
			"campaign_id", ev.CampaignID,
			"error", err,
		)
	}

	if status == domain.StatusFlagged {
		metrics.FlaggedTotal.Inc()
		if err := w.bus.Publish(ctx, domain.TopicCampaignFlagged, payload); err != nil {
			slog.Error("failed to publish flag",
				"campaign_id", ev.CampaignID,
				"error", err,
			)
		}
	}

	slog.Info("campaign scored",
		"campaign_id", ev.CampaignID,
		"status", status,
		"score", res.Score,
		"rule_hits", len(res.RuleHits),
		"duration_ms", time.Since(start).Milliseconds(),
	)

	return nil
}

func (w *Worker) loadCampaign(ctx context.Context, ev *domain.CampaignEvent) (domain.Record, error) {
	if !ev.Campaign.Empty() {
		if ev.CampaignID == "" {
			if id, ok := ev.Campaign.Get("_id").(string); ok {
				ev.CampaignID = id
			}
		}
		return ev.Campaign, nil
	}
	if ev.CampaignID == "" || w.repo == nil {
		return nil, ErrNoCampaign
	}
	return w.repo.GetCampaign(ctx, ev.CampaignID)
}

// handleModelPublished reloads the detector from the artifact store.
func (w *Worker) handleModelPublished(ctx context.Context, msg *domain.Message) error {
	var ev domain.ModelPublishedEvent
	if err := json.Unmarshal(msg.Payload, &ev); err != nil {
		metrics.WorkerMessagesTotal.WithLabelValues(msg.Topic, "error").Inc()
		return err
	}

	detector := w.scorer.Detector()
	if detector == nil {
		return nil
	}

	if err := detector.Load(ctx); err != nil {
		metrics.WorkerMessagesTotal.WithLabelValues(msg.Topic, "error").Inc()
		return err
	}
	metrics.WorkerMessagesTotal.WithLabelValues(msg.Topic, "ok").Inc()

	slog.Info("model reloaded",
		"model_version", detector.Info().Version,
		"announced_version", ev.Version,
	)
	return nil
}

// Stop gracefully stops the worker.
func (w *Worker) Stop() error {
	w.cancel()

	w.mu.Lock()
	defer w.mu.Unlock()
	for _, sub := range w.subscriptions {
		if err := sub.Unsubscribe(); err != nil {
			slog.Error("failed to unsubscribe",
				"topic", sub.Topic(),
				"error", err,
			)
		}
	}
	w.subscriptions = nil

	slog.Info("worker stopped")
	return nil
}

// Stats returns worker statistics.
type Stats struct {
	SubscriptionCount int      `json:"subscription_count"`
	Topics            []string `json:"topics"`
}

// GetStats returns current worker statistics.
func (w *Worker) GetStats() Stats {
	w.mu.Lock()
	defer w.mu.Unlock()

	topics := make([]string, len(w.subscriptions))
	for i, sub := range w.subscriptions {
		topics[i] = sub.Topic()
	}
	return Stats{
		SubscriptionCount: len(w.subscriptions),
		Topics:            topics,
	}
}
