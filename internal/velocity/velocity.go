// Package velocity resolves campaign creators and tracks how many campaigns
// each creator opened in the last 24 hours.
package velocity

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"time"

	"github.com/opensource-finance/fundguard/internal/domain"
)

const (
	// Window is the creation velocity window.
	Window = 24 * time.Hour

	// FieldCampaignsLast24h is the user field filled by Enrich.
	FieldCampaignsLast24h = "created_campaigns_last_24h"

	// DefaultUserTTL bounds how long a resolved creator is reused.
	DefaultUserTTL = time.Minute
)

// ErrNoSource is returned when neither a cache nor a repository is configured.
var ErrNoSource = errors.New("no velocity source available")

// Service enriches creator documents. Either dependency may be nil.
type Service struct {
	repo    domain.Repository
	cache   domain.Cache
	userTTL time.Duration
	now     func() time.Time
}

// NewService creates a new velocity service.
func NewService(repo domain.Repository, cache domain.Cache, userTTL time.Duration) *Service {
	if userTTL <= 0 {
		userTTL = DefaultUserTTL
	}
	return &Service{
		repo:    repo,
		cache:   cache,
		userTTL: userTTL,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// CreatorID returns the campaign's creator_id, or "" when absent.
func CreatorID(campaign domain.Record) string {
	switch v := campaign.Get("creator_id").(type) {
	case string:
		return v
	case nil:
		return ""
	default:
		return fmt.Sprint(v)
	}
}

func counterKey(creatorID string) string { return "created:" + creatorID }
func userKey(creatorID string) string    { return "user:" + creatorID }

// RecordCreation counts a new campaign against its creator's window.
func (s *Service) RecordCreation(ctx context.Context, creatorID string) (int64, error) {
	if creatorID == "" {
		return 0, fmt.Errorf("creator id is required")
	}
	if s.cache == nil {
		return 0, ErrNoSource
	}
	return s.cache.IncrementCounter(ctx, counterKey(creatorID), Window)
}

// CampaignsLast24h returns the creator's campaign count in the window. A
// live cache counter wins; otherwise the store is counted.
func (s *Service) CampaignsLast24h(ctx context.Context, creatorID string) (int64, error) {
	if creatorID == "" {
		return 0, fmt.Errorf("creator id is required")
	}

	if s.cache != nil {
		n, err := s.cache.GetCounter(ctx, counterKey(creatorID))
		if err == nil && n > 0 {
			return n, nil
		}
		if err != nil {
			slog.Debug("velocity counter unavailable",
				"creator_id", creatorID,
				"error", err,
			)
		}
	}

	if s.repo == nil {
		if s.cache != nil {
			return 0, nil
		}
		return 0, ErrNoSource
	}

	n, err := s.repo.CountCampaignsByCreator(ctx, creatorID, s.now().Add(-Window))
	if err != nil {
		return 0, fmt.Errorf("failed to count campaigns: %w", err)
	}
	return n, nil
}

// ResolveUser finds the campaign's creator: the users store by creator_id,
// then the campaign's embedded user_meta. It returns nil when neither exists.
func (s *Service) ResolveUser(ctx context.Context, campaign domain.Record) domain.Record {
	if id := CreatorID(campaign); id != "" {
		if user := s.lookupUser(ctx, id); user != nil {
			return user
		}
	}

	if meta, ok := campaign.Get("user_meta").(map[string]any); ok && len(meta) > 0 {
		return domain.Record(meta)
	}
	return nil
}

func (s *Service) lookupUser(ctx context.Context, id string) domain.Record {
	if s.cache != nil {
		if user, err := s.cache.GetRecord(ctx, userKey(id)); err == nil && user != nil {
			return user
		}
	}
	if s.repo == nil {
		return nil
	}

	user, err := s.repo.GetUser(ctx, id)
	if err != nil {
		slog.Debug("creator lookup failed", "creator_id", id, "error", err)
		return nil
	}
	if s.cache != nil {
		_ = s.cache.SetRecord(ctx, userKey(id), user, s.userTTL)
	}
	return user
}

// Enrich returns user with created_campaigns_last_24h filled in when the
// field is missing. The input is never modified and an absent user stays
// absent. Lookup failures leave the user as is.
func (s *Service) Enrich(ctx context.Context, campaign, user domain.Record) domain.Record {
	if user.Empty() {
		return user
	}
	if _, ok := user[FieldCampaignsLast24h]; ok {
		return user
	}

	id := CreatorID(campaign)
	if id == "" {
		if uid, ok := user.Get("_id").(string); ok {
			id = uid
		}
	}
	if id == "" {
		return user
	}

	n, err := s.CampaignsLast24h(ctx, id)
	if err != nil {
		slog.Warn("velocity enrichment failed", "creator_id", id, "error", err)
		return user
	}

	out := maps.Clone(user)
	out[FieldCampaignsLast24h] = n
	return out
}
