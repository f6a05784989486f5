package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/opensource-finance/fundguard/internal/anomaly"
	"github.com/opensource-finance/fundguard/internal/domain"
	"github.com/opensource-finance/fundguard/internal/metrics"
	"github.com/opensource-finance/fundguard/internal/repository"
	"github.com/opensource-finance/fundguard/internal/scoring"
	"github.com/opensource-finance/fundguard/internal/sweep"
	"github.com/opensource-finance/fundguard/internal/velocity"
)

const (
	defaultMinScore = 0.3
	defaultAdmin    = "system"
)

// Deps are the services the handlers use. Everything but Scorer may be nil.
type Deps struct {
	Repo    domain.Repository
	Cache   domain.Cache
	Bus     domain.EventBus
	Scorer  *scoring.Scorer
	Users   *velocity.Service
	Sweeper *sweep.Sweeper

	// CompactDocs drops features_used from persisted fraud documents.
	CompactDocs bool

	// BaseContext outlives requests and parents background sweeps.
	BaseContext context.Context
}

// Handler holds dependencies for API handlers.
type Handler struct {
	repo    domain.Repository
	cache   domain.Cache
	bus     domain.EventBus
	scorer  *scoring.Scorer
	users   *velocity.Service
	sweeper *sweep.Sweeper
	compact bool
	baseCtx context.Context
	version string
	now     func() time.Time
}

// NewHandler creates a new API handler.
func NewHandler(deps Deps, version string) *Handler {
	base := deps.BaseContext
	if base == nil {
		base = context.Background()
	}
	return &Handler{
		repo:    deps.Repo,
		cache:   deps.Cache,
		bus:     deps.Bus,
		scorer:  deps.Scorer,
		users:   deps.Users,
		sweeper: deps.Sweeper,
		compact: deps.CompactDocs,
		baseCtx: base,
		version: version,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// ScoreRequest is the request body for POST /fraud/score.
type ScoreRequest struct {
	Campaign domain.Record `json:"campaign"`
	User     domain.Record `json:"user"`
	Persist  *bool         `json:"persist,omitempty"`
}

// ActionRequest is the request body for POST /fraud/campaigns/{id}/action.
type ActionRequest struct {
	Action    domain.ReviewAction `json:"action"`
	Comment   string              `json:"comment"`
	AdminUser string              `json:"admin_user"`
}

// Score handles POST /fraud/score. The result is written back to the
// campaign when persist is unset or true and the campaign carries an _id.
func (h *Handler) Score(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req ScoreRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON request body")
		return
	}
	if req.Campaign == nil {
		req.Campaign = domain.Record{}
	}

	user := req.User
	if h.users != nil {
		user = h.users.Enrich(ctx, req.Campaign, user)
	}

	res := h.scorer.Score(ctx, req.Campaign, user)
	status := h.scorer.Status(res)
	if status == domain.StatusFlagged {
		metrics.FlaggedTotal.Inc()
	}

	persist := req.Persist == nil || *req.Persist
	id, _ := req.Campaign.Get("_id").(string)
	if persist && id != "" && h.repo != nil {
		doc := domain.NewFraudDoc(res, status, h.compact)
		audit := &domain.AuditEntry{ID: uuid.NewString(), Action: domain.ActionAutoScored, At: h.now()}
		// a failed write does not fail the score
		if err := h.repo.SaveFraud(ctx, id, doc, audit); err != nil {
			slog.Error("failed to persist fraud result",
				"campaign_id", id,
				"error", err,
			)
		}
	}

	writeJSON(w, http.StatusOK, res)
}

// ListFlagged handles GET /fraud/flagged.
func (h *Handler) ListFlagged(w http.ResponseWriter, r *http.Request) {
	if h.repo == nil {
		writeError(w, http.StatusServiceUnavailable, "repository not available")
		return
	}

	q := domain.FlaggedQuery{
		MinScore: defaultMinScore,
		Limit:    repository.DefaultFlaggedLimit,
		Status:   domain.FraudStatus(r.URL.Query().Get("status")),
	}
	if v := r.URL.Query().Get("min_score"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "min_score must be a number")
			return
		}
		q.MinScore = f
	}
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		q.Limit = n
	}

	docs, err := h.repo.ListFlagged(r.Context(), q)
	if err != nil {
		slog.Error("failed to list flagged campaigns", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to list flagged campaigns")
		return
	}

	writeJSON(w, http.StatusOK, docs)
}

// GetCampaign handles GET /fraud/campaigns/{id}.
func (h *Handler) GetCampaign(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if h.repo == nil {
		writeError(w, http.StatusServiceUnavailable, "repository not available")
		return
	}

	campaign, err := h.repo.GetCampaign(r.Context(), id)
	if errors.Is(err, repository.ErrNotFound) {
		writeError(w, http.StatusNotFound, "campaign not found")
		return
	}
	if err != nil {
		slog.Error("failed to get campaign", "campaign_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to get campaign")
		return
	}

	writeJSON(w, http.StatusOK, campaign)
}

// Action handles POST /fraud/campaigns/{id}/action.
func (h *Handler) Action(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := chi.URLParam(r, "id")

	var req ActionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON request body")
		return
	}
	status, ok := req.Action.StatusFor()
	if !ok {
		writeError(w, http.StatusBadRequest, "unknown action")
		return
	}
	if h.repo == nil {
		writeError(w, http.StatusServiceUnavailable, "repository not available")
		return
	}

	admin := req.AdminUser
	if admin == "" {
		admin = defaultAdmin
	}
	audit := &domain.AuditEntry{
		ID:      uuid.NewString(),
		Admin:   admin,
		Action:  req.Action,
		Comment: req.Comment,
		At:      h.now(),
	}

	err := h.repo.ApplyReview(ctx, id, status, audit)
	if errors.Is(err, repository.ErrNotFound) {
		writeError(w, http.StatusNotFound, "campaign not found")
		return
	}
	if err != nil {
		slog.Error("failed to apply review", "campaign_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to apply review")
		return
	}

	slog.Info("campaign reviewed",
		"campaign_id", id,
		"action", req.Action,
		"status", status,
		"admin", admin,
	)
	writeJSON(w, http.StatusOK, map[string]any{
		"ok":     true,
		"status": status,
	})
}

// ModelInfo handles GET /fraud/model.
func (h *Handler) ModelInfo(w http.ResponseWriter, r *http.Request) {
	detector := h.scorer.Detector()
	if detector == nil {
		writeJSON(w, http.StatusOK, domain.ModelInfo{})
		return
	}
	writeJSON(w, http.StatusOK, detector.Info())
}

// ReloadModel handles POST /fraud/model/reload. A failed reload leaves the
// service scoring with rules only.
func (h *Handler) ReloadModel(w http.ResponseWriter, r *http.Request) {
	detector := h.scorer.Detector()
	if detector == nil {
		writeError(w, http.StatusServiceUnavailable, "anomaly model not configured")
		return
	}

	err := detector.Load(r.Context())
	switch {
	case errors.Is(err, anomaly.ErrNoArtifact):
		writeError(w, http.StatusNotFound, err.Error())
		return
	case err != nil:
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, detector.Info())
}

// Rescore handles POST /fraud/rescore by starting a background sweep.
func (h *Handler) Rescore(w http.ResponseWriter, r *http.Request) {
	if h.sweeper == nil {
		writeError(w, http.StatusServiceUnavailable, "rescore not available")
		return
	}

	if err := h.sweeper.Start(h.baseCtx); err != nil {
		if errors.Is(err, sweep.ErrRunning) {
			writeError(w, http.StatusConflict, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]any{
		"started": true,
	})
}

// RescoreStatus handles GET /fraud/rescore.
func (h *Handler) RescoreStatus(w http.ResponseWriter, r *http.Request) {
	if h.sweeper == nil {
		writeError(w, http.StatusServiceUnavailable, "rescore not available")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"running": h.sweeper.Running(),
		"last":    h.sweeper.Last(),
	})
}

// Health returns server health status.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	status := "healthy"

	if h.repo != nil {
		if err := h.repo.Ping(r.Context()); err != nil {
			status = "degraded"
		}
	}
	if h.cache != nil {
		if err := h.cache.Ping(r.Context()); err != nil {
			status = "degraded"
		}
	}
	if h.bus != nil {
		if err := h.bus.Ping(r.Context()); err != nil {
			status = "degraded"
		}
	}

	modelLoaded := false
	if d := h.scorer.Detector(); d != nil {
		modelLoaded = d.Loaded()
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"status":       status,
		"version":      h.version,
		"model_loaded": modelLoaded,
	})
}

// Ready returns whether the server is ready to accept traffic.
func (h *Handler) Ready(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"ready": "true",
	})
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("failed to encode response", "status", status, "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
