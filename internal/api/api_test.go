package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/opensource-finance/fundguard/internal/anomaly"
	"github.com/opensource-finance/fundguard/internal/cache"
	"github.com/opensource-finance/fundguard/internal/domain"
	"github.com/opensource-finance/fundguard/internal/features"
	"github.com/opensource-finance/fundguard/internal/repository"
	"github.com/opensource-finance/fundguard/internal/rules"
	"github.com/opensource-finance/fundguard/internal/scoring"
	"github.com/opensource-finance/fundguard/internal/sweep"
	"github.com/opensource-finance/fundguard/internal/velocity"
)

type testEnv struct {
	server   *Server
	repo     domain.Repository
	detector *anomaly.Detector
}

// createTestServer wires a server over a temporary sqlite database and an
// empty model store.
func createTestServer(t *testing.T) *testEnv {
	t.Helper()

	repo, err := repository.New(domain.RepositoryConfig{
		Driver:     "sqlite",
		SQLitePath: filepath.Join(t.TempDir(), "api-test.db"),
	})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { repo.Close() })

	fs, err := anomaly.NewFileStore(filepath.Join(t.TempDir(), "models"))
	if err != nil {
		t.Fatal(err)
	}
	detector := anomaly.NewDetector(anomaly.NewArtifactStore(fs, ""), features.Names())

	engine, err := rules.NewEngine()
	if err != nil {
		t.Fatal(err)
	}
	scorer := scoring.NewScorer(engine, detector, domain.ScoringConfig{ModelWeight: 0.6, FlagThreshold: 0.5})
	lru := cache.NewLRUCache(100)
	users := velocity.NewService(repo, lru, time.Minute)

	cfg := domain.ServerConfig{
		Host:         "localhost",
		Port:         8080,
		ReadTimeout:  30,
		WriteTimeout: 30,
	}
	server := NewServer(cfg, Deps{
		Repo:    repo,
		Cache:   lru,
		Scorer:  scorer,
		Users:   users,
		Sweeper: sweep.New(repo, scorer, users, domain.SweepConfig{Workers: 2}),
	}, "test-v1")

	return &testEnv{server: server, repo: repo, detector: detector}
}

func (e *testEnv) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if s, ok := body.(string); ok {
			buf.WriteString(s)
		} else if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rr := httptest.NewRecorder()
	e.server.Router().ServeHTTP(rr, req)
	return rr
}

func (e *testEnv) fraudOf(t *testing.T, id string) map[string]any {
	t.Helper()
	c, err := e.repo.GetCampaign(context.Background(), id)
	if err != nil {
		t.Fatal(err)
	}
	fraud, _ := c["fraud"].(map[string]any)
	return fraud
}

func riskyCampaign(id string) domain.Record {
	return domain.Record{"_id": id, "goal": 500000, "creator_id": "u-new"}
}

func newUser() domain.Record {
	return domain.Record{"created_at": time.Now().UTC().Add(-48 * time.Hour).Format(time.RFC3339)}
}

func TestScoreEndpoint(t *testing.T) {
	env := createTestServer(t)
	ctx := context.Background()
	if err := env.repo.SaveCampaign(ctx, "c-1", riskyCampaign("c-1")); err != nil {
		t.Fatal(err)
	}

	t.Run("PersistsByDefault", func(t *testing.T) {
		rr := env.do(t, http.MethodPost, "/fraud/score", map[string]any{
			"campaign": riskyCampaign("c-1"),
			"user":     newUser(),
		})
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
		}

		var res domain.ScoreResult
		if err := json.Unmarshal(rr.Body.Bytes(), &res); err != nil {
			t.Fatalf("failed to parse response: %v", err)
		}
		if res.Score != 1.0 || len(res.RuleHits) == 0 {
			t.Errorf("expected critical hit with score 1.0, got %+v", res)
		}
		if res.ModelVersion != nil {
			t.Errorf("no model is loaded, got version %v", *res.ModelVersion)
		}

		fraud := env.fraudOf(t, "c-1")
		if fraud["status"] != string(domain.StatusFlagged) {
			t.Errorf("expected flagged status, got %v", fraud["status"])
		}
		if _, ok := fraud["features_used"]; !ok {
			t.Error("expected features_used to be persisted")
		}
		if audit, _ := fraud["audit"].([]any); len(audit) != 1 {
			t.Errorf("expected one auto_scored audit entry, got %v", fraud["audit"])
		}
	})

	t.Run("PersistFalse", func(t *testing.T) {
		before := env.fraudOf(t, "c-1")["last_scored_at"]
		rr := env.do(t, http.MethodPost, "/fraud/score", map[string]any{
			"campaign": riskyCampaign("c-1"),
			"user":     newUser(),
			"persist":  false,
		})
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d", rr.Code)
		}
		if after := env.fraudOf(t, "c-1")["last_scored_at"]; after != before {
			t.Errorf("persist=false must not write, last_scored_at %v -> %v", before, after)
		}
	})

	t.Run("NoIDIsNotPersisted", func(t *testing.T) {
		rr := env.do(t, http.MethodPost, "/fraud/score", map[string]any{
			"campaign": map[string]any{"goal": 100},
		})
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d", rr.Code)
		}
	})

	t.Run("EmptyBodyScoresEmptyCampaign", func(t *testing.T) {
		rr := env.do(t, http.MethodPost, "/fraud/score", "{}")
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d", rr.Code)
		}
		var res domain.ScoreResult
		json.Unmarshal(rr.Body.Bytes(), &res)
		if res.Score != 0 {
			t.Errorf("expected score 0, got %v", res.Score)
		}
	})

	t.Run("NonFiniteGoalDefaulted", func(t *testing.T) {
		if err := env.repo.SaveCampaign(ctx, "c-inf", domain.Record{"_id": "c-inf"}); err != nil {
			t.Fatal(err)
		}
		rr := env.do(t, http.MethodPost, "/fraud/score", map[string]any{
			"campaign": map[string]any{"_id": "c-inf", "goal": "Infinity"},
			"user":     newUser(),
		})
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d", rr.Code)
		}
		var res domain.ScoreResult
		if err := json.Unmarshal(rr.Body.Bytes(), &res); err != nil {
			t.Fatalf("expected a well-formed result, got %q: %v", rr.Body.String(), err)
		}
		if len(res.RuleHits) != 0 {
			t.Errorf("expected no hits, got %+v", res.RuleHits)
		}
		if fraud := env.fraudOf(t, "c-inf"); fraud["status"] != string(domain.StatusOK) {
			t.Errorf("expected persisted ok status, got %v", fraud["status"])
		}
	})

	t.Run("InvalidJSON", func(t *testing.T) {
		rr := env.do(t, http.MethodPost, "/fraud/score", "not-json")
		if rr.Code != http.StatusBadRequest {
			t.Errorf("expected status 400, got %d", rr.Code)
		}
	})
}

func TestFlaggedEndpoint(t *testing.T) {
	env := createTestServer(t)
	ctx := context.Background()

	scores := map[string]float64{"a": 0.9, "b": 0.4, "c": 0.1}
	for id, score := range scores {
		if err := env.repo.SaveCampaign(ctx, id, domain.Record{"goal": 10}); err != nil {
			t.Fatal(err)
		}
		doc := &domain.FraudDoc{
			Score:        score,
			RuleHits:     []domain.RuleHit{},
			LastScoredAt: time.Now().UTC(),
			FeaturesUsed: domain.FeatureVector{"goal": 10},
			Status:       domain.StatusOK,
		}
		if err := env.repo.SaveFraud(ctx, id, doc, nil); err != nil {
			t.Fatal(err)
		}
	}

	tests := []struct {
		name  string
		query string
		want  []string
		code  int
	}{
		{"defaults", "", []string{"a", "b"}, http.StatusOK},
		{"min score", "?min_score=0.05", []string{"a", "b", "c"}, http.StatusOK},
		{"limit", "?min_score=0&limit=1", []string{"a"}, http.StatusOK},
		{"status", "?status=flagged", []string{}, http.StatusOK},
		{"bad min score", "?min_score=high", nil, http.StatusBadRequest},
		{"bad limit", "?limit=0", nil, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := env.do(t, http.MethodGet, "/fraud/flagged"+tt.query, nil)
			if rr.Code != tt.code {
				t.Fatalf("expected status %d, got %d: %s", tt.code, rr.Code, rr.Body.String())
			}
			if tt.want == nil {
				return
			}
			var docs []map[string]any
			if err := json.Unmarshal(rr.Body.Bytes(), &docs); err != nil {
				t.Fatal(err)
			}
			if len(docs) != len(tt.want) {
				t.Fatalf("expected %d docs, got %d", len(tt.want), len(docs))
			}
			for i, d := range docs {
				if d["_id"] != tt.want[i] {
					t.Errorf("position %d: expected %s, got %v", i, tt.want[i], d["_id"])
				}
				fraud, _ := d["fraud"].(map[string]any)
				if _, ok := fraud["features_used"]; ok {
					t.Error("listing must omit features_used")
				}
			}
		})
	}
}

func TestCampaignEndpoints(t *testing.T) {
	env := createTestServer(t)
	ctx := context.Background()
	if err := env.repo.SaveCampaign(ctx, "c-1", domain.Record{"title": "Help"}); err != nil {
		t.Fatal(err)
	}
	env.do(t, http.MethodPost, "/fraud/score", map[string]any{"campaign": riskyCampaign("c-1"), "user": newUser()})

	t.Run("Get", func(t *testing.T) {
		rr := env.do(t, http.MethodGet, "/fraud/campaigns/c-1", nil)
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d", rr.Code)
		}
		var doc map[string]any
		json.Unmarshal(rr.Body.Bytes(), &doc)
		if doc["_id"] != "c-1" || doc["title"] != "Help" {
			t.Errorf("unexpected campaign %v", doc)
		}
	})

	t.Run("GetMissing", func(t *testing.T) {
		rr := env.do(t, http.MethodGet, "/fraud/campaigns/nope", nil)
		if rr.Code != http.StatusNotFound {
			t.Errorf("expected status 404, got %d", rr.Code)
		}
	})

	t.Run("ActionKeepsScore", func(t *testing.T) {
		rr := env.do(t, http.MethodPost, "/fraud/campaigns/c-1/action", map[string]any{
			"action":  "clear",
			"comment": "verified creator",
		})
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
		}

		fraud := env.fraudOf(t, "c-1")
		if fraud["status"] != string(domain.StatusCleared) || fraud["score"] != 1.0 {
			t.Errorf("expected cleared status with score kept, got %v", fraud)
		}
		audit, _ := fraud["audit"].([]any)
		if len(audit) != 2 {
			t.Fatalf("expected two audit entries, got %d", len(audit))
		}
		last, _ := audit[1].(map[string]any)
		if last["admin"] != defaultAdmin || last["action"] != "clear" || last["comment"] != "verified creator" {
			t.Errorf("unexpected audit entry %v", last)
		}
	})

	t.Run("ActionStatuses", func(t *testing.T) {
		for action, want := range map[string]domain.FraudStatus{
			"suspend":       domain.StatusSuspended,
			"mark_reviewed": domain.StatusReviewed,
		} {
			rr := env.do(t, http.MethodPost, "/fraud/campaigns/c-1/action", map[string]any{"action": action, "admin_user": "alice"})
			if rr.Code != http.StatusOK {
				t.Fatalf("%s: expected status 200, got %d", action, rr.Code)
			}
			if got := env.fraudOf(t, "c-1")["status"]; got != string(want) {
				t.Errorf("%s: expected status %s, got %v", action, want, got)
			}
		}
	})

	t.Run("UnknownAction", func(t *testing.T) {
		rr := env.do(t, http.MethodPost, "/fraud/campaigns/c-1/action", map[string]any{"action": "delete"})
		if rr.Code != http.StatusBadRequest {
			t.Errorf("expected status 400, got %d", rr.Code)
		}
	})

	t.Run("ActionMissingCampaign", func(t *testing.T) {
		rr := env.do(t, http.MethodPost, "/fraud/campaigns/nope/action", map[string]any{"action": "clear"})
		if rr.Code != http.StatusNotFound {
			t.Errorf("expected status 404, got %d", rr.Code)
		}
	})
}

func TestModelEndpoints(t *testing.T) {
	env := createTestServer(t)

	rr := env.do(t, http.MethodGet, "/fraud/model", nil)
	var info domain.ModelInfo
	json.Unmarshal(rr.Body.Bytes(), &info)
	if rr.Code != http.StatusOK || info.Loaded {
		t.Errorf("expected unloaded model, got %d %+v", rr.Code, info)
	}

	rr = env.do(t, http.MethodPost, "/fraud/model/reload", nil)
	if rr.Code != http.StatusNotFound {
		t.Errorf("expected status 404 with no artifact, got %d", rr.Code)
	}
	if env.detector.Loaded() {
		t.Error("failed reload must leave the detector unloaded")
	}
}

func TestRescoreEndpoint(t *testing.T) {
	env := createTestServer(t)
	ctx := context.Background()
	for _, id := range []string{"r-1", "r-2", "r-3"} {
		if err := env.repo.SaveCampaign(ctx, id, domain.Record{"goal": 100}); err != nil {
			t.Fatal(err)
		}
	}

	rr := env.do(t, http.MethodPost, "/fraud/rescore", nil)
	if rr.Code != http.StatusAccepted {
		t.Fatalf("expected status 202, got %d", rr.Code)
	}

	sweeper := env.server.Handler().sweeper
	deadline := time.Now().Add(5 * time.Second)
	for (sweeper.Running() || sweeper.Last() == nil) && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}

	rr = env.do(t, http.MethodGet, "/fraud/rescore", nil)
	var status struct {
		Running bool          `json:"running"`
		Last    *sweep.Report `json:"last"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &status); err != nil {
		t.Fatal(err)
	}
	if status.Running || status.Last == nil || status.Last.Scored != 3 {
		t.Errorf("expected finished sweep over 3 campaigns, got %+v", status)
	}
	if env.fraudOf(t, "r-2")["status"] != string(domain.StatusOK) {
		t.Error("expected sweep to persist a status")
	}
}

func TestHealthEndpoint(t *testing.T) {
	env := createTestServer(t)

	t.Run("HealthCheck", func(t *testing.T) {
		rr := env.do(t, http.MethodGet, "/health", nil)
		if rr.Code != http.StatusOK {
			t.Errorf("expected status 200, got %d", rr.Code)
		}

		var resp map[string]any
		json.Unmarshal(rr.Body.Bytes(), &resp)
		if resp["status"] != "healthy" {
			t.Errorf("expected status 'healthy', got '%v'", resp["status"])
		}
		if resp["version"] != "test-v1" {
			t.Errorf("expected version 'test-v1', got '%v'", resp["version"])
		}
	})

	t.Run("ReadyCheck", func(t *testing.T) {
		rr := env.do(t, http.MethodGet, "/ready", nil)
		if rr.Code != http.StatusOK {
			t.Errorf("expected status 200, got %d", rr.Code)
		}
	})

	t.Run("Metrics", func(t *testing.T) {
		env.do(t, http.MethodGet, "/health", nil)
		rr := env.do(t, http.MethodGet, "/metrics", nil)
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d", rr.Code)
		}
		if !bytes.Contains(rr.Body.Bytes(), []byte("fundguard_")) {
			t.Error("expected fundguard metrics in exposition")
		}
	})

	t.Run("ResponseHeaders", func(t *testing.T) {
		rr := env.do(t, http.MethodGet, "/health", nil)
		if rr.Header().Get("X-Request-ID") == "" {
			t.Error("expected X-Request-ID header in response")
		}
		if rr.Header().Get("X-Trace-ID") == "" {
			t.Error("expected X-Trace-ID header in response")
		}
		if rr.Header().Get("Content-Type") != "application/json" {
			t.Error("expected Content-Type: application/json")
		}
	})
}

func TestMiddleware(t *testing.T) {
	t.Run("TracingMiddlewareSetsRequestID", func(t *testing.T) {
		var capturedRequestID string

		handler := TracingMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			capturedRequestID = GetRequestID(r.Context())
			w.WriteHeader(http.StatusOK)
		}))

		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set(RequestIDHeader, "req-123")
		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, req)

		if capturedRequestID != "req-123" {
			t.Errorf("expected request ID req-123, got %q", capturedRequestID)
		}
		if rr.Header().Get("X-Request-ID") != "req-123" {
			t.Error("expected X-Request-ID response header")
		}
	})

	t.Run("CORSPreflight", func(t *testing.T) {
		handler := CORSMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			t.Error("preflight must not reach the handler")
		}))

		req := httptest.NewRequest(http.MethodOptions, "/fraud/score", nil)
		req.Header.Set("Origin", "https://admin.example.com")
		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, req)

		if rr.Code != http.StatusNoContent {
			t.Errorf("expected status 204, got %d", rr.Code)
		}
		if rr.Header().Get("Access-Control-Allow-Origin") != "https://admin.example.com" {
			t.Error("expected origin to be echoed")
		}
	})

	t.Run("RecoverMiddlewareHandlesPanic", func(t *testing.T) {
		handler := RecoverMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			panic("test panic")
		}))

		req := httptest.NewRequest(http.MethodGet, "/", nil)
		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, req)

		if rr.Code != http.StatusInternalServerError {
			t.Errorf("expected status 500, got %d", rr.Code)
		}
	})
}
