package domain

import (
	"sort"
	"time"
)

// Severity classifies a rule hit.
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityWarning  Severity = "warning"
	SeverityInfo     Severity = "info"
)

// RuleHit is a single heuristic's positive detection.
type RuleHit struct {
	Rule     string   `json:"rule" bson:"rule"`
	Severity Severity `json:"severity" bson:"severity"`
	Value    any      `json:"value,omitempty" bson:"value,omitempty"`
	Reason   string   `json:"reason" bson:"reason"`
}

// FeatureVector maps the fixed feature schema to finite values.
type FeatureVector map[string]float64

// Ordered returns the values in the order of names.
// Names absent from the vector contribute 0.
func (v FeatureVector) Ordered(names []string) []float64 {
	out := make([]float64, len(names))
	for i, name := range names {
		out[i] = v[name]
	}
	return out
}

// Keys returns the vector's keys sorted.
func (v FeatureVector) Keys() []string {
	keys := make([]string, 0, len(v))
	for k := range v {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// ScoreResult is the unit of output of a scoring call.
type ScoreResult struct {
	Score        float64       `json:"score"`
	RuleHits     []RuleHit     `json:"rule_hits"`
	ModelScore   float64       `json:"model_score"`
	ModelVersion *string       `json:"model_version"`
	ScoredAt     time.Time     `json:"scored_at"`
	FeaturesUsed FeatureVector `json:"features_used"`
}

// FraudStatus is the review state persisted alongside a score.
type FraudStatus string

const (
	StatusOK        FraudStatus = "ok"
	StatusFlagged   FraudStatus = "flagged"
	StatusCleared   FraudStatus = "cleared"
	StatusSuspended FraudStatus = "suspended"
	StatusReviewed  FraudStatus = "reviewed"
)

// ReviewAction is a human action taken on a scored campaign.
type ReviewAction string

const (
	ActionClear        ReviewAction = "clear"
	ActionSuspend      ReviewAction = "suspend"
	ActionMarkReviewed ReviewAction = "mark_reviewed"

	// ActionAutoScored is recorded by the scoring service itself.
	ActionAutoScored ReviewAction = "auto_scored"
)

// StatusFor maps a review action to the status it installs.
func (a ReviewAction) StatusFor() (FraudStatus, bool) {
	switch a {
	case ActionClear:
		return StatusCleared, true
	case ActionSuspend:
		return StatusSuspended, true
	case ActionMarkReviewed:
		return StatusReviewed, true
	}
	return "", false
}

// AuditEntry is appended to a campaign's fraud audit trail.
type AuditEntry struct {
	ID      string       `json:"id" bson:"id"`
	Admin   string       `json:"admin,omitempty" bson:"admin,omitempty"`
	Action  ReviewAction `json:"action" bson:"action"`
	Comment string       `json:"comment,omitempty" bson:"comment,omitempty"`
	At      time.Time    `json:"at" bson:"at"`
}

// FraudDoc is the projection of a ScoreResult stored under a campaign's
// fraud namespace.
type FraudDoc struct {
	Score        float64       `json:"score" bson:"score"`
	RuleHits     []RuleHit     `json:"rule_hits" bson:"rule_hits"`
	ModelScore   float64       `json:"model_score" bson:"model_score"`
	ModelVersion *string       `json:"model_version" bson:"model_version"`
	LastScoredAt time.Time     `json:"last_scored_at" bson:"last_scored_at"`
	FeaturesUsed FeatureVector `json:"features_used,omitempty" bson:"features_used,omitempty"`
	Status       FraudStatus   `json:"status" bson:"status"`
}

// NewFraudDoc projects a result into a persisted fraud document.
// Features are dropped when compact is set.
func NewFraudDoc(res *ScoreResult, status FraudStatus, compact bool) *FraudDoc {
	doc := &FraudDoc{
		Score:        res.Score,
		RuleHits:     res.RuleHits,
		ModelScore:   res.ModelScore,
		ModelVersion: res.ModelVersion,
		LastScoredAt: res.ScoredAt,
		Status:       status,
	}
	if !compact {
		doc.FeaturesUsed = res.FeaturesUsed
	}
	return doc
}

// ModelInfo describes the loaded anomaly model.
type ModelInfo struct {
	Loaded            bool      `json:"loaded"`
	Version           string    `json:"version,omitempty"`
	TrainedAt         time.Time `json:"trained_at,omitempty"`
	SchemaFingerprint string    `json:"schema_fingerprint,omitempty"`
	Trees             int       `json:"trees,omitempty"`
	Samples           int       `json:"samples,omitempty"`
}
