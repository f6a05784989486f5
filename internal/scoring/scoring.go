// Package scoring blends rule hits and the anomaly model into a final
// campaign risk score.
package scoring

import (
	"context"
	"math"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/opensource-finance/fundguard/internal/anomaly"
	"github.com/opensource-finance/fundguard/internal/domain"
	"github.com/opensource-finance/fundguard/internal/features"
	"github.com/opensource-finance/fundguard/internal/metrics"
	"github.com/opensource-finance/fundguard/internal/rules"
	"github.com/opensource-finance/fundguard/internal/traces"
)

const (
	// CriticalRuleScore is the rule score when any critical rule hits.
	CriticalRuleScore = 1.0
	// PerHitRuleScore is added per non-critical hit, up to MaxWarningRuleScore.
	PerHitRuleScore     = 0.2
	MaxWarningRuleScore = 0.8

	DefaultModelWeight   = 0.6
	DefaultFlagThreshold = 0.5
)

// Scorer produces ScoreResults. It is safe for concurrent use.
type Scorer struct {
	engine   *rules.Engine
	detector *anomaly.Detector

	// ModelWeight scales the model score before blending
	ModelWeight float64

	// FlagThreshold at or above which a result is flagged
	FlagThreshold float64

	now func() time.Time
}

// NewScorer creates a scorer with the given blend and status policy.
// detector may be nil for rules-only scoring.
func NewScorer(engine *rules.Engine, detector *anomaly.Detector, cfg domain.ScoringConfig) *Scorer {
	return &Scorer{
		engine:        engine,
		detector:      detector,
		ModelWeight:   cfg.ModelWeight,
		FlagThreshold: cfg.FlagThreshold,
		now:           func() time.Time { return time.Now().UTC() },
	}
}

// SetClock overrides the time source used for rules, features and timestamps.
func (s *Scorer) SetClock(now func() time.Time) {
	s.now = now
}

// Detector returns the anomaly detector, possibly nil.
func (s *Scorer) Detector() *anomaly.Detector {
	return s.detector
}

// Score evaluates the campaign and its creator. It never fails: bad inputs
// are defaulted and a missing model degrades to rules-only scoring.
func (s *Scorer) Score(ctx context.Context, campaign, user domain.Record) *domain.ScoreResult {
	start := time.Now()
	_, span := traces.StartSpan(ctx, "scoring.Score")
	defer span.End()

	now := s.now()
	ev := s.engine.EvaluateDetailedAt(campaign, user, now)
	ruleScore := RuleScore(ev.Hits)

	ext := features.ComputeAt(campaign, user, now)

	var modelScore float64
	var version *string
	if s.detector != nil {
		modelScore, version = s.detector.Infer(ext.Vector)
	}

	res := &domain.ScoreResult{
		Score:        Round6(Blend(ruleScore, modelScore, s.ModelWeight)),
		RuleHits:     ev.Hits,
		ModelScore:   Round6(modelScore),
		ModelVersion: version,
		ScoredAt:     now,
		FeaturesUsed: ext.Vector,
	}

	for _, r := range ev.Results {
		switch r.Outcome {
		case rules.OutcomeHit:
			metrics.RuleHitsTotal.WithLabelValues(r.Rule).Inc()
		case rules.OutcomeError:
			metrics.RuleErrorsTotal.WithLabelValues(r.Rule).Inc()
		}
	}
	metrics.Scores.Observe(res.Score)
	metrics.ScoringDuration.Observe(time.Since(start).Seconds())

	span.SetAttributes(
		traces.Score(res.Score),
		attribute.Int("rule.hits", len(res.RuleHits)),
		attribute.Float64("model.score", res.ModelScore),
	)
	if version != nil {
		span.SetAttributes(traces.ModelVersion(*version))
	}
	if len(ext.Defaulted) > 0 {
		span.SetAttributes(attribute.StringSlice("features.defaulted", ext.Defaulted))
	}

	return res
}

// Status applies the flag threshold to a result.
func (s *Scorer) Status(res *domain.ScoreResult) domain.FraudStatus {
	if res.Score >= s.FlagThreshold {
		return domain.StatusFlagged
	}
	return domain.StatusOK
}

// RuleScore is 1 when any hit is critical, otherwise 0.2 per hit capped at 0.8.
func RuleScore(hits []domain.RuleHit) float64 {
	if len(hits) == 0 {
		return 0
	}
	for _, h := range hits {
		if h.Severity == domain.SeverityCritical {
			return CriticalRuleScore
		}
	}
	return math.Min(MaxWarningRuleScore, PerHitRuleScore*float64(len(hits)))
}

// Blend combines the rule and model scores.
func Blend(ruleScore, modelScore, weight float64) float64 {
	return math.Max(ruleScore, weight*modelScore)
}

// Round6 rounds to six decimal places.
func Round6(x float64) float64 {
	return math.Round(x*1e6) / 1e6
}
