// Package training fits the anomaly model offline and publishes it.
package training

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/opensource-finance/fundguard/internal/anomaly"
	"github.com/opensource-finance/fundguard/internal/domain"
	"github.com/opensource-finance/fundguard/internal/features"
)

var (
	ErrEmptyDataset = errors.New("training dataset is empty")
	ErrMalformedRow = errors.New("malformed training row")
)

// Pair is one historical observation.
type Pair struct {
	Campaign domain.Record
	User     domain.Record
}

// Trainer turns historical campaigns into a published artifact. Runs are
// single-writer: callers must not train concurrently against one store.
type Trainer struct {
	params anomaly.Params
	store  *anomaly.ArtifactStore
	now    func() time.Time
}

// NewTrainer creates a trainer. store may be nil to fit without publishing.
func NewTrainer(cfg domain.TrainingConfig, store *anomaly.ArtifactStore) *Trainer {
	return &Trainer{
		params: anomaly.Params{
			NumTrees:   cfg.NumTrees,
			SampleSize: cfg.SampleSize,
			Seed:       cfg.Seed,
		},
		store: store,
		now:   func() time.Time { return time.Now().UTC() },
	}
}

// Train extracts features from every pair with the scoring extractor, fits
// a forest and publishes it. On any error nothing is published and the
// current artifact stays in place.
func (t *Trainer) Train(ctx context.Context, pairs []Pair) (*anomaly.Artifact, error) {
	if len(pairs) == 0 {
		return nil, ErrEmptyDataset
	}
	start := time.Now()
	trainedAt := t.now().UTC()
	names := features.Names()

	X := make([][]float64, len(pairs))
	for i, p := range pairs {
		X[i] = features.ComputeAt(p.Campaign, p.User, trainedAt).Vector.Ordered(names)
	}

	forest, err := anomaly.Fit(X, t.params)
	if err != nil {
		return nil, fmt.Errorf("failed to fit forest: %w", err)
	}

	a := &anomaly.Artifact{
		Version:           anomaly.NewVersion(trainedAt),
		TrainedAt:         trainedAt,
		SchemaFingerprint: anomaly.Fingerprint(names),
		FeatureNames:      names,
		NumSamples:        len(X),
		Forest:            forest,
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if t.store != nil {
		if err := t.store.Save(ctx, a); err != nil {
			return nil, fmt.Errorf("failed to publish artifact: %w", err)
		}
	}

	slog.Info("model trained",
		"model_version", a.Version,
		"samples", a.NumSamples,
		"trees", len(forest.Trees),
		"published", t.store != nil,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return a, nil
}

// Announce tells running scorers that a new artifact is available.
func Announce(ctx context.Context, bus domain.EventBus, a *anomaly.Artifact) error {
	payload, err := json.Marshal(domain.ModelPublishedEvent{
		Version:           a.Version,
		SchemaFingerprint: a.SchemaFingerprint,
		Samples:           a.NumSamples,
	})
	if err != nil {
		return err
	}
	return bus.Publish(ctx, domain.TopicModelPublished, payload)
}

// Resolver finds the creator of a stored campaign.
type Resolver interface {
	ResolveUser(ctx context.Context, campaign domain.Record) domain.Record
}

// FromStore loads every stored campaign with its resolved creator.
func FromStore(ctx context.Context, repo domain.Repository, users Resolver) ([]Pair, error) {
	var pairs []Pair
	err := repo.ForEachCampaign(ctx, func(id string, c domain.Record) error {
		pairs = append(pairs, Pair{Campaign: c, User: users.ResolveUser(ctx, c)})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to read campaigns: %w", err)
	}
	return pairs, nil
}
