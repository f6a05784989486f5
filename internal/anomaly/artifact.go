package anomaly

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/opensource-finance/fundguard/internal/domain"
)

// DefaultArtifactName is the logical name of the current model.
const DefaultArtifactName = "isolation_forest"

// VersionPrefix prefixes every trained model version.
const VersionPrefix = "isof_"

var (
	// ErrNoArtifact is returned when no model has been published yet.
	ErrNoArtifact = errors.New("no model artifact published")

	// ErrSchemaMismatch is returned when an artifact was trained on a
	// different feature schema than the running binary computes.
	ErrSchemaMismatch = errors.New("model schema fingerprint mismatch")
)

// Artifact is the persisted form of a trained model.
type Artifact struct {
	Version           string    `json:"version"`
	TrainedAt         time.Time `json:"trained_at"`
	SchemaFingerprint string    `json:"schema_fingerprint"`
	FeatureNames      []string  `json:"feature_names"`
	NumSamples        int       `json:"num_samples"`
	Forest            *Forest   `json:"forest"`
}

// NewVersion formats a model version from the UTC training time.
func NewVersion(trainedAt time.Time) string {
	return VersionPrefix + trainedAt.UTC().Format("20060102150405")
}

// Fingerprint identifies a feature schema independent of declaration order.
func Fingerprint(names []string) string {
	sorted := make([]string, len(names))
	copy(sorted, names)
	sort.Strings(sorted)
	sum := sha256.Sum256([]byte(strings.Join(sorted, "\n")))
	return hex.EncodeToString(sum[:])
}

// Validate checks the artifact is usable against the given schema.
func (a *Artifact) Validate(names []string) error {
	if a.Forest == nil {
		return errors.New("artifact has no forest")
	}
	if err := a.Forest.validate(); err != nil {
		return fmt.Errorf("invalid forest: %w", err)
	}
	if a.SchemaFingerprint != Fingerprint(names) {
		return fmt.Errorf("%w: artifact %s, runtime %s", ErrSchemaMismatch, a.SchemaFingerprint, Fingerprint(names))
	}
	if got := Fingerprint(a.FeatureNames); got != a.SchemaFingerprint {
		return fmt.Errorf("%w: feature names hash to %s, artifact claims %s", ErrSchemaMismatch, got, a.SchemaFingerprint)
	}
	if len(a.FeatureNames) != a.Forest.NumFeatures {
		return fmt.Errorf("artifact lists %d features, forest expects %d", len(a.FeatureNames), a.Forest.NumFeatures)
	}
	return nil
}

// Info summarizes the artifact for status endpoints.
func (a *Artifact) Info() domain.ModelInfo {
	info := domain.ModelInfo{
		Loaded:            true,
		Version:           a.Version,
		TrainedAt:         a.TrainedAt,
		SchemaFingerprint: a.SchemaFingerprint,
		Samples:           a.NumSamples,
	}
	if a.Forest != nil {
		info.Trees = len(a.Forest.Trees)
	}
	return info
}

// ArtifactStore reads and publishes the current artifact through a
// byte-oriented model store.
type ArtifactStore struct {
	store domain.ModelStore
	name  string
}

// NewArtifactStore creates an artifact store over store under name.
func NewArtifactStore(store domain.ModelStore, name string) *ArtifactStore {
	if name == "" {
		name = DefaultArtifactName
	}
	return &ArtifactStore{store: store, name: name}
}

// Name returns the logical artifact name.
func (s *ArtifactStore) Name() string {
	return s.name
}

// Load reads and decodes the current artifact.
func (s *ArtifactStore) Load(ctx context.Context) (*Artifact, error) {
	data, err := s.store.Get(ctx, s.name)
	if err != nil {
		if errors.Is(err, domain.ErrModelNotFound) {
			return nil, ErrNoArtifact
		}
		return nil, fmt.Errorf("failed to read artifact %s: %w", s.name, err)
	}

	var a Artifact
	if err := json.Unmarshal(data, &a); err != nil {
		return nil, fmt.Errorf("failed to decode artifact %s: %w", s.name, err)
	}
	return &a, nil
}

// Save publishes a as the current artifact, replacing the previous one atomically.
func (s *ArtifactStore) Save(ctx context.Context, a *Artifact) error {
	data, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("failed to encode artifact: %w", err)
	}
	if err := s.store.Put(ctx, s.name, data); err != nil {
		return fmt.Errorf("failed to publish artifact %s: %w", s.name, err)
	}
	return nil
}
