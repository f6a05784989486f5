package anomaly

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sync/atomic"

	"github.com/opensource-finance/fundguard/internal/domain"
	"github.com/opensource-finance/fundguard/internal/metrics"
)

// Detector holds at most one loaded model. Infer is lock-free; Load and Swap
// replace the model wholesale.
type Detector struct {
	store   *ArtifactStore
	names   []string
	current atomic.Pointer[Artifact]
}

// NewDetector creates an unloaded detector for the given feature schema.
// store may be nil, in which case Load always reports ErrNoArtifact.
func NewDetector(store *ArtifactStore, names []string) *Detector {
	return &Detector{store: store, names: names}
}

// Load reads the current artifact and installs it. On any failure the
// detector is left unloaded and the error is returned for the caller to log.
func (d *Detector) Load(ctx context.Context) error {
	a, err := d.load(ctx)
	if err != nil {
		d.current.Store(nil)
		metrics.ModelLoaded.Set(0)
		metrics.ModelReloads.WithLabelValues("failed").Inc()
		slog.Warn("model not loaded, scoring with rules only", "error", err)
		return err
	}

	d.current.Store(a)
	metrics.ModelLoaded.Set(1)
	metrics.ModelReloads.WithLabelValues("ok").Inc()
	slog.Info("model loaded",
		"model_version", a.Version,
		"trained_at", a.TrainedAt,
		"trees", len(a.Forest.Trees),
	)
	return nil
}

func (d *Detector) load(ctx context.Context) (*Artifact, error) {
	if d.store == nil {
		return nil, ErrNoArtifact
	}
	a, err := d.store.Load(ctx)
	if err != nil {
		return nil, err
	}
	if err := a.Validate(d.names); err != nil {
		return nil, fmt.Errorf("artifact %s rejected: %w", a.Version, err)
	}
	return a, nil
}

// Swap installs an in-memory artifact after validating it.
func (d *Detector) Swap(a *Artifact) error {
	if err := a.Validate(d.names); err != nil {
		return err
	}
	d.current.Store(a)
	metrics.ModelLoaded.Set(1)
	return nil
}

// Unload drops the current model.
func (d *Detector) Unload() {
	d.current.Store(nil)
	metrics.ModelLoaded.Set(0)
}

// Loaded reports whether a model is installed.
func (d *Detector) Loaded() bool {
	return d.current.Load() != nil
}

// Info describes the installed model.
func (d *Detector) Info() domain.ModelInfo {
	a := d.current.Load()
	if a == nil {
		return domain.ModelInfo{Loaded: false}
	}
	return a.Info()
}

// Infer scores vec against the installed model. It returns 0 and a nil
// version when no model is loaded or inference fails for any reason.
func (d *Detector) Infer(vec domain.FeatureVector) (score float64, version *string) {
	a := d.current.Load()
	if a == nil {
		return 0, nil
	}

	defer func() {
		if p := recover(); p != nil {
			slog.Error("model inference panicked", "model_version", a.Version, "panic", p)
			score, version = 0, nil
		}
	}()

	s, err := a.Forest.Score(vec.Ordered(a.FeatureNames))
	if err != nil || math.IsNaN(s) || math.IsInf(s, 0) {
		slog.Warn("model inference failed", "model_version", a.Version, "error", err)
		return 0, nil
	}
	v := a.Version
	return s, &v
}
