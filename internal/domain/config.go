package domain

import (
	"errors"
	"fmt"
	"time"
)

// Config holds the complete fundguard configuration.
type Config struct {
	// Server settings
	Server ServerConfig `yaml:"server"`

	// Component configurations
	Repository RepositoryConfig `yaml:"repository"`
	Cache      CacheConfig      `yaml:"cache"`
	EventBus   EventBusConfig   `yaml:"event_bus"`
	ModelStore ModelStoreConfig `yaml:"model_store"`

	// Scoring pipeline
	Scoring  ScoringConfig  `yaml:"scoring"`
	Training TrainingConfig `yaml:"training"`
	Sweep    SweepConfig    `yaml:"sweep"`

	// Observability
	Logging LoggingConfig `yaml:"logging"`
	Tracing TracingConfig `yaml:"tracing"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host         string `yaml:"host"`
	Port         int    `yaml:"port"`
	ReadTimeout  int    `yaml:"read_timeout"`  // seconds
	WriteTimeout int    `yaml:"write_timeout"` // seconds
}

// ModelStoreConfig selects where the current anomaly artifact lives.
type ModelStoreConfig struct {
	// Type is "file" or "sql". The sql store shares the repository database.
	Type string `yaml:"type"`
	Dir  string `yaml:"dir"`
	Name string `yaml:"name"`
}

// ScoringConfig holds the blend and status policy.
type ScoringConfig struct {
	ModelWeight   float64 `yaml:"model_weight"`
	FlagThreshold float64 `yaml:"flag_threshold"`
	// CompactDocs drops features_used from persisted fraud documents.
	CompactDocs bool `yaml:"compact_docs"`
}

// TrainingConfig holds isolation forest fit parameters.
type TrainingConfig struct {
	NumTrees   int   `yaml:"n_estimators"`
	SampleSize int   `yaml:"sample_size"`
	Seed       int64 `yaml:"seed"`
}

// SweepConfig holds batch re-score settings.
type SweepConfig struct {
	Workers int `yaml:"workers"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, text
}

// TracingConfig holds OpenTelemetry settings.
type TracingConfig struct {
	Enabled     bool   `yaml:"enabled"`
	ServiceName string `yaml:"service_name"`
	// Endpoint is the OTLP gRPC collector address, e.g. "localhost:4317".
	Endpoint string `yaml:"endpoint"`
}

// DefaultConfig returns a single-node configuration: SQLite, in-memory cache,
// channel bus and a file model store.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:         "0.0.0.0",
			Port:         8080,
			ReadTimeout:  30,
			WriteTimeout: 30,
		},
		Repository: RepositoryConfig{
			Driver:     "sqlite",
			SQLitePath: "./fundguard.db",
			MongoDB:    "crowdfunding",
		},
		Cache: CacheConfig{
			Type:         "memory",
			LocalMaxSize: 10000,
			LocalTTL:     5 * time.Minute,
			UserTTL:      time.Minute,
		},
		EventBus: EventBusConfig{
			Type:              "channel",
			ChannelBufferSize: 1000,
		},
		ModelStore: ModelStoreConfig{
			Type: "file",
			Dir:  "./models",
			Name: "isolation_forest",
		},
		Scoring: ScoringConfig{
			ModelWeight:   0.6,
			FlagThreshold: 0.5,
		},
		Training: TrainingConfig{
			NumTrees:   200,
			SampleSize: 256,
			Seed:       42,
		},
		Sweep: SweepConfig{
			Workers: 4,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Tracing: TracingConfig{
			Enabled:     false,
			ServiceName: "fundguard",
		},
	}
}

// ClusterConfig returns a configuration for a multi-node deployment:
// MongoDB, Redis and NATS.
func ClusterConfig() *Config {
	cfg := DefaultConfig()
	cfg.Repository = RepositoryConfig{
		Driver:   "mongo",
		MongoURI: "mongodb://localhost:27017",
		MongoDB:  "crowdfunding",
	}
	cfg.Cache = CacheConfig{
		Type:           "redis",
		RedisAddr:      "localhost:6379",
		EnableTwoPhase: true,
		LocalMaxSize:   1000,
		LocalTTL:       time.Minute,
		UserTTL:        time.Minute,
	}
	cfg.EventBus = EventBusConfig{
		Type:              "nats",
		NATSUrl:           "nats://localhost:4222",
		NATSMaxReconnects: 10,
		NATSReconnectWait: 5,
	}
	cfg.Tracing.Enabled = true
	cfg.Tracing.Endpoint = "localhost:4317"
	return cfg
}

// Validate reports configuration values outside their allowed range.
func (c *Config) Validate() error {
	var errs []error
	if c.Scoring.ModelWeight < 0 || c.Scoring.ModelWeight > 1 {
		errs = append(errs, fmt.Errorf("scoring.model_weight must be in [0,1], got %v", c.Scoring.ModelWeight))
	}
	if c.Scoring.FlagThreshold < 0 || c.Scoring.FlagThreshold > 1 {
		errs = append(errs, fmt.Errorf("scoring.flag_threshold must be in [0,1], got %v", c.Scoring.FlagThreshold))
	}
	switch c.Repository.Driver {
	case "mongo", "sqlite", "postgres":
	default:
		errs = append(errs, fmt.Errorf("unsupported repository driver: %q", c.Repository.Driver))
	}
	switch c.Cache.Type {
	case "memory", "redis":
	default:
		errs = append(errs, fmt.Errorf("unsupported cache type: %q", c.Cache.Type))
	}
	switch c.EventBus.Type {
	case "channel", "nats":
	default:
		errs = append(errs, fmt.Errorf("unsupported event bus type: %q", c.EventBus.Type))
	}
	switch c.ModelStore.Type {
	case "file":
	case "sql":
		if c.Repository.Driver == "mongo" {
			errs = append(errs, errors.New("model_store.type=sql requires a sqlite or postgres repository"))
		}
	default:
		errs = append(errs, fmt.Errorf("unsupported model store type: %q", c.ModelStore.Type))
	}
	if c.Training.NumTrees < 1 {
		errs = append(errs, fmt.Errorf("training.n_estimators must be positive, got %d", c.Training.NumTrees))
	}
	if c.Training.SampleSize < 2 {
		errs = append(errs, fmt.Errorf("training.sample_size must be at least 2, got %d", c.Training.SampleSize))
	}
	if c.Sweep.Workers < 1 {
		errs = append(errs, fmt.Errorf("sweep.workers must be positive, got %d", c.Sweep.Workers))
	}
	return errors.Join(errs...)
}
