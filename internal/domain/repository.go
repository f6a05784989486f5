package domain

import (
	"context"
	"errors"
	"time"
)

// Repository defines the interface for campaign and user persistence.
// The scoring core never calls it; the API, worker, sweep and trainer do.
type Repository interface {
	// Campaign documents
	GetCampaign(ctx context.Context, id string) (Record, error)
	SaveCampaign(ctx context.Context, id string, campaign Record) error
	ForEachCampaign(ctx context.Context, fn func(id string, campaign Record) error) error
	CountCampaignsByCreator(ctx context.Context, creatorID string, since time.Time) (int64, error)

	// User documents
	GetUser(ctx context.Context, id string) (Record, error)
	SaveUser(ctx context.Context, id string, user Record) error

	// Fraud namespace
	SaveFraud(ctx context.Context, campaignID string, doc *FraudDoc, audit *AuditEntry) error
	ApplyReview(ctx context.Context, campaignID string, status FraudStatus, audit *AuditEntry) error
	ListFlagged(ctx context.Context, q FlaggedQuery) ([]Record, error)

	// Health check
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// FlaggedQuery filters campaigns by fraud score and status.
type FlaggedQuery struct {
	MinScore float64
	Status   FraudStatus // empty matches any status
	Limit    int
}

// RepositoryConfig holds configuration for repository initialization.
type RepositoryConfig struct {
	// Driver is the database driver: "mongo", "sqlite" or "postgres"
	Driver string `yaml:"driver"`

	// MongoDB specific
	MongoURI string `yaml:"mongo_uri"`
	MongoDB  string `yaml:"mongo_db"`

	// SQLite specific
	SQLitePath string `yaml:"sqlite_path"`

	// PostgreSQL specific
	PostgresHost     string `yaml:"postgres_host"`
	PostgresPort     int    `yaml:"postgres_port"`
	PostgresUser     string `yaml:"postgres_user"`
	PostgresPassword string `yaml:"postgres_password"`
	PostgresDB       string `yaml:"postgres_db"`
	PostgresSSLMode  string `yaml:"postgres_sslmode"`

	// Connection pool settings
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

// ModelStore persists serialized model artifacts under a logical name.
type ModelStore interface {
	// Get returns ErrModelNotFound when nothing has been published under name.
	Get(ctx context.Context, name string) ([]byte, error)

	// Put replaces the artifact atomically: readers see the old or the new
	// bytes, never a partial write.
	Put(ctx context.Context, name string, data []byte) error
}

// ErrModelNotFound is returned by a ModelStore for an unknown name.
var ErrModelNotFound = errors.New("model artifact not found")
