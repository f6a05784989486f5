package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/opensource-finance/fundguard/internal/domain"
)

// SQLModelStore implements domain.ModelStore on the model_artifacts table.
type SQLModelStore struct {
	repo *SQLRepository
}

// NewModelStore returns a model store sharing repo's database. Only SQL
// repositories can hold model artifacts.
func NewModelStore(repo domain.Repository) (*SQLModelStore, error) {
	sqlRepo, ok := repo.(*SQLRepository)
	if !ok {
		return nil, fmt.Errorf("%w: model store requires a sql repository, got %T", ErrInvalidInput, repo)
	}
	return &SQLModelStore{repo: sqlRepo}, nil
}

// Get returns the artifact bytes stored under name.
func (s *SQLModelStore) Get(ctx context.Context, name string) ([]byte, error) {
	var data string
	query := `SELECT data FROM model_artifacts WHERE name = ?`
	err := s.repo.db.QueryRowContext(ctx, s.repo.rebind(query), name).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, domain.ErrModelNotFound
	}
	if err != nil {
		return nil, err
	}
	return []byte(data), nil
}

// Put replaces the artifact under name in a single transaction.
func (s *SQLModelStore) Put(ctx context.Context, name string, data []byte) error {
	if name == "" {
		return fmt.Errorf("%w: artifact name is required", ErrInvalidInput)
	}

	return s.repo.withTx(ctx, func(tx *sql.Tx) error {
		query := `
			INSERT INTO model_artifacts (name, data, updated_at) VALUES (?, ?, ?)
			ON CONFLICT (name) DO UPDATE SET data = excluded.data, updated_at = excluded.updated_at
		`
		_, err := tx.ExecContext(ctx, s.repo.rebind(query), name, string(data), time.Now().UTC())
		return err
	})
}
