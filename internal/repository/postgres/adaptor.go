package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/adaptrag/server/internal/repository"
	"github.com/jackc/pgx/v5"
)

// AdaptorRepo implements repository.AdaptorRepository
type AdaptorRepo struct {
	db *DB
}

// NewAdaptorRepo creates a new adaptor repository
func NewAdaptorRepo(db *DB) *AdaptorRepo {
	return &AdaptorRepo{db: db}
}

// SaveVersion stores a committed matrix snapshot
func (r *AdaptorRepo) SaveVersion(ctx context.Context, snapshot *repository.AdaptorSnapshot) error {
	query := `
		INSERT INTO adaptor_versions (version_id, dimension, weights, created_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (version_id) DO NOTHING
	`
	_, err := r.db.Pool.Exec(ctx, query,
		snapshot.VersionID, snapshot.Dimension, snapshot.Weights, snapshot.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to save adaptor version: %w", err)
	}
	return nil
}

// LoadLatest returns the most recently committed snapshot
func (r *AdaptorRepo) LoadLatest(ctx context.Context) (*repository.AdaptorSnapshot, error) {
	query := `
		SELECT version_id, dimension, weights, created_at
		FROM adaptor_versions
		ORDER BY version_id DESC
		LIMIT 1
	`
	var snapshot repository.AdaptorSnapshot
	err := r.db.Pool.QueryRow(ctx, query).Scan(
		&snapshot.VersionID, &snapshot.Dimension, &snapshot.Weights, &snapshot.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, fmt.Errorf("failed to load adaptor version: %w", err)
	}
	return &snapshot, nil
}

// Ensure AdaptorRepo implements the interface
var _ repository.AdaptorRepository = (*AdaptorRepo)(nil)
