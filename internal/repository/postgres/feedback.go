package postgres

import (
	"context"
	"fmt"

	"github.com/adaptrag/server/internal/repository"
)

// FeedbackRepo implements repository.FeedbackRepository
type FeedbackRepo struct {
	db *DB
}

// NewFeedbackRepo creates a new feedback repository
func NewFeedbackRepo(db *DB) *FeedbackRepo {
	return &FeedbackRepo{db: db}
}

// AppendEvent appends one event to the append-only log
func (r *FeedbackRepo) AppendEvent(ctx context.Context, event *repository.FeedbackEvent) error {
	query := `
		INSERT INTO feedback_events (id, request_id, document_ids, rating, comment, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`
	_, err := r.db.Pool.Exec(ctx, query,
		event.ID, event.RequestID, event.DocumentIDs, event.Rating, event.Comment, event.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to append feedback event: %w", err)
	}
	return nil
}

// IncrementNegative adds 1 to the counter of every listed document
func (r *FeedbackRepo) IncrementNegative(ctx context.Context, documentIDs []string) error {
	if len(documentIDs) == 0 {
		return nil
	}

	query := `
		INSERT INTO negative_feedback (document_id, count)
		VALUES ($1, 1)
		ON CONFLICT (document_id) DO UPDATE SET count = negative_feedback.count + 1
	`
	for _, id := range documentIDs {
		if _, err := r.db.Pool.Exec(ctx, query, id); err != nil {
			return fmt.Errorf("failed to increment negative count for %s: %w", id, err)
		}
	}
	return nil
}

// LoadNegativeCounts returns all persisted counters
func (r *FeedbackRepo) LoadNegativeCounts(ctx context.Context) (map[string]int64, error) {
	rows, err := r.db.Pool.Query(ctx, `SELECT document_id, count FROM negative_feedback`)
	if err != nil {
		return nil, fmt.Errorf("failed to load negative counts: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int64)
	for rows.Next() {
		var id string
		var count int64
		if err := rows.Scan(&id, &count); err != nil {
			return nil, fmt.Errorf("failed to scan negative count: %w", err)
		}
		counts[id] = count
	}
	return counts, rows.Err()
}

// SaveQueue replaces the persisted pending queue
func (r *FeedbackRepo) SaveQueue(ctx context.Context, examples []repository.QueuedExample) error {
	tx, err := r.db.Pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin queue transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `DELETE FROM training_queue`); err != nil {
		return fmt.Errorf("failed to clear training queue: %w", err)
	}

	insert := `
		INSERT INTO training_queue (position, query_embedding, document_embedding, label, created_at)
		VALUES ($1, $2, $3, $4, $5)
	`
	for i, ex := range examples {
		if _, err := tx.Exec(ctx, insert, i, ex.QueryEmbedding, ex.DocumentEmbedding, ex.Label, ex.CreatedAt); err != nil {
			return fmt.Errorf("failed to insert queued example %d: %w", i, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit queue transaction: %w", err)
	}
	return nil
}

// LoadQueue returns the persisted pending queue in order
func (r *FeedbackRepo) LoadQueue(ctx context.Context) ([]repository.QueuedExample, error) {
	rows, err := r.db.Pool.Query(ctx, `
		SELECT query_embedding, document_embedding, label, created_at
		FROM training_queue
		ORDER BY position
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to load training queue: %w", err)
	}
	defer rows.Close()

	var examples []repository.QueuedExample
	for rows.Next() {
		var ex repository.QueuedExample
		if err := rows.Scan(&ex.QueryEmbedding, &ex.DocumentEmbedding, &ex.Label, &ex.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan queued example: %w", err)
		}
		examples = append(examples, ex)
	}
	return examples, rows.Err()
}

// Ensure FeedbackRepo implements the interface
var _ repository.FeedbackRepository = (*FeedbackRepo)(nil)
