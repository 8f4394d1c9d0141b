// Package repository defines domain models and data access interfaces for
// feedback events, negative-feedback counters, the pending training queue,
// and adaptor matrix snapshots.
package repository

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// FeedbackEvent is a durable record of one rating. Immutable once recorded.
type FeedbackEvent struct {
	ID          uuid.UUID
	RequestID   uuid.UUID
	DocumentIDs []string
	Rating      int
	Comment     string
	CreatedAt   time.Time
}

// QueuedExample is a persisted training example awaiting the next
// training cycle.
type QueuedExample struct {
	QueryEmbedding    []float32
	DocumentEmbedding []float32
	Label             float32
	CreatedAt         time.Time
}

// AdaptorSnapshot is a committed adaptor matrix with its version id.
type AdaptorSnapshot struct {
	VersionID uint64
	Dimension int
	Weights   []float32 // row-major
	CreatedAt time.Time
}

// FeedbackRepository persists the feedback event log, per-document
// negative counters, and the pending training queue. The in-process
// feedback store is authoritative at runtime; these writes keep durable
// state in step for restart and audit/replay.
type FeedbackRepository interface {
	// AppendEvent appends one event to the append-only log.
	AppendEvent(ctx context.Context, event *FeedbackEvent) error

	// IncrementNegative adds 1 to the counter of every listed document.
	IncrementNegative(ctx context.Context, documentIDs []string) error

	// LoadNegativeCounts returns all persisted counters.
	LoadNegativeCounts(ctx context.Context) (map[string]int64, error)

	// SaveQueue replaces the persisted pending queue.
	SaveQueue(ctx context.Context, examples []QueuedExample) error

	// LoadQueue returns the persisted pending queue in order.
	LoadQueue(ctx context.Context) ([]QueuedExample, error)
}

// AdaptorRepository persists committed adaptor versions.
type AdaptorRepository interface {
	// SaveVersion stores a committed matrix snapshot.
	SaveVersion(ctx context.Context, snapshot *AdaptorSnapshot) error

	// LoadLatest returns the most recently committed snapshot, or
	// ErrNotFound if no training cycle has completed yet.
	LoadLatest(ctx context.Context) (*AdaptorSnapshot, error)
}
