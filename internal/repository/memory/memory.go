// Package memory provides in-memory repository implementations for tests
// and single-node development mode (no DATABASE_URL configured).
package memory

import (
	"context"
	"sync"

	"github.com/adaptrag/server/internal/repository"
)

// FeedbackRepo is an in-memory repository.FeedbackRepository.
type FeedbackRepo struct {
	mu     sync.Mutex
	events []repository.FeedbackEvent
	counts map[string]int64
	queue  []repository.QueuedExample
}

// NewFeedbackRepo creates an empty in-memory feedback repository.
func NewFeedbackRepo() *FeedbackRepo {
	return &FeedbackRepo{counts: make(map[string]int64)}
}

// AppendEvent appends one event to the append-only log.
func (r *FeedbackRepo) AppendEvent(ctx context.Context, event *repository.FeedbackEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, *event)
	return nil
}

// Events returns a copy of the event log, for tests and stats.
func (r *FeedbackRepo) Events() []repository.FeedbackEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	events := make([]repository.FeedbackEvent, len(r.events))
	copy(events, r.events)
	return events
}

// IncrementNegative adds 1 to the counter of every listed document.
func (r *FeedbackRepo) IncrementNegative(ctx context.Context, documentIDs []string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, id := range documentIDs {
		r.counts[id]++
	}
	return nil
}

// LoadNegativeCounts returns all persisted counters.
func (r *FeedbackRepo) LoadNegativeCounts(ctx context.Context) (map[string]int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	counts := make(map[string]int64, len(r.counts))
	for k, v := range r.counts {
		counts[k] = v
	}
	return counts, nil
}

// SaveQueue replaces the persisted pending queue.
func (r *FeedbackRepo) SaveQueue(ctx context.Context, examples []repository.QueuedExample) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.queue = make([]repository.QueuedExample, len(examples))
	copy(r.queue, examples)
	return nil
}

// LoadQueue returns the persisted pending queue in order.
func (r *FeedbackRepo) LoadQueue(ctx context.Context) ([]repository.QueuedExample, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	queue := make([]repository.QueuedExample, len(r.queue))
	copy(queue, r.queue)
	return queue, nil
}

// AdaptorRepo is an in-memory repository.AdaptorRepository.
type AdaptorRepo struct {
	mu        sync.Mutex
	snapshots []repository.AdaptorSnapshot
}

// NewAdaptorRepo creates an empty in-memory adaptor repository.
func NewAdaptorRepo() *AdaptorRepo {
	return &AdaptorRepo{}
}

// SaveVersion stores a committed matrix snapshot.
func (r *AdaptorRepo) SaveVersion(ctx context.Context, snapshot *repository.AdaptorSnapshot) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.snapshots = append(r.snapshots, *snapshot)
	return nil
}

// LoadLatest returns the most recently committed snapshot.
func (r *AdaptorRepo) LoadLatest(ctx context.Context) (*repository.AdaptorSnapshot, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.snapshots) == 0 {
		return nil, repository.ErrNotFound
	}
	latest := r.snapshots[len(r.snapshots)-1]
	return &latest, nil
}

// Ensure interfaces are satisfied
var (
	_ repository.FeedbackRepository = (*FeedbackRepo)(nil)
	_ repository.AdaptorRepository  = (*AdaptorRepo)(nil)
)
