// Package feedback records rating events, maintains per-document
// negative-feedback counters, and feeds the adaptor training queue.
package feedback

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/adaptrag/server/internal/adaptor"
	"github.com/adaptrag/server/internal/repository"
)

// ErrInvalidRating is returned for ratings outside [1,5].
var ErrInvalidRating = errors.New("rating must be an integer between 1 and 5")

// Event is one rating submission tied to an answered request.
type Event struct {
	RequestID      uuid.UUID
	Rating         int
	Comment        string
	QueryEmbedding []float32
	// Documents maps each shown document id to its embedding. Every
	// document shown in the response appears exactly once.
	Documents map[string][]float32
}

// TriggerFunc receives a drained batch of training examples. It is called
// asynchronously, at most once per threshold crossing.
type TriggerFunc func(batch []adaptor.TrainingExample)

// Stats summarizes recorded feedback.
type Stats struct {
	TotalEvents       int64
	RatingHistogram   [5]int64 // index 0 = rating 1
	QueueLength       int
	PenalizedDocCount int
}

// Store holds the negative-feedback counters and the training queue.
//
// Counters are monotonically non-decreasing and incremented once per
// rating-{1,2} event per document, never proportional to how many
// expanded queries surfaced the document. The queue is append-only
// between drains; the drain-and-trigger step is atomic so exactly one
// training run fires per threshold crossing.
type Store struct {
	mu        sync.RWMutex
	counts    map[string]int64
	queue     []adaptor.TrainingExample
	total     int64
	histogram [5]int64

	threshold int
	trigger   TriggerFunc
	repo      repository.FeedbackRepository
	logger    *slog.Logger
}

// Config holds feedback store settings.
type Config struct {
	// TrainingThreshold is the queue length that triggers a training cycle.
	TrainingThreshold int

	// Trigger is invoked with the drained batch when the threshold is
	// crossed. Nil disables automatic triggering.
	Trigger TriggerFunc

	// Repo persists events, counters, and the queue. Required.
	Repo repository.FeedbackRepository

	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// NewStore creates a feedback store.
func NewStore(cfg Config) *Store {
	threshold := cfg.TrainingThreshold
	if threshold <= 0 {
		threshold = 50
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		counts:    make(map[string]int64),
		threshold: threshold,
		trigger:   cfg.Trigger,
		repo:      cfg.Repo,
		logger:    logger,
	}
}

// SetTrigger installs the training trigger. The store and the training
// loop reference each other, so the trigger is bound after both exist.
// Call before serving traffic.
func (s *Store) SetTrigger(fn TriggerFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.trigger = fn
}

// Load restores counters and the pending queue from the repository.
// Call once at startup, before serving.
func (s *Store) Load(ctx context.Context) error {
	counts, err := s.repo.LoadNegativeCounts(ctx)
	if err != nil {
		return fmt.Errorf("failed to load negative counts: %w", err)
	}
	queued, err := s.repo.LoadQueue(ctx)
	if err != nil {
		return fmt.Errorf("failed to load training queue: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.counts = counts
	s.queue = s.queue[:0]
	for _, ex := range queued {
		s.queue = append(s.queue, adaptor.TrainingExample{
			Query:    ex.QueryEmbedding,
			Document: ex.DocumentEmbedding,
			Label:    ex.Label,
		})
	}
	return nil
}

// Record validates and records one rating event. For ratings {1,2} every
// shown document's counter is incremented by exactly 1; for ratings
// {1,2,4,5} one training example per shown document is queued with label
// -1 or +1; rating 3 records the event only. If the queue reaches the
// training threshold the triggering examples are drained atomically and
// the trigger fires exactly once.
func (s *Store) Record(ctx context.Context, event Event) error {
	if event.Rating < 1 || event.Rating > 5 {
		return fmt.Errorf("%w: got %d", ErrInvalidRating, event.Rating)
	}

	docIDs := make([]string, 0, len(event.Documents))
	for id := range event.Documents {
		docIDs = append(docIDs, id)
	}

	label := labelForRating(event.Rating)

	// Persist the durable record first; in-memory state mutates only after
	// the event is durably recorded, so a failed write leaves no partial
	// counter or queue change.
	record := &repository.FeedbackEvent{
		ID:          uuid.New(),
		RequestID:   event.RequestID,
		DocumentIDs: docIDs,
		Rating:      event.Rating,
		Comment:     event.Comment,
		CreatedAt:   time.Now(),
	}
	if err := s.repo.AppendEvent(ctx, record); err != nil {
		return fmt.Errorf("failed to persist feedback event: %w", err)
	}
	if event.Rating <= 2 {
		if err := s.repo.IncrementNegative(ctx, docIDs); err != nil {
			return fmt.Errorf("failed to persist negative counters: %w", err)
		}
	}

	var batch []adaptor.TrainingExample

	s.mu.Lock()
	s.total++
	s.histogram[event.Rating-1]++

	if event.Rating <= 2 {
		for _, id := range docIDs {
			s.counts[id]++
		}
	}

	if label != 0 {
		for _, id := range docIDs {
			s.queue = append(s.queue, adaptor.TrainingExample{
				Query:    event.QueryEmbedding,
				Document: event.Documents[id],
				Label:    label,
			})
		}
		if s.trigger != nil && len(s.queue) >= s.threshold {
			batch = s.queue
			s.queue = nil
		}
	}
	queueSnapshot := append([]adaptor.TrainingExample(nil), s.queue...)
	s.mu.Unlock()

	if err := s.persistQueue(ctx, queueSnapshot); err != nil {
		s.logger.Warn("failed to persist training queue", "error", err)
	}

	if batch != nil {
		s.logger.Info("training threshold reached, dispatching batch", "examples", len(batch))
		go s.trigger(batch)
	}
	return nil
}

// labelForRating maps a rating to a training label: {4,5} -> +1,
// {1,2} -> -1, 3 -> 0 (no example).
func labelForRating(rating int) float32 {
	switch {
	case rating >= 4:
		return 1
	case rating <= 2:
		return -1
	default:
		return 0
	}
}

// NegativeCount returns the current counter for a document. Readers see
// an eventually consistent value; staleness only softens the penalty.
func (s *Store) NegativeCount(documentID string) int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.counts[documentID]
}

// QueueLength returns the number of pending training examples.
func (s *Store) QueueLength() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.queue)
}

// DrainAll removes and returns every queued example, regardless of the
// threshold. Used by the manual and periodic training triggers.
func (s *Store) DrainAll(ctx context.Context) []adaptor.TrainingExample {
	s.mu.Lock()
	batch := s.queue
	s.queue = nil
	s.mu.Unlock()

	if err := s.persistQueue(ctx, nil); err != nil {
		s.logger.Warn("failed to persist drained queue", "error", err)
	}
	return batch
}

// Requeue returns a failed batch to the head of the queue so no example
// is lost; examples queued since the drain keep their relative order.
func (s *Store) Requeue(ctx context.Context, batch []adaptor.TrainingExample) {
	s.mu.Lock()
	s.queue = append(append([]adaptor.TrainingExample(nil), batch...), s.queue...)
	queueSnapshot := append([]adaptor.TrainingExample(nil), s.queue...)
	s.mu.Unlock()

	if err := s.persistQueue(ctx, queueSnapshot); err != nil {
		s.logger.Warn("failed to persist requeued batch", "error", err)
	}
}

// Stats returns a snapshot of recorded feedback.
func (s *Store) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Stats{
		TotalEvents:       s.total,
		RatingHistogram:   s.histogram,
		QueueLength:       len(s.queue),
		PenalizedDocCount: len(s.counts),
	}
}

func (s *Store) persistQueue(ctx context.Context, queue []adaptor.TrainingExample) error {
	persisted := make([]repository.QueuedExample, len(queue))
	now := time.Now()
	for i, ex := range queue {
		persisted[i] = repository.QueuedExample{
			QueryEmbedding:    ex.Query,
			DocumentEmbedding: ex.Document,
			Label:             ex.Label,
			CreatedAt:         now,
		}
	}
	return s.repo.SaveQueue(ctx, persisted)
}
