package service

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// answerState tracks the per-response lifecycle:
// created -> answered -> {rated, expired}.
type answerState int

const (
	stateAnswered answerState = iota
	stateRated
)

// pendingAnswer records what was shown for an answered request, kept until
// it is rated or the rating window elapses.
type pendingAnswer struct {
	RequestID      uuid.UUID
	Query          string
	QueryEmbedding []float32
	DocumentIDs    []string
	State          answerState
	AnsweredAt     time.Time
}

// answerRegistry is in-memory storage of answered requests awaiting a
// rating. Entries past the rating window are expired: no counters are
// updated and no training examples are produced for them.
type answerRegistry struct {
	mu      sync.Mutex
	answers map[uuid.UUID]*pendingAnswer
	window  time.Duration
}

// newAnswerRegistry creates a registry and starts its cleanup loop.
func newAnswerRegistry(window time.Duration) *answerRegistry {
	r := &answerRegistry{
		answers: make(map[uuid.UUID]*pendingAnswer),
		window:  window,
	}
	go r.cleanupLoop()
	return r
}

// Add records an answered request.
func (r *answerRegistry) Add(a *pendingAnswer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a.AnsweredAt = time.Now()
	a.State = stateAnswered
	r.answers[a.RequestID] = a
}

// BeginRate transitions a request to rated and returns its record.
// The transition happens under the lock, so a concurrent second rating
// for the same request observes stateRated and is rejected.
func (r *answerRegistry) BeginRate(requestID uuid.UUID) (*pendingAnswer, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	a, ok := r.answers[requestID]
	if !ok {
		return nil, ErrUnknownRequest
	}
	if a.State == stateRated {
		return nil, ErrAlreadyRated
	}
	if time.Since(a.AnsweredAt) > r.window {
		delete(r.answers, requestID)
		return nil, ErrRatingExpired
	}

	a.State = stateRated
	return a, nil
}

// AbortRate reverts a rated transition after a downstream failure, so the
// client may retry. No state was recorded for the failed attempt.
func (r *answerRegistry) AbortRate(requestID uuid.UUID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if a, ok := r.answers[requestID]; ok && a.State == stateRated {
		a.State = stateAnswered
	}
}

// Pending returns the number of answered requests awaiting a rating.
func (r *answerRegistry) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, a := range r.answers {
		if a.State == stateAnswered && time.Since(a.AnsweredAt) <= r.window {
			n++
		}
	}
	return n
}

// cleanupLoop periodically removes expired and long-rated entries.
func (r *answerRegistry) cleanupLoop() {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()

	for range ticker.C {
		r.cleanup()
	}
}

func (r *answerRegistry) cleanup() {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	for id, a := range r.answers {
		if now.Sub(a.AnsweredAt) > r.window {
			delete(r.answers, id)
		}
	}
}
