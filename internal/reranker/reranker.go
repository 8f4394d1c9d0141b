// Package reranker orders retrieval candidates by combining cross-encoder
// relevance with a feedback-derived penalty.
//
// Documents frequently implicated in badly rated answers sink in the
// ranking but are never removed outright: a high enough cross-encoder
// score can still outweigh the accumulated penalty.
package reranker

import (
	"context"
	"fmt"
	"sort"

	"github.com/adaptrag/server/internal/crossencoder"
	"github.com/adaptrag/server/internal/retriever"
)

// PenaltySource exposes per-document negative-feedback counts. A slightly
// stale count is acceptable; reads must never block on writers for long.
type PenaltySource interface {
	NegativeCount(documentID string) int64
}

// Reranker computes final candidate scores and orders them.
type Reranker struct {
	encoder       crossencoder.CrossEncoder
	penalties     PenaltySource
	penaltyWeight float32
	topM          int
}

// Config holds reranker settings.
type Config struct {
	// PenaltyWeight scales the negative-feedback penalty. Must be >= 0.
	PenaltyWeight float32

	// TopM is the number of candidates retained after reranking.
	TopM int
}

// New creates a reranker.
func New(encoder crossencoder.CrossEncoder, penalties PenaltySource, cfg Config) *Reranker {
	topM := cfg.TopM
	if topM <= 0 {
		topM = 5
	}
	weight := cfg.PenaltyWeight
	if weight < 0 {
		weight = 0
	}
	return &Reranker{
		encoder:       encoder,
		penalties:     penalties,
		penaltyWeight: weight,
		topM:          topM,
	}
}

// Rerank scores every candidate with the cross-encoder, subtracts the
// feedback penalty, and returns the top-M candidates sorted strictly
// descending by final score. Ties break by base similarity (descending),
// then document id (ascending), so the ordering is deterministic.
func (r *Reranker) Rerank(ctx context.Context, query string, candidates []retriever.Candidate) ([]retriever.Candidate, error) {
	if len(candidates) == 0 {
		return nil, nil
	}

	documents := make([]string, len(candidates))
	for i, c := range candidates {
		documents[i] = c.Content
	}

	scores, err := r.encoder.ScoreBatch(ctx, query, documents)
	if err != nil {
		return nil, fmt.Errorf("cross-encoder scoring failed: %w", err)
	}

	ranked := make([]retriever.Candidate, len(candidates))
	copy(ranked, candidates)
	for i := range ranked {
		penalty := r.penaltyWeight * float32(r.penalties.NegativeCount(ranked[i].DocumentID))
		ranked[i].CrossEncoderScore = scores[i]
		ranked[i].FinalScore = scores[i] - penalty
	}

	sort.Slice(ranked, func(i, j int) bool {
		if ranked[i].FinalScore != ranked[j].FinalScore {
			return ranked[i].FinalScore > ranked[j].FinalScore
		}
		if ranked[i].BaseScore != ranked[j].BaseScore {
			return ranked[i].BaseScore > ranked[j].BaseScore
		}
		return ranked[i].DocumentID < ranked[j].DocumentID
	})

	if len(ranked) > r.topM {
		ranked = ranked[:r.topM]
	}

	return ranked, nil
}
