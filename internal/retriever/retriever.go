// Package retriever drives query expansion fan-out: embedding, adaptation,
// and vector-store lookup, merging candidates across expanded queries.
package retriever

import (
	"context"
	"fmt"

	"github.com/adaptrag/server/internal/adaptor"
	"github.com/adaptrag/server/internal/embedder"
	"github.com/adaptrag/server/internal/vectorstore"
)

// Candidate is a retrieved document with its scoring fields. BaseScore is
// the best similarity observed across expanded queries; CrossEncoderScore
// and FinalScore are assigned later by the reranker.
type Candidate struct {
	DocumentID        string
	Content           string
	BaseScore         float32
	CrossEncoderScore float32
	FinalScore        float32
	Metadata          map[string]string
}

// Retriever merges vector-store candidates across expanded queries.
type Retriever struct {
	embedder embedder.Embedder
	adaptor  *adaptor.Adaptor
	store    vectorstore.VectorStore
	topK     int
	minScore float32
}

// Config holds retriever settings.
type Config struct {
	// TopK is the per-query nearest-neighbor count.
	TopK int

	// MinScore drops vector-store hits below this similarity.
	MinScore float32
}

// New creates a retriever.
func New(emb embedder.Embedder, ad *adaptor.Adaptor, store vectorstore.VectorStore, cfg Config) *Retriever {
	topK := cfg.TopK
	if topK <= 0 {
		topK = 10
	}
	return &Retriever{
		embedder: emb,
		adaptor:  ad,
		store:    store,
		topK:     topK,
		minScore: cfg.MinScore,
	}
}

// Result holds the merged candidates plus the raw embedding of the original
// query, which the orchestrator records for later training examples.
type Result struct {
	Candidates     []Candidate
	QueryEmbedding []float32
}

// Retrieve embeds every expanded query, adapts each embedding with the
// committed transform, searches the vector store per query, and merges hits
// by document id keeping the maximum similarity observed. The first element
// of queries must be the original query text. Output order carries no
// meaning; ranking is the reranker's responsibility.
func (r *Retriever) Retrieve(ctx context.Context, queries []string, useAdaptor bool) (*Result, error) {
	if len(queries) == 0 {
		return nil, fmt.Errorf("no queries to retrieve")
	}

	raw, err := r.embedder.EmbedBatch(ctx, queries)
	if err != nil {
		return nil, fmt.Errorf("failed to embed queries: %w", err)
	}

	merged := make(map[string]*Candidate)
	for i, vec := range raw {
		searchVec := vec
		if useAdaptor {
			searchVec, err = r.adaptor.Apply(vec)
			if err != nil {
				return nil, fmt.Errorf("failed to adapt query embedding: %w", err)
			}
		}

		hits, err := r.store.Search(ctx, searchVec, r.topK, r.minScore)
		if err != nil {
			return nil, fmt.Errorf("vector search failed for query %d: %w", i, err)
		}

		for _, hit := range hits {
			existing, ok := merged[hit.DocumentID]
			if !ok {
				merged[hit.DocumentID] = &Candidate{
					DocumentID: hit.DocumentID,
					Content:    hit.Content,
					BaseScore:  hit.Score,
					Metadata:   copyMetadata(hit.Metadata),
				}
				continue
			}

			// Keep the best-matching phrasing's score and the union of metadata.
			if hit.Score > existing.BaseScore {
				existing.BaseScore = hit.Score
			}
			for k, v := range hit.Metadata {
				if _, present := existing.Metadata[k]; !present {
					existing.Metadata[k] = v
				}
			}
		}
	}

	candidates := make([]Candidate, 0, len(merged))
	for _, c := range merged {
		candidates = append(candidates, *c)
	}

	return &Result{
		Candidates:     candidates,
		QueryEmbedding: raw[0],
	}, nil
}

func copyMetadata(m map[string]string) map[string]string {
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
