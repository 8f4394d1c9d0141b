// Package crossencoder provides relevance scoring of (query, document) pairs.
//
// Cross-encoder scoring evaluates query and document together rather than
// independently, giving a more precise relevance signal than embedding
// similarity at the cost of an extra model call per batch.
package crossencoder

import "context"

// CrossEncoder defines the interface for relevance scoring services.
type CrossEncoder interface {
	// Score returns a relevance score for a single (query, document) pair.
	Score(ctx context.Context, query, document string) (float32, error)

	// ScoreBatch returns one relevance score per document, in input order.
	ScoreBatch(ctx context.Context, query string, documents []string) ([]float32, error)
}
