// Package vectorstore provides interfaces and implementations for vector similarity search.
package vectorstore

import (
	"context"
)

// Document represents a document with its embedding, as stored in the index.
type Document struct {
	ID       string
	Content  string
	Vector   []float32
	Metadata map[string]string
}

// SearchResult represents a single nearest-neighbor hit from the vector store.
type SearchResult struct {
	DocumentID string
	Content    string
	Score      float32
	Metadata   map[string]string
}

// VectorStore defines the interface for vector storage operations.
// The index is assumed to be pre-populated; Upsert exists for operational tooling.
type VectorStore interface {
	// EnsureCollection creates the collection if it does not already exist.
	EnsureCollection(ctx context.Context, dimension int) error

	// Upsert inserts or updates documents in the vector store.
	Upsert(ctx context.Context, docs []Document) error

	// Search returns the top-K nearest documents with similarity scores,
	// ordered by descending similarity.
	Search(ctx context.Context, vector []float32, topK int, minScore float32) ([]SearchResult, error)

	// Fetch returns the stored document (including its vector) by ID.
	Fetch(ctx context.Context, documentID string) (*Document, error)
}
