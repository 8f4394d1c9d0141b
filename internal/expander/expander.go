// Package expander turns one user query into several semantically related
// queries to broaden retrieval coverage.
package expander

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/adaptrag/server/internal/llm"
)

// DefaultExpansionCount is the total number of queries produced, original included.
const DefaultExpansionCount = 3

// maxExpansionCount bounds the configurable expansion count.
const maxExpansionCount = 8

const expansionPrompt = `You are a search query expansion system. Given a user question,
produce %d alternative phrasings: paraphrases or sub-questions that would
help retrieve relevant documents. One per line, no numbering, no commentary.

Question: %s

Alternatives:`

// Expander defines the interface for query expansion.
type Expander interface {
	// Expand returns an ordered list of query strings. The first element is
	// always the original query text.
	Expand(ctx context.Context, query string) []string
}

// LLMExpander implements Expander using an LLM under a fixed prompt template.
type LLMExpander struct {
	llmClient llm.LLM
	model     string
	count     int
	logger    *slog.Logger
}

// Option is a functional option for configuring LLMExpander.
type Option func(*LLMExpander)

// WithModel sets the model used for expansion.
func WithModel(model string) Option {
	return func(e *LLMExpander) {
		e.model = model
	}
}

// WithCount sets the total number of queries to produce, original included.
// Values are clamped to [1, 8].
func WithCount(n int) Option {
	return func(e *LLMExpander) {
		if n < 1 {
			n = 1
		}
		if n > maxExpansionCount {
			n = maxExpansionCount
		}
		e.count = n
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *LLMExpander) {
		e.logger = logger
	}
}

// NewLLMExpander creates a new LLM-backed query expander.
func NewLLMExpander(llmClient llm.LLM, opts ...Option) *LLMExpander {
	e := &LLMExpander{
		llmClient: llmClient,
		count:     DefaultExpansionCount,
		logger:    slog.Default(),
	}

	for _, opt := range opts {
		opt(e)
	}

	return e
}

// Expand returns the original query followed by up to count-1 LLM paraphrases.
// Empty and duplicate outputs are dropped, preserving order. On expansion
// failure the original query alone is returned; expansion is never fatal.
func (e *LLMExpander) Expand(ctx context.Context, query string) []string {
	query = strings.TrimSpace(query)
	expanded := []string{query}
	if e.count <= 1 {
		return expanded
	}

	prompt := fmt.Sprintf(expansionPrompt, e.count-1, query)
	response, err := e.llmClient.Generate(ctx, prompt, llm.GenerateOptions{
		Model:       e.model,
		Temperature: 0.7, // Some variety helps coverage
		MaxTokens:   256,
	})
	if err != nil {
		e.logger.Warn("query expansion failed, using original query only", "error", err)
		return expanded
	}

	seen := map[string]struct{}{query: {}}
	for _, line := range strings.Split(response, "\n") {
		line = strings.TrimSpace(line)
		line = strings.TrimPrefix(line, "- ")
		if line == "" {
			continue
		}
		if _, dup := seen[line]; dup {
			continue
		}
		seen[line] = struct{}{}
		expanded = append(expanded, line)
		if len(expanded) == e.count {
			break
		}
	}

	return expanded
}

// Ensure LLMExpander implements Expander interface.
var _ Expander = (*LLMExpander)(nil)
