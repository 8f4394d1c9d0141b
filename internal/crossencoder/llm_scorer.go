package crossencoder

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/adaptrag/server/internal/llm"
)

// maxDocumentChars truncates documents in the scoring prompt to stay under
// token limits.
const maxDocumentChars = 500

// LLMScorer implements CrossEncoder using an LLM with structured JSON output.
type LLMScorer struct {
	llmClient llm.LLM
	model     string
}

// Option is a functional option for configuring LLMScorer.
type Option func(*LLMScorer)

// WithModel sets the model to use for scoring.
func WithModel(model string) Option {
	return func(s *LLMScorer) {
		s.model = model
	}
}

// NewLLMScorer creates a new LLM-backed cross-encoder.
func NewLLMScorer(llmClient llm.LLM, opts ...Option) *LLMScorer {
	s := &LLMScorer{llmClient: llmClient}

	for _, opt := range opts {
		opt(s)
	}

	return s
}

// relevanceScore represents the structured output from the LLM.
type relevanceScore struct {
	DocIndex int     `json:"doc_index"`
	Score    float32 `json:"score"`
}

type scoreResponse struct {
	Scores []relevanceScore `json:"scores"`
}

// Score returns a relevance score for a single (query, document) pair.
func (s *LLMScorer) Score(ctx context.Context, query, document string) (float32, error) {
	scores, err := s.ScoreBatch(ctx, query, []string{document})
	if err != nil {
		return 0, err
	}
	return scores[0], nil
}

// ScoreBatch scores all documents against the query in a single LLM call.
func (s *LLMScorer) ScoreBatch(ctx context.Context, query string, documents []string) ([]float32, error) {
	if len(documents) == 0 {
		return nil, nil
	}

	prompt := s.buildScoringPrompt(query, documents)

	response, err := s.llmClient.Generate(ctx, prompt, llm.GenerateOptions{
		Model:       s.model,
		Temperature: 0.0, // Deterministic scoring
		MaxTokens:   1024,
	})
	if err != nil {
		return nil, fmt.Errorf("cross-encoder scoring failed: %w", err)
	}

	scores, err := parseScoreResponse(response, len(documents))
	if err != nil {
		return nil, fmt.Errorf("cross-encoder returned unparseable scores: %w", err)
	}

	return scores, nil
}

// buildScoringPrompt constructs the relevance scoring prompt.
func (s *LLMScorer) buildScoringPrompt(query string, documents []string) string {
	var sb strings.Builder

	sb.WriteString("You are a relevance scoring system. Score each document's relevance to the query.\n\n")
	sb.WriteString("Query: ")
	sb.WriteString(query)
	sb.WriteString("\n\n")

	sb.WriteString("Documents to score:\n")
	for i, doc := range documents {
		if len(doc) > maxDocumentChars {
			doc = doc[:maxDocumentChars] + "..."
		}
		sb.WriteString(fmt.Sprintf("[Doc %d]: %s\n\n", i, doc))
	}

	sb.WriteString(`Score each document from 0.0 to 1.0 based on relevance to the query.
Output ONLY valid JSON in this exact format:
{"scores": [{"doc_index": 0, "score": 0.9}, {"doc_index": 1, "score": 0.3}, ...]}

Be strict: irrelevant documents should score below 0.3, somewhat relevant 0.3-0.7, highly relevant above 0.7.
Output only JSON, no explanation:`)

	return sb.String()
}

// parseScoreResponse extracts clamped scores from the LLM response.
func parseScoreResponse(response string, numDocs int) ([]float32, error) {
	response = strings.TrimSpace(response)

	// Strip markdown code fences if present
	if idx := strings.Index(response, "```json"); idx != -1 {
		start := idx + 7
		if end := strings.Index(response[start:], "```"); end != -1 {
			response = response[start : start+end]
		}
	} else if idx := strings.Index(response, "```"); idx != -1 {
		start := idx + 3
		if end := strings.Index(response[start:], "```"); end != -1 {
			response = response[start : start+end]
		}
	}

	response = strings.TrimSpace(response)

	var parsed scoreResponse
	if err := json.Unmarshal([]byte(response), &parsed); err != nil {
		return nil, err
	}

	scores := make([]float32, numDocs)
	for i := range scores {
		scores[i] = 0.5 // Default score for missing entries
	}

	for _, sc := range parsed.Scores {
		if sc.DocIndex >= 0 && sc.DocIndex < numDocs {
			score := sc.Score
			if score < 0 {
				score = 0
			}
			if score > 1 {
				score = 1
			}
			scores[sc.DocIndex] = score
		}
	}

	return scores, nil
}

// Ensure LLMScorer implements CrossEncoder interface.
var _ CrossEncoder = (*LLMScorer)(nil)
