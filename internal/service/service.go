// Package service orchestrates the feedback-adaptive retrieval pipeline:
// expansion, retrieval, reranking, answer generation, rating intake, and
// the asynchronous training loop.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/adaptrag/server/internal/adaptor"
	"github.com/adaptrag/server/internal/expander"
	"github.com/adaptrag/server/internal/feedback"
	"github.com/adaptrag/server/internal/llm"
	"github.com/adaptrag/server/internal/repository"
	"github.com/adaptrag/server/internal/reranker"
	"github.com/adaptrag/server/internal/retriever"
	"github.com/adaptrag/server/internal/retryutil"
	"github.com/adaptrag/server/internal/vectorstore"
)

var (
	// ErrEmptyQuery is returned for a blank question.
	ErrEmptyQuery = errors.New("question is required")

	// ErrUnknownRequest is returned when rating an unknown request id.
	ErrUnknownRequest = errors.New("unknown request id")

	// ErrAlreadyRated is returned for a second rating of the same request.
	ErrAlreadyRated = errors.New("request already rated")

	// ErrRatingExpired is returned when the rating window has elapsed.
	ErrRatingExpired = errors.New("rating window expired")
)

const defaultSystemPrompt = `You are a helpful assistant. Answer the question using only the
provided context documents. If the context does not contain the answer, say so.`

// NoRelevantInformation is the explicit outcome surfaced when retrieval
// yields zero candidates.
const NoRelevantInformation = "No relevant information was found for this question."

// Source describes one document shown with the answer, with its scores
// surfaced for transparency.
type Source struct {
	DocumentID        string  `json:"document_id"`
	Content           string  `json:"content"`
	BaseScore         float32 `json:"base_score"`
	CrossEncoderScore float32 `json:"cross_encoder_score"`
	FinalScore        float32 `json:"final_score"`
}

// AskRequest is a query submission.
type AskRequest struct {
	Question   string
	UseAdaptor bool
}

// AskResponse is the answer plus everything the client needs to rate it.
type AskResponse struct {
	RequestID      uuid.UUID
	Answer         string
	Expansions     []string
	Sources        []Source
	NoInformation  bool
	AdaptorVersion adaptor.VersionID
}

// StatsResponse summarizes system state for the stats endpoint.
type StatsResponse struct {
	TotalEvents       int64    `json:"total_events"`
	RatingHistogram   [5]int64 `json:"rating_histogram"`
	QueueLength       int      `json:"queue_length"`
	PenalizedDocCount int      `json:"penalized_documents"`
	PendingAnswers    int      `json:"pending_answers"`
	AdaptorVersion    uint64   `json:"adaptor_version"`
	AdaptorTrained    bool     `json:"adaptor_trained"`
}

// Config holds orchestrator settings.
type Config struct {
	RatingWindow time.Duration
	Retry        retryutil.Policy
	LLMModel     string
	Logger       *slog.Logger
}

// Service sequences the pipeline per request and exposes the two
// operations consumed by the front end: submit a query, submit a rating.
type Service struct {
	expander  expander.Expander
	retriever *retriever.Retriever
	reranker  *reranker.Reranker
	feedback  *feedback.Store
	adaptor   *adaptor.Adaptor
	trainer   *adaptor.Trainer
	llmClient llm.LLM
	store     vectorstore.VectorStore
	adRepo    repository.AdaptorRepository
	registry  *answerRegistry

	retry  retryutil.Policy
	model  string
	logger *slog.Logger

	trainMu sync.Mutex // serializes training cycles
}

// New creates the orchestrator.
func New(
	exp expander.Expander,
	ret *retriever.Retriever,
	rer *reranker.Reranker,
	fb *feedback.Store,
	ad *adaptor.Adaptor,
	tr *adaptor.Trainer,
	llmClient llm.LLM,
	store vectorstore.VectorStore,
	adRepo repository.AdaptorRepository,
	cfg Config,
) *Service {
	window := cfg.RatingWindow
	if window <= 0 {
		window = time.Hour
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	retry := cfg.Retry
	if retry.MaxAttempts <= 0 {
		retry = retryutil.DefaultPolicy()
	}

	return &Service{
		expander:  exp,
		retriever: ret,
		reranker:  rer,
		feedback:  fb,
		adaptor:   ad,
		trainer:   tr,
		llmClient: llmClient,
		store:     store,
		adRepo:    adRepo,
		registry:  newAnswerRegistry(window),
		retry:     retry,
		model:     cfg.LLMModel,
		logger:    logger,
	}
}

// TrainingTrigger returns the feedback-store trigger bound to this
// service's training loop. Pass it to feedback.NewStore.
func (s *Service) TrainingTrigger() feedback.TriggerFunc {
	return func(batch []adaptor.TrainingExample) {
		s.runTraining(context.Background(), batch, 0)
	}
}

// Ask answers one question: expand, retrieve, rerank, generate. The
// answered request is registered for rating until the window elapses.
func (s *Service) Ask(ctx context.Context, req AskRequest) (*AskResponse, error) {
	question := strings.TrimSpace(req.Question)
	if question == "" {
		return nil, ErrEmptyQuery
	}

	requestID := uuid.New()
	start := time.Now()

	expansions := s.expander.Expand(ctx, question)

	result, err := retryutil.Do(ctx, s.retry, func() (*retriever.Result, error) {
		return s.retriever.Retrieve(ctx, expansions, req.UseAdaptor)
	})
	if err != nil {
		return nil, fmt.Errorf("retrieval failed: %w", err)
	}

	version := s.adaptor.Current().ID

	if len(result.Candidates) == 0 {
		return &AskResponse{
			RequestID:      requestID,
			Answer:         NoRelevantInformation,
			Expansions:     expansions,
			NoInformation:  true,
			AdaptorVersion: version,
		}, nil
	}

	ranked, err := retryutil.Do(ctx, s.retry, func() ([]retriever.Candidate, error) {
		return s.reranker.Rerank(ctx, question, result.Candidates)
	})
	if err != nil {
		return nil, fmt.Errorf("reranking failed: %w", err)
	}

	prompt := buildAnswerPrompt(ranked, question)
	answer, err := retryutil.Do(ctx, s.retry, func() (string, error) {
		return s.llmClient.Generate(ctx, prompt, llm.GenerateOptions{
			Model:        s.model,
			SystemPrompt: defaultSystemPrompt,
			Temperature:  0.3,
			MaxTokens:    2048,
		})
	})
	if err != nil {
		return nil, fmt.Errorf("answer generation failed: %w", err)
	}

	sources := make([]Source, len(ranked))
	shownIDs := make([]string, len(ranked))
	for i, c := range ranked {
		sources[i] = Source{
			DocumentID:        c.DocumentID,
			Content:           c.Content,
			BaseScore:         c.BaseScore,
			CrossEncoderScore: c.CrossEncoderScore,
			FinalScore:        c.FinalScore,
		}
		shownIDs[i] = c.DocumentID
	}

	s.registry.Add(&pendingAnswer{
		RequestID:      requestID,
		Query:          question,
		QueryEmbedding: result.QueryEmbedding,
		DocumentIDs:    shownIDs,
	})

	s.logger.Info("answered question",
		"request_id", requestID,
		"expansions", len(expansions),
		"candidates", len(result.Candidates),
		"shown", len(shownIDs),
		"adaptor_version", version,
		"duration", time.Since(start),
	)

	return &AskResponse{
		RequestID:      requestID,
		Answer:         answer,
		Expansions:     expansions,
		Sources:        sources,
		AdaptorVersion: version,
	}, nil
}

// RateAnswer records a rating for an answered request. A second rating
// for the same request, or a rating after the window, is rejected with
// no state change. Training triggered by the rating runs asynchronously;
// submission never blocks on it.
func (s *Service) RateAnswer(ctx context.Context, requestID uuid.UUID, rating int, comment string) error {
	if rating < 1 || rating > 5 {
		return fmt.Errorf("%w: got %d", feedback.ErrInvalidRating, rating)
	}

	pending, err := s.registry.BeginRate(requestID)
	if err != nil {
		return err
	}

	docs := make(map[string][]float32, len(pending.DocumentIDs))
	if rating != 3 {
		// Training examples need each shown document's embedding.
		for _, id := range pending.DocumentIDs {
			doc, err := retryutil.Do(ctx, s.retry, func() (*vectorstore.Document, error) {
				return s.store.Fetch(ctx, id)
			})
			if err != nil {
				s.registry.AbortRate(requestID)
				return fmt.Errorf("failed to fetch document %s: %w", id, err)
			}
			docs[id] = doc.Vector
		}
	} else {
		for _, id := range pending.DocumentIDs {
			docs[id] = nil
		}
	}

	err = s.feedback.Record(ctx, feedback.Event{
		RequestID:      requestID,
		Rating:         rating,
		Comment:        comment,
		QueryEmbedding: pending.QueryEmbedding,
		Documents:      docs,
	})
	if err != nil {
		s.registry.AbortRate(requestID)
		return err
	}

	s.logger.Info("recorded rating",
		"request_id", requestID,
		"rating", rating,
		"documents", len(pending.DocumentIDs),
	)
	return nil
}

// TrainNow drains the whole queue and runs one training cycle with an
// optional epoch override. Used by the manual admin trigger and the
// periodic background ticker.
func (s *Service) TrainNow(ctx context.Context, epochs int) error {
	batch := s.feedback.DrainAll(ctx)
	if len(batch) == 0 {
		return adaptor.ErrEmptyTrainingSet
	}
	return s.runTraining(ctx, batch, epochs)
}

// Stats returns a snapshot of feedback and adaptor state.
func (s *Service) Stats() StatsResponse {
	fb := s.feedback.Stats()
	version := s.adaptor.Current().ID
	return StatsResponse{
		TotalEvents:       fb.TotalEvents,
		RatingHistogram:   fb.RatingHistogram,
		QueueLength:       fb.QueueLength,
		PenalizedDocCount: fb.PenalizedDocCount,
		PendingAnswers:    s.registry.Pending(),
		AdaptorVersion:    uint64(version),
		AdaptorTrained:    version > 1,
	}
}

// runTraining trains on the batch and commits the result. Failure leaves
// the previous matrix active and returns the batch to the queue.
func (s *Service) runTraining(ctx context.Context, batch []adaptor.TrainingExample, epochs int) error {
	s.trainMu.Lock()
	defer s.trainMu.Unlock()

	start := time.Now()
	base := s.adaptor.Current().Matrix

	trained, err := s.trainer.TrainEpochs(batch, base, epochs)
	if err != nil {
		s.logger.Error("adaptor training failed, keeping current matrix",
			"error", err, "examples", len(batch))
		s.feedback.Requeue(ctx, batch)
		return fmt.Errorf("training failed: %w", err)
	}

	version, err := s.adaptor.Commit(trained)
	if err != nil {
		s.logger.Error("adaptor commit failed, keeping current matrix",
			"error", err, "examples", len(batch))
		s.feedback.Requeue(ctx, batch)
		return fmt.Errorf("commit failed: %w", err)
	}

	snapshot := &repository.AdaptorSnapshot{
		VersionID: uint64(version),
		Dimension: trained.Dim(),
		Weights:   trained.Weights(),
		CreatedAt: time.Now(),
	}
	if err := s.adRepo.SaveVersion(ctx, snapshot); err != nil {
		// The new version still serves; persistence catches up on the next commit.
		s.logger.Warn("failed to persist adaptor snapshot", "error", err, "version", version)
	}

	s.logger.Info("adaptor training completed",
		"version", version,
		"examples", len(batch),
		"duration", time.Since(start),
	)
	return nil
}

// buildAnswerPrompt constructs the generation prompt from ranked sources.
func buildAnswerPrompt(ranked []retriever.Candidate, question string) string {
	var sb strings.Builder

	sb.WriteString("## Context Documents\n\n")
	for i, c := range ranked {
		sb.WriteString(fmt.Sprintf("[Doc %d]", i+1))
		if title := c.Metadata["title"]; title != "" {
			sb.WriteString(fmt.Sprintf(" (Title: %s)", title))
		}
		if source := c.Metadata["source"]; source != "" {
			sb.WriteString(fmt.Sprintf(" (Source: %s)", source))
		}
		sb.WriteString("\n")
		sb.WriteString(c.Content)
		sb.WriteString("\n\n")
	}

	sb.WriteString("## Question\n")
	sb.WriteString(question)
	sb.WriteString("\n\n## Answer (be brief and direct)\n")

	return sb.String()
}
