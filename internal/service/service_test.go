package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/adaptrag/server/internal/adaptor"
	"github.com/adaptrag/server/internal/feedback"
	"github.com/adaptrag/server/internal/llm"
	"github.com/adaptrag/server/internal/repository/memory"
	"github.com/adaptrag/server/internal/reranker"
	"github.com/adaptrag/server/internal/retriever"
	"github.com/adaptrag/server/internal/retryutil"
	"github.com/adaptrag/server/internal/vectorstore"
)

const testDim = 3

type fixedExpander struct {
	out []string
}

func (e *fixedExpander) Expand(ctx context.Context, query string) []string {
	return e.out
}

type fakeEmbedder struct {
	vectors map[string][]float32
}

func (e *fakeEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if v, ok := e.vectors[text]; ok {
		return v, nil
	}
	return []float32{1, 0, 0}, nil
}

func (e *fakeEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		v, err := e.Embed(ctx, t)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

func (e *fakeEmbedder) Dimension() int    { return testDim }
func (e *fakeEmbedder) ModelName() string { return "fake-embedder" }

type fakeVectorStore struct {
	mu       sync.Mutex
	hits     []vectorstore.SearchResult
	docs     map[string]*vectorstore.Document
	fetchErr error
	fetched  int
}

func (s *fakeVectorStore) EnsureCollection(ctx context.Context, dimension int) error { return nil }

func (s *fakeVectorStore) Upsert(ctx context.Context, docs []vectorstore.Document) error { return nil }

func (s *fakeVectorStore) Search(ctx context.Context, vector []float32, topK int, minScore float32) ([]vectorstore.SearchResult, error) {
	return s.hits, nil
}

func (s *fakeVectorStore) Fetch(ctx context.Context, documentID string) (*vectorstore.Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fetched++
	if s.fetchErr != nil {
		return nil, s.fetchErr
	}
	doc, ok := s.docs[documentID]
	if !ok {
		return nil, fmt.Errorf("document %s not found", documentID)
	}
	return doc, nil
}

func (s *fakeVectorStore) fetchCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fetched
}

type fakeEncoder struct {
	scores map[string]float32
}

func (e *fakeEncoder) Score(ctx context.Context, query, document string) (float32, error) {
	if s, ok := e.scores[document]; ok {
		return s, nil
	}
	return 0.5, nil
}

func (e *fakeEncoder) ScoreBatch(ctx context.Context, query string, documents []string) ([]float32, error) {
	out := make([]float32, len(documents))
	for i, d := range documents {
		s, err := e.Score(ctx, query, d)
		if err != nil {
			return nil, err
		}
		out[i] = s
	}
	return out, nil
}

type fakeLLM struct {
	mu      sync.Mutex
	answer  string
	prompts []string
}

func (l *fakeLLM) Generate(ctx context.Context, prompt string, opts llm.GenerateOptions) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.prompts = append(l.prompts, prompt)
	return l.answer, nil
}

func (l *fakeLLM) lastPrompt() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.prompts) == 0 {
		return ""
	}
	return l.prompts[len(l.prompts)-1]
}

// testFixture wires a service over in-memory fakes with five indexed
// documents and three fixed query expansions.
type testFixture struct {
	svc    *Service
	store  *fakeVectorStore
	llm    *fakeLLM
	fb     *feedback.Store
	fbRepo *memory.FeedbackRepo
	adRepo *memory.AdaptorRepo
	ad     *adaptor.Adaptor
}

func newTestFixture(t *testing.T, threshold int, window time.Duration) *testFixture {
	t.Helper()

	docVectors := map[string][]float32{
		"doc-a": {0.9, 0.4, 0.1},
		"doc-b": {0.8, 0.5, 0.2},
		"doc-c": {0.7, 0.6, 0.3},
		"doc-d": {0.6, 0.7, 0.4},
		"doc-e": {0.5, 0.8, 0.5},
	}
	store := &fakeVectorStore{docs: make(map[string]*vectorstore.Document)}
	for id, vec := range docVectors {
		content := "content of " + id
		store.docs[id] = &vectorstore.Document{ID: id, Content: content, Vector: vec}
		store.hits = append(store.hits, vectorstore.SearchResult{
			DocumentID: id,
			Content:    content,
			Score:      vec[0],
		})
	}

	emb := &fakeEmbedder{vectors: map[string][]float32{
		"how do I reset my password": {1, 0, 0},
		"password reset steps":       {0.9, 0.1, 0},
		"recover account access":     {0.8, 0.2, 0},
	}}

	ad := adaptor.New(testDim, 2)
	fbRepo := memory.NewFeedbackRepo()
	adRepo := memory.NewAdaptorRepo()
	logger := slog.New(slog.NewTextHandler(testWriter{t}, &slog.HandlerOptions{Level: slog.LevelError}))

	fb := feedback.NewStore(feedback.Config{
		TrainingThreshold: threshold,
		Repo:              fbRepo,
		Logger:            logger,
	})

	ret := retriever.New(emb, ad, store, retriever.Config{TopK: 10})
	rer := reranker.New(&fakeEncoder{}, fb, reranker.Config{PenaltyWeight: 0.05, TopM: 5})
	genLLM := &fakeLLM{answer: "Use the reset link on the sign-in page."}

	svc := New(
		&fixedExpander{out: []string{
			"how do I reset my password",
			"password reset steps",
			"recover account access",
		}},
		ret, rer, fb, ad,
		adaptor.NewTrainer(adaptor.TrainerConfig{Epochs: 20, LearningRate: 0.01, Lambda: 0.1}),
		genLLM, store, adRepo,
		Config{
			RatingWindow: window,
			Retry:        retryutil.Policy{MaxAttempts: 1, BaseDelay: time.Millisecond},
			LLMModel:     "fake-model",
			Logger:       logger,
		},
	)
	fb.SetTrigger(svc.TrainingTrigger())

	return &testFixture{
		svc:    svc,
		store:  store,
		llm:    genLLM,
		fb:     fb,
		fbRepo: fbRepo,
		adRepo: adRepo,
		ad:     ad,
	}
}

type testWriter struct{ t *testing.T }

func (w testWriter) Write(p []byte) (int, error) {
	w.t.Log(strings.TrimSpace(string(p)))
	return len(p), nil
}

func ask(t *testing.T, fx *testFixture) *AskResponse {
	t.Helper()
	resp, err := fx.svc.Ask(context.Background(), AskRequest{Question: "how do I reset my password"})
	if err != nil {
		t.Fatalf("Ask() error = %v", err)
	}
	return resp
}

func TestAsk_EndToEnd(t *testing.T) {
	fx := newTestFixture(t, 100, time.Hour)

	resp := ask(t, fx)

	if resp.RequestID == uuid.Nil {
		t.Error("expected a non-nil request id")
	}
	if resp.Answer != "Use the reset link on the sign-in page." {
		t.Errorf("Answer = %q", resp.Answer)
	}
	if len(resp.Expansions) != 3 {
		t.Errorf("len(Expansions) = %d, want 3", len(resp.Expansions))
	}
	if resp.NoInformation {
		t.Error("NoInformation = true, want false")
	}
	if len(resp.Sources) != 5 {
		t.Fatalf("len(Sources) = %d, want 5", len(resp.Sources))
	}
	for i := 1; i < len(resp.Sources); i++ {
		if resp.Sources[i].FinalScore > resp.Sources[i-1].FinalScore {
			t.Errorf("sources out of order at %d: %v > %v", i, resp.Sources[i].FinalScore, resp.Sources[i-1].FinalScore)
		}
	}
	if resp.AdaptorVersion != 1 {
		t.Errorf("AdaptorVersion = %d, want 1", resp.AdaptorVersion)
	}

	prompt := fx.llm.lastPrompt()
	if !strings.Contains(prompt, "how do I reset my password") {
		t.Error("prompt does not contain the question")
	}
	if !strings.Contains(prompt, "content of doc-a") {
		t.Error("prompt does not contain retrieved content")
	}
}

func TestAsk_EmptyQuery(t *testing.T) {
	fx := newTestFixture(t, 100, time.Hour)

	if _, err := fx.svc.Ask(context.Background(), AskRequest{Question: "   "}); !errors.Is(err, ErrEmptyQuery) {
		t.Errorf("Ask() error = %v, want ErrEmptyQuery", err)
	}
}

func TestAsk_NoCandidates(t *testing.T) {
	fx := newTestFixture(t, 100, time.Hour)
	fx.store.hits = nil

	resp := ask(t, fx)
	if !resp.NoInformation {
		t.Error("NoInformation = false, want true")
	}
	if resp.Answer != NoRelevantInformation {
		t.Errorf("Answer = %q, want the no-information outcome", resp.Answer)
	}
	if len(resp.Sources) != 0 {
		t.Errorf("len(Sources) = %d, want 0", len(resp.Sources))
	}

	// Nothing to rate: the request was never registered.
	err := fx.svc.RateAnswer(context.Background(), resp.RequestID, 5, "")
	if !errors.Is(err, ErrUnknownRequest) {
		t.Errorf("RateAnswer() error = %v, want ErrUnknownRequest", err)
	}
}

func TestRateAnswer_NegativeRating(t *testing.T) {
	fx := newTestFixture(t, 100, time.Hour)
	resp := ask(t, fx)

	if err := fx.svc.RateAnswer(context.Background(), resp.RequestID, 2, "answer missed the point"); err != nil {
		t.Fatalf("RateAnswer() error = %v", err)
	}

	for _, src := range resp.Sources {
		if got := fx.fb.NegativeCount(src.DocumentID); got != 1 {
			t.Errorf("NegativeCount(%s) = %d, want 1", src.DocumentID, got)
		}
	}
	if got := fx.fb.QueueLength(); got != 5 {
		t.Errorf("QueueLength() = %d, want 5", got)
	}

	events := fx.fbRepo.Events()
	if len(events) != 1 {
		t.Fatalf("persisted events = %d, want 1", len(events))
	}
	if events[0].Rating != 2 || events[0].Comment != "answer missed the point" {
		t.Errorf("persisted event = %+v", events[0])
	}
}

func TestRateAnswer_Idempotent(t *testing.T) {
	fx := newTestFixture(t, 100, time.Hour)
	resp := ask(t, fx)

	if err := fx.svc.RateAnswer(context.Background(), resp.RequestID, 1, ""); err != nil {
		t.Fatalf("first RateAnswer() error = %v", err)
	}
	if err := fx.svc.RateAnswer(context.Background(), resp.RequestID, 1, ""); !errors.Is(err, ErrAlreadyRated) {
		t.Errorf("second RateAnswer() error = %v, want ErrAlreadyRated", err)
	}

	// The rejected second rating changed nothing.
	for _, src := range resp.Sources {
		if got := fx.fb.NegativeCount(src.DocumentID); got != 1 {
			t.Errorf("NegativeCount(%s) = %d, want 1", src.DocumentID, got)
		}
	}
	if got := fx.fb.QueueLength(); got != 5 {
		t.Errorf("QueueLength() = %d, want 5", got)
	}
}

func TestRateAnswer_UnknownRequest(t *testing.T) {
	fx := newTestFixture(t, 100, time.Hour)

	err := fx.svc.RateAnswer(context.Background(), uuid.New(), 4, "")
	if !errors.Is(err, ErrUnknownRequest) {
		t.Errorf("RateAnswer() error = %v, want ErrUnknownRequest", err)
	}
}

func TestRateAnswer_InvalidRating(t *testing.T) {
	fx := newTestFixture(t, 100, time.Hour)
	resp := ask(t, fx)

	for _, rating := range []int{0, 6, -1} {
		err := fx.svc.RateAnswer(context.Background(), resp.RequestID, rating, "")
		if !errors.Is(err, feedback.ErrInvalidRating) {
			t.Errorf("RateAnswer(rating=%d) error = %v, want ErrInvalidRating", rating, err)
		}
	}

	// An invalid rating does not consume the pending answer.
	if err := fx.svc.RateAnswer(context.Background(), resp.RequestID, 5, ""); err != nil {
		t.Errorf("valid rating after invalid attempts: error = %v", err)
	}
}

func TestRateAnswer_NeutralRating(t *testing.T) {
	fx := newTestFixture(t, 100, time.Hour)
	resp := ask(t, fx)

	if err := fx.svc.RateAnswer(context.Background(), resp.RequestID, 3, "meh"); err != nil {
		t.Fatalf("RateAnswer() error = %v", err)
	}

	if got := fx.store.fetchCount(); got != 0 {
		t.Errorf("document fetches = %d, want 0 for a neutral rating", got)
	}
	if got := fx.fb.QueueLength(); got != 0 {
		t.Errorf("QueueLength() = %d, want 0", got)
	}
	for _, src := range resp.Sources {
		if got := fx.fb.NegativeCount(src.DocumentID); got != 0 {
			t.Errorf("NegativeCount(%s) = %d, want 0", src.DocumentID, got)
		}
	}
	if events := fx.fbRepo.Events(); len(events) != 1 {
		t.Errorf("persisted events = %d, want 1", len(events))
	}
}

func TestRateAnswer_FetchFailureLeavesRetryable(t *testing.T) {
	fx := newTestFixture(t, 100, time.Hour)
	resp := ask(t, fx)

	fx.store.fetchErr = errors.New("qdrant unavailable")
	if err := fx.svc.RateAnswer(context.Background(), resp.RequestID, 5, ""); err == nil {
		t.Fatal("RateAnswer() succeeded despite fetch failure")
	}
	if got := fx.fb.QueueLength(); got != 0 {
		t.Errorf("QueueLength() = %d after failed rating, want 0", got)
	}

	// The failed attempt was rolled back, so the client may retry.
	fx.store.fetchErr = nil
	if err := fx.svc.RateAnswer(context.Background(), resp.RequestID, 5, ""); err != nil {
		t.Errorf("retry after transient failure: error = %v", err)
	}
	if got := fx.fb.QueueLength(); got != 5 {
		t.Errorf("QueueLength() = %d, want 5", got)
	}
}

func TestRateAnswer_Expired(t *testing.T) {
	fx := newTestFixture(t, 100, 10*time.Millisecond)
	resp := ask(t, fx)

	time.Sleep(30 * time.Millisecond)

	err := fx.svc.RateAnswer(context.Background(), resp.RequestID, 2, "")
	if !errors.Is(err, ErrRatingExpired) {
		t.Fatalf("RateAnswer() error = %v, want ErrRatingExpired", err)
	}
	for _, src := range resp.Sources {
		if got := fx.fb.NegativeCount(src.DocumentID); got != 0 {
			t.Errorf("NegativeCount(%s) = %d, want 0 after expiry", src.DocumentID, got)
		}
	}
}

func TestTrainingTriggeredByThreshold(t *testing.T) {
	// Five shown documents produce five examples, exactly crossing the
	// threshold with one rating.
	fx := newTestFixture(t, 5, time.Hour)
	resp := ask(t, fx)

	if err := fx.svc.RateAnswer(context.Background(), resp.RequestID, 5, ""); err != nil {
		t.Fatalf("RateAnswer() error = %v", err)
	}

	waitFor(t, 2*time.Second, func() bool {
		return fx.ad.Current().ID == 2
	}, "adaptor version did not advance to 2")

	if got := fx.fb.QueueLength(); got != 0 {
		t.Errorf("QueueLength() = %d after training, want 0", got)
	}
	snapshot, err := fx.adRepo.LoadLatest(context.Background())
	if err != nil {
		t.Fatalf("LoadLatest() error = %v", err)
	}
	if snapshot.VersionID != 2 {
		t.Errorf("persisted VersionID = %d, want 2", snapshot.VersionID)
	}
	if snapshot.Dimension != testDim || len(snapshot.Weights) != testDim*testDim {
		t.Errorf("persisted snapshot shape = (%d, %d weights)", snapshot.Dimension, len(snapshot.Weights))
	}
}

func TestTrainNow(t *testing.T) {
	fx := newTestFixture(t, 100, time.Hour)

	if err := fx.svc.TrainNow(context.Background(), 10); !errors.Is(err, adaptor.ErrEmptyTrainingSet) {
		t.Errorf("TrainNow() on empty queue: error = %v, want ErrEmptyTrainingSet", err)
	}

	resp := ask(t, fx)
	if err := fx.svc.RateAnswer(context.Background(), resp.RequestID, 4, ""); err != nil {
		t.Fatalf("RateAnswer() error = %v", err)
	}
	if err := fx.svc.TrainNow(context.Background(), 10); err != nil {
		t.Fatalf("TrainNow() error = %v", err)
	}

	if got := fx.ad.Current().ID; got != 2 {
		t.Errorf("adaptor version = %d, want 2", got)
	}
	if got := fx.fb.QueueLength(); got != 0 {
		t.Errorf("QueueLength() = %d, want 0", got)
	}
}

func TestStats(t *testing.T) {
	fx := newTestFixture(t, 100, time.Hour)
	resp := ask(t, fx)
	if err := fx.svc.RateAnswer(context.Background(), resp.RequestID, 2, ""); err != nil {
		t.Fatalf("RateAnswer() error = %v", err)
	}

	stats := fx.svc.Stats()
	if stats.TotalEvents != 1 {
		t.Errorf("TotalEvents = %d, want 1", stats.TotalEvents)
	}
	if stats.RatingHistogram[1] != 1 {
		t.Errorf("RatingHistogram[1] = %d, want 1", stats.RatingHistogram[1])
	}
	if stats.QueueLength != 5 {
		t.Errorf("QueueLength = %d, want 5", stats.QueueLength)
	}
	if stats.PenalizedDocCount != 5 {
		t.Errorf("PenalizedDocCount = %d, want 5", stats.PenalizedDocCount)
	}
	if stats.PendingAnswers != 0 {
		t.Errorf("PendingAnswers = %d, want 0 after rating", stats.PendingAnswers)
	}
	if stats.AdaptorVersion != 1 || stats.AdaptorTrained {
		t.Errorf("adaptor stats = (v%d, trained=%v), want (v1, false)", stats.AdaptorVersion, stats.AdaptorTrained)
	}
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal(msg)
}
