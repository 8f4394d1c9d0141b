package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/adaptrag/server/internal/adaptor"
	"github.com/adaptrag/server/internal/auth"
	"github.com/adaptrag/server/internal/feedback"
	"github.com/adaptrag/server/internal/llm"
	"github.com/adaptrag/server/internal/repository/memory"
	"github.com/adaptrag/server/internal/reranker"
	"github.com/adaptrag/server/internal/retriever"
	"github.com/adaptrag/server/internal/retryutil"
	"github.com/adaptrag/server/internal/service"
	"github.com/adaptrag/server/internal/vectorstore"
)

type stubExpander struct{}

func (stubExpander) Expand(ctx context.Context, query string) []string {
	return []string{query}
}

type stubEmbedder struct{}

func (stubEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	return []float32{1, 0}, nil
}

func (stubEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = []float32{1, 0}
	}
	return out, nil
}

func (stubEmbedder) Dimension() int    { return 2 }
func (stubEmbedder) ModelName() string { return "stub" }

type stubStore struct{}

func (stubStore) EnsureCollection(ctx context.Context, dimension int) error   { return nil }
func (stubStore) Upsert(ctx context.Context, docs []vectorstore.Document) error { return nil }

func (stubStore) Search(ctx context.Context, vector []float32, topK int, minScore float32) ([]vectorstore.SearchResult, error) {
	return []vectorstore.SearchResult{
		{DocumentID: "doc-1", Content: "first document", Score: 0.9},
		{DocumentID: "doc-2", Content: "second document", Score: 0.7},
	}, nil
}

func (stubStore) Fetch(ctx context.Context, documentID string) (*vectorstore.Document, error) {
	return &vectorstore.Document{ID: documentID, Content: "doc", Vector: []float32{0.5, 0.5}}, nil
}

type stubEncoder struct{}

func (stubEncoder) Score(ctx context.Context, query, document string) (float32, error) {
	return 0.8, nil
}

func (stubEncoder) ScoreBatch(ctx context.Context, query string, documents []string) ([]float32, error) {
	out := make([]float32, len(documents))
	for i := range documents {
		out[i] = 0.8
	}
	return out, nil
}

type stubLLM struct{}

func (stubLLM) Generate(ctx context.Context, prompt string, opts llm.GenerateOptions) (string, error) {
	return "stub answer", nil
}

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	ad := adaptor.New(2, 1)
	fb := feedback.NewStore(feedback.Config{
		TrainingThreshold: 100,
		Repo:              memory.NewFeedbackRepo(),
		Logger:            logger,
	})

	svc := service.New(
		stubExpander{},
		retriever.New(stubEmbedder{}, ad, stubStore{}, retriever.Config{TopK: 10}),
		reranker.New(stubEncoder{}, fb, reranker.Config{TopM: 5}),
		fb, ad,
		adaptor.NewTrainer(adaptor.TrainerConfig{}),
		stubLLM{}, stubStore{}, memory.NewAdaptorRepo(),
		service.Config{
			RatingWindow: time.Hour,
			Retry:        retryutil.Policy{MaxAttempts: 1, BaseDelay: time.Millisecond},
			Logger:       logger,
		},
	)
	fb.SetTrigger(svc.TrainingTrigger())

	jwtMgr := auth.NewJWTManager(auth.DefaultJWTConfig("test-secret"))
	creds := auth.NewCredentialStore("demo", "demo123")

	httpServer := NewHTTPServer(HTTPServerConfig{
		Port:   0,
		Logger: logger,
	}, svc, jwtMgr, creds)

	ts := httptest.NewServer(httpServer.Router())
	t.Cleanup(ts.Close)
	return ts
}

func postJSON(t *testing.T, url, token string, body any) *http.Response {
	t.Helper()
	buf, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal request: %v", err)
	}
	req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(buf))
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	return resp
}

func decodeJSON(t *testing.T, resp *http.Response, v any) {
	t.Helper()
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
}

func obtainToken(t *testing.T, ts *httptest.Server) string {
	t.Helper()
	resp := postJSON(t, ts.URL+"/auth/token", "", tokenRequest{Username: "demo", Password: "demo123"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("token endpoint status = %d", resp.StatusCode)
	}
	var tok tokenResponse
	decodeJSON(t, resp, &tok)
	if tok.AccessToken == "" || tok.TokenType != "bearer" {
		t.Fatalf("unexpected token response: %+v", tok)
	}
	return tok.AccessToken
}

func TestHealthEndpoints(t *testing.T) {
	ts := newTestServer(t)

	for _, path := range []string{"/healthz", "/readyz"} {
		resp, err := http.Get(ts.URL + path)
		if err != nil {
			t.Fatalf("GET %s: %v", path, err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Errorf("GET %s status = %d, want 200", path, resp.StatusCode)
		}
	}
}

func TestToken_BadCredentials(t *testing.T) {
	ts := newTestServer(t)

	resp := postJSON(t, ts.URL+"/auth/token", "", tokenRequest{Username: "demo", Password: "nope"})
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", resp.StatusCode)
	}
}

func TestAsk_RequiresAuth(t *testing.T) {
	ts := newTestServer(t)

	resp := postJSON(t, ts.URL+"/ask", "", askRequest{Question: "what is this"})
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("status without token = %d, want 401", resp.StatusCode)
	}

	resp = postJSON(t, ts.URL+"/ask", "garbage-token", askRequest{Question: "what is this"})
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("status with bad token = %d, want 401", resp.StatusCode)
	}
}

func TestAskAndFeedbackFlow(t *testing.T) {
	ts := newTestServer(t)
	token := obtainToken(t, ts)

	resp := postJSON(t, ts.URL+"/ask", token, askRequest{Question: "what is this"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("ask status = %d, want 200", resp.StatusCode)
	}
	var ask askResponse
	decodeJSON(t, resp, &ask)

	if ask.Answer != "stub answer" {
		t.Errorf("answer = %q", ask.Answer)
	}
	if ask.RequestID == "" {
		t.Fatal("missing request id")
	}
	if len(ask.Sources) != 2 {
		t.Errorf("sources = %d, want 2", len(ask.Sources))
	}
	if ask.NoInformation {
		t.Error("no_relevant_information = true, want false")
	}

	// First rating succeeds
	resp = postJSON(t, ts.URL+"/feedback", token, feedbackRequest{RequestID: ask.RequestID, Rating: 2})
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("feedback status = %d, want 200", resp.StatusCode)
	}

	// Second rating for the same request conflicts
	resp = postJSON(t, ts.URL+"/feedback", token, feedbackRequest{RequestID: ask.RequestID, Rating: 2})
	resp.Body.Close()
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("repeat feedback status = %d, want 409", resp.StatusCode)
	}

	// Stats reflect the recorded rating
	req, _ := http.NewRequest(http.MethodGet, ts.URL+"/stats", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	statsResp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET /stats: %v", err)
	}
	var stats service.StatsResponse
	decodeJSON(t, statsResp, &stats)
	if stats.TotalEvents != 1 {
		t.Errorf("stats total_events = %d, want 1", stats.TotalEvents)
	}
	if stats.PenalizedDocCount != 2 {
		t.Errorf("stats penalized_documents = %d, want 2", stats.PenalizedDocCount)
	}
}

func TestFeedback_ErrorMapping(t *testing.T) {
	ts := newTestServer(t)
	token := obtainToken(t, ts)

	// Unknown request id
	resp := postJSON(t, ts.URL+"/feedback", token, feedbackRequest{
		RequestID: "00000000-0000-0000-0000-000000000001",
		Rating:    4,
	})
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("unknown request status = %d, want 404", resp.StatusCode)
	}

	// Malformed id
	resp = postJSON(t, ts.URL+"/feedback", token, feedbackRequest{RequestID: "not-a-uuid", Rating: 4})
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("malformed id status = %d, want 400", resp.StatusCode)
	}

	// Empty question
	resp = postJSON(t, ts.URL+"/ask", token, askRequest{Question: "  "})
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("empty question status = %d, want 400", resp.StatusCode)
	}
}

func TestAdminTrain(t *testing.T) {
	ts := newTestServer(t)
	token := obtainToken(t, ts)

	resp := postJSON(t, ts.URL+"/admin/train", token, trainRequest{Epochs: 5})
	resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		t.Errorf("train status = %d, want 202", resp.StatusCode)
	}
}
