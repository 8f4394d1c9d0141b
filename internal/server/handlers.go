package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/adaptrag/server/internal/adaptor"
	"github.com/adaptrag/server/internal/auth"
	"github.com/adaptrag/server/internal/feedback"
	"github.com/adaptrag/server/internal/service"
)

type contextKey string

const claimsKey contextKey = "claims"

// apiHandler holds the dependencies shared by all route handlers.
type apiHandler struct {
	svc    *service.Service
	jwt    *auth.JWTManager
	creds  *auth.CredentialStore
	logger *slog.Logger
}

type tokenRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int64  `json:"expires_in"`
}

type askRequest struct {
	Question   string `json:"question"`
	UseAdaptor *bool  `json:"use_adaptor,omitempty"`
}

type sourceResponse struct {
	DocumentID        string  `json:"document_id"`
	Content           string  `json:"content"`
	BaseScore         float32 `json:"base_score"`
	CrossEncoderScore float32 `json:"cross_encoder_score"`
	FinalScore        float32 `json:"final_score"`
}

type askResponse struct {
	RequestID      string           `json:"request_id"`
	Answer         string           `json:"answer"`
	Expansions     []string         `json:"expansions"`
	Sources        []sourceResponse `json:"sources"`
	NoInformation  bool             `json:"no_relevant_information"`
	AdaptorVersion uint64           `json:"adaptor_version"`
}

type feedbackRequest struct {
	RequestID string `json:"request_id"`
	Rating    int    `json:"rating"`
	Comment   string `json:"comment,omitempty"`
}

type trainRequest struct {
	Epochs int `json:"epochs,omitempty"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// handleToken exchanges credentials for a bearer token.
func (h *apiHandler) handleToken(w http.ResponseWriter, r *http.Request) {
	var req tokenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Username == "" || req.Password == "" {
		writeError(w, http.StatusBadRequest, "username and password are required")
		return
	}

	if err := h.creds.Verify(req.Username, req.Password); err != nil {
		writeError(w, http.StatusUnauthorized, auth.ErrBadCredentials.Error())
		return
	}

	token, err := h.jwt.GenerateToken(req.Username)
	if err != nil {
		h.logger.Error("failed to generate token", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to generate token")
		return
	}

	writeJSON(w, http.StatusOK, tokenResponse{
		AccessToken: token,
		TokenType:   "bearer",
		ExpiresIn:   int64(h.jwt.TokenExpiry().Seconds()),
	})
}

// handleAsk runs the full pipeline for one question.
func (h *apiHandler) handleAsk(w http.ResponseWriter, r *http.Request) {
	var req askRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	useAdaptor := true
	if req.UseAdaptor != nil {
		useAdaptor = *req.UseAdaptor
	}

	resp, err := h.svc.Ask(r.Context(), service.AskRequest{
		Question:   req.Question,
		UseAdaptor: useAdaptor,
	})
	if err != nil {
		h.writeServiceError(w, err)
		return
	}

	out := askResponse{
		RequestID:      resp.RequestID.String(),
		Answer:         resp.Answer,
		Expansions:     resp.Expansions,
		Sources:        make([]sourceResponse, len(resp.Sources)),
		NoInformation:  resp.NoInformation,
		AdaptorVersion: uint64(resp.AdaptorVersion),
	}
	for i, s := range resp.Sources {
		out.Sources[i] = sourceResponse(s)
	}
	writeJSON(w, http.StatusOK, out)
}

// handleFeedback records a rating for an answered request.
func (h *apiHandler) handleFeedback(w http.ResponseWriter, r *http.Request) {
	var req feedbackRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	requestID, err := uuid.Parse(req.RequestID)
	if err != nil {
		writeError(w, http.StatusBadRequest, "request_id must be a valid UUID")
		return
	}

	if err := h.svc.RateAnswer(r.Context(), requestID, req.Rating, req.Comment); err != nil {
		h.writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "recorded"})
}

// handleStats reports feedback and adaptor state.
func (h *apiHandler) handleStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.svc.Stats())
}

// handleTrain starts a training cycle over the queued examples. Training
// runs in the background; the response only acknowledges the start.
func (h *apiHandler) handleTrain(w http.ResponseWriter, r *http.Request) {
	var req trainRequest
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
	}
	if req.Epochs < 0 {
		writeError(w, http.StatusBadRequest, "epochs must be non-negative")
		return
	}

	go func() {
		if err := h.svc.TrainNow(context.Background(), req.Epochs); err != nil {
			if errors.Is(err, adaptor.ErrEmptyTrainingSet) {
				h.logger.Info("manual training skipped, queue empty")
				return
			}
			h.logger.Error("manual training failed", "error", err)
		}
	}()

	writeJSON(w, http.StatusAccepted, map[string]string{"status": "training started"})
}

// requireAuth validates the bearer token and attaches its claims.
func (h *apiHandler) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		if header == "" {
			writeError(w, http.StatusUnauthorized, "missing authorization header")
			return
		}

		parts := strings.SplitN(header, " ", 2)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
			writeError(w, http.StatusUnauthorized, "authorization header must be a bearer token")
			return
		}

		claims, err := h.jwt.ValidateToken(parts[1])
		if err != nil {
			writeError(w, http.StatusUnauthorized, err.Error())
			return
		}

		ctx := context.WithValue(r.Context(), claimsKey, claims)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// ClaimsFromContext returns the authenticated claims, if present.
func ClaimsFromContext(ctx context.Context) (*auth.Claims, bool) {
	claims, ok := ctx.Value(claimsKey).(*auth.Claims)
	return claims, ok
}

// writeServiceError maps pipeline errors to HTTP statuses.
func (h *apiHandler) writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, service.ErrEmptyQuery), errors.Is(err, feedback.ErrInvalidRating):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, service.ErrUnknownRequest):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, service.ErrAlreadyRated):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, service.ErrRatingExpired):
		writeError(w, http.StatusGone, err.Error())
	default:
		h.logger.Error("request failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}
