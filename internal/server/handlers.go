package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/raaihank/embedkit/internal/embeddings"
)

// handleEmbeddings handles POST /embeddings
func (s *Server) handleEmbeddings(w http.ResponseWriter, r *http.Request) {
	log := s.requestLogger(r)

	req, err := decodeRequest(http.MaxBytesReader(w, r.Body, s.config.Server.MaxBodyBytes))
	if err != nil {
		status := statusFor(err)
		log.Warn("Rejected embedding request", zap.Int("status", status), zap.Error(err))
		writeError(w, status, err)
		return
	}

	resp, err := s.service.Generate(r.Context(), req)
	if err != nil {
		status := statusFor(err)
		if status >= http.StatusInternalServerError {
			log.Error("Embedding generation failed", zap.Int("texts", len(req.Input)), zap.Error(err))
		} else {
			log.Warn("Embedding request failed", zap.Int("status", status), zap.Error(err))
		}
		writeError(w, status, err)
		return
	}

	writeJSON(w, http.StatusOK, resp)
}

// decodeRequest parses an embedding request body. Malformed bodies are input errors.
func decodeRequest(body io.Reader) (*embeddings.EmbeddingRequest, error) {
	var req embeddings.EmbeddingRequest
	if err := json.NewDecoder(body).Decode(&req); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: malformed JSON body: %v", embeddings.ErrInvalidInput, err)
	}
	if req.Input == nil {
		return nil, fmt.Errorf("%w: input must be an array of strings", embeddings.ErrInvalidInput)
	}
	return &req, nil
}

// handleHealth reports whether the model is loaded
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	body := map[string]interface{}{
		"status": "healthy",
		"model":  s.service.ModelName(),
		"device": s.service.Device(),
	}
	if err := s.service.HealthCheck(ctx); err != nil {
		body["status"] = "unhealthy"
		body["error"] = err.Error()
		writeJSON(w, http.StatusServiceUnavailable, body)
		return
	}
	writeJSON(w, http.StatusOK, body)
}

// handleInfo reports model information and runtime statistics
func (s *Server) handleInfo(w http.ResponseWriter, r *http.Request) {
	info := map[string]interface{}{
		"name":      "embedkit",
		"version":   Version,
		"uptime":    time.Since(s.startTime).Round(time.Second).String(),
		"model":     s.service.GetModelInfo(),
		"stats":     s.service.GetStats(),
		"websocket": s.wsHub.GetStats(),
	}
	if s.cache != nil {
		stats, err := s.cache.GetStats(r.Context())
		if err != nil {
			s.requestLogger(r).Warn("Failed to read cache stats", zap.Error(err))
			info["cache"] = map[string]string{"error": err.Error()}
		} else {
			info["cache"] = stats
		}
	}
	writeJSON(w, http.StatusOK, info)
}

// statusFor maps error kinds to HTTP status codes
func statusFor(err error) int {
	var maxErr *http.MaxBytesError
	switch {
	case errors.Is(err, embeddings.ErrTimeoutError):
		return http.StatusGatewayTimeout
	case errors.As(err, &maxErr):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, embeddings.ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, embeddings.ErrModelNotLoaded):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, embeddings.NewErrorResponse(err))
}
