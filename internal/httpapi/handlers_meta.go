package httpapi

import (
	"errors"
	"net/http"

	"github.com/chronograph-engine/internal/fault"
	"github.com/chronograph-engine/internal/relevance"
)

func (s *Server) handleHealthcheck(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

func (s *Server) metricsHandler(fn MetricsFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if fn == nil {
			writeJSON(w, http.StatusOK, map[string]interface{}{})
			return
		}
		writeJSON(w, http.StatusOK, fn())
	}
}

type relevanceFeedbackRequest struct {
	QueryID      string             `json:"query_id" validate:"required"`
	QueryText    string             `json:"query_text,omitempty"`
	MemoryScores map[string]float64 `json:"memory_scores" validate:"required,min=1"`
	ResponseText string             `json:"response_text,omitempty"`
}

type relevanceFeedbackResponse struct {
	Status         string `json:"status"`
	ProcessedCount int    `json:"processed_count"`
}

func (s *Server) handleRelevanceFeedback(w http.ResponseWriter, r *http.Request) {
	if s.deps.Feedback == nil {
		s.writeError(w, r, fault.Transient(errors.New("relevance feedback is not configured")))
		return
	}
	var req relevanceFeedbackRequest
	if err := s.decodeBody(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}

	processed, err := s.deps.Feedback.Submit(r.Context(), relevance.Submission{
		QueryID:      req.QueryID,
		QueryText:    req.QueryText,
		MemoryScores: req.MemoryScores,
		ResponseText: req.ResponseText,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, relevanceFeedbackResponse{
		Status:         "success",
		ProcessedCount: processed,
	})
}
