package httpapi

import (
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/chronograph-engine/internal/fault"
	"github.com/chronograph-engine/internal/graph"
	"github.com/chronograph-engine/internal/jsonx"
)

// statusRecorder captures the code a handler wrote.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (s *Server) requestLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// The websocket upgrade hijacks the connection; wrapping the
		// writer would break it.
		if r.URL.Path == "/ws" {
			next.ServeHTTP(w, r)
			return
		}
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.logger.Info("HTTP request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", rec.status),
			zap.Duration("duration", time.Since(start)),
			zap.String("remote", r.RemoteAddr))
	})
}

// decodeBody reads and parses a JSON request body into v, then checks
// its validate tags. Failures come back as fault.Validation.
func (s *Server) decodeBody(w http.ResponseWriter, r *http.Request, v interface{}) error {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes))
	if err != nil {
		return fault.Validation("read body: %v", err)
	}
	if err := jsonx.Unmarshal(body, v); err != nil {
		return fault.Validation("invalid request body: %v", err)
	}
	if err := s.validate.Struct(v); err != nil {
		var invalid *validator.InvalidValidationError
		if errors.As(err, &invalid) {
			return err
		}
		return fault.Wrap(fault.KindValidation, err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	data, err := jsonx.Marshal(v)
	if err != nil {
		http.Error(w, "encoding failed", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	w.Write(data)
}

// errorResponse is the uniform error body.
type errorResponse struct {
	Error string `json:"error"`
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	code := statusFor(err)
	if code >= http.StatusInternalServerError {
		s.logger.Error("Request failed",
			zap.String("path", r.URL.Path),
			zap.Int("status", code),
			zap.Error(err))
	} else {
		s.logger.Debug("Request rejected",
			zap.String("path", r.URL.Path),
			zap.Int("status", code),
			zap.Error(err))
	}
	writeJSON(w, code, errorResponse{Error: err.Error()})
}

// statusFor maps the fault taxonomy onto HTTP status codes. Transient
// failures read as an unavailable backend, never as a caller bug.
func statusFor(err error) int {
	if errors.Is(err, graph.ErrNotFound) {
		return http.StatusNotFound
	}
	var fe *fault.Error
	if errors.As(err, &fe) {
		switch fe.Kind {
		case fault.KindValidation:
			return http.StatusBadRequest
		case fault.KindConflict:
			return http.StatusConflict
		case fault.KindTransient:
			return http.StatusServiceUnavailable
		}
	}
	return http.StatusInternalServerError
}

// resultResponse acknowledges a completed mutation.
type resultResponse struct {
	Message string `json:"message"`
	Success bool   `json:"success"`
}
