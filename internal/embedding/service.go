// Package embedding turns text into L2-normalized vectors via an HTTP
// embedding provider. The dimension is fixed per configured model;
// changing the model requires a backfill of stored embeddings.
package embedding

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"math"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/chronograph-engine/internal/fault"
	"github.com/chronograph-engine/internal/jsonx"
)

// Embedder is the adapter contract. Implementations return one vector
// per input text, all of Dimension() length.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
	Dimension() int
	Close() error
}

// Config parameterizes the HTTP embedder.
type Config struct {
	ProviderURL string
	Model       string
	Dimension   int
	Timeout     time.Duration
	MaxRetries  int
}

// Service calls an embedding provider exposing /api/embeddings.
type Service struct {
	cfg    Config
	client *http.Client
	logger *zap.Logger
}

// New creates the HTTP embedder.
func New(cfg Config, logger *zap.Logger) *Service {
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = 3
	}
	if cfg.Dimension == 0 {
		cfg.Dimension = 768
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
		logger: logger.Named("embedding"),
	}
}

type embedRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
}

type embedResponse struct {
	Embedding []float64 `json:"embedding"`
}

// Embed generates one normalized vector.
func (s *Service) Embed(ctx context.Context, text string) ([]float32, error) {
	var lastErr error
	for attempt := 0; attempt < s.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			delay := time.Duration(1<<uint(attempt-1)) * 500 * time.Millisecond
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return nil, fault.Transient(ctx.Err())
			}
		}
		vec, err := s.embedOnce(ctx, text)
		if err == nil {
			return vec, nil
		}
		lastErr = err
		s.logger.Warn("embed attempt failed",
			zap.Int("attempt", attempt+1),
			zap.Error(err))
	}
	return nil, fault.Transient(fmt.Errorf("embed after %d attempts: %w", s.cfg.MaxRetries, lastErr))
}

func (s *Service) embedOnce(ctx context.Context, text string) ([]float32, error) {
	body, err := jsonx.Marshal(embedRequest{Model: s.cfg.Model, Prompt: text})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.cfg.ProviderURL+"/api/embeddings", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("embedding provider status %d", resp.StatusCode)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	var result embedResponse
	if err := jsonx.Unmarshal(data, &result); err != nil {
		return nil, err
	}
	if len(result.Embedding) == 0 {
		return nil, fmt.Errorf("empty embedding returned")
	}

	vec := make([]float32, len(result.Embedding))
	for i, v := range result.Embedding {
		vec[i] = float32(v)
	}
	Normalize(vec)

	if len(vec) != s.cfg.Dimension {
		return nil, fault.Permanent(fmt.Errorf("embedding dimension %d, configured %d", len(vec), s.cfg.Dimension))
	}
	return vec, nil
}

// EmbedBatch generates normalized vectors for all texts. A transient
// provider failure fails the whole batch; callers mark the affected
// nodes pending_embedding and move on.
func (s *Service) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	vectors := make([][]float32, len(texts))
	for i, text := range texts {
		vec, err := s.Embed(ctx, text)
		if err != nil {
			return nil, err
		}
		vectors[i] = vec
	}
	return vectors, nil
}

// Dimension returns the configured vector length.
func (s *Service) Dimension() int { return s.cfg.Dimension }

// Close releases resources.
func (s *Service) Close() error { return nil }

// Normalize scales v to unit length in place. Zero vectors stay zero.
func Normalize(v []float32) {
	var sumSq float64
	for _, x := range v {
		sumSq += float64(x) * float64(x)
	}
	norm := math.Sqrt(sumSq)
	if norm < 1e-9 {
		return
	}
	inv := float32(1 / norm)
	for i := range v {
		v[i] *= inv
	}
}

// Cosine returns the cosine similarity of a and b, 0 on length mismatch.
// Inputs are expected normalized but the denominator is computed anyway
// so legacy un-normalized rows still score correctly.
func Cosine(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
