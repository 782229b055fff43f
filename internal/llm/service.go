// Package llm provides the completion adapter used by extraction and
// deduplication. Responses are JSON-only: the adapter decodes into the
// caller's typed struct, checks it against the struct's validate tags,
// and re-prompts the model with the parse error when the reply does not
// conform.
package llm

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/chronograph-engine/internal/fault"
	"github.com/chronograph-engine/internal/jsonx"
)

// Tier selects the model size for a call. Extraction runs large;
// contradiction checks run small.
type Tier string

const (
	TierSmall Tier = "small"
	TierLarge Tier = "large"
)

// Request is one JSON-completion call.
type Request struct {
	System      string
	User        string
	Tier        Tier
	Temperature float64
	MaxTokens   int
}

// Completer is the surface the pipeline depends on; tests substitute it.
type Completer interface {
	CompleteJSON(ctx context.Context, req Request, out interface{}) error
}

// Config parameterizes the adapter.
type Config struct {
	// BaseURL is the host of an OpenAI-compatible chat endpoint.
	BaseURL    string
	APIKey     string
	SmallModel string
	LargeModel string
	Timeout    time.Duration
	// MaxRetries bounds transport-level retries (5xx, timeouts).
	MaxRetries int
	// SchemaRetries bounds re-prompts after a non-conforming reply.
	SchemaRetries    int
	MaxConcurrent    int
	DefaultMaxTokens int
}

// DefaultConfig returns the adapter defaults.
func DefaultConfig() Config {
	return Config{
		BaseURL:          "http://localhost:11434",
		SmallModel:       "qwen2.5:3b",
		LargeModel:       "qwen2.5:14b",
		Timeout:          120 * time.Second,
		MaxRetries:       3,
		SchemaRetries:    3,
		MaxConcurrent:    4,
		DefaultMaxTokens: 4096,
	}
}

// Service implements Completer over HTTP.
type Service struct {
	cfg      Config
	client   *http.Client
	validate *validator.Validate
	sem      chan struct{}
	logger   *zap.Logger
}

// NewService prepares the adapter. The validator instance is shared
// across calls; building one per call is expensive.
func NewService(cfg Config, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 1
	}
	return &Service{
		cfg:      cfg,
		client:   &http.Client{Timeout: cfg.Timeout},
		validate: validator.New(),
		sem:      make(chan struct{}, cfg.MaxConcurrent),
		logger:   logger.Named("llm"),
	}
}

func (s *Service) model(tier Tier) string {
	if tier == TierSmall {
		return s.cfg.SmallModel
	}
	return s.cfg.LargeModel
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// CompleteJSON runs one schema-checked completion. out must be a pointer
// to a struct carrying validate tags; a reply that fails to decode or
// validate is retried with the error fed back to the model, and
// exhaustion surfaces as a schema fault.
func (s *Service) CompleteJSON(ctx context.Context, req Request, out interface{}) error {
	select {
	case s.sem <- struct{}{}:
		defer func() { <-s.sem }()
	case <-ctx.Done():
		return ctx.Err()
	}

	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = s.cfg.DefaultMaxTokens
	}
	messages := []chatMessage{
		{Role: "system", Content: req.System},
		{Role: "user", Content: req.User},
	}

	var lastErr error
	for attempt := 0; attempt <= s.cfg.SchemaRetries; attempt++ {
		content, err := s.complete(ctx, s.model(req.Tier), messages, req.Temperature, maxTokens)
		if err != nil {
			return err
		}

		raw := StripCodeFence(content)
		if err := s.decodeChecked(raw, out); err != nil {
			lastErr = err
			s.logger.Warn("llm reply failed schema check, re-prompting",
				zap.Int("attempt", attempt+1),
				zap.Error(err))
			messages = append(messages,
				chatMessage{Role: "assistant", Content: content},
				chatMessage{Role: "user", Content: fmt.Sprintf(
					"Your previous reply did not match the required JSON schema: %v. Respond again with only the corrected JSON object, no prose and no code fences.", err)},
			)
			continue
		}
		return nil
	}
	return fault.Schema(fmt.Errorf("llm reply failed schema validation after %d attempts: %w",
		s.cfg.SchemaRetries+1, lastErr))
}

func (s *Service) decodeChecked(raw string, out interface{}) error {
	if err := jsonx.UnmarshalFromString(raw, out); err != nil {
		return fmt.Errorf("parse json: %w", err)
	}
	v := reflect.ValueOf(out)
	if v.Kind() == reflect.Ptr && v.Elem().Kind() == reflect.Struct {
		if err := s.validate.Struct(out); err != nil {
			return fmt.Errorf("validate: %w", err)
		}
	}
	return nil
}

// complete runs the transport with retries on transient failures.
func (s *Service) complete(ctx context.Context, model string, messages []chatMessage, temperature float64, maxTokens int) (string, error) {
	var lastErr error
	for attempt := 1; attempt <= s.cfg.MaxRetries; attempt++ {
		if attempt > 1 {
			backoff := time.Duration(1<<(attempt-2)) * 500 * time.Millisecond
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return "", ctx.Err()
			}
		}
		content, err := s.completeOnce(ctx, model, messages, temperature, maxTokens)
		if err == nil {
			return content, nil
		}
		if !fault.IsTransient(err) {
			return "", err
		}
		lastErr = err
		s.logger.Warn("llm request failed, retrying",
			zap.String("model", model),
			zap.Int("attempt", attempt),
			zap.Error(err))
	}
	return "", fault.Transient(fmt.Errorf("llm unavailable after %d attempts: %w", s.cfg.MaxRetries, lastErr))
}

func (s *Service) completeOnce(ctx context.Context, model string, messages []chatMessage, temperature float64, maxTokens int) (string, error) {
	body := map[string]interface{}{
		"model":       model,
		"messages":    messages,
		"temperature": temperature,
		"max_tokens":  maxTokens,
		"stream":      false,
	}
	jsonBody, err := jsonx.Marshal(body)
	if err != nil {
		return "", fmt.Errorf("failed to marshal request: %w", err)
	}

	url := strings.TrimSuffix(s.cfg.BaseURL, "/") + "/v1/chat/completions"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(jsonBody))
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if s.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+s.cfg.APIKey)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return "", fault.Transient(fmt.Errorf("llm request failed: %w", err))
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fault.Transient(fmt.Errorf("failed to read response: %w", err))
	}

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return "", fault.Transient(fmt.Errorf("llm API error (status %d): %s", resp.StatusCode, truncate(respBody, 256)))
	default:
		return "", fault.Permanent(fmt.Errorf("llm API error (status %d): %s", resp.StatusCode, truncate(respBody, 256)))
	}

	var result map[string]interface{}
	if err := jsonx.Unmarshal(respBody, &result); err != nil {
		return "", fault.Transient(fmt.Errorf("failed to parse response: %w", err))
	}
	return extractContent(result)
}

// extractContent pulls the completion text out of the provider reply.
func extractContent(result map[string]interface{}) (string, error) {
	// OpenAI-compatible format.
	if choices, ok := result["choices"].([]interface{}); ok && len(choices) > 0 {
		if choice, ok := choices[0].(map[string]interface{}); ok {
			if message, ok := choice["message"].(map[string]interface{}); ok {
				if content, ok := message["content"].(string); ok {
					return content, nil
				}
			}
		}
	}
	// Ollama native format.
	if message, ok := result["message"].(map[string]interface{}); ok {
		if content, ok := message["content"].(string); ok {
			return content, nil
		}
	}
	return "", fault.Transient(fmt.Errorf("no content in llm response"))
}

// StripCodeFence unwraps a reply the model wrapped in a markdown fence.
func StripCodeFence(content string) string {
	s := strings.TrimSpace(content)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[i+1:]
	} else {
		return strings.TrimSpace(strings.TrimPrefix(s, "```"))
	}
	if i := strings.LastIndex(s, "```"); i >= 0 {
		s = s[:i]
	}
	return strings.TrimSpace(s)
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
