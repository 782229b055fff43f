package dispatch

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

// webhookSender posts event payloads to external URLs. Each URL gets its
// own circuit breaker so one dead receiver cannot starve the rest.
type webhookSender struct {
	client           *http.Client
	maxRetries       int
	timeout          time.Duration
	backoffBase      time.Duration
	breakerThreshold uint32
	breakerReset     time.Duration
	metrics          *Metrics
	logger           *zap.Logger

	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker
}

func newWebhookSender(cfg Config, metrics *Metrics, logger *zap.Logger) *webhookSender {
	return &webhookSender{
		client: &http.Client{
			Timeout: cfg.RequestTimeout,
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 20,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		maxRetries:       cfg.MaxRetries,
		timeout:          cfg.RequestTimeout,
		backoffBase:      time.Second,
		breakerThreshold: cfg.BreakerThreshold,
		breakerReset:     cfg.BreakerReset,
		metrics:          metrics,
		logger:           logger,
		breakers:         make(map[string]*gobreaker.CircuitBreaker),
	}
}

func (s *webhookSender) breaker(url string) *gobreaker.CircuitBreaker {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cb, ok := s.breakers[url]; ok {
		return cb
	}
	threshold := s.breakerThreshold
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    url,
		Timeout: s.breakerReset,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			s.logger.Warn("Webhook circuit state changed",
				zap.String("url", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
	})
	s.breakers[url] = cb
	return cb
}

// openCircuits counts URLs whose breaker is currently open.
func (s *webhookSender) openCircuits() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	open := 0
	for _, cb := range s.breakers {
		if cb.State() == gobreaker.StateOpen {
			open++
		}
	}
	return open
}

// send delivers one payload to one URL through its breaker. Failures are
// counted and logged, never returned: a dead receiver is the receiver's
// problem, not the pipeline's.
func (s *webhookSender) send(ctx context.Context, url string, payload []byte) {
	_, err := s.breaker(url).Execute(func() (interface{}, error) {
		return nil, s.post(ctx, url, payload)
	})
	if err == nil {
		s.metrics.noteSuccess()
		return
	}
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		s.logger.Debug("Webhook circuit open, skipping delivery", zap.String("url", url))
		return
	}
	s.metrics.webhookFailures.Add(1)
	s.metrics.noteError()
	s.logger.Error("Webhook delivery failed",
		zap.String("url", url),
		zap.Error(err))
}

// post runs the POST with bounded retries. Only 5xx replies and
// transport errors retry; a 4xx is the receiver rejecting the payload
// and retrying cannot change that.
func (s *webhookSender) post(ctx context.Context, url string, payload []byte) error {
	var lastErr error
	for attempt := 0; ; attempt++ {
		reqCtx, cancel := context.WithTimeout(ctx, s.timeout)
		req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, url, bytes.NewReader(payload))
		if err != nil {
			cancel()
			return err
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := s.client.Do(req)
		switch {
		case err != nil:
			lastErr = err
		case resp.StatusCode < 400:
			drain(resp)
			cancel()
			return nil
		case resp.StatusCode >= 500:
			lastErr = fmt.Errorf("webhook returned %s", resp.Status)
			drain(resp)
		default:
			err := fmt.Errorf("webhook returned %s", resp.Status)
			drain(resp)
			cancel()
			return err
		}
		cancel()

		if attempt >= s.maxRetries {
			return lastErr
		}
		s.metrics.retries.Add(1)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(s.backoffBase * time.Duration(1<<uint(attempt+1))):
		}
	}
}

func drain(resp *http.Response) {
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
}
