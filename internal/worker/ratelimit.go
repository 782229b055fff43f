package worker

import (
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// RateLimitConfig bounds how fast LLM-bound work may start. The global
// window is per second; group windows are per minute.
type RateLimitConfig struct {
	GlobalRPS  int
	GroupRPM   int
	SuspendFor time.Duration
}

// DefaultRateLimitConfig returns the worker rate limits.
func DefaultRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{
		GlobalRPS:  100,
		GroupRPM:   60,
		SuspendFor: time.Minute,
	}
}

// RateLimitedError reports a denied acquisition and how long the caller
// should park the task before releasing it.
type RateLimitedError struct {
	GroupID    string
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("rate limited for group %s, retry after %s", e.GroupID, e.RetryAfter)
}

// window is a sliding request log. Old entries are pruned on each check.
type window struct {
	times []time.Time
	limit int
	span  time.Duration
}

func (w *window) allowed(now time.Time) bool {
	cutoff := now.Add(-w.span)
	keep := w.times[:0]
	for _, t := range w.times {
		if t.After(cutoff) {
			keep = append(keep, t)
		}
	}
	w.times = keep
	return len(w.times) < w.limit
}

func (w *window) record(now time.Time) {
	w.times = append(w.times, now)
}

// RateLimiter combines a global sliding window with per-group windows.
// A group that exceeds its budget is suspended for a cooldown so one hot
// group cannot monopolize the pool.
type RateLimiter struct {
	mu        sync.Mutex
	cfg       RateLimitConfig
	global    window
	groups    map[string]*window
	suspended map[string]time.Time
	now       func() time.Time
	logger    *zap.Logger
}

// NewRateLimiter builds a limiter with the given budgets.
func NewRateLimiter(cfg RateLimitConfig, logger *zap.Logger) *RateLimiter {
	if logger == nil {
		logger = zap.NewNop()
	}
	def := DefaultRateLimitConfig()
	if cfg.GlobalRPS <= 0 {
		cfg.GlobalRPS = def.GlobalRPS
	}
	if cfg.GroupRPM <= 0 {
		cfg.GroupRPM = def.GroupRPM
	}
	if cfg.SuspendFor <= 0 {
		cfg.SuspendFor = def.SuspendFor
	}
	return &RateLimiter{
		cfg:       cfg,
		global:    window{limit: cfg.GlobalRPS, span: time.Second},
		groups:    make(map[string]*window),
		suspended: make(map[string]time.Time),
		now:       time.Now,
		logger:    logger,
	}
}

// Acquire records one request against the global and group budgets, or
// returns a RateLimitedError without recording anything.
func (rl *RateLimiter) Acquire(groupID string) error {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	if !rl.global.allowed(now) {
		return &RateLimitedError{GroupID: "global", RetryAfter: time.Second}
	}
	if groupID != "" {
		if until, ok := rl.suspended[groupID]; ok {
			if now.Before(until) {
				return &RateLimitedError{GroupID: groupID, RetryAfter: until.Sub(now)}
			}
			delete(rl.suspended, groupID)
		}
		w, ok := rl.groups[groupID]
		if !ok {
			w = &window{limit: rl.cfg.GroupRPM, span: time.Minute}
			rl.groups[groupID] = w
		}
		if !w.allowed(now) {
			rl.suspended[groupID] = now.Add(rl.cfg.SuspendFor)
			rl.logger.Warn("Suspending group after rate limit breach",
				zap.String("group_id", groupID),
				zap.Duration("for", rl.cfg.SuspendFor))
			return &RateLimitedError{GroupID: groupID, RetryAfter: rl.cfg.SuspendFor}
		}
		w.record(now)
	}
	rl.global.record(now)
	return nil
}
