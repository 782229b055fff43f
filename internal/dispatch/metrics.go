package dispatch

import (
	"sync"
	"sync/atomic"
	"time"
)

// Metrics tracks dispatch outcomes for the metrics endpoint.
type Metrics struct {
	emitted         atomic.Int64
	dropped         atomic.Int64
	handlerFailures atomic.Int64
	webhookFailures atomic.Int64
	retries         atomic.Int64
	journalFailures atomic.Int64
	highWater       atomic.Int64

	mu          sync.Mutex
	lastError   time.Time
	lastSuccess time.Time
}

func NewMetrics() *Metrics {
	return &Metrics{}
}

func (m *Metrics) noteQueueDepth(n int) {
	for {
		cur := m.highWater.Load()
		if int64(n) <= cur || m.highWater.CompareAndSwap(cur, int64(n)) {
			return
		}
	}
}

func (m *Metrics) noteError() {
	m.mu.Lock()
	m.lastError = time.Now().UTC()
	m.mu.Unlock()
}

func (m *Metrics) noteSuccess() {
	m.mu.Lock()
	m.lastSuccess = time.Now().UTC()
	m.mu.Unlock()
}

// Snapshot flattens the counters. Timestamps are RFC3339 strings and
// nil before the first event.
func (m *Metrics) Snapshot() map[string]interface{} {
	m.mu.Lock()
	lastError := m.lastError
	lastSuccess := m.lastSuccess
	m.mu.Unlock()

	out := map[string]interface{}{
		"events_emitted":            m.emitted.Load(),
		"events_dropped":            m.dropped.Load(),
		"handler_failures":          m.handlerFailures.Load(),
		"external_webhook_failures": m.webhookFailures.Load(),
		"external_retries":          m.retries.Load(),
		"journal_failures":          m.journalFailures.Load(),
		"queue_high_water":          m.highWater.Load(),
		"last_error_time":           nil,
		"last_success_time":         nil,
	}
	if !lastError.IsZero() {
		out["last_error_time"] = lastError.Format(time.RFC3339)
	}
	if !lastSuccess.IsZero() {
		out["last_success_time"] = lastSuccess.Format(time.RFC3339)
	}
	return out
}
