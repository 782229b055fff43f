package worker

import "sync"

// Metrics tracks pool outcomes. One instance is shared between the pool
// and its pipeline so idempotent skips land in the same snapshot.
type Metrics struct {
	mu              sync.Mutex
	processed       int64
	failed          int64
	retried         int64
	deadLettered    int64
	idempotentSkips int64
}

// NewMetrics returns a zeroed counter set.
func NewMetrics() *Metrics { return &Metrics{} }

func (m *Metrics) recordProcessed() {
	m.mu.Lock()
	m.processed++
	m.mu.Unlock()
}

func (m *Metrics) recordFailure() {
	m.mu.Lock()
	m.failed++
	m.mu.Unlock()
}

func (m *Metrics) recordRetry() {
	m.mu.Lock()
	m.retried++
	m.mu.Unlock()
}

func (m *Metrics) recordDeadLetter() {
	m.mu.Lock()
	m.deadLettered++
	m.mu.Unlock()
}

func (m *Metrics) recordIdempotentSkip() {
	m.mu.Lock()
	m.idempotentSkips++
	m.mu.Unlock()
}

// Snapshot copies the counters for the metrics endpoint.
func (m *Metrics) Snapshot() map[string]int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return map[string]int64{
		"processed":        m.processed,
		"failed":           m.failed,
		"retried":          m.retried,
		"dead_lettered":    m.deadLettered,
		"idempotent_skips": m.idempotentSkips,
	}
}
