package worker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/chronograph-engine/internal/fault"
	"github.com/chronograph-engine/internal/jsonx"
	"github.com/chronograph-engine/internal/queue"
	"github.com/chronograph-engine/internal/task"
)

// fakeQueue hands out a fixed batch once, then polls empty.
type fakeQueue struct {
	mu       sync.Mutex
	batch    []queue.PolledMessage
	deletes  []string
	updates  []time.Duration
	pushes   map[string][]queue.PushMessage
	polled   bool
}

func newFakeQueue(msgs ...queue.PolledMessage) *fakeQueue {
	return &fakeQueue{batch: msgs, pushes: make(map[string][]queue.PushMessage)}
}

func (q *fakeQueue) Poll(_ context.Context, _ string, _ int, _ time.Duration) ([]queue.PolledMessage, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.polled {
		return nil, nil
	}
	q.polled = true
	return q.batch, nil
}

func (q *fakeQueue) Delete(_ context.Context, _ string, id, _ string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.deletes = append(q.deletes, id)
	return nil
}

func (q *fakeQueue) Update(_ context.Context, _ string, _ string, _ string, visibility time.Duration) (string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.updates = append(q.updates, visibility)
	return "tag-2", nil
}

func (q *fakeQueue) Push(_ context.Context, queueName string, msgs []queue.PushMessage) ([]string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.pushes[queueName] = append(q.pushes[queueName], msgs...)
	return nil, nil
}

func (q *fakeQueue) snapshot() (deletes []string, updates []time.Duration, dead []queue.PushMessage) {
	q.mu.Lock()
	defer q.mu.Unlock()
	deletes = append(deletes, q.deletes...)
	updates = append(updates, q.updates...)
	dead = append(dead, q.pushes["dead_letter"]...)
	return deletes, updates, dead
}

// stubProcessor returns scripted errors and records processed order.
type stubProcessor struct {
	mu      sync.Mutex
	metrics *Metrics
	err     error
	order   []string
	delay   time.Duration
}

func newStubProcessor(err error) *stubProcessor {
	return &stubProcessor{metrics: NewMetrics(), err: err}
}

func (s *stubProcessor) Process(_ context.Context, t *task.Task) error {
	if s.delay > 0 {
		time.Sleep(s.delay)
	}
	s.mu.Lock()
	s.order = append(s.order, t.ID)
	s.mu.Unlock()
	return s.err
}

func (s *stubProcessor) Metrics() *Metrics { return s.metrics }

func (s *stubProcessor) seen() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.order))
	copy(out, s.order)
	return out
}

func polledTask(t *testing.T, id, group string, deliveryCount int) queue.PolledMessage {
	t.Helper()
	tk := &task.Task{
		ID:      id,
		Type:    task.TypeEpisode,
		GroupID: group,
		Payload: map[string]interface{}{"uuid": "ep-" + id, "content": "hello"},
	}
	body, err := tk.Encode()
	require.NoError(t, err)
	return queue.PolledMessage{ID: id, PollTag: "tag-" + id, DeliveryCount: deliveryCount, Contents: body}
}

func testPoolConfig() Config {
	cfg := DefaultConfig()
	cfg.PollBackoffMin = 5 * time.Millisecond
	cfg.PollBackoffMax = 20 * time.Millisecond
	return cfg
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not reached in time")
}

func TestPoolProcessesAndAcks(t *testing.T) {
	q := newFakeQueue(polledTask(t, "m1", "g1", 1))
	proc := newStubProcessor(nil)
	pool := NewPool(testPoolConfig(), q, proc, zaptest.NewLogger(t))

	pool.Start()
	defer pool.Stop()

	waitFor(t, func() bool { return proc.metrics.Snapshot()["processed"] == 1 })
	deletes, _, dead := q.snapshot()
	assert.Equal(t, []string{"m1"}, deletes)
	assert.Empty(t, dead)
}

func TestPoolParksRecoverableFailure(t *testing.T) {
	q := newFakeQueue(polledTask(t, "m1", "g1", 1))
	proc := newStubProcessor(fault.Transient(errors.New("store down")))
	pool := NewPool(testPoolConfig(), q, proc, zaptest.NewLogger(t))

	pool.Start()
	defer pool.Stop()

	waitFor(t, func() bool { return proc.metrics.Snapshot()["retried"] == 1 })
	deletes, updates, dead := q.snapshot()
	assert.Empty(t, deletes, "a parked task must not be acked")
	assert.Empty(t, dead)
	require.Len(t, updates, 1)
	// First retry parks for the 10s base backoff.
	assert.Equal(t, 10*time.Second, updates[0])
}

func TestPoolDeadLettersPermanentFailure(t *testing.T) {
	q := newFakeQueue(polledTask(t, "m1", "g1", 1))
	proc := newStubProcessor(fault.Permanent(errors.New("group deleted")))
	pool := NewPool(testPoolConfig(), q, proc, zaptest.NewLogger(t))

	pool.Start()
	defer pool.Stop()

	waitFor(t, func() bool { return proc.metrics.Snapshot()["dead_lettered"] == 1 })
	deletes, _, dead := q.snapshot()
	assert.Equal(t, []string{"m1"}, deletes, "dead-lettered task must be acked")
	require.Len(t, dead, 1)

	var record task.Task
	require.NoError(t, jsonx.Unmarshal(dead[0].Contents, &record))
	assert.Equal(t, "m1", record.ID)
	assert.Contains(t, record.Metadata["error"], "group deleted")
	assert.Equal(t, "permanent", record.Metadata["error_type"])
	assert.NotEmpty(t, record.Metadata["failed_at"])
	assert.Contains(t, record.Metadata["worker_id"], "worker-")
}

func TestPoolDeadLettersExhaustedRetries(t *testing.T) {
	// Fourth delivery of a task with the default budget of 3 retries.
	q := newFakeQueue(polledTask(t, "m1", "g1", 4))
	proc := newStubProcessor(fault.Transient(errors.New("still failing")))
	pool := NewPool(testPoolConfig(), q, proc, zaptest.NewLogger(t))

	pool.Start()
	defer pool.Stop()

	waitFor(t, func() bool { return proc.metrics.Snapshot()["dead_lettered"] == 1 })
	deletes, updates, dead := q.snapshot()
	assert.Equal(t, []string{"m1"}, deletes)
	assert.Empty(t, updates)
	assert.Len(t, dead, 1)
}

func TestPoolDeadLettersUndecodableMessage(t *testing.T) {
	q := newFakeQueue(queue.PolledMessage{
		ID:            "junk",
		PollTag:       "tag-junk",
		DeliveryCount: 1,
		Contents:      []byte("not json at all"),
	})
	proc := newStubProcessor(nil)
	pool := NewPool(testPoolConfig(), q, proc, zaptest.NewLogger(t))

	pool.Start()
	defer pool.Stop()

	waitFor(t, func() bool { return proc.metrics.Snapshot()["dead_lettered"] == 1 })
	deletes, _, dead := q.snapshot()
	assert.Equal(t, []string{"junk"}, deletes)
	require.Len(t, dead, 1)

	var record map[string]interface{}
	require.NoError(t, jsonx.Unmarshal(dead[0].Contents, &record))
	assert.Equal(t, "junk", record["id"])
	assert.Equal(t, "not json at all", record["contents"])
	assert.Empty(t, proc.seen(), "undecodable messages never reach the pipeline")
}

func TestPoolKeepsGroupOrder(t *testing.T) {
	q := newFakeQueue(
		polledTask(t, "m1", "g1", 1),
		polledTask(t, "m2", "g1", 1),
		polledTask(t, "m3", "g1", 1),
	)
	proc := newStubProcessor(nil)
	proc.delay = 10 * time.Millisecond
	pool := NewPool(testPoolConfig(), q, proc, zaptest.NewLogger(t))

	pool.Start()
	defer pool.Stop()

	waitFor(t, func() bool { return proc.metrics.Snapshot()["processed"] == 3 })
	assert.Equal(t, []string{"m1", "m2", "m3"}, proc.seen(),
		"one group's tasks must apply in delivery order")
}

func TestLaneForIsStable(t *testing.T) {
	pool := NewPool(testPoolConfig(), newFakeQueue(), newStubProcessor(nil), zaptest.NewLogger(t))
	a := pool.laneFor("group-a")
	for i := 0; i < 10; i++ {
		assert.Equal(t, a, pool.laneFor("group-a"))
	}
	assert.GreaterOrEqual(t, a, 0)
	assert.Less(t, a, len(pool.lanes))
}

func TestPoolStopIsIdempotent(t *testing.T) {
	pool := NewPool(testPoolConfig(), newFakeQueue(), newStubProcessor(nil), zaptest.NewLogger(t))
	pool.Start()
	pool.Stop()
	pool.Stop()

	snap := pool.MetricsSnapshot()
	assert.Equal(t, false, snap["running"])
	assert.Contains(t, snap["worker_id"], "worker-")
}
