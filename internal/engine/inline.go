package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/chronograph-engine/internal/queue"
	"github.com/chronograph-engine/internal/task"
)

// inlineBuffer is how many tasks the in-process lane holds before
// pushes start failing.
const inlineBuffer = 1024

// taskRunner is the slice of the pipeline the inline lane needs.
type taskRunner interface {
	Process(ctx context.Context, t *task.Task) error
}

// inlineQueue stands in for the durable queue when ingestion is
// configured to run in-process. Envelopes still travel through the task
// codec and the shared pipeline, so fingerprinting and event emission
// match queued mode exactly. What is lost is durability and retries: a
// task buffered here dies with the process, and a failed task is logged
// once, not redelivered.
type inlineQueue struct {
	name     string
	deadline time.Duration
	runner   taskRunner
	logger   *zap.Logger

	mu    sync.Mutex
	tasks chan *task.Task
}

func newInlineQueue(name string, runner taskRunner, deadline time.Duration, logger *zap.Logger) *inlineQueue {
	if logger == nil {
		logger = zap.NewNop()
	}
	if deadline <= 0 {
		deadline = 5 * time.Minute
	}
	return &inlineQueue{
		name:     name,
		deadline: deadline,
		runner:   runner,
		logger:   logger.Named("inline"),
		tasks:    make(chan *task.Task, inlineBuffer),
	}
}

// Push decodes and buffers a batch. Acceptance is all or nothing, the
// same contract the queue server gives the proxy.
func (q *inlineQueue) Push(ctx context.Context, queueName string, msgs []queue.PushMessage) ([]string, error) {
	if queueName != q.name {
		return nil, fmt.Errorf("unknown queue %q", queueName)
	}
	decoded := make([]*task.Task, 0, len(msgs))
	ids := make([]string, 0, len(msgs))
	for _, m := range msgs {
		t, err := task.Decode(m.Contents)
		if err != nil {
			return nil, err
		}
		decoded = append(decoded, t)
		ids = append(ids, t.ID)
	}

	// The consumer only ever frees space, so checking capacity under
	// the lock keeps the batch atomic against other pushers.
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(decoded) > cap(q.tasks)-len(q.tasks) {
		return nil, fmt.Errorf("inline lane full (%d pending)", len(q.tasks))
	}
	for _, t := range decoded {
		q.tasks <- t
	}
	return ids, nil
}

// ListQueues reports the single in-process lane. The proxy's health
// check rides on this, so inline ingestion is healthy while the process
// is up.
func (q *inlineQueue) ListQueues(ctx context.Context) ([]string, error) {
	return []string{q.name}, nil
}

// run drains tasks one at a time. A single consumer keeps per-group
// ordering without the pool's lane sharding.
func (q *inlineQueue) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case t := <-q.tasks:
			q.process(ctx, t)
		}
	}
}

func (q *inlineQueue) process(ctx context.Context, t *task.Task) {
	tctx, cancel := context.WithTimeout(ctx, q.deadline)
	defer cancel()
	if err := q.runner.Process(tctx, t); err != nil {
		if ctx.Err() != nil {
			q.logger.Warn("Task abandoned during shutdown", zap.String("task", t.ID))
			return
		}
		q.logger.Error("Inline task failed",
			zap.String("task", t.ID),
			zap.String("type", string(t.Type)),
			zap.Error(err))
		return
	}
	q.logger.Debug("Inline task done", zap.String("task", t.ID))
}

func (q *inlineQueue) pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.tasks)
}
