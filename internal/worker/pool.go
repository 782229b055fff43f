package worker

import (
	"context"
	"errors"
	"hash/fnv"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/chronograph-engine/internal/fault"
	"github.com/chronograph-engine/internal/jsonx"
	"github.com/chronograph-engine/internal/queue"
	"github.com/chronograph-engine/internal/task"
)

// Config sizes the pool and its retry policy.
type Config struct {
	Queue           string
	DeadLetterQueue string
	// Lanes is the concurrent task limit. Tasks shard onto lanes by
	// group hash, so one group is always single threaded.
	Lanes             int
	BatchSize         int
	VisibilityTimeout time.Duration
	TaskDeadline      time.Duration
	// MaxRetries applies when a task carries none of its own.
	MaxRetries     int
	PollBackoffMin time.Duration
	PollBackoffMax time.Duration
	RateLimit      RateLimitConfig
}

// DefaultConfig returns the worker pool defaults.
func DefaultConfig() Config {
	return Config{
		Queue:             "ingestion",
		DeadLetterQueue:   "dead_letter",
		Lanes:             4,
		BatchSize:         10,
		VisibilityTimeout: 5 * time.Minute,
		TaskDeadline:      5 * time.Minute,
		MaxRetries:        3,
		PollBackoffMin:    100 * time.Millisecond,
		PollBackoffMax:    5 * time.Second,
		RateLimit:         DefaultRateLimitConfig(),
	}
}

// TaskQueue is the queue surface the pool consumes. *queue.Client
// implements it.
type TaskQueue interface {
	Poll(ctx context.Context, queue string, count int, visibility time.Duration) ([]queue.PolledMessage, error)
	Delete(ctx context.Context, queue, id, pollTag string) error
	Update(ctx context.Context, queue, id, pollTag string, visibility time.Duration) (string, error)
	Push(ctx context.Context, queue string, msgs []queue.PushMessage) ([]string, error)
}

// Processor is the pipeline surface the pool drives. *Pipeline
// implements it.
type Processor interface {
	Process(ctx context.Context, t *task.Task) error
	Metrics() *Metrics
}

// delivery pairs a polled message with its decoded task.
type delivery struct {
	msg queue.PolledMessage
	t   *task.Task
}

const laneBuffer = 16

// Pool polls the ingestion queue and fans deliveries out to lanes.
type Pool struct {
	cfg      Config
	queue    TaskQueue
	pipeline Processor
	limiter  *RateLimiter
	metrics  *Metrics
	logger   *zap.Logger
	workerID string

	lanes  []chan delivery
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	running bool
}

// NewPool builds a stopped pool around a shared pipeline.
func NewPool(cfg Config, q TaskQueue, pipeline Processor, logger *zap.Logger) *Pool {
	if logger == nil {
		logger = zap.NewNop()
	}
	def := DefaultConfig()
	if cfg.Queue == "" {
		cfg.Queue = def.Queue
	}
	if cfg.DeadLetterQueue == "" {
		cfg.DeadLetterQueue = def.DeadLetterQueue
	}
	if cfg.Lanes <= 0 {
		cfg.Lanes = def.Lanes
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.VisibilityTimeout <= 0 {
		cfg.VisibilityTimeout = def.VisibilityTimeout
	}
	if cfg.TaskDeadline <= 0 {
		cfg.TaskDeadline = def.TaskDeadline
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = def.MaxRetries
	}
	if cfg.PollBackoffMin <= 0 {
		cfg.PollBackoffMin = def.PollBackoffMin
	}
	if cfg.PollBackoffMax <= 0 {
		cfg.PollBackoffMax = def.PollBackoffMax
	}

	logger = logger.Named("worker")
	lanes := make([]chan delivery, cfg.Lanes)
	for i := range lanes {
		lanes[i] = make(chan delivery, laneBuffer)
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Pool{
		cfg:      cfg,
		queue:    q,
		pipeline: pipeline,
		limiter:  NewRateLimiter(cfg.RateLimit, logger),
		metrics:  pipeline.Metrics(),
		logger:   logger,
		workerID: "worker-" + uuid.NewString()[:8],
		lanes:    lanes,
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Start launches the poller and lane goroutines.
func (p *Pool) Start() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		return
	}
	p.running = true

	for i := range p.lanes {
		p.wg.Add(1)
		go p.runLane(i)
	}
	p.wg.Add(1)
	go p.runPoller()
	p.logger.Info("Worker pool started",
		zap.String("worker_id", p.workerID),
		zap.Int("lanes", len(p.lanes)),
		zap.String("queue", p.cfg.Queue))
}

// Stop signals all goroutines and waits for them. In-flight tasks are
// abandoned; their leases lapse and the queue redelivers.
func (p *Pool) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	p.mu.Unlock()

	p.cancel()
	p.wg.Wait()
	p.logger.Info("Worker pool stopped", zap.String("worker_id", p.workerID))
}

// MetricsSnapshot returns the counters plus pool identity.
func (p *Pool) MetricsSnapshot() map[string]interface{} {
	out := make(map[string]interface{})
	for k, v := range p.metrics.Snapshot() {
		out[k] = v
	}
	out["worker_id"] = p.workerID
	out["lanes"] = len(p.lanes)
	p.mu.Lock()
	out["running"] = p.running
	p.mu.Unlock()
	return out
}

func (p *Pool) runPoller() {
	defer p.wg.Done()
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("Panic in poll loop", zap.Any("panic", r), zap.Stack("stacktrace"))
		}
	}()

	backoff := p.cfg.PollBackoffMin
	for {
		if p.ctx.Err() != nil {
			return
		}
		msgs, err := p.queue.Poll(p.ctx, p.cfg.Queue, p.cfg.BatchSize, p.cfg.VisibilityTimeout)
		if err != nil {
			if p.ctx.Err() != nil {
				return
			}
			p.logger.Warn("Queue poll failed", zap.Error(err))
			if !p.sleep(backoff) {
				return
			}
			backoff = p.nextBackoff(backoff)
			continue
		}
		if len(msgs) == 0 {
			if !p.sleep(backoff) {
				return
			}
			backoff = p.nextBackoff(backoff)
			continue
		}
		backoff = p.cfg.PollBackoffMin

		for _, msg := range msgs {
			t, err := task.Decode(msg.Contents)
			if err != nil {
				p.handleUndecodable(msg, err)
				continue
			}
			lane := p.laneFor(t.GroupID)
			select {
			case p.lanes[lane] <- delivery{msg: msg, t: t}:
			case <-p.ctx.Done():
				return
			}
		}
	}
}

func (p *Pool) runLane(i int) {
	defer p.wg.Done()
	for {
		select {
		case <-p.ctx.Done():
			return
		case d := <-p.lanes[i]:
			p.handle(d)
		}
	}
}

// laneFor shards by group so a group's tasks never interleave.
func (p *Pool) laneFor(groupID string) int {
	h := fnv.New32a()
	h.Write([]byte(groupID))
	return int(h.Sum32() % uint32(len(p.lanes)))
}

// handle runs one delivery with panic isolation. A panicking task is
// never acked; the lease lapses and the queue redelivers it.
func (p *Pool) handle(d delivery) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("Panic processing task",
				zap.Any("panic", r),
				zap.String("task", d.t.ID),
				zap.Stack("stacktrace"))
			p.metrics.recordFailure()
		}
	}()

	retries := d.msg.DeliveryCount - 1
	if retries < 0 {
		retries = 0
	}
	d.t.RetryCount = retries
	maxRetries := d.t.MaxRetries
	if maxRetries <= 0 {
		maxRetries = p.cfg.MaxRetries
	}

	if err := p.limiter.Acquire(d.t.GroupID); err != nil {
		var rl *RateLimitedError
		if errors.As(err, &rl) {
			p.logger.Debug("Task rate limited",
				zap.String("task", d.t.ID),
				zap.String("group_id", rl.GroupID),
				zap.Duration("retry_after", rl.RetryAfter))
			p.park(d, backoffFor(rl.RetryAfter, retries))
			return
		}
	}

	ctx, cancel := context.WithTimeout(p.ctx, p.cfg.TaskDeadline)
	err := p.pipeline.Process(ctx, d.t)
	cancel()

	switch {
	case err == nil:
		p.ack(d.msg)
		p.metrics.recordProcessed()
	case p.ctx.Err() != nil:
		p.logger.Warn("Task abandoned during shutdown", zap.String("task", d.t.ID))
	case fault.IsDeadLetter(err):
		p.metrics.recordFailure()
		p.deadLetter(d, err)
	case retries < maxRetries:
		p.metrics.recordFailure()
		p.logger.Warn("Task failed, parking for retry",
			zap.String("task", d.t.ID),
			zap.Int("retry", retries),
			zap.Error(err))
		p.park(d, backoffFor(10*time.Second, retries))
	default:
		p.metrics.recordFailure()
		p.logger.Error("Task exhausted its retry budget",
			zap.String("task", d.t.ID),
			zap.Int("retries", retries),
			zap.Error(err))
		p.deadLetter(d, err)
	}
}

// park extends the lease so the task redelivers after the backoff. The
// fresh poll tag is discarded; the next delivery carries its own.
func (p *Pool) park(d delivery, wait time.Duration) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := p.queue.Update(ctx, p.cfg.Queue, d.msg.ID, d.msg.PollTag, wait); err != nil {
		p.logger.Warn("Failed to park task, visibility timeout applies",
			zap.String("task", d.msg.ID),
			zap.Error(err))
		return
	}
	p.metrics.recordRetry()
}

func (p *Pool) ack(msg queue.PolledMessage) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := p.queue.Delete(ctx, p.cfg.Queue, msg.ID, msg.PollTag); err != nil {
		p.logger.Warn("Failed to ack task", zap.String("task", msg.ID), zap.Error(err))
	}
}

// deadLetter records the failure alongside the original payload, then
// acks the original so it stops redelivering. If the record cannot be
// written the original is left to redeliver instead.
func (p *Pool) deadLetter(d delivery, cause error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	t := d.t
	if t.Metadata == nil {
		t.Metadata = make(map[string]interface{})
	}
	t.Metadata["error"] = cause.Error()
	t.Metadata["error_type"] = fault.KindOf(cause).String()
	t.Metadata["failed_at"] = time.Now().UTC().Format(time.RFC3339)
	t.Metadata["worker_id"] = p.workerID

	body, err := t.Encode()
	if err != nil {
		body = d.msg.Contents
	}
	if _, err := p.queue.Push(ctx, p.cfg.DeadLetterQueue, []queue.PushMessage{{
		Priority: int(task.PriorityLow),
		Contents: body,
	}}); err != nil {
		p.logger.Error("Failed to write dead letter, leaving task for redelivery",
			zap.String("task", t.ID),
			zap.Error(err))
		return
	}
	p.metrics.recordDeadLetter()
	p.logger.Error("Task dead-lettered",
		zap.String("task", t.ID),
		zap.String("error_type", fault.KindOf(cause).String()),
		zap.Error(cause))
	p.ack(d.msg)
}

// handleUndecodable dead-letters a message whose body never parsed into
// a task. The raw contents ride along for postmortems.
func (p *Pool) handleUndecodable(msg queue.PolledMessage, cause error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	body, _ := jsonx.Marshal(map[string]interface{}{
		"id":       msg.ID,
		"contents": string(msg.Contents),
		"metadata": map[string]interface{}{
			"error":      cause.Error(),
			"error_type": fault.KindOf(cause).String(),
			"failed_at":  time.Now().UTC().Format(time.RFC3339),
			"worker_id":  p.workerID,
		},
	})
	p.logger.Error("Dead-lettering unparseable message",
		zap.String("message", msg.ID),
		zap.Error(cause))
	if _, err := p.queue.Push(ctx, p.cfg.DeadLetterQueue, []queue.PushMessage{{
		Priority: int(task.PriorityLow),
		Contents: body,
	}}); err != nil {
		p.logger.Error("Failed to write dead letter", zap.Error(err))
		return
	}
	p.metrics.recordFailure()
	p.metrics.recordDeadLetter()
	if err := p.queue.Delete(ctx, p.cfg.Queue, msg.ID, msg.PollTag); err != nil {
		p.logger.Warn("Failed to ack unparseable message", zap.Error(err))
	}
}

func (p *Pool) sleep(d time.Duration) bool {
	select {
	case <-time.After(d):
		return true
	case <-p.ctx.Done():
		return false
	}
}

func (p *Pool) nextBackoff(d time.Duration) time.Duration {
	d *= 2
	if d > p.cfg.PollBackoffMax {
		d = p.cfg.PollBackoffMax
	}
	return d
}

// backoffFor doubles base per retry, capped at the five minute lease
// ceiling the queue enforces.
func backoffFor(base time.Duration, retries int) time.Duration {
	if retries > 8 {
		retries = 8
	}
	d := base * (1 << retries)
	if d > 5*time.Minute {
		d = 5 * time.Minute
	}
	return d
}
