package queue

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// PriorityClasses is the fixed number of priority classes per queue.
// Class 0 is lowest; pushes above the top class are clamped.
const PriorityClasses = 4

var (
	ErrStaleTag     = errors.New("queue: stale poll tag")
	ErrUnknownQueue = errors.New("queue: unknown queue")
)

// BackendConfig parameterizes the Redis storage layer.
type BackendConfig struct {
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	KeyPrefix     string
}

// DefaultBackendConfig returns the storage defaults.
func DefaultBackendConfig() BackendConfig {
	return BackendConfig{
		RedisAddr: "localhost:6379",
		KeyPrefix: "mq",
	}
}

// Backend stores queue state in Redis. The server process is the single
// writer: every mutation of one queue runs under that queue's mutex, so
// ordering decisions happen in Go and Redis transactions only need to
// make the multi-key transitions crash-atomic.
//
// Keys per queue:
//
//	{prefix}:queues            registry SET
//	{prefix}:{q}:ready:{c}     ready LIST per class, head = next out
//	{prefix}:{q}:lease         ZSET of in-flight ids scored by deadline ms
//	{prefix}:{q}:msg:{id}      HASH body/priority/deliveries/tag/enqueued_at
//	{prefix}:{q}:metrics       counter HASH
type Backend struct {
	rdb    *redis.Client
	cfg    BackendConfig
	logger *zap.Logger

	mu     sync.Mutex
	queues map[string]*queueState
}

// queueState serializes one queue's transitions and carries the weighted
// round-robin cursor. The cursor is process-local; a restart resets the
// rotation, which only perturbs fairness for one cycle.
type queueState struct {
	mu     sync.Mutex
	cursor uint64
}

// NewBackend connects to Redis and verifies the link.
func NewBackend(ctx context.Context, cfg BackendConfig, logger *zap.Logger) (*Backend, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("connect to redis at %s: %w", cfg.RedisAddr, err)
	}
	return &Backend{
		rdb:    rdb,
		cfg:    cfg,
		logger: logger.Named("queue-backend"),
		queues: make(map[string]*queueState),
	}, nil
}

func (b *Backend) state(queue string) *queueState {
	b.mu.Lock()
	defer b.mu.Unlock()
	st, ok := b.queues[queue]
	if !ok {
		st = &queueState{}
		b.queues[queue] = st
	}
	return st
}

func (b *Backend) registryKey() string { return b.cfg.KeyPrefix + ":queues" }

func (b *Backend) readyKey(queue string, class int) string {
	return fmt.Sprintf("%s:%s:ready:%d", b.cfg.KeyPrefix, queue, class)
}

func (b *Backend) leaseKey(queue string) string {
	return b.cfg.KeyPrefix + ":" + queue + ":lease"
}

func (b *Backend) msgKey(queue, id string) string {
	return b.cfg.KeyPrefix + ":" + queue + ":msg:" + id
}

func (b *Backend) metricsKey(queue string) string {
	return b.cfg.KeyPrefix + ":" + queue + ":metrics"
}

func clampClass(priority int) int {
	if priority < 0 {
		return 0
	}
	if priority >= PriorityClasses {
		return PriorityClasses - 1
	}
	return priority
}

// pickOrder returns the class preference order for the nth pick. Each
// class c owns c+1 slots in a rotation of len 1+2+..+PriorityClasses,
// assigned from the highest class down, so high classes are preferred
// while class 0 still owns one slot per cycle. Classes other than the
// slot owner follow in descending order.
func pickOrder(n uint64) []int {
	total := PriorityClasses * (PriorityClasses + 1) / 2
	slot := int(n % uint64(total))

	owner := 0
	for c := PriorityClasses - 1; c >= 0; c-- {
		if slot < c+1 {
			owner = c
			break
		}
		slot -= c + 1
	}

	order := make([]int, 0, PriorityClasses)
	order = append(order, owner)
	for c := PriorityClasses - 1; c >= 0; c-- {
		if c != owner {
			order = append(order, c)
		}
	}
	return order
}

// Create registers a queue. Creation is idempotent; push also registers
// implicitly.
func (b *Backend) Create(ctx context.Context, queue string) error {
	if queue == "" {
		return errors.New("queue: empty queue name")
	}
	return b.rdb.SAdd(ctx, b.registryKey(), queue).Err()
}

// Push appends messages to their class lists. The reply is sent only
// after Redis has accepted the whole transaction, so an acknowledged
// push survives a server restart.
func (b *Backend) Push(ctx context.Context, queue string, msgs []PushMessage) ([]string, error) {
	if queue == "" {
		return nil, errors.New("queue: empty queue name")
	}
	if len(msgs) == 0 {
		return nil, nil
	}
	st := b.state(queue)
	st.mu.Lock()
	defer st.mu.Unlock()

	now := time.Now().UnixMilli()
	ids := make([]string, len(msgs))
	pipe := b.rdb.TxPipeline()
	pipe.SAdd(ctx, b.registryKey(), queue)
	for i, m := range msgs {
		id := m.ID
		if id == "" {
			id = uuid.NewString()
		}
		ids[i] = id
		class := clampClass(m.Priority)
		pipe.HSet(ctx, b.msgKey(queue, id),
			"body", string(m.Contents),
			"priority", class,
			"deliveries", 0,
			"enqueued_at", now,
		)
		if m.VisibilityTimeout > 0 {
			// Delayed message: parked on the lease set untagged until the
			// delay elapses, then the reaper moves it to its ready list.
			visibleAt := now + int64(m.VisibilityTimeout)*1000
			pipe.ZAdd(ctx, b.leaseKey(queue), redis.Z{Score: float64(visibleAt), Member: id})
		} else {
			pipe.RPush(ctx, b.readyKey(queue, class), id)
		}
	}
	pipe.HIncrBy(ctx, b.metricsKey(queue), "pushed", int64(len(msgs)))
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("push to %s: %w", queue, err)
	}
	return ids, nil
}

// reapExpired moves ids whose lease deadline has passed back to the tail
// of their ready lists. Caller holds the queue lock.
func (b *Backend) reapExpired(ctx context.Context, queue string, nowMs int64) error {
	expired, err := b.rdb.ZRangeByScore(ctx, b.leaseKey(queue), &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(nowMs, 10),
	}).Result()
	if err != nil {
		return fmt.Errorf("scan leases for %s: %w", queue, err)
	}
	if len(expired) == 0 {
		return nil
	}

	classes := make(map[string]int, len(expired))
	retried := 0
	for _, id := range expired {
		vals, err := b.rdb.HMGet(ctx, b.msgKey(queue, id), "priority", "tag").Result()
		if err != nil {
			return fmt.Errorf("read lease state of %s: %w", id, err)
		}
		if vals[0] == nil {
			// Orphaned lease: the hash is gone, drop the entry.
			b.rdb.ZRem(ctx, b.leaseKey(queue), id)
			continue
		}
		pr, err := strconv.Atoi(vals[0].(string))
		if err != nil {
			return fmt.Errorf("read priority of %s: %w", id, err)
		}
		classes[id] = pr
		// An untagged entry is a delayed push reaching visibility, not a
		// timed-out delivery.
		if vals[1] != nil {
			retried++
		}
	}

	pipe := b.rdb.TxPipeline()
	for id, class := range classes {
		pipe.ZRem(ctx, b.leaseKey(queue), id)
		pipe.HDel(ctx, b.msgKey(queue, id), "tag")
		pipe.RPush(ctx, b.readyKey(queue, class), id)
	}
	if retried > 0 {
		pipe.HIncrBy(ctx, b.metricsKey(queue), "retried", int64(retried))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("requeue expired for %s: %w", queue, err)
	}
	b.logger.Debug("requeued expired leases",
		zap.String("queue", queue),
		zap.Int("count", len(classes)))
	return nil
}

// Poll delivers up to count messages. Each delivery gets a fresh poll
// tag and a lease of the given visibility timeout. Expired leases are
// reaped first so redeliveries compete with fresh messages.
func (b *Backend) Poll(ctx context.Context, queue string, count int, visibility time.Duration) ([]PolledMessage, error) {
	if count <= 0 {
		return nil, nil
	}
	st := b.state(queue)
	st.mu.Lock()
	defer st.mu.Unlock()

	now := time.Now()
	if err := b.reapExpired(ctx, queue, now.UnixMilli()); err != nil {
		return nil, err
	}
	deadline := now.Add(visibility).UnixMilli()

	out := make([]PolledMessage, 0, count)
	for len(out) < count {
		order := pickOrder(st.cursor)
		st.cursor++

		var id string
		pickedClass := -1
		for _, class := range order {
			v, err := b.rdb.LIndex(ctx, b.readyKey(queue, class), 0).Result()
			if err == redis.Nil {
				continue
			}
			if err != nil {
				return nil, fmt.Errorf("peek ready class %d: %w", class, err)
			}
			id = v
			pickedClass = class
			break
		}
		if id == "" {
			break
		}

		msg, err := b.lease(ctx, queue, id, pickedClass, deadline)
		if err != nil {
			return nil, err
		}
		if msg == nil {
			continue
		}
		out = append(out, *msg)
	}

	if len(out) > 0 {
		b.rdb.HIncrBy(ctx, b.metricsKey(queue), "polled", int64(len(out)))
	}
	return out, nil
}

// lease moves one ready id in flight. Returns nil when the message hash
// vanished (the stale list entry is dropped).
func (b *Backend) lease(ctx context.Context, queue, id string, class int, deadlineMs int64) (*PolledMessage, error) {
	fields, err := b.rdb.HGetAll(ctx, b.msgKey(queue, id)).Result()
	if err != nil {
		return nil, fmt.Errorf("read message %s: %w", id, err)
	}
	if len(fields) == 0 {
		b.rdb.LRem(ctx, b.readyKey(queue, class), 1, id)
		return nil, nil
	}
	deliveries, _ := strconv.Atoi(fields["deliveries"])
	tag := uuid.NewString()

	pipe := b.rdb.TxPipeline()
	pipe.LRem(ctx, b.readyKey(queue, class), 1, id)
	pipe.ZAdd(ctx, b.leaseKey(queue), redis.Z{Score: float64(deadlineMs), Member: id})
	pipe.HSet(ctx, b.msgKey(queue, id), "tag", tag, "deliveries", deliveries+1)
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("lease message %s: %w", id, err)
	}

	return &PolledMessage{
		ID:            id,
		PollTag:       tag,
		Priority:      class,
		DeliveryCount: deliveries + 1,
		Contents:      []byte(fields["body"]),
	}, nil
}

// Ack completes a delivery. The tag must match the most recent poll; a
// mismatch means the lease already expired and the message was (or will
// be) redelivered.
func (b *Backend) Ack(ctx context.Context, queue, id, tag string) error {
	st := b.state(queue)
	st.mu.Lock()
	defer st.mu.Unlock()

	current, err := b.rdb.HGet(ctx, b.msgKey(queue, id), "tag").Result()
	if err == redis.Nil {
		return ErrStaleTag
	}
	if err != nil {
		return fmt.Errorf("read tag of %s: %w", id, err)
	}
	if current != tag {
		return ErrStaleTag
	}

	pipe := b.rdb.TxPipeline()
	pipe.ZRem(ctx, b.leaseKey(queue), id)
	pipe.Del(ctx, b.msgKey(queue, id))
	pipe.HIncrBy(ctx, b.metricsKey(queue), "completed", 1)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("ack %s: %w", id, err)
	}
	return nil
}

// Update reschedules an in-flight delivery to now+visibility and rotates
// the tag. The old tag is invalidated, so a worker that updates and then
// crashes cannot double-complete.
func (b *Backend) Update(ctx context.Context, queue, id, tag string, visibility time.Duration) (string, error) {
	st := b.state(queue)
	st.mu.Lock()
	defer st.mu.Unlock()

	current, err := b.rdb.HGet(ctx, b.msgKey(queue, id), "tag").Result()
	if err == redis.Nil {
		return "", ErrStaleTag
	}
	if err != nil {
		return "", fmt.Errorf("read tag of %s: %w", id, err)
	}
	if current != tag {
		return "", ErrStaleTag
	}

	newTag := uuid.NewString()
	deadline := time.Now().Add(visibility).UnixMilli()
	pipe := b.rdb.TxPipeline()
	pipe.ZAdd(ctx, b.leaseKey(queue), redis.Z{Score: float64(deadline), Member: id})
	pipe.HSet(ctx, b.msgKey(queue, id), "tag", newTag)
	pipe.HIncrBy(ctx, b.metricsKey(queue), "updated", 1)
	if _, err := pipe.Exec(ctx); err != nil {
		return "", fmt.Errorf("update %s: %w", id, err)
	}
	return newTag, nil
}

// List returns the registered queue names.
func (b *Backend) List(ctx context.Context) ([]string, error) {
	return b.rdb.SMembers(ctx, b.registryKey()).Result()
}

// Stats snapshots one queue's depth and counters.
func (b *Backend) Stats(ctx context.Context, queue string) (*QueueStats, error) {
	known, err := b.rdb.SIsMember(ctx, b.registryKey(), queue).Result()
	if err != nil {
		return nil, err
	}
	if !known {
		return nil, ErrUnknownQueue
	}

	stats := &QueueStats{Queue: queue, Ready: make([]int64, PriorityClasses)}
	for c := 0; c < PriorityClasses; c++ {
		n, err := b.rdb.LLen(ctx, b.readyKey(queue, c)).Result()
		if err != nil {
			return nil, err
		}
		stats.Ready[c] = n
	}
	stats.InFlight, err = b.rdb.ZCard(ctx, b.leaseKey(queue)).Result()
	if err != nil {
		return nil, err
	}

	raw, err := b.rdb.HGetAll(ctx, b.metricsKey(queue)).Result()
	if err != nil {
		return nil, err
	}
	stats.Counters = make(map[string]int64, len(raw))
	for k, v := range raw {
		n, _ := strconv.ParseInt(v, 10, 64)
		stats.Counters[k] = n
	}
	return stats, nil
}

// Health verifies the Redis link.
func (b *Backend) Health(ctx context.Context) error {
	return b.rdb.Ping(ctx).Err()
}

// Close releases the Redis connection.
func (b *Backend) Close() error {
	return b.rdb.Close()
}
