// Package ingest is the producer side of the ingestion queue. The proxy
// wraps ingress domain objects in task envelopes with canonical ids and
// pushes them, so the HTTP layer never touches queue wire details.
package ingest

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/chronograph-engine/internal/fault"
	"github.com/chronograph-engine/internal/jsonx"
	"github.com/chronograph-engine/internal/queue"
	"github.com/chronograph-engine/internal/task"
)

// Queue is the producer-side slice of the queue client.
type Queue interface {
	Push(ctx context.Context, queue string, msgs []queue.PushMessage) ([]string, error)
	ListQueues(ctx context.Context) ([]string, error)
}

// Config sets the target queue and retry budgets stamped into envelopes.
type Config struct {
	Queue string

	// MaxRetries applies to episode, entity, and relationship tasks.
	// Dedup sweeps are background work and get DedupRetries instead.
	MaxRetries   int
	DedupRetries int
}

func DefaultConfig() Config {
	return Config{
		Queue:        "ingestion",
		MaxRetries:   3,
		DedupRetries: 1,
	}
}

// Message is one ingress conversation message.
type Message struct {
	UUID              string     `json:"uuid,omitempty"`
	Name              string     `json:"name,omitempty"`
	Role              string     `json:"role,omitempty"`
	RoleType          string     `json:"role_type,omitempty"`
	Content           string     `json:"content"`
	SourceDescription string     `json:"source_description,omitempty"`
	Timestamp         *time.Time `json:"timestamp,omitempty"`
}

// EntityData is a direct entity submission, bypassing extraction.
type EntityData struct {
	UUID       string                 `json:"uuid,omitempty"`
	Name       string                 `json:"name"`
	EntityType string                 `json:"entity_type,omitempty"`
	Summary    string                 `json:"summary,omitempty"`
	Attributes map[string]interface{} `json:"attributes,omitempty"`
}

// Relationship is a direct fact submission between two existing nodes.
type Relationship struct {
	UUID           string     `json:"uuid,omitempty"`
	Name           string     `json:"name"`
	Fact           string     `json:"fact"`
	SourceNodeUUID string     `json:"source_node_uuid"`
	TargetNodeUUID string     `json:"target_node_uuid"`
	ValidAt        *time.Time `json:"valid_at,omitempty"`
}

// Proxy builds and pushes ingestion tasks.
type Proxy struct {
	cfg    Config
	queue  Queue
	logger *zap.Logger

	queued   atomic.Int64
	failures atomic.Int64
}

func NewProxy(cfg Config, q Queue, logger *zap.Logger) *Proxy {
	if logger == nil {
		logger = zap.NewNop()
	}
	def := DefaultConfig()
	if cfg.Queue == "" {
		cfg.Queue = def.Queue
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = def.MaxRetries
	}
	if cfg.DedupRetries <= 0 {
		cfg.DedupRetries = def.DedupRetries
	}
	return &Proxy{
		cfg:    cfg,
		queue:  q,
		logger: logger.Named("ingest"),
	}
}

// EnqueueEpisode queues one message for async ingestion and returns its
// task id.
func (p *Proxy) EnqueueEpisode(ctx context.Context, groupID string, msg Message) (string, error) {
	ids, err := p.EnqueueEpisodes(ctx, groupID, []Message{msg})
	if err != nil {
		return "", err
	}
	return ids[0], nil
}

// EnqueueEpisodes queues a batch of messages in one push. Either every
// message is accepted or none is.
func (p *Proxy) EnqueueEpisodes(ctx context.Context, groupID string, msgs []Message) ([]string, error) {
	if groupID == "" {
		return nil, fault.Validation("group_id is required")
	}
	if len(msgs) == 0 {
		return nil, fault.Validation("no messages to queue")
	}
	tasks := make([]*task.Task, 0, len(msgs))
	for i, m := range msgs {
		t, err := p.episodeTask(groupID, m)
		if err != nil {
			return nil, fmt.Errorf("message %d: %w", i, err)
		}
		tasks = append(tasks, t)
	}
	ids, err := p.push(ctx, tasks)
	if err != nil {
		return nil, err
	}
	p.logger.Info("Queued messages",
		zap.String("groupID", groupID),
		zap.Int("count", len(ids)))
	return ids, nil
}

func (p *Proxy) episodeTask(groupID string, m Message) (*task.Task, error) {
	if m.Content == "" {
		return nil, fault.Validation("message content is empty")
	}
	if m.UUID == "" {
		m.UUID = uuid.NewString()
	}
	ts := time.Now().UTC()
	if m.Timestamp != nil {
		ts = m.Timestamp.UTC()
	}
	payload, err := payloadMap(task.EpisodePayload{
		UUID:              m.UUID,
		Name:              m.Name,
		Content:           m.Content,
		Role:              m.Role,
		RoleType:          m.RoleType,
		SourceDescription: m.SourceDescription,
		Timestamp:         ts,
	})
	if err != nil {
		return nil, err
	}
	return p.envelope(task.NewMessageID(m.UUID), task.TypeEpisode, groupID, payload, task.PriorityNormal, p.cfg.MaxRetries), nil
}

// EnqueueEntity queues a direct entity insert.
func (p *Proxy) EnqueueEntity(ctx context.Context, groupID string, e EntityData) (string, error) {
	if groupID == "" {
		return "", fault.Validation("group_id is required")
	}
	if e.Name == "" {
		return "", fault.Validation("entity name is required")
	}
	if e.UUID == "" {
		e.UUID = uuid.NewString()
	}
	payload, err := payloadMap(task.EntityPayload{
		UUID:       e.UUID,
		Name:       e.Name,
		EntityType: e.EntityType,
		Summary:    e.Summary,
		Attributes: e.Attributes,
	})
	if err != nil {
		return "", err
	}
	t := p.envelope(task.NewEntityID(e.UUID), task.TypeEntity, groupID, payload, task.PriorityNormal, p.cfg.MaxRetries)
	if _, err := p.push(ctx, []*task.Task{t}); err != nil {
		return "", err
	}
	p.logger.Debug("Queued entity task",
		zap.String("taskID", t.ID),
		zap.String("groupID", groupID))
	return t.ID, nil
}

// EnqueueRelationship queues a direct fact insert between two nodes that
// already exist in the group.
func (p *Proxy) EnqueueRelationship(ctx context.Context, groupID string, rel Relationship) (string, error) {
	if groupID == "" {
		return "", fault.Validation("group_id is required")
	}
	if rel.SourceNodeUUID == "" || rel.TargetNodeUUID == "" {
		return "", fault.Validation("relationship endpoints are required")
	}
	if rel.Name == "" || rel.Fact == "" {
		return "", fault.Validation("relationship name and fact are required")
	}
	if rel.UUID == "" {
		rel.UUID = uuid.NewString()
	}
	payload, err := payloadMap(task.RelationshipPayload{
		UUID:           rel.UUID,
		Name:           rel.Name,
		Fact:           rel.Fact,
		SourceNodeUUID: rel.SourceNodeUUID,
		TargetNodeUUID: rel.TargetNodeUUID,
		ValidAt:        rel.ValidAt,
	})
	if err != nil {
		return "", err
	}
	t := p.envelope(task.NewRelationshipID(rel.UUID), task.TypeRelationship, groupID, payload, task.PriorityNormal, p.cfg.MaxRetries)
	if _, err := p.push(ctx, []*task.Task{t}); err != nil {
		return "", err
	}
	p.logger.Debug("Queued relationship task",
		zap.String("taskID", t.ID),
		zap.String("groupID", groupID))
	return t.ID, nil
}

// EnqueueDeduplication queues a background dedup sweep over one group.
// Scope is "entities" or "relationships". Sweeps ride the low class with
// a single retry.
func (p *Proxy) EnqueueDeduplication(ctx context.Context, groupID, scope string) (string, error) {
	if groupID == "" {
		return "", fault.Validation("group_id is required")
	}
	switch scope {
	case "entities", "relationships":
	default:
		return "", fault.Validation("unknown deduplication scope %q", scope)
	}
	payload, err := payloadMap(task.DeduplicationPayload{
		Scope:   scope,
		GroupID: groupID,
	})
	if err != nil {
		return "", err
	}
	t := p.envelope(task.NewDeduplicationID(scope), task.TypeDeduplication, groupID, payload, task.PriorityLow, p.cfg.DedupRetries)
	if _, err := p.push(ctx, []*task.Task{t}); err != nil {
		return "", err
	}
	p.logger.Info("Queued deduplication sweep",
		zap.String("groupID", groupID),
		zap.String("scope", scope))
	return t.ID, nil
}

// IsHealthy reports whether the queue service answers and the target
// queue is registered.
func (p *Proxy) IsHealthy(ctx context.Context) bool {
	names, err := p.queue.ListQueues(ctx)
	if err != nil {
		p.logger.Warn("Queue health check failed", zap.Error(err))
		return false
	}
	for _, name := range names {
		if name == p.cfg.Queue {
			return true
		}
	}
	return false
}

// Snapshot returns producer counters for the metrics surface.
func (p *Proxy) Snapshot() map[string]int64 {
	return map[string]int64{
		"tasks_queued":  p.queued.Load(),
		"push_failures": p.failures.Load(),
	}
}

func (p *Proxy) envelope(id string, typ task.Type, groupID string, payload map[string]interface{}, pr task.Priority, maxRetries int) *task.Task {
	return &task.Task{
		ID:         id,
		Type:       typ,
		Payload:    payload,
		GroupID:    groupID,
		Priority:   pr,
		MaxRetries: maxRetries,
		CreatedAt:  time.Now().UTC(),
		Metadata:   map[string]interface{}{"source": "api"},
	}
}

// push encodes the envelopes and hands them to the queue in one call. A
// push failure is transient: the service is down or overloaded, and the
// caller's retry (or its client's) is the recovery path.
func (p *Proxy) push(ctx context.Context, tasks []*task.Task) ([]string, error) {
	msgs := make([]queue.PushMessage, 0, len(tasks))
	ids := make([]string, 0, len(tasks))
	for _, t := range tasks {
		body, err := t.Encode()
		if err != nil {
			return nil, fmt.Errorf("encode task %s: %w", t.ID, err)
		}
		msgs = append(msgs, queue.PushMessage{Priority: int(t.Priority), Contents: body})
		ids = append(ids, t.ID)
	}
	if _, err := p.queue.Push(ctx, p.cfg.Queue, msgs); err != nil {
		p.failures.Add(1)
		p.logger.Error("Queue push failed",
			zap.Int("tasks", len(msgs)),
			zap.Error(err))
		return nil, fault.Transient(fmt.Errorf("queue push: %w", err))
	}
	p.queued.Add(int64(len(msgs)))
	return ids, nil
}

func payloadMap(v interface{}) (map[string]interface{}, error) {
	raw, err := jsonx.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}
	var out map[string]interface{}
	if err := jsonx.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("decode payload: %w", err)
	}
	return out, nil
}
