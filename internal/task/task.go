// Package task defines the ingestion queue envelope shared by the
// producer proxy and the worker pool. One priority mapping applies on
// both sides: LOW=0, NORMAL=1, HIGH=2, CRITICAL=3.
package task

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/chronograph-engine/internal/fault"
	"github.com/chronograph-engine/internal/jsonx"
)

// Type dispatches worker handling.
type Type string

const (
	TypeEpisode       Type = "episode"
	TypeEntity        Type = "entity"
	TypeRelationship  Type = "relationship"
	TypeDeduplication Type = "deduplication"
)

// Priority orders queue delivery. Higher classes are preferred but the
// queue's weighted pick keeps lower classes from starving.
type Priority int

const (
	PriorityLow      Priority = 0
	PriorityNormal   Priority = 1
	PriorityHigh     Priority = 2
	PriorityCritical Priority = 3
)

// ParsePriority maps the producer-side string names onto the wire ints.
func ParsePriority(s string) (Priority, error) {
	switch s {
	case "LOW":
		return PriorityLow, nil
	case "", "NORMAL":
		return PriorityNormal, nil
	case "HIGH":
		return PriorityHigh, nil
	case "CRITICAL":
		return PriorityCritical, nil
	default:
		return PriorityNormal, fmt.Errorf("unknown priority %q", s)
	}
}

func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "LOW"
	case PriorityNormal:
		return "NORMAL"
	case PriorityHigh:
		return "HIGH"
	case PriorityCritical:
		return "CRITICAL"
	default:
		return fmt.Sprintf("Priority(%d)", int(p))
	}
}

// Valid reports whether p is one of the four wire classes.
func (p Priority) Valid() bool {
	return p >= PriorityLow && p <= PriorityCritical
}

// Task is the queue payload. Contents travel as JSON inside the queue
// message body; RetryCount reflects delivery attempts observed so far.
type Task struct {
	ID         string                 `json:"id"`
	Type       Type                   `json:"type"`
	Payload    map[string]interface{} `json:"payload"`
	GroupID    string                 `json:"group_id"`
	Priority   Priority               `json:"priority"`
	RetryCount int                    `json:"retry_count"`
	MaxRetries int                    `json:"max_retries"`
	CreatedAt  time.Time              `json:"created_at"`
	Metadata   map[string]interface{} `json:"metadata,omitempty"`
}

// EpisodePayload is the payload shape for TypeEpisode tasks.
type EpisodePayload struct {
	UUID              string    `json:"uuid"`
	Name              string    `json:"name"`
	Content           string    `json:"content"`
	Role              string    `json:"role,omitempty"`
	RoleType          string    `json:"role_type,omitempty"`
	Source            string    `json:"source,omitempty"`
	SourceDescription string    `json:"source_description,omitempty"`
	Timestamp         time.Time `json:"timestamp"`
}

// EntityPayload is the payload shape for TypeEntity tasks.
type EntityPayload struct {
	UUID       string                 `json:"uuid"`
	Name       string                 `json:"name"`
	EntityType string                 `json:"entity_type,omitempty"`
	Summary    string                 `json:"summary,omitempty"`
	Attributes map[string]interface{} `json:"attributes,omitempty"`
}

// RelationshipPayload is the payload shape for TypeRelationship tasks.
type RelationshipPayload struct {
	UUID           string     `json:"uuid"`
	Name           string     `json:"name"`
	Fact           string     `json:"fact"`
	SourceNodeUUID string     `json:"source_node_uuid"`
	TargetNodeUUID string     `json:"target_node_uuid"`
	ValidAt        *time.Time `json:"valid_at,omitempty"`
}

// DeduplicationPayload names the scope a dedup sweep covers.
type DeduplicationPayload struct {
	Scope   string `json:"scope"` // "entities" or "relationships"
	GroupID string `json:"group_id"`
}

// Encode serializes the task for the queue message body.
func (t *Task) Encode() ([]byte, error) {
	return jsonx.Marshal(t)
}

// Decode parses a queue message body into a Task. A body that does not
// parse is a permanently bad message, not a retryable one.
func Decode(data []byte) (*Task, error) {
	var t Task
	if err := jsonx.Unmarshal(data, &t); err != nil {
		return nil, fault.Permanent(fmt.Errorf("decode task: %w", err))
	}
	if t.ID == "" {
		return nil, fault.Permanent(fmt.Errorf("task has no id"))
	}
	switch t.Type {
	case TypeEpisode, TypeEntity, TypeRelationship, TypeDeduplication:
	default:
		return nil, fault.Permanent(fmt.Errorf("task %s has unknown type %q", t.ID, t.Type))
	}
	return &t, nil
}

// EpisodePayload decodes the payload for TypeEpisode tasks.
func (t *Task) EpisodePayload() (*EpisodePayload, error) {
	return decodePayload[EpisodePayload](t)
}

// EntityPayload decodes the payload for TypeEntity tasks.
func (t *Task) EntityPayload() (*EntityPayload, error) {
	return decodePayload[EntityPayload](t)
}

// RelationshipPayload decodes the payload for TypeRelationship tasks.
func (t *Task) RelationshipPayload() (*RelationshipPayload, error) {
	return decodePayload[RelationshipPayload](t)
}

// DeduplicationPayload decodes the payload for TypeDeduplication tasks.
func (t *Task) DeduplicationPayload() (*DeduplicationPayload, error) {
	return decodePayload[DeduplicationPayload](t)
}

func decodePayload[T any](t *Task) (*T, error) {
	raw, err := jsonx.Marshal(t.Payload)
	if err != nil {
		return nil, fault.Permanent(fmt.Errorf("task %s payload: %w", t.ID, err))
	}
	var out T
	if err := jsonx.Unmarshal(raw, &out); err != nil {
		return nil, fault.Permanent(fmt.Errorf("task %s payload: %w", t.ID, err))
	}
	return &out, nil
}

// NewMessageID mints the canonical id for an episode ingestion task. The
// episode uuid rides inside so redeliveries keep one identity.
func NewMessageID(episodeUUID string) string {
	if episodeUUID == "" {
		episodeUUID = uuid.NewString()
	}
	return "msg-" + episodeUUID
}

// NewEntityID mints the canonical id for a direct entity task.
func NewEntityID(entityUUID string) string {
	return fmt.Sprintf("entity-%s-%d", entityUUID, time.Now().Unix())
}

// NewRelationshipID mints the canonical id for a direct relationship task.
func NewRelationshipID(edgeUUID string) string {
	return fmt.Sprintf("relationship-%s-%d", edgeUUID, time.Now().Unix())
}

// NewDeduplicationID mints the canonical id for a dedup sweep task.
func NewDeduplicationID(scope string) string {
	return fmt.Sprintf("dedup-%s-%d", scope, time.Now().Unix())
}
