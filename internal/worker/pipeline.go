// Package worker pulls ingestion tasks off the durable queue and drives
// them through extraction, resolution, and persistence. A pool owns a
// set of lanes; tasks route to a lane by group hash so one group's
// episodes apply in timestamp order.
package worker

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/chronograph-engine/internal/embedding"
	"github.com/chronograph-engine/internal/extraction"
	"github.com/chronograph-engine/internal/fault"
	"github.com/chronograph-engine/internal/graph"
	"github.com/chronograph-engine/internal/resolution"
	"github.com/chronograph-engine/internal/task"
)

// EventSink receives commit notifications for fan-out. The dispatcher
// implements it; a nil sink disables emission.
type EventSink interface {
	EmitNodeMutation(groupID, episodeUUID string, nodeUUIDs, edgeUUIDs []string)
}

// PipelineConfig tunes the shared processing path.
type PipelineConfig struct {
	// FingerprintTTL bounds how long a content fingerprint blocks an
	// identical re-submission under a different episode uuid. Zero
	// disables fingerprinting.
	FingerprintTTL time.Duration
}

// DefaultPipelineConfig returns the pipeline defaults.
func DefaultPipelineConfig() PipelineConfig {
	return PipelineConfig{FingerprintTTL: 24 * time.Hour}
}

// Pipeline executes one task end to end. The queue pool and the
// synchronous ingestion path share one instance so idempotence checks
// agree regardless of how an episode arrived.
type Pipeline struct {
	cfg       PipelineConfig
	store     graph.GraphStore
	extractor *extraction.Engine
	resolver  *resolution.Resolver
	embedder  embedding.Embedder
	events    EventSink
	rdb       *redis.Client
	metrics   *Metrics
	logger    *zap.Logger
}

// NewPipeline wires the processing path. events, rdb, and metrics may
// be nil; a nil metrics gets a private instance.
func NewPipeline(cfg PipelineConfig, store graph.GraphStore, extractor *extraction.Engine, resolver *resolution.Resolver, embedder embedding.Embedder, events EventSink, rdb *redis.Client, metrics *Metrics, logger *zap.Logger) *Pipeline {
	if logger == nil {
		logger = zap.NewNop()
	}
	if metrics == nil {
		metrics = NewMetrics()
	}
	return &Pipeline{
		cfg:       cfg,
		store:     store,
		extractor: extractor,
		resolver:  resolver,
		embedder:  embedder,
		events:    events,
		rdb:       rdb,
		metrics:   metrics,
		logger:    logger.Named("pipeline"),
	}
}

// Metrics returns the shared counter set.
func (p *Pipeline) Metrics() *Metrics { return p.metrics }

// Process runs one decoded task to completion. Errors carry fault kinds
// that the pool maps onto retry or dead-letter routing.
func (p *Pipeline) Process(ctx context.Context, t *task.Task) error {
	switch t.Type {
	case task.TypeEpisode:
		return p.processEpisode(ctx, t)
	case task.TypeEntity:
		return p.processEntity(ctx, t)
	case task.TypeRelationship:
		return p.processRelationship(ctx, t)
	case task.TypeDeduplication:
		return p.processDeduplication(ctx, t)
	default:
		return fault.Permanent(fmt.Errorf("unknown task type %q", t.Type))
	}
}

func (p *Pipeline) processEpisode(ctx context.Context, t *task.Task) error {
	payload, err := t.EpisodePayload()
	if err != nil {
		return err
	}
	if payload.UUID == "" {
		return fault.Validation("episode task %s has no episode uuid", t.ID)
	}
	if payload.Content == "" {
		return fault.Validation("episode %s has no content", payload.UUID)
	}

	exists, err := p.store.EpisodeExists(ctx, payload.UUID)
	if err != nil {
		return fmt.Errorf("episode exists check: %w", err)
	}
	if exists {
		p.metrics.recordIdempotentSkip()
		p.logger.Debug("Episode already ingested, skipping to event emission",
			zap.String("episode", payload.UUID))
		p.emit(t.GroupID, payload.UUID, nil, nil)
		return nil
	}
	claimed, err := p.claimFingerprint(ctx, t, payload)
	if err != nil {
		return err
	}
	if !claimed {
		p.metrics.recordIdempotentSkip()
		p.logger.Debug("Duplicate content fingerprint, skipping",
			zap.String("episode", payload.UUID))
		p.emit(t.GroupID, payload.UUID, nil, nil)
		return nil
	}

	ep := &graph.Episode{
		UUID:              payload.UUID,
		GroupID:           t.GroupID,
		Name:              payload.Name,
		Content:           payload.Content,
		Role:              payload.Role,
		RoleType:          payload.RoleType,
		Source:            payload.Source,
		SourceDescription: payload.SourceDescription,
		Timestamp:         payload.Timestamp,
		CreatedAt:         time.Now().UTC(),
	}
	if ep.Source == "" {
		ep.Source = "message"
	}
	if ep.Timestamp.IsZero() {
		ep.Timestamp = ep.CreatedAt
	}

	ext, err := p.extractor.Extract(ctx, ep)
	if err != nil {
		return fmt.Errorf("extract episode %s: %w", ep.UUID, err)
	}

	var nodeUUIDs, edgeUUIDs []string
	if !ext.Empty {
		outcome, err := p.resolver.ResolveEpisode(ctx, ep, ext)
		if err != nil {
			return fmt.Errorf("resolve episode %s: %w", ep.UUID, err)
		}
		nodeUUIDs, edgeUUIDs = collectUUIDs(outcome)
	}

	// The episode row commits last so a redelivery after a partial
	// failure re-runs the pipeline instead of skipping it.
	if err := p.store.CreateEpisode(ctx, ep); err != nil {
		return fmt.Errorf("persist episode %s: %w", ep.UUID, err)
	}

	p.logger.Info("Episode ingested",
		zap.String("episode", ep.UUID),
		zap.String("group_id", ep.GroupID),
		zap.Int("nodes", len(nodeUUIDs)),
		zap.Int("edges", len(edgeUUIDs)))
	p.emit(ep.GroupID, ep.UUID, nodeUUIDs, edgeUUIDs)
	return nil
}

func (p *Pipeline) processEntity(ctx context.Context, t *task.Task) error {
	payload, err := t.EntityPayload()
	if err != nil {
		return err
	}
	if payload.Name == "" {
		return fault.Validation("entity task %s has no name", t.ID)
	}

	cand := extraction.Entity{
		Name:       payload.Name,
		Type:       payload.EntityType,
		Attributes: payload.Attributes,
	}
	if p.embedder != nil {
		vec, err := p.embedder.Embed(ctx, payload.Name)
		if err != nil {
			return fmt.Errorf("embed entity name: %w", err)
		}
		cand.NameEmbedding = vec
	}
	resolutions, err := p.resolver.ResolveEntities(ctx, t.GroupID, []extraction.Entity{cand})
	if err != nil {
		return fmt.Errorf("resolve entity: %w", err)
	}
	node := resolutions[0].Node
	if payload.Summary != "" {
		if _, err := p.store.UpdateNodeSummary(ctx, node.UUID, payload.Summary); err != nil {
			return fmt.Errorf("update entity summary: %w", err)
		}
	}
	p.logger.Info("Entity task resolved",
		zap.String("node", node.UUID),
		zap.Bool("created", resolutions[0].Created))
	p.emit(t.GroupID, "", []string{node.UUID}, nil)
	return nil
}

func (p *Pipeline) processRelationship(ctx context.Context, t *task.Task) error {
	payload, err := t.RelationshipPayload()
	if err != nil {
		return err
	}
	if payload.SourceNodeUUID == "" || payload.TargetNodeUUID == "" {
		return fault.Validation("relationship task %s is missing endpoints", t.ID)
	}
	if payload.Name == "" || payload.Fact == "" {
		return fault.Validation("relationship task %s is missing relation or fact", t.ID)
	}

	src, err := p.store.FetchNodeByUUID(ctx, payload.SourceNodeUUID)
	if err != nil {
		return err
	}
	tgt, err := p.store.FetchNodeByUUID(ctx, payload.TargetNodeUUID)
	if err != nil {
		return err
	}
	if src == nil || tgt == nil {
		return fault.Permanent(fmt.Errorf("relationship task %s references missing nodes", t.ID))
	}

	cand := extraction.Edge{
		Relation: payload.Name,
		Fact:     payload.Fact,
		ValidAt:  payload.ValidAt,
	}
	if p.embedder != nil {
		vec, err := p.embedder.Embed(ctx, payload.Fact)
		if err != nil {
			return fmt.Errorf("embed fact: %w", err)
		}
		cand.FactEmbedding = vec
	}
	res, err := p.resolver.ResolveRelationship(ctx, t.GroupID, src, tgt, cand)
	if err != nil {
		return fmt.Errorf("resolve relationship: %w", err)
	}
	p.logger.Info("Relationship task resolved",
		zap.String("edge", res.Edge.UUID),
		zap.Bool("merged", res.Merged))
	p.emit(t.GroupID, "", nil, []string{res.Edge.UUID})
	return nil
}

func (p *Pipeline) processDeduplication(ctx context.Context, t *task.Task) error {
	payload, err := t.DeduplicationPayload()
	if err != nil {
		return err
	}
	groupID := payload.GroupID
	if groupID == "" {
		groupID = t.GroupID
	}
	folded, err := p.resolver.DedupSweep(ctx, groupID, payload.Scope)
	if err != nil {
		return fmt.Errorf("dedup sweep: %w", err)
	}
	p.logger.Info("Deduplication sweep completed",
		zap.String("group_id", groupID),
		zap.String("scope", payload.Scope),
		zap.Int("folded", folded))
	return nil
}

// claimFingerprint marks this content as ingested. The claim stores the
// task id so a redelivery of the same task passes, while a distinct task
// carrying identical content is skipped. Redis trouble never blocks
// ingestion; the uuid check above still holds.
func (p *Pipeline) claimFingerprint(ctx context.Context, t *task.Task, payload *task.EpisodePayload) (bool, error) {
	if p.rdb == nil || p.cfg.FingerprintTTL <= 0 {
		return true, nil
	}
	sum := sha256.Sum256([]byte(t.GroupID + "\x00" + payload.Content))
	key := "fp:" + hex.EncodeToString(sum[:])
	set, err := p.rdb.SetNX(ctx, key, t.ID, p.cfg.FingerprintTTL).Result()
	if err != nil {
		p.logger.Warn("Fingerprint store unavailable, continuing", zap.Error(err))
		return true, nil
	}
	if set {
		return true, nil
	}
	owner, err := p.rdb.Get(ctx, key).Result()
	if err != nil {
		return true, nil
	}
	return owner == t.ID, nil
}

func (p *Pipeline) emit(groupID, episodeUUID string, nodeUUIDs, edgeUUIDs []string) {
	if p.events == nil {
		return
	}
	p.events.EmitNodeMutation(groupID, episodeUUID, nodeUUIDs, edgeUUIDs)
}

// collectUUIDs flattens an outcome into unique node and edge uuid sets.
func collectUUIDs(outcome *resolution.Outcome) (nodes, edges []string) {
	seen := make(map[string]struct{})
	for _, nr := range outcome.Nodes {
		if _, dup := seen[nr.Node.UUID]; dup {
			continue
		}
		seen[nr.Node.UUID] = struct{}{}
		nodes = append(nodes, nr.Node.UUID)
	}
	for _, er := range outcome.Edges {
		edges = append(edges, er.Edge.UUID)
	}
	return nodes, edges
}
