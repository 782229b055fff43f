package worker

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/chronograph-engine/internal/extraction"
	"github.com/chronograph-engine/internal/fault"
	"github.com/chronograph-engine/internal/graph"
	"github.com/chronograph-engine/internal/jsonx"
	"github.com/chronograph-engine/internal/llm"
	"github.com/chronograph-engine/internal/resolution"
	"github.com/chronograph-engine/internal/task"
)

// pipeStore fakes the graph surface the pipeline and resolver touch.
type pipeStore struct {
	graph.UnimplementedStore

	mu       sync.Mutex
	existing map[string]bool
	nodes    map[string]*graph.EntityNode
	episodes []*graph.Episode
	upserted []*graph.EntityNode
	edges    [][]*graph.EntityEdge
	summary  map[string]string
}

func newPipeStore() *pipeStore {
	return &pipeStore{
		existing: make(map[string]bool),
		nodes:    make(map[string]*graph.EntityNode),
		summary:  make(map[string]string),
	}
}

func (s *pipeStore) EpisodeExists(_ context.Context, uuid string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.existing[uuid], nil
}

func (s *pipeStore) CreateEpisode(_ context.Context, ep *graph.Episode) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.episodes = append(s.episodes, ep)
	s.existing[ep.UUID] = true
	return nil
}

func (s *pipeStore) RecentEpisodes(context.Context, string, int) ([]*graph.Episode, error) {
	return nil, nil
}

func (s *pipeStore) FetchNodesByNormalizedNames(_ context.Context, _ string, names []string) (map[string][]*graph.EntityNode, error) {
	return map[string][]*graph.EntityNode{}, nil
}

func (s *pipeStore) SearchByVector(context.Context, string, []float32, int, float64) ([]graph.ScoredNode, error) {
	return nil, nil
}

func (s *pipeStore) FetchNodeByUUID(_ context.Context, uuid string) (*graph.EntityNode, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nodes[uuid], nil
}

func (s *pipeStore) UpsertEntityNodes(_ context.Context, nodes []*graph.EntityNode) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, n := range nodes {
		s.nodes[n.UUID] = n
		s.upserted = append(s.upserted, n)
	}
	return nil
}

func (s *pipeStore) CreateMentions(context.Context, string, []string) error { return nil }

func (s *pipeStore) FetchEdgesBetween(context.Context, string, string) ([]*graph.EntityEdge, error) {
	return nil, nil
}

func (s *pipeStore) UpsertEntityEdges(_ context.Context, edges []*graph.EntityEdge) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.edges = append(s.edges, edges)
	return nil
}

func (s *pipeStore) UpdateNodeSummary(_ context.Context, uuid, summary string) (*graph.EntityNode, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.summary[uuid] = summary
	return s.nodes[uuid], nil
}

// scriptedCompleter replays canned JSON replies in order.
type scriptedCompleter struct {
	mu      sync.Mutex
	replies []string
}

func (c *scriptedCompleter) CompleteJSON(_ context.Context, _ llm.Request, out interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.replies) == 0 {
		return errors.New("no scripted reply left")
	}
	reply := c.replies[0]
	c.replies = c.replies[1:]
	return jsonx.UnmarshalFromString(reply, out)
}

type unitEmbedder struct{}

func (unitEmbedder) Embed(context.Context, string) ([]float32, error) { return []float32{1, 0, 0}, nil }

func (unitEmbedder) EmbedBatch(_ context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i := range out {
		out[i] = []float32{1, 0, 0}
	}
	return out, nil
}

func (unitEmbedder) Dimension() int { return 3 }

func (unitEmbedder) Close() error { return nil }

// recordingSink captures emissions for assertions.
type recordingSink struct {
	mu    sync.Mutex
	calls []sinkCall
}

type sinkCall struct {
	groupID     string
	episodeUUID string
	nodes       []string
	edges       []string
}

func (s *recordingSink) EmitNodeMutation(groupID, episodeUUID string, nodeUUIDs, edgeUUIDs []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, sinkCall{groupID: groupID, episodeUUID: episodeUUID, nodes: nodeUUIDs, edges: edgeUUIDs})
}

func (s *recordingSink) all() []sinkCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]sinkCall, len(s.calls))
	copy(out, s.calls)
	return out
}

func newTestPipeline(t *testing.T, store *pipeStore, completer llm.Completer, sink EventSink) *Pipeline {
	t.Helper()
	logger := zaptest.NewLogger(t)
	extractor := extraction.NewEngine(extraction.DefaultConfig(), completer, unitEmbedder{}, store, logger)
	resolver := resolution.NewResolver(resolution.DefaultConfig(), store, completer, nil, logger)
	return NewPipeline(DefaultPipelineConfig(), store, extractor, resolver, unitEmbedder{}, sink, nil, NewMetrics(), logger)
}

func episodeTask(id, group, epUUID, content string) *task.Task {
	return &task.Task{
		ID:      id,
		Type:    task.TypeEpisode,
		GroupID: group,
		Payload: map[string]interface{}{
			"uuid":      epUUID,
			"name":      "test episode",
			"content":   content,
			"timestamp": time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC).Format(time.RFC3339),
		},
	}
}

func TestProcessEpisodeFullPath(t *testing.T) {
	store := newPipeStore()
	completer := &scriptedCompleter{replies: []string{
		`{"entities": [{"name": "Alice", "type": "Person"}]}`,
		`{"edges": []}`,
	}}
	sink := &recordingSink{}
	p := newTestPipeline(t, store, completer, sink)

	err := p.Process(context.Background(), episodeTask("msg-1", "g1", "ep-1", "Alice joined the team"))
	require.NoError(t, err)

	require.Len(t, store.episodes, 1)
	assert.Equal(t, "ep-1", store.episodes[0].UUID)
	assert.Equal(t, "message", store.episodes[0].Source)
	require.Len(t, store.upserted, 1)
	assert.Equal(t, "alice", store.upserted[0].NormalizedName)

	calls := sink.all()
	require.Len(t, calls, 1)
	assert.Equal(t, "g1", calls[0].groupID)
	assert.Equal(t, "ep-1", calls[0].episodeUUID)
	require.Len(t, calls[0].nodes, 1)
	assert.Equal(t, store.upserted[0].UUID, calls[0].nodes[0])
}

func TestProcessEpisodeIdempotentSkip(t *testing.T) {
	store := newPipeStore()
	store.existing["ep-1"] = true
	sink := &recordingSink{}

	// No extractor call may happen; a scripted completer with no
	// replies fails loudly if one does.
	p := newTestPipeline(t, store, &scriptedCompleter{}, sink)

	err := p.Process(context.Background(), episodeTask("msg-1", "g1", "ep-1", "anything"))
	require.NoError(t, err)

	assert.Empty(t, store.episodes, "must not re-create the episode")
	calls := sink.all()
	require.Len(t, calls, 1)
	assert.Equal(t, "ep-1", calls[0].episodeUUID)
	assert.Nil(t, calls[0].nodes)
	assert.Equal(t, int64(1), p.Metrics().Snapshot()["idempotent_skips"])
}

func TestProcessEpisodeValidation(t *testing.T) {
	p := newTestPipeline(t, newPipeStore(), &scriptedCompleter{}, nil)

	err := p.Process(context.Background(), episodeTask("msg-1", "g1", "", "content"))
	require.Error(t, err)
	assert.Equal(t, fault.KindValidation, fault.KindOf(err))

	err = p.Process(context.Background(), episodeTask("msg-2", "g1", "ep-2", ""))
	require.Error(t, err)
	assert.Equal(t, fault.KindValidation, fault.KindOf(err))
}

func TestProcessEntityTask(t *testing.T) {
	store := newPipeStore()
	sink := &recordingSink{}
	p := newTestPipeline(t, store, &scriptedCompleter{}, sink)

	err := p.Process(context.Background(), &task.Task{
		ID:      "entity-1",
		Type:    task.TypeEntity,
		GroupID: "g1",
		Payload: map[string]interface{}{
			"uuid":    "n-ext",
			"name":    "Acme Corp",
			"summary": "A company.",
		},
	})
	require.NoError(t, err)

	require.Len(t, store.upserted, 1)
	node := store.upserted[0]
	assert.Equal(t, "acme corp", node.NormalizedName)
	assert.Equal(t, "A company.", store.summary[node.UUID])

	calls := sink.all()
	require.Len(t, calls, 1)
	assert.Equal(t, []string{node.UUID}, calls[0].nodes)
}

func TestProcessRelationshipTask(t *testing.T) {
	store := newPipeStore()
	src := &graph.EntityNode{UUID: "n-1", GroupID: "g1", Name: "Alice", NormalizedName: "alice"}
	tgt := &graph.EntityNode{UUID: "n-2", GroupID: "g1", Name: "Acme", NormalizedName: "acme"}
	store.nodes[src.UUID] = src
	store.nodes[tgt.UUID] = tgt
	sink := &recordingSink{}
	p := newTestPipeline(t, store, &scriptedCompleter{}, sink)

	err := p.Process(context.Background(), &task.Task{
		ID:      "relationship-1",
		Type:    task.TypeRelationship,
		GroupID: "g1",
		Payload: map[string]interface{}{
			"uuid":             "e-ext",
			"name":             "WORKS_AT",
			"fact":             "Alice works at Acme.",
			"source_node_uuid": "n-1",
			"target_node_uuid": "n-2",
		},
	})
	require.NoError(t, err)

	require.Len(t, store.edges, 1)
	require.Len(t, store.edges[0], 1)
	edge := store.edges[0][0]
	assert.Equal(t, "WORKS_AT", edge.Name)
	assert.Equal(t, "n-1", edge.SourceNodeUUID)

	calls := sink.all()
	require.Len(t, calls, 1)
	assert.Equal(t, []string{edge.UUID}, calls[0].edges)
}

func TestProcessRelationshipMissingNodes(t *testing.T) {
	p := newTestPipeline(t, newPipeStore(), &scriptedCompleter{}, nil)

	err := p.Process(context.Background(), &task.Task{
		ID:      "relationship-2",
		Type:    task.TypeRelationship,
		GroupID: "g1",
		Payload: map[string]interface{}{
			"name":             "KNOWS",
			"fact":             "x knows y",
			"source_node_uuid": "missing-a",
			"target_node_uuid": "missing-b",
		},
	})
	require.Error(t, err)
	assert.True(t, fault.IsDeadLetter(err), "missing endpoints must dead-letter, not retry")
}

func TestProcessUnknownTypeIsPermanent(t *testing.T) {
	p := newTestPipeline(t, newPipeStore(), &scriptedCompleter{}, nil)
	err := p.Process(context.Background(), &task.Task{ID: "x", Type: task.Type("mystery")})
	require.Error(t, err)
	assert.Equal(t, fault.KindPermanent, fault.KindOf(err))
}

// Fingerprint claims against a live Redis.
// Set TEST_INTEGRATION=1 to run these tests.
func TestClaimFingerprintIntegration(t *testing.T) {
	if os.Getenv("TEST_INTEGRATION") == "" {
		t.Skip("Skipping integration test; set TEST_INTEGRATION=1 to run")
	}

	rdb := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
	defer rdb.Close()
	ctx := context.Background()
	require.NoError(t, rdb.Ping(ctx).Err())

	p := NewPipeline(PipelineConfig{FingerprintTTL: time.Minute}, newPipeStore(), nil, nil, nil, nil, rdb, NewMetrics(), zaptest.NewLogger(t))

	content := "fingerprint me " + time.Now().Format(time.RFC3339Nano)
	payload := &task.EpisodePayload{UUID: "ep-fp", Content: content}

	// First task claims the content.
	claimed, err := p.claimFingerprint(ctx, &task.Task{ID: "msg-a", GroupID: "g1"}, payload)
	require.NoError(t, err)
	assert.True(t, claimed)

	// A redelivery of the same task passes its own claim.
	claimed, err = p.claimFingerprint(ctx, &task.Task{ID: "msg-a", GroupID: "g1"}, payload)
	require.NoError(t, err)
	assert.True(t, claimed)

	// A different task with identical content is a duplicate.
	claimed, err = p.claimFingerprint(ctx, &task.Task{ID: "msg-b", GroupID: "g1"}, payload)
	require.NoError(t, err)
	assert.False(t, claimed)

	// The same content in another group is unrelated.
	claimed, err = p.claimFingerprint(ctx, &task.Task{ID: "msg-c", GroupID: "g2"}, payload)
	require.NoError(t, err)
	assert.True(t, claimed)
}
