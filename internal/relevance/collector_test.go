package relevance

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/chronograph-engine/internal/fault"
	"github.com/chronograph-engine/internal/graph"
)

type feedbackStore struct {
	graph.UnimplementedStore

	mu        sync.Mutex
	nodes     map[string]*graph.EntityNode
	updates   map[string][]map[string]interface{}
	updateErr error
}

func newFeedbackStore(nodes ...*graph.EntityNode) *feedbackStore {
	s := &feedbackStore{
		nodes:   make(map[string]*graph.EntityNode),
		updates: make(map[string][]map[string]interface{}),
	}
	for _, n := range nodes {
		s.nodes[n.UUID] = n
	}
	return s
}

func (s *feedbackStore) FetchNodeByUUID(_ context.Context, uuid string) (*graph.EntityNode, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nodes[uuid], nil
}

func (s *feedbackStore) UpdateNodeAttributes(_ context.Context, uuid string, attrs map[string]interface{}) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.updateErr != nil {
		err := s.updateErr
		s.updateErr = nil
		return err
	}
	s.updates[uuid] = append(s.updates[uuid], attrs)
	return nil
}

func (s *feedbackStore) updateCount(uuid string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.updates[uuid])
}

func (s *feedbackStore) lastUpdate(uuid string) map[string]interface{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.updates[uuid]) == 0 {
		return nil
	}
	return s.updates[uuid][len(s.updates[uuid])-1]
}

type fakeEmbedder struct {
	mu    sync.Mutex
	calls []string
	vec   []float32
	err   error
}

func (e *fakeEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.calls = append(e.calls, text)
	if e.err != nil {
		return nil, e.err
	}
	return e.vec, nil
}

func (e *fakeEmbedder) callCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.calls)
}

func newTestCollector(t *testing.T, cfg Config, store graph.GraphStore, embedder Embedder) *Collector {
	t.Helper()
	c, err := NewCollector(cfg, store, embedder, zaptest.NewLogger(t))
	require.NoError(t, err)
	c.Start()
	t.Cleanup(c.Stop)
	return c
}

func awaitCond(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func entityNode(uuid, groupID string) *graph.EntityNode {
	return &graph.EntityNode{UUID: uuid, GroupID: groupID, Name: uuid}
}

func TestSubmitValidation(t *testing.T) {
	store := newFeedbackStore()
	c := newTestCollector(t, Config{}, store, nil)

	_, err := c.Submit(context.Background(), Submission{
		MemoryScores: map[string]float64{"n1": 0.5},
	})
	assert.True(t, fault.Is(err, fault.KindValidation))

	_, err = c.Submit(context.Background(), Submission{QueryID: "q1"})
	assert.True(t, fault.Is(err, fault.KindValidation))

	_, err = c.Submit(context.Background(), Submission{
		QueryID:      "q1",
		MemoryScores: map[string]float64{"n1": 1.5},
	})
	assert.True(t, fault.Is(err, fault.KindValidation))

	_, err = c.Submit(context.Background(), Submission{
		QueryID:      "q1",
		MemoryScores: map[string]float64{"": 0.5},
	})
	assert.True(t, fault.Is(err, fault.KindValidation))

	assert.Equal(t, 0, store.updateCount("n1"))
}

func TestSubmitAppliesMovingAverage(t *testing.T) {
	store := newFeedbackStore(entityNode("n1", "g1"))
	c := newTestCollector(t, Config{Alpha: 0.2, CommitWindow: 10 * time.Millisecond}, store, nil)

	processed, err := c.Submit(context.Background(), Submission{
		QueryID:      "q1",
		MemoryScores: map[string]float64{"n1": 0.8},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, processed)

	awaitCond(t, func() bool { return store.updateCount("n1") == 1 })
	first := store.lastUpdate("n1")
	assert.InDelta(t, 0.8, first["importance_score"].(float64), 1e-9)
	assert.Equal(t, 1, first["usage_count"])

	_, err = c.Submit(context.Background(), Submission{
		QueryID:      "q2",
		MemoryScores: map[string]float64{"n1": 0.3},
	})
	require.NoError(t, err)

	awaitCond(t, func() bool { return store.updateCount("n1") == 2 })
	second := store.lastUpdate("n1")
	assert.InDelta(t, 0.2*0.3+0.8*0.8, second["importance_score"].(float64), 1e-9)
	assert.Equal(t, 2, second["usage_count"])
}

func TestSubmitSeedsFromStoredAttributes(t *testing.T) {
	node := entityNode("n1", "g1")
	node.Attributes = map[string]interface{}{
		"importance_score": 0.6,
		"usage_count":      float64(4),
	}
	store := newFeedbackStore(node)
	c := newTestCollector(t, Config{Alpha: 0.2, CommitWindow: 10 * time.Millisecond}, store, nil)

	_, err := c.Submit(context.Background(), Submission{
		QueryID:      "q1",
		MemoryScores: map[string]float64{"n1": 1.0},
	})
	require.NoError(t, err)

	awaitCond(t, func() bool { return store.updateCount("n1") == 1 })
	update := store.lastUpdate("n1")
	assert.InDelta(t, 0.2*1.0+0.8*0.6, update["importance_score"].(float64), 1e-9)
	assert.Equal(t, 5, update["usage_count"])
}

func TestSubmitSkipsUnknownNodes(t *testing.T) {
	store := newFeedbackStore(entityNode("n1", "g1"))
	c := newTestCollector(t, Config{CommitWindow: 10 * time.Millisecond}, store, nil)

	processed, err := c.Submit(context.Background(), Submission{
		QueryID:      "q1",
		MemoryScores: map[string]float64{"n1": 0.5, "ghost": 0.5},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, processed)
	assert.Equal(t, int64(1), c.Snapshot()["nodes_skipped"])

	awaitCond(t, func() bool { return store.updateCount("n1") == 1 })
	assert.Equal(t, 0, store.updateCount("ghost"))
}

func TestFlushOnMaxPending(t *testing.T) {
	store := newFeedbackStore(entityNode("n1", "g1"), entityNode("n2", "g1"))
	c := newTestCollector(t, Config{CommitWindow: time.Hour, MaxPending: 2}, store, nil)

	_, err := c.Submit(context.Background(), Submission{
		QueryID:      "q1",
		MemoryScores: map[string]float64{"n1": 0.4, "n2": 0.6},
	})
	require.NoError(t, err)

	// The hour-long window never fires; the backlog threshold does.
	awaitCond(t, func() bool {
		return store.updateCount("n1") == 1 && store.updateCount("n2") == 1
	})
}

func TestFailedWriteRequeues(t *testing.T) {
	store := newFeedbackStore(entityNode("n1", "g1"))
	store.updateErr = errors.New("store down")
	c := newTestCollector(t, Config{CommitWindow: 10 * time.Millisecond}, store, nil)

	_, err := c.Submit(context.Background(), Submission{
		QueryID:      "q1",
		MemoryScores: map[string]float64{"n1": 0.5},
	})
	require.NoError(t, err)

	awaitCond(t, func() bool { return store.updateCount("n1") == 1 })
	assert.Equal(t, int64(1), c.Snapshot()["flush_failures"])
}

func TestEffectiveScoreAndHistory(t *testing.T) {
	store := newFeedbackStore(entityNode("n1", "g1"))
	c := newTestCollector(t, Config{CommitWindow: 10 * time.Millisecond}, store, nil)

	_, err := c.Submit(context.Background(), Submission{
		QueryID:      "q1",
		MemoryScores: map[string]float64{"n1": 0.9},
	})
	require.NoError(t, err)

	score, ok := c.EffectiveScore("n1")
	require.True(t, ok)
	assert.InDelta(t, 0.9, score, 0.01)

	history := c.History("n1")
	require.Len(t, history, 1)
	assert.Equal(t, 0.9, history[0].Score)
	assert.Equal(t, "q1", history[0].QueryID)
	assert.Equal(t, "manual", history[0].Method)

	_, ok = c.EffectiveScore("ghost")
	assert.False(t, ok)
	assert.Nil(t, c.History("ghost"))
}

func TestHistoryTrimmed(t *testing.T) {
	store := newFeedbackStore(entityNode("n1", "g1"))
	c := newTestCollector(t, Config{CommitWindow: 10 * time.Millisecond, HistoryLimit: 3}, store, nil)

	for i := 1; i <= 5; i++ {
		_, err := c.Submit(context.Background(), Submission{
			QueryID:      fmt.Sprintf("q%d", i),
			MemoryScores: map[string]float64{"n1": float64(i) / 10},
		})
		require.NoError(t, err)
	}

	history := c.History("n1")
	require.Len(t, history, 3)
	assert.Equal(t, "q3", history[0].QueryID)
	assert.Equal(t, "q5", history[2].QueryID)
}

func TestQueryEmbeddingsRecordedPerGroup(t *testing.T) {
	store := newFeedbackStore(entityNode("n1", "g1"), entityNode("n2", "g2"))
	embedder := &fakeEmbedder{vec: []float32{0.1, 0.2}}
	c := newTestCollector(t, Config{CommitWindow: 10 * time.Millisecond}, store, embedder)

	_, err := c.Submit(context.Background(), Submission{
		QueryID:      "q1",
		QueryText:    "find things",
		MemoryScores: map[string]float64{"n1": 0.5, "n2": 0.5},
	})
	require.NoError(t, err)

	awaitCond(t, func() bool { return c.Snapshot()["queries_embedded"].(int64) == 1 })

	// One embedding call covers every group the submission touched.
	assert.Equal(t, 1, embedder.callCount())
	assert.Len(t, c.RecentQueryEmbeddings("g1"), 1)
	assert.Len(t, c.RecentQueryEmbeddings("g2"), 1)
	assert.Nil(t, c.RecentQueryEmbeddings("g3"))
}

func TestQueryEmbeddingHistoryTrimmed(t *testing.T) {
	store := newFeedbackStore(entityNode("n1", "g1"))
	embedder := &fakeEmbedder{vec: []float32{0.5}}
	c := newTestCollector(t, Config{CommitWindow: 10 * time.Millisecond, EmbeddingLimit: 2}, store, embedder)

	for i := 1; i <= 3; i++ {
		_, err := c.Submit(context.Background(), Submission{
			QueryID:      fmt.Sprintf("q%d", i),
			QueryText:    fmt.Sprintf("query %d", i),
			MemoryScores: map[string]float64{"n1": 0.5},
		})
		require.NoError(t, err)
	}

	awaitCond(t, func() bool { return c.Snapshot()["queries_embedded"].(int64) == 3 })
	assert.Len(t, c.RecentQueryEmbeddings("g1"), 2)
}

func TestStopFlushesPending(t *testing.T) {
	store := newFeedbackStore(entityNode("n1", "g1"))
	c := newTestCollector(t, Config{CommitWindow: time.Hour}, store, nil)

	_, err := c.Submit(context.Background(), Submission{
		QueryID:      "q1",
		MemoryScores: map[string]float64{"n1": 0.5},
	})
	require.NoError(t, err)

	c.Stop()
	assert.Equal(t, 1, store.updateCount("n1"))
}
