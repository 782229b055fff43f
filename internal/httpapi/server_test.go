package httpapi

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/chronograph-engine/internal/fault"
	"github.com/chronograph-engine/internal/graph"
	"github.com/chronograph-engine/internal/ingest"
	"github.com/chronograph-engine/internal/jsonx"
	"github.com/chronograph-engine/internal/relevance"
	"github.com/chronograph-engine/internal/search"
)

// apiStore serves handler tests from in-memory maps.
type apiStore struct {
	graph.UnimplementedStore

	edges    map[string]*graph.EntityEdge
	nodes    map[string]*graph.EntityNode
	incident map[string]*graph.NodeEdges
	episodes []*graph.Episode

	deletedGroups   []string
	deletedEpisodes []string
}

func (s *apiStore) FetchEdgeByUUID(_ context.Context, uuid string) (*graph.EntityEdge, error) {
	return s.edges[uuid], nil
}

func (s *apiStore) FetchNodeByUUID(_ context.Context, uuid string) (*graph.EntityNode, error) {
	return s.nodes[uuid], nil
}

func (s *apiStore) FetchEdgesByNode(_ context.Context, uuid string) (*graph.NodeEdges, error) {
	if ne, ok := s.incident[uuid]; ok {
		return ne, nil
	}
	return &graph.NodeEdges{}, nil
}

func (s *apiStore) RecentEpisodes(_ context.Context, groupID string, lastN int) ([]*graph.Episode, error) {
	var out []*graph.Episode
	for _, ep := range s.episodes {
		if ep.GroupID == groupID {
			out = append(out, ep)
		}
	}
	if len(out) > lastN {
		out = out[:lastN]
	}
	return out, nil
}

func (s *apiStore) DeleteEpisode(_ context.Context, uuid string) error {
	for _, ep := range s.episodes {
		if ep.UUID == uuid {
			s.deletedEpisodes = append(s.deletedEpisodes, uuid)
			return nil
		}
	}
	return graph.ErrNotFound
}

func (s *apiStore) DeleteGroup(_ context.Context, groupID string) error {
	s.deletedGroups = append(s.deletedGroups, groupID)
	return nil
}

func (s *apiStore) UpdateNodeSummary(_ context.Context, uuid, summary string) (*graph.EntityNode, error) {
	node, ok := s.nodes[uuid]
	if !ok {
		return nil, graph.ErrNotFound
	}
	node.Summary = summary
	return node, nil
}

type fakeIngestor struct {
	groupID string
	msgs    []ingest.Message
	entity  *ingest.EntityData
	err     error
}

func (f *fakeIngestor) EnqueueEpisodes(_ context.Context, groupID string, msgs []ingest.Message) ([]string, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.groupID = groupID
	f.msgs = msgs
	ids := make([]string, len(msgs))
	for i := range ids {
		ids[i] = fmt.Sprintf("t-%d", i)
	}
	return ids, nil
}

func (f *fakeIngestor) EnqueueEntity(_ context.Context, groupID string, e ingest.EntityData) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	f.groupID = groupID
	f.entity = &e
	return "t-entity", nil
}

func (f *fakeIngestor) IsHealthy(context.Context) bool { return f.err == nil }

type accessRecorder struct {
	groupID    string
	nodeIDs    []string
	accessType string
	query      string
	calls      int
}

func (a *accessRecorder) EmitNodeAccess(groupID string, nodeIDs []string, accessType, query string) {
	a.groupID = groupID
	a.nodeIDs = nodeIDs
	a.accessType = accessType
	a.query = query
	a.calls++
}

type fakeSearcher struct {
	gotGroup  string
	gotText   string
	gotVector []float32
	gotLimit  int
	result    *search.Result
	err       error
}

func (f *fakeSearcher) Search(_ context.Context, groupID, text string, vector []float32, limit int) (*search.Result, error) {
	f.gotGroup, f.gotText, f.gotVector, f.gotLimit = groupID, text, vector, limit
	if f.err != nil {
		return nil, f.err
	}
	if f.result == nil {
		return &search.Result{}, nil
	}
	return f.result, nil
}

type fakeEmbedder struct {
	gotText string
	vec     []float32
	err     error
}

func (f *fakeEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	f.gotText = text
	return f.vec, f.err
}

type fakeFeedback struct {
	got relevance.Submission
	n   int
	err error
}

func (f *fakeFeedback) Submit(_ context.Context, sub relevance.Submission) (int, error) {
	if f.err != nil {
		return 0, f.err
	}
	f.got = sub
	return f.n, nil
}

type fakeIndex struct {
	removedGroup string
	n            int
}

func (f *fakeIndex) RemoveGroup(_ context.Context, groupID string) (int, error) {
	f.removedGroup = groupID
	return f.n, nil
}

func newAPI(t *testing.T, deps Deps) *mux.Router {
	t.Helper()
	if deps.Store == nil {
		deps.Store = &apiStore{}
	}
	s := NewServer(Config{DefaultGroupID: "default-group"}, deps, zaptest.NewLogger(t))
	r := mux.NewRouter()
	s.SetupRoutes(r)
	return r
}

func doJSON(t *testing.T, h http.Handler, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != nil {
		data, err := jsonx.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, reader)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decodeBodyInto(t *testing.T, rec *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	require.NoError(t, jsonx.Unmarshal(rec.Body.Bytes(), v))
}

func TestAddMessagesQueues(t *testing.T) {
	ing := &fakeIngestor{}
	r := newAPI(t, Deps{Ingestor: ing})

	rec := doJSON(t, r, "POST", "/messages", map[string]interface{}{
		"group_id": "g1",
		"messages": []map[string]string{
			{"content": "Alice met Bob at TechCorp.", "role": "alice", "role_type": "user"},
			{"content": "They discussed the merger.", "role": "alice", "role_type": "user"},
		},
	})

	require.Equal(t, http.StatusAccepted, rec.Code)
	var resp queuedResponse
	decodeBodyInto(t, rec, &resp)
	assert.Equal(t, "queued", resp.Status)
	assert.Len(t, resp.TaskIDs, 2)
	assert.Equal(t, "g1", ing.groupID)
	require.Len(t, ing.msgs, 2)
	assert.Equal(t, "Alice met Bob at TechCorp.", ing.msgs[0].Content)
}

func TestAddMessagesDefaultsGroup(t *testing.T) {
	ing := &fakeIngestor{}
	r := newAPI(t, Deps{Ingestor: ing})

	rec := doJSON(t, r, "POST", "/messages", map[string]interface{}{
		"messages": []map[string]string{{"content": "hello"}},
	})

	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, "default-group", ing.groupID)
}

func TestAddMessagesRejectsEmptyBatch(t *testing.T) {
	r := newAPI(t, Deps{Ingestor: &fakeIngestor{}})

	rec := doJSON(t, r, "POST", "/messages", map[string]interface{}{
		"group_id": "g1",
		"messages": []map[string]string{},
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAddMessagesQueueDown(t *testing.T) {
	ing := &fakeIngestor{err: fault.Transient(errors.New("queue push: connection refused"))}
	r := newAPI(t, Deps{Ingestor: ing})

	rec := doJSON(t, r, "POST", "/messages", map[string]interface{}{
		"group_id": "g1",
		"messages": []map[string]string{{"content": "hello"}},
	})
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestAddEntityNodeCreated(t *testing.T) {
	ing := &fakeIngestor{}
	r := newAPI(t, Deps{Ingestor: ing})

	rec := doJSON(t, r, "POST", "/entity-node", map[string]interface{}{
		"group_id": "g1",
		"name":     "TechCorp",
		"summary":  "A technology company.",
	})

	require.Equal(t, http.StatusCreated, rec.Code)
	require.NotNil(t, ing.entity)
	assert.Equal(t, "TechCorp", ing.entity.Name)
}

func TestAddEntityNodeRequiresName(t *testing.T) {
	r := newAPI(t, Deps{Ingestor: &fakeIngestor{}})

	rec := doJSON(t, r, "POST", "/entity-node", map[string]interface{}{
		"group_id": "g1",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGetEntityEdgeEmitsAccess(t *testing.T) {
	store := &apiStore{edges: map[string]*graph.EntityEdge{
		"e-1": {UUID: "e-1", GroupID: "g1", Name: "MET", Fact: "Alice met Bob",
			SourceNodeUUID: "n-alice", TargetNodeUUID: "n-bob", CreatedAt: time.Now().UTC()},
	}}
	events := &accessRecorder{}
	r := newAPI(t, Deps{Store: store, Events: events})

	rec := doJSON(t, r, "GET", "/entity-edge/e-1", nil)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp factResult
	decodeBodyInto(t, rec, &resp)
	assert.Equal(t, "e-1", resp.UUID)
	assert.Equal(t, "Alice met Bob", resp.Fact)

	assert.Equal(t, 1, events.calls)
	assert.Equal(t, "direct_edge_access", events.accessType)
	assert.Equal(t, []string{"n-alice", "n-bob"}, events.nodeIDs)
}

func TestGetEntityEdgeNotFound(t *testing.T) {
	r := newAPI(t, Deps{Store: &apiStore{edges: map[string]*graph.EntityEdge{}}})
	rec := doJSON(t, r, "GET", "/entity-edge/missing", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestGetEdgesByNode(t *testing.T) {
	out := &graph.EntityEdge{UUID: "e-out", GroupID: "g1", SourceNodeUUID: "n-1", TargetNodeUUID: "n-2", CreatedAt: time.Now().UTC()}
	in := &graph.EntityEdge{UUID: "e-in", GroupID: "g1", SourceNodeUUID: "n-3", TargetNodeUUID: "n-1", CreatedAt: time.Now().UTC()}
	store := &apiStore{
		nodes: map[string]*graph.EntityNode{"n-1": {UUID: "n-1", GroupID: "g1", Name: "Alice"}},
		incident: map[string]*graph.NodeEdges{"n-1": {
			Edges:       []*graph.EntityEdge{out, in},
			SourceEdges: []*graph.EntityEdge{out},
			TargetEdges: []*graph.EntityEdge{in},
		}},
	}
	events := &accessRecorder{}
	r := newAPI(t, Deps{Store: store, Events: events})

	rec := doJSON(t, r, "GET", "/edges/by-node/n-1", nil)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp edgesByNodeResponse
	decodeBodyInto(t, rec, &resp)
	assert.Len(t, resp.Edges, 2)
	require.Len(t, resp.SourceEdges, 1)
	assert.Equal(t, "e-out", resp.SourceEdges[0].UUID)
	require.Len(t, resp.TargetEdges, 1)
	assert.Equal(t, "e-in", resp.TargetEdges[0].UUID)

	// Queried node first, then neighbors in edge order.
	assert.Equal(t, "node_edges_access", events.accessType)
	assert.Equal(t, []string{"n-1", "n-2", "n-3"}, events.nodeIDs)
}

func TestGetEdgesByNodeMissing(t *testing.T) {
	r := newAPI(t, Deps{Store: &apiStore{nodes: map[string]*graph.EntityNode{}}})
	rec := doJSON(t, r, "GET", "/edges/by-node/ghost", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestGetEpisodes(t *testing.T) {
	store := &apiStore{episodes: []*graph.Episode{
		{UUID: "ep-1", GroupID: "g1", Content: "first"},
		{UUID: "ep-2", GroupID: "g1", Content: "second"},
		{UUID: "ep-3", GroupID: "g2", Content: "other group"},
	}}
	r := newAPI(t, Deps{Store: store})

	rec := doJSON(t, r, "GET", "/episodes/g1?last_n=1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var resp episodesResponse
	decodeBodyInto(t, rec, &resp)
	require.Len(t, resp.Episodes, 1)
	assert.Equal(t, "ep-1", resp.Episodes[0].UUID)

	rec = doJSON(t, r, "GET", "/episodes/g1?last_n=zero", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGetMemory(t *testing.T) {
	edge := &graph.EntityEdge{UUID: "e-1", GroupID: "g1", Name: "DRINKS",
		Fact: "Alice drinks espresso", SourceNodeUUID: "n-a", TargetNodeUUID: "n-b",
		CreatedAt: time.Now().UTC()}
	searcher := &fakeSearcher{result: &search.Result{
		Facts:   []*graph.EntityEdge{edge},
		NodeIDs: []string{"n-a", "n-b"},
	}}
	embedder := &fakeEmbedder{vec: []float32{0.1, 0.2}}
	events := &accessRecorder{}
	r := newAPI(t, Deps{Searcher: searcher, Embedder: embedder, Events: events})

	rec := doJSON(t, r, "POST", "/get-memory", map[string]interface{}{
		"group_id": "g1",
		"messages": []map[string]string{
			{"content": "What does Alice drink?", "role": "alice", "role_type": "user"},
		},
	})

	require.Equal(t, http.StatusOK, rec.Code)
	var resp getMemoryResponse
	decodeBodyInto(t, rec, &resp)
	require.Len(t, resp.Facts, 1)
	assert.Equal(t, "Alice drinks espresso", resp.Facts[0].Fact)

	wantQuery := "user(alice): What does Alice drink?\n"
	assert.Equal(t, wantQuery, embedder.gotText)
	assert.Equal(t, wantQuery, searcher.gotText)
	assert.Equal(t, []float32{0.1, 0.2}, searcher.gotVector)
	assert.Equal(t, 10, searcher.gotLimit)

	assert.Equal(t, "search", events.accessType)
	assert.Equal(t, wantQuery, events.query)
	assert.Equal(t, []string{"n-a", "n-b"}, events.nodeIDs)
}

func TestGetMemorySurvivesEmbedderFailure(t *testing.T) {
	searcher := &fakeSearcher{}
	embedder := &fakeEmbedder{err: errors.New("embedder offline")}
	r := newAPI(t, Deps{Searcher: searcher, Embedder: embedder})

	rec := doJSON(t, r, "POST", "/get-memory", map[string]interface{}{
		"group_id": "g1",
		"messages": []map[string]string{{"content": "anything"}},
	})

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Nil(t, searcher.gotVector)
}

func TestUpdateNodeSummary(t *testing.T) {
	store := &apiStore{nodes: map[string]*graph.EntityNode{
		"n-1": {UUID: "n-1", GroupID: "g1", Name: "Alice", CreatedAt: time.Now().UTC()},
	}}
	r := newAPI(t, Deps{Store: store})

	rec := doJSON(t, r, "PATCH", "/nodes/n-1/summary", map[string]string{
		"summary": "Drinks espresso daily.",
	})

	require.Equal(t, http.StatusOK, rec.Code)
	var resp nodeResponse
	decodeBodyInto(t, rec, &resp)
	assert.Equal(t, "Drinks espresso daily.", resp.Summary)
	assert.Equal(t, "n-1", resp.UUID)

	rec = doJSON(t, r, "PATCH", "/nodes/ghost/summary", map[string]string{"summary": "x"})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRelevanceFeedback(t *testing.T) {
	sink := &fakeFeedback{n: 2}
	r := newAPI(t, Deps{Feedback: sink})

	rec := doJSON(t, r, "POST", "/feedback/relevance", map[string]interface{}{
		"query_id":      "q-1",
		"query_text":    "espresso habits",
		"memory_scores": map[string]float64{"n-1": 0.9, "n-2": 0.4},
	})

	require.Equal(t, http.StatusOK, rec.Code)
	var resp relevanceFeedbackResponse
	decodeBodyInto(t, rec, &resp)
	assert.Equal(t, "success", resp.Status)
	assert.Equal(t, 2, resp.ProcessedCount)
	assert.Equal(t, "q-1", sink.got.QueryID)

	rec = doJSON(t, r, "POST", "/feedback/relevance", map[string]interface{}{
		"memory_scores": map[string]float64{"n-1": 0.9},
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestDeleteEpisode(t *testing.T) {
	store := &apiStore{episodes: []*graph.Episode{{UUID: "ep-1", GroupID: "g1"}}}
	r := newAPI(t, Deps{Store: store})

	rec := doJSON(t, r, "DELETE", "/episode/ep-1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []string{"ep-1"}, store.deletedEpisodes)

	rec = doJSON(t, r, "DELETE", "/episode/ghost", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestDeleteGroupPurgesStoreAndIndex(t *testing.T) {
	store := &apiStore{}
	index := &fakeIndex{n: 4}
	r := newAPI(t, Deps{Store: store, Index: index})

	rec := doJSON(t, r, "DELETE", "/group/g1", nil)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []string{"g1"}, store.deletedGroups)
	assert.Equal(t, "g1", index.removedGroup)
	var resp resultResponse
	decodeBodyInto(t, rec, &resp)
	assert.True(t, resp.Success)
}

func TestHealthcheck(t *testing.T) {
	r := newAPI(t, Deps{})
	rec := doJSON(t, r, "GET", "/healthcheck", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var resp map[string]string
	decodeBodyInto(t, rec, &resp)
	assert.Equal(t, "healthy", resp["status"])
}

func TestMetricsEndpoints(t *testing.T) {
	r := newAPI(t, Deps{
		WorkerMetrics: func() map[string]interface{} {
			return map[string]interface{}{"processed": int64(7)}
		},
	})

	rec := doJSON(t, r, "GET", "/metrics/worker", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var resp map[string]interface{}
	decodeBodyInto(t, rec, &resp)
	assert.EqualValues(t, 7, resp["processed"])

	// Unwired sources answer with an empty object, not an error.
	rec = doJSON(t, r, "GET", "/metrics/queue", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, "{}", rec.Body.String())
}
