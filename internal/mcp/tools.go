package mcp

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/chronograph-engine/internal/graph"
	"github.com/chronograph-engine/internal/ingest"
)

// successResult is the payload for mutating tools.
type successResult struct {
	Message string   `json:"message"`
	TaskIDs []string `json:"task_ids,omitempty"`
}

// factPayload mirrors the HTTP fact shape, nullable timestamps and all.
type factPayload struct {
	UUID      string     `json:"uuid"`
	Name      string     `json:"name"`
	Fact      string     `json:"fact"`
	ValidAt   *time.Time `json:"valid_at"`
	InvalidAt *time.Time `json:"invalid_at"`
	CreatedAt time.Time  `json:"created_at"`
	ExpiredAt *time.Time `json:"expired_at"`
}

type nodePayload struct {
	UUID    string  `json:"uuid"`
	Name    string  `json:"name"`
	Summary string  `json:"summary"`
	Score   float64 `json:"score,omitempty"`
}

func factFromEdge(e *graph.EntityEdge) factPayload {
	return factPayload{
		UUID:      e.UUID,
		Name:      e.Name,
		Fact:      e.Fact,
		ValidAt:   e.ValidAt,
		InvalidAt: e.InvalidAt,
		CreatedAt: e.CreatedAt,
		ExpiredAt: e.ExpiredAt,
	}
}

// toolSet builds every tool the server advertises.
func (s *Server) toolSet() []Tool {
	strProp := func(desc string) map[string]interface{} {
		return map[string]interface{}{"type": "string", "description": desc}
	}
	intProp := func(desc string) map[string]interface{} {
		return map[string]interface{}{"type": "integer", "description": desc}
	}
	schema := func(props map[string]interface{}, required ...string) map[string]interface{} {
		m := map[string]interface{}{"type": "object", "properties": props}
		if len(required) > 0 {
			m["required"] = required
		}
		return m
	}

	return []Tool{
		{
			Definition: ToolDefinition{
				Name:        "add_memory",
				Description: "Queue an episode for asynchronous ingestion into the knowledge graph",
				InputSchema: schema(map[string]interface{}{
					"episode_body":       strProp("Episode content to ingest"),
					"name":               strProp("Optional episode name"),
					"group_id":           strProp("Graph partition; defaults to the server's group"),
					"source_description": strProp("Where this episode came from"),
					"uuid":               strProp("Optional episode uuid for idempotent re-submission"),
				}, "episode_body"),
			},
			Handler: s.handleAddMemory,
		},
		{
			Definition: ToolDefinition{
				Name:        "search_memory_facts",
				Description: "Search stored facts with hybrid full-text and semantic retrieval",
				InputSchema: schema(map[string]interface{}{
					"query":     strProp("Search query"),
					"group_id":  strProp("Graph partition to search"),
					"max_facts": intProp("Result cap, default 10"),
				}, "query"),
			},
			Handler: s.handleSearchFacts,
		},
		{
			Definition: ToolDefinition{
				Name:        "search_memory_nodes",
				Description: "Find entity nodes whose names are semantically close to the query",
				InputSchema: schema(map[string]interface{}{
					"query":     strProp("Search query"),
					"group_id":  strProp("Graph partition to search"),
					"max_nodes": intProp("Result cap, default 10"),
				}, "query"),
			},
			Handler: s.handleSearchNodes,
		},
		{
			Definition: ToolDefinition{
				Name:        "get_entity_edge",
				Description: "Fetch one fact edge by uuid",
				InputSchema: schema(map[string]interface{}{
					"uuid": strProp("Edge uuid"),
				}, "uuid"),
			},
			Handler: s.handleGetEntityEdge,
		},
		{
			Definition: ToolDefinition{
				Name:        "get_episodes",
				Description: "Fetch the most recent episodes of a group",
				InputSchema: schema(map[string]interface{}{
					"group_id": strProp("Graph partition"),
					"last_n":   intProp("How many episodes, default 10"),
				}),
			},
			Handler: s.handleGetEpisodes,
		},
		{
			Definition: ToolDefinition{
				Name:        "delete_entity_edge",
				Description: "Delete one fact edge by uuid",
				InputSchema: schema(map[string]interface{}{
					"uuid": strProp("Edge uuid"),
				}, "uuid"),
			},
			Handler: s.handleDeleteEntityEdge,
		},
		{
			Definition: ToolDefinition{
				Name:        "delete_episode",
				Description: "Delete one episode by uuid",
				InputSchema: schema(map[string]interface{}{
					"uuid": strProp("Episode uuid"),
				}, "uuid"),
			},
			Handler: s.handleDeleteEpisode,
		},
		{
			Definition: ToolDefinition{
				Name:        "clear_graph",
				Description: "Delete every node, edge, and episode of one group",
				InputSchema: schema(map[string]interface{}{
					"group_id": strProp("Graph partition to clear"),
				}, "group_id"),
			},
			Handler: s.handleClearGraph,
		},
		{
			Definition: ToolDefinition{
				Name:        "get_status",
				Description: "Report graph store and ingestion queue health",
				InputSchema: schema(map[string]interface{}{}),
			},
			Handler: s.handleGetStatus,
		},
	}
}

func (s *Server) handleAddMemory(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	body := argString(args, "episode_body")
	if body == "" {
		return nil, errors.New("episode_body is required")
	}
	if s.deps.Ingestor == nil {
		return nil, errors.New("ingestion is not available")
	}
	groupID := s.groupID(args)
	ids, err := s.deps.Ingestor.EnqueueEpisodes(ctx, groupID, []ingest.Message{{
		UUID:              argString(args, "uuid"),
		Name:              argString(args, "name"),
		Content:           body,
		SourceDescription: argString(args, "source_description"),
	}})
	if err != nil {
		return nil, err
	}
	return successResult{
		Message: fmt.Sprintf("Episode queued for processing in group %s", groupID),
		TaskIDs: ids,
	}, nil
}

func (s *Server) handleSearchFacts(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	query := argString(args, "query")
	if query == "" {
		return nil, errors.New("query is required")
	}
	if s.deps.Searcher == nil {
		return nil, errors.New("search is not available")
	}
	groupID := s.groupID(args)
	limit := argInt(args, "max_facts", 10)

	var vector []float32
	if s.deps.Embedder != nil {
		v, err := s.deps.Embedder.Embed(ctx, query)
		if err != nil {
			s.logger.Warn("Query embedding failed, semantic side skipped", zap.Error(err))
		} else {
			vector = v
		}
	}

	result, err := s.deps.Searcher.Search(ctx, groupID, query, vector, limit)
	if err != nil {
		return nil, err
	}
	if s.deps.Events != nil && len(result.NodeIDs) > 0 {
		s.deps.Events.EmitNodeAccess(groupID, result.NodeIDs, "search", query)
	}

	facts := make([]factPayload, 0, len(result.Facts))
	for _, e := range result.Facts {
		facts = append(facts, factFromEdge(e))
	}
	return map[string]interface{}{"facts": facts}, nil
}

func (s *Server) handleSearchNodes(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	query := argString(args, "query")
	if query == "" {
		return nil, errors.New("query is required")
	}
	if s.deps.Embedder == nil {
		return nil, errors.New("embedding is not available")
	}
	groupID := s.groupID(args)
	limit := argInt(args, "max_nodes", 10)

	vector, err := s.deps.Embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}
	scored, err := s.deps.Store.SearchByVector(ctx, groupID, vector, limit, 0)
	if err != nil {
		return nil, err
	}

	nodes := make([]nodePayload, 0, len(scored))
	ids := make([]string, 0, len(scored))
	for _, sn := range scored {
		nodes = append(nodes, nodePayload{
			UUID:    sn.Node.UUID,
			Name:    sn.Node.Name,
			Summary: sn.Node.Summary,
			Score:   sn.Score,
		})
		ids = append(ids, sn.Node.UUID)
	}
	if s.deps.Events != nil && len(ids) > 0 {
		s.deps.Events.EmitNodeAccess(groupID, ids, "search", query)
	}
	return map[string]interface{}{"nodes": nodes}, nil
}

func (s *Server) handleGetEntityEdge(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	uuid := argString(args, "uuid")
	if uuid == "" {
		return nil, errors.New("uuid is required")
	}
	edge, err := s.deps.Store.FetchEdgeByUUID(ctx, uuid)
	if err != nil {
		return nil, err
	}
	if edge == nil {
		return nil, fmt.Errorf("edge %s not found", uuid)
	}
	if s.deps.Events != nil {
		ids := []string{edge.SourceNodeUUID}
		if edge.TargetNodeUUID != edge.SourceNodeUUID {
			ids = append(ids, edge.TargetNodeUUID)
		}
		s.deps.Events.EmitNodeAccess(edge.GroupID, ids, "direct_edge_access", "")
	}
	return factFromEdge(edge), nil
}

func (s *Server) handleGetEpisodes(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	groupID := s.groupID(args)
	lastN := argInt(args, "last_n", 10)
	episodes, err := s.deps.Store.RecentEpisodes(ctx, groupID, lastN)
	if err != nil {
		return nil, err
	}
	if episodes == nil {
		episodes = []*graph.Episode{}
	}
	return map[string]interface{}{"episodes": episodes}, nil
}

func (s *Server) handleDeleteEntityEdge(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	uuid := argString(args, "uuid")
	if uuid == "" {
		return nil, errors.New("uuid is required")
	}
	if err := s.deps.Store.DeleteEdge(ctx, uuid); err != nil {
		return nil, err
	}
	return successResult{Message: fmt.Sprintf("Edge %s deleted", uuid)}, nil
}

func (s *Server) handleDeleteEpisode(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	uuid := argString(args, "uuid")
	if uuid == "" {
		return nil, errors.New("uuid is required")
	}
	if err := s.deps.Store.DeleteEpisode(ctx, uuid); err != nil {
		return nil, err
	}
	return successResult{Message: fmt.Sprintf("Episode %s deleted", uuid)}, nil
}

func (s *Server) handleClearGraph(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	groupID := argString(args, "group_id")
	if groupID == "" {
		return nil, errors.New("group_id is required")
	}
	if err := s.deps.Store.DeleteGroup(ctx, groupID); err != nil {
		return nil, err
	}
	return successResult{Message: fmt.Sprintf("Group %s cleared", groupID)}, nil
}

func (s *Server) handleGetStatus(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	status := "ok"
	message := "graph store is reachable"
	if err := s.deps.Store.Health(ctx); err != nil {
		status = "error"
		message = fmt.Sprintf("graph store unreachable: %v", err)
	} else if s.deps.Ingestor != nil && !s.deps.Ingestor.IsHealthy(ctx) {
		status = "degraded"
		message = "graph store is reachable but the ingestion queue is not"
	}
	return map[string]string{"status": status, "message": message}, nil
}

func (s *Server) groupID(args map[string]interface{}) string {
	if g := argString(args, "group_id"); g != "" {
		return g
	}
	return s.deps.DefaultGroupID
}

func argString(args map[string]interface{}, key string) string {
	if v, ok := args[key].(string); ok {
		return v
	}
	return ""
}

// argInt tolerates the numeric types both json decoders produce.
func argInt(args map[string]interface{}, key string, def int) int {
	switch v := args[key].(type) {
	case int64:
		return int(v)
	case float64:
		return int(v)
	case int:
		return v
	default:
		return def
	}
}
