package httpapi

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/chronograph-engine/internal/fault"
	"github.com/chronograph-engine/internal/graph"
	"github.com/chronograph-engine/internal/ingest"
)

// factResult is the wire shape of one fact. The nullable timestamps
// serialize as explicit nulls so consumers can tell "open interval"
// from "field absent".
type factResult struct {
	UUID      string     `json:"uuid"`
	Name      string     `json:"name"`
	Fact      string     `json:"fact"`
	ValidAt   *time.Time `json:"valid_at"`
	InvalidAt *time.Time `json:"invalid_at"`
	CreatedAt time.Time  `json:"created_at"`
	ExpiredAt *time.Time `json:"expired_at"`
}

func factFromEdge(e *graph.EntityEdge) factResult {
	return factResult{
		UUID:      e.UUID,
		Name:      e.Name,
		Fact:      e.Fact,
		ValidAt:   e.ValidAt,
		InvalidAt: e.InvalidAt,
		CreatedAt: e.CreatedAt,
		ExpiredAt: e.ExpiredAt,
	}
}

func factsFromEdges(edges []*graph.EntityEdge) []factResult {
	facts := make([]factResult, 0, len(edges))
	for _, e := range edges {
		facts = append(facts, factFromEdge(e))
	}
	return facts
}

func (s *Server) emitAccess(groupID string, nodeIDs []string, accessType, query string) {
	if s.deps.Events == nil || len(nodeIDs) == 0 {
		return
	}
	s.deps.Events.EmitNodeAccess(groupID, nodeIDs, accessType, query)
}

func (s *Server) handleGetEntityEdge(w http.ResponseWriter, r *http.Request) {
	uuid := mux.Vars(r)["uuid"]
	edge, err := s.deps.Store.FetchEdgeByUUID(r.Context(), uuid)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if edge == nil {
		s.writeError(w, r, fmt.Errorf("edge %s: %w", uuid, graph.ErrNotFound))
		return
	}

	s.emitAccess(edge.GroupID, endpointIDs(edge), "direct_edge_access", "")
	writeJSON(w, http.StatusOK, factFromEdge(edge))
}

func endpointIDs(e *graph.EntityEdge) []string {
	ids := make([]string, 0, 2)
	if e.SourceNodeUUID != "" {
		ids = append(ids, e.SourceNodeUUID)
	}
	if e.TargetNodeUUID != "" && e.TargetNodeUUID != e.SourceNodeUUID {
		ids = append(ids, e.TargetNodeUUID)
	}
	return ids
}

type edgesByNodeResponse struct {
	Edges       []factResult `json:"edges"`
	SourceEdges []factResult `json:"source_edges"`
	TargetEdges []factResult `json:"target_edges"`
}

func (s *Server) handleGetEdgesByNode(w http.ResponseWriter, r *http.Request) {
	uuid := mux.Vars(r)["uuid"]
	node, err := s.deps.Store.FetchNodeByUUID(r.Context(), uuid)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if node == nil {
		s.writeError(w, r, fmt.Errorf("node %s: %w", uuid, graph.ErrNotFound))
		return
	}

	incident, err := s.deps.Store.FetchEdgesByNode(r.Context(), uuid)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	// The queried node first, then every neighbor the edges reach.
	accessed := []string{uuid}
	seen := map[string]struct{}{uuid: {}}
	for _, e := range incident.Edges {
		for _, id := range endpointIDs(e) {
			if _, ok := seen[id]; ok {
				continue
			}
			seen[id] = struct{}{}
			accessed = append(accessed, id)
		}
	}
	s.emitAccess(node.GroupID, accessed, "node_edges_access", "")

	writeJSON(w, http.StatusOK, edgesByNodeResponse{
		Edges:       factsFromEdges(incident.Edges),
		SourceEdges: factsFromEdges(incident.SourceEdges),
		TargetEdges: factsFromEdges(incident.TargetEdges),
	})
}

type episodesResponse struct {
	Episodes []*graph.Episode `json:"episodes"`
}

func (s *Server) handleGetEpisodes(w http.ResponseWriter, r *http.Request) {
	groupID := mux.Vars(r)["group_id"]
	lastN := 10
	if raw := r.URL.Query().Get("last_n"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			s.writeError(w, r, fault.Validation("last_n must be a positive integer"))
			return
		}
		lastN = n
	}

	episodes, err := s.deps.Store.RecentEpisodes(r.Context(), groupID, lastN)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if episodes == nil {
		episodes = []*graph.Episode{}
	}
	writeJSON(w, http.StatusOK, episodesResponse{Episodes: episodes})
}

type getMemoryRequest struct {
	GroupID        string           `json:"group_id"`
	MaxFacts       int              `json:"max_facts,omitempty"`
	CenterNodeUUID string           `json:"center_node_uuid,omitempty"`
	Messages       []ingest.Message `json:"messages" validate:"required,min=1"`
}

type getMemoryResponse struct {
	Facts []factResult `json:"facts"`
}

func (s *Server) handleGetMemory(w http.ResponseWriter, r *http.Request) {
	if s.deps.Searcher == nil {
		s.writeError(w, r, fault.Transient(errors.New("search is not configured")))
		return
	}
	var req getMemoryRequest
	if err := s.decodeBody(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if req.GroupID == "" {
		req.GroupID = s.cfg.DefaultGroupID
	}
	if req.MaxFacts <= 0 {
		req.MaxFacts = 10
	}

	query := composeQuery(req.Messages)

	var vector []float32
	if s.deps.Embedder != nil {
		v, err := s.deps.Embedder.Embed(r.Context(), query)
		if err != nil {
			// Keyword ranking still answers the query.
			s.logger.Warn("Query embedding failed, semantic side skipped", zap.Error(err))
		} else {
			vector = v
		}
	}

	result, err := s.deps.Searcher.Search(r.Context(), req.GroupID, query, vector, req.MaxFacts)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	s.emitAccess(req.GroupID, result.NodeIDs, "search", query)
	writeJSON(w, http.StatusOK, getMemoryResponse{Facts: factsFromEdges(result.Facts)})
}

// composeQuery flattens the conversation into one retrieval query,
// keeping the speaker annotations the extraction side uses.
func composeQuery(msgs []ingest.Message) string {
	var b strings.Builder
	for _, m := range msgs {
		fmt.Fprintf(&b, "%s(%s): %s\n", m.RoleType, m.Role, m.Content)
	}
	return b.String()
}

type updateNodeSummaryRequest struct {
	Summary string `json:"summary" validate:"max=5000"`
}

type nodeResponse struct {
	UUID       string                 `json:"uuid"`
	Name       string                 `json:"name"`
	GroupID    string                 `json:"group_id"`
	Summary    string                 `json:"summary"`
	Labels     []string               `json:"labels"`
	CreatedAt  time.Time              `json:"created_at"`
	Attributes map[string]interface{} `json:"attributes"`
}

func (s *Server) handleUpdateNodeSummary(w http.ResponseWriter, r *http.Request) {
	uuid := mux.Vars(r)["uuid"]
	var req updateNodeSummaryRequest
	if err := s.decodeBody(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}

	node, err := s.deps.Store.UpdateNodeSummary(r.Context(), uuid, req.Summary)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	labels := node.Labels
	if labels == nil {
		labels = []string{}
	}
	attrs := node.Attributes
	if attrs == nil {
		attrs = map[string]interface{}{}
	}
	writeJSON(w, http.StatusOK, nodeResponse{
		UUID:       node.UUID,
		Name:       node.Name,
		GroupID:    node.GroupID,
		Summary:    node.Summary,
		Labels:     labels,
		CreatedAt:  node.CreatedAt,
		Attributes: attrs,
	})
}
