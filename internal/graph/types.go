// Package graph defines the store-facing domain model and the adapter
// interface over the property-graph backends. Two backends ship: Dgraph
// over gRPC and RedisGraph over GRAPH.QUERY. The pipeline only ever sees
// the GraphStore interface.
package graph

import (
	"regexp"
	"strings"
	"time"
)

// Episode is one ingested message. Immutable once persisted; deleted only
// through an explicit group or episode delete.
type Episode struct {
	UUID              string                 `json:"uuid"`
	GroupID           string                 `json:"group_id"`
	Name              string                 `json:"name"`
	Content           string                 `json:"content"`
	Role              string                 `json:"role,omitempty"`
	RoleType          string                 `json:"role_type,omitempty"`
	Source            string                 `json:"source,omitempty"`
	SourceDescription string                 `json:"source_description,omitempty"`
	Timestamp         time.Time              `json:"timestamp"`
	CreatedAt         time.Time              `json:"created_at"`
	Metadata          map[string]interface{} `json:"metadata,omitempty"`
}

// Centrality carries pre-computed graph-analytic scores in [0,1].
type Centrality struct {
	Pagerank    float64 `json:"pagerank,omitempty"`
	Degree      float64 `json:"degree,omitempty"`
	Betweenness float64 `json:"betweenness,omitempty"`
	Importance  float64 `json:"importance,omitempty"`
}

// EntityNode is a named referent scoped to one group. Identity is the
// uuid; summary and attributes are the only mutable parts besides the
// importance signal written by the relevance collector.
type EntityNode struct {
	UUID             string                 `json:"uuid"`
	GroupID          string                 `json:"group_id"`
	Name             string                 `json:"name"`
	NormalizedName   string                 `json:"normalized_name"`
	Summary          string                 `json:"summary,omitempty"`
	Labels           []string               `json:"labels,omitempty"`
	Attributes       map[string]interface{} `json:"attributes,omitempty"`
	NameEmbedding    []float32              `json:"name_embedding,omitempty"`
	PendingEmbedding bool                   `json:"pending_embedding,omitempty"`
	Centrality       Centrality             `json:"centrality"`
	CreatedAt        time.Time              `json:"created_at"`
}

// EntityEdge is a timestamped fact between two entities. Temporal
// invalidation sets InvalidAt/ExpiredAt; rows are never destroyed by
// contradiction handling.
type EntityEdge struct {
	UUID           string     `json:"uuid"`
	GroupID        string     `json:"group_id"`
	Name           string     `json:"name"`
	Fact           string     `json:"fact"`
	SourceNodeUUID string     `json:"source_node_uuid"`
	TargetNodeUUID string     `json:"target_node_uuid"`
	FactEmbedding  []float32  `json:"fact_embedding,omitempty"`
	Episodes       []string   `json:"episodes,omitempty"`
	ValidAt        *time.Time `json:"valid_at,omitempty"`
	InvalidAt      *time.Time `json:"invalid_at,omitempty"`
	ExpiredAt      *time.Time `json:"expired_at,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
}

// NodeEdges groups a node's incident facts by direction.
type NodeEdges struct {
	Edges       []*EntityEdge `json:"edges"`
	SourceEdges []*EntityEdge `json:"source_edges"`
	TargetEdges []*EntityEdge `json:"target_edges"`
}

// ScoredNode pairs a node with a vector-similarity score.
type ScoredNode struct {
	Node  *EntityNode
	Score float64
}

// ScoredEdge pairs an edge with a relevance score.
type ScoredEdge struct {
	Edge  *EntityEdge
	Score float64
}

// Record is one normalized result row from ExecuteQuery.
type Record map[string]interface{}

// QueryResult is the uniform shape every backend reduces its dialect to.
type QueryResult struct {
	Records []Record
	Keys    []string
}

var groupIDPattern = regexp.MustCompile(`^[A-Za-z0-9_\-]+$`)

// ValidGroupID reports whether id is a usable namespace name.
func ValidGroupID(id string) bool {
	return id != "" && groupIDPattern.MatchString(id)
}

// NormalizeName produces the dedup key for entity names: lower-case,
// whitespace and underscore runs collapsed to single spaces, one trailing
// parenthesized qualifier removed ("User (system)" and "user" collide).
func NormalizeName(name string) string {
	s := strings.ToLower(strings.TrimSpace(name))
	if i := strings.LastIndex(s, "("); i > 0 && strings.HasSuffix(s, ")") {
		s = strings.TrimSpace(s[:i])
	}
	fields := strings.FieldsFunc(s, func(r rune) bool {
		return r == ' ' || r == '\t' || r == '\n' || r == '_'
	})
	return strings.Join(fields, " ")
}

const maxSummaryLength = 10000

// ClampSummary enforces the summary length bound at the model boundary.
func ClampSummary(s string) string {
	if len(s) > maxSummaryLength {
		return s[:maxSummaryLength]
	}
	return s
}
