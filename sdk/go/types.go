package chronograph

import "time"

// Message is one conversational turn submitted for ingestion.
type Message struct {
	UUID              string     `json:"uuid,omitempty"`
	Name              string     `json:"name,omitempty"`
	Role              string     `json:"role,omitempty"`
	RoleType          string     `json:"role_type,omitempty"`
	Content           string     `json:"content"`
	SourceDescription string     `json:"source_description,omitempty"`
	Timestamp         *time.Time `json:"timestamp,omitempty"`
}

// AddMessagesRequest queues messages for asynchronous extraction.
type AddMessagesRequest struct {
	GroupID  string    `json:"group_id,omitempty"`
	Messages []Message `json:"messages"`
}

// QueuedResponse acknowledges accepted ingestion work.
type QueuedResponse struct {
	Status  string   `json:"status"`
	TaskIDs []string `json:"task_ids,omitempty"`
}

// AddEntityNodeRequest submits an entity directly, skipping extraction.
type AddEntityNodeRequest struct {
	GroupID    string                 `json:"group_id,omitempty"`
	UUID       string                 `json:"uuid,omitempty"`
	Name       string                 `json:"name"`
	EntityType string                 `json:"entity_type,omitempty"`
	Summary    string                 `json:"summary,omitempty"`
	Attributes map[string]interface{} `json:"attributes,omitempty"`
}

// Result acknowledges a completed mutation.
type Result struct {
	Message string `json:"message"`
	Success bool   `json:"success"`
}

// Fact is one edge of the graph with its temporal interval. Nil
// timestamps mean the interval is open on that side.
type Fact struct {
	UUID      string     `json:"uuid"`
	Name      string     `json:"name"`
	Fact      string     `json:"fact"`
	ValidAt   *time.Time `json:"valid_at"`
	InvalidAt *time.Time `json:"invalid_at"`
	CreatedAt time.Time  `json:"created_at"`
	ExpiredAt *time.Time `json:"expired_at"`
}

// NodeEdges groups a node's incident facts by direction.
type NodeEdges struct {
	Edges       []Fact `json:"edges"`
	SourceEdges []Fact `json:"source_edges"`
	TargetEdges []Fact `json:"target_edges"`
}

// Episode is one ingested unit of content.
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

type episodesResponse struct {
	Episodes []Episode `json:"episodes"`
}

// GetMemoryRequest asks for the facts most relevant to a conversation.
type GetMemoryRequest struct {
	GroupID        string    `json:"group_id,omitempty"`
	MaxFacts       int       `json:"max_facts,omitempty"`
	CenterNodeUUID string    `json:"center_node_uuid,omitempty"`
	Messages       []Message `json:"messages"`
}

type getMemoryResponse struct {
	Facts []Fact `json:"facts"`
}

// Node is one entity of the graph.
type Node struct {
	UUID       string                 `json:"uuid"`
	Name       string                 `json:"name"`
	GroupID    string                 `json:"group_id"`
	Summary    string                 `json:"summary"`
	Labels     []string               `json:"labels"`
	CreatedAt  time.Time              `json:"created_at"`
	Attributes map[string]interface{} `json:"attributes"`
}

type updateNodeSummaryRequest struct {
	Summary string `json:"summary"`
}

// RelevanceFeedback scores how useful retrieved memories were for one
// query, keyed by node uuid with scores in [0, 1].
type RelevanceFeedback struct {
	QueryID      string             `json:"query_id"`
	QueryText    string             `json:"query_text,omitempty"`
	MemoryScores map[string]float64 `json:"memory_scores"`
	ResponseText string             `json:"response_text,omitempty"`
}

// FeedbackResult reports how many scores the service accepted.
type FeedbackResult struct {
	Status         string `json:"status"`
	ProcessedCount int    `json:"processed_count"`
}

type errorResponse struct {
	Error string `json:"error"`
}
