// Package dispatch fans graph events out to internal handlers, external
// webhook URLs, and an optional JetStream journal. Emission never blocks
// the caller: events ride a bounded queue and a full queue drops.
package dispatch

import (
	"time"
)

// Event kinds. Access events fire on read paths that touch named nodes;
// mutation events fire when the worker commits graph changes.
const (
	KindNodeAccess   = "node_access"
	KindNodeMutation = "node_mutation"
)

// Mutation operations carried by KindNodeMutation events.
const (
	OpAddEpisode      = "add_episode"
	OpAddEntity       = "add_entity"
	OpAddRelationship = "add_relationship"
)

// Event is one dispatcher payload. Kind selects the family; fields that
// do not apply to the family stay empty and are elided on the wire.
type Event struct {
	Kind      string    `json:"event_type"`
	Timestamp time.Time `json:"timestamp"`
	GroupID   string    `json:"group_id,omitempty"`

	NodeIDs    []string `json:"node_ids,omitempty"`
	AccessType string   `json:"access_type,omitempty"`
	Query      string   `json:"query,omitempty"`

	Operation   string   `json:"operation,omitempty"`
	EpisodeUUID string   `json:"episode_uuid,omitempty"`
	EdgeIDs     []string `json:"edge_ids,omitempty"`

	Metadata map[string]interface{} `json:"metadata,omitempty"`
}

// NewNodeAccess builds an access event. AccessType names the read path,
// "search", "direct", or "memory".
func NewNodeAccess(groupID string, nodeIDs []string, accessType, query string) Event {
	return Event{
		Kind:       KindNodeAccess,
		Timestamp:  time.Now().UTC(),
		GroupID:    groupID,
		NodeIDs:    nodeIDs,
		AccessType: accessType,
		Query:      query,
	}
}

// NewNodeMutation builds a mutation event. The payload carries
// identifiers only; consumers fetch full records through the API.
func NewNodeMutation(groupID, operation, episodeUUID string, nodeIDs, edgeIDs []string) Event {
	return Event{
		Kind:        KindNodeMutation,
		Timestamp:   time.Now().UTC(),
		GroupID:     groupID,
		Operation:   operation,
		EpisodeUUID: episodeUUID,
		NodeIDs:     nodeIDs,
		EdgeIDs:     edgeIDs,
	}
}
