package graph

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound reports a lookup that matched nothing. Helpers that return
// (*T, error) prefer (nil, nil) for plain misses; ErrNotFound is for
// operations that require the row to exist.
var ErrNotFound = errors.New("graph: not found")

// GraphStore is the adapter contract the pipeline programs against.
// Backends translate these calls into their dialect, normalize results
// into Record rows, bound their concurrency, and expose a health probe.
type GraphStore interface {
	// ExecuteQuery runs a raw parameterized query in the backend dialect.
	ExecuteQuery(ctx context.Context, query string, params map[string]interface{}) (*QueryResult, error)

	// Episodes.
	CreateEpisode(ctx context.Context, ep *Episode) error
	EpisodeExists(ctx context.Context, uuid string) (bool, error)
	RecentEpisodes(ctx context.Context, groupID string, lastN int) ([]*Episode, error)
	DeleteEpisode(ctx context.Context, uuid string) error

	// Entity nodes. FetchNodesByNormalizedNames takes groupID=="" to mean
	// all groups (the cross-group canonicalization path).
	UpsertEntityNodes(ctx context.Context, nodes []*EntityNode) error
	FetchNodeByUUID(ctx context.Context, uuid string) (*EntityNode, error)
	FetchNodesByNormalizedNames(ctx context.Context, groupID string, names []string) (map[string][]*EntityNode, error)
	FetchNodesByGroup(ctx context.Context, groupID string, createdAfter time.Time, limit, offset int) ([]*EntityNode, error)
	UpdateNodeSummary(ctx context.Context, uuid, summary string) (*EntityNode, error)
	UpdateNodeAttributes(ctx context.Context, uuid string, attrs map[string]interface{}) error

	// Entity edges.
	UpsertEntityEdges(ctx context.Context, edges []*EntityEdge) error
	FetchEdgeByUUID(ctx context.Context, uuid string) (*EntityEdge, error)
	FetchEdgesBetween(ctx context.Context, sourceUUID, targetUUID string) ([]*EntityEdge, error)
	FetchEdgesByNode(ctx context.Context, uuid string) (*NodeEdges, error)
	FetchEdgesByGroup(ctx context.Context, groupID string, createdAfter time.Time, limit, offset int) ([]*EntityEdge, error)
	InvalidateEdge(ctx context.Context, uuid string, invalidAt time.Time) error
	DeleteEdge(ctx context.Context, uuid string) error

	// Provenance and canonicality.
	CreateMentions(ctx context.Context, episodeUUID string, nodeUUIDs []string) error
	CreateDuplicateOf(ctx context.Context, fromUUID, toUUID string) error
	DuplicateOfTarget(ctx context.Context, uuid string) (string, error)

	// Vector retrieval. Query vectors arrive L2-normalized.
	SearchByVector(ctx context.Context, groupID string, vector []float32, topK int, minScore float64) ([]ScoredNode, error)

	// Maintenance and sync support.
	DeleteGroup(ctx context.Context, groupID string) error
	CountNodes(ctx context.Context, groupID string) (int, error)
	CountEdges(ctx context.Context, groupID string) (int, error)
	TruncateAll(ctx context.Context) error

	Health(ctx context.Context) error
	Close() error
}

// semaphore bounds in-flight store calls per adapter instance.
type semaphore chan struct{}

func newSemaphore(n int) semaphore {
	if n <= 0 {
		n = 16
	}
	return make(semaphore, n)
}

func (s semaphore) acquire(ctx context.Context) error {
	select {
	case s <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s semaphore) release() { <-s }

// StreamNodes pages every node of a group (all groups when groupID=="")
// created after the watermark, invoking fn per page. Paging uses the
// store's FetchNodesByGroup ordering (created_at, uuid) so pages are
// stable across calls.
func StreamNodes(ctx context.Context, s GraphStore, groupID string, createdAfter time.Time, pageSize int, fn func([]*EntityNode) error) error {
	for offset := 0; ; offset += pageSize {
		if err := ctx.Err(); err != nil {
			return err
		}
		page, err := s.FetchNodesByGroup(ctx, groupID, createdAfter, pageSize, offset)
		if err != nil {
			return err
		}
		if len(page) == 0 {
			return nil
		}
		if err := fn(page); err != nil {
			return err
		}
		if len(page) < pageSize {
			return nil
		}
	}
}

// StreamEdges is StreamNodes for entity edges.
func StreamEdges(ctx context.Context, s GraphStore, groupID string, createdAfter time.Time, pageSize int, fn func([]*EntityEdge) error) error {
	for offset := 0; ; offset += pageSize {
		if err := ctx.Err(); err != nil {
			return err
		}
		page, err := s.FetchEdgesByGroup(ctx, groupID, createdAfter, pageSize, offset)
		if err != nil {
			return err
		}
		if len(page) == 0 {
			return nil
		}
		if err := fn(page); err != nil {
			return err
		}
		if len(page) < pageSize {
			return nil
		}
	}
}

// UnimplementedStore returns a descriptive error from every operation.
// Test fakes embed it and override what they exercise.
type UnimplementedStore struct{}

var errUnimplemented = errors.New("graph: operation not implemented")

func (UnimplementedStore) ExecuteQuery(context.Context, string, map[string]interface{}) (*QueryResult, error) {
	return nil, errUnimplemented
}
func (UnimplementedStore) CreateEpisode(context.Context, *Episode) error { return errUnimplemented }
func (UnimplementedStore) EpisodeExists(context.Context, string) (bool, error) {
	return false, errUnimplemented
}
func (UnimplementedStore) RecentEpisodes(context.Context, string, int) ([]*Episode, error) {
	return nil, errUnimplemented
}
func (UnimplementedStore) DeleteEpisode(context.Context, string) error { return errUnimplemented }
func (UnimplementedStore) UpsertEntityNodes(context.Context, []*EntityNode) error {
	return errUnimplemented
}
func (UnimplementedStore) FetchNodeByUUID(context.Context, string) (*EntityNode, error) {
	return nil, errUnimplemented
}
func (UnimplementedStore) FetchNodesByNormalizedNames(context.Context, string, []string) (map[string][]*EntityNode, error) {
	return nil, errUnimplemented
}
func (UnimplementedStore) FetchNodesByGroup(context.Context, string, time.Time, int, int) ([]*EntityNode, error) {
	return nil, errUnimplemented
}
func (UnimplementedStore) UpdateNodeSummary(context.Context, string, string) (*EntityNode, error) {
	return nil, errUnimplemented
}
func (UnimplementedStore) UpdateNodeAttributes(context.Context, string, map[string]interface{}) error {
	return errUnimplemented
}
func (UnimplementedStore) UpsertEntityEdges(context.Context, []*EntityEdge) error {
	return errUnimplemented
}
func (UnimplementedStore) FetchEdgeByUUID(context.Context, string) (*EntityEdge, error) {
	return nil, errUnimplemented
}
func (UnimplementedStore) FetchEdgesBetween(context.Context, string, string) ([]*EntityEdge, error) {
	return nil, errUnimplemented
}
func (UnimplementedStore) FetchEdgesByNode(context.Context, string) (*NodeEdges, error) {
	return nil, errUnimplemented
}
func (UnimplementedStore) FetchEdgesByGroup(context.Context, string, time.Time, int, int) ([]*EntityEdge, error) {
	return nil, errUnimplemented
}
func (UnimplementedStore) InvalidateEdge(context.Context, string, time.Time) error {
	return errUnimplemented
}
func (UnimplementedStore) DeleteEdge(context.Context, string) error { return errUnimplemented }
func (UnimplementedStore) CreateMentions(context.Context, string, []string) error {
	return errUnimplemented
}
func (UnimplementedStore) CreateDuplicateOf(context.Context, string, string) error {
	return errUnimplemented
}
func (UnimplementedStore) DuplicateOfTarget(context.Context, string) (string, error) {
	return "", errUnimplemented
}
func (UnimplementedStore) SearchByVector(context.Context, string, []float32, int, float64) ([]ScoredNode, error) {
	return nil, errUnimplemented
}
func (UnimplementedStore) DeleteGroup(context.Context, string) error { return errUnimplemented }
func (UnimplementedStore) CountNodes(context.Context, string) (int, error) {
	return 0, errUnimplemented
}
func (UnimplementedStore) CountEdges(context.Context, string) (int, error) {
	return 0, errUnimplemented
}
func (UnimplementedStore) TruncateAll(context.Context) error { return errUnimplemented }
func (UnimplementedStore) Health(context.Context) error      { return errUnimplemented }
func (UnimplementedStore) Close() error                      { return nil }
