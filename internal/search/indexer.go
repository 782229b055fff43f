package search

import (
	"context"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/chronograph-engine/internal/dispatch"
	"github.com/chronograph-engine/internal/graph"
)

const fetchTimeout = 10 * time.Second

// Indexer keeps the fact index current by consuming mutation events
// from the dispatcher and resolving edge ids against the graph.
type Indexer struct {
	index  *Index
	store  graph.GraphStore
	logger *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc

	events   atomic.Int64
	fetchErr atomic.Int64
}

// NewIndexer builds the mutation-event consumer for the given index.
func NewIndexer(index *Index, store graph.GraphStore, logger *zap.Logger) *Indexer {
	ctx, cancel := context.WithCancel(context.Background())
	return &Indexer{
		index:  index,
		store:  store,
		logger: logger.Named("search"),
		ctx:    ctx,
		cancel: cancel,
	}
}

// HandleEvent indexes the facts named by a mutation event. Access
// events carry no new documents and pass through untouched. Registered
// with the dispatcher under the "search" handler name.
func (in *Indexer) HandleEvent(evt dispatch.Event) error {
	if evt.Kind != dispatch.KindNodeMutation || len(evt.EdgeIDs) == 0 {
		return nil
	}
	in.events.Add(1)

	ctx, cancel := context.WithTimeout(in.ctx, fetchTimeout)
	defer cancel()

	edges := make([]*graph.EntityEdge, 0, len(evt.EdgeIDs))
	for _, id := range evt.EdgeIDs {
		edge, err := in.store.FetchEdgeByUUID(ctx, id)
		if err != nil {
			// The next mutation or a backfill re-indexes it.
			in.fetchErr.Add(1)
			in.logger.Warn("Fact fetch failed, not indexed",
				zap.String("uuid", id), zap.Error(err))
			continue
		}
		if edge == nil {
			continue
		}
		edges = append(edges, edge)
	}
	return in.index.IndexEdges(edges)
}

// Backfill loads every stored fact of a group into the index ("" loads
// all groups). Run once at startup when the index begins empty.
func (in *Indexer) Backfill(ctx context.Context, groupID string) (int, error) {
	total := 0
	err := graph.StreamEdges(ctx, in.store, groupID, time.Time{}, 500, func(page []*graph.EntityEdge) error {
		if err := in.index.IndexEdges(page); err != nil {
			return err
		}
		total += len(page)
		return nil
	})
	if err != nil {
		return total, err
	}
	in.logger.Info("Fact index backfilled", zap.Int("facts", total), zap.String("group", groupID))
	return total, nil
}

// Snapshot reports indexer counters merged with index counters.
func (in *Indexer) Snapshot() map[string]interface{} {
	snap := in.index.Snapshot()
	snap["mutation_events"] = in.events.Load()
	snap["fetch_failures"] = in.fetchErr.Load()
	return snap
}

// Close stops in-flight fetches.
func (in *Indexer) Close() {
	in.cancel()
}
