package search

import (
	"context"

	"go.uber.org/zap"

	"github.com/chronograph-engine/internal/graph"
	"github.com/chronograph-engine/internal/relevance"
)

// HybridConfig tunes rank fusion.
type HybridConfig struct {
	// RRFConstant dampens rank differences. Default 60.
	RRFConstant int

	// MinScore floors the vector side. Default 0.5.
	MinScore float64

	// NodeFanout caps how many top vector nodes contribute their
	// incident facts. Default 5.
	NodeFanout int

	// Oversample widens each side's candidate pool relative to the
	// requested limit. Default 2.
	Oversample int
}

func (c *HybridConfig) normalize() {
	if c.RRFConstant <= 0 {
		c.RRFConstant = relevance.DefaultRRFConstant
	}
	if c.MinScore <= 0 {
		c.MinScore = 0.5
	}
	if c.NodeFanout <= 0 {
		c.NodeFanout = 5
	}
	if c.Oversample <= 0 {
		c.Oversample = 2
	}
}

// Result is a ranked set of facts plus the entity nodes they touch, in
// rank order, for access-event emission.
type Result struct {
	Facts   []*graph.EntityEdge
	NodeIDs []string
}

// Hybrid answers memory queries by fusing full-text fact matches with
// facts reached through vector-similar nodes. Either side may fail or
// come back empty without losing the other.
type Hybrid struct {
	store  graph.GraphStore
	index  *Index
	logger *zap.Logger
	cfg    HybridConfig
}

// NewHybrid wires the fused searcher.
func NewHybrid(store graph.GraphStore, index *Index, cfg HybridConfig, logger *zap.Logger) *Hybrid {
	cfg.normalize()
	return &Hybrid{
		store:  store,
		index:  index,
		logger: logger.Named("search"),
		cfg:    cfg,
	}
}

// Search ranks up to limit facts for the query. The vector may be nil,
// which degrades to pure full-text ranking.
func (h *Hybrid) Search(ctx context.Context, groupID, text string, vector []float32, limit int) (*Result, error) {
	if limit <= 0 {
		limit = 10
	}
	pool := limit * h.cfg.Oversample

	rankings := make(map[string][]string, 2)
	fetched := make(map[string]*graph.EntityEdge)

	keywordIDs, kwErr := h.keywordFacts(ctx, groupID, text, pool)
	if kwErr != nil {
		h.logger.Warn("Full-text side unavailable", zap.Error(kwErr))
	} else if len(keywordIDs) > 0 {
		rankings["keyword"] = keywordIDs
	}

	var semErr error
	if len(vector) > 0 {
		var semanticIDs []string
		semanticIDs, semErr = h.semanticFacts(ctx, groupID, vector, pool, fetched)
		if semErr != nil {
			h.logger.Warn("Vector side unavailable", zap.Error(semErr))
		} else if len(semanticIDs) > 0 {
			rankings["semantic"] = semanticIDs
		}
	}

	if kwErr != nil && semErr != nil {
		return nil, kwErr
	}
	if len(rankings) == 0 {
		return &Result{}, nil
	}

	fused := relevance.FuseRankings(rankings, h.cfg.RRFConstant)
	if len(fused) > limit {
		fused = fused[:limit]
	}

	result := &Result{Facts: make([]*graph.EntityEdge, 0, len(fused))}
	seen := make(map[string]struct{})
	for _, ranked := range fused {
		edge := fetched[ranked.ID]
		if edge == nil {
			var err error
			edge, err = h.store.FetchEdgeByUUID(ctx, ranked.ID)
			if err != nil {
				h.logger.Warn("Ranked fact unreadable", zap.String("uuid", ranked.ID), zap.Error(err))
				continue
			}
		}
		if edge == nil {
			// Indexed but since deleted from the graph.
			continue
		}
		result.Facts = append(result.Facts, edge)
		for _, nodeID := range []string{edge.SourceNodeUUID, edge.TargetNodeUUID} {
			if _, ok := seen[nodeID]; ok || nodeID == "" {
				continue
			}
			seen[nodeID] = struct{}{}
			result.NodeIDs = append(result.NodeIDs, nodeID)
		}
	}

	h.logger.Debug("Hybrid search served",
		zap.String("group", groupID),
		zap.Int("keyword", len(rankings["keyword"])),
		zap.Int("semantic", len(rankings["semantic"])),
		zap.Int("facts", len(result.Facts)))
	return result, nil
}

func (h *Hybrid) keywordFacts(ctx context.Context, groupID, text string, pool int) ([]string, error) {
	hits, err := h.index.SearchFacts(ctx, groupID, text, pool)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(hits))
	for _, hit := range hits {
		ids = append(ids, hit.UUID)
	}
	return ids, nil
}

// semanticFacts ranks facts by walking the edges of the most similar
// nodes, best node first. Fetched edges land in the cache so fusion can
// return them without a second round trip.
func (h *Hybrid) semanticFacts(ctx context.Context, groupID string, vector []float32, pool int, fetched map[string]*graph.EntityEdge) ([]string, error) {
	scored, err := h.store.SearchByVector(ctx, groupID, vector, h.cfg.NodeFanout, h.cfg.MinScore)
	if err != nil {
		return nil, err
	}

	ids := make([]string, 0, pool)
	for _, sn := range scored {
		if len(ids) >= pool {
			break
		}
		incident, err := h.store.FetchEdgesByNode(ctx, sn.Node.UUID)
		if err != nil {
			return nil, err
		}
		for _, edge := range incident.Edges {
			if _, ok := fetched[edge.UUID]; ok {
				continue
			}
			fetched[edge.UUID] = edge
			ids = append(ids, edge.UUID)
			if len(ids) >= pool {
				break
			}
		}
	}
	return ids, nil
}
