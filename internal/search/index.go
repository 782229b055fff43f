// Package search keeps a Bleve full-text index of facts alongside the
// graph and fuses its rankings with vector search results.
package search

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/blevesearch/bleve/v2"
	"github.com/blevesearch/bleve/v2/analysis/analyzer/keyword"
	"github.com/blevesearch/bleve/v2/mapping"
	"github.com/blevesearch/bleve/v2/search/query"
	"go.uber.org/zap"

	"github.com/chronograph-engine/internal/graph"
)

// Config holds Bleve index settings.
type Config struct {
	// Path stores the index on disk. Ignored when InMemory is set.
	Path string

	// InMemory keeps the index ephemeral, for tests and single-run use.
	InMemory bool

	// Fuzziness applies Levenshtein slack to query terms. Default 0.
	Fuzziness int
}

// DefaultConfig returns the settings the engine uses.
func DefaultConfig() Config {
	return Config{Path: "./data/facts.bleve"}
}

// Hit is one full-text match.
type Hit struct {
	UUID  string  `json:"uuid"`
	Score float64 `json:"score"`
}

// Index wraps a Bleve index of fact documents keyed by edge UUID.
type Index struct {
	cfg    Config
	index  bleve.Index
	logger *zap.Logger

	indexed  atomic.Int64
	removed  atomic.Int64
	searches atomic.Int64
}

// factDoc is the indexed shape of an entity edge.
type factDoc struct {
	GroupID string `json:"group_id"`
	Name    string `json:"name"`
	Fact    string `json:"fact"`
}

// NewIndex opens or creates the fact index.
func NewIndex(cfg Config, logger *zap.Logger) (*Index, error) {
	ix := &Index{cfg: cfg, logger: logger.Named("search")}

	var err error
	if cfg.InMemory {
		ix.index, err = bleve.NewMemOnly(buildMapping())
	} else {
		if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
			return nil, fmt.Errorf("create index directory: %w", err)
		}
		ix.index, err = bleve.Open(cfg.Path)
		if err == bleve.ErrorIndexPathDoesNotExist {
			ix.index, err = bleve.New(cfg.Path, buildMapping())
		}
	}
	if err != nil {
		return nil, fmt.Errorf("open fact index: %w", err)
	}

	docs, _ := ix.index.DocCount()
	ix.logger.Info("Fact index opened",
		zap.String("path", cfg.Path),
		zap.Bool("in_memory", cfg.InMemory),
		zap.Uint64("docs", docs))
	return ix, nil
}

func buildMapping() mapping.IndexMapping {
	factMapping := bleve.NewDocumentMapping()

	nameField := bleve.NewTextFieldMapping()
	nameField.Store = false
	factMapping.AddFieldMappingsAt("name", nameField)

	factField := bleve.NewTextFieldMapping()
	factField.Store = false
	factMapping.AddFieldMappingsAt("fact", factField)

	// Group ids are opaque strings; the keyword analyzer keeps them as
	// single terms so the filter matches exactly.
	groupField := bleve.NewTextFieldMapping()
	groupField.Analyzer = keyword.Name
	groupField.Store = false
	groupField.IncludeInAll = false
	factMapping.AddFieldMappingsAt("group_id", groupField)

	m := bleve.NewIndexMapping()
	m.AddDocumentMapping("fact", factMapping)
	m.DefaultType = "fact"
	m.DefaultAnalyzer = "standard"
	return m
}

// IndexEdges adds or replaces fact documents in one batch.
func (ix *Index) IndexEdges(edges []*graph.EntityEdge) error {
	if len(edges) == 0 {
		return nil
	}
	start := time.Now()
	batch := ix.index.NewBatch()
	for _, e := range edges {
		doc := factDoc{GroupID: e.GroupID, Name: e.Name, Fact: e.Fact}
		if err := batch.Index(e.UUID, doc); err != nil {
			ix.logger.Warn("Fact rejected by batch", zap.String("uuid", e.UUID), zap.Error(err))
		}
	}
	if err := ix.index.Batch(batch); err != nil {
		return fmt.Errorf("index batch: %w", err)
	}
	ix.indexed.Add(int64(len(edges)))
	ix.logger.Debug("Facts indexed",
		zap.Int("count", len(edges)),
		zap.Duration("took", time.Since(start)))
	return nil
}

// Remove deletes one fact document.
func (ix *Index) Remove(uuid string) error {
	if err := ix.index.Delete(uuid); err != nil {
		return fmt.Errorf("delete fact %s: %w", uuid, err)
	}
	ix.removed.Add(1)
	return nil
}

// RemoveGroup deletes every fact document of a group, page by page.
func (ix *Index) RemoveGroup(ctx context.Context, groupID string) (int, error) {
	groupQuery := query.NewTermQuery(groupID)
	groupQuery.SetField("group_id")

	total := 0
	for {
		req := bleve.NewSearchRequest(groupQuery)
		req.Size = 500
		res, err := ix.index.SearchInContext(ctx, req)
		if err != nil {
			return total, fmt.Errorf("list group facts: %w", err)
		}
		if len(res.Hits) == 0 {
			return total, nil
		}
		batch := ix.index.NewBatch()
		for _, hit := range res.Hits {
			batch.Delete(hit.ID)
		}
		if err := ix.index.Batch(batch); err != nil {
			return total, fmt.Errorf("delete group facts: %w", err)
		}
		total += len(res.Hits)
		ix.removed.Add(int64(len(res.Hits)))
	}
}

// SearchFacts ranks fact documents against the query text, best first.
func (ix *Index) SearchFacts(ctx context.Context, groupID, text string, limit int) ([]Hit, error) {
	if limit <= 0 {
		limit = 10
	}
	ix.searches.Add(1)

	nameMatch := query.NewMatchQuery(text)
	nameMatch.SetField("name")
	factMatch := query.NewMatchQuery(text)
	factMatch.SetField("fact")
	if ix.cfg.Fuzziness > 0 {
		nameMatch.SetFuzziness(ix.cfg.Fuzziness)
		factMatch.SetFuzziness(ix.cfg.Fuzziness)
	}
	var q query.Query = query.NewDisjunctionQuery([]query.Query{nameMatch, factMatch})
	if groupID != "" {
		groupQuery := query.NewTermQuery(groupID)
		groupQuery.SetField("group_id")
		q = query.NewConjunctionQuery([]query.Query{q, groupQuery})
	}

	req := bleve.NewSearchRequest(q)
	req.Size = limit
	res, err := ix.index.SearchInContext(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("fact search: %w", err)
	}

	hits := make([]Hit, 0, len(res.Hits))
	for _, h := range res.Hits {
		hits = append(hits, Hit{UUID: h.ID, Score: h.Score})
	}
	return hits, nil
}

// DocCount reports the number of indexed facts.
func (ix *Index) DocCount() uint64 {
	n, err := ix.index.DocCount()
	if err != nil {
		return 0
	}
	return n
}

// Snapshot reports index counters.
func (ix *Index) Snapshot() map[string]interface{} {
	return map[string]interface{}{
		"docs":     ix.DocCount(),
		"indexed":  ix.indexed.Load(),
		"removed":  ix.removed.Load(),
		"searches": ix.searches.Load(),
	}
}

// Close releases the index.
func (ix *Index) Close() error {
	return ix.index.Close()
}
