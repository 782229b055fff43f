package graph

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/dgraph-io/ristretto/v2"
	"go.uber.org/zap"

	"github.com/chronograph-engine/internal/embedding"
)

// vectorEntry is one node's embedding in the per-group matrix.
type vectorEntry struct {
	UUID   string
	Vector []float32
}

// vectorIndex implements SearchByVector on top of paged node reads. The
// per-group embedding matrix is cached in ristretto and invalidated by an
// epoch counter bumped on every write to the group.
type vectorIndex struct {
	cache  *ristretto.Cache[string, []vectorEntry]
	loader func(ctx context.Context, groupID string) ([]vectorEntry, error)
	logger *zap.Logger

	mu     sync.Mutex
	epochs map[string]uint64
}

func newVectorIndex(loader func(ctx context.Context, groupID string) ([]vectorEntry, error), logger *zap.Logger) (*vectorIndex, error) {
	cache, err := ristretto.NewCache(&ristretto.Config[string, []vectorEntry]{
		NumCounters: 1e4,
		MaxCost:     1 << 26, // ~64MB of vectors
		BufferItems: 64,
	})
	if err != nil {
		return nil, err
	}
	return &vectorIndex{
		cache:  cache,
		loader: loader,
		logger: logger,
		epochs: make(map[string]uint64),
	}, nil
}

func (vi *vectorIndex) key(groupID string) string {
	vi.mu.Lock()
	epoch := vi.epochs[groupID]
	vi.mu.Unlock()
	return groupID + "@" + itoa(epoch)
}

// invalidate bumps the group epoch so the next search reloads the matrix.
func (vi *vectorIndex) invalidate(groupID string) {
	vi.mu.Lock()
	vi.epochs[groupID]++
	vi.mu.Unlock()
}

func (vi *vectorIndex) search(ctx context.Context, groupID string, query []float32, topK int, minScore float64) ([]ScoredNode, error) {
	if len(query) == 0 {
		return nil, nil
	}
	key := vi.key(groupID)
	entries, ok := vi.cache.Get(key)
	if !ok {
		loaded, err := vi.loader(ctx, groupID)
		if err != nil {
			return nil, err
		}
		cost := int64(0)
		for _, e := range loaded {
			cost += int64(4 * len(e.Vector))
		}
		vi.cache.Set(key, loaded, cost)
		entries = loaded
	}

	scored := make([]ScoredNode, 0, topK)
	for _, e := range entries {
		score := embedding.Cosine(query, e.Vector)
		if score < minScore {
			continue
		}
		scored = append(scored, ScoredNode{Node: &EntityNode{UUID: e.UUID, GroupID: groupID}, Score: score})
	}
	sort.Slice(scored, func(i, j int) bool {
		if scored[i].Score != scored[j].Score {
			return scored[i].Score > scored[j].Score
		}
		return scored[i].Node.UUID < scored[j].Node.UUID
	})
	if topK > 0 && len(scored) > topK {
		scored = scored[:topK]
	}
	return scored, nil
}

func (vi *vectorIndex) close() {
	vi.cache.Close()
}

func itoa(n uint64) string {
	if n == 0 {
		return "0"
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	return string(buf[i:])
}

// hydrateScored swaps the thin uuid-only nodes from a vector search for
// full rows, dropping entries that vanished between scoring and fetch.
func hydrateScored(ctx context.Context, s GraphStore, scored []ScoredNode) ([]ScoredNode, error) {
	out := make([]ScoredNode, 0, len(scored))
	for _, sn := range scored {
		node, err := s.FetchNodeByUUID(ctx, sn.Node.UUID)
		if err != nil {
			return nil, err
		}
		if node == nil {
			continue
		}
		out = append(out, ScoredNode{Node: node, Score: sn.Score})
	}
	return out, nil
}

// loadGroupVectors pages a group's nodes and keeps uuid+embedding pairs.
// Shared by both backends' vectorIndex loaders.
func loadGroupVectors(ctx context.Context, s GraphStore, groupID string, pageSize int) ([]vectorEntry, error) {
	var entries []vectorEntry
	err := StreamNodes(ctx, s, groupID, time.Time{}, pageSize, func(page []*EntityNode) error {
		for _, n := range page {
			if len(n.NameEmbedding) == 0 {
				continue
			}
			entries = append(entries, vectorEntry{UUID: n.UUID, Vector: n.NameEmbedding})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return entries, nil
}
