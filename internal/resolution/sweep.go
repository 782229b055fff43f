package resolution

import (
	"context"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/chronograph-engine/internal/embedding"
	"github.com/chronograph-engine/internal/fault"
	"github.com/chronograph-engine/internal/graph"
)

const sweepPageSize = 200

// DedupSweep re-runs duplicate detection over a group's existing rows
// without any extraction. Scope is "entities" or "relationships".
// Returns how many rows were folded into a canonical one.
func (r *Resolver) DedupSweep(ctx context.Context, groupID, scope string) (int, error) {
	switch scope {
	case "entities":
		return r.sweepNodes(ctx, groupID)
	case "relationships":
		return r.sweepEdges(ctx, groupID)
	default:
		return 0, fault.Validation("unknown deduplication scope %q", scope)
	}
}

// sweepNodes walks the group and links duplicate nodes to the tie-break
// winner. Nodes already carrying a duplicate link are left alone, as are
// nodes without an embedding.
func (r *Resolver) sweepNodes(ctx context.Context, groupID string) (int, error) {
	folded := 0
	err := graph.StreamNodes(ctx, r.store, groupID, time.Time{}, sweepPageSize, func(page []*graph.EntityNode) error {
		for _, node := range page {
			if len(node.NameEmbedding) == 0 {
				continue
			}
			already, err := r.store.DuplicateOfTarget(ctx, node.UUID)
			if err != nil {
				return err
			}
			if already != "" {
				continue
			}
			scored, err := r.store.SearchByVector(ctx, groupID, node.NameEmbedding, r.cfg.TopK, r.cfg.SimHigh)
			if err != nil {
				return err
			}
			norm := node.NormalizedName
			if norm == "" {
				norm = graph.NormalizeName(node.Name)
			}
			candidates := []*graph.EntityNode{node}
			for _, s := range scored {
				if s.Node.UUID == node.UUID {
					continue
				}
				otherNorm := s.Node.NormalizedName
				if otherNorm == "" {
					otherNorm = graph.NormalizeName(s.Node.Name)
				}
				nearExact := JaroWinkler(norm, otherNorm) >= r.cfg.NameExact
				if !nearExact && compoundSplit(norm, otherNorm) {
					continue
				}
				candidates = append(candidates, s.Node)
			}
			if len(candidates) == 1 {
				continue
			}
			winner := tieBreak(candidates, groupID)
			if winner.UUID == node.UUID {
				continue
			}
			canon, err := r.canonicalOf(ctx, winner)
			if err != nil {
				return err
			}
			if canon.UUID == node.UUID {
				continue
			}
			if err := r.withConflictRetry(ctx, "sweep duplicate link", func() error {
				return r.store.CreateDuplicateOf(ctx, node.UUID, canon.UUID)
			}); err != nil {
				return err
			}
			if r.rcache != nil {
				r.rcache.Invalidate(ctx, groupID, norm)
			}
			r.logger.Debug("Linked duplicate node",
				zap.String("node", node.UUID),
				zap.String("canonical", canon.UUID))
			folded++
		}
		return nil
	})
	return folded, err
}

// sweepEdges folds same-relation edges on one node pair whose facts are
// near identical. The fold widens the canonical edge's valid window,
// unions provenance, and expires the duplicate instead of deleting it.
func (r *Resolver) sweepEdges(ctx context.Context, groupID string) (int, error) {
	buckets := make(map[string][]*graph.EntityEdge)
	err := graph.StreamEdges(ctx, r.store, groupID, time.Time{}, sweepPageSize, func(page []*graph.EntityEdge) error {
		for _, e := range page {
			if e.ExpiredAt != nil {
				continue
			}
			key := e.SourceNodeUUID + "|" + e.TargetNodeUUID + "|" + normalizeRelation(e.Name)
			buckets[key] = append(buckets[key], e)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	folded := 0
	for _, group := range buckets {
		if len(group) < 2 {
			continue
		}
		sort.Slice(group, func(i, j int) bool {
			if !group[i].CreatedAt.Equal(group[j].CreatedAt) {
				return group[i].CreatedAt.Before(group[j].CreatedAt)
			}
			return group[i].UUID < group[j].UUID
		})
		canon := group[0]
		now := time.Now().UTC()
		var dirty []*graph.EntityEdge
		for _, dup := range group[1:] {
			if embedding.Cosine(canon.FactEmbedding, dup.FactEmbedding) < r.cfg.EdgeSim {
				continue
			}
			if dup.ValidAt != nil && (canon.ValidAt == nil || dup.ValidAt.Before(*canon.ValidAt)) {
				canon.ValidAt = dup.ValidAt
			}
			canon.Episodes = unionStrings(canon.Episodes, dup.Episodes)
			expiry := now
			dup.ExpiredAt = &expiry
			dirty = append(dirty, dup)
			folded++
			r.Metrics.EdgesMerged.Add(1)
		}
		if len(dirty) == 0 {
			continue
		}
		batch := append(dirty, canon)
		if err := r.withConflictRetry(ctx, "sweep fold edges", func() error {
			return r.store.UpsertEntityEdges(ctx, batch)
		}); err != nil {
			return folded, err
		}
	}
	return folded, nil
}

func unionStrings(a, b []string) []string {
	seen := make(map[string]struct{}, len(a))
	for _, s := range a {
		seen[s] = struct{}{}
	}
	for _, s := range b {
		if _, ok := seen[s]; !ok {
			seen[s] = struct{}{}
			a = append(a, s)
		}
	}
	return a
}
