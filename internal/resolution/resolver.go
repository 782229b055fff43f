// Package resolution maps candidate entities and edges onto canonical
// graph rows. Matching runs in batch phases per episode: one exact
// normalized-name lookup, one vector pass over the group, an optional
// cross-group canonicalization pass, then one batch insert for whatever
// is genuinely new. Edge resolution merges near-identical facts,
// invalidates contradicted ones, and never destroys rows.
package resolution

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/chronograph-engine/internal/cache"
	"github.com/chronograph-engine/internal/embedding"
	"github.com/chronograph-engine/internal/extraction"
	"github.com/chronograph-engine/internal/fault"
	"github.com/chronograph-engine/internal/graph"
	"github.com/chronograph-engine/internal/llm"
)

// Config holds the matching thresholds. All are configuration, never
// hard-coded at call sites.
type Config struct {
	// SimHigh is the cosine floor for accepting a vector match.
	SimHigh float64
	// NameExact accepts near-exact normalized spellings by
	// Jaro-Winkler, bypassing the compound guard.
	NameExact float64
	// EdgeSim is the cosine floor for merging two facts on one pair.
	EdgeSim          float64
	TopK             int
	EnableCrossGraph bool
	// MaxConflictRetries bounds re-runs of a phase after a store
	// conflict.
	MaxConflictRetries int
}

// DefaultConfig returns the resolution defaults.
func DefaultConfig() Config {
	return Config{
		SimHigh:            0.92,
		NameExact:          0.95,
		EdgeSim:            0.95,
		TopK:               10,
		MaxConflictRetries: 3,
	}
}

// Metrics counts resolution outcomes. Read through Snapshot.
type Metrics struct {
	NodesResolved    atomic.Int64
	NodesCreated     atomic.Int64
	CrossGroupMerges atomic.Int64
	ChainsDetected   atomic.Int64
	EdgesCreated     atomic.Int64
	EdgesMerged      atomic.Int64
	EdgesInvalidated atomic.Int64
}

// Snapshot returns the counters as a flat map for the metrics endpoint.
func (m *Metrics) Snapshot() map[string]int64 {
	return map[string]int64{
		"nodes_resolved":           m.NodesResolved.Load(),
		"nodes_created":            m.NodesCreated.Load(),
		"cross_group_merges":       m.CrossGroupMerges.Load(),
		"canonical_chain_detected": m.ChainsDetected.Load(),
		"edges_created":            m.EdgesCreated.Load(),
		"edges_merged":             m.EdgesMerged.Load(),
		"edges_invalidated":        m.EdgesInvalidated.Load(),
	}
}

// NodeResolution pairs a candidate with the canonical node it resolved
// to. CrossGroup marks resolutions that landed on another group's node
// through the canonicalization pass.
type NodeResolution struct {
	Candidate  extraction.Entity
	Node       *graph.EntityNode
	Created    bool
	CrossGroup bool
}

// EdgeResolution describes what happened to one candidate edge.
type EdgeResolution struct {
	Edge             *graph.EntityEdge
	Created          bool
	Merged           bool
	InvalidatedUUIDs []string
}

// Outcome is the full result of resolving one episode's candidates.
type Outcome struct {
	Nodes []NodeResolution
	Edges []EdgeResolution
}

// Resolver runs the matching phases against one store.
type Resolver struct {
	cfg     Config
	store   graph.GraphStore
	llm     llm.Completer
	rcache  *cache.ResolutionCache
	logger  *zap.Logger
	Metrics Metrics
}

// NewResolver builds a resolver. rcache may be nil.
func NewResolver(cfg Config, store graph.GraphStore, completer llm.Completer, rcache *cache.ResolutionCache, logger *zap.Logger) *Resolver {
	if logger == nil {
		logger = zap.NewNop()
	}
	def := DefaultConfig()
	if cfg.SimHigh <= 0 {
		cfg.SimHigh = def.SimHigh
	}
	if cfg.NameExact <= 0 {
		cfg.NameExact = def.NameExact
	}
	if cfg.EdgeSim <= 0 {
		cfg.EdgeSim = def.EdgeSim
	}
	if cfg.TopK <= 0 {
		cfg.TopK = def.TopK
	}
	if cfg.MaxConflictRetries <= 0 {
		cfg.MaxConflictRetries = def.MaxConflictRetries
	}
	return &Resolver{
		cfg:    cfg,
		store:  store,
		llm:    completer,
		rcache: rcache,
		logger: logger.Named("resolution"),
	}
}

// ResolveEpisode resolves all candidates from one episode and persists
// the results. Node resolution runs first so edges see canonical
// endpoints.
func (r *Resolver) ResolveEpisode(ctx context.Context, ep *graph.Episode, ext *extraction.Result) (*Outcome, error) {
	nodes, err := r.resolveNodes(ctx, ep, ext.Entities)
	if err != nil {
		return nil, fmt.Errorf("resolve nodes: %w", err)
	}
	edges, err := r.resolveEdges(ctx, ep, ext.Edges, nodes)
	if err != nil {
		return nil, fmt.Errorf("resolve edges: %w", err)
	}
	return &Outcome{Nodes: nodes, Edges: edges}, nil
}

// ResolveEntities resolves externally supplied entities with no episode
// provenance. Direct entity tasks land here.
func (r *Resolver) ResolveEntities(ctx context.Context, groupID string, candidates []extraction.Entity) ([]NodeResolution, error) {
	return r.resolveNodes(ctx, &graph.Episode{GroupID: groupID}, candidates)
}

// ResolveRelationship runs the edge phases for one externally supplied
// edge between two known nodes.
func (r *Resolver) ResolveRelationship(ctx context.Context, groupID string, src, tgt *graph.EntityNode, cand extraction.Edge) (*EdgeResolution, error) {
	cand.SourceName = src.Name
	cand.TargetName = tgt.Name
	nodes := []NodeResolution{
		{Candidate: extraction.Entity{Name: src.Name}, Node: src},
		{Candidate: extraction.Entity{Name: tgt.Name}, Node: tgt},
	}
	results, err := r.resolveEdges(ctx, &graph.Episode{GroupID: groupID}, []extraction.Edge{cand}, nodes)
	if err != nil {
		return nil, err
	}
	if len(results) == 0 {
		return nil, fault.Validation("relationship endpoints did not resolve")
	}
	return &results[0], nil
}

func (r *Resolver) resolveNodes(ctx context.Context, ep *graph.Episode, candidates []extraction.Entity) ([]NodeResolution, error) {
	if len(candidates) == 0 {
		return nil, nil
	}

	out := make([]NodeResolution, len(candidates))
	norms := make([]string, len(candidates))
	var pending []int

	for i, c := range candidates {
		out[i].Candidate = c
		norms[i] = graph.NormalizeName(c.Name)
		if node := r.cachedNode(ctx, ep.GroupID, norms[i]); node != nil {
			out[i].Node = node
			r.Metrics.NodesResolved.Add(1)
			continue
		}
		pending = append(pending, i)
	}

	// Phase 1: one exact normalized-name lookup within the group.
	if len(pending) > 0 {
		names := make([]string, len(pending))
		for k, i := range pending {
			names[k] = norms[i]
		}
		matches, err := r.store.FetchNodesByNormalizedNames(ctx, ep.GroupID, names)
		if err != nil {
			return nil, err
		}
		var remain []int
		for _, i := range pending {
			// Exactly-one rule; ambiguous names fall through to the
			// vector pass where tie-breaks apply.
			if group := matches[norms[i]]; len(group) == 1 {
				out[i].Node = group[0]
				r.Metrics.NodesResolved.Add(1)
				continue
			}
			remain = append(remain, i)
		}
		pending = remain
	}

	// Phase 2: vector pass within the group.
	if len(pending) > 0 {
		var remain []int
		for _, i := range pending {
			node, err := r.vectorMatch(ctx, ep.GroupID, out[i].Candidate, norms[i])
			if err != nil {
				return nil, err
			}
			if node != nil {
				out[i].Node = node
				r.Metrics.NodesResolved.Add(1)
				continue
			}
			remain = append(remain, i)
		}
		pending = remain
	}

	// Phase 3: cross-group canonicalization.
	var stubs []*graph.EntityNode
	type dupLink struct{ from, to string }
	var dupLinks []dupLink
	if r.cfg.EnableCrossGraph && len(pending) > 0 {
		var remain []int
		for _, i := range pending {
			canon, err := r.crossGroupMatch(ctx, ep.GroupID, out[i].Candidate, norms[i])
			if err != nil {
				return nil, err
			}
			if canon == nil {
				remain = append(remain, i)
				continue
			}
			stub := r.buildNode(out[i].Candidate, ep.GroupID)
			stubs = append(stubs, stub)
			dupLinks = append(dupLinks, dupLink{from: stub.UUID, to: canon.UUID})
			out[i].Node = canon
			out[i].CrossGroup = true
			r.Metrics.CrossGroupMerges.Add(1)
		}
		pending = remain
	}

	// Phase 4: one batch insert for genuinely new nodes plus any
	// cross-group stubs.
	created := make([]*graph.EntityNode, 0, len(pending)+len(stubs))
	for _, i := range pending {
		node := r.buildNode(out[i].Candidate, ep.GroupID)
		out[i].Node = node
		out[i].Created = true
		created = append(created, node)
		r.Metrics.NodesCreated.Add(1)
	}
	created = append(created, stubs...)
	if len(created) > 0 {
		if err := r.withConflictRetry(ctx, "upsert nodes", func() error {
			return r.store.UpsertEntityNodes(ctx, created)
		}); err != nil {
			return nil, err
		}
	}
	for _, l := range dupLinks {
		if err := r.withConflictRetry(ctx, "duplicate link", func() error {
			return r.store.CreateDuplicateOf(ctx, l.from, l.to)
		}); err != nil {
			return nil, err
		}
	}

	nodeUUIDs := make([]string, 0, len(out))
	seen := make(map[string]struct{}, len(out))
	for i := range out {
		u := out[i].Node.UUID
		if _, dup := seen[u]; dup {
			continue
		}
		seen[u] = struct{}{}
		nodeUUIDs = append(nodeUUIDs, u)
	}
	if ep.UUID != "" {
		if err := r.withConflictRetry(ctx, "mentions", func() error {
			return r.store.CreateMentions(ctx, ep.UUID, nodeUUIDs)
		}); err != nil {
			return nil, err
		}
	}

	if r.rcache != nil {
		for i := range out {
			r.rcache.SetUUID(ctx, ep.GroupID, norms[i], out[i].Node.UUID)
		}
	}
	return out, nil
}

// cachedNode returns a verified cache hit or nil. A hit whose node has
// vanished invalidates the entry.
func (r *Resolver) cachedNode(ctx context.Context, groupID, norm string) *graph.EntityNode {
	if r.rcache == nil {
		return nil
	}
	hinted, ok := r.rcache.GetUUID(ctx, groupID, norm)
	if !ok {
		return nil
	}
	node, err := r.store.FetchNodeByUUID(ctx, hinted)
	if err != nil || node == nil {
		r.rcache.Invalidate(ctx, groupID, norm)
		return nil
	}
	return node
}

// vectorMatch runs the similarity pass for one candidate. Acceptance:
// above SimHigh and not a compound split, or a near-exact normalized
// spelling by Jaro-Winkler.
func (r *Resolver) vectorMatch(ctx context.Context, groupID string, c extraction.Entity, norm string) (*graph.EntityNode, error) {
	if len(c.NameEmbedding) == 0 {
		return nil, nil
	}
	scored, err := r.store.SearchByVector(ctx, groupID, c.NameEmbedding, r.cfg.TopK, r.cfg.SimHigh)
	if err != nil {
		return nil, err
	}
	var accepted []*graph.EntityNode
	for _, s := range scored {
		nodeNorm := s.Node.NormalizedName
		if nodeNorm == "" {
			nodeNorm = graph.NormalizeName(s.Node.Name)
		}
		nearExact := JaroWinkler(norm, nodeNorm) >= r.cfg.NameExact
		if !nearExact && compoundSplit(norm, nodeNorm) {
			continue
		}
		accepted = append(accepted, s.Node)
	}
	return tieBreak(accepted, groupID), nil
}

// crossGroupMatch repeats the exact and vector passes over every group
// and chases IS_DUPLICATE_OF one hop to the canonical node.
func (r *Resolver) crossGroupMatch(ctx context.Context, groupID string, c extraction.Entity, norm string) (*graph.EntityNode, error) {
	matches, err := r.store.FetchNodesByNormalizedNames(ctx, "", []string{norm})
	if err != nil {
		return nil, err
	}
	var foreign []*graph.EntityNode
	for _, n := range matches[norm] {
		if n.GroupID != groupID {
			foreign = append(foreign, n)
		}
	}
	match := tieBreak(foreign, groupID)

	if match == nil && len(c.NameEmbedding) > 0 {
		scored, err := r.store.SearchByVector(ctx, "", c.NameEmbedding, r.cfg.TopK, r.cfg.SimHigh)
		if err != nil {
			return nil, err
		}
		var accepted []*graph.EntityNode
		for _, s := range scored {
			if s.Node.GroupID == groupID {
				continue
			}
			nodeNorm := s.Node.NormalizedName
			if nodeNorm == "" {
				nodeNorm = graph.NormalizeName(s.Node.Name)
			}
			nearExact := JaroWinkler(norm, nodeNorm) >= r.cfg.NameExact
			if !nearExact && compoundSplit(norm, nodeNorm) {
				continue
			}
			accepted = append(accepted, s.Node)
		}
		match = tieBreak(accepted, groupID)
	}
	if match == nil {
		return nil, nil
	}
	return r.canonicalOf(ctx, match)
}

// canonicalOf follows IS_DUPLICATE_OF one hop. Longer chains are data
// repairs waiting to happen: counted and logged, never re-pointed here.
func (r *Resolver) canonicalOf(ctx context.Context, node *graph.EntityNode) (*graph.EntityNode, error) {
	target, err := r.store.DuplicateOfTarget(ctx, node.UUID)
	if err != nil {
		return nil, err
	}
	if target == "" {
		return node, nil
	}
	canon, err := r.store.FetchNodeByUUID(ctx, target)
	if err != nil {
		return nil, err
	}
	if canon == nil {
		r.logger.Warn("Duplicate link points at a missing node",
			zap.String("node", node.UUID),
			zap.String("target", target))
		return node, nil
	}
	if beyond, err := r.store.DuplicateOfTarget(ctx, target); err == nil && beyond != "" {
		r.Metrics.ChainsDetected.Add(1)
		r.logger.Warn("Canonical duplicate chain detected",
			zap.String("node", node.UUID),
			zap.String("canonical", target),
			zap.String("beyond", beyond))
	}
	return canon, nil
}

// tieBreak picks among candidates above threshold: same group first,
// then older created_at, then smallest uuid.
func tieBreak(nodes []*graph.EntityNode, preferGroup string) *graph.EntityNode {
	if len(nodes) == 0 {
		return nil
	}
	sorted := make([]*graph.EntityNode, len(nodes))
	copy(sorted, nodes)
	sort.Slice(sorted, func(i, j int) bool {
		a, b := sorted[i], sorted[j]
		aSame, bSame := a.GroupID == preferGroup, b.GroupID == preferGroup
		if aSame != bSame {
			return aSame
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.UUID < b.UUID
	})
	return sorted[0]
}

func (r *Resolver) buildNode(c extraction.Entity, groupID string) *graph.EntityNode {
	var labels []string
	if c.Type != "" {
		labels = []string{c.Type}
	}
	return &graph.EntityNode{
		UUID:             uuid.NewString(),
		GroupID:          groupID,
		Name:             c.Name,
		NormalizedName:   graph.NormalizeName(c.Name),
		Labels:           labels,
		Attributes:       c.Attributes,
		NameEmbedding:    c.NameEmbedding,
		PendingEmbedding: len(c.NameEmbedding) == 0,
		CreatedAt:        time.Now().UTC(),
	}
}

type pendingEdge struct {
	cand extraction.Edge
	src  *graph.EntityNode
	tgt  *graph.EntityNode
	live []*graph.EntityEdge
}

func (r *Resolver) resolveEdges(ctx context.Context, ep *graph.Episode, candidates []extraction.Edge, nodes []NodeResolution) ([]EdgeResolution, error) {
	if len(candidates) == 0 {
		return nil, nil
	}
	byNorm := make(map[string]*graph.EntityNode, len(nodes))
	for _, nr := range nodes {
		byNorm[graph.NormalizeName(nr.Candidate.Name)] = nr.Node
	}

	var results []EdgeResolution
	var pending []pendingEdge
	for _, cand := range candidates {
		src := byNorm[graph.NormalizeName(cand.SourceName)]
		tgt := byNorm[graph.NormalizeName(cand.TargetName)]
		if src == nil || tgt == nil {
			r.logger.Warn("Edge candidate references unresolved endpoint",
				zap.String("source", cand.SourceName),
				zap.String("target", cand.TargetName))
			continue
		}

		existing, err := r.store.FetchEdgesBetween(ctx, src.UUID, tgt.UUID)
		if err != nil {
			return nil, err
		}

		var mergeTarget *graph.EntityEdge
		for _, ex := range existing {
			if normalizeRelation(ex.Name) != normalizeRelation(cand.Relation) {
				continue
			}
			if embedding.Cosine(ex.FactEmbedding, cand.FactEmbedding) >= r.cfg.EdgeSim {
				mergeTarget = ex
				break
			}
		}
		if mergeTarget != nil {
			var merged *graph.EntityEdge
			if err := r.withConflictRetry(ctx, "merge edge", func() error {
				var mergeErr error
				merged, mergeErr = r.mergeEdge(ctx, mergeTarget.UUID, ep, cand)
				return mergeErr
			}); err != nil {
				return nil, err
			}
			results = append(results, EdgeResolution{Edge: merged, Merged: true})
			r.Metrics.EdgesMerged.Add(1)
			continue
		}

		var live []*graph.EntityEdge
		for _, ex := range existing {
			if ex.InvalidAt == nil && ex.ExpiredAt == nil {
				live = append(live, ex)
			}
		}
		pending = append(pending, pendingEdge{cand: cand, src: src, tgt: tgt, live: live})
	}

	// One small-tier call covers every suspect pair of this episode.
	contradicted, err := r.checkContradictions(ctx, pending)
	if err != nil {
		return nil, err
	}

	var newEdges []*graph.EntityEdge
	for idx, p := range pending {
		edge := r.buildEdge(ep, p)
		res := EdgeResolution{Edge: edge, Created: true}
		for _, exUUID := range contradicted[idx] {
			at := invalidationTime(edge, ep)
			if err := r.withConflictRetry(ctx, "invalidate edge", func() error {
				return r.store.InvalidateEdge(ctx, exUUID, at)
			}); err != nil {
				return nil, err
			}
			res.InvalidatedUUIDs = append(res.InvalidatedUUIDs, exUUID)
			r.Metrics.EdgesInvalidated.Add(1)
		}
		newEdges = append(newEdges, edge)
		results = append(results, res)
	}
	if len(newEdges) > 0 {
		if err := r.withConflictRetry(ctx, "upsert edges", func() error {
			return r.store.UpsertEntityEdges(ctx, newEdges)
		}); err != nil {
			return nil, err
		}
		r.Metrics.EdgesCreated.Add(int64(len(newEdges)))
	}
	return results, nil
}

// mergeEdge re-reads the canonical edge, widens its valid window, and
// appends provenance. The re-read keeps the retry path honest after a
// conflict.
func (r *Resolver) mergeEdge(ctx context.Context, edgeUUID string, ep *graph.Episode, cand extraction.Edge) (*graph.EntityEdge, error) {
	edge, err := r.store.FetchEdgeByUUID(ctx, edgeUUID)
	if err != nil {
		return nil, err
	}
	if edge == nil {
		return nil, graph.ErrNotFound
	}
	if cand.ValidAt != nil && (edge.ValidAt == nil || cand.ValidAt.Before(*edge.ValidAt)) {
		edge.ValidAt = cand.ValidAt
	}
	appendEpisode := ep.UUID != ""
	for _, e := range edge.Episodes {
		if e == ep.UUID {
			appendEpisode = false
			break
		}
	}
	if appendEpisode {
		edge.Episodes = append(edge.Episodes, ep.UUID)
	}
	if err := r.store.UpsertEntityEdges(ctx, []*graph.EntityEdge{edge}); err != nil {
		return nil, err
	}
	return edge, nil
}

func (r *Resolver) buildEdge(ep *graph.Episode, p pendingEdge) *graph.EntityEdge {
	var episodes []string
	if ep.UUID != "" {
		episodes = []string{ep.UUID}
	}
	return &graph.EntityEdge{
		UUID:           uuid.NewString(),
		GroupID:        ep.GroupID,
		Name:           p.cand.Relation,
		Fact:           p.cand.Fact,
		SourceNodeUUID: p.src.UUID,
		TargetNodeUUID: p.tgt.UUID,
		FactEmbedding:  p.cand.FactEmbedding,
		Episodes:       episodes,
		ValidAt:        p.cand.ValidAt,
		CreatedAt:      time.Now().UTC(),
	}
}

// invalidationTime is the new fact's valid_at, falling back to the
// episode timestamp when the model omitted one.
func invalidationTime(edge *graph.EntityEdge, ep *graph.Episode) time.Time {
	if edge.ValidAt != nil {
		return *edge.ValidAt
	}
	if !ep.Timestamp.IsZero() {
		return ep.Timestamp
	}
	return time.Now().UTC()
}

const contradictionSystemPrompt = `You judge whether pairs of facts about the same two entities contradict each other.
Two facts contradict when both cannot be true at the same time, such as "Alice works at Acme" and "Alice left Acme".
A fact that merely adds detail or restates the other does not contradict it.

Respond with only a JSON object, no prose and no code fences:
{"results": [{"pair": 0, "contradicts": false}]}
Include every pair exactly once.`

type contradictionItem struct {
	Pair        int  `json:"pair" validate:"min=0"`
	Contradicts bool `json:"contradicts"`
}

type contradictionsReply struct {
	Results []contradictionItem `json:"results" validate:"required,dive"`
}

// checkContradictions batches every (new fact, live fact) pair into a
// single small-tier call and maps flagged pairs back to edge uuids.
func (r *Resolver) checkContradictions(ctx context.Context, pending []pendingEdge) (map[int][]string, error) {
	type pairRef struct {
		pendingIdx int
		edgeUUID   string
	}
	var refs []pairRef
	var b strings.Builder
	for idx, p := range pending {
		for _, ex := range p.live {
			fmt.Fprintf(&b, "PAIR %d:\nEXISTING FACT: %s\nNEW FACT: %s\n\n", len(refs), ex.Fact, p.cand.Fact)
			refs = append(refs, pairRef{pendingIdx: idx, edgeUUID: ex.UUID})
		}
	}
	if len(refs) == 0 {
		return nil, nil
	}

	var reply contradictionsReply
	if err := r.llm.CompleteJSON(ctx, llm.Request{
		System:      contradictionSystemPrompt,
		User:        b.String(),
		Tier:        llm.TierSmall,
		Temperature: 0.0,
	}, &reply); err != nil {
		return nil, fmt.Errorf("contradiction check: %w", err)
	}

	out := make(map[int][]string)
	for _, item := range reply.Results {
		if !item.Contradicts || item.Pair < 0 || item.Pair >= len(refs) {
			continue
		}
		ref := refs[item.Pair]
		out[ref.pendingIdx] = append(out[ref.pendingIdx], ref.edgeUUID)
	}
	return out, nil
}

// withConflictRetry re-runs fn after optimistic-concurrency aborts, up
// to the configured budget. fn re-reads whatever state it mutates.
func (r *Resolver) withConflictRetry(ctx context.Context, op string, fn func() error) error {
	var err error
	for attempt := 0; attempt <= r.cfg.MaxConflictRetries; attempt++ {
		if attempt > 0 {
			r.logger.Warn("Retrying after store conflict",
				zap.String("op", op),
				zap.Int("attempt", attempt))
		}
		err = fn()
		if err == nil || !fault.Is(err, fault.KindConflict) {
			return err
		}
		if ctx.Err() != nil {
			return err
		}
	}
	return err
}
