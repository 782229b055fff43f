package relevance

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"

	"github.com/chronograph-engine/internal/fault"
	"github.com/chronograph-engine/internal/graph"
)

// Embedder is the slice of the embedding service the collector uses to
// record query vectors.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Config tunes feedback accumulation and write batching.
type Config struct {
	// Alpha weights the newest score in the moving average. Default 0.2.
	Alpha float64

	// CommitWindow batches attribute writes. Default 1s.
	CommitWindow time.Duration

	// MaxPending forces a flush before the window elapses. Default 256.
	MaxPending int

	// HalfLifeDays controls score decay while a node goes unread.
	// Default 30.
	HalfLifeDays float64

	// HistoryLimit caps retained score entries per node. Default 100.
	HistoryLimit int

	// EmbeddingLimit caps retained query vectors per group. Default 50.
	EmbeddingLimit int

	// CacheSize bounds tracked nodes and groups. Default 1000.
	CacheSize int
}

func (c *Config) normalize() {
	if c.Alpha <= 0 || c.Alpha > 1 {
		c.Alpha = 0.2
	}
	if c.CommitWindow <= 0 {
		c.CommitWindow = time.Second
	}
	if c.MaxPending <= 0 {
		c.MaxPending = 256
	}
	if c.HalfLifeDays <= 0 {
		c.HalfLifeDays = 30
	}
	if c.HistoryLimit <= 0 {
		c.HistoryLimit = 100
	}
	if c.EmbeddingLimit <= 0 {
		c.EmbeddingLimit = 50
	}
	if c.CacheSize <= 0 {
		c.CacheSize = 1000
	}
}

// Submission is one feedback report: how relevant each retrieved memory
// turned out to be for the query that fetched it.
type Submission struct {
	QueryID      string             `json:"query_id"`
	QueryText    string             `json:"query_text,omitempty"`
	MemoryScores map[string]float64 `json:"memory_scores"`
	ResponseText string             `json:"response_text,omitempty"`
}

// ScoreEntry is one retained historical score.
type ScoreEntry struct {
	Score     float64   `json:"score"`
	QueryID   string    `json:"query_id,omitempty"`
	Method    string    `json:"scoring_method"`
	Timestamp time.Time `json:"timestamp"`
}

// feedback is the tracked state for one node. Mutations happen under
// the collector mutex.
type feedback struct {
	nodeUUID     string
	groupID      string
	average      float64
	usageCount   int
	lastAccessed time.Time
	lastScored   time.Time
	history      []ScoreEntry
}

type queryRecord struct {
	groups []string
	text   string
}

// Collector accumulates relevance feedback and writes importance scores
// back to the graph in batches.
type Collector struct {
	cfg      Config
	store    graph.GraphStore
	embedder Embedder
	logger   *zap.Logger

	mu      sync.Mutex
	pending map[string]*feedback
	running bool

	cache    *lru.Cache[string, *feedback]
	queryLog *lru.Cache[string, [][]float32]

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	kicks   chan struct{}
	queries chan queryRecord

	accepted        atomic.Int64
	skipped         atomic.Int64
	flushes         atomic.Int64
	flushFailures   atomic.Int64
	queriesEmbedded atomic.Int64
	queriesDropped  atomic.Int64
}

// NewCollector builds a collector. The embedder may be nil; query
// vectors are then not recorded.
func NewCollector(cfg Config, store graph.GraphStore, embedder Embedder, logger *zap.Logger) (*Collector, error) {
	cfg.normalize()
	cache, err := lru.New[string, *feedback](cfg.CacheSize)
	if err != nil {
		return nil, err
	}
	queryLog, err := lru.New[string, [][]float32](cfg.CacheSize)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Collector{
		cfg:      cfg,
		store:    store,
		embedder: embedder,
		logger:   logger.Named("relevance"),
		pending:  make(map[string]*feedback),
		cache:    cache,
		queryLog: queryLog,
		ctx:      ctx,
		cancel:   cancel,
		kicks:    make(chan struct{}, 1),
		queries:  make(chan queryRecord, 64),
	}, nil
}

// Start launches the commit loop.
func (c *Collector) Start() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running {
		return
	}
	c.running = true
	c.wg.Add(1)
	go c.run()
	c.logger.Info("Relevance collector started",
		zap.Float64("alpha", c.cfg.Alpha),
		zap.Duration("commit_window", c.cfg.CommitWindow))
}

// Stop flushes pending writes and waits for the loop to exit.
func (c *Collector) Stop() {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return
	}
	c.running = false
	c.mu.Unlock()

	c.cancel()
	c.wg.Wait()
	c.logger.Info("Relevance collector stopped")
}

// Submit validates and applies one feedback report. The returned count
// is how many memories were applied; unknown node uuids are skipped.
func (c *Collector) Submit(ctx context.Context, sub Submission) (int, error) {
	if sub.QueryID == "" {
		return 0, fault.Validation("query_id is required")
	}
	if len(sub.MemoryScores) == 0 {
		return 0, fault.Validation("memory_scores must not be empty")
	}
	for uuid, score := range sub.MemoryScores {
		if uuid == "" {
			return 0, fault.Validation("memory_scores contains an empty uuid")
		}
		if score < 0 || score > 1 {
			return 0, fault.Validation("score %g for %s outside [0,1]", score, uuid)
		}
	}

	groups := make(map[string]struct{})
	processed := 0
	for uuid, score := range sub.MemoryScores {
		fb, err := c.feedbackFor(ctx, uuid)
		if err != nil {
			c.skipped.Add(1)
			c.logger.Warn("Skipping feedback for unreadable node",
				zap.String("uuid", uuid), zap.Error(err))
			continue
		}

		c.mu.Lock()
		c.apply(fb, score, sub.QueryID)
		c.pending[fb.nodeUUID] = fb
		backlog := len(c.pending)
		c.mu.Unlock()

		processed++
		if fb.groupID != "" {
			groups[fb.groupID] = struct{}{}
		}
		if backlog >= c.cfg.MaxPending {
			select {
			case c.kicks <- struct{}{}:
			default:
			}
		}
	}

	if processed > 0 {
		c.accepted.Add(int64(processed))
		c.noteQuery(sub.QueryText, groups)
	}
	return processed, nil
}

// EffectiveScore returns the decayed importance score for a tracked
// node. ok is false when the node is not in the cache; callers ranking
// search results treat that as no historical signal.
func (c *Collector) EffectiveScore(uuid string) (float64, bool) {
	fb, ok := c.cache.Get(uuid)
	if !ok {
		return 0, false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return fb.average * DecayFactor(time.Since(fb.lastAccessed), c.cfg.HalfLifeDays), true
}

// History returns a copy of the retained score entries for a node,
// oldest first.
func (c *Collector) History(uuid string) []ScoreEntry {
	fb, ok := c.cache.Get(uuid)
	if !ok {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]ScoreEntry, len(fb.history))
	copy(out, fb.history)
	return out
}

// RecentQueryEmbeddings returns the retained query vectors for a group,
// oldest first.
func (c *Collector) RecentQueryEmbeddings(groupID string) [][]float32 {
	history, ok := c.queryLog.Get(groupID)
	if !ok {
		return nil
	}
	out := make([][]float32, len(history))
	copy(out, history)
	return out
}

// Snapshot reports collector counters.
func (c *Collector) Snapshot() map[string]interface{} {
	c.mu.Lock()
	pending := len(c.pending)
	c.mu.Unlock()
	return map[string]interface{}{
		"feedback_accepted": c.accepted.Load(),
		"nodes_skipped":     c.skipped.Load(),
		"nodes_tracked":     c.cache.Len(),
		"pending_writes":    pending,
		"flushes":           c.flushes.Load(),
		"flush_failures":    c.flushFailures.Load(),
		"queries_embedded":  c.queriesEmbedded.Load(),
		"queries_dropped":   c.queriesDropped.Load(),
	}
}

// feedbackFor returns the tracked state for a node, seeding it from
// stored attributes on first sight so averages survive restarts.
func (c *Collector) feedbackFor(ctx context.Context, uuid string) (*feedback, error) {
	if fb, ok := c.cache.Get(uuid); ok {
		return fb, nil
	}

	node, err := c.store.FetchNodeByUUID(ctx, uuid)
	if err != nil {
		return nil, err
	}
	if node == nil {
		return nil, graph.ErrNotFound
	}

	fb := &feedback{nodeUUID: uuid, groupID: node.GroupID}
	if v, ok := node.Attributes["importance_score"].(float64); ok {
		fb.average = v
	}
	if v, ok := node.Attributes["usage_count"].(float64); ok {
		fb.usageCount = int(v)
	}
	if v, ok := node.Attributes["last_accessed"].(string); ok {
		if ts, perr := time.Parse(time.RFC3339Nano, v); perr == nil {
			fb.lastAccessed = ts
		}
	}

	// Two submissions can race the first load; the cache keeps one.
	if prev, found, _ := c.cache.PeekOrAdd(uuid, fb); found {
		return prev, nil
	}
	return fb, nil
}

// apply folds one score into the moving average. Zero means never
// scored, so the first score seeds the average directly. Caller holds
// the mutex.
func (c *Collector) apply(fb *feedback, score float64, queryID string) {
	now := time.Now().UTC()
	if fb.average == 0 {
		fb.average = score
	} else {
		fb.average = c.cfg.Alpha*score + (1-c.cfg.Alpha)*fb.average
	}
	fb.usageCount++
	fb.lastAccessed = now
	fb.lastScored = now
	fb.history = append(fb.history, ScoreEntry{
		Score:     score,
		QueryID:   queryID,
		Method:    "manual",
		Timestamp: now,
	})
	if len(fb.history) > c.cfg.HistoryLimit {
		fb.history = fb.history[len(fb.history)-c.cfg.HistoryLimit:]
	}
}

func (c *Collector) noteQuery(text string, groups map[string]struct{}) {
	if c.embedder == nil || text == "" || len(groups) == 0 {
		return
	}
	record := queryRecord{text: text, groups: make([]string, 0, len(groups))}
	for g := range groups {
		record.groups = append(record.groups, g)
	}
	select {
	case c.queries <- record:
	default:
		c.queriesDropped.Add(1)
	}
}

func (c *Collector) run() {
	defer c.wg.Done()

	ticker := time.NewTicker(c.cfg.CommitWindow)
	defer ticker.Stop()

	for {
		select {
		case <-c.ctx.Done():
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			c.flush(ctx)
			cancel()
			return
		case <-ticker.C:
			c.flush(c.ctx)
		case <-c.kicks:
			c.flush(c.ctx)
		case record := <-c.queries:
			c.recordQuery(record)
		}
	}
}

// flush writes every pending score through the store. A failed write
// requeues unless a newer update for the node superseded it.
func (c *Collector) flush(ctx context.Context) {
	c.mu.Lock()
	if len(c.pending) == 0 {
		c.mu.Unlock()
		return
	}
	batch := c.pending
	c.pending = make(map[string]*feedback)
	attrs := make(map[string]map[string]interface{}, len(batch))
	for uuid, fb := range batch {
		attrs[uuid] = map[string]interface{}{
			"importance_score": fb.average,
			"usage_count":      fb.usageCount,
			"last_accessed":    fb.lastAccessed.Format(time.RFC3339Nano),
			"last_scored":      fb.lastScored.Format(time.RFC3339Nano),
			"decay_factor":     DecayFactor(time.Since(fb.lastAccessed), c.cfg.HalfLifeDays),
		}
	}
	c.mu.Unlock()

	written := 0
	for uuid, a := range attrs {
		if err := c.store.UpdateNodeAttributes(ctx, uuid, a); err != nil {
			c.flushFailures.Add(1)
			c.logger.Error("Relevance write failed",
				zap.String("uuid", uuid), zap.Error(err))
			c.requeue(uuid, batch[uuid])
			continue
		}
		written++
	}
	if written > 0 {
		c.flushes.Add(1)
		c.logger.Debug("Committed importance scores", zap.Int("nodes", written))
	}
}

func (c *Collector) requeue(uuid string, fb *feedback) {
	c.mu.Lock()
	if _, exists := c.pending[uuid]; !exists {
		c.pending[uuid] = fb
	}
	c.mu.Unlock()
}

func (c *Collector) recordQuery(record queryRecord) {
	ctx, cancel := context.WithTimeout(c.ctx, 10*time.Second)
	defer cancel()

	vec, err := c.embedder.Embed(ctx, record.text)
	if err != nil {
		c.logger.Debug("Query embedding skipped", zap.Error(err))
		return
	}
	c.queriesEmbedded.Add(1)

	for _, g := range record.groups {
		history, _ := c.queryLog.Get(g)
		history = append(history, vec)
		if len(history) > c.cfg.EmbeddingLimit {
			history = history[len(history)-c.cfg.EmbeddingLimit:]
		}
		c.queryLog.Add(g, history)
	}
}
