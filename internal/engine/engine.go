// Package engine is the composition root for the ingestion core. It
// owns every long-lived component, wires them in dependency order, and
// exposes the narrow surfaces the HTTP layer consumes.
package engine

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/chronograph-engine/internal/cache"
	"github.com/chronograph-engine/internal/config"
	"github.com/chronograph-engine/internal/dispatch"
	"github.com/chronograph-engine/internal/embedding"
	"github.com/chronograph-engine/internal/extraction"
	"github.com/chronograph-engine/internal/graph"
	"github.com/chronograph-engine/internal/ingest"
	"github.com/chronograph-engine/internal/llm"
	"github.com/chronograph-engine/internal/queue"
	"github.com/chronograph-engine/internal/relevance"
	"github.com/chronograph-engine/internal/resolution"
	"github.com/chronograph-engine/internal/search"
	"github.com/chronograph-engine/internal/stream"
	"github.com/chronograph-engine/internal/syncer"
	"github.com/chronograph-engine/internal/worker"
)

// Engine assembles the ingestion core: graph stores, queue plumbing,
// extraction and resolution, event dispatch, search, feedback, and the
// optional cross-store mirror.
type Engine struct {
	config config.Config
	logger *zap.Logger

	// Data layer
	store       graph.GraphStore
	secondary   graph.GraphStore
	redisClient *redis.Client
	queueClient *queue.Client

	// Ingestion path
	proxy         *ingest.Proxy
	inline        *inlineQueue
	pipeline      *worker.Pipeline
	pool          *worker.Pool
	workerMetrics *worker.Metrics

	// Extraction and resolution
	llmService *llm.Service
	embedder   *embedding.Service
	tierCache  *cache.Cache
	extractor  *extraction.Engine
	resolver   *resolution.Resolver

	// Events
	dispatcher  *dispatch.Dispatcher
	broadcaster *stream.Broadcaster

	// Search
	index   *search.Index
	indexer *search.Indexer
	hybrid  *search.Hybrid

	// Feedback and sync
	collector *relevance.Collector
	mirror    *syncer.Orchestrator

	// Control
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	mu        sync.RWMutex
	isRunning bool
}

// New prepares an engine. Nothing connects until Start.
func New(cfg config.Config, logger *zap.Logger) (*Engine, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Engine{
		config: cfg,
		logger: logger,
		ctx:    ctx,
		cancel: cancel,
	}, nil
}

// Start connects to the data layer and brings every component up in
// dependency order. A second call on a running engine is a no-op.
func (e *Engine) Start() error {
	e.mu.Lock()
	if e.isRunning {
		e.mu.Unlock()
		return nil
	}
	e.mu.Unlock()

	e.logger.Info("Starting ingestion engine...")

	// Primary graph store
	store, err := e.openStore(e.config.Graph.Backend, e.config.Graph.URI)
	if err != nil {
		return fmt.Errorf("open %s store: %w", e.config.Graph.Backend, err)
	}
	e.store = store

	// Optional secondary store for the cross-store mirror
	if e.config.Graph.SecondaryBackend != "" {
		sec, err := e.openStore(e.config.Graph.SecondaryBackend, e.config.Graph.SecondaryURI)
		if err != nil {
			return fmt.Errorf("open secondary %s store: %w", e.config.Graph.SecondaryBackend, err)
		}
		e.secondary = sec
	}

	// Redis carries cache entries, idempotence fingerprints, and group
	// locks. It is the same instance that backs the queue server.
	e.redisClient = redis.NewClient(&redis.Options{
		Addr:     e.config.Queue.RedisAddr,
		Password: e.config.Queue.RedisPassword,
		DB:       e.config.Queue.RedisDB,
	})
	if err := e.redisClient.Ping(e.ctx).Err(); err != nil {
		return fmt.Errorf("connect to redis: %w", err)
	}

	// Event dispatch, with the NATS journal when configured
	var journal dispatch.EventJournal
	if e.config.Dispatch.NATSAddr != "" {
		j, err := dispatch.NewJournal(e.config.Dispatch.NATSAddr, e.config.Dispatch.NATSStream, e.logger)
		if err != nil {
			return fmt.Errorf("connect event journal: %w", err)
		}
		journal = j
	}
	e.dispatcher = dispatch.NewDispatcher(dispatch.Config{
		QueueSize:        e.config.Dispatch.QueueSize,
		Workers:          e.config.Dispatch.Workers,
		MaxRetries:       e.config.Dispatch.WebhookRetries,
		RequestTimeout:   e.config.Dispatch.WebhookTimeout,
		BreakerThreshold: uint32(e.config.Dispatch.BreakerFailures),
		BreakerReset:     e.config.Dispatch.BreakerCooldown,
		AccessURL:        e.config.Dispatch.WebhookURL,
	}, journal, e.logger)

	// Full-text index over facts, fed by mutation events
	index, err := search.NewIndex(search.Config{
		Path:     e.config.Search.IndexPath,
		InMemory: e.config.Search.InMemory,
	}, e.logger)
	if err != nil {
		return fmt.Errorf("open fact index: %w", err)
	}
	e.index = index
	e.indexer = search.NewIndexer(index, e.store, e.logger)
	e.dispatcher.AddHandler("search", e.indexer.HandleEvent)

	// WebSocket broadcaster
	e.broadcaster = stream.NewBroadcaster(stream.Config{
		MaxPending:   e.config.Stream.MaxPending,
		WriteTimeout: e.config.Stream.WriteTimeout,
		PingInterval: e.config.Stream.PingInterval,
		PongTimeout:  e.config.Stream.PongTimeout,
	}, e.logger)
	e.broadcaster.Start()
	e.dispatcher.AddHandler("websocket", e.broadcaster.HandleEvent)

	e.dispatcher.Start()

	// LLM and embedding adapters
	e.llmService = llm.NewService(llm.Config{
		BaseURL:          e.config.LLM.ProviderURL,
		APIKey:           e.config.LLM.APIKey,
		SmallModel:       e.config.LLM.SmallModel,
		LargeModel:       e.config.LLM.Model,
		Timeout:          e.config.LLM.Timeout,
		SchemaRetries:    e.config.LLM.SchemaRetries,
		MaxConcurrent:    e.config.LLM.MaxConcurrent,
		DefaultMaxTokens: e.config.LLM.MaxTokens,
	}, e.logger)
	e.embedder = embedding.New(embedding.Config{
		ProviderURL: e.config.Embedding.ProviderURL,
		Model:       e.config.Embedding.Model,
		Dimension:   e.config.Embedding.Dimension,
		Timeout:     e.config.Embedding.Timeout,
		MaxRetries:  e.config.Embedding.MaxRetries,
	}, e.logger)

	// Two-tier cache backing resolution lookups
	tierCache, err := cache.New(cache.Config{}, e.redisClient, e.logger)
	if err != nil {
		return fmt.Errorf("init cache: %w", err)
	}
	e.tierCache = tierCache

	// Extraction and resolution engines
	e.extractor = extraction.NewEngine(extraction.Config{
		ContextWindow: e.config.Resolution.ContextWindow,
		MaxNameLength: e.config.Resolution.MaxNameLength,
	}, e.llmService, e.embedder, e.store, e.logger)
	e.resolver = resolution.NewResolver(resolution.Config{
		SimHigh:          e.config.Resolution.SimHigh,
		NameExact:        e.config.Resolution.NameExact,
		EdgeSim:          e.config.Resolution.EdgeSim,
		TopK:             e.config.Resolution.TopK,
		EnableCrossGraph: e.config.Resolution.CrossGroup,
	}, e.store, e.llmService, cache.NewResolutionCache(tierCache), e.logger)

	// Relevance feedback collector
	collector, err := relevance.NewCollector(relevance.Config{
		Alpha:        e.config.Relevance.Alpha,
		CommitWindow: e.config.Relevance.CommitWindow,
		MaxPending:   e.config.Relevance.MaxPending,
	}, e.store, e.embedder, e.logger)
	if err != nil {
		return fmt.Errorf("init relevance collector: %w", err)
	}
	collector.Start()
	e.collector = collector

	// Shared processing pipeline. Both ingestion modes run through it,
	// so fingerprinting and event emission are identical.
	e.workerMetrics = worker.NewMetrics()
	e.pipeline = worker.NewPipeline(worker.DefaultPipelineConfig(), e.store, e.extractor, e.resolver, e.embedder, e.dispatcher, e.redisClient, e.workerMetrics, e.logger)

	if e.config.Queue.UseForIngestion {
		if err := e.startQueued(); err != nil {
			return err
		}
	} else {
		e.startInline()
	}

	// Hybrid recall over the fact index and the vector side
	e.hybrid = search.NewHybrid(e.store, index, search.HybridConfig{
		RRFConstant: e.config.Search.RRFK,
	}, e.logger)

	// Cross-store mirror
	if e.secondary != nil {
		e.mirror = syncer.New(e.store, e.secondary, syncer.Config{
			PageSize:          e.config.Sync.PageSize,
			RetryAttempts:     e.config.Sync.PageRetries,
			Interval:          e.config.Sync.Interval,
			TruncateSecondary: e.config.Sync.TruncateTarget,
		}, e.logger)
		if e.config.Sync.FullOnStartup {
			e.wg.Add(1)
			go func() {
				defer e.wg.Done()
				if _, err := e.mirror.RunFull(e.ctx); err != nil {
					e.logger.Error("Startup full sync failed", zap.Error(err))
				}
			}()
		}
		if e.config.Sync.EnableContinuous {
			e.mirror.Start()
		}
	}

	e.mu.Lock()
	e.isRunning = true
	e.mu.Unlock()

	e.logger.Info("Ingestion engine started",
		zap.String("graph_backend", e.config.Graph.Backend),
		zap.Bool("queued_ingestion", e.config.Queue.UseForIngestion),
		zap.Bool("mirror", e.secondary != nil))
	return nil
}

// startQueued wires the durable path: queue client, producer proxy, and
// the polling worker pool.
func (e *Engine) startQueued() error {
	e.queueClient = queue.NewClient(queue.ClientConfig{Addr: e.config.Queue.URL})
	for _, name := range []string{e.config.Queue.IngestionQueue, e.config.Queue.DeadLetterQueue} {
		if err := e.queueClient.Create(e.ctx, name); err != nil {
			return fmt.Errorf("create queue %s: %w", name, err)
		}
	}
	e.proxy = ingest.NewProxy(ingest.Config{
		Queue:      e.config.Queue.IngestionQueue,
		MaxRetries: e.config.Worker.MaxRetries,
	}, e.queueClient, e.logger)
	e.pool = worker.NewPool(worker.Config{
		Queue:             e.config.Queue.IngestionQueue,
		DeadLetterQueue:   e.config.Queue.DeadLetterQueue,
		Lanes:             e.config.Worker.Parallelism,
		BatchSize:         e.config.Worker.BatchSize,
		VisibilityTimeout: e.config.Worker.VisibilityTimeout,
		TaskDeadline:      e.config.Worker.TaskDeadline,
		MaxRetries:        e.config.Worker.MaxRetries,
		PollBackoffMin:    e.config.Worker.PollBackoffMin,
		PollBackoffMax:    e.config.Worker.PollBackoffMax,
		RateLimit: worker.RateLimitConfig{
			GlobalRPS: e.config.Worker.GlobalRatePerSec,
			GroupRPM:  e.config.Worker.GroupRatePerMin,
		},
	}, e.queueClient, e.pipeline, e.logger)
	e.pool.Start()
	return nil
}

// startInline wires the in-process path. The proxy still builds the
// same envelopes; they just land on a channel instead of the queue.
func (e *Engine) startInline() {
	e.inline = newInlineQueue(e.config.Queue.IngestionQueue, e.pipeline, e.config.Worker.TaskDeadline, e.logger)
	e.proxy = ingest.NewProxy(ingest.Config{
		Queue:      e.config.Queue.IngestionQueue,
		MaxRetries: e.config.Worker.MaxRetries,
	}, e.inline, e.logger)
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.inline.run(e.ctx)
	}()
}

func (e *Engine) openStore(backend, uri string) (graph.GraphStore, error) {
	switch backend {
	case "redisgraph":
		return graph.NewRedisGraphStore(e.ctx, graph.RedisGraphConfig{
			Addr:          uri,
			Username:      e.config.Graph.User,
			Password:      e.config.Graph.Password,
			GraphKey:      e.config.Graph.Database,
			MaxConcurrent: e.config.Graph.MaxConcurrent,
		}, e.logger)
	case "dgraph":
		return graph.NewDgraphStore(e.ctx, graph.DgraphConfig{
			Address:       uri,
			QueryTimeout:  e.config.Graph.QueryTimeout,
			MaxConcurrent: e.config.Graph.MaxConcurrent,
		}, e.logger)
	default:
		return nil, fmt.Errorf("unknown graph backend %q", backend)
	}
}

// Stop drains and shuts everything down in reverse order. Safe to call
// on an engine that never started.
func (e *Engine) Stop() error {
	e.mu.Lock()
	if !e.isRunning {
		e.mu.Unlock()
		return nil
	}
	e.mu.Unlock()

	e.logger.Info("Stopping ingestion engine...")

	// Signal engine-owned goroutines to stop
	e.cancel()

	// Stop intake before the event side so drains still have handlers
	if e.pool != nil {
		e.pool.Stop()
	}
	if e.mirror != nil {
		e.mirror.Stop()
	}
	if e.collector != nil {
		e.collector.Stop()
	}
	if e.dispatcher != nil {
		e.dispatcher.Stop()
	}
	if e.broadcaster != nil {
		e.broadcaster.Stop()
	}
	if e.indexer != nil {
		e.indexer.Close()
	}

	e.wg.Wait()

	// Close connections
	if e.queueClient != nil {
		e.queueClient.Close()
	}
	if e.index != nil {
		e.index.Close()
	}
	if e.tierCache != nil {
		e.tierCache.Close()
	}
	if e.embedder != nil {
		e.embedder.Close()
	}
	if e.redisClient != nil {
		e.redisClient.Close()
	}
	if e.secondary != nil {
		e.secondary.Close()
	}
	if e.store != nil {
		e.store.Close()
	}

	e.mu.Lock()
	e.isRunning = false
	e.mu.Unlock()

	e.logger.Info("Ingestion engine stopped")
	return nil
}

// IsRunning reports whether Start completed and Stop has not.
func (e *Engine) IsRunning() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.isRunning
}

// Store returns the primary graph store.
func (e *Engine) Store() graph.GraphStore { return e.store }

// Ingestor returns the producer proxy. In inline mode it is backed by
// the in-process lane rather than the queue client.
func (e *Engine) Ingestor() *ingest.Proxy { return e.proxy }

// Searcher returns the hybrid recall engine.
func (e *Engine) Searcher() *search.Hybrid { return e.hybrid }

// Embedder returns the embedding adapter.
func (e *Engine) Embedder() *embedding.Service { return e.embedder }

// Events returns the dispatcher for access and mutation emission.
func (e *Engine) Events() *dispatch.Dispatcher { return e.dispatcher }

// Feedback returns the relevance collector.
func (e *Engine) Feedback() *relevance.Collector { return e.collector }

// FactIndex returns the full-text index.
func (e *Engine) FactIndex() *search.Index { return e.index }

// StreamHandler returns the WebSocket endpoint handler.
func (e *Engine) StreamHandler() http.Handler { return e.broadcaster }

// Redis returns the shared Redis client, for group locks.
func (e *Engine) Redis() *redis.Client { return e.redisClient }

// Mirror returns the sync orchestrator, nil without a secondary store.
func (e *Engine) Mirror() *syncer.Orchestrator { return e.mirror }

// WebhookMetrics reports dispatcher counters and breaker state.
func (e *Engine) WebhookMetrics() map[string]interface{} {
	return e.dispatcher.Snapshot()
}

// WorkerMetrics reports processing counters. Queued mode includes pool
// state; inline mode reports the raw pipeline counters.
func (e *Engine) WorkerMetrics() map[string]interface{} {
	if e.pool != nil {
		return e.pool.MetricsSnapshot()
	}
	out := make(map[string]interface{})
	for k, v := range e.workerMetrics.Snapshot() {
		out[k] = v
	}
	out["mode"] = "inline"
	return out
}

// QueueMetrics reports producer counters, plus live queue depth when
// the durable queue is in play.
func (e *Engine) QueueMetrics() map[string]interface{} {
	out := make(map[string]interface{})
	for k, v := range e.proxy.Snapshot() {
		out[k] = v
	}
	if e.queueClient != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if stats, err := e.queueClient.Stats(ctx, e.config.Queue.IngestionQueue); err == nil {
			out["ready"] = stats.Ready
			out["in_flight"] = stats.InFlight
			for k, v := range stats.Counters {
				out[k] = v
			}
		}
	}
	return out
}
