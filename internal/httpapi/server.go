// Package httpapi exposes the ingestion and retrieval surface over
// gorilla/mux. Handlers stay thin: decode, validate, call the engine
// component, map the fault kind to a status code. Post-enqueue failures
// never surface here; the only user-visible errors are ingress-time
// validation and a queue that is down.
package httpapi

import (
	"context"
	"net/http"

	"github.com/go-playground/validator/v10"
	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/chronograph-engine/internal/graph"
	"github.com/chronograph-engine/internal/ingest"
	"github.com/chronograph-engine/internal/relevance"
	"github.com/chronograph-engine/internal/search"
)

// Config holds the surface-level knobs.
type Config struct {
	// DefaultGroupID tags ingress that carries no group of its own.
	DefaultGroupID string

	// AllowedOrigins feeds the CORS layer. Empty allows any origin.
	AllowedOrigins []string

	// MaxBodyBytes caps request bodies. Default 1 MiB.
	MaxBodyBytes int64
}

func (c *Config) normalize() {
	if c.MaxBodyBytes <= 0 {
		c.MaxBodyBytes = 1 << 20
	}
	if len(c.AllowedOrigins) == 0 {
		c.AllowedOrigins = []string{"*"}
	}
}

// Ingestor queues ingestion work. The queue proxy implements it; the
// inline path wraps the pipeline behind the same surface.
type Ingestor interface {
	EnqueueEpisodes(ctx context.Context, groupID string, msgs []ingest.Message) ([]string, error)
	EnqueueEntity(ctx context.Context, groupID string, e ingest.EntityData) (string, error)
	IsHealthy(ctx context.Context) bool
}

// Searcher answers memory queries.
type Searcher interface {
	Search(ctx context.Context, groupID, text string, vector []float32, limit int) (*search.Result, error)
}

// Embedder turns the composed query into a vector for the semantic side.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// EventEmitter publishes node access events for retrieval endpoints.
type EventEmitter interface {
	EmitNodeAccess(groupID string, nodeIDs []string, accessType, query string)
}

// FeedbackSink accepts relevance feedback submissions.
type FeedbackSink interface {
	Submit(ctx context.Context, sub relevance.Submission) (int, error)
}

// FactIndex is the slice of the full-text index group deletion touches.
type FactIndex interface {
	RemoveGroup(ctx context.Context, groupID string) (int, error)
}

// MetricsFunc returns a point-in-time counter snapshot.
type MetricsFunc func() map[string]interface{}

// Deps are the engine components the surface fronts. Store is required;
// a handler whose dependency is nil answers 503.
type Deps struct {
	Store    graph.GraphStore
	Ingestor Ingestor
	Searcher Searcher
	Embedder Embedder
	Events   EventEmitter
	Feedback FeedbackSink
	Index    FactIndex
	Stream   http.Handler
	Locks    *GroupLockManager

	WebhookMetrics MetricsFunc
	WorkerMetrics  MetricsFunc
	QueueMetrics   MetricsFunc
}

// Server wires the handlers onto a router.
type Server struct {
	cfg      Config
	deps     Deps
	validate *validator.Validate
	logger   *zap.Logger
}

// NewServer builds the HTTP surface from its dependencies.
func NewServer(cfg Config, deps Deps, logger *zap.Logger) *Server {
	cfg.normalize()
	return &Server{
		cfg:      cfg,
		deps:     deps,
		validate: validator.New(),
		logger:   logger.Named("httpapi"),
	}
}

// SetupRoutes registers every endpoint on r.
func (s *Server) SetupRoutes(r *mux.Router) {
	r.HandleFunc("/messages", s.handleAddMessages).Methods("POST")
	r.HandleFunc("/entity-node", s.handleAddEntityNode).Methods("POST")
	r.HandleFunc("/group/{group_id}", s.handleDeleteGroup).Methods("DELETE")
	r.HandleFunc("/episode/{uuid}", s.handleDeleteEpisode).Methods("DELETE")

	r.HandleFunc("/entity-edge/{uuid}", s.handleGetEntityEdge).Methods("GET")
	r.HandleFunc("/edges/by-node/{uuid}", s.handleGetEdgesByNode).Methods("GET")
	r.HandleFunc("/episodes/{group_id}", s.handleGetEpisodes).Methods("GET")
	r.HandleFunc("/get-memory", s.handleGetMemory).Methods("POST")
	r.HandleFunc("/nodes/{uuid}/summary", s.handleUpdateNodeSummary).Methods("PATCH")

	r.HandleFunc("/feedback/relevance", s.handleRelevanceFeedback).Methods("POST")

	r.HandleFunc("/healthcheck", s.handleHealthcheck).Methods("GET")
	r.HandleFunc("/metrics/webhooks", s.metricsHandler(s.deps.WebhookMetrics)).Methods("GET")
	r.HandleFunc("/metrics/worker", s.metricsHandler(s.deps.WorkerMetrics)).Methods("GET")
	r.HandleFunc("/metrics/queue", s.metricsHandler(s.deps.QueueMetrics)).Methods("GET")

	if s.deps.Stream != nil {
		r.Handle("/ws", s.deps.Stream)
	}
}

// Handler returns the routed surface wrapped in recovery, request
// logging, and CORS.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	s.SetupRoutes(r)

	var h http.Handler = r
	h = s.requestLog(h)
	h = handlers.RecoveryHandler(
		handlers.RecoveryLogger(zap.NewStdLog(s.logger)),
		handlers.PrintRecoveryStack(true),
	)(h)
	h = handlers.CORS(
		handlers.AllowedOrigins(s.cfg.AllowedOrigins),
		handlers.AllowedMethods([]string{"GET", "POST", "PATCH", "DELETE", "OPTIONS"}),
		handlers.AllowedHeaders([]string{"Content-Type", "Authorization"}),
	)(h)
	return h
}
