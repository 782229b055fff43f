// The syncgraph binary mirrors the primary graph store into the
// secondary. Without SYNC_ENABLE_CONTINUOUS it performs one full run
// and exits; with it, it stays resident, serves a small status API, and
// cycles on the configured interval.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/chronograph-engine/internal/config"
	"github.com/chronograph-engine/internal/graph"
	"github.com/chronograph-engine/internal/jsonx"
	"github.com/chronograph-engine/internal/syncer"
)

func main() {
	logger, _ := zap.NewProduction()
	if os.Getenv("LOG_DEV") != "" {
		logger, _ = zap.NewDevelopment()
	}
	defer logger.Sync()

	cfg, err := config.Load("")
	if err != nil {
		logger.Fatal("Failed to load configuration", zap.Error(err))
	}
	if cfg.Graph.SecondaryBackend == "" {
		logger.Fatal("No secondary store configured; set GRAPH_SECONDARY_BACKEND and GRAPH_SECONDARY_URI")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	primary, err := openStore(ctx, cfg, cfg.Graph.Backend, cfg.Graph.URI, logger)
	if err != nil {
		logger.Fatal("Failed to open primary store", zap.Error(err))
	}
	defer primary.Close()

	secondary, err := openStore(ctx, cfg, cfg.Graph.SecondaryBackend, cfg.Graph.SecondaryURI, logger)
	if err != nil {
		logger.Fatal("Failed to open secondary store", zap.Error(err))
	}
	defer secondary.Close()

	orch := syncer.New(primary, secondary, syncer.Config{
		PageSize:          cfg.Sync.PageSize,
		RetryAttempts:     cfg.Sync.PageRetries,
		Interval:          cfg.Sync.Interval,
		TruncateSecondary: cfg.Sync.TruncateTarget,
		OnProgress: func(p syncer.Progress) {
			logger.Info("Sync progress",
				zap.String("status", string(p.Status)),
				zap.String("phase", p.CurrentPhase),
				zap.Int("nodes", p.MigratedNodes),
				zap.Int("edges", p.MigratedEdges))
		},
	}, logger)

	if !cfg.Sync.EnableContinuous {
		if _, err := orch.RunFull(ctx); err != nil {
			logger.Fatal("Full sync failed", zap.Error(err))
		}
		logger.Info("Full sync complete")
		return
	}

	if cfg.Sync.FullOnStartup {
		if _, err := orch.RunFull(ctx); err != nil {
			logger.Error("Startup full sync failed", zap.Error(err))
		}
	}
	orch.Start()
	defer orch.Stop()

	router := mux.NewRouter()
	router.HandleFunc("/healthcheck", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]string{"status": "healthy"})
	}).Methods("GET")
	router.HandleFunc("/status", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, orch.GetProgress())
	}).Methods("GET")
	router.HandleFunc("/metrics", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, orch.Snapshot())
	}).Methods("GET")

	srv := &http.Server{
		Handler:      router,
		Addr:         ":" + cfg.HTTP.Port,
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
	}
	go func() {
		logger.Info("Sync status API listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("Status server failed", zap.Error(err))
		}
	}()

	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	<-c

	logger.Info("Shutting down sync service...")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("Status server shutdown failed", zap.Error(err))
	}
}

func openStore(ctx context.Context, cfg config.Config, backend, uri string, logger *zap.Logger) (graph.GraphStore, error) {
	switch backend {
	case "redisgraph":
		return graph.NewRedisGraphStore(ctx, graph.RedisGraphConfig{
			Addr:          uri,
			Password:      cfg.Graph.Password,
			GraphKey:      cfg.Graph.Database,
			MaxConcurrent: cfg.Graph.MaxConcurrent,
		}, logger)
	case "dgraph":
		return graph.NewDgraphStore(ctx, graph.DgraphConfig{
			Address:       uri,
			QueryTimeout:  cfg.Graph.QueryTimeout,
			MaxConcurrent: cfg.Graph.MaxConcurrent,
		}, logger)
	default:
		return nil, fmt.Errorf("unknown graph backend %q", backend)
	}
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	body, err := jsonx.Marshal(v)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write(body)
}
