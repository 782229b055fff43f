// The engine binary runs the full ingestion core in one process: HTTP
// API, worker pool (or the inline lane), event dispatch, WebSocket
// broadcast, search, feedback, and the optional cross-store mirror.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/chronograph-engine/internal/config"
	"github.com/chronograph-engine/internal/engine"
	"github.com/chronograph-engine/internal/httpapi"
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

	eng, err := engine.New(cfg, logger)
	if err != nil {
		logger.Fatal("Failed to create engine", zap.Error(err))
	}
	if err := eng.Start(); err != nil {
		logger.Fatal("Failed to start engine", zap.Error(err))
	}

	api := httpapi.NewServer(httpapi.Config{
		DefaultGroupID: cfg.GroupIDDefault,
		AllowedOrigins: cfg.HTTP.AllowedOrigins,
	}, httpapi.Deps{
		Store:          eng.Store(),
		Ingestor:       eng.Ingestor(),
		Searcher:       eng.Searcher(),
		Embedder:       eng.Embedder(),
		Events:         eng.Events(),
		Feedback:       eng.Feedback(),
		Index:          eng.FactIndex(),
		Stream:         eng.StreamHandler(),
		Locks:          httpapi.NewGroupLockManager(eng.Redis(), logger),
		WebhookMetrics: eng.WebhookMetrics,
		WorkerMetrics:  eng.WorkerMetrics,
		QueueMetrics:   eng.QueueMetrics,
	}, logger)

	srv := &http.Server{
		Handler:      api.Handler(),
		Addr:         ":" + cfg.HTTP.Port,
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
	}

	go func() {
		logger.Info("API listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("Server startup failed", zap.Error(err))
		}
	}()

	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	<-c

	logger.Info("Shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP shutdown failed", zap.Error(err))
	}
	if err := eng.Stop(); err != nil {
		logger.Error("Engine shutdown failed", zap.Error(err))
	}

	logger.Info("Shutdown complete")
}
