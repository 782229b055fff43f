// The queued binary is the standalone durable queue server. State lives
// in Redis; the wire protocol is the length-prefixed binary frame the
// queue client speaks.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/chronograph-engine/internal/config"
	"github.com/chronograph-engine/internal/queue"
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

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	backend, err := queue.NewBackend(ctx, queue.BackendConfig{
		RedisAddr:     cfg.Queue.RedisAddr,
		RedisPassword: cfg.Queue.RedisPassword,
		RedisDB:       cfg.Queue.RedisDB,
	}, logger)
	if err != nil {
		logger.Fatal("Failed to connect queue backend", zap.Error(err))
	}
	defer backend.Close()

	// The ingestion queues exist before the first client shows up.
	for _, name := range []string{cfg.Queue.IngestionQueue, cfg.Queue.DeadLetterQueue} {
		if err := backend.Create(ctx, name); err != nil {
			logger.Fatal("Failed to create queue", zap.String("queue", name), zap.Error(err))
		}
	}

	srv := queue.NewServer(queue.ServerConfig{
		Listen:    cfg.Queue.Listen,
		Multicore: true,
	}, backend, logger)

	errCh := make(chan error, 1)
	go func() {
		logger.Info("Queue server listening", zap.String("addr", cfg.Queue.Listen))
		errCh <- srv.Run()
	}()

	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errCh:
		if err != nil {
			logger.Fatal("Queue server failed", zap.Error(err))
		}
	case <-c:
		logger.Info("Shutting down queue server...")
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("Queue server shutdown failed", zap.Error(err))
		}
	}

	logger.Info("Queue server stopped")
}
