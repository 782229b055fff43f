// Command mcp runs the ingestion engine behind a Model Context
// Protocol server, so agent runtimes can use the graph as memory.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/chronograph-engine/internal/config"
	"github.com/chronograph-engine/internal/engine"
	"github.com/chronograph-engine/internal/mcp"
)

var (
	mode     = flag.String("mode", "stdio", "Transport mode: stdio or http")
	addr     = flag.String("addr", ":8021", "Listen address for http mode")
	logLevel = flag.String("log-level", "info", "Log level: debug, info, warn, error")
)

func main() {
	flag.Parse()

	logger := setupLogger(*logLevel, *mode)
	defer logger.Sync()

	cfg, err := config.Load("")
	if err != nil {
		logger.Fatal("Failed to load config", zap.Error(err))
	}

	eng, err := engine.New(cfg, logger)
	if err != nil {
		logger.Fatal("Failed to create engine", zap.Error(err))
	}
	if err := eng.Start(); err != nil {
		logger.Fatal("Failed to start engine", zap.Error(err))
	}

	server := mcp.NewServer(mcp.Deps{
		Store:          eng.Store(),
		Ingestor:       eng.Ingestor(),
		Searcher:       eng.Searcher(),
		Embedder:       eng.Embedder(),
		Events:         eng.Events(),
		DefaultGroupID: cfg.GroupIDDefault,
	}, logger)

	var transport mcp.Transport
	switch *mode {
	case "stdio":
		transport = mcp.NewStdioTransport(logger)
	case "http":
		transport = mcp.NewHTTPTransport(*addr, logger)
	default:
		logger.Fatal("Unknown transport mode", zap.String("mode", *mode))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	errCh := make(chan error, 1)
	go func() {
		errCh <- transport.Serve(ctx, server)
	}()

	select {
	case sig := <-sigCh:
		logger.Info("Received signal, shutting down", zap.String("signal", sig.String()))
		cancel()
	case err := <-errCh:
		if err != nil && err != context.Canceled {
			logger.Error("Transport error", zap.Error(err))
		}
	}

	if err := eng.Stop(); err != nil {
		logger.Error("Error stopping engine", zap.Error(err))
	}
	logger.Info("MCP server stopped")
}

// setupLogger keeps every log line on stderr. In stdio mode stdout
// belongs to the protocol stream and must stay clean.
func setupLogger(level, mode string) *zap.Logger {
	var zapLevel zapcore.Level
	switch level {
	case "debug":
		zapLevel = zapcore.DebugLevel
	case "warn":
		zapLevel = zapcore.WarnLevel
	case "error":
		zapLevel = zapcore.ErrorLevel
	default:
		zapLevel = zapcore.InfoLevel
	}

	cfg := zap.Config{
		Level:            zap.NewAtomicLevelAt(zapLevel),
		Encoding:         "json",
		EncoderConfig:    zap.NewProductionEncoderConfig(),
		OutputPaths:      []string{"stderr"},
		ErrorOutputPaths: []string{"stderr"},
	}
	if mode == "stdio" {
		cfg.Encoding = "console"
		cfg.EncoderConfig = zap.NewDevelopmentEncoderConfig()
		cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	}

	logger, err := cfg.Build()
	if err != nil {
		return zap.NewExample()
	}
	return logger
}
