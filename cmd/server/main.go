package main

// Package main is the entry point for the responsegate server: an HTTP
// gateway that exposes Anthropic's Messages API and serves it by calling
// OpenAI's Responses API.
//
// Responsibilities:
//   - Load and validate configuration from environment variables and the
//     optional RESPONSEGATE_CONFIG YAML file
//   - Build the structured logger at the configured level
//   - Start the HTTP server (Messages endpoint, health, metrics, debug tap)
//   - Watch the config file and re-apply the log level on change
//   - Implement graceful shutdown with context cancellation

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/responsegate/responsegate/internal/config"
	"github.com/responsegate/responsegate/internal/server"
)

func main() {
	mgr := config.NewManager(os.Getenv("RESPONSEGATE_CONFIG"))
	cfg, err := mgr.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger, level, err := buildLogger(cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to build logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	srv, err := server.NewServer(cfg, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create server: %v\n", err)
		os.Exit(1)
	}

	if err := srv.Start(); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to start server: %v\n", err)
		os.Exit(1)
	}

	// Log level is the one hot-reloadable setting.
	go func() {
		for updated := range mgr.Watch() {
			if parsed, err := zapcore.ParseLevel(updated.LogLevel); err == nil {
				level.SetLevel(parsed)
				logger.Info("log level updated", zap.String("level", updated.LogLevel))
			}
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan
	logger.Info("received shutdown signal")

	if err := srv.Stop(); err != nil {
		fmt.Fprintf(os.Stderr, "Error stopping server: %v\n", err)
		os.Exit(1)
	}
	logger.Info("shutdown complete")
}

// buildLogger constructs the service logger with an adjustable level.
func buildLogger(levelName string) (*zap.Logger, zap.AtomicLevel, error) {
	level := zap.NewAtomicLevel()
	parsed, err := zapcore.ParseLevel(levelName)
	if err != nil {
		return nil, level, fmt.Errorf("invalid log level %q: %w", levelName, err)
	}
	level.SetLevel(parsed)

	zapCfg := zap.NewProductionConfig()
	zapCfg.Level = level
	logger, err := zapCfg.Build()
	if err != nil {
		return nil, level, err
	}
	return logger, level, nil
}
