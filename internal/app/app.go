// Package app provides the top-level application lifecycle of a foresight
// node. It wires together all dependencies (durable stores, shared state,
// blob storage, sinks and notifications), assembles the node for the
// configured mode and runs it until shutdown.
package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/alanyoungcy/foresight/internal/config"
)

// App is the root application object. It owns the configuration, logger, and a
// list of cleanup functions that are called in reverse order on shutdown.
type App struct {
	cfg     *config.Config
	logger  *slog.Logger
	closers []func()
}

// New creates a new App from the given configuration and logger.
func New(cfg *config.Config, logger *slog.Logger) *App {
	return &App{
		cfg:    cfg,
		logger: logger.With(slog.String("component", "app")),
	}
}

// Run is the main entry point. It wires all dependencies, builds the node for
// the configured mode and blocks until the context is cancelled.
func (a *App) Run(ctx context.Context) error {
	a.logger.InfoContext(ctx, "starting application",
		slog.String("mode", a.cfg.Mode),
		slog.String("storage", a.cfg.Storage.Backend),
		slog.Bool("redis", a.cfg.Redis.Enabled),
	)

	switch a.cfg.Mode {
	case config.ModeNode, config.ModeReplica:
	default:
		return fmt.Errorf("app: unsupported mode %q", a.cfg.Mode)
	}

	deps, cleanup, err := Wire(ctx, a.cfg, a.logger)
	if err != nil {
		return fmt.Errorf("app: wire dependencies: %w", err)
	}
	a.closers = append(a.closers, cleanup)

	node, err := BuildNode(ctx, a.cfg, deps, a.logger)
	if err != nil {
		return fmt.Errorf("app: build node: %w", err)
	}
	a.closers = append(a.closers, node.Close)

	return node.Run(ctx)
}

// Close tears down all resources in reverse registration order. It is safe to
// call multiple times; subsequent calls are no-ops.
func (a *App) Close() {
	a.logger.Info("shutting down application")
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}
