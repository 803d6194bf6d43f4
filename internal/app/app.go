// Package app wires infrastructure to the exit engine and runs the
// goroutines of the selected operating mode until shutdown.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/natebag/trenchtools/internal/config"
)

// App owns the configuration and everything opened on its behalf.
type App struct {
	cfg    *config.Config
	logger *slog.Logger

	mu      sync.Mutex
	closers []func()
}

// New creates an App for cfg.
func New(cfg *config.Config, logger *slog.Logger) *App {
	return &App{
		cfg:    cfg,
		logger: logger.With(slog.String("component", "app")),
	}
}

func (a *App) onClose(fn func()) {
	a.mu.Lock()
	a.closers = append(a.closers, fn)
	a.mu.Unlock()
}

// modes maps config.Mode values to their entry points.
var modes = map[string]func(*App, context.Context, *Dependencies) error{
	"trade":   (*App).TradeMode,
	"paper":   (*App).PaperMode,
	"monitor": (*App).MonitorMode,
}

// Run wires dependencies and blocks in the configured mode until ctx is
// cancelled or a component fails.
func (a *App) Run(ctx context.Context) error {
	run, ok := modes[strings.ToLower(a.cfg.Mode)]
	if !ok {
		return fmt.Errorf("app: unsupported mode %q", a.cfg.Mode)
	}

	a.logger.InfoContext(ctx, "starting",
		slog.String("mode", a.cfg.Mode),
		slog.String("adapter", a.cfg.Executor.Adapter),
		slog.Bool("postgres", a.cfg.Postgres.Enabled),
		slog.Bool("redis", a.cfg.Redis.Enabled),
		slog.Bool("archive", a.cfg.Archive.Enabled),
	)

	deps, cleanup, err := Wire(ctx, a.cfg, a.logger)
	if err != nil {
		return fmt.Errorf("app: wire: %w", err)
	}
	a.onClose(cleanup)

	return run(a, ctx, deps)
}

// Close releases resources in reverse order of acquisition. Later calls do
// nothing.
func (a *App) Close() {
	a.mu.Lock()
	closers := a.closers
	a.closers = nil
	a.mu.Unlock()

	if len(closers) == 0 {
		return
	}
	a.logger.Info("shutting down")
	for i := len(closers) - 1; i >= 0; i-- {
		closers[i]()
	}
}
