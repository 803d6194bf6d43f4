package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	s3blob "github.com/natebag/trenchtools/internal/blob/s3"
	"github.com/natebag/trenchtools/internal/cache/redis"
	"github.com/natebag/trenchtools/internal/server"
	"github.com/natebag/trenchtools/internal/server/handler"
	"github.com/natebag/trenchtools/internal/server/ws"
	"github.com/natebag/trenchtools/internal/service"
)

// runOptions distinguishes the operating modes.
type runOptions struct {
	name        string
	forcePaper  bool
	startPaused bool
}

// TradeMode runs the engine against the live swap API.
func (a *App) TradeMode(ctx context.Context, deps *Dependencies) error {
	return a.runEngine(ctx, deps, runOptions{
		name:        "trade",
		startPaused: a.cfg.Engine.StartPaused,
	})
}

// PaperMode runs the engine with simulated fills.
func (a *App) PaperMode(ctx context.Context, deps *Dependencies) error {
	return a.runEngine(ctx, deps, runOptions{
		name:        "paper",
		forcePaper:  true,
		startPaused: a.cfg.Engine.StartPaused,
	})
}

// MonitorMode tracks positions, peaks and history without evaluating
// triggers. Operators can still resume evaluation or exit manually through
// the API; exits use the simulated adapter.
func (a *App) MonitorMode(ctx context.Context, deps *Dependencies) error {
	return a.runEngine(ctx, deps, runOptions{
		name:        "monitor",
		forcePaper:  true,
		startPaused: true,
	})
}

func (a *App) runEngine(ctx context.Context, deps *Dependencies, opts runOptions) error {
	eng, err := BuildEngine(a.cfg, deps, opts.forcePaper, a.logger)
	if err != nil {
		return fmt.Errorf("%s mode: %w", opts.name, err)
	}
	a.onClose(eng.Bus.Close)

	if opts.startPaused {
		eng.Positions.Pause()
	}
	a.logger.InfoContext(ctx, "engine built",
		slog.String("mode", opts.name),
		slog.String("adapter", eng.Adapter),
		slog.Bool("paused", eng.Positions.Paused()),
	)

	if a.cfg.Engine.RestoreOnStart {
		if _, err := eng.Positions.Restore(ctx); err != nil {
			return fmt.Errorf("%s mode: %w", opts.name, err)
		}
	}

	g, ctx := errgroup.WithContext(ctx)

	// Exit worker: consumes the exit command queue.
	g.Go(func() error {
		return eng.Worker.Run(ctx)
	})

	// Price feed from Redis pub/sub.
	if deps.SignalBus != nil {
		g.Go(func() error {
			return eng.Feeder.Run(ctx)
		})
	}

	// Snapshot persistence.
	if eng.Snapshots != nil {
		g.Go(func() error {
			return eng.Snapshots.Run(ctx)
		})
	}

	// Cold-storage archive of closed positions.
	if deps.BlobWriter != nil {
		var purger s3blob.Purger
		if a.cfg.Archive.Purge {
			purger = eng.Positions
		}
		archiver := s3blob.NewArchiver(deps.BlobWriter, eng.Positions, deps.AuditStore, purger)
		job, err := service.NewArchiveJob(archiver, a.cfg.Archive.Cron, time.Duration(a.cfg.Archive.RetentionDays)*24*time.Hour, a.logger)
		if err != nil {
			return fmt.Errorf("%s mode: %w", opts.name, err)
		}
		g.Go(func() error {
			return job.Run(ctx)
		})
	}

	// Dashboard hub and event relay.
	var hub *ws.Hub
	if a.cfg.Server.Enabled {
		startedAt := time.Now().UTC()
		hub = ws.NewHub(ws.Config{
			Bus:          deps.SignalBus,
			Channels:     []string{redis.ChannelPrices},
			ReplayStream: redis.StreamEvents,
			Origins:      a.cfg.Server.CORSOrigins,
			Status: func() any {
				return map[string]any{
					"mode":           opts.name,
					"adapter":        eng.Adapter,
					"paused":         eng.Positions.Paused(),
					"uptime_seconds": int64(time.Since(startedAt).Seconds()),
					"positions":      eng.Positions.Stats(),
				}
			},
		}, a.logger)
		g.Go(func() error {
			return hub.Run(ctx)
		})
	}

	sinks := service.RelaySinks{
		Audit:    deps.AuditStore,
		Signals:  deps.SignalBus,
		Channel:  redis.ChannelEvents,
		Stream:   redis.StreamEvents,
		Notifier: deps.Notifier,
	}
	if hub != nil {
		sinks.Broadcaster = hub
	}
	relay := service.NewEventRelay(eng.Bus, sinks, a.logger)
	g.Go(func() error {
		return relay.Run(ctx)
	})

	if a.cfg.Server.Enabled {
		a.startHTTPServer(ctx, g, deps, eng, hub, opts.name)
	}

	return g.Wait()
}

// startHTTPServer registers the API routes and runs the server until ctx is
// cancelled.
func (a *App) startHTTPServer(ctx context.Context, g *errgroup.Group, deps *Dependencies, eng *Engine, hub *ws.Hub, mode string) {
	handlers := server.Handlers{
		Health:    handler.NewHealthHandler(deps.Health, a.logger),
		Positions: handler.NewPositionHandler(eng.Positions, a.logger),
		Control:   handler.NewControlHandler(eng.Positions, mode, eng.Adapter, time.Now().UTC()),
		Prices:    handler.NewPriceHandler(eng.Feeder, deps.PriceCache, a.logger),
	}
	if deps.AuditStore != nil {
		handlers.Audit = handler.NewAuditHandler(deps.AuditStore, a.logger)
	}

	srv := server.NewServer(server.Config{
		Port:          a.cfg.Server.Port,
		CORSOrigins:   a.cfg.Server.CORSOrigins,
		APIKey:        a.cfg.Server.APIKey,
		ExitRateLimit: a.cfg.Server.ExitRateLimit,
	}, handlers, hub, deps.RateLimiter, a.logger)

	g.Go(func() error {
		return srv.Start()
	})

	g.Go(func() error {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutCtx)
	})
}
