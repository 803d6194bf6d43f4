package app

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/natebag/trenchtools/internal/cache/redis"
	"github.com/natebag/trenchtools/internal/config"
	"github.com/natebag/trenchtools/internal/domain"
	"github.com/natebag/trenchtools/internal/events"
	"github.com/natebag/trenchtools/internal/executor"
	"github.com/natebag/trenchtools/internal/feed"
	"github.com/natebag/trenchtools/internal/platform/paper"
	"github.com/natebag/trenchtools/internal/platform/swapapi"
	"github.com/natebag/trenchtools/internal/position"
	"github.com/natebag/trenchtools/internal/service"
	"github.com/natebag/trenchtools/internal/trigger"
)

// Engine holds the in-process exit engine components.
type Engine struct {
	Bus       *events.Bus
	Store     *position.Store
	Source    *position.Source
	Evaluator *trigger.Evaluator
	Coord     *executor.Coordinator
	Worker    *executor.Worker
	Positions *service.PositionService
	Feeder    *feed.PriceFeeder
	Snapshots *service.Snapshotter
	Adapter   string
}

// BuildEngine assembles the engine on top of deps. forcePaper selects the
// simulated adapter regardless of configuration.
func BuildEngine(cfg *config.Config, deps *Dependencies, forcePaper bool, logger *slog.Logger) (*Engine, error) {
	defaults := cfg.Policy.ExitPolicy()
	if err := defaults.Validate(); err != nil {
		return nil, fmt.Errorf("app: default policy: %w", err)
	}

	adapter, adapterName, err := buildAdapter(cfg, deps, forcePaper, logger)
	if err != nil {
		return nil, err
	}

	bus := events.NewBus(logger)
	store := position.NewStore()
	source := position.NewSource(store, bus, defaults, logger)
	evaluator := trigger.NewEvaluator(store, bus, trigger.NewHistory(cfg.Engine.HistoryCapacity), logger)

	coord := executor.NewCoordinator(store, adapter, adapterName, bus, logger)
	if cfg.Executor.DistributedLock && deps.LockManager != nil {
		coord.SetDistributedLock(deps.LockManager, cfg.Executor.LockTTL.Duration)
		if deps.PositionRepo != nil {
			coord.SetSharedState(deps.PositionRepo)
		}
	}
	worker := executor.NewWorker(coord, cfg.Executor.QueueSize, cfg.Executor.Workers, cfg.Executor.DedupTTL.Duration, logger)
	evaluator.SetInFlight(worker)

	var snapshots *service.Snapshotter
	if deps.PositionRepo != nil {
		snapshots = service.NewSnapshotter(bus, store, deps.PositionRepo, cfg.Engine.SnapshotInterval.Duration, logger)
		coord.OnExit(snapshots.Save)
	}

	positions := service.NewPositionService(store, source, evaluator, coord, deps.PositionRepo, logger)
	feeder := feed.NewPriceFeeder(deps.SignalBus, redis.ChannelPrices, deps.PriceCache, evaluator, worker, logger)

	return &Engine{
		Bus:       bus,
		Store:     store,
		Source:    source,
		Evaluator: evaluator,
		Coord:     coord,
		Worker:    worker,
		Positions: positions,
		Feeder:    feeder,
		Snapshots: snapshots,
		Adapter:   adapterName,
	}, nil
}

func buildAdapter(cfg *config.Config, deps *Dependencies, forcePaper bool, logger *slog.Logger) (domain.ExecutionAdapter, string, error) {
	name := strings.ToLower(cfg.Executor.Adapter)
	if forcePaper {
		name = "paper"
	}
	switch name {
	case "paper":
		return paper.NewAdapter(deps.PriceCache, cfg.Paper.SlippageBps, cfg.Paper.Latency.Duration, logger), "paper", nil
	case "http":
		client := swapapi.NewClient(cfg.SwapAPI.BaseURL, cfg.SwapAPI.APIKey, cfg.SwapAPI.Timeout.Duration, logger)
		deps.Health["swap_api"] = client
		return client, "http", nil
	}
	return nil, "", fmt.Errorf("app: unknown execution adapter %q", cfg.Executor.Adapter)
}
