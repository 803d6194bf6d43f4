package service

import (
	"context"
	"log/slog"
	"time"

	"github.com/natebag/trenchtools/internal/domain"
	"github.com/natebag/trenchtools/internal/events"
)

// PositionReader is the read side of the position store used for snapshots.
type PositionReader interface {
	Get(id string) (domain.Position, error)
	ListActive() []domain.Position
}

// Snapshotter persists position snapshots to the repository. It saves a
// position whenever an event changes its lifecycle or an exit is recorded
// (see Save), and flushes every active position on a fixed interval.
type Snapshotter struct {
	bus      *events.Bus
	store    PositionReader
	repo     domain.PositionRepository
	interval time.Duration
	logger   *slog.Logger
}

// NewSnapshotter creates a Snapshotter. An interval of zero disables the
// periodic flush.
func NewSnapshotter(bus *events.Bus, store PositionReader, repo domain.PositionRepository, interval time.Duration, logger *slog.Logger) *Snapshotter {
	return &Snapshotter{
		bus:      bus,
		store:    store,
		repo:     repo,
		interval: interval,
		logger:   logger.With(slog.String("component", "snapshotter")),
	}
}

// Run saves snapshots until ctx is cancelled, then flushes once more.
func (s *Snapshotter) Run(ctx context.Context) error {
	sub := s.bus.Subscribe(
		domain.EventPositionOpened,
		domain.EventTriggerActivated,
		domain.EventPartialSellRequested,
		domain.EventPositionClosed,
	)
	defer sub.Close()

	var tick <-chan time.Time
	if s.interval > 0 {
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		select {
		case <-ctx.Done():
			s.Flush(context.WithoutCancel(ctx))
			return ctx.Err()
		case ev, ok := <-sub.C:
			if !ok {
				return nil
			}
			s.saveOne(ctx, ev.PositionID)
		case <-tick:
			s.Flush(ctx)
		}
	}
}

// Flush saves every active position and returns how many were written.
func (s *Snapshotter) Flush(ctx context.Context) int {
	n := 0
	for _, p := range s.store.ListActive() {
		if err := s.repo.Save(ctx, p); err != nil {
			s.logger.WarnContext(ctx, "snapshot save failed",
				slog.String("position_id", p.ID),
				slog.String("error", err.Error()),
			)
			continue
		}
		n++
	}
	if n > 0 {
		s.logger.DebugContext(ctx, "snapshots flushed", slog.Int("count", n))
	}
	return n
}

// Save writes p synchronously. It is installed as the exit coordinator's
// exit hook so a recorded sell is durable before the next exit of the same
// position can start.
func (s *Snapshotter) Save(ctx context.Context, p domain.Position) {
	if err := s.repo.Save(context.WithoutCancel(ctx), p); err != nil {
		s.logger.ErrorContext(ctx, "exit snapshot save failed",
			slog.String("position_id", p.ID),
			slog.Int64("remaining", p.RemainingQuantity),
			slog.String("error", err.Error()),
		)
	}
}

func (s *Snapshotter) saveOne(ctx context.Context, id string) {
	p, err := s.store.Get(id)
	if err != nil {
		// Removed between publish and save.
		return
	}
	if err := s.repo.Save(ctx, p); err != nil {
		s.logger.WarnContext(ctx, "snapshot save failed",
			slog.String("position_id", id),
			slog.String("error", err.Error()),
		)
	}
}
