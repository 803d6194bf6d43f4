// Package service composes the engine components into the operations exposed
// to the HTTP API and the background jobs.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/natebag/trenchtools/internal/domain"
	"github.com/natebag/trenchtools/internal/executor"
	"github.com/natebag/trenchtools/internal/metrics"
	"github.com/natebag/trenchtools/internal/position"
	"github.com/natebag/trenchtools/internal/trigger"
)

// HistoryView is the rolling price history of a position with its summary
// statistics.
type HistoryView struct {
	PositionID      string              `json:"position_id"`
	Points          []domain.PricePoint `json:"points"`
	Average         decimal.Decimal     `json:"average"`
	Volatility      float64             `json:"volatility"`
	DropFromAverage decimal.Decimal     `json:"drop_from_average"`
}

// PositionService is the operator-facing facade over the position store, the
// trigger evaluator and the exit coordinator.
type PositionService struct {
	store     *position.Store
	source    *position.Source
	evaluator *trigger.Evaluator
	coord     *executor.Coordinator
	repo      domain.PositionRepository
	logger    *slog.Logger
}

// NewPositionService creates a PositionService. repo may be nil when no
// database is configured.
func NewPositionService(
	store *position.Store,
	source *position.Source,
	evaluator *trigger.Evaluator,
	coord *executor.Coordinator,
	repo domain.PositionRepository,
	logger *slog.Logger,
) *PositionService {
	return &PositionService{
		store:     store,
		source:    source,
		evaluator: evaluator,
		coord:     coord,
		repo:      repo,
		logger:    logger.With(slog.String("component", "position_service")),
	}
}

// List returns positions filtered by status: "active", "closed", or empty
// for all.
func (s *PositionService) List(status string) ([]domain.Position, error) {
	switch status {
	case "", "all":
		return s.store.List(), nil
	case "active":
		return s.store.ListActive(), nil
	case "closed":
		return s.store.ListClosed(), nil
	}
	return nil, fmt.Errorf("position_service: unknown status filter %q", status)
}

// Get returns one position.
func (s *PositionService) Get(id string) (domain.Position, error) {
	return s.store.Get(id)
}

// Stats returns aggregate counts and sums and refreshes the position gauges.
func (s *PositionService) Stats() position.Stats {
	st := s.store.Stats()
	metrics.Positions.WithLabelValues(string(domain.PositionStatusOpen)).Set(float64(st.Open))
	metrics.Positions.WithLabelValues(string(domain.PositionStatusPartial)).Set(float64(st.Partial))
	metrics.Positions.WithLabelValues(string(domain.PositionStatusClosed)).Set(float64(st.Closed))
	return st
}

// History returns the rolling price history of a position.
func (s *PositionService) History(id string) (HistoryView, error) {
	if _, err := s.store.Get(id); err != nil {
		return HistoryView{}, err
	}
	h := s.evaluator.History()
	return HistoryView{
		PositionID:      id,
		Points:          h.Get(id),
		Average:         h.Average(id),
		Volatility:      h.Volatility(id),
		DropFromAverage: h.DropFromAverage(id),
	}, nil
}

// OpenManual registers an operator-supplied position.
func (s *PositionService) OpenManual(ctx context.Context, entry position.ManualEntry) (domain.Position, error) {
	return s.source.OpenManual(ctx, entry)
}

// OpenFromAcquisition registers a position for a completed buy.
func (s *PositionService) OpenFromAcquisition(ctx context.Context, acq position.Acquisition) (domain.Position, error) {
	return s.source.OpenFromAcquisition(ctx, acq)
}

// ManualSell sells the whole remaining quantity of a position.
func (s *PositionService) ManualSell(ctx context.Context, id string) (domain.Position, error) {
	return s.coord.ManualSell(ctx, id)
}

// EmergencyExit liquidates a position immediately.
func (s *PositionService) EmergencyExit(ctx context.Context, id string) (domain.Position, error) {
	return s.coord.EmergencyExit(ctx, id)
}

// RetryTrigger re-runs the exit for a fired but unexecuted trigger.
func (s *PositionService) RetryTrigger(ctx context.Context, id string, tt domain.TriggerType) (domain.Position, error) {
	if !tt.Valid() || tt == domain.TriggerPartialSell {
		return domain.Position{}, fmt.Errorf("position_service: retry %s: %w %q", id, domain.ErrInvalidTrigger, tt)
	}
	return s.coord.ExecuteTrigger(ctx, id, tt)
}

// UpdatePolicy applies overrides to a position's current policy.
func (s *PositionService) UpdatePolicy(ctx context.Context, id string, overrides domain.PolicyOverrides) (domain.Position, error) {
	pos, err := s.store.Get(id)
	if err != nil {
		return domain.Position{}, err
	}
	if err := s.store.ReplacePolicy(id, overrides.Apply(pos.Policy)); err != nil {
		return domain.Position{}, err
	}
	updated, err := s.store.Get(id)
	if err != nil {
		return domain.Position{}, err
	}
	s.save(ctx, updated)
	s.logger.InfoContext(ctx, "exit policy replaced", slog.String("position_id", id))
	return updated, nil
}

// Remove deletes a position from the engine and, when configured, from the
// database.
func (s *PositionService) Remove(ctx context.Context, id string) error {
	if err := s.store.Remove(id); err != nil {
		return err
	}
	s.evaluator.History().Forget(id)
	if s.repo != nil {
		if err := s.repo.Delete(ctx, id); err != nil && !errors.Is(err, domain.ErrNotFound) {
			return fmt.Errorf("position_service: remove %s: %w", id, err)
		}
	}
	s.logger.InfoContext(ctx, "position removed", slog.String("position_id", id))
	return nil
}

// Pause stops trigger evaluation.
func (s *PositionService) Pause() { s.evaluator.Pause() }

// Resume re-enables trigger evaluation.
func (s *PositionService) Resume() { s.evaluator.Resume() }

// Paused reports whether trigger evaluation is paused.
func (s *PositionService) Paused() bool { return s.evaluator.Paused() }

// Restore loads every non-closed position from the database into the store.
func (s *PositionService) Restore(ctx context.Context) (int, error) {
	if s.repo == nil {
		return 0, nil
	}
	positions, err := s.repo.ListActive(ctx)
	if err != nil {
		return 0, fmt.Errorf("position_service: restore: %w", err)
	}
	n := 0
	for _, p := range positions {
		if err := s.store.Restore(p); err != nil {
			s.logger.WarnContext(ctx, "skipping unrestorable position",
				slog.String("position_id", p.ID),
				slog.String("error", err.Error()),
			)
			continue
		}
		n++
	}
	s.logger.InfoContext(ctx, "positions restored", slog.Int("count", n))
	return n, nil
}

// ListClosedBetween returns closed positions whose ClosedAt is in
// [from, before). The database is the source when configured, since closed
// positions are not restored into memory. A zero from means no lower bound.
func (s *PositionService) ListClosedBetween(ctx context.Context, from, before time.Time) ([]domain.Position, error) {
	if s.repo != nil {
		opts := domain.ListOpts{Until: &before}
		if !from.IsZero() {
			opts.Since = &from
		}
		positions, err := s.repo.ListClosed(ctx, opts)
		if err != nil {
			return nil, fmt.Errorf("position_service: list closed: %w", err)
		}
		return positions, nil
	}

	var out []domain.Position
	for _, p := range s.store.ListClosed() {
		if p.ClosedAt == nil || p.ClosedAt.Before(from) || !p.ClosedAt.Before(before) {
			continue
		}
		out = append(out, p)
	}
	return out, nil
}

// Purge drops an archived position from memory and the database. Missing
// records are not an error.
func (s *PositionService) Purge(ctx context.Context, id string) error {
	if err := s.store.Remove(id); err != nil && !errors.Is(err, domain.ErrNotFound) {
		return err
	}
	s.evaluator.History().Forget(id)
	if s.repo != nil {
		if err := s.repo.Delete(ctx, id); err != nil && !errors.Is(err, domain.ErrNotFound) {
			return fmt.Errorf("position_service: purge %s: %w", id, err)
		}
	}
	return nil
}

func (s *PositionService) save(ctx context.Context, p domain.Position) {
	if s.repo == nil {
		return
	}
	if err := s.repo.Save(ctx, p); err != nil {
		s.logger.WarnContext(ctx, "position snapshot save failed",
			slog.String("position_id", p.ID),
			slog.String("error", err.Error()),
		)
	}
}
