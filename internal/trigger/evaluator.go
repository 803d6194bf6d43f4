// Package trigger turns price observations into peak updates, fired exit
// triggers and partial-sell ladder requests.
package trigger

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"

	"github.com/natebag/trenchtools/internal/domain"
	"github.com/natebag/trenchtools/internal/metrics"
	"github.com/natebag/trenchtools/internal/syncx"
)

// trailingArmMultiplier is the peak multiplier the trailing stop must exceed
// before it can fire.
var trailingArmMultiplier = decimal.RequireFromString("1.5")

// PositionStore is the part of the position store the evaluator may use. It
// can only move peak fields and record fired triggers.
type PositionStore interface {
	Get(id string) (domain.Position, error)
	GetActiveByAsset(assetID string) (domain.Position, error)
	ApplyPeak(id string, price, multiplier decimal.Decimal) (bool, error)
	FireTrigger(id string, t domain.ActiveTrigger) (bool, error)
}

// Publisher receives engine events.
type Publisher interface {
	Publish(ev domain.Event)
}

// InFlight reports whether an exit request with the given key is already
// queued or executing.
type InFlight interface {
	Contains(key string) bool
}

// Evaluator applies the exit rules to each observation. Observations for the
// same position are evaluated one at a time.
type Evaluator struct {
	store    PositionStore
	bus      Publisher
	history  *History
	inflight InFlight
	locks    *syncx.KeyedMutex
	paused   atomic.Bool
	logger   *slog.Logger
	now      func() time.Time
}

// NewEvaluator creates an Evaluator.
func NewEvaluator(store PositionStore, bus Publisher, history *History, logger *slog.Logger) *Evaluator {
	if history == nil {
		history = NewHistory(DefaultHistoryCapacity)
	}
	return &Evaluator{
		store:   store,
		bus:     bus,
		history: history,
		locks:   syncx.NewKeyedMutex(),
		logger:  logger.With(slog.String("component", "trigger_evaluator")),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// SetInFlight installs the in-flight check used to hold back ladder requests
// that are already queued. Must be called before Observe.
func (e *Evaluator) SetInFlight(f InFlight) {
	e.inflight = f
}

// History returns the rolling price history.
func (e *Evaluator) History() *History {
	return e.history
}

// Pause stops trigger evaluation. Peak tracking and history continue.
func (e *Evaluator) Pause() {
	if !e.paused.Swap(true) {
		e.logger.Warn("trigger evaluation paused")
	}
}

// Resume re-enables trigger evaluation.
func (e *Evaluator) Resume() {
	if e.paused.Swap(false) {
		e.logger.Info("trigger evaluation resumed")
	}
}

// Paused reports whether trigger evaluation is paused.
func (e *Evaluator) Paused() bool {
	return e.paused.Load()
}

// Observe evaluates one price observation and returns the exit requests it
// produced. Observations for unknown assets or closed positions are ignored.
func (e *Evaluator) Observe(ctx context.Context, obs domain.PriceObservation) []domain.ExitRequest {
	if obs.AssetID == "" || !obs.Price.IsPositive() {
		metrics.ObservationsProcessed.WithLabelValues("malformed").Inc()
		e.logger.DebugContext(ctx, "malformed observation ignored",
			slog.String("asset_id", obs.AssetID),
			slog.String("price", obs.Price.String()),
		)
		return nil
	}

	active, err := e.store.GetActiveByAsset(obs.AssetID)
	if err != nil {
		if !errors.Is(err, domain.ErrNotFound) {
			e.logger.WarnContext(ctx, "position lookup failed", slog.String("error", err.Error()))
		}
		metrics.ObservationsProcessed.WithLabelValues("ignored").Inc()
		return nil
	}

	unlock := e.locks.Lock(active.ID)
	defer unlock()

	// Peak and triggers may have moved while waiting for the lock.
	pos, err := e.store.Get(active.ID)
	if err != nil || !pos.IsActive() {
		metrics.ObservationsProcessed.WithLabelValues("ignored").Inc()
		return nil
	}

	if obs.Timestamp.IsZero() {
		obs.Timestamp = e.now()
	}
	log := e.logger.With(
		slog.String("position_id", pos.ID),
		slog.String("asset_id", pos.AssetID),
	)

	multiplier := pos.Multiplier(obs.Price)
	if multiplier.GreaterThan(pos.PeakMultiplier) {
		updated, err := e.store.ApplyPeak(pos.ID, obs.Price, multiplier)
		if err != nil {
			log.WarnContext(ctx, "apply peak failed", slog.String("error", err.Error()))
			return nil
		}
		if updated {
			previous := pos.PeakMultiplier
			pos.PeakPrice = obs.Price
			pos.PeakMultiplier = multiplier
			e.bus.Publish(domain.Event{
				Kind:       domain.EventPeakUpdated,
				PositionID: pos.ID,
				AssetID:    pos.AssetID,
				Data: map[string]any{
					"peak_price":          obs.Price.String(),
					"peak_multiplier":     multiplier.String(),
					"previous_multiplier": previous.String(),
				},
				Timestamp: obs.Timestamp,
			})
		}
	}

	e.history.Record(pos.ID, domain.PricePoint{
		Price:      obs.Price,
		Multiplier: multiplier,
		Time:       obs.Timestamp,
		Sequence:   obs.Sequence,
	})

	if e.Paused() {
		metrics.ObservationsProcessed.WithLabelValues("paused").Inc()
		return nil
	}
	metrics.ObservationsProcessed.WithLabelValues("evaluated").Inc()

	var requests []domain.ExitRequest
	fire := func(tt domain.TriggerType) {
		if _, exists := pos.Trigger(tt); exists {
			return
		}
		at := domain.ActiveTrigger{Type: tt, Price: obs.Price, Fired: true, FiredAt: obs.Timestamp}
		fired, err := e.store.FireTrigger(pos.ID, at)
		if err != nil {
			log.WarnContext(ctx, "fire trigger failed",
				slog.String("trigger", string(tt)),
				slog.String("error", err.Error()),
			)
			return
		}
		if !fired {
			return
		}
		pos.Triggers = append(pos.Triggers, at)
		metrics.TriggersFired.WithLabelValues(string(tt)).Inc()
		log.InfoContext(ctx, "trigger fired",
			slog.String("trigger", string(tt)),
			slog.String("price", obs.Price.String()),
			slog.String("multiplier", multiplier.String()),
		)
		e.bus.Publish(domain.Event{
			Kind:        domain.EventTriggerActivated,
			PositionID:  pos.ID,
			AssetID:     pos.AssetID,
			TriggerType: tt,
			Data: map[string]any{
				"price":      obs.Price.String(),
				"multiplier": multiplier.String(),
			},
			Timestamp: obs.Timestamp,
		})
		requests = append(requests, domain.ExitRequest{
			PositionID:  pos.ID,
			AssetID:     pos.AssetID,
			Kind:        domain.ExitKindFull,
			TriggerType: tt,
			Price:       obs.Price,
			CreatedAt:   obs.Timestamp,
		})
	}

	policy := pos.Policy
	one := decimal.NewFromInt(1)

	if multiplier.GreaterThanOrEqual(policy.TakeProfitMultiplier) {
		fire(domain.TriggerTakeProfit)
	}
	if multiplier.LessThanOrEqual(one.Sub(policy.StopLossPercent)) {
		fire(domain.TriggerStopLoss)
	}
	if policy.TrailingStopEnabled && pos.PeakMultiplier.GreaterThan(trailingArmMultiplier) && pos.PeakPrice.IsPositive() {
		drop := pos.PeakPrice.Sub(obs.Price).Div(pos.PeakPrice)
		if drop.GreaterThanOrEqual(policy.TrailingStopPercent) {
			fire(domain.TriggerTrailingStop)
		}
	}
	if policy.TimeBasedEnabled {
		limit := time.Duration(policy.TimeLimitMinutes) * time.Minute
		if obs.Timestamp.Sub(pos.OpenedAt) >= limit {
			fire(domain.TriggerTimeBased)
		}
	}

	if policy.PartialSellEnabled && !pos.PendingFullExit() {
		for _, lvl := range policy.PartialLevels {
			if multiplier.LessThan(lvl.Multiplier) || pos.HasExitFraction(lvl.Fraction) {
				continue
			}
			level := lvl
			req := domain.ExitRequest{
				PositionID:  pos.ID,
				AssetID:     pos.AssetID,
				Kind:        domain.ExitKindPartial,
				TriggerType: domain.TriggerPartialSell,
				Price:       obs.Price,
				Level:       &level,
				CreatedAt:   obs.Timestamp,
			}
			if e.inflight != nil && e.inflight.Contains(req.Key()) {
				continue
			}
			metrics.PartialRequests.Inc()
			log.InfoContext(ctx, "partial sell requested",
				slog.String("level_multiplier", lvl.Multiplier.String()),
				slog.String("fraction", lvl.Fraction.String()),
			)
			e.bus.Publish(domain.Event{
				Kind:        domain.EventPartialSellRequested,
				PositionID:  pos.ID,
				AssetID:     pos.AssetID,
				TriggerType: domain.TriggerPartialSell,
				Data: map[string]any{
					"level_multiplier": lvl.Multiplier.String(),
					"fraction":         lvl.Fraction.String(),
					"price":            obs.Price.String(),
					"multiplier":       multiplier.String(),
				},
				Timestamp: obs.Timestamp,
			})
			requests = append(requests, req)
		}
	}

	return requests
}
