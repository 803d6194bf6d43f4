package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/natebag/trenchtools/internal/domain"
	"github.com/natebag/trenchtools/internal/metrics"
	"github.com/natebag/trenchtools/internal/syncx"
)

// PositionStore is the part of the position store the coordinator may use.
// Apart from recording a manual trigger it only moves quantity, status and
// the exit list.
type PositionStore interface {
	Get(id string) (domain.Position, error)
	FireTrigger(id string, t domain.ActiveTrigger) (bool, error)
	BeginExit(id string, fraction decimal.Decimal) (domain.PositionStatus, domain.Position, error)
	CompleteExit(id string, triggerType domain.TriggerType, rec domain.ExitRecord) (domain.Position, error)
	AbortExit(id string, prior domain.PositionStatus) error
	AdoptExits(id string, remote domain.Position) (bool, error)
}

// SharedState is the durable position record every engine process writes
// exits to.
type SharedState interface {
	GetByID(ctx context.Context, id string) (domain.Position, error)
}

// Publisher receives engine events.
type Publisher interface {
	Publish(ev domain.Event)
}

var fullFraction = decimal.NewFromInt(1)

// Coordinator is the only caller of the execution adapter. Every exit for a
// position runs under that position's lock for the whole round trip.
type Coordinator struct {
	store       PositionStore
	adapter     domain.ExecutionAdapter
	adapterName string
	bus         Publisher
	locks       *syncx.KeyedMutex
	distLock    domain.LockManager
	lockTTL     time.Duration
	shared      SharedState
	onExit      func(context.Context, domain.Position)
	logger      *slog.Logger
	now         func() time.Time
}

// NewCoordinator creates a Coordinator. adapterName labels metrics.
func NewCoordinator(
	store PositionStore,
	adapter domain.ExecutionAdapter,
	adapterName string,
	bus Publisher,
	logger *slog.Logger,
) *Coordinator {
	return &Coordinator{
		store:       store,
		adapter:     adapter,
		adapterName: adapterName,
		bus:         bus,
		locks:       syncx.NewKeyedMutex(),
		logger:      logger.With(slog.String("component", "exit_coordinator")),
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// SetDistributedLock makes every exit also hold a lock in lm for ttl, so
// several engine processes never sell the same position at once.
func (c *Coordinator) SetDistributedLock(lm domain.LockManager, ttl time.Duration) {
	c.distLock = lm
	c.lockTTL = ttl
}

// SetSharedState makes every exit that holds the distributed lock first adopt
// exits other processes recorded in st, so a replica never sells from a stale
// local copy.
func (c *Coordinator) SetSharedState(st SharedState) {
	c.shared = st
}

// OnExit installs fn to receive the updated position after every recorded
// exit, partial or full. fn runs before the position lock is released. Must
// be called before any exit runs.
func (c *Coordinator) OnExit(fn func(ctx context.Context, pos domain.Position)) {
	c.onExit = fn
}

// ExecuteTrigger performs the full exit for a fired trigger. It is also the
// entry point for retrying after an ExecutionError.
func (c *Coordinator) ExecuteTrigger(ctx context.Context, positionID string, triggerType domain.TriggerType) (domain.Position, error) {
	unlock, err := c.lock(ctx, positionID)
	if err != nil {
		return domain.Position{}, err
	}
	defer unlock()

	pos, err := c.store.Get(positionID)
	if err != nil {
		return domain.Position{}, fmt.Errorf("executor: execute trigger: %w", err)
	}
	if !pos.IsActive() {
		return domain.Position{}, fmt.Errorf("executor: execute trigger %s: %w", positionID, domain.ErrPositionClosed)
	}
	tr, ok := pos.Trigger(triggerType)
	if !ok || !tr.Fired {
		return domain.Position{}, fmt.Errorf("executor: execute trigger %s/%s: %w", positionID, triggerType, domain.ErrTriggerNotFired)
	}
	if tr.Executed {
		return domain.Position{}, fmt.Errorf("executor: execute trigger %s/%s: %w", positionID, triggerType, domain.ErrTriggerExecuted)
	}
	return c.exit(ctx, positionID, triggerType, fullFraction)
}

// ExecutePartial sells level.Fraction of the remaining quantity. It is
// dropped when a full-exit trigger is outstanding or the level's fraction has
// already been exited.
func (c *Coordinator) ExecutePartial(ctx context.Context, positionID string, level domain.PartialLevel) (domain.Position, error) {
	unlock, err := c.lock(ctx, positionID)
	if err != nil {
		return domain.Position{}, err
	}
	defer unlock()

	pos, err := c.store.Get(positionID)
	if err != nil {
		return domain.Position{}, fmt.Errorf("executor: execute partial: %w", err)
	}
	if !pos.IsActive() {
		return domain.Position{}, fmt.Errorf("executor: execute partial %s: %w", positionID, domain.ErrPositionClosed)
	}
	if pos.PendingFullExit() {
		metrics.Exits.WithLabelValues(string(domain.TriggerPartialSell), "skipped").Inc()
		return domain.Position{}, fmt.Errorf("executor: execute partial %s: %w", positionID, domain.ErrExitSuperseded)
	}
	if pos.HasExitFraction(level.Fraction) {
		metrics.Exits.WithLabelValues(string(domain.TriggerPartialSell), "skipped").Inc()
		return domain.Position{}, fmt.Errorf("executor: execute partial %s: %w", positionID, domain.ErrExitAlreadyTaken)
	}
	return c.exit(ctx, positionID, domain.TriggerPartialSell, level.Fraction)
}

// ManualSell fires a manual trigger and sells the whole remaining quantity.
// An unexecuted manual trigger from an earlier failed attempt is reused.
func (c *Coordinator) ManualSell(ctx context.Context, positionID string) (domain.Position, error) {
	return c.manual(ctx, positionID, false)
}

// EmergencyExit is ManualSell for urgent full liquidation.
func (c *Coordinator) EmergencyExit(ctx context.Context, positionID string) (domain.Position, error) {
	return c.manual(ctx, positionID, true)
}

func (c *Coordinator) manual(ctx context.Context, positionID string, emergency bool) (domain.Position, error) {
	unlock, err := c.lock(ctx, positionID)
	if err != nil {
		return domain.Position{}, err
	}
	defer unlock()

	pos, err := c.store.Get(positionID)
	if err != nil {
		return domain.Position{}, fmt.Errorf("executor: manual sell: %w", err)
	}
	if !pos.IsActive() {
		return domain.Position{}, fmt.Errorf("executor: manual sell %s: %w", positionID, domain.ErrPositionClosed)
	}

	if emergency {
		c.logger.WarnContext(ctx, "emergency exit requested", slog.String("position_id", positionID))
	}

	price := pos.PeakPrice
	at := domain.ActiveTrigger{Type: domain.TriggerManual, Price: price, Fired: true, FiredAt: c.now()}
	fired, err := c.store.FireTrigger(positionID, at)
	if err != nil {
		return domain.Position{}, fmt.Errorf("executor: manual sell: %w", err)
	}
	if fired {
		c.bus.Publish(domain.Event{
			Kind:        domain.EventTriggerActivated,
			PositionID:  pos.ID,
			AssetID:     pos.AssetID,
			TriggerType: domain.TriggerManual,
			Data: map[string]any{
				"price":     price.String(),
				"emergency": emergency,
			},
			Timestamp: at.FiredAt,
		})
	}
	return c.exit(ctx, positionID, domain.TriggerManual, fullFraction)
}

// lock takes the in-process position lock and, when configured, the
// distributed one.
func (c *Coordinator) lock(ctx context.Context, positionID string) (func(), error) {
	unlock := c.locks.Lock(positionID)
	if c.distLock == nil {
		return unlock, nil
	}
	release, err := c.distLock.Acquire(ctx, "exit:"+positionID, c.lockTTL)
	if err != nil {
		unlock()
		return nil, fmt.Errorf("executor: lock %s: %w", positionID, err)
	}
	c.refresh(ctx, positionID)
	return func() {
		release()
		unlock()
	}, nil
}

// refresh adopts exits recorded by other processes. A failed read leaves the
// local copy in charge.
func (c *Coordinator) refresh(ctx context.Context, positionID string) {
	if c.shared == nil {
		return
	}
	remote, err := c.shared.GetByID(ctx, positionID)
	if err != nil {
		if !errors.Is(err, domain.ErrNotFound) {
			c.logger.WarnContext(ctx, "shared state read failed",
				slog.String("position_id", positionID),
				slog.String("error", err.Error()),
			)
		}
		return
	}
	adopted, err := c.store.AdoptExits(positionID, remote)
	if err != nil {
		c.logger.WarnContext(ctx, "adopt exits failed",
			slog.String("position_id", positionID),
			slog.String("error", err.Error()),
		)
		return
	}
	if adopted {
		c.logger.InfoContext(ctx, "adopted exits recorded elsewhere",
			slog.String("position_id", positionID),
			slog.Int("exit_count", len(remote.Exits)),
			slog.Int64("remaining", remote.RemainingQuantity),
		)
	}
}

// exit runs one SellOrder round trip. The caller holds the position lock.
func (c *Coordinator) exit(ctx context.Context, positionID string, triggerType domain.TriggerType, fraction decimal.Decimal) (domain.Position, error) {
	log := c.logger.With(
		slog.String("position_id", positionID),
		slog.String("trigger", string(triggerType)),
		slog.String("fraction", fraction.String()),
	)

	prior, pos, err := c.store.BeginExit(positionID, fraction)
	if err != nil {
		return domain.Position{}, fmt.Errorf("executor: begin exit: %w", err)
	}

	qty := pos.RemainingQuantity
	if fraction.LessThan(fullFraction) {
		qty = decimal.NewFromInt(pos.RemainingQuantity).Mul(fraction).Floor().IntPart()
	}
	if qty <= 0 {
		if err := c.store.AbortExit(positionID, prior); err != nil {
			log.ErrorContext(ctx, "abort exit failed", slog.String("error", err.Error()))
		}
		metrics.Exits.WithLabelValues(string(triggerType), "skipped").Inc()
		return domain.Position{}, fmt.Errorf("executor: exit %s: %w", positionID, domain.ErrNothingToSell)
	}

	order := domain.SellOrder{
		PositionID:       pos.ID,
		AssetID:          pos.AssetID,
		Quantity:         qty,
		TriggerType:      triggerType,
		ReferencePrice:   pos.PeakPrice,
		ExpectedProceeds: decimal.NewFromInt(qty).Mul(pos.PeakPrice),
		SlippageBps:      pos.Policy.Execution.SlippageBps,
		PriorityFee:      pos.Policy.Execution.PriorityFee,
		TipFee:           pos.Policy.Execution.TipFee,
	}

	log.InfoContext(ctx, "submitting sell order",
		slog.Int64("quantity", qty),
		slog.String("reference_price", order.ReferencePrice.String()),
	)

	start := time.Now()
	outcome, execErr := c.adapter.Execute(ctx, order)
	metrics.ExecutionLatency.WithLabelValues(c.adapterName).Observe(float64(time.Since(start).Milliseconds()))

	if execErr == nil && !outcome.Success {
		msg := outcome.Error
		if msg == "" {
			msg = "adapter reported failure"
		}
		execErr = fmt.Errorf("%w: %s", domain.ErrExecutionRejected, msg)
	}
	if execErr == nil && outcome.QuantitySold <= 0 {
		execErr = fmt.Errorf("%w: adapter reported success with no quantity sold", domain.ErrExecutionRejected)
	}
	if execErr != nil {
		if err := c.store.AbortExit(positionID, prior); err != nil {
			log.ErrorContext(ctx, "abort exit failed", slog.String("error", err.Error()))
		}
		metrics.Exits.WithLabelValues(string(triggerType), "failed").Inc()
		log.ErrorContext(ctx, "sell execution failed", slog.String("error", execErr.Error()))
		return domain.Position{}, &domain.ExecutionError{
			PositionID:  positionID,
			TriggerType: triggerType,
			Err:         execErr,
		}
	}

	if outcome.QuantitySold > pos.RemainingQuantity {
		log.WarnContext(ctx, "adapter sold more than remaining, clamping",
			slog.Int64("quantity_sold", outcome.QuantitySold),
			slog.Int64("remaining", pos.RemainingQuantity),
		)
	}

	multiplier := outcome.Multiplier
	if multiplier.IsZero() {
		multiplier = pos.Multiplier(outcome.ExecutedPrice)
	}
	completedAt := outcome.CompletedAt
	if completedAt.IsZero() {
		completedAt = c.now()
	}
	rec := domain.ExitRecord{
		TriggerType:   triggerType,
		Timestamp:     completedAt,
		ExecutionRef:  outcome.ExecutionRef,
		Slot:          outcome.Slot,
		ExecutedPrice: outcome.ExecutedPrice,
		Multiplier:    multiplier,
		TokensSold:    outcome.QuantitySold,
		Proceeds:      outcome.Proceeds,
		Fraction:      fraction,
	}
	if !fraction.LessThan(fullFraction) && outcome.QuantitySold < pos.RemainingQuantity {
		// Short fill on a full exit: record what was actually sold.
		rec.Fraction = decimal.NewFromInt(outcome.QuantitySold).Div(decimal.NewFromInt(pos.RemainingQuantity))
		log.WarnContext(ctx, "full exit filled short",
			slog.Int64("quantity_sold", outcome.QuantitySold),
			slog.Int64("remaining", pos.RemainingQuantity),
		)
	}

	updated, err := c.store.CompleteExit(positionID, triggerType, rec)
	if err != nil {
		// The sell went through but could not be recorded; surface it loudly.
		log.ErrorContext(ctx, "complete exit failed after successful sell",
			slog.String("execution_ref", outcome.ExecutionRef),
			slog.String("error", err.Error()),
		)
		return domain.Position{}, fmt.Errorf("executor: complete exit: %w", err)
	}
	metrics.Exits.WithLabelValues(string(triggerType), "success").Inc()
	if c.onExit != nil {
		c.onExit(ctx, updated.Clone())
	}

	log.InfoContext(ctx, "sell executed",
		slog.String("execution_ref", outcome.ExecutionRef),
		slog.Int64("quantity_sold", rec.TokensSold),
		slog.String("proceeds", outcome.Proceeds.String()),
		slog.Int64("remaining", updated.RemainingQuantity),
		slog.String("status", string(updated.Status)),
	)

	if updated.Status == domain.PositionStatusClosed {
		c.bus.Publish(domain.Event{
			Kind:        domain.EventPositionClosed,
			PositionID:  updated.ID,
			AssetID:     updated.AssetID,
			TriggerType: triggerType,
			Data: map[string]any{
				"exit_count":     len(updated.Exits),
				"total_proceeds": updated.TotalProceeds().String(),
				"entry_cost":     updated.EntryCost.String(),
			},
			Timestamp: completedAt,
		})
	}
	return updated, nil
}

// Handle dispatches an exit request from the worker queue.
func (c *Coordinator) Handle(ctx context.Context, req domain.ExitRequest) error {
	var err error
	switch req.Kind {
	case domain.ExitKindPartial:
		if req.Level == nil {
			return fmt.Errorf("executor: partial request for %s without level", req.PositionID)
		}
		_, err = c.ExecutePartial(ctx, req.PositionID, *req.Level)
	default:
		_, err = c.ExecuteTrigger(ctx, req.PositionID, req.TriggerType)
	}
	return err
}

// IsSkip reports whether err means the request no longer applies rather than
// that something went wrong.
func IsSkip(err error) bool {
	return errors.Is(err, domain.ErrPositionClosed) ||
		errors.Is(err, domain.ErrExitSuperseded) ||
		errors.Is(err, domain.ErrExitAlreadyTaken) ||
		errors.Is(err, domain.ErrTriggerExecuted) ||
		errors.Is(err, domain.ErrNothingToSell)
}
