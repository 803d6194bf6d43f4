// Package paper is a simulated execution adapter for dry runs.
package paper

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/natebag/trenchtools/internal/domain"
)

// Adapter fills every sell immediately at the latest cached price, or the
// order's reference price when none is cached, less a fixed slippage.
type Adapter struct {
	prices      domain.PriceCache
	slippageBps int
	latency     time.Duration
	slot        atomic.Uint64
	logger      *slog.Logger
	now         func() time.Time
}

// NewAdapter creates a paper adapter. prices may be nil.
func NewAdapter(prices domain.PriceCache, slippageBps int, latency time.Duration, logger *slog.Logger) *Adapter {
	return &Adapter{
		prices:      prices,
		slippageBps: slippageBps,
		latency:     latency,
		logger:      logger.With(slog.String("component", "paper_adapter")),
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// Execute simulates a fill.
func (a *Adapter) Execute(ctx context.Context, order domain.SellOrder) (domain.SellOutcome, error) {
	if order.Quantity <= 0 {
		return domain.SellOutcome{Success: false, Error: "quantity must be positive"}, nil
	}
	if a.latency > 0 {
		select {
		case <-ctx.Done():
			return domain.SellOutcome{}, fmt.Errorf("paper: sell %s: %w", order.PositionID, ctx.Err())
		case <-time.After(a.latency):
		}
	}

	price := order.ReferencePrice
	if a.prices != nil {
		obs, err := a.prices.GetPrice(ctx, order.AssetID)
		switch {
		case err == nil && obs.Price.IsPositive():
			price = obs.Price
		case err != nil && !errors.Is(err, domain.ErrNotFound):
			a.logger.WarnContext(ctx, "price lookup failed, using reference price",
				slog.String("asset_id", order.AssetID),
				slog.String("error", err.Error()),
			)
		}
	}
	if !price.IsPositive() {
		return domain.SellOutcome{Success: false, Error: "no price available"}, nil
	}

	haircut := decimal.NewFromInt(int64(a.slippageBps)).Div(decimal.NewFromInt(10000))
	executed := price.Mul(decimal.NewFromInt(1).Sub(haircut))
	proceeds := executed.Mul(decimal.NewFromInt(order.Quantity))

	slot := a.slot.Add(1)
	outcome := domain.SellOutcome{
		Success:       true,
		ExecutionRef:  "paper-" + uuid.New().String(),
		QuantitySold:  order.Quantity,
		Proceeds:      proceeds,
		ExecutedPrice: executed,
		CompletedAt:   a.now(),
		Slot:          strconv.FormatUint(slot, 10),
	}
	a.logger.InfoContext(ctx, "paper sell filled",
		slog.String("position_id", order.PositionID),
		slog.String("trigger", string(order.TriggerType)),
		slog.Int64("quantity", order.Quantity),
		slog.String("price", executed.String()),
		slog.String("proceeds", proceeds.String()),
	)
	return outcome, nil
}

var _ domain.ExecutionAdapter = (*Adapter)(nil)
