// Package feed pushes price observations from the Redis price channel into
// the trigger evaluator.
package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/natebag/trenchtools/internal/domain"
)

// Evaluator consumes observations and returns the exit requests they fire.
type Evaluator interface {
	Observe(ctx context.Context, obs domain.PriceObservation) []domain.ExitRequest
}

// Submitter queues exit requests for execution.
type Submitter interface {
	SubmitAll(reqs []domain.ExitRequest)
}

// priceEvent is the JSON shape published to the prices channel. Price may be
// a JSON string or number; strings keep full precision.
type priceEvent struct {
	AssetID   string          `json:"asset_id"`
	Price     decimal.Decimal `json:"price"`
	Timestamp string          `json:"timestamp"`
	Sequence  uint64          `json:"sequence"`
	Liquidity decimal.Decimal `json:"liquidity"`
	Volume    decimal.Decimal `json:"volume"`
}

// PriceFeeder subscribes to the prices channel, caches each observation and
// hands it to the evaluator. Fired exit requests go to the submitter.
type PriceFeeder struct {
	bus       domain.SignalBus
	channel   string
	prices    domain.PriceCache
	evaluator Evaluator
	submitter Submitter
	logger    *slog.Logger
}

// NewPriceFeeder creates a PriceFeeder. prices may be nil.
func NewPriceFeeder(
	bus domain.SignalBus,
	channel string,
	prices domain.PriceCache,
	evaluator Evaluator,
	submitter Submitter,
	logger *slog.Logger,
) *PriceFeeder {
	return &PriceFeeder{
		bus:       bus,
		channel:   channel,
		prices:    prices,
		evaluator: evaluator,
		submitter: submitter,
		logger:    logger.With(slog.String("component", "price_feeder")),
	}
}

// Run subscribes to the prices channel and processes messages until ctx is
// cancelled.
func (f *PriceFeeder) Run(ctx context.Context) error {
	ch, err := f.bus.Subscribe(ctx, f.channel)
	if err != nil {
		return fmt.Errorf("feed: subscribe %s: %w", f.channel, err)
	}
	f.logger.Info("price feeder started", slog.String("channel", f.channel))
	defer f.logger.Info("price feeder stopped")

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case data, ok := <-ch:
			if !ok {
				return nil
			}
			if err := f.HandleMessage(ctx, data); err != nil {
				f.logger.Debug("price feeder handle message failed",
					slog.String("error", err.Error()),
					slog.Int("payload_len", len(data)),
				)
			}
		}
	}
}

// HandleMessage decodes one payload and feeds it through.
func (f *PriceFeeder) HandleMessage(ctx context.Context, data []byte) error {
	obs, err := decodeObservation(data)
	if err != nil {
		return err
	}
	f.Push(ctx, obs)
	return nil
}

// Push feeds one observation through the cache, the evaluator and the exit
// queue.
func (f *PriceFeeder) Push(ctx context.Context, obs domain.PriceObservation) {
	if f.prices != nil && obs.AssetID != "" && obs.Price.IsPositive() {
		if err := f.prices.SetPrice(ctx, obs); err != nil {
			f.logger.Warn("price cache update failed",
				slog.String("asset_id", obs.AssetID),
				slog.String("error", err.Error()),
			)
		}
	}
	if reqs := f.evaluator.Observe(ctx, obs); len(reqs) > 0 {
		f.submitter.SubmitAll(reqs)
	}
}

func decodeObservation(data []byte) (domain.PriceObservation, error) {
	var ev priceEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return domain.PriceObservation{}, fmt.Errorf("feed: decode price: %w", err)
	}
	obs := domain.PriceObservation{
		AssetID:   strings.TrimSpace(ev.AssetID),
		Price:     ev.Price,
		Sequence:  ev.Sequence,
		Liquidity: ev.Liquidity,
		Volume:    ev.Volume,
		Timestamp: time.Now().UTC(),
	}
	if ev.Timestamp != "" {
		if t, err := time.Parse(time.RFC3339Nano, ev.Timestamp); err == nil {
			obs.Timestamp = t.UTC()
		}
	}
	return obs, nil
}
