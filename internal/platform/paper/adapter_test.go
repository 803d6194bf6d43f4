package paper

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/natebag/trenchtools/internal/cache/memory"
	"github.com/natebag/trenchtools/internal/domain"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestAdapter_FillsAtReferencePrice(t *testing.T) {
	a := NewAdapter(nil, 100, 0, discardLogger())

	out, err := a.Execute(context.Background(), domain.SellOrder{
		PositionID:     "p1",
		AssetID:        "A",
		Quantity:       1000,
		ReferencePrice: decimal.RequireFromString("0.002"),
	})
	require.NoError(t, err)
	assert.True(t, out.Success)
	assert.Equal(t, int64(1000), out.QuantitySold)
	assert.True(t, out.ExecutedPrice.Equal(decimal.RequireFromString("0.00198")))
	assert.True(t, out.Proceeds.Equal(decimal.RequireFromString("1.98")))
	assert.Contains(t, out.ExecutionRef, "paper-")
	assert.Equal(t, "1", out.Slot)
}

func TestAdapter_PrefersCachedPrice(t *testing.T) {
	prices := memory.NewPriceCache(0)
	require.NoError(t, prices.SetPrice(context.Background(), domain.PriceObservation{
		AssetID: "A",
		Price:   decimal.RequireFromString("0.004"),
	}))
	a := NewAdapter(prices, 0, 0, discardLogger())

	out, err := a.Execute(context.Background(), domain.SellOrder{
		PositionID:     "p1",
		AssetID:        "A",
		Quantity:       10,
		ReferencePrice: decimal.RequireFromString("0.002"),
	})
	require.NoError(t, err)
	assert.True(t, out.ExecutedPrice.Equal(decimal.RequireFromString("0.004")))
}

func TestAdapter_Failures(t *testing.T) {
	a := NewAdapter(nil, 0, 0, discardLogger())

	out, err := a.Execute(context.Background(), domain.SellOrder{PositionID: "p1", Quantity: 0})
	require.NoError(t, err)
	assert.False(t, out.Success)

	out, err = a.Execute(context.Background(), domain.SellOrder{PositionID: "p1", AssetID: "A", Quantity: 5})
	require.NoError(t, err)
	assert.False(t, out.Success)
	assert.Equal(t, "no price available", out.Error)
}

func TestAdapter_LatencyHonoursContext(t *testing.T) {
	a := NewAdapter(nil, 0, time.Minute, discardLogger())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := a.Execute(ctx, domain.SellOrder{PositionID: "p1", Quantity: 5, ReferencePrice: decimal.NewFromInt(1)})
	assert.ErrorIs(t, err, context.Canceled)
}
