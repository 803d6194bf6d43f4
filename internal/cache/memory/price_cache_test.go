package memory

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/natebag/trenchtools/internal/domain"
)

func TestPriceCache_SetGet(t *testing.T) {
	ctx := context.Background()
	pc := NewPriceCache(0)

	_, err := pc.GetPrice(ctx, "MINT")
	require.ErrorIs(t, err, domain.ErrNotFound)

	obs := domain.PriceObservation{
		AssetID:   "MINT",
		Price:     decimal.RequireFromString("0.0042"),
		Timestamp: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
		Sequence:  77,
	}
	require.NoError(t, pc.SetPrice(ctx, obs))

	got, err := pc.GetPrice(ctx, "MINT")
	require.NoError(t, err)
	assert.True(t, got.Price.Equal(obs.Price))
	assert.Equal(t, uint64(77), got.Sequence)

	prices, err := pc.GetPrices(ctx, []string{"MINT", "OTHER"})
	require.NoError(t, err)
	assert.Len(t, prices, 1)
	assert.True(t, prices["MINT"].Equal(obs.Price))
}

func TestPriceCache_Expiry(t *testing.T) {
	ctx := context.Background()
	pc := NewPriceCache(20 * time.Millisecond)
	require.NoError(t, pc.SetPrice(ctx, domain.PriceObservation{AssetID: "A", Price: decimal.NewFromInt(1)}))

	assert.Eventually(t, func() bool {
		_, err := pc.GetPrice(ctx, "A")
		return err != nil
	}, time.Second, 10*time.Millisecond)
}
