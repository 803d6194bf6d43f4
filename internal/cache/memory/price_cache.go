// Package memory provides in-process cache implementations used when Redis
// is not configured.
package memory

import (
	"context"
	"time"

	"github.com/patrickmn/go-cache"
	"github.com/shopspring/decimal"

	"github.com/natebag/trenchtools/internal/domain"
)

// PriceCache implements domain.PriceCache on top of go-cache.
type PriceCache struct {
	internal *cache.Cache
}

var _ domain.PriceCache = (*PriceCache)(nil)

// NewPriceCache creates a PriceCache whose entries expire after ttl. A ttl of
// zero keeps entries until overwritten.
func NewPriceCache(ttl time.Duration) *PriceCache {
	exp := cache.NoExpiration
	cleanup := time.Duration(0)
	if ttl > 0 {
		exp = ttl
		cleanup = ttl
	}
	return &PriceCache{internal: cache.New(exp, cleanup)}
}

// SetPrice stores the latest observation for an asset.
func (pc *PriceCache) SetPrice(_ context.Context, obs domain.PriceObservation) error {
	pc.internal.SetDefault(obs.AssetID, obs)
	return nil
}

// GetPrice returns the latest observation for an asset or domain.ErrNotFound.
func (pc *PriceCache) GetPrice(_ context.Context, assetID string) (domain.PriceObservation, error) {
	v, ok := pc.internal.Get(assetID)
	if !ok {
		return domain.PriceObservation{}, domain.ErrNotFound
	}
	obs, ok := v.(domain.PriceObservation)
	if !ok {
		return domain.PriceObservation{}, domain.ErrNotFound
	}
	return obs, nil
}

// GetPrices returns the latest prices for the assets that have one.
func (pc *PriceCache) GetPrices(ctx context.Context, assetIDs []string) (map[string]decimal.Decimal, error) {
	out := make(map[string]decimal.Decimal, len(assetIDs))
	for _, id := range assetIDs {
		if obs, err := pc.GetPrice(ctx, id); err == nil {
			out[id] = obs.Price
		}
	}
	return out, nil
}
