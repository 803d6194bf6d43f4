package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/natebag/trenchtools/internal/domain"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
)

// PriceCache implements domain.PriceCache using Redis hashes.
// Each asset's latest observation is stored as a hash at key "price:{assetID}"
// with fields "price", "ts" (Unix nanoseconds), "seq", "liquidity" and
// "volume". Decimal fields are stored as their exact string form.
type PriceCache struct {
	rdb  *redis.Client
	keys keyspace
	ttl  time.Duration
}

// NewPriceCache creates a PriceCache backed by the given Client. Entries
// expire after ttl when it is positive.
func NewPriceCache(c *Client, ttl time.Duration) *PriceCache {
	return &PriceCache{rdb: c.rdb, keys: c.keys, ttl: ttl}
}

func (pc *PriceCache) priceKey(assetID string) string {
	return pc.keys.key("price", assetID)
}

// SetPrice stores the latest observation for an asset.
func (pc *PriceCache) SetPrice(ctx context.Context, obs domain.PriceObservation) error {
	key := pc.priceKey(obs.AssetID)
	fields := map[string]interface{}{
		"price":     obs.Price.String(),
		"ts":        strconv.FormatInt(obs.Timestamp.UnixNano(), 10),
		"seq":       strconv.FormatUint(obs.Sequence, 10),
		"liquidity": obs.Liquidity.String(),
		"volume":    obs.Volume.String(),
	}
	pipe := pc.rdb.TxPipeline()
	pipe.HSet(ctx, key, fields)
	if pc.ttl > 0 {
		pipe.Expire(ctx, key, pc.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis: set price %s: %w", obs.AssetID, err)
	}
	return nil
}

// GetPrice retrieves the latest observation for an asset.
// It returns domain.ErrNotFound when the key does not exist.
func (pc *PriceCache) GetPrice(ctx context.Context, assetID string) (domain.PriceObservation, error) {
	vals, err := pc.rdb.HGetAll(ctx, pc.priceKey(assetID)).Result()
	if err != nil {
		return domain.PriceObservation{}, fmt.Errorf("redis: get price %s: %w", assetID, err)
	}
	if len(vals) == 0 {
		return domain.PriceObservation{}, domain.ErrNotFound
	}
	obs, err := decodeObservation(assetID, vals)
	if err != nil {
		return domain.PriceObservation{}, fmt.Errorf("redis: get price %s: %w", assetID, err)
	}
	return obs, nil
}

// GetPrices retrieves the latest prices for multiple assets using a pipeline.
// Assets whose keys do not exist are silently omitted from the result map.
func (pc *PriceCache) GetPrices(ctx context.Context, assetIDs []string) (map[string]decimal.Decimal, error) {
	if len(assetIDs) == 0 {
		return map[string]decimal.Decimal{}, nil
	}

	pipe := pc.rdb.Pipeline()
	cmds := make(map[string]*redis.StringCmd, len(assetIDs))
	for _, id := range assetIDs {
		cmds[id] = pipe.HGet(ctx, pc.priceKey(id), "price")
	}

	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("redis: get prices pipeline: %w", err)
	}

	result := make(map[string]decimal.Decimal, len(assetIDs))
	for id, cmd := range cmds {
		s, err := cmd.Result()
		if err != nil {
			continue
		}
		price, err := decimal.NewFromString(s)
		if err != nil {
			continue
		}
		result[id] = price
	}

	return result, nil
}

func decodeObservation(assetID string, vals map[string]string) (domain.PriceObservation, error) {
	obs := domain.PriceObservation{AssetID: assetID}

	priceStr, ok := vals["price"]
	if !ok {
		return obs, domain.ErrNotFound
	}
	price, err := decimal.NewFromString(priceStr)
	if err != nil {
		return obs, fmt.Errorf("parse price: %w", err)
	}
	obs.Price = price

	if tsStr, ok := vals["ts"]; ok {
		tsNano, err := strconv.ParseInt(tsStr, 10, 64)
		if err != nil {
			return obs, fmt.Errorf("parse ts: %w", err)
		}
		obs.Timestamp = time.Unix(0, tsNano).UTC()
	}
	if seqStr, ok := vals["seq"]; ok {
		if seq, err := strconv.ParseUint(seqStr, 10, 64); err == nil {
			obs.Sequence = seq
		}
	}
	if v, ok := vals["liquidity"]; ok {
		obs.Liquidity, _ = decimal.NewFromString(v)
	}
	if v, ok := vals["volume"]; ok {
		obs.Volume, _ = decimal.NewFromString(v)
	}
	return obs, nil
}

// Compile-time interface check.
var _ domain.PriceCache = (*PriceCache)(nil)
