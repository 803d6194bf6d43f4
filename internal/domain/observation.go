package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// PriceObservation is one inbound price tick for an asset. Liquidity and
// Volume are carried for display only and never read by trigger logic.
type PriceObservation struct {
	AssetID   string          `json:"asset_id"`
	Price     decimal.Decimal `json:"price"`
	Timestamp time.Time       `json:"timestamp"`
	Sequence  uint64          `json:"sequence"`
	Liquidity decimal.Decimal `json:"liquidity"`
	Volume    decimal.Decimal `json:"volume"`
}

// PricePoint is a single entry in a position's rolling price history.
type PricePoint struct {
	Price      decimal.Decimal `json:"price"`
	Multiplier decimal.Decimal `json:"multiplier"`
	Time       time.Time       `json:"time"`
	Sequence   uint64          `json:"sequence"`
}
