package domain

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// SellOrder is the request handed to the execution adapter.
type SellOrder struct {
	PositionID       string          `json:"position_id"`
	AssetID          string          `json:"asset_id"`
	Quantity         int64           `json:"quantity"`
	TriggerType      TriggerType     `json:"trigger_type"`
	ReferencePrice   decimal.Decimal `json:"reference_price"`
	ExpectedProceeds decimal.Decimal `json:"expected_proceeds"`
	SlippageBps      int             `json:"slippage_bps"`
	PriorityFee      decimal.Decimal `json:"priority_fee"`
	TipFee           decimal.Decimal `json:"tip_fee"`
}

// SellOutcome is what the adapter reports back. On failure only Success and
// Error are meaningful.
type SellOutcome struct {
	Success       bool            `json:"success"`
	ExecutionRef  string          `json:"execution_ref,omitempty"`
	QuantitySold  int64           `json:"quantity_sold"`
	Proceeds      decimal.Decimal `json:"proceeds"`
	ExecutedPrice decimal.Decimal `json:"executed_price"`
	Multiplier    decimal.Decimal `json:"multiplier"`
	CompletedAt   time.Time       `json:"completed_at"`
	Slot          string          `json:"slot,omitempty"`
	Error         string          `json:"error,omitempty"`
}

// ExecutionAdapter performs the actual market sell. Timeouts belong to the
// implementation.
type ExecutionAdapter interface {
	Execute(ctx context.Context, order SellOrder) (SellOutcome, error)
}

// ExitKind distinguishes full exits from partial-ladder exits.
type ExitKind string

const (
	ExitKindFull    ExitKind = "full"
	ExitKindPartial ExitKind = "partial"
)

// ExitRequest is a command for the exit coordinator produced by trigger
// evaluation. Level is set only for partial requests.
type ExitRequest struct {
	PositionID  string          `json:"position_id"`
	AssetID     string          `json:"asset_id"`
	Kind        ExitKind        `json:"kind"`
	TriggerType TriggerType     `json:"trigger_type"`
	Price       decimal.Decimal `json:"price"`
	Level       *PartialLevel   `json:"level,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
}

// Key identifies the request for in-flight de-duplication.
func (r ExitRequest) Key() string {
	if r.Kind == ExitKindPartial && r.Level != nil {
		return r.PositionID + ":partial:" + r.Level.Fraction.String()
	}
	return r.PositionID + ":" + string(r.TriggerType)
}
