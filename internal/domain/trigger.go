package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// TriggerType names the condition that caused an exit.
type TriggerType string

const (
	TriggerTakeProfit   TriggerType = "take_profit"
	TriggerStopLoss     TriggerType = "stop_loss"
	TriggerTrailingStop TriggerType = "trailing_stop"
	TriggerTimeBased    TriggerType = "time_based"
	TriggerManual       TriggerType = "manual"

	// TriggerPartialSell labels exit records and sell orders produced by the
	// partial-sell ladder. It is not a single-fire trigger type.
	TriggerPartialSell TriggerType = "partial_sell"
)

// Valid reports whether t is a known trigger type.
func (t TriggerType) Valid() bool {
	switch t {
	case TriggerTakeProfit, TriggerStopLoss, TriggerTrailingStop, TriggerTimeBased, TriggerManual, TriggerPartialSell:
		return true
	}
	return false
}

// ActiveTrigger is per-position bookkeeping for a trigger type that has fired.
// A type fires at most once per position.
type ActiveTrigger struct {
	Type         TriggerType     `json:"type"`
	Price        decimal.Decimal `json:"price"`
	Fired        bool            `json:"fired"`
	FiredAt      time.Time       `json:"fired_at"`
	Executed     bool            `json:"executed"`
	ExecutedAt   *time.Time      `json:"executed_at,omitempty"`
	ExecutionRef string          `json:"execution_ref,omitempty"`
}

func (t ActiveTrigger) clone() ActiveTrigger {
	out := t
	if t.ExecutedAt != nil {
		ts := *t.ExecutedAt
		out.ExecutedAt = &ts
	}
	return out
}
