package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// PositionStatus tracks where a position is in its exit lifecycle.
type PositionStatus string

const (
	PositionStatusOpen    PositionStatus = "open"
	PositionStatusPartial PositionStatus = "partial"
	PositionStatusClosed  PositionStatus = "closed"
)

// Provenance records where a position's acquisition came from. Both fields are
// opaque audit strings.
type Provenance struct {
	Slot  string `json:"slot,omitempty"`
	TxRef string `json:"tx_ref,omitempty"`
}

// ExitRecord is an append-only entry describing one completed sell.
type ExitRecord struct {
	TriggerType   TriggerType     `json:"trigger_type"`
	Timestamp     time.Time       `json:"timestamp"`
	ExecutionRef  string          `json:"execution_ref"`
	Slot          string          `json:"slot,omitempty"`
	ExecutedPrice decimal.Decimal `json:"executed_price"`
	Multiplier    decimal.Decimal `json:"multiplier"`
	TokensSold    int64           `json:"tokens_sold"`
	Proceeds      decimal.Decimal `json:"proceeds"`
	// Fraction is the configured ladder fraction for partial exits and 1 for
	// full exits. Ladder idempotence matches on this value.
	Fraction decimal.Decimal `json:"fraction"`
}

// Position is one tracked holding of a single asset from acquisition until it
// is fully exited. Values handed out by the store are detached copies.
type Position struct {
	ID                string          `json:"id"`
	AssetID           string          `json:"asset_id"`
	Symbol            string          `json:"symbol,omitempty"`
	EntryPrice        decimal.Decimal `json:"entry_price"`
	EntryCost         decimal.Decimal `json:"entry_cost"`
	TotalQuantity     int64           `json:"total_quantity"`
	RemainingQuantity int64           `json:"remaining_quantity"`
	PeakPrice         decimal.Decimal `json:"peak_price"`
	PeakMultiplier    decimal.Decimal `json:"peak_multiplier"`
	Status            PositionStatus  `json:"status"`
	OpenedAt          time.Time       `json:"opened_at"`
	ClosedAt          *time.Time      `json:"closed_at,omitempty"`
	Provenance        Provenance      `json:"provenance"`
	Exits             []ExitRecord    `json:"exits"`
	Triggers          []ActiveTrigger `json:"triggers"`
	Policy            ExitPolicy      `json:"policy"`
}

// Multiplier returns price / entry price. A zero entry price yields zero.
func (p Position) Multiplier(price decimal.Decimal) decimal.Decimal {
	if p.EntryPrice.IsZero() {
		return decimal.Zero
	}
	return price.Div(p.EntryPrice)
}

// SoldQuantity returns the sum of tokens sold over all exit records.
func (p Position) SoldQuantity() int64 {
	var sold int64
	for _, e := range p.Exits {
		sold += e.TokensSold
	}
	return sold
}

// TotalProceeds returns the sum of proceeds over all exit records.
func (p Position) TotalProceeds() decimal.Decimal {
	total := decimal.Zero
	for _, e := range p.Exits {
		total = total.Add(e.Proceeds)
	}
	return total
}

// HasExitFraction reports whether a partial-sell exit record already accounts
// for exactly the given fraction of the position. Full exits never match a
// ladder rung.
func (p Position) HasExitFraction(fraction decimal.Decimal) bool {
	for _, e := range p.Exits {
		if e.TriggerType == TriggerPartialSell && e.Fraction.Equal(fraction) {
			return true
		}
	}
	return false
}

// Trigger returns the bookkeeping entry for the given trigger type, if any.
func (p Position) Trigger(t TriggerType) (ActiveTrigger, bool) {
	for _, tr := range p.Triggers {
		if tr.Type == t {
			return tr, true
		}
	}
	return ActiveTrigger{}, false
}

// PendingFullExit reports whether a full-exit trigger has fired but has not
// been executed yet.
func (p Position) PendingFullExit() bool {
	for _, tr := range p.Triggers {
		if tr.Fired && !tr.Executed {
			return true
		}
	}
	return false
}

// IsActive reports whether the position is not closed.
func (p Position) IsActive() bool {
	return p.Status != PositionStatusClosed
}

// Clone returns a deep copy so callers cannot reach the store's record.
func (p Position) Clone() Position {
	out := p
	if p.ClosedAt != nil {
		t := *p.ClosedAt
		out.ClosedAt = &t
	}
	out.Exits = make([]ExitRecord, len(p.Exits))
	copy(out.Exits, p.Exits)
	out.Triggers = make([]ActiveTrigger, len(p.Triggers))
	for i, tr := range p.Triggers {
		out.Triggers[i] = tr.clone()
	}
	out.Policy = p.Policy.Clone()
	return out
}
