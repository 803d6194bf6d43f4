package position

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/natebag/trenchtools/internal/domain"
)

// Publisher receives engine events.
type Publisher interface {
	Publish(ev domain.Event)
}

// Acquisition describes a completed buy reported by an upstream position
// source. EntryPrice may be zero, in which case it is derived from EntryCost
// and Quantity.
type Acquisition struct {
	AssetID    string                  `json:"asset_id"`
	Symbol     string                  `json:"symbol,omitempty"`
	EntryPrice decimal.Decimal         `json:"entry_price"`
	EntryCost  decimal.Decimal         `json:"entry_cost"`
	Quantity   int64                   `json:"quantity"`
	Slot       string                  `json:"slot,omitempty"`
	TxRef      string                  `json:"tx_ref,omitempty"`
	OpenedAt   time.Time               `json:"opened_at,omitempty"`
	Overrides  *domain.PolicyOverrides `json:"overrides,omitempty"`
}

// ManualEntry is an operator-supplied position. Provenance is mandatory.
type ManualEntry struct {
	AssetID    string                  `json:"asset_id"`
	Symbol     string                  `json:"symbol,omitempty"`
	EntryPrice decimal.Decimal         `json:"entry_price"`
	EntryCost  decimal.Decimal         `json:"entry_cost"`
	Quantity   int64                   `json:"quantity"`
	Provenance domain.Provenance       `json:"provenance"`
	OpenedAt   time.Time               `json:"opened_at,omitempty"`
	Overrides  *domain.PolicyOverrides `json:"overrides,omitempty"`
}

// Source turns acquisition facts into registered positions.
type Source struct {
	store    *Store
	bus      Publisher
	defaults domain.ExitPolicy
	logger   *slog.Logger
	now      func() time.Time
}

// NewSource creates a Source that registers into store, applying overrides
// on top of defaults.
func NewSource(store *Store, bus Publisher, defaults domain.ExitPolicy, logger *slog.Logger) *Source {
	return &Source{
		store:    store,
		bus:      bus,
		defaults: defaults.Clone(),
		logger:   logger.With(slog.String("component", "position_source")),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// OpenFromAcquisition registers a position for a completed buy. A buy whose
// tx_ref is already tracked is rejected with ErrAlreadyExists, so a
// redelivered acquisition never opens a second position.
func (s *Source) OpenFromAcquisition(ctx context.Context, acq Acquisition) (domain.Position, error) {
	return s.open(ctx, acq.AssetID, acq.Symbol, acq.EntryPrice, acq.EntryCost, acq.Quantity,
		domain.Provenance{Slot: acq.Slot, TxRef: acq.TxRef}, acq.OpenedAt, acq.Overrides, "acquisition")
}

// OpenManual registers an operator-supplied position.
func (s *Source) OpenManual(ctx context.Context, entry ManualEntry) (domain.Position, error) {
	if entry.Provenance.Slot == "" && entry.Provenance.TxRef == "" {
		return domain.Position{}, fmt.Errorf("position: open manual: %w: provenance required", domain.ErrInvalidPosition)
	}
	return s.open(ctx, entry.AssetID, entry.Symbol, entry.EntryPrice, entry.EntryCost, entry.Quantity,
		entry.Provenance, entry.OpenedAt, entry.Overrides, "manual")
}

func (s *Source) open(
	ctx context.Context,
	assetID, symbol string,
	entryPrice, entryCost decimal.Decimal,
	quantity int64,
	prov domain.Provenance,
	openedAt time.Time,
	overrides *domain.PolicyOverrides,
	origin string,
) (domain.Position, error) {
	if quantity <= 0 {
		return domain.Position{}, fmt.Errorf("position: open %s: %w: quantity must be positive", origin, domain.ErrInvalidPosition)
	}
	if entryPrice.IsZero() && entryCost.IsPositive() {
		entryPrice = entryCost.Div(decimal.NewFromInt(quantity))
	}
	if entryCost.IsZero() && entryPrice.IsPositive() {
		entryCost = entryPrice.Mul(decimal.NewFromInt(quantity))
	}

	policy := s.defaults.Clone()
	if overrides != nil {
		policy = overrides.Apply(policy)
	}
	if err := policy.Validate(); err != nil {
		return domain.Position{}, fmt.Errorf("position: open %s: %w", origin, err)
	}
	if openedAt.IsZero() {
		openedAt = s.now()
	}

	pos := domain.Position{
		ID:                uuid.New().String(),
		AssetID:           assetID,
		Symbol:            symbol,
		EntryPrice:        entryPrice,
		EntryCost:         entryCost,
		TotalQuantity:     quantity,
		RemainingQuantity: quantity,
		PeakPrice:         entryPrice,
		PeakMultiplier:    decimal.NewFromInt(1),
		Status:            domain.PositionStatusOpen,
		OpenedAt:          openedAt,
		Provenance:        prov,
		Exits:             []domain.ExitRecord{},
		Triggers:          []domain.ActiveTrigger{},
		Policy:            policy,
	}
	register := s.store.Register
	if origin == "acquisition" {
		register = s.store.RegisterOnce
	}
	if err := register(pos); err != nil {
		if errors.Is(err, domain.ErrAlreadyExists) {
			s.logger.WarnContext(ctx, "duplicate acquisition ignored",
				slog.String("asset_id", assetID),
				slog.String("tx_ref", prov.TxRef),
			)
		}
		return domain.Position{}, fmt.Errorf("position: open %s: %w", origin, err)
	}

	s.logger.InfoContext(ctx, "position opened",
		slog.String("position_id", pos.ID),
		slog.String("asset_id", assetID),
		slog.String("origin", origin),
		slog.String("entry_price", entryPrice.String()),
		slog.Int64("quantity", quantity),
	)
	s.bus.Publish(domain.Event{
		Kind:       domain.EventPositionOpened,
		PositionID: pos.ID,
		AssetID:    assetID,
		Data: map[string]any{
			"symbol":      symbol,
			"entry_price": entryPrice.String(),
			"entry_cost":  entryCost.String(),
			"quantity":    quantity,
			"origin":      origin,
		},
		Timestamp: openedAt,
	})
	return s.store.Get(pos.ID)
}
