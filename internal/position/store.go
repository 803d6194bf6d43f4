// Package position holds the canonical in-memory record of every tracked
// position and the entry points that create them.
package position

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/natebag/trenchtools/internal/domain"
)

// Stats is an aggregate view of the store for observability.
type Stats struct {
	Total             int             `json:"total"`
	Open              int             `json:"open"`
	Partial           int             `json:"partial"`
	Closed            int             `json:"closed"`
	Active            int             `json:"active"`
	Invested          decimal.Decimal `json:"invested"`
	RemainingQuantity int64           `json:"remaining_quantity"`
	Proceeds          decimal.Decimal `json:"proceeds"`
}

type entry struct {
	pos domain.Position
	seq uint64
}

// Store owns every position record. Reads return deep copies; writes go
// through command methods split by writer: ApplyPeak and FireTrigger for the
// trigger evaluator, BeginExit, CompleteExit and AbortExit for the exit
// coordinator.
type Store struct {
	mu      sync.RWMutex
	byID    map[string]*entry
	byAsset map[string][]string
	byTxRef map[string]string
	seq     uint64
	now     func() time.Time
}

// NewStore creates an empty Store.
func NewStore() *Store {
	return &Store{
		byID:    make(map[string]*entry),
		byAsset: make(map[string][]string),
		byTxRef: make(map[string]string),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Register inserts a new position. Peak fields default to the entry price and
// remaining quantity defaults to the total.
func (s *Store) Register(pos domain.Position) error {
	return s.register(pos, false)
}

// RegisterOnce is Register for positions whose tx_ref must be unique. It
// fails with ErrAlreadyExists when a position with the same tx_ref is already
// tracked, closed ones included.
func (s *Store) RegisterOnce(pos domain.Position) error {
	return s.register(pos, true)
}

func (s *Store) register(pos domain.Position, uniqueRef bool) error {
	if pos.RemainingQuantity == 0 && len(pos.Exits) == 0 {
		pos.RemainingQuantity = pos.TotalQuantity
	}
	if err := validate(pos); err != nil {
		return err
	}
	if pos.PeakPrice.LessThan(pos.EntryPrice) {
		pos.PeakPrice = pos.EntryPrice
	}
	if m := pos.Multiplier(pos.PeakPrice); m.GreaterThan(pos.PeakMultiplier) {
		pos.PeakMultiplier = m
	}
	if pos.Status == "" {
		pos.Status = domain.PositionStatusOpen
	}
	if pos.OpenedAt.IsZero() {
		pos.OpenedAt = s.now()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.byID[pos.ID]; ok {
		return fmt.Errorf("position: register %s: %w", pos.ID, domain.ErrAlreadyExists)
	}
	if ref := pos.Provenance.TxRef; uniqueRef && ref != "" {
		if other, ok := s.byTxRef[ref]; ok {
			return fmt.Errorf("position: register %s: %w: tx_ref %s held by %s", pos.ID, domain.ErrAlreadyExists, ref, other)
		}
	}
	s.insert(pos.Clone())
	return nil
}

// Restore loads a persisted snapshot, replacing any record with the same id.
// It is used to rebuild state on start and skips the fresh-entry defaults.
func (s *Store) Restore(pos domain.Position) error {
	if pos.ID == "" || pos.AssetID == "" {
		return fmt.Errorf("position: restore: %w: missing id or asset", domain.ErrInvalidPosition)
	}
	if pos.RemainingQuantity < 0 || pos.RemainingQuantity > pos.TotalQuantity {
		return fmt.Errorf("position: restore %s: %w: remaining quantity out of range", pos.ID, domain.ErrInvalidPosition)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.byID[pos.ID]; ok {
		s.unindex(pos.ID)
	}
	s.insert(pos.Clone())
	return nil
}

func (s *Store) insert(pos domain.Position) {
	s.seq++
	s.byID[pos.ID] = &entry{pos: pos, seq: s.seq}
	s.byAsset[pos.AssetID] = append(s.byAsset[pos.AssetID], pos.ID)
	if ref := pos.Provenance.TxRef; ref != "" {
		if _, taken := s.byTxRef[ref]; !taken {
			s.byTxRef[ref] = pos.ID
		}
	}
}

func (s *Store) unindex(id string) {
	e, ok := s.byID[id]
	if !ok {
		return
	}
	delete(s.byID, id)
	if ref := e.pos.Provenance.TxRef; ref != "" && s.byTxRef[ref] == id {
		delete(s.byTxRef, ref)
	}
	ids := s.byAsset[e.pos.AssetID]
	for i, other := range ids {
		if other == id {
			ids = append(ids[:i], ids[i+1:]...)
			break
		}
	}
	if len(ids) == 0 {
		delete(s.byAsset, e.pos.AssetID)
	} else {
		s.byAsset[e.pos.AssetID] = ids
	}
}

// Remove deletes all bookkeeping for id regardless of status.
func (s *Store) Remove(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.byID[id]; !ok {
		return fmt.Errorf("position: remove %s: %w", id, domain.ErrPositionNotFound)
	}
	s.unindex(id)
	return nil
}

// Get returns a copy of the position with the given id.
func (s *Store) Get(id string) (domain.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.byID[id]
	if !ok {
		return domain.Position{}, fmt.Errorf("position: get %s: %w", id, domain.ErrPositionNotFound)
	}
	return e.pos.Clone(), nil
}

// GetActiveByAsset returns the most recently registered non-closed position
// for assetID.
func (s *Store) GetActiveByAsset(assetID string) (domain.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := s.byAsset[assetID]
	for i := len(ids) - 1; i >= 0; i-- {
		e := s.byID[ids[i]]
		if e != nil && e.pos.IsActive() {
			return e.pos.Clone(), nil
		}
	}
	return domain.Position{}, fmt.Errorf("position: active for asset %s: %w", assetID, domain.ErrPositionNotFound)
}

// List returns every position in registration order.
func (s *Store) List() []domain.Position {
	return s.filter(func(domain.Position) bool { return true })
}

// ListActive returns every non-closed position in registration order.
func (s *Store) ListActive() []domain.Position {
	return s.filter(domain.Position.IsActive)
}

// ListClosed returns every closed position in registration order.
func (s *Store) ListClosed() []domain.Position {
	return s.filter(func(p domain.Position) bool { return !p.IsActive() })
}

func (s *Store) filter(keep func(domain.Position) bool) []domain.Position {
	s.mu.RLock()
	entries := make([]*entry, 0, len(s.byID))
	for _, e := range s.byID {
		if keep(e.pos) {
			entries = append(entries, e)
		}
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].seq < entries[j].seq })
	out := make([]domain.Position, len(entries))
	for i, e := range entries {
		out[i] = e.pos.Clone()
	}
	s.mu.RUnlock()
	return out
}

// Stats returns counts and aggregate sums over every position.
func (s *Store) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st := Stats{Invested: decimal.Zero, Proceeds: decimal.Zero}
	for _, e := range s.byID {
		p := e.pos
		st.Total++
		switch p.Status {
		case domain.PositionStatusOpen:
			st.Open++
		case domain.PositionStatusPartial:
			st.Partial++
		case domain.PositionStatusClosed:
			st.Closed++
		}
		if p.IsActive() {
			st.Active++
		}
		st.Invested = st.Invested.Add(p.EntryCost)
		st.RemainingQuantity += p.RemainingQuantity
		st.Proceeds = st.Proceeds.Add(p.TotalProceeds())
	}
	return st
}

// ReplacePolicy swaps the exit policy of an existing position.
func (s *Store) ReplacePolicy(id string, policy domain.ExitPolicy) error {
	if err := policy.Validate(); err != nil {
		return fmt.Errorf("position: replace policy %s: %w", id, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.byID[id]
	if !ok {
		return fmt.Errorf("position: replace policy %s: %w", id, domain.ErrPositionNotFound)
	}
	if !e.pos.IsActive() {
		return fmt.Errorf("position: replace policy %s: %w", id, domain.ErrPositionClosed)
	}
	e.pos.Policy = policy.Clone()
	return nil
}

func validate(pos domain.Position) error {
	switch {
	case pos.ID == "":
		return fmt.Errorf("position: %w: missing id", domain.ErrInvalidPosition)
	case pos.AssetID == "":
		return fmt.Errorf("position: %w: missing asset id", domain.ErrInvalidPosition)
	case !pos.EntryPrice.IsPositive():
		return fmt.Errorf("position: %w: entry price must be positive", domain.ErrInvalidPosition)
	case pos.TotalQuantity <= 0:
		return fmt.Errorf("position: %w: total quantity must be positive", domain.ErrInvalidPosition)
	case pos.RemainingQuantity < 0 || pos.RemainingQuantity > pos.TotalQuantity:
		return fmt.Errorf("position: %w: remaining quantity out of range", domain.ErrInvalidPosition)
	case pos.Status == domain.PositionStatusClosed:
		return fmt.Errorf("position: %w: cannot register a closed position", domain.ErrInvalidPosition)
	}
	return nil
}
