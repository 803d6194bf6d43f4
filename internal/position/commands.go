package position

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/natebag/trenchtools/internal/domain"
)

// ApplyPeak raises the peak price and multiplier when multiplier exceeds the
// recorded peak. It reports whether anything changed. Closed positions are
// left untouched.
func (s *Store) ApplyPeak(id string, price, multiplier decimal.Decimal) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.byID[id]
	if !ok {
		return false, fmt.Errorf("position: apply peak %s: %w", id, domain.ErrPositionNotFound)
	}
	if !e.pos.IsActive() || !multiplier.GreaterThan(e.pos.PeakMultiplier) {
		return false, nil
	}
	e.pos.PeakPrice = price
	e.pos.PeakMultiplier = multiplier
	return true, nil
}

// FireTrigger records a fired trigger. A type fires at most once per
// position, so it reports false when the type already exists or the position
// is closed.
func (s *Store) FireTrigger(id string, t domain.ActiveTrigger) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.byID[id]
	if !ok {
		return false, fmt.Errorf("position: fire trigger %s: %w", id, domain.ErrPositionNotFound)
	}
	if !e.pos.IsActive() {
		return false, nil
	}
	if _, exists := e.pos.Trigger(t.Type); exists {
		return false, nil
	}
	t.Fired = true
	t.Executed = false
	t.ExecutedAt = nil
	if t.FiredAt.IsZero() {
		t.FiredAt = s.now()
	}
	e.pos.Triggers = append(e.pos.Triggers, t)
	return true, nil
}

// BeginExit marks the start of an exit of the given fraction. Fractions below
// one move the status to partial; a full exit leaves it pending closure. It
// returns the status to restore on failure and a snapshot to build the order
// from.
func (s *Store) BeginExit(id string, fraction decimal.Decimal) (domain.PositionStatus, domain.Position, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.byID[id]
	if !ok {
		return "", domain.Position{}, fmt.Errorf("position: begin exit %s: %w", id, domain.ErrPositionNotFound)
	}
	if !e.pos.IsActive() {
		return "", domain.Position{}, fmt.Errorf("position: begin exit %s: %w", id, domain.ErrPositionClosed)
	}
	prior := e.pos.Status
	if fraction.LessThan(decimal.NewFromInt(1)) {
		e.pos.Status = domain.PositionStatusPartial
	}
	return prior, e.pos.Clone(), nil
}

// CompleteExit applies a successful sell: it appends rec, decrements the
// remaining quantity by rec.TokensSold (clamped to what remains), closes the
// position when nothing remains and marks the originating trigger executed.
func (s *Store) CompleteExit(id string, triggerType domain.TriggerType, rec domain.ExitRecord) (domain.Position, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.byID[id]
	if !ok {
		return domain.Position{}, fmt.Errorf("position: complete exit %s: %w", id, domain.ErrPositionNotFound)
	}
	if !e.pos.IsActive() {
		return domain.Position{}, fmt.Errorf("position: complete exit %s: %w", id, domain.ErrPositionClosed)
	}
	if rec.TokensSold > e.pos.RemainingQuantity {
		rec.TokensSold = e.pos.RemainingQuantity
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = s.now()
	}

	e.pos.Exits = append(e.pos.Exits, rec)
	e.pos.RemainingQuantity -= rec.TokensSold
	if e.pos.RemainingQuantity <= 0 {
		e.pos.RemainingQuantity = 0
		e.pos.Status = domain.PositionStatusClosed
		closedAt := rec.Timestamp
		e.pos.ClosedAt = &closedAt
	} else {
		e.pos.Status = domain.PositionStatusPartial
	}

	for i := range e.pos.Triggers {
		if e.pos.Triggers[i].Type == triggerType {
			executedAt := rec.Timestamp
			e.pos.Triggers[i].Executed = true
			e.pos.Triggers[i].ExecutedAt = &executedAt
			e.pos.Triggers[i].ExecutionRef = rec.ExecutionRef
		}
	}
	return e.pos.Clone(), nil
}

// AbortExit restores the status captured by BeginExit after a failed sell.
func (s *Store) AbortExit(id string, prior domain.PositionStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.byID[id]
	if !ok {
		return fmt.Errorf("position: abort exit %s: %w", id, domain.ErrPositionNotFound)
	}
	if !e.pos.IsActive() {
		return nil
	}
	e.pos.Status = prior
	return nil
}

// AdoptExits takes over the exit history of remote when it records more exits
// than the local copy, as happens when another engine process sold the
// position. Remaining quantity, status and closure follow remote, and triggers
// remote executed are marked executed locally. Peak fields and unexecuted
// triggers stay local. It reports whether anything changed.
func (s *Store) AdoptExits(id string, remote domain.Position) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.byID[id]
	if !ok {
		return false, fmt.Errorf("position: adopt exits %s: %w", id, domain.ErrPositionNotFound)
	}
	if len(remote.Exits) <= len(e.pos.Exits) {
		return false, nil
	}
	if remote.RemainingQuantity < 0 || remote.RemainingQuantity > e.pos.TotalQuantity {
		return false, fmt.Errorf("position: adopt exits %s: %w: remaining quantity out of range", id, domain.ErrInvalidPosition)
	}

	adopted := remote.Clone()
	e.pos.Exits = adopted.Exits
	e.pos.RemainingQuantity = adopted.RemainingQuantity
	e.pos.Status = adopted.Status
	e.pos.ClosedAt = adopted.ClosedAt

	for _, rt := range adopted.Triggers {
		if !rt.Executed {
			continue
		}
		found := false
		for i := range e.pos.Triggers {
			if e.pos.Triggers[i].Type == rt.Type {
				e.pos.Triggers[i] = rt
				found = true
			}
		}
		if !found {
			e.pos.Triggers = append(e.pos.Triggers, rt)
		}
	}
	return true, nil
}
