package domain

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound          = errors.New("not found")
	ErrPositionNotFound  = fmt.Errorf("position %w", ErrNotFound)
	ErrPositionClosed    = errors.New("position closed")
	ErrAlreadyExists     = errors.New("already exists")
	ErrInvalidPosition   = errors.New("invalid position")
	ErrInvalidPolicy     = errors.New("invalid exit policy")
	ErrInvalidTrigger    = errors.New("invalid trigger type")
	ErrTriggerNotFired   = errors.New("trigger not fired")
	ErrTriggerExecuted   = errors.New("trigger already executed")
	ErrNothingToSell     = errors.New("nothing to sell")
	ErrExitSuperseded    = errors.New("partial exit superseded by pending full exit")
	ErrExitAlreadyTaken  = errors.New("partial level already exited")
	ErrExecutionRejected = errors.New("execution rejected")
	ErrLockHeld          = errors.New("lock already held")
)

// ExecutionError is returned when the execution adapter fails or reports
// failure. The position has been rolled back to its pre-attempt status, so
// retrying through the coordinator is safe.
type ExecutionError struct {
	PositionID  string
	TriggerType TriggerType
	Err         error
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("execution failed for position %s (%s): %v", e.PositionID, e.TriggerType, e.Err)
}

func (e *ExecutionError) Unwrap() error {
	return e.Err
}
