package model

import (
	"errors"
	"fmt"
)

// Error categories.  Every error surfaced by the core wraps exactly one of
// these so that callers (handlers, the payment retry loop, the sweeper) can
// branch with errors.Is without knowing the specific failure.
var (
	// ErrRuleViolation marks an operation attempted from an invalid state.
	// Never retried.
	ErrRuleViolation = errors.New("rule violation")
	// ErrNotFound marks a referenced entity that does not exist.
	ErrNotFound = errors.New("not found")
	// ErrConflict marks an optimistic-lock mismatch or a lock that could not
	// be acquired within its wait window.  Safe to retry at the caller's
	// discretion.
	ErrConflict = errors.New("concurrency conflict")
	// ErrTransient marks storage or network unavailability.
	ErrTransient = errors.New("transient failure")
	// ErrCapacity marks an exhausted admission ceiling or an empty waiting
	// line.  It is an expected outcome, not a fault.
	ErrCapacity = errors.New("capacity exhausted")
)

var (
	ErrScheduleNotFound    = fmt.Errorf("schedule not found: %w", ErrNotFound)
	ErrSeatNotFound        = fmt.Errorf("seat not found: %w", ErrNotFound)
	ErrTokenNotFound       = fmt.Errorf("token not found: %w", ErrNotFound)
	ErrReservationNotFound = fmt.Errorf("reservation not found: %w", ErrNotFound)
	ErrOutboxNotFound      = fmt.Errorf("outbox record not found: %w", ErrNotFound)
)

var (
	ErrSeatUnavailable  = fmt.Errorf("seat unavailable: %w", ErrConflict)
	ErrVersionMismatch  = fmt.Errorf("version mismatch: %w", ErrConflict)
	ErrLockTimeout      = fmt.Errorf("lock wait timeout: %w", ErrConflict)
	ErrCountOutOfBounds = fmt.Errorf("seat count out of bounds: %w", ErrConflict)
	ErrSeatNotHeld      = fmt.Errorf("seat is not held: %w", ErrConflict)
)

var (
	ErrDuplicateToken        = fmt.Errorf("non-terminal token already exists: %w", ErrRuleViolation)
	ErrTokenExpired          = fmt.Errorf("token expired: %w", ErrRuleViolation)
	ErrTokenNotActive        = fmt.Errorf("token not active: %w", ErrRuleViolation)
	ErrTokenScheduleMismatch = fmt.Errorf("token issued for another schedule: %w", ErrRuleViolation)
	ErrHoldElapsed           = fmt.Errorf("hold elapsed: %w", ErrRuleViolation)
	ErrHoldNotElapsed        = fmt.Errorf("hold not elapsed yet: %w", ErrRuleViolation)
	ErrInsufficientBalance   = fmt.Errorf("insufficient balance: %w", ErrRuleViolation)
	ErrBalanceLimit          = fmt.Errorf("balance upper limit exceeded: %w", ErrRuleViolation)
	ErrInvalidAmount         = fmt.Errorf("invalid amount: %w", ErrRuleViolation)
	ErrAmountMismatch        = fmt.Errorf("amount does not match reservation price: %w", ErrRuleViolation)
	ErrInvalidInput          = fmt.Errorf("invalid input: %w", ErrRuleViolation)
)

var (
	ErrAdmissionFull = fmt.Errorf("admission ceiling reached: %w", ErrCapacity)
	ErrNoWaiting     = fmt.Errorf("no waiting tokens: %w", ErrCapacity)
)

// TransitionError reports a reservation state change that the state machine
// does not allow.
type TransitionError struct {
	From   ReservationStatus
	To     ReservationStatus
	Action string
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("cannot %s reservation in status %s (target %s)", e.Action, e.From, e.To)
}

func (e *TransitionError) Unwrap() error { return ErrRuleViolation }
