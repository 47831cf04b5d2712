/*
errors.go - Error taxonomy for the points ledger and its workflows

ERROR CATEGORIES:
  1. Not found          - account, rule, reward, redemption or transaction missing
  2. Programming errors - malformed movements (zero amount, wrong sign)
  3. Business failures  - insufficient balance, invalid transition, reward unavailable
  4. Signals            - idempotent no-op, duplicate movement

  Storage and infrastructure errors are wrapped with context and otherwise
  surfaced as-is. Nothing in this module retries on its own.

USAGE:
  if errors.Is(err, loyalty.ErrInsufficientBalance) {
      var ibe *loyalty.InsufficientBalanceError
      errors.As(err, &ibe) // ibe.Available, ibe.Requested
  }
*/
package loyalty

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrNotFound is returned when a referenced record does not exist.
	ErrNotFound = errors.New("not found")

	// ErrInvalidMovement is returned for zero-amount or wrongly signed movements.
	ErrInvalidMovement = errors.New("invalid movement")

	// ErrInsufficientBalance is returned when a debit would take the balance below zero.
	ErrInsufficientBalance = errors.New("insufficient balance")

	// ErrInvalidTransition is returned when the redemption state machine refuses a move.
	ErrInvalidTransition = errors.New("invalid redemption transition")

	// ErrIdempotentNoOp signals that the operation was already applied.
	ErrIdempotentNoOp = errors.New("operation already applied")

	// ErrDuplicateMovement is returned by stores when (kind, ref) already exists.
	ErrDuplicateMovement = errors.New("duplicate movement for reference")

	// ErrAccountClosed is returned for credits or debits on a closed account.
	ErrAccountClosed = errors.New("account closed")

	// ErrRewardUnavailable is returned for inactive, expired or out-of-stock rewards.
	ErrRewardUnavailable = errors.New("reward unavailable")

	// ErrValidation is returned when input fails validation.
	ErrValidation = errors.New("validation failed")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

type InsufficientBalanceError struct {
	Account   AccountKey
	Available int64
	Requested int64
}

func (e *InsufficientBalanceError) Error() string {
	return fmt.Sprintf("insufficient balance on %s: available %d, requested %d",
		e.Account, e.Available, e.Requested)
}

func (e *InsufficientBalanceError) Unwrap() error { return ErrInsufficientBalance }

type NotFoundError struct {
	Kind string // "account", "reward", "redemption", "transaction", "rule", "campaign"
	ID   string
}

func (e *NotFoundError) Error() string { return fmt.Sprintf("%s %s not found", e.Kind, e.ID) }

func (e *NotFoundError) Unwrap() error { return ErrNotFound }

// NotFound builds a NotFoundError.
func NotFound(kind, id string) error { return &NotFoundError{Kind: kind, ID: id} }

type MovementError struct {
	Kind   MovementKind
	Points int64
	Reason string
}

func (e *MovementError) Error() string {
	return fmt.Sprintf("invalid %s movement of %d points: %s", e.Kind, e.Points, e.Reason)
}

func (e *MovementError) Unwrap() error { return ErrInvalidMovement }

type TransitionError struct {
	RedemptionID string
	From         RedemptionStatus
	To           RedemptionStatus
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("redemption %s cannot move from %s to %s", e.RedemptionID, e.From, e.To)
}

func (e *TransitionError) Unwrap() error { return ErrInvalidTransition }

// ValidationError maps field names to messages.
type ValidationError struct {
	Fields map[string]string
}

func (e *ValidationError) Error() string {
	keys := make([]string, 0, len(e.Fields))
	for k := range e.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+": "+e.Fields[k])
	}
	return "validation failed: " + strings.Join(parts, "; ")
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

// Invalid builds a single-field ValidationError.
func Invalid(field, message string) error {
	return &ValidationError{Fields: map[string]string{field: message}}
}

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsClientError returns true if the error is a business rule or input failure.
func IsClientError(err error) bool {
	return errors.Is(err, ErrInsufficientBalance) ||
		errors.Is(err, ErrInvalidTransition) ||
		errors.Is(err, ErrRewardUnavailable) ||
		errors.Is(err, ErrAccountClosed) ||
		errors.Is(err, ErrValidation)
}

// IsNotFound returns true if the error indicates a missing record.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsNoOp returns true if the error only signals an already-applied effect.
func IsNoOp(err error) bool {
	return errors.Is(err, ErrIdempotentNoOp) || errors.Is(err, ErrDuplicateMovement)
}
