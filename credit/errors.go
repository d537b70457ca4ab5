/*
errors.go - Error taxonomy for the credit ledger

ERROR CATEGORIES:
  ErrValidation          bad input (non-positive amounts, unknown type, ineligible employee)
  ErrNotFound            missing employee, lot, offset or attendance record
  ErrInvalidState        lifecycle violation (approving a non-pending lot)
  ErrInsufficientBalance consumption exceeds available credits
  ErrAlreadyReverted     second revert of the same offset
  ErrInvariantViolation  internal consistency failure; always a bug
  ErrBusy                lock not acquired in time; safe to retry

USAGE:
  Structured errors unwrap to their sentinel, so callers only need errors.Is:

    if errors.Is(err, credit.ErrInsufficientBalance) { ... }

  The HTTP layer (api/handlers.go) maps these kinds to status codes.
*/
package credit

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	ErrValidation          = errors.New("validation failed")
	ErrNotFound            = errors.New("not found")
	ErrInvalidState        = errors.New("invalid state")
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrAlreadyReverted     = errors.New("offset already reverted")
	ErrInvariantViolation  = errors.New("invariant violation")

	// ErrBusy is returned when the employee lock or the database lock could
	// not be acquired before the configured timeout.
	ErrBusy = errors.New("resource busy")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Message)
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

func invalid(field, format string, args ...any) error {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

// NotFoundError names the kind of record that is missing ("lot", "offset", ...).
type NotFoundError struct {
	Kind string
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %q not found", e.Kind, e.ID)
}

func (e *NotFoundError) Unwrap() error { return ErrNotFound }

func notFound(kind, id string) error {
	return &NotFoundError{Kind: kind, ID: id}
}

type InvalidStateError struct {
	LotID    LotID
	Current  LotStatus
	Expected LotStatus
}

func (e *InvalidStateError) Error() string {
	return fmt.Sprintf("lot %s is %s, expected %s", e.LotID, e.Current, e.Expected)
}

func (e *InvalidStateError) Unwrap() error { return ErrInvalidState }

// InsufficientBalanceError provides details about a balance shortage.
type InsufficientBalanceError struct {
	EmployeeID EmployeeID
	Available  decimal.Decimal
	Requested  decimal.Decimal
}

func (e *InsufficientBalanceError) Shortfall() decimal.Decimal {
	return e.Requested.Sub(e.Available)
}

func (e *InsufficientBalanceError) Error() string {
	return fmt.Sprintf("insufficient balance for %s: available %s, requested %s, shortfall %s",
		e.EmployeeID, e.Available.StringFixed(CreditPlaces), e.Requested.StringFixed(CreditPlaces),
		e.Shortfall().StringFixed(CreditPlaces))
}

func (e *InsufficientBalanceError) Unwrap() error { return ErrInsufficientBalance }

type AlreadyRevertedError struct {
	OffsetID OffsetID
}

func (e *AlreadyRevertedError) Error() string {
	return fmt.Sprintf("offset %s already reverted", e.OffsetID)
}

func (e *AlreadyRevertedError) Unwrap() error { return ErrAlreadyReverted }

// InvariantError reports a broken ledger invariant. Seeing one means a bug.
type InvariantError struct {
	Op     string
	Detail string
}

func (e *InvariantError) Error() string {
	return fmt.Sprintf("invariant violation in %s: %s", e.Op, e.Detail)
}

func (e *InvariantError) Unwrap() error { return ErrInvariantViolation }

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsRetryable returns true if the error might succeed on retry.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrBusy)
}

// IsClientError returns true if the error is due to the request itself.
func IsClientError(err error) bool {
	return errors.Is(err, ErrValidation) ||
		errors.Is(err, ErrInvalidState) ||
		errors.Is(err, ErrInsufficientBalance) ||
		errors.Is(err, ErrAlreadyReverted)
}

func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// Kind returns a short, stable label for err, used in metrics and logs.
func Kind(err error) string {
	switch {
	case err == nil:
		return "none"
	case errors.Is(err, ErrValidation):
		return "validation"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrInvalidState):
		return "invalid_state"
	case errors.Is(err, ErrInsufficientBalance):
		return "insufficient_balance"
	case errors.Is(err, ErrAlreadyReverted):
		return "already_reverted"
	case errors.Is(err, ErrInvariantViolation):
		return "invariant_violation"
	case errors.Is(err, ErrBusy):
		return "busy"
	default:
		return "internal"
	}
}
