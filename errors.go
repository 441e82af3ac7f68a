package credits

import (
	"errors"
	"fmt"
)

// Sentinel errors for common failure scenarios.
var (
	// General errors
	ErrAlreadyExists = errors.New("credits: already exists")
	ErrInvalidInput  = errors.New("credits: invalid input")

	// Balance errors
	ErrInsufficientCredits = errors.New("credits: insufficient credits")
	ErrInsufficientFunds   = errors.New("credits: insufficient funds")
	ErrWalletNotFound      = errors.New("credits: wallet not found")

	// Reservation errors
	ErrReservationNotFound      = errors.New("credits: reservation not found")
	ErrReservationStateConflict = errors.New("credits: reservation state conflict")
	ErrAlreadyCommitted         = fmt.Errorf("%w: already committed", ErrReservationStateConflict)

	// Allowance and billing errors
	ErrAllowanceNotFound     = errors.New("credits: allowance not found")
	ErrMessageChargeNotFound = errors.New("credits: message charge not found")
	ErrTransactionNotFound   = errors.New("credits: billing transaction not found")

	// Webhook errors
	ErrWebhookStale         = errors.New("credits: webhook event is stale")
	ErrWebhookEventNotFound = errors.New("credits: webhook event not found")

	// Store errors
	ErrStoreClosed     = errors.New("credits: store is closed")
	ErrMigrationFailed = errors.New("credits: migration failed")
)

// ValidationError represents a validation failure with details.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("credits: validation failed for %s: %s", e.Field, e.Message)
}

// Unwrap lets errors.Is(err, ErrInvalidInput) match validation failures.
func (e ValidationError) Unwrap() error { return ErrInvalidInput }

// MultiError represents multiple errors that occurred.
type MultiError struct {
	Errors []error
}

func (e MultiError) Error() string {
	if len(e.Errors) == 0 {
		return "credits: no errors"
	}
	if len(e.Errors) == 1 {
		return e.Errors[0].Error()
	}
	return fmt.Sprintf("credits: %d errors occurred (first: %v)", len(e.Errors), e.Errors[0])
}

// Unwrap exposes the collected errors to errors.Is and errors.As.
func (e MultiError) Unwrap() []error { return e.Errors }

// Add adds an error to the multi-error.
func (e *MultiError) Add(err error) {
	if err != nil {
		e.Errors = append(e.Errors, err)
	}
}

// HasErrors returns true if there are any errors.
func (e MultiError) HasErrors() bool {
	return len(e.Errors) > 0
}

// First returns the first error or nil.
func (e MultiError) First() error {
	if len(e.Errors) > 0 {
		return e.Errors[0]
	}
	return nil
}

// ErrOrNil returns e as an error when it holds anything, else nil.
func (e MultiError) ErrOrNil() error {
	if e.HasErrors() {
		return e
	}
	return nil
}

// Consistency warning kinds.
const (
	WarnReservedDrift     = "reserved_balance_drift"
	WarnReservedUnderflow = "reserved_balance_underflow"
	WarnCommitShortfall   = "commit_shortfall"
	WarnRefundShortfall   = "refund_shortfall"
)

// ConsistencyWarning describes a state the ledger repaired or tolerated
// instead of failing. It is logged and emitted to plugins, never returned
// from a committed operation.
type ConsistencyWarning struct {
	OwnerID  string
	Kind     string
	Expected int64
	Actual   int64
	Detail   string
}

func (w ConsistencyWarning) Error() string {
	return fmt.Sprintf("credits: consistency warning %s for owner %s: expected %d, actual %d: %s",
		w.Kind, w.OwnerID, w.Expected, w.Actual, w.Detail)
}

// IsNotFound returns true if the error is a not found error.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrReservationNotFound) ||
		errors.Is(err, ErrWalletNotFound) ||
		errors.Is(err, ErrAllowanceNotFound) ||
		errors.Is(err, ErrMessageChargeNotFound) ||
		errors.Is(err, ErrTransactionNotFound) ||
		errors.Is(err, ErrWebhookEventNotFound)
}

// IsInsufficient returns true if the owner cannot cover the requested amount.
func IsInsufficient(err error) bool {
	return errors.Is(err, ErrInsufficientCredits) ||
		errors.Is(err, ErrInsufficientFunds)
}

// IsStateConflict returns true if a reservation was not in a state that
// allows the requested transition.
func IsStateConflict(err error) bool {
	return errors.Is(err, ErrReservationStateConflict)
}

// IsRetryable returns true if the error is temporary and the operation can
// be retried. Balance and state errors are final for the same input.
func IsRetryable(err error) bool {
	if err == nil || IsNotFound(err) || IsInsufficient(err) || IsStateConflict(err) ||
		errors.Is(err, ErrInvalidInput) || errors.Is(err, ErrWebhookStale) {
		return false
	}
	return !errors.Is(err, ErrStoreClosed) && !errors.Is(err, ErrMigrationFailed)
}
