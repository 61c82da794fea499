/*
errors.go - Centralized error types for the billing and reminder pipeline

PURPOSE:
  All error types in one place for consistency and discoverability.
  Other packages (quota, ledger, notify, reminder, api) wrap or return
  these so callers can branch with errors.Is / errors.As.

ERROR CATEGORIES:
  1. Validation errors  - malformed plan or payment input, rejected before
                          anything is persisted
  2. Quota errors       - dispatch denied by the tenant's monthly limit;
                          not retryable until upgrade or next month
  3. Persistence errors - the store is unreachable or rejected a write
  4. Dispatch errors    - the provider call failed or timed out; always
                          turned into a failed ledger record, never
                          propagated out of a reminder batch

SEE ALSO:
  - notify/channel.go: DispatchError (unwraps to ErrDispatch)
  - api/handlers.go:   maps these errors to HTTP status codes
*/
package billing

import (
	"errors"
	"fmt"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrValidation is the root of every ValidationError.
	ErrValidation = errors.New("validation failed")

	// ErrQuotaExceeded is returned when the tenant's monthly channel quota
	// does not allow another message.
	ErrQuotaExceeded = errors.New("quota exceeded")

	// ErrPersistence is the root of every PersistenceError.
	ErrPersistence = errors.New("persistence failure")

	// ErrDispatch is returned (wrapped) when a provider call fails.
	ErrDispatch = errors.New("dispatch failed")

	// ErrPlanNotFound is returned when a plan does not exist for the tenant.
	ErrPlanNotFound = errors.New("plan not found")

	// ErrPlanNotActive is returned when paying or cancelling a plan that is
	// already completed or cancelled.
	ErrPlanNotActive = errors.New("plan is not active")

	// ErrConcurrentModification is returned when a plan changed between read
	// and write (two payments recorded at once). Safe to retry.
	ErrConcurrentModification = errors.New("concurrent modification detected")

	// ErrPatientNotFound is returned when a referenced patient doesn't exist.
	ErrPatientNotFound = errors.New("patient not found")

	// ErrDuplicateDelivery is returned when a delivery record with the same
	// idempotency key already exists. Expected when runs overlap.
	ErrDuplicateDelivery = errors.New("duplicate delivery")

	// ErrDeliveryNotFound is returned when closing an unknown record.
	ErrDeliveryNotFound = errors.New("delivery record not found")

	// ErrDeliveryAlreadyClosed is returned by a second close of the same record.
	ErrDeliveryAlreadyClosed = errors.New("delivery record already closed")

	// ErrRunInProgress is returned when a reminder run for the tenant is
	// already executing in this process.
	ErrRunInProgress = errors.New("reminder run already in progress")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// ValidationError describes a rejected input field.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation failed: " + e.Message
	}
	return fmt.Sprintf("validation failed: %s: %s", e.Field, e.Message)
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

func invalid(field, format string, args ...any) error {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

// QuotaExceededError carries the counter state that caused a denial.
type QuotaExceededError struct {
	TenantID TenantID
	Channel  Channel
	Reason   string
	Used     int
	Limit    *int
}

func (e *QuotaExceededError) Error() string {
	if e.Limit == nil {
		return fmt.Sprintf("quota exceeded for %s: %s", e.Channel, e.Reason)
	}
	return fmt.Sprintf("quota exceeded for %s: %s (used %d of %d)", e.Channel, e.Reason, e.Used, *e.Limit)
}

func (e *QuotaExceededError) Unwrap() error { return ErrQuotaExceeded }

// PersistenceError wraps a store failure with the operation that failed.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persistence failure during %s: %v", e.Op, e.Err)
}

// Unwrap exposes both the sentinel and the underlying cause.
func (e *PersistenceError) Unwrap() []error { return []error{ErrPersistence, e.Err} }

// Persistence wraps err as a PersistenceError unless it is nil or already a
// domain error the caller should see unchanged.
func Persistence(op string, err error) error {
	if err == nil {
		return nil
	}
	if IsClientError(err) || IsNotFound(err) || IsRetryable(err) || errors.Is(err, ErrPersistence) {
		return err
	}
	return &PersistenceError{Op: op, Err: err}
}

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsClientError returns true if the error is due to invalid client input.
func IsClientError(err error) bool {
	return errors.Is(err, ErrValidation) ||
		errors.Is(err, ErrPlanNotActive) ||
		errors.Is(err, ErrDuplicateDelivery) ||
		errors.Is(err, ErrDeliveryAlreadyClosed)
}

// IsRetryable returns true if the error might succeed on retry.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrConcurrentModification)
}

// IsNotFound returns true if the error indicates a missing resource.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrPlanNotFound) ||
		errors.Is(err, ErrPatientNotFound) ||
		errors.Is(err, ErrDeliveryNotFound)
}
