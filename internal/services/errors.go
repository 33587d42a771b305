// Package services defines the business logic for the credit ledger, the guest
// credit gate, and the generation task lifecycle. This file centralizes the
// service-level error taxonomy so that service methods return consistent
// values and callers can branch on them with errors.Is / errors.As.
//
// Translation into user-facing messages or HTTP status codes is performed at
// the handler layer.
package services

import (
	"errors"
	"fmt"
)

// Sentinel errors.
var (
	// ErrTaskNotFound indicates that the referenced task does not exist or is
	// not visible to the caller.
	ErrTaskNotFound = errors.New("task not found")

	// ErrLotNotFound indicates that the referenced credit lot does not exist.
	ErrLotNotFound = errors.New("credit lot not found")

	// ErrWebhookMalformed is recorded when no provider job id can be extracted
	// from a webhook payload. It is logged, never returned to the provider.
	ErrWebhookMalformed = errors.New("webhook payload malformed")

	// ErrProviderRejected marks a provider fault that will not succeed on retry
	// (bad request, authentication, quota).
	ErrProviderRejected = errors.New("provider rejected request")

	// ErrProviderTransient marks a provider fault that may succeed on retry
	// (timeouts, connection errors, 429, 5xx).
	ErrProviderTransient = errors.New("provider temporarily unavailable")

	// ErrOrphanedJob is returned when the provider accepted a job but the task
	// row and credit deduction could not be committed. The job has been
	// recorded for reconciliation.
	ErrOrphanedJob = errors.New("provider job accepted but not committed")

	// ErrRequestInProgress is returned when an idempotency key is reserved by
	// a request that has not finished yet.
	ErrRequestInProgress = errors.New("request with this idempotency key is in progress")
)

// ValidationError reports malformed caller input. It is always returned
// before any side effect happens.
type ValidationError struct {
	Field string
	Msg   string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation failed: " + e.Msg
	}
	return fmt.Sprintf("validation failed: %s: %s", e.Field, e.Msg)
}

func invalid(field, msg string) error { return &ValidationError{Field: field, Msg: msg} }

// CreditInsufficientError reports that the spendable balance is below the
// required amount. Balance and Required let callers route to a top-up flow.
type CreditInsufficientError struct {
	Balance  int64
	Required int64
}

func (e *CreditInsufficientError) Error() string {
	return fmt.Sprintf("insufficient credits: balance %d, required %d", e.Balance, e.Required)
}

// ProviderError wraps a failed provider call. Err wraps ErrProviderRejected or
// ErrProviderTransient; Retryable mirrors the latter.
type ProviderError struct {
	Op        string // "submit" or "query"
	Retryable bool
	Err       error
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("provider %s failed: %v", e.Op, e.Err)
}

func (e *ProviderError) Unwrap() error { return e.Err }

// newProviderError classifies err as retryable unless it wraps
// ErrProviderRejected. Unknown errors are treated as transient.
func newProviderError(op string, err error) *ProviderError {
	return &ProviderError{Op: op, Retryable: !errors.Is(err, ErrProviderRejected), Err: err}
}

// TaskStateError reports an operation that is incompatible with the task's
// current status (e.g. starting a task that is not pending).
type TaskStateError struct {
	TaskNo string
	Status string
	Op     string
}

func (e *TaskStateError) Error() string {
	return fmt.Sprintf("task %s: cannot %s in status %s", e.TaskNo, e.Op, e.Status)
}

// IsRetryable reports whether err is a provider failure the caller may retry.
func IsRetryable(err error) bool {
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe.Retryable
	}
	return errors.Is(err, ErrProviderTransient)
}
