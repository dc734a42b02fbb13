package engine

import (
	"errors"
	"fmt"
)

// ReconcileError describes why a batch, or a single mutation in it, could
// not be reconciled.
type ReconcileError struct {
	// Code identifies the error category.
	Code ReconcileErrorCode `json:"code"`

	// Message is a human-readable description.
	Message string `json:"message"`

	DeviceID   string `json:"device_id,omitempty"`
	MutationID string `json:"mutation_id,omitempty"`
	ProductID  string `json:"product_id,omitempty"`

	// Err is the underlying cause, if any.
	Err error `json:"-"`
}

// ReconcileErrorCode categorizes reconcile errors.
type ReconcileErrorCode string

const (
	// ErrCodeInvalidBatch rejects the whole batch before anything is applied.
	ErrCodeInvalidBatch ReconcileErrorCode = "INVALID_BATCH"

	// ErrCodeProductNotFound indicates the mutated product is unknown.
	ErrCodeProductNotFound ReconcileErrorCode = "PRODUCT_NOT_FOUND"

	// ErrCodeAttemptsExhausted indicates every optimistic commit found a
	// stale snapshot.
	ErrCodeAttemptsExhausted ReconcileErrorCode = "ATTEMPTS_EXHAUSTED"

	// ErrCodePrecondition indicates the resolver rejected its inputs.
	ErrCodePrecondition ReconcileErrorCode = "PRECONDITION_FAILED"

	// ErrCodeStore indicates an unexpected storage failure.
	ErrCodeStore ReconcileErrorCode = "STORE_FAILURE"
)

// Error implements the error interface.
func (e *ReconcileError) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Code, e.Message)
	if e.MutationID != "" {
		msg = fmt.Sprintf("%s (device=%s, mutation=%s)", msg, e.DeviceID, e.MutationID)
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

// Unwrap returns the underlying cause.
func (e *ReconcileError) Unwrap() error {
	return e.Err
}

// IsInvalidBatch returns true if the error rejected a whole batch.
// Uses errors.As to handle wrapped errors.
func IsInvalidBatch(err error) bool {
	return hasCode(err, ErrCodeInvalidBatch)
}

// IsAttemptsExhausted returns true if the error is a stale-snapshot give-up.
func IsAttemptsExhausted(err error) bool {
	return hasCode(err, ErrCodeAttemptsExhausted)
}

func hasCode(err error, code ReconcileErrorCode) bool {
	var re *ReconcileError
	if errors.As(err, &re) {
		return re.Code == code
	}
	return false
}

func newInvalidBatch(format string, args ...any) *ReconcileError {
	return &ReconcileError{
		Code:    ErrCodeInvalidBatch,
		Message: fmt.Sprintf(format, args...),
	}
}
