package resolver

import (
	"errors"
	"fmt"
)

// PreconditionCode categorizes caller contract violations.
type PreconditionCode string

const (
	// ErrCodeProductMismatch indicates the snapshot describes a different
	// product than the mutation.
	ErrCodeProductMismatch PreconditionCode = "PRODUCT_MISMATCH"
)

// PreconditionError reports that Resolve was called with inputs that violate
// its contract. No Resolution is produced.
type PreconditionError struct {
	Code            PreconditionCode
	Message         string
	MutationProduct string
	SnapshotProduct string
}

// Error implements the error interface.
func (e *PreconditionError) Error() string {
	return fmt.Sprintf("%s: %s (mutation product=%q, snapshot product=%q)",
		e.Code, e.Message, e.MutationProduct, e.SnapshotProduct)
}

// IsPreconditionError reports whether err is, or wraps, a PreconditionError.
func IsPreconditionError(err error) bool {
	var pe *PreconditionError
	return errors.As(err, &pe)
}

func newProductMismatch(local OfflineMutation, server ServerSnapshot) *PreconditionError {
	return &PreconditionError{
		Code:            ErrCodeProductMismatch,
		Message:         "snapshot does not describe the mutated product",
		MutationProduct: local.ProductID,
		SnapshotProduct: server.ProductID,
	}
}
