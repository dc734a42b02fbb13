package engine

import (
	"github.com/roach88/possync/internal/resolver"
	"github.com/roach88/possync/internal/vclock"
)

// Batch is one device upload.
type Batch struct {
	DeviceID  string                     `json:"device_id"`
	Mutations []resolver.OfflineMutation `json:"mutations"`
}

// MutationOutcome is what happened to one mutation of a batch.
type MutationOutcome struct {
	MutationID string `json:"mutation_id"`
	ProductID  string `json:"product_id"`

	Disposition resolver.Disposition `json:"disposition,omitempty"`
	Causality   vclock.Causality     `json:"causality,omitempty"`
	Reason      string               `json:"reason,omitempty"`

	// StockAfter is the committed stock of the product after this mutation.
	StockAfter int64 `json:"stock_after"`

	// Clock is the committed server clock after this mutation.
	Clock vclock.Clock `json:"clock"`

	RequiresAudit bool   `json:"requires_audit"`
	AuditID       string `json:"audit_id,omitempty"`

	// Replayed is set when the mutation already had an outcome and was
	// acknowledged without resolving again.
	Replayed bool `json:"replayed"`

	// Attempts is the number of optimistic commits tried.
	Attempts int `json:"attempts"`

	Err *ReconcileError `json:"error,omitempty"`
}

// Report summarizes a reconciled batch.
type Report struct {
	BatchID  string            `json:"batch_id"`
	DeviceID string            `json:"device_id"`
	Outcomes []MutationOutcome `json:"outcomes"`

	Applied   int `json:"applied"`
	Discarded int `json:"discarded"`
	Escalated int `json:"escalated"`
	Replayed  int `json:"replayed"`
	Failed    int `json:"failed"`
}

func (r *Report) add(o MutationOutcome) {
	r.Outcomes = append(r.Outcomes, o)
	switch {
	case o.Err != nil:
		r.Failed++
	case o.Replayed:
		r.Replayed++
	default:
		switch o.Disposition {
		case resolver.ApplyLocal, resolver.Merge:
			r.Applied++
		case resolver.DiscardLocal:
			r.Discarded++
		case resolver.ManualIntervention:
			r.Escalated++
		}
	}
}
