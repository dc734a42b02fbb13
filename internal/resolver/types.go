package resolver

import (
	"fmt"
	"time"

	"github.com/roach88/possync/internal/vclock"
)

// OfflineMutation is one stock-affecting sale recorded on a device while it
// was disconnected.
type OfflineMutation struct {
	// MutationID identifies the sale on the device. The core does not use it;
	// drivers key acknowledgements on it.
	MutationID string `json:"mutation_id"`

	// DeviceID is the originating device (the clock's owning node).
	DeviceID string `json:"device_id"`

	// ProductID is the affected product.
	ProductID string `json:"product_id"`

	// QuantityDelta is the quantity sold. It is subtracted from server stock.
	QuantityDelta int64 `json:"quantity_delta"`

	// ControlledSubstance marks products subject to compliance audit.
	ControlledSubstance bool `json:"controlled_substance"`

	// Clock is the device clock at the moment of the sale.
	Clock vclock.Clock `json:"clock"`

	// LocalTimestamp is informational only and never used for ordering.
	LocalTimestamp time.Time `json:"local_timestamp,omitempty"`
}

// ServerSnapshot is the server's authoritative view of a product at
// resolution time.
type ServerSnapshot struct {
	ProductID    string       `json:"product_id"`
	CurrentStock int64        `json:"current_stock"`
	Clock        vclock.Clock `json:"clock"`
	LastUpdated  time.Time    `json:"last_updated,omitempty"`
}

// Disposition is the resolver's terminal decision.
type Disposition int

const (
	// DiscardLocal drops the mutation: the server already reflects it or newer.
	DiscardLocal Disposition = iota + 1
	// ApplyLocal applies the mutation as-is: the device clock dominates.
	ApplyLocal
	// Merge applies the mutation and persists the merged clock.
	Merge
	// ManualIntervention routes the mutation to human review.
	ManualIntervention
)

var dispositionNames = map[Disposition]string{
	DiscardLocal:       "DISCARD_LOCAL",
	ApplyLocal:         "APPLY_LOCAL",
	Merge:              "MERGE",
	ManualIntervention: "MANUAL_INTERVENTION",
}

// String returns the upper-case name, e.g. "MANUAL_INTERVENTION".
func (d Disposition) String() string {
	if name, ok := dispositionNames[d]; ok {
		return name
	}
	return fmt.Sprintf("Disposition(%d)", int(d))
}

// Valid reports whether d is one of the four defined dispositions.
func (d Disposition) Valid() bool {
	_, ok := dispositionNames[d]
	return ok
}

// AffectsStock reports whether applying d changes server stock.
func (d Disposition) AffectsStock() bool {
	switch d {
	case ApplyLocal, Merge:
		return true
	case DiscardLocal, ManualIntervention:
		return false
	default:
		return false
	}
}

// ParseDisposition parses the upper-case name produced by String.
func ParseDisposition(s string) (Disposition, error) {
	for d, name := range dispositionNames {
		if name == s {
			return d, nil
		}
	}
	return 0, fmt.Errorf("resolver: unknown disposition %q", s)
}

// MarshalText implements encoding.TextMarshaler.
func (d Disposition) MarshalText() ([]byte, error) {
	if !d.Valid() {
		return nil, fmt.Errorf("resolver: cannot marshal invalid disposition %d", int(d))
	}
	return []byte(d.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Disposition) UnmarshalText(text []byte) error {
	parsed, err := ParseDisposition(string(text))
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}

// Resolution is the outcome of Resolve. The caller owns applying it.
type Resolution struct {
	Disposition Disposition `json:"disposition"`

	// Causality is the classification of the local clock against the server
	// clock that led to Disposition.
	Causality vclock.Causality `json:"causality"`

	Reason string `json:"reason"`

	// MergedClock is set only for Merge.
	MergedClock *vclock.Clock `json:"merged_clock,omitempty"`

	// ProjectedStock is set whenever a stock-affecting decision was reached,
	// including the negative value that triggered a manual intervention.
	ProjectedStock *int64 `json:"projected_stock,omitempty"`

	// RequiresAudit marks controlled-substance escalations that must also be
	// written to the compliance log.
	RequiresAudit bool `json:"requires_audit"`
}

// Stock returns the projected stock and whether it was set.
func (r Resolution) Stock() (int64, bool) {
	if r.ProjectedStock == nil {
		return 0, false
	}
	return *r.ProjectedStock, true
}

// Clock returns the merged clock and whether it was set.
func (r Resolution) Clock() (vclock.Clock, bool) {
	if r.MergedClock == nil {
		return vclock.Clock{}, false
	}
	return *r.MergedClock, true
}
