package store

import (
	"fmt"
	"time"

	"github.com/roach88/possync/internal/resolver"
	"github.com/roach88/possync/internal/vclock"
)

// Product is the server's authoritative inventory row.
type Product struct {
	ID    string       `json:"id"`
	Name  string       `json:"name,omitempty"`
	Stock int64        `json:"stock"`
	Clock vclock.Clock `json:"clock"`

	// Controlled marks the product as a controlled substance on the
	// server side, independent of what devices report.
	Controlled bool `json:"controlled"`

	UpdatedAt time.Time `json:"updated_at"`
}

// Snapshot returns the product as the resolver sees it.
func (p Product) Snapshot() resolver.ServerSnapshot {
	return resolver.ServerSnapshot{
		ProductID:    p.ID,
		CurrentStock: p.Stock,
		Clock:        p.Clock,
		LastUpdated:  p.UpdatedAt,
	}
}

// Application is a resolved mutation ready to be committed.
type Application struct {
	BatchID    string
	Mutation   resolver.OfflineMutation
	Resolution resolver.Resolution

	// ExpectedClock is the server clock of the snapshot the resolution was
	// computed from. Apply fails with ErrStaleSnapshot if it has moved.
	ExpectedClock vclock.Clock

	// ExpectedStock is the stock of that snapshot. An EQUAL merge leaves the
	// clock unchanged, so the clock alone can not detect a competing write.
	ExpectedStock int64

	// AuditID identifies the review entry. Required for ManualIntervention.
	AuditID string

	At time.Time
}

// Outcome is the acknowledged result of one mutation.
type Outcome struct {
	Seq           int64                `json:"seq"`
	DeviceID      string               `json:"device_id"`
	MutationID    string               `json:"mutation_id"`
	BatchID       string               `json:"batch_id"`
	ProductID     string               `json:"product_id"`
	Disposition   resolver.Disposition `json:"disposition"`
	Causality     vclock.Causality     `json:"causality"`
	Reason        string               `json:"reason"`
	QuantityDelta int64                `json:"quantity_delta"`
	StockBefore   int64                `json:"stock_before"`
	StockAfter    int64                `json:"stock_after"`
	Clock         vclock.Clock         `json:"clock"`
	RequiresAudit bool                 `json:"requires_audit"`
	RecordedAt    time.Time            `json:"recorded_at"`
}

// AuditStatus is the review state of a manual-intervention entry.
type AuditStatus string

const (
	AuditPending  AuditStatus = "PENDING"
	AuditApproved AuditStatus = "APPROVED"
	AuditRejected AuditStatus = "REJECTED"
)

// ParseAuditStatus parses one of PENDING, APPROVED or REJECTED.
func ParseAuditStatus(s string) (AuditStatus, error) {
	switch st := AuditStatus(s); st {
	case AuditPending, AuditApproved, AuditRejected:
		return st, nil
	default:
		return "", fmt.Errorf("unknown audit status %q", s)
	}
}

// Terminal reports whether the status ends the review.
func (s AuditStatus) Terminal() bool {
	return s == AuditApproved || s == AuditRejected
}

// AuditEntry is a mutation waiting for, or past, human review.
type AuditEntry struct {
	ID            string       `json:"id"`
	Seq           int64        `json:"seq"`
	DeviceID      string       `json:"device_id"`
	MutationID    string       `json:"mutation_id"`
	ProductID     string       `json:"product_id"`
	QuantityDelta int64        `json:"quantity_delta"`
	Reason        string       `json:"reason"`
	Clock         vclock.Clock `json:"clock"`

	// RequiresAudit is set for controlled-substance escalations, which also
	// go to the compliance log.
	RequiresAudit bool `json:"requires_audit"`

	Status     AuditStatus `json:"status"`
	CreatedAt  time.Time   `json:"created_at"`
	ResolvedAt *time.Time  `json:"resolved_at,omitempty"`
}

const timeLayout = time.RFC3339Nano

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse time %q: %w", s, err)
	}
	return t, nil
}

func marshalClock(c vclock.Clock) (string, error) {
	b, err := c.MarshalJSON()
	if err != nil {
		return "", fmt.Errorf("marshal clock: %w", err)
	}
	return string(b), nil
}

func unmarshalClock(s string) (vclock.Clock, error) {
	var c vclock.Clock
	if err := c.UnmarshalJSON([]byte(s)); err != nil {
		return vclock.Clock{}, fmt.Errorf("unmarshal clock: %w", err)
	}
	return c, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
