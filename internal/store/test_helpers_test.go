package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/roach88/possync/internal/resolver"
	"github.com/roach88/possync/internal/vclock"
)

var testTime = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// createTestStore creates a new file-backed store in a temp dir.
func createTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// seedProduct writes a product and fails the test on error.
func seedProduct(t *testing.T, s *Store, id string, stock int64, clock map[string]int64) Product {
	t.Helper()
	p := Product{
		ID:        id,
		Name:      "Product " + id,
		Stock:     stock,
		Clock:     vclock.MustOf(clock),
		UpdatedAt: testTime,
	}
	if err := s.PutProduct(context.Background(), p); err != nil {
		t.Fatalf("PutProduct(%s) failed: %v", id, err)
	}
	return p
}

// createTestApplication resolves a mutation against the stored snapshot and
// wraps it into an Application.
func createTestApplication(t *testing.T, s *Store, mutationID, productID string, delta int64, clock map[string]int64, controlled bool) Application {
	t.Helper()
	snap, err := s.Snapshot(context.Background(), productID)
	if err != nil {
		t.Fatalf("Snapshot(%s) failed: %v", productID, err)
	}
	m := resolver.OfflineMutation{
		MutationID:          mutationID,
		DeviceID:            "d1",
		ProductID:           productID,
		QuantityDelta:       delta,
		ControlledSubstance: controlled,
		Clock:               vclock.MustOf(clock),
	}
	res, err := resolver.Resolve(m, snap)
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	return Application{
		BatchID:       "batch-1",
		Mutation:      m,
		Resolution:    res,
		ExpectedClock: snap.Clock,
		ExpectedStock: snap.CurrentStock,
		AuditID:       "audit-" + mutationID,
		At:            testTime.Add(time.Minute),
	}
}
