package engine

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/possync/internal/resolver"
	"github.com/roach88/possync/internal/store"
	"github.com/roach88/possync/internal/testutil"
	"github.com/roach88/possync/internal/vclock"
)

func setupTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(t.TempDir() + "/test.db")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestEngine(t *testing.T, s *store.Store, opts ...Option) *Engine {
	t.Helper()
	clock := testutil.NewDeterministicClock(time.Time{}, time.Second)
	base := []Option{
		WithLogger(discardLogger()),
		WithIDGenerator(testutil.NewSequenceGenerator("id")),
		WithNow(clock.Now),
	}
	return New(s, resolver.New(resolver.WithLogger(discardLogger())), append(base, opts...)...)
}

func seed(t *testing.T, s *store.Store, id string, stock int64, clock map[string]int64, controlled bool) {
	t.Helper()
	require.NoError(t, s.PutProduct(context.Background(), store.Product{
		ID:         id,
		Stock:      stock,
		Clock:      vclock.MustOf(clock),
		Controlled: controlled,
		UpdatedAt:  testutil.DefaultStart,
	}))
}

func sale(device, id, product string, delta int64, clock map[string]int64) resolver.OfflineMutation {
	return resolver.OfflineMutation{
		MutationID:    id,
		DeviceID:      device,
		ProductID:     product,
		QuantityDelta: delta,
		Clock:         vclock.MustOf(clock),
	}
}

func stockOf(t *testing.T, s *store.Store, id string) int64 {
	t.Helper()
	p, err := s.Product(context.Background(), id)
	require.NoError(t, err)
	return p.Stock
}

func TestEngine_New(t *testing.T) {
	s := setupTestStore(t)

	e := New(s, nil)

	assert.NotNil(t, e.resolver)
	assert.NotNil(t, e.locks)
	assert.Equal(t, DefaultMaxAttempts, e.MaxAttempts())
	assert.IsType(t, UUIDv7Generator{}, e.ids)
}

func TestEngine_WithMaxAttemptsIgnoresNonPositive(t *testing.T) {
	s := setupTestStore(t)
	assert.Equal(t, DefaultMaxAttempts, New(s, nil, WithMaxAttempts(0)).MaxAttempts())
	assert.Equal(t, 5, New(s, nil, WithMaxAttempts(5)).MaxAttempts())
}

func TestReconcile_Dispositions(t *testing.T) {
	tests := []struct {
		name        string
		stock       int64
		server      map[string]int64
		mutation    map[string]int64
		delta       int64
		controlled  bool
		disposition resolver.Disposition
		stockAfter  int64
		clockAfter  map[string]int64
		audit       bool
	}{
		{
			name: "never synced server applies local", stock: 10,
			server: nil, mutation: map[string]int64{"d1": 1}, delta: 2,
			disposition: resolver.ApplyLocal, stockAfter: 8, clockAfter: map[string]int64{"d1": 1},
		},
		{
			name: "server newer discards", stock: 10,
			server: map[string]int64{"d1": 2}, mutation: map[string]int64{"d1": 1}, delta: 2,
			disposition: resolver.DiscardLocal, stockAfter: 10, clockAfter: map[string]int64{"d1": 2},
		},
		{
			name: "concurrent merges", stock: 10,
			server: map[string]int64{"d1": 1, "d2": 1}, mutation: map[string]int64{"d1": 2, "d2": 0}, delta: 3,
			disposition: resolver.Merge, stockAfter: 7, clockAfter: map[string]int64{"d1": 2, "d2": 1},
		},
		{
			name: "controlled escalates with audit", stock: 10, controlled: true,
			server: map[string]int64{"d1": 1, "d2": 1}, mutation: map[string]int64{"d1": 2}, delta: 3,
			disposition: resolver.ManualIntervention, stockAfter: 10, clockAfter: map[string]int64{"d1": 1, "d2": 1}, audit: true,
		},
		{
			name: "negative stock escalates", stock: 10,
			server: map[string]int64{"d1": 1, "d2": 1}, mutation: map[string]int64{"d1": 2}, delta: 15,
			disposition: resolver.ManualIntervention, stockAfter: 10, clockAfter: map[string]int64{"d1": 1, "d2": 1},
		},
		{
			name: "equal clocks merge", stock: 5,
			server: map[string]int64{"d1": 3}, mutation: map[string]int64{"d1": 3}, delta: 2,
			disposition: resolver.Merge, stockAfter: 3, clockAfter: map[string]int64{"d1": 3},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := setupTestStore(t)
			e := newTestEngine(t, s)
			seed(t, s, "p1", tt.stock, tt.server, false)

			m := sale("d1", "m1", "p1", tt.delta, tt.mutation)
			m.ControlledSubstance = tt.controlled

			report, err := e.Reconcile(context.Background(), Batch{DeviceID: "d1", Mutations: []resolver.OfflineMutation{m}})
			require.NoError(t, err)
			require.Len(t, report.Outcomes, 1)

			out := report.Outcomes[0]
			require.Nil(t, out.Err)
			assert.Equal(t, tt.disposition, out.Disposition)
			assert.Equal(t, tt.stockAfter, out.StockAfter)
			assert.Equal(t, tt.clockAfter, out.Clock.Entries())
			assert.Equal(t, tt.audit, out.RequiresAudit)
			assert.Equal(t, 1, out.Attempts)
			assert.Equal(t, tt.stockAfter, stockOf(t, s, "p1"))

			entries, err := s.AuditEntries(context.Background(), store.AuditPending)
			require.NoError(t, err)
			if tt.disposition == resolver.ManualIntervention {
				require.Len(t, entries, 1)
				assert.Equal(t, out.AuditID, entries[0].ID)
			} else {
				assert.Empty(t, entries)
				assert.Empty(t, out.AuditID)
			}
		})
	}
}

func TestReconcile_ReportCounts(t *testing.T) {
	s := setupTestStore(t)
	e := newTestEngine(t, s)
	seed(t, s, "p1", 10, nil, false)
	seed(t, s, "p2", 10, map[string]int64{"d1": 9}, false)
	seed(t, s, "p3", 1, map[string]int64{"d9": 1}, false)

	report, err := e.Reconcile(context.Background(), Batch{
		DeviceID: "d1",
		Mutations: []resolver.OfflineMutation{
			sale("d1", "m1", "p1", 1, map[string]int64{"d1": 1}),    // apply
			sale("d1", "m2", "p2", 1, map[string]int64{"d1": 2}),    // discard
			sale("d1", "m3", "p3", 5, map[string]int64{"d1": 3}),    // negative stock
			sale("d1", "m4", "ghost", 1, map[string]int64{"d1": 4}), // unknown product
		},
	})
	require.NoError(t, err)

	assert.Equal(t, "id-0001", report.BatchID)
	assert.Equal(t, "d1", report.DeviceID)
	assert.Equal(t, 1, report.Applied)
	assert.Equal(t, 1, report.Discarded)
	assert.Equal(t, 1, report.Escalated)
	assert.Equal(t, 1, report.Failed)
	assert.Equal(t, 0, report.Replayed)

	failed := report.Outcomes[3]
	require.NotNil(t, failed.Err)
	assert.Equal(t, ErrCodeProductNotFound, failed.Err.Code)
	assert.ErrorIs(t, failed.Err, store.ErrProductNotFound)
}

func TestReconcile_SequentialSalesFromOneDevice(t *testing.T) {
	s := setupTestStore(t)
	e := newTestEngine(t, s)
	seed(t, s, "p1", 10, nil, false)

	var mutations []resolver.OfflineMutation
	for i := int64(1); i <= 3; i++ {
		mutations = append(mutations, sale("d1", fmt.Sprintf("m%d", i), "p1", 2, map[string]int64{"d1": i}))
	}

	report, err := e.Reconcile(context.Background(), Batch{DeviceID: "d1", Mutations: mutations})
	require.NoError(t, err)

	assert.Equal(t, 3, report.Applied)
	for _, out := range report.Outcomes {
		assert.Equal(t, resolver.ApplyLocal, out.Disposition)
		assert.Equal(t, vclock.After, out.Causality)
	}
	assert.Equal(t, int64(4), stockOf(t, s, "p1"))
}

func TestReconcile_ReplayIsIdempotent(t *testing.T) {
	s := setupTestStore(t)
	e := newTestEngine(t, s)
	seed(t, s, "p1", 10, nil, false)

	batch := Batch{DeviceID: "d1", Mutations: []resolver.OfflineMutation{
		sale("d1", "m1", "p1", 3, map[string]int64{"d1": 1}),
		sale("d1", "m2", "p1", 2, map[string]int64{"d1": 2}),
	}}

	first, err := e.Reconcile(context.Background(), batch)
	require.NoError(t, err)
	assert.Equal(t, 2, first.Applied)

	second, err := e.Reconcile(context.Background(), batch)
	require.NoError(t, err)
	assert.Equal(t, 2, second.Replayed)
	assert.Equal(t, 0, second.Applied)
	assert.NotEqual(t, first.BatchID, second.BatchID)
	for i, out := range second.Outcomes {
		assert.True(t, out.Replayed)
		assert.Equal(t, first.Outcomes[i].Disposition, out.Disposition)
		assert.Equal(t, first.Outcomes[i].StockAfter, out.StockAfter)
	}

	assert.Equal(t, int64(5), stockOf(t, s, "p1"))
	outcomes, err := s.Outcomes(context.Background(), "p1")
	require.NoError(t, err)
	assert.Len(t, outcomes, 2)
}

func TestReconcile_InvalidBatch(t *testing.T) {
	tests := []struct {
		name  string
		batch Batch
	}{
		{"no device", Batch{Mutations: []resolver.OfflineMutation{sale("d1", "m1", "p1", 1, nil)}}},
		{"foreign device", Batch{DeviceID: "d1", Mutations: []resolver.OfflineMutation{
			sale("d1", "m1", "p1", 1, map[string]int64{"d1": 1}),
			sale("d2", "m2", "p1", 1, map[string]int64{"d2": 1}),
		}}},
		{"no mutation id", Batch{DeviceID: "d1", Mutations: []resolver.OfflineMutation{sale("d1", "", "p1", 1, nil)}}},
		{"no product id", Batch{DeviceID: "d1", Mutations: []resolver.OfflineMutation{sale("d1", "m1", "", 1, nil)}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := setupTestStore(t)
			e := newTestEngine(t, s)
			seed(t, s, "p1", 10, nil, false)

			report, err := e.Reconcile(context.Background(), tt.batch)
			require.Error(t, err)
			assert.Nil(t, report)
			assert.True(t, IsInvalidBatch(err))

			// Nothing from a rejected batch is applied, including valid mutations
			// that precede the bad one.
			assert.Equal(t, int64(10), stockOf(t, s, "p1"))
		})
	}
}

func TestReconcile_ServerControlledFlagOverridesDevice(t *testing.T) {
	s := setupTestStore(t)
	e := newTestEngine(t, s)
	seed(t, s, "p1", 10, map[string]int64{"d2": 1}, true)

	report, err := e.Reconcile(context.Background(), Batch{DeviceID: "d1", Mutations: []resolver.OfflineMutation{
		sale("d1", "m1", "p1", 1, map[string]int64{"d1": 1}),
	}})
	require.NoError(t, err)

	out := report.Outcomes[0]
	assert.Equal(t, resolver.ManualIntervention, out.Disposition)
	assert.True(t, out.RequiresAudit)
	assert.Equal(t, resolver.ReasonControlled, out.Reason)
}

func TestReconcile_RetriesStaleSnapshot(t *testing.T) {
	s := setupTestStore(t)
	e := newTestEngine(t, s)
	seed(t, s, "p1", 10, nil, false)

	// A competing writer lands between the first snapshot and its commit.
	e.beforeApply = func(m resolver.OfflineMutation, attempt int) {
		if attempt == 1 {
			seed(t, s, "p1", 20, map[string]int64{"d9": 1}, false)
		}
	}

	report, err := e.Reconcile(context.Background(), Batch{DeviceID: "d1", Mutations: []resolver.OfflineMutation{
		sale("d1", "m1", "p1", 4, map[string]int64{"d1": 1}),
	}})
	require.NoError(t, err)

	out := report.Outcomes[0]
	require.Nil(t, out.Err)
	assert.Equal(t, 2, out.Attempts)
	// Re-resolved against {d9:1}: concurrent, merged.
	assert.Equal(t, resolver.Merge, out.Disposition)
	assert.Equal(t, int64(16), out.StockAfter)
	assert.Equal(t, map[string]int64{"d1": 1, "d9": 1}, out.Clock.Entries())
}

func TestReconcile_RetriesWhenStockMovesUnderEqualClock(t *testing.T) {
	s := setupTestStore(t)
	e := newTestEngine(t, s)
	seed(t, s, "p1", 10, map[string]int64{"d1": 1}, false)

	// The competing write keeps the clock and only corrects the stock.
	e.beforeApply = func(m resolver.OfflineMutation, attempt int) {
		if attempt == 1 {
			seed(t, s, "p1", 7, map[string]int64{"d1": 1}, false)
		}
	}

	report, err := e.Reconcile(context.Background(), Batch{DeviceID: "d1", Mutations: []resolver.OfflineMutation{
		sale("d1", "m1", "p1", 2, map[string]int64{"d1": 1}),
	}})
	require.NoError(t, err)

	out := report.Outcomes[0]
	require.Nil(t, out.Err)
	assert.Equal(t, 2, out.Attempts)
	assert.Equal(t, resolver.Merge, out.Disposition)
	assert.Equal(t, int64(5), out.StockAfter)
	assert.Equal(t, int64(5), stockOf(t, s, "p1"))
}

func TestReconcile_AttemptsExhausted(t *testing.T) {
	s := setupTestStore(t)
	e := newTestEngine(t, s, WithMaxAttempts(2))
	seed(t, s, "p1", 10, nil, false)

	e.beforeApply = func(m resolver.OfflineMutation, attempt int) {
		seed(t, s, "p1", 10, map[string]int64{"d9": int64(attempt)}, false)
	}

	report, err := e.Reconcile(context.Background(), Batch{DeviceID: "d1", Mutations: []resolver.OfflineMutation{
		sale("d1", "m1", "p1", 1, map[string]int64{"d1": 1}),
	}})
	require.NoError(t, err)

	out := report.Outcomes[0]
	require.NotNil(t, out.Err)
	assert.True(t, IsAttemptsExhausted(out.Err))
	assert.ErrorIs(t, out.Err, store.ErrStaleSnapshot)
	assert.Equal(t, 2, out.Attempts)
	assert.Equal(t, 1, report.Failed)

	has, err := s.HasOutcome(context.Background(), "d1", "m1")
	require.NoError(t, err)
	assert.False(t, has)
}

func TestReconcile_ContextCancelled(t *testing.T) {
	s := setupTestStore(t)
	e := newTestEngine(t, s)
	seed(t, s, "p1", 10, nil, false)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	report, err := e.Reconcile(ctx, Batch{DeviceID: "d1", Mutations: []resolver.OfflineMutation{
		sale("d1", "m1", "p1", 1, map[string]int64{"d1": 1}),
	}})
	require.ErrorIs(t, err, context.Canceled)
	require.NotNil(t, report)
	assert.Empty(t, report.Outcomes)
	assert.Equal(t, int64(10), stockOf(t, s, "p1"))
}

func TestReconcile_ConcurrentDevicesSameProduct(t *testing.T) {
	s := setupTestStore(t)
	e := newTestEngine(t, s)
	seed(t, s, "p1", 100, nil, false)

	const devices = 10
	var wg sync.WaitGroup
	reports := make([]*Report, devices)
	errs := make([]error, devices)
	for i := 0; i < devices; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			device := fmt.Sprintf("d%02d", i)
			reports[i], errs[i] = e.Reconcile(context.Background(), Batch{
				DeviceID:  device,
				Mutations: []resolver.OfflineMutation{sale(device, "m1", "p1", 1, map[string]int64{device: 1})},
			})
		}(i)
	}
	wg.Wait()

	for i := 0; i < devices; i++ {
		require.NoError(t, errs[i])
		out := reports[i].Outcomes[0]
		require.Nil(t, out.Err)
		assert.Contains(t, []resolver.Disposition{resolver.ApplyLocal, resolver.Merge}, out.Disposition)
		assert.Equal(t, 1, out.Attempts)
	}

	p, err := s.Product(context.Background(), "p1")
	require.NoError(t, err)
	assert.Equal(t, int64(90), p.Stock)
	assert.Equal(t, devices, p.Clock.Len())
	assert.Equal(t, 0, e.locks.size())
}
