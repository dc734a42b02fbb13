package harness

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/roach88/possync/internal/engine"
	"github.com/roach88/possync/internal/policy"
	"github.com/roach88/possync/internal/resolver"
	"github.com/roach88/possync/internal/store"
	"github.com/roach88/possync/internal/testutil"
)

// Harness executes one scenario against a real engine and store.
type Harness struct {
	store  *store.Store
	engine *engine.Engine
	clock  *testutil.DeterministicClock
	logger *slog.Logger
}

// Run executes a scenario and returns the result.
//
// Each scenario runs in a fresh in-memory database for isolation.
// Deterministic helpers ensure reproducible results.
//
// Execution flow:
//  1. Compile the scenario policy, if any
//  2. Create a fresh in-memory store and seed the products
//  3. Reconcile every batch through the engine, checking expect clauses
//  4. Check final stock and the pending audit count
//
// The returned error is reserved for problems running the scenario itself
// (bad policy, store failure). Expectation mismatches are reported through
// Result.Errors.
func Run(scenario *Scenario) (*Result, error) {
	cfg := policy.Default()
	if strings.TrimSpace(scenario.Policy) != "" {
		var err error
		cfg, err = policy.CompileBytes(scenario.Name+".policy.cue", []byte(scenario.Policy))
		if err != nil {
			return nil, fmt.Errorf("failed to compile policy: %w", err)
		}
	}

	st, err := store.Open(":memory:")
	if err != nil {
		return nil, fmt.Errorf("failed to create in-memory store: %w", err)
	}
	defer st.Close()

	clock := testutil.NewDeterministicClock(time.Time{}, time.Second)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil)) // Suppress logs in scenarios

	res := resolver.New(
		resolver.WithPolicy(cfg.Resolver),
		resolver.WithLogger(logger),
	)
	eng := engine.New(st, res,
		engine.WithLogger(logger),
		engine.WithMaxAttempts(cfg.MaxApplyAttempts),
		engine.WithIDGenerator(testutil.NewSequenceGenerator("id")),
		engine.WithNow(clock.Now),
	)

	h := &Harness{
		store:  st,
		engine: eng,
		clock:  clock,
		logger: logger,
	}

	ctx := context.Background()
	result := NewResult()

	if err := h.seed(ctx, scenario.Products); err != nil {
		return nil, fmt.Errorf("failed to seed products: %w", err)
	}

	for i, step := range scenario.Batches {
		if err := h.executeBatch(ctx, i, step, result); err != nil {
			return nil, fmt.Errorf("failed to execute batch %d: %w", i, err)
		}
	}

	if err := h.checkFinalState(ctx, scenario, result); err != nil {
		return nil, fmt.Errorf("failed to read final state: %w", err)
	}

	return result, nil
}

func (h *Harness) seed(ctx context.Context, products []ProductSeed) error {
	for _, seed := range products {
		p, err := seed.Product()
		if err != nil {
			return err
		}
		p.UpdatedAt = h.clock.Now()
		if err := h.store.PutProduct(ctx, p); err != nil {
			return err
		}
	}
	return nil
}

// executeBatch reconciles one batch and records a trace event per mutation.
func (h *Harness) executeBatch(ctx context.Context, index int, step BatchStep, result *Result) error {
	batch := engine.Batch{DeviceID: step.Device}
	for _, ms := range step.Mutations {
		m, err := ms.Mutation(step.Device)
		if err != nil {
			return err
		}
		batch.Mutations = append(batch.Mutations, m)
	}

	report, err := h.engine.Reconcile(ctx, batch)
	if err != nil {
		var re *engine.ReconcileError
		if !errors.As(err, &re) {
			return err
		}
		result.AddTrace(TraceEvent{
			Batch:    index,
			DeviceID: step.Device,
			Error:    string(re.Code),
		})
		if step.ExpectError != string(re.Code) {
			result.AddError(fmt.Sprintf("batches[%d]: unexpected batch error: %v", index, err))
		}
		return nil
	}
	if step.ExpectError != "" {
		result.AddError(fmt.Sprintf("batches[%d]: expected batch error %s, batch was reconciled",
			index, step.ExpectError))
	}

	for j, out := range report.Outcomes {
		ev := TraceEvent{
			Batch:         index,
			DeviceID:      report.DeviceID,
			MutationID:    out.MutationID,
			ProductID:     out.ProductID,
			Reason:        out.Reason,
			StockAfter:    out.StockAfter,
			Clock:         out.Clock.Entries(),
			RequiresAudit: out.RequiresAudit,
			Replayed:      out.Replayed,
		}
		if out.Err != nil {
			ev.Error = string(out.Err.Code)
		} else {
			ev.Disposition = out.Disposition.String()
			ev.Causality = out.Causality.String()
		}
		result.AddTrace(ev)

		if expect := step.Mutations[j].Expect; expect != nil {
			checkExpect(fmt.Sprintf("batches[%d].mutations[%d] (%s)", index, j, out.MutationID), expect, out, result)
		} else if out.Err != nil {
			result.AddError(fmt.Sprintf("batches[%d].mutations[%d] (%s): unexpected error: %v",
				index, j, out.MutationID, out.Err))
		}
	}
	return nil
}

// checkExpect compares an outcome against the fields set in expect.
func checkExpect(where string, expect *ExpectClause, out engine.MutationOutcome, result *Result) {
	gotErr := ""
	if out.Err != nil {
		gotErr = string(out.Err.Code)
	}
	if gotErr != expect.Error {
		result.AddError(fmt.Sprintf("%s: error = %q, expected %q", where, gotErr, expect.Error))
		return
	}
	if gotErr != "" {
		return
	}

	if expect.Disposition != "" && out.Disposition.String() != expect.Disposition {
		result.AddError(fmt.Sprintf("%s: disposition = %s, expected %s", where, out.Disposition, expect.Disposition))
	}
	if expect.Stock != nil && out.StockAfter != *expect.Stock {
		result.AddError(fmt.Sprintf("%s: stock = %d, expected %d", where, out.StockAfter, *expect.Stock))
	}
	if expect.RequiresAudit != nil && out.RequiresAudit != *expect.RequiresAudit {
		result.AddError(fmt.Sprintf("%s: requires_audit = %t, expected %t", where, out.RequiresAudit, *expect.RequiresAudit))
	}
	if expect.Replayed != nil && out.Replayed != *expect.Replayed {
		result.AddError(fmt.Sprintf("%s: replayed = %t, expected %t", where, out.Replayed, *expect.Replayed))
	}
}

func (h *Harness) checkFinalState(ctx context.Context, scenario *Scenario, result *Result) error {
	products, err := h.store.Products(ctx)
	if err != nil {
		return err
	}
	for _, p := range products {
		result.FinalStock[p.ID] = p.Stock
	}

	pending, err := h.store.AuditEntries(ctx, store.AuditPending)
	if err != nil {
		return err
	}
	result.PendingAudits = len(pending)

	ids := make([]string, 0, len(scenario.FinalStock))
	for id := range scenario.FinalStock {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		want := scenario.FinalStock[id]
		got, ok := result.FinalStock[id]
		if !ok {
			result.AddError(fmt.Sprintf("final_stock: product %s does not exist", id))
			continue
		}
		if got != want {
			result.AddError(fmt.Sprintf("final_stock: product %s = %d, expected %d", id, got, want))
		}
	}

	if scenario.AuditCount != nil && result.PendingAudits != *scenario.AuditCount {
		result.AddError(fmt.Sprintf("audit_count = %d, expected %d", result.PendingAudits, *scenario.AuditCount))
	}
	return nil
}
