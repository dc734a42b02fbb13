package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/roach88/possync/internal/resolver"
	"github.com/roach88/possync/internal/store"
)

// DefaultMaxAttempts is the default number of optimistic commits per
// mutation before it is reported as ATTEMPTS_EXHAUSTED.
const DefaultMaxAttempts = 3

// Engine reconciles device batches against a store.
//
// Thread-safety: Reconcile is safe for concurrent use. Mutations on the same
// product are serialized; mutations on different products proceed in
// parallel up to what the store allows.
type Engine struct {
	store       *store.Store
	resolver    *resolver.Resolver
	logger      *slog.Logger
	ids         IDGenerator
	now         func() time.Time
	maxAttempts int
	locks       *productLocks

	// beforeApply runs before every commit attempt. Tests use it to
	// simulate a competing writer.
	beforeApply func(m resolver.OfflineMutation, attempt int)
}

// Option allows configuration of engine parameters.
type Option func(*Engine)

// WithLogger sets the logger. Default: slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) {
		e.logger = l
	}
}

// WithMaxAttempts sets the optimistic commit attempts per mutation.
// Values below 1 are ignored.
//
// Default: 3 (DefaultMaxAttempts)
func WithMaxAttempts(n int) Option {
	return func(e *Engine) {
		if n >= 1 {
			e.maxAttempts = n
		}
	}
}

// WithIDGenerator sets the batch and audit id source.
//
// Default: UUIDv7Generator
func WithIDGenerator(g IDGenerator) Option {
	return func(e *Engine) {
		e.ids = g
	}
}

// WithNow sets the wall-time source used for recorded timestamps.
// Timestamps are informational; nothing is ordered by them.
//
// Default: time.Now
func WithNow(now func() time.Time) Option {
	return func(e *Engine) {
		e.now = now
	}
}

// New creates an Engine over st that resolves with res.
// A nil res uses the default policy.
func New(st *store.Store, res *resolver.Resolver, opts ...Option) *Engine {
	if res == nil {
		res = resolver.New()
	}
	e := &Engine{
		store:       st,
		resolver:    res,
		ids:         UUIDv7Generator{},
		now:         time.Now,
		maxAttempts: DefaultMaxAttempts,
		locks:       newProductLocks(),
	}

	for _, opt := range opts {
		opt(e)
	}

	return e
}

func (e *Engine) log() *slog.Logger {
	if e.logger == nil {
		return slog.Default()
	}
	return e.logger
}

// MaxAttempts returns the configured optimistic commit attempts.
func (e *Engine) MaxAttempts() int {
	return e.maxAttempts
}

// Reconcile processes every mutation of batch in order and returns a report
// with one outcome per mutation.
//
// A malformed batch is rejected as a whole with an INVALID_BATCH
// ReconcileError and nothing is applied. Per-mutation failures are recorded
// in the report and do not stop the batch. Context cancellation stops the
// batch; the partial report is returned with ctx.Err().
func (e *Engine) Reconcile(ctx context.Context, batch Batch) (*Report, error) {
	if err := validateBatch(batch); err != nil {
		return nil, err
	}

	report := &Report{
		BatchID:  e.ids.Generate(),
		DeviceID: batch.DeviceID,
		Outcomes: make([]MutationOutcome, 0, len(batch.Mutations)),
	}
	logger := e.log().With("batch_id", report.BatchID, "device_id", batch.DeviceID)
	logger.Info("reconciling batch", "mutations", len(batch.Mutations))

	for _, m := range batch.Mutations {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		out := e.reconcileOne(ctx, logger, report.BatchID, m)
		if out.Err != nil && ctx.Err() != nil {
			return report, ctx.Err()
		}
		report.add(out)
	}

	logger.Info("batch reconciled",
		"applied", report.Applied,
		"discarded", report.Discarded,
		"escalated", report.Escalated,
		"replayed", report.Replayed,
		"failed", report.Failed,
	)
	return report, nil
}

func validateBatch(b Batch) error {
	if b.DeviceID == "" {
		return newInvalidBatch("batch has no device id")
	}
	for i, m := range b.Mutations {
		if m.MutationID == "" {
			return newInvalidBatch("mutation %d has no mutation id", i)
		}
		if m.DeviceID != b.DeviceID {
			return newInvalidBatch("mutation %s belongs to device %q, batch is from %q", m.MutationID, m.DeviceID, b.DeviceID)
		}
		if m.ProductID == "" {
			return newInvalidBatch("mutation %s has no product id", m.MutationID)
		}
	}
	return nil
}

func (e *Engine) reconcileOne(ctx context.Context, logger *slog.Logger, batchID string, m resolver.OfflineMutation) MutationOutcome {
	logger = logger.With("mutation_id", m.MutationID, "product_id", m.ProductID)

	unlock := e.locks.lock(m.ProductID)
	defer unlock()

	if prev, ok, err := e.previousOutcome(ctx, m); err != nil {
		return failed(m, ErrCodeStore, "read previous outcome", err)
	} else if ok {
		logger.Debug("mutation already acknowledged", "disposition", prev.Disposition.String())
		return prev
	}

	for attempt := 1; attempt <= e.maxAttempts; attempt++ {
		product, err := e.store.Product(ctx, m.ProductID)
		if errors.Is(err, store.ErrProductNotFound) {
			logger.Warn("mutation for unknown product")
			return failed(m, ErrCodeProductNotFound, "product does not exist", err)
		}
		if err != nil {
			return failed(m, ErrCodeStore, "read product", err)
		}

		local := m
		// The server's controlled flag overrides the device's.
		if product.Controlled {
			local.ControlledSubstance = true
		}
		snap := product.Snapshot()

		res, err := e.resolver.Resolve(local, snap)
		if err != nil {
			return failed(m, ErrCodePrecondition, "resolve", err)
		}

		app := store.Application{
			BatchID:       batchID,
			Mutation:      local,
			Resolution:    res,
			ExpectedClock: snap.Clock,
			ExpectedStock: snap.CurrentStock,
			At:            e.now(),
		}
		if res.Disposition == resolver.ManualIntervention {
			app.AuditID = e.ids.Generate()
		}

		if e.beforeApply != nil {
			e.beforeApply(m, attempt)
		}

		committed, err := e.store.Apply(ctx, app)
		switch {
		case errors.Is(err, store.ErrStaleSnapshot):
			logger.Warn("stale snapshot, retrying",
				"attempt", attempt,
				"max_attempts", e.maxAttempts,
			)
			continue
		case errors.Is(err, store.ErrAlreadyApplied):
			prev, ok, perr := e.previousOutcome(ctx, m)
			if perr != nil || !ok {
				return failed(m, ErrCodeStore, "read previous outcome", err)
			}
			return prev
		case err != nil:
			return failed(m, ErrCodeStore, "apply", err)
		}

		if res.RequiresAudit {
			logger.Warn("controlled substance sale routed to audit",
				slog.Group("compliance",
					"required", true,
					"audit_id", app.AuditID,
					"device_id", m.DeviceID,
					"quantity_delta", m.QuantityDelta,
					"local_timestamp", m.LocalTimestamp,
				),
			)
		}
		logger.Debug("mutation committed",
			"disposition", res.Disposition.String(),
			"causality", res.Causality.String(),
			"stock_after", committed.StockAfter,
		)

		return MutationOutcome{
			MutationID:    m.MutationID,
			ProductID:     m.ProductID,
			Disposition:   committed.Disposition,
			Causality:     committed.Causality,
			Reason:        committed.Reason,
			StockAfter:    committed.StockAfter,
			Clock:         committed.Clock,
			RequiresAudit: committed.RequiresAudit,
			AuditID:       app.AuditID,
			Attempts:      attempt,
		}
	}

	logger.Error("giving up after stale snapshots", "attempts", e.maxAttempts)
	out := failed(m, ErrCodeAttemptsExhausted,
		fmt.Sprintf("snapshot went stale %d times", e.maxAttempts), store.ErrStaleSnapshot)
	out.Attempts = e.maxAttempts
	return out
}

// previousOutcome returns the recorded outcome of m, if any, as a replayed
// MutationOutcome.
func (e *Engine) previousOutcome(ctx context.Context, m resolver.OfflineMutation) (MutationOutcome, bool, error) {
	has, err := e.store.HasOutcome(ctx, m.DeviceID, m.MutationID)
	if err != nil || !has {
		return MutationOutcome{}, false, err
	}
	prev, err := e.store.Outcome(ctx, m.DeviceID, m.MutationID)
	if err != nil {
		return MutationOutcome{}, false, err
	}
	return MutationOutcome{
		MutationID:    prev.MutationID,
		ProductID:     prev.ProductID,
		Disposition:   prev.Disposition,
		Causality:     prev.Causality,
		Reason:        prev.Reason,
		StockAfter:    prev.StockAfter,
		Clock:         prev.Clock,
		RequiresAudit: prev.RequiresAudit,
		Replayed:      true,
	}, true, nil
}

func failed(m resolver.OfflineMutation, code ReconcileErrorCode, msg string, err error) MutationOutcome {
	return MutationOutcome{
		MutationID: m.MutationID,
		ProductID:  m.ProductID,
		Err: &ReconcileError{
			Code:       code,
			Message:    msg,
			DeviceID:   m.DeviceID,
			MutationID: m.MutationID,
			ProductID:  m.ProductID,
			Err:        err,
		},
	}
}
