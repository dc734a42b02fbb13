package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/roach88/possync/internal/resolver"
	"github.com/roach88/possync/internal/vclock"
)

// PutProduct inserts or replaces a product row. Used for seeding and
// administrative corrections; synchronized writes go through Apply.
func (s *Store) PutProduct(ctx context.Context, p Product) error {
	if p.ID == "" {
		return fmt.Errorf("put product: empty id")
	}
	clockJSON, err := marshalClock(p.Clock)
	if err != nil {
		return fmt.Errorf("put product: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO products (id, name, stock, clock, controlled, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			stock = excluded.stock,
			clock = excluded.clock,
			controlled = excluded.controlled,
			updated_at = excluded.updated_at
	`,
		p.ID,
		p.Name,
		p.Stock,
		clockJSON,
		boolToInt(p.Controlled),
		formatTime(p.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("put product: %w", err)
	}
	return nil
}

// Apply commits one resolution in a single transaction:
//
//  1. the stored clock and stock must equal app.ExpectedClock and
//     app.ExpectedStock, else ErrStaleSnapshot
//  2. ApplyLocal and Merge update stock and clock
//  3. the outcome is appended with the next seq
//  4. ManualIntervention also appends an audit entry in PENDING
//
// Nothing is written when any step fails.
func (s *Store) Apply(ctx context.Context, app Application) (Outcome, error) {
	m := app.Mutation
	res := app.Resolution
	if !res.Disposition.Valid() {
		return Outcome{}, fmt.Errorf("apply: invalid disposition %d", int(res.Disposition))
	}
	if res.Disposition == resolver.ManualIntervention && app.AuditID == "" {
		return Outcome{}, fmt.Errorf("apply: manual intervention requires an audit id")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Outcome{}, fmt.Errorf("apply: begin tx: %w", err)
	}
	defer tx.Rollback() // No-op if committed

	var (
		stockBefore int64
		storedJSON  string
	)
	err = tx.QueryRowContext(ctx, `SELECT stock, clock FROM products WHERE id = ?`, m.ProductID).
		Scan(&stockBefore, &storedJSON)
	if errors.Is(err, sql.ErrNoRows) {
		return Outcome{}, fmt.Errorf("apply %s: %w", m.ProductID, ErrProductNotFound)
	}
	if err != nil {
		return Outcome{}, fmt.Errorf("apply: read product: %w", err)
	}
	stored, err := unmarshalClock(storedJSON)
	if err != nil {
		return Outcome{}, fmt.Errorf("apply: %w", err)
	}
	if !stored.Equal(app.ExpectedClock) || stockBefore != app.ExpectedStock {
		return Outcome{}, fmt.Errorf("apply %s: stored %s stock=%d, expected %s stock=%d: %w",
			m.ProductID, stored, stockBefore, app.ExpectedClock, app.ExpectedStock, ErrStaleSnapshot)
	}

	var exists int
	err = tx.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM outcomes WHERE device_id = ? AND mutation_id = ?
	`, m.DeviceID, m.MutationID).Scan(&exists)
	if err != nil {
		return Outcome{}, fmt.Errorf("apply: check outcome: %w", err)
	}
	if exists > 0 {
		return Outcome{}, fmt.Errorf("apply %s/%s: %w", m.DeviceID, m.MutationID, ErrAlreadyApplied)
	}

	stockAfter, clockAfter := stockBefore, stored
	if res.Disposition.AffectsStock() {
		stockAfter, clockAfter, err = nextState(m, res, stored)
		if err != nil {
			return Outcome{}, fmt.Errorf("apply: %w", err)
		}
		clockJSON, err := marshalClock(clockAfter)
		if err != nil {
			return Outcome{}, fmt.Errorf("apply: %w", err)
		}
		_, err = tx.ExecContext(ctx, `
			UPDATE products SET stock = ?, clock = ?, updated_at = ? WHERE id = ?
		`, stockAfter, clockJSON, formatTime(app.At), m.ProductID)
		if err != nil {
			return Outcome{}, fmt.Errorf("apply: update product: %w", err)
		}
	}

	seq, err := nextSeq(ctx, tx, "outcomes")
	if err != nil {
		return Outcome{}, fmt.Errorf("apply: %w", err)
	}
	clockAfterJSON, err := marshalClock(clockAfter)
	if err != nil {
		return Outcome{}, fmt.Errorf("apply: %w", err)
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO outcomes
		(seq, device_id, mutation_id, batch_id, product_id, disposition, causality, reason,
		 quantity_delta, stock_before, stock_after, clock_after, requires_audit, recorded_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		seq,
		m.DeviceID,
		m.MutationID,
		app.BatchID,
		m.ProductID,
		res.Disposition.String(),
		res.Causality.String(),
		res.Reason,
		m.QuantityDelta,
		stockBefore,
		stockAfter,
		clockAfterJSON,
		boolToInt(res.RequiresAudit),
		formatTime(app.At),
	)
	if err != nil {
		return Outcome{}, fmt.Errorf("apply: insert outcome: %w", err)
	}

	if res.Disposition == resolver.ManualIntervention {
		if err := insertAudit(ctx, tx, app); err != nil {
			return Outcome{}, fmt.Errorf("apply: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return Outcome{}, fmt.Errorf("apply: commit: %w", err)
	}

	return Outcome{
		Seq:           seq,
		DeviceID:      m.DeviceID,
		MutationID:    m.MutationID,
		BatchID:       app.BatchID,
		ProductID:     m.ProductID,
		Disposition:   res.Disposition,
		Causality:     res.Causality,
		Reason:        res.Reason,
		QuantityDelta: m.QuantityDelta,
		StockBefore:   stockBefore,
		StockAfter:    stockAfter,
		Clock:         clockAfter,
		RequiresAudit: res.RequiresAudit,
		RecordedAt:    app.At.UTC(),
	}, nil
}

// nextState computes the committed stock and clock for a stock-affecting
// resolution. ApplyLocal persists the local clock joined with the stored
// one, which equals the local clock when it dominates.
func nextState(m resolver.OfflineMutation, res resolver.Resolution, stored vclock.Clock) (int64, vclock.Clock, error) {
	stock, ok := res.Stock()
	if !ok {
		return 0, vclock.Clock{}, fmt.Errorf("%s resolution has no projected stock", res.Disposition)
	}
	if res.Disposition == resolver.Merge {
		merged, ok := res.Clock()
		if !ok {
			return 0, vclock.Clock{}, fmt.Errorf("merge resolution has no merged clock")
		}
		return stock, merged, nil
	}
	return stock, m.Clock.Merge(stored), nil
}

func insertAudit(ctx context.Context, tx *sql.Tx, app Application) error {
	m := app.Mutation
	seq, err := nextSeq(ctx, tx, "audit_queue")
	if err != nil {
		return err
	}
	clockJSON, err := marshalClock(m.Clock)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO audit_queue
		(id, seq, device_id, mutation_id, product_id, quantity_delta, reason,
		 mutation_clock, requires_audit, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		app.AuditID,
		seq,
		m.DeviceID,
		m.MutationID,
		m.ProductID,
		m.QuantityDelta,
		app.Resolution.Reason,
		clockJSON,
		boolToInt(app.Resolution.RequiresAudit),
		string(AuditPending),
		formatTime(app.At),
	)
	if err != nil {
		return fmt.Errorf("insert audit entry: %w", err)
	}
	return nil
}

// nextSeq returns the next logical sequence number for table. Must run
// inside the writing transaction.
func nextSeq(ctx context.Context, tx *sql.Tx, table string) (int64, error) {
	var seq int64
	query := fmt.Sprintf("SELECT COALESCE(MAX(seq), 0) + 1 FROM %s", table)
	if err := tx.QueryRowContext(ctx, query).Scan(&seq); err != nil {
		return 0, fmt.Errorf("next seq for %s: %w", table, err)
	}
	return seq, nil
}

// ResolveAudit moves a PENDING entry to APPROVED or REJECTED.
//
// It does not change stock: an approved sale is re-entered by an operator
// through the normal sync path.
func (s *Store) ResolveAudit(ctx context.Context, id string, status AuditStatus, at time.Time) error {
	if !status.Terminal() {
		return fmt.Errorf("resolve audit: status must be %s or %s, got %q", AuditApproved, AuditRejected, status)
	}

	result, err := s.db.ExecContext(ctx, `
		UPDATE audit_queue SET status = ?, resolved_at = ?
		WHERE id = ? AND status = ?
	`, string(status), formatTime(at), id, string(AuditPending))
	if err != nil {
		return fmt.Errorf("resolve audit: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("resolve audit: rows affected: %w", err)
	}
	if n > 0 {
		return nil
	}

	var current string
	err = s.db.QueryRowContext(ctx, `SELECT status FROM audit_queue WHERE id = ?`, id).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("resolve audit %s: %w", id, ErrAuditNotFound)
	}
	if err != nil {
		return fmt.Errorf("resolve audit: %w", err)
	}
	return fmt.Errorf("resolve audit %s (%s): %w", id, current, ErrAuditResolved)
}
