package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/roach88/possync/internal/resolver"
	"github.com/roach88/possync/internal/vclock"
)

// rowScanner is implemented by *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

// Product returns the product with the given id, or ErrProductNotFound.
func (s *Store) Product(ctx context.Context, id string) (Product, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, name, stock, clock, controlled, updated_at
		FROM products WHERE id = ?
	`, id)
	p, err := scanProduct(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Product{}, fmt.Errorf("product %s: %w", id, ErrProductNotFound)
	}
	if err != nil {
		return Product{}, err
	}
	return p, nil
}

// Snapshot returns the resolver view of a product, or ErrProductNotFound.
func (s *Store) Snapshot(ctx context.Context, productID string) (resolver.ServerSnapshot, error) {
	p, err := s.Product(ctx, productID)
	if err != nil {
		return resolver.ServerSnapshot{}, err
	}
	return p.Snapshot(), nil
}

// Products returns every product ordered by id.
// Returns an empty slice (not nil) when there are none.
func (s *Store) Products(ctx context.Context) ([]Product, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, stock, clock, controlled, updated_at
		FROM products
		ORDER BY id COLLATE BINARY ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("query products: %w", err)
	}
	defer rows.Close()

	products := []Product{}
	for rows.Next() {
		p, err := scanProduct(rows)
		if err != nil {
			return nil, err
		}
		products = append(products, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate products: %w", err)
	}
	return products, nil
}

func scanProduct(row rowScanner) (Product, error) {
	var (
		p          Product
		clockJSON  string
		controlled int
		updatedAt  string
	)
	if err := row.Scan(&p.ID, &p.Name, &p.Stock, &clockJSON, &controlled, &updatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Product{}, err
		}
		return Product{}, fmt.Errorf("scan product: %w", err)
	}

	var err error
	if p.Clock, err = unmarshalClock(clockJSON); err != nil {
		return Product{}, fmt.Errorf("scan product %s: %w", p.ID, err)
	}
	if p.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return Product{}, fmt.Errorf("scan product %s: %w", p.ID, err)
	}
	p.Controlled = controlled != 0
	return p, nil
}

// HasOutcome reports whether the mutation was already acknowledged.
func (s *Store) HasOutcome(ctx context.Context, deviceID, mutationID string) (bool, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM outcomes WHERE device_id = ? AND mutation_id = ?
	`, deviceID, mutationID).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("check outcome: %w", err)
	}
	return count > 0, nil
}

const outcomeColumns = `
	seq, device_id, mutation_id, batch_id, product_id, disposition, causality, reason,
	quantity_delta, stock_before, stock_after, clock_after, requires_audit, recorded_at`

// Outcome returns the recorded outcome of a mutation.
// Returns sql.ErrNoRows if not found.
func (s *Store) Outcome(ctx context.Context, deviceID, mutationID string) (Outcome, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+outcomeColumns+`
		FROM outcomes WHERE device_id = ? AND mutation_id = ?
	`, deviceID, mutationID)
	return scanOutcome(row)
}

// Outcomes returns outcomes ordered by seq. An empty productID returns
// outcomes for every product.
func (s *Store) Outcomes(ctx context.Context, productID string) ([]Outcome, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+outcomeColumns+`
		FROM outcomes
		WHERE ? = '' OR product_id = ?
		ORDER BY seq ASC
	`, productID, productID)
	if err != nil {
		return nil, fmt.Errorf("query outcomes: %w", err)
	}
	defer rows.Close()

	outcomes := []Outcome{}
	for rows.Next() {
		o, err := scanOutcome(rows)
		if err != nil {
			return nil, err
		}
		outcomes = append(outcomes, o)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate outcomes: %w", err)
	}
	return outcomes, nil
}

func scanOutcome(row rowScanner) (Outcome, error) {
	var (
		o           Outcome
		disposition string
		causality   string
		clockJSON   string
		audit       int
		recordedAt  string
	)
	err := row.Scan(
		&o.Seq, &o.DeviceID, &o.MutationID, &o.BatchID, &o.ProductID,
		&disposition, &causality, &o.Reason,
		&o.QuantityDelta, &o.StockBefore, &o.StockAfter, &clockJSON, &audit, &recordedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Outcome{}, err
		}
		return Outcome{}, fmt.Errorf("scan outcome: %w", err)
	}

	if o.Disposition, err = resolver.ParseDisposition(disposition); err != nil {
		return Outcome{}, fmt.Errorf("scan outcome %d: %w", o.Seq, err)
	}
	if o.Causality, err = vclock.ParseCausality(causality); err != nil {
		return Outcome{}, fmt.Errorf("scan outcome %d: %w", o.Seq, err)
	}
	if o.Clock, err = unmarshalClock(clockJSON); err != nil {
		return Outcome{}, fmt.Errorf("scan outcome %d: %w", o.Seq, err)
	}
	if o.RecordedAt, err = parseTime(recordedAt); err != nil {
		return Outcome{}, fmt.Errorf("scan outcome %d: %w", o.Seq, err)
	}
	o.RequiresAudit = audit != 0
	return o, nil
}

const auditColumns = `
	id, seq, device_id, mutation_id, product_id, quantity_delta, reason,
	mutation_clock, requires_audit, status, created_at, resolved_at`

// AuditEntry returns one audit entry, or ErrAuditNotFound.
func (s *Store) AuditEntry(ctx context.Context, id string) (AuditEntry, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+auditColumns+` FROM audit_queue WHERE id = ?`, id)
	e, err := scanAudit(row)
	if errors.Is(err, sql.ErrNoRows) {
		return AuditEntry{}, fmt.Errorf("audit entry %s: %w", id, ErrAuditNotFound)
	}
	return e, err
}

// AuditEntries returns audit entries ordered by seq. An empty status
// returns every entry.
func (s *Store) AuditEntries(ctx context.Context, status AuditStatus) ([]AuditEntry, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+auditColumns+`
		FROM audit_queue
		WHERE ? = '' OR status = ?
		ORDER BY seq ASC
	`, string(status), string(status))
	if err != nil {
		return nil, fmt.Errorf("query audit entries: %w", err)
	}
	defer rows.Close()

	entries := []AuditEntry{}
	for rows.Next() {
		e, err := scanAudit(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate audit entries: %w", err)
	}
	return entries, nil
}

func scanAudit(row rowScanner) (AuditEntry, error) {
	var (
		e          AuditEntry
		clockJSON  string
		audit      int
		status     string
		createdAt  string
		resolvedAt sql.NullString
	)
	err := row.Scan(
		&e.ID, &e.Seq, &e.DeviceID, &e.MutationID, &e.ProductID, &e.QuantityDelta, &e.Reason,
		&clockJSON, &audit, &status, &createdAt, &resolvedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return AuditEntry{}, err
		}
		return AuditEntry{}, fmt.Errorf("scan audit entry: %w", err)
	}

	if e.Clock, err = unmarshalClock(clockJSON); err != nil {
		return AuditEntry{}, fmt.Errorf("scan audit entry %s: %w", e.ID, err)
	}
	if e.Status, err = ParseAuditStatus(status); err != nil {
		return AuditEntry{}, fmt.Errorf("scan audit entry %s: %w", e.ID, err)
	}
	if e.CreatedAt, err = parseTime(createdAt); err != nil {
		return AuditEntry{}, fmt.Errorf("scan audit entry %s: %w", e.ID, err)
	}
	if resolvedAt.Valid {
		t, err := parseTime(resolvedAt.String)
		if err != nil {
			return AuditEntry{}, fmt.Errorf("scan audit entry %s: %w", e.ID, err)
		}
		e.ResolvedAt = &t
	}
	e.RequiresAudit = audit != 0
	return e, nil
}
