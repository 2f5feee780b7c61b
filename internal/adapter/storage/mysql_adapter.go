package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/rl1809/inventory-replenishment/internal/core/domain"
	"github.com/rl1809/inventory-replenishment/internal/port"
)

// MySQLAdapter is the ledger store on InnoDB. Every write locks the affected
// product rows in id order, applies the counter changes and appends the
// matching change events to the outbox in the same transaction.
type MySQLAdapter struct {
	db  *sqlx.DB
	now func() time.Time
}

func NewMySQLAdapter(db *sqlx.DB) *MySQLAdapter {
	return &MySQLAdapter{db: db, now: time.Now}
}

// SeedProduct inserts p with all of its items, stock records and totals.
func (m *MySQLAdapter) SeedProduct(ctx context.Context, p *domain.Product) error {
	if err := p.CheckTotals(); err != nil {
		return err
	}
	_, err := TxClosure(ctx, m.db, func(ctx context.Context, tx *sqlx.Tx) (struct{}, error) {
		return struct{}{}, insertProduct(ctx, tx, p)
	})
	return classifyError("seed product", err)
}

func (m *MySQLAdapter) GetProduct(ctx context.Context, productID string) (*domain.Product, error) {
	p, err := loadProduct(ctx, m.db, productID, false)
	if err != nil {
		return nil, classifyError("get product", err)
	}
	return p, nil
}

func (m *MySQLAdapter) GetTransaction(ctx context.Context, transactionID string) (*domain.Transaction, error) {
	t, err := loadTransaction(ctx, m.db, transactionID)
	if err != nil {
		return nil, classifyError("get transaction", err)
	}
	return t, nil
}

func (m *MySQLAdapter) CommitTransaction(ctx context.Context, t domain.Transaction) error {
	const op = "commit transaction"
	adjs, err := domain.CommitAdjustments(t)
	if err != nil {
		return domain.NewValidationError(op, err, "transaction %s", t.ID)
	}

	_, err = TxClosure(ctx, m.db, func(ctx context.Context, tx *sqlx.Tx) (struct{}, error) {
		before, after, err := lockAndApply(ctx, tx, op, adjs)
		if err != nil {
			return struct{}{}, err
		}
		for _, key := range replenishmentKeys(t) {
			if err := claimReplenishment(ctx, tx, op, key, t.ID); err != nil {
				return struct{}{}, err
			}
		}
		if err := insertTransaction(ctx, tx, t); err != nil {
			return struct{}{}, err
		}

		inserted, err := domain.NewTransactionInserted(t)
		if err != nil {
			return struct{}{}, err
		}
		events := []domain.ChangeEvent{inserted}
		for i := range after {
			if err := saveProductDiff(ctx, tx, before[i], after[i]); err != nil {
				return struct{}{}, err
			}
			ev, err := domain.NewProductUpdated(before[i], after[i], m.now())
			if err != nil {
				return struct{}{}, err
			}
			events = append(events, ev)
		}
		return struct{}{}, insertChanges(ctx, tx, events)
	})
	return classifyError(op, err)
}

func (m *MySQLAdapter) ApplyArrival(ctx context.Context, a domain.Arrival) error {
	const op = "apply arrival"
	_, err := TxClosure(ctx, m.db, func(ctx context.Context, tx *sqlx.Tx) (struct{}, error) {
		var arrived bool
		err := tx.GetContext(ctx, &arrived, `
			SELECT arrived FROM transaction_items WHERE transaction_id = ? AND line = ? FOR UPDATE`,
			a.TransactionID, a.Line)
		if errors.Is(err, sql.ErrNoRows) {
			return struct{}{}, fmt.Errorf("transaction %s line %d: %w", a.TransactionID, a.Line, domain.ErrNotFound)
		}
		if err != nil {
			return struct{}{}, fmt.Errorf("lock transaction item: %w", err)
		}
		if arrived {
			return struct{}{}, fmt.Errorf("transaction %s line %d: %w", a.TransactionID, a.Line, domain.ErrAlreadyArrived)
		}

		before, after, err := lockAndApply(ctx, tx, op, []domain.Adjustment{a.Adjustment()})
		if err != nil {
			return struct{}{}, err
		}

		at := a.At
		if at.IsZero() {
			at = m.now()
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE transaction_items SET arrived = TRUE WHERE transaction_id = ? AND line = ?`,
			a.TransactionID, a.Line); err != nil {
			return struct{}{}, fmt.Errorf("mark item arrived: %w", err)
		}
		if err := insertStatus(ctx, tx, a.TransactionID, a.Line, domain.ItemStatus{Name: domain.StatusArrived, UpdateTimestamp: at}); err != nil {
			return struct{}{}, err
		}

		t, err := loadTransaction(ctx, tx, a.TransactionID)
		if err != nil {
			return struct{}{}, err
		}
		if t.Automatic {
			if _, err := tx.ExecContext(ctx, `
				DELETE FROM replenishment_claims
				WHERE product_id = ? AND sku = ? AND location_id = ? AND transaction_id = ?`,
				a.ProductID, a.SKU, t.Location.Destination.ID, t.ID); err != nil {
				return struct{}{}, fmt.Errorf("release replenishment claim: %w", err)
			}
		}

		txEvent, err := domain.NewTransactionUpdated(*t, []string{fmt.Sprintf("items.%d.status", a.Line)}, at)
		if err != nil {
			return struct{}{}, err
		}
		events := []domain.ChangeEvent{txEvent}
		for i := range after {
			if err := saveProductDiff(ctx, tx, before[i], after[i]); err != nil {
				return struct{}{}, err
			}
			ev, err := domain.NewProductUpdated(before[i], after[i], at)
			if err != nil {
				return struct{}{}, err
			}
			events = append(events, ev)
		}
		return struct{}{}, insertChanges(ctx, tx, events)
	})
	return classifyError(op, err)
}

func (m *MySQLAdapter) HasOpenReplenishment(ctx context.Context, key domain.ReplenishmentKey) (bool, error) {
	var open bool
	err := m.db.GetContext(ctx, &open, `
		SELECT EXISTS (
			SELECT 1 FROM transactions t
			JOIN transaction_items i ON i.transaction_id = t.id
			WHERE t.automatic = TRUE AND t.type = ? AND t.destination_id = ?
				AND i.product_id = ? AND i.sku = ? AND i.arrived = FALSE
		)`,
		domain.TransactionInbound, key.LocationID, key.ProductID, key.SKU)
	if err != nil {
		return false, classifyError("has open replenishment", err)
	}
	return open, nil
}

func (m *MySQLAdapter) ListUndelivered(ctx context.Context) ([]domain.Transaction, error) {
	const op = "list undelivered"
	var ids []string
	if err := m.db.SelectContext(ctx, &ids, `
		SELECT t.id FROM transactions t
		WHERE t.type = ? AND EXISTS (
			SELECT 1 FROM transaction_items i WHERE i.transaction_id = t.id AND i.arrived = FALSE
		)
		ORDER BY t.placement_timestamp, t.id`, domain.TransactionInbound); err != nil {
		return nil, classifyError(op, err)
	}

	out := make([]domain.Transaction, 0, len(ids))
	for _, id := range ids {
		t, err := loadTransaction(ctx, m.db, id)
		if err != nil {
			return nil, classifyError(op, err)
		}
		out = append(out, *t)
	}
	return out, nil
}

func (m *MySQLAdapter) SetAutoreplenishment(ctx context.Context, productID string, enabled bool) error {
	return m.updateProduct(ctx, "set autoreplenishment", productID, func(p *domain.Product) error {
		p.Autoreplenishment = enabled
		return nil
	})
}

func (m *MySQLAdapter) UpdateStockSettings(ctx context.Context, productID string, settings domain.StockSettings) error {
	const op = "update stock settings"
	return m.updateProduct(ctx, op, productID, func(p *domain.Product) error {
		_, item := p.FindItem(settings.SKU)
		if item == nil {
			return domain.NewValidationError(op, domain.ErrUnknownItem, "%s/%s", productID, settings.SKU)
		}
		_, rec := item.FindStock(settings.Location)
		if rec == nil {
			return domain.NewValidationError(op, domain.ErrUnknownLocation, "%s has no stock at %s", settings.SKU, settings.Location)
		}
		rec.Threshold = settings.Threshold
		rec.Target = settings.Target
		return nil
	})
}

func (m *MySQLAdapter) updateProduct(ctx context.Context, op, productID string, mutate func(p *domain.Product) error) error {
	_, err := TxClosure(ctx, m.db, func(ctx context.Context, tx *sqlx.Tx) (struct{}, error) {
		current, err := loadProduct(ctx, tx, productID, true)
		if errors.Is(err, domain.ErrNotFound) {
			return struct{}{}, domain.NewValidationError(op, domain.ErrUnknownProduct, "product %s", productID)
		}
		if err != nil {
			return struct{}{}, err
		}
		next := current.Clone()
		if err := mutate(next); err != nil {
			return struct{}{}, err
		}
		if err := saveProductDiff(ctx, tx, current, next); err != nil {
			return struct{}{}, err
		}
		ev, err := domain.NewProductUpdated(current, next, m.now())
		if err != nil {
			return struct{}{}, err
		}
		if len(ev.ChangedFields) == 0 {
			return struct{}{}, nil
		}
		return struct{}{}, insertChanges(ctx, tx, []domain.ChangeEvent{ev})
	})
	return classifyError(op, err)
}

// NextValue increments the named counter outside of any ledger transaction,
// so a value handed out is never reused even when the commit that asked for
// it rolls back.
func (m *MySQLAdapter) NextValue(ctx context.Context, key string) (int64, error) {
	res, err := m.db.ExecContext(ctx, `
		INSERT INTO counters (name, seq_value) VALUES (?, LAST_INSERT_ID(1))
		ON DUPLICATE KEY UPDATE seq_value = LAST_INSERT_ID(seq_value + 1)`, key)
	if err != nil {
		return 0, fmt.Errorf("increment counter %s: %w", key, err)
	}
	n, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("read counter %s: %w", key, err)
	}
	return n, nil
}

type outboxRow struct {
	ID      int64  `db:"id"`
	Payload []byte `db:"payload"`
}

func (m *MySQLAdapter) PendingChanges(ctx context.Context, limit int) ([]port.OutboxRecord, error) {
	var rows []outboxRow
	if err := m.db.SelectContext(ctx, &rows, `
		SELECT id, payload FROM change_events WHERE published = FALSE ORDER BY id LIMIT ?`, limit); err != nil {
		return nil, classifyError("pending changes", err)
	}

	out := make([]port.OutboxRecord, 0, len(rows))
	for _, r := range rows {
		var ev domain.ChangeEvent
		if err := json.Unmarshal(r.Payload, &ev); err != nil {
			return nil, fmt.Errorf("decode change event %d: %w", r.ID, err)
		}
		out = append(out, port.OutboxRecord{Seq: r.ID, Event: ev})
	}
	return out, nil
}

func (m *MySQLAdapter) MarkPublished(ctx context.Context, seqs []int64) error {
	if len(seqs) == 0 {
		return nil
	}
	query, args, err := sqlx.In(`UPDATE change_events SET published = TRUE WHERE id IN (?)`, seqs)
	if err != nil {
		return fmt.Errorf("build mark published: %w", err)
	}
	if _, err := m.db.ExecContext(ctx, m.db.Rebind(query), args...); err != nil {
		return classifyError("mark published", err)
	}
	return nil
}

// lockAndApply locks every product touched by adjs in id order and applies
// adjs to copies. It returns the stored and the adjusted states side by side.
func lockAndApply(ctx context.Context, tx *sqlx.Tx, op string, adjs []domain.Adjustment) ([]*domain.Product, []*domain.Product, error) {
	var ids []string
	for _, adj := range adjs {
		if !slices.Contains(ids, adj.ProductID) {
			ids = append(ids, adj.ProductID)
		}
	}
	slices.Sort(ids)

	before := make([]*domain.Product, 0, len(ids))
	after := make([]*domain.Product, 0, len(ids))
	byID := make(map[string]*domain.Product, len(ids))
	for _, id := range ids {
		p, err := loadProduct(ctx, tx, id, true)
		if errors.Is(err, domain.ErrNotFound) {
			return nil, nil, domain.NewValidationError(op, domain.ErrUnknownProduct, "product %s", id)
		}
		if err != nil {
			return nil, nil, err
		}
		next := p.Clone()
		before = append(before, p)
		after = append(after, next)
		byID[id] = next
	}

	for _, adj := range adjs {
		if err := byID[adj.ProductID].Apply(adj); err != nil {
			return nil, nil, domain.NewValidationError(op, err, "product %s", adj.ProductID)
		}
	}
	return before, after, nil
}

func claimReplenishment(ctx context.Context, tx *sqlx.Tx, op string, key domain.ReplenishmentKey, transactionID string) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO replenishment_claims (product_id, sku, location_id, transaction_id) VALUES (?, ?, ?, ?)`,
		key.ProductID, key.SKU, key.LocationID, transactionID)
	if isDuplicateEntry(err) {
		return domain.NewValidationError(op, domain.ErrReplenishmentInFlight,
			"%s/%s at %s is already claimed", key.ProductID, key.SKU, key.LocationID)
	}
	if err != nil {
		return fmt.Errorf("claim replenishment: %w", err)
	}
	return nil
}

func insertChanges(ctx context.Context, tx *sqlx.Tx, events []domain.ChangeEvent) error {
	for _, ev := range events {
		payload, err := json.Marshal(ev)
		if err != nil {
			return fmt.Errorf("encode change event: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO change_events (collection, operation, document_id, payload) VALUES (?, ?, ?, ?)`,
			ev.Collection, ev.Operation, ev.DocumentID, payload); err != nil {
			return fmt.Errorf("insert change event: %w", err)
		}
	}
	return nil
}
