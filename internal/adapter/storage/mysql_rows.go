package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/rl1809/inventory-replenishment/internal/core/domain"
)

type productRow struct {
	ID                string `db:"id"`
	Name              string `db:"name"`
	Color             string `db:"color"`
	Image             string `db:"image"`
	Autoreplenishment bool   `db:"autoreplenishment"`
}

type itemRow struct {
	SKU            string `db:"sku"`
	Size           string `db:"size"`
	DeliveryAmount int    `db:"delivery_amount"`
	DeliveryUnit   string `db:"delivery_unit"`
}

type stockRow struct {
	SKU              string `db:"sku"`
	LocationType     string `db:"location_type"`
	LocationID       string `db:"location_id"`
	LocationName     string `db:"location_name"`
	LocationAreaCode string `db:"location_area_code"`
	Amount           int    `db:"amount"`
	Ordered          int    `db:"ordered"`
	Threshold        int    `db:"threshold"`
	Target           int    `db:"target"`
}

func (r stockRow) record() domain.StockRecord {
	return domain.StockRecord{
		Location: domain.LocationRef{
			Type:     domain.LocationType(r.LocationType),
			ID:       r.LocationID,
			Name:     r.LocationName,
			AreaCode: r.LocationAreaCode,
		},
		Amount:    r.Amount,
		Ordered:   r.Ordered,
		Threshold: r.Threshold,
		Target:    r.Target,
	}
}

type transactionRow struct {
	ID                  string    `db:"id"`
	Type                string    `db:"type"`
	OriginType          string    `db:"origin_type"`
	OriginID            string    `db:"origin_id"`
	OriginName          string    `db:"origin_name"`
	OriginAreaCode      string    `db:"origin_area_code"`
	DestinationType     string    `db:"destination_type"`
	DestinationID       string    `db:"destination_id"`
	DestinationName     string    `db:"destination_name"`
	DestinationAreaCode string    `db:"destination_area_code"`
	PlacementTimestamp  time.Time `db:"placement_timestamp"`
	SequenceNumber      *int64    `db:"sequence_number"`
	Automatic           bool      `db:"automatic"`
	UserID              string    `db:"user_id"`
}

func newTransactionRow(t domain.Transaction) transactionRow {
	return transactionRow{
		ID:                  t.ID,
		Type:                string(t.Type),
		OriginType:          string(t.Location.Origin.Type),
		OriginID:            t.Location.Origin.ID,
		OriginName:          t.Location.Origin.Name,
		OriginAreaCode:      t.Location.Origin.AreaCode,
		DestinationType:     string(t.Location.Destination.Type),
		DestinationID:       t.Location.Destination.ID,
		DestinationName:     t.Location.Destination.Name,
		DestinationAreaCode: t.Location.Destination.AreaCode,
		PlacementTimestamp:  t.PlacementTimestamp,
		SequenceNumber:      t.SequenceNumber,
		Automatic:           t.Automatic,
		UserID:              t.UserID,
	}
}

type transactionItemRow struct {
	TransactionID  string `db:"transaction_id"`
	Line           int    `db:"line"`
	ProductID      string `db:"product_id"`
	ProductName    string `db:"product_name"`
	ProductColor   string `db:"product_color"`
	ProductImage   string `db:"product_image"`
	SKU            string `db:"sku"`
	Size           string `db:"size"`
	Amount         int    `db:"amount"`
	DeliveryAmount int    `db:"delivery_amount"`
	DeliveryUnit   string `db:"delivery_unit"`
	Arrived        bool   `db:"arrived"`
}

type statusRow struct {
	Line            int       `db:"line"`
	Name            string    `db:"name"`
	UpdateTimestamp time.Time `db:"update_timestamp"`
}

// loadProduct reads the full aggregate. With forUpdate the product row is
// locked until the surrounding transaction ends; every writer takes that lock
// first, so the child rows read afterwards are stable.
func loadProduct(ctx context.Context, q sqlx.QueryerContext, productID string, forUpdate bool) (*domain.Product, error) {
	query := `SELECT id, name, color, image, autoreplenishment FROM products WHERE id = ?`
	if forUpdate {
		query += ` FOR UPDATE`
	}
	var pr productRow
	if err := sqlx.GetContext(ctx, q, &pr, query, productID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("product %s: %w", productID, domain.ErrNotFound)
		}
		return nil, fmt.Errorf("query product: %w", err)
	}

	var items []itemRow
	if err := sqlx.SelectContext(ctx, q, &items, `
		SELECT sku, size, delivery_amount, delivery_unit
		FROM product_items WHERE product_id = ? ORDER BY position`, productID); err != nil {
		return nil, fmt.Errorf("query product items: %w", err)
	}
	var stock []stockRow
	if err := sqlx.SelectContext(ctx, q, &stock, `
		SELECT sku, location_type, location_id, location_name, location_area_code, amount, ordered, threshold, target
		FROM stock_levels WHERE product_id = ? ORDER BY position`, productID); err != nil {
		return nil, fmt.Errorf("query stock levels: %w", err)
	}
	var totals []stockRow
	if err := sqlx.SelectContext(ctx, q, &totals, `
		SELECT '' AS sku, location_type, location_id, location_name, location_area_code, amount, ordered, 0 AS threshold, 0 AS target
		FROM stock_totals WHERE product_id = ? ORDER BY position`, productID); err != nil {
		return nil, fmt.Errorf("query stock totals: %w", err)
	}

	p := &domain.Product{
		ID:                pr.ID,
		Name:              pr.Name,
		Color:             pr.Color,
		Image:             pr.Image,
		Autoreplenishment: pr.Autoreplenishment,
		Items:             make([]domain.Item, 0, len(items)),
		TotalStockSum:     make([]domain.StockRecord, 0, len(totals)),
	}
	for _, it := range items {
		p.Items = append(p.Items, domain.Item{
			SKU:          it.SKU,
			Size:         it.Size,
			DeliveryTime: domain.DeliveryTime{Amount: it.DeliveryAmount, Unit: it.DeliveryUnit},
		})
	}
	for _, s := range stock {
		_, item := p.FindItem(s.SKU)
		if item == nil {
			return nil, fmt.Errorf("stock level for unknown item %s/%s", productID, s.SKU)
		}
		item.Stock = append(item.Stock, s.record())
	}
	for _, t := range totals {
		p.TotalStockSum = append(p.TotalStockSum, t.record())
	}
	return p, nil
}

// saveProductDiff writes the counters and settings that differ between before
// and after. Both must describe the same items and locations.
func saveProductDiff(ctx context.Context, tx *sqlx.Tx, before, after *domain.Product) error {
	if before.Autoreplenishment != after.Autoreplenishment {
		if _, err := tx.ExecContext(ctx, `UPDATE products SET autoreplenishment = ? WHERE id = ?`,
			after.Autoreplenishment, after.ID); err != nil {
			return fmt.Errorf("update product: %w", err)
		}
	}
	for _, it := range after.Items {
		_, prevItem := before.FindItem(it.SKU)
		for _, rec := range it.Stock {
			if prevItem != nil {
				if _, prev := prevItem.FindStock(rec.Location); prev != nil && *prev == rec {
					continue
				}
			}
			if _, err := tx.ExecContext(ctx, `
				UPDATE stock_levels SET amount = ?, ordered = ?, threshold = ?, target = ?
				WHERE product_id = ? AND sku = ? AND location_type = ? AND location_id = ?`,
				rec.Amount, rec.Ordered, rec.Threshold, rec.Target,
				after.ID, it.SKU, rec.Location.Type, rec.Location.ID,
			); err != nil {
				return fmt.Errorf("update stock level: %w", err)
			}
		}
	}
	for _, total := range after.TotalStockSum {
		_, prev := before.FindTotal(total.Location)
		if prev != nil && prev.Amount == total.Amount && prev.Ordered == total.Ordered {
			continue
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE stock_totals SET amount = ?, ordered = ?
			WHERE product_id = ? AND location_type = ? AND location_id = ?`,
			total.Amount, total.Ordered, after.ID, total.Location.Type, total.Location.ID,
		); err != nil {
			return fmt.Errorf("update stock total: %w", err)
		}
	}
	return nil
}

// insertProduct writes a new aggregate with all of its rows.
func insertProduct(ctx context.Context, tx *sqlx.Tx, p *domain.Product) error {
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO products (id, name, color, image, autoreplenishment) VALUES (?, ?, ?, ?, ?)`,
		p.ID, p.Name, p.Color, p.Image, p.Autoreplenishment); err != nil {
		return fmt.Errorf("insert product: %w", err)
	}
	for i, it := range p.Items {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO product_items (product_id, sku, size, position, delivery_amount, delivery_unit)
			VALUES (?, ?, ?, ?, ?, ?)`,
			p.ID, it.SKU, it.Size, i, it.DeliveryTime.Amount, it.DeliveryTime.Unit); err != nil {
			return fmt.Errorf("insert product item: %w", err)
		}
		for j, rec := range it.Stock {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO stock_levels (product_id, sku, location_type, location_id, location_name, location_area_code,
					position, amount, ordered, threshold, target)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
				p.ID, it.SKU, rec.Location.Type, rec.Location.ID, rec.Location.Name, rec.Location.AreaCode,
				j, rec.Amount, rec.Ordered, rec.Threshold, rec.Target); err != nil {
				return fmt.Errorf("insert stock level: %w", err)
			}
		}
	}
	for j, total := range p.TotalStockSum {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO stock_totals (product_id, location_type, location_id, location_name, location_area_code, position, amount, ordered)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			p.ID, total.Location.Type, total.Location.ID, total.Location.Name, total.Location.AreaCode,
			j, total.Amount, total.Ordered); err != nil {
			return fmt.Errorf("insert stock total: %w", err)
		}
	}
	return nil
}

func loadTransaction(ctx context.Context, q sqlx.QueryerContext, transactionID string) (*domain.Transaction, error) {
	var tr transactionRow
	if err := sqlx.GetContext(ctx, q, &tr, `
		SELECT id, type, origin_type, origin_id, origin_name, origin_area_code,
			destination_type, destination_id, destination_name, destination_area_code,
			placement_timestamp, sequence_number, automatic, user_id
		FROM transactions WHERE id = ?`, transactionID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("transaction %s: %w", transactionID, domain.ErrNotFound)
		}
		return nil, fmt.Errorf("query transaction: %w", err)
	}

	var items []transactionItemRow
	if err := sqlx.SelectContext(ctx, q, &items, `
		SELECT transaction_id, line, product_id, product_name, product_color, product_image,
			sku, size, amount, delivery_amount, delivery_unit, arrived
		FROM transaction_items WHERE transaction_id = ? ORDER BY line`, transactionID); err != nil {
		return nil, fmt.Errorf("query transaction items: %w", err)
	}
	var statuses []statusRow
	if err := sqlx.SelectContext(ctx, q, &statuses, `
		SELECT line, name, update_timestamp
		FROM transaction_item_status WHERE transaction_id = ? ORDER BY id`, transactionID); err != nil {
		return nil, fmt.Errorf("query item status: %w", err)
	}

	t := &domain.Transaction{
		ID:   tr.ID,
		Type: domain.TransactionType(tr.Type),
		Location: domain.Route{
			Origin: domain.LocationRef{
				Type:     domain.LocationType(tr.OriginType),
				ID:       tr.OriginID,
				Name:     tr.OriginName,
				AreaCode: tr.OriginAreaCode,
			},
			Destination: domain.LocationRef{
				Type:     domain.LocationType(tr.DestinationType),
				ID:       tr.DestinationID,
				Name:     tr.DestinationName,
				AreaCode: tr.DestinationAreaCode,
			},
		},
		PlacementTimestamp: tr.PlacementTimestamp.UTC(),
		SequenceNumber:     tr.SequenceNumber,
		Automatic:          tr.Automatic,
		UserID:             tr.UserID,
		Items:              make([]domain.TransactionItem, len(items)),
	}
	for i, it := range items {
		t.Items[i] = domain.TransactionItem{
			SKU:          it.SKU,
			Size:         it.Size,
			Amount:       it.Amount,
			DeliveryTime: domain.DeliveryTime{Amount: it.DeliveryAmount, Unit: it.DeliveryUnit},
			Product: domain.ProductRef{
				ID:    it.ProductID,
				Name:  it.ProductName,
				Color: it.ProductColor,
				Image: it.ProductImage,
			},
		}
	}
	for _, s := range statuses {
		if s.Line < 0 || s.Line >= len(t.Items) {
			continue
		}
		t.Items[s.Line].Status = append(t.Items[s.Line].Status, domain.ItemStatus{
			Name:            domain.StatusName(s.Name),
			UpdateTimestamp: s.UpdateTimestamp.UTC(),
		})
	}
	return t, nil
}

func insertTransaction(ctx context.Context, tx *sqlx.Tx, t domain.Transaction) error {
	if _, err := tx.NamedExecContext(ctx, `
		INSERT INTO transactions (id, type, origin_type, origin_id, origin_name, origin_area_code,
			destination_type, destination_id, destination_name, destination_area_code,
			placement_timestamp, sequence_number, automatic, user_id)
		VALUES (:id, :type, :origin_type, :origin_id, :origin_name, :origin_area_code,
			:destination_type, :destination_id, :destination_name, :destination_area_code,
			:placement_timestamp, :sequence_number, :automatic, :user_id)`,
		newTransactionRow(t)); err != nil {
		return fmt.Errorf("insert transaction: %w", err)
	}

	for line, it := range t.Items {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO transaction_items (transaction_id, line, product_id, product_name, product_color, product_image,
				sku, size, amount, delivery_amount, delivery_unit, arrived)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			t.ID, line, it.Product.ID, it.Product.Name, it.Product.Color, it.Product.Image,
			it.SKU, it.Size, it.Amount, it.DeliveryTime.Amount, it.DeliveryTime.Unit, it.Arrived(),
		); err != nil {
			return fmt.Errorf("insert transaction item: %w", err)
		}
		for _, s := range it.Status {
			if err := insertStatus(ctx, tx, t.ID, line, s); err != nil {
				return err
			}
		}
	}
	return nil
}

func insertStatus(ctx context.Context, tx *sqlx.Tx, transactionID string, line int, s domain.ItemStatus) error {
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO transaction_item_status (transaction_id, line, name, update_timestamp) VALUES (?, ?, ?, ?)`,
		transactionID, line, s.Name, s.UpdateTimestamp.UTC(),
	); err != nil {
		return fmt.Errorf("insert item status: %w", err)
	}
	return nil
}
