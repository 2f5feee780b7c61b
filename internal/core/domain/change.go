package domain

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"time"
)

type Collection string

const (
	CollectionTransactions   Collection = "transactions"
	CollectionInventoryItems Collection = "inventory_items"
)

type Operation string

const (
	OperationInsert Operation = "insert"
	OperationUpdate Operation = "update"
)

// ChangeEvent is one document mutation as seen on the change feed. Document
// holds the full state after the change; Previous holds the state before it
// for updates of inventory aggregates.
type ChangeEvent struct {
	ID            string          `json:"id,omitempty"`
	Collection    Collection      `json:"collection"`
	Operation     Operation       `json:"operation"`
	DocumentID    string          `json:"document_id"`
	ChangedFields []string        `json:"changed_fields,omitempty"`
	Document      json.RawMessage `json:"document"`
	Previous      json.RawMessage `json:"previous,omitempty"`
	OccurredAt    time.Time       `json:"occurred_at"`
}

func (e ChangeEvent) Product() (*Product, error) {
	return decodeDocument[Product](e, e.Document, CollectionInventoryItems)
}

func (e ChangeEvent) PreviousProduct() (*Product, error) {
	if len(e.Previous) == 0 {
		return nil, fmt.Errorf("event %s carries no previous document", e.ID)
	}
	return decodeDocument[Product](e, e.Previous, CollectionInventoryItems)
}

func (e ChangeEvent) Transaction() (*Transaction, error) {
	return decodeDocument[Transaction](e, e.Document, CollectionTransactions)
}

func decodeDocument[T any](e ChangeEvent, raw json.RawMessage, want Collection) (*T, error) {
	if e.Collection != want {
		return nil, fmt.Errorf("event %s is on %s, not %s", e.ID, e.Collection, want)
	}
	var doc T
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("decode %s document %s: %w", e.Collection, e.DocumentID, err)
	}
	return &doc, nil
}

func NewTransactionInserted(t Transaction) (ChangeEvent, error) {
	doc, err := json.Marshal(t)
	if err != nil {
		return ChangeEvent{}, err
	}
	return ChangeEvent{
		Collection: CollectionTransactions,
		Operation:  OperationInsert,
		DocumentID: t.ID,
		Document:   doc,
		OccurredAt: t.PlacementTimestamp,
	}, nil
}

func NewTransactionUpdated(t Transaction, changed []string, at time.Time) (ChangeEvent, error) {
	doc, err := json.Marshal(t)
	if err != nil {
		return ChangeEvent{}, err
	}
	return ChangeEvent{
		Collection:    CollectionTransactions,
		Operation:     OperationUpdate,
		DocumentID:    t.ID,
		ChangedFields: changed,
		Document:      doc,
		OccurredAt:    at,
	}, nil
}

// NewProductUpdated builds the update event between two states of the same
// product. Changed field paths use item and stock indexes of after, e.g.
// "items.0.stock.1.amount".
func NewProductUpdated(before, after *Product, at time.Time) (ChangeEvent, error) {
	doc, err := json.Marshal(after)
	if err != nil {
		return ChangeEvent{}, err
	}
	prev, err := json.Marshal(before)
	if err != nil {
		return ChangeEvent{}, err
	}
	return ChangeEvent{
		Collection:    CollectionInventoryItems,
		Operation:     OperationUpdate,
		DocumentID:    after.ID,
		ChangedFields: DiffProduct(before, after),
		Document:      doc,
		Previous:      prev,
		OccurredAt:    at,
	}, nil
}

func DiffProduct(before, after *Product) []string {
	var changed []string
	if before.Autoreplenishment != after.Autoreplenishment {
		changed = append(changed, "autoreplenishment")
	}
	for i, it := range after.Items {
		_, prevItem := before.FindItem(it.SKU)
		for j, rec := range it.Stock {
			var prev StockRecord
			if prevItem != nil {
				if _, p := prevItem.FindStock(rec.Location); p != nil {
					prev = *p
				}
			}
			changed = appendStockDiff(changed, fmt.Sprintf("items.%d.stock.%d", i, j), prev, rec)
		}
	}
	for j, total := range after.TotalStockSum {
		var prev StockRecord
		if _, p := before.FindTotal(total.Location); p != nil {
			prev = *p
		}
		changed = appendStockDiff(changed, fmt.Sprintf("total_stock_sum.%d", j), prev, total)
	}
	return changed
}

func appendStockDiff(changed []string, prefix string, prev, cur StockRecord) []string {
	if prev.Amount != cur.Amount {
		changed = append(changed, prefix+".amount")
	}
	if prev.Ordered != cur.Ordered {
		changed = append(changed, prefix+".ordered")
	}
	if prev.Threshold != cur.Threshold {
		changed = append(changed, prefix+".threshold")
	}
	if prev.Target != cur.Target {
		changed = append(changed, prefix+".target")
	}
	return changed
}

var stockFieldPattern = regexp.MustCompile(`^items\.(\d+)\.stock\.(\d+)\.(amount|threshold|target)$`)

// StockPosition addresses a stock record inside a product by index.
type StockPosition struct {
	Item  int
	Stock int
}

// ChangedStockPositions returns the distinct stock records whose amount,
// threshold or target appear in changed, in first-seen order.
func ChangedStockPositions(changed []string) []StockPosition {
	seen := make(map[StockPosition]bool)
	var out []StockPosition
	for _, field := range changed {
		m := stockFieldPattern.FindStringSubmatch(field)
		if m == nil {
			continue
		}
		i, _ := strconv.Atoi(m[1])
		j, _ := strconv.Atoi(m[2])
		pos := StockPosition{Item: i, Stock: j}
		if seen[pos] {
			continue
		}
		seen[pos] = true
		out = append(out, pos)
	}
	return out
}

// ChangeFilter selects the events a subscriber receives. Zero fields match
// everything.
type ChangeFilter struct {
	Collection      Collection      `json:"collection,omitempty"`
	Operation       Operation       `json:"operation,omitempty"`
	DocumentID      string          `json:"document_id,omitempty"`
	LocationID      string          `json:"location_id,omitempty"`
	TransactionType TransactionType `json:"type,omitempty"`
	Autoreplenished bool            `json:"autoreplenished,omitempty"`
}

func (f ChangeFilter) Matches(e ChangeEvent) bool {
	if f.Collection != "" && f.Collection != e.Collection {
		return false
	}
	if f.Operation != "" && f.Operation != e.Operation {
		return false
	}
	if f.DocumentID != "" && f.DocumentID != e.DocumentID {
		return false
	}
	if f.LocationID == "" && f.TransactionType == "" && !f.Autoreplenished {
		return true
	}

	switch e.Collection {
	case CollectionTransactions:
		if f.Autoreplenished {
			return false
		}
		t, err := e.Transaction()
		if err != nil {
			return false
		}
		if f.TransactionType != "" && f.TransactionType != t.Type {
			return false
		}
		if f.LocationID != "" && t.Location.Origin.ID != f.LocationID && t.Location.Destination.ID != f.LocationID {
			return false
		}
		return true
	case CollectionInventoryItems:
		if f.TransactionType != "" {
			return false
		}
		p, err := e.Product()
		if err != nil {
			return false
		}
		if f.Autoreplenished && !p.Autoreplenishment {
			return false
		}
		if f.LocationID != "" {
			_, total := p.FindTotal(LocationRef{ID: f.LocationID})
			return total != nil
		}
		return true
	}
	return false
}
