package domain

import (
	"errors"
	"time"
)

type TransactionType string

const (
	TransactionInbound  TransactionType = "inbound"
	TransactionOutbound TransactionType = "outbound"
)

type StatusName string

const (
	StatusPlaced  StatusName = "placed"
	StatusPicked  StatusName = "picked"
	StatusArrived StatusName = "arrived"
)

// TimeUnitSeconds is the only delivery time unit the simulator understands.
const TimeUnitSeconds = "seconds"

type DeliveryTime struct {
	Amount int    `json:"amount"`
	Unit   string `json:"unit"`
}

func (d DeliveryTime) Duration() (time.Duration, error) {
	if d.Unit != TimeUnitSeconds {
		return 0, NewUnsupportedUnitError(d.Unit)
	}
	return time.Duration(d.Amount) * time.Second, nil
}

type ProductRef struct {
	ID    string `json:"id"`
	Name  string `json:"name,omitempty"`
	Color string `json:"color,omitempty"`
	Image string `json:"image,omitempty"`
}

type ItemStatus struct {
	Name            StatusName `json:"name"`
	UpdateTimestamp time.Time  `json:"update_timestamp"`
}

type TransactionItem struct {
	SKU          string       `json:"sku"`
	Size         string       `json:"size,omitempty"`
	Amount       int          `json:"amount"`
	DeliveryTime DeliveryTime `json:"delivery_time"`
	Product      ProductRef   `json:"product"`
	Status       []ItemStatus `json:"status"`
}

func (i TransactionItem) HasStatus(name StatusName) bool {
	for _, s := range i.Status {
		if s.Name == name {
			return true
		}
	}
	return false
}

func (i TransactionItem) Arrived() bool {
	return i.HasStatus(StatusArrived)
}

// Transaction is an immutable movement record. After insertion only status
// entries are appended.
type Transaction struct {
	ID                 string            `json:"id"`
	Type               TransactionType   `json:"type"`
	Location           Route             `json:"location"`
	PlacementTimestamp time.Time         `json:"placement_timestamp"`
	SequenceNumber     *int64            `json:"sequence_number,omitempty"`
	Automatic          bool              `json:"automatic"`
	UserID             string            `json:"user_id,omitempty"`
	Items              []TransactionItem `json:"items"`
}

// StockLocation is where the transaction's items land (inbound) or leave from
// (outbound).
func (t Transaction) StockLocation() LocationRef {
	if t.Type == TransactionInbound {
		return t.Location.Destination
	}
	return t.Location.Origin
}

func InitialStatus(t TransactionType) StatusName {
	if t == TransactionInbound {
		return StatusPlaced
	}
	return StatusPicked
}

// DraftItem is one requested line of a transaction draft.
type DraftItem struct {
	ProductID    string        `json:"product_id"`
	SKU          string        `json:"sku"`
	Amount       int           `json:"amount"`
	DeliveryTime *DeliveryTime `json:"delivery_time,omitempty"`
}

// TransactionDraft is what callers submit to the committer.
type TransactionDraft struct {
	Type      TransactionType `json:"type"`
	Location  Route           `json:"location"`
	Items     []DraftItem     `json:"items"`
	Automatic bool            `json:"automatic"`
	UserID    string          `json:"user_id,omitempty"`
}

// Validate checks the draft's shape. References to products, items and
// locations are checked against the store by the committer.
func (d TransactionDraft) Validate() error {
	const op = "validate draft"
	switch d.Type {
	case TransactionInbound:
		if d.Location.Origin.Type != LocationWarehouse {
			return NewValidationError(op, nil, "inbound origin must be the warehouse, got %s", d.Location.Origin.Type)
		}
		if err := d.Location.Destination.Validate(); err != nil {
			return NewValidationError(op, ErrUnknownLocation, "destination: %v", err)
		}
		if d.Location.Destination.Type == LocationWarehouse || d.Location.Destination.Type == LocationCustomer {
			return NewValidationError(op, ErrUnknownLocation, "inbound destination must be a store or factory")
		}
	case TransactionOutbound:
		if err := d.Location.Origin.Validate(); err != nil {
			return NewValidationError(op, ErrUnknownLocation, "origin: %v", err)
		}
		if !d.Location.Origin.HasID() {
			return NewValidationError(op, ErrUnknownLocation, "outbound origin requires an id")
		}
	default:
		return NewValidationError(op, nil, "unknown transaction type %q", d.Type)
	}

	if len(d.Items) == 0 {
		return NewValidationError(op, nil, "transaction has no items")
	}
	for _, it := range d.Items {
		if it.ProductID == "" || it.SKU == "" {
			return NewValidationError(op, nil, "item requires product_id and sku")
		}
		if it.DeliveryTime != nil && it.DeliveryTime.Amount < 0 {
			return NewValidationError(op, nil, "item %s has a negative delivery time", it.SKU)
		}
	}
	// amounts are checked on the lines that will actually be committed
	for _, it := range d.MergedItems() {
		if it.Amount == 0 {
			return NewValidationError(op, nil, "lines for %s/%s net to zero", it.ProductID, it.SKU)
		}
		if d.Type == TransactionInbound && it.Amount < 0 {
			return NewValidationError(op, nil, "inbound item %s must have a positive amount", it.SKU)
		}
	}
	return nil
}

// MergedItems folds repeated (product, sku) lines into one line carrying the
// summed amount, keeping first-seen order.
func (d TransactionDraft) MergedItems() []DraftItem {
	merged := make([]DraftItem, 0, len(d.Items))
	index := make(map[string]int, len(d.Items))
	for _, it := range d.Items {
		key := it.ProductID + "/" + it.SKU
		if i, ok := index[key]; ok {
			merged[i].Amount += it.Amount
			continue
		}
		index[key] = len(merged)
		merged = append(merged, it)
	}
	return merged
}

// Adjustment is one signed change to a stock record and the matching
// total_stock_sum entry.
type Adjustment struct {
	ProductID    string
	SKU          string
	Location     LocationRef
	AmountDelta  int
	OrderedDelta int
}

var ErrNoAdjustment = errors.New("transaction type has no stock adjustment")

// CommitAdjustments lists the counter changes a committed transaction applies.
func CommitAdjustments(t Transaction) ([]Adjustment, error) {
	adjs := make([]Adjustment, 0, 2*len(t.Items))
	for _, it := range t.Items {
		switch t.Type {
		case TransactionInbound:
			adjs = append(adjs,
				Adjustment{ProductID: it.Product.ID, SKU: it.SKU, Location: LocationRef{Type: LocationWarehouse, ID: t.Location.Origin.ID}, AmountDelta: -it.Amount},
				Adjustment{ProductID: it.Product.ID, SKU: it.SKU, Location: t.Location.Destination, OrderedDelta: it.Amount},
			)
		case TransactionOutbound:
			adjs = append(adjs, Adjustment{ProductID: it.Product.ID, SKU: it.SKU, Location: t.Location.Origin, AmountDelta: it.Amount})
		default:
			return nil, ErrNoAdjustment
		}
	}
	return adjs, nil
}

// Arrival identifies one inbound item whose delivery completed.
type Arrival struct {
	TransactionID string
	Line          int
	ProductID     string
	SKU           string
	Location      LocationRef
	Amount        int
	Automatic     bool
	At            time.Time
}

func (a Arrival) Adjustment() Adjustment {
	return Adjustment{
		ProductID:    a.ProductID,
		SKU:          a.SKU,
		Location:     a.Location,
		AmountDelta:  a.Amount,
		OrderedDelta: -a.Amount,
	}
}

// PendingDelivery is an inbound item still in transit.
type PendingDelivery struct {
	Arrival
	DeliveryTime DeliveryTime
	PlacedAt     time.Time
}

// DueAt is when the item is expected to arrive.
func (p PendingDelivery) DueAt() (time.Time, error) {
	d, err := p.DeliveryTime.Duration()
	if err != nil {
		return time.Time{}, err
	}
	return p.PlacedAt.Add(d), nil
}

// PendingDeliveries lists the inbound items of t that have not arrived yet.
func PendingDeliveries(t Transaction) []PendingDelivery {
	if t.Type != TransactionInbound {
		return nil
	}
	var out []PendingDelivery
	for line, it := range t.Items {
		if it.Arrived() {
			continue
		}
		out = append(out, PendingDelivery{
			Arrival: Arrival{
				TransactionID: t.ID,
				Line:          line,
				ProductID:     it.Product.ID,
				SKU:           it.SKU,
				Location:      t.Location.Destination,
				Amount:        it.Amount,
				Automatic:     t.Automatic,
			},
			DeliveryTime: it.DeliveryTime,
			PlacedAt:     t.PlacementTimestamp,
		})
	}
	return out
}
