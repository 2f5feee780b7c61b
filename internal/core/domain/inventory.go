package domain

import "fmt"

// StockRecord holds the counters of one item (or of a product total) at one
// location.
type StockRecord struct {
	Location  LocationRef `json:"location"`
	Amount    int         `json:"amount"`
	Ordered   int         `json:"ordered"`
	Threshold int         `json:"threshold,omitempty"`
	Target    int         `json:"target,omitempty"`
}

type Item struct {
	SKU          string        `json:"sku"`
	Size         string        `json:"size,omitempty"`
	DeliveryTime DeliveryTime  `json:"delivery_time"`
	Stock        []StockRecord `json:"stock"`
}

func (it *Item) FindStock(loc LocationRef) (int, *StockRecord) {
	for i := range it.Stock {
		if loc.Matches(it.Stock[i].Location) {
			return i, &it.Stock[i]
		}
	}
	return -1, nil
}

// Product is the inventory aggregate: all items of a product with their stock
// records, plus the per-location totals over those items.
type Product struct {
	ID                string        `json:"id"`
	Name              string        `json:"name"`
	Color             string        `json:"color,omitempty"`
	Image             string        `json:"image,omitempty"`
	Autoreplenishment bool          `json:"autoreplenishment"`
	Items             []Item        `json:"items"`
	TotalStockSum     []StockRecord `json:"total_stock_sum"`
}

func (p *Product) FindItem(sku string) (int, *Item) {
	for i := range p.Items {
		if p.Items[i].SKU == sku {
			return i, &p.Items[i]
		}
	}
	return -1, nil
}

func (p *Product) FindTotal(loc LocationRef) (int, *StockRecord) {
	for i := range p.TotalStockSum {
		if loc.Matches(p.TotalStockSum[i].Location) {
			return i, &p.TotalStockSum[i]
		}
	}
	return -1, nil
}

// Ref returns the denormalized reference stored on transaction items.
func (p *Product) Ref() ProductRef {
	return ProductRef{ID: p.ID, Name: p.Name, Color: p.Color, Image: p.Image}
}

func (p *Product) Clone() *Product {
	c := *p
	c.Items = make([]Item, len(p.Items))
	for i, it := range p.Items {
		c.Items[i] = it
		c.Items[i].Stock = append([]StockRecord(nil), it.Stock...)
	}
	c.TotalStockSum = append([]StockRecord(nil), p.TotalStockSum...)
	return &c
}

// Apply changes the item-level record and the product total addressed by adj.
// The product is left untouched when the result would make amount or ordered
// negative, or when the item or location is unknown.
func (p *Product) Apply(adj Adjustment) error {
	_, item := p.FindItem(adj.SKU)
	if item == nil {
		return fmt.Errorf("%w: %s/%s", ErrUnknownItem, p.ID, adj.SKU)
	}
	_, rec := item.FindStock(adj.Location)
	if rec == nil {
		return fmt.Errorf("%w: %s has no stock at %s", ErrUnknownLocation, adj.SKU, adj.Location)
	}
	_, total := p.FindTotal(rec.Location)
	if total == nil {
		return fmt.Errorf("%w: %s has no total at %s", ErrUnknownLocation, p.ID, rec.Location)
	}
	if rec.Amount+adj.AmountDelta < 0 || rec.Ordered+adj.OrderedDelta < 0 {
		return fmt.Errorf("%w: %s at %s has amount=%d ordered=%d, change amount%+d ordered%+d",
			ErrInsufficientStock, adj.SKU, rec.Location, rec.Amount, rec.Ordered, adj.AmountDelta, adj.OrderedDelta)
	}
	if total.Amount+adj.AmountDelta < 0 || total.Ordered+adj.OrderedDelta < 0 {
		return fmt.Errorf("%w: total at %s would go negative", ErrInsufficientStock, rec.Location)
	}
	rec.Amount += adj.AmountDelta
	rec.Ordered += adj.OrderedDelta
	total.Amount += adj.AmountDelta
	total.Ordered += adj.OrderedDelta
	return nil
}

// CheckTotals verifies that every total_stock_sum entry equals the sum of the
// item-level records at the same location.
func (p *Product) CheckTotals() error {
	type sums struct{ amount, ordered int }
	byLoc := make(map[string]sums)
	for _, it := range p.Items {
		for _, rec := range it.Stock {
			s := byLoc[rec.Location.Key()]
			s.amount += rec.Amount
			s.ordered += rec.Ordered
			byLoc[rec.Location.Key()] = s
		}
	}
	for _, total := range p.TotalStockSum {
		s := byLoc[total.Location.Key()]
		if s.amount != total.Amount || s.ordered != total.Ordered {
			return fmt.Errorf("product %s total at %s is amount=%d ordered=%d, items sum to amount=%d ordered=%d",
				p.ID, total.Location, total.Amount, total.Ordered, s.amount, s.ordered)
		}
		delete(byLoc, total.Location.Key())
	}
	for key := range byLoc {
		return fmt.Errorf("product %s has item stock at %s without a total", p.ID, key)
	}
	return nil
}

// StockSettings is the operator-editable part of a stock record.
type StockSettings struct {
	SKU       string      `json:"sku"`
	Location  LocationRef `json:"location"`
	Threshold int         `json:"threshold"`
	Target    int         `json:"target"`
}

func (s StockSettings) Validate() error {
	if s.SKU == "" {
		return NewValidationError("stock settings", nil, "sku is required")
	}
	if err := s.Location.Validate(); err != nil {
		return NewValidationError("stock settings", ErrUnknownLocation, "%v", err)
	}
	if s.Threshold < 0 || s.Target < 0 {
		return NewValidationError("stock settings", nil, "threshold and target must not be negative")
	}
	return nil
}
