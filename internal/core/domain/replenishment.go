package domain

// ReplenishmentKey identifies the (product, sku, location) triple a
// replenishment is tracked by. At most one automatic inbound transaction per
// key may be open at a time; this is what stops arrivals from feeding an
// endless loop of new orders through the reactor.
type ReplenishmentKey struct {
	ProductID  string
	SKU        string
	LocationID string
}

// ReplenishmentAmount decides whether a stock change from previous to current
// breaches the reorder point. It triggers only when the change lowered the
// amount and left it below threshold.
func ReplenishmentAmount(previous, current StockRecord) (int, bool) {
	if current.Amount >= current.Threshold || current.Amount >= previous.Amount {
		return 0, false
	}
	amount := current.Target - current.Amount
	if amount < 0 {
		amount = 0
	}
	return amount, true
}

// NeedsAlert reports whether in-hand plus in-transit stock at a location is
// below its reorder point.
func (r StockRecord) NeedsAlert() bool {
	return r.Amount+r.Ordered < r.Threshold
}

// StockAlert reports an item whose stock at a location is below its reorder
// point even counting what is in transit.
type StockAlert struct {
	ProductID string      `json:"product_id"`
	SKU       string      `json:"sku"`
	Location  LocationRef `json:"location"`
	Amount    int         `json:"amount"`
	Ordered   int         `json:"ordered"`
	Threshold int         `json:"threshold"`
}

// LowStockAlerts lists the items of p that need an alert at locationID.
func (p *Product) LowStockAlerts(locationID string) []StockAlert {
	var alerts []StockAlert
	for _, it := range p.Items {
		for _, rec := range it.Stock {
			if rec.Location.ID != locationID || !rec.NeedsAlert() {
				continue
			}
			alerts = append(alerts, StockAlert{
				ProductID: p.ID,
				SKU:       it.SKU,
				Location:  rec.Location,
				Amount:    rec.Amount,
				Ordered:   rec.Ordered,
				Threshold: rec.Threshold,
			})
		}
	}
	return alerts
}
