package main

import "github.com/rl1809/inventory-replenishment/internal/core/domain"

var (
	centralWarehouse = domain.LocationRef{Type: domain.LocationWarehouse, ID: "wh-central", Name: "Central Warehouse"}
	storeDowntown    = domain.LocationRef{Type: domain.LocationStore, ID: "store-downtown", Name: "Downtown", AreaCode: "100"}
	storeHarbor      = domain.LocationRef{Type: domain.LocationStore, ID: "store-harbor", Name: "Harbor", AreaCode: "200"}
	factoryNorth     = domain.LocationRef{Type: domain.LocationFactory, ID: "factory-north", Name: "North Plant"}
)

// sampleCatalog is loaded into the memory store so a fresh process has
// something to trade.
func sampleCatalog() []*domain.Product {
	return []*domain.Product{
		catalogProduct("tshirt-basic", "Basic T-Shirt", "white", true, []catalogItem{
			{sku: "TSHIRT-S", size: "S", seconds: 5, warehouse: 400, store: 25, threshold: 10, target: 30},
			{sku: "TSHIRT-M", size: "M", seconds: 5, warehouse: 600, store: 40, threshold: 15, target: 45},
			{sku: "TSHIRT-L", size: "L", seconds: 5, warehouse: 300, store: 20, threshold: 10, target: 30},
		}),
		catalogProduct("hoodie-zip", "Zip Hoodie", "navy", false, []catalogItem{
			{sku: "HOODIE-M", size: "M", seconds: 10, warehouse: 150, store: 12, threshold: 5, target: 15},
			{sku: "HOODIE-L", size: "L", seconds: 10, warehouse: 120, store: 8, threshold: 5, target: 15},
		}),
	}
}

type catalogItem struct {
	sku       string
	size      string
	seconds   int
	warehouse int
	store     int
	threshold int
	target    int
}

// catalogProduct stocks every item at the warehouse, both stores and the
// factory, and derives the totals from the item records.
func catalogProduct(id, name, color string, auto bool, items []catalogItem) *domain.Product {
	p := &domain.Product{ID: id, Name: name, Color: color, Autoreplenishment: auto}
	locations := []domain.LocationRef{centralWarehouse, storeDowntown, storeHarbor, factoryNorth}
	totals := make([]domain.StockRecord, len(locations))
	for i, loc := range locations {
		totals[i].Location = loc
	}

	for _, ci := range items {
		item := domain.Item{
			SKU:          ci.sku,
			Size:         ci.size,
			DeliveryTime: domain.DeliveryTime{Amount: ci.seconds, Unit: domain.TimeUnitSeconds},
		}
		for i, loc := range locations {
			rec := domain.StockRecord{Location: loc, Amount: ci.store, Threshold: ci.threshold, Target: ci.target}
			if loc.Type == domain.LocationWarehouse {
				rec = domain.StockRecord{Location: loc, Amount: ci.warehouse}
			}
			item.Stock = append(item.Stock, rec)
			totals[i].Amount += rec.Amount
		}
		p.Items = append(p.Items, item)
	}
	p.TotalStockSum = totals
	return p
}
