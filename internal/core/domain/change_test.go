package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewProductUpdated_ChangedFields(t *testing.T) {
	before := newTestProduct()
	after := before.Clone()
	require.NoError(t, after.Apply(Adjustment{SKU: "TSHIRT-M", Location: store, AmountDelta: -3}))

	ev, err := NewProductUpdated(before, after, time.Now())
	require.NoError(t, err)

	assert.Equal(t, CollectionInventoryItems, ev.Collection)
	assert.Equal(t, OperationUpdate, ev.Operation)
	assert.Equal(t, []string{"items.0.stock.1.amount", "total_stock_sum.1.amount"}, ev.ChangedFields)

	got, err := ev.Product()
	require.NoError(t, err)
	assert.Equal(t, 2, got.Items[0].Stock[1].Amount)

	prev, err := ev.PreviousProduct()
	require.NoError(t, err)
	assert.Equal(t, 5, prev.Items[0].Stock[1].Amount)
}

func TestChangedStockPositions(t *testing.T) {
	got := ChangedStockPositions([]string{
		"items.0.stock.1.amount",
		"items.0.stock.1.ordered",
		"items.0.stock.1.threshold",
		"items.2.stock.0.target",
		"total_stock_sum.1.amount",
		"autoreplenishment",
	})
	assert.Equal(t, []StockPosition{{Item: 0, Stock: 1}, {Item: 2, Stock: 0}}, got)
}

func TestChangeFilter_Matches(t *testing.T) {
	p := newTestProduct()
	p.Autoreplenishment = true
	productEv, err := NewProductUpdated(p, p, time.Now())
	require.NoError(t, err)

	tx := Transaction{
		ID:       "t-1",
		Type:     TransactionOutbound,
		Location: Route{Origin: store, Destination: LocationRef{Type: LocationCustomer}},
		Items:    []TransactionItem{{SKU: "TSHIRT-M", Amount: -1}},
	}
	txEv, err := NewTransactionInserted(tx)
	require.NoError(t, err)

	tests := []struct {
		name    string
		filter  ChangeFilter
		event   ChangeEvent
		matches bool
	}{
		{"empty matches product", ChangeFilter{}, productEv, true},
		{"collection", ChangeFilter{Collection: CollectionTransactions}, productEv, false},
		{"document id", ChangeFilter{DocumentID: "p-1"}, productEv, true},
		{"product at location", ChangeFilter{LocationID: "store-1"}, productEv, true},
		{"product elsewhere", ChangeFilter{LocationID: "store-9"}, productEv, false},
		{"autoreplenished product", ChangeFilter{Autoreplenished: true}, productEv, true},
		{"outbound inserts", ChangeFilter{Operation: OperationInsert, TransactionType: TransactionOutbound}, txEv, true},
		{"inbound inserts", ChangeFilter{TransactionType: TransactionInbound}, txEv, false},
		{"transaction at location", ChangeFilter{LocationID: "store-1"}, txEv, true},
		{"type filter excludes products", ChangeFilter{TransactionType: TransactionOutbound}, productEv, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.matches, tt.filter.Matches(tt.event))
		})
	}
}
