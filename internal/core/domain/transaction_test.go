package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTransactionDraft_Validate(t *testing.T) {
	inboundRoute := Route{Origin: LocationRef{Type: LocationWarehouse}, Destination: store}
	item := DraftItem{ProductID: "p-1", SKU: "TSHIRT-M", Amount: 3}

	tests := []struct {
		name  string
		draft TransactionDraft
		ok    bool
	}{
		{"valid inbound", TransactionDraft{Type: TransactionInbound, Location: inboundRoute, Items: []DraftItem{item}}, true},
		{"valid outbound sale", TransactionDraft{Type: TransactionOutbound, Location: Route{Origin: store}, Items: []DraftItem{{ProductID: "p-1", SKU: "TSHIRT-M", Amount: -2}}}, true},
		{"no items", TransactionDraft{Type: TransactionInbound, Location: inboundRoute}, false},
		{"unknown type", TransactionDraft{Type: "transfer", Location: inboundRoute, Items: []DraftItem{item}}, false},
		{"inbound from store", TransactionDraft{Type: TransactionInbound, Location: Route{Origin: store, Destination: store}, Items: []DraftItem{item}}, false},
		{"inbound to warehouse", TransactionDraft{Type: TransactionInbound, Location: Route{Origin: warehouse, Destination: warehouse}, Items: []DraftItem{item}}, false},
		{"store without id", TransactionDraft{Type: TransactionInbound, Location: Route{Origin: warehouse, Destination: LocationRef{Type: LocationStore}}, Items: []DraftItem{item}}, false},
		{"negative inbound", TransactionDraft{Type: TransactionInbound, Location: inboundRoute, Items: []DraftItem{{ProductID: "p-1", SKU: "X", Amount: -1}}}, false},
		{"zero amount", TransactionDraft{Type: TransactionOutbound, Location: Route{Origin: store}, Items: []DraftItem{{ProductID: "p-1", SKU: "X"}}}, false},
		{"lines net to zero", TransactionDraft{Type: TransactionOutbound, Location: Route{Origin: store}, Items: []DraftItem{{ProductID: "p-1", SKU: "X", Amount: 3}, {ProductID: "p-1", SKU: "X", Amount: -3}}}, false},
		{"inbound lines net negative", TransactionDraft{Type: TransactionInbound, Location: inboundRoute, Items: []DraftItem{{ProductID: "p-1", SKU: "X", Amount: -1}, {ProductID: "p-1", SKU: "X", Amount: -2}}}, false},
		{"sale with a correction line", TransactionDraft{Type: TransactionOutbound, Location: Route{Origin: store}, Items: []DraftItem{{ProductID: "p-1", SKU: "X", Amount: -3}, {ProductID: "p-1", SKU: "X", Amount: 1}}}, true},
		{"outbound without origin id", TransactionDraft{Type: TransactionOutbound, Location: Route{Origin: LocationRef{Type: LocationWarehouse}}, Items: []DraftItem{item}}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.draft.Validate()
			if tt.ok {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.True(t, IsValidation(err))
		})
	}
}

func TestTransactionDraft_MergedItems(t *testing.T) {
	d := TransactionDraft{Items: []DraftItem{
		{ProductID: "p-1", SKU: "A", Amount: 2},
		{ProductID: "p-1", SKU: "B", Amount: 1},
		{ProductID: "p-1", SKU: "A", Amount: 3},
	}}
	merged := d.MergedItems()
	require.Len(t, merged, 2)
	assert.Equal(t, 5, merged[0].Amount)
	assert.Equal(t, "B", merged[1].SKU)
}

func TestDeliveryTime_Duration(t *testing.T) {
	d, err := DeliveryTime{Amount: 2, Unit: TimeUnitSeconds}.Duration()
	require.NoError(t, err)
	assert.Equal(t, 2*time.Second, d)

	_, err = DeliveryTime{Amount: 2, Unit: "days"}.Duration()
	assert.True(t, IsUnsupportedUnit(err))
}

func TestPendingDeliveries_SkipsArrived(t *testing.T) {
	placed := time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC)
	tx := Transaction{
		ID:                 "t-1",
		Type:               TransactionInbound,
		Location:           Route{Origin: LocationRef{Type: LocationWarehouse}, Destination: store},
		PlacementTimestamp: placed,
		Automatic:          true,
		Items: []TransactionItem{
			{SKU: "A", Amount: 4, Product: ProductRef{ID: "p-1"}, DeliveryTime: DeliveryTime{Amount: 5, Unit: TimeUnitSeconds},
				Status: []ItemStatus{{Name: StatusPlaced, UpdateTimestamp: placed}}},
			{SKU: "B", Amount: 2, Product: ProductRef{ID: "p-1"},
				Status: []ItemStatus{{Name: StatusPlaced, UpdateTimestamp: placed}, {Name: StatusArrived, UpdateTimestamp: placed.Add(time.Second)}}},
		},
	}

	pending := PendingDeliveries(tx)
	require.Len(t, pending, 1)
	assert.Equal(t, "A", pending[0].SKU)
	assert.Equal(t, 0, pending[0].Line)
	assert.True(t, pending[0].Automatic)
	assert.Equal(t, store, pending[0].Location)

	due, err := pending[0].DueAt()
	require.NoError(t, err)
	assert.Equal(t, placed.Add(5*time.Second), due)
}

func TestErrorKinds(t *testing.T) {
	assert.False(t, KindValidation.Retryable())
	assert.True(t, KindConflict.Retryable())
	assert.True(t, KindStore.Retryable())
	assert.Equal(t, KindConflict, KindOf(NewConflictError("commit", nil)))
	assert.Equal(t, KindStore, KindOf(assert.AnError))
}
