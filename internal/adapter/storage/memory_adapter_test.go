package storage

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rl1809/inventory-replenishment/internal/core/domain"
)

var (
	memWarehouse = domain.LocationRef{Type: domain.LocationWarehouse, ID: "wh-1"}
	memStore     = domain.LocationRef{Type: domain.LocationStore, ID: "store-1"}
)

func memProduct(warehouse, store int) *domain.Product {
	return &domain.Product{
		ID:   "p-1",
		Name: "Mug",
		Items: []domain.Item{{
			SKU:          "MUG",
			DeliveryTime: domain.DeliveryTime{Amount: 1, Unit: domain.TimeUnitSeconds},
			Stock: []domain.StockRecord{
				{Location: memWarehouse, Amount: warehouse},
				{Location: memStore, Amount: store, Threshold: 5, Target: 10},
			},
		}},
		TotalStockSum: []domain.StockRecord{
			{Location: memWarehouse, Amount: warehouse},
			{Location: memStore, Amount: store},
		},
	}
}

func memInbound(id string, amount int, automatic bool) domain.Transaction {
	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	return domain.Transaction{
		ID:                 id,
		Type:               domain.TransactionInbound,
		Location:           domain.Route{Origin: domain.LocationRef{Type: domain.LocationWarehouse}, Destination: memStore},
		PlacementTimestamp: at,
		Automatic:          automatic,
		Items: []domain.TransactionItem{{
			SKU:          "MUG",
			Amount:       amount,
			DeliveryTime: domain.DeliveryTime{Amount: 1, Unit: domain.TimeUnitSeconds},
			Product:      domain.ProductRef{ID: "p-1", Name: "Mug"},
			Status:       []domain.ItemStatus{{Name: domain.StatusPlaced, UpdateTimestamp: at}},
		}},
	}
}

func TestMemorySeedProduct_RejectsInconsistentTotals(t *testing.T) {
	m := NewMemoryAdapter()
	p := memProduct(10, 3)
	p.TotalStockSum[1].Amount = 4

	assert.Error(t, m.SeedProduct(p))
	_, err := m.GetProduct(context.Background(), "p-1")
	assert.True(t, errors.Is(err, domain.ErrNotFound))
}

func TestMemoryCommit_WritesEventsInOrder(t *testing.T) {
	m := NewMemoryAdapter()
	require.NoError(t, m.SeedProduct(memProduct(10, 3)))
	ctx := context.Background()

	require.NoError(t, m.CommitTransaction(ctx, memInbound("t-1", 4, false)))

	pending, err := m.PendingChanges(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, domain.OperationInsert, pending[0].Event.Operation)
	assert.Equal(t, "t-1", pending[0].Event.DocumentID)
	assert.Equal(t, "p-1", pending[1].Event.DocumentID)
	assert.Contains(t, pending[1].Event.ChangedFields, "items.0.stock.0.amount")
	assert.Contains(t, pending[1].Event.ChangedFields, "items.0.stock.1.ordered")

	p, err := pending[1].Event.Product()
	require.NoError(t, err)
	require.NoError(t, p.CheckTotals())
	assert.Equal(t, 6, p.Items[0].Stock[0].Amount)

	require.NoError(t, m.MarkPublished(ctx, []int64{pending[0].Seq}))
	pending, _ = m.PendingChanges(ctx, 10)
	require.Len(t, pending, 1)
	assert.Equal(t, "p-1", pending[0].Event.DocumentID)
}

func TestMemoryCommit_DuplicateIDIsConflict(t *testing.T) {
	m := NewMemoryAdapter()
	require.NoError(t, m.SeedProduct(memProduct(10, 3)))
	ctx := context.Background()

	require.NoError(t, m.CommitTransaction(ctx, memInbound("t-1", 1, false)))
	err := m.CommitTransaction(ctx, memInbound("t-1", 1, false))
	assert.True(t, domain.IsConflict(err))
}

func TestMemoryArrival_ReleasesClaim(t *testing.T) {
	m := NewMemoryAdapter()
	require.NoError(t, m.SeedProduct(memProduct(10, 3)))
	ctx := context.Background()
	key := domain.ReplenishmentKey{ProductID: "p-1", SKU: "MUG", LocationID: "store-1"}

	tx := memInbound("t-1", 4, true)
	require.NoError(t, m.CommitTransaction(ctx, tx))
	err := m.CommitTransaction(ctx, memInbound("t-2", 1, true))
	assert.ErrorIs(t, err, domain.ErrReplenishmentInFlight)

	open, err := m.HasOpenReplenishment(ctx, key)
	require.NoError(t, err)
	assert.True(t, open)

	require.NoError(t, m.ApplyArrival(ctx, domain.PendingDeliveries(tx)[0].Arrival))
	open, _ = m.HasOpenReplenishment(ctx, key)
	assert.False(t, open)
	assert.NoError(t, m.CommitTransaction(ctx, memInbound("t-3", 1, true)))
}

func TestMemoryArrival_UnknownTransaction(t *testing.T) {
	m := NewMemoryAdapter()
	err := m.ApplyArrival(context.Background(), domain.Arrival{TransactionID: "nope"})
	assert.True(t, errors.Is(err, domain.ErrNotFound))
}

func TestMemoryUpdateStockSettings_NoChangeNoEvent(t *testing.T) {
	m := NewMemoryAdapter()
	require.NoError(t, m.SeedProduct(memProduct(10, 3)))
	ctx := context.Background()

	same := domain.StockSettings{SKU: "MUG", Location: memStore, Threshold: 5, Target: 10}
	require.NoError(t, m.UpdateStockSettings(ctx, "p-1", same))
	pending, _ := m.PendingChanges(ctx, 10)
	assert.Empty(t, pending)

	err := m.UpdateStockSettings(ctx, "p-1", domain.StockSettings{SKU: "MUG", Location: domain.LocationRef{Type: domain.LocationStore, ID: "store-2"}})
	assert.ErrorIs(t, err, domain.ErrUnknownLocation)
}

func TestMemoryIdempotency(t *testing.T) {
	m := NewMemoryAdapter()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return now }
	ctx := context.Background()

	ok, _ := m.SetIdempotency(ctx, "k")
	assert.True(t, ok)
	ok, _ = m.SetIdempotency(ctx, "k")
	assert.False(t, ok)

	now = now.Add(idempotencyKeyTTL + time.Second)
	ok, _ = m.SetIdempotency(ctx, "k")
	assert.True(t, ok, "expired key is accepted again")
}

func TestMemoryStream_TrimsAndPositions(t *testing.T) {
	s := NewMemoryStream(2)
	ctx := context.Background()
	for _, doc := range []string{"a", "b", "c"} {
		_, err := s.Publish(ctx, domain.ChangeEvent{DocumentID: doc})
		require.NoError(t, err)
	}

	// "a" was trimmed; resuming from the start yields what is left
	c, err := s.Open(ctx, "0-0")
	require.NoError(t, err)
	defer c.Close()
	ev, err := c.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, "b", ev.DocumentID)
	assert.Equal(t, "0-2", ev.ID)

	_, err = s.Open(ctx, "garbage")
	assert.Error(t, err)

	tail, err := s.Open(ctx, "")
	require.NoError(t, err)
	require.NoError(t, tail.Close())
	_, err = tail.Next(ctx)
	assert.ErrorIs(t, err, ErrCursorClosed)
}
