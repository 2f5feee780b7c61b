package handler

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/rl1809/inventory-replenishment/internal/adapter/storage"
	"github.com/rl1809/inventory-replenishment/internal/core/domain"
	"github.com/rl1809/inventory-replenishment/internal/core/service"
	"github.com/rl1809/inventory-replenishment/internal/metrics"
)

var testStore = domain.LocationRef{Type: domain.LocationStore, ID: "store-1"}

type nopScheduler struct{}

func (nopScheduler) Schedule(domain.PendingDelivery) bool { return true }

type testApp struct {
	store        *storage.MemoryAdapter
	transactions *service.TransactionService
	inventory    *service.InventoryService
	notifier     *service.NotifierService
}

// newTestApp wires the services over the memory store and relays changes to
// an in-memory stream until the test ends.
func newTestApp(t *testing.T) *testApp {
	t.Helper()
	log := zap.NewNop()
	m := metrics.NewNop()

	store := storage.NewMemoryAdapter()
	wh := domain.LocationRef{Type: domain.LocationWarehouse, ID: "wh-1"}
	require.NoError(t, store.SeedProduct(&domain.Product{
		ID:   "p-1",
		Name: "Mug",
		Items: []domain.Item{{
			SKU:          "MUG",
			DeliveryTime: domain.DeliveryTime{Amount: 1, Unit: domain.TimeUnitSeconds},
			Stock: []domain.StockRecord{
				{Location: wh, Amount: 100},
				{Location: testStore, Amount: 12, Threshold: 10, Target: 20},
			},
		}},
		TotalStockSum: []domain.StockRecord{
			{Location: wh, Amount: 100},
			{Location: testStore, Amount: 12},
		},
	}))

	stream := storage.NewMemoryStream(0)
	relay := service.NewRelayService(store, stream, log, m, time.Millisecond, 100)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go relay.Run(ctx)

	sequences := service.NewSequenceService(store, log, m)
	return &testApp{
		store:        store,
		transactions: service.NewTransactionService(store, sequences, nopScheduler{}, store, log, m),
		inventory:    service.NewInventoryService(store, log),
		notifier:     service.NewNotifierService(stream, log, m, service.BackoffPolicy{Initial: time.Millisecond, Max: 10 * time.Millisecond}),
	}
}

func saleDraft(amount int) domain.TransactionDraft {
	return domain.TransactionDraft{
		Type:     domain.TransactionOutbound,
		Location: domain.Route{Origin: testStore, Destination: domain.LocationRef{Type: domain.LocationCustomer}},
		Items:    []domain.DraftItem{{ProductID: "p-1", SKU: "MUG", Amount: amount}},
	}
}
