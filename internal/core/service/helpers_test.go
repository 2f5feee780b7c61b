package service

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/rl1809/inventory-replenishment/internal/adapter/storage"
	"github.com/rl1809/inventory-replenishment/internal/core/domain"
	"github.com/rl1809/inventory-replenishment/internal/metrics"
)

var (
	warehouseLoc = domain.LocationRef{Type: domain.LocationWarehouse, ID: "wh-1"}
	storeLoc     = domain.LocationRef{Type: domain.LocationStore, ID: "store-1"}
)

// recordingScheduler accepts every delivery and remembers it.
type recordingScheduler struct {
	mu    sync.Mutex
	items []domain.PendingDelivery
}

func (r *recordingScheduler) Schedule(p domain.PendingDelivery) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.items = append(r.items, p)
	return true
}

func (r *recordingScheduler) scheduled() []domain.PendingDelivery {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]domain.PendingDelivery(nil), r.items...)
}

type harness struct {
	store     *storage.MemoryAdapter
	metrics   *metrics.Metrics
	log       *zap.Logger
	scheduler *recordingScheduler
	committer *TransactionService
}

func newHarness(t *testing.T, products ...*domain.Product) *harness {
	t.Helper()

	store := storage.NewMemoryAdapter()
	for _, p := range products {
		require.NoError(t, store.SeedProduct(p))
	}
	log := zap.NewNop()
	m := metrics.NewNop()
	scheduler := &recordingScheduler{}
	sequences := NewSequenceService(store, log, m)

	return &harness{
		store:     store,
		metrics:   m,
		log:       log,
		scheduler: scheduler,
		committer: NewTransactionService(store, sequences, scheduler, store, log, m),
	}
}

// tshirt is a product with one sku stocked at the warehouse and one store.
func tshirt(warehouseAmount int, store domain.StockRecord) *domain.Product {
	store.Location = storeLoc
	return &domain.Product{
		ID:   "p-1",
		Name: "T-Shirt",
		Items: []domain.Item{{
			SKU:          "TSHIRT-M",
			Size:         "M",
			DeliveryTime: domain.DeliveryTime{Amount: 2, Unit: domain.TimeUnitSeconds},
			Stock: []domain.StockRecord{
				{Location: warehouseLoc, Amount: warehouseAmount},
				store,
			},
		}},
		TotalStockSum: []domain.StockRecord{
			{Location: warehouseLoc, Amount: warehouseAmount},
			{Location: storeLoc, Amount: store.Amount, Ordered: store.Ordered},
		},
	}
}

func inboundDraft(amount int) domain.TransactionDraft {
	return domain.TransactionDraft{
		Type:     domain.TransactionInbound,
		Location: domain.Route{Origin: domain.LocationRef{Type: domain.LocationWarehouse}, Destination: storeLoc},
		Items:    []domain.DraftItem{{ProductID: "p-1", SKU: "TSHIRT-M", Amount: amount}},
	}
}

func saleDraft(amount int) domain.TransactionDraft {
	return domain.TransactionDraft{
		Type:     domain.TransactionOutbound,
		Location: domain.Route{Origin: storeLoc, Destination: domain.LocationRef{Type: domain.LocationCustomer}},
		Items:    []domain.DraftItem{{ProductID: "p-1", SKU: "TSHIRT-M", Amount: amount}},
	}
}

func storeRecord(t *testing.T, h *harness) domain.StockRecord {
	t.Helper()
	p, err := h.store.GetProduct(context.Background(), "p-1")
	require.NoError(t, err)
	require.NoError(t, p.CheckTotals())
	_, rec := p.Items[0].FindStock(storeLoc)
	require.NotNil(t, rec)
	return *rec
}

func warehouseRecord(t *testing.T, h *harness) domain.StockRecord {
	t.Helper()
	p, err := h.store.GetProduct(context.Background(), "p-1")
	require.NoError(t, err)
	_, rec := p.Items[0].FindStock(warehouseLoc)
	require.NotNil(t, rec)
	return *rec
}

// drainProductEvents empties the outbox and returns the inventory events in
// commit order.
func drainProductEvents(t *testing.T, h *harness) []domain.ChangeEvent {
	t.Helper()
	ctx := context.Background()
	records, err := h.store.PendingChanges(ctx, 1000)
	require.NoError(t, err)

	var events []domain.ChangeEvent
	seqs := make([]int64, 0, len(records))
	for _, rec := range records {
		seqs = append(seqs, rec.Seq)
		if rec.Event.Collection == domain.CollectionInventoryItems {
			events = append(events, rec.Event)
		}
	}
	require.NoError(t, h.store.MarkPublished(ctx, seqs))
	return events
}
