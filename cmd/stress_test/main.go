package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	_ "github.com/go-sql-driver/mysql"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/rl1809/inventory-replenishment/internal/adapter/storage"
	"github.com/rl1809/inventory-replenishment/internal/config"
	"github.com/rl1809/inventory-replenishment/internal/core/domain"
	"github.com/rl1809/inventory-replenishment/internal/core/service"
	"github.com/rl1809/inventory-replenishment/internal/metrics"
	"github.com/rl1809/inventory-replenishment/internal/port"
)

const (
	initialStock  = 20
	totalRequests = 50
)

var (
	warehouse = domain.LocationRef{Type: domain.LocationWarehouse, ID: "wh-stress"}
	store     = domain.LocationRef{Type: domain.LocationStore, ID: "store-stress"}
)

type nopScheduler struct{}

func (nopScheduler) Schedule(domain.PendingDelivery) bool { return true }

// seeder is implemented by both ledger stores.
type seeder func(ctx context.Context, p *domain.Product) error

func main() {
	driver := flag.String("store", config.StoreMemory, "Ledger store: memory or mysql")
	flag.Parse()

	ctx := context.Background()
	productID := "stress-" + uuid.NewString()[:8]

	ledger, sequences, seed, closeFn := openLedger(*driver)
	defer closeFn()

	if err := seed(ctx, stressProduct(productID)); err != nil {
		log.Fatalf("failed to seed product: %v", err)
	}

	committer := service.NewTransactionService(
		ledger,
		service.NewSequenceService(sequences, zap.NewNop(), metrics.NewNop()),
		nopScheduler{},
		nil,
		zap.NewNop(),
		metrics.NewNop(),
	)

	// Counters
	var successCount, soldOutCount, conflictCount, otherCount atomic.Int32
	var seqMu sync.Mutex
	seqs := make(map[int64]bool)

	// Spawn concurrent sales of one unit each
	var wg sync.WaitGroup
	start := time.Now()

	for i := 0; i < totalRequests; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()

			res, err := committer.Commit(ctx, domain.TransactionDraft{
				Type:     domain.TransactionOutbound,
				Location: domain.Route{Origin: store, Destination: domain.LocationRef{Type: domain.LocationCustomer}},
				Items:    []domain.DraftItem{{ProductID: productID, SKU: "STRESS-1", Amount: -1}},
			})
			switch {
			case err == nil:
				successCount.Add(1)
				seqMu.Lock()
				if seqs[res.SequenceNumber] {
					log.Printf("sequence number %d issued twice", res.SequenceNumber)
				}
				seqs[res.SequenceNumber] = true
				seqMu.Unlock()
			case errors.Is(err, domain.ErrInsufficientStock):
				soldOutCount.Add(1)
			case domain.IsConflict(err):
				conflictCount.Add(1)
			default:
				otherCount.Add(1)
				log.Printf("unexpected error: %v", err)
			}
		}()
	}

	wg.Wait()
	elapsed := time.Since(start)

	// Results
	success := successCount.Load()
	soldOut := soldOutCount.Load()

	fmt.Println("========== STRESS TEST RESULTS ==========")
	fmt.Printf("Store:            %s\n", *driver)
	fmt.Printf("Initial Stock:    %d\n", initialStock)
	fmt.Printf("Total Requests:   %d\n", totalRequests)
	fmt.Printf("Successful:       %d\n", success)
	fmt.Printf("Sold out:         %d\n", soldOut)
	fmt.Printf("Conflicts:        %d\n", conflictCount.Load())
	fmt.Printf("Other errors:     %d\n", otherCount.Load())
	fmt.Printf("Distinct seqs:    %d\n", len(seqs))
	fmt.Printf("Duration:         %v\n", elapsed)
	fmt.Println("==========================================")

	// Assertions
	if success == initialStock && soldOut == totalRequests-initialStock {
		fmt.Printf("PASS: Exactly %d sales succeeded, %d were rejected\n", initialStock, totalRequests-initialStock)
	} else {
		fmt.Printf("FAIL: Expected %d success/%d sold out, got %d/%d\n",
			initialStock, totalRequests-initialStock, success, soldOut)
	}

	p, err := ledger.GetProduct(ctx, productID)
	if err != nil {
		log.Fatalf("failed to read product: %v", err)
	}
	_, item := p.FindItem("STRESS-1")
	_, rec := item.FindStock(store)
	fmt.Printf("Final Store Stock: %d\n", rec.Amount)

	if rec.Amount == initialStock-int(success) && rec.Amount >= 0 {
		fmt.Println("PASS: No lost updates")
	} else {
		fmt.Printf("FAIL: Expected stock %d, got %d\n", initialStock-int(success), rec.Amount)
	}
	if err := p.CheckTotals(); err != nil {
		fmt.Printf("FAIL: %v\n", err)
	} else {
		fmt.Println("PASS: Totals match item records")
	}
}

func openLedger(driver string) (port.LedgerRepository, port.SequenceRepository, seeder, func()) {
	if driver != config.StoreMySQL {
		mem := storage.NewMemoryAdapter()
		seed := func(_ context.Context, p *domain.Product) error { return mem.SeedProduct(p) }
		return mem, mem, seed, func() {}
	}

	cfg, err := config.Load("inventory-stress")
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	db, err := sqlx.Connect("mysql", cfg.MySQL.DSN)
	if err != nil {
		log.Fatalf("failed to connect mysql: %v", err)
	}
	db.SetMaxOpenConns(cfg.MySQL.MaxOpenConns)
	adapter := storage.NewMySQLAdapter(db)
	return adapter, adapter, adapter.SeedProduct, func() { db.Close() }
}

func stressProduct(id string) *domain.Product {
	return &domain.Product{
		ID:   id,
		Name: "Stress Item",
		Items: []domain.Item{{
			SKU:          "STRESS-1",
			DeliveryTime: domain.DeliveryTime{Amount: 1, Unit: domain.TimeUnitSeconds},
			Stock: []domain.StockRecord{
				{Location: warehouse, Amount: 1000},
				{Location: store, Amount: initialStock},
			},
		}},
		TotalStockSum: []domain.StockRecord{
			{Location: warehouse, Amount: 1000},
			{Location: store, Amount: initialStock},
		},
	}
}
