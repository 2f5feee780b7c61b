package port

import (
	"context"

	"github.com/rl1809/inventory-replenishment/internal/core/domain"
)

// LedgerRepository is the stock ledger store. Every mutating call runs as one
// store transaction and records its change events in the same unit.
type LedgerRepository interface {
	GetProduct(ctx context.Context, productID string) (*domain.Product, error)

	GetTransaction(ctx context.Context, transactionID string) (*domain.Transaction, error)

	// CommitTransaction inserts t and applies its stock adjustments atomically.
	// Automatic inbound transactions also claim their replenishment keys and
	// fail with ErrReplenishmentInFlight when one is already claimed.
	CommitTransaction(ctx context.Context, t domain.Transaction) error

	// ApplyArrival appends the arrived status and moves the amount from ordered
	// to on-hand stock. Returns ErrAlreadyArrived when the item has arrived.
	ApplyArrival(ctx context.Context, a domain.Arrival) error

	// HasOpenReplenishment reports whether an automatic inbound transaction
	// for key still has an item without arrived status.
	HasOpenReplenishment(ctx context.Context, key domain.ReplenishmentKey) (bool, error)

	// ListUndelivered returns inbound transactions with items not yet arrived.
	ListUndelivered(ctx context.Context) ([]domain.Transaction, error)

	SetAutoreplenishment(ctx context.Context, productID string, enabled bool) error

	UpdateStockSettings(ctx context.Context, productID string, settings domain.StockSettings) error
}
