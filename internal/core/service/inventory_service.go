package service

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/rl1809/inventory-replenishment/internal/core/domain"
	"github.com/rl1809/inventory-replenishment/internal/port"
)

// InventoryService covers the operator-facing settings of the inventory
// aggregate and the read paths used after a change event.
type InventoryService struct {
	ledger port.LedgerRepository
	log    *zap.Logger
}

func NewInventoryService(ledger port.LedgerRepository, log *zap.Logger) *InventoryService {
	return &InventoryService{ledger: ledger, log: log}
}

func (s *InventoryService) SetAutoreplenishment(ctx context.Context, productID string, enabled bool) error {
	if productID == "" {
		return domain.NewValidationError("set autoreplenishment", nil, "product id is required")
	}
	if err := s.ledger.SetAutoreplenishment(ctx, productID, enabled); err != nil {
		return asStoreError("set autoreplenishment", err)
	}
	s.log.Info("autoreplenishment changed", zap.String("product_id", productID), zap.Bool("enabled", enabled))
	return nil
}

// UpdateStockSettings changes threshold and target of one stock record.
// Amounts are untouched, so this alone never triggers a replenishment.
func (s *InventoryService) UpdateStockSettings(ctx context.Context, productID string, settings domain.StockSettings) error {
	if err := settings.Validate(); err != nil {
		return err
	}
	if err := s.ledger.UpdateStockSettings(ctx, productID, settings); err != nil {
		return asStoreError("update stock settings", err)
	}
	s.log.Info("stock settings changed",
		zap.String("product_id", productID),
		zap.String("sku", settings.SKU),
		zap.String("location_id", settings.Location.ID),
		zap.Int("threshold", settings.Threshold),
		zap.Int("target", settings.Target),
	)
	return nil
}

func (s *InventoryService) GetProduct(ctx context.Context, productID string) (*domain.Product, error) {
	p, err := s.ledger.GetProduct(ctx, productID)
	if err != nil && !errors.Is(err, domain.ErrNotFound) {
		return nil, asStoreError("get product", err)
	}
	return p, err
}

func (s *InventoryService) GetTransaction(ctx context.Context, transactionID string) (*domain.Transaction, error) {
	t, err := s.ledger.GetTransaction(ctx, transactionID)
	if err != nil && !errors.Is(err, domain.ErrNotFound) {
		return nil, asStoreError("get transaction", err)
	}
	return t, err
}
