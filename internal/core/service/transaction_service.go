package service

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/rl1809/inventory-replenishment/internal/core/domain"
	"github.com/rl1809/inventory-replenishment/internal/metrics"
	"github.com/rl1809/inventory-replenishment/internal/port"
)

// DeliveryScheduler accepts inbound items for simulated delivery. It returns
// false when the item was shed.
type DeliveryScheduler interface {
	Schedule(p domain.PendingDelivery) bool
}

type CommitResult struct {
	TransactionID  string `json:"transaction_id"`
	SequenceNumber int64  `json:"sequence_number"`
}

// TransactionService is the only writer of transactions and of the amount
// and ordered counters.
type TransactionService struct {
	ledger     port.LedgerRepository
	sequences  *SequenceService
	deliveries DeliveryScheduler
	cache      port.CacheRepository
	log        *zap.Logger
	metrics    *metrics.Metrics
	now        func() time.Time
}

func NewTransactionService(
	ledger port.LedgerRepository,
	sequences *SequenceService,
	deliveries DeliveryScheduler,
	cache port.CacheRepository,
	log *zap.Logger,
	m *metrics.Metrics,
) *TransactionService {
	return &TransactionService{
		ledger:     ledger,
		sequences:  sequences,
		deliveries: deliveries,
		cache:      cache,
		log:        log,
		metrics:    m,
		now:        time.Now,
	}
}

// CommitRequest commits a manual request at most once per idempotency key.
// The key is released again when the commit fails with a retryable error.
func (s *TransactionService) CommitRequest(ctx context.Context, idempotencyKey string, draft domain.TransactionDraft) (CommitResult, error) {
	if idempotencyKey == "" {
		return s.Commit(ctx, draft)
	}

	key := "transaction:" + idempotencyKey
	ok, err := s.cache.SetIdempotency(ctx, key)
	if err != nil {
		return CommitResult{}, domain.NewStoreError("idempotency check", err)
	}
	if !ok {
		return CommitResult{}, domain.ErrDuplicateRequest
	}

	result, err := s.Commit(ctx, draft)
	if err != nil && domain.KindOf(err).Retryable() {
		if releaseErr := s.cache.ReleaseIdempotency(ctx, key); releaseErr != nil {
			s.log.Warn("failed to release idempotency key", zap.String("key", key), zap.Error(releaseErr))
		}
	}
	return result, err
}

// Commit validates draft, stores it with its counter adjustments as one unit
// and schedules delivery of inbound items.
func (s *TransactionService) Commit(ctx context.Context, draft domain.TransactionDraft) (CommitResult, error) {
	t, err := s.commit(ctx, draft)

	result := "ok"
	if err != nil {
		result = string(domain.KindOf(err))
	}
	s.metrics.CommitsTotal.WithLabelValues(string(draft.Type), strconv.FormatBool(draft.Automatic), result).Inc()

	if err != nil {
		return CommitResult{}, err
	}

	s.log.Info("transaction committed",
		zap.String("transaction_id", t.ID),
		zap.Int64("sequence_number", *t.SequenceNumber),
		zap.String("type", string(t.Type)),
		zap.Bool("automatic", t.Automatic),
		zap.String("location_id", t.StockLocation().ID),
		zap.Int("items", len(t.Items)),
	)

	for _, p := range domain.PendingDeliveries(t) {
		if !s.deliveries.Schedule(p) {
			s.log.Warn("delivery not scheduled, item stays ordered until restart",
				zap.String("transaction_id", t.ID), zap.String("sku", p.SKU))
		}
	}

	return CommitResult{TransactionID: t.ID, SequenceNumber: *t.SequenceNumber}, nil
}

func (s *TransactionService) commit(ctx context.Context, draft domain.TransactionDraft) (domain.Transaction, error) {
	t, err := s.buildTransaction(ctx, draft)
	if err != nil {
		return domain.Transaction{}, err
	}

	seq, err := s.sequences.Next(ctx, TransactionSequenceKey)
	if err != nil {
		return domain.Transaction{}, err
	}
	t.SequenceNumber = &seq

	if err := s.ledger.CommitTransaction(ctx, t); err != nil {
		return domain.Transaction{}, asStoreError("commit transaction", err)
	}
	return t, nil
}

// buildTransaction resolves every draft line against the current products so
// that unknown references are rejected before anything is written.
func (s *TransactionService) buildTransaction(ctx context.Context, draft domain.TransactionDraft) (domain.Transaction, error) {
	const op = "build transaction"
	if err := draft.Validate(); err != nil {
		return domain.Transaction{}, err
	}

	now := s.now().UTC()
	status := domain.InitialStatus(draft.Type)
	products := make(map[string]*domain.Product)

	lines := draft.MergedItems()
	items := make([]domain.TransactionItem, 0, len(lines))
	for _, line := range lines {
		p, ok := products[line.ProductID]
		if !ok {
			var err error
			p, err = s.ledger.GetProduct(ctx, line.ProductID)
			if errors.Is(err, domain.ErrNotFound) {
				return domain.Transaction{}, domain.NewValidationError(op, domain.ErrUnknownProduct, "product %s", line.ProductID)
			}
			if err != nil {
				return domain.Transaction{}, asStoreError(op, err)
			}
			products[line.ProductID] = p
		}

		_, item := p.FindItem(line.SKU)
		if item == nil {
			return domain.Transaction{}, domain.NewValidationError(op, domain.ErrUnknownItem, "%s/%s", p.ID, line.SKU)
		}
		if err := checkStockLocations(draft, item); err != nil {
			return domain.Transaction{}, domain.NewValidationError(op, domain.ErrUnknownLocation, "%s: %v", line.SKU, err)
		}

		deliveryTime := item.DeliveryTime
		if line.DeliveryTime != nil {
			deliveryTime = *line.DeliveryTime
		}
		items = append(items, domain.TransactionItem{
			SKU:          item.SKU,
			Size:         item.Size,
			Amount:       line.Amount,
			DeliveryTime: deliveryTime,
			Product:      p.Ref(),
			Status:       []domain.ItemStatus{{Name: status, UpdateTimestamp: now}},
		})
	}

	return domain.Transaction{
		ID:                 uuid.NewString(),
		Type:               draft.Type,
		Location:           draft.Location,
		PlacementTimestamp: now,
		Automatic:          draft.Automatic,
		UserID:             draft.UserID,
		Items:              items,
	}, nil
}

type locationError struct {
	loc domain.LocationRef
}

func (e locationError) Error() string {
	return "no stock record at " + e.loc.String()
}

func checkStockLocations(draft domain.TransactionDraft, item *domain.Item) error {
	var required []domain.LocationRef
	switch draft.Type {
	case domain.TransactionInbound:
		required = []domain.LocationRef{
			{Type: domain.LocationWarehouse, ID: draft.Location.Origin.ID},
			draft.Location.Destination,
		}
	case domain.TransactionOutbound:
		required = []domain.LocationRef{draft.Location.Origin}
	}
	for _, loc := range required {
		if _, rec := item.FindStock(loc); rec == nil {
			return locationError{loc: loc}
		}
	}
	return nil
}

// asStoreError keeps classified errors and treats anything else as the store
// being unavailable.
func asStoreError(op string, err error) error {
	var de *domain.Error
	if errors.As(err, &de) {
		return err
	}
	return domain.NewStoreError(op, err)
}
