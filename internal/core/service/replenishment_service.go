package service

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/rl1809/inventory-replenishment/internal/core/domain"
	"github.com/rl1809/inventory-replenishment/internal/metrics"
	"github.com/rl1809/inventory-replenishment/internal/port"
)

type Committer interface {
	Commit(ctx context.Context, draft domain.TransactionDraft) (CommitResult, error)
}

type Subscriber interface {
	Subscribe(ctx context.Context, filter domain.ChangeFilter) (*Subscription, error)
}

// replenishmentFilter selects the stock changes the reactor evaluates.
var replenishmentFilter = domain.ChangeFilter{
	Collection:      domain.CollectionInventoryItems,
	Operation:       domain.OperationUpdate,
	Autoreplenished: true,
}

// ReplenishmentService watches stock changes and orders stock from the
// warehouse when a store or factory drops below its threshold. Arrivals of
// its own orders come back through the same feed; the open-replenishment
// check is what keeps that loop from ordering twice.
type ReplenishmentService struct {
	notifier  Subscriber
	ledger    port.LedgerRepository
	committer Committer
	log       *zap.Logger
	metrics   *metrics.Metrics
}

func NewReplenishmentService(notifier Subscriber, ledger port.LedgerRepository, committer Committer, log *zap.Logger, m *metrics.Metrics) *ReplenishmentService {
	return &ReplenishmentService{
		notifier:  notifier,
		ledger:    ledger,
		committer: committer,
		log:       log,
		metrics:   m,
	}
}

// Run subscribes to inventory updates and handles them one at a time until
// ctx is cancelled.
func (r *ReplenishmentService) Run(ctx context.Context) error {
	sub, err := r.notifier.Subscribe(ctx, replenishmentFilter)
	if err != nil {
		return err
	}
	defer sub.Close()

	r.log.Info("replenishment reactor started", zap.String("subscription_id", sub.ID))
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-sub.Events():
			if !ok {
				if ctx.Err() != nil {
					return nil
				}
				return errors.New("change subscription ended")
			}
			r.HandleEvent(ctx, ev)
		}
	}
}

// HandleEvent evaluates every stock record changed by ev and returns how many
// replenishment transactions it committed. Failures are logged, never
// retried.
func (r *ReplenishmentService) HandleEvent(ctx context.Context, ev domain.ChangeEvent) int {
	log := r.log.With(zap.String("event_id", ev.ID), zap.String("product_id", ev.DocumentID))

	product, err := ev.Product()
	if err != nil {
		log.Error("undecodable inventory event", zap.Error(err))
		return 0
	}
	if !product.Autoreplenishment {
		return 0
	}
	previous, err := ev.PreviousProduct()
	if err != nil {
		log.Error("inventory event without previous state", zap.Error(err))
		return 0
	}

	committed := 0
	for _, pos := range domain.ChangedStockPositions(ev.ChangedFields) {
		if pos.Item >= len(product.Items) || pos.Stock >= len(product.Items[pos.Item].Stock) {
			continue
		}
		item := &product.Items[pos.Item]
		current := item.Stock[pos.Stock]
		if current.Location.Type == domain.LocationWarehouse {
			continue
		}

		var before domain.StockRecord
		if _, prevItem := previous.FindItem(item.SKU); prevItem != nil {
			if _, rec := prevItem.FindStock(current.Location); rec != nil {
				before = *rec
			}
		}

		amount, triggered := domain.ReplenishmentAmount(before, current)
		if !triggered {
			continue
		}
		if r.replenish(ctx, log, product, item, current, amount) {
			committed++
		}
	}
	return committed
}

func (r *ReplenishmentService) replenish(ctx context.Context, log *zap.Logger, product *domain.Product, item *domain.Item, current domain.StockRecord, amount int) bool {
	log = log.With(
		zap.String("sku", item.SKU),
		zap.String("location_id", current.Location.ID),
		zap.Int("amount", current.Amount),
		zap.Int("threshold", current.Threshold),
	)

	if amount == 0 {
		r.decision("zero_amount")
		log.Debug("below threshold but target already met")
		return false
	}

	key := domain.ReplenishmentKey{ProductID: product.ID, SKU: item.SKU, LocationID: current.Location.ID}
	open, err := r.ledger.HasOpenReplenishment(ctx, key)
	if err != nil {
		r.decision("error")
		log.Error("open replenishment lookup failed", zap.Error(err))
		return false
	}
	if open {
		r.decision("in_flight")
		log.Debug("replenishment already in flight")
		return false
	}

	origin := domain.LocationRef{Type: domain.LocationWarehouse}
	if _, rec := item.FindStock(origin); rec != nil {
		origin = rec.Location
	}
	draft := domain.TransactionDraft{
		Type:      domain.TransactionInbound,
		Location:  domain.Route{Origin: origin, Destination: current.Location},
		Items:     []domain.DraftItem{{ProductID: product.ID, SKU: item.SKU, Amount: amount}},
		Automatic: true,
	}

	result, err := r.committer.Commit(ctx, draft)
	switch {
	case errors.Is(err, domain.ErrReplenishmentInFlight):
		r.decision("in_flight")
		log.Debug("replenishment claimed concurrently")
		return false
	case err != nil:
		r.decision("commit_failed")
		log.Error("replenishment commit failed", zap.Error(err))
		return false
	}

	r.decision("committed")
	log.Info("replenishment ordered",
		zap.String("transaction_id", result.TransactionID),
		zap.Int("replenish_amount", amount),
	)
	return true
}

func (r *ReplenishmentService) decision(outcome string) {
	r.metrics.ReplenishmentDecisions.WithLabelValues(outcome).Inc()
}
