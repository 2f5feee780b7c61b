package service

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/rl1809/inventory-replenishment/internal/metrics"
	"github.com/rl1809/inventory-replenishment/internal/port"
)

// RelayService moves change events from the store's outbox to the change
// feed in commit order. A record is marked published only after the feed
// accepted it, so a crash between the two publishes it again.
type RelayService struct {
	outbox    port.OutboxRepository
	publisher port.ChangePublisher
	log       *zap.Logger
	metrics   *metrics.Metrics
	interval  time.Duration
	batchSize int
}

func NewRelayService(outbox port.OutboxRepository, publisher port.ChangePublisher, log *zap.Logger, m *metrics.Metrics, interval time.Duration, batchSize int) *RelayService {
	return &RelayService{
		outbox:    outbox,
		publisher: publisher,
		log:       log,
		metrics:   m,
		interval:  interval,
		batchSize: batchSize,
	}
}

func (r *RelayService) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for {
				n, err := r.RelayOnce(ctx)
				if err != nil {
					if ctx.Err() == nil {
						r.log.Error("relay batch failed", zap.Error(err))
					}
					break
				}
				if n < r.batchSize {
					break
				}
			}
		}
	}
}

// RelayOnce publishes up to one batch and returns how many records it
// published.
func (r *RelayService) RelayOnce(ctx context.Context) (int, error) {
	records, err := r.outbox.PendingChanges(ctx, r.batchSize)
	if err != nil {
		return 0, err
	}

	published := make([]int64, 0, len(records))
	var publishErr error
	for _, rec := range records {
		if _, err := r.publisher.Publish(ctx, rec.Event); err != nil {
			publishErr = err
			break
		}
		published = append(published, rec.Seq)
	}

	if len(published) > 0 {
		if err := r.outbox.MarkPublished(ctx, published); err != nil {
			return 0, err
		}
		r.metrics.RelayPublished.Add(float64(len(published)))
	}
	return len(published), publishErr
}
