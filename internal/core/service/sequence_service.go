package service

import (
	"context"

	"go.uber.org/zap"

	"github.com/rl1809/inventory-replenishment/internal/core/domain"
	"github.com/rl1809/inventory-replenishment/internal/metrics"
	"github.com/rl1809/inventory-replenishment/internal/port"
)

// TransactionSequenceKey names the counter transaction numbers are drawn from.
const TransactionSequenceKey = "transactions"

// SequenceService hands out increasing numbers per stream key. A number is
// consumed even if the caller never stores it, so sequences may have gaps
// but never repeat.
type SequenceService struct {
	repo    port.SequenceRepository
	log     *zap.Logger
	metrics *metrics.Metrics
}

func NewSequenceService(repo port.SequenceRepository, log *zap.Logger, m *metrics.Metrics) *SequenceService {
	return &SequenceService{repo: repo, log: log, metrics: m}
}

func (s *SequenceService) Next(ctx context.Context, key string) (int64, error) {
	n, err := s.repo.NextValue(ctx, key)
	if err != nil {
		s.metrics.SequenceFailures.Inc()
		s.log.Error("sequence reservation failed", zap.String("key", key), zap.Error(err))
		return 0, domain.NewStoreError("next sequence", err)
	}
	return n, nil
}
