package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/rl1809/inventory-replenishment/internal/adapter/storage"
	"github.com/rl1809/inventory-replenishment/internal/core/domain"
	"github.com/rl1809/inventory-replenishment/internal/metrics"
)

func TestRelay_PublishesInCommitOrder(t *testing.T) {
	h := newHarness(t, tshirt(80, domain.StockRecord{Amount: 12}))
	stream := storage.NewMemoryStream(0)
	relay := NewRelayService(h.store, stream, h.log, h.metrics, time.Millisecond, 2)
	ctx := context.Background()

	cursor, err := stream.Open(ctx, "")
	require.NoError(t, err)
	defer cursor.Close()

	res, err := h.committer.Commit(ctx, saleDraft(-1))
	require.NoError(t, err)

	n, err := relay.RelayOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	first, err := cursor.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, domain.CollectionTransactions, first.Collection)
	assert.Equal(t, domain.OperationInsert, first.Operation)
	assert.Equal(t, res.TransactionID, first.DocumentID)

	second, err := cursor.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, domain.CollectionInventoryItems, second.Collection)
	assert.Equal(t, []string{"items.0.stock.1.amount", "total_stock_sum.1.amount"}, second.ChangedFields)

	n, err = relay.RelayOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestRelay_KeepsUnpublishedRecords(t *testing.T) {
	h := newHarness(t, tshirt(80, domain.StockRecord{Amount: 12}))
	publisher := &failingPublisher{okCalls: 1}
	relay := NewRelayService(h.store, publisher, zap.NewNop(), metrics.NewNop(), time.Millisecond, 10)
	ctx := context.Background()

	_, err := h.committer.Commit(ctx, saleDraft(-1))
	require.NoError(t, err)

	n, err := relay.RelayOnce(ctx)
	require.Error(t, err)
	assert.Equal(t, 1, n)

	pending, err := h.store.PendingChanges(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, domain.CollectionInventoryItems, pending[0].Event.Collection)
}

type failingPublisher struct {
	okCalls int
	calls   int
}

func (p *failingPublisher) Publish(ctx context.Context, ev domain.ChangeEvent) (string, error) {
	p.calls++
	if p.calls > p.okCalls {
		return "", errors.New("stream unavailable")
	}
	return "0-1", nil
}
