package port

import (
	"context"
	"errors"

	"github.com/rl1809/inventory-replenishment/internal/core/domain"
)

// OutboxRecord is a change event written by the ledger store and not yet
// relayed to the feed.
type OutboxRecord struct {
	Seq   int64
	Event domain.ChangeEvent
}

type OutboxRepository interface {
	// PendingChanges returns up to limit unpublished records in Seq order.
	PendingChanges(ctx context.Context, limit int) ([]OutboxRecord, error)

	MarkPublished(ctx context.Context, seqs []int64) error
}

type ChangePublisher interface {
	// Publish appends ev to the feed and returns the feed position assigned.
	Publish(ctx context.Context, ev domain.ChangeEvent) (string, error)
}

type ChangeFeed interface {
	// Open positions a cursor after the event with id after. An empty after
	// starts at the events published from now on.
	Open(ctx context.Context, after string) (FeedCursor, error)
}

// ErrMalformedEvent is returned by FeedCursor.Next for an entry that cannot be
// decoded. The returned event carries only the entry's ID and the cursor has
// already moved past it.
var ErrMalformedEvent = errors.New("malformed change event")

type FeedCursor interface {
	// Next blocks until the next event is available. The event's ID is its
	// feed position.
	Next(ctx context.Context) (domain.ChangeEvent, error)

	Close() error
}
