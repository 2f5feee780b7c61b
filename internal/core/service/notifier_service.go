package service

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/rl1809/inventory-replenishment/internal/core/domain"
	"github.com/rl1809/inventory-replenishment/internal/metrics"
	"github.com/rl1809/inventory-replenishment/internal/port"
)

const subscriptionBuffer = 64

type BackoffPolicy struct {
	Initial time.Duration
	Max     time.Duration
}

// Subscription is one filtered view of the change feed. Events is closed
// once the subscription ends.
type Subscription struct {
	ID     string
	Filter domain.ChangeFilter

	events chan domain.ChangeEvent
	cancel context.CancelFunc
	done   chan struct{}
}

func (s *Subscription) Events() <-chan domain.ChangeEvent {
	return s.events
}

// Close ends the subscription and returns once its cursor is released.
func (s *Subscription) Close() {
	s.cancel()
	<-s.done
}

type NotifierService struct {
	feed    port.ChangeFeed
	log     *zap.Logger
	metrics *metrics.Metrics
	policy  BackoffPolicy
}

func NewNotifierService(feed port.ChangeFeed, log *zap.Logger, m *metrics.Metrics, policy BackoffPolicy) *NotifierService {
	return &NotifierService{feed: feed, log: log, metrics: m, policy: policy}
}

// Subscribe opens a cursor at the current end of the feed and streams the
// events matching filter until ctx is cancelled or Close is called. Every
// event published after Subscribe returns is observed. When the feed fails,
// the cursor is reopened with capped exponential backoff after the last
// event received.
func (n *NotifierService) Subscribe(ctx context.Context, filter domain.ChangeFilter) (*Subscription, error) {
	cursor, err := n.feed.Open(ctx, "")
	if err != nil {
		return nil, domain.NewStoreError("subscribe", err)
	}

	subCtx, cancel := context.WithCancel(ctx)
	sub := &Subscription{
		ID:     uuid.NewString(),
		Filter: filter,
		events: make(chan domain.ChangeEvent, subscriptionBuffer),
		cancel: cancel,
		done:   make(chan struct{}),
	}

	n.metrics.ActiveSubscriptions.Inc()
	n.log.Debug("subscription opened", zap.String("subscription_id", sub.ID), zap.Any("filter", filter))

	go n.run(subCtx, sub, cursor)
	return sub, nil
}

func (n *NotifierService) run(ctx context.Context, sub *Subscription, cursor port.FeedCursor) {
	log := n.log.With(zap.String("subscription_id", sub.ID))
	defer func() {
		close(sub.events)
		n.metrics.ActiveSubscriptions.Dec()
		log.Debug("subscription closed")
		close(sub.done)
	}()

	// one backoff per subscription, reset only once an event gets through
	b := n.newBackOff()
	lastID := ""
	for {
		ev, err := cursor.Next(ctx)
		if errors.Is(err, port.ErrMalformedEvent) {
			lastID = ev.ID
			log.Error("skipping undecodable change event", zap.String("event_id", ev.ID), zap.Error(err))
			continue
		}
		if err == nil {
			lastID = ev.ID
			b.Reset()
			if !sub.Filter.Matches(ev) {
				continue
			}
			select {
			case sub.events <- ev:
				continue
			case <-ctx.Done():
			}
		}

		cursor.Close()
		if ctx.Err() != nil {
			return
		}

		log.Warn("change feed interrupted, reconnecting", zap.String("last_event_id", lastID), zap.Error(err))
		cursor, err = n.reopen(ctx, b, lastID, log)
		if err != nil {
			return
		}
		n.metrics.FeedReconnects.Inc()
	}
}

func (n *NotifierService) newBackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = n.policy.Initial
	b.MaxInterval = n.policy.Max
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

// reopen waits the next backoff interval before every open attempt and
// retries until a cursor is open or ctx is done.
func (n *NotifierService) reopen(ctx context.Context, b *backoff.ExponentialBackOff, after string, log *zap.Logger) (port.FeedCursor, error) {
	for {
		wait := b.NextBackOff()
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}

		cursor, err := n.feed.Open(ctx, after)
		if err == nil {
			return cursor, nil
		}
		log.Warn("reopen change feed failed", zap.Duration("waited", wait), zap.Error(err))
	}
}
