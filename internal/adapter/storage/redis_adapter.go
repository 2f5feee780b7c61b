package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/rl1809/inventory-replenishment/internal/core/domain"
	"github.com/rl1809/inventory-replenishment/internal/port"
)

const (
	idempotencyKeyPrefix = "idem:"
	idempotencyKeyTTL    = 24 * time.Hour
	streamEventField     = "event"
	streamReadCount      = 100
	streamBlockTimeout   = 5 * time.Second
)

type RedisAdapter struct {
	client    *redis.Client
	streamKey string
	maxLen    int64
}

func NewRedisAdapter(client *redis.Client, streamKey string, maxLen int64) *RedisAdapter {
	return &RedisAdapter{client: client, streamKey: streamKey, maxLen: maxLen}
}

func (r *RedisAdapter) SetIdempotency(ctx context.Context, key string) (bool, error) {
	ok, err := r.client.SetNX(ctx, idempotencyKeyPrefix+key, 1, idempotencyKeyTTL).Result()
	if err != nil {
		return false, err
	}

	return ok, nil
}

func (r *RedisAdapter) ReleaseIdempotency(ctx context.Context, key string) error {
	return r.client.Del(ctx, idempotencyKeyPrefix+key).Err()
}

// Publish appends ev to the change stream. The stream is trimmed
// approximately to maxLen entries.
func (r *RedisAdapter) Publish(ctx context.Context, ev domain.ChangeEvent) (string, error) {
	ev.ID = ""
	payload, err := json.Marshal(ev)
	if err != nil {
		return "", fmt.Errorf("encode change event: %w", err)
	}

	args := &redis.XAddArgs{
		Stream: r.streamKey,
		Values: map[string]any{streamEventField: payload},
	}
	if r.maxLen > 0 {
		args.MaxLen = r.maxLen
		args.Approx = true
	}
	id, err := r.client.XAdd(ctx, args).Result()
	if err != nil {
		return "", fmt.Errorf("xadd %s: %w", r.streamKey, err)
	}
	return id, nil
}

// Open resolves an empty position to the stream's current last entry so that
// no event published after Open returns is skipped.
func (r *RedisAdapter) Open(ctx context.Context, after string) (port.FeedCursor, error) {
	if after == "" {
		last, err := r.client.XRevRangeN(ctx, r.streamKey, "+", "-", 1).Result()
		if err != nil {
			return nil, fmt.Errorf("read stream tail: %w", err)
		}
		after = "0-0"
		if len(last) == 1 {
			after = last[0].ID
		}
	}
	return &redisCursor{client: r.client, streamKey: r.streamKey, pos: after, closed: make(chan struct{})}, nil
}

type redisCursor struct {
	client    *redis.Client
	streamKey string
	pos       string
	buf       []redis.XMessage
	closed    chan struct{}
	closeOnce sync.Once
}

func (c *redisCursor) Next(ctx context.Context) (domain.ChangeEvent, error) {
	for len(c.buf) == 0 {
		select {
		case <-c.closed:
			return domain.ChangeEvent{}, ErrCursorClosed
		default:
		}

		streams, err := c.client.XRead(ctx, &redis.XReadArgs{
			Streams: []string{c.streamKey, c.pos},
			Count:   streamReadCount,
			Block:   streamBlockTimeout,
		}).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return domain.ChangeEvent{}, err
		}
		for _, s := range streams {
			c.buf = append(c.buf, s.Messages...)
		}
	}

	msg := c.buf[0]
	c.buf = c.buf[1:]
	c.pos = msg.ID
	ev, err := decodeStreamMessage(msg)
	if err != nil {
		return domain.ChangeEvent{ID: msg.ID}, fmt.Errorf("%w: %v", port.ErrMalformedEvent, err)
	}
	return ev, nil
}

func (c *redisCursor) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

func decodeStreamMessage(msg redis.XMessage) (domain.ChangeEvent, error) {
	raw, ok := msg.Values[streamEventField].(string)
	if !ok {
		return domain.ChangeEvent{}, fmt.Errorf("stream entry %s has no %s field", msg.ID, streamEventField)
	}
	var ev domain.ChangeEvent
	if err := json.Unmarshal([]byte(raw), &ev); err != nil {
		return domain.ChangeEvent{}, fmt.Errorf("decode stream entry %s: %w", msg.ID, err)
	}
	ev.ID = msg.ID
	return ev, nil
}
