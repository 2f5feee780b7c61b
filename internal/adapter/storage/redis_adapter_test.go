package storage

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/rl1809/inventory-replenishment/internal/core/domain"
	"github.com/rl1809/inventory-replenishment/internal/port"
)

func getRedisClient(t *testing.T) *redis.Client {
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		addr = "localhost:6379"
	}

	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(context.Background()).Err(); err != nil {
		t.Skipf("Redis not available: %v", err)
	}
	return client
}

func testStreamKey(t *testing.T, client *redis.Client) string {
	key := "test:changes:" + uuid.NewString()
	t.Cleanup(func() { client.Del(context.Background(), key) })
	return key
}

func stockEvent(id string) domain.ChangeEvent {
	return domain.ChangeEvent{
		Collection: domain.CollectionInventoryItems,
		Operation:  domain.OperationUpdate,
		DocumentID: id,
		Document:   []byte(`{"id":"` + id + `"}`),
		OccurredAt: time.Now().UTC(),
	}
}

func TestIdempotency_SetAndRelease(t *testing.T) {
	client := getRedisClient(t)
	defer client.Close()

	ctx := context.Background()
	adapter := NewRedisAdapter(client, testStreamKey(t, client), 0)
	key := "test-" + uuid.NewString()
	defer adapter.ReleaseIdempotency(ctx, key)

	ok, err := adapter.SetIdempotency(ctx, key)
	if err != nil || !ok {
		t.Fatalf("expected first set to succeed, got %v (%v)", ok, err)
	}
	ok, _ = adapter.SetIdempotency(ctx, key)
	if ok {
		t.Error("expected duplicate key to be rejected")
	}

	if err := adapter.ReleaseIdempotency(ctx, key); err != nil {
		t.Fatalf("ReleaseIdempotency failed: %v", err)
	}
	ok, _ = adapter.SetIdempotency(ctx, key)
	if !ok {
		t.Error("expected released key to be accepted again")
	}
}

func TestStream_OpenFromNowSkipsHistory(t *testing.T) {
	client := getRedisClient(t)
	defer client.Close()

	ctx := context.Background()
	adapter := NewRedisAdapter(client, testStreamKey(t, client), 1000)

	if _, err := adapter.Publish(ctx, stockEvent("old")); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}
	cursor, err := adapter.Open(ctx, "")
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer cursor.Close()

	id, err := adapter.Publish(ctx, stockEvent("new"))
	if err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	ev, err := cursor.Next(ctx)
	if err != nil {
		t.Fatalf("Next failed: %v", err)
	}
	if ev.DocumentID != "new" || ev.ID != id {
		t.Errorf("expected new event %s, got %s %s", id, ev.ID, ev.DocumentID)
	}
}

func TestStream_ResumeAfterPosition(t *testing.T) {
	client := getRedisClient(t)
	defer client.Close()

	ctx := context.Background()
	adapter := NewRedisAdapter(client, testStreamKey(t, client), 1000)

	var ids []string
	for _, doc := range []string{"a", "b", "c"} {
		id, err := adapter.Publish(ctx, stockEvent(doc))
		if err != nil {
			t.Fatalf("Publish failed: %v", err)
		}
		ids = append(ids, id)
	}

	cursor, err := adapter.Open(ctx, ids[0])
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer cursor.Close()

	for _, want := range []string{"b", "c"} {
		ev, err := cursor.Next(ctx)
		if err != nil {
			t.Fatalf("Next failed: %v", err)
		}
		if ev.DocumentID != want {
			t.Errorf("expected %s, got %s", want, ev.DocumentID)
		}
	}
}

func TestStream_MalformedEntryIsSkippable(t *testing.T) {
	client := getRedisClient(t)
	defer client.Close()

	ctx := context.Background()
	key := testStreamKey(t, client)
	adapter := NewRedisAdapter(client, key, 1000)

	cursor, err := adapter.Open(ctx, "")
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer cursor.Close()

	badID, err := client.XAdd(ctx, &redis.XAddArgs{Stream: key, Values: map[string]any{streamEventField: "{not json"}}).Result()
	if err != nil {
		t.Fatalf("XAdd failed: %v", err)
	}
	if _, err := adapter.Publish(ctx, stockEvent("after")); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	ev, err := cursor.Next(ctx)
	if !errors.Is(err, port.ErrMalformedEvent) {
		t.Fatalf("expected ErrMalformedEvent, got %v", err)
	}
	if ev.ID != badID {
		t.Errorf("expected malformed entry id %s, got %s", badID, ev.ID)
	}

	ev, err = cursor.Next(ctx)
	if err != nil {
		t.Fatalf("Next after malformed entry failed: %v", err)
	}
	if ev.DocumentID != "after" {
		t.Errorf("expected the next event, got %s", ev.DocumentID)
	}

	// reopening at the malformed entry resumes past it
	resumed, err := adapter.Open(ctx, badID)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer resumed.Close()
	ev, err = resumed.Next(ctx)
	if err != nil || ev.DocumentID != "after" {
		t.Errorf("expected resume past malformed entry, got %v (%v)", ev.DocumentID, err)
	}
}

func TestStream_NextHonoursContext(t *testing.T) {
	client := getRedisClient(t)
	defer client.Close()

	adapter := NewRedisAdapter(client, testStreamKey(t, client), 1000)
	cursor, err := adapter.Open(context.Background(), "")
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer cursor.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	if _, err := cursor.Next(ctx); err == nil {
		t.Error("expected an error once the context expired")
	}

	cursor.Close()
	if _, err := cursor.Next(context.Background()); !errors.Is(err, ErrCursorClosed) {
		t.Errorf("expected ErrCursorClosed, got %v", err)
	}
}
