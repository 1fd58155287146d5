package usagesync

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"
)

func newTestQueue(t *testing.T, maxRetries int) *OfflineQueue {
	t.Helper()
	return NewOfflineQueue(newTestLocalStore(t), OfflineQueueConfig{MaxRetries: maxRetries})
}

func TestQueueFIFOOrder(t *testing.T) {
	q := newTestQueue(t, 3)
	ctx := context.Background()
	now := time.Now()

	var ids []string
	for i := 0; i < 5; i++ {
		id, err := q.Enqueue(ctx, OperationUpdate, "devices/a/usage", fmt.Sprintf("2026-03-0%d", i+1), []byte("{}"), now)
		if err != nil {
			t.Fatalf("Enqueue failed: %v", err)
		}
		ids = append(ids, id)
	}

	items, err := q.Dequeue(ctx, 10)
	if err != nil {
		t.Fatalf("Dequeue failed: %v", err)
	}
	if len(items) != 5 {
		t.Fatalf("expected 5 items, got %d", len(items))
	}
	for i, item := range items {
		if item.ID != ids[i] {
			t.Errorf("position %d: expected %s, got %s", i, ids[i], item.ID)
		}
		if item.RetryCount != 0 {
			t.Errorf("fresh item has retry count %d", item.RetryCount)
		}
	}
}

func TestQueueDequeueLimit(t *testing.T) {
	q := newTestQueue(t, 3)
	ctx := context.Background()
	now := time.Now()

	for i := 0; i < 4; i++ {
		if _, err := q.Enqueue(ctx, OperationCreate, "devices/a/usage", fmt.Sprintf("d%d", i), nil, now); err != nil {
			t.Fatal(err)
		}
	}

	items, err := q.Dequeue(ctx, 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(items) != 2 {
		t.Fatalf("expected 2 items with limit 2, got %d", len(items))
	}
}

func TestQueueMarkSuccessRemoves(t *testing.T) {
	q := newTestQueue(t, 3)
	ctx := context.Background()

	id, err := q.Enqueue(ctx, OperationUpdate, "devices/a/usage", "2026-03-01", []byte("{}"), time.Now())
	if err != nil {
		t.Fatal(err)
	}
	if err := q.MarkSuccess(ctx, id); err != nil {
		t.Fatalf("MarkSuccess failed: %v", err)
	}

	count, err := q.PendingCount(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if count != 0 {
		t.Errorf("expected empty queue, got %d pending", count)
	}

	if err := q.MarkSuccess(ctx, id); !errors.Is(err, ErrQueueItemNotFound) {
		t.Errorf("expected ErrQueueItemNotFound, got %v", err)
	}
}

func TestQueueRetryBound(t *testing.T) {
	q := newTestQueue(t, 3)
	ctx := context.Background()

	id, err := q.Enqueue(ctx, OperationUpdate, "devices/a/usage", "2026-03-01", []byte("{}"), time.Now())
	if err != nil {
		t.Fatal(err)
	}

	for i := 1; i <= 3; i++ {
		if err := q.MarkFailed(ctx, id, fmt.Sprintf("attempt %d failed", i)); err != nil {
			t.Fatalf("MarkFailed %d: %v", i, err)
		}
	}

	// Exhausted: excluded from dequeue but still present.
	items, err := q.Dequeue(ctx, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(items) != 0 {
		t.Fatalf("exhausted item still dequeued: %v", items)
	}

	pending, _ := q.PendingCount(ctx)
	if pending != 0 {
		t.Errorf("pending count must exclude exhausted items, got %d", pending)
	}
	failed, _ := q.FailedCount(ctx)
	if failed != 1 {
		t.Errorf("expected 1 failed item, got %d", failed)
	}

	failedItems, err := q.FailedItems(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(failedItems) != 1 || failedItems[0].ID != id {
		t.Fatalf("failed item not inspectable: %v", failedItems)
	}
	if failedItems[0].RetryCount != 3 {
		t.Errorf("expected retry count 3, got %d", failedItems[0].RetryCount)
	}
	if failedItems[0].LastError != "attempt 3 failed" {
		t.Errorf("expected last error recorded, got %q", failedItems[0].LastError)
	}
}

func TestQueueClearFailedItems(t *testing.T) {
	q := newTestQueue(t, 3)
	ctx := context.Background()
	now := time.Now()

	exhausted, err := q.Enqueue(ctx, OperationUpdate, "devices/a/usage", "2026-03-01", []byte("{}"), now)
	if err != nil {
		t.Fatal(err)
	}
	healthy, err := q.Enqueue(ctx, OperationUpdate, "devices/a/usage", "2026-03-02", []byte("{}"), now)
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 3; i++ {
		if err := q.MarkFailed(ctx, exhausted, "network unavailable"); err != nil {
			t.Fatal(err)
		}
	}

	removed, err := q.ClearFailedItems(ctx)
	if err != nil {
		t.Fatalf("ClearFailedItems failed: %v", err)
	}
	if removed != 1 {
		t.Fatalf("expected 1 cleared, got %d", removed)
	}

	items, err := q.Dequeue(ctx, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(items) != 1 || items[0].ID != healthy {
		t.Errorf("healthy item lost during clear: %v", items)
	}
}

func TestQueueNonExhaustedStaysEligible(t *testing.T) {
	q := newTestQueue(t, 3)
	ctx := context.Background()

	id, err := q.Enqueue(ctx, OperationUpdate, "devices/a/usage", "2026-03-01", []byte("{}"), time.Now())
	if err != nil {
		t.Fatal(err)
	}
	if err := q.MarkFailed(ctx, id, "transient"); err != nil {
		t.Fatal(err)
	}
	if err := q.MarkFailed(ctx, id, "transient"); err != nil {
		t.Fatal(err)
	}

	items, err := q.Dequeue(ctx, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(items) != 1 || items[0].RetryCount != 2 {
		t.Fatalf("item under the retry bound must stay dequeueable: %v", items)
	}
}

func TestQueueCacheAndMetadata(t *testing.T) {
	q := newTestQueue(t, 3)
	ctx := context.Background()

	if _, err := q.CachedData(ctx, "devices/a/usage", "2026-03-01"); !errors.Is(err, ErrCacheMiss) {
		t.Fatalf("expected ErrCacheMiss, got %v", err)
	}
	if err := q.CacheData(ctx, "devices/a/usage", "2026-03-01", []byte(`{"x":1}`)); err != nil {
		t.Fatal(err)
	}
	data, err := q.CachedData(ctx, "devices/a/usage", "2026-03-01")
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != `{"x":1}` {
		t.Errorf("cache mismatch: %s", data)
	}

	if err := q.SetMetadata(ctx, "last_sync_daily", "2026-03-01T00:00:00Z"); err != nil {
		t.Fatal(err)
	}
	v, err := q.Metadata(ctx, "last_sync_daily")
	if err != nil {
		t.Fatal(err)
	}
	if v != "2026-03-01T00:00:00Z" {
		t.Errorf("metadata mismatch: %s", v)
	}
}

func TestQueueSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	store, err := NewLocalStore(DefaultLocalStoreConfig(dir + "/sync.db"))
	if err != nil {
		t.Fatal(err)
	}
	q := NewOfflineQueue(store, OfflineQueueConfig{MaxRetries: 3})
	id, err := q.Enqueue(ctx, OperationUpdate, "devices/a/usage", "2026-03-01", []byte("{}"), time.Now())
	if err != nil {
		t.Fatal(err)
	}
	if err := store.Close(); err != nil {
		t.Fatal(err)
	}

	store2, err := NewLocalStore(DefaultLocalStoreConfig(dir + "/sync.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = store2.Close() }()

	q2 := NewOfflineQueue(store2, OfflineQueueConfig{MaxRetries: 3})
	items, err := q2.Dequeue(ctx, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(items) != 1 || items[0].ID != id {
		t.Fatalf("queued item lost across restart: %v", items)
	}
}
