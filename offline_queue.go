package usagesync

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// OperationType is the kind of deferred write held in the offline queue.
type OperationType string

const (
	OperationCreate OperationType = "create"
	OperationUpdate OperationType = "update"
	OperationDelete OperationType = "delete"
)

// QueueItem is one deferred write operation. RetryCount increments on each
// failed replay; once it reaches the configured maximum the item is excluded
// from dequeues but kept inspectable until explicitly cleared.
type QueueItem struct {
	ID             string        `json:"id"`
	OperationType  OperationType `json:"operation_type"`
	CollectionPath string        `json:"collection_path"`
	DocumentID     string        `json:"document_id"`
	Data           []byte        `json:"data,omitempty"`
	CreatedAt      time.Time     `json:"created_at"`
	RetryCount     int           `json:"retry_count"`
	LastError      string        `json:"last_error,omitempty"`
}

// Path returns the full document path the operation targets.
func (i QueueItem) Path() string {
	return i.CollectionPath + "/" + i.DocumentID
}

// OfflineQueueConfig configures replay bounds.
type OfflineQueueConfig struct {
	// MaxRetries is the replay attempt bound per item.
	MaxRetries int `json:"max_retries" yaml:"max_retries"`
}

// OfflineQueue is a durable, at-least-once delivery log of write operations
// that could not be applied immediately. FIFO by enqueue order among
// non-exhausted items, so stuck old writes are not starved by new ones.
type OfflineQueue struct {
	store      *LocalStore
	maxRetries int
}

// NewOfflineQueue creates an offline queue over the given local store.
func NewOfflineQueue(store *LocalStore, config OfflineQueueConfig) *OfflineQueue {
	maxRetries := config.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 3
	}
	return &OfflineQueue{store: store, maxRetries: maxRetries}
}

// MaxRetries returns the configured replay bound.
func (q *OfflineQueue) MaxRetries() int {
	return q.maxRetries
}

// Enqueue appends a write operation with a fresh id and zero retries, and
// returns the generated id.
func (q *OfflineQueue) Enqueue(ctx context.Context, opType OperationType, collectionPath, documentID string, data []byte, now time.Time) (string, error) {
	item := &QueueItem{
		ID:             uuid.NewString(),
		OperationType:  opType,
		CollectionPath: collectionPath,
		DocumentID:     documentID,
		Data:           data,
		CreatedAt:      now,
	}
	if err := q.store.insertQueueItem(ctx, item); err != nil {
		return "", err
	}
	return item.ID, nil
}

// Dequeue returns up to limit non-exhausted items, oldest first. Items are
// not removed; callers confirm with MarkSuccess or MarkFailed.
func (q *OfflineQueue) Dequeue(ctx context.Context, limit int) ([]QueueItem, error) {
	if limit <= 0 {
		limit = 10
	}
	return q.store.selectQueueItems(ctx, limit, q.maxRetries)
}

// MarkSuccess deletes a delivered item.
func (q *OfflineQueue) MarkSuccess(ctx context.Context, id string) error {
	return q.store.deleteQueueItem(ctx, id)
}

// MarkFailed increments the item's retry count and records the error text.
// Exhausted items are excluded from future dequeues but are not deleted.
func (q *OfflineQueue) MarkFailed(ctx context.Context, id, errText string) error {
	return q.store.recordQueueFailure(ctx, id, errText)
}

// PendingCount returns the number of items still eligible for replay.
func (q *OfflineQueue) PendingCount(ctx context.Context) (int, error) {
	return q.store.countQueueItems(ctx, q.maxRetries, false)
}

// FailedCount returns the number of permanently exhausted items.
func (q *OfflineQueue) FailedCount(ctx context.Context) (int, error) {
	return q.store.countQueueItems(ctx, q.maxRetries, true)
}

// FailedItems returns the exhausted items for inspection, oldest first.
func (q *OfflineQueue) FailedItems(ctx context.Context) ([]QueueItem, error) {
	return q.store.selectExhaustedItems(ctx, q.maxRetries)
}

// ClearFailedItems discards exhausted items and returns the number removed.
// This is the only way a permanently failed write leaves the queue.
func (q *OfflineQueue) ClearFailedItems(ctx context.Context) (int, error) {
	return q.store.deleteExhaustedItems(ctx, q.maxRetries)
}

// CacheData stores a document payload in the local cache under path+id.
func (q *OfflineQueue) CacheData(ctx context.Context, collectionPath, documentID string, data []byte) error {
	return q.store.putCache(ctx, collectionPath+"/"+documentID, data)
}

// CachedData retrieves a cached payload, or ErrCacheMiss.
func (q *OfflineQueue) CachedData(ctx context.Context, collectionPath, documentID string) ([]byte, error) {
	return q.store.getCache(ctx, collectionPath+"/"+documentID)
}

// SetMetadata stores a key/value pair, used by strategies to remember
// last-sync timestamps across process restarts.
func (q *OfflineQueue) SetMetadata(ctx context.Context, key, value string) error {
	return q.store.setMetadata(ctx, key, value)
}

// Metadata retrieves a metadata value, or ErrCacheMiss.
func (q *OfflineQueue) Metadata(ctx context.Context, key string) (string, error) {
	return q.store.getMetadata(ctx, key)
}
