package usagesync

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/golang/snappy"

	// SQLite driver using pure Go implementation
	_ "modernc.org/sqlite"
)

// compressThreshold is the payload size above which blobs are stored
// snappy-compressed.
const compressThreshold = 512

// LocalStoreConfig configures the device-local durable store.
type LocalStoreConfig struct {
	// Path to the SQLite database file.
	Path string `json:"path" yaml:"path"`

	// JournalMode sets the SQLite journal mode (WAL, DELETE, TRUNCATE, ...).
	JournalMode string `json:"journal_mode" yaml:"journal_mode"`

	// BusyTimeout is the lock acquisition timeout in milliseconds.
	BusyTimeout int `json:"busy_timeout" yaml:"busy_timeout"`

	// MaxConnections is the max number of database connections.
	MaxConnections int `json:"max_connections" yaml:"max_connections"`

	// Compress enables snappy compression for large payloads.
	Compress bool `json:"compress" yaml:"compress"`
}

// DefaultLocalStoreConfig returns default configuration.
func DefaultLocalStoreConfig(path string) LocalStoreConfig {
	return LocalStoreConfig{
		Path:           path,
		JournalMode:    "WAL",
		BusyTimeout:    5000,
		MaxConnections: 4,
		Compress:       true,
	}
}

// LocalStore is the device-local durable storage backing the offline
// operation queue, the metadata table and the document cache. It is owned
// exclusively by the local device process and survives restarts.
type LocalStore struct {
	db     *sql.DB
	config LocalStoreConfig
	mu     sync.RWMutex
	closed bool
}

// NewLocalStore opens (creating if needed) the local store at the configured
// path.
func NewLocalStore(config LocalStoreConfig) (*LocalStore, error) {
	if config.Path == "" {
		return nil, errors.New("local store path is required")
	}
	if config.JournalMode == "" {
		config.JournalMode = "WAL"
	}
	if config.BusyTimeout <= 0 {
		config.BusyTimeout = 5000
	}
	if config.MaxConnections <= 0 {
		config.MaxConnections = 4
	}

	dsn := fmt.Sprintf("%s?_journal_mode=%s&_busy_timeout=%d",
		config.Path, config.JournalMode, config.BusyTimeout)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open local store: %w", err)
	}
	db.SetMaxOpenConns(config.MaxConnections)
	db.SetMaxIdleConns(config.MaxConnections / 2)

	store := &LocalStore{db: db, config: config}
	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("init local store schema: %w", err)
	}
	return store, nil
}

func (s *LocalStore) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS sync_queue (
		position      INTEGER PRIMARY KEY AUTOINCREMENT,
		id            TEXT NOT NULL UNIQUE,
		op_type       TEXT NOT NULL,
		collection    TEXT NOT NULL,
		document_id   TEXT NOT NULL,
		data          BLOB,
		compressed    INTEGER NOT NULL DEFAULT 0,
		created_at    INTEGER NOT NULL,
		retry_count   INTEGER NOT NULL DEFAULT 0,
		last_error    TEXT
	);
	CREATE TABLE IF NOT EXISTS metadata (
		key        TEXT PRIMARY KEY,
		value      TEXT NOT NULL,
		updated_at INTEGER NOT NULL
	);
	CREATE TABLE IF NOT EXISTS doc_cache (
		cache_key  TEXT PRIMARY KEY,
		data       BLOB NOT NULL,
		compressed INTEGER NOT NULL DEFAULT 0,
		cached_at  INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_queue_retry ON sync_queue(retry_count, position);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Close closes the underlying database.
func (s *LocalStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

func (s *LocalStore) guard() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrClosed
	}
	return nil
}

func (s *LocalStore) encode(data []byte) ([]byte, bool) {
	if !s.config.Compress || len(data) < compressThreshold {
		return data, false
	}
	return snappy.Encode(nil, data), true
}

func decodeBlob(data []byte, compressed bool) ([]byte, error) {
	if !compressed {
		return data, nil
	}
	out, err := snappy.Decode(nil, data)
	if err != nil {
		return nil, fmt.Errorf("decompress blob: %w", err)
	}
	return out, nil
}

// --- queue primitives ---

func (s *LocalStore) insertQueueItem(ctx context.Context, item *QueueItem) error {
	if err := s.guard(); err != nil {
		return err
	}
	data, compressed := s.encode(item.Data)
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sync_queue (id, op_type, collection, document_id, data, compressed, created_at, retry_count, last_error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		item.ID, string(item.OperationType), item.CollectionPath, item.DocumentID,
		data, boolToInt(compressed), item.CreatedAt.UnixNano(), item.RetryCount, item.LastError)
	if err != nil {
		return fmt.Errorf("enqueue item %s: %w", item.ID, err)
	}
	return nil
}

func (s *LocalStore) selectQueueItems(ctx context.Context, limit, maxRetries int) ([]QueueItem, error) {
	if err := s.guard(); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, op_type, collection, document_id, data, compressed, created_at, retry_count, COALESCE(last_error, '')
		FROM sync_queue WHERE retry_count < ? ORDER BY position ASC LIMIT ?`,
		maxRetries, limit)
	if err != nil {
		return nil, fmt.Errorf("dequeue: %w", err)
	}
	defer rows.Close()

	var items []QueueItem
	for rows.Next() {
		var (
			item       QueueItem
			opType     string
			data       []byte
			compressed int
			createdAt  int64
		)
		if err := rows.Scan(&item.ID, &opType, &item.CollectionPath, &item.DocumentID,
			&data, &compressed, &createdAt, &item.RetryCount, &item.LastError); err != nil {
			return nil, fmt.Errorf("scan queue item: %w", err)
		}
		item.OperationType = OperationType(opType)
		item.CreatedAt = time.Unix(0, createdAt)
		item.Data, err = decodeBlob(data, compressed == 1)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

func (s *LocalStore) deleteQueueItem(ctx context.Context, id string) error {
	if err := s.guard(); err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `DELETE FROM sync_queue WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete queue item %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrQueueItemNotFound
	}
	return nil
}

func (s *LocalStore) recordQueueFailure(ctx context.Context, id, errText string) error {
	if err := s.guard(); err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE sync_queue SET retry_count = retry_count + 1, last_error = ? WHERE id = ?`,
		errText, id)
	if err != nil {
		return fmt.Errorf("record failure for %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrQueueItemNotFound
	}
	return nil
}

func (s *LocalStore) countQueueItems(ctx context.Context, maxRetries int, exhausted bool) (int, error) {
	if err := s.guard(); err != nil {
		return 0, err
	}
	query := `SELECT COUNT(*) FROM sync_queue WHERE retry_count < ?`
	if exhausted {
		query = `SELECT COUNT(*) FROM sync_queue WHERE retry_count >= ?`
	}
	var n int
	if err := s.db.QueryRowContext(ctx, query, maxRetries).Scan(&n); err != nil {
		return 0, fmt.Errorf("count queue items: %w", err)
	}
	return n, nil
}

func (s *LocalStore) deleteExhaustedItems(ctx context.Context, maxRetries int) (int, error) {
	if err := s.guard(); err != nil {
		return 0, err
	}
	res, err := s.db.ExecContext(ctx, `DELETE FROM sync_queue WHERE retry_count >= ?`, maxRetries)
	if err != nil {
		return 0, fmt.Errorf("clear failed items: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (s *LocalStore) selectExhaustedItems(ctx context.Context, maxRetries int) ([]QueueItem, error) {
	if err := s.guard(); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, op_type, collection, document_id, data, compressed, created_at, retry_count, COALESCE(last_error, '')
		FROM sync_queue WHERE retry_count >= ? ORDER BY position ASC`, maxRetries)
	if err != nil {
		return nil, fmt.Errorf("list failed items: %w", err)
	}
	defer rows.Close()

	var items []QueueItem
	for rows.Next() {
		var (
			item       QueueItem
			opType     string
			data       []byte
			compressed int
			createdAt  int64
		)
		if err := rows.Scan(&item.ID, &opType, &item.CollectionPath, &item.DocumentID,
			&data, &compressed, &createdAt, &item.RetryCount, &item.LastError); err != nil {
			return nil, fmt.Errorf("scan queue item: %w", err)
		}
		item.OperationType = OperationType(opType)
		item.CreatedAt = time.Unix(0, createdAt)
		item.Data, err = decodeBlob(data, compressed == 1)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

// --- metadata primitives ---

func (s *LocalStore) setMetadata(ctx context.Context, key, value string) error {
	if err := s.guard(); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO metadata (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value, time.Now().UnixNano())
	if err != nil {
		return fmt.Errorf("set metadata %s: %w", key, err)
	}
	return nil
}

func (s *LocalStore) getMetadata(ctx context.Context, key string) (string, error) {
	if err := s.guard(); err != nil {
		return "", err
	}
	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM metadata WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrCacheMiss
	}
	if err != nil {
		return "", fmt.Errorf("get metadata %s: %w", key, err)
	}
	return value, nil
}

// --- cache primitives ---

func (s *LocalStore) putCache(ctx context.Context, key string, data []byte) error {
	if err := s.guard(); err != nil {
		return err
	}
	blob, compressed := s.encode(data)
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO doc_cache (cache_key, data, compressed, cached_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(cache_key) DO UPDATE SET data = excluded.data, compressed = excluded.compressed, cached_at = excluded.cached_at`,
		key, blob, boolToInt(compressed), time.Now().UnixNano())
	if err != nil {
		return fmt.Errorf("cache %s: %w", key, err)
	}
	return nil
}

func (s *LocalStore) getCache(ctx context.Context, key string) ([]byte, error) {
	if err := s.guard(); err != nil {
		return nil, err
	}
	var (
		data       []byte
		compressed int
	)
	err := s.db.QueryRowContext(ctx, `SELECT data, compressed FROM doc_cache WHERE cache_key = ?`, key).
		Scan(&data, &compressed)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrCacheMiss
	}
	if err != nil {
		return nil, fmt.Errorf("read cache %s: %w", key, err)
	}
	return decodeBlob(data, compressed == 1)
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
