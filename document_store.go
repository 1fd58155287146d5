package usagesync

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// WriteOperation is one operation inside an atomic batch write.
type WriteOperation struct {
	Type     OperationType      `json:"type"`
	Path     string             `json:"path"`
	Document *VersionedDocument `json:"document,omitempty"`
}

// QueryOptions narrows a collection query.
type QueryOptions struct {
	// Filter, when non-nil, keeps only matching documents.
	Filter func(path string, doc *VersionedDocument) bool
	// Limit caps the number of returned documents; 0 means no limit.
	Limit int
}

// QueryResult is one document returned from a collection query.
type QueryResult struct {
	Path     string
	Document *VersionedDocument
}

// DocumentStore is the interface boundary to the remote hierarchical
// document store. Documents are addressed by slash-delimited paths organized
// into collections and documents. The sync core depends only on these five
// operations; connection and auth lifecycle belong to the implementation.
type DocumentStore interface {
	// GetDoc reads the document at a path. Returns ErrDocNotFound if absent.
	GetDoc(ctx context.Context, path string) (*VersionedDocument, error)

	// SetDoc writes a document at a path with full replace semantics.
	SetDoc(ctx context.Context, path string, doc *VersionedDocument) error

	// DocExists checks whether a document exists at a path.
	DocExists(ctx context.Context, path string) (bool, error)

	// QueryCollection lists documents under a collection path.
	QueryCollection(ctx context.Context, collection string, opts QueryOptions) ([]QueryResult, error)

	// BatchWrite applies all operations atomically, or none of them.
	BatchWrite(ctx context.Context, ops []WriteOperation) error
}

// splitPath separates a document path into its collection and document id.
func splitPath(path string) (collection, id string, err error) {
	path = strings.Trim(path, "/")
	idx := strings.LastIndex(path, "/")
	if idx <= 0 || idx == len(path)-1 {
		return "", "", fmt.Errorf("%w: %q", ErrInvalidPath, path)
	}
	return path[:idx], path[idx+1:], nil
}

// MemoryDocumentStore is an in-memory DocumentStore with atomic batches and
// change notification. It doubles as the reference implementation of the
// remote collaborator contract and the store used in tests.
type MemoryDocumentStore struct {
	mu   sync.RWMutex
	docs map[string]*VersionedDocument
	hub  *WatchHub

	failErr error
}

// NewMemoryDocumentStore creates an empty in-memory store.
func NewMemoryDocumentStore() *MemoryDocumentStore {
	return &MemoryDocumentStore{
		docs: make(map[string]*VersionedDocument),
		hub:  NewWatchHub(DefaultWatchConfig()),
	}
}

// SetFailure makes every subsequent operation fail with err until cleared
// with nil. Used to simulate remote outages.
func (m *MemoryDocumentStore) SetFailure(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failErr = err
}

func (m *MemoryDocumentStore) checkFailure() error {
	if m.failErr != nil {
		return m.failErr
	}
	return nil
}

// GetDoc returns a deep copy of the stored document.
func (m *MemoryDocumentStore) GetDoc(ctx context.Context, path string) (*VersionedDocument, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.checkFailure(); err != nil {
		return nil, err
	}
	doc, ok := m.docs[normalizePath(path)]
	if !ok {
		return nil, ErrDocNotFound
	}
	return cloneDocument(doc), nil
}

// SetDoc stores a deep copy and notifies watchers.
func (m *MemoryDocumentStore) SetDoc(ctx context.Context, path string, doc *VersionedDocument) error {
	path = normalizePath(path)
	if _, _, err := splitPath(path); err != nil {
		return err
	}

	m.mu.Lock()
	if err := m.checkFailure(); err != nil {
		m.mu.Unlock()
		return err
	}
	m.docs[path] = cloneDocument(doc)
	m.mu.Unlock()

	m.hub.Publish(DocumentChangeEvent{Path: path, Type: ChangeTypeSet, Document: cloneDocument(doc)})
	return nil
}

// DocExists reports document presence.
func (m *MemoryDocumentStore) DocExists(ctx context.Context, path string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.checkFailure(); err != nil {
		return false, err
	}
	_, ok := m.docs[normalizePath(path)]
	return ok, nil
}

// QueryCollection returns documents directly under a collection path, in
// path order.
func (m *MemoryDocumentStore) QueryCollection(ctx context.Context, collection string, opts QueryOptions) ([]QueryResult, error) {
	prefix := normalizePath(collection) + "/"

	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.checkFailure(); err != nil {
		return nil, err
	}

	var paths []string
	for path := range m.docs {
		if strings.HasPrefix(path, prefix) && !strings.Contains(path[len(prefix):], "/") {
			paths = append(paths, path)
		}
	}
	sort.Strings(paths)

	var results []QueryResult
	for _, path := range paths {
		doc := m.docs[path]
		if opts.Filter != nil && !opts.Filter(path, doc) {
			continue
		}
		results = append(results, QueryResult{Path: path, Document: cloneDocument(doc)})
		if opts.Limit > 0 && len(results) >= opts.Limit {
			break
		}
	}
	return results, nil
}

// BatchWrite applies all operations or none. Validation happens before any
// mutation so a malformed op cannot leave a partial batch behind.
func (m *MemoryDocumentStore) BatchWrite(ctx context.Context, ops []WriteOperation) error {
	for _, op := range ops {
		if _, _, err := splitPath(op.Path); err != nil {
			return err
		}
		if op.Type != OperationDelete && op.Document == nil {
			return fmt.Errorf("batch write: missing document for %s %s", op.Type, op.Path)
		}
	}

	m.mu.Lock()
	if err := m.checkFailure(); err != nil {
		m.mu.Unlock()
		return err
	}

	events := make([]DocumentChangeEvent, 0, len(ops))
	for _, op := range ops {
		path := normalizePath(op.Path)
		switch op.Type {
		case OperationDelete:
			delete(m.docs, path)
			events = append(events, DocumentChangeEvent{Path: path, Type: ChangeTypeDelete})
		default:
			m.docs[path] = cloneDocument(op.Document)
			events = append(events, DocumentChangeEvent{Path: path, Type: ChangeTypeSet, Document: cloneDocument(op.Document)})
		}
	}
	m.mu.Unlock()

	for _, ev := range events {
		m.hub.Publish(ev)
	}
	return nil
}

// Watch subscribes to live updates under a path. Implements Watcher.
func (m *MemoryDocumentStore) Watch(ctx context.Context, path string) (*WatchSubscription, error) {
	m.mu.RLock()
	err := m.checkFailure()
	m.mu.RUnlock()
	if err != nil {
		return nil, err
	}
	return m.hub.Subscribe(normalizePath(path)), nil
}

// Hub exposes the store's watch hub, e.g. to serve it over WebSocket.
func (m *MemoryDocumentStore) Hub() *WatchHub {
	return m.hub
}

// Len returns the number of stored documents.
func (m *MemoryDocumentStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.docs)
}

func normalizePath(path string) string {
	return strings.Trim(path, "/")
}

// cloneDocument deep-copies a versioned document through JSON, so callers
// can never alias store-internal state.
func cloneDocument(doc *VersionedDocument) *VersionedDocument {
	if doc == nil {
		return nil
	}
	data, err := json.Marshal(doc)
	if err != nil {
		dup := *doc
		return &dup
	}
	var out VersionedDocument
	if err := json.Unmarshal(data, &out); err != nil {
		dup := *doc
		return &dup
	}
	return &out
}
