package usagesync

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// ChangeType distinguishes document change events.
type ChangeType string

const (
	ChangeTypeSet    ChangeType = "set"
	ChangeTypeDelete ChangeType = "delete"
)

// DocumentChangeEvent is one live update on a watched path.
type DocumentChangeEvent struct {
	Path     string             `json:"path"`
	Type     ChangeType         `json:"type"`
	Document *VersionedDocument `json:"document,omitempty"`
}

// Watcher provides push-style freshness on a document path. Implemented by
// MemoryDocumentStore directly and by WebSocketWatcher for remote stores.
type Watcher interface {
	Watch(ctx context.Context, path string) (*WatchSubscription, error)
}

// WatchConfig configures the watch hub.
type WatchConfig struct {
	// BufferSize is the channel buffer per subscription.
	BufferSize int
	// PingInterval is how often WebSocket clients are pinged.
	PingInterval time.Duration
	// WriteTimeout bounds WebSocket writes.
	WriteTimeout time.Duration
}

// DefaultWatchConfig returns default watch configuration.
func DefaultWatchConfig() WatchConfig {
	return WatchConfig{
		BufferSize:   256,
		PingInterval: 30 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
}

// WatchSubscription is an active subscription to changes on a path prefix.
type WatchSubscription struct {
	ID   string
	Path string

	ch      chan DocumentChangeEvent
	done    chan struct{}
	closed  bool
	onClose func()
	mu      sync.Mutex
}

// C returns the channel delivering change events.
func (s *WatchSubscription) C() <-chan DocumentChangeEvent {
	return s.ch
}

// Done is closed when the subscription ends.
func (s *WatchSubscription) Done() <-chan struct{} {
	return s.done
}

// Close ends the subscription. Safe to call more than once.
func (s *WatchSubscription) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	close(s.done)
	close(s.ch)
	onClose := s.onClose
	s.mu.Unlock()

	if onClose != nil {
		onClose()
	}
}

func (s *WatchSubscription) deliver(ev DocumentChangeEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.ch <- ev:
	default:
		// Buffer full: the event is dropped. Watchers are a freshness
		// optimization; correctness comes from the sync cycle itself.
	}
}

// WatchHub fans document change events out to path subscriptions.
type WatchHub struct {
	config WatchConfig
	mu     sync.RWMutex
	subs   map[string]*WatchSubscription
	nextID uint64
}

// NewWatchHub creates a watch hub.
func NewWatchHub(config WatchConfig) *WatchHub {
	if config.BufferSize <= 0 {
		config.BufferSize = 256
	}
	return &WatchHub{
		config: config,
		subs:   make(map[string]*WatchSubscription),
	}
}

// Subscribe registers a subscription for a path. Events on the path itself
// and on any path beneath it are delivered.
func (h *WatchHub) Subscribe(path string) *WatchSubscription {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.nextID++
	sub := &WatchSubscription{
		ID:   fmt.Sprintf("watch-%d", h.nextID),
		Path: normalizePath(path),
		ch:   make(chan DocumentChangeEvent, h.config.BufferSize),
		done: make(chan struct{}),
	}
	sub.onClose = func() { h.remove(sub.ID) }
	h.subs[sub.ID] = sub
	return sub
}

func (h *WatchHub) remove(id string) {
	h.mu.Lock()
	delete(h.subs, id)
	h.mu.Unlock()
}

// Unsubscribe removes and closes a subscription.
func (h *WatchHub) Unsubscribe(id string) {
	h.mu.Lock()
	sub, ok := h.subs[id]
	if ok {
		delete(h.subs, id)
	}
	h.mu.Unlock()

	if ok {
		sub.Close()
	}
}

// Publish delivers an event to all matching subscriptions.
func (h *WatchHub) Publish(ev DocumentChangeEvent) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, sub := range h.subs {
		if pathMatches(sub.Path, ev.Path) {
			sub.deliver(ev)
		}
	}
}

// Count returns the number of active subscriptions.
func (h *WatchHub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

func pathMatches(subPath, evPath string) bool {
	if subPath == "" || subPath == evPath {
		return true
	}
	return strings.HasPrefix(evPath, subPath+"/")
}

// --- WebSocket transport ---

var watchUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// watchMessage is the wire format between watch server and client.
type watchMessage struct {
	Type  string               `json:"type"`
	Path  string               `json:"path,omitempty"`
	SubID string               `json:"sub_id,omitempty"`
	Event *DocumentChangeEvent `json:"event,omitempty"`
	Error string               `json:"error,omitempty"`
}

// WebSocketHandler serves the hub's subscriptions over WebSocket. Clients
// send {"type":"watch","path":...} and receive a stream of event messages.
func (h *WatchHub) WebSocketHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := watchUpgrader.Upgrade(w, r, nil)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		defer func() { _ = conn.Close() }()

		ctx, cancel := context.WithCancel(r.Context())
		defer cancel()

		var connMu sync.Mutex
		connSubs := make(map[string]*WatchSubscription)

		writeMsg := func(msg watchMessage) error {
			data, _ := json.Marshal(msg)
			connMu.Lock()
			defer connMu.Unlock()
			_ = conn.SetWriteDeadline(time.Now().Add(h.config.WriteTimeout))
			return conn.WriteMessage(websocket.TextMessage, data)
		}

		go func() {
			defer cancel()
			for {
				_, raw, err := conn.ReadMessage()
				if err != nil {
					return
				}
				var cmd watchMessage
				if err := json.Unmarshal(raw, &cmd); err != nil {
					_ = writeMsg(watchMessage{Type: "error", Error: "invalid message format"})
					continue
				}

				switch cmd.Type {
				case "watch":
					sub := h.Subscribe(cmd.Path)
					connMu.Lock()
					connSubs[sub.ID] = sub
					connMu.Unlock()
					_ = writeMsg(watchMessage{Type: "watching", SubID: sub.ID, Path: sub.Path})
					go func(sub *WatchSubscription) {
						for {
							select {
							case <-ctx.Done():
								return
							case ev, ok := <-sub.C():
								if !ok {
									return
								}
								if writeMsg(watchMessage{Type: "event", SubID: sub.ID, Event: &ev}) != nil {
									return
								}
							}
						}
					}(sub)

				case "unwatch":
					connMu.Lock()
					if sub, ok := connSubs[cmd.SubID]; ok {
						delete(connSubs, cmd.SubID)
						h.Unsubscribe(sub.ID)
					}
					connMu.Unlock()
					_ = writeMsg(watchMessage{Type: "unwatched", SubID: cmd.SubID})

				default:
					_ = writeMsg(watchMessage{Type: "error", Error: "unknown command: " + cmd.Type})
				}
			}
		}()

		<-ctx.Done()

		connMu.Lock()
		for _, sub := range connSubs {
			h.Unsubscribe(sub.ID)
		}
		connMu.Unlock()
	}
}

// WebSocketWatcher implements Watcher against a remote watch endpoint.
type WebSocketWatcher struct {
	endpoint string
	config   WatchConfig
}

// NewWebSocketWatcher creates a watcher dialing the given ws:// endpoint.
func NewWebSocketWatcher(endpoint string, config WatchConfig) *WebSocketWatcher {
	if config.BufferSize <= 0 {
		config.BufferSize = 256
	}
	return &WebSocketWatcher{endpoint: endpoint, config: config}
}

// Watch dials the endpoint, issues a watch command for the path and streams
// events into the returned subscription until the context is canceled or the
// subscription is closed.
func (w *WebSocketWatcher) Watch(ctx context.Context, path string) (*WatchSubscription, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, w.endpoint, nil)
	if err != nil {
		return nil, newSyncError(ErrorKindTransient, "watch dial", path, err)
	}

	cmd, _ := json.Marshal(watchMessage{Type: "watch", Path: path})
	if err := conn.WriteMessage(websocket.TextMessage, cmd); err != nil {
		_ = conn.Close()
		return nil, newSyncError(ErrorKindTransient, "watch subscribe", path, err)
	}

	sub := &WatchSubscription{
		Path: normalizePath(path),
		ch:   make(chan DocumentChangeEvent, w.config.BufferSize),
		done: make(chan struct{}),
	}

	go func() {
		defer func() { _ = conn.Close() }()
		defer sub.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case <-sub.done:
				return
			default:
			}

			var msg watchMessage
			if err := conn.ReadJSON(&msg); err != nil {
				return
			}
			switch msg.Type {
			case "watching":
				sub.mu.Lock()
				sub.ID = msg.SubID
				sub.mu.Unlock()
			case "event":
				if msg.Event != nil {
					sub.deliver(*msg.Event)
				}
			}
		}
	}()

	return sub, nil
}
