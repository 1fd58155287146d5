package usagesync

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestWatchHubSubscribePublish(t *testing.T) {
	hub := NewWatchHub(DefaultWatchConfig())

	sub := hub.Subscribe("devices/a/usage")
	defer sub.Close()

	hub.Publish(DocumentChangeEvent{Path: "devices/a/usage/2026-03-01", Type: ChangeTypeSet})

	select {
	case ev := <-sub.C():
		if ev.Path != "devices/a/usage/2026-03-01" {
			t.Errorf("unexpected event path %q", ev.Path)
		}
	case <-time.After(time.Second):
		t.Fatal("event not delivered")
	}
}

func TestWatchHubPathMatching(t *testing.T) {
	tests := []struct {
		sub   string
		event string
		want  bool
	}{
		{"devices/a/usage", "devices/a/usage/2026-03-01", true},
		{"devices/a/usage/2026-03-01", "devices/a/usage/2026-03-01", true},
		{"devices/a/usage", "devices/ab/usage/2026-03-01", false},
		{"", "anything/at/all", true},
		{"sessions/active", "sessions/active", true},
		{"sessions/active", "sessions/archived", false},
	}
	for _, tt := range tests {
		if got := pathMatches(tt.sub, tt.event); got != tt.want {
			t.Errorf("pathMatches(%q, %q) = %v, want %v", tt.sub, tt.event, got, tt.want)
		}
	}
}

func TestWatchHubUnsubscribe(t *testing.T) {
	hub := NewWatchHub(DefaultWatchConfig())

	sub := hub.Subscribe("devices")
	if hub.Count() != 1 {
		t.Fatalf("expected 1 subscription, got %d", hub.Count())
	}

	hub.Unsubscribe(sub.ID)
	if hub.Count() != 0 {
		t.Fatalf("expected 0 subscriptions, got %d", hub.Count())
	}

	select {
	case _, ok := <-sub.C():
		if ok {
			t.Error("expected closed channel after unsubscribe")
		}
	case <-time.After(time.Second):
		t.Fatal("channel not closed")
	}
}

func TestWatchSubscriptionCloseRemovesFromHub(t *testing.T) {
	hub := NewWatchHub(DefaultWatchConfig())
	sub := hub.Subscribe("devices")

	sub.Close()
	sub.Close() // idempotent

	if hub.Count() != 0 {
		t.Fatalf("closed subscription still registered, count %d", hub.Count())
	}
	// Publishing after close must not panic.
	hub.Publish(DocumentChangeEvent{Path: "devices/x/usage/2026-03-01", Type: ChangeTypeSet})
}

func TestWatchHubDropsWhenBufferFull(t *testing.T) {
	hub := NewWatchHub(WatchConfig{BufferSize: 1})
	sub := hub.Subscribe("")
	defer sub.Close()

	hub.Publish(DocumentChangeEvent{Path: "a/b", Type: ChangeTypeSet})
	hub.Publish(DocumentChangeEvent{Path: "c/d", Type: ChangeTypeSet}) // dropped

	ev := <-sub.C()
	if ev.Path != "a/b" {
		t.Errorf("expected first event retained, got %q", ev.Path)
	}
	select {
	case ev := <-sub.C():
		t.Fatalf("overflow event was not dropped: %+v", ev)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestWebSocketWatcherRoundTrip(t *testing.T) {
	hub := NewWatchHub(DefaultWatchConfig())
	server := httptest.NewServer(http.HandlerFunc(hub.WebSocketHandler()))
	defer server.Close()

	endpoint := "ws" + strings.TrimPrefix(server.URL, "http")
	watcher := NewWebSocketWatcher(endpoint, DefaultWatchConfig())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	sub, err := watcher.Watch(ctx, "sessions/active")
	if err != nil {
		t.Fatalf("Watch failed: %v", err)
	}
	defer sub.Close()

	// Wait for the server-side subscription to register before publishing.
	deadline := time.Now().Add(2 * time.Second)
	for hub.Count() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("server never registered the subscription")
		}
		time.Sleep(5 * time.Millisecond)
	}

	hub.Publish(DocumentChangeEvent{
		Path:     "sessions/active",
		Type:     ChangeTypeSet,
		Document: storedDoc(3, "dev-a"),
	})

	select {
	case ev := <-sub.C():
		if ev.Path != "sessions/active" || ev.Type != ChangeTypeSet {
			t.Errorf("unexpected event: %+v", ev)
		}
		if ev.Document == nil || ev.Document.Data.Usage.TotalCost != 3 {
			t.Errorf("document payload lost in transit: %+v", ev.Document)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("no event received over websocket")
	}
}
