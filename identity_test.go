package usagesync

import (
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestIdentifyRecordPrimary(t *testing.T) {
	r := UsageRecord{
		SessionID: "sess-1",
		RequestID: "req-1",
		MessageID: "msg-1",
		Timestamp: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
		DeviceID:  "dev-a",
	}

	id, err := IdentifyRecord(r)
	if err != nil {
		t.Fatalf("IdentifyRecord failed: %v", err)
	}
	if id.Degraded {
		t.Error("expected primary identifier, got degraded")
	}
	if id.RequestID != "req-1" || id.MessageID != "msg-1" {
		t.Errorf("unexpected identifier: %+v", id)
	}
}

func TestIdentifyRecordDegradedFallback(t *testing.T) {
	r := UsageRecord{
		SessionID: "sess-1",
		Timestamp: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}

	id, err := IdentifyRecord(r)
	if err != nil {
		t.Fatalf("IdentifyRecord failed: %v", err)
	}
	if !id.Degraded {
		t.Error("expected degraded identifier")
	}
	if id.SessionID != "sess-1" {
		t.Errorf("expected fallback session sess-1, got %q", id.SessionID)
	}
}

func TestIdentifyRecordProjectPathFallback(t *testing.T) {
	r := UsageRecord{
		ProjectPath: "/home/user/project",
		Timestamp:   time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}

	id, err := IdentifyRecord(r)
	if err != nil {
		t.Fatalf("IdentifyRecord failed: %v", err)
	}
	if !id.Degraded || id.SessionID != "/home/user/project" {
		t.Errorf("unexpected identifier: %+v", id)
	}
}

func TestIdentifyRecordNoIdentifier(t *testing.T) {
	_, err := IdentifyRecord(UsageRecord{Model: "m"})
	if !errors.Is(err, ErrNoIdentifier) {
		t.Fatalf("expected ErrNoIdentifier, got %v", err)
	}
}

func TestDigestDeterminism(t *testing.T) {
	id := UsageIdentifier{
		SessionID: "sess",
		RequestID: "req",
		MessageID: "msg",
		Timestamp: 1234567890,
		DeviceID:  "dev",
	}
	if id.Digest() != id.Digest() {
		t.Fatal("digest is not deterministic")
	}
}

func TestDigestSeparation(t *testing.T) {
	seen := make(map[string]UsageIdentifier)

	add := func(id UsageIdentifier) {
		h := id.Digest()
		if prev, ok := seen[h]; ok {
			t.Fatalf("collision between %+v and %+v", prev, id)
		}
		seen[h] = id
	}

	for i := 0; i < 50; i++ {
		add(UsageIdentifier{
			SessionID: fmt.Sprintf("sess-%d", i),
			RequestID: fmt.Sprintf("req-%d", i),
			MessageID: fmt.Sprintf("msg-%d", i),
			Timestamp: int64(1000 + i),
		})
	}
	for i := 0; i < 50; i++ {
		add(UsageIdentifier{
			SessionID: "shared",
			RequestID: fmt.Sprintf("req-%d", i),
			Timestamp: 1000,
			DeviceID:  fmt.Sprintf("dev-%d", i%5),
		})
	}
	// Same fields, different degraded flag must still separate.
	add(UsageIdentifier{SessionID: "x", Timestamp: 1})
	add(UsageIdentifier{SessionID: "x", Timestamp: 1, Degraded: true})

	if len(seen) != 102 {
		t.Fatalf("expected 102 distinct digests, got %d", len(seen))
	}
}

func TestCompositeKeyFieldBoundaries(t *testing.T) {
	// Field contents must not bleed across the separator.
	a := UsageIdentifier{SessionID: "ab", RequestID: "c", Timestamp: 1}
	b := UsageIdentifier{SessionID: "a", RequestID: "bc", Timestamp: 1}
	if a.CompositeKey() == b.CompositeKey() {
		t.Fatal("composite keys collide across field boundaries")
	}
}
