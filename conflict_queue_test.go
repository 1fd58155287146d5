package usagesync

import (
	"errors"
	"testing"
	"time"
)

func queuedConflict(t *testing.T, q *ConflictQueue, now time.Time) string {
	t.Helper()
	local := versioned(10, 100, VersionVector{"a": 1}, 1, now, "a")
	remote := versioned(15, 150, VersionVector{"b": 1}, 1, now, "b")
	diffs := diffDocuments(local, remote)
	return q.AddConflict("devices/a/usage/2026-03-01", diffs, local, remote, now)
}

func TestConflictQueueAddAndGet(t *testing.T) {
	q := NewConflictQueue()
	now := time.Now()

	id := queuedConflict(t, q, now)
	if id == "" {
		t.Fatal("AddConflict returned empty id")
	}

	rec, err := q.Get(id)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if rec.Status != ConflictStatusPending {
		t.Errorf("expected pending, got %v", rec.Status)
	}
	if rec.DocumentPath != "devices/a/usage/2026-03-01" {
		t.Errorf("unexpected path %q", rec.DocumentPath)
	}
}

func TestConflictQueueResolveLifecycle(t *testing.T) {
	q := NewConflictQueue()
	now := time.Now()
	id := queuedConflict(t, q, now)

	if err := q.Resolve(id, ConflictChoiceLocal, now); err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}

	rec, _ := q.Get(id)
	if rec.Status != ConflictStatusResolved || rec.Choice != ConflictChoiceLocal {
		t.Errorf("unexpected record after resolve: %+v", rec)
	}

	// Resolving again must fail: no longer pending.
	if err := q.Resolve(id, ConflictChoiceRemote, now); !errors.Is(err, ErrConflictNotPending) {
		t.Errorf("expected ErrConflictNotPending, got %v", err)
	}

	if err := q.Resolve("no-such-id", ConflictChoiceLocal, now); !errors.Is(err, ErrConflictNotFound) {
		t.Errorf("expected ErrConflictNotFound, got %v", err)
	}
}

func TestConflictQueueIgnore(t *testing.T) {
	q := NewConflictQueue()
	now := time.Now()
	id := queuedConflict(t, q, now)

	if err := q.Ignore(id, now); err != nil {
		t.Fatalf("Ignore failed: %v", err)
	}
	rec, _ := q.Get(id)
	if rec.Status != ConflictStatusIgnored {
		t.Errorf("expected ignored, got %v", rec.Status)
	}
	if err := q.Ignore(id, now); !errors.Is(err, ErrConflictNotPending) {
		t.Errorf("expected ErrConflictNotPending, got %v", err)
	}
}

func TestConflictQueueStatistics(t *testing.T) {
	q := NewConflictQueue()
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	oldest := queuedConflict(t, q, base)
	queuedConflict(t, q, base.Add(time.Hour))
	resolved := queuedConflict(t, q, base.Add(2*time.Hour))
	if err := q.Resolve(resolved, ConflictChoiceRemote, base.Add(3*time.Hour)); err != nil {
		t.Fatal(err)
	}

	stats := q.Statistics()
	if stats.Pending != 2 || stats.Resolved != 1 || stats.Ignored != 0 {
		t.Errorf("unexpected stats: %+v", stats)
	}
	if !stats.OldestPending.Equal(base) {
		t.Errorf("expected oldest pending %v, got %v", base, stats.OldestPending)
	}

	pending := q.Pending()
	if len(pending) != 2 || pending[0].ID != oldest {
		t.Errorf("pending order wrong: %v", pending)
	}
}

func TestCleanupNeverPrunesPending(t *testing.T) {
	q := NewConflictQueue()
	old := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	now := old.AddDate(1, 0, 0)

	pendingID := queuedConflict(t, q, old)
	resolvedID := queuedConflict(t, q, old)
	if err := q.Resolve(resolvedID, ConflictChoiceLocal, old); err != nil {
		t.Fatal(err)
	}

	removed := q.CleanupOldConflicts(30, now)
	if removed != 1 {
		t.Fatalf("expected only the resolved record removed, got %d", removed)
	}
	if _, err := q.Get(pendingID); err != nil {
		t.Error("pending conflict was pruned")
	}
	if _, err := q.Get(resolvedID); !errors.Is(err, ErrConflictNotFound) {
		t.Error("resolved conflict survived cleanup")
	}
}
