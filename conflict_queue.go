package usagesync

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// ConflictStatus is the lifecycle state of an escalated conflict.
type ConflictStatus string

const (
	ConflictStatusPending  ConflictStatus = "pending"
	ConflictStatusResolved ConflictStatus = "resolved"
	ConflictStatusIgnored  ConflictStatus = "ignored"
)

// ConflictChoice selects the winning side during manual resolution.
type ConflictChoice string

const (
	ConflictChoiceLocal  ConflictChoice = "local"
	ConflictChoiceRemote ConflictChoice = "remote"
)

// ConflictRecord is one escalated conflict pending manual review. Created by
// the engine when the resolution policy cannot auto-resolve; mutated only by
// explicit manual resolution.
type ConflictRecord struct {
	ID             string             `json:"id"`
	DocumentPath   string             `json:"document_path"`
	Conflicts      []FieldDiff        `json:"conflicts"`
	LocalDocument  *VersionedDocument `json:"local_document"`
	RemoteDocument *VersionedDocument `json:"remote_document"`
	DetectedAt     time.Time          `json:"detected_at"`
	Status         ConflictStatus     `json:"status"`
	ResolvedAt     time.Time          `json:"resolved_at,omitzero"`
	Choice         ConflictChoice     `json:"choice,omitempty"`
}

// ConflictQueue holds escalated conflicts pending manual resolution. One
// queue per device process.
type ConflictQueue struct {
	mu      sync.RWMutex
	records map[string]*ConflictRecord
	order   []string
}

// NewConflictQueue creates an empty conflict queue.
func NewConflictQueue() *ConflictQueue {
	return &ConflictQueue{
		records: make(map[string]*ConflictRecord),
	}
}

// AddConflict appends a pending record and returns its generated id.
func (q *ConflictQueue) AddConflict(path string, diffs []FieldDiff, local, remote *VersionedDocument, now time.Time) string {
	q.mu.Lock()
	defer q.mu.Unlock()

	id := uuid.NewString()
	q.records[id] = &ConflictRecord{
		ID:             id,
		DocumentPath:   path,
		Conflicts:      diffs,
		LocalDocument:  local,
		RemoteDocument: remote,
		DetectedAt:     now,
		Status:         ConflictStatusPending,
	}
	q.order = append(q.order, id)
	return id
}

// Resolve transitions a pending record to resolved with the given choice.
// Fails if the id is unknown or the record is no longer pending.
func (q *ConflictQueue) Resolve(id string, choice ConflictChoice, now time.Time) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	rec, ok := q.records[id]
	if !ok {
		return ErrConflictNotFound
	}
	if rec.Status != ConflictStatusPending {
		return ErrConflictNotPending
	}
	rec.Status = ConflictStatusResolved
	rec.Choice = choice
	rec.ResolvedAt = now
	return nil
}

// Ignore transitions a pending record to ignored, making it eligible for
// retention cleanup without picking a side.
func (q *ConflictQueue) Ignore(id string, now time.Time) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	rec, ok := q.records[id]
	if !ok {
		return ErrConflictNotFound
	}
	if rec.Status != ConflictStatusPending {
		return ErrConflictNotPending
	}
	rec.Status = ConflictStatusIgnored
	rec.ResolvedAt = now
	return nil
}

// Get returns a copy of the record for an id.
func (q *ConflictQueue) Get(id string) (ConflictRecord, error) {
	q.mu.RLock()
	defer q.mu.RUnlock()
	rec, ok := q.records[id]
	if !ok {
		return ConflictRecord{}, ErrConflictNotFound
	}
	return *rec, nil
}

// Pending returns copies of all pending records in insertion order.
func (q *ConflictQueue) Pending() []ConflictRecord {
	q.mu.RLock()
	defer q.mu.RUnlock()

	var pending []ConflictRecord
	for _, id := range q.order {
		if rec, ok := q.records[id]; ok && rec.Status == ConflictStatusPending {
			pending = append(pending, *rec)
		}
	}
	return pending
}

// ConflictStatistics summarizes the queue, including the oldest pending
// detection time for staleness alerting.
type ConflictStatistics struct {
	Pending       int       `json:"pending"`
	Resolved      int       `json:"resolved"`
	Ignored       int       `json:"ignored"`
	OldestPending time.Time `json:"oldest_pending,omitzero"`
}

// Statistics returns counts by status and the oldest pending detection time.
func (q *ConflictQueue) Statistics() ConflictStatistics {
	q.mu.RLock()
	defer q.mu.RUnlock()

	var stats ConflictStatistics
	for _, rec := range q.records {
		switch rec.Status {
		case ConflictStatusPending:
			stats.Pending++
			if stats.OldestPending.IsZero() || rec.DetectedAt.Before(stats.OldestPending) {
				stats.OldestPending = rec.DetectedAt
			}
		case ConflictStatusResolved:
			stats.Resolved++
		case ConflictStatusIgnored:
			stats.Ignored++
		}
	}
	return stats
}

// CleanupOldConflicts removes non-pending records older than the cutoff and
// returns the number removed. Pending records are never pruned automatically:
// losing an escalated conflict is unacceptable.
func (q *ConflictQueue) CleanupOldConflicts(daysToKeep int, now time.Time) int {
	q.mu.Lock()
	defer q.mu.Unlock()

	cutoff := now.AddDate(0, 0, -daysToKeep)
	removed := 0
	kept := q.order[:0]

	for _, id := range q.order {
		rec, ok := q.records[id]
		if !ok {
			continue
		}
		if rec.Status != ConflictStatusPending && rec.DetectedAt.Before(cutoff) {
			delete(q.records, id)
			removed++
			continue
		}
		kept = append(kept, id)
	}
	q.order = kept
	return removed
}
