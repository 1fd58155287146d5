package usagesync

import (
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"golang.org/x/crypto/blake2b"
)

// compositeKeySeparator joins identifier fields. The ASCII unit separator
// cannot occur in session, request or message identifiers.
const compositeKeySeparator = "\x1f"

// degradedTag marks identifiers built from the fallback fields only.
const degradedTag = "degraded"

// UsageIdentifier uniquely names one raw usage event. DeviceID is optional;
// when present, deduplication is scoped per originating device instead of
// globally.
type UsageIdentifier struct {
	SessionID string `json:"session_id"`
	RequestID string `json:"request_id"`
	MessageID string `json:"message_id"`
	Timestamp int64  `json:"timestamp"`
	DeviceID  string `json:"device_id,omitempty"`

	// Degraded is true when the identifier was built from the fallback
	// (session, timestamp) pair because primary fields were missing. Degraded
	// identifiers deliberately trade a higher false-duplicate rate for not
	// losing the record entirely.
	Degraded bool `json:"degraded,omitempty"`
}

// CompositeKey deterministically concatenates the present identifier fields.
// Two identifiers produce the same key iff all present fields match.
func (id UsageIdentifier) CompositeKey() string {
	parts := make([]string, 0, 6)
	if id.Degraded {
		parts = append(parts, degradedTag)
	}
	parts = append(parts,
		id.SessionID,
		id.RequestID,
		id.MessageID,
		fmt.Sprintf("%d", id.Timestamp),
	)
	if id.DeviceID != "" {
		parts = append(parts, id.DeviceID)
	}
	return strings.Join(parts, compositeKeySeparator)
}

// Digest returns the fixed-length BLAKE2b-256 digest of the composite key,
// hex encoded. Same identifier always yields the same digest.
func (id UsageIdentifier) Digest() string {
	sum := blake2b.Sum256([]byte(id.CompositeKey()))
	return hex.EncodeToString(sum[:])
}

// IsZero reports whether no identifying field is set.
func (id UsageIdentifier) IsZero() bool {
	return id.SessionID == "" && id.RequestID == "" && id.MessageID == "" && id.Timestamp == 0
}

// IdentifyRecord extracts the identifier for a usage record. When the primary
// fields (request and message id) are missing it falls back to a degraded
// identifier built from (fallback session id, timestamp). Records with no
// usable fields at all return ErrNoIdentifier.
func IdentifyRecord(r UsageRecord) (UsageIdentifier, error) {
	if r.RequestID != "" || r.MessageID != "" {
		return UsageIdentifier{
			SessionID: r.SessionID,
			RequestID: r.RequestID,
			MessageID: r.MessageID,
			Timestamp: r.Timestamp.UnixMilli(),
			DeviceID:  r.DeviceID,
		}, nil
	}

	fallbackSession := r.SessionID
	if fallbackSession == "" {
		fallbackSession = r.ProjectPath
	}
	if fallbackSession == "" || r.Timestamp.IsZero() {
		return UsageIdentifier{}, ErrNoIdentifier
	}

	return UsageIdentifier{
		SessionID: fallbackSession,
		Timestamp: r.Timestamp.UnixMilli(),
		DeviceID:  r.DeviceID,
		Degraded:  true,
	}, nil
}

// dayKey formats a timestamp as the calendar-day component of a document
// path, in UTC.
func dayKey(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}
