package usagesync

import (
	"errors"
	"fmt"
	"strings"
)

// Common sentinel errors for the usagesync package.
var (
	// ErrClosed is returned when operations are attempted on a closed store.
	ErrClosed = errors.New("store is closed")

	// ErrDocNotFound is returned when a document does not exist at a path.
	ErrDocNotFound = errors.New("document not found")

	// ErrSyncInProgress is returned when a strategy is started while another
	// strategy is already active on the same engine.
	ErrSyncInProgress = errors.New("sync already in progress")

	// ErrConflictNotFound is returned for an unknown conflict record id.
	ErrConflictNotFound = errors.New("conflict record not found")

	// ErrConflictNotPending is returned when resolving a conflict that has
	// already been resolved or ignored.
	ErrConflictNotPending = errors.New("conflict record is not pending")

	// ErrNoIdentifier is returned when a record cannot be assigned any
	// identifier, not even a degraded one.
	ErrNoIdentifier = errors.New("record has no usable identifier")

	// ErrQueueItemNotFound is returned for an unknown queue item id.
	ErrQueueItemNotFound = errors.New("queue item not found")

	// ErrCacheMiss is returned when no cached document exists for a key.
	ErrCacheMiss = errors.New("cache miss")

	// ErrInvalidPath is returned for malformed document paths.
	ErrInvalidPath = errors.New("invalid document path")

	// ErrStoreUnavailable is returned when the remote store cannot be reached.
	ErrStoreUnavailable = errors.New("remote store unavailable")

	// ErrAuthExpired is returned when the remote store rejects credentials.
	// Recovery requires external re-authentication; never retried here.
	ErrAuthExpired = errors.New("authentication expired")

	// ErrQuotaExceeded is returned when the remote store rejects writes due
	// to quota. Permanent; not retried.
	ErrQuotaExceeded = errors.New("storage quota exceeded")
)

// ErrorKind classifies sync errors per the recovery action they admit.
type ErrorKind int

const (
	// ErrorKindUnknown is an unclassified error.
	ErrorKindUnknown ErrorKind = iota
	// ErrorKindTransient covers network timeouts, unavailability, rate limits
	// and server errors. Recoverable by retry or offline queueing.
	ErrorKindTransient
	// ErrorKindAuth covers credential failures. Recoverable only by external
	// re-authentication.
	ErrorKindAuth
	// ErrorKindPermanent covers quota and malformed-data failures. Not retried.
	ErrorKindPermanent
	// ErrorKindConflict marks an escalated, manually-resolvable conflict.
	ErrorKindConflict
	// ErrorKindIdentification marks a record that could not be identified.
	ErrorKindIdentification
)

func (k ErrorKind) String() string {
	switch k {
	case ErrorKindTransient:
		return "transient"
	case ErrorKindAuth:
		return "auth"
	case ErrorKindPermanent:
		return "permanent"
	case ErrorKindConflict:
		return "conflict"
	case ErrorKindIdentification:
		return "identification"
	default:
		return "unknown"
	}
}

// SyncError wraps a failure from the sync pipeline with its classification
// and the document path it relates to.
type SyncError struct {
	Kind  ErrorKind
	Op    string
	Path  string
	Cause error
}

func (e *SyncError) Error() string {
	if e.Path != "" {
		return fmt.Sprintf("%s %s: %v", e.Op, e.Path, e.Cause)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Cause)
}

func (e *SyncError) Unwrap() error {
	return e.Cause
}

// Is implements error matching against the classification sentinels.
func (e *SyncError) Is(target error) bool {
	switch e.Kind {
	case ErrorKindTransient:
		return target == ErrStoreUnavailable
	case ErrorKindAuth:
		return target == ErrAuthExpired
	case ErrorKindPermanent:
		return target == ErrQuotaExceeded
	}
	return false
}

func newSyncError(kind ErrorKind, op, path string, cause error) *SyncError {
	return &SyncError{Kind: kind, Op: op, Path: path, Cause: cause}
}

// transientPatterns are substrings that mark an error from the remote store
// as transient when no structured classification is available.
var transientPatterns = []string{
	"connection refused",
	"connection reset",
	"timeout",
	"temporary failure",
	"service unavailable",
	"unavailable",
	"too many requests",
	"rate limit",
	"deadline exceeded",
	"503",
	"502",
	"504",
	"429",
}

var authPatterns = []string{
	"unauthenticated",
	"unauthorized",
	"permission denied",
	"invalid credentials",
	"token expired",
	"403",
	"401",
}

var permanentPatterns = []string{
	"quota exceeded",
	"resource exhausted",
	"invalid argument",
	"malformed",
	"payload too large",
}

// ClassifyError maps an arbitrary error from the remote store onto the
// recovery taxonomy. Structured SyncErrors keep their kind; everything else
// is classified by message.
func ClassifyError(err error) ErrorKind {
	if err == nil {
		return ErrorKindUnknown
	}

	var se *SyncError
	if errors.As(err, &se) {
		return se.Kind
	}

	switch {
	case errors.Is(err, ErrStoreUnavailable), errors.Is(err, ErrCircuitOpen):
		return ErrorKindTransient
	case errors.Is(err, ErrAuthExpired):
		return ErrorKindAuth
	case errors.Is(err, ErrQuotaExceeded):
		return ErrorKindPermanent
	case errors.Is(err, ErrNoIdentifier):
		return ErrorKindIdentification
	}

	msg := strings.ToLower(err.Error())
	for _, p := range authPatterns {
		if strings.Contains(msg, p) {
			return ErrorKindAuth
		}
	}
	for _, p := range permanentPatterns {
		if strings.Contains(msg, p) {
			return ErrorKindPermanent
		}
	}
	for _, p := range transientPatterns {
		if strings.Contains(msg, p) {
			return ErrorKindTransient
		}
	}
	return ErrorKindUnknown
}

// IsTransient reports whether an error is recoverable by retrying or by
// deferring the write to the offline queue.
func IsTransient(err error) bool {
	return ClassifyError(err) == ErrorKindTransient
}

// IsAuthError reports whether an error requires external re-authentication.
func IsAuthError(err error) bool {
	return ClassifyError(err) == ErrorKindAuth
}
