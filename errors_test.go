package usagesync

import (
	"errors"
	"fmt"
	"testing"
)

func TestClassifyError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want ErrorKind
	}{
		{"nil", nil, ErrorKindUnknown},
		{"store unavailable sentinel", ErrStoreUnavailable, ErrorKindTransient},
		{"circuit open", ErrCircuitOpen, ErrorKindTransient},
		{"auth sentinel", ErrAuthExpired, ErrorKindAuth},
		{"quota sentinel", ErrQuotaExceeded, ErrorKindPermanent},
		{"no identifier", ErrNoIdentifier, ErrorKindIdentification},
		{"timeout message", errors.New("dial tcp: i/o timeout"), ErrorKindTransient},
		{"rate limit message", errors.New("429 too many requests"), ErrorKindTransient},
		{"unauthorized message", errors.New("request unauthorized"), ErrorKindAuth},
		{"quota message", errors.New("quota exceeded for project"), ErrorKindPermanent},
		{"wrapped transient", fmt.Errorf("write failed: %w", ErrStoreUnavailable), ErrorKindTransient},
		{"unknown", errors.New("something odd"), ErrorKindUnknown},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ClassifyError(tt.err); got != tt.want {
				t.Errorf("ClassifyError(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestSyncErrorKeepsKind(t *testing.T) {
	cause := errors.New("some backend detail")
	err := newSyncError(ErrorKindAuth, "s3 get", "devices/a/usage/2026-03-01", cause)

	if ClassifyError(err) != ErrorKindAuth {
		t.Error("structured kind lost")
	}
	if ClassifyError(fmt.Errorf("outer: %w", err)) != ErrorKindAuth {
		t.Error("structured kind lost through wrapping")
	}
	if !errors.Is(err, ErrAuthExpired) {
		t.Error("auth SyncError must match ErrAuthExpired")
	}
	if !errors.Is(err, cause) {
		t.Error("cause not reachable through Unwrap")
	}
}

func TestIsTransientHelpers(t *testing.T) {
	if !IsTransient(ErrStoreUnavailable) {
		t.Error("ErrStoreUnavailable must be transient")
	}
	if IsTransient(ErrAuthExpired) {
		t.Error("auth errors are not transient")
	}
	if !IsAuthError(errors.New("401 invalid credentials")) {
		t.Error("credential message not classified as auth")
	}
	// Auth patterns take precedence over transient ones.
	if IsTransient(errors.New("unauthorized: token expired, retry later")) {
		t.Error("auth classification must win over transient substrings")
	}
}

func TestErrorKindString(t *testing.T) {
	kinds := map[ErrorKind]string{
		ErrorKindUnknown:        "unknown",
		ErrorKindTransient:      "transient",
		ErrorKindAuth:           "auth",
		ErrorKindPermanent:      "permanent",
		ErrorKindConflict:       "conflict",
		ErrorKindIdentification: "identification",
	}
	for k, want := range kinds {
		if k.String() != want {
			t.Errorf("%d.String() = %q, want %q", k, k.String(), want)
		}
	}
}
