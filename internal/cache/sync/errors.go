package sync

import (
	"context"
	"errors"
	"fmt"

	"github.com/jones/aptracker/internal/cache/schema"
	"github.com/jones/aptracker/internal/remote"
)

// Failure kinds. Every *RefreshError matches exactly one with errors.Is.
var (
	// ErrTransport means the remote call failed. Nothing was written.
	ErrTransport = errors.New("transport failure")

	// ErrMalformed means the remote payload could not be used at all, or
	// (for Skipped entries) a single item could not be translated.
	ErrMalformed = errors.New("malformed remote data")

	// ErrStorage means the merge failed and was rolled back.
	ErrStorage = errors.New("storage failure")

	// ErrCanceled means the refresh was abandoned before writing.
	ErrCanceled = errors.New("refresh canceled")
)

// RefreshError is returned by every failed refresh.
type RefreshError struct {
	Op    string // "rooms" or "history"
	Scope schema.Scope
	Kind  error
	Err   error
}

func (e *RefreshError) Error() string {
	if e.Op == "history" {
		return fmt.Sprintf("refresh history %s: %v: %v", e.Scope, e.Kind, e.Err)
	}
	return fmt.Sprintf("refresh %s: %v: %v", e.Op, e.Kind, e.Err)
}

func (e *RefreshError) Unwrap() []error {
	return []error{e.Kind, e.Err}
}

// IsRetryable reports whether repeating the refresh may succeed: transient
// transport failures and storage contention.
func IsRetryable(err error) bool {
	if err == nil || errors.Is(err, ErrCanceled) {
		return false
	}
	switch {
	case errors.Is(err, ErrTransport):
		var se *remote.StatusError
		if errors.As(err, &se) {
			return se.Temporary()
		}
		return true
	case errors.Is(err, ErrStorage):
		return true
	}
	return false
}

// Kind returns the failure kind of err, or nil if err is not a refresh error.
func Kind(err error) error {
	var re *RefreshError
	if errors.As(err, &re) {
		return re.Kind
	}
	return nil
}

func remoteError(op string, scope schema.Scope, err error) error {
	kind := ErrTransport
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		kind = ErrCanceled
	case errors.Is(err, remote.ErrDecode):
		kind = ErrMalformed
	}
	return &RefreshError{Op: op, Scope: scope, Kind: kind, Err: err}
}

func storeError(op string, scope schema.Scope, err error) error {
	kind := ErrStorage
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		kind = ErrCanceled
	}
	return &RefreshError{Op: op, Scope: scope, Kind: kind, Err: err}
}
