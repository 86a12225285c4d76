package cache

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrNotFound is returned when a record is absent from the store.
	// Expected during normal operation; never logged as an error.
	ErrNotFound = errors.New("record not found")

	// ErrCorrupt is returned when a stored record cannot be decoded.
	// Callers treat it as a cache miss: fetch fresh and overwrite.
	ErrCorrupt = errors.New("record corrupt")

	// ErrIndexInconsistent indicates the index and the store disagree.
	// Resolved by a full index rebuild.
	ErrIndexInconsistent = errors.New("index inconsistent with store")

	// ErrCacheDisabled is returned by operations that require the cache
	// when the configuration disables it.
	ErrCacheDisabled = errors.New("cache disabled")
)

// RemoteError wraps a remote fetch failure. The query cannot be answered
// without the missing data, so this is the one error kind that reaches the
// caller of Get.
//
// The original underlying error can be accessed via errors.Unwrap.
type RemoteError struct {
	Start time.Time
	End   time.Time
	Count int
	cause error
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("remote fetch failed for range %s to %s (%d ids): %v",
		e.Start.Format(time.RFC3339), e.End.Format(time.RFC3339), e.Count, e.cause)
}

func (e *RemoteError) Unwrap() error { return e.cause }
