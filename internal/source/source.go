// Package source talks to the remote message API.
//
// The cache depends on exactly two shapes: a cheap listing of message refs in
// a time range, and a batched fetch of full payloads by id. Authentication,
// pagination and retry/backoff live here, behind the Source interface.
package source

import (
	"context"
	"time"

	"github.com/colthorp/mailcache-go/internal/mail"
)

// Ref identifies a remote message without its payload. Bucket is the
// calendar date (YYYY-MM-DD) the remote currently files the message under.
type Ref struct {
	ID     string `json:"message_id"`
	Bucket string `json:"date"`
}

// Source is the remote capability the cache orchestrator consumes.
type Source interface {
	// ListRange returns the authoritative set of refs whose timestamps fall
	// within [start, end). Metadata only; no payloads are transferred.
	ListRange(ctx context.Context, start, end time.Time) ([]Ref, error)

	// FetchBatch retrieves full payloads for the given ids. The returned
	// slice may be shorter than ids if the remote no longer has some of them.
	FetchBatch(ctx context.Context, ids []string) ([]*mail.Message, error)
}
