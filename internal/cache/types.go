// Package cache implements the disk-backed message cache.
//
// # Overview
//
// The cache stores one file per message under <root>/messages/<date>/<id>,
// grouped by the calendar date of the message timestamp, with two persisted
// lookup indexes under <root>/metadata/. On every range query the manager
// reconciles the cached id set against the remote's authoritative listing,
// serves what it can from disk, fetches only the rest, and persists the
// result.
//
// # On-Disk Layout
//
//	<root>/
//	  messages/
//	    2024-07-15/
//	      <message_id>.json        (or .json.zst when compression is enabled)
//	  metadata/
//	    message_index.json         id -> {bucket, path}
//	    bucket_index.json          bucket -> [id, ...]
//	    schema_version             current schema version marker
//
// The layout is the durable contract: both indexes are rebuildable from the
// messages/ tree alone, and rebuilding is the sole recovery path after any
// detected inconsistency.
//
// # Record Files
//
// Each record file holds a versioned envelope:
//
//	{
//	  "schema_version": 2,
//	  "cached_at": "...",
//	  "updated_at": "...",
//	  "payload": { ...message fields... }
//	}
//
// Older payload shapes are upgraded on load by the schema migration table;
// files are written with the current shape only.
package cache

import (
	"encoding/json"
	"time"

	"github.com/colthorp/mailcache-go/internal/mail"
)

// Record is one cached unit: the message payload plus cache metadata.
//
// After a Store load, Msg is nil and Raw holds the payload bytes as stored;
// Schema.Upgrade decodes and migrates Raw into Msg. Records handed to
// Store.Save must carry a non-nil Msg at the current schema version.
type Record struct {
	SchemaVersion int
	CachedAt      time.Time
	UpdatedAt     time.Time
	Msg           *mail.Message
	Raw           json.RawMessage
}

// Bucket returns the record's bucket key.
// Valid only after the record has been upgraded (Msg set).
func (r *Record) Bucket() string {
	return r.Msg.Bucket()
}

// storedRecord is the envelope persisted in record files.
type storedRecord struct {
	SchemaVersion int             `json:"schema_version"`
	CachedAt      time.Time       `json:"cached_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
	Payload       json.RawMessage `json:"payload"`
}

// StoreStats summarizes the on-disk store. Computed by directory traversal;
// diagnostics only, never on the hot path.
type StoreStats struct {
	FileCount   int   `json:"file_count"`
	BucketCount int   `json:"bucket_count"`
	TotalBytes  int64 `json:"total_bytes"`
}

// Store is the interface for record storage backends.
// The default implementation is FileStore; MemoryStore exists for tests.
//
// Side effects are confined to the backend; no component above a Store may
// touch record files directly.
type Store interface {
	// Save persists the record atomically under its bucket directory,
	// overwriting silently if present.
	Save(rec *Record) error

	// Load reads the record for (id, bucket). Returns ErrNotFound if absent,
	// ErrCorrupt if the content cannot be decoded.
	Load(id, bucket string) (*Record, error)

	// Delete removes the record file; absent files are not an error.
	Delete(id, bucket string) error

	// Walk enumerates stored records as (id, bucket, path) triples, deriving
	// the bucket from the directory layout rather than file content so that
	// corrupt payloads still enumerate.
	Walk(fn func(id, bucket, path string) error) error

	// Stats reports file, bucket, and byte counts.
	Stats() (StoreStats, error)

	// Path returns the canonical file path for (id, bucket).
	Path(id, bucket string) string
}
