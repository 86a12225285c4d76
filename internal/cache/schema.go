package cache

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/colthorp/mailcache-go/internal/mail"
)

// CurrentSchemaVersion is the newest record payload shape.
//
// Version history:
//
//	1: flat payload; labels as a comma-separated string; no thread id,
//	   snippet, or status flags.
//	2: labels as a list; thread_id, snippet, has_attachments, is_read,
//	   is_starred, is_important added.
const CurrentSchemaVersion = 2

// markerFile is the schema-version marker kept beside the index files.
const markerFile = "schema_version"

// migration upgrades a payload one version step.
type migration func(raw json.RawMessage) (json.RawMessage, error)

// migrations maps from-version to the step that produces from-version+1.
var migrations = map[int]migration{
	1: migrateV1,
}

// payloadV1 is the version-1 payload shape, kept only for upgrades.
type payloadV1 struct {
	ID             string    `json:"message_id"`
	SenderEmail    string    `json:"sender_email"`
	RecipientEmail string    `json:"recipient_email"`
	Subject        string    `json:"subject"`
	Timestamp      time.Time `json:"timestamp"`
	SizeBytes      int64     `json:"size_bytes"`
	Labels         string    `json:"labels"`
	Body           string    `json:"text_content,omitempty"`
}

func migrateV1(raw json.RawMessage) (json.RawMessage, error) {
	var p payloadV1
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("v1 payload: %w", err)
	}

	var labels []string
	for _, l := range strings.Split(p.Labels, ",") {
		if l = strings.TrimSpace(l); l != "" {
			labels = append(labels, l)
		}
	}

	// Defaults for fields v1 never carried. Read state defaults to true:
	// anything old enough to be cached at v1 has long been seen.
	msg := mail.Message{
		ID:             p.ID,
		SenderEmail:    p.SenderEmail,
		RecipientEmail: p.RecipientEmail,
		Subject:        p.Subject,
		Timestamp:      p.Timestamp,
		SizeBytes:      p.SizeBytes,
		Labels:         labels,
		IsRead:         true,
		Body:           p.Body,
	}
	return json.Marshal(&msg)
}

// Schema validates, upgrades, and merges record payloads. Stateless and
// purely functional over its inputs.
type Schema struct {
	current int
}

// NewSchema creates a schema reconciler targeting the given version.
// Zero or negative means CurrentSchemaVersion.
func NewSchema(current int) *Schema {
	if current <= 0 {
		current = CurrentSchemaVersion
	}
	return &Schema{current: current}
}

// Current returns the schema version records are written with.
func (s *Schema) Current() int { return s.current }

// IsCurrent reports whether the record is already at the current version.
func (s *Schema) IsCurrent(rec *Record) bool {
	return rec.SchemaVersion == s.current
}

// Upgrade returns the record migrated to the current version with its
// message decoded. Idempotent: an already-current, already-decoded record is
// returned unchanged.
func (s *Schema) Upgrade(rec *Record) (*Record, error) {
	if rec.SchemaVersion > s.current {
		return nil, fmt.Errorf("record schema %d is newer than current %d", rec.SchemaVersion, s.current)
	}
	if s.IsCurrent(rec) && rec.Msg != nil {
		return rec, nil
	}

	raw := rec.Raw
	if raw == nil && rec.Msg != nil {
		// Decoded but stale-tagged; re-encode so the migration steps below
		// see the payload bytes they expect.
		var err error
		if raw, err = json.Marshal(rec.Msg); err != nil {
			return nil, err
		}
	}

	for v := rec.SchemaVersion; v < s.current; v++ {
		step, ok := migrations[v]
		if !ok {
			return nil, fmt.Errorf("no migration from schema version %d", v)
		}
		var err error
		if raw, err = step(raw); err != nil {
			return nil, fmt.Errorf("migrating schema %d -> %d: %w", v, v+1, err)
		}
	}

	var msg mail.Message
	if err := json.Unmarshal(raw, &msg); err != nil {
		return nil, fmt.Errorf("decoding payload: %w", err)
	}

	return &Record{
		SchemaVersion: s.current,
		CachedAt:      rec.CachedAt,
		UpdatedAt:     rec.UpdatedAt,
		Msg:           &msg,
	}, nil
}

// Merge combines a cached record with a freshly fetched one for the same id.
//
// Fields only the remote can answer for (labels, read/starred/important
// state, snippet, size, attachments) always come from fresh. The body is
// expensive to refetch and immutable in practice, so a cached body survives
// a metadata-only refresh that omits it.
func (s *Schema) Merge(cached, fresh *Record) *Record {
	msg := fresh.Msg.Clone()
	if msg.Body == "" && cached.Msg != nil && cached.Msg.Body != "" {
		msg.Body = cached.Msg.Body
	}

	return &Record{
		SchemaVersion: s.current,
		CachedAt:      cached.CachedAt,
		UpdatedAt:     time.Now().UTC(),
		Msg:           msg,
	}
}

// NewRecord wraps a fetched message in a current-version record.
func (s *Schema) NewRecord(msg *mail.Message) *Record {
	now := time.Now().UTC()
	return &Record{
		SchemaVersion: s.current,
		CachedAt:      now,
		UpdatedAt:     now,
		Msg:           msg,
	}
}

// WriteMarker persists the current version to the metadata directory.
func (s *Schema) WriteMarker(metadataDir string) error {
	path := filepath.Join(metadataDir, markerFile)
	return os.WriteFile(path, []byte(strconv.Itoa(s.current)+"\n"), 0o644)
}

// ReadMarker returns the version recorded in the metadata directory, or 0 if
// no marker exists.
func ReadMarker(metadataDir string) (int, error) {
	data, err := os.ReadFile(filepath.Join(metadataDir, markerFile))
	if errors.Is(err, fs.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	v, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("invalid schema marker: %w", err)
	}
	return v, nil
}
