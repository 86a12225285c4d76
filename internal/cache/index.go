package cache

import (
	"io"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"time"

	"github.com/colthorp/mailcache-go/internal/codec"
	"github.com/colthorp/mailcache-go/internal/core"
)

// Index file names under the metadata directory.
const (
	messageIndexName = "message_index"
	bucketIndexName  = "bucket_index"
)

// IndexEntry locates one cached record.
type IndexEntry struct {
	Bucket string `json:"bucket"`
	Path   string `json:"path"`
}

// IndexStats summarizes the index for diagnostics.
type IndexStats struct {
	TotalMessages int `json:"total_messages"`
	TotalBuckets  int `json:"total_buckets"`
}

// Index answers "is record X cached?" and "what ids exist in [start, end)?"
// without scanning the store.
//
// Two maps, guarded by one RWMutex: id -> entry, and bucket -> id list.
// Both are persisted to the metadata directory on every mutation and are
// strictly derived state; Rebuild re-creates them from the store alone and
// is the sole recovery path after any detected inconsistency.
type Index struct {
	mu       sync.RWMutex
	byID     map[string]IndexEntry
	byBucket map[string][]string

	store      Store
	msgPath    string
	bucketPath string
	logger     *slog.Logger
}

// NewIndex creates the index for the given store, loading the persisted maps
// if they are present and consistent, and rebuilding from the store
// otherwise.
func NewIndex(cfg Config, store Store, logger *slog.Logger) (*Index, error) {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.Level(math.MaxInt)}))
	}
	idx := &Index{
		byID:       make(map[string]IndexEntry),
		byBucket:   make(map[string][]string),
		store:      store,
		msgPath:    cfg.IndexPath(messageIndexName),
		bucketPath: cfg.IndexPath(bucketIndexName),
		logger:     logger,
	}

	if idx.load() {
		return idx, nil
	}
	if err := idx.Rebuild(); err != nil {
		return nil, err
	}
	return idx, nil
}

// load reads both persisted maps. Returns false if either file is missing,
// unparsable, or the two disagree; the caller then rebuilds.
func (idx *Index) load() bool {
	var byID map[string]IndexEntry
	var byBucket map[string][]string

	c := codec.JSON{}
	for path, target := range map[string]any{
		idx.msgPath:    &byID,
		idx.bucketPath: &byBucket,
	} {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				idx.logger.Warn("index file unreadable, will rebuild", "path", path, "error", err)
			}
			return false
		}
		if err := c.Unmarshal(data, target); err != nil {
			idx.logger.Warn("index file unparsable, will rebuild", "path", path, "error", err)
			return false
		}
	}

	// Cross-check: every id must appear in exactly one bucket list.
	seen := 0
	for bucket, ids := range byBucket {
		for _, id := range ids {
			entry, ok := byID[id]
			if !ok || entry.Bucket != bucket {
				idx.logger.Warn("index maps disagree, will rebuild", "id", id, "bucket", bucket)
				return false
			}
			seen++
		}
	}
	if seen != len(byID) {
		idx.logger.Warn("index maps disagree, will rebuild", "bucket_ids", seen, "message_ids", len(byID))
		return false
	}

	idx.mu.Lock()
	idx.byID = byID
	idx.byBucket = byBucket
	idx.mu.Unlock()
	return true
}

// Lookup returns the entry for id.
func (idx *Index) Lookup(id string) (IndexEntry, bool) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	entry, ok := idx.byID[id]
	return entry, ok
}

// IDsInRange returns entries for every id whose bucket falls within
// [start, end). Every bucket key in the range is enumerated, including empty
// ones.
func (idx *Index) IDsInRange(start, end time.Time) map[string]IndexEntry {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	found := make(map[string]IndexEntry)
	for d := core.DateOnly(start); d.Before(end); d = d.AddDate(0, 0, 1) {
		bucket := d.Format(core.BucketFmt)
		for _, id := range idx.byBucket[bucket] {
			found[id] = idx.byID[id]
		}
	}
	return found
}

// Add inserts or overwrites the entry for id and updates bucket membership.
// If id previously lived under a different bucket, the old membership is
// removed first, so an id appears in exactly one bucket list.
func (idx *Index) Add(id, bucket, path string) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	if old, ok := idx.byID[id]; ok && old.Bucket != bucket {
		idx.dropFromBucketLocked(id, old.Bucket)
	}

	idx.byID[id] = IndexEntry{Bucket: bucket, Path: path}
	if !slices.Contains(idx.byBucket[bucket], id) {
		idx.byBucket[bucket] = append(idx.byBucket[bucket], id)
	}

	return idx.persistLocked()
}

// Remove deletes the entry for id and its bucket membership. No-op when the
// id is not indexed.
func (idx *Index) Remove(id string) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	entry, ok := idx.byID[id]
	if !ok {
		return nil
	}
	delete(idx.byID, id)
	idx.dropFromBucketLocked(id, entry.Bucket)

	return idx.persistLocked()
}

func (idx *Index) dropFromBucketLocked(id, bucket string) {
	ids := idx.byBucket[bucket]
	if i := slices.Index(ids, id); i >= 0 {
		idx.byBucket[bucket] = slices.Delete(ids, i, i+1)
	}
	if len(idx.byBucket[bucket]) == 0 {
		delete(idx.byBucket, bucket)
	}
}

// Rebuild discards all in-memory state and re-derives it by enumerating the
// store. Bucket keys come from the directory layout, not file content, so
// partially corrupt payloads still index. Allowed to be slow; must always
// terminate in a consistent state.
func (idx *Index) Rebuild() error {
	byID := make(map[string]IndexEntry)
	byBucket := make(map[string][]string)

	err := idx.store.Walk(func(id, bucket, path string) error {
		if old, ok := byID[id]; ok {
			// Same id under two buckets should never happen; keep the
			// newer bucket and drop the stale membership.
			if i := slices.Index(byBucket[old.Bucket], id); i >= 0 {
				byBucket[old.Bucket] = slices.Delete(byBucket[old.Bucket], i, i+1)
			}
		}
		byID[id] = IndexEntry{Bucket: bucket, Path: path}
		byBucket[bucket] = append(byBucket[bucket], id)
		return nil
	})
	if err != nil {
		return err
	}
	for bucket, ids := range byBucket {
		if len(ids) == 0 {
			delete(byBucket, bucket)
		}
	}

	idx.mu.Lock()
	defer idx.mu.Unlock()
	idx.byID = byID
	idx.byBucket = byBucket

	idx.logger.Info("rebuilt indexes", "messages", len(byID), "buckets", len(byBucket))
	return idx.persistLocked()
}

// Flush persists both maps.
func (idx *Index) Flush() error {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	return idx.persistLocked()
}

// Clear empties the index and removes its persisted files.
func (idx *Index) Clear() error {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	idx.byID = make(map[string]IndexEntry)
	idx.byBucket = make(map[string][]string)

	for _, path := range []string{idx.msgPath, idx.bucketPath} {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return err
		}
	}
	return nil
}

// Entries returns a snapshot copy of all index entries.
func (idx *Index) Entries() map[string]IndexEntry {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	out := make(map[string]IndexEntry, len(idx.byID))
	for id, entry := range idx.byID {
		out[id] = entry
	}
	return out
}

// Stats returns index size counters.
func (idx *Index) Stats() IndexStats {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return IndexStats{
		TotalMessages: len(idx.byID),
		TotalBuckets:  len(idx.byBucket),
	}
}

// persistLocked writes both maps atomically (temp file + rename each).
// Caller holds the write lock.
func (idx *Index) persistLocked() error {
	c := codec.JSON{}
	for path, v := range map[string]any{
		idx.msgPath:    idx.byID,
		idx.bucketPath: idx.byBucket,
	} {
		data, err := c.Marshal(v)
		if err != nil {
			return err
		}
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return err
		}
		tmp := path + ".tmp"
		if err := os.WriteFile(tmp, data, 0o644); err != nil {
			return err
		}
		if err := os.Rename(tmp, path); err != nil {
			os.Remove(tmp)
			return err
		}
	}
	return nil
}
