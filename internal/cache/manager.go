package cache

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"os"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/colthorp/mailcache-go/internal/core"
	"github.com/colthorp/mailcache-go/internal/mail"
	"github.com/colthorp/mailcache-go/internal/source"
)

// Worker bounds for the load and persist fan-out inside one Get call.
const (
	loadWorkers    = 8
	persistWorkers = 4
)

// GetOptions tunes a single Get call.
type GetOptions struct {
	// MaxResults caps the final ordered result set. Zero means unlimited.
	MaxResults int
}

// AccessStats are the process-wide cache access counters. Purely
// observational; reset on Invalidate or process restart.
type AccessStats struct {
	Hits    int64   `json:"hits"`
	Misses  int64   `json:"misses"`
	Writes  int64   `json:"writes"`
	Updates int64   `json:"updates"`
	HitRate float64 `json:"hit_rate"`
}

// Diagnostics merges store, index, and configuration information.
type Diagnostics struct {
	Store         StoreStats  `json:"store"`
	Index         IndexStats  `json:"index"`
	Access        AccessStats `json:"access"`
	RootDir       string      `json:"root_dir"`
	SchemaVersion int         `json:"schema_version"`
	Enabled       bool        `json:"enabled"`
}

// Manager orchestrates cached message retrieval.
//
// # Query Flow
//
// For a range query, the manager asks the index which ids are already cached,
// asks the remote source for the authoritative id listing, and splits the
// result three ways: serve from disk, fetch remotely, or ignore (cached ids
// the remote no longer reports in range stay on disk until Cleanup but are
// excluded from the result). Fetched records are upgraded, merged with any
// older cached copy, persisted, and indexed; everything is returned as one
// timestamp-ordered slice.
//
// # Failure Policy
//
// A remote failure fails the whole call: the query cannot be answered
// without the missing data. Local store or index failures never do; they
// cost at worst an extra remote fetch next time. Corrupt records read as
// misses and are overwritten; an index that disagrees with the store is
// rebuilt from it.
type Manager struct {
	cfg    Config
	store  Store
	idx    *Index
	schema *Schema
	src    source.Source
	logger *slog.Logger

	// hot holds recently touched records so repeat queries inside one
	// process skip disk. Nil when disabled by config.
	hot *lru.Cache[string, *Record]

	// persistGroup serializes persistence per id: at most one in-flight
	// fetch/persist per record across concurrent Get calls.
	persistGroup singleflight.Group

	hits    atomic.Int64
	misses  atomic.Int64
	writes  atomic.Int64
	updates atomic.Int64
}

// NewManager creates a cache manager. If store is nil, a FileStore rooted at
// cfg.RootDir is used. If logger is nil, logging is discarded.
func NewManager(cfg Config, src source.Source, store Store, logger *slog.Logger) (*Manager, error) {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.Level(math.MaxInt)}))
	}

	m := &Manager{
		cfg:    cfg,
		src:    src,
		schema: NewSchema(cfg.SchemaVersion),
		logger: logger,
	}

	if !cfg.Enabled {
		return m, nil
	}

	if err := cfg.EnsureDirs(); err != nil {
		return nil, err
	}

	// The schema version only moves forward across the cache's lifetime.
	marker, err := ReadMarker(cfg.MetadataDir())
	if err != nil {
		return nil, err
	}
	if marker > m.schema.Current() {
		return nil, fmt.Errorf("cache was written with schema %d, current is %d", marker, m.schema.Current())
	}
	if err := m.schema.WriteMarker(cfg.MetadataDir()); err != nil {
		return nil, err
	}

	if store == nil {
		store = NewFileStore(cfg)
	}
	m.store = store

	if m.idx, err = NewIndex(cfg, store, logger); err != nil {
		return nil, err
	}

	if cfg.HotCacheSize > 0 {
		if m.hot, err = lru.New[string, *Record](cfg.HotCacheSize); err != nil {
			return nil, err
		}
	}

	return m, nil
}

// Get returns all messages in [start, end), serving cached records from disk
// and fetching the rest from the remote source. The result is sorted by
// timestamp ascending.
func (m *Manager) Get(ctx context.Context, start, end time.Time, opts GetOptions) ([]*mail.Message, error) {
	if !m.cfg.Enabled {
		return m.getDirect(ctx, start, end, opts)
	}

	cached := m.idx.IDsInRange(start, end)

	refs, err := m.src.ListRange(ctx, start, end)
	if err != nil {
		return nil, &RemoteError{Start: start, End: end, cause: err}
	}
	m.logger.Debug("range reconciled", "cached", len(cached), "remote", len(refs))

	// Split the authoritative listing against the cached set. Cached ids the
	// remote no longer reports stay on disk (Cleanup purges them later) but
	// never appear in the result. A ref whose bucket moved is re-fetched so
	// the record can be re-bucketed.
	var toLoad, toFetch []source.Ref
	for _, ref := range refs {
		entry, ok := cached[ref.ID]
		if ok && entry.Bucket == ref.Bucket {
			toLoad = append(toLoad, ref)
		} else {
			toFetch = append(toFetch, ref)
		}
	}

	loaded, demoted := m.loadCached(toLoad)
	toFetch = append(toFetch, demoted...)

	fetched, err := m.fetchAndPersist(ctx, start, end, toFetch)
	if err != nil {
		return nil, err
	}

	msgs := append(loaded, fetched...)
	sort.Slice(msgs, func(i, j int) bool {
		if !msgs[i].Timestamp.Equal(msgs[j].Timestamp) {
			return msgs[i].Timestamp.Before(msgs[j].Timestamp)
		}
		return msgs[i].ID < msgs[j].ID
	})

	if opts.MaxResults > 0 && len(msgs) > opts.MaxResults {
		msgs = msgs[:opts.MaxResults]
	}
	return msgs, nil
}

// getDirect bypasses the cache entirely.
func (m *Manager) getDirect(ctx context.Context, start, end time.Time, opts GetOptions) ([]*mail.Message, error) {
	refs, err := m.src.ListRange(ctx, start, end)
	if err != nil {
		return nil, &RemoteError{Start: start, End: end, cause: err}
	}
	ids := make([]string, 0, len(refs))
	for _, ref := range refs {
		ids = append(ids, ref.ID)
	}

	msgs, err := m.src.FetchBatch(ctx, ids)
	if err != nil {
		return nil, &RemoteError{Start: start, End: end, Count: len(ids), cause: err}
	}

	sort.Slice(msgs, func(i, j int) bool { return msgs[i].Timestamp.Before(msgs[j].Timestamp) })
	if opts.MaxResults > 0 && len(msgs) > opts.MaxResults {
		msgs = msgs[:opts.MaxResults]
	}
	return msgs, nil
}

// loadCached loads records from disk, returning the messages that loaded and
// the refs that must be fetched fresh instead (missing or corrupt on disk).
func (m *Manager) loadCached(toLoad []source.Ref) ([]*mail.Message, []source.Ref) {
	var (
		mu         sync.Mutex
		loaded     []*mail.Message
		demoted    []source.Ref
		rebuildIdx bool
	)

	var g errgroup.Group
	g.SetLimit(loadWorkers)
	for _, ref := range toLoad {
		ref := ref
		g.Go(func() error {
			rec, upgraded, err := m.loadRecord(ref.ID, ref.Bucket)
			if err == nil && upgraded {
				// Write the upgraded form back so the migration runs once per
				// record, not once per query. Serialized with persistFetched:
				// at most one in-flight write per id.
				m.persistGroup.Do(ref.ID, func() (any, error) {
					if serr := m.store.Save(rec); serr != nil {
						m.logger.Warn("failed to persist upgraded record", "id", ref.ID, "error", serr)
					}
					return nil, nil
				})
			}
			if errors.Is(err, ErrNotFound) {
				// The index claimed this id; the store disagrees.
				err = fmt.Errorf("%w: no stored record for indexed id %s in bucket %s",
					ErrIndexInconsistent, ref.ID, ref.Bucket)
			}

			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				m.hits.Add(1)
				loaded = append(loaded, rec.Msg)
			case errors.Is(err, ErrIndexInconsistent):
				m.logger.Warn("scheduling index rebuild", "error", err)
				rebuildIdx = true
				demoted = append(demoted, ref)
			default:
				m.logger.Warn("cached record unreadable, refetching", "id", ref.ID, "error", err)
				demoted = append(demoted, ref)
			}
			return nil
		})
	}
	g.Wait()

	if rebuildIdx {
		if err := m.idx.Rebuild(); err != nil {
			m.logger.Warn("index rebuild failed", "error", err)
		}
	}
	return loaded, demoted
}

// loadRecord returns the upgraded record for (id, bucket), consulting the
// hot cache first, and reports whether a schema upgrade was applied. It never
// writes; callers that want the upgraded form persisted must do so through
// persistGroup so writes for one id stay serialized.
func (m *Manager) loadRecord(id, bucket string) (*Record, bool, error) {
	if m.hot != nil {
		if rec, ok := m.hot.Get(id); ok && rec.Bucket() == bucket {
			return rec, false, nil
		}
	}

	rec, err := m.store.Load(id, bucket)
	if err != nil {
		return nil, false, err
	}

	upgraded := !m.schema.IsCurrent(rec)
	if rec, err = m.schema.Upgrade(rec); err != nil {
		return nil, false, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}

	if m.hot != nil {
		m.hot.Add(id, rec)
	}
	return rec, upgraded, nil
}

// fetchAndPersist retrieves full payloads for refs and caches them
// best-effort. Remote failures (including cancellation) fail the call;
// persistence failures do not, the fetched message is returned regardless.
func (m *Manager) fetchAndPersist(ctx context.Context, start, end time.Time, toFetch []source.Ref) ([]*mail.Message, error) {
	if len(toFetch) == 0 {
		return nil, nil
	}

	ids := make([]string, 0, len(toFetch))
	for _, ref := range toFetch {
		ids = append(ids, ref.ID)
	}
	m.misses.Add(int64(len(ids)))

	fresh, err := m.src.FetchBatch(ctx, ids)
	if err != nil {
		return nil, &RemoteError{Start: start, End: end, Count: len(ids), cause: err}
	}
	if err := ctx.Err(); err != nil {
		// Cancelled under us: return the error without persisting a
		// possibly partial batch.
		return nil, &RemoteError{Start: start, End: end, Count: len(ids), cause: err}
	}

	msgs := make([]*mail.Message, len(fresh))
	var g errgroup.Group
	g.SetLimit(persistWorkers)
	for i, msg := range fresh {
		i, msg := i, msg
		g.Go(func() error {
			msgs[i] = m.persistFetched(msg)
			return nil
		})
	}
	g.Wait()

	return msgs, nil
}

// persistFetched caches one fetched message, merging with any older cached
// copy, and returns the message to include in the result. Never fails the
// query: on persist errors the in-memory message is still returned.
func (m *Manager) persistFetched(msg *mail.Message) *mail.Message {
	out, _, _ := m.persistGroup.Do(msg.ID, func() (any, error) {
		rec := m.schema.NewRecord(msg)

		oldEntry, existed := m.idx.Lookup(msg.ID)
		if existed {
			// The merged record overwrites the old one below, so its upgraded
			// form is never written back separately.
			if old, _, err := m.loadRecord(msg.ID, oldEntry.Bucket); err == nil {
				rec = m.schema.Merge(old, rec)
			}
			if oldEntry.Bucket != rec.Bucket() {
				// Re-bucketed: drop the old file first so the id never has
				// two on-disk copies.
				if err := m.store.Delete(msg.ID, oldEntry.Bucket); err != nil {
					m.logger.Warn("failed to delete re-bucketed record", "id", msg.ID, "error", err)
				}
			}
		}

		if err := m.store.Save(rec); err != nil {
			m.logger.Warn("failed to cache record", "id", msg.ID, "error", err)
			return rec.Msg, nil
		}
		if err := m.idx.Add(msg.ID, rec.Bucket(), m.store.Path(msg.ID, rec.Bucket())); err != nil {
			m.logger.Warn("failed to index record", "id", msg.ID, "error", err)
		}
		if m.hot != nil {
			m.hot.Add(msg.ID, rec)
		}

		if existed {
			m.updates.Add(1)
		} else {
			m.writes.Add(1)
		}
		return rec.Msg, nil
	})
	return out.(*mail.Message)
}

// Stats returns the access counters. HitRate is 0 when no requests have
// been counted.
func (m *Manager) Stats() AccessStats {
	s := AccessStats{
		Hits:    m.hits.Load(),
		Misses:  m.misses.Load(),
		Writes:  m.writes.Load(),
		Updates: m.updates.Load(),
	}
	if total := s.Hits + s.Misses; total > 0 {
		s.HitRate = float64(s.Hits) / float64(total)
	}
	return s
}

// Diagnostics returns merged store, index, and configuration information.
func (m *Manager) Diagnostics() (Diagnostics, error) {
	d := Diagnostics{
		Access:        m.Stats(),
		RootDir:       m.cfg.RootDir,
		SchemaVersion: m.schema.Current(),
		Enabled:       m.cfg.Enabled,
	}
	if !m.cfg.Enabled {
		return d, nil
	}

	var err error
	if d.Store, err = m.store.Stats(); err != nil {
		return d, err
	}
	d.Index = m.idx.Stats()
	return d, nil
}

// Invalidate removes cached records. With no ids it deletes the whole cache
// (records, index files, counters); with ids it removes just those records.
func (m *Manager) Invalidate(ids ...string) error {
	if !m.cfg.Enabled {
		return ErrCacheDisabled
	}

	if len(ids) == 0 {
		if err := os.RemoveAll(m.cfg.MessagesDir()); err != nil {
			return err
		}
		if err := m.idx.Clear(); err != nil {
			return err
		}
		if err := m.cfg.EnsureDirs(); err != nil {
			return err
		}
		if m.hot != nil {
			m.hot.Purge()
		}
		m.hits.Store(0)
		m.misses.Store(0)
		m.writes.Store(0)
		m.updates.Store(0)
		m.logger.Info("cache invalidated")
		return nil
	}

	for _, id := range ids {
		entry, ok := m.idx.Lookup(id)
		if !ok {
			continue
		}
		if err := m.store.Delete(id, entry.Bucket); err != nil {
			return err
		}
		if err := m.idx.Remove(id); err != nil {
			return err
		}
		if m.hot != nil {
			m.hot.Remove(id)
		}
	}
	m.logger.Info("invalidated records", "count", len(ids))
	return nil
}

// Cleanup deletes records whose bucket is older than maxAge from both the
// store and the index, returning the number removed. Zero maxAge means the
// configured default.
func (m *Manager) Cleanup(maxAge time.Duration) (int, error) {
	if !m.cfg.Enabled {
		return 0, ErrCacheDisabled
	}
	if maxAge <= 0 {
		maxAge = m.cfg.MaxAge
	}
	cutoff := core.DateOnly(time.Now().UTC().Add(-maxAge))

	deleted := 0
	for id, entry := range m.idx.Entries() {
		bucketDate, err := time.Parse(core.BucketFmt, entry.Bucket)
		if err != nil {
			continue
		}
		if !bucketDate.Before(cutoff) {
			continue
		}
		if err := m.store.Delete(id, entry.Bucket); err != nil {
			m.logger.Warn("cleanup failed to delete record", "id", id, "error", err)
			continue
		}
		if err := m.idx.Remove(id); err != nil {
			m.logger.Warn("cleanup failed to unindex record", "id", id, "error", err)
		}
		if m.hot != nil {
			m.hot.Remove(id)
		}
		deleted++
	}

	m.logger.Info("cleanup finished", "deleted", deleted, "max_age", maxAge)
	return deleted, nil
}

// RebuildIndexes discards and re-derives the lookup indexes from the store.
func (m *Manager) RebuildIndexes() error {
	if !m.cfg.Enabled {
		return ErrCacheDisabled
	}
	return m.idx.Rebuild()
}

// Close flushes the index maps to disk. The index already persists on every
// mutation; this is a shutdown safety net.
func (m *Manager) Close() error {
	if !m.cfg.Enabled {
		return nil
	}
	return m.idx.Flush()
}
