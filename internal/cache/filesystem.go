package cache

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/colthorp/mailcache-go/internal/codec"
	"github.com/colthorp/mailcache-go/internal/core"
)

// FileStore stores one record file per message under bucket directories.
type FileStore struct {
	dir   string
	codec codec.Codec
}

// NewFileStore creates a filesystem-backed record store from the config.
func NewFileStore(cfg Config) *FileStore {
	return &FileStore{
		dir:   cfg.MessagesDir(),
		codec: cfg.Codec(),
	}
}

// Path returns the canonical file path for (id, bucket).
func (s *FileStore) Path(id, bucket string) string {
	return filepath.Join(s.dir, bucket, id+s.codec.Ext())
}

// altCodec returns the codec this store is not configured with. Load falls
// back to it so flipping compression on or off does not orphan old files.
func (s *FileStore) altCodec() codec.Codec {
	if s.codec.Name() == (codec.Zstd{}).Name() {
		return codec.JSON{}
	}
	return codec.Zstd{}
}

// Save persists the record atomically using temp file + rename.
// The record must carry a decoded message at the current schema shape.
func (s *FileStore) Save(rec *Record) error {
	if rec.Msg == nil {
		return fmt.Errorf("save: record %v has no decoded message", rec)
	}

	payload, err := json.Marshal(rec.Msg)
	if err != nil {
		return fmt.Errorf("save %s: %w", rec.Msg.ID, err)
	}
	env := storedRecord{
		SchemaVersion: rec.SchemaVersion,
		CachedAt:      rec.CachedAt,
		UpdatedAt:     rec.UpdatedAt,
		Payload:       payload,
	}
	data, err := s.codec.Marshal(env)
	if err != nil {
		return fmt.Errorf("save %s: %w", rec.Msg.ID, err)
	}

	bucket := rec.Bucket()
	path := s.Path(rec.Msg.ID, bucket)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}

	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0o644); err != nil {
		return err
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return err
	}

	// Drop a sibling written under the other codec's extension, so the id
	// never exists twice in one bucket.
	alt := filepath.Join(s.dir, bucket, rec.Msg.ID+s.altCodec().Ext())
	os.Remove(alt)

	return nil
}

// Load reads and decodes the record for (id, bucket).
func (s *FileStore) Load(id, bucket string) (*Record, error) {
	c := s.codec
	path := s.Path(id, bucket)

	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		// Fall back to a file written under the other codec.
		c = s.altCodec()
		path = filepath.Join(s.dir, bucket, id+c.Ext())
		data, err = os.ReadFile(path)
	}
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, err
	}

	var env storedRecord
	if err := c.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrCorrupt, path, err)
	}
	if env.SchemaVersion <= 0 || len(env.Payload) == 0 {
		return nil, fmt.Errorf("%w: %s: empty envelope", ErrCorrupt, path)
	}

	return &Record{
		SchemaVersion: env.SchemaVersion,
		CachedAt:      env.CachedAt,
		UpdatedAt:     env.UpdatedAt,
		Raw:           env.Payload,
	}, nil
}

// Delete removes the record file for (id, bucket). No-op when absent.
func (s *FileStore) Delete(id, bucket string) error {
	for _, c := range []codec.Codec{s.codec, s.altCodec()} {
		path := filepath.Join(s.dir, bucket, id+c.Ext())
		if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return err
		}
	}
	// Remove the bucket directory if this was its last record.
	os.Remove(filepath.Join(s.dir, bucket))
	return nil
}

// Walk enumerates stored records, parsing bucket keys from directory names
// and ids from file names.
func (s *FileStore) Walk(fn func(id, bucket, path string) error) error {
	bucketDirs, err := os.ReadDir(s.dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return err
	}

	for _, bucketDir := range bucketDirs {
		if !bucketDir.IsDir() {
			continue
		}
		bucket := bucketDir.Name()
		if _, err := time.Parse(core.BucketFmt, bucket); err != nil {
			continue
		}

		files, err := os.ReadDir(filepath.Join(s.dir, bucket))
		if err != nil {
			continue
		}
		for _, file := range files {
			id, ok := recordID(file.Name())
			if !ok {
				continue
			}
			if err := fn(id, bucket, filepath.Join(s.dir, bucket, file.Name())); err != nil {
				return err
			}
		}
	}
	return nil
}

// Stats reports file, bucket, and byte counts via directory traversal.
func (s *FileStore) Stats() (StoreStats, error) {
	var stats StoreStats
	buckets := make(map[string]struct{})

	err := s.Walk(func(id, bucket, path string) error {
		info, err := os.Stat(path)
		if err != nil {
			return nil
		}
		stats.FileCount++
		stats.TotalBytes += info.Size()
		buckets[bucket] = struct{}{}
		return nil
	})
	stats.BucketCount = len(buckets)
	return stats, err
}

// recordID strips a known record extension from a file name, returning false
// for temp files and anything else that is not a record.
func recordID(name string) (string, bool) {
	for _, ext := range []string{(codec.Zstd{}).Ext(), (codec.JSON{}).Ext()} {
		if strings.HasSuffix(name, ext) {
			return strings.TrimSuffix(name, ext), true
		}
	}
	return "", false
}
