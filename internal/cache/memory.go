package cache

import (
	"fmt"
	"strings"
	"sync"
)

// MemoryStore is an in-memory record store for testing.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]*Record // key: bucket/id

	// FailSave, when set, makes Save return this error. Used to exercise
	// the best-effort persistence path.
	FailSave error
}

// NewMemoryStore creates a new in-memory record store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records: make(map[string]*Record),
	}
}

func memKey(id, bucket string) string {
	return bucket + "/" + id
}

// Path returns a synthetic path for the given record.
func (s *MemoryStore) Path(id, bucket string) string {
	return memKey(id, bucket) + ".json"
}

// Save stores a copy of the record.
func (s *MemoryStore) Save(rec *Record) error {
	if rec.Msg == nil {
		return fmt.Errorf("save: record has no decoded message")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailSave != nil {
		return s.FailSave
	}

	cp := *rec
	cp.Msg = rec.Msg.Clone()
	s.records[memKey(rec.Msg.ID, rec.Bucket())] = &cp
	return nil
}

// Load returns a copy of the stored record or ErrNotFound.
func (s *MemoryStore) Load(id, bucket string) (*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.records[memKey(id, bucket)]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *rec
	cp.Msg = rec.Msg.Clone()
	return &cp, nil
}

// Delete removes the record; absent records are not an error.
func (s *MemoryStore) Delete(id, bucket string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, memKey(id, bucket))
	return nil
}

// Walk enumerates stored records.
func (s *MemoryStore) Walk(fn func(id, bucket, path string) error) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for key := range s.records {
		bucket, id, _ := strings.Cut(key, "/")
		if err := fn(id, bucket, key+".json"); err != nil {
			return err
		}
	}
	return nil
}

// Stats reports record and bucket counts.
func (s *MemoryStore) Stats() (StoreStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	buckets := make(map[string]struct{})
	for key := range s.records {
		bucket, _, _ := strings.Cut(key, "/")
		buckets[bucket] = struct{}{}
	}
	return StoreStats{
		FileCount:   len(s.records),
		BucketCount: len(buckets),
	}, nil
}

// Seed inserts a record under an explicit (id, bucket) without going through
// Save, allowing tests to plant old-schema records that only carry Raw.
func (s *MemoryStore) Seed(id, bucket string, rec *Record) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *rec
	if rec.Msg != nil {
		cp.Msg = rec.Msg.Clone()
	}
	s.records[memKey(id, bucket)] = &cp
}

// Reset clears all records (for testing).
func (s *MemoryStore) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = make(map[string]*Record)
}
