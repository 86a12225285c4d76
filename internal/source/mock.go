package source

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/colthorp/mailcache-go/internal/mail"
)

// RequestLogEntry records a call made to the in-memory source.
type RequestLogEntry struct {
	Op    string // "list" or "fetch"
	Start time.Time
	End   time.Time
	IDs   []string
}

// InMemorySource is a lightweight simulation of the remote message API,
// sufficient for unit testing cache logic deterministically.
type InMemorySource struct {
	mu         sync.Mutex
	messages   map[string]*mail.Message
	RequestLog []RequestLogEntry

	// ListErr/FetchErr, when set, are returned by the corresponding call.
	ListErr  error
	FetchErr error
}

// NewInMemorySource creates a new in-memory source for testing.
func NewInMemorySource() *InMemorySource {
	return &InMemorySource{
		messages: make(map[string]*mail.Message),
	}
}

// Seed adds or replaces messages in the in-memory store.
func (s *InMemorySource) Seed(msgs ...*mail.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range msgs {
		s.messages[m.ID] = m.Clone()
	}
}

// Remove drops messages by id, simulating remote-side deletion.
func (s *InMemorySource) Remove(ids ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range ids {
		delete(s.messages, id)
	}
}

// RequestsMade returns the number of calls made to this source.
func (s *InMemorySource) RequestsMade() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.RequestLog)
}

// Reset clears all stored messages and recorded requests.
func (s *InMemorySource) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages = make(map[string]*mail.Message)
	s.RequestLog = nil
	s.ListErr = nil
	s.FetchErr = nil
}

// ListRange returns refs for messages with timestamps in [start, end),
// ordered by timestamp ascending.
func (s *InMemorySource) ListRange(ctx context.Context, start, end time.Time) ([]Ref, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.RequestLog = append(s.RequestLog, RequestLogEntry{Op: "list", Start: start, End: end})

	if s.ListErr != nil {
		return nil, s.ListErr
	}

	var subset []*mail.Message
	for _, m := range s.messages {
		if !m.Timestamp.Before(start) && m.Timestamp.Before(end) {
			subset = append(subset, m)
		}
	}
	sort.Slice(subset, func(i, j int) bool {
		return subset[i].Timestamp.Before(subset[j].Timestamp)
	})

	refs := make([]Ref, 0, len(subset))
	for _, m := range subset {
		refs = append(refs, Ref{ID: m.ID, Bucket: m.Bucket()})
	}
	return refs, nil
}

// FetchBatch returns clones of the requested messages. Unknown ids are
// silently omitted, matching remote behavior for deleted messages.
func (s *InMemorySource) FetchBatch(ctx context.Context, ids []string) ([]*mail.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.RequestLog = append(s.RequestLog, RequestLogEntry{Op: "fetch", IDs: append([]string(nil), ids...)})

	if s.FetchErr != nil {
		return nil, s.FetchErr
	}

	msgs := make([]*mail.Message, 0, len(ids))
	for _, id := range ids {
		if m, ok := s.messages[id]; ok {
			msgs = append(msgs, m.Clone())
		}
	}
	return msgs, nil
}
