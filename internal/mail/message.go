// Package mail defines the message model shared by the cache and the remote
// source client.
package mail

import (
	"time"

	"github.com/colthorp/mailcache-go/internal/core"
)

// Message is one mail record as returned by the remote API and as cached on
// disk (current schema shape).
//
// ID is globally unique and never reused for a different logical message.
// Timestamp drives the bucket key used for directory placement and range
// queries; if the remote reports a changed timestamp the record is re-bucketed
// by the cache, never duplicated.
type Message struct {
	ID             string    `json:"message_id"`
	ThreadID       string    `json:"thread_id"`
	SenderEmail    string    `json:"sender_email"`
	SenderName     string    `json:"sender_name"`
	RecipientEmail string    `json:"recipient_email"`
	Subject        string    `json:"subject"`
	Snippet        string    `json:"snippet"`
	Timestamp      time.Time `json:"timestamp"`
	SizeBytes      int64     `json:"size_bytes"`
	Labels         []string  `json:"labels"`
	HasAttachments bool      `json:"has_attachments"`
	IsRead         bool      `json:"is_read"`
	IsStarred      bool      `json:"is_starred"`
	IsImportant    bool      `json:"is_important"`

	// Body is the full text content. Expensive to refetch; the cache keeps
	// a previously stored body when a metadata-only refresh omits it.
	Body string `json:"text_content,omitempty"`
}

// Bucket returns the bucket key derived from the message timestamp.
func (m *Message) Bucket() string {
	return m.Timestamp.UTC().Format(core.BucketFmt)
}

// Clone returns a deep copy of the message.
func (m *Message) Clone() *Message {
	if m == nil {
		return nil
	}
	cp := *m
	if m.Labels != nil {
		cp.Labels = append([]string(nil), m.Labels...)
	}
	return &cp
}
