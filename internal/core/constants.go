// Package core provides shared constants and date utilities for mailcache.
package core

import (
	"os"
	"path/filepath"
)

// API configuration
const (
	APIBaseURL   = "https://api.mailbox.dev"
	APIVersion   = "v1"
	APIKeyEnvVar = "MAILCACHE_API_KEY"
	DefaultTZ    = "UTC"
)

// Date formats
const (
	DateFmt     = "2006-01-02"
	DatetimeFmt = "2006-01-02 15:04:05"
)

// BucketFmt is the layout of record bucket keys. Buckets are one calendar
// day wide; directory placement and range queries both key off this format.
const BucketFmt = DateFmt

// Pagination
const (
	PageLimit = 100
)

// CacheRoot returns the default cache directory path.
func CacheRoot() string {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	return filepath.Join(home, ".mailcache", "cache")
}

// Version is the current CLI version.
const Version = "0.3.0"
