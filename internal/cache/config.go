package cache

import (
	"os"
	"path/filepath"
	"time"

	"github.com/colthorp/mailcache-go/internal/codec"
	"github.com/colthorp/mailcache-go/internal/core"
)

// Config holds the cache settings. It is a plain value supplied by the CLI
// layer; the cache only reads it.
type Config struct {
	// RootDir is the directory owned by this cache. Record files live under
	// RootDir/messages/<bucket>/, index files under RootDir/metadata/.
	RootDir string

	// MaxAge is the default retention used by Cleanup when no explicit age
	// is given.
	MaxAge time.Duration

	// SchemaVersion is the current record schema version. Stored records
	// with older versions are upgraded on load.
	SchemaVersion int

	// Enabled toggles the cache. When false, Get bypasses disk entirely and
	// fetches directly from the remote source.
	Enabled bool

	// Compress stores record files zstd-compressed. Index files are always
	// plain JSON.
	Compress bool

	// HotCacheSize bounds the in-process LRU of recently touched records.
	// Zero disables the hot cache.
	HotCacheSize int
}

// DefaultConfig returns the default cache configuration rooted at dir.
// If dir is empty, the user cache root is used.
func DefaultConfig(dir string) Config {
	if dir == "" {
		dir = core.CacheRoot()
	}
	return Config{
		RootDir:       dir,
		MaxAge:        30 * 24 * time.Hour,
		SchemaVersion: CurrentSchemaVersion,
		Enabled:       true,
		HotCacheSize:  512,
	}
}

// MessagesDir returns the directory holding bucket subdirectories.
func (c Config) MessagesDir() string {
	return filepath.Join(c.RootDir, "messages")
}

// MetadataDir returns the directory holding index and marker files.
func (c Config) MetadataDir() string {
	return filepath.Join(c.RootDir, "metadata")
}

// IndexPath returns the path of a named index file.
func (c Config) IndexPath(name string) string {
	return filepath.Join(c.MetadataDir(), name+".json")
}

// Codec resolves the record codec implied by the config through the codec
// registry.
func (c Config) Codec() codec.Codec {
	name := "json"
	if c.Compress {
		name = "json-zstd"
	}
	if cdc, ok := codec.ByName(name); ok {
		return cdc
	}
	return codec.Default
}

// EnsureDirs creates the cache directory tree if absent.
func (c Config) EnsureDirs() error {
	if err := os.MkdirAll(c.MessagesDir(), 0o755); err != nil {
		return err
	}
	return os.MkdirAll(c.MetadataDir(), 0o755)
}
