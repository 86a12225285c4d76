// Package codec centralizes record and index serialization.
//
// The cache treats codec selection as a durable-format boundary: record files
// carry the codec's file extension, so switching codecs changes which files a
// store reads and writes. A store configured with one codec still falls back
// to reading files written by the other for migration tolerance.
package codec

// Codec encodes/decodes values.
// Implementations must be safe for concurrent use.
type Codec interface {
	Marshal(v any) ([]byte, error)
	Unmarshal(data []byte, v any) error
	Name() string
	// Ext is the file extension (including the leading dot) used for files
	// written with this codec.
	Ext() string
}

// ByName returns a built-in codec by its stable name.
func ByName(name string) (Codec, bool) {
	switch name {
	case "json":
		return JSON{}, true
	case "json-zstd":
		return Zstd{}, true
	default:
		return nil, false
	}
}

// Default is the codec used when the cache config does not enable compression.
var Default Codec = JSON{}
