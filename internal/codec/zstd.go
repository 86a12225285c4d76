package codec

import (
	"encoding/json"
	"fmt"

	"github.com/klauspost/compress/zstd"
)

var (
	zstdEnc *zstd.Encoder
	zstdDec *zstd.Decoder
)

func init() {
	// EncodeAll/DecodeAll on shared instances are safe for concurrent use.
	zstdEnc, _ = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	zstdDec, _ = zstd.NewReader(nil)
}

// Zstd is a JSON codec with zstd compression applied to the encoded bytes.
// Worth enabling when large message bodies are cached; metadata-only caches
// gain little.
type Zstd struct{}

// Marshal encodes the value to JSON and compresses it.
func (Zstd) Marshal(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return zstdEnc.EncodeAll(data, make([]byte, 0, len(data)/2)), nil
}

// Unmarshal decompresses the data and decodes the JSON into v.
func (Zstd) Unmarshal(data []byte, v any) error {
	plain, err := zstdDec.DecodeAll(data, nil)
	if err != nil {
		return fmt.Errorf("zstd decode: %w", err)
	}
	return json.Unmarshal(plain, v)
}

// Name returns the unique name of the codec ("json-zstd").
func (Zstd) Name() string { return "json-zstd" }

// Ext returns ".json.zst".
func (Zstd) Ext() string { return ".json.zst" }
