// Package archive moves quiescent machine histories out of the active
// event log into a compressed archive table and restores them on demand.
//
// Blobs are zlib streams (2-byte header, DEFLATE body, Adler-32 trailer).
// Histories whose serialized form is below the configured threshold are
// stored as raw JSON; readers detect which form they are holding by
// validating the zlib header, so both forms stay readable forever.
package archive

import (
	"bytes"
	"compress/zlib"
	"fmt"
	"io"
)

const (
	// MinLevel and MaxLevel bound the accepted zlib compression levels.
	// Level 0 produces a valid zlib stream with stored blocks.
	MinLevel = 0
	MaxLevel = 9

	// DefaultLevel balances ratio and speed for JSON event histories.
	DefaultLevel = 6

	// DefaultThreshold is the serialized size below which compression
	// is skipped and the blob is stored as raw JSON.
	DefaultThreshold = 1000
)

// Compress wraps data in a zlib stream at the given level.
func Compress(data []byte, level int) ([]byte, error) {
	if level < MinLevel || level > MaxLevel {
		return nil, fmt.Errorf("archive: compression level %d out of range [%d, %d]", level, MinLevel, MaxLevel)
	}
	var buf bytes.Buffer
	w, err := zlib.NewWriterLevel(&buf, level)
	if err != nil {
		return nil, fmt.Errorf("failed to create compressor: %w", err)
	}
	if _, err := w.Write(data); err != nil {
		w.Close()
		return nil, fmt.Errorf("failed to compress: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("failed to finish compression: %w", err)
	}
	return buf.Bytes(), nil
}

// Decompress inflates a zlib stream, verifying the Adler-32 trailer.
func Decompress(data []byte) ([]byte, error) {
	r, err := zlib.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to open compressed blob: %w", err)
	}
	defer r.Close()
	out, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to decompress: %w", err)
	}
	return out, nil
}

// HasZlibHeader reports whether data starts with a valid zlib header:
// low nibble of CMF is 8 (DEFLATE), high bit of CMF is clear, and the
// CMF+FLG pair is a multiple of 31.
func HasZlibHeader(data []byte) bool {
	if len(data) < 2 {
		return false
	}
	cmf := data[0]
	if cmf&0x0f != 8 || cmf&0x80 != 0 {
		return false
	}
	return (uint32(cmf)<<8|uint32(data[1]))%31 == 0
}

// EncodeBlob prepares serialized history for storage: raw passthrough
// below threshold, zlib otherwise.
func EncodeBlob(data []byte, level, threshold int) ([]byte, error) {
	if len(data) < threshold {
		return data, nil
	}
	return Compress(data, level)
}

// DecodeBlob returns the serialized history regardless of which form the
// blob was stored in.
func DecodeBlob(data []byte) ([]byte, error) {
	if HasZlibHeader(data) {
		return Decompress(data)
	}
	return data, nil
}
