// Package codec decompresses Zarr chunk payloads.
package codec

import (
	"bytes"
	"compress/bzip2"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zlib"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// ErrUnsupported is returned for unknown compressors and unsupported frame features.
var ErrUnsupported = errors.New("unsupported compressor")

// Decoder decompresses src. size is the expected decoded length, or 0 if unknown.
type Decoder func(src []byte, size int) ([]byte, error)

var (
	registryMu sync.RWMutex
	registry   = map[string]Decoder{
		"":      decodeRaw,
		"raw":   decodeRaw,
		"zlib":  decodeZlib,
		"gzip":  decodeGzip,
		"bz2":   decodeBzip2,
		"bzip2": decodeBzip2,
		"zstd":  decodeZstd,
		"lz4":   decodeLZ4,
		"blosc": DecodeBlosc,
	}
)

// Register adds or replaces the decoder for a compressor id.
func Register(id string, d Decoder) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[id] = d
}

// Supported reports whether id has a decoder.
func Supported(id string) bool {
	registryMu.RLock()
	defer registryMu.RUnlock()
	_, ok := registry[id]
	return ok
}

// Decode decompresses src with the decoder registered for id.
func Decode(id string, src []byte, size int) ([]byte, error) {
	registryMu.RLock()
	d, ok := registry[id]
	registryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnsupported, id)
	}
	out, err := d(src, size)
	if err != nil {
		return nil, fmt.Errorf("%s decompress failed: %w", id, err)
	}
	if size > 0 && len(out) != size {
		return nil, fmt.Errorf("%s decompress: got %d bytes, want %d", id, len(out), size)
	}
	return out, nil
}

func decodeRaw(src []byte, _ int) ([]byte, error) {
	return src, nil
}

func readAll(r io.Reader, size int) ([]byte, error) {
	buf := bytes.NewBuffer(make([]byte, 0, size))
	if _, err := io.Copy(buf, r); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeZlib(src []byte, size int) ([]byte, error) {
	r, err := zlib.NewReader(bytes.NewReader(src))
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return readAll(r, size)
}

func decodeGzip(src []byte, size int) ([]byte, error) {
	r, err := gzip.NewReader(bytes.NewReader(src))
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return readAll(r, size)
}

func decodeBzip2(src []byte, size int) ([]byte, error) {
	return readAll(bzip2.NewReader(bytes.NewReader(src)), size)
}

var (
	zstdOnce    sync.Once
	zstdDecoder *zstd.Decoder
	zstdErr     error
)

func decodeZstd(src []byte, size int) ([]byte, error) {
	zstdOnce.Do(func() {
		zstdDecoder, zstdErr = zstd.NewReader(nil)
	})
	if zstdErr != nil {
		return nil, fmt.Errorf("failed to create zstd decoder: %w", zstdErr)
	}
	return zstdDecoder.DecodeAll(src, make([]byte, 0, size))
}

// decodeLZ4 reads the numcodecs LZ4 layout: a little-endian uint32 decoded
// length followed by one LZ4 block.
func decodeLZ4(src []byte, _ int) ([]byte, error) {
	if len(src) < 4 {
		return nil, fmt.Errorf("lz4 payload too short: %d bytes", len(src))
	}
	n := int(binary.LittleEndian.Uint32(src))
	dst := make([]byte, n)
	if n == 0 {
		return dst, nil
	}
	got, err := lz4.UncompressBlock(src[4:], dst)
	if err != nil {
		return nil, err
	}
	return dst[:got], nil
}
