package codec

import (
	"bytes"
	"encoding/binary"
	"errors"
	"testing"

	"github.com/golang/snappy"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zlib"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func samplePayload(n int) []byte {
	out := make([]byte, n)
	for i := range out {
		out[i] = byte((i / 7) % 13)
	}
	return out
}

func TestDecodeRoundTrips(t *testing.T) {
	payload := samplePayload(4096)

	var zbuf bytes.Buffer
	zw := zlib.NewWriter(&zbuf)
	_, err := zw.Write(payload)
	require.NoError(t, err)
	require.NoError(t, zw.Close())

	var gbuf bytes.Buffer
	gw := gzip.NewWriter(&gbuf)
	_, err = gw.Write(payload)
	require.NoError(t, err)
	require.NoError(t, gw.Close())

	enc, err := zstd.NewWriter(nil)
	require.NoError(t, err)
	zst := enc.EncodeAll(payload, nil)
	require.NoError(t, enc.Close())

	block := make([]byte, lz4.CompressBlockBound(len(payload)))
	n, err := lz4.CompressBlock(payload, block, nil)
	require.NoError(t, err)
	require.Greater(t, n, 0)
	lz := make([]byte, 4+n)
	binary.LittleEndian.PutUint32(lz, uint32(len(payload)))
	copy(lz[4:], block[:n])

	for id, src := range map[string][]byte{
		"raw":  payload,
		"":     payload,
		"zlib": zbuf.Bytes(),
		"gzip": gbuf.Bytes(),
		"zstd": zst,
		"lz4":  lz,
	} {
		got, err := Decode(id, src, len(payload))
		require.NoError(t, err, id)
		assert.Equal(t, payload, got, id)
	}
}

func TestDecodeUnknown(t *testing.T) {
	_, err := Decode("lzma", []byte{1}, 0)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrUnsupported))
	assert.False(t, Supported("lzma"))
	assert.True(t, Supported("blosc"))
}

func TestDecodeSizeMismatch(t *testing.T) {
	_, err := Decode("raw", []byte{1, 2, 3}, 4)
	assert.Error(t, err)
}

// bloscFrame builds a blosc1 frame with byte shuffle and one split stream per
// byte of the element, the layout c-blosc writes for small type sizes.
func bloscFrame(t *testing.T, payload []byte, typesize, blocksize int, format byte, compress func([]byte) []byte) []byte {
	t.Helper()
	nblocks := (len(payload) + blocksize - 1) / blocksize
	leftover := len(payload) % blocksize

	var body bytes.Buffer
	starts := make([]uint32, nblocks)
	tableEnd := bloscHeaderSize + 4*nblocks
	for b := 0; b < nblocks; b++ {
		starts[b] = uint32(tableEnd + body.Len())
		end := (b + 1) * blocksize
		if end > len(payload) {
			end = len(payload)
		}
		block := payload[b*blocksize : end]
		shuffled := make([]byte, len(block))
		shuffle(typesize, block, shuffled)

		nsplits := typesize
		if b == nblocks-1 && leftover > 0 {
			nsplits = 1
		}
		neblock := len(block) / nsplits
		for s := 0; s < nsplits; s++ {
			c := compress(shuffled[s*neblock : (s+1)*neblock])
			var size [4]byte
			binary.LittleEndian.PutUint32(size[:], uint32(len(c)))
			body.Write(size[:])
			body.Write(c)
		}
	}

	frame := make([]byte, tableEnd, tableEnd+body.Len())
	frame[0] = 2
	frame[1] = 1
	frame[2] = bloscDoShuffle | format<<5
	frame[3] = byte(typesize)
	binary.LittleEndian.PutUint32(frame[4:], uint32(len(payload)))
	binary.LittleEndian.PutUint32(frame[8:], uint32(blocksize))
	binary.LittleEndian.PutUint32(frame[12:], uint32(tableEnd+body.Len()))
	for b, s := range starts {
		binary.LittleEndian.PutUint32(frame[bloscHeaderSize+4*b:], s)
	}
	return append(frame, body.Bytes()...)
}

func shuffle(typesize int, src, dst []byte) {
	n := len(src) / typesize
	for i := 0; i < n; i++ {
		for j := 0; j < typesize; j++ {
			dst[j*n+i] = src[i*typesize+j]
		}
	}
	copy(dst[n*typesize:], src[n*typesize:])
}

func uint16Payload(n int) []byte {
	out := make([]byte, 2*n)
	for i := 0; i < n; i++ {
		binary.LittleEndian.PutUint16(out[2*i:], uint16(i%300))
	}
	return out
}

func TestDecodeBloscLZ4Shuffled(t *testing.T) {
	payload := uint16Payload(3000) // 6000 bytes: two full blocks and a leftover
	frame := bloscFrame(t, payload, 2, 2048, bloscFormatLZ4, func(src []byte) []byte {
		dst := make([]byte, lz4.CompressBlockBound(len(src)))
		n, err := lz4.CompressBlock(src, dst, nil)
		require.NoError(t, err)
		if n == 0 || n >= len(src) {
			return append([]byte(nil), src...)
		}
		return dst[:n]
	})

	got, err := Decode("blosc", frame, len(payload))
	require.NoError(t, err)
	assert.Equal(t, payload, got)
}

func TestDecodeBloscSnappyAndZstd(t *testing.T) {
	payload := uint16Payload(1024)

	frame := bloscFrame(t, payload, 2, 1024, bloscFormatSnappy, func(src []byte) []byte {
		return snappy.Encode(nil, src)
	})
	got, err := DecodeBlosc(frame, 0)
	require.NoError(t, err)
	assert.Equal(t, payload, got)

	enc, err := zstd.NewWriter(nil)
	require.NoError(t, err)
	defer enc.Close()
	frame = bloscFrame(t, payload, 2, 1024, bloscFormatZstd, func(src []byte) []byte {
		return enc.EncodeAll(src, nil)
	})
	got, err = DecodeBlosc(frame, 0)
	require.NoError(t, err)
	assert.Equal(t, payload, got)
}

func TestDecodeBloscMemcpyed(t *testing.T) {
	payload := samplePayload(100)
	frame := make([]byte, bloscHeaderSize, bloscHeaderSize+len(payload))
	frame[0] = 2
	frame[2] = bloscMemcpyed
	frame[3] = 1
	binary.LittleEndian.PutUint32(frame[4:], uint32(len(payload)))
	binary.LittleEndian.PutUint32(frame[8:], uint32(len(payload)))
	binary.LittleEndian.PutUint32(frame[12:], uint32(bloscHeaderSize+len(payload)))
	frame = append(frame, payload...)

	got, err := DecodeBlosc(frame, 0)
	require.NoError(t, err)
	assert.Equal(t, payload, got)
}

func TestDecodeBloscRejectsBlosclzAndBitshuffle(t *testing.T) {
	payload := samplePayload(64)
	frame := bloscFrame(t, payload, 1, 64, bloscFormatBloscLZ, func(src []byte) []byte { return src[:len(src)-1] })
	_, err := DecodeBlosc(frame, 0)
	assert.True(t, errors.Is(err, ErrUnsupported))

	frame[2] = bloscDoBitShuffle | bloscFormatLZ4<<5
	_, err = DecodeBlosc(frame, 0)
	assert.True(t, errors.Is(err, ErrUnsupported))

	_, err = DecodeBlosc([]byte{1, 2, 3}, 0)
	assert.Error(t, err)
}
