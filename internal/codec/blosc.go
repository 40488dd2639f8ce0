package codec

import (
	"encoding/binary"
	"fmt"

	"github.com/golang/snappy"
	"github.com/pierrec/lz4/v4"
)

const (
	bloscHeaderSize = 16

	bloscDoShuffle    = 0x01
	bloscMemcpyed     = 0x02
	bloscDoBitShuffle = 0x04
	bloscDontSplit    = 0x10

	bloscFormatBloscLZ = 0
	bloscFormatLZ4     = 1
	bloscFormatSnappy  = 2
	bloscFormatZlib    = 3
	bloscFormatZstd    = 4
)

type bloscHeader struct {
	flags     byte
	typesize  int
	nbytes    int
	blocksize int
	cbytes    int
}

func parseBloscHeader(src []byte) (bloscHeader, error) {
	if len(src) < bloscHeaderSize {
		return bloscHeader{}, fmt.Errorf("blosc frame too short: %d bytes", len(src))
	}
	h := bloscHeader{
		flags:     src[2],
		typesize:  int(src[3]),
		nbytes:    int(binary.LittleEndian.Uint32(src[4:])),
		blocksize: int(binary.LittleEndian.Uint32(src[8:])),
		cbytes:    int(binary.LittleEndian.Uint32(src[12:])),
	}
	if h.typesize < 1 {
		h.typesize = 1
	}
	if h.cbytes > len(src) {
		return h, fmt.Errorf("blosc frame truncated: header says %d bytes, have %d", h.cbytes, len(src))
	}
	if h.nbytes > 0 && h.blocksize <= 0 {
		return h, fmt.Errorf("blosc frame has invalid block size %d", h.blocksize)
	}
	return h, nil
}

// DecodeBlosc decodes a blosc1 frame: a 16-byte header, a table of block
// offsets and per-block split streams compressed with lz4, snappy, zlib or zstd.
func DecodeBlosc(src []byte, _ int) ([]byte, error) {
	h, err := parseBloscHeader(src)
	if err != nil {
		return nil, err
	}
	dst := make([]byte, h.nbytes)
	if h.flags&bloscMemcpyed != 0 {
		if len(src) < bloscHeaderSize+h.nbytes {
			return nil, fmt.Errorf("blosc memcpyed frame truncated")
		}
		copy(dst, src[bloscHeaderSize:bloscHeaderSize+h.nbytes])
		return dst, nil
	}
	if h.flags&bloscDoBitShuffle != 0 {
		return nil, fmt.Errorf("%w: blosc bit-shuffle", ErrUnsupported)
	}
	if h.nbytes == 0 {
		return dst, nil
	}

	format := h.flags >> 5
	inner, err := bloscInnerDecoder(format)
	if err != nil {
		return nil, err
	}

	nblocks := (h.nbytes + h.blocksize - 1) / h.blocksize
	leftover := h.nbytes % h.blocksize
	starts := src[bloscHeaderSize:]
	if len(starts) < nblocks*4 {
		return nil, fmt.Errorf("blosc block table truncated")
	}

	tmp := make([]byte, h.blocksize)
	for b := 0; b < nblocks; b++ {
		bsize := h.blocksize
		lastLeftover := b == nblocks-1 && leftover > 0
		if lastLeftover {
			bsize = leftover
		}
		start := int(binary.LittleEndian.Uint32(starts[b*4:]))
		if start < 0 || start > len(src) {
			return nil, fmt.Errorf("blosc block %d starts outside the frame", b)
		}

		nsplits := 1
		if h.flags&bloscDontSplit == 0 && !lastLeftover && h.typesize > 1 && bsize%h.typesize == 0 {
			nsplits = h.typesize
		}
		neblock := bsize / nsplits

		out := dst[b*h.blocksize : b*h.blocksize+bsize]
		target := out
		if h.flags&bloscDoShuffle != 0 {
			target = tmp[:bsize]
		}

		pos := start
		for s := 0; s < nsplits; s++ {
			if pos+4 > len(src) {
				return nil, fmt.Errorf("blosc block %d split %d truncated", b, s)
			}
			csize := int(int32(binary.LittleEndian.Uint32(src[pos:])))
			pos += 4
			if csize < 0 || pos+csize > len(src) {
				return nil, fmt.Errorf("blosc block %d split %d has invalid size %d", b, s, csize)
			}
			part := target[s*neblock : (s+1)*neblock]
			if csize == neblock {
				copy(part, src[pos:pos+csize])
			} else if err := inner(src[pos:pos+csize], part); err != nil {
				return nil, fmt.Errorf("blosc block %d split %d: %w", b, s, err)
			}
			pos += csize
		}

		if h.flags&bloscDoShuffle != 0 {
			unshuffle(h.typesize, target, out)
		}
	}
	return dst, nil
}

// bloscInnerDecoder returns a function decoding exactly len(dst) bytes into dst.
func bloscInnerDecoder(format byte) (func(src, dst []byte) error, error) {
	switch format {
	case bloscFormatLZ4:
		return func(src, dst []byte) error {
			n, err := lz4.UncompressBlock(src, dst)
			if err != nil {
				return err
			}
			if n != len(dst) {
				return fmt.Errorf("lz4 produced %d bytes, want %d", n, len(dst))
			}
			return nil
		}, nil
	case bloscFormatSnappy:
		return func(src, dst []byte) error {
			out, err := snappy.Decode(nil, src)
			if err != nil {
				return err
			}
			return copyExact(dst, out)
		}, nil
	case bloscFormatZlib:
		return func(src, dst []byte) error {
			out, err := decodeZlib(src, len(dst))
			if err != nil {
				return err
			}
			return copyExact(dst, out)
		}, nil
	case bloscFormatZstd:
		return func(src, dst []byte) error {
			out, err := decodeZstd(src, len(dst))
			if err != nil {
				return err
			}
			return copyExact(dst, out)
		}, nil
	case bloscFormatBloscLZ:
		return nil, fmt.Errorf("%w: blosc blosclz", ErrUnsupported)
	}
	return nil, fmt.Errorf("%w: blosc format %d", ErrUnsupported, format)
}

func copyExact(dst, src []byte) error {
	if len(src) != len(dst) {
		return fmt.Errorf("decoded %d bytes, want %d", len(src), len(dst))
	}
	copy(dst, src)
	return nil
}

// unshuffle reverses the blosc byte shuffle: src holds byte j of every element
// contiguously for each j; trailing bytes that do not fill an element are copied.
func unshuffle(typesize int, src, dst []byte) {
	n := len(src) / typesize
	for i := 0; i < n; i++ {
		for j := 0; j < typesize; j++ {
			dst[i*typesize+j] = src[j*n+i]
		}
	}
	copy(dst[n*typesize:], src[n*typesize:])
}
