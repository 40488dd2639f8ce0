// Package dtype describes pixel component types and decodes their raw bytes.
package dtype

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"strings"
)

// ErrUnsupported is returned for component types the image pipeline cannot represent.
var ErrUnsupported = errors.New("unsupported component type")

// Type is a pixel component type.
type Type uint8

const (
	Invalid Type = iota
	Int8
	UInt8
	Int16
	UInt16
	Int32
	UInt32
	Int64
	UInt64
	Float32
	Float64
)

var typeNames = map[Type]string{
	Int8:    "int8",
	UInt8:   "uint8",
	Int16:   "int16",
	UInt16:  "uint16",
	Int32:   "int32",
	UInt32:  "uint32",
	Int64:   "int64",
	UInt64:  "uint64",
	Float32: "float32",
	Float64: "float64",
}

// String returns the lower-case type name.
func (t Type) String() string {
	if n, ok := typeNames[t]; ok {
		return n
	}
	return "invalid"
}

// Valid reports whether t is a known type.
func (t Type) Valid() bool {
	_, ok := typeNames[t]
	return ok
}

// Size returns the byte width of one component.
func (t Type) Size() int {
	switch t {
	case Int8, UInt8:
		return 1
	case Int16, UInt16:
		return 2
	case Int32, UInt32, Float32:
		return 4
	case Int64, UInt64, Float64:
		return 8
	}
	return 0
}

// Float reports whether t is a floating point type.
func (t Type) Float() bool { return t == Float32 || t == Float64 }

// MarshalText implements encoding.TextMarshaler.
func (t Type) MarshalText() ([]byte, error) { return []byte(t.String()), nil }

// ParseName parses names such as "uint16" or "float32".
func ParseName(s string) (Type, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for t, n := range typeNames {
		if n == s {
			return t, nil
		}
	}
	return Invalid, fmt.Errorf("%w: %q", ErrUnsupported, s)
}

// DType is a component type with its on-disk byte order.
type DType struct {
	Type      Type
	BigEndian bool
}

// ParseZarr parses a Zarr v2 typestr ("<u2", ">f4", "|u1") or a plain type name.
func ParseZarr(s string) (DType, error) {
	if len(s) >= 3 && strings.ContainsRune("<>|=", rune(s[0])) {
		order, kind, width := s[0], s[1], s[2:]
		var name string
		switch kind {
		case 'i':
			name = "int"
		case 'u':
			name = "uint"
		case 'f':
			name = "float"
		default:
			return DType{}, fmt.Errorf("%w: %q", ErrUnsupported, s)
		}
		var bits int
		switch width {
		case "1":
			bits = 8
		case "2":
			bits = 16
		case "4":
			bits = 32
		case "8":
			bits = 64
		default:
			return DType{}, fmt.Errorf("%w: %q", ErrUnsupported, s)
		}
		t, err := ParseName(fmt.Sprintf("%s%d", name, bits))
		if err != nil {
			return DType{}, fmt.Errorf("%w: %q", ErrUnsupported, s)
		}
		return DType{Type: t, BigEndian: order == '>'}, nil
	}
	t, err := ParseName(s)
	if err != nil {
		return DType{}, err
	}
	return DType{Type: t}, nil
}

// String returns the Zarr typestr.
func (d DType) String() string {
	order := byte('<')
	if d.Type.Size() == 1 {
		order = '|'
	} else if d.BigEndian {
		order = '>'
	}
	var kind byte
	switch d.Type {
	case Int8, Int16, Int32, Int64:
		kind = 'i'
	case UInt8, UInt16, UInt32, UInt64:
		kind = 'u'
	case Float32, Float64:
		kind = 'f'
	default:
		return "invalid"
	}
	return fmt.Sprintf("%c%c%d", order, kind, d.Type.Size())
}

// ValueAt decodes the little-endian component at b[0:t.Size()] as float64.
func ValueAt(t Type, b []byte) float64 {
	switch t {
	case Int8:
		return float64(int8(b[0]))
	case UInt8:
		return float64(b[0])
	case Int16:
		return float64(int16(binary.LittleEndian.Uint16(b)))
	case UInt16:
		return float64(binary.LittleEndian.Uint16(b))
	case Int32:
		return float64(int32(binary.LittleEndian.Uint32(b)))
	case UInt32:
		return float64(binary.LittleEndian.Uint32(b))
	case Int64:
		return float64(int64(binary.LittleEndian.Uint64(b)))
	case UInt64:
		return float64(binary.LittleEndian.Uint64(b))
	case Float32:
		return float64(math.Float32frombits(binary.LittleEndian.Uint32(b)))
	case Float64:
		return math.Float64frombits(binary.LittleEndian.Uint64(b))
	}
	return math.NaN()
}

// PutValue encodes v as a little-endian component of type t into b.
func PutValue(t Type, b []byte, v float64) {
	switch t {
	case Int8:
		b[0] = byte(int8(v))
	case UInt8:
		b[0] = byte(v)
	case Int16:
		binary.LittleEndian.PutUint16(b, uint16(int16(v)))
	case UInt16:
		binary.LittleEndian.PutUint16(b, uint16(v))
	case Int32:
		binary.LittleEndian.PutUint32(b, uint32(int32(v)))
	case UInt32:
		binary.LittleEndian.PutUint32(b, uint32(v))
	case Int64:
		binary.LittleEndian.PutUint64(b, uint64(int64(v)))
	case UInt64:
		binary.LittleEndian.PutUint64(b, uint64(v))
	case Float32:
		binary.LittleEndian.PutUint32(b, math.Float32bits(float32(v)))
	case Float64:
		binary.LittleEndian.PutUint64(b, math.Float64bits(v))
	}
}

// SwapBytes reverses the byte order of every size-byte element of b in place.
func SwapBytes(b []byte, size int) {
	if size <= 1 {
		return
	}
	for off := 0; off+size <= len(b); off += size {
		e := b[off : off+size]
		for i, j := 0, size-1; i < j; i, j = i+1, j-1 {
			e[i], e[j] = e[j], e[i]
		}
	}
}
