// Package dims defines the dimension tags of a spatial image and the
// tag-addressed containers used everywhere in place of positional arrays.
package dims

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Dimension is one of the closed set of image dimension tags.
type Dimension uint8

const (
	C Dimension = iota // component / channel
	X
	Y
	Z
	T // time
)

const count = 5

var names = [count]string{"c", "x", "y", "z", "t"}

var (
	// CXYZT is the canonical order of every dimension tag.
	CXYZT = []Dimension{C, X, Y, Z, T}
	// XYZ lists the spatial dimensions.
	XYZ = []Dimension{X, Y, Z}
)

// ErrMissingDimension is returned when a lookup names a tag the container does not hold.
var ErrMissingDimension = errors.New("dimension not found")

// String returns the lower-case tag name.
func (d Dimension) String() string {
	if int(d) < count {
		return names[d]
	}
	return fmt.Sprintf("Dimension(%d)", uint8(d))
}

// Valid reports whether d is one of the known tags.
func (d Dimension) Valid() bool { return int(d) < count }

// Spatial reports whether d is x, y or z.
func (d Dimension) Spatial() bool { return d == X || d == Y || d == Z }

// MarshalText implements encoding.TextMarshaler.
func (d Dimension) MarshalText() ([]byte, error) {
	if !d.Valid() {
		return nil, fmt.Errorf("invalid dimension %d", uint8(d))
	}
	return []byte(d.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Dimension) UnmarshalText(text []byte) error {
	v, err := Parse(string(text))
	if err != nil {
		return err
	}
	*d = v
	return nil
}

// Parse converts a tag name (case-insensitive) into a Dimension.
func Parse(s string) (Dimension, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "c":
		return C, nil
	case "x":
		return X, nil
	case "y":
		return Y, nil
	case "z":
		return Z, nil
	case "t":
		return T, nil
	}
	return 0, fmt.Errorf("unknown dimension %q", s)
}

// ParseAll parses a list of tag names, rejecting duplicates.
func ParseAll(ss []string) ([]Dimension, error) {
	out := make([]Dimension, 0, len(ss))
	var seen [count]bool
	for _, s := range ss {
		d, err := Parse(s)
		if err != nil {
			return nil, err
		}
		if seen[d] {
			return nil, fmt.Errorf("duplicate dimension %q", s)
		}
		seen[d] = true
		out = append(out, d)
	}
	return out, nil
}

// IndexOf returns the position of d in order, or -1.
func IndexOf(order []Dimension, d Dimension) int {
	for i, v := range order {
		if v == d {
			return i
		}
	}
	return -1
}

// Map is an insertion-ordered map keyed by Dimension. The zero value is an empty map.
type Map[V any] struct {
	order  []Dimension
	values [count]V
	set    [count]bool
}

// FromSlices pairs dims with values (toDimensionMap).
func FromSlices[V any](order []Dimension, values []V) (Map[V], error) {
	var m Map[V]
	if len(order) != len(values) {
		return m, fmt.Errorf("dimension count %d does not match value count %d", len(order), len(values))
	}
	for i, d := range order {
		if !d.Valid() {
			return m, fmt.Errorf("invalid dimension %d", uint8(d))
		}
		if m.set[d] {
			return m, fmt.Errorf("duplicate dimension %s", d)
		}
		m.Set(d, values[i])
	}
	return m, nil
}

// Get returns the value for d and whether it is present.
func (m Map[V]) Get(d Dimension) (V, bool) {
	if !d.Valid() || !m.set[d] {
		var zero V
		return zero, false
	}
	return m.values[d], true
}

// GetOr returns the value for d or def when absent.
func (m Map[V]) GetOr(d Dimension, def V) V {
	if v, ok := m.Get(d); ok {
		return v
	}
	return def
}

// Lookup returns the value for d or an error naming the missing tag.
func (m Map[V]) Lookup(d Dimension) (V, error) {
	v, ok := m.Get(d)
	if !ok {
		return v, fmt.Errorf("%w: %s (have %s)", ErrMissingDimension, d, m.describe())
	}
	return v, nil
}

// Has reports whether d is present.
func (m Map[V]) Has(d Dimension) bool {
	return d.Valid() && m.set[d]
}

// Set stores v under d. New tags are appended to the order.
func (m *Map[V]) Set(d Dimension, v V) {
	if !d.Valid() {
		return
	}
	if !m.set[d] {
		// full slice expression so copies of m never share the appended tail
		m.order = append(m.order[:len(m.order):len(m.order)], d)
		m.set[d] = true
	}
	m.values[d] = v
}

// Dims returns the tags in insertion order.
func (m Map[V]) Dims() []Dimension {
	out := make([]Dimension, len(m.order))
	copy(out, m.order)
	return out
}

// Len returns the number of tags present.
func (m Map[V]) Len() int { return len(m.order) }

// Clone returns an independent copy.
func (m Map[V]) Clone() Map[V] {
	c := m
	c.order = m.Dims()
	return c
}

// Each calls fn for every entry in order.
func (m Map[V]) Each(fn func(Dimension, V)) {
	for _, d := range m.order {
		fn(d, m.values[d])
	}
}

// WithDefaults returns a copy in which every tag of want is present,
// missing ones set to def.
func (m Map[V]) WithDefaults(def V, want []Dimension) Map[V] {
	c := m.Clone()
	for _, d := range want {
		if !c.Has(d) {
			c.Set(d, def)
		}
	}
	return c
}

// OrderBy projects m onto want, in that order. A tag of want missing from m is an error.
func (m Map[V]) OrderBy(want []Dimension) (Map[V], error) {
	var out Map[V]
	for _, d := range want {
		v, err := m.Lookup(d)
		if err != nil {
			return Map[V]{}, err
		}
		out.Set(d, v)
	}
	return out, nil
}

// Values returns the values of want in order, failing on a missing tag.
func (m Map[V]) Values(want []Dimension) ([]V, error) {
	out := make([]V, 0, len(want))
	for _, d := range want {
		v, err := m.Lookup(d)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

func (m Map[V]) describe() string {
	if len(m.order) == 0 {
		return "none"
	}
	parts := make([]string, len(m.order))
	for i, d := range m.order {
		parts[i] = d.String()
	}
	return strings.Join(parts, ",")
}

// String formats the map as {x:1 y:2}.
func (m Map[V]) String() string {
	var b strings.Builder
	b.WriteByte('{')
	for i, d := range m.order {
		if i > 0 {
			b.WriteByte(' ')
		}
		fmt.Fprintf(&b, "%s:%v", d, m.values[d])
	}
	b.WriteByte('}')
	return b.String()
}

// MarshalJSON encodes the map as a JSON object keyed by tag name, in order.
func (m Map[V]) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, d := range m.order {
		if i > 0 {
			buf.WriteByte(',')
		}
		fmt.Fprintf(&buf, "%q:", d.String())
		v, err := json.Marshal(m.values[d])
		if err != nil {
			return nil, err
		}
		buf.Write(v)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}
