package dims

import "fmt"

// Range is an inclusive [Min, Max] index interval.
type Range struct {
	Min int
	Max int
}

// Len returns the number of indices covered.
func (r Range) Len() int { return r.Max - r.Min + 1 }

// Contains reports whether o lies within r.
func (r Range) Contains(o Range) bool {
	return r.Min <= o.Min && o.Max <= r.Max
}

// MarshalJSON encodes the range as [min, max].
func (r Range) MarshalJSON() ([]byte, error) {
	return []byte(fmt.Sprintf("[%d,%d]", r.Min, r.Max)), nil
}

// Bounds holds an inclusive index range per dimension.
type Bounds = Map[Range]

// Contains reports whether inner lies within outer in every dimension of outer.
// A dimension of outer missing from inner is an error.
func Contains(outer, inner Bounds) (bool, error) {
	for _, d := range outer.order {
		in, err := inner.Lookup(d)
		if err != nil {
			return false, err
		}
		if !outer.values[d].Contains(in) {
			return false, nil
		}
	}
	return true, nil
}

// Shape returns the extent (Max-Min+1) of every dimension of b.
func Shape(b Bounds) Map[int] {
	var out Map[int]
	b.Each(func(d Dimension, r Range) {
		out.Set(d, r.Len())
	})
	return out
}
