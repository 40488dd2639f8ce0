// Package geom implements the affine index<->world mapping of a spatial image
// and axis-aligned world bounding boxes.
package geom

import (
	"errors"
	"fmt"

	"gonum.org/v1/gonum/mat"
)

// ErrSingular is returned when an affine matrix has no inverse.
var ErrSingular = errors.New("matrix is singular")

// Vec3 is a point in three dimensions.
type Vec3 [3]float64

// Mat4 is a row-major 4x4 affine matrix.
type Mat4 [16]float64

// Identity returns the identity matrix.
func Identity() Mat4 {
	return Mat4{
		1, 0, 0, 0,
		0, 1, 0, 0,
		0, 0, 1, 0,
		0, 0, 0, 1,
	}
}

// At returns the element at row r, column c.
func (m Mat4) At(r, c int) float64 { return m[r*4+c] }

// Apply transforms p as a point (w = 1).
func (m Mat4) Apply(p Vec3) Vec3 {
	var out Vec3
	for r := 0; r < 3; r++ {
		out[r] = m[r*4]*p[0] + m[r*4+1]*p[1] + m[r*4+2]*p[2] + m[r*4+3]
	}
	w := m[12]*p[0] + m[13]*p[1] + m[14]*p[2] + m[15]
	if w != 1 && w != 0 {
		for i := range out {
			out[i] /= w
		}
	}
	return out
}

// Mul returns m·n.
func (m Mat4) Mul(n Mat4) Mat4 {
	var out Mat4
	for r := 0; r < 4; r++ {
		for c := 0; c < 4; c++ {
			var s float64
			for k := 0; k < 4; k++ {
				s += m[r*4+k] * n[k*4+c]
			}
			out[r*4+c] = s
		}
	}
	return out
}

// Invert returns the inverse of m.
func (m Mat4) Invert() (Mat4, error) {
	a := mat.NewDense(4, 4, m[:])
	if mat.Det(a) == 0 {
		return Mat4{}, ErrSingular
	}
	var inv mat.Dense
	if err := inv.Inverse(a); err != nil {
		return Mat4{}, fmt.Errorf("%w: %v", ErrSingular, err)
	}
	var out Mat4
	for r := 0; r < 4; r++ {
		for c := 0; c < 4; c++ {
			out[r*4+c] = inv.At(r, c)
		}
	}
	return out, nil
}

// Ensure3DDirection pads a row-major 1x1 or 2x2 direction matrix to 3x3 with a
// unit z axis. A 3x3 matrix is returned as a copy.
func Ensure3DDirection(direction []float64) ([9]float64, error) {
	var d [9]float64
	switch len(direction) {
	case 9:
		copy(d[:], direction)
	case 4:
		d = [9]float64{
			direction[0], direction[1], 0,
			direction[2], direction[3], 0,
			0, 0, 1,
		}
	case 1:
		d = [9]float64{direction[0], 0, 0, 0, 1, 0, 0, 0, 1}
	case 0:
		d = [9]float64{1, 0, 0, 0, 1, 0, 0, 0, 1}
	default:
		return d, fmt.Errorf("direction must have 1, 4 or 9 elements, got %d", len(direction))
	}
	return d, nil
}

func pad3(v []float64, fill float64) (Vec3, error) {
	if len(v) > 3 {
		return Vec3{}, fmt.Errorf("expected at most 3 elements, got %d", len(v))
	}
	out := Vec3{fill, fill, fill}
	copy(out[:], v)
	return out, nil
}

// IndexToWorld builds the matrix mapping a continuous index to world space:
//
//	world = D · diag(spacing) · index + origin
//
// direction is row-major: element (r, c) is the world-axis r component of index
// axis c. 1-D and 2-D inputs are padded to 3-D (origin 0, spacing 1, unit direction).
func IndexToWorld(direction, origin, spacing []float64) (Mat4, error) {
	d, err := Ensure3DDirection(direction)
	if err != nil {
		return Mat4{}, err
	}
	o, err := pad3(origin, 0)
	if err != nil {
		return Mat4{}, fmt.Errorf("origin: %w", err)
	}
	s, err := pad3(spacing, 1)
	if err != nil {
		return Mat4{}, fmt.Errorf("spacing: %w", err)
	}
	for i, v := range s {
		if v == 0 {
			return Mat4{}, fmt.Errorf("spacing along axis %d is zero", i)
		}
	}

	m := Identity()
	for r := 0; r < 3; r++ {
		for c := 0; c < 3; c++ {
			m[r*4+c] = d[r*3+c] * s[c]
		}
		m[r*4+3] = o[r]
	}
	return m, nil
}

// WorldToIndex is the inverse of IndexToWorld.
func WorldToIndex(direction, origin, spacing []float64) (Mat4, error) {
	m, err := IndexToWorld(direction, origin, spacing)
	if err != nil {
		return Mat4{}, err
	}
	return m.Invert()
}
