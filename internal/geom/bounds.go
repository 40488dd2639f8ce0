package geom

import "math"

// Bounds is an axis-aligned box stored as xmin, xmax, ymin, ymax, zmin, zmax.
type Bounds [6]float64

// EmptyBounds returns an inverted box that any AddPoint will overwrite.
func EmptyBounds() Bounds {
	return Bounds{
		math.Inf(1), math.Inf(-1),
		math.Inf(1), math.Inf(-1),
		math.Inf(1), math.Inf(-1),
	}
}

// Min returns the minimum corner.
func (b Bounds) Min() Vec3 { return Vec3{b[0], b[2], b[4]} }

// Max returns the maximum corner.
func (b Bounds) Max() Vec3 { return Vec3{b[1], b[3], b[5]} }

// Empty reports whether the box contains no point.
func (b Bounds) Empty() bool {
	return b[0] > b[1] || b[2] > b[3] || b[4] > b[5]
}

// AddPoint grows b to contain p.
func (b *Bounds) AddPoint(p Vec3) {
	for i := 0; i < 3; i++ {
		b[i*2] = math.Min(b[i*2], p[i])
		b[i*2+1] = math.Max(b[i*2+1], p[i])
	}
}

// Corners returns the 8 corners of the box.
func (b Bounds) Corners() [8]Vec3 {
	var out [8]Vec3
	n := 0
	for _, z := range [2]float64{b[4], b[5]} {
		for _, y := range [2]float64{b[2], b[3]} {
			for _, x := range [2]float64{b[0], b[1]} {
				out[n] = Vec3{x, y, z}
				n++
			}
		}
	}
	return out
}

// Inflate grows every side of the box by delta.
func (b Bounds) Inflate(delta float64) Bounds {
	return Bounds{
		b[0] - delta, b[1] + delta,
		b[2] - delta, b[3] + delta,
		b[4] - delta, b[5] + delta,
	}
}

// Lengths returns the edge length along each axis.
func (b Bounds) Lengths() Vec3 {
	return Vec3{b[1] - b[0], b[3] - b[2], b[5] - b[4]}
}

// TransformBounds maps all 8 corners of b through m and returns their
// axis-aligned bounding box.
func TransformBounds(m Mat4, b Bounds) Bounds {
	out := EmptyBounds()
	for _, c := range b.Corners() {
		out.AddPoint(m.Apply(c))
	}
	return out
}

// ExtentToBounds converts an index-space extent to a world-space box.
func ExtentToBounds(extent Bounds, indexToWorld Mat4) Bounds {
	return TransformBounds(indexToWorld, extent)
}
