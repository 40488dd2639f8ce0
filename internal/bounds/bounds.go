// Package bounds converts world, index and normalized regions into clamped
// integer index bounds covering every canonical dimension.
package bounds

import (
	"math"

	"github.com/multiscale-tiles/server/internal/dims"
	"github.com/multiscale-tiles/server/internal/geom"
)

// Full returns full as bounds over CXYZT, missing dimensions set to [0, 0].
func Full(full dims.Bounds) dims.Bounds {
	out, _ := full.WithDefaults(dims.Range{}, dims.CXYZT).OrderBy(dims.CXYZT)
	return out
}

// FromIndex clamps a continuous index-space box into full and rounds it
// outward (floor of min, ceil of max). Components and time keep their full extent.
func FromIndex(index geom.Bounds, full dims.Bounds) dims.Bounds {
	f := Full(full)
	out := f.Clone()
	for i, d := range dims.XYZ {
		r, _ := f.Get(d)
		lo := clamp(index[i*2], r)
		hi := clamp(index[i*2+1], r)
		if lo > hi {
			lo, hi = hi, lo
		}
		out.Set(d, dims.Range{
			Min: int(math.Floor(lo)),
			Max: int(math.Ceil(hi)),
		})
	}
	return out
}

// FromWorld maps a world box through worldToIndex (all 8 corners) and
// resolves it like FromIndex.
func FromWorld(world geom.Bounds, full dims.Bounds, worldToIndex geom.Mat4) dims.Bounds {
	return FromIndex(geom.TransformBounds(worldToIndex, world), full)
}

// FromNormalized scales a box given in [0, 1] image fractions by the array
// shape, yielding a continuous index-space box.
func FromNormalized(arrayShape dims.Map[int], normalized geom.Bounds) geom.Bounds {
	var out geom.Bounds
	for i, d := range dims.XYZ {
		size := float64(arrayShape.GetOr(d, 1))
		out[i*2] = normalized[i*2] * size
		out[i*2+1] = normalized[i*2+1] * size
	}
	return out
}

// Slice narrows dimension d of b to the single index, clamped into full.
func Slice(b dims.Bounds, full dims.Bounds, d dims.Dimension, index int) dims.Bounds {
	r := full.GetOr(d, dims.Range{})
	if index < r.Min {
		index = r.Min
	}
	if index > r.Max {
		index = r.Max
	}
	out := b.Clone()
	out.Set(d, dims.Range{Min: index, Max: index})
	return out
}

func clamp(v float64, r dims.Range) float64 {
	if math.IsNaN(v) {
		return float64(r.Min)
	}
	return math.Max(float64(r.Min), math.Min(float64(r.Max), v))
}
