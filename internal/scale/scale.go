// Package scale describes one resolution level of a multiscale image.
package scale

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/multiscale-tiles/server/internal/dims"
	"github.com/multiscale-tiles/server/internal/geom"
)

// Direction is a tag-addressed direction matrix: Matrix[i][j] relates Axes[i] to Axes[j].
type Direction struct {
	Axes   []dims.Dimension
	Matrix [][]float64
}

// Info holds the immutable geometry of one scale plus its lazily computed
// origin, spacing and index-to-world matrix. Use it by pointer.
type Info struct {
	Name string
	// Dims lists the array dimensions in storage order, slowest first.
	Dims       []dims.Dimension
	ChunkSize  dims.Map[int]
	ChunkCount dims.Map[int]
	ArrayShape dims.Map[int]
	Coords     Coords
	Direction  *Direction
	// Ranges holds precomputed per-component [min, max] intensity ranges.
	Ranges [][2]float64
	// BigEndian marks chunk buffers whose components are stored big-endian.
	BigEndian bool
	// AxisNames holds long names of the coordinate axes, when the store has them.
	AxisNames dims.Map[string]

	flight       singleflight.Group
	mu           sync.Mutex
	origin       []float64
	spacing      []float64
	indexToWorld *geom.Mat4
}

// Validate checks that every dimension of Dims has a shape and chunk size and
// derives ChunkCount where it is absent.
func (s *Info) Validate() error {
	if len(s.Dims) == 0 {
		return fmt.Errorf("scale %q has no dimensions", s.Name)
	}
	for _, d := range s.Dims {
		shape, err := s.ArrayShape.Lookup(d)
		if err != nil {
			return fmt.Errorf("scale %q array shape: %w", s.Name, err)
		}
		size, err := s.ChunkSize.Lookup(d)
		if err != nil {
			return fmt.Errorf("scale %q chunk size: %w", s.Name, err)
		}
		if shape < 1 || size < 1 {
			return fmt.Errorf("scale %q: %s has shape %d and chunk size %d", s.Name, d, shape, size)
		}
		if !s.ChunkCount.Has(d) {
			s.ChunkCount.Set(d, (shape+size-1)/size)
		}
	}
	return nil
}

// FullIndexBounds returns [0, size-1] for every dimension of the array shape.
func (s *Info) FullIndexBounds() dims.Bounds {
	var b dims.Bounds
	s.ArrayShape.Each(func(d dims.Dimension, size int) {
		b.Set(d, dims.Range{Min: 0, Max: size - 1})
	})
	return b
}

// memo resolves a value once per Info; concurrent callers share one
// computation. The computation ignores the caller's cancellation, so every
// waiter gets its result.
func memo[T any](ctx context.Context, s *Info, key string, load func() (T, bool), compute func(context.Context) (T, error), save func(T)) (T, error) {
	s.mu.Lock()
	v, ok := load()
	s.mu.Unlock()
	if ok {
		return v, nil
	}
	res, err, _ := s.flight.Do(key, func() (interface{}, error) {
		s.mu.Lock()
		v, ok := load()
		s.mu.Unlock()
		if ok {
			return v, nil
		}
		v, err := compute(context.WithoutCancel(ctx))
		if err != nil {
			return nil, err
		}
		s.mu.Lock()
		save(v)
		s.mu.Unlock()
		return v, nil
	})
	if err != nil {
		var zero T
		return zero, err
	}
	return res.(T), nil
}

func cloneFloats(v []float64) []float64 {
	return append([]float64(nil), v...)
}

// Origin returns the world position of index 0 along each spatial dimension:
// the first coordinate sample, or 0 when the scale has none.
func (s *Info) Origin(ctx context.Context, spatial []dims.Dimension) ([]float64, error) {
	o, err := memo(ctx, s, "origin",
		func() ([]float64, bool) { return s.origin, s.origin != nil },
		func(ctx context.Context) ([]float64, error) {
			out := make([]float64, len(spatial))
			for i, d := range spatial {
				if s.Coords == nil || !s.Coords.Has(d) {
					continue
				}
				c, err := s.Coords.Get(ctx, d)
				if err != nil {
					return nil, fmt.Errorf("coords for %s: %w", d, err)
				}
				if len(c) > 0 {
					out[i] = float64(c[0])
				}
			}
			return out, nil
		},
		func(v []float64) { s.origin = v },
	)
	return cloneFloats(o), err
}

// Spacing returns the distance between the first two coordinate samples of each
// spatial dimension, or 1 when fewer than two exist.
func (s *Info) Spacing(ctx context.Context, spatial []dims.Dimension) ([]float64, error) {
	sp, err := memo(ctx, s, "spacing",
		func() ([]float64, bool) { return s.spacing, s.spacing != nil },
		func(ctx context.Context) ([]float64, error) {
			out := make([]float64, len(spatial))
			for i, d := range spatial {
				out[i] = 1
				if s.Coords == nil || !s.Coords.Has(d) {
					continue
				}
				c, err := s.Coords.Get(ctx, d)
				if err != nil {
					return nil, fmt.Errorf("coords for %s: %w", d, err)
				}
				if len(c) > 1 {
					out[i] = float64(c[1]) - float64(c[0])
				}
			}
			return out, nil
		},
		func(v []float64) { s.spacing = v },
	)
	return cloneFloats(sp), err
}

// IndexToWorld returns the memoized index-to-world matrix of this scale.
// direction is the row-major image direction shared by every scale.
func (s *Info) IndexToWorld(ctx context.Context, spatial []dims.Dimension, direction []float64) (geom.Mat4, error) {
	return memo(ctx, s, "indexToWorld",
		func() (geom.Mat4, bool) {
			if s.indexToWorld == nil {
				return geom.Mat4{}, false
			}
			return *s.indexToWorld, true
		},
		func(ctx context.Context) (geom.Mat4, error) {
			origin, err := s.Origin(ctx, spatial)
			if err != nil {
				return geom.Mat4{}, err
			}
			spacing, err := s.Spacing(ctx, spatial)
			if err != nil {
				return geom.Mat4{}, err
			}
			return geom.IndexToWorld(direction, origin, spacing)
		},
		func(m geom.Mat4) { s.indexToWorld = &m },
	)
}

// CachedIndexToWorld returns the matrix only if IndexToWorld already completed.
func (s *Info) CachedIndexToWorld() (geom.Mat4, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.indexToWorld == nil {
		return geom.Mat4{}, false
	}
	return *s.indexToWorld, true
}
