package scale

import (
	"context"
	"fmt"
	"sync"

	"github.com/multiscale-tiles/server/internal/dims"
)

// Coords yields the world coordinate samples along a dimension.
type Coords interface {
	Get(ctx context.Context, d dims.Dimension) ([]float32, error)
	Has(d dims.Dimension) bool
}

// Axis describes evenly spaced samples: Origin + i*Spacing for i in [0, Size).
type Axis struct {
	Origin  float64
	Spacing float64
	Size    int
}

// LinearCoords generates coordinate arrays on first use and keeps them.
type LinearCoords struct {
	axes dims.Map[Axis]

	mu     sync.Mutex
	arrays map[dims.Dimension][]float32
}

// NewLinearCoords creates coords from per-dimension axes.
func NewLinearCoords(axes dims.Map[Axis]) *LinearCoords {
	return &LinearCoords{axes: axes, arrays: make(map[dims.Dimension][]float32)}
}

// Has reports whether d has an axis.
func (c *LinearCoords) Has(d dims.Dimension) bool { return c.axes.Has(d) }

// Get returns the samples along d.
func (c *LinearCoords) Get(_ context.Context, d dims.Dimension) ([]float32, error) {
	axis, err := c.axes.Lookup(d)
	if err != nil {
		return nil, fmt.Errorf("no coords: %w", err)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if arr, ok := c.arrays[d]; ok {
		return arr, nil
	}
	arr := make([]float32, axis.Size)
	for i := range arr {
		arr[i] = float32(axis.Origin + float64(i)*axis.Spacing)
	}
	c.arrays[d] = arr
	return arr, nil
}

// StaticCoords serves precomputed coordinate arrays.
type StaticCoords map[dims.Dimension][]float32

// Has reports whether d has samples.
func (c StaticCoords) Has(d dims.Dimension) bool {
	_, ok := c[d]
	return ok
}

// Get returns the samples along d.
func (c StaticCoords) Get(_ context.Context, d dims.Dimension) ([]float32, error) {
	arr, ok := c[d]
	if !ok {
		return nil, fmt.Errorf("no coords for %s: %w", d, dims.ErrMissingDimension)
	}
	return arr, nil
}
