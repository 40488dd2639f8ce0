package cache

import (
	"sync"

	"github.com/multiscale-tiles/server/internal/dims"
)

// Region holds at most one assembled region per scale. A lookup hits when the
// stored region's index bounds contain the requested bounds. Stores replace
// the previous entry of that scale.
type Region[T any] struct {
	mu      sync.Mutex
	entries map[int]regionEntry[T]
}

type regionEntry[T any] struct {
	bounds dims.Bounds
	value  T
}

// NewRegion creates an empty region cache.
func NewRegion[T any]() *Region[T] {
	return &Region[T]{entries: make(map[int]regionEntry[T])}
}

// Find returns the entry of scale whose bounds contain b.
func (c *Region[T]) Find(scale int, b dims.Bounds) (T, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var zero T
	e, ok := c.entries[scale]
	if !ok {
		return zero, false
	}
	contained, err := dims.Contains(e.bounds, b)
	if err != nil || !contained {
		return zero, false
	}
	return e.value, true
}

// Store replaces the entry of scale.
func (c *Region[T]) Store(scale int, b dims.Bounds, v T) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[scale] = regionEntry[T]{bounds: b.Clone(), value: v}
}

// Bounds returns the bounds cached for scale.
func (c *Region[T]) Bounds(scale int) (dims.Bounds, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[scale]
	return e.bounds, ok
}

// Len returns the number of scales holding an entry.
func (c *Region[T]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
