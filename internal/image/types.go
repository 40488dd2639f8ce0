package image

import (
	"context"
	"errors"
	"fmt"

	"github.com/multiscale-tiles/server/internal/assemble"
	"github.com/multiscale-tiles/server/internal/chunk"
	"github.com/multiscale-tiles/server/internal/dims"
	"github.com/multiscale-tiles/server/internal/dtype"
)

var (
	// ErrNoScales is returned when an image is built without any scale.
	ErrNoScales = errors.New("image has no scales")
	// ErrUnsupportedComponentType is returned for pixel component types the pipeline cannot represent.
	ErrUnsupportedComponentType = errors.New("unsupported component type")
	// ErrTransformNotComputed is returned by GetWorldBounds before the scale's
	// index-to-world transform has been computed.
	ErrTransformNotComputed = errors.New("index-to-world transform not computed yet")
)

// Stage names the pipeline step that failed.
type Stage string

const (
	StageBounds   Stage = "bounds"
	StageFetch    Stage = "fetch"
	StageAssemble Stage = "assemble"
)

// StageError wraps a failure of one step of region building.
type StageError struct {
	Stage Stage
	Scale int
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("scale %d %s: %v", e.Scale, e.Stage, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

// StageOf returns the stage of the first StageError in err's chain.
func StageOf(err error) (Stage, bool) {
	var se *StageError
	if errors.As(err, &se) {
		return se.Stage, true
	}
	return "", false
}

// PixelType describes how components make up a pixel.
type PixelType int

const (
	Scalar PixelType = iota
	VariableLengthVector
)

func (p PixelType) String() string {
	if p == VariableLengthVector {
		return "VariableLengthVector"
	}
	return "Scalar"
}

// MarshalText implements encoding.TextMarshaler.
func (p PixelType) MarshalText() ([]byte, error) { return []byte(p.String()), nil }

// ImageType describes the pixels of an image.
type ImageType struct {
	Dimension     int        `json:"dimension"`
	ComponentType dtype.Type `json:"componentType"`
	PixelType     PixelType  `json:"pixelType"`
	Components    int        `json:"components"`
}

// ChunkSource retrieves decoded chunk buffers of one scale. Each buffer holds
// the chunk's elements in C order over the scale's Dims.
type ChunkSource interface {
	GetChunks(ctx context.Context, scale int, indices []chunk.Index) ([][]byte, error)
}

// Assembler turns chunk buffers into a contiguous region.
type Assembler interface {
	Assemble(ctx context.Context, req assemble.Request) (*assemble.Result, error)
}

// Assembled is a region of one scale, materialized in memory.
type Assembled struct {
	ImageType ImageType `json:"imageType"`
	Name      string    `json:"name"`
	Scale     int       `json:"scale"`
	Origin    []float64 `json:"origin"`
	Spacing   []float64 `json:"spacing"`
	// Direction is row-major, Dimension x Dimension.
	Direction []float64 `json:"direction"`
	Size      []int     `json:"size"`
	// Data holds little-endian components interleaved, then x, y, z, t.
	Data []byte `json:"-"`
	// Ranges holds [min, max] per component.
	Ranges [][2]float64 `json:"ranges,omitempty"`
	// IndexBounds are the scale index bounds the region was built for.
	IndexBounds dims.Bounds `json:"indexBounds"`
}

// Frames returns the number of time points in the region.
func (a *Assembled) Frames() int {
	return a.IndexBounds.GetOr(dims.T, dims.Range{}).Len()
}
