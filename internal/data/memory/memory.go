// Package memory exposes a single dense in-memory image as a one-scale,
// one-chunk multiscale image.
package memory

import (
	"context"
	"fmt"

	"github.com/multiscale-tiles/server/internal/chunk"
	"github.com/multiscale-tiles/server/internal/dims"
	"github.com/multiscale-tiles/server/internal/dtype"
	"github.com/multiscale-tiles/server/internal/image"
	"github.com/multiscale-tiles/server/internal/scale"
)

// Image is a dense image with components interleaved, then x, y, z.
type Image struct {
	Name          string
	ComponentType dtype.Type
	Components    int
	// Size is x, y[, z].
	Size    []int
	Origin  []float64
	Spacing []float64
	// Direction is row-major, len(Size) x len(Size). Empty means identity.
	Direction []float64
	Data      []byte
}

type source struct {
	data []byte
}

func (s *source) GetChunks(_ context.Context, scaleIndex int, indices []chunk.Index) ([][]byte, error) {
	if scaleIndex != 0 {
		return nil, fmt.Errorf("in-memory image has one scale, got %d", scaleIndex)
	}
	out := make([][]byte, len(indices))
	for i, idx := range indices {
		if idx != (chunk.Index{}) {
			return nil, fmt.Errorf("in-memory image has one chunk, got %v", idx)
		}
		out[i] = s.data
	}
	return out, nil
}

// Open wraps img. Its storage order is [z,] y, x[, c] so the buffer is used as
// the single chunk without copying.
func Open(img Image, opts ...image.Option) (*image.Image, error) {
	n := len(img.Size)
	if n < 1 || n > 3 {
		return nil, fmt.Errorf("image must have 1 to 3 dimensions, got %d", n)
	}
	if !img.ComponentType.Valid() {
		return nil, fmt.Errorf("%w: %s", image.ErrUnsupportedComponentType, img.ComponentType)
	}
	components := img.Components
	if components < 1 {
		components = 1
	}
	spatial := dims.XYZ[:n]

	want := components * img.ComponentType.Size()
	for _, s := range img.Size {
		if s < 1 {
			return nil, fmt.Errorf("invalid size %v", img.Size)
		}
		want *= s
	}
	if len(img.Data) != want {
		return nil, fmt.Errorf("image data has %d bytes, want %d", len(img.Data), want)
	}
	if len(img.Direction) != 0 && len(img.Direction) != n*n {
		return nil, fmt.Errorf("direction must have %d elements, got %d", n*n, len(img.Direction))
	}

	var order []dims.Dimension
	for i := n - 1; i >= 0; i-- {
		order = append(order, spatial[i])
	}
	if components > 1 {
		order = append(order, dims.C)
	}

	var shape dims.Map[int]
	var axes dims.Map[scale.Axis]
	for _, d := range order {
		if d == dims.C {
			shape.Set(d, components)
			continue
		}
		i := dims.IndexOf(spatial, d)
		shape.Set(d, img.Size[i])
		axis := scale.Axis{Spacing: 1, Size: img.Size[i]}
		if i < len(img.Origin) {
			axis.Origin = img.Origin[i]
		}
		if i < len(img.Spacing) {
			axis.Spacing = img.Spacing[i]
		}
		axes.Set(d, axis)
	}

	info := &scale.Info{
		Name:       img.Name,
		Dims:       order,
		ArrayShape: shape,
		ChunkSize:  shape.Clone(),
		Coords:     scale.NewLinearCoords(axes),
	}
	if len(img.Direction) == n*n {
		matrix := make([][]float64, n)
		for r := range matrix {
			matrix[r] = append([]float64(nil), img.Direction[r*n:(r+1)*n]...)
		}
		info.Direction = &scale.Direction{Axes: spatial, Matrix: matrix}
	}

	pixelType := image.Scalar
	if components > 1 {
		pixelType = image.VariableLengthVector
	}
	imageType := image.ImageType{
		Dimension:     n,
		ComponentType: img.ComponentType,
		PixelType:     pixelType,
		Components:    components,
	}

	name := img.Name
	if name == "" {
		name = "Image"
	}
	opts = append([]image.Option{image.WithName(name)}, opts...)
	return image.New([]*scale.Info{info}, imageType, &source{data: img.Data}, opts...)
}
