// Package service provides the per-image operations served over HTTP.
package service

import (
	"context"
	"errors"
	"fmt"
	"math"

	"github.com/dustin/go-humanize"

	"github.com/multiscale-tiles/server/internal/cache"
	"github.com/multiscale-tiles/server/internal/dims"
	"github.com/multiscale-tiles/server/internal/geom"
	"github.com/multiscale-tiles/server/internal/image"
	"github.com/multiscale-tiles/server/internal/render"
)

// ErrInvalidRequest is returned for requests that cannot name a region of the image.
var ErrInvalidRequest = errors.New("invalid request")

// ImageServiceConfig contains image service configuration.
type ImageServiceConfig struct {
	ImageID  string
	Image    *image.Image
	Cache    *cache.Manager
	Renderer *render.SliceRenderer
}

// ImageService serves metadata, regions and rendered slices of one image.
type ImageService struct {
	imageID  string
	img      *image.Image
	cache    *cache.Manager
	renderer *render.SliceRenderer
}

// NewImageService creates a new image service.
func NewImageService(cfg ImageServiceConfig) *ImageService {
	imageID := cfg.ImageID
	if imageID == "" {
		imageID = "default"
	}
	return &ImageService{
		imageID:  imageID,
		img:      cfg.Image,
		cache:    cfg.Cache,
		renderer: cfg.Renderer,
	}
}

// ID returns the image id.
func (s *ImageService) ID() string { return s.imageID }

// Image returns the served image.
func (s *ImageService) Image() *image.Image { return s.img }

// ScaleMetadata describes one scale.
type ScaleMetadata struct {
	Index        int              `json:"index"`
	Name         string           `json:"name"`
	Dims         []dims.Dimension `json:"dims"`
	ArrayShape   dims.Map[int]    `json:"arrayShape"`
	ChunkSize    dims.Map[int]    `json:"chunkSize"`
	ChunkCount   dims.Map[int]    `json:"chunkCount"`
	AxisNames    dims.Map[string] `json:"axisNames"`
	Origin       []float64        `json:"origin"`
	Spacing      []float64        `json:"spacing"`
	IndexToWorld geom.Mat4        `json:"indexToWorld"`
	WorldBounds  geom.Bounds      `json:"worldBounds"`
	Voxels       int              `json:"voxels"`
	Bytes        int              `json:"bytes"`
	Size         string           `json:"size"`
	Ranges       [][2]float64     `json:"ranges,omitempty"`
}

// Metadata describes an image and all its scales.
type Metadata struct {
	ID          string           `json:"id"`
	Name        string           `json:"name"`
	ImageType   image.ImageType  `json:"imageType"`
	SpatialDims []dims.Dimension `json:"spatialDims"`
	Direction   []float64        `json:"direction"`
	Scales      []ScaleMetadata  `json:"scales"`
}

// Metadata computes the transform of every scale, which also makes world
// bounds available to later requests.
func (s *ImageService) Metadata(ctx context.Context) (*Metadata, error) {
	md := &Metadata{
		ID:          s.imageID,
		Name:        s.img.Name(),
		ImageType:   s.img.ImageType(),
		SpatialDims: s.img.SpatialDims(),
		Direction:   s.img.Direction(),
	}
	for i, info := range s.img.Scales() {
		i2w, err := s.img.ScaleIndexToWorld(ctx, i)
		if err != nil {
			return nil, fmt.Errorf("scale %d transform: %w", i, err)
		}
		origin, err := s.img.ScaleOrigin(ctx, i)
		if err != nil {
			return nil, err
		}
		spacing, err := s.img.ScaleSpacing(ctx, i)
		if err != nil {
			return nil, err
		}
		world, err := s.img.GetWorldBounds(i)
		if err != nil {
			return nil, err
		}
		voxels, err := s.img.VoxelCount(ctx, i, nil)
		if err != nil {
			return nil, err
		}
		size := s.img.ByteSize(voxels)
		md.Scales = append(md.Scales, ScaleMetadata{
			Index:        i,
			Name:         info.Name,
			Dims:         info.Dims,
			ArrayShape:   info.ArrayShape,
			ChunkSize:    info.ChunkSize,
			ChunkCount:   info.ChunkCount,
			AxisNames:    info.AxisNames,
			Origin:       origin,
			Spacing:      spacing,
			IndexToWorld: i2w,
			WorldBounds:  world,
			Voxels:       voxels,
			Bytes:        size,
			Size:         humanize.Bytes(uint64(size)),
			Ranges:       info.Ranges,
		})
	}
	return md, nil
}

// ScaleBounds are the extents of one scale.
type ScaleBounds struct {
	Scale       int         `json:"scale"`
	IndexBounds dims.Bounds `json:"indexBounds"`
	IndexExtent geom.Bounds `json:"indexExtent"`
	WorldBounds geom.Bounds `json:"worldBounds"`
}

// Bounds returns the extents of scale. It fails with
// image.ErrTransformNotComputed until the scale's transform is known.
func (s *ImageService) Bounds(scale int) (*ScaleBounds, error) {
	scale, err := s.resolveScale(scale)
	if err != nil {
		return nil, err
	}
	world, err := s.img.GetWorldBounds(scale)
	if err != nil {
		return nil, err
	}
	return &ScaleBounds{
		Scale:       scale,
		IndexBounds: s.img.GetIndexBounds(scale),
		IndexExtent: s.img.GetIndexExtent(scale),
		WorldBounds: world,
	}, nil
}

// RegionRequest names a region of one scale. At most one of World and
// Normalized may be set; neither means the whole scale.
type RegionRequest struct {
	Scale      int
	World      *geom.Bounds
	Normalized *geom.Bounds
	Time       *int
	Component  *int
}

// Region assembles the requested region.
func (s *ImageService) Region(ctx context.Context, req RegionRequest) (*image.Assembled, error) {
	scale, err := s.resolveScale(req.Scale)
	if err != nil {
		return nil, err
	}
	req.Scale = scale
	if req.World != nil && req.Normalized != nil {
		return nil, fmt.Errorf("%w: world and normalized bounds are exclusive", ErrInvalidRequest)
	}
	var sel []image.Selection
	if req.Time != nil {
		sel = append(sel, image.AtTime(*req.Time))
	}
	if req.Component != nil {
		sel = append(sel, image.AtComponent(*req.Component))
	}
	if req.Normalized != nil {
		return s.img.GetImageInImageSpace(ctx, req.Scale, req.Normalized, sel...)
	}
	return s.img.GetImage(ctx, req.Scale, req.World, sel...)
}

// SliceRequest names one plane of a scale. Position is the [0, 1] fraction
// along Axis; 2-D images only slice along z.
type SliceRequest struct {
	Scale     int
	Axis      dims.Dimension
	Position  float64
	Time      int
	Component int
	Colormap  string
	Window    *[2]float64
}

// SlicePNG renders a plane of the image. The plane is read from whatever
// cached region of the scale contains it.
func (s *ImageService) SlicePNG(ctx context.Context, req SliceRequest) ([]byte, error) {
	scale, err := s.resolveScale(req.Scale)
	if err != nil {
		return nil, err
	}
	req.Scale = scale
	if !req.Axis.Spatial() {
		return nil, fmt.Errorf("%w: slice axis must be x, y or z, got %s", ErrInvalidRequest, req.Axis)
	}
	spatial := s.img.SpatialDims()
	if req.Axis != dims.Z && dims.IndexOf(spatial, req.Axis) < 0 {
		return nil, fmt.Errorf("%w: image has no %s axis", ErrInvalidRequest, req.Axis)
	}
	if len(spatial) < 3 && req.Axis != dims.Z {
		return nil, fmt.Errorf("%w: %d-D images are sliced along z only", ErrInvalidRequest, len(spatial))
	}
	if math.IsNaN(req.Position) || req.Position < 0 || req.Position > 1 {
		return nil, fmt.Errorf("%w: position %v outside [0, 1]", ErrInvalidRequest, req.Position)
	}

	full := s.img.GetIndexBounds(req.Scale)
	if n := s.img.ImageType().Components; req.Component < 0 || req.Component >= n {
		return nil, fmt.Errorf("%w: component %d outside [0, %d)", ErrInvalidRequest, req.Component, n)
	}
	if tr := full.GetOr(dims.T, dims.Range{}); req.Time < tr.Min || req.Time > tr.Max {
		return nil, fmt.Errorf("%w: time %d outside [%d, %d]", ErrInvalidRequest, req.Time, tr.Min, tr.Max)
	}
	index := 0
	if r, ok := full.Get(req.Axis); ok {
		index = r.Min + int(math.Floor(req.Position*float64(r.Len())))
		if index > r.Max {
			index = r.Max
		}
	}

	opts := map[string]interface{}{
		"t":        req.Time,
		"c":        req.Component,
		"colormap": req.Colormap,
	}
	if req.Window != nil {
		opts["window"] = *req.Window
	}
	cacheKey := cache.SliceKey(s.imageID, req.Scale, req.Axis.String(), float64(index), opts)
	if data, ok := s.cache.GetQuery(cacheKey); ok {
		return data, nil
	}

	want := full.Clone()
	want.Set(req.Axis, dims.Range{Min: index, Max: index})
	want.Set(dims.T, dims.Range{Min: req.Time, Max: req.Time})
	region, err := s.img.GetRegion(ctx, req.Scale, want)
	if err != nil {
		return nil, err
	}

	slice, err := extractPlane(region, req.Axis, index, req.Time)
	if err != nil {
		return nil, err
	}
	data, err := s.renderer.Render(slice, render.Options{
		Colormap:  req.Colormap,
		Component: req.Component,
		Window:    req.Window,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to render slice: %w", err)
	}

	s.cache.SetQuery(cacheKey, data)
	return data, nil
}

// Stats returns cache statistics.
func (s *ImageService) Stats() map[string]interface{} {
	stats := s.cache.Stats()
	stats["image"] = s.imageID
	stats["scales"] = len(s.img.Scales())
	return stats
}

// resolveScale rejects negative scales and clamps the rest to the coarsest one.
func (s *ImageService) resolveScale(scale int) (int, error) {
	if scale < 0 {
		return 0, fmt.Errorf("%w: negative scale %d", ErrInvalidRequest, scale)
	}
	return min(scale, s.img.CoarsestScale()), nil
}

// extractPlane copies the plane at index along axis out of region, which may
// cover more than that plane. The plane's axes are the two remaining spatial
// dimensions in x, y, z order.
func extractPlane(region *image.Assembled, axis dims.Dimension, index, t int) (render.Slice, error) {
	ib := region.IndexBounds
	extent := func(d dims.Dimension) dims.Range { return ib.GetOr(d, dims.Range{}) }

	var sizes [5]int
	for _, d := range dims.CXYZT {
		sizes[d] = extent(d).Len()
	}
	local := func(d dims.Dimension, v int) (int, error) {
		r := extent(d)
		if v < r.Min || v > r.Max {
			return 0, fmt.Errorf("region %s range %v does not contain %d", d, r, v)
		}
		return v - r.Min, nil
	}
	la, err := local(axis, index)
	if err != nil {
		return render.Slice{}, err
	}
	lt, err := local(dims.T, t)
	if err != nil {
		return render.Slice{}, err
	}

	var plane []dims.Dimension
	for _, d := range dims.XYZ {
		if d != axis {
			plane = append(plane, d)
		}
	}
	u, v := plane[0], plane[1]

	elem := region.ImageType.ComponentType.Size()
	pixel := sizes[dims.C] * elem
	// strides in pixels of the components-then-x, y, z, t layout
	var stride [5]int
	stride[dims.X] = 1
	stride[dims.Y] = sizes[dims.X]
	stride[dims.Z] = stride[dims.Y] * sizes[dims.Y]
	stride[dims.T] = stride[dims.Z] * sizes[dims.Z]

	width, height := sizes[u], sizes[v]
	if len(region.Data) < stride[dims.T]*sizes[dims.T]*pixel {
		return render.Slice{}, fmt.Errorf("region data has %d bytes, want %d", len(region.Data), stride[dims.T]*sizes[dims.T]*pixel)
	}
	out := make([]byte, width*height*pixel)
	base := la*stride[axis] + lt*stride[dims.T]
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			src := (base + x*stride[u] + y*stride[v]) * pixel
			copy(out[(y*width+x)*pixel:], region.Data[src:src+pixel])
		}
	}

	return render.Slice{
		Width:         width,
		Height:        height,
		ComponentType: region.ImageType.ComponentType,
		Components:    sizes[dims.C],
		Data:          out,
		Ranges:        region.Ranges,
	}, nil
}
