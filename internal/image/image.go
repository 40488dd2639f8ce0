// Package image serves regions of a multiscale chunked spatial image.
//
// An Image owns its scales and a per-scale region cache. A request names a
// scale and optionally a world (or normalized image-space) box; the image
// resolves it to clamped index bounds, plans the covering chunks, fetches them
// through its ChunkSource and assembles the region. A cached region whose
// bounds contain the request is returned without any fetch.
package image

import (
	"context"
	"fmt"
	"log"

	"github.com/dustin/go-humanize"

	"github.com/multiscale-tiles/server/internal/assemble"
	"github.com/multiscale-tiles/server/internal/bounds"
	"github.com/multiscale-tiles/server/internal/cache"
	"github.com/multiscale-tiles/server/internal/chunk"
	"github.com/multiscale-tiles/server/internal/dims"
	"github.com/multiscale-tiles/server/internal/dtype"
	"github.com/multiscale-tiles/server/internal/geom"
	"github.com/multiscale-tiles/server/internal/scale"
)

// Option configures an Image.
type Option func(*Image)

// WithName sets the image name.
func WithName(name string) Option {
	return func(im *Image) { im.name = name }
}

// WithAssembler replaces the default in-process assembler.
func WithAssembler(a Assembler) Option {
	return func(im *Image) { im.assembler = a }
}

// WithVerbose logs every assembled region.
func WithVerbose(v bool) Option {
	return func(im *Image) { im.verbose = v }
}

// Image is a multiscale spatial image. Scale 0 is the finest.
type Image struct {
	name        string
	scales      []*scale.Info
	imageType   ImageType
	spatialDims []dims.Dimension
	source      ChunkSource
	assembler   Assembler
	regions     *cache.Region[*Assembled]
	verbose     bool
}

// New validates scales and imageType and creates an Image reading from source.
func New(scales []*scale.Info, imageType ImageType, source ChunkSource, opts ...Option) (*Image, error) {
	if len(scales) == 0 {
		return nil, ErrNoScales
	}
	if !imageType.ComponentType.Valid() {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedComponentType, imageType.ComponentType)
	}
	if imageType.Dimension < 1 || imageType.Dimension > 3 {
		return nil, fmt.Errorf("image dimension must be 1, 2 or 3, got %d", imageType.Dimension)
	}
	if imageType.Components < 1 {
		imageType.Components = 1
	}
	if source == nil {
		return nil, fmt.Errorf("image requires a chunk source")
	}
	for i, s := range scales {
		if err := s.Validate(); err != nil {
			return nil, fmt.Errorf("scale %d: %w", i, err)
		}
	}

	im := &Image{
		name:        "Image",
		scales:      scales,
		imageType:   imageType,
		spatialDims: dims.XYZ[:imageType.Dimension],
		source:      source,
		regions:     cache.NewRegion[*Assembled](),
	}
	for _, opt := range opts {
		opt(im)
	}
	if im.assembler == nil {
		im.assembler = assemble.New(0)
	}
	return im, nil
}

// Name returns the image name.
func (im *Image) Name() string { return im.name }

// ImageType returns the pixel description.
func (im *Image) ImageType() ImageType { return im.imageType }

// SpatialDims returns the spatial dimensions of the image, x first.
func (im *Image) SpatialDims() []dims.Dimension {
	return append([]dims.Dimension(nil), im.spatialDims...)
}

// Scales returns the scale descriptors, finest first.
func (im *Image) Scales() []*scale.Info { return im.scales }

// CoarsestScale returns the index of the coarsest scale.
func (im *Image) CoarsestScale() int { return len(im.scales) - 1 }

func (im *Image) clampScale(s int) int {
	if s < 0 {
		return 0
	}
	if c := im.CoarsestScale(); s > c {
		return c
	}
	return s
}

// Direction returns the row-major Dimension x Dimension direction matrix read
// from scale 0. Axes absent from the stored direction get identity entries.
func (im *Image) Direction() []float64 {
	n := len(im.spatialDims)
	out := make([]float64, n*n)
	for i := 0; i < n; i++ {
		out[i*n+i] = 1
	}
	d := im.scales[0].Direction
	if d == nil {
		return out
	}
	for r, dr := range im.spatialDims {
		ir := dims.IndexOf(d.Axes, dr)
		if ir < 0 || ir >= len(d.Matrix) {
			continue
		}
		for c, dc := range im.spatialDims {
			ic := dims.IndexOf(d.Axes, dc)
			if ic < 0 || ic >= len(d.Matrix[ir]) {
				continue
			}
			out[r*n+c] = d.Matrix[ir][ic]
		}
	}
	return out
}

// ScaleOrigin returns the world origin of a scale.
func (im *Image) ScaleOrigin(ctx context.Context, s int) ([]float64, error) {
	return im.scales[im.clampScale(s)].Origin(ctx, im.spatialDims)
}

// ScaleSpacing returns the world spacing of a scale.
func (im *Image) ScaleSpacing(ctx context.Context, s int) ([]float64, error) {
	return im.scales[im.clampScale(s)].Spacing(ctx, im.spatialDims)
}

// ScaleIndexToWorld returns the memoized index-to-world matrix of a scale.
func (im *Image) ScaleIndexToWorld(ctx context.Context, s int) (geom.Mat4, error) {
	return im.scales[im.clampScale(s)].IndexToWorld(ctx, im.spatialDims, im.Direction())
}

// GetIndexBounds returns the full inclusive index bounds of a scale's array.
func (im *Image) GetIndexBounds(s int) dims.Bounds {
	return im.scales[im.clampScale(s)].FullIndexBounds()
}

// GetIndexExtent returns the voxel-edge extent of a scale in continuous index
// space: the full index bounds inflated by half a voxel.
func (im *Image) GetIndexExtent(s int) geom.Bounds {
	full := bounds.Full(im.GetIndexBounds(s))
	var b geom.Bounds
	for i, d := range dims.XYZ {
		r := full.GetOr(d, dims.Range{})
		b[i*2] = float64(r.Min)
		b[i*2+1] = float64(r.Max)
	}
	return b.Inflate(0.5)
}

// GetWorldBounds returns the world box of a scale. The scale's transform must
// already have been computed (by ScaleIndexToWorld or a region request).
func (im *Image) GetWorldBounds(s int) (geom.Bounds, error) {
	s = im.clampScale(s)
	m, ok := im.scales[s].CachedIndexToWorld()
	if !ok {
		return geom.Bounds{}, fmt.Errorf("scale %d: %w", s, ErrTransformNotComputed)
	}
	return geom.ExtentToBounds(im.GetIndexExtent(s), m), nil
}

// Selection narrows resolved index bounds, e.g. to one time point.
type Selection func(b, full dims.Bounds) dims.Bounds

// AtTime selects a single time point.
func AtTime(t int) Selection {
	return func(b, full dims.Bounds) dims.Bounds { return bounds.Slice(b, full, dims.T, t) }
}

// AtComponent selects a single component.
func AtComponent(c int) Selection {
	return func(b, full dims.Bounds) dims.Bounds { return bounds.Slice(b, full, dims.C, c) }
}

// GetImage returns the region of a scale covering a world box, or the whole
// scale when world is nil. Requests beyond the coarsest scale use the coarsest.
func (im *Image) GetImage(ctx context.Context, s int, world *geom.Bounds, sel ...Selection) (*Assembled, error) {
	s = im.clampScale(s)
	full := bounds.Full(im.GetIndexBounds(s))

	var ib dims.Bounds
	if world == nil {
		ib = full
	} else {
		i2w, err := im.ScaleIndexToWorld(ctx, s)
		if err != nil {
			return nil, &StageError{Stage: StageBounds, Scale: s, Err: err}
		}
		w2i, err := i2w.Invert()
		if err != nil {
			return nil, &StageError{Stage: StageBounds, Scale: s, Err: err}
		}
		ib = bounds.FromWorld(*world, full, w2i)
	}
	for _, fn := range sel {
		ib = fn(ib, full)
	}
	return im.buildAndCache(ctx, s, ib)
}

// GetImageInImageSpace returns the region of a scale covering a box given in
// [0, 1] fractions of the array, or the whole scale when normalized is nil.
func (im *Image) GetImageInImageSpace(ctx context.Context, s int, normalized *geom.Bounds, sel ...Selection) (*Assembled, error) {
	s = im.clampScale(s)
	full := bounds.Full(im.GetIndexBounds(s))

	ib := full
	if normalized != nil {
		shape := im.scales[s].ArrayShape
		ib = bounds.FromIndex(bounds.FromNormalized(shape, *normalized), full)
	}
	for _, fn := range sel {
		ib = fn(ib, full)
	}
	return im.buildAndCache(ctx, s, ib)
}

// GetRegion returns the region covering explicit index bounds. Missing
// dimensions take [0, 0]; every range is clamped into the scale.
func (im *Image) GetRegion(ctx context.Context, s int, ib dims.Bounds) (*Assembled, error) {
	s = im.clampScale(s)
	full := bounds.Full(im.GetIndexBounds(s))
	req := ib.WithDefaults(dims.Range{}, dims.CXYZT)
	out := full.Clone()
	for _, d := range dims.CXYZT {
		r, _ := req.Get(d)
		f, _ := full.Get(d)
		r.Min = max(f.Min, min(f.Max, r.Min))
		r.Max = max(f.Min, min(f.Max, r.Max))
		if r.Min > r.Max {
			r.Min, r.Max = r.Max, r.Min
		}
		out.Set(d, r)
	}
	return im.buildAndCache(ctx, s, out)
}

func (im *Image) buildAndCache(ctx context.Context, s int, ib dims.Bounds) (*Assembled, error) {
	ib, err := ib.WithDefaults(dims.Range{}, dims.CXYZT).OrderBy(dims.CXYZT)
	if err != nil {
		return nil, &StageError{Stage: StageBounds, Scale: s, Err: err}
	}
	if cached, ok := im.regions.Find(s, ib); ok {
		return cached, nil
	}
	img, err := im.build(ctx, s, ib)
	if err != nil {
		return nil, err
	}
	im.regions.Store(s, ib, img)
	return img, nil
}

func (im *Image) build(ctx context.Context, s int, ib dims.Bounds) (*Assembled, error) {
	info := im.scales[s]

	i2w, err := im.ScaleIndexToWorld(ctx, s)
	if err != nil {
		return nil, &StageError{Stage: StageBounds, Scale: s, Err: err}
	}
	spacing, err := im.ScaleSpacing(ctx, s)
	if err != nil {
		return nil, &StageError{Stage: StageBounds, Scale: s, Err: err}
	}

	var start, end dims.Map[int]
	ib.Each(func(d dims.Dimension, r dims.Range) {
		start.Set(d, r.Min)
		end.Set(d, r.Max+1)
	})

	var startXYZ geom.Vec3
	for i, d := range dims.XYZ {
		startXYZ[i] = float64(start.GetOr(d, 0))
	}
	worldStart := i2w.Apply(startXYZ)
	origin := append([]float64(nil), worldStart[:len(im.spatialDims)]...)

	size := make([]int, len(im.spatialDims))
	for i, d := range im.spatialDims {
		size[i] = end.GetOr(d, 1) - start.GetOr(d, 0)
	}

	chunkSize := info.ChunkSize.WithDefaults(1, dims.CXYZT)
	chunkCount := info.ChunkCount.WithDefaults(1, dims.CXYZT)
	indices := chunk.Plan(chunkSize, chunkCount, ib)

	chunks, err := im.source.GetChunks(ctx, s, indices)
	if err != nil {
		return nil, &StageError{Stage: StageFetch, Scale: s, Err: err}
	}
	if len(chunks) != len(indices) {
		return nil, &StageError{Stage: StageFetch, Scale: s,
			Err: fmt.Errorf("source returned %d chunks for %d indices", len(chunks), len(indices))}
	}

	res, err := im.assembler.Assemble(ctx, assemble.Request{
		Dims:         info.Dims,
		ChunkSize:    chunkSize,
		DType:        dtype.DType{Type: im.imageType.ComponentType, BigEndian: info.BigEndian},
		ChunkIndices: indices,
		Chunks:       chunks,
		Start:        start,
		End:          end,
		RangesNeeded: len(info.Ranges) == 0,
	})
	if err != nil {
		return nil, &StageError{Stage: StageAssemble, Scale: s, Err: err}
	}

	ranges := res.Ranges
	if len(info.Ranges) > 0 {
		ranges = selectRanges(info.Ranges, ib.GetOr(dims.C, dims.Range{}))
	}

	imageType := im.imageType
	imageType.Components = ib.GetOr(dims.C, dims.Range{}).Len()
	if imageType.Components == 1 {
		imageType.PixelType = Scalar
	}

	if im.verbose {
		log.Printf("[Image] %s scale %d: assembled %v from %d chunk(s), %s",
			im.name, s, size, len(indices), humanize.Bytes(uint64(len(res.Data))))
	}

	return &Assembled{
		ImageType:   imageType,
		Name:        im.name,
		Scale:       s,
		Origin:      origin,
		Spacing:     spacing,
		Direction:   im.Direction(),
		Size:        size,
		Data:        res.Data,
		Ranges:      ranges,
		IndexBounds: ib,
	}, nil
}

// VoxelCount returns the number of spatial voxels a request for world (nil for
// the whole scale) would cover.
func (im *Image) VoxelCount(ctx context.Context, s int, world *geom.Bounds) (int, error) {
	s = im.clampScale(s)
	full := bounds.Full(im.GetIndexBounds(s))
	ib := full
	if world != nil {
		i2w, err := im.ScaleIndexToWorld(ctx, s)
		if err != nil {
			return 0, err
		}
		w2i, err := i2w.Invert()
		if err != nil {
			return 0, err
		}
		ib = bounds.FromWorld(*world, full, w2i)
	}
	n := 1
	for _, d := range dims.XYZ {
		n *= ib.GetOr(d, dims.Range{}).Len()
	}
	return n, nil
}

// ByteSize returns the decoded size of voxels pixels of this image.
func (im *Image) ByteSize(voxels int) int {
	return voxels * im.imageType.Components * im.imageType.ComponentType.Size()
}

// selectRanges returns the precomputed ranges of the components in c.
func selectRanges(all [][2]float64, c dims.Range) [][2]float64 {
	out := make([][2]float64, 0, c.Len())
	for i := max(c.Min, 0); i <= c.Max && i < len(all); i++ {
		out = append(out, all[i])
	}
	return out
}
