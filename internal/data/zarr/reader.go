// Package zarr reads OME-NGFF multiscale images from Zarr v2 stores.
package zarr

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"path"

	"github.com/multiscale-tiles/server/internal/chunk"
	"github.com/multiscale-tiles/server/internal/codec"
	"github.com/multiscale-tiles/server/internal/dims"
	"github.com/multiscale-tiles/server/internal/dtype"
	"github.com/multiscale-tiles/server/internal/fetch"
	"github.com/multiscale-tiles/server/internal/image"
	"github.com/multiscale-tiles/server/internal/scale"
)

// Options configures Open.
type Options struct {
	// Name overrides the multiscale name.
	Name string
	// MaxConcurrency caps concurrent store reads. Zero means fetch.DefaultMaxConcurrency.
	MaxConcurrency int
	Assembler      image.Assembler
	Verbose        bool
}

type scaleArray struct {
	path  string
	meta  *ArrayMeta
	order []dims.Dimension
	dtype dtype.DType
	fill  []byte
}

// Reader fetches and decodes the chunks of every scale of one image.
type Reader struct {
	store  Store
	queue  *fetch.Queue
	arrays []*scaleArray
}

// GetChunks returns the decoded chunks of a scale in request order. Chunks
// absent from the store are filled with the array's fill value.
func (r *Reader) GetChunks(ctx context.Context, scaleIndex int, indices []chunk.Index) ([][]byte, error) {
	if scaleIndex < 0 || scaleIndex >= len(r.arrays) {
		return nil, fmt.Errorf("invalid scale: %d", scaleIndex)
	}
	arr := r.arrays[scaleIndex]
	tasks := make([]fetch.Task[[]byte], len(indices))
	for i, idx := range indices {
		idx := idx
		tasks[i] = func(ctx context.Context) ([]byte, error) {
			return r.readChunkAt(ctx, arr, idx)
		}
	}
	return fetch.AddAll(ctx, r.queue, tasks)
}

func (r *Reader) readChunkAt(ctx context.Context, arr *scaleArray, idx chunk.Index) ([]byte, error) {
	key := joinKey(arr.path, chunk.Key(idx, arr.order, arr.meta.Separator()))
	elements := arr.meta.ChunkElements()

	data, err := r.store.GetItem(ctx, key)
	if errors.Is(err, ErrNotFound) {
		// A chunk that was never written holds only the fill value.
		return repeatFillBytes(arr.fill, elements), nil
	}
	if err != nil {
		return nil, err
	}
	return codec.Decode(arr.meta.CompressorID(), data, elements*arr.dtype.Type.Size())
}

// Open reads the image metadata of store and returns the multiscale image.
func Open(ctx context.Context, store Store, opts Options) (*image.Image, error) {
	queue := fetch.NewQueue(fetch.DefaultConcurrency(opts.MaxConcurrency))

	raw, err := store.GetItem(ctx, ".zattrs")
	if err != nil {
		return nil, fmt.Errorf("failed to read .zattrs: %w", err)
	}
	var attrs RootAttrs
	if err := json.Unmarshal(raw, &attrs); err != nil {
		return nil, fmt.Errorf("failed to parse .zattrs: %w", err)
	}
	// Only the first image of a multi-image group is served.
	ms := &attrs.Multiscales[0]
	version := ms.Version
	if version == "" {
		version = DefaultVersion
	}
	if err := validateImage(version, raw); err != nil {
		return nil, err
	}
	if len(ms.Datasets) == 0 {
		return nil, image.ErrNoScales
	}

	metaTasks := make([]fetch.Task[*ArrayMeta], len(ms.Datasets))
	for i, ds := range ms.Datasets {
		p := ds.Path
		metaTasks[i] = func(ctx context.Context) (*ArrayMeta, error) {
			return loadArrayMeta(ctx, store, p)
		}
	}
	metas, err := fetch.AddAll(ctx, queue, metaTasks)
	if err != nil {
		return nil, err
	}

	datasets := ensureScaleTransforms(ms.Datasets, metas)
	spatialImage := attrs.SpatialImageVersion != ""

	type loaded struct {
		info  *scale.Info
		array *scaleArray
	}
	scaleTasks := make([]fetch.Task[loaded], len(datasets))
	for i := range datasets {
		ds, meta := &datasets[i], metas[i]
		scaleTasks[i] = func(ctx context.Context) (loaded, error) {
			info, arr, err := loadScale(ctx, store, ms, ds, meta, spatialImage)
			return loaded{info, arr}, err
		}
	}
	results, err := fetch.AddAll(ctx, queue, scaleTasks)
	if err != nil {
		return nil, err
	}

	reader := &Reader{store: store, queue: queue}
	scales := make([]*scale.Info, len(results))
	for i, res := range results {
		scales[i] = res.info
		reader.arrays = append(reader.arrays, res.array)
	}

	imageType := imageTypeOf(scales[0], reader.arrays[0].dtype)

	name := opts.Name
	if name == "" {
		name = ms.Name
	}
	if name == "" {
		name = "Image"
	}
	imgOpts := []image.Option{image.WithName(name), image.WithVerbose(opts.Verbose)}
	if opts.Assembler != nil {
		imgOpts = append(imgOpts, image.WithAssembler(opts.Assembler))
	}
	img, err := image.New(scales, imageType, reader, imgOpts...)
	if err != nil {
		return nil, err
	}
	log.Printf("[ZarrSource] Opened %s: NGFF %s, %d scales, %s x%d, shape %s",
		name, version, len(scales), reader.arrays[0].dtype, imageType.Components, scales[0].ArrayShape)
	return img, nil
}

func loadArrayMeta(ctx context.Context, store Store, arrayPath string) (*ArrayMeta, error) {
	key := joinKey(arrayPath, ".zarray")
	raw, err := store.GetItem(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", key, err)
	}
	if err := validateArray(raw); err != nil {
		return nil, fmt.Errorf("%s: %w", key, err)
	}
	var meta ArrayMeta
	if err := json.Unmarshal(raw, &meta); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", key, err)
	}
	if err := meta.check(); err != nil {
		return nil, fmt.Errorf("%s: %w", key, err)
	}
	return &meta, nil
}

func loadScale(ctx context.Context, store Store, ms *Multiscale, ds *Dataset, meta *ArrayMeta, spatialImage bool) (*scale.Info, *scaleArray, error) {
	// Per-dataset attributes only exist for multiscale-spatial-image writers;
	// skip the request otherwise.
	var attrs DatasetAttrs
	if spatialImage {
		raw, err := store.GetItem(ctx, joinKey(ds.Path, ".zattrs"))
		switch {
		case err == nil:
			if err := json.Unmarshal(raw, &attrs); err != nil {
				return nil, nil, fmt.Errorf("failed to parse %s/.zattrs: %w", ds.Path, err)
			}
		case !errors.Is(err, ErrNotFound):
			return nil, nil, err
		}
	}

	axes := ms.AxisNames()
	order := axes
	if len(attrs.ArrayDimensions) > 0 {
		var err error
		if order, err = dims.ParseAll(attrs.ArrayDimensions); err != nil {
			return nil, nil, fmt.Errorf("dataset %q _ARRAY_DIMENSIONS: %w", ds.Path, err)
		}
	}
	if len(order) != len(meta.Shape) {
		return nil, nil, fmt.Errorf("dataset %q has %d dimensions but array rank %d", ds.Path, len(order), len(meta.Shape))
	}

	dt, err := dtype.ParseZarr(meta.DType)
	if err != nil {
		return nil, nil, fmt.Errorf("dataset %q: %w: %v", ds.Path, image.ErrUnsupportedComponentType, err)
	}
	if id := meta.CompressorID(); !codec.Supported(id) {
		return nil, nil, fmt.Errorf("dataset %q: %w: %q", ds.Path, codec.ErrUnsupported, id)
	}
	fill, err := fillValueBytes(meta, dt)
	if err != nil {
		return nil, nil, fmt.Errorf("dataset %q: %w", ds.Path, err)
	}

	shape, err := dims.FromSlices(order, meta.Shape)
	if err != nil {
		return nil, nil, err
	}
	chunkSize, err := dims.FromSlices(order, meta.Chunks)
	if err != nil {
		return nil, nil, err
	}

	affine, err := computeTransform(ms, ds, len(axes))
	if err != nil {
		return nil, nil, err
	}
	var coordAxes dims.Map[scale.Axis]
	for _, d := range order {
		axis := scale.Axis{Spacing: 1, Size: shape.GetOr(d, 1)}
		if i := dims.IndexOf(axes, d); i >= 0 {
			axis.Origin = affine.Translation[i]
			axis.Spacing = affine.Scale[i]
		}
		coordAxes.Set(d, axis)
	}

	info := &scale.Info{
		Name:       ds.Path,
		Dims:       order,
		ChunkSize:  chunkSize,
		ArrayShape: shape,
		Coords:     scale.NewLinearCoords(coordAxes),
		Ranges:     attrs.Ranges,
		BigEndian:  dt.BigEndian,
	}
	if len(info.Ranges) == 0 {
		info.Ranges = ms.Ranges
	}
	direction := attrs.Direction
	if len(direction) == 0 {
		direction = ms.Direction
	}
	if len(direction) > 0 {
		info.Direction = &scale.Direction{Axes: dims.XYZ, Matrix: direction}
	}
	if spatialImage {
		if info.AxisNames, err = loadAxisNames(ctx, store, ds.Path, order); err != nil {
			return nil, nil, err
		}
	}

	return info, &scaleArray{path: ds.Path, meta: meta, order: order, dtype: dt, fill: fill}, nil
}

// loadAxisNames reads the long_name of each coordinate array next to the dataset.
func loadAxisNames(ctx context.Context, store Store, datasetPath string, order []dims.Dimension) (dims.Map[string], error) {
	var names dims.Map[string]
	parent := path.Dir(datasetPath)
	for _, d := range order {
		raw, err := store.GetItem(ctx, joinKey(parent, d.String(), ".zattrs"))
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return names, err
		}
		var attrs struct {
			LongName string `json:"long_name"`
		}
		if err := json.Unmarshal(raw, &attrs); err != nil {
			return names, fmt.Errorf("failed to parse %s coordinate attributes: %w", d, err)
		}
		if attrs.LongName != "" {
			names.Set(d, attrs.LongName)
		}
	}
	return names, nil
}

// imageTypeOf derives the pixel description from the finest scale. The
// spatial dimension counts x, y and z axes longer than one sample.
func imageTypeOf(info *scale.Info, dt dtype.DType) image.ImageType {
	dimension := 0
	for _, d := range dims.XYZ {
		if info.ArrayShape.GetOr(d, 0) > 1 {
			dimension++
		}
	}
	if dimension == 0 {
		dimension = 1
	}
	components := info.ArrayShape.GetOr(dims.C, 1)
	pixelType := image.Scalar
	if components > 1 {
		pixelType = image.VariableLengthVector
	}
	return image.ImageType{
		Dimension:     dimension,
		ComponentType: dt.Type,
		PixelType:     pixelType,
		Components:    components,
	}
}
