package image

import (
	"context"
	"encoding/binary"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/multiscale-tiles/server/internal/chunk"
	"github.com/multiscale-tiles/server/internal/dims"
	"github.com/multiscale-tiles/server/internal/dtype"
	"github.com/multiscale-tiles/server/internal/geom"
	"github.com/multiscale-tiles/server/internal/scale"
)

var zyx = []dims.Dimension{dims.Z, dims.Y, dims.X}

func voxel(x, y, z int) uint32 {
	return uint32(z*10000 + y*100 + x)
}

func testScale(t *testing.T, shape, chunkSize int, spacing float64) *scale.Info {
	t.Helper()
	shapeM, err := dims.FromSlices(zyx, []int{shape, shape, shape})
	require.NoError(t, err)
	chunkM, err := dims.FromSlices(zyx, []int{chunkSize, chunkSize, chunkSize})
	require.NoError(t, err)
	var axes dims.Map[scale.Axis]
	for _, d := range zyx {
		axes.Set(d, scale.Axis{Spacing: spacing, Size: shape})
	}
	return &scale.Info{
		Dims:       zyx,
		ArrayShape: shapeM,
		ChunkSize:  chunkM,
		Coords:     scale.NewLinearCoords(axes),
	}
}

type fakeSource struct {
	scales []*scale.Info

	mu        sync.Mutex
	requested [][]chunk.Index
	err       error
}

func (f *fakeSource) GetChunks(_ context.Context, s int, indices []chunk.Index) ([][]byte, error) {
	f.mu.Lock()
	f.requested = append(f.requested, indices)
	err := f.err
	f.mu.Unlock()
	if err != nil {
		return nil, err
	}
	info := f.scales[s]
	out := make([][]byte, len(indices))
	for i, idx := range indices {
		out[i] = synthChunk(info, idx)
	}
	return out, nil
}

func (f *fakeSource) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.requested)
}

func synthChunk(info *scale.Info, idx chunk.Index) []byte {
	cz := info.ChunkSize.GetOr(dims.Z, 1)
	cy := info.ChunkSize.GetOr(dims.Y, 1)
	cx := info.ChunkSize.GetOr(dims.X, 1)
	buf := make([]byte, cz*cy*cx*4)
	n := 0
	for z := 0; z < cz; z++ {
		for y := 0; y < cy; y++ {
			for x := 0; x < cx; x++ {
				v := voxel(idx.At(dims.X)*cx+x, idx.At(dims.Y)*cy+y, idx.At(dims.Z)*cz+z)
				binary.LittleEndian.PutUint32(buf[n:], v)
				n += 4
			}
		}
	}
	return buf
}

func newPyramid(t *testing.T) (*Image, *fakeSource) {
	t.Helper()
	scales := []*scale.Info{
		testScale(t, 100, 32, 1),
		testScale(t, 50, 32, 2),
		testScale(t, 25, 32, 4),
	}
	src := &fakeSource{scales: scales}
	im, err := New(scales, ImageType{Dimension: 3, ComponentType: dtype.UInt32, Components: 1}, src, WithName("pyramid"))
	require.NoError(t, err)
	return im, src
}

func valueAt(a *Assembled, x, y, z int) uint32 {
	nx, ny := a.Size[0], a.Size[1]
	off := ((z*ny+y)*nx + x) * 4
	return binary.LittleEndian.Uint32(a.Data[off:])
}

func TestGetImageFetchesCoveringChunks(t *testing.T) {
	im, src := newPyramid(t)
	ctx := context.Background()

	world := geom.Bounds{10, 40, 0, 20, 0, 0}
	img, err := im.GetImage(ctx, 0, &world)
	require.NoError(t, err)

	require.Equal(t, 1, src.calls())
	assert.Equal(t, []chunk.Index{{0, 0, 0, 0, 0}, {0, 1, 0, 0, 0}}, src.requested[0])

	assert.Equal(t, []int{31, 21, 1}, img.Size)
	assert.Equal(t, []float64{10, 0, 0}, img.Origin)
	assert.Equal(t, []float64{1, 1, 1}, img.Spacing)
	assert.Equal(t, dims.Range{Min: 10, Max: 40}, img.IndexBounds.GetOr(dims.X, dims.Range{}))
	assert.Equal(t, voxel(10, 0, 0), valueAt(img, 0, 0, 0))
	assert.Equal(t, voxel(40, 20, 0), valueAt(img, 30, 20, 0))
	assert.Equal(t, voxel(33, 7, 0), valueAt(img, 23, 7, 0))
	require.Len(t, img.Ranges, 1)
	assert.Equal(t, [2]float64{float64(voxel(10, 0, 0)), float64(voxel(40, 20, 0))}, img.Ranges[0])
}

func TestGetImageReusesContainingRegion(t *testing.T) {
	im, src := newPyramid(t)
	ctx := context.Background()

	a := geom.Bounds{0, 60, 0, 60, 0, 10}
	first, err := im.GetImage(ctx, 0, &a)
	require.NoError(t, err)

	b := geom.Bounds{5, 30, 10, 20, 2, 3}
	second, err := im.GetImage(ctx, 0, &b)
	require.NoError(t, err)
	assert.Same(t, first, second)
	assert.Equal(t, 1, src.calls())

	c := geom.Bounds{50, 70, 0, 10, 0, 0}
	third, err := im.GetImage(ctx, 0, &c)
	require.NoError(t, err)
	assert.NotSame(t, first, third)
	assert.Equal(t, 2, src.calls())

	// the partial overlap replaced the first region
	_, err = im.GetImage(ctx, 0, &b)
	require.NoError(t, err)
	assert.Equal(t, 3, src.calls())
}

func TestGetImageServesSubregionFromLargerRegion(t *testing.T) {
	im, src := newPyramid(t)
	ctx := context.Background()

	a := geom.Bounds{10, 20, 10, 20, 0, 0}
	_, err := im.GetImage(ctx, 0, &a)
	require.NoError(t, err)

	b := geom.Bounds{0, 60, 0, 60, 0, 10}
	larger, err := im.GetImage(ctx, 0, &b)
	require.NoError(t, err)
	assert.Equal(t, 2, src.calls())

	again, err := im.GetImage(ctx, 0, &a)
	require.NoError(t, err)
	assert.Same(t, larger, again)
	assert.Equal(t, 2, src.calls())
}

func TestGetImageSingleVoxel(t *testing.T) {
	im, _ := newPyramid(t)

	world := geom.Bounds{33, 33, 7, 7, 2, 2}
	img, err := im.GetImage(context.Background(), 0, &world)
	require.NoError(t, err)
	assert.Equal(t, []int{1, 1, 1}, img.Size)
	require.Len(t, img.Data, 4)
	assert.Equal(t, voxel(33, 7, 2), valueAt(img, 0, 0, 0))
}

func TestGetImageClampsScale(t *testing.T) {
	im, src := newPyramid(t)
	assert.Equal(t, 2, im.CoarsestScale())

	img, err := im.GetImage(context.Background(), 99, nil)
	require.NoError(t, err)
	assert.Equal(t, 2, img.Scale)
	assert.Equal(t, []int{25, 25, 25}, img.Size)
	assert.Equal(t, []float64{4, 4, 4}, img.Spacing)
	// 25 voxels with 32-voxel chunks is a single chunk per axis
	assert.Equal(t, []chunk.Index{{}}, src.requested[0])
}

func TestGetWorldBoundsRequiresTransform(t *testing.T) {
	im, _ := newPyramid(t)

	_, err := im.GetWorldBounds(1)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrTransformNotComputed))

	_, err = im.ScaleIndexToWorld(context.Background(), 1)
	require.NoError(t, err)
	b, err := im.GetWorldBounds(1)
	require.NoError(t, err)
	assert.Equal(t, geom.Bounds{-1, 99, -1, 99, -1, 99}, b)
}

func TestGetImageFailureLeavesCacheUntouched(t *testing.T) {
	im, src := newPyramid(t)
	ctx := context.Background()

	world := geom.Bounds{0, 10, 0, 10, 0, 0}
	_, err := im.GetImage(ctx, 0, &world)
	require.NoError(t, err)

	src.err = errors.New("store offline")
	wider := geom.Bounds{0, 90, 0, 90, 0, 0}
	_, err = im.GetImage(ctx, 0, &wider)
	require.Error(t, err)
	stage, ok := StageOf(err)
	require.True(t, ok)
	assert.Equal(t, StageFetch, stage)
	assert.ErrorIs(t, err, src.err)

	bounds, ok := im.regions.Bounds(0)
	require.True(t, ok)
	assert.Equal(t, dims.Range{Min: 0, Max: 10}, bounds.GetOr(dims.X, dims.Range{}))

	src.err = nil
	_, err = im.GetImage(ctx, 0, &world)
	require.NoError(t, err)
	assert.Equal(t, 2, src.calls())
}

func TestGetImageInImageSpace(t *testing.T) {
	im, _ := newPyramid(t)
	norm := geom.Bounds{0, 0.5, 0.5, 1, 0, 0}
	img, err := im.GetImageInImageSpace(context.Background(), 1, &norm)
	require.NoError(t, err)
	assert.Equal(t, dims.Range{Min: 0, Max: 25}, img.IndexBounds.GetOr(dims.X, dims.Range{}))
	assert.Equal(t, dims.Range{Min: 25, Max: 49}, img.IndexBounds.GetOr(dims.Y, dims.Range{}))
	assert.Equal(t, dims.Range{Min: 0, Max: 0}, img.IndexBounds.GetOr(dims.Z, dims.Range{}))
	assert.Equal(t, []float64{0, 50, 0}, img.Origin)
}

func TestGetRegionClampsIndexBounds(t *testing.T) {
	im, _ := newPyramid(t)
	var ib dims.Bounds
	ib.Set(dims.X, dims.Range{Min: -5, Max: 3})
	ib.Set(dims.Y, dims.Range{Min: 98, Max: 200})
	img, err := im.GetRegion(context.Background(), 0, ib)
	require.NoError(t, err)
	assert.Equal(t, []int{4, 2, 1}, img.Size)
	assert.Equal(t, voxel(3, 99, 0), valueAt(img, 3, 1, 0))
}

func TestDirectionReindexedByTag(t *testing.T) {
	scales := []*scale.Info{testScale(t, 8, 8, 1)}
	scales[0].Direction = &scale.Direction{
		Axes: []dims.Dimension{dims.Z, dims.Y, dims.X},
		Matrix: [][]float64{
			{1, 0, 0},
			{0, 0, -1},
			{0, 1, 0},
		},
	}
	im, err := New(scales, ImageType{Dimension: 3, ComponentType: dtype.UInt32}, &fakeSource{scales: scales})
	require.NoError(t, err)
	assert.Equal(t, []float64{
		0, 1, 0,
		-1, 0, 0,
		0, 0, 1,
	}, im.Direction())
}

func TestNewRejectsInvalidImages(t *testing.T) {
	src := &fakeSource{}
	_, err := New(nil, ImageType{Dimension: 3, ComponentType: dtype.UInt8}, src)
	assert.ErrorIs(t, err, ErrNoScales)

	scales := []*scale.Info{testScale(t, 8, 8, 1)}
	_, err = New(scales, ImageType{Dimension: 3}, src)
	assert.ErrorIs(t, err, ErrUnsupportedComponentType)

	_, err = New(scales, ImageType{Dimension: 4, ComponentType: dtype.UInt8}, src)
	assert.Error(t, err)
}

func TestVoxelCountAndBytes(t *testing.T) {
	im, _ := newPyramid(t)
	ctx := context.Background()

	n, err := im.VoxelCount(ctx, 2, nil)
	require.NoError(t, err)
	assert.Equal(t, 25*25*25, n)

	world := geom.Bounds{0, 9, 0, 9, 0, 0}
	n, err = im.VoxelCount(ctx, 0, &world)
	require.NoError(t, err)
	assert.Equal(t, 100, n)
	assert.Equal(t, 400, im.ByteSize(n))
}

func TestSelectionsOnMissingDimensions(t *testing.T) {
	im, _ := newPyramid(t)
	img, err := im.GetImage(context.Background(), 2, nil, AtTime(3), AtComponent(1))
	require.NoError(t, err)
	assert.Equal(t, dims.Range{}, img.IndexBounds.GetOr(dims.T, dims.Range{Min: -1}))
	assert.Equal(t, 1, img.Frames())
	assert.Equal(t, 1, img.ImageType.Components)
}

// chunkSource serves the same buffer for every chunk.
type chunkSource []byte

func (c chunkSource) GetChunks(_ context.Context, _ int, indices []chunk.Index) ([][]byte, error) {
	out := make([][]byte, len(indices))
	for i := range out {
		out[i] = c
	}
	return out, nil
}

func TestPrecomputedRangesFollowComponentSelection(t *testing.T) {
	yxc := []dims.Dimension{dims.Y, dims.X, dims.C}
	shape, err := dims.FromSlices(yxc, []int{2, 2, 2})
	require.NoError(t, err)
	info := &scale.Info{
		Dims:       yxc,
		ArrayShape: shape,
		ChunkSize:  shape.Clone(),
		Ranges:     [][2]float64{{0, 10}, {100, 200}},
	}
	im, err := New([]*scale.Info{info},
		ImageType{Dimension: 2, ComponentType: dtype.UInt8, PixelType: VariableLengthVector, Components: 2},
		chunkSource{1, 101, 2, 102, 3, 103, 4, 104})
	require.NoError(t, err)
	ctx := context.Background()

	img, err := im.GetImage(ctx, 0, nil, AtComponent(1))
	require.NoError(t, err)
	assert.Equal(t, 1, img.ImageType.Components)
	assert.Equal(t, [][2]float64{{100, 200}}, img.Ranges)
	assert.Equal(t, []byte{101, 102, 103, 104}, img.Data)

	img, err = im.GetImage(ctx, 0, nil)
	require.NoError(t, err)
	assert.Equal(t, [][2]float64{{0, 10}, {100, 200}}, img.Ranges)
}
