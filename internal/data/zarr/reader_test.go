package zarr

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"math"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"testing/fstest"
	"time"

	"github.com/klauspost/compress/zlib"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/multiscale-tiles/server/internal/cache"
	"github.com/multiscale-tiles/server/internal/chunk"
	"github.com/multiscale-tiles/server/internal/codec"
	"github.com/multiscale-tiles/server/internal/dims"
	"github.com/multiscale-tiles/server/internal/dtype"
	"github.com/multiscale-tiles/server/internal/image"
)

const rootAttrs = `{
  "multiscales": [{
    "name": "cells",
    "version": "0.4",
    "axes": [{"name": "y", "type": "space"}, {"name": "x", "type": "space"}],
    "datasets": [
      {"path": "0", "coordinateTransformations": [
        {"type": "scale", "scale": [1, 1]},
        {"type": "translation", "translation": [10, 20]}
      ]},
      {"path": "1", "coordinateTransformations": [{"type": "scale", "scale": [2, 2]}]}
    ],
    "coordinateTransformations": [{"type": "scale", "scale": [2, 2]}]
  }]
}`

const fineArray = `{
  "zarr_format": 2,
  "shape": [4, 6],
  "chunks": [2, 3],
  "dtype": "<u2",
  "compressor": {"id": "zlib", "level": 1},
  "fill_value": 7,
  "order": "C",
  "filters": null
}`

const coarseArray = `{
  "zarr_format": 2,
  "shape": [2, 3],
  "chunks": [2, 3],
  "dtype": ">u2",
  "compressor": null,
  "fill_value": 0,
  "order": "C",
  "filters": null
}`

func fineValue(y, x int) uint16 { return uint16(y*6 + x) }

func zlibBytes(t *testing.T, raw []byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	w := zlib.NewWriter(&buf)
	_, err := w.Write(raw)
	require.NoError(t, err)
	require.NoError(t, w.Close())
	return buf.Bytes()
}

// fineChunk encodes chunk (cy, cx) of the 4x6 array in C order.
func fineChunk(t *testing.T, cy, cx int) []byte {
	t.Helper()
	raw := make([]byte, 0, 2*3*2)
	for y := cy * 2; y < cy*2+2; y++ {
		for x := cx * 3; x < cx*3+3; x++ {
			raw = binary.LittleEndian.AppendUint16(raw, fineValue(y, x))
		}
	}
	return zlibBytes(t, raw)
}

func testFS(t *testing.T) fstest.MapFS {
	t.Helper()
	coarse := make([]byte, 0, 12)
	for i := 0; i < 6; i++ {
		coarse = binary.BigEndian.AppendUint16(coarse, uint16(100+i))
	}
	return fstest.MapFS{
		".zattrs":   {Data: []byte(rootAttrs)},
		"0/.zarray": {Data: []byte(fineArray)},
		"0/0.0":     {Data: fineChunk(t, 0, 0)},
		"0/0.1":     {Data: fineChunk(t, 0, 1)},
		"0/1.0":     {Data: fineChunk(t, 1, 0)},
		"1/.zarray": {Data: []byte(coarseArray)},
		"1/0.0":     {Data: coarse},
	}
}

func TestOpenReadsMetadata(t *testing.T) {
	ctx := context.Background()
	img, err := Open(ctx, NewFSStore(testFS(t)), Options{})
	require.NoError(t, err)

	assert.Equal(t, "cells", img.Name())
	it := img.ImageType()
	assert.Equal(t, 2, it.Dimension)
	assert.Equal(t, dtype.UInt16, it.ComponentType)
	assert.Equal(t, 1, it.Components)
	assert.Equal(t, image.Scalar, it.PixelType)
	require.Len(t, img.Scales(), 2)

	// dataset translation is scaled by the multiscale scale
	origin, err := img.ScaleOrigin(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, []float64{40, 20}, origin)
	spacing, err := img.ScaleSpacing(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, []float64{4, 4}, spacing)

	fine := img.Scales()[0]
	assert.Equal(t, []dims.Dimension{dims.Y, dims.X}, fine.Dims)
	assert.Equal(t, 2, fine.ChunkCount.GetOr(dims.Y, 0))
	assert.Equal(t, 2, fine.ChunkCount.GetOr(dims.X, 0))
}

func TestGetImageFillsMissingChunks(t *testing.T) {
	img, err := Open(context.Background(), NewFSStore(testFS(t)), Options{MaxConcurrency: 2})
	require.NoError(t, err)

	region, err := img.GetImage(context.Background(), 0, nil)
	require.NoError(t, err)
	assert.Equal(t, []int{6, 4}, region.Size)
	require.Len(t, region.Data, 6*4*2)

	at := func(x, y int) uint16 {
		return binary.LittleEndian.Uint16(region.Data[(y*6+x)*2:])
	}
	assert.Equal(t, fineValue(1, 4), at(4, 1))
	assert.Equal(t, fineValue(3, 2), at(2, 3))
	// chunk 1.1 is absent from the store
	assert.Equal(t, uint16(7), at(4, 3))
	assert.Equal(t, uint16(7), at(5, 2))
	require.Len(t, region.Ranges, 1)
	assert.Equal(t, [2]float64{0, 20}, region.Ranges[0])
}

func TestGetImageSwapsBigEndianChunks(t *testing.T) {
	img, err := Open(context.Background(), NewFSStore(testFS(t)), Options{})
	require.NoError(t, err)

	region, err := img.GetImage(context.Background(), 1, nil)
	require.NoError(t, err)
	require.Len(t, region.Data, 12)
	for i := 0; i < 6; i++ {
		assert.Equal(t, uint16(100+i), binary.LittleEndian.Uint16(region.Data[i*2:]))
	}
}

func TestReaderChunkKeys(t *testing.T) {
	var keys []string
	store := storeFunc(func(_ context.Context, key string) ([]byte, error) {
		keys = append(keys, key)
		return nil, ErrNotFound
	})
	meta := &ArrayMeta{Shape: []int{4, 6}, Chunks: []int{2, 3}, DType: "<u1", DimensionSeparator: "/"}
	r := &Reader{
		store: store,
		arrays: []*scaleArray{{
			path:  "s0",
			meta:  meta,
			order: []dims.Dimension{dims.Y, dims.X},
			dtype: dtype.DType{Type: dtype.UInt8},
			fill:  []byte{3},
		}},
	}
	data, err := r.readChunkAt(context.Background(), r.arrays[0], chunk.Index{0, 1, 1, 0, 0})
	require.NoError(t, err)
	assert.Equal(t, []string{"s0/1/1"}, keys)
	assert.Equal(t, bytes.Repeat([]byte{3}, 6), data)
}

type storeFunc func(ctx context.Context, key string) ([]byte, error)

func (f storeFunc) GetItem(ctx context.Context, key string) ([]byte, error) { return f(ctx, key) }

func TestOpenRejectsInvalidMetadata(t *testing.T) {
	ctx := context.Background()

	fsys := testFS(t)
	fsys[".zattrs"] = &fstest.MapFile{Data: []byte(`{"multiscales": [{"datasets": [{"path": "0"}], "axes": [{"name": "y"}, {"name": "x"}]}]}`)}
	_, err := Open(ctx, NewFSStore(fsys), Options{})
	assert.Error(t, err, "v0.4 datasets require coordinateTransformations")

	fsys = testFS(t)
	fsys["0/.zarray"] = &fstest.MapFile{Data: []byte(strings.Replace(fineArray, `"order": "C"`, `"order": "F"`, 1))}
	_, err = Open(ctx, NewFSStore(fsys), Options{})
	assert.ErrorContains(t, err, "order")

	fsys = testFS(t)
	fsys["0/.zarray"] = &fstest.MapFile{Data: []byte(strings.Replace(fineArray, `"id": "zlib"`, `"id": "lzma"`, 1))}
	_, err = Open(ctx, NewFSStore(fsys), Options{})
	assert.ErrorIs(t, err, codec.ErrUnsupported)

	fsys = testFS(t)
	delete(fsys, ".zattrs")
	_, err = Open(ctx, NewFSStore(fsys), Options{})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestOpenVersion01DefaultsAndInferredScales(t *testing.T) {
	attrs := `{"multiscales": [{"version": "0.1", "datasets": [{"path": "0"}, {"path": "1"}]}]}`
	arr := func(shape string) []byte {
		return []byte(`{"zarr_format": 2, "shape": ` + shape + `, "chunks": [1, 1, 1, 8, 8], "dtype": "|u1",
			"compressor": null, "fill_value": 0, "order": "C", "filters": null}`)
	}
	fsys := fstest.MapFS{
		".zattrs":   {Data: []byte(attrs)},
		"0/.zarray": {Data: arr("[1, 1, 1, 8, 8]")},
		"1/.zarray": {Data: arr("[1, 1, 1, 4, 4]")},
	}
	img, err := Open(context.Background(), NewFSStore(fsys), Options{Name: "v01"})
	require.NoError(t, err)
	assert.Equal(t, "v01", img.Name())
	assert.Equal(t, 2, img.ImageType().Dimension)
	assert.Equal(t, []dims.Dimension{dims.T, dims.C, dims.Z, dims.Y, dims.X}, img.Scales()[0].Dims)

	spacing, err := img.ScaleSpacing(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, []float64{2, 2}, spacing)

	// no chunk is stored: the whole region is fill
	region, err := img.GetImage(context.Background(), 1, nil)
	require.NoError(t, err)
	assert.Equal(t, make([]byte, 16), region.Data)
}

func TestOpenSpatialImageAttributes(t *testing.T) {
	attrs := `{
	  "multiscaleSpatialImageVersion": 1,
	  "multiscales": [{"version": "0.4", "name": "mri",
	    "axes": [{"name": "x"}, {"name": "y"}],
	    "datasets": [{"path": "scale0/image", "coordinateTransformations": [{"type": "scale", "scale": [1, 1]}]}]
	  }]
	}`
	fsys := fstest.MapFS{
		".zattrs":              {Data: []byte(attrs)},
		"scale0/image/.zarray": {Data: []byte(`{"shape": [3, 2], "chunks": [3, 2], "dtype": "<f4", "compressor": null, "fill_value": "NaN"}`)},
		"scale0/image/.zattrs": {Data: []byte(`{"_ARRAY_DIMENSIONS": ["y", "x"], "ranges": [[0, 5]], "direction": [[0, 1, 0], [1, 0, 0], [0, 0, 1]]}`)},
		"scale0/x/.zattrs":     {Data: []byte(`{"long_name": "Left to right"}`)},
	}
	img, err := Open(context.Background(), NewFSStore(fsys), Options{})
	require.NoError(t, err)

	info := img.Scales()[0]
	assert.Equal(t, []dims.Dimension{dims.Y, dims.X}, info.Dims)
	assert.Equal(t, [][2]float64{{0, 5}}, info.Ranges)
	name, ok := info.AxisNames.Get(dims.X)
	assert.True(t, ok)
	assert.Equal(t, "Left to right", name)
	assert.False(t, info.AxisNames.Has(dims.Y))
	assert.Equal(t, []float64{0, 1, 1, 0}, img.Direction())

	region, err := img.GetImage(context.Background(), 0, nil)
	require.NoError(t, err)
	v := math.Float32frombits(binary.LittleEndian.Uint32(region.Data))
	assert.True(t, math.IsNaN(float64(v)))
	// precomputed ranges skip the range pass
	assert.Equal(t, [][2]float64{{0, 5}}, region.Ranges)
}

func TestHTTPStore(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/data/image.zarr/.zattrs":
			w.Write([]byte(`{}`))
		case "/data/image.zarr/broken":
			http.Error(w, "boom", http.StatusInternalServerError)
		default:
			http.NotFound(w, r)
		}
	}))
	defer ts.Close()

	store, err := NewHTTPStore(ts.URL+"/data/image.zarr", ts.Client())
	require.NoError(t, err)

	data, err := store.GetItem(context.Background(), ".zattrs")
	require.NoError(t, err)
	assert.Equal(t, "{}", string(data))

	_, err = store.GetItem(context.Background(), "0/0.0")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = store.GetItem(context.Background(), "broken")
	require.Error(t, err)
	assert.False(t, errors.Is(err, ErrNotFound))

	_, err = NewHTTPStore("ftp://example.com/a.zarr", nil)
	assert.Error(t, err)
}

func TestCachedStore(t *testing.T) {
	m, err := cache.NewManager(cache.Config{ChunkCacheSizeMB: 8, ChunkTTL: time.Minute, QueryCacheSize: 16})
	require.NoError(t, err)
	defer m.Close()

	var calls atomic.Int32
	inner := storeFunc(func(_ context.Context, key string) ([]byte, error) {
		calls.Add(1)
		if key == "0/9.9" {
			return nil, ErrNotFound
		}
		return []byte(key), nil
	})
	store := NewCachedStore("test", inner, m)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		data, err := store.GetItem(ctx, "0/.zarray")
		require.NoError(t, err)
		assert.Equal(t, "0/.zarray", string(data))
		data, err = store.GetItem(ctx, "0/0.0")
		require.NoError(t, err)
		assert.Equal(t, "0/0.0", string(data))
	}
	assert.Equal(t, int32(2), calls.Load())

	for i := 0; i < 2; i++ {
		_, err := store.GetItem(ctx, "0/9.9")
		assert.ErrorIs(t, err, ErrNotFound)
	}
	assert.Equal(t, int32(4), calls.Load())
}

func TestFSStoreRejectsInvalidKeys(t *testing.T) {
	store := NewFSStore(fstest.MapFS{})
	_, err := store.GetItem(context.Background(), "../secret")
	assert.Error(t, err)
	assert.False(t, errors.Is(err, ErrNotFound))
}
