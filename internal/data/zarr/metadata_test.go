package zarr

import (
	"encoding/json"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/multiscale-tiles/server/internal/dims"
	"github.com/multiscale-tiles/server/internal/dtype"
)

func TestRootAttrsForms(t *testing.T) {
	var attrs RootAttrs
	err := json.Unmarshal([]byte(`{"multiscales": {"version": "0.3", "axes": ["z", "y", "x"], "datasets": [{"path": "a"}]}}`), &attrs)
	require.NoError(t, err)
	require.Len(t, attrs.Multiscales, 1)
	assert.Equal(t, []dims.Dimension{dims.Z, dims.Y, dims.X}, attrs.Multiscales[0].AxisNames())
	assert.Empty(t, attrs.SpatialImageVersion)

	err = json.Unmarshal([]byte(`{"multiscaleSpatialImageVersion": "0.2", "multiscales": [
		{"axes": [{"name": "c", "type": "channel"}, {"name": "x", "type": "space", "unit": "micrometer"}], "datasets": [{"path": "0"}]},
		{"datasets": [{"path": "other"}]}
	]}`), &attrs)
	require.NoError(t, err)
	require.Len(t, attrs.Multiscales, 2)
	assert.Equal(t, "0.2", attrs.SpatialImageVersion)
	assert.Equal(t, Axis{Name: dims.X, Type: "space", Unit: "micrometer"}, attrs.Multiscales[0].Axes[1])
	assert.Equal(t, defaultAxes, attrs.Multiscales[1].AxisNames())

	assert.Error(t, json.Unmarshal([]byte(`{}`), &attrs))
	assert.Error(t, json.Unmarshal([]byte(`{"multiscales": []}`), &attrs))
	assert.Error(t, json.Unmarshal([]byte(`{"multiscales": [{"axes": ["w"], "datasets": []}]}`), &attrs))
}

func TestComputeTransform(t *testing.T) {
	ms := &Multiscale{CoordinateTransformations: []Transform{
		{Type: "scale", Scale: []float64{2, 3}},
		{Type: "translation", Translation: []float64{1, 1}},
	}}
	ds := &Dataset{Path: "0", CoordinateTransformations: []Transform{
		{Type: "scale", Scale: []float64{0.5, 2}},
		{Type: "translation", Translation: []float64{4, 5}},
	}}
	a, err := computeTransform(ms, ds, 2)
	require.NoError(t, err)
	assert.Equal(t, []float64{1, 6}, a.Scale)
	assert.Equal(t, []float64{9, 16}, a.Translation)

	_, err = composeTransforms([]Transform{{Type: "rotation"}}, 2)
	assert.Error(t, err)
	_, err = composeTransforms([]Transform{{Type: "scale", Scale: []float64{1}}}, 2)
	assert.Error(t, err)
}

func TestEnsureScaleTransforms(t *testing.T) {
	arrays := []*ArrayMeta{{Shape: []int{1, 64, 100}}, {Shape: []int{1, 32, 50}}, {Shape: []int{1, 16, 25}}}
	out := ensureScaleTransforms([]Dataset{{Path: "0"}, {Path: "1"}, {Path: "2"}}, arrays)
	require.Len(t, out, 3)
	assert.Equal(t, []float64{1, 1, 1}, out[0].CoordinateTransformations[0].Scale)
	assert.Equal(t, []float64{1, 4, 4}, out[2].CoordinateTransformations[0].Scale)

	declared := []Dataset{{Path: "0", CoordinateTransformations: []Transform{{Type: "scale", Scale: []float64{3, 3, 3}}}}, {Path: "1"}}
	assert.Equal(t, declared, ensureScaleTransforms(declared, arrays[:2]))
}

func TestFillValueBytes(t *testing.T) {
	be := dtype.DType{Type: dtype.UInt16, BigEndian: true}
	b, err := fillValueBytes(&ArrayMeta{FillValue: float64(258)}, be)
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2}, b)

	b, err = fillValueBytes(&ArrayMeta{}, dtype.DType{Type: dtype.Float64})
	require.NoError(t, err)
	assert.Equal(t, make([]byte, 8), b)

	b, err = fillValueBytes(&ArrayMeta{FillValue: "-Infinity"}, dtype.DType{Type: dtype.Float32})
	require.NoError(t, err)
	assert.True(t, math.IsInf(dtype.ValueAt(dtype.Float32, b), -1))

	_, err = fillValueBytes(&ArrayMeta{FillValue: "NaN"}, dtype.DType{Type: dtype.Int32})
	assert.Error(t, err)

	assert.Equal(t, []byte{1, 2, 1, 2, 1, 2}, repeatFillBytes([]byte{1, 2}, 3))
	assert.Equal(t, make([]byte, 4), repeatFillBytes([]byte{0, 0}, 2))
	assert.Nil(t, repeatFillBytes([]byte{1}, 0))
}

func TestArrayMetaDefaults(t *testing.T) {
	var meta ArrayMeta
	require.NoError(t, json.Unmarshal([]byte(`{"shape": [10, 10], "chunks": [4, 4], "dtype": "<i2", "compressor": null}`), &meta))
	assert.Equal(t, "raw", meta.CompressorID())
	assert.Equal(t, ".", meta.Separator())
	assert.Equal(t, 16, meta.ChunkElements())
	assert.NoError(t, meta.check())

	meta.Chunks = []int{4}
	assert.Error(t, meta.check())
}
