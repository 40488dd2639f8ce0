package zarr

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/multiscale-tiles/server/internal/dims"
	"github.com/multiscale-tiles/server/internal/dtype"
)

// DefaultVersion is assumed for multiscales without a version.
const DefaultVersion = "0.4"

// defaultAxes is the axis order of NGFF v0.1, which does not name its axes.
var defaultAxes = []dims.Dimension{dims.T, dims.C, dims.Z, dims.Y, dims.X}

// Axis is an NGFF axis. Older versions list axes as bare names.
type Axis struct {
	Name dims.Dimension `json:"name"`
	Type string         `json:"type,omitempty"`
	Unit string         `json:"unit,omitempty"`
}

// UnmarshalJSON accepts "x" as well as {"name": "x", ...}.
func (a *Axis) UnmarshalJSON(b []byte) error {
	var name string
	if err := json.Unmarshal(b, &name); err == nil {
		return a.Name.UnmarshalText([]byte(name))
	}
	type plain Axis
	var p plain
	if err := json.Unmarshal(b, &p); err != nil {
		return err
	}
	*a = Axis(p)
	return nil
}

// Transform is a coordinate transformation of type "scale" or "translation".
type Transform struct {
	Type        string    `json:"type"`
	Scale       []float64 `json:"scale,omitempty"`
	Translation []float64 `json:"translation,omitempty"`
}

// Dataset is one scale of a multiscale image.
type Dataset struct {
	Path                      string      `json:"path"`
	CoordinateTransformations []Transform `json:"coordinateTransformations,omitempty"`
}

// Multiscale describes one multiscale image.
type Multiscale struct {
	Name                      string       `json:"name,omitempty"`
	Version                   string       `json:"version,omitempty"`
	Axes                      []Axis       `json:"axes,omitempty"`
	Datasets                  []Dataset    `json:"datasets"`
	CoordinateTransformations []Transform  `json:"coordinateTransformations,omitempty"`
	Direction                 [][]float64  `json:"direction,omitempty"`
	Ranges                    [][2]float64 `json:"ranges,omitempty"`
}

// AxisNames returns the axis dimensions, or t, c, z, y, x when none are listed.
func (m *Multiscale) AxisNames() []dims.Dimension {
	if len(m.Axes) == 0 {
		return append([]dims.Dimension(nil), defaultAxes...)
	}
	out := make([]dims.Dimension, len(m.Axes))
	for i, a := range m.Axes {
		out[i] = a.Name
	}
	return out
}

// RootAttrs is the root .zattrs of an image group.
type RootAttrs struct {
	Multiscales []Multiscale
	// SpatialImageVersion is set by multiscale-spatial-image writers, which
	// also write per-dataset .zattrs and coordinate arrays.
	SpatialImageVersion string
}

// UnmarshalJSON accepts "multiscales" as an array or a single object.
func (r *RootAttrs) UnmarshalJSON(b []byte) error {
	var raw struct {
		Multiscales json.RawMessage `json:"multiscales"`
		Version     interface{}     `json:"multiscaleSpatialImageVersion"`
	}
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	ms := bytes.TrimSpace(raw.Multiscales)
	if len(ms) == 0 || bytes.Equal(ms, []byte("null")) {
		return errors.New("missing multiscales")
	}
	if ms[0] == '[' {
		if err := json.Unmarshal(ms, &r.Multiscales); err != nil {
			return fmt.Errorf("multiscales: %w", err)
		}
	} else {
		var one Multiscale
		if err := json.Unmarshal(ms, &one); err != nil {
			return fmt.Errorf("multiscales: %w", err)
		}
		r.Multiscales = []Multiscale{one}
	}
	if len(r.Multiscales) == 0 {
		return errors.New("empty multiscales")
	}
	switch v := raw.Version.(type) {
	case nil:
	case string:
		r.SpatialImageVersion = v
	default:
		r.SpatialImageVersion = fmt.Sprint(v)
	}
	return nil
}

// DatasetAttrs is the optional .zattrs of one dataset array.
type DatasetAttrs struct {
	ArrayDimensions []string     `json:"_ARRAY_DIMENSIONS,omitempty"`
	Direction       [][]float64  `json:"direction,omitempty"`
	Ranges          [][2]float64 `json:"ranges,omitempty"`
}

// Compressor is the numcodecs configuration of an array.
type Compressor struct {
	ID        string `json:"id"`
	CName     string `json:"cname,omitempty"`
	CLevel    int    `json:"clevel,omitempty"`
	Shuffle   int    `json:"shuffle,omitempty"`
	BlockSize int    `json:"blocksize,omitempty"`
}

// ArrayMeta is a Zarr v2 .zarray document.
type ArrayMeta struct {
	ZarrFormat         int               `json:"zarr_format"`
	Shape              []int             `json:"shape"`
	Chunks             []int             `json:"chunks"`
	DType              string            `json:"dtype"`
	Compressor         *Compressor       `json:"compressor"`
	FillValue          interface{}       `json:"fill_value"`
	Order              string            `json:"order"`
	Filters            []json.RawMessage `json:"filters"`
	DimensionSeparator string            `json:"dimension_separator,omitempty"`
}

// CompressorID returns the codec id, "raw" for uncompressed arrays.
func (m *ArrayMeta) CompressorID() string {
	if m.Compressor == nil || m.Compressor.ID == "" {
		return "raw"
	}
	return m.Compressor.ID
}

// Separator returns the chunk key separator, "." by default.
func (m *ArrayMeta) Separator() string {
	if m.DimensionSeparator == "" {
		return "."
	}
	return m.DimensionSeparator
}

// ChunkElements returns the number of elements of one stored chunk.
func (m *ArrayMeta) ChunkElements() int {
	n := 1
	for _, c := range m.Chunks {
		n *= c
	}
	return n
}

func (m *ArrayMeta) check() error {
	if len(m.Shape) == 0 || len(m.Shape) != len(m.Chunks) {
		return fmt.Errorf("shape %v and chunks %v differ in rank", m.Shape, m.Chunks)
	}
	for i := range m.Shape {
		if m.Shape[i] < 1 || m.Chunks[i] < 1 {
			return fmt.Errorf("invalid shape %v or chunks %v", m.Shape, m.Chunks)
		}
	}
	if m.Order != "" && m.Order != "C" {
		return fmt.Errorf("unsupported array order %q", m.Order)
	}
	if len(m.Filters) > 0 {
		return fmt.Errorf("array filters are not supported")
	}
	return nil
}

// fillValueBytes encodes one element of the fill value in the array's byte
// order. A null fill value is zero.
func fillValueBytes(meta *ArrayMeta, dt dtype.DType) ([]byte, error) {
	size := dt.Type.Size()
	out := make([]byte, size)

	var v float64
	switch t := meta.FillValue.(type) {
	case nil:
		return out, nil
	case float64:
		v = t
	case bool:
		if t {
			v = 1
		}
	case string:
		switch strings.ToLower(t) {
		case "nan":
			v = math.NaN()
		case "infinity", "inf":
			v = math.Inf(1)
		case "-infinity", "-inf":
			v = math.Inf(-1)
		default:
			return nil, fmt.Errorf("unsupported fill_value %q", t)
		}
		if !dt.Type.Float() {
			return nil, fmt.Errorf("fill_value %q for integer dtype %s", t, dt)
		}
	default:
		return nil, fmt.Errorf("unsupported fill_value type %T", meta.FillValue)
	}

	dtype.PutValue(dt.Type, out, v)
	if dt.BigEndian {
		dtype.SwapBytes(out, size)
	}
	return out, nil
}

func repeatFillBytes(fill []byte, n int) []byte {
	if n <= 0 {
		return nil
	}
	out := make([]byte, len(fill)*n)
	if bytes.Count(fill, []byte{0}) == len(fill) {
		return out
	}
	for i := 0; i < n; i++ {
		copy(out[i*len(fill):], fill)
	}
	return out
}
