// Package render draws image slices as PNG using fogleman/gg.
package render

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"math"
	"sync"

	"github.com/fogleman/gg"

	"github.com/multiscale-tiles/server/internal/dtype"
	"github.com/multiscale-tiles/server/pkg/colormap"
)

// ErrUnknownColormap is returned for colormap names the renderer does not know.
var ErrUnknownColormap = errors.New("unknown colormap")

// Config contains renderer configuration.
type Config struct {
	// MinSize enlarges slices whose longest side is shorter, by whole pixels.
	MinSize         int
	DefaultColormap string
}

// Slice is one 2-D plane: components interleaved, then x, then y.
type Slice struct {
	Width         int
	Height        int
	ComponentType dtype.Type
	Components    int
	Data          []byte
	// Ranges holds [min, max] per component, used when no window is given.
	Ranges [][2]float64
}

// Options select what to draw.
type Options struct {
	Colormap  string
	Component int
	// Window overrides the intensity range mapped onto the colormap.
	Window *[2]float64
}

// SliceRenderer renders slices.
type SliceRenderer struct {
	config     Config
	bufferPool sync.Pool
}

// NewSliceRenderer creates a new slice renderer.
func NewSliceRenderer(cfg Config) *SliceRenderer {
	if cfg.DefaultColormap == "" {
		cfg.DefaultColormap = "gray"
	}
	return &SliceRenderer{
		config: cfg,
		bufferPool: sync.Pool{
			New: func() interface{} {
				return bytes.NewBuffer(make([]byte, 0, 32*1024))
			},
		},
	}
}

// PixelSize returns the edge length in output pixels of one voxel of a
// width x height slice.
func (r *SliceRenderer) PixelSize(width, height int) int {
	longest := width
	if height > longest {
		longest = height
	}
	if longest <= 0 || r.config.MinSize <= longest {
		return 1
	}
	return r.config.MinSize / longest
}

// Render draws s as a PNG. NaN voxels and background labels are transparent.
func (r *SliceRenderer) Render(s Slice, opts Options) ([]byte, error) {
	if s.Width <= 0 || s.Height <= 0 {
		return nil, fmt.Errorf("invalid slice size %dx%d", s.Width, s.Height)
	}
	components := s.Components
	if components < 1 {
		components = 1
	}
	if opts.Component < 0 || opts.Component >= components {
		return nil, fmt.Errorf("component %d out of range [0, %d)", opts.Component, components)
	}
	elem := s.ComponentType.Size()
	if elem == 0 {
		return nil, fmt.Errorf("invalid component type %s", s.ComponentType)
	}
	if want := s.Width * s.Height * components * elem; len(s.Data) != want {
		return nil, fmt.Errorf("slice has %d bytes, want %d", len(s.Data), want)
	}

	name := opts.Colormap
	if name == "" {
		name = r.config.DefaultColormap
	}
	cmap, ok := colormap.ByName(name)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownColormap, name)
	}
	categorical := colormap.IsCategorical(cmap)

	lo, hi := 0.0, 1.0
	switch {
	case opts.Window != nil:
		lo, hi = opts.Window[0], opts.Window[1]
	case opts.Component < len(s.Ranges):
		lo, hi = s.Ranges[opts.Component][0], s.Ranges[opts.Component][1]
	}
	if hi < lo {
		lo, hi = hi, lo
	}
	span := hi - lo
	if span == 0 {
		span = 1
	}

	k := r.PixelSize(s.Width, s.Height)
	dc := gg.NewContext(s.Width*k, s.Height*k)
	dc.SetColor(color.Transparent)
	dc.Clear()
	canvas, _ := dc.Image().(*image.RGBA)

	stride := components * elem
	for y := 0; y < s.Height; y++ {
		for x := 0; x < s.Width; x++ {
			off := (y*s.Width+x)*stride + opts.Component*elem
			v := dtype.ValueAt(s.ComponentType, s.Data[off:off+elem])
			if math.IsNaN(v) {
				continue
			}

			var c color.Color
			if categorical {
				// label 0 is background
				if v == 0 {
					continue
				}
				c = cmap.AtIndex(int(v) - 1)
			} else {
				c = cmap.At((v - lo) / span)
			}

			if k == 1 && canvas != nil {
				canvas.Set(x, y, c)
				continue
			}
			dc.SetColor(c)
			dc.DrawRectangle(float64(x*k), float64(y*k), float64(k), float64(k))
			dc.Fill()
		}
	}

	return r.encodeContext(dc)
}

func (r *SliceRenderer) encodeContext(dc *gg.Context) ([]byte, error) {
	buf := r.bufferPool.Get().(*bytes.Buffer)
	defer func() {
		buf.Reset()
		r.bufferPool.Put(buf)
	}()

	encoder := png.Encoder{CompressionLevel: png.BestSpeed}
	if err := encoder.Encode(buf, dc.Image()); err != nil {
		return nil, err
	}

	// Copy buffer contents (buffer will be reused)
	result := make([]byte, buf.Len())
	copy(result, buf.Bytes())
	return result, nil
}
