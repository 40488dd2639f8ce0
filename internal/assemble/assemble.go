// Package assemble copies decoded chunks into one contiguous region buffer and
// computes per-component intensity ranges.
package assemble

import (
	"context"
	"fmt"
	"math"
	"runtime"

	"golang.org/x/sync/errgroup"

	"github.com/multiscale-tiles/server/internal/chunk"
	"github.com/multiscale-tiles/server/internal/dims"
	"github.com/multiscale-tiles/server/internal/dtype"
)

// Request describes one region to assemble.
type Request struct {
	// Dims is the storage order of every chunk buffer, slowest first.
	Dims []dims.Dimension
	// ChunkSize gives the element count of a chunk along each dimension.
	ChunkSize    dims.Map[int]
	DType        dtype.DType
	ChunkIndices []chunk.Index
	Chunks       [][]byte
	// Start and End bound the region per dimension; End is exclusive.
	Start, End   dims.Map[int]
	RangesNeeded bool
}

// Result is an assembled region laid out with components interleaved, then x, y, z, t.
type Result struct {
	Data   []byte
	Ranges [][2]float64
}

// Assembler assembles regions using a bounded number of goroutines.
type Assembler struct {
	workers int
}

// New creates an assembler. workers <= 0 uses the CPU count.
func New(workers int) *Assembler {
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	return &Assembler{workers: workers}
}

type layout struct {
	start, end [5]int
	shape      [5]int
	outStride  [5]int
	chunkSize  [5]int
	chunkStr   [5]int
	chunkLen   int
	elem       int
}

func newLayout(req Request) (layout, error) {
	var l layout
	l.elem = req.DType.Type.Size()
	if l.elem == 0 {
		return l, fmt.Errorf("%w: %s", dtype.ErrUnsupported, req.DType.Type)
	}
	for _, d := range dims.CXYZT {
		l.start[d] = req.Start.GetOr(d, 0)
		l.end[d] = req.End.GetOr(d, l.start[d]+1)
		l.shape[d] = l.end[d] - l.start[d]
		if l.shape[d] < 1 {
			return l, fmt.Errorf("empty region along %s: [%d, %d)", d, l.start[d], l.end[d])
		}
		l.chunkSize[d] = req.ChunkSize.GetOr(d, 1)
		if l.chunkSize[d] < 1 {
			return l, fmt.Errorf("invalid chunk size %d along %s", l.chunkSize[d], d)
		}
	}

	stride := 1
	for _, d := range []dims.Dimension{dims.C, dims.X, dims.Y, dims.Z, dims.T} {
		l.outStride[d] = stride
		stride *= l.shape[d]
	}

	stride = 1
	for i := len(req.Dims) - 1; i >= 0; i-- {
		d := req.Dims[i]
		l.chunkStr[d] = stride
		stride *= l.chunkSize[d]
	}
	l.chunkLen = stride
	return l, nil
}

func (l layout) elements() int {
	n := 1
	for _, s := range l.shape {
		n *= s
	}
	return n
}

// Assemble builds the region described by req.
func (a *Assembler) Assemble(ctx context.Context, req Request) (*Result, error) {
	if len(req.Chunks) != len(req.ChunkIndices) {
		return nil, fmt.Errorf("got %d chunks for %d chunk indices", len(req.Chunks), len(req.ChunkIndices))
	}
	l, err := newLayout(req)
	if err != nil {
		return nil, err
	}
	out := make([]byte, l.elements()*l.elem)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(a.workers)
	for i := range req.ChunkIndices {
		idx, data := req.ChunkIndices[i], req.Chunks[i]
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			return l.copyChunk(out, idx, data)
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	if req.DType.BigEndian {
		a.parallel(len(out)/l.elem, func(lo, hi int) {
			dtype.SwapBytes(out[lo*l.elem:hi*l.elem], l.elem)
		})
	}

	res := &Result{Data: out}
	if req.RangesNeeded {
		res.Ranges = a.ranges(out, req.DType.Type, l.shape[dims.C])
	}
	return res, nil
}

// copyChunk writes the part of chunk idx that overlaps the region into out.
// Chunks never overlap, so concurrent calls touch disjoint bytes.
func (l layout) copyChunk(out []byte, idx chunk.Index, data []byte) error {
	if len(data) < l.chunkLen*l.elem {
		return fmt.Errorf("chunk %v has %d bytes, want %d", idx, len(data), l.chunkLen*l.elem)
	}

	var lo, hi, origin [5]int
	for _, d := range dims.CXYZT {
		origin[d] = idx.At(d) * l.chunkSize[d]
		lo[d] = max(l.start[d], origin[d])
		hi[d] = min(l.end[d], origin[d]+l.chunkSize[d])
		if lo[d] >= hi[d] {
			return nil
		}
	}

	e := l.elem
	c, x := dims.C, dims.X
	contiguousX := l.shape[c] == 1 && l.chunkStr[x] == 1
	runLen := (hi[x] - lo[x]) * e

	for t := lo[dims.T]; t < hi[dims.T]; t++ {
		for z := lo[dims.Z]; z < hi[dims.Z]; z++ {
			for y := lo[dims.Y]; y < hi[dims.Y]; y++ {
				srcRow := (t-origin[dims.T])*l.chunkStr[dims.T] +
					(z-origin[dims.Z])*l.chunkStr[dims.Z] +
					(y-origin[dims.Y])*l.chunkStr[dims.Y]
				dstRow := (t-l.start[dims.T])*l.outStride[dims.T] +
					(z-l.start[dims.Z])*l.outStride[dims.Z] +
					(y-l.start[dims.Y])*l.outStride[dims.Y]

				if contiguousX {
					s := (srcRow + (lo[x]-origin[x])*l.chunkStr[x] + (lo[c]-origin[c])*l.chunkStr[c]) * e
					d := (dstRow + (lo[x] - l.start[x])) * e
					copy(out[d:d+runLen], data[s:s+runLen])
					continue
				}
				for xi := lo[x]; xi < hi[x]; xi++ {
					for ci := lo[c]; ci < hi[c]; ci++ {
						s := (srcRow + (xi-origin[x])*l.chunkStr[x] + (ci-origin[c])*l.chunkStr[c]) * e
						d := (dstRow + (xi-l.start[x])*l.outStride[x] + (ci - l.start[c])) * e
						copy(out[d:d+e], data[s:s+e])
					}
				}
			}
		}
	}
	return nil
}

// parallel splits [0, n) into one span per worker.
func (a *Assembler) parallel(n int, fn func(lo, hi int)) {
	if n == 0 {
		return
	}
	splits := a.workers
	if splits > n {
		splits = n
	}
	step := (n + splits - 1) / splits
	var g errgroup.Group
	for lo := 0; lo < n; lo += step {
		lo, hi := lo, min(lo+step, n)
		g.Go(func() error {
			fn(lo, hi)
			return nil
		})
	}
	_ = g.Wait()
}

// ranges returns [min, max] per component, ignoring NaN. A component with no
// finite value gets [0, 0].
func (a *Assembler) ranges(data []byte, t dtype.Type, components int) [][2]float64 {
	e := t.Size()
	pixels := len(data) / e / components
	partials := make([][][2]float64, 0, a.workers)
	results := make(chan [][2]float64, a.workers+1)

	a.parallel(pixels, func(lo, hi int) {
		r := emptyRanges(components)
		for p := lo; p < hi; p++ {
			for c := 0; c < components; c++ {
				off := (p*components + c) * e
				v := dtype.ValueAt(t, data[off:off+e])
				if math.IsNaN(v) {
					continue
				}
				if v < r[c][0] {
					r[c][0] = v
				}
				if v > r[c][1] {
					r[c][1] = v
				}
			}
		}
		results <- r
	})
	close(results)
	for r := range results {
		partials = append(partials, r)
	}

	merged := emptyRanges(components)
	for _, r := range partials {
		for c := range merged {
			merged[c][0] = math.Min(merged[c][0], r[c][0])
			merged[c][1] = math.Max(merged[c][1], r[c][1])
		}
	}
	for c := range merged {
		if merged[c][0] > merged[c][1] {
			merged[c] = [2]float64{0, 0}
		}
	}
	return merged
}

func emptyRanges(n int) [][2]float64 {
	r := make([][2]float64, n)
	for i := range r {
		r[i] = [2]float64{math.Inf(1), math.Inf(-1)}
	}
	return r
}
