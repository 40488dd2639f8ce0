// Package chunk enumerates the chunks that cover a region of a chunked array.
package chunk

import (
	"strconv"
	"strings"

	"github.com/multiscale-tiles/server/internal/dims"
)

// Index is a chunk coordinate tuple in CXYZT order.
type Index [5]int

// At returns the chunk coordinate along d.
func (i Index) At(d dims.Dimension) int {
	if !d.Valid() {
		return 0
	}
	return i[d]
}

// Plan lists every chunk intersecting b. Dimensions whose chunk count is 1 or
// absent collapse to chunk 0. Tuples are ordered t, z, y, x, c with c varying fastest.
func Plan(chunkSize, chunkCount dims.Map[int], b dims.Bounds) []Index {
	var lo, hi [5]int
	n := 1
	for _, d := range dims.CXYZT {
		lo[d], hi[d] = span(chunkSize.GetOr(d, 1), chunkCount.GetOr(d, 1), b.GetOr(d, dims.Range{}))
		n *= hi[d] - lo[d]
	}

	out := make([]Index, 0, n)
	for t := lo[dims.T]; t < hi[dims.T]; t++ {
		for z := lo[dims.Z]; z < hi[dims.Z]; z++ {
			for y := lo[dims.Y]; y < hi[dims.Y]; y++ {
				for x := lo[dims.X]; x < hi[dims.X]; x++ {
					for c := lo[dims.C]; c < hi[dims.C]; c++ {
						out = append(out, Index{c, x, y, z, t})
					}
				}
			}
		}
	}
	return out
}

// span returns the half-open chunk range [start, end) covering r.
func span(size, count int, r dims.Range) (int, int) {
	if count <= 1 || size <= 0 {
		return 0, 1
	}
	start := floorDiv(r.Min, size)
	end := ceilDiv(r.Max+1, size)
	if start < 0 {
		start = 0
	}
	if end > count {
		end = count
	}
	if end <= start {
		end = start + 1
	}
	return start, end
}

func floorDiv(a, b int) int {
	q := a / b
	if (a%b != 0) && ((a < 0) != (b < 0)) {
		q--
	}
	return q
}

func ceilDiv(a, b int) int {
	return -floorDiv(-a, b)
}

// Extent returns the index bounds covered by chunk idx over the dimensions of chunkSize.
func Extent(idx Index, chunkSize dims.Map[int]) dims.Bounds {
	var b dims.Bounds
	chunkSize.Each(func(d dims.Dimension, size int) {
		start := idx.At(d) * size
		b.Set(d, dims.Range{Min: start, Max: start + size - 1})
	})
	return b
}

// Key joins the chunk coordinates of order with sep, e.g. "0.1.3".
func Key(idx Index, order []dims.Dimension, sep string) string {
	parts := make([]string, len(order))
	for i, d := range order {
		parts[i] = strconv.Itoa(idx.At(d))
	}
	return strings.Join(parts, sep)
}
