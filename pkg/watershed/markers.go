package watershed

import (
	"brainparcel/pkg/neighbor"
)

// stencil is a neighbour offset list resolved against image dimensions.
type stencil struct {
	dims    [3]int
	offsets []neighbor.Offset
}

func newStencil(dims [3]int, conn neighbor.Connectivity) (stencil, error) {
	offs, err := conn.Offsets()
	if err != nil {
		return stencil{}, err
	}
	return stencil{dims: dims, offsets: offs}, nil
}

// each calls fn with the flattened index of every in-bounds neighbour of idx.
func (s stencil) each(idx int, fn func(int)) {
	w, h, d := s.dims[0], s.dims[1], s.dims[2]
	x, y, z := idx%w, (idx/w)%h, idx/(w*h)
	for _, o := range s.offsets {
		nx, ny, nz := x+o[0], y+o[1], z+o[2]
		if nx < 0 || ny < 0 || nz < 0 || nx >= w || ny >= h || nz >= d {
			continue
		}
		fn(nz*w*h + ny*w + nx)
	}
}

// localMaxima marks masked voxels that no masked neighbour exceeds. Plateaus
// are kept whole.
func localMaxima(data []float64, mask []bool, st stencil) []bool {
	peaks := make([]bool, len(data))
	for idx, v := range data {
		if !mask[idx] {
			continue
		}
		peak := true
		st.each(idx, func(n int) {
			if mask[n] && data[n] > v {
				peak = false
			}
		})
		peaks[idx] = peak
	}
	return peaks
}

// labelComponents numbers the connected components of set in scan order,
// starting at 1. It returns the label array and the component count.
func labelComponents(set []bool, st stencil) ([]int32, int) {
	labels := make([]int32, len(set))
	var next int32
	queue := make([]int, 0, 64)
	for start, in := range set {
		if !in || labels[start] != 0 {
			continue
		}
		next++
		labels[start] = next
		queue = append(queue[:0], start)
		for len(queue) > 0 {
			cur := queue[len(queue)-1]
			queue = queue[:len(queue)-1]
			st.each(cur, func(n int) {
				if set[n] && labels[n] == 0 {
					labels[n] = next
					queue = append(queue, n)
				}
			})
		}
	}
	return labels, int(next)
}
