package watershed

import (
	"math"
)

// reflect maps an out-of-range index back into [0, n) by mirroring about the
// edges, repeating the edge sample: d c b a | a b c d | d c b a.
func reflect(i, n int) int {
	if n == 1 {
		return 0
	}
	period := 2 * n
	i %= period
	if i < 0 {
		i += period
	}
	if i >= n {
		i = period - i - 1
	}
	return i
}

// correlate1D correlates data along one axis with a centred odd-length
// kernel, reflecting at the borders.
func correlate1D(data []float64, dims [3]int, axis int, kernel []float64) []float64 {
	out := make([]float64, len(data))
	radius := len(kernel) / 2
	stride := [3]int{1, dims[0], dims[0] * dims[1]}[axis]
	n := dims[axis]

	for idx := range data {
		pos := (idx / stride) % n
		base := idx - pos*stride
		var s float64
		for k, w := range kernel {
			if w == 0 {
				continue
			}
			s += w * data[base+reflect(pos+k-radius, n)*stride]
		}
		out[idx] = s
	}
	return out
}

// gaussianKernel returns the normalised sampled Gaussian truncated at four
// standard deviations.
func gaussianKernel(sigma float64) []float64 {
	radius := int(4*sigma + 0.5)
	k := make([]float64, 2*radius+1)
	var sum float64
	for i := range k {
		x := float64(i - radius)
		k[i] = math.Exp(-0.5 * x * x / (sigma * sigma))
		sum += k[i]
	}
	for i := range k {
		k[i] /= sum
	}
	return k
}

// GaussianSmooth applies an isotropic Gaussian filter of the given sigma (in
// voxels). A zero sigma returns a copy.
func GaussianSmooth(data []float64, dims [3]int, sigma float64) []float64 {
	if sigma <= 0 {
		return append([]float64(nil), data...)
	}
	k := gaussianKernel(sigma)
	out := append([]float64(nil), data...)
	for axis := 0; axis < 3; axis++ {
		if dims[axis] > 1 {
			out = correlate1D(out, dims, axis, k)
		}
	}
	return out
}

// SobelMagnitude returns sqrt(sum over axes of the squared Sobel derivative).
// Each derivative is a central difference along its axis smoothed with
// [1 2 1] along the others.
func SobelMagnitude(data []float64, dims [3]int) []float64 {
	deriv := []float64{-1, 0, 1}
	smooth := []float64{1, 2, 1}
	mag := make([]float64, len(data))
	for axis := 0; axis < 3; axis++ {
		g := correlate1D(data, dims, axis, deriv)
		for other := 0; other < 3; other++ {
			if other != axis {
				g = correlate1D(g, dims, other, smooth)
			}
		}
		for i, v := range g {
			mag[i] += v * v
		}
	}
	for i, v := range mag {
		mag[i] = math.Sqrt(v)
	}
	return mag
}

// DistanceTransform returns, for every voxel with mask set, the Euclidean
// distance to the nearest voxel without it (zero outside the mask). spacing
// scales each axis; with no background voxel at all every masked voxel is
// +Inf.
func DistanceTransform(mask []bool, dims [3]int, spacing [3]float64) []float64 {
	f := make([]float64, len(mask))
	for i, m := range mask {
		if m {
			f[i] = math.Inf(1)
		}
	}

	maxN := dims[0]
	if dims[1] > maxN {
		maxN = dims[1]
	}
	if dims[2] > maxN {
		maxN = dims[2]
	}
	line := make([]float64, maxN)
	res := make([]float64, maxN)
	v := make([]int, maxN)
	z := make([]float64, maxN+1)

	for axis := 0; axis < 3; axis++ {
		n := dims[axis]
		stride := [3]int{1, dims[0], dims[0] * dims[1]}[axis]
		sp := spacing[axis]
		if sp <= 0 {
			sp = 1
		}
		for idx := range f {
			if (idx/stride)%n != 0 {
				continue
			}
			for k := 0; k < n; k++ {
				line[k] = f[idx+k*stride]
			}
			squaredDistance1D(line[:n], res[:n], v, z, sp)
			for k := 0; k < n; k++ {
				f[idx+k*stride] = res[k]
			}
		}
	}

	for i := range f {
		f[i] = math.Sqrt(f[i])
	}
	return f
}

// squaredDistance1D is the lower envelope of parabolas (Felzenszwalb and
// Huttenlocher) over samples spaced sp apart. Infinite samples are not sites.
func squaredDistance1D(f, d []float64, v []int, z []float64, sp float64) {
	n := len(f)
	k := -1
	for q := 0; q < n; q++ {
		if math.IsInf(f[q], 1) {
			continue
		}
		xq := float64(q) * sp
		var s float64
		for k >= 0 {
			xp := float64(v[k]) * sp
			s = ((f[q] + xq*xq) - (f[v[k]] + xp*xp)) / (2 * (xq - xp))
			if s > z[k] {
				break
			}
			k--
		}
		k++
		v[k] = q
		if k == 0 {
			z[0] = math.Inf(-1)
		} else {
			z[k] = s
		}
		z[k+1] = math.Inf(1)
	}

	if k < 0 {
		for q := range d {
			d[q] = math.Inf(1)
		}
		return
	}
	j := 0
	for q := 0; q < n; q++ {
		xq := float64(q) * sp
		for z[j+1] < xq {
			j++
		}
		dx := xq - float64(v[j])*sp
		d[q] = dx*dx + f[v[j]]
	}
}
