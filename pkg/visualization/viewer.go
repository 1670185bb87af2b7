// Package visualization renders label volumes as colour-coded PNG slices.
package visualization

import (
	"fmt"
	"image"
	"image/color"
	"image/png"
	"math"
	"os"
	"path/filepath"

	"github.com/lucasb-eyer/go-colorful"

	"brainparcel/internal/models"
)

// goldenAngle spreads consecutive label hues around the colour wheel.
const goldenAngle = 137.50776405003785

// Palette returns n distinct colours for labels 1..n. Adjacent labels get
// hues roughly 137.5 degrees apart.
func Palette(n int) []colorful.Color {
	pal := make([]colorful.Color, n)
	for i := range pal {
		hue := math.Mod(float64(i)*goldenAngle, 360)
		// alternate lightness so hues that wrap close together stay apart
		l := 0.55 + 0.15*float64(i%3)/2
		pal[i] = colorful.Hcl(hue, 0.65, l).Clamped()
	}
	return pal
}

// Viewer renders slices of a segmentation, optionally blended over the
// intensity volume it was computed from.
type Viewer struct {
	seg *models.Segmentation

	// background holds intensities scaled to [0,1], or nil
	background []float64

	palette []colorful.Color

	// Alpha is the label opacity over the background, in [0,1].
	Alpha float64
}

// NewViewer creates a viewer for seg. vol may be nil; when given it must have
// the same dimensions as seg.
func NewViewer(seg *models.Segmentation, vol *models.Volume) (*Viewer, error) {
	if len(seg.Labels) != seg.Width*seg.Height*seg.Depth {
		return nil, fmt.Errorf("segmentation buffer does not match %dx%dx%d", seg.Width, seg.Height, seg.Depth)
	}
	v := &Viewer{seg: seg, palette: Palette(seg.NumRegions()), Alpha: 1}
	if vol != nil {
		if vol.Width != seg.Width || vol.Height != seg.Height || vol.Depth != seg.Depth {
			return nil, fmt.Errorf("volume %v does not match segmentation %dx%dx%d",
				vol.Dims(), seg.Width, seg.Height, seg.Depth)
		}
		v.background = normalize(vol.Data)
		v.Alpha = 0.5
	}
	return v, nil
}

func normalize(data []float64) []float64 {
	lo, hi := math.Inf(1), math.Inf(-1)
	for _, x := range data {
		lo = math.Min(lo, x)
		hi = math.Max(hi, x)
	}
	out := make([]float64, len(data))
	if hi <= lo {
		return out
	}
	for i, x := range data {
		out[i] = (x - lo) / (hi - lo)
	}
	return out
}

// Color returns the display colour of voxel idx.
func (v *Viewer) Color(idx int) color.RGBA {
	var bg colorful.Color
	if v.background != nil {
		g := v.background[idx]
		bg = colorful.Color{R: g, G: g, B: g}
	}
	c := bg
	if l := v.seg.Labels[idx]; l > 0 && int(l) <= len(v.palette) {
		c = bg.BlendLab(v.palette[l-1], v.Alpha).Clamped()
	}
	r, g, b := c.RGB255()
	return color.RGBA{R: r, G: g, B: b, A: 255}
}

// ExtractSlice renders the plane at position along axis x, y or z.
func (v *Viewer) ExtractSlice(axis string, position int) (*image.RGBA, error) {
	if position < 0 {
		return nil, fmt.Errorf("position must be non-negative")
	}
	w, h, d := v.seg.Width, v.seg.Height, v.seg.Depth
	index := func(x, y, z int) int { return z*w*h + y*w + x }

	var img *image.RGBA
	switch axis {
	case "x", "X":
		// YZ plane
		if position >= w {
			return nil, fmt.Errorf("position %d exceeds width %d", position, w)
		}
		img = image.NewRGBA(image.Rect(0, 0, d, h))
		for y := 0; y < h; y++ {
			for z := 0; z < d; z++ {
				img.SetRGBA(z, y, v.Color(index(position, y, z)))
			}
		}

	case "y", "Y":
		// XZ plane
		if position >= h {
			return nil, fmt.Errorf("position %d exceeds height %d", position, h)
		}
		img = image.NewRGBA(image.Rect(0, 0, w, d))
		for z := 0; z < d; z++ {
			for x := 0; x < w; x++ {
				img.SetRGBA(x, z, v.Color(index(x, position, z)))
			}
		}

	case "z", "Z":
		// XY plane
		if position >= d {
			return nil, fmt.Errorf("position %d exceeds depth %d", position, d)
		}
		img = image.NewRGBA(image.Rect(0, 0, w, h))
		for y := 0; y < h; y++ {
			for x := 0; x < w; x++ {
				img.SetRGBA(x, y, v.Color(index(x, y, position)))
			}
		}

	default:
		return nil, fmt.Errorf("invalid axis: %s (must be x, y, or z)", axis)
	}

	return img, nil
}

// SaveSlice writes img as a PNG file.
func (v *Viewer) SaveSlice(img image.Image, filename string) (err error) {
	file, err := os.Create(filename)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := file.Close(); err == nil {
			err = cerr
		}
	}()

	return png.Encode(file, img)
}

// SaveSliceSequence writes every slice along axis to outputDir as
// <prefix>_<axis>_NNN.png and returns the number written.
func (v *Viewer) SaveSliceSequence(axis, outputDir, prefix string) (int, error) {
	if err := os.MkdirAll(outputDir, 0755); err != nil {
		return 0, err
	}

	var maxPos int
	switch axis {
	case "x", "X":
		maxPos = v.seg.Width
	case "y", "Y":
		maxPos = v.seg.Height
	case "z", "Z":
		maxPos = v.seg.Depth
	default:
		return 0, fmt.Errorf("invalid axis: %s (must be x, y, or z)", axis)
	}

	for pos := 0; pos < maxPos; pos++ {
		img, err := v.ExtractSlice(axis, pos)
		if err != nil {
			return pos, err
		}

		filename := filepath.Join(outputDir, fmt.Sprintf("%s_%s_%03d.png", prefix, axis, pos))
		if err := v.SaveSlice(img, filename); err != nil {
			return pos, err
		}
	}

	return maxPos, nil
}
