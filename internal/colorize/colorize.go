// Package colorize renders label-id maps as RGB images for reporting.
package colorize

import (
	"image"
	"image/color"

	"github.com/pkg/errors"
)

// Palette maps label ids to stable colors.
type Palette struct {
	colors []color.RGBA
}

// NewPalette builds a palette for n label ids. Colors are spread by bit
// interleaving so neighbouring ids stay visually distinct.
func NewPalette(n int) Palette {
	colors := make([]color.RGBA, n)
	for id := 0; id < n; id++ {
		var r, g, b uint8
		v := id
		for shift := 7; shift >= 0 && v > 0; shift-- {
			r |= uint8(v&1) << shift
			g |= uint8((v>>1)&1) << shift
			b |= uint8((v>>2)&1) << shift
			v >>= 3
		}
		colors[id] = color.RGBA{R: r, G: g, B: b, A: 255}
	}
	return Palette{colors: colors}
}

// Color returns the color for a label id; out-of-range ids are black.
func (p Palette) Color(id int) color.RGBA {
	if id < 0 || id >= len(p.colors) {
		return color.RGBA{A: 255}
	}
	return p.colors[id]
}

// Image renders a row-major label map of the given size.
func (p Palette) Image(labels []int, width, height int) (*image.RGBA, error) {
	if len(labels) != width*height {
		return nil, errors.Errorf("colorize: %d labels for %dx%d map", len(labels), width, height)
	}
	img := image.NewRGBA(image.Rect(0, 0, width, height))
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			img.SetRGBA(x, y, p.Color(labels[y*width+x]))
		}
	}
	return img, nil
}
