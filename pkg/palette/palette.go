// Package palette provides categorical colors for preview rendering.
package palette

import (
	"image/color"
)

// Palette assigns distinct colors to category indices.
type Palette struct {
	colors []color.RGBA
}

// AtIndex returns the color at index i (wraps around).
func (p Palette) AtIndex(i int) color.RGBA {
	if i < 0 {
		i = -i
	}
	return p.colors[i%len(p.colors)]
}

// Len returns the number of distinct colors.
func (p Palette) Len() int {
	return len(p.colors)
}

// Lighten blends a color toward white by t (0 keeps the color, 1 is white).
func Lighten(c color.RGBA, t float64) color.RGBA {
	if t < 0 {
		t = 0
	}
	if t > 1 {
		t = 1
	}
	return color.RGBA{
		R: uint8(float64(c.R) + t*(255-float64(c.R))),
		G: uint8(float64(c.G) + t*(255-float64(c.G))),
		B: uint8(float64(c.B) + t*(255-float64(c.B))),
		A: 255,
	}
}

// Regions is the default palette for region coloring.
var Regions = Palette{
	colors: []color.RGBA{
		{31, 119, 180, 255},  // Blue
		{255, 127, 14, 255},  // Orange
		{44, 160, 44, 255},   // Green
		{214, 39, 40, 255},   // Red
		{148, 103, 189, 255}, // Purple
		{140, 86, 75, 255},   // Brown
		{227, 119, 194, 255}, // Pink
		{188, 189, 34, 255},  // Olive
		{23, 190, 207, 255},  // Cyan
	},
}

// Mock is the color used for the permuted negative-control region, kept out
// of the rotation so it always reads as "not a real region".
var Mock = color.RGBA{127, 127, 127, 255}
