package models

import (
	"image"
	"image/color"
)

// DisplaySlice is a composited 2D RGBA pixel grid ready to be painted.
type DisplaySlice struct {
	// Width and Height are the output grid dimensions for the viewing plane
	Width  int
	Height int

	// Pixels holds Width*Height RGBA quadruplets in row-major order
	Pixels []byte
}

// NewDisplaySlice allocates a fully transparent slice of the given size.
func NewDisplaySlice(width, height int) *DisplaySlice {
	return &DisplaySlice{
		Width:  width,
		Height: height,
		Pixels: make([]byte, width*height*4),
	}
}

// RGBA returns the pixel at (x, y).
func (s *DisplaySlice) RGBA(x, y int) color.RGBA {
	p := 4 * (x + y*s.Width)
	return color.RGBA{R: s.Pixels[p], G: s.Pixels[p+1], B: s.Pixels[p+2], A: s.Pixels[p+3]}
}

// Image wraps the pixel buffer as an *image.RGBA without copying.
// Every pixel is opaque, so the premultiplied and straight forms agree.
func (s *DisplaySlice) Image() *image.RGBA {
	return &image.RGBA{
		Pix:    s.Pixels,
		Stride: 4 * s.Width,
		Rect:   image.Rect(0, 0, s.Width, s.Height),
	}
}
