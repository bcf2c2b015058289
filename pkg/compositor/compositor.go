// Package compositor renders a windowed scan slice and alpha-blends label
// overlays on top of it.
package compositor

import (
	"fmt"
	"image/color"

	"ctviewer/internal/models"
	"ctviewer/pkg/slicer"
)

// Overlays are blended as out = 0.6*dst + 0.4*base. The weights are kept
// in tenths so the blend stays in integer arithmetic.
const (
	overlayWeight = 4
	baseWeight    = 10 - overlayWeight
)

// OverlayOpacity is the alpha applied to every overlay color.
const OverlayOpacity = float64(overlayWeight) / 10

// DimensionMismatchError reports an overlay whose grid differs from the scan.
type DimensionMismatchError struct {
	// Overlay is the upload position of the offending overlay
	Overlay int
	Scan    models.Dims
	Got     models.Dims
}

func (e *DimensionMismatchError) Error() string {
	return fmt.Sprintf("overlay %d has dimensions %s, scan has %s", e.Overlay, e.Got, e.Scan)
}

// OverlayColor returns the base color of the i-th overlay: channel i mod 3
// fully saturated, cycling red, green, blue.
func OverlayColor(i int) color.RGBA {
	c := color.RGBA{A: 255}
	switch i % 3 {
	case 0:
		c.R = 255
	case 1:
		c.G = 255
	case 2:
		c.B = 255
	}
	return c
}

// CheckOverlays verifies every overlay shares the scan grid.
func CheckOverlays(dims models.Dims, overlays []*models.Volume) error {
	for i, o := range overlays {
		if o.Dims() != dims {
			return &DimensionMismatchError{Overlay: i, Scan: dims, Got: o.Dims()}
		}
	}
	return nil
}

// Composite renders slice s of plane. windowed holds the display intensity
// of every scan voxel; overlays are blended strictly in the given order so
// later overlays dominate shared voxels.
func Composite(windowed []byte, overlays []*models.Volume, dims models.Dims, plane slicer.Plane, s int) (*models.DisplaySlice, error) {
	if len(windowed) != dims.Count() {
		return nil, fmt.Errorf("%w: windowed scan has %d samples for %s grid", models.ErrSampleCount, len(windowed), dims)
	}
	if err := CheckOverlays(dims, overlays); err != nil {
		return nil, err
	}

	layout, err := slicer.PlaneLayout(dims, plane)
	if err != nil {
		return nil, err
	}
	idx, err := layout.Map(s)
	if err != nil {
		return nil, err
	}

	out := models.NewDisplaySlice(layout.Width, layout.Height)
	px := out.Pixels

	// Opaque grayscale base
	for i, v := range idx {
		g := windowed[v]
		p := 4 * i
		px[p], px[p+1], px[p+2], px[p+3] = g, g, g, 255
	}

	for oi, o := range overlays {
		base := OverlayColor(oi)
		for i, v := range idx {
			if !o.Positive(v) {
				continue
			}
			p := 4 * i
			px[p] = blend(px[p], base.R)
			px[p+1] = blend(px[p+1], base.G)
			px[p+2] = blend(px[p+2], base.B)
		}
	}

	return out, nil
}

// blend rounds 0.6*dst + 0.4*src half up.
func blend(dst, src byte) byte {
	return byte((baseWeight*int(dst) + overlayWeight*int(src) + 5) / 10)
}
