// Package slicer maps the 2D display grid of an axis-aligned viewing
// plane onto the linear sample layout of a volume.
//
// Each plane fixes one grid axis to the slice index and lets the other
// two vary as display coordinates:
//
//	plane     W   H   index(x, y, s)
//	axial     nx  ny  x + y*nx + s*nx*ny
//	coronal   nx  nz  x + s*nx + y*nx*ny
//	sagittal  ny  nz  s + x*nx + y*nx*ny
package slicer

import (
	"fmt"
	"strings"

	"ctviewer/internal/models"
)

// Plane is an axis-aligned viewing orientation.
type Plane int

const (
	Axial Plane = iota
	Coronal
	Sagittal
)

// Planes lists every plane in the order a plane selector presents them.
var Planes = []Plane{Axial, Sagittal, Coronal}

func (p Plane) String() string {
	switch p {
	case Axial:
		return "axial"
	case Coronal:
		return "coronal"
	case Sagittal:
		return "sagittal"
	default:
		return fmt.Sprintf("plane(%d)", int(p))
	}
}

// Valid reports whether p is one of the three known planes.
func (p Plane) Valid() bool {
	return p == Axial || p == Coronal || p == Sagittal
}

// ParsePlane converts a case-insensitive plane name.
func ParsePlane(s string) (Plane, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "axial":
		return Axial, nil
	case "coronal":
		return Coronal, nil
	case "sagittal":
		return Sagittal, nil
	}
	return 0, fmt.Errorf("unknown plane %q (must be axial, coronal or sagittal)", s)
}

// SliceIndexOutOfRangeError reports a slice index outside [0, Extent).
type SliceIndexOutOfRangeError struct {
	Plane  Plane
	Index  int
	Extent int
}

func (e *SliceIndexOutOfRangeError) Error() string {
	return fmt.Sprintf("%s slice %d out of range [0, %d)", e.Plane, e.Index, e.Extent)
}

// Layout is the resolved display geometry of one plane over one grid.
type Layout struct {
	Plane  Plane
	Dims   models.Dims
	Width  int
	Height int
}

// PlaneLayout resolves the output grid of plane over dims.
func PlaneLayout(dims models.Dims, plane Plane) (Layout, error) {
	if !dims.Valid() {
		return Layout{}, fmt.Errorf("%w: %s", models.ErrInvalidDims, dims)
	}

	l := Layout{Plane: plane, Dims: dims}
	switch plane {
	case Axial:
		l.Width, l.Height = dims.X, dims.Y
	case Coronal:
		l.Width, l.Height = dims.X, dims.Z
	case Sagittal:
		l.Width, l.Height = dims.Y, dims.Z
	default:
		return Layout{}, fmt.Errorf("invalid plane: %s", plane)
	}
	return l, nil
}

// Index returns the linear sample index for display coordinate (x, y)
// of slice s. Arguments are not range checked.
func (l Layout) Index(x, y, s int) int {
	nx, nxy := l.Dims.X, l.Dims.X*l.Dims.Y
	switch l.Plane {
	case Coronal:
		return x + s*nx + y*nxy
	case Sagittal:
		return s + x*nx + y*nxy
	default:
		return x + y*nx + s*nxy
	}
}

// Extent returns the number of slices along the plane's fixed axis.
func (l Layout) Extent() int {
	return Extent(l.Dims, l.Plane)
}

// DefaultSlice returns the mid-volume slice, floor(extent/2).
func (l Layout) DefaultSlice() int {
	return l.Extent() / 2
}

// Range returns the inclusive bounds for a slice control.
func (l Layout) Range() (min, max int) {
	return 0, l.Extent() - 1
}

// CheckSlice returns a *SliceIndexOutOfRangeError if s is not a valid slice.
func (l Layout) CheckSlice(s int) error {
	if ext := l.Extent(); s < 0 || s >= ext {
		return &SliceIndexOutOfRangeError{Plane: l.Plane, Index: s, Extent: ext}
	}
	return nil
}

// ClampSlice pulls s into [0, extent).
func (l Layout) ClampSlice(s int) int {
	if s < 0 {
		return 0
	}
	if ext := l.Extent(); s >= ext {
		return ext - 1
	}
	return s
}

// Map returns the linear sample index of every display pixel of slice s
// in row-major order, so callers can read several volumes sharing the
// grid without recomputing the mapping.
func (l Layout) Map(s int) ([]int, error) {
	if err := l.CheckSlice(s); err != nil {
		return nil, err
	}
	idx := make([]int, l.Width*l.Height)
	for y := 0; y < l.Height; y++ {
		row := idx[y*l.Width : (y+1)*l.Width]
		for x := range row {
			row[x] = l.Index(x, y, s)
		}
	}
	return idx, nil
}

// Extent returns the slice count of plane over dims: nz for axial,
// ny for coronal and nx for sagittal.
func Extent(dims models.Dims, plane Plane) int {
	switch plane {
	case Coronal:
		return dims.Y
	case Sagittal:
		return dims.X
	default:
		return dims.Z
	}
}

// DefaultSlice returns floor(extent/2) for plane over dims.
func DefaultSlice(dims models.Dims, plane Plane) int {
	return Extent(dims, plane) / 2
}
