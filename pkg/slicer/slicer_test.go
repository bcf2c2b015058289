package slicer

import (
	"errors"
	"testing"

	"ctviewer/internal/models"
)

// TestAxialTwoCube verifies the 2x2x2 reference layout
func TestAxialTwoCube(t *testing.T) {
	l, err := PlaneLayout(models.Dims{X: 2, Y: 2, Z: 2}, Axial)
	if err != nil {
		t.Fatalf("PlaneLayout failed: %v", err)
	}

	for s, want := range [][]int{{0, 1, 2, 3}, {4, 5, 6, 7}} {
		got, err := l.Map(s)
		if err != nil {
			t.Fatalf("Map(%d) failed: %v", s, err)
		}
		for i := range want {
			if got[i] != want[i] {
				t.Errorf("Axial slice %d: expected indices %v, got %v", s, want, got)
				break
			}
		}
	}

	// (x, y) grid of slice 0 is [[0,1],[2,3]]
	if l.Index(1, 0, 0) != 1 || l.Index(0, 1, 0) != 2 {
		t.Errorf("Expected row-major x/y mapping, got %d and %d", l.Index(1, 0, 0), l.Index(0, 1, 0))
	}
}

// TestPlaneLayoutDimensions verifies output grid sizes and slice extents per plane
func TestPlaneLayoutDimensions(t *testing.T) {
	dims := models.Dims{X: 4, Y: 3, Z: 5}
	tests := []struct {
		plane         Plane
		width, height int
		extent        int
	}{
		{Axial, 4, 3, 5},
		{Coronal, 4, 5, 3},
		{Sagittal, 3, 5, 4},
	}

	for _, tt := range tests {
		l, err := PlaneLayout(dims, tt.plane)
		if err != nil {
			t.Fatalf("PlaneLayout(%s) failed: %v", tt.plane, err)
		}
		if l.Width != tt.width || l.Height != tt.height {
			t.Errorf("%s: expected %dx%d, got %dx%d", tt.plane, tt.width, tt.height, l.Width, l.Height)
		}
		if l.Extent() != tt.extent {
			t.Errorf("%s: expected extent %d, got %d", tt.plane, tt.extent, l.Extent())
		}
		if lo, hi := l.Range(); lo != 0 || hi != tt.extent-1 {
			t.Errorf("%s: expected range [0, %d], got [%d, %d]", tt.plane, tt.extent-1, lo, hi)
		}
	}
}

// TestPlaneCoversVolume verifies that the slices of each plane visit every voxel exactly once
func TestPlaneCoversVolume(t *testing.T) {
	dims := models.Dims{X: 4, Y: 3, Z: 5}
	for _, plane := range Planes {
		l, err := PlaneLayout(dims, plane)
		if err != nil {
			t.Fatalf("PlaneLayout(%s) failed: %v", plane, err)
		}

		seen := make([]int, dims.Count())
		for s := 0; s < l.Extent(); s++ {
			idx, err := l.Map(s)
			if err != nil {
				t.Fatalf("%s Map(%d) failed: %v", plane, s, err)
			}
			for _, i := range idx {
				if i < 0 || i >= len(seen) {
					t.Fatalf("%s slice %d: index %d out of range", plane, s, i)
				}
				seen[i]++
			}
		}
		for i, n := range seen {
			if n != 1 {
				t.Errorf("%s: voxel %d visited %d times", plane, i, n)
			}
		}
	}
}

// TestPlaneFixesAxis verifies each plane holds the expected grid axis at the slice index
func TestPlaneFixesAxis(t *testing.T) {
	dims := models.Dims{X: 4, Y: 3, Z: 5}

	coronal, _ := PlaneLayout(dims, Coronal)
	if got, want := coronal.Index(2, 4, 1), dims.Index(2, 1, 4); got != want {
		t.Errorf("Coronal: expected voxel (2,1,4) at %d, got %d", want, got)
	}

	sagittal, _ := PlaneLayout(dims, Sagittal)
	if got, want := sagittal.Index(2, 4, 3), dims.Index(3, 2, 4); got != want {
		t.Errorf("Sagittal: expected voxel (3,2,4) at %d, got %d", want, got)
	}
}

// TestDefaultSlice verifies floor(extent/2) for even and odd extents
func TestDefaultSlice(t *testing.T) {
	if got := DefaultSlice(models.Dims{X: 4, Y: 4, Z: 10}, Axial); got != 5 {
		t.Errorf("Expected default axial slice 5 for nz=10, got %d", got)
	}
	if got := DefaultSlice(models.Dims{X: 4, Y: 4, Z: 11}, Axial); got != 5 {
		t.Errorf("Expected default axial slice 5 for nz=11, got %d", got)
	}
	if got := DefaultSlice(models.Dims{X: 7, Y: 9, Z: 11}, Coronal); got != 4 {
		t.Errorf("Expected default coronal slice 4 for ny=9, got %d", got)
	}
	if got := DefaultSlice(models.Dims{X: 7, Y: 9, Z: 11}, Sagittal); got != 3 {
		t.Errorf("Expected default sagittal slice 3 for nx=7, got %d", got)
	}
}

// TestSliceBounds verifies range errors and clamping
func TestSliceBounds(t *testing.T) {
	l, _ := PlaneLayout(models.Dims{X: 2, Y: 2, Z: 3}, Axial)

	var oor *SliceIndexOutOfRangeError
	if err := l.CheckSlice(3); !errors.As(err, &oor) {
		t.Fatalf("Expected SliceIndexOutOfRangeError, got %v", err)
	}
	if oor.Index != 3 || oor.Extent != 3 || oor.Plane != Axial {
		t.Errorf("Unexpected error fields: %+v", oor)
	}
	if _, err := l.Map(-1); !errors.As(err, &oor) {
		t.Errorf("Expected Map(-1) to fail with SliceIndexOutOfRangeError, got %v", err)
	}

	if l.ClampSlice(-4) != 0 || l.ClampSlice(9) != 2 || l.ClampSlice(1) != 1 {
		t.Errorf("Unexpected clamping: %d %d %d", l.ClampSlice(-4), l.ClampSlice(9), l.ClampSlice(1))
	}
}

// TestParsePlane verifies plane names round-trip and unknown names fail
func TestParsePlane(t *testing.T) {
	for _, p := range Planes {
		got, err := ParsePlane(p.String())
		if err != nil || got != p {
			t.Errorf("ParsePlane(%q): expected %s, got %s (%v)", p.String(), p, got, err)
		}
	}
	if p, err := ParsePlane(" Sagittal "); err != nil || p != Sagittal {
		t.Errorf("Expected case-insensitive parse, got %s (%v)", p, err)
	}
	if _, err := ParsePlane("oblique"); err == nil {
		t.Error("Expected error for unknown plane, got nil")
	}
	if _, err := PlaneLayout(models.Dims{X: 1, Y: 1, Z: 1}, Plane(9)); err == nil {
		t.Error("Expected error for invalid plane value, got nil")
	}
}
