// Package phantom generates synthetic CT volumes and label masks.
package phantom

import (
	"math"

	"ctviewer/internal/models"
)

// Hounsfield values used by the phantom
const (
	Air         = -1000
	SoftTissue  = 40
	Organ       = 60
	Bone        = 1200
	shellFactor = 0.9
)

// Sphere is a ball in voxel coordinates.
type Sphere struct {
	CX, CY, CZ float64
	R          float64
}

// Contains reports whether voxel (x, y, z) lies inside the sphere.
func (s Sphere) Contains(x, y, z int) bool {
	dx := float64(x) - s.CX
	dy := float64(y) - s.CY
	dz := float64(z) - s.CZ
	return dx*dx+dy*dy+dz*dz <= s.R*s.R
}

// Organs returns two overlapping spheres placed inside the phantom body so
// that their masks share voxels.
func Organs(dims models.Dims) []Sphere {
	r := float64(min(dims.X, dims.Y, dims.Z)) / 5
	cx := float64(dims.X) / 2
	cy := float64(dims.Y) / 2
	cz := float64(dims.Z) / 2
	return []Sphere{
		{CX: cx - r/2, CY: cy, CZ: cz, R: r},
		{CX: cx + r/2, CY: cy, CZ: cz, R: r},
	}
}

// CT returns an int16 volume holding an ellipsoidal body of soft tissue
// wrapped in a bone shell, surrounded by air, with organs at slightly
// higher density.
func CT(dims models.Dims) (*models.Volume, error) {
	samples := make([]int16, dims.Count())
	organs := Organs(dims)

	// Semi-axes of the body ellipsoid
	ax := float64(dims.X) / 2 * 0.95
	ay := float64(dims.Y) / 2 * 0.95
	az := float64(dims.Z) / 2 * 0.95
	cx, cy, cz := float64(dims.X)/2, float64(dims.Y)/2, float64(dims.Z)/2

	for z := 0; z < dims.Z; z++ {
		for y := 0; y < dims.Y; y++ {
			for x := 0; x < dims.X; x++ {
				dx := (float64(x) - cx) / ax
				dy := (float64(y) - cy) / ay
				dz := (float64(z) - cz) / az
				r := math.Sqrt(dx*dx + dy*dy + dz*dz)

				v := int16(Air)
				switch {
				case r > 1:
				case r > shellFactor:
					v = Bone
				default:
					v = SoftTissue
					for _, o := range organs {
						if o.Contains(x, y, z) {
							v = Organ
						}
					}
				}
				samples[dims.Index(x, y, z)] = v
			}
		}
	}

	return models.NewInt16Volume(dims, samples)
}

// SphereMask returns a uint8 label volume marking the voxels inside s.
func SphereMask(dims models.Dims, s Sphere) (*models.Volume, error) {
	samples := make([]uint8, dims.Count())
	for z := 0; z < dims.Z; z++ {
		for y := 0; y < dims.Y; y++ {
			for x := 0; x < dims.X; x++ {
				if s.Contains(x, y, z) {
					samples[dims.Index(x, y, z)] = 1
				}
			}
		}
	}
	return models.NewUint8Volume(dims, samples)
}
