package models

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// ErrSampleCount is returned when a sample buffer does not hold exactly
// one value per voxel of the declared grid.
var ErrSampleCount = errors.New("sample count does not match volume dimensions")

// ErrInvalidDims is returned for grids with a non-positive extent.
var ErrInvalidDims = errors.New("volume dimensions must be positive")

// Dims holds the grid extents of a volume. X varies fastest, then Y, then Z.
type Dims struct {
	X, Y, Z int
}

// Count returns the number of voxels in the grid.
func (d Dims) Count() int {
	return d.X * d.Y * d.Z
}

// Valid reports whether every extent is positive.
func (d Dims) Valid() bool {
	return d.X > 0 && d.Y > 0 && d.Z > 0
}

// Index returns the linear sample index of voxel (x, y, z).
func (d Dims) Index(x, y, z int) int {
	return x + y*d.X + z*d.X*d.Y
}

func (d Dims) String() string {
	return fmt.Sprintf("%dx%dx%d", d.X, d.Y, d.Z)
}

// Encoding describes how the samples of a volume are stored.
//
// The zero value is Uint8Fallback: containers with a sample code the
// decoder does not know are read as unsigned bytes. This is lossy for
// wider types but never fatal.
type Encoding uint8

const (
	Uint8Fallback Encoding = iota
	Int16
	Uint8
	Float32
)

func (e Encoding) String() string {
	switch e {
	case Int16:
		return "int16"
	case Uint8:
		return "uint8"
	case Float32:
		return "float32"
	default:
		return "uint8-fallback"
	}
}

// BytesPerSample returns the storage size of a single sample.
func (e Encoding) BytesPerSample() int {
	switch e {
	case Int16:
		return 2
	case Float32:
		return 4
	default:
		return 1
	}
}

// Volume is an immutable 3D grid of scalar samples.
//
// Exactly one of the typed sample slices is populated, selected by the
// encoding. Samples are laid out so that the value of voxel (x, y, z)
// lives at x + y*nx + z*nx*ny.
type Volume struct {
	id       string
	dims     Dims
	encoding Encoding

	i16 []int16
	u8  []uint8
	f32 []float32
}

func newVolume(dims Dims, encoding Encoding, n int) (*Volume, error) {
	if !dims.Valid() {
		return nil, fmt.Errorf("%w: %s", ErrInvalidDims, dims)
	}
	if n != dims.Count() {
		return nil, fmt.Errorf("%w: got %d samples for %s grid", ErrSampleCount, n, dims)
	}
	return &Volume{
		id:       uuid.NewString(),
		dims:     dims,
		encoding: encoding,
	}, nil
}

// NewInt16Volume wraps signed 16-bit samples. The slice must not be
// modified after the call.
func NewInt16Volume(dims Dims, samples []int16) (*Volume, error) {
	v, err := newVolume(dims, Int16, len(samples))
	if err != nil {
		return nil, err
	}
	v.i16 = samples
	return v, nil
}

// NewUint8Volume wraps unsigned 8-bit samples.
func NewUint8Volume(dims Dims, samples []uint8) (*Volume, error) {
	v, err := newVolume(dims, Uint8, len(samples))
	if err != nil {
		return nil, err
	}
	v.u8 = samples
	return v, nil
}

// NewFloat32Volume wraps 32-bit float samples.
func NewFloat32Volume(dims Dims, samples []float32) (*Volume, error) {
	v, err := newVolume(dims, Float32, len(samples))
	if err != nil {
		return nil, err
	}
	v.f32 = samples
	return v, nil
}

// NewFallbackVolume wraps bytes whose original encoding was not
// understood. They are interpreted as unsigned 8-bit samples.
func NewFallbackVolume(dims Dims, samples []uint8) (*Volume, error) {
	v, err := newVolume(dims, Uint8Fallback, len(samples))
	if err != nil {
		return nil, err
	}
	v.u8 = samples
	return v, nil
}

// ID returns an identifier unique to this volume instance.
func (v *Volume) ID() string { return v.id }

// Dims returns the grid extents.
func (v *Volume) Dims() Dims { return v.dims }

// Encoding returns the sample encoding.
func (v *Volume) Encoding() Encoding { return v.encoding }

// Len returns the number of samples, always Dims().Count().
func (v *Volume) Len() int { return v.dims.Count() }

// At returns sample i as a float64.
func (v *Volume) At(i int) float64 {
	switch v.encoding {
	case Int16:
		return float64(v.i16[i])
	case Float32:
		return float64(v.f32[i])
	default:
		return float64(v.u8[i])
	}
}

// Positive reports whether sample i is greater than zero. Label volumes
// mark a voxel by any positive value.
func (v *Volume) Positive(i int) bool {
	switch v.encoding {
	case Int16:
		return v.i16[i] > 0
	case Float32:
		return v.f32[i] > 0
	default:
		return v.u8[i] > 0
	}
}

// Float64s returns a copy of all samples widened to float64.
func (v *Volume) Float64s() []float64 {
	out := make([]float64, v.Len())
	for i := range out {
		out[i] = v.At(i)
	}
	return out
}

// SizeBytes returns the in-memory size of the sample payload.
func (v *Volume) SizeBytes() int {
	return v.Len() * v.encoding.BytesPerSample()
}
