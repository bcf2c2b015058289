// Package window maps raw scan intensities to 8-bit display values.
package window

import (
	"fmt"
	"math"
	"runtime"
	"sync"

	"ctviewer/internal/models"
)

const (
	// DefaultMin and DefaultMax bound the Hounsfield display window
	DefaultMin = -1000.0
	DefaultMax = 3000.0
)

// InvalidWindowError reports a window whose bounds coincide.
type InvalidWindowError struct {
	Min, Max float64
}

func (e *InvalidWindowError) Error() string {
	return fmt.Sprintf("invalid window [%g, %g]: bounds must differ", e.Min, e.Max)
}

// Window is a linear clamp interval mapped onto [0, 255].
type Window struct {
	Min float64 `yaml:"min" toml:"min"`
	Max float64 `yaml:"max" toml:"max"`
}

// Default returns the [-1000, 3000] Hounsfield window.
func Default() Window {
	return Window{Min: DefaultMin, Max: DefaultMax}
}

// New returns a validated window.
func New(min, max float64) (Window, error) {
	w := Window{Min: min, Max: max}
	if err := w.Validate(); err != nil {
		return Window{}, err
	}
	return w, nil
}

// Validate returns an *InvalidWindowError when Min == Max.
func (w Window) Validate() error {
	if w.Min == w.Max || math.IsNaN(w.Min) || math.IsNaN(w.Max) {
		return &InvalidWindowError{Min: w.Min, Max: w.Max}
	}
	return nil
}

// Apply maps a single raw value. Halves round up, results are clamped
// and NaN maps to 0. The window must be valid.
func (w Window) Apply(raw float64) byte {
	t := (raw - w.Min) / (w.Max - w.Min) * 255
	t = math.Floor(t + 0.5)
	switch {
	case math.IsNaN(t), t <= 0:
		return 0
	case t >= 255:
		return 255
	default:
		return byte(t)
	}
}

// ApplyVolume windows every sample of vol and returns a display buffer
// of the same length. Work is split across numCores goroutines; a
// non-positive value uses every available CPU.
func (w Window) ApplyVolume(vol *models.Volume, numCores int) ([]byte, error) {
	if err := w.Validate(); err != nil {
		return nil, err
	}
	if numCores <= 0 {
		numCores = runtime.NumCPU()
	}

	n := vol.Len()
	out := make([]byte, n)
	if numCores > n {
		numCores = n
	}

	// Divide the samples among the cores
	chunk := (n + numCores - 1) / numCores
	var wg sync.WaitGroup
	for c := 0; c < numCores; c++ {
		start := c * chunk
		end := start + chunk
		if end > n {
			end = n
		}
		if start >= end {
			break
		}

		wg.Add(1)
		go func(start, end int) {
			defer wg.Done()
			for i := start; i < end; i++ {
				out[i] = w.Apply(vol.At(i))
			}
		}(start, end)
	}
	wg.Wait()

	return out, nil
}

func (w Window) String() string {
	return fmt.Sprintf("[%g, %g]", w.Min, w.Max)
}
