// Package stats summarizes the intensity distribution of scan volumes and
// the coverage of label volumes.
package stats

import (
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"ctviewer/internal/models"
)

// numBins is the histogram resolution used for entropy
const numBins = 256

// Summary describes the sample distribution of a volume.
type Summary struct {
	Voxels  int
	Min     float64
	Max     float64
	Mean    float64
	StdDev  float64
	Entropy float64 // Shannon entropy in bits over a 256-bin histogram

	// Positive counts samples greater than zero, i.e. labelled voxels
	Positive int
}

// Summarize computes a Summary of vol. NaN samples are ignored.
func Summarize(vol *models.Volume) Summary {
	data := vol.Float64s()
	s := Summary{Voxels: len(data)}

	finite := data[:0]
	for i, v := range data {
		if vol.Positive(i) {
			s.Positive++
		}
		if !math.IsNaN(v) {
			finite = append(finite, v)
		}
	}
	if len(finite) == 0 {
		return s
	}

	s.Min = floats.Min(finite)
	s.Max = floats.Max(finite)
	s.Mean, s.StdDev = stat.MeanStdDev(finite, nil)
	s.Entropy = Entropy(finite, s.Min, s.Max)
	return s
}

// Entropy returns the Shannon entropy of data binned over [min, max].
// A constant input has zero entropy.
func Entropy(data []float64, min, max float64) float64 {
	if len(data) == 0 || max <= min || math.IsInf(max-min, 0) {
		return 0
	}

	hist := Histogram(data, min, max, numBins)
	n := float64(len(data))
	p := make([]float64, 0, len(hist))
	for _, c := range hist {
		if c > 0 {
			p = append(p, c/n)
		}
	}
	// stat.Entropy is in nats
	return stat.Entropy(p) / math.Ln2
}

// Histogram counts data into bins equal-width bins over [min, max]. Values
// at or beyond max land in the last bin.
func Histogram(data []float64, min, max float64, bins int) []float64 {
	hist := make([]float64, bins)
	if bins == 0 || max <= min {
		return hist
	}

	width := (max - min) / float64(bins)
	for _, v := range data {
		b := int((v - min) / width)
		if b >= bins {
			b = bins - 1
		} else if b < 0 {
			b = 0
		}
		hist[b]++
	}
	return hist
}

// LabelCoverage returns the fraction of voxels marked in each label volume.
func LabelCoverage(labels []*models.Volume) []float64 {
	out := make([]float64, len(labels))
	for i, l := range labels {
		var n int
		for j := 0; j < l.Len(); j++ {
			if l.Positive(j) {
				n++
			}
		}
		out[i] = float64(n) / float64(l.Len())
	}
	return out
}
