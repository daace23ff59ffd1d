// SPDX-License-Identifier: MIT
package analysis

import (
	"fmt"
	"math"
	"math/cmplx"
	"sync"

	"gonum.org/v1/gonum/dsp/fourier"

	"pitchtoy/pkg/utils"
)

// Pre-allocated buffers for spectrum calculations.
type spectrumWorkspace struct {
	fftOutput []complex128 // FFT complex results.
	magnitude []float64    // Magnitudes in dBFS.
	mu        sync.RWMutex // Protects magnitude for concurrent readers.
}

// Spectrum computes the magnitude spectrum of windowed frames for display.
// Process is called from the analysis loop; readers on other goroutines use
// MagnitudesInto or Bands.
type Spectrum struct {
	fft        *fourier.FFT
	size       int
	sampleRate float64
	gain       float64 // normalizes a full-scale windowed sine to 0 dBFS
	workspace  spectrumWorkspace
}

// NewSpectrum builds a spectrum for frames of the analyzer's size.
func NewSpectrum(a *BufferAnalyzer, sampleRate float64) (*Spectrum, error) {
	if sampleRate <= 0 {
		return nil, fmt.Errorf("sample rate must be positive, got %f", sampleRate)
	}
	var sum float64
	for _, c := range a.Coefficients() {
		sum += c
	}
	bins := a.Size()/2 + 1
	return &Spectrum{
		fft:        fourier.NewFFT(a.Size()),
		size:       a.Size(),
		sampleRate: sampleRate,
		gain:       2 / sum,
		workspace: spectrumWorkspace{
			fftOutput: make([]complex128, bins),
			magnitude: make([]float64, bins),
		},
	}, nil
}

// Process transforms f.Windowed and stores dBFS magnitudes.
func (s *Spectrum) Process(f Frame) error {
	if len(f.Windowed) != s.size {
		return fmt.Errorf("spectrum expects %d samples, got %d", s.size, len(f.Windowed))
	}
	s.fft.Coefficients(s.workspace.fftOutput, f.Windowed)

	s.workspace.mu.Lock()
	for i, c := range s.workspace.fftOutput {
		s.workspace.magnitude[i] = AmplitudeToDB(cmplx.Abs(c) * s.gain)
	}
	s.workspace.mu.Unlock()
	return nil
}

// Bins returns the number of magnitude bins (size/2 + 1).
func (s *Spectrum) Bins() int { return len(s.workspace.magnitude) }

// MagnitudesInto copies the latest magnitudes into dest, which must have
// Bins() elements.
func (s *Spectrum) MagnitudesInto(dest []float64) error {
	s.workspace.mu.RLock()
	defer s.workspace.mu.RUnlock()

	if len(dest) != len(s.workspace.magnitude) {
		return fmt.Errorf("destination slice length %d does not match required length %d", len(dest), len(s.workspace.magnitude))
	}
	copy(dest, s.workspace.magnitude)
	return nil
}

// FrequencyForBin returns the center frequency (Hz) of a bin, or 0 when
// out of range.
func (s *Spectrum) FrequencyForBin(bin int) float64 {
	if bin < 0 || bin >= len(s.workspace.magnitude) {
		return 0.0
	}
	return float64(bin) * (s.sampleRate / float64(s.size))
}

// Bands reduces the spectrum between lo and hi Hz to n logarithmically
// spaced bands, each the loudest bin it covers. dst is reused if it has
// capacity.
func (s *Spectrum) Bands(dst []float64, n int, lo, hi float64) []float64 {
	dst = dst[:0]
	if n <= 0 || lo <= 0 || hi <= lo {
		return dst
	}

	s.workspace.mu.RLock()
	defer s.workspace.mu.RUnlock()

	binHz := s.sampleRate / float64(s.size)
	ratio := math.Pow(hi/lo, 1/float64(n))
	edge := lo
	for range n {
		next := edge * ratio
		first := max(1, int(edge/binHz))
		last := min(len(s.workspace.magnitude)-1, max(first, int(next/binHz)))
		level := SilenceFloorDB
		for b := first; b <= last; b++ {
			level = math.Max(level, s.workspace.magnitude[b])
		}
		dst = append(dst, level)
		edge = next
	}
	return dst
}

// PeakFrequency returns the center frequency of the loudest bin between lo
// and hi Hz.
func (s *Spectrum) PeakFrequency(lo, hi float64) float64 {
	binHz := s.sampleRate / float64(s.size)
	s.workspace.mu.RLock()
	peak := utils.FindPeakBin(s.workspace.magnitude, int(lo/binHz), int(math.Ceil(hi/binHz)))
	s.workspace.mu.RUnlock()
	return s.FrequencyForBin(peak)
}
