// SPDX-License-Identifier: MIT
package analysis

import (
	"errors"
	"fmt"
	"strings"

	"gonum.org/v1/gonum/dsp/window"

	"pitchtoy/internal/buffer"
	"pitchtoy/pkg/bitint"
)

// WindowFunction selects the taper applied to a frame before analysis.
type WindowFunction int

const (
	Hann WindowFunction = iota
	Rectangular
	BartlettHann
	Blackman
	BlackmanNuttall
	Hamming
	Lanczos
	Nuttall
)

var windowNames = map[WindowFunction]string{
	Hann:            "hann",
	Rectangular:     "rectangular",
	BartlettHann:    "bartletthann",
	Blackman:        "blackman",
	BlackmanNuttall: "blackmannuttall",
	Hamming:         "hamming",
	Lanczos:         "lanczos",
	Nuttall:         "nuttall",
}

func (w WindowFunction) String() string {
	if n, ok := windowNames[w]; ok {
		return n
	}
	return fmt.Sprintf("window(%d)", int(w))
}

// ParseWindowFunction converts a name (case-insensitive) to a
// WindowFunction. Unknown names return Hann and an error.
func ParseWindowFunction(name string) (WindowFunction, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "hanning":
		return Hann, nil
	case "rect", "none":
		return Rectangular, nil
	}
	for w, n := range windowNames {
		if strings.EqualFold(n, strings.TrimSpace(name)) {
			return w, nil
		}
	}
	return Hann, fmt.Errorf("unknown window function name: '%s'", name)
}

// windowCoefficients fills coeffs with the selected window. Unknown types
// fall back to Hann.
func windowCoefficients(coeffs []float64, fn WindowFunction) {
	// gonum windows scale the slice in place, so start from ones.
	for i := range coeffs {
		coeffs[i] = 1.0
	}
	switch fn {
	case Rectangular:
	case BartlettHann:
		window.BartlettHann(coeffs)
	case Blackman:
		window.Blackman(coeffs)
	case BlackmanNuttall:
		window.BlackmanNuttall(coeffs)
	case Hamming:
		window.Hamming(coeffs)
	case Lanczos:
		window.Lanczos(coeffs)
	case Nuttall:
		window.Nuttall(coeffs)
	default:
		window.Hann(coeffs)
	}
}

// MinFrameSize is the smallest analysis frame accepted.
const MinFrameSize = 256

var ErrFrameSize = errors.New("analysis: frame size must be a power of two")

// Frame is one analysis window. Raw holds the untouched samples, Windowed
// the tapered copy. Both alias analyzer storage and are only valid until
// the next call that produces a frame.
type Frame struct {
	Raw       []float32
	Windowed  []float64
	Timestamp float64
}

// BufferAnalyzer cuts fixed-size frames from the sample ring and applies
// the configured window. It owns its workspaces and is not safe for
// concurrent use.
type BufferAnalyzer struct {
	size    int
	fn      WindowFunction
	coeffs  []float64
	raw     []float32
	tapered []float64
	skipped uint64
}

func NewBufferAnalyzer(size int, fn WindowFunction) (*BufferAnalyzer, error) {
	if !bitint.IsPowerOfTwo(size) || size < MinFrameSize {
		return nil, fmt.Errorf("%w and at least %d, got %d", ErrFrameSize, MinFrameSize, size)
	}
	a := &BufferAnalyzer{
		size:    size,
		fn:      fn,
		coeffs:  make([]float64, size),
		raw:     make([]float32, size),
		tapered: make([]float64, size),
	}
	windowCoefficients(a.coeffs, fn)
	return a, nil
}

func (a *BufferAnalyzer) Size() int { return a.size }

func (a *BufferAnalyzer) Window() WindowFunction { return a.fn }

// Coefficients returns the window taper. Callers must not modify it.
func (a *BufferAnalyzer) Coefficients() []float64 { return a.coeffs }

// Skipped returns the number of stale samples dropped to keep frames
// current.
func (a *BufferAnalyzer) Skipped() uint64 { return a.skipped }

// Process windows exactly Size() samples.
func (a *BufferAnalyzer) Process(samples []float32, timestamp float64) (Frame, error) {
	if len(samples) != a.size {
		return Frame{}, fmt.Errorf("analysis: frame needs %d samples, got %d", a.size, len(samples))
	}
	copy(a.raw, samples)
	return a.taper(timestamp), nil
}

// Next produces a frame from the newest Size() samples in rb. Older unread
// samples beyond one frame are discarded first, and hop samples are
// consumed after the frame is taken so consecutive frames overlap by
// Size()-hop. It returns false while rb holds less than one frame.
func (a *BufferAnalyzer) Next(rb *buffer.CircularBuffer[float32], hop int, timestamp float64) (Frame, bool) {
	avail := rb.Available()
	if avail < a.size {
		return Frame{}, false
	}
	if stale := avail - a.size; stale > 0 {
		a.skipped += uint64(rb.Discard(stale))
	}
	rb.Peek(a.raw)
	rb.Discard(max(1, min(hop, a.size)))
	return a.taper(timestamp), true
}

func (a *BufferAnalyzer) taper(timestamp float64) Frame {
	for i, s := range a.raw {
		a.tapered[i] = float64(s) * a.coeffs[i]
	}
	return Frame{Raw: a.raw, Windowed: a.tapered, Timestamp: timestamp}
}
