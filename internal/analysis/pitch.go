// SPDX-License-Identifier: MIT
package analysis

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/dsp/fourier"

	"pitchtoy/pkg/bitint"
)

// PitchErrorKind classifies why a frame produced no pitch.
type PitchErrorKind uint8

const (
	// Silence: the frame is below the power threshold.
	Silence PitchErrorKind = iota + 1
	// InsufficientClarity: no periodicity strong enough was found.
	InsufficientClarity
	// OutOfRange: a period was found outside the configured band.
	OutOfRange
	// InvalidInput: wrong frame size or non-finite samples.
	InvalidInput
)

func (k PitchErrorKind) String() string {
	switch k {
	case Silence:
		return "silence"
	case InsufficientClarity:
		return "insufficient_clarity"
	case OutOfRange:
		return "out_of_range"
	case InvalidInput:
		return "invalid_input"
	default:
		return "unknown"
	}
}

// PitchDetectionError is returned when a frame yields no pitch. Silence and
// InsufficientClarity are the normal "not detected" outcomes.
type PitchDetectionError struct {
	Kind   PitchErrorKind
	Detail string
}

func (e *PitchDetectionError) Error() string {
	if e.Detail == "" {
		return "pitch: " + e.Kind.String()
	}
	return fmt.Sprintf("pitch: %s: %s", e.Kind, e.Detail)
}

// NotDetected reports whether err means "no pitch in this frame" rather
// than a fault.
func NotDetected(err error) bool {
	var pe *PitchDetectionError
	return errors.As(err, &pe) && (pe.Kind == Silence || pe.Kind == InsufficientClarity)
}

// PitchResult is a detected fundamental.
type PitchResult struct {
	Frequency  float64 `json:"frequency"`
	Confidence float64 `json:"confidence"`
	Clarity    float64 `json:"clarity"`
	Timestamp  float64 `json:"timestamp"`
}

// PitchConfig tunes the detector.
type PitchConfig struct {
	SampleRate       float64
	WindowSize       int
	Window           WindowFunction
	MinFrequency     float64
	MaxFrequency     float64
	PowerThreshold   float64 // minimum RMS of the raw frame, linear
	ClarityThreshold float64 // minimum normalized autocorrelation peak
}

// DefaultPitchConfig covers the range of voice and most instruments.
func DefaultPitchConfig(sampleRate float64) PitchConfig {
	return PitchConfig{
		SampleRate:       sampleRate,
		WindowSize:       2048,
		Window:           Hann,
		MinFrequency:     60,
		MaxFrequency:     2000,
		PowerThreshold:   0.001,
		ClarityThreshold: 0.7,
	}
}

func (c PitchConfig) Validate() error {
	switch {
	case c.SampleRate <= 0:
		return fmt.Errorf("pitch: sample rate must be positive, got %g", c.SampleRate)
	case !bitint.IsPowerOfTwo(c.WindowSize) || c.WindowSize < MinFrameSize:
		return fmt.Errorf("pitch: %w, got %d", ErrFrameSize, c.WindowSize)
	case c.MinFrequency <= 0 || c.MaxFrequency <= c.MinFrequency:
		return fmt.Errorf("pitch: frequency band [%g, %g] is empty", c.MinFrequency, c.MaxFrequency)
	case c.MaxFrequency >= c.SampleRate/2:
		return fmt.Errorf("pitch: max frequency %g is not below Nyquist", c.MaxFrequency)
	case c.SampleRate/c.MinFrequency > float64(c.WindowSize/2):
		return fmt.Errorf("pitch: window %d is too short for %g Hz (needs two periods)", c.WindowSize, c.MinFrequency)
	case c.PowerThreshold < 0:
		return fmt.Errorf("pitch: power threshold must not be negative")
	case c.ClarityThreshold < 0 || c.ClarityThreshold > 1:
		return fmt.Errorf("pitch: clarity threshold must be within [0, 1]")
	}
	return nil
}

// keyMaximumRatio picks the first autocorrelation peak within this fraction
// of the highest one, which avoids locking onto sub-octaves.
const keyMaximumRatio = 0.9

// maxPeaks bounds the candidate list so detection never allocates.
const maxPeaks = 32

type lagPeak struct {
	lag   int
	value float64
}

// PitchDetector finds the fundamental of a windowed frame.
//
// The frame autocorrelation is computed by FFT and divided by the
// autocorrelation of the window itself, which removes the lag-dependent
// taper the window introduces. Peaks of the normalized curve are then
// picked McLeod-style and refined with parabolic interpolation.
type PitchDetector struct {
	cfg    PitchConfig
	minLag int
	maxLag int

	fft      *fourier.FFT
	padded   []float64
	coeffs   []complex128
	acf      []float64
	windowAC []float64
	norm     []float64
	peaks    [maxPeaks]lagPeak
}

func NewPitchDetector(cfg PitchConfig) (*PitchDetector, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	// Zero padding to at least 2W keeps the autocorrelation linear.
	n := bitint.NextPowerOfTwo(2 * cfg.WindowSize)
	d := &PitchDetector{
		cfg:      cfg,
		minLag:   max(2, int(math.Floor(cfg.SampleRate/cfg.MaxFrequency))),
		maxLag:   min(cfg.WindowSize/2, int(math.Ceil(cfg.SampleRate/cfg.MinFrequency))+1),
		fft:      fourier.NewFFT(n),
		padded:   make([]float64, n),
		coeffs:   make([]complex128, n/2+1),
		acf:      make([]float64, n),
		windowAC: make([]float64, cfg.WindowSize/2+1),
		norm:     make([]float64, cfg.WindowSize/2+1),
	}

	coeffs := make([]float64, cfg.WindowSize)
	windowCoefficients(coeffs, cfg.Window)
	d.autocorrelate(coeffs)
	for lag := range d.windowAC {
		d.windowAC[lag] = d.acf[lag] / d.acf[0]
	}
	return d, nil
}

func (d *PitchDetector) Config() PitchConfig { return d.cfg }

// autocorrelate leaves the unnormalized autocorrelation of x in d.acf.
func (d *PitchDetector) autocorrelate(x []float64) {
	copy(d.padded, x)
	clear(d.padded[len(x):])
	d.fft.Coefficients(d.coeffs, d.padded)
	for i, c := range d.coeffs {
		re, im := real(c), imag(c)
		d.coeffs[i] = complex(re*re+im*im, 0)
	}
	d.fft.Sequence(d.acf, d.coeffs)
}

// Detect returns the pitch of f, or a *PitchDetectionError. It is
// deterministic and never returns NaN.
func (d *PitchDetector) Detect(f Frame) (PitchResult, error) {
	if len(f.Windowed) != d.cfg.WindowSize || len(f.Raw) != d.cfg.WindowSize {
		return PitchResult{}, &PitchDetectionError{
			Kind:   InvalidInput,
			Detail: fmt.Sprintf("frame has %d samples, want %d", len(f.Windowed), d.cfg.WindowSize),
		}
	}

	level := rms(f.Raw)
	if math.IsNaN(level) || math.IsInf(level, 0) {
		return PitchResult{}, &PitchDetectionError{Kind: InvalidInput, Detail: "non-finite samples"}
	}
	if level < d.cfg.PowerThreshold || level == 0 {
		return PitchResult{}, &PitchDetectionError{Kind: Silence}
	}

	d.autocorrelate(f.Windowed)
	r0 := d.acf[0]
	if !(r0 > 0) {
		return PitchResult{}, &PitchDetectionError{Kind: Silence}
	}
	for lag := 0; lag <= d.maxLag; lag++ {
		d.norm[lag] = d.acf[lag] / r0 / d.windowAC[lag]
	}

	peaks := d.findPeaks()
	if len(peaks) == 0 {
		return PitchResult{}, &PitchDetectionError{Kind: InsufficientClarity, Detail: "no periodic peak"}
	}

	highest := peaks[0].value
	for _, p := range peaks[1:] {
		highest = math.Max(highest, p.value)
	}
	key := peaks[0]
	for _, p := range peaks {
		if p.value >= keyMaximumRatio*highest {
			key = p
			break
		}
	}

	lag, value := d.interpolate(key.lag)
	clarity := math.Max(0, math.Min(1, value))
	if clarity < d.cfg.ClarityThreshold {
		return PitchResult{}, &PitchDetectionError{
			Kind:   InsufficientClarity,
			Detail: fmt.Sprintf("clarity %.2f below %.2f", clarity, d.cfg.ClarityThreshold),
		}
	}

	freq := d.cfg.SampleRate / lag
	if freq < d.cfg.MinFrequency || freq > d.cfg.MaxFrequency {
		return PitchResult{}, &PitchDetectionError{
			Kind:   OutOfRange,
			Detail: fmt.Sprintf("%.1f Hz outside [%g, %g]", freq, d.cfg.MinFrequency, d.cfg.MaxFrequency),
		}
	}

	// Confidence is clarity attenuated for frames just above the floor.
	loudness := 1.0
	if d.cfg.PowerThreshold > 0 {
		loudness = math.Min(1, level/(10*d.cfg.PowerThreshold))
	}

	return PitchResult{
		Frequency:  freq,
		Confidence: clarity * loudness,
		Clarity:    clarity,
		Timestamp:  f.Timestamp,
	}, nil
}

// findPeaks returns the maximum of every positive lobe of the normalized
// autocorrelation after its first zero crossing, restricted to the lag band.
func (d *PitchDetector) findPeaks() []lagPeak {
	n := 0
	lag := 1
	// Skip the lobe around lag zero.
	for lag <= d.maxLag && d.norm[lag] > 0 {
		lag++
	}

	for lag <= d.maxLag && n < maxPeaks {
		for lag <= d.maxLag && d.norm[lag] <= 0 {
			lag++
		}
		best := lagPeak{lag: -1, value: math.Inf(-1)}
		for lag <= d.maxLag && d.norm[lag] > 0 {
			if d.norm[lag] > best.value {
				best = lagPeak{lag: lag, value: d.norm[lag]}
			}
			lag++
		}
		// A maximum on the band edge is still rising, not a peak.
		if best.lag >= d.minLag && best.lag < d.maxLag {
			d.peaks[n] = best
			n++
		}
	}
	return d.peaks[:n]
}

// interpolate fits a parabola through the peak and its neighbours and
// returns the refined lag and height.
func (d *PitchDetector) interpolate(i int) (float64, float64) {
	a, b, c := d.norm[i-1], d.norm[i], d.norm[i+1]
	denom := a - 2*b + c
	if denom >= 0 {
		return float64(i), b
	}
	delta := 0.5 * (a - c) / denom
	return float64(i) + delta, b - 0.25*(a-c)*delta
}

func rms(samples []float32) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		v := float64(s)
		sum += v * v
	}
	return math.Sqrt(sum / float64(len(samples)))
}
