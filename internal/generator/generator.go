// Package generator synthesizes the calibration tone and the background
// noise that can be injected into the capture path in place of, or on top
// of, the microphone.
//
// Generators keep their phase and noise state across calls and never
// allocate while producing samples, so they are safe to drive from the
// audio callback.
package generator

import (
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"strings"

	"github.com/go-audio/audio"
)

// Waveform selects the shape produced by a generator.
type Waveform uint8

const (
	Sine Waveform = iota
	Square
	Sawtooth
	Triangle
	WhiteNoise
	PinkNoise
)

var waveformNames = [...]string{"sine", "square", "sawtooth", "triangle", "white_noise", "pink_noise"}

func (w Waveform) String() string {
	if int(w) < len(waveformNames) {
		return waveformNames[w]
	}
	return fmt.Sprintf("waveform(%d)", uint8(w))
}

// Valid reports whether w is a known waveform.
func (w Waveform) Valid() bool { return int(w) < len(waveformNames) }

// IsNoise reports whether w is one of the noise shapes.
func (w Waveform) IsNoise() bool { return w == WhiteNoise || w == PinkNoise }

// ParseWaveform accepts the names printed by String, case-insensitively.
// "white" and "pink" are accepted as shorthands.
func ParseWaveform(s string) (Waveform, error) {
	name := strings.ToLower(strings.TrimSpace(s))
	switch name {
	case "white":
		return WhiteNoise, nil
	case "pink":
		return PinkNoise, nil
	}
	for i, n := range waveformNames {
		if n == name {
			return Waveform(i), nil
		}
	}
	return Sine, fmt.Errorf("unknown waveform %q", s)
}

const (
	MinFrequency = 20
	MaxFrequency = 20000
)

var (
	ErrInvalidFrequency = errors.New("generator: frequency out of range")
	ErrInvalidAmplitude = errors.New("generator: amplitude must be within [0, 1]")
	ErrInvalidWaveform  = errors.New("generator: unknown waveform")
	ErrInvalidNoiseType = errors.New("generator: noise type must be white_noise or pink_noise")
)

// TestSignalConfig describes the calibration tone. Amplitude is linear
// relative to full scale.
type TestSignalConfig struct {
	Enabled   bool     `msgpack:"enabled" json:"enabled"`
	Frequency float32  `msgpack:"frequency" json:"frequency"`
	Amplitude float32  `msgpack:"amplitude" json:"amplitude"`
	Waveform  Waveform `msgpack:"waveform" json:"waveform"`
}

// DefaultTestSignalConfig is a disabled A4 sine at half scale.
func DefaultTestSignalConfig() TestSignalConfig {
	return TestSignalConfig{Frequency: 440, Amplitude: 0.5, Waveform: Sine}
}

// Validate checks ranges only when the signal is enabled. A disabled
// config is always accepted, zero fields included.
func (c TestSignalConfig) Validate() error {
	if !c.Enabled {
		return nil
	}
	if !(c.Frequency >= MinFrequency && c.Frequency <= MaxFrequency) {
		return fmt.Errorf("%w: %g Hz", ErrInvalidFrequency, c.Frequency)
	}
	if !(c.Amplitude >= 0 && c.Amplitude <= 1) {
		return fmt.Errorf("%w: %g", ErrInvalidAmplitude, c.Amplitude)
	}
	if !c.Waveform.Valid() {
		return fmt.Errorf("%w: %d", ErrInvalidWaveform, c.Waveform)
	}
	return nil
}

// BackgroundNoiseConfig describes noise mixed on top of the capture path.
type BackgroundNoiseConfig struct {
	Enabled   bool     `msgpack:"enabled" json:"enabled"`
	Level     float32  `msgpack:"level" json:"level"`
	NoiseType Waveform `msgpack:"noise_type" json:"noise_type"`
}

// DefaultBackgroundNoiseConfig is disabled white noise at 10% level.
func DefaultBackgroundNoiseConfig() BackgroundNoiseConfig {
	return BackgroundNoiseConfig{Level: 0.1, NoiseType: WhiteNoise}
}

// Validate follows the same rule as TestSignalConfig.Validate.
func (c BackgroundNoiseConfig) Validate() error {
	if !c.Enabled {
		return nil
	}
	if !(c.Level >= 0 && c.Level <= 1) {
		return fmt.Errorf("%w: level %g", ErrInvalidAmplitude, c.Level)
	}
	if !c.NoiseType.IsNoise() {
		return fmt.Errorf("%w: %s", ErrInvalidNoiseType, c.NoiseType)
	}
	return nil
}

// noiseSource produces white and Kellet-filtered pink noise in [-1, 1].
type noiseSource struct {
	rng                        *rand.Rand
	b0, b1, b2, b3, b4, b5, b6 float64
}

func newNoiseSource(seed uint64) noiseSource {
	return noiseSource{rng: rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))}
}

func (n *noiseSource) white() float64 {
	return 2*n.rng.Float64() - 1
}

func (n *noiseSource) pink() float64 {
	w := n.white()
	n.b0 = 0.99886*n.b0 + w*0.0555179
	n.b1 = 0.99332*n.b1 + w*0.0750759
	n.b2 = 0.96900*n.b2 + w*0.1538520
	n.b3 = 0.86650*n.b3 + w*0.3104856
	n.b4 = 0.55000*n.b4 + w*0.5329522
	n.b5 = -0.7616*n.b5 - w*0.0168980
	p := n.b0 + n.b1 + n.b2 + n.b3 + n.b4 + n.b5 + n.b6 + w*0.5362
	n.b6 = w * 0.115926
	// The filter gain peaks around 9; scale back into [-1, 1].
	return math.Max(-1, math.Min(1, p*0.11))
}

func (n *noiseSource) next(w Waveform) float64 {
	if w == PinkNoise {
		return n.pink()
	}
	return n.white()
}

// TestSignalGenerator produces the calibration tone.
type TestSignalGenerator struct {
	cfg        TestSignalConfig
	sampleRate float64
	phase      float64 // normalized [0, 1)
	noise      noiseSource
}

// NewTestSignalGenerator returns a generator with the default config. seed
// makes the noise waveforms reproducible.
func NewTestSignalGenerator(sampleRate float64, seed uint64) *TestSignalGenerator {
	return &TestSignalGenerator{
		cfg:        DefaultTestSignalConfig(),
		sampleRate: sampleRate,
		noise:      newNoiseSource(seed),
	}
}

// Configure replaces the config. Phase is kept so frequency changes do not
// click.
func (g *TestSignalGenerator) Configure(cfg TestSignalConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	if cfg.Enabled && float64(cfg.Frequency) >= g.sampleRate/2 {
		return fmt.Errorf("%w: %g Hz is above Nyquist for %g Hz", ErrInvalidFrequency, cfg.Frequency, g.sampleRate)
	}
	g.cfg = cfg
	return nil
}

func (g *TestSignalGenerator) Config() TestSignalConfig { return g.cfg }

func (g *TestSignalGenerator) Enabled() bool { return g.cfg.Enabled }

// Next returns one sample and advances the phase.
func (g *TestSignalGenerator) Next() float32 {
	p := g.phase
	g.phase += float64(g.cfg.Frequency) / g.sampleRate
	g.phase -= math.Floor(g.phase)

	var v float64
	switch g.cfg.Waveform {
	case Sine:
		v = math.Sin(2 * math.Pi * p)
	case Square:
		if p < 0.5 {
			v = 1
		} else {
			v = -1
		}
	case Sawtooth:
		v = 2*p - 1
	case Triangle:
		v = 1 - 4*math.Abs(p-0.5)
	case WhiteNoise, PinkNoise:
		v = g.noise.next(g.cfg.Waveform)
	}
	return float32(v * float64(g.cfg.Amplitude))
}

// Generate overwrites dst with the next len(dst) samples.
func (g *TestSignalGenerator) Generate(dst []float32) {
	for i := range dst {
		dst[i] = g.Next()
	}
}

// Fill generates into an audio.Float32Buffer, stamping its format as mono
// at the generator's sample rate.
func (g *TestSignalGenerator) Fill(buf *audio.Float32Buffer) {
	if buf.Format == nil {
		buf.Format = &audio.Format{}
	}
	buf.Format.NumChannels = 1
	buf.Format.SampleRate = int(g.sampleRate)
	g.Generate(buf.Data)
}

// Reset rewinds the phase to zero.
func (g *TestSignalGenerator) Reset() { g.phase = 0 }

// BackgroundNoise mixes noise into an existing signal.
type BackgroundNoise struct {
	cfg   BackgroundNoiseConfig
	noise noiseSource
}

func NewBackgroundNoise(seed uint64) *BackgroundNoise {
	return &BackgroundNoise{
		cfg:   DefaultBackgroundNoiseConfig(),
		noise: newNoiseSource(seed),
	}
}

func (b *BackgroundNoise) Configure(cfg BackgroundNoiseConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	b.cfg = cfg
	return nil
}

func (b *BackgroundNoise) Config() BackgroundNoiseConfig { return b.cfg }

func (b *BackgroundNoise) Enabled() bool { return b.cfg.Enabled && b.cfg.Level > 0 }

// Mix adds Level-scaled noise to dst in place.
func (b *BackgroundNoise) Mix(dst []float32) {
	level := float64(b.cfg.Level)
	for i := range dst {
		dst[i] += float32(level * b.noise.next(b.cfg.NoiseType))
	}
}
