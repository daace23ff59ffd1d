package analysis

import (
	"fmt"
	"math"
)

// SilenceFloorDB is the level reported for silence and anything quieter.
const SilenceFloorDB = -100.0

// AmplitudeToDB converts a linear amplitude (1.0 = full scale) to dBFS,
// floored at SilenceFloorDB.
func AmplitudeToDB(a float64) float64 {
	if !(a > 0) {
		return SilenceFloorDB
	}
	return math.Max(SilenceFloorDB, 20*math.Log10(a))
}

// VolumeAnalysis is the level of one frame. Amplitudes are linear in
// [0, 1]; the dB fields are derived from them.
type VolumeAnalysis struct {
	RMSAmplitude  float64 `json:"rms_amplitude"`
	PeakAmplitude float64 `json:"peak_amplitude"`
	RMSDB         float64 `json:"rms_db"`
	PeakDB        float64 `json:"peak_db"`
	Timestamp     float64 `json:"timestamp"`
}

// VolumeConfig controls smoothing. Both factors are in [0, 1); zero turns
// the behaviour off.
type VolumeConfig struct {
	// PeakDecay multiplies the held peak each frame; a louder frame
	// replaces it immediately.
	PeakDecay float64
	// RMSSmoothing is the weight of the previous RMS in an exponential
	// moving average.
	RMSSmoothing float64
}

func (c VolumeConfig) Validate() error {
	if !(c.PeakDecay >= 0 && c.PeakDecay < 1) {
		return fmt.Errorf("volume: peak decay must be within [0, 1), got %g", c.PeakDecay)
	}
	if !(c.RMSSmoothing >= 0 && c.RMSSmoothing < 1) {
		return fmt.Errorf("volume: rms smoothing must be within [0, 1), got %g", c.RMSSmoothing)
	}
	return nil
}

// VolumeDetector measures RMS and peak level of raw frames.
type VolumeDetector struct {
	cfg    VolumeConfig
	peak   float64
	rms    float64
	primed bool
}

func NewVolumeDetector(cfg VolumeConfig) (*VolumeDetector, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &VolumeDetector{cfg: cfg}, nil
}

// Process measures samples. An empty frame reads as silence.
func (v *VolumeDetector) Process(samples []float32, timestamp float64) VolumeAnalysis {
	var sum, peak float64
	for _, s := range samples {
		x := float64(s)
		if math.IsNaN(x) {
			continue
		}
		sum += x * x
		peak = math.Max(peak, math.Abs(x))
	}
	level := 0.0
	if len(samples) > 0 {
		level = math.Sqrt(sum / float64(len(samples)))
	}
	level = clampUnit(level)
	peak = clampUnit(peak)

	if v.primed {
		level = v.cfg.RMSSmoothing*v.rms + (1-v.cfg.RMSSmoothing)*level
		peak = math.Max(peak, v.peak*v.cfg.PeakDecay)
	}
	v.rms, v.peak, v.primed = level, peak, true

	return VolumeAnalysis{
		RMSAmplitude:  level,
		PeakAmplitude: peak,
		RMSDB:         AmplitudeToDB(level),
		PeakDB:        AmplitudeToDB(peak),
		Timestamp:     timestamp,
	}
}

// Reset drops the held peak and smoothing history.
func (v *VolumeDetector) Reset() {
	v.rms, v.peak, v.primed = 0, 0, false
}

func clampUnit(x float64) float64 {
	return math.Max(0, math.Min(1, x))
}
