package analysis

import (
	"math"
	"testing"

	"pitchtoy/pkg/utils"
)

func TestVolumeDetector(t *testing.T) {
	tests := []struct {
		name     string
		samples  []float32
		wantRMS  float64
		wantPeak float64
		wantDB   float64
	}{
		{"Silence", make([]float32, 1024), 0, 0, SilenceFloorDB},
		{"Empty", nil, 0, 0, SilenceFloorDB},
		{"Full Scale DC", utils.Constant(1024, 1), 1, 1, 0},
		{"Half Scale DC", utils.Constant(1024, -0.5), 0.5, 0.5, -6.0206},
		{"Sine", utils.SineWave(4800, testSampleRate, 1000, 0.5), 0.5 / math.Sqrt2, 0.5, -9.0309},
		{"Clipped", utils.Constant(16, 3), 1, 1, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v, err := NewVolumeDetector(VolumeConfig{})
			if err != nil {
				t.Fatalf("NewVolumeDetector() error = %v", err)
			}
			got := v.Process(tt.samples, 7)
			if math.Abs(got.RMSAmplitude-tt.wantRMS) > 1e-3 {
				t.Errorf("RMSAmplitude = %.4f, want %.4f", got.RMSAmplitude, tt.wantRMS)
			}
			if math.Abs(got.PeakAmplitude-tt.wantPeak) > 1e-3 {
				t.Errorf("PeakAmplitude = %.4f, want %.4f", got.PeakAmplitude, tt.wantPeak)
			}
			if math.Abs(got.RMSDB-tt.wantDB) > 0.01 {
				t.Errorf("RMSDB = %.3f, want %.3f", got.RMSDB, tt.wantDB)
			}
			if got.PeakDB < got.RMSDB {
				t.Errorf("PeakDB %.2f below RMSDB %.2f", got.PeakDB, got.RMSDB)
			}
			if got.Timestamp != 7 {
				t.Errorf("Timestamp = %v, want 7", got.Timestamp)
			}
		})
	}
}

func TestVolumeDetectorSmoothing(t *testing.T) {
	v, err := NewVolumeDetector(VolumeConfig{PeakDecay: 0.5, RMSSmoothing: 0.5})
	if err != nil {
		t.Fatalf("NewVolumeDetector() error = %v", err)
	}

	v.Process(utils.Constant(64, 0.8), 0)
	got := v.Process(make([]float32, 64), 1)
	if math.Abs(got.PeakAmplitude-0.4) > 1e-6 {
		t.Errorf("held peak = %.3f, want 0.4", got.PeakAmplitude)
	}
	if math.Abs(got.RMSAmplitude-0.4) > 1e-6 {
		t.Errorf("smoothed rms = %.3f, want 0.4", got.RMSAmplitude)
	}

	// A louder frame replaces the held peak at once.
	got = v.Process(utils.Constant(64, 0.9), 2)
	if math.Abs(got.PeakAmplitude-0.9) > 1e-6 {
		t.Errorf("peak = %.3f, want 0.9", got.PeakAmplitude)
	}

	v.Reset()
	got = v.Process(make([]float32, 64), 3)
	if got.PeakAmplitude != 0 || got.RMSAmplitude != 0 {
		t.Errorf("Reset() kept history: %+v", got)
	}
}

func TestVolumeConfigValidate(t *testing.T) {
	for _, cfg := range []VolumeConfig{{PeakDecay: 1}, {PeakDecay: -0.1}, {RMSSmoothing: 1}, {RMSSmoothing: math.NaN()}} {
		if _, err := NewVolumeDetector(cfg); err == nil {
			t.Errorf("NewVolumeDetector(%+v) accepted", cfg)
		}
	}
}

func TestAmplitudeToDB(t *testing.T) {
	tests := []struct {
		in   float64
		want float64
	}{
		{1, 0},
		{0.1, -20},
		{0, SilenceFloorDB},
		{-1, SilenceFloorDB},
		{1e-9, SilenceFloorDB},
		{math.NaN(), SilenceFloorDB},
	}
	for _, tt := range tests {
		if got := AmplitudeToDB(tt.in); math.Abs(got-tt.want) > 1e-9 {
			t.Errorf("AmplitudeToDB(%g) = %g, want %g", tt.in, got, tt.want)
		}
	}
}
