// SPDX-License-Identifier: MIT
package utils

import (
	"math"
	"os"
	"testing"
)

const (
	testSize       = 1024
	testSampleRate = 48000
	testFrequency  = 440.0 // A4 note
)

var testMagnitudes []float64

func TestMain(m *testing.M) {
	testMagnitudes = make([]float64, testSize)

	// Creates a "hill" with peak at position testSize/4.
	for i := range testMagnitudes {
		testMagnitudes[i] = math.Exp(-0.01 * math.Pow(float64(i-testSize/4), 2))
	}

	os.Exit(m.Run())
}

func TestSineWave(t *testing.T) {
	tests := []struct {
		name      string
		size      int
		frequency float64
		amplitude float64
	}{
		{"A4", testSize, testFrequency, 0.5},
		{"Low E", 4096, 82.41, 0.9},
		{"High", testSize, 2000, 0.1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := SineWave(tt.size, testSampleRate, tt.frequency, tt.amplitude)
			if len(result) != tt.size {
				t.Fatalf("SineWave() size = %d, want %d", len(result), tt.size)
			}

			var peak float64
			for _, s := range result {
				peak = math.Max(peak, math.Abs(float64(s)))
			}
			if peak > tt.amplitude+1e-6 {
				t.Errorf("peak %.4f exceeds amplitude %.4f", peak, tt.amplitude)
			}

			samplesPerCycle := testSampleRate / tt.frequency
			if float64(tt.size) > samplesPerCycle {
				crossCount := 0
				for i := 1; i < tt.size; i++ {
					if (result[i-1] < 0 && result[i] >= 0) ||
						(result[i-1] >= 0 && result[i] < 0) {
						crossCount++
					}
				}

				// Two crossings per cycle, 20% margin for phase alignment.
				expectedCrossings := float64(tt.size) / (samplesPerCycle / 2)
				tolerance := math.Max(2, 0.2*expectedCrossings)

				if math.Abs(float64(crossCount)-expectedCrossings) > tolerance {
					t.Errorf("zero crossings = %d, expected approximately %.1f±%.1f",
						crossCount, expectedCrossings, tolerance)
				}
			}
		})
	}
}

func TestHarmonicWaveBounded(t *testing.T) {
	wave := HarmonicWave(testSize, testSampleRate, testFrequency, 0.8)
	for i, s := range wave {
		if math.Abs(float64(s)) > 0.8+1e-6 {
			t.Fatalf("sample %d = %f exceeds amplitude", i, s)
		}
	}
}

func TestFindPeakBin(t *testing.T) {
	tests := []struct {
		name     string
		mags     []float64
		start    int
		end      int
		expected int
	}{
		{"Full Range", testMagnitudes, 0, testSize - 1, testSize / 4},
		{"Partial Range Start", testMagnitudes, testSize / 8, testSize - 1, testSize / 4},
		{"Partial Range End", testMagnitudes, 0, testSize / 3, testSize / 4},
		{"Negative Start", testMagnitudes, -10, testSize - 1, testSize / 4},
		{"Out of Range End", testMagnitudes, 0, testSize * 2, testSize / 4},
		{"Empty Slice", []float64{}, 0, 10, 0},
		{"Single Value", []float64{1.0}, 0, 0, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if result := FindPeakBin(tt.mags, tt.start, tt.end); result != tt.expected {
				t.Errorf("FindPeakBin() = %d, want %d", result, tt.expected)
			}
		})
	}

	allocs := testing.AllocsPerRun(100, func() {
		FindPeakBin(testMagnitudes, 0, len(testMagnitudes)-1)
	})
	if allocs > 0 {
		t.Errorf("FindPeakBin allocated memory: got %.1f allocs, want 0", allocs)
	}
}

func BenchmarkSineWave(b *testing.B) {
	b.ReportAllocs()
	for b.Loop() {
		SineWave(testSize, testSampleRate, testFrequency, 0.5)
	}
}
