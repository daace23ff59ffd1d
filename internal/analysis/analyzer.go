// SPDX-License-Identifier: MIT
package analysis

import (
	"time"
)

// Recorder receives per-call detection metrics. observe.Metrics implements
// it; a nil Recorder is allowed.
type Recorder interface {
	RecordPitch(latency time.Duration, outcome string)
}

// Pitch is a detected fundamental together with its nearest note.
type Pitch struct {
	PitchResult
	Note Note `json:"note"`
}

// PerformanceMetrics summarizes the detector over the rolling window plus
// lifetime totals. It is diagnostic only.
type PerformanceMetrics struct {
	Processed      uint64        `json:"processed"`
	Detected       uint64        `json:"detected"`
	WindowSize     int           `json:"window_size"`
	DetectionRate  float64       `json:"detection_rate"`
	AverageLatency time.Duration `json:"average_latency"`
	MaxLatency     time.Duration `json:"max_latency"`
	LastLatency    time.Duration `json:"last_latency"`
}

type analysisSample struct {
	latency  time.Duration
	detected bool
}

// PitchAnalyzer runs the detector, maps results to notes and keeps
// performance metrics. The metrics never influence detection.
type PitchAnalyzer struct {
	detector *PitchDetector
	mapper   *NoteMapper
	recorder Recorder
	now      func() time.Time

	history   []analysisSample
	next      int
	filled    int
	processed uint64
	detected  uint64
	last      time.Duration
}

// DefaultMetricsWindow is the number of recent calls the rolling metrics
// cover.
const DefaultMetricsWindow = 100

func NewPitchAnalyzer(detector *PitchDetector, mapper *NoteMapper, metricsWindow int, recorder Recorder) *PitchAnalyzer {
	if metricsWindow <= 0 {
		metricsWindow = DefaultMetricsWindow
	}
	return &PitchAnalyzer{
		detector: detector,
		mapper:   mapper,
		recorder: recorder,
		now:      time.Now,
		history:  make([]analysisSample, metricsWindow),
	}
}

func (a *PitchAnalyzer) Mapper() *NoteMapper { return a.mapper }

// Analyze detects the pitch of f. Errors are the detector's
// *PitchDetectionError.
func (a *PitchAnalyzer) Analyze(f Frame) (Pitch, error) {
	start := a.now()
	res, err := a.detector.Detect(f)
	latency := a.now().Sub(start)

	a.record(latency, err == nil)
	if a.recorder != nil {
		outcome := "detected"
		if pe, ok := err.(*PitchDetectionError); ok {
			outcome = pe.Kind.String()
		}
		a.recorder.RecordPitch(latency, outcome)
	}
	if err != nil {
		return Pitch{}, err
	}

	p := Pitch{PitchResult: res}
	if a.mapper != nil {
		p.Note, _ = a.mapper.Map(res.Frequency)
	}
	return p, nil
}

func (a *PitchAnalyzer) record(latency time.Duration, detected bool) {
	a.history[a.next] = analysisSample{latency: latency, detected: detected}
	a.next = (a.next + 1) % len(a.history)
	a.filled = min(a.filled+1, len(a.history))
	a.processed++
	if detected {
		a.detected++
	}
	a.last = latency
}

// Metrics returns the current performance summary.
func (a *PitchAnalyzer) Metrics() PerformanceMetrics {
	m := PerformanceMetrics{
		Processed:   a.processed,
		Detected:    a.detected,
		WindowSize:  a.filled,
		LastLatency: a.last,
	}
	if a.filled == 0 {
		return m
	}

	var total time.Duration
	var hits int
	for _, s := range a.history[:a.filled] {
		total += s.latency
		m.MaxLatency = max(m.MaxLatency, s.latency)
		if s.detected {
			hits++
		}
	}
	m.AverageLatency = total / time.Duration(a.filled)
	m.DetectionRate = float64(hits) / float64(a.filled)
	return m
}

// ResetMetrics clears the rolling window and totals.
func (a *PitchAnalyzer) ResetMetrics() {
	clear(a.history)
	a.next, a.filled, a.processed, a.detected, a.last = 0, 0, 0, 0, 0
}
