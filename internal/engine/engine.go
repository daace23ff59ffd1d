// SPDX-License-Identifier: MIT
/*
Package engine wires the capture pipeline together and exposes it to the
presentation layer.

One goroutine owns the AudioEngine and calls Update once per frame. Other
goroutines queue Actions with Submit and read diagnostics, which are
published as snapshots and never block.
*/
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"pitchtoy/internal/analysis"
	"pitchtoy/internal/audio"
	"pitchtoy/internal/config"
	"pitchtoy/internal/generator"
	"pitchtoy/internal/log"
	"pitchtoy/internal/observe"
	"pitchtoy/internal/permission"
	"pitchtoy/internal/protocol"
	"pitchtoy/internal/stream"
	"pitchtoy/internal/worklet"
)

// ActionQueueSize bounds the actions waiting for the next Update.
const ActionQueueSize = 64

// ErrActionQueueFull is returned by Submit when Update has not kept up.
var ErrActionQueueFull = errors.New("engine: action queue full")

// ErrorKind classifies errors reported by Update.
type ErrorKind uint8

const (
	ErrorProcessing ErrorKind = iota
	ErrorProtocol
	ErrorConfiguration
	ErrorPermission
	ErrorStream
	// ErrorFatal repeats on every Update until the condition is cleared.
	ErrorFatal
)

var errorKindNames = [...]string{"processing", "protocol", "configuration", "permission", "stream", "fatal"}

func (k ErrorKind) String() string {
	if int(k) < len(errorKindNames) {
		return errorKindNames[k]
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

func (k ErrorKind) MarshalText() ([]byte, error) { return []byte(k.String()), nil }

// Error is a problem surfaced to the presentation layer.
type Error struct {
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message"`
}

func (e Error) Error() string { return e.Kind.String() + ": " + e.Message }

// Spectrum display range and resolution.
const (
	SpectrumBands  = 24
	SpectrumLowHz  = 50.0
	SpectrumHighHz = 5000.0
)

// AudioAnalysis is the result of one analysis frame. Pitch is nil when no
// pitch was detected. Spectrum holds SpectrumBands levels in dBFS from
// SpectrumLowHz to SpectrumHighHz; Peak is the loudest bin in that range.
type AudioAnalysis struct {
	Volume    analysis.VolumeAnalysis `json:"volume"`
	Pitch     *analysis.Pitch         `json:"pitch"`
	Spectrum  []float64               `json:"spectrum,omitempty"`
	Peak      float64                 `json:"peak"`
	Timestamp float64                 `json:"timestamp"`
}

// UpdateResult is what one Update produced. Analysis is nil when no new
// frame was ready.
type UpdateResult struct {
	Analysis   *AudioAnalysis   `json:"analysis"`
	Errors     []Error          `json:"errors,omitempty"`
	Permission permission.State `json:"permission"`
}

// Settings are the user-facing knobs as currently applied.
type Settings struct {
	Tuning           string                          `json:"tuning"`
	Root             string                          `json:"root"`
	Reference        float64                         `json:"reference"`
	TestSignal       generator.TestSignalConfig      `json:"test_signal"`
	BackgroundNoise  generator.BackgroundNoiseConfig `json:"background_noise"`
	OutputToSpeakers bool                            `json:"output_to_speakers"`
}

// Diagnostics gathers every snapshot in one value.
type Diagnostics struct {
	Context    string                      `json:"context"`
	Permission permission.State            `json:"permission"`
	Stream     stream.Health               `json:"stream"`
	Worklet    worklet.AudioWorkletStatus  `json:"worklet"`
	Pool       worklet.BufferPoolStats     `json:"pool"`
	Protocol   protocol.CounterSnapshot    `json:"protocol"`
	Pitch      analysis.PerformanceMetrics `json:"pitch"`
	Settings   Settings                    `json:"settings"`
}

// AudioEngine runs the pipeline. Update and the Run loop are the only
// drivers; everything else is safe from any goroutine.
type AudioEngine struct {
	sys     *AudioSystemContext
	actions chan Action
	log     log.Logger

	inputDevice int

	latest   atomic.Pointer[AudioAnalysis]
	pitch    atomic.Pointer[analysis.PerformanceMetrics]
	settings atomic.Pointer[Settings]
	devices  atomic.Pointer[audio.AudioDevices]
}

// NewEngine builds the system context for host. met may be nil.
func NewEngine(cfg *config.Config, host audio.Host, met *observe.Metrics) (*AudioEngine, error) {
	e := &AudioEngine{
		actions: make(chan Action, ActionQueueSize),
		log:     log.Component("engine"),
	}
	e.inputDevice = cfg.Audio.InputDevice
	sys, err := NewAudioSystemContext(cfg, host, met, link{e})
	if err != nil {
		return nil, err
	}
	e.sys = sys

	sys.Stream.OnStateChange(func(from, to stream.State, h stream.Health) {
		sys.Metrics.RecordStreamTransition(to.String())
		if to == stream.Failed {
			e.log.Errorf("stream failed: %s", h.LastError)
		}
		if errors.Is(h.Err, stream.ErrPermissionRevoked) {
			sys.Permission.Revoke()
		}
	})
	sys.Context.OnStateChange(func(from, to audio.ContextState) {
		sys.Metrics.RecordContextTransition(to.String())
	})

	e.refreshDevices()
	e.publishSettings()
	var zero analysis.PerformanceMetrics
	e.pitch.Store(&zero)
	return e, nil
}

// System exposes the owned components, for wiring transports and tests.
func (e *AudioEngine) System() *AudioSystemContext { return e.sys }

// Submit queues a for the next Update. It never blocks.
func (e *AudioEngine) Submit(a Action) error {
	select {
	case e.actions <- a:
		return nil
	default:
		return ErrActionQueueFull
	}
}

// Run keeps the stream connected until ctx is cancelled, then closes the
// audio context.
func (e *AudioEngine) Run(ctx context.Context) error {
	err := e.sys.Stream.Run(ctx)
	if cerr := e.sys.Context.Close(); cerr != nil {
		e.log.Warnf("closing audio context: %v", cerr)
	}
	return err
}

// connect is the stream handler's connector. Permission and capability
// failures are permanent; everything else is retried.
func (e *AudioEngine) connect(ctx context.Context) error {
	if e.sys.Permission.State() != permission.Granted {
		if _, err := e.sys.Permission.Request(ctx); err != nil {
			if ctx.Err() != nil {
				return err
			}
			return stream.Permanent(err)
		}
	}

	var err error
	if e.sys.Context.State() == audio.Uninitialized {
		err = e.sys.Context.Initialize(ctx)
	} else {
		err = e.sys.Context.Recreate(ctx)
	}
	switch {
	case errors.Is(err, audio.ErrNotSupported):
		return stream.Permanent(err)
	case err != nil:
		return err
	}

	e.refreshDevices()
	return e.sys.Worklet.Start()
}

// link is the stream handler's view of the engine.
type link struct{ e *AudioEngine }

func (l link) Connect(ctx context.Context) error { return l.e.connect(ctx) }

func (l link) Verify() error { return l.e.verify() }

// verify checks that a connected stream can still deliver audio.
func (e *AudioEngine) verify() error {
	switch e.sys.Context.State() {
	case audio.Closed:
		return fmt.Errorf("%w: audio context closed", stream.ErrStreamEnded)
	case audio.Suspended:
		// Suspended contexts deliver nothing; keep the activity clock current.
		e.sys.Stream.MarkActivity()
	}
	if !e.sys.Host.IsSupported() {
		return fmt.Errorf("%w: %s no longer offers capture", stream.ErrPermissionRevoked, e.sys.Host.Name())
	}
	d, err := e.sys.Host.Devices()
	if err != nil {
		e.log.Warnf("listing devices: %v", err)
		return nil
	}
	if !hasInput(d, e.inputDevice) {
		if e.inputDevice == config.DefaultDeviceID {
			return fmt.Errorf("%w: no input devices left", stream.ErrDeviceDisconnected)
		}
		return fmt.Errorf("%w: input %d", stream.ErrDeviceDisconnected, e.inputDevice)
	}
	return nil
}

// hasInput reports whether id, or any input for the default id, is present.
func hasInput(d audio.AudioDevices, id int) bool {
	if id == config.DefaultDeviceID {
		return len(d.InputDevices) > 0
	}
	for _, dev := range d.InputDevices {
		if dev.ID == id {
			return true
		}
	}
	return false
}

// Update applies queued actions, drains the processor and analyzes at
// most one frame. ts is the caller's frame timestamp in milliseconds.
func (e *AudioEngine) Update(ts float64) UpdateResult {
	var res UpdateResult
	if e.applyActions(&res) {
		e.publishSettings()
	}

	poll := e.sys.Worklet.Poll(e.sys.Ring)
	e.sys.Metrics.RecordPoll(poll.Batches, poll.Samples, poll.OverrunSamples)
	if poll.Batches > 0 {
		e.sys.Stream.MarkActivity()
	}
	for _, err := range poll.Errors {
		e.sys.Metrics.RecordError(err)
		kind := ErrorProcessing
		if _, ok := protocol.Classify(err); ok {
			kind = ErrorProtocol
		}
		res.Errors = append(res.Errors, Error{Kind: kind, Message: err.Error()})
	}

	if frame, ok := e.sys.Frames.Next(e.sys.Ring, e.sys.HopSize, ts); ok {
		a := &AudioAnalysis{
			Volume:    e.sys.Volume.Process(frame.Raw, ts),
			Timestamp: ts,
		}
		if err := e.sys.Spectrum.Process(frame); err == nil {
			hi := min(SpectrumHighHz, e.sys.Context.SampleRate()/2)
			a.Spectrum = e.sys.Spectrum.Bands(make([]float64, 0, SpectrumBands), SpectrumBands, SpectrumLowHz, hi)
			a.Peak = e.sys.Spectrum.PeakFrequency(SpectrumLowHz, hi)
		}
		p, err := e.sys.Pitch.Analyze(frame)
		switch {
		case err == nil:
			a.Pitch = &p
		case !analysis.NotDetected(err):
			res.Errors = append(res.Errors, Error{Kind: ErrorProcessing, Message: err.Error()})
		}
		res.Analysis = a
		e.latest.Store(a)
		m := e.sys.Pitch.Metrics()
		e.pitch.Store(&m)
	}

	if f := e.fatal(); f != nil {
		res.Errors = append(res.Errors, *f)
	}
	res.Permission = e.sys.Permission.State()
	return res
}

// applyActions drains the action queue and reports whether any action
// was applied.
func (e *AudioEngine) applyActions(res *UpdateResult) bool {
	ctx := context.Background()
	applied := false
	for range cap(e.actions) {
		var a Action
		select {
		case a = <-e.actions:
		default:
		}
		if a == nil {
			break
		}
		applied = true
		if err := a.apply(ctx, e); err != nil {
			e.log.Debugf("action %T rejected: %v", a, err)
			e.sys.Metrics.RecordError(err)
			res.Errors = append(res.Errors, Error{Kind: a.kind(), Message: err.Error()})
		}
	}
	return applied
}

func (e *AudioEngine) fatal() *Error {
	if h := e.sys.Stream.Health(); h.State == stream.Failed {
		return &Error{Kind: ErrorFatal, Message: h.LastError}
	}
	if st := e.sys.Worklet.Status(); st.State == worklet.Failed {
		return &Error{Kind: ErrorFatal, Message: "audio processor failed to initialize"}
	}
	return nil
}

func (e *AudioEngine) refreshDevices() {
	d, err := e.sys.Host.Devices()
	if err != nil {
		e.log.Warnf("listing devices: %v", err)
		return
	}
	e.devices.Store(&d)
}

// publishSettings snapshots the mapper and desired processor state. It
// runs on the Update goroutine, which owns the mapper.
func (e *AudioEngine) publishSettings() {
	m := e.sys.Pitch.Mapper()
	d := e.sys.Worklet.Desired()
	s := &Settings{
		Tuning:           m.Tuning().String(),
		Root:             analysis.NoteNames[m.Root()],
		Reference:        m.Reference(),
		TestSignal:       d.TestSignal,
		BackgroundNoise:  d.BackgroundNoise,
		OutputToSpeakers: d.OutputToSpeaker,
	}
	e.settings.Store(s)
}

// --- Diagnostics ---

func (e *AudioEngine) WorkletStatus() worklet.AudioWorkletStatus { return e.sys.Worklet.Status() }

func (e *AudioEngine) PoolStats() worklet.BufferPoolStats { return e.sys.Worklet.PoolStats() }

func (e *AudioEngine) StreamHealth() stream.Health { return e.sys.Stream.Health() }

func (e *AudioEngine) ProtocolCounters() protocol.CounterSnapshot { return e.sys.Worklet.Counters() }

func (e *AudioEngine) ContextState() audio.ContextState { return e.sys.Context.State() }

func (e *AudioEngine) Permission() permission.State { return e.sys.Permission.State() }

// Devices returns the device list from the last refresh, or an empty
// list.
func (e *AudioEngine) Devices() audio.AudioDevices {
	if d := e.devices.Load(); d != nil {
		return *d
	}
	return audio.AudioDevices{}
}

// LatestAnalysis returns the newest analysis and false before the first
// frame.
func (e *AudioEngine) LatestAnalysis() (AudioAnalysis, bool) {
	if a := e.latest.Load(); a != nil {
		return *a, true
	}
	return AudioAnalysis{}, false
}

func (e *AudioEngine) PitchMetrics() analysis.PerformanceMetrics { return *e.pitch.Load() }

func (e *AudioEngine) Settings() Settings { return *e.settings.Load() }

func (e *AudioEngine) Diagnostics() Diagnostics {
	return Diagnostics{
		Context:    e.ContextState().String(),
		Permission: e.Permission(),
		Stream:     e.StreamHealth(),
		Worklet:    e.WorkletStatus(),
		Pool:       e.PoolStats(),
		Protocol:   e.ProtocolCounters(),
		Pitch:      e.PitchMetrics(),
		Settings:   e.Settings(),
	}
}
