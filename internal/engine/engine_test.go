package engine

import (
	"context"
	"errors"
	"math"
	"slices"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"pitchtoy/internal/analysis"
	"pitchtoy/internal/audio"
	"pitchtoy/internal/config"
	"pitchtoy/internal/generator"
	"pitchtoy/internal/permission"
	"pitchtoy/internal/protocol"
	"pitchtoy/internal/stream"
)

func testConfig() *config.Config {
	cfg := config.NewConfig()
	cfg.Stream = config.StreamConfig{
		HealthCheckInterval:  10 * time.Millisecond,
		ActivityTimeout:      time.Hour,
		ReconnectDelay:       time.Millisecond,
		MaxReconnectAttempts: 2,
	}
	cfg.Audio.MaxRecreationAttempts = 1
	cfg.Audio.RecreationDelay = time.Millisecond
	return cfg
}

func newTestEngine(t *testing.T, host audio.Host) *AudioEngine {
	t.Helper()
	e, err := NewEngine(testConfig(), host, nil)
	if err != nil {
		t.Fatalf("NewEngine() error = %v", err)
	}
	return e
}

// run starts the reconnection loop for the duration of the test.
func run(t *testing.T, e *AudioEngine) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- e.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		if err := <-done; err != nil {
			t.Errorf("Run() error = %v", err)
		}
	})
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func submit(t *testing.T, e *AudioEngine, actions ...Action) {
	t.Helper()
	for _, a := range actions {
		if err := e.Submit(a); err != nil {
			t.Fatalf("Submit(%T) error = %v", a, err)
		}
	}
}

func hasKind(errs []Error, k ErrorKind) bool {
	for _, e := range errs {
		if e.Kind == k {
			return true
		}
	}
	return false
}

func TestEngineDetectsTestSignal(t *testing.T) {
	host := audio.NewSyntheticHost(false)
	e := newTestEngine(t, host)
	run(t, e)

	submit(t, e,
		RequestMicrophonePermission{},
		ConfigureTestSignal{Enabled: true, Frequency: 440, Volume: 50, Waveform: generator.Sine},
		ConfigureOutputToSpeakers{Enabled: true},
	)
	res := e.Update(0)
	if len(res.Errors) != 0 {
		t.Fatalf("Update() errors = %v", res.Errors)
	}
	if res.Permission != permission.Granted {
		t.Fatalf("permission = %s", res.Permission)
	}
	waitFor(t, "stream connected", func() bool { return e.StreamHealth().State == stream.Connected })
	if e.ContextState() != audio.Running {
		t.Fatalf("context state = %s", e.ContextState())
	}

	// 16 chunks of 128 frames fill two batches and one 2048-sample frame.
	if n := host.Pump(16); n != 16 {
		t.Fatalf("Pump ran %d callbacks", n)
	}
	res = e.Update(16)
	if len(res.Errors) != 0 {
		t.Fatalf("Update() errors = %v", res.Errors)
	}
	if res.Analysis == nil || res.Analysis.Pitch == nil {
		t.Fatalf("no pitch detected: %+v", res.Analysis)
	}

	p := res.Analysis.Pitch
	if math.Abs(p.Frequency-440) > 1 {
		t.Errorf("frequency = %.2f, want 440", p.Frequency)
	}
	if p.Note.Name != "A" || p.Note.Octave != 4 || math.Abs(p.Note.Cents) > 5 {
		t.Errorf("note = %s %+.1f cents, want A4", p.Note, p.Note.Cents)
	}
	if v := res.Analysis.Volume; v.RMSAmplitude < 0.3 || v.RMSAmplitude > 0.4 || v.PeakAmplitude > 0.51 {
		t.Errorf("volume = %+v, want a half-scale sine", v)
	}

	if len(res.Analysis.Spectrum) != SpectrumBands || math.Abs(res.Analysis.Peak-440) > 25 {
		t.Errorf("spectrum peak = %.1f Hz over %d bands", res.Analysis.Peak, len(res.Analysis.Spectrum))
	}

	if out := host.LastOutput(); len(out) == 0 || analysis.AmplitudeToDB(float64(maxAbs(out))) < -10 {
		t.Errorf("speaker output silent: %v", out)
	}

	latest, ok := e.LatestAnalysis()
	if !ok || latest.Pitch == nil || latest.Timestamp != 16 {
		t.Errorf("LatestAnalysis() = %+v, %v", latest, ok)
	}
	d := e.Diagnostics()
	if d.Worklet.BatchesReceived != 2 || d.Pool.Available != d.Pool.PoolSize || d.Pitch.Detected != 1 {
		t.Errorf("diagnostics = %+v", d)
	}
	if !d.Settings.OutputToSpeakers || !d.Settings.TestSignal.Enabled || d.Settings.TestSignal.Amplitude != 0.5 {
		t.Errorf("settings = %+v", d.Settings)
	}
	if got := e.Devices(); len(got.InputDevices) != 1 {
		t.Errorf("Devices() = %+v", got)
	}

	// No new samples, no new analysis.
	if res := e.Update(17); res.Analysis != nil {
		t.Errorf("Update without audio produced %+v", res.Analysis)
	}
}

func maxAbs(s []float32) float32 {
	var m float32
	for _, v := range s {
		m = max(m, v, -v)
	}
	return m
}

func TestEngineActionErrors(t *testing.T) {
	e := newTestEngine(t, audio.NewSyntheticHost(false))

	tests := []struct {
		name   string
		action Action
		want   ErrorKind
	}{
		{"volume above 100", ConfigureTestSignal{Enabled: true, Frequency: 440, Volume: 150}, ErrorConfiguration},
		{"above nyquist", ConfigureTestSignal{Enabled: true, Frequency: 30000, Volume: 50}, ErrorConfiguration},
		{"noise level", ConfigureBackgroundNoise{Enabled: true, Level: 2, NoiseType: generator.WhiteNoise}, ErrorConfiguration},
		{"unknown tuning", ChangeTuningSystem{Tuning: analysis.TuningSystem(9)}, ErrorConfiguration},
		{"garbage remote", RemoteControl{Data: []byte{0xc1}}, ErrorProtocol},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			submit(t, e, tt.action)
			res := e.Update(0)
			if len(res.Errors) != 1 || res.Errors[0].Kind != tt.want {
				t.Errorf("Update() errors = %v, want one %s", res.Errors, tt.want)
			}
		})
	}
	if c := e.ProtocolCounters(); c.Serialization != 1 {
		t.Errorf("ProtocolCounters() = %+v", c)
	}
}

func TestEngineAcceptsDisabledZeroConfigs(t *testing.T) {
	e := newTestEngine(t, audio.NewSyntheticHost(false))
	submit(t, e,
		ConfigureTestSignal{Enabled: true, Frequency: 440, Volume: 50, Waveform: generator.Sine},
		ConfigureTestSignal{},
		ConfigureBackgroundNoise{},
		ConfigureTestSignal{Frequency: 30000, Volume: 150},
	)
	if res := e.Update(0); len(res.Errors) != 0 {
		t.Fatalf("Update() errors = %v", res.Errors)
	}
	s := e.Settings()
	if s.TestSignal.Enabled || s.BackgroundNoise.Enabled {
		t.Errorf("Settings() = %+v, want both generators disabled", s)
	}
}

func TestEngineSubmitQueueFull(t *testing.T) {
	e := newTestEngine(t, audio.NewSyntheticHost(false))
	for range ActionQueueSize {
		if err := e.Submit(AdjustRootNote{Semitones: 1}); err != nil {
			t.Fatal(err)
		}
	}
	if err := e.Submit(AdjustRootNote{Semitones: 1}); !errors.Is(err, ErrActionQueueFull) {
		t.Fatalf("Submit() = %v, want ErrActionQueueFull", err)
	}
	e.Update(0)
	// 64 semitones up from C wraps to E.
	if got := e.Settings().Root; got != "E" {
		t.Errorf("root = %s, want E", got)
	}
}

func TestEngineTuningActions(t *testing.T) {
	e := newTestEngine(t, audio.NewSyntheticHost(false))
	submit(t, e, ChangeTuningSystem{Tuning: analysis.JustIntonation}, AdjustRootNote{Semitones: -3})
	e.Update(0)

	s := e.Settings()
	if s.Tuning != "just_intonation" || s.Root != "A" || s.Reference != 440 {
		t.Errorf("Settings() = %+v", s)
	}
}

func TestEngineRemoteControl(t *testing.T) {
	e := newTestEngine(t, audio.NewSyntheticHost(false))
	f := e.System().Worklet.Factory()
	var ser protocol.Serializer

	env, err := f.UpdateBackgroundNoiseConfig(generator.BackgroundNoiseConfig{Enabled: true, Level: 0.2, NoiseType: generator.PinkNoise})
	if err != nil {
		t.Fatal(err)
	}
	for _, env := range []protocol.Envelope{f.SetOutputToSpeakers(true), env} {
		data, err := ser.Serialize(env)
		if err != nil {
			t.Fatal(err)
		}
		submit(t, e, RemoteControl{Data: data})
	}

	if res := e.Update(0); len(res.Errors) != 0 {
		t.Fatalf("Update() errors = %v", res.Errors)
	}
	s := e.Settings()
	if !s.OutputToSpeakers || !s.BackgroundNoise.Enabled || s.BackgroundNoise.NoiseType != generator.PinkNoise {
		t.Errorf("Settings() = %+v", s)
	}
}

type unsupportedHost struct{ *audio.SyntheticHost }

func (unsupportedHost) IsSupported() bool { return false }

func TestEnginePermissionDenied(t *testing.T) {
	e := newTestEngine(t, unsupportedHost{audio.NewSyntheticHost(false)})
	submit(t, e, RequestMicrophonePermission{})

	res := e.Update(0)
	if res.Permission != permission.Denied {
		t.Fatalf("permission = %s, want denied", res.Permission)
	}
	if !hasKind(res.Errors, ErrorPermission) {
		t.Errorf("errors = %v, want a permission error", res.Errors)
	}
	if e.StreamHealth().State != stream.Disconnected {
		t.Errorf("stream = %s, want disconnected", e.StreamHealth().State)
	}
}

// brokenHost supports capture but can never open a stream.
type brokenHost struct{ *audio.SyntheticHost }

func (brokenHost) Open(audio.StreamParams, audio.ProcessFunc) (audio.Stream, error) {
	return nil, errors.New("device busy")
}

func TestEngineFatalAfterReconnectExhausted(t *testing.T) {
	e := newTestEngine(t, brokenHost{audio.NewSyntheticHost(false)})
	run(t, e)

	submit(t, e, RequestMicrophonePermission{})
	e.Update(0)
	waitFor(t, "stream failed", func() bool { return e.StreamHealth().State == stream.Failed })

	for i := range 2 {
		res := e.Update(float64(i + 1))
		if !hasKind(res.Errors, ErrorFatal) {
			t.Fatalf("Update %d errors = %v, want fatal", i, res.Errors)
		}
	}
	if h := e.StreamHealth(); !errors.Is(h.Err, stream.ErrReconnectExhausted) {
		t.Errorf("stream error = %v", h.Err)
	}
	if e.ContextState() != audio.Closed {
		t.Errorf("context = %s, want closed", e.ContextState())
	}
}

// flakyHost can fail opens, lose its input devices or stop offering
// capture, each on demand.
type flakyHost struct {
	*audio.SyntheticHost
	broken      atomic.Bool
	unplugged   atomic.Bool
	unsupported atomic.Bool
	stuck       atomic.Bool // fails the next stream Start once
}

func (h *flakyHost) Open(p audio.StreamParams, fn audio.ProcessFunc) (audio.Stream, error) {
	if h.broken.Load() {
		return nil, errors.New("device busy")
	}
	s, err := h.SyntheticHost.Open(p, fn)
	if err != nil {
		return nil, err
	}
	return flakyStream{Stream: s, host: h}, nil
}

type flakyStream struct {
	audio.Stream
	host *flakyHost
}

func (s flakyStream) Start() error {
	if s.host.stuck.CompareAndSwap(true, false) {
		return errors.New("device stuck")
	}
	return s.Stream.Start()
}

func (h *flakyHost) IsSupported() bool { return !h.unsupported.Load() }

func (h *flakyHost) Devices() (audio.AudioDevices, error) {
	if h.unplugged.Load() {
		return audio.AudioDevices{}, nil
	}
	return h.SyntheticHost.Devices()
}

// connectedEngine returns a running engine whose stream is Connected, and
// a function listing the error behind every move to Reconnecting.
func connectedEngine(t *testing.T, cfg *config.Config) (*flakyHost, *AudioEngine, func() []error) {
	t.Helper()
	host := &flakyHost{SyntheticHost: audio.NewSyntheticHost(false)}
	e, err := NewEngine(cfg, host, nil)
	if err != nil {
		t.Fatalf("NewEngine() error = %v", err)
	}

	var mu sync.Mutex
	var errs []error
	e.System().Stream.OnStateChange(func(_, to stream.State, h stream.Health) {
		if to == stream.Reconnecting {
			mu.Lock()
			errs = append(errs, h.Err)
			mu.Unlock()
		}
	})
	run(t, e)

	submit(t, e, RequestMicrophonePermission{})
	e.Update(0)
	waitFor(t, "stream connected", func() bool { return e.StreamHealth().State == stream.Connected })
	return host, e, func() []error {
		mu.Lock()
		defer mu.Unlock()
		return slices.Clone(errs)
	}
}

func TestEngineStreamLossTriggers(t *testing.T) {
	t.Run("Device Removed", func(t *testing.T) {
		host, e, reasons := connectedEngine(t, testConfig())
		host.unplugged.Store(true)
		waitFor(t, "device loss", func() bool { return len(reasons()) > 0 })
		if err := reasons()[0]; !errors.Is(err, stream.ErrDeviceDisconnected) {
			t.Fatalf("reconnect reason = %v, want ErrDeviceDisconnected", err)
		}
		host.unplugged.Store(false)
		waitFor(t, "stream back", func() bool { return e.StreamHealth().State == stream.Connected })
	})

	t.Run("Capture Withdrawn", func(t *testing.T) {
		host, e, reasons := connectedEngine(t, testConfig())
		host.unsupported.Store(true)
		waitFor(t, "stream failed", func() bool { return e.StreamHealth().State == stream.Failed })
		if err := reasons()[0]; !errors.Is(err, stream.ErrPermissionRevoked) {
			t.Fatalf("reconnect reason = %v, want ErrPermissionRevoked", err)
		}
		if e.Permission() != permission.Denied {
			t.Errorf("permission = %s, want denied", e.Permission())
		}
		if !errors.Is(e.System().Permission.Err(), permission.ErrUnavailable) {
			t.Errorf("permission error = %v", e.System().Permission.Err())
		}
	})

	t.Run("Context Closed", func(t *testing.T) {
		_, e, reasons := connectedEngine(t, testConfig())
		if err := e.System().Context.Close(); err != nil {
			t.Fatalf("Close() error = %v", err)
		}
		waitFor(t, "stream end", func() bool { return len(reasons()) > 0 })
		if err := reasons()[0]; !errors.Is(err, stream.ErrStreamEnded) {
			t.Fatalf("reconnect reason = %v, want ErrStreamEnded", err)
		}
		waitFor(t, "stream back", func() bool { return e.StreamHealth().State == stream.Connected })
		if e.ContextState() != audio.Running {
			t.Errorf("context = %s, want running", e.ContextState())
		}
	})
}

func TestEngineRecoversAfterUserRequest(t *testing.T) {
	host := &flakyHost{SyntheticHost: audio.NewSyntheticHost(false)}
	host.broken.Store(true)
	e := newTestEngine(t, host)
	run(t, e)

	submit(t, e, RequestMicrophonePermission{})
	e.Update(0)
	waitFor(t, "stream failed", func() bool { return e.StreamHealth().State == stream.Failed })
	if res := e.Update(1); !hasKind(res.Errors, ErrorFatal) {
		t.Fatalf("Update() errors = %v, want fatal", res.Errors)
	}

	host.broken.Store(false)
	submit(t, e, RequestMicrophonePermission{})
	res := e.Update(2)
	if res.Permission != permission.Granted {
		t.Fatalf("permission = %s, want granted", res.Permission)
	}
	waitFor(t, "stream reconnected", func() bool { return e.StreamHealth().State == stream.Connected })
	if e.ContextState() != audio.Running {
		t.Errorf("context = %s, want running", e.ContextState())
	}
	if res := e.Update(3); len(res.Errors) != 0 {
		t.Errorf("Update() errors after recovery = %v", res.Errors)
	}
	if h := e.StreamHealth(); h.Err != nil || h.ReconnectAttempts != 0 {
		t.Errorf("stream health = %+v, want a clean connection", h)
	}
}

func TestEngineRequestLeavesHealthyStreamAlone(t *testing.T) {
	e := newTestEngine(t, audio.NewSyntheticHost(false))
	run(t, e)

	submit(t, e, RequestMicrophonePermission{})
	e.Update(0)
	waitFor(t, "stream connected", func() bool { return e.StreamHealth().State == stream.Connected })
	since := e.StreamHealth().Since

	submit(t, e, RequestMicrophonePermission{})
	if res := e.Update(1); len(res.Errors) != 0 {
		t.Fatalf("Update() errors = %v", res.Errors)
	}
	if h := e.StreamHealth(); h.State != stream.Connected || !h.Since.Equal(since) {
		t.Errorf("stream health = %+v, want the original connection", h)
	}
}

func TestEngineSuspendResume(t *testing.T) {
	cfg := testConfig()
	cfg.Stream.ActivityTimeout = 200 * time.Millisecond
	host, e, reasons := connectedEngine(t, cfg)

	submit(t, e, SuspendContext{})
	if res := e.Update(1); len(res.Errors) != 0 {
		t.Fatalf("Update() errors = %v", res.Errors)
	}
	if e.ContextState() != audio.Suspended {
		t.Fatalf("context = %s, want suspended", e.ContextState())
	}
	if n := host.Pump(4); n != 0 {
		t.Errorf("Pump ran %d callbacks while suspended", n)
	}

	// Longer than the activity timeout without a single batch.
	time.Sleep(500 * time.Millisecond)
	if h := e.StreamHealth(); h.State != stream.Connected || len(reasons()) != 0 {
		t.Fatalf("stream = %+v after %d reconnects, want connected", h, len(reasons()))
	}

	submit(t, e, SuspendContext{})
	if res := e.Update(2); !hasKind(res.Errors, ErrorStream) {
		t.Errorf("second suspend errors = %v, want a stream error", res.Errors)
	}
	submit(t, e, ResumeContext{})
	if res := e.Update(3); len(res.Errors) != 0 {
		t.Fatalf("Update() errors = %v", res.Errors)
	}
	if e.ContextState() != audio.Running {
		t.Errorf("context = %s, want running", e.ContextState())
	}
	if n := host.Pump(4); n != 4 {
		t.Errorf("Pump ran %d callbacks after resume, want 4", n)
	}
	if len(reasons()) != 0 {
		t.Errorf("reconnects = %v, want none", reasons())
	}
}

func TestEngineResumeFailureEndsStream(t *testing.T) {
	host, e, reasons := connectedEngine(t, testConfig())

	submit(t, e, SuspendContext{})
	e.Update(1)
	host.stuck.Store(true)
	submit(t, e, ResumeContext{})
	if res := e.Update(2); !hasKind(res.Errors, ErrorStream) {
		t.Fatalf("Update() errors = %v, want a stream error", res.Errors)
	}
	waitFor(t, "stream end", func() bool { return len(reasons()) > 0 })
	if err := reasons()[0]; !errors.Is(err, stream.ErrStreamEnded) {
		t.Fatalf("reconnect reason = %v, want ErrStreamEnded", err)
	}
	waitFor(t, "stream back", func() bool {
		return e.StreamHealth().State == stream.Connected && e.ContextState() == audio.Running
	})
}

func TestNewEngineRejectsInvalidConfig(t *testing.T) {
	cfg := testConfig()
	cfg.Audio.BufferSize = 1000
	if _, err := NewEngine(cfg, audio.NewSyntheticHost(false), nil); err == nil {
		t.Fatal("NewEngine() accepted a non power of two ring")
	}
}

func TestErrorKindText(t *testing.T) {
	b, _ := ErrorFatal.MarshalText()
	if string(b) != "fatal" || ErrorKind(42).String() != "kind(42)" {
		t.Errorf("unexpected names %q %q", b, ErrorKind(42))
	}
	if got := (Error{Kind: ErrorStream, Message: "gone"}).Error(); got != "stream: gone" {
		t.Errorf("Error() = %q", got)
	}
}

func BenchmarkEngineUpdate(b *testing.B) {
	host := audio.NewSyntheticHost(false)
	e, err := NewEngine(testConfig(), host, nil)
	if err != nil {
		b.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go e.Run(ctx)
	e.Submit(RequestMicrophonePermission{})
	e.Submit(ConfigureTestSignal{Enabled: true, Frequency: 330, Volume: 50, Waveform: generator.Sine})
	e.Update(0)
	for e.StreamHealth().State != stream.Connected {
		time.Sleep(time.Millisecond)
	}

	b.ReportAllocs()
	ts := 0.0
	for b.Loop() {
		host.Pump(8)
		ts++
		e.Update(ts)
	}
}

func TestDriveDeliversResults(t *testing.T) {
	host := audio.NewSyntheticHost(true)
	e := newTestEngine(t, host)
	run(t, e)
	submit(t, e,
		RequestMicrophonePermission{},
		ConfigureTestSignal{Enabled: true, Frequency: 220, Volume: 80, Waveform: generator.Sine},
	)

	ctx, cancel := context.WithCancel(context.Background())
	found := make(chan AudioAnalysis, 1)
	done := make(chan error, 1)
	go func() {
		done <- e.Drive(ctx, time.Millisecond, func(res UpdateResult) {
			if res.Analysis == nil || res.Analysis.Pitch == nil {
				return
			}
			select {
			case found <- *res.Analysis:
			default:
			}
		})
	}()

	select {
	case a := <-found:
		if a.Pitch.Note.String() != "A3" {
			t.Errorf("note = %s, want A3", a.Pitch.Note)
		}
	case <-time.After(3 * time.Second):
		t.Error("no pitch from a clocked synthetic stream")
	}
	cancel()
	if err := <-done; err != nil {
		t.Errorf("Drive() = %v", err)
	}
}
