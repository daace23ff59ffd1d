package engine

import (
	"context"
	"errors"
	"fmt"

	"pitchtoy/internal/analysis"
	"pitchtoy/internal/audio"
	"pitchtoy/internal/generator"
	"pitchtoy/internal/permission"
	"pitchtoy/internal/stream"
)

// Action is a user or remote request. Actions are queued with Submit and
// applied at the start of the next Update, on the engine's goroutine.
type Action interface {
	apply(ctx context.Context, e *AudioEngine) error
	kind() ErrorKind
}

// ConfigureTestSignal replaces the microphone with a generated tone.
// Volume is a percentage of full scale. Ranges are only checked while
// Enabled is set.
type ConfigureTestSignal struct {
	Enabled   bool
	Frequency float32
	Volume    float32
	Waveform  generator.Waveform
}

func (a ConfigureTestSignal) apply(_ context.Context, e *AudioEngine) error {
	if a.Enabled && !(a.Volume >= 0 && a.Volume <= 100) {
		return fmt.Errorf("test signal volume must be within [0, 100] percent, got %g", a.Volume)
	}
	return e.sys.Worklet.UpdateTestSignalConfig(generator.TestSignalConfig{
		Enabled:   a.Enabled,
		Frequency: a.Frequency,
		Amplitude: a.Volume / 100,
		Waveform:  a.Waveform,
	})
}

func (ConfigureTestSignal) kind() ErrorKind { return ErrorConfiguration }

// ConfigureBackgroundNoise mixes noise into the captured signal. Level is
// linear in [0, 1].
type ConfigureBackgroundNoise struct {
	Enabled   bool
	Level     float32
	NoiseType generator.Waveform
}

func (a ConfigureBackgroundNoise) apply(_ context.Context, e *AudioEngine) error {
	return e.sys.Worklet.UpdateBackgroundNoiseConfig(generator.BackgroundNoiseConfig{
		Enabled:   a.Enabled,
		Level:     a.Level,
		NoiseType: a.NoiseType,
	})
}

func (ConfigureBackgroundNoise) kind() ErrorKind { return ErrorConfiguration }

// ConfigureOutputToSpeakers routes the processed signal to the output.
type ConfigureOutputToSpeakers struct {
	Enabled bool
}

func (a ConfigureOutputToSpeakers) apply(_ context.Context, e *AudioEngine) error {
	return e.sys.Worklet.SetOutputToSpeakers(a.Enabled)
}

func (ConfigureOutputToSpeakers) kind() ErrorKind { return ErrorConfiguration }

// RequestMicrophonePermission queries the host and, when granted, asks the
// stream handler to connect. A Failed stream is the user's retry: the
// previous answer is forgotten, the host is asked again and the handler
// is reset before it starts.
type RequestMicrophonePermission struct{}

func (RequestMicrophonePermission) apply(ctx context.Context, e *AudioEngine) error {
	failed := e.sys.Stream.State() == stream.Failed
	if failed {
		e.sys.Permission.Reset()
	}
	state, err := e.sys.Permission.Request(ctx)
	if err != nil {
		return err
	}
	if state != permission.Granted {
		return nil
	}
	if failed {
		e.log.Infof("restarting failed stream on request")
		e.sys.Stream.Reset()
	}
	e.sys.Stream.Start()
	return nil
}

func (RequestMicrophonePermission) kind() ErrorKind { return ErrorPermission }

// SuspendContext pauses capture and keeps the stream open. The stream
// handler stays Connected while the context is suspended.
type SuspendContext struct{}

func (SuspendContext) apply(_ context.Context, e *AudioEngine) error {
	return e.hostCall(e.sys.Context.Suspend())
}

func (SuspendContext) kind() ErrorKind { return ErrorStream }

// ResumeContext restarts a suspended context.
type ResumeContext struct{}

func (ResumeContext) apply(_ context.Context, e *AudioEngine) error {
	return e.hostCall(e.sys.Context.Resume())
}

func (ResumeContext) kind() ErrorKind { return ErrorStream }

// hostCall reports a host failure during suspend or resume as the end of
// the stream, so the handler reconnects. Calls in the wrong state are
// returned as is.
func (e *AudioEngine) hostCall(err error) error {
	if err == nil || errors.Is(err, audio.ErrInvalidState) {
		return err
	}
	e.sys.Stream.ReportFailure(fmt.Errorf("%w: %w", stream.ErrStreamEnded, err))
	return err
}

// ChangeTuningSystem switches the note mapping.
type ChangeTuningSystem struct {
	Tuning analysis.TuningSystem
}

func (a ChangeTuningSystem) apply(_ context.Context, e *AudioEngine) error {
	if _, err := analysis.ParseTuningSystem(a.Tuning.String()); err != nil {
		return err
	}
	e.sys.Pitch.Mapper().SetTuning(a.Tuning)
	return nil
}

func (ChangeTuningSystem) kind() ErrorKind { return ErrorConfiguration }

// AdjustRootNote moves the just intonation root by semitones.
type AdjustRootNote struct {
	Semitones int
}

func (a AdjustRootNote) apply(_ context.Context, e *AudioEngine) error {
	e.sys.Pitch.Mapper().AdjustRoot(a.Semitones)
	return nil
}

func (AdjustRootNote) kind() ErrorKind { return ErrorConfiguration }

// RemoteControl carries a serialized control envelope from a remote
// client.
type RemoteControl struct {
	Data []byte
}

func (a RemoteControl) apply(_ context.Context, e *AudioEngine) error {
	return e.sys.Worklet.HandleRaw(a.Data)
}

func (RemoteControl) kind() ErrorKind { return ErrorProtocol }
