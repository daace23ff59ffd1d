// SPDX-License-Identifier: MIT
package engine

import (
	"fmt"

	"pitchtoy/internal/analysis"
	"pitchtoy/internal/audio"
	"pitchtoy/internal/buffer"
	"pitchtoy/internal/config"
	"pitchtoy/internal/observe"
	"pitchtoy/internal/permission"
	"pitchtoy/internal/protocol"
	"pitchtoy/internal/stream"
	"pitchtoy/internal/worklet"
)

// AudioSystemContext owns every component of the pipeline. It is built
// once and handed to the engine; nothing in it is global.
type AudioSystemContext struct {
	Host       audio.Host
	Context    *audio.ContextManager
	Worklet    *worklet.Manager
	Stream     *stream.Handler
	Permission *permission.Manager

	Ring     *buffer.CircularBuffer[float32]
	Frames   *analysis.BufferAnalyzer
	Pitch    *analysis.PitchAnalyzer
	Volume   *analysis.VolumeDetector
	Spectrum *analysis.Spectrum
	Metrics  *observe.Metrics
	HopSize  int
}

// NewAudioSystemContext validates cfg and builds the components. connect
// is the stream handler's connector; the engine passes its own.
func NewAudioSystemContext(cfg *config.Config, host audio.Host, met *observe.Metrics, connect stream.Connector) (*AudioSystemContext, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if met == nil {
		met = observe.Noop()
	}

	ring, err := buffer.New[float32](cfg.Audio.BufferSize)
	if err != nil {
		return nil, err
	}
	pc, err := cfg.PitchConfig()
	if err != nil {
		return nil, err
	}
	detector, err := analysis.NewPitchDetector(pc)
	if err != nil {
		return nil, err
	}
	frames, err := analysis.NewBufferAnalyzer(pc.WindowSize, pc.Window)
	if err != nil {
		return nil, err
	}
	mapper, err := cfg.NoteMapper()
	if err != nil {
		return nil, err
	}
	volume, err := analysis.NewVolumeDetector(cfg.VolumeConfig())
	if err != nil {
		return nil, err
	}
	spectrum, err := analysis.NewSpectrum(frames, cfg.Audio.SampleRate)
	if err != nil {
		return nil, err
	}

	wm, err := worklet.NewManager(worklet.Config{
		SampleRate: cfg.Audio.SampleRate,
		Batch: protocol.BatchConfig{
			BatchSize:   cfg.Audio.BatchSize,
			StatusEvery: cfg.Audio.StatusEvery,
		},
		PoolSize: cfg.Audio.PoolSize,
	})
	if err != nil {
		return nil, err
	}

	sh, err := stream.NewHandler(stream.Config{
		HealthCheckInterval:  cfg.Stream.HealthCheckInterval,
		ActivityTimeout:      cfg.Stream.ActivityTimeout,
		ReconnectDelay:       cfg.Stream.ReconnectDelay,
		MaxReconnectAttempts: cfg.Stream.MaxReconnectAttempts,
	}, connect)
	if err != nil {
		return nil, fmt.Errorf("engine: %w", err)
	}

	ctxMgr := audio.NewContextManager(host, audio.ContextConfig{
		Stream: audio.StreamParams{
			InputDevice:     cfg.Audio.InputDevice,
			OutputDevice:    cfg.Audio.OutputDevice,
			SampleRate:      cfg.Audio.SampleRate,
			FramesPerBuffer: protocol.ChunkFrames,
			LowLatency:      cfg.Audio.LowLatency,
			Output:          true,
		},
		MaxRecreationAttempts: cfg.Audio.MaxRecreationAttempts,
		RecreationDelay:       cfg.Audio.RecreationDelay,
	}, func() audio.ProcessFunc {
		return wm.Attach().Process
	})

	return &AudioSystemContext{
		Host:       host,
		Context:    ctxMgr,
		Worklet:    wm,
		Stream:     sh,
		Permission: permission.NewManager(host),
		Ring:       ring,
		Frames:     frames,
		Pitch:      analysis.NewPitchAnalyzer(detector, mapper, cfg.Analysis.MetricsWindow, met),
		Volume:     volume,
		Spectrum:   spectrum,
		Metrics:    met,
		HopSize:    cfg.Analysis.HopSize,
	}, nil
}
