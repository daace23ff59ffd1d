// SPDX-License-Identifier: MIT
package audio

import (
	"fmt"
	"runtime"
	"time"

	"github.com/gordonklaus/portaudio"
)

// PortAudioHost opens mono float32 streams on real hardware.
type PortAudioHost struct{}

// NewPortAudioHost initializes PortAudio. Close terminates it.
func NewPortAudioHost() (*PortAudioHost, error) {
	if err := Initialize(); err != nil {
		return nil, err
	}
	return &PortAudioHost{}, nil
}

func (*PortAudioHost) Name() string { return "portaudio" }

// IsSupported reports whether a default input device exists.
func (*PortAudioHost) IsSupported() bool {
	dev, err := paLibDefaultInputDeviceFunc()
	return err == nil && dev != nil && dev.MaxInputChannels > 0
}

func (*PortAudioHost) Devices() (AudioDevices, error) {
	all, err := HostDevices()
	if err != nil {
		return AudioDevices{}, err
	}
	return splitDevices(all), nil
}

func (*PortAudioHost) Close() error { return Terminate() }

// Open opens a stream with one input channel and, when p.Output is set,
// one output channel.
func (h *PortAudioHost) Open(p StreamParams, fn ProcessFunc) (Stream, error) {
	in, err := InputDevice(p.InputDevice)
	if err != nil {
		return nil, err
	}

	params := portaudio.StreamParameters{
		Input: portaudio.StreamDeviceParameters{
			Channels: 1,
			Device:   in,
			Latency:  pick(p.LowLatency, in.DefaultLowInputLatency, in.DefaultHighInputLatency),
		},
		FramesPerBuffer: p.FramesPerBuffer,
		SampleRate:      p.SampleRate,
	}

	// The callback locks its OS thread for the duration of each chunk.
	var stream *portaudio.Stream
	if p.Output {
		out, err := OutputDevice(p.OutputDevice)
		if err != nil {
			return nil, err
		}
		params.Output = portaudio.StreamDeviceParameters{
			Channels: 1,
			Device:   out,
			Latency:  pick(p.LowLatency, out.DefaultLowOutputLatency, out.DefaultHighOutputLatency),
		}
		stream, err = portaudio.OpenStream(params, func(in, out []float32) {
			runtime.LockOSThread()
			defer runtime.UnlockOSThread()
			fn(in, out)
		})
		if err != nil {
			return nil, fmt.Errorf("failed to open duplex stream: %w", err)
		}
	} else {
		stream, err = portaudio.OpenStream(params, func(in []float32) {
			runtime.LockOSThread()
			defer runtime.UnlockOSThread()
			fn(in, nil)
		})
		if err != nil {
			return nil, fmt.Errorf("failed to open input stream: %w", err)
		}
	}
	return stream, nil
}

func pick(low bool, lowLatency, highLatency time.Duration) time.Duration {
	if low {
		return lowLatency
	}
	return highLatency
}
