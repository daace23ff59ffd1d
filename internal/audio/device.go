// SPDX-License-Identifier: MIT
/*
Package audio owns the platform side of the pipeline: device enumeration,
the capability check and the lifecycle of the callback stream that drives
the real-time processor.

A Host opens streams that call a ProcessFunc once per chunk of frames on a
real-time goroutine. Two hosts exist: PortAudioHost for real hardware and
SyntheticHost, a clocked silent source for self-tests and machines without
a microphone. ContextManager runs the context state machine on top of
either.
*/
package audio

import (
	"fmt"
	"io"
)

// Device represents an audio device.
type Device struct {
	ID                int     `json:"id"`
	Name              string  `json:"name"`
	MaxInputChannels  int     `json:"max_input_channels"`
	MaxOutputChannels int     `json:"max_output_channels"`
	DefaultSampleRate float64 `json:"default_sample_rate"`
	IsDefault         bool    `json:"is_default"`
}

// AudioDevices splits the host's devices by direction. A device with both
// input and output channels appears in both lists.
type AudioDevices struct {
	InputDevices  []Device `json:"input_devices"`
	OutputDevices []Device `json:"output_devices"`
}

// ProcessFunc is called once per chunk on the real-time goroutine. in holds
// mono input frames; out is nil when the stream has no output. It must not
// block or allocate.
type ProcessFunc func(in, out []float32)

// StreamParams describes the stream a Host should open. Device IDs of -1
// select the system default.
type StreamParams struct {
	InputDevice     int
	OutputDevice    int
	SampleRate      float64
	FramesPerBuffer int
	LowLatency      bool
	// Output adds a mono output so the processor can route to speakers.
	Output bool
}

// Stream is an opened host stream.
type Stream interface {
	Start() error
	Stop() error
	Close() error
}

// Host abstracts the platform audio API.
type Host interface {
	Name() string
	// IsSupported reports whether the host can open an input stream at all.
	IsSupported() bool
	Devices() (AudioDevices, error)
	Open(p StreamParams, fn ProcessFunc) (Stream, error)
	// Close releases the host. Streams must be closed first.
	Close() error
}

func splitDevices(all []Device) AudioDevices {
	var d AudioDevices
	for _, dev := range all {
		if dev.MaxInputChannels > 0 {
			d.InputDevices = append(d.InputDevices, dev)
		}
		if dev.MaxOutputChannels > 0 {
			d.OutputDevices = append(d.OutputDevices, dev)
		}
	}
	return d
}

// WriteDevices prints one line per device under an input and an output
// heading. The default device is marked with an asterisk.
func WriteDevices(w io.Writer, d AudioDevices) {
	section := func(title string, devices []Device, channels func(Device) int) {
		fmt.Fprintf(w, "%s:\n", title)
		if len(devices) == 0 {
			fmt.Fprintln(w, "  none")
		}
		for _, dev := range devices {
			mark := " "
			if dev.IsDefault {
				mark = "*"
			}
			fmt.Fprintf(w, " %s[%d] %s (%d ch, %.0f Hz)\n", mark, dev.ID, dev.Name, channels(dev), dev.DefaultSampleRate)
		}
	}
	section("Input devices", d.InputDevices, func(d Device) int { return d.MaxInputChannels })
	section("Output devices", d.OutputDevices, func(d Device) int { return d.MaxOutputChannels })
}
