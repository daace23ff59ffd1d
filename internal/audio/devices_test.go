package audio

import (
	"errors"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/gordonklaus/portaudio"
)

var (
	paMic      = &portaudio.DeviceInfo{Name: "mic", MaxInputChannels: 1, DefaultSampleRate: 48000}
	paSpeakers = &portaudio.DeviceInfo{Name: "speakers", MaxOutputChannels: 2, DefaultSampleRate: 44100}
	paHeadset  = &portaudio.DeviceInfo{Name: "headset", MaxInputChannels: 1, MaxOutputChannels: 2, DefaultSampleRate: 48000}
)

// fakePortAudio replaces the PortAudio entry points with a fixed machine
// of three devices: a default mic, default speakers and a headset.
func fakePortAudio(t *testing.T) {
	t.Helper()
	origInit, origTerm := paLibInitialize, paLibTerminate
	origDevices, origIn, origOut := paDevicesFunc, paLibDefaultInputDeviceFunc, paLibDefaultOutputDeviceFunc
	t.Cleanup(func() {
		paLibInitialize, paLibTerminate = origInit, origTerm
		paDevicesFunc, paLibDefaultInputDeviceFunc, paLibDefaultOutputDeviceFunc = origDevices, origIn, origOut
	})

	paLibInitialize = func() error { return nil }
	paLibTerminate = func() error { return nil }
	paDevicesFunc = func() ([]*portaudio.DeviceInfo, error) {
		return []*portaudio.DeviceInfo{paMic, paSpeakers, paHeadset}, nil
	}
	paLibDefaultInputDeviceFunc = func() (*portaudio.DeviceInfo, error) { return paMic, nil }
	paLibDefaultOutputDeviceFunc = func() (*portaudio.DeviceInfo, error) { return paSpeakers, nil }
}

func TestPortAudioHostDevices(t *testing.T) {
	fakePortAudio(t)

	h, err := NewPortAudioHost()
	if err != nil {
		t.Fatalf("NewPortAudioHost: %v", err)
	}
	defer h.Close()

	got, err := h.Devices()
	if err != nil {
		t.Fatalf("Devices: %v", err)
	}
	mic := Device{ID: 0, Name: "mic", MaxInputChannels: 1, DefaultSampleRate: 48000, IsDefault: true}
	speakers := Device{ID: 1, Name: "speakers", MaxOutputChannels: 2, DefaultSampleRate: 44100, IsDefault: true}
	headset := Device{ID: 2, Name: "headset", MaxInputChannels: 1, MaxOutputChannels: 2, DefaultSampleRate: 48000}
	want := AudioDevices{
		InputDevices:  []Device{mic, headset},
		OutputDevices: []Device{speakers, headset},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("Devices() mismatch (-want +got):\n%s", diff)
	}
}

func TestPortAudioHostIsSupported(t *testing.T) {
	tests := []struct {
		name   string
		device *portaudio.DeviceInfo
		err    error
		want   bool
	}{
		{"Default Mic", paMic, nil, true},
		{"Output Only Default", paSpeakers, nil, false},
		{"No Default", nil, errors.New("no default input"), false},
		{"Nil Device", nil, nil, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fakePortAudio(t)
			paLibDefaultInputDeviceFunc = func() (*portaudio.DeviceInfo, error) { return tt.device, tt.err }

			if got := (&PortAudioHost{}).IsSupported(); got != tt.want {
				t.Errorf("IsSupported() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestDeviceLookup(t *testing.T) {
	fakePortAudio(t)

	tests := []struct {
		name   string
		lookup func(int) (*portaudio.DeviceInfo, error)
		id     int
		want   string
		substr string
	}{
		{"Default Input", InputDevice, -1, "mic", ""},
		{"Input By ID", InputDevice, 2, "headset", ""},
		{"Input On Speakers", InputDevice, 1, "", "does not support input"},
		{"Input Too High", InputDevice, 9, "", "invalid device ID"},
		{"Input Negative", InputDevice, -2, "", "invalid device ID"},
		{"Default Output", OutputDevice, -1, "speakers", ""},
		{"Output By ID", OutputDevice, 2, "headset", ""},
		{"Output On Mic", OutputDevice, 0, "", "does not support output"},
		{"Output Too High", OutputDevice, 3, "", "invalid device ID"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dev, err := tt.lookup(tt.id)
			if tt.substr != "" {
				if err == nil || !strings.Contains(err.Error(), tt.substr) {
					t.Fatalf("error = %v, want substring %q", err, tt.substr)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if dev.Name != tt.want {
				t.Errorf("device = %q, want %q", dev.Name, tt.want)
			}
		})
	}
}

func TestPortAudioHostErrors(t *testing.T) {
	t.Run("Initialize", func(t *testing.T) {
		fakePortAudio(t)
		paLibInitialize = func() error { return errors.New("mock init error") }

		if _, err := NewPortAudioHost(); err == nil || !strings.Contains(err.Error(), "mock init error") {
			t.Errorf("NewPortAudioHost error = %v, want mock init error", err)
		}
	})

	t.Run("Terminate", func(t *testing.T) {
		fakePortAudio(t)
		paLibTerminate = func() error { return errors.New("mock term error") }

		if err := (&PortAudioHost{}).Close(); err == nil || !strings.Contains(err.Error(), "mock term error") {
			t.Errorf("Close error = %v, want mock term error", err)
		}
	})

	t.Run("Enumeration", func(t *testing.T) {
		fakePortAudio(t)
		paDevicesFunc = func() ([]*portaudio.DeviceInfo, error) { return nil, errors.New("mock error") }

		h := &PortAudioHost{}
		if _, err := h.Devices(); err == nil || !strings.Contains(err.Error(), "mock error") {
			t.Errorf("Devices error = %v, want mock error", err)
		}
		_, err := h.Open(StreamParams{InputDevice: -1, SampleRate: 48000, FramesPerBuffer: 128}, func(in, out []float32) {})
		if err == nil || !strings.Contains(err.Error(), "mock error") {
			t.Errorf("Open error = %v, want mock error", err)
		}
	})

	t.Run("Output Device", func(t *testing.T) {
		fakePortAudio(t)

		_, err := (&PortAudioHost{}).Open(StreamParams{InputDevice: -1, OutputDevice: 0, Output: true}, func(in, out []float32) {})
		if err == nil || !strings.Contains(err.Error(), "does not support output") {
			t.Errorf("Open error = %v, want output device error", err)
		}
	})
}

func TestPaDevicesNeverNil(t *testing.T) {
	orig := paLibDevicesFunc
	defer func() { paLibDevicesFunc = orig }()

	paLibDevicesFunc = func() ([]*portaudio.DeviceInfo, error) { return nil, nil }
	devices, err := paDevices()
	if err != nil || devices == nil || len(devices) != 0 {
		t.Errorf("paDevices() = %v, %v, want empty slice", devices, err)
	}

	paLibDevicesFunc = func() ([]*portaudio.DeviceInfo, error) {
		return nil, errors.New("PortAudio not initialized")
	}
	devices, err = paDevices()
	if err == nil || devices != nil {
		t.Errorf("paDevices() = %v, %v, want nil and an error", devices, err)
	}
}

func TestWriteDevices(t *testing.T) {
	fakePortAudio(t)

	d, err := (&PortAudioHost{}).Devices()
	if err != nil {
		t.Fatalf("Devices: %v", err)
	}
	var sb strings.Builder
	WriteDevices(&sb, d)

	want := "Input devices:\n" +
		" *[0] mic (1 ch, 48000 Hz)\n" +
		"  [2] headset (1 ch, 48000 Hz)\n" +
		"Output devices:\n" +
		" *[1] speakers (2 ch, 44100 Hz)\n" +
		"  [2] headset (2 ch, 48000 Hz)\n"
	if diff := cmp.Diff(want, sb.String()); diff != "" {
		t.Errorf("WriteDevices mismatch (-want +got):\n%s", diff)
	}

	sb.Reset()
	WriteDevices(&sb, AudioDevices{})
	if got := sb.String(); got != "Input devices:\n  none\nOutput devices:\n  none\n" {
		t.Errorf("empty listing = %q", got)
	}
}

// TestHostDevicesHardware runs against the real library and skips on
// machines without PortAudio.
func TestHostDevicesHardware(t *testing.T) {
	if err := Initialize(); err != nil {
		t.Skipf("PortAudio unavailable: %v", err)
	}
	t.Cleanup(func() {
		if err := Terminate(); err != nil {
			t.Errorf("Terminate: %v", err)
		}
	})

	devices, err := HostDevices()
	if err != nil {
		t.Fatalf("HostDevices error: %v", err)
	}
	for i, d := range devices {
		if d.ID != i {
			t.Errorf("device ID = %d, want %d", d.ID, i)
		}
		if d.Name == "" {
			t.Errorf("device %d has an empty name", i)
		}
	}
}
