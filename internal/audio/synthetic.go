package audio

import (
	"errors"
	"sync"
	"time"
)

// ErrStreamClosed is returned when a closed stream is started.
var ErrStreamClosed = errors.New("audio: stream closed")

// SyntheticHost is a host without hardware. Its single device delivers
// silence; with Clocked set a started stream calls its ProcessFunc at the
// real chunk rate, otherwise callbacks are driven by Pump.
type SyntheticHost struct {
	Clocked bool

	mu     sync.Mutex
	active *syntheticStream
}

func NewSyntheticHost(clocked bool) *SyntheticHost {
	return &SyntheticHost{Clocked: clocked}
}

func (*SyntheticHost) Name() string { return "synthetic" }

func (*SyntheticHost) IsSupported() bool { return true }

var syntheticDevice = Device{
	ID:                0,
	Name:              "Synthetic",
	MaxInputChannels:  1,
	MaxOutputChannels: 1,
	DefaultSampleRate: 48000,
	IsDefault:         true,
}

func (*SyntheticHost) Devices() (AudioDevices, error) {
	return splitDevices([]Device{syntheticDevice}), nil
}

func (*SyntheticHost) Close() error { return nil }

func (h *SyntheticHost) Open(p StreamParams, fn ProcessFunc) (Stream, error) {
	if p.FramesPerBuffer <= 0 || p.SampleRate <= 0 {
		return nil, errors.New("audio: synthetic stream needs positive frames and sample rate")
	}
	s := &syntheticStream{
		host:   h,
		fn:     fn,
		period: time.Duration(float64(time.Second) * float64(p.FramesPerBuffer) / p.SampleRate),
		in:     make([]float32, p.FramesPerBuffer),
	}
	if p.Output {
		s.out = make([]float32, p.FramesPerBuffer)
	}
	h.mu.Lock()
	h.active = s
	h.mu.Unlock()
	return s, nil
}

// Pump runs n callbacks on the current stream if it is started and
// returns how many ran.
func (h *SyntheticHost) Pump(n int) int {
	h.mu.Lock()
	s := h.active
	h.mu.Unlock()
	if s == nil {
		return 0
	}
	ran := 0
	for range n {
		if !s.tick() {
			break
		}
		ran++
	}
	return ran
}

// LastOutput returns a copy of the most recent output chunk, or nil when
// the stream has no output.
func (h *SyntheticHost) LastOutput() []float32 {
	h.mu.Lock()
	s := h.active
	h.mu.Unlock()
	if s == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.out == nil {
		return nil
	}
	return append([]float32(nil), s.out...)
}

type syntheticStream struct {
	host   *SyntheticHost
	fn     ProcessFunc
	period time.Duration

	mu      sync.Mutex
	in, out []float32
	running bool
	closed  bool
	stop    chan struct{}
	done    chan struct{}
}

// tick runs one callback if running. Callbacks never overlap.
func (s *syntheticStream) tick() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return false
	}
	s.fn(s.in, s.out)
	return true
}

func (s *syntheticStream) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStreamClosed
	}
	if s.running {
		return nil
	}
	s.running = true
	if s.host.Clocked {
		s.stop, s.done = make(chan struct{}), make(chan struct{})
		go s.clock(s.stop, s.done)
	}
	return nil
}

func (s *syntheticStream) clock(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(s.period)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			s.tick()
		}
	}
}

func (s *syntheticStream) Stop() error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	stop, done := s.stop, s.done
	s.stop, s.done = nil, nil
	s.mu.Unlock()

	if stop != nil {
		close(stop)
		<-done
	}
	return nil
}

func (s *syntheticStream) Close() error {
	if err := s.Stop(); err != nil {
		return err
	}
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()

	s.host.mu.Lock()
	if s.host.active == s {
		s.host.active = nil
	}
	s.host.mu.Unlock()
	return nil
}
