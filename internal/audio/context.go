// SPDX-License-Identifier: MIT
package audio

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"pitchtoy/internal/log"
)

// ContextState is the lifecycle state of the audio context.
type ContextState uint32

const (
	Uninitialized ContextState = iota
	Initializing
	Running
	Suspended
	Closed
	Recreating
)

var contextStateNames = [...]string{"uninitialized", "initializing", "running", "suspended", "closed", "recreating"}

func (s ContextState) String() string {
	if int(s) < len(contextStateNames) {
		return contextStateNames[s]
	}
	return fmt.Sprintf("state(%d)", uint32(s))
}

var (
	// ErrNotSupported means the platform cannot capture audio. It is
	// terminal and never retried.
	ErrNotSupported = errors.New("audio: capture not supported on this host")
	// ErrRecreationExhausted is returned when every recreation attempt
	// failed. The context is Closed afterwards.
	ErrRecreationExhausted = errors.New("audio: context recreation attempts exhausted")
	// ErrInvalidState is returned for an operation not allowed in the
	// current state.
	ErrInvalidState = errors.New("audio: invalid context state")
)

// DefaultMaxRecreationAttempts bounds Recreate when the config leaves it zero.
const DefaultMaxRecreationAttempts = 3

// ContextConfig configures a ContextManager.
type ContextConfig struct {
	Stream                StreamParams
	MaxRecreationAttempts int
	RecreationDelay       time.Duration
}

// ContextManager owns the host stream and its state machine. Attach is
// called every time a stream is opened and returns the callback for it, so
// a recreated context gets a fresh processor.
type ContextManager struct {
	host   Host
	cfg    ContextConfig
	attach func() ProcessFunc
	log    log.Logger

	mu       sync.Mutex
	stream   Stream
	state    atomic.Uint32
	attempts atomic.Uint32
	lastErr  atomic.Pointer[error]

	listenMu  sync.Mutex
	listeners []func(from, to ContextState)
}

func NewContextManager(host Host, cfg ContextConfig, attach func() ProcessFunc) *ContextManager {
	if cfg.MaxRecreationAttempts <= 0 {
		cfg.MaxRecreationAttempts = DefaultMaxRecreationAttempts
	}
	return &ContextManager{
		host:   host,
		cfg:    cfg,
		attach: attach,
		log:    log.Component("context"),
	}
}

func (m *ContextManager) Host() Host { return m.host }

// State is safe to call from any goroutine.
func (m *ContextManager) State() ContextState { return ContextState(m.state.Load()) }

// RecreationAttempts returns the attempts made by the current or last
// Recreate.
func (m *ContextManager) RecreationAttempts() int { return int(m.attempts.Load()) }

// LastError returns the most recent open or start failure.
func (m *ContextManager) LastError() error {
	if p := m.lastErr.Load(); p != nil {
		return *p
	}
	return nil
}

func (m *ContextManager) SampleRate() float64 { return m.cfg.Stream.SampleRate }

// IsSupported is the capability check. Check it before Initialize.
func (m *ContextManager) IsSupported() bool { return m.host.IsSupported() }

func (m *ContextManager) Devices() (AudioDevices, error) { return m.host.Devices() }

// OnStateChange registers fn for every transition. fn runs on the
// goroutine making the transition and must not call back into m.
func (m *ContextManager) OnStateChange(fn func(from, to ContextState)) {
	m.listenMu.Lock()
	m.listeners = append(m.listeners, fn)
	m.listenMu.Unlock()
}

func (m *ContextManager) setState(to ContextState) {
	from := ContextState(m.state.Swap(uint32(to)))
	if from == to {
		return
	}
	m.log.Debugf("%s -> %s", from, to)
	m.listenMu.Lock()
	listeners := m.listeners
	m.listenMu.Unlock()
	for _, fn := range listeners {
		fn(from, to)
	}
}

func (m *ContextManager) fail(err error) error {
	m.lastErr.Store(&err)
	return err
}

// Initialize opens and starts the stream. Failure closes the context;
// only Recreate can bring it back.
func (m *ContextManager) Initialize(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.State() != Uninitialized {
		return fmt.Errorf("initialize from %s: %w", m.State(), ErrInvalidState)
	}
	if !m.host.IsSupported() {
		m.setState(Closed)
		return m.fail(ErrNotSupported)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	m.setState(Initializing)
	if err := m.open(); err != nil {
		m.setState(Closed)
		return m.fail(fmt.Errorf("initialize %s context: %w", m.host.Name(), err))
	}
	m.setState(Running)
	m.log.Infof("%s context running at %.0f Hz", m.host.Name(), m.cfg.Stream.SampleRate)
	return nil
}

// open creates and starts a stream. Caller holds m.mu.
func (m *ContextManager) open() error {
	stream, err := m.host.Open(m.cfg.Stream, m.attach())
	if err != nil {
		return err
	}
	if err := stream.Start(); err != nil {
		stream.Close()
		return err
	}
	m.stream = stream
	return nil
}

// closeStream stops and closes the current stream, if any. Caller holds
// m.mu.
func (m *ContextManager) closeStream() error {
	if m.stream == nil {
		return nil
	}
	stream := m.stream
	m.stream = nil
	if err := stream.Stop(); err != nil {
		stream.Close()
		return err
	}
	return stream.Close()
}

// Suspend stops the stream without closing it.
func (m *ContextManager) Suspend() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.State() != Running {
		return fmt.Errorf("suspend from %s: %w", m.State(), ErrInvalidState)
	}
	if err := m.stream.Stop(); err != nil {
		return m.fail(fmt.Errorf("suspend: %w", err))
	}
	m.setState(Suspended)
	return nil
}

// Resume restarts a suspended stream.
func (m *ContextManager) Resume() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.State() != Suspended {
		return fmt.Errorf("resume from %s: %w", m.State(), ErrInvalidState)
	}
	if err := m.stream.Start(); err != nil {
		return m.fail(fmt.Errorf("resume: %w", err))
	}
	m.setState(Running)
	return nil
}

// Recreate closes the current stream and reopens it, trying up to
// MaxRecreationAttempts times with RecreationDelay between attempts.
// Exhaustion closes the context and returns ErrRecreationExhausted.
// Cancelling ctx abandons the attempts and also closes the context.
func (m *ContextManager) Recreate(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.host.IsSupported() {
		m.setState(Closed)
		return m.fail(ErrNotSupported)
	}

	m.setState(Recreating)
	if err := m.closeStream(); err != nil {
		m.log.Warnf("closing old stream: %v", err)
	}

	m.attempts.Store(0)
	var last error
	for attempt := 1; attempt <= m.cfg.MaxRecreationAttempts; attempt++ {
		m.attempts.Store(uint32(attempt))
		if attempt > 1 && m.cfg.RecreationDelay > 0 {
			select {
			case <-ctx.Done():
				m.setState(Closed)
				return m.fail(ctx.Err())
			case <-time.After(m.cfg.RecreationDelay):
			}
		}
		if err := ctx.Err(); err != nil {
			m.setState(Closed)
			return m.fail(err)
		}

		if last = m.open(); last == nil {
			m.setState(Running)
			m.log.Infof("context recreated after %d attempt(s)", attempt)
			return nil
		}
		m.log.Warnf("recreation attempt %d/%d failed: %v", attempt, m.cfg.MaxRecreationAttempts, last)
	}

	m.setState(Closed)
	return m.fail(fmt.Errorf("%w after %d attempts: %w", ErrRecreationExhausted, m.cfg.MaxRecreationAttempts, last))
}

// Close stops and closes the stream. Closing twice is a no-op.
func (m *ContextManager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.State() == Closed && m.stream == nil {
		return nil
	}
	err := m.closeStream()
	m.setState(Closed)
	return err
}
