// Package permission tracks whether the process may capture audio.
//
// A terminal program has no prompt to show, so a request queries the host:
// capture must be supported and at least one input device must exist.
// An unavailable host is reported as Denied with ErrUnavailable.
package permission

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"pitchtoy/internal/audio"
	"pitchtoy/internal/log"
)

// State is the microphone permission as shown to the user.
type State uint32

const (
	NotRequested State = iota
	Requested
	Granted
	Denied
)

var stateNames = [...]string{"not_requested", "requested", "granted", "denied"}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("permission(%d)", uint32(s))
}

func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

var (
	// ErrUnavailable means the host cannot capture audio at all.
	ErrUnavailable = errors.New("permission: audio capture unavailable")
	// ErrNoInputDevice means capture works but nothing can record.
	ErrNoInputDevice = errors.New("permission: no input device")
	// ErrRevoked is recorded by Revoke.
	ErrRevoked = errors.New("permission: revoked")
)

// Capability is the part of audio.Host a request needs.
type Capability interface {
	IsSupported() bool
	Devices() (audio.AudioDevices, error)
}

// Manager holds the permission state. It is safe for concurrent use.
type Manager struct {
	caps Capability
	log  log.Logger

	mu    sync.Mutex
	state atomic.Uint32
	err   atomic.Pointer[error]
}

func NewManager(p Capability) *Manager {
	return &Manager{caps: p, log: log.Component("permission")}
}

func (m *Manager) State() State { return State(m.state.Load()) }

// Err returns why the permission was denied, or nil.
func (m *Manager) Err() error {
	if p := m.err.Load(); p != nil {
		return *p
	}
	return nil
}

func (m *Manager) set(s State, err error) {
	m.state.Store(uint32(s))
	if err == nil {
		m.err.Store(nil)
	} else {
		m.err.Store(&err)
	}
}

// Request queries the host. A granted permission is not queried again.
func (m *Manager) Request(ctx context.Context) (State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.State() == Granted {
		return Granted, nil
	}
	m.set(Requested, nil)

	if err := ctx.Err(); err != nil {
		m.set(NotRequested, nil)
		return NotRequested, err
	}
	if !m.caps.IsSupported() {
		m.set(Denied, ErrUnavailable)
		m.log.Warnf("denied: %v", ErrUnavailable)
		return Denied, ErrUnavailable
	}
	devices, err := m.caps.Devices()
	if err != nil {
		err = fmt.Errorf("%w: %w", ErrUnavailable, err)
		m.set(Denied, err)
		m.log.Warnf("denied: %v", err)
		return Denied, err
	}
	if len(devices.InputDevices) == 0 {
		m.set(Denied, ErrNoInputDevice)
		m.log.Warnf("denied: %v", ErrNoInputDevice)
		return Denied, ErrNoInputDevice
	}

	m.set(Granted, nil)
	m.log.Infof("granted (%d input devices)", len(devices.InputDevices))
	return Granted, nil
}

// Revoke moves a granted permission to Denied, for example when the
// input device disappears.
func (m *Manager) Revoke() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.State() == Granted {
		m.set(Denied, ErrRevoked)
	}
}

// Reset forgets the previous answer so the next Request queries the host again.
func (m *Manager) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.set(NotRequested, nil)
}
