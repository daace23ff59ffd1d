// SPDX-License-Identifier: MIT
/*
Package stream keeps the capture stream alive.

The Handler tracks stream health as a small state machine:

	Disconnected -> Connecting -> Connected
	Connected    -> Reconnecting (device lost, permission revoked, stream ended, no activity)
	Reconnecting -> Connected | Failed

Failed is terminal until Reset. Every change goes through apply, and
subscribers registered with OnStateChange see each transition.
*/
package stream

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"pitchtoy/internal/log"
)

// State is the health of the capture stream.
type State uint8

const (
	Disconnected State = iota
	Connecting
	Connected
	Reconnecting
	Failed
)

var stateNames = [...]string{"disconnected", "connecting", "connected", "reconnecting", "failed"}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("state(%d)", uint8(s))
}

func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

var (
	ErrDeviceDisconnected = errors.New("stream: audio device disconnected")
	ErrPermissionRevoked  = errors.New("stream: microphone permission revoked")
	ErrStreamEnded        = errors.New("stream: audio stream ended unexpectedly")
	ErrActivityTimeout    = errors.New("stream: no audio activity")
	// ErrReconnectExhausted is recorded when MaxReconnectAttempts
	// consecutive attempts failed. The handler stays Failed until Reset.
	ErrReconnectExhausted = errors.New("stream: reconnection attempts exhausted")
)

type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks a connect error as not worth retrying. The handler goes
// straight to Failed.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was marked with Permanent.
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}

// Connector opens, or reopens, the capture stream.
type Connector interface {
	Connect(ctx context.Context) error
}

// ConnectFunc adapts a function to Connector.
type ConnectFunc func(ctx context.Context) error

func (f ConnectFunc) Connect(ctx context.Context) error { return f(ctx) }

// Verifier is optionally implemented by a Connector. Verify returns nil
// while the connected stream is usable, or one of ErrDeviceDisconnected,
// ErrPermissionRevoked and ErrStreamEnded (possibly wrapped) once it is
// not. Check calls it on every health check while Connected.
type Verifier interface {
	Verify() error
}

// Config controls health checking and reconnection.
type Config struct {
	HealthCheckInterval  time.Duration
	ActivityTimeout      time.Duration
	ReconnectDelay       time.Duration
	MaxReconnectAttempts int
}

func DefaultConfig() Config {
	return Config{
		HealthCheckInterval:  time.Second,
		ActivityTimeout:      3 * time.Second,
		ReconnectDelay:       time.Second,
		MaxReconnectAttempts: 5,
	}
}

func (c Config) Validate() error {
	switch {
	case c.HealthCheckInterval <= 0:
		return fmt.Errorf("stream: health check interval must be positive, got %v", c.HealthCheckInterval)
	case c.ActivityTimeout <= 0:
		return fmt.Errorf("stream: activity timeout must be positive, got %v", c.ActivityTimeout)
	case c.ReconnectDelay < 0:
		return fmt.Errorf("stream: reconnect delay must not be negative, got %v", c.ReconnectDelay)
	case c.MaxReconnectAttempts < 1:
		return fmt.Errorf("stream: max reconnect attempts must be at least 1, got %d", c.MaxReconnectAttempts)
	}
	return nil
}

// Health is a snapshot of the stream's condition.
type Health struct {
	State             State     `json:"state"`
	Since             time.Time `json:"since"`
	LastActivity      time.Time `json:"last_activity"`
	ReconnectAttempts int       `json:"reconnect_attempts"`
	LastError         string    `json:"last_error,omitempty"`
	Err               error     `json:"-"`
}

type eventKind uint8

const (
	evStart eventKind = iota
	evConnected
	evFailure
	evAttemptFailed
	evActivity
	evReset
	evStop
)

type event struct {
	kind eventKind
	err  error
	at   time.Time
}

// Handler supervises the stream. Run owns the reconnection loop; the other
// methods are safe from any goroutine.
type Handler struct {
	cfg  Config
	conn Connector
	log  log.Logger
	now  func() time.Time

	mu       sync.Mutex
	health   Health
	snapshot atomic.Pointer[Health]
	wake     chan struct{}

	listenMu  sync.Mutex
	listeners []func(from, to State, h Health)
}

func NewHandler(cfg Config, conn Connector) (*Handler, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	h := &Handler{
		cfg:  cfg,
		conn: conn,
		log:  log.Component("stream"),
		now:  time.Now,
		wake: make(chan struct{}, 1),
	}
	h.health.Since = h.now()
	h.publish()
	return h, nil
}

// OnStateChange registers fn for every transition. fn runs after the
// handler's lock is released, so it may read Health.
func (h *Handler) OnStateChange(fn func(from, to State, h Health)) {
	h.listenMu.Lock()
	h.listeners = append(h.listeners, fn)
	h.listenMu.Unlock()
}

// Health returns the latest snapshot without blocking.
func (h *Handler) Health() Health { return *h.snapshot.Load() }

func (h *Handler) State() State { return h.Health().State }

// Start asks Run to connect. It only has an effect from Disconnected.
func (h *Handler) Start() { h.apply(event{kind: evStart}) }

// MarkActivity records that audio arrived.
func (h *Handler) MarkActivity() { h.apply(event{kind: evActivity}) }

// ReportFailure moves a connected stream to Reconnecting.
func (h *Handler) ReportFailure(err error) { h.apply(event{kind: evFailure, err: err}) }

// Reset clears a Failed handler back to Disconnected. Call Start to
// connect again.
func (h *Handler) Reset() { h.apply(event{kind: evReset}) }

// transition is the state table. It returns the next health and whether
// the event was meaningful in the current state.
func transition(cur Health, ev event, maxAttempts int) (Health, bool) {
	next := cur
	switch ev.kind {
	case evStart:
		if cur.State != Disconnected {
			return cur, false
		}
		next.State = Connecting
		next.ReconnectAttempts = 0

	case evConnected:
		if cur.State != Connecting && cur.State != Reconnecting {
			return cur, false
		}
		next.State = Connected
		next.ReconnectAttempts = 0
		next.LastActivity = ev.at

	case evFailure:
		if cur.State != Connected && cur.State != Connecting {
			return cur, false
		}
		next.setErr(ev.err)
		if IsPermanent(ev.err) {
			next.State = Failed
			break
		}
		next.State = Reconnecting
		next.ReconnectAttempts = 0

	case evAttemptFailed:
		if cur.State != Reconnecting {
			return cur, false
		}
		next.ReconnectAttempts++
		next.setErr(ev.err)
		if IsPermanent(ev.err) {
			next.State = Failed
		} else if next.ReconnectAttempts >= maxAttempts {
			next.State = Failed
			next.setErr(fmt.Errorf("%w after %d attempts: %w", ErrReconnectExhausted, next.ReconnectAttempts, ev.err))
		}

	case evActivity:
		if cur.State == Failed {
			return cur, false
		}
		next.LastActivity = ev.at
		return next, true

	case evReset:
		next = Health{State: Disconnected}

	case evStop:
		if cur.State == Failed {
			return cur, false
		}
		next.State = Disconnected
		next.ReconnectAttempts = 0
	}
	return next, true
}

func (h *Health) setErr(err error) {
	h.Err = err
	h.LastError = ""
	if err != nil {
		h.LastError = err.Error()
	}
}

// apply is the only mutator of the handler's health.
func (h *Handler) apply(ev event) (Health, bool) {
	if ev.at.IsZero() {
		ev.at = h.now()
	}

	h.mu.Lock()
	from := h.health.State
	next, ok := transition(h.health, ev, h.cfg.MaxReconnectAttempts)
	if ok {
		if next.State != from || next.Since.IsZero() {
			next.Since = ev.at
		}
		h.health = next
		h.publish()
	}
	h.mu.Unlock()

	if ok && next.State != from {
		h.log.Debugf("%s -> %s", from, next.State)
		h.notify(from, next)
		select {
		case h.wake <- struct{}{}:
		default:
		}
	}
	return next, ok
}

// publish stores a copy of h.health. Caller holds h.mu.
func (h *Handler) publish() {
	s := h.health
	h.snapshot.Store(&s)
}

func (h *Handler) notify(from State, next Health) {
	h.listenMu.Lock()
	listeners := h.listeners
	h.listenMu.Unlock()
	for _, fn := range listeners {
		fn(from, next.State, next)
	}
}

// Check runs one health check. A connected stream whose connector fails
// Verify, or that saw no activity for longer than ActivityTimeout, is
// moved to Reconnecting. It reports whether the stream is healthy.
func (h *Handler) Check() bool {
	cur := h.Health()
	if cur.State != Connected {
		return false
	}
	if v, ok := h.conn.(Verifier); ok {
		if err := v.Verify(); err != nil {
			h.log.Warnf("%v, reconnecting", err)
			h.ReportFailure(err)
			return false
		}
		cur = h.Health()
	}
	idle := h.now().Sub(cur.LastActivity)
	if idle <= h.cfg.ActivityTimeout {
		return true
	}
	h.log.Warnf("no audio for %v, reconnecting", idle.Round(time.Millisecond))
	h.ReportFailure(fmt.Errorf("%w for %v", ErrActivityTimeout, idle.Round(time.Millisecond)))
	return false
}

// Run drives the state machine until ctx is cancelled. It connects after
// Start, checks health every HealthCheckInterval while connected, and
// retries with ReconnectDelay between attempts. Exhaustion leaves the
// handler Failed and Run waits for Reset. Run returns nil on cancellation.
func (h *Handler) Run(ctx context.Context) error {
	ticker := time.NewTicker(h.cfg.HealthCheckInterval)
	defer ticker.Stop()
	defer h.apply(event{kind: evStop})

	for {
		switch h.State() {
		case Connecting:
			if err := h.conn.Connect(ctx); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				h.log.Warnf("connect failed: %v", err)
				h.apply(event{kind: evFailure, err: err})
			} else {
				h.apply(event{kind: evConnected})
				h.log.Infof("stream connected")
			}
			continue

		case Reconnecting:
			if !h.sleep(ctx, h.cfg.ReconnectDelay) {
				return nil
			}
			err := h.conn.Connect(ctx)
			if ctx.Err() != nil {
				return nil
			}
			if err == nil {
				h.apply(event{kind: evConnected})
				h.log.Infof("stream reconnected")
				continue
			}
			if next, _ := h.apply(event{kind: evAttemptFailed, err: err}); next.State == Failed {
				h.log.Errorf("giving up: %v", next.Err)
			} else {
				h.log.Warnf("reconnect attempt %d/%d failed: %v", next.ReconnectAttempts, h.cfg.MaxReconnectAttempts, err)
			}
			continue
		}

		select {
		case <-ctx.Done():
			return nil
		case <-h.wake:
		case <-ticker.C:
			h.Check()
		}
	}
}

func (h *Handler) sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
