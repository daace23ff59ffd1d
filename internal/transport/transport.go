package transport

import "pitchtoy/internal/engine"

// Transport sends frames to something outside the process.
// Implementations must be safe for concurrent use and must not block the
// caller for longer than it takes to queue the frame.
type Transport interface {
	Send(f Frame) error
	Close() error
}

// Frame is one engine update together with the diagnostics at that moment.
type Frame struct {
	Result      engine.UpdateResult `json:"result"`
	Diagnostics engine.Diagnostics  `json:"diagnostics"`
}

// Submitter queues actions on the engine.
type Submitter interface {
	Submit(a engine.Action) error
}

// Multi fans a frame out to several transports. The first error is
// returned after every transport has been tried.
type Multi []Transport

func (m Multi) Send(f Frame) error {
	var first error
	for _, t := range m {
		if err := t.Send(f); err != nil && first == nil {
			first = err
		}
	}
	return first
}

func (m Multi) Close() error {
	var first error
	for _, t := range m {
		if err := t.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

var _ Transport = Multi(nil)
