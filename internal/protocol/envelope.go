package protocol

import (
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Envelope wraps every message that crosses the processor boundary.
type Envelope struct {
	ID        uint32
	Direction Direction
	// Timestamp is milliseconds on the process monotonic clock, see Now.
	Timestamp float64
	Payload   Message
}

// Kind returns the payload kind, or 0 for an empty envelope.
func (e Envelope) Kind() Kind {
	if e.Payload == nil {
		return 0
	}
	return e.Payload.Kind()
}

var epoch = time.Now()

// Now returns milliseconds elapsed since process start on the monotonic
// clock, with sub-millisecond resolution.
func Now() float64 {
	return float64(time.Since(epoch).Nanoseconds()) / 1e6
}

// IDGenerator hands out message ids that are unique within a session. It is
// safe for concurrent use.
type IDGenerator struct {
	session uuid.UUID
	next    atomic.Uint32
}

func NewIDGenerator() *IDGenerator {
	return &IDGenerator{session: uuid.New()}
}

// Session identifies the generator in logs.
func (g *IDGenerator) Session() string { return g.session.String() }

// Next returns the next id. Zero is reserved for "unset" and skipped on
// wrap-around.
func (g *IDGenerator) Next() uint32 {
	for {
		if id := g.next.Add(1); id != 0 {
			return id
		}
	}
}
