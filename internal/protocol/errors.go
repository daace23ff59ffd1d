package protocol

import (
	"errors"
	"fmt"
	"sync/atomic"
)

var (
	ErrUnknownKind        = errors.New("unknown message kind")
	ErrDirectionMismatch  = errors.New("direction does not match message kind")
	ErrDuplicateSequence  = errors.New("duplicate batch sequence")
	ErrOutOfOrderSequence = errors.New("out-of-order batch sequence")
	ErrStaleGeneration    = errors.New("batch from a replaced processor")
	ErrAlreadyTransferred = errors.New("buffer already transferred")
)

// ValidationError names the field that failed a structural or range check.
type ValidationError struct {
	Kind   Kind
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("protocol: invalid %s: %s %s", e.Kind, e.Field, e.Reason)
}

// SerializationError names the field that could not be encoded or decoded.
type SerializationError struct {
	Field string
	Err   error
}

func (e *SerializationError) Error() string {
	return fmt.Sprintf("protocol: serialize %s: %v", e.Field, e.Err)
}

func (e *SerializationError) Unwrap() error { return e.Err }

// TransferError reports a second attempt to take a transferred buffer.
type TransferError struct {
	BufferID uint32
	Err      error
}

func (e *TransferError) Error() string {
	return fmt.Sprintf("protocol: transfer buffer %d: %v", e.BufferID, e.Err)
}

func (e *TransferError) Unwrap() error { return e.Err }

// SequenceError reports a batch rejected by the sequence tracker.
type SequenceError struct {
	Got  uint64
	Last uint64
	Err  error
}

func (e *SequenceError) Error() string {
	return fmt.Sprintf("protocol: batch %d after %d: %v", e.Got, e.Last, e.Err)
}

func (e *SequenceError) Unwrap() error { return e.Err }

// ConstructionError is returned by MessageBuilder.Build.
type ConstructionError struct {
	Kind Kind
	Err  error
}

func (e *ConstructionError) Error() string {
	return fmt.Sprintf("protocol: build %s: %v", e.Kind, e.Err)
}

func (e *ConstructionError) Unwrap() error { return e.Err }

// Category groups protocol failures for counting.
type Category uint8

const (
	CategoryValidation Category = iota
	CategorySerialization
	CategoryTransfer
	CategorySequence
	numCategories
)

func (c Category) String() string {
	switch c {
	case CategoryValidation:
		return "validation"
	case CategorySerialization:
		return "serialization"
	case CategoryTransfer:
		return "transfer"
	case CategorySequence:
		return "sequence"
	default:
		return "unknown"
	}
}

// Classify maps an error returned by this package to its category. ok is
// false for errors from elsewhere.
func Classify(err error) (c Category, ok bool) {
	var (
		ve *ValidationError
		se *SerializationError
		te *TransferError
		qe *SequenceError
	)
	switch {
	case errors.As(err, &se):
		return CategorySerialization, true
	case errors.As(err, &te):
		return CategoryTransfer, true
	case errors.As(err, &qe):
		return CategorySequence, true
	case errors.As(err, &ve), errors.Is(err, ErrUnknownKind), errors.Is(err, ErrDirectionMismatch):
		return CategoryValidation, true
	}
	return 0, false
}

// Counters tallies rejected messages per category. Safe for concurrent use.
type Counters struct {
	rejected [numCategories]atomic.Uint64
}

// Record classifies err and increments its category. It returns the
// category and whether err was a protocol error.
func (c *Counters) Record(err error) (Category, bool) {
	cat, ok := Classify(err)
	if ok {
		c.rejected[cat].Add(1)
	}
	return cat, ok
}

// CounterSnapshot is a point-in-time copy of Counters.
type CounterSnapshot struct {
	Validation    uint64 `json:"validation"`
	Serialization uint64 `json:"serialization"`
	Transfer      uint64 `json:"transfer"`
	Sequence      uint64 `json:"sequence"`
}

func (c CounterSnapshot) Total() uint64 {
	return c.Validation + c.Serialization + c.Transfer + c.Sequence
}

func (c *Counters) Snapshot() CounterSnapshot {
	return CounterSnapshot{
		Validation:    c.rejected[CategoryValidation].Load(),
		Serialization: c.rejected[CategorySerialization].Load(),
		Transfer:      c.rejected[CategoryTransfer].Load(),
		Sequence:      c.rejected[CategorySequence].Load(),
	}
}
