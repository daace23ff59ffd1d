package protocol

import (
	"fmt"
	"math"
)

const (
	MinSampleRate = 8000
	MaxSampleRate = 192000

	// ChunkFrames is the fixed number of frames per processor callback.
	ChunkFrames = 128
	// MaxBatchSize bounds the samples carried by one batch.
	MaxBatchSize = 8192
)

// Validator checks envelopes for required fields, sane numeric ranges and
// a direction consistent with the payload kind. The zero value is ready to
// use.
type Validator struct{}

func invalid(k Kind, field, format string, args ...any) error {
	return &ValidationError{Kind: k, Field: field, Reason: fmt.Sprintf(format, args...)}
}

func finite(f float64) bool { return !math.IsNaN(f) && !math.IsInf(f, 0) }

func validSampleRate(sr float32) bool {
	return sr >= MinSampleRate && sr <= MaxSampleRate
}

// Validate returns nil or a *ValidationError naming the first bad field.
func (Validator) Validate(env Envelope) error {
	if env.Payload == nil {
		return invalid(0, "payload", "is missing")
	}
	k := env.Payload.Kind()

	if env.ID == 0 {
		return invalid(k, "id", "is missing")
	}
	if want := k.Direction(); want == 0 {
		return fmt.Errorf("%w: %d", ErrUnknownKind, k)
	} else if env.Direction != want {
		return fmt.Errorf("%w: %s sent %s", ErrDirectionMismatch, k, env.Direction)
	}
	if !finite(env.Timestamp) || env.Timestamp < 0 {
		return invalid(k, "timestamp", "must be finite and non-negative, got %v", env.Timestamp)
	}

	switch m := env.Payload.(type) {
	case UpdateBatchConfig:
		return ValidateBatchConfig(m.Config)
	case UpdateTestSignalConfig:
		if err := m.Config.Validate(); err != nil {
			return invalid(k, "config", "%v", err)
		}
	case UpdateBackgroundNoiseConfig:
		if err := m.Config.Validate(); err != nil {
			return invalid(k, "config", "%v", err)
		}
	case ProcessorReady:
		if m.ChunkSize != ChunkFrames {
			return invalid(k, "chunk_size", "must be %d, got %d", ChunkFrames, m.ChunkSize)
		}
		if !validSampleRate(m.SampleRate) {
			return invalid(k, "sample_rate", "out of range: %g", m.SampleRate)
		}
		if err := ValidateBatchConfig(BatchConfig{BatchSize: m.BatchSize}); err != nil {
			return err
		}
	case AudioDataBatch:
		return validateBatch(m)
	case ProcessorError:
		if m.Err.Code < CodeInitializationFailed || m.Err.Code > CodeInvalidMessage {
			return invalid(k, "code", "unknown error code %d", m.Err.Code)
		}
		if m.Err.Message == "" {
			return invalid(k, "message", "is missing")
		}
	}
	return nil
}

// ValidateBatchConfig requires a whole number of chunks up to MaxBatchSize.
func ValidateBatchConfig(c BatchConfig) error {
	const k = KindUpdateBatchConfig
	switch {
	case c.BatchSize < ChunkFrames || c.BatchSize > MaxBatchSize:
		return invalid(k, "batch_size", "must be within [%d, %d], got %d", ChunkFrames, MaxBatchSize, c.BatchSize)
	case c.BatchSize%ChunkFrames != 0:
		return invalid(k, "batch_size", "must be a multiple of %d, got %d", ChunkFrames, c.BatchSize)
	case c.StatusEvery < 0:
		return invalid(k, "status_every", "must not be negative, got %d", c.StatusEvery)
	}
	return nil
}

func validateBatch(b AudioDataBatch) error {
	const k = KindAudioDataBatch
	if !validSampleRate(b.SampleRate) {
		return invalid(k, "sample_rate", "out of range: %g", b.SampleRate)
	}
	if b.SampleCount <= 0 || b.SampleCount > MaxBatchSize {
		return invalid(k, "sample_count", "must be within [1, %d], got %d", MaxBatchSize, b.SampleCount)
	}
	if b.Samples == nil {
		return invalid(k, "samples", "is missing")
	}
	if b.Samples.Detached() {
		return &TransferError{BufferID: b.BufferID, Err: ErrAlreadyTransferred}
	}
	samples := b.Samples.Samples()
	if len(samples) != b.SampleCount {
		return invalid(k, "samples", "length %d does not match sample_count %d", len(samples), b.SampleCount)
	}
	for i, s := range samples {
		if !finite(float64(s)) {
			return invalid(k, "samples", "non-finite value at %d", i)
		}
	}
	return nil
}

// SequenceTracker enforces strictly increasing batch sequence numbers
// within a processor generation. Not safe for concurrent use.
//
// A batch from a newer generation opens a new session and is accepted
// whatever its number; one from an older generation is rejected as stale.
// Within a session, repeating the last number is a duplicate and any
// smaller number is out of order, including a replay of a batch accepted
// earlier: after 1, 2, 3 a second 2 counts under OutOfOrder.
type SequenceTracker struct {
	gen     uint64
	last    uint64
	started bool

	accepted   uint64
	gaps       uint64
	duplicates uint64
	outOfOrder uint64
	stale      uint64
}

// Accept records batch seq of generation gen or rejects it. Gaps are
// accepted and the number of skipped sequence numbers is counted as
// dropped batches.
func (t *SequenceTracker) Accept(gen, seq uint64) error {
	switch {
	case gen < t.gen:
		t.stale++
		return &SequenceError{Got: seq, Last: t.last, Err: ErrStaleGeneration}
	case gen > t.gen:
		t.gen = gen
		t.started = false
	}
	if t.started {
		switch {
		case seq == t.last:
			t.duplicates++
			return &SequenceError{Got: seq, Last: t.last, Err: ErrDuplicateSequence}
		case seq < t.last:
			t.outOfOrder++
			return &SequenceError{Got: seq, Last: t.last, Err: ErrOutOfOrderSequence}
		case seq > t.last+1:
			t.gaps += seq - t.last - 1
		}
	}
	t.last = seq
	t.started = true
	t.accepted++
	return nil
}

// Reset starts a new session within the current generation; the next
// sequence is accepted as-is. Counters are kept.
func (t *SequenceTracker) Reset() {
	t.started = false
	t.last = 0
}

// SequenceStats is a copy of the tracker counters.
type SequenceStats struct {
	Generation uint64 `json:"generation"`
	Last       uint64 `json:"last"`
	Accepted   uint64 `json:"accepted"`
	Dropped    uint64 `json:"dropped"`
	Duplicates uint64 `json:"duplicates"`
	OutOfOrder uint64 `json:"out_of_order"`
	Stale      uint64 `json:"stale"`
}

func (t *SequenceTracker) Stats() SequenceStats {
	return SequenceStats{
		Generation: t.gen,
		Last:       t.last,
		Accepted:   t.accepted,
		Dropped:    t.gaps,
		Duplicates: t.duplicates,
		OutOfOrder: t.outOfOrder,
		Stale:      t.stale,
	}
}
