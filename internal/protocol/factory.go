package protocol

import (
	"errors"

	"pitchtoy/internal/generator"
)

// MessageBuilder assembles a validated Envelope. The direction is derived
// from the payload kind.
//
//	env, err := protocol.NewBuilder(ids).
//		Payload(protocol.SetOutputToSpeakers{Enabled: true}).
//		Build()
type MessageBuilder struct {
	ids       *IDGenerator
	payload   Message
	timestamp float64
	hasTS     bool
}

func NewBuilder(ids *IDGenerator) *MessageBuilder {
	return &MessageBuilder{ids: ids}
}

func (b *MessageBuilder) Payload(m Message) *MessageBuilder {
	b.payload = m
	return b
}

// Timestamp overrides the default of Now().
func (b *MessageBuilder) Timestamp(ts float64) *MessageBuilder {
	b.timestamp = ts
	b.hasTS = true
	return b
}

// Build assigns an id and validates the result.
func (b *MessageBuilder) Build() (Envelope, error) {
	if b.payload == nil {
		return Envelope{}, &ConstructionError{Err: errors.New("payload is required")}
	}
	ts := b.timestamp
	if !b.hasTS {
		ts = Now()
	}
	env := Envelope{
		ID:        b.ids.Next(),
		Direction: b.payload.Kind().Direction(),
		Timestamp: ts,
		Payload:   b.payload,
	}
	if err := (Validator{}).Validate(env); err != nil {
		return Envelope{}, &ConstructionError{Kind: b.payload.Kind(), Err: err}
	}
	return env, nil
}

// Factory builds every message kind with the right direction tag. The
// processor-side constructors skip validation so they can run on the audio
// callback; the receiving side validates.
type Factory struct {
	ids *IDGenerator
}

func NewFactory(ids *IDGenerator) *Factory {
	return &Factory{ids: ids}
}

func (f *Factory) IDs() *IDGenerator { return f.ids }

func (f *Factory) envelope(m Message) Envelope {
	return Envelope{
		ID:        f.ids.Next(),
		Direction: m.Kind().Direction(),
		Timestamp: Now(),
		Payload:   m,
	}
}

func (f *Factory) build(m Message) (Envelope, error) {
	return NewBuilder(f.ids).Payload(m).Build()
}

// --- To processor ---

func (f *Factory) StartProcessing() Envelope { return f.envelope(StartProcessing{}) }

func (f *Factory) StopProcessing() Envelope { return f.envelope(StopProcessing{}) }

func (f *Factory) UpdateBatchConfig(c BatchConfig) (Envelope, error) {
	return f.build(UpdateBatchConfig{Config: c})
}

func (f *Factory) UpdateTestSignalConfig(c generator.TestSignalConfig) (Envelope, error) {
	return f.build(UpdateTestSignalConfig{Config: c})
}

func (f *Factory) UpdateBackgroundNoiseConfig(c generator.BackgroundNoiseConfig) (Envelope, error) {
	return f.build(UpdateBackgroundNoiseConfig{Config: c})
}

func (f *Factory) SetOutputToSpeakers(enabled bool) Envelope {
	return f.envelope(SetOutputToSpeakers{Enabled: enabled})
}

// --- From processor ---

func (f *Factory) ProcessorReady(chunkSize, batchSize int, sampleRate float32) Envelope {
	return f.envelope(ProcessorReady{ChunkSize: chunkSize, BatchSize: batchSize, SampleRate: sampleRate})
}

func (f *Factory) ProcessingStarted() Envelope { return f.envelope(ProcessingStarted{}) }

func (f *Factory) ProcessingStopped() Envelope { return f.envelope(ProcessingStopped{}) }

func (f *Factory) AudioDataBatch(gen, seq uint64, sampleRate float32, buf *TransferBuffer) Envelope {
	return f.envelope(AudioDataBatch{
		Generation:  gen,
		Sequence:    seq,
		SampleRate:  sampleRate,
		SampleCount: buf.Len(),
		BufferID:    buf.ID(),
		Samples:     buf,
	})
}

func (f *Factory) StatusUpdate(s ProcessorStatus) Envelope {
	return f.envelope(StatusUpdate{Status: s})
}

func (f *Factory) ProcessorError(code ErrorCode, message, context string) Envelope {
	return f.envelope(ProcessorError{Err: WorkletError{Code: code, Message: message, Context: context}})
}
