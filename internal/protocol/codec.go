package protocol

import (
	"errors"
	"fmt"
	"math"

	"github.com/vmihailenco/msgpack/v5"
)

// wireEnvelope is the msgpack form of an Envelope. The payload is encoded
// separately so the kind can be checked before it is decoded.
type wireEnvelope struct {
	ID        uint32             `msgpack:"id"`
	Direction Direction          `msgpack:"dir"`
	Timestamp float64            `msgpack:"ts"`
	Kind      Kind               `msgpack:"kind"`
	Payload   msgpack.RawMessage `msgpack:"payload"`
}

// Serializer encodes envelopes to msgpack.
type Serializer struct{}

// Serialize encodes env. Failures name the offending field.
func (Serializer) Serialize(env Envelope) ([]byte, error) {
	if env.Payload == nil {
		return nil, &SerializationError{Field: "payload", Err: errors.New("missing")}
	}
	if math.IsNaN(env.Timestamp) || math.IsInf(env.Timestamp, 0) {
		return nil, &SerializationError{Field: "timestamp", Err: fmt.Errorf("not finite: %v", env.Timestamp)}
	}
	if b, ok := env.Payload.(AudioDataBatch); ok {
		if b.Samples == nil {
			return nil, &SerializationError{Field: "samples", Err: errors.New("missing")}
		}
		if b.Samples.Detached() {
			return nil, &SerializationError{Field: "samples", Err: &TransferError{BufferID: b.BufferID, Err: ErrAlreadyTransferred}}
		}
	}

	payload, err := msgpack.Marshal(env.Payload)
	if err != nil {
		return nil, &SerializationError{Field: "payload", Err: err}
	}

	data, err := msgpack.Marshal(&wireEnvelope{
		ID:        env.ID,
		Direction: env.Direction,
		Timestamp: env.Timestamp,
		Kind:      env.Payload.Kind(),
		Payload:   payload,
	})
	if err != nil {
		return nil, &SerializationError{Field: "envelope", Err: err}
	}
	return data, nil
}

type payloadDecoder func([]byte) (Message, error)

func decodeAs[M Message](raw []byte) (Message, error) {
	var m M
	if err := msgpack.Unmarshal(raw, &m); err != nil {
		return nil, err
	}
	return m, nil
}

var payloadDecoders = map[Kind]payloadDecoder{
	KindStartProcessing:             decodeAs[StartProcessing],
	KindStopProcessing:              decodeAs[StopProcessing],
	KindUpdateBatchConfig:           decodeAs[UpdateBatchConfig],
	KindUpdateTestSignalConfig:      decodeAs[UpdateTestSignalConfig],
	KindUpdateBackgroundNoiseConfig: decodeAs[UpdateBackgroundNoiseConfig],
	KindSetOutputToSpeakers:         decodeAs[SetOutputToSpeakers],
	KindProcessorReady:              decodeAs[ProcessorReady],
	KindProcessingStarted:           decodeAs[ProcessingStarted],
	KindProcessingStopped:           decodeAs[ProcessingStopped],
	KindAudioDataBatch:              decodeAs[AudioDataBatch],
	KindStatusUpdate:                decodeAs[StatusUpdate],
	KindProcessorError:              decodeAs[ProcessorError],
}

// Deserializer decodes msgpack envelopes and validates them, so a malformed
// message never reaches a consumer.
type Deserializer struct {
	Validator Validator
}

// Deserialize decodes data into an Envelope.
func (d Deserializer) Deserialize(data []byte) (Envelope, error) {
	if len(data) == 0 {
		return Envelope{}, &SerializationError{Field: "envelope", Err: errors.New("empty input")}
	}

	var w wireEnvelope
	if err := msgpack.Unmarshal(data, &w); err != nil {
		return Envelope{}, &SerializationError{Field: "envelope", Err: err}
	}

	decode, ok := payloadDecoders[w.Kind]
	if !ok {
		return Envelope{}, &SerializationError{Field: "kind", Err: fmt.Errorf("%w: %d", ErrUnknownKind, w.Kind)}
	}
	if len(w.Payload) == 0 {
		return Envelope{}, &SerializationError{Field: "payload", Err: errors.New("missing")}
	}
	payload, err := decode(w.Payload)
	if err != nil {
		return Envelope{}, &SerializationError{Field: "payload", Err: err}
	}

	env := Envelope{
		ID:        w.ID,
		Direction: w.Direction,
		Timestamp: w.Timestamp,
		Payload:   payload,
	}
	if err := d.Validator.Validate(env); err != nil {
		return Envelope{}, err
	}
	return env, nil
}
