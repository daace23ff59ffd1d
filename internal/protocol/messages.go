// Package protocol defines the typed messages exchanged between the
// real-time processor and the consumer side of the pipeline: envelopes, id
// and timestamp generation, msgpack serialization, validation, sequence
// tracking and one-shot buffer transfer.
package protocol

import (
	"fmt"

	"pitchtoy/internal/generator"
)

// Direction tags which side of the boundary a message travels toward.
type Direction uint8

const (
	ToProcessor Direction = iota + 1
	FromProcessor
)

func (d Direction) String() string {
	switch d {
	case ToProcessor:
		return "to_processor"
	case FromProcessor:
		return "from_processor"
	default:
		return fmt.Sprintf("direction(%d)", uint8(d))
	}
}

// Kind identifies the payload type of an envelope on the wire.
type Kind uint8

const (
	KindStartProcessing Kind = iota + 1
	KindStopProcessing
	KindUpdateBatchConfig
	KindUpdateTestSignalConfig
	KindUpdateBackgroundNoiseConfig
	KindSetOutputToSpeakers

	KindProcessorReady
	KindProcessingStarted
	KindProcessingStopped
	KindAudioDataBatch
	KindStatusUpdate
	KindProcessorError
)

var kindNames = map[Kind]string{
	KindStartProcessing:             "start_processing",
	KindStopProcessing:              "stop_processing",
	KindUpdateBatchConfig:           "update_batch_config",
	KindUpdateTestSignalConfig:      "update_test_signal_config",
	KindUpdateBackgroundNoiseConfig: "update_background_noise_config",
	KindSetOutputToSpeakers:         "set_output_to_speakers",
	KindProcessorReady:              "processor_ready",
	KindProcessingStarted:           "processing_started",
	KindProcessingStopped:           "processing_stopped",
	KindAudioDataBatch:              "audio_data_batch",
	KindStatusUpdate:                "status_update",
	KindProcessorError:              "processor_error",
}

func (k Kind) String() string {
	if n, ok := kindNames[k]; ok {
		return n
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

// Direction returns the only direction a message of this kind may travel.
// Unknown kinds return 0.
func (k Kind) Direction() Direction {
	switch {
	case k >= KindStartProcessing && k <= KindSetOutputToSpeakers:
		return ToProcessor
	case k >= KindProcessorReady && k <= KindProcessorError:
		return FromProcessor
	default:
		return 0
	}
}

// Message is the closed set of envelope payloads.
type Message interface {
	Kind() Kind
	sealed()
}

// --- Messages to the processor ---

type StartProcessing struct{}

type StopProcessing struct{}

// BatchConfig controls how many samples the processor accumulates before
// emitting an AudioDataBatch, and how often it reports status.
type BatchConfig struct {
	BatchSize int `msgpack:"batch_size" json:"batch_size"`
	// StatusEvery emits a StatusUpdate after this many batches. Zero disables.
	StatusEvery int `msgpack:"status_every" json:"status_every"`
}

type UpdateBatchConfig struct {
	Config BatchConfig `msgpack:"config"`
}

type UpdateTestSignalConfig struct {
	Config generator.TestSignalConfig `msgpack:"config"`
}

type UpdateBackgroundNoiseConfig struct {
	Config generator.BackgroundNoiseConfig `msgpack:"config"`
}

type SetOutputToSpeakers struct {
	Enabled bool `msgpack:"enabled"`
}

// --- Messages from the processor ---

type ProcessorReady struct {
	ChunkSize  int     `msgpack:"chunk_size"`
	BatchSize  int     `msgpack:"batch_size"`
	SampleRate float32 `msgpack:"sample_rate"`
}

type ProcessingStarted struct{}

type ProcessingStopped struct{}

// AudioDataBatch carries one batch of mono samples. Samples is transferred,
// not shared: once the receiver takes it the sender's handle is detached.
type AudioDataBatch struct {
	// Generation identifies the processor that produced the batch. Each
	// attached processor numbers its batches from zero.
	Generation  uint64          `msgpack:"gen"`
	Sequence    uint64          `msgpack:"seq"`
	SampleRate  float32         `msgpack:"sample_rate"`
	SampleCount int             `msgpack:"sample_count"`
	BufferID    uint32          `msgpack:"buffer_id"`
	Samples     *TransferBuffer `msgpack:"samples"`
}

// ProcessorStatus is the processor's own view of its counters.
type ProcessorStatus struct {
	Processing      bool   `msgpack:"processing" json:"processing"`
	ChunksProcessed uint64 `msgpack:"chunks_processed" json:"chunks_processed"`
	BatchesSent     uint64 `msgpack:"batches_sent" json:"batches_sent"`
	BatchesDropped  uint64 `msgpack:"batches_dropped" json:"batches_dropped"`
	PoolExhausted   uint64 `msgpack:"pool_exhausted" json:"pool_exhausted"`
	BatchSize       int    `msgpack:"batch_size" json:"batch_size"`
	TestSignal      bool   `msgpack:"test_signal" json:"test_signal"`
	BackgroundNoise bool   `msgpack:"background_noise" json:"background_noise"`
	OutputToSpeaker bool   `msgpack:"output_to_speakers" json:"output_to_speakers"`
}

type StatusUpdate struct {
	Status ProcessorStatus `msgpack:"status"`
}

// ErrorCode classifies faults reported by the processor.
type ErrorCode uint8

const (
	CodeInitializationFailed ErrorCode = iota + 1
	CodeProcessingFailed
	CodeBufferPoolExhausted
	CodeInvalidConfig
	CodeInvalidMessage
)

func (c ErrorCode) String() string {
	switch c {
	case CodeInitializationFailed:
		return "initialization_failed"
	case CodeProcessingFailed:
		return "processing_failed"
	case CodeBufferPoolExhausted:
		return "buffer_pool_exhausted"
	case CodeInvalidConfig:
		return "invalid_config"
	case CodeInvalidMessage:
		return "invalid_message"
	default:
		return fmt.Sprintf("code(%d)", uint8(c))
	}
}

// WorkletError is the structured error reported from the processor.
type WorkletError struct {
	Code    ErrorCode `msgpack:"code"`
	Message string    `msgpack:"message"`
	Context string    `msgpack:"context,omitempty"`
}

func (e WorkletError) Error() string {
	if e.Context != "" {
		return fmt.Sprintf("processor %s: %s (%s)", e.Code, e.Message, e.Context)
	}
	return fmt.Sprintf("processor %s: %s", e.Code, e.Message)
}

type ProcessorError struct {
	Err WorkletError `msgpack:"error"`
}

func (StartProcessing) Kind() Kind             { return KindStartProcessing }
func (StopProcessing) Kind() Kind              { return KindStopProcessing }
func (UpdateBatchConfig) Kind() Kind           { return KindUpdateBatchConfig }
func (UpdateTestSignalConfig) Kind() Kind      { return KindUpdateTestSignalConfig }
func (UpdateBackgroundNoiseConfig) Kind() Kind { return KindUpdateBackgroundNoiseConfig }
func (SetOutputToSpeakers) Kind() Kind         { return KindSetOutputToSpeakers }
func (ProcessorReady) Kind() Kind              { return KindProcessorReady }
func (ProcessingStarted) Kind() Kind           { return KindProcessingStarted }
func (ProcessingStopped) Kind() Kind           { return KindProcessingStopped }
func (AudioDataBatch) Kind() Kind              { return KindAudioDataBatch }
func (StatusUpdate) Kind() Kind                { return KindStatusUpdate }
func (ProcessorError) Kind() Kind              { return KindProcessorError }

func (StartProcessing) sealed()             {}
func (StopProcessing) sealed()              {}
func (UpdateBatchConfig) sealed()           {}
func (UpdateTestSignalConfig) sealed()      {}
func (UpdateBackgroundNoiseConfig) sealed() {}
func (SetOutputToSpeakers) sealed()         {}
func (ProcessorReady) sealed()              {}
func (ProcessingStarted) sealed()           {}
func (ProcessingStopped) sealed()           {}
func (AudioDataBatch) sealed()              {}
func (StatusUpdate) sealed()                {}
func (ProcessorError) sealed()              {}
