package worklet

import (
	"fmt"
	"time"

	"pitchtoy/internal/protocol"
)

// State is the manager's view of the processor lifecycle.
type State uint8

const (
	Uninitialized State = iota
	Initializing
	Ready
	Processing
	Stopped
	Failed
)

var stateNames = [...]string{"uninitialized", "initializing", "ready", "processing", "stopped", "failed"}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("state(%d)", uint8(s))
}

func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// AudioWorkletStatus is a snapshot published after every Poll that
// changed something. Readers get a copy and never block the consumer.
type AudioWorkletStatus struct {
	State           State                    `json:"state"`
	ProcessorLoaded bool                     `json:"processor_loaded"`
	ChunkSize       int                      `json:"chunk_size"`
	BatchSize       int                      `json:"batch_size"`
	ChunksProcessed uint64                   `json:"chunks_processed"`
	BatchesReceived uint64                   `json:"batches_received"`
	OverrunSamples  uint64                   `json:"overrun_samples"`
	LastUpdate      time.Time                `json:"last_update"`
	LastBatch       time.Time                `json:"last_batch"`
	Processor       protocol.ProcessorStatus `json:"processor"`
	Sequence        protocol.SequenceStats   `json:"sequence"`
	Session         string                   `json:"session"`
}
