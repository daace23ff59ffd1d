// SPDX-License-Identifier: MIT
/*
Package worklet implements the real-time processing stage and its
consumer-side manager.

The Processor runs inside the audio callback. It applies control envelopes,
injects the test signal and background noise, routes audio to the speakers
and batches 128-frame chunks into sequence-numbered AudioDataBatch
envelopes whose sample buffers are transferred, never shared.

Performance Critical:
  - Process never blocks: every channel operation is a non-blocking select
  - Buffers are pre-allocated; only a completed batch boxes its envelope
  - No logging and no locks on the callback path
*/
package worklet

import (
	"fmt"

	"pitchtoy/internal/generator"
	"pitchtoy/internal/protocol"
)

// ProcessorState is the configuration a processor starts with. The manager
// replays its desired state through it when a stream is (re)opened.
type ProcessorState struct {
	Batch           protocol.BatchConfig
	TestSignal      generator.TestSignalConfig
	BackgroundNoise generator.BackgroundNoiseConfig
	OutputToSpeaker bool
	Processing      bool
}

// Processor is the real-time stage. It is owned by the audio callback
// goroutine; the only way to talk to it is the control channel.
type Processor struct {
	factory    *protocol.Factory
	control    <-chan protocol.Envelope
	events     chan<- protocol.Envelope
	pool       *Pool
	sampleRate float32

	signal *generator.TestSignalGenerator
	noise  *generator.BackgroundNoise

	batchCfg   protocol.BatchConfig
	processing bool
	toSpeakers bool

	scratch []float32 // one chunk after injection and mixing
	batch   []float32 // accumulates chunks, capacity MaxBatchSize
	fill    int
	gen     uint64 // stamped on every batch
	seq     uint64

	chunks        uint64
	sent          uint64
	dropped       uint64
	poolExhausted uint64
	sinceStatus   int
}

// NewProcessor builds a processor and announces it with ProcessorReady.
// Its batches carry generation gen and are numbered from zero. Invalid
// parts of state are reported as ProcessorError and replaced by defaults.
func NewProcessor(sampleRate float64, state ProcessorState, pool *Pool, factory *protocol.Factory,
	control <-chan protocol.Envelope, events chan<- protocol.Envelope, gen, seed uint64) *Processor {
	p := &Processor{
		gen:        gen,
		factory:    factory,
		control:    control,
		events:     events,
		pool:       pool,
		sampleRate: float32(sampleRate),
		signal:     generator.NewTestSignalGenerator(sampleRate, seed),
		noise:      generator.NewBackgroundNoise(seed + 1),
		batchCfg:   protocol.BatchConfig{BatchSize: 1024},
		scratch:    make([]float32, protocol.ChunkFrames),
		batch:      make([]float32, protocol.MaxBatchSize),
	}

	p.applyBatchConfig(state.Batch)
	// Zero configs in the initial state mean unset; generator defaults stay.
	if state.TestSignal != (generator.TestSignalConfig{}) {
		p.applyTestSignal(state.TestSignal)
	}
	if state.BackgroundNoise != (generator.BackgroundNoiseConfig{}) {
		p.applyNoise(state.BackgroundNoise)
	}
	p.toSpeakers = state.OutputToSpeaker

	p.emit(factory.ProcessorReady(protocol.ChunkFrames, p.batchCfg.BatchSize, p.sampleRate))
	if state.Processing {
		p.processing = true
		p.emit(factory.ProcessingStarted())
	}
	return p
}

// emit sends env without blocking and reports whether it was queued.
func (p *Processor) emit(env protocol.Envelope) bool {
	select {
	case p.events <- env:
		return true
	default:
		return false
	}
}

func (p *Processor) fault(code protocol.ErrorCode, msg string, err error) {
	p.emit(p.factory.ProcessorError(code, msg, err.Error()))
}

// Process handles one callback. in holds mono input frames; out, when
// non-nil, receives the processed signal or silence.
func (p *Processor) Process(in, out []float32) {
	p.drainControl()

	if !p.processing {
		clear(out)
		return
	}

	if len(in) > len(p.scratch) {
		// Hosts deliver fixed chunks; a longer callback is split.
		for len(in) > 0 {
			n := min(len(in), len(p.scratch))
			var o []float32
			if out != nil {
				o = out[:n]
				out = out[n:]
			}
			p.processChunk(in[:n], o)
			in = in[n:]
		}
		return
	}
	p.processChunk(in, out)
}

func (p *Processor) processChunk(in, out []float32) {
	chunk := p.scratch[:len(in)]
	if p.signal.Enabled() {
		p.signal.Generate(chunk)
	} else {
		copy(chunk, in)
	}
	if p.noise.Enabled() {
		p.noise.Mix(chunk)
	}

	if out != nil {
		if p.toSpeakers {
			copy(out, chunk)
		} else {
			clear(out)
		}
	}
	p.chunks++

	for len(chunk) > 0 {
		n := copy(p.batch[p.fill:p.batchCfg.BatchSize], chunk)
		p.fill += n
		chunk = chunk[n:]
		if p.fill == p.batchCfg.BatchSize {
			p.flush()
		}
	}
}

// flush emits the accumulated batch. A full event port drops the batch and
// its sequence number, which the consumer sees as a gap.
func (p *Processor) flush() {
	samples := p.batch[:p.fill]
	p.fill = 0

	buf := p.pool.Acquire()
	if buf == nil {
		p.poolExhausted++
		buf = protocol.NewTransferBuffer(0, append([]float32(nil), samples...))
	} else {
		buf.Fill(samples)
	}

	env := p.factory.AudioDataBatch(p.gen, p.seq, p.sampleRate, buf)
	p.seq++
	if p.emit(env) {
		p.sent++
	} else {
		p.dropped++
		p.pool.Release(buf)
	}

	if p.batchCfg.StatusEvery > 0 {
		p.sinceStatus++
		if p.sinceStatus >= p.batchCfg.StatusEvery {
			p.sinceStatus = 0
			p.emit(p.factory.StatusUpdate(p.Status()))
		}
	}
}

// Status returns the processor's counters. Only the callback goroutine may
// call it.
func (p *Processor) Status() protocol.ProcessorStatus {
	return protocol.ProcessorStatus{
		Processing:      p.processing,
		ChunksProcessed: p.chunks,
		BatchesSent:     p.sent,
		BatchesDropped:  p.dropped,
		PoolExhausted:   p.poolExhausted,
		BatchSize:       p.batchCfg.BatchSize,
		TestSignal:      p.signal.Enabled(),
		BackgroundNoise: p.noise.Enabled(),
		OutputToSpeaker: p.toSpeakers,
	}
}

func (p *Processor) drainControl() {
	for {
		select {
		case env := <-p.control:
			p.apply(env)
		default:
			return
		}
	}
}

func (p *Processor) apply(env protocol.Envelope) {
	switch m := env.Payload.(type) {
	case protocol.StartProcessing:
		p.processing = true
		p.emit(p.factory.ProcessingStarted())
	case protocol.StopProcessing:
		p.processing = false
		p.fill = 0
		p.emit(p.factory.ProcessingStopped())
	case protocol.UpdateBatchConfig:
		p.applyBatchConfig(m.Config)
	case protocol.UpdateTestSignalConfig:
		p.applyTestSignal(m.Config)
	case protocol.UpdateBackgroundNoiseConfig:
		p.applyNoise(m.Config)
	case protocol.SetOutputToSpeakers:
		p.toSpeakers = m.Enabled
	default:
		p.emit(p.factory.ProcessorError(protocol.CodeInvalidMessage,
			"unexpected control message", fmt.Sprintf("kind %s", env.Kind())))
	}
}

func (p *Processor) applyBatchConfig(c protocol.BatchConfig) {
	if c == (protocol.BatchConfig{}) {
		return
	}
	if err := protocol.ValidateBatchConfig(c); err != nil {
		p.fault(protocol.CodeInvalidConfig, "batch config rejected", err)
		return
	}
	if c.BatchSize != p.batchCfg.BatchSize {
		// A partial batch of the old size is discarded.
		p.fill = 0
	}
	p.batchCfg = c
	p.sinceStatus = 0
}

func (p *Processor) applyTestSignal(c generator.TestSignalConfig) {
	if err := p.signal.Configure(c); err != nil {
		p.fault(protocol.CodeInvalidConfig, "test signal config rejected", err)
	}
}

func (p *Processor) applyNoise(c generator.BackgroundNoiseConfig) {
	if err := p.noise.Configure(c); err != nil {
		p.fault(protocol.CodeInvalidConfig, "background noise config rejected", err)
	}
}
