// SPDX-License-Identifier: MIT
package worklet

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"pitchtoy/internal/buffer"
	"pitchtoy/internal/generator"
	"pitchtoy/internal/log"
	"pitchtoy/internal/protocol"
)

var (
	// ErrControlQueueFull is returned when the processor has not drained
	// earlier control messages.
	ErrControlQueueFull = errors.New("worklet: control queue full")
	// ErrNotControl is returned by HandleRaw for envelopes that are not
	// addressed to the processor.
	ErrNotControl = errors.New("worklet: not a control message")
)

// Defaults used when Config leaves a field zero.
const (
	DefaultPoolSize  = 8
	DefaultQueueSize = 64
)

// Config configures a Manager.
type Config struct {
	SampleRate float64
	Batch      protocol.BatchConfig
	PoolSize   int
	QueueSize  int    // capacity of the control and event ports
	Seed       uint64 // seeds the processor's noise sources
}

// PollResult summarizes one Poll.
type PollResult struct {
	Batches        int
	Samples        int
	OverrunSamples int
	// LastTimestamp is the timestamp (ms) of the newest accepted batch.
	LastTimestamp float64
	// Errors holds rejected messages and processor faults, in order.
	Errors []error
}

// Manager is the consumer side of the worklet. It owns the processor's
// configuration and its two ports, checks and unpacks inbound batches,
// and publishes status snapshots.
//
// Poll belongs to the consumer goroutine. Attach and the control methods
// may also be called from the reconnection loop, so they share one mutex.
// Status and PoolStats never block.
type Manager struct {
	cfg      Config
	factory  *protocol.Factory
	control  chan protocol.Envelope
	events   chan protocol.Envelope
	pool     *Pool
	decoder  protocol.Deserializer
	counters protocol.Counters
	log      log.Logger
	now      func() time.Time

	mu       sync.Mutex
	desired  ProcessorState
	attaches uint64
	seq      protocol.SequenceTracker
	status   AudioWorkletStatus
	snapshot atomic.Pointer[AudioWorkletStatus]
}

func NewManager(cfg Config) (*Manager, error) {
	if cfg.SampleRate < protocol.MinSampleRate || cfg.SampleRate > protocol.MaxSampleRate {
		return nil, fmt.Errorf("worklet: sample rate %g out of range", cfg.SampleRate)
	}
	if err := protocol.ValidateBatchConfig(cfg.Batch); err != nil {
		return nil, fmt.Errorf("worklet: %w", err)
	}
	if cfg.PoolSize <= 0 {
		cfg.PoolSize = DefaultPoolSize
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultQueueSize
	}

	ids := protocol.NewIDGenerator()
	m := &Manager{
		cfg:     cfg,
		factory: protocol.NewFactory(ids),
		control: make(chan protocol.Envelope, cfg.QueueSize),
		events:  make(chan protocol.Envelope, cfg.QueueSize),
		pool:    NewPool(cfg.PoolSize, protocol.MaxBatchSize),
		log:     log.Component("worklet"),
		now:     time.Now,
		desired: ProcessorState{
			Batch:           cfg.Batch,
			TestSignal:      generator.DefaultTestSignalConfig(),
			BackgroundNoise: generator.DefaultBackgroundNoiseConfig(),
		},
	}
	m.status = AudioWorkletStatus{
		State:     Uninitialized,
		ChunkSize: protocol.ChunkFrames,
		BatchSize: cfg.Batch.BatchSize,
		Session:   ids.Session(),
	}
	m.publish()
	return m, nil
}

// Factory exposes the envelope factory, for building remote control
// messages in tests and tools.
func (m *Manager) Factory() *protocol.Factory { return m.factory }

// Attach creates a processor for a new host stream. Control messages still
// queued for a previous processor are dropped; the new one starts from the
// desired state instead. Each processor gets the next generation, so its
// first batch opens a new sequence session even when its ProcessorReady
// was lost to a full event port.
func (m *Manager) Attach() *Processor {
	m.mu.Lock()
	defer m.mu.Unlock()

	for len(m.control) > 0 {
		<-m.control
	}
	m.attaches++
	m.status.State = Initializing
	m.status.ProcessorLoaded = false
	m.publish()

	m.log.Debugf("attaching processor #%d (session %s)", m.attaches, m.status.Session)
	return NewProcessor(m.cfg.SampleRate, m.desired, m.pool, m.factory,
		m.control, m.events, m.attaches, m.cfg.Seed+m.attaches*2)
}

// send queues a control envelope for the processor. Caller holds m.mu.
func (m *Manager) send(env protocol.Envelope) error {
	select {
	case m.control <- env:
		return nil
	default:
		return ErrControlQueueFull
	}
}

// Start asks the processor to begin emitting batches. Starting twice sends
// one message.
func (m *Manager) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.desired.Processing {
		return nil
	}
	if err := m.send(m.factory.StartProcessing()); err != nil {
		return err
	}
	m.desired.Processing = true
	return nil
}

// Stop asks the processor to stop and discard its partial batch.
func (m *Manager) Stop() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.desired.Processing {
		return nil
	}
	if err := m.send(m.factory.StopProcessing()); err != nil {
		return err
	}
	m.desired.Processing = false
	return nil
}

// UpdateTestSignalConfig validates and forwards cfg. An identical config
// is a no-op.
func (m *Manager) UpdateTestSignalConfig(cfg generator.TestSignalConfig) error {
	if cfg.Enabled && float64(cfg.Frequency) >= m.cfg.SampleRate/2 {
		return fmt.Errorf("%w: %g Hz is above Nyquist", generator.ErrInvalidFrequency, cfg.Frequency)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if cfg == m.desired.TestSignal {
		return nil
	}
	env, err := m.factory.UpdateTestSignalConfig(cfg)
	if err != nil {
		m.counters.Record(err)
		return err
	}
	if err := m.send(env); err != nil {
		return err
	}
	m.desired.TestSignal = cfg
	return nil
}

// UpdateBackgroundNoiseConfig validates and forwards cfg. An identical
// config is a no-op.
func (m *Manager) UpdateBackgroundNoiseConfig(cfg generator.BackgroundNoiseConfig) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cfg == m.desired.BackgroundNoise {
		return nil
	}
	env, err := m.factory.UpdateBackgroundNoiseConfig(cfg)
	if err != nil {
		m.counters.Record(err)
		return err
	}
	if err := m.send(env); err != nil {
		return err
	}
	m.desired.BackgroundNoise = cfg
	return nil
}

// SetOutputToSpeakers routes processed audio to the output channel.
func (m *Manager) SetOutputToSpeakers(enabled bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if enabled == m.desired.OutputToSpeaker {
		return nil
	}
	if err := m.send(m.factory.SetOutputToSpeakers(enabled)); err != nil {
		return err
	}
	m.desired.OutputToSpeaker = enabled
	return nil
}

// UpdateBatchConfig changes the batch size and status cadence without
// reopening the stream.
func (m *Manager) UpdateBatchConfig(cfg protocol.BatchConfig) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cfg == m.desired.Batch {
		return nil
	}
	env, err := m.factory.UpdateBatchConfig(cfg)
	if err != nil {
		m.counters.Record(err)
		return err
	}
	if err := m.send(env); err != nil {
		return err
	}
	m.desired.Batch = cfg
	return nil
}

// Desired returns the configuration the processor is being driven to.
func (m *Manager) Desired() ProcessorState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.desired
}

// HandleRaw decodes a serialized control envelope and applies it through
// the same path as the typed methods.
func (m *Manager) HandleRaw(data []byte) error {
	env, err := m.decoder.Deserialize(data)
	if err != nil {
		m.counters.Record(err)
		return err
	}
	if env.Direction != protocol.ToProcessor {
		return fmt.Errorf("%w: %s", ErrNotControl, env.Kind())
	}

	switch msg := env.Payload.(type) {
	case protocol.StartProcessing:
		return m.Start()
	case protocol.StopProcessing:
		return m.Stop()
	case protocol.UpdateBatchConfig:
		return m.UpdateBatchConfig(msg.Config)
	case protocol.UpdateTestSignalConfig:
		return m.UpdateTestSignalConfig(msg.Config)
	case protocol.UpdateBackgroundNoiseConfig:
		return m.UpdateBackgroundNoiseConfig(msg.Config)
	case protocol.SetOutputToSpeakers:
		return m.SetOutputToSpeakers(msg.Enabled)
	}
	return fmt.Errorf("%w: %s", ErrNotControl, env.Kind())
}

// Poll drains the event port without blocking. Accepted batch samples are
// written to rb; when rb lacks room the oldest unread samples are
// discarded and counted as overrun.
func (m *Manager) Poll(rb *buffer.CircularBuffer[float32]) PollResult {
	var res PollResult

	m.mu.Lock()
	defer m.mu.Unlock()

	changed := false
	for range cap(m.events) {
		var env protocol.Envelope
		select {
		case env = <-m.events:
		default:
		}
		if env.Payload == nil {
			break
		}
		changed = true
		if err := m.handle(env, rb, &res); err != nil {
			res.Errors = append(res.Errors, err)
		}
	}

	if changed {
		m.status.LastUpdate = m.now()
		m.status.Sequence = m.seq.Stats()
		m.publish()
	}
	return res
}

func (m *Manager) handle(env protocol.Envelope, rb *buffer.CircularBuffer[float32], res *PollResult) error {
	if err := m.decoder.Validator.Validate(env); err != nil {
		m.counters.Record(err)
		if b, ok := env.Payload.(protocol.AudioDataBatch); ok {
			m.pool.Release(b.Samples)
		}
		return err
	}

	switch msg := env.Payload.(type) {
	case protocol.ProcessorReady:
		m.status.ProcessorLoaded = true
		m.status.State = Ready
		m.status.ChunkSize = msg.ChunkSize
		m.status.BatchSize = msg.BatchSize
	case protocol.ProcessingStarted:
		m.status.State = Processing
	case protocol.ProcessingStopped:
		m.status.State = Stopped
	case protocol.StatusUpdate:
		m.status.Processor = msg.Status
		m.status.ChunksProcessed = msg.Status.ChunksProcessed
		m.status.BatchSize = msg.Status.BatchSize
	case protocol.ProcessorError:
		if msg.Err.Code == protocol.CodeInitializationFailed {
			m.status.State = Failed
		}
		return msg.Err
	case protocol.AudioDataBatch:
		return m.accept(env, msg, rb, res)
	}
	return nil
}

func (m *Manager) accept(env protocol.Envelope, b protocol.AudioDataBatch, rb *buffer.CircularBuffer[float32], res *PollResult) error {
	defer m.pool.Release(b.Samples)

	if err := m.seq.Accept(b.Generation, b.Sequence); err != nil {
		m.counters.Record(err)
		return err
	}
	samples, err := b.Samples.Take()
	if err != nil {
		m.counters.Record(err)
		return err
	}

	overrun := 0
	if len(samples) > rb.Capacity() {
		overrun = len(samples) - rb.Capacity()
		samples = samples[overrun:]
	}
	if need := len(samples) - rb.Free(); need > 0 {
		overrun += rb.Discard(need)
	}
	if _, err := rb.Write(samples); err != nil {
		// Unreachable after making room; kept so a logic error is visible.
		return fmt.Errorf("worklet: %w", err)
	}

	res.OverrunSamples += overrun
	m.status.OverrunSamples += uint64(overrun)
	m.status.BatchesReceived++
	m.status.LastBatch = m.now()
	m.status.ProcessorLoaded = true
	if m.status.State != Processing && m.status.State != Failed {
		m.status.State = Processing
	}

	res.Batches++
	res.Samples += len(samples)
	res.LastTimestamp = env.Timestamp
	return nil
}

// publish stores a copy of the working status. Caller holds m.mu.
func (m *Manager) publish() {
	s := m.status
	m.snapshot.Store(&s)
}

// Status returns the latest published snapshot.
func (m *Manager) Status() AudioWorkletStatus { return *m.snapshot.Load() }

func (m *Manager) PoolStats() BufferPoolStats { return m.pool.Stats() }

// Counters returns the protocol rejections seen so far.
func (m *Manager) Counters() protocol.CounterSnapshot { return m.counters.Snapshot() }
