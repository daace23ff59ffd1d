// SPDX-License-Identifier: MIT
package udp

import (
	"context"
	"encoding/binary"
	"errors"
	"math"
	"time"

	"pitchtoy/internal/engine"
	"pitchtoy/internal/log"
)

/*
Packet layout, big endian, PacketSize bytes:

	+--------+---------------+-----------+---------+------------+-------+-------+
	| seq    | timestamp     | frequency | clarity | confidence | rms   | peak  |
	| uint32 | int64 (ns)    | float32   | float32 | float32    | f32   | f32   |
	+--------+---------------+-----------+---------+------------+-------+-------+
	  0        4               12          16        20           24      28

Frequency, clarity and confidence are zero when no pitch was detected.
rms and peak are linear amplitudes in [0, 1].
*/

// PacketSize is the length of every packet.
const PacketSize = 32

// DefaultInterval is used when the configured interval is not positive.
const DefaultInterval = 16 * time.Millisecond

// Packet is the decoded form of a datagram.
type Packet struct {
	Seq        uint32
	Timestamp  int64
	Frequency  float32
	Clarity    float32
	Confidence float32
	RMS        float32
	Peak       float32
}

// AppendPacket encodes p onto dst.
func AppendPacket(dst []byte, p Packet) []byte {
	dst = binary.BigEndian.AppendUint32(dst, p.Seq)
	dst = binary.BigEndian.AppendUint64(dst, uint64(p.Timestamp))
	for _, f := range [...]float32{p.Frequency, p.Clarity, p.Confidence, p.RMS, p.Peak} {
		dst = binary.BigEndian.AppendUint32(dst, math.Float32bits(f))
	}
	return dst
}

var errShortPacket = errors.New("udp: short packet")

// DecodePacket is the inverse of AppendPacket.
func DecodePacket(b []byte) (Packet, error) {
	if len(b) < PacketSize {
		return Packet{}, errShortPacket
	}
	f := func(off int) float32 { return math.Float32frombits(binary.BigEndian.Uint32(b[off:])) }
	return Packet{
		Seq:        binary.BigEndian.Uint32(b),
		Timestamp:  int64(binary.BigEndian.Uint64(b[4:])),
		Frequency:  f(12),
		Clarity:    f(16),
		Confidence: f(20),
		RMS:        f(24),
		Peak:       f(28),
	}, nil
}

// Source provides the newest analysis.
type Source interface {
	LatestAnalysis() (engine.AudioAnalysis, bool)
}

// Sink receives encoded packets. *Sender implements it.
type Sink interface {
	Send(data []byte) error
}

// Publisher sends the newest analysis on a fixed interval. Nothing is sent
// before the first analysis.
type Publisher struct {
	src      Source
	sink     Sink
	interval time.Duration
	log      log.Logger
	now      func() time.Time

	seq uint32
	buf []byte
}

func NewPublisher(interval time.Duration, src Source, sink Sink) (*Publisher, error) {
	if src == nil || sink == nil {
		return nil, errors.New("udp: publisher needs a source and a sink")
	}
	l := log.Component("udp")
	if interval <= 0 {
		l.Warnf("invalid interval %s, using %s", interval, DefaultInterval)
		interval = DefaultInterval
	}
	return &Publisher{
		src:      src,
		sink:     sink,
		interval: interval,
		log:      l,
		now:      time.Now,
		buf:      make([]byte, 0, PacketSize),
	}, nil
}

// Run publishes until ctx is cancelled.
func (p *Publisher) Run(ctx context.Context) error {
	t := time.NewTicker(p.interval)
	defer t.Stop()
	p.log.Infof("publishing every %s", p.interval)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			p.publish()
		}
	}
}

// publish sends one packet and reports whether it did.
func (p *Publisher) publish() bool {
	a, ok := p.src.LatestAnalysis()
	if !ok {
		return false
	}
	pkt := Packet{
		Seq:       p.seq,
		Timestamp: p.now().UnixNano(),
		RMS:       float32(a.Volume.RMSAmplitude),
		Peak:      float32(a.Volume.PeakAmplitude),
	}
	if a.Pitch != nil {
		pkt.Frequency = float32(a.Pitch.Frequency)
		pkt.Clarity = float32(a.Pitch.Clarity)
		pkt.Confidence = float32(a.Pitch.Confidence)
	}
	p.buf = AppendPacket(p.buf[:0], pkt)
	if err := p.sink.Send(p.buf); err != nil {
		p.log.Debugf("packet %d: %v", p.seq, err)
		return false
	}
	p.seq++
	return true
}
