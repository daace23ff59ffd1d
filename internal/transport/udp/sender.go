package udp

import (
	"errors"
	"fmt"
	"net"
	"sync"

	"pitchtoy/internal/log"
)

// ErrClosed is returned by Send after Close.
var ErrClosed = errors.New("udp: sender closed")

// Sender writes datagrams to one target address.
type Sender struct {
	log    log.Logger
	mu     sync.Mutex // guards conn against a concurrent Close
	conn   *net.UDPConn
	closed bool
}

// NewSender dials targetAddress, e.g. "127.0.0.1:9090". No local port is
// bound beyond the ephemeral one the kernel picks.
func NewSender(targetAddress string) (*Sender, error) {
	addr, err := net.ResolveUDPAddr("udp", targetAddress)
	if err != nil {
		return nil, fmt.Errorf("udp: resolve %q: %w", targetAddress, err)
	}
	conn, err := net.DialUDP("udp", nil, addr)
	if err != nil {
		return nil, fmt.Errorf("udp: dial %q: %w", targetAddress, err)
	}
	l := log.Component("udp")
	l.Infof("sending to %s", conn.RemoteAddr())
	return &Sender{log: l, conn: conn}, nil
}

func (s *Sender) Send(data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if _, err := s.conn.Write(data); err != nil {
		return fmt.Errorf("udp: send: %w", err)
	}
	return nil
}

func (s *Sender) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	s.log.Infof("closing connection to %s", s.conn.RemoteAddr())
	return s.conn.Close()
}
