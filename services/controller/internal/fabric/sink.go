package fabric

import (
	"encoding/json"
	"fmt"
	"net"
	"sync"
)

// TelemetrySink receives a copy of every raw event, best effort.
type TelemetrySink interface {
	Send(Event) error
}

// UDPSink writes one JSON datagram per event.
type UDPSink struct {
	addr string

	mu   sync.Mutex
	conn net.Conn
}

func NewUDPSink(addr string) *UDPSink {
	return &UDPSink{addr: addr}
}

func (s *UDPSink) Send(evt Event) error {
	data, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		conn, err := net.Dial("udp", s.addr)
		if err != nil {
			return fmt.Errorf("dial telemetry sink %s: %w", s.addr, err)
		}
		s.conn = conn
	}
	if _, err := s.conn.Write(data); err != nil {
		_ = s.conn.Close()
		s.conn = nil
		return fmt.Errorf("write telemetry datagram: %w", err)
	}
	return nil
}

func (s *UDPSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return nil
	}
	err := s.conn.Close()
	s.conn = nil
	return err
}
