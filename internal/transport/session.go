package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
)

// maxRequestsPerConnection bounds how long a persistent Session reuses one
// underlying Conn before rotating to a fresh one, per spec §4.1 ("must
// survive graceful exchange of >=1000 requests before rotation").
const maxRequestsPerConnection = 1000

// Dialer opens a fresh framed connection to a guest agent. Concrete
// implementations close over a vsock path/CID/port and a port number.
type Dialer func(ctx context.Context) (*Conn, error)

// Session is a persistent connection to a guest agent that amortizes the
// dial/handshake cost over many requests. It rotates to a new underlying
// Conn after maxRequestsPerConnection round trips. Safe for concurrent use;
// requests are serialized since the wire protocol is strictly
// request/response with no multiplexing.
type Session struct {
	mu      sync.Mutex
	dial    Dialer
	conn    *Conn
	reqsOut int
}

// NewSession creates a persistent session using dial to establish (and
// later re-establish) the underlying connection lazily, on first use.
func NewSession(dial Dialer) *Session {
	return &Session{dial: dial}
}

// Call sends req and returns the decoded response, reusing the underlying
// connection across calls. A failed call closes the connection and returns
// its error without retrying; the next call dials afresh, as does the first
// call after the rotation threshold.
func (s *Session) Call(ctx context.Context, req, resp any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.conn == nil || s.reqsOut >= maxRequestsPerConnection {
		if s.conn != nil {
			_ = s.conn.Close()
		}
		conn, err := s.dial(ctx)
		if err != nil {
			return fmt.Errorf("transport: session dial: %w", err)
		}
		s.conn = conn
		s.reqsOut = 0
	}

	if err := s.call(req, resp); err != nil {
		// Any failure on a reused connection invalidates it; the caller's
		// retry (if any) will force a fresh dial.
		_ = s.conn.Close()
		s.conn = nil
		return err
	}

	s.reqsOut++
	return nil
}

func (s *Session) call(req, resp any) error {
	payload, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("transport: encode request: %w", err)
	}
	if err := s.conn.WriteMessage(payload); err != nil {
		return err
	}
	body, err := s.conn.ReadMessage()
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, resp); err != nil {
		return fmt.Errorf("transport: decode response: %w", err)
	}
	return nil
}

// Close releases the underlying connection, if any.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn != nil {
		err := s.conn.Close()
		s.conn = nil
		return err
	}
	return nil
}

// CallOnce performs a one-shot request: dial, send, receive, close. Every
// call pays the full connect+handshake cost, and must be observably
// identical to a Session.Call over a persistent connection.
func CallOnce(ctx context.Context, dial Dialer, req, resp any) error {
	conn, err := dial(ctx)
	if err != nil {
		return fmt.Errorf("transport: one-shot dial: %w", err)
	}
	defer conn.Close()

	payload, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("transport: encode request: %w", err)
	}
	if err := conn.WriteMessage(payload); err != nil {
		return err
	}
	body, err := conn.ReadMessage()
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, resp); err != nil {
		return fmt.Errorf("transport: decode response: %w", err)
	}
	return nil
}
