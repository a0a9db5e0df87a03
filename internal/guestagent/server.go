package guestagent

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net"

	"github.com/thrashr888/agentkernel/internal/transport"
)

// DefaultPort is the vsock port the guest agent listens on.
const DefaultPort = 52000

// ListenFunc creates a net.Listener bound to the given vsock port. The
// implementation is platform-specific: native AF_VSOCK inside a
// Firecracker guest, a Unix socket when exercising the agent in tests
// outside a microVM.
type ListenFunc func(port uint32) (net.Listener, error)

// Server accepts framed connections and dispatches each request to a
// Dispatcher. One Server per guest; many concurrent connections, one
// goroutine per connection, matching the original agent's accept loop.
type Server struct {
	dispatcher *Dispatcher
}

func NewServer() *Server {
	return &Server{dispatcher: NewDispatcher()}
}

// Serve accepts connections on lis until it returns an error (typically
// because lis was closed during shutdown).
func (s *Server) Serve(lis net.Listener) error {
	log.Printf("guestagent: listening")
	for {
		conn, err := lis.Accept()
		if err != nil {
			return fmt.Errorf("guestagent: accept: %w", err)
		}
		go s.handleConnection(conn)
	}
}

// handleConnection services one connection until the peer closes it or a
// frame cannot be read, mirroring the original agent's per-connection
// loop: read length-prefixed JSON, dispatch, write length-prefixed JSON.
// A frame whose JSON does not parse is logged and skipped without a reply,
// and the connection stays open.
func (s *Server) handleConnection(conn net.Conn) {
	defer conn.Close()

	for {
		body, err := transport.ReadMessage(conn)
		if err != nil {
			return
		}

		var req AgentRequest
		if err := json.Unmarshal(body, &req); err != nil {
			log.Printf("guestagent: malformed request: %v", err)
			continue
		}

		resp := s.dispatcher.Dispatch(context.Background(), req)

		payload, err := json.Marshal(resp)
		if err != nil {
			log.Printf("guestagent: encode response: %v", err)
			return
		}
		if err := transport.WriteMessage(conn, payload); err != nil {
			return
		}
	}
}
