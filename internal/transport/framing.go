// Package transport implements the host<->guest vsock wire protocol: a
// length-prefixed JSON request/response channel, dialed either natively
// over AF_VSOCK or bridged through a Firecracker host Unix socket.
package transport

import (
	"encoding/binary"
	"fmt"
	"io"
)

// MaxMessageSize is the largest frame the transport will read or write.
// Messages larger than this are a framing violation, not a partial read.
const MaxMessageSize = 10 * 1024 * 1024

// ErrMessageTooLarge is returned when a frame's declared length exceeds
// MaxMessageSize.
var ErrMessageTooLarge = fmt.Errorf("transport: message exceeds %d bytes", MaxMessageSize)

// ReadMessage reads one length-prefixed frame from r: a u32 little-endian
// length followed by exactly that many bytes. Reads are exact; a short
// read is surfaced as an error, never silently tolerated.
func ReadMessage(r io.Reader) ([]byte, error) {
	var lenBytes [4]byte
	if _, err := io.ReadFull(r, lenBytes[:]); err != nil {
		return nil, err
	}

	length := binary.LittleEndian.Uint32(lenBytes[:])
	if length > MaxMessageSize {
		return nil, ErrMessageTooLarge
	}

	body := make([]byte, length)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, fmt.Errorf("transport: read message body: %w", err)
	}
	return body, nil
}

// WriteMessage writes payload as one length-prefixed frame to w.
func WriteMessage(w io.Writer, payload []byte) error {
	if len(payload) > MaxMessageSize {
		return ErrMessageTooLarge
	}

	var lenBytes [4]byte
	binary.LittleEndian.PutUint32(lenBytes[:], uint32(len(payload)))

	if _, err := w.Write(lenBytes[:]); err != nil {
		return fmt.Errorf("transport: write length prefix: %w", err)
	}
	if _, err := w.Write(payload); err != nil {
		return fmt.Errorf("transport: write message body: %w", err)
	}
	return nil
}
