//go:build !linux

package transport

import (
	"context"
	"fmt"
)

// DialVsockCID is unavailable outside Linux; the Firecracker UDS bridge
// (DialFirecrackerUDS) is the portable path and is what the supervisor
// uses on macOS development hosts.
func DialVsockCID(ctx context.Context, cid, port uint32) (*Conn, error) {
	return nil, fmt.Errorf("transport: native AF_VSOCK is only available on linux")
}
