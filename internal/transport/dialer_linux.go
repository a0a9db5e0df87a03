//go:build linux

package transport

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"os"

	"golang.org/x/sys/unix"
)

// DialVsockCID dials a guest directly over native AF_VSOCK, addressed by
// (cid, port). Used when the supervisor runs on a host with a real vsock
// transport (e.g. talking to a guest through the kernel vhost-vsock
// device) rather than through Firecracker's UDS bridge.
func DialVsockCID(ctx context.Context, cid, port uint32) (*Conn, error) {
	fd, err := unix.Socket(unix.AF_VSOCK, unix.SOCK_STREAM, 0)
	if err != nil {
		return nil, fmt.Errorf("transport: create vsock socket: %w", err)
	}

	sa := &unix.SockaddrVM{CID: cid, Port: port}

	errCh := make(chan error, 1)
	go func() { errCh <- unix.Connect(fd, sa) }()

	select {
	case <-ctx.Done():
		unix.Close(fd)
		return nil, ctx.Err()
	case err := <-errCh:
		if err != nil {
			unix.Close(fd)
			return nil, fmt.Errorf("transport: connect vsock cid=%d port=%d: %w", cid, port, err)
		}
	}

	f := os.NewFile(uintptr(fd), fmt.Sprintf("vsock:%d:%d", cid, port))
	nc, err := net.FileConn(f)
	_ = f.Close() // net.FileConn dups the fd; close our copy
	if err != nil {
		return nil, fmt.Errorf("transport: wrap vsock fd: %w", err)
	}

	return &Conn{nc: nc, reader: bufio.NewReader(nc), timeout: DefaultTimeout}, nil
}
