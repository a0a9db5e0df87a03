//go:build linux

package main

import (
	"fmt"
	"net"
	"os"

	"golang.org/x/sys/unix"
)

// listenVsock binds a guest-side AF_VSOCK listener on port, addressed to
// VMADDR_CID_ANY so it accepts connections from the host regardless of
// the guest's assigned CID.
func listenVsock(port uint32) (net.Listener, error) {
	fd, err := unix.Socket(unix.AF_VSOCK, unix.SOCK_STREAM, 0)
	if err != nil {
		return nil, fmt.Errorf("create vsock socket: %w", err)
	}

	sa := &unix.SockaddrVM{CID: unix.VMADDR_CID_ANY, Port: port}
	if err := unix.Bind(fd, sa); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("bind vsock port %d: %w", port, err)
	}
	if err := unix.Listen(fd, unix.SOMAXCONN); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("listen vsock port %d: %w", port, err)
	}

	f := os.NewFile(uintptr(fd), fmt.Sprintf("vsock-listener:%d", port))
	lis, err := net.FileListener(f)
	_ = f.Close() // net.FileListener dups the fd; close our copy
	if err != nil {
		return nil, fmt.Errorf("wrap vsock listener fd: %w", err)
	}
	return lis, nil
}
