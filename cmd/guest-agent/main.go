// Command guest-agent runs inside a microVM guest, accepting framed
// JSON-RPC requests over vsock and executing them (run/exec, shell PTY
// sessions, file operations) on behalf of the host supervisor.
package main

import (
	"log"
	"os"
	"strconv"

	"github.com/thrashr888/agentkernel/internal/guestagent"
)

func main() {
	port := uint32(guestagent.DefaultPort)
	if v := os.Getenv("AGENTKERNEL_GUEST_PORT"); v != "" {
		parsed, err := strconv.ParseUint(v, 10, 32)
		if err != nil {
			log.Fatalf("guest-agent: invalid AGENTKERNEL_GUEST_PORT %q: %v", v, err)
		}
		port = uint32(parsed)
	}

	lis, err := listenVsock(port)
	if err != nil {
		log.Fatalf("guest-agent: listen on vsock port %d: %v", port, err)
	}
	defer lis.Close()

	srv := guestagent.NewServer()
	if err := srv.Serve(lis); err != nil {
		log.Fatalf("guest-agent: serve: %v", err)
	}
}
