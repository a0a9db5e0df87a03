// Package hostagent drives an interactive guest shell session from the
// host side of the vsock wire protocol (Shell/ShellInput/ShellPoll/
// ShellClose), for backends like Firecracker whose Sandbox.Attach cannot
// bridge stdio directly and instead exposes the underlying request/
// response channel for a caller to drive itself.
package hostagent

import (
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"os"
	"time"

	"golang.org/x/term"

	"github.com/thrashr888/agentkernel/internal/guestagent"
)

// pollInterval is how often RunShell asks the guest agent for buffered PTY
// output. The wire protocol is pull-based (see guestagent.handleShellPoll),
// so this is the latency floor for output appearing on the host terminal.
const pollInterval = 40 * time.Millisecond

// Caller performs one request/response round trip against a guest agent.
// backend.FirecrackerSandbox.Call and firecracker.VM.Call both satisfy it.
type Caller interface {
	Call(ctx context.Context, req guestagent.AgentRequest) (guestagent.AgentResponse, error)
}

var nextID = newIDFunc()

func newIDFunc() func() string {
	var n int
	return func() string {
		n++
		return fmt.Sprintf("host-%d", n)
	}
}

// RunShell starts command (default /bin/sh) as an interactive PTY session
// on the guest reached through c, puts the host terminal (stdin) into raw
// mode for the duration, and bridges stdin/stdout until the local terminal
// sees EOF (Ctrl-D), at which point it closes the session and returns its
// exit code.
func RunShell(ctx context.Context, c Caller, shell string, env map[string]string) (int, error) {
	var command []string
	if shell != "" {
		command = []string{shell}
	}

	started, err := c.Call(ctx, guestagent.AgentRequest{
		ID:      nextID(),
		Type:    guestagent.RequestShell,
		Command: command,
		Env:     env,
		Rows:    24,
		Cols:    80,
	})
	if err != nil {
		return -1, fmt.Errorf("hostagent: start shell: %w", err)
	}
	if started.Error != "" {
		return -1, fmt.Errorf("hostagent: start shell: %s", started.Error)
	}
	sessionID := started.SessionID

	stdinFD := int(os.Stdin.Fd())
	var restore *term.State
	if term.IsTerminal(stdinFD) {
		restore, err = term.MakeRaw(stdinFD)
		if err != nil {
			return -1, fmt.Errorf("hostagent: set raw mode: %w", err)
		}
		defer term.Restore(stdinFD, restore)
	}

	pollCtx, stopPoll := context.WithCancel(ctx)
	defer stopPoll()
	pollDone := make(chan struct{})
	go pollOutput(pollCtx, c, sessionID, pollDone)

	stdinErr := bridgeStdin(ctx, c, sessionID)
	stopPoll()
	<-pollDone

	closed, err := c.Call(ctx, guestagent.AgentRequest{
		ID:        nextID(),
		Type:      guestagent.RequestShellClose,
		SessionID: sessionID,
	})
	if err != nil {
		return -1, fmt.Errorf("hostagent: close shell: %w", err)
	}
	if stdinErr != nil && stdinErr != io.EOF {
		return -1, stdinErr
	}
	if closed.ExitCode == nil {
		return -1, nil
	}
	return *closed.ExitCode, nil
}

// bridgeStdin reads from os.Stdin and forwards each chunk as a
// ShellInput request until EOF or ctx is canceled.
func bridgeStdin(ctx context.Context, c Caller, sessionID string) error {
	buf := make([]byte, 4096)
	for {
		n, err := os.Stdin.Read(buf)
		if n > 0 {
			req := guestagent.AgentRequest{
				ID:          nextID(),
				Type:        guestagent.RequestShellInput,
				SessionID:   sessionID,
				InputBase64: base64.StdEncoding.EncodeToString(buf[:n]),
			}
			if _, callErr := c.Call(ctx, req); callErr != nil {
				return callErr
			}
		}
		if err != nil {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
}

// pollOutput repeatedly drains buffered PTY output and writes it to
// os.Stdout until ctx is canceled.
func pollOutput(ctx context.Context, c Caller, sessionID string, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			resp, err := c.Call(ctx, guestagent.AgentRequest{
				ID:        nextID(),
				Type:      guestagent.RequestShellPoll,
				SessionID: sessionID,
			})
			if err != nil {
				return
			}
			if resp.OutputBase64 == "" {
				continue
			}
			data, err := base64.StdEncoding.DecodeString(resp.OutputBase64)
			if err != nil {
				continue
			}
			os.Stdout.Write(data)
		}
	}
}
