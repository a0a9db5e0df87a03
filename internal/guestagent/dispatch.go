package guestagent

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"time"
)

const defaultRunTimeout = 60 * time.Second

// Dispatcher holds the in-guest state needed to service requests: the live
// shell sessions. It has no knowledge of the wire framing; Serve (in
// server.go) owns reading/writing length-prefixed messages and calls
// Dispatch per request.
type Dispatcher struct {
	sessions *SessionManager
}

func NewDispatcher() *Dispatcher {
	return &Dispatcher{sessions: NewSessionManager()}
}

// Dispatch routes one decoded request to its handler, mirroring the
// original agent's handle_request match arms plus the ShellPoll arm
// described at handleShellPoll.
func (d *Dispatcher) Dispatch(ctx context.Context, req AgentRequest) AgentResponse {
	switch req.Type {
	case RequestPing:
		return successResponse(req.ID)
	case RequestShutdown:
		go func() {
			time.Sleep(100 * time.Millisecond)
			os.Exit(0)
		}()
		return successResponse(req.ID)
	case RequestRun:
		return d.handleRun(ctx, req)
	case RequestShell:
		return d.handleShell(req)
	case RequestShellInput:
		return d.handleShellInput(req)
	case RequestShellResize:
		return d.handleShellResize(req)
	case RequestShellPoll:
		return d.handleShellPoll(req)
	case RequestShellClose:
		return d.handleShellClose(req)
	case RequestWriteFile:
		return d.handleWriteFile(req)
	case RequestReadFile:
		return d.handleReadFile(req)
	case RequestRemoveFile:
		return d.handleRemoveFile(req)
	case RequestMkdir:
		return d.handleMkdir(req)
	default:
		return errorResponse(req.ID, fmt.Sprintf("unknown request type: %s", req.Type))
	}
}

func (d *Dispatcher) handleRun(ctx context.Context, req AgentRequest) AgentResponse {
	if len(req.Command) == 0 {
		return errorResponse(req.ID, "run request missing command")
	}

	runCtx, cancel := context.WithTimeout(ctx, defaultRunTimeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, req.Command[0], req.Command[1:]...)
	if req.Cwd != "" {
		cmd.Dir = req.Cwd
	}
	if len(req.Env) > 0 {
		env := os.Environ()
		for k, v := range req.Env {
			env = append(env, k+"="+v)
		}
		cmd.Env = env
	}
	cmd.Stdin = nil

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	exitCode := 0
	if err != nil {
		exitCode = exitCodeOf(err)
	}
	return outputResponse(req.ID, exitCode, stdout.String(), stderr.String())
}

func (d *Dispatcher) handleShell(req AgentRequest) AgentResponse {
	command := "/bin/sh"
	var args []string
	if len(req.Command) > 0 {
		command = req.Command[0]
		args = req.Command[1:]
	}
	rows, cols := req.Rows, req.Cols
	if rows == 0 {
		rows = 24
	}
	if cols == 0 {
		cols = 80
	}

	id, err := d.sessions.Create(command, args, rows, cols, req.Env)
	if err != nil {
		return errorResponse(req.ID, err.Error())
	}
	return shellStartedResponse(req.ID, id)
}

func (d *Dispatcher) handleShellInput(req AgentRequest) AgentResponse {
	data, err := base64.StdEncoding.DecodeString(req.InputBase64)
	if err != nil {
		return errorResponse(req.ID, fmt.Sprintf("invalid base64 input: %v", err))
	}
	if err := d.sessions.WriteInput(req.SessionID, data); err != nil {
		return errorResponse(req.ID, err.Error())
	}
	return successResponse(req.ID)
}

func (d *Dispatcher) handleShellResize(req AgentRequest) AgentResponse {
	if err := d.sessions.Resize(req.SessionID, req.Rows, req.Cols); err != nil {
		return errorResponse(req.ID, err.Error())
	}
	return successResponse(req.ID)
}

// handleShellPoll is not present in the original agent's match arms: its
// PTY output was pushed over a dedicated vsock data port per session,
// which doesn't fit this protocol's single request/response channel.
// Polling trades push latency for protocol simplicity.
func (d *Dispatcher) handleShellPoll(req AgentRequest) AgentResponse {
	out, err := d.sessions.Poll(req.SessionID)
	if err != nil {
		return errorResponse(req.ID, err.Error())
	}
	return shellOutputResponse(req.ID, req.SessionID, base64.StdEncoding.EncodeToString(out))
}

func (d *Dispatcher) handleShellClose(req AgentRequest) AgentResponse {
	code, err := d.sessions.Close(req.SessionID)
	if err != nil {
		return errorResponse(req.ID, err.Error())
	}
	return shellExitedResponse(req.ID, req.SessionID, code)
}

func (d *Dispatcher) handleWriteFile(req AgentRequest) AgentResponse {
	if err := validatePath(req.Path); err != nil {
		return errorResponse(req.ID, err.Error())
	}
	data, err := base64.StdEncoding.DecodeString(req.ContentBase64)
	if err != nil {
		return errorResponse(req.ID, fmt.Sprintf("invalid base64 content: %v", err))
	}
	if err := os.MkdirAll(filepath.Dir(req.Path), 0o755); err != nil {
		return errorResponse(req.ID, err.Error())
	}
	if err := os.WriteFile(req.Path, data, 0o644); err != nil {
		return errorResponse(req.ID, err.Error())
	}
	return successResponse(req.ID)
}

func (d *Dispatcher) handleReadFile(req AgentRequest) AgentResponse {
	if err := validatePath(req.Path); err != nil {
		return errorResponse(req.ID, err.Error())
	}
	data, err := os.ReadFile(req.Path)
	if err != nil {
		return errorResponse(req.ID, err.Error())
	}
	return contentResponse(req.ID, base64.StdEncoding.EncodeToString(data))
}

func (d *Dispatcher) handleRemoveFile(req AgentRequest) AgentResponse {
	if err := validatePath(req.Path); err != nil {
		return errorResponse(req.ID, err.Error())
	}
	var err error
	if req.Recursive {
		err = os.RemoveAll(req.Path)
	} else {
		err = os.Remove(req.Path)
	}
	if err != nil {
		return errorResponse(req.ID, err.Error())
	}
	return successResponse(req.ID)
}

func (d *Dispatcher) handleMkdir(req AgentRequest) AgentResponse {
	if err := validatePath(req.Path); err != nil {
		return errorResponse(req.ID, err.Error())
	}
	var err error
	if req.Recursive {
		err = os.MkdirAll(req.Path, 0o755)
	} else {
		err = os.Mkdir(req.Path, 0o755)
	}
	if err != nil {
		return errorResponse(req.ID, err.Error())
	}
	return successResponse(req.ID)
}
