package guestagent

import (
	"context"
	"encoding/base64"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDispatchPing(t *testing.T) {
	d := NewDispatcher()
	resp := d.Dispatch(context.Background(), AgentRequest{ID: "1", Type: RequestPing})
	if resp.ExitCode == nil || *resp.ExitCode != 0 {
		t.Fatalf("expected success response, got %+v", resp)
	}
}

func TestDispatchRun(t *testing.T) {
	d := NewDispatcher()
	resp := d.Dispatch(context.Background(), AgentRequest{
		ID:      "2",
		Type:    RequestRun,
		Command: []string{"/bin/sh", "-c", "echo hello; echo world 1>&2; exit 3"},
	})

	if resp.ExitCode == nil || *resp.ExitCode != 3 {
		t.Fatalf("expected exit code 3, got %+v", resp.ExitCode)
	}
	if resp.Stdout != "hello\n" {
		t.Fatalf("unexpected stdout: %q", resp.Stdout)
	}
	if resp.Stderr != "world\n" {
		t.Fatalf("unexpected stderr: %q", resp.Stderr)
	}
}

func TestDispatchRunMissingCommand(t *testing.T) {
	d := NewDispatcher()
	resp := d.Dispatch(context.Background(), AgentRequest{ID: "3", Type: RequestRun})
	if resp.Error == "" {
		t.Fatalf("expected error response for missing command")
	}
}

func TestDispatchFileLifecycle(t *testing.T) {
	d := NewDispatcher()
	dir := t.TempDir()
	path := filepath.Join(dir, "nested", "greeting.txt")

	content := base64.StdEncoding.EncodeToString([]byte("hello file"))
	writeResp := d.Dispatch(context.Background(), AgentRequest{
		ID: "4", Type: RequestWriteFile, Path: path, ContentBase64: content,
	})
	if writeResp.Error != "" {
		t.Fatalf("write_file: %s", writeResp.Error)
	}

	readResp := d.Dispatch(context.Background(), AgentRequest{ID: "5", Type: RequestReadFile, Path: path})
	if readResp.Error != "" {
		t.Fatalf("read_file: %s", readResp.Error)
	}
	got, err := base64.StdEncoding.DecodeString(readResp.ContentBase64)
	if err != nil || string(got) != "hello file" {
		t.Fatalf("unexpected file content: %q err=%v", got, err)
	}

	rmResp := d.Dispatch(context.Background(), AgentRequest{ID: "6", Type: RequestRemoveFile, Path: path})
	if rmResp.Error != "" {
		t.Fatalf("remove_file: %s", rmResp.Error)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatalf("expected file to be removed")
	}
}

func TestDispatchWriteFileRejectsBlockedPath(t *testing.T) {
	d := NewDispatcher()
	resp := d.Dispatch(context.Background(), AgentRequest{
		ID: "7", Type: RequestWriteFile, Path: "/etc/shadow", ContentBase64: "eA==",
	})
	if resp.Error == "" {
		t.Fatalf("expected write to /etc/shadow to be rejected")
	}
}

func TestDispatchShellLifecycle(t *testing.T) {
	d := NewDispatcher()

	startResp := d.Dispatch(context.Background(), AgentRequest{
		ID: "8", Type: RequestShell, Command: []string{"/bin/sh"}, Rows: 24, Cols: 80,
	})
	if startResp.ShellEvent != ShellEventStarted || startResp.SessionID == "" {
		t.Fatalf("expected shell_started event, got %+v", startResp)
	}
	sessionID := startResp.SessionID

	input := base64.StdEncoding.EncodeToString([]byte("echo marco\n"))
	inputResp := d.Dispatch(context.Background(), AgentRequest{
		ID: "9", Type: RequestShellInput, SessionID: sessionID, InputBase64: input,
	})
	if inputResp.Error != "" {
		t.Fatalf("shell_input: %s", inputResp.Error)
	}

	var output []byte
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		pollResp := d.Dispatch(context.Background(), AgentRequest{ID: "10", Type: RequestShellPoll, SessionID: sessionID})
		if pollResp.Error != "" {
			t.Fatalf("shell_poll: %s", pollResp.Error)
		}
		chunk, _ := base64.StdEncoding.DecodeString(pollResp.OutputBase64)
		output = append(output, chunk...)
		if len(output) > 0 {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	if len(output) == 0 {
		t.Fatalf("expected some PTY output before deadline")
	}

	closeResp := d.Dispatch(context.Background(), AgentRequest{ID: "11", Type: RequestShellClose, SessionID: sessionID})
	if closeResp.ShellEvent != ShellEventExited {
		t.Fatalf("expected shell_exited event, got %+v", closeResp)
	}
}
