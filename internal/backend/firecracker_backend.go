package backend

import (
	"context"
	"encoding/base64"
	"fmt"

	"github.com/google/uuid"

	"github.com/thrashr888/agentkernel/internal/firecracker"
	"github.com/thrashr888/agentkernel/internal/guestagent"
)

// FirecrackerSandbox adapts the Firecracker driver (C3) to the Sandbox
// interface. All command execution and file I/O flows through the vsock
// transport (C1) to the in-guest agent (C2); this type owns none of that
// protocol directly.
type FirecrackerSandbox struct {
	name    string
	manager *firecracker.Manager
	images  string

	state *StateMachine
	vm    *firecracker.VM
}

var _ Sandbox = (*FirecrackerSandbox)(nil)

// NewFirecrackerSandbox creates a sandbox driven by mgr. imagesDir holds
// the base rootfs images referenced by RuntimeImage.FirecrackerFS.
func NewFirecrackerSandbox(name string, mgr *firecracker.Manager, imagesDir string) *FirecrackerSandbox {
	return &FirecrackerSandbox{name: name, manager: mgr, images: imagesDir, state: NewStateMachine()}
}

func (f *FirecrackerSandbox) Name() string { return f.name }
func (f *FirecrackerSandbox) Kind() Kind   { return KindFirecracker }

func (f *FirecrackerSandbox) Start(ctx context.Context, cfg Config) error {
	if err := f.state.Transition(StateStarting); err != nil {
		return err
	}

	runtimeImage, err := ResolveRuntimeImage(cfg.Image)
	if err != nil {
		f.state.Transition(StateFailed)
		return fmt.Errorf("backend: firecracker start: %w", err)
	}
	rootfsPath, err := f.manager.EnsureRootfs(ctx, f.images, runtimeImage.FirecrackerFS)
	if err != nil {
		f.state.Transition(StateFailed)
		return fmt.Errorf("backend: firecracker start: %w", err)
	}

	vm, err := f.manager.Boot(ctx, firecracker.BootSpec{
		ID:         f.name,
		RootfsPath: rootfsPath,
		VCPUs:      cfg.VCPUs,
		MemoryMB:   cfg.MemoryMB,
	})
	if err != nil {
		f.state.Transition(StateFailed)
		return fmt.Errorf("backend: firecracker start: %w", err)
	}
	f.vm = vm

	if err := injectFilesDefault(ctx, f, cfg.Files); err != nil {
		_ = vm.Stop()
		f.state.Transition(StateFailed)
		return err
	}

	return f.state.Transition(StateRunning)
}

func (f *FirecrackerSandbox) Exec(ctx context.Context, command []string) (ExecResult, error) {
	return f.ExecWithEnv(ctx, command, nil)
}

func (f *FirecrackerSandbox) ExecWithEnv(ctx context.Context, command []string, env map[string]string) (ExecResult, error) {
	if f.vm == nil {
		return ExecResult{}, fmt.Errorf("backend: firecracker exec: sandbox not started")
	}
	if len(command) == 0 {
		return ExecResult{}, fmt.Errorf("backend: exec requires a non-empty command")
	}
	code, stdout, stderr, err := f.vm.Exec(ctx, command, "", env)
	if err != nil {
		return ExecResult{}, err
	}
	return ExecResult{ExitCode: code, Stdout: stdout, Stderr: stderr}, nil
}

func (f *FirecrackerSandbox) Stop(ctx context.Context) error {
	current := f.state.Current()
	if current == StateNew || current == StateStopped || current == StateFailed {
		f.state.MarkStopped()
		return nil
	}
	if f.vm != nil {
		_ = f.vm.Stop()
	}
	f.state.MarkStopped()
	return nil
}

func (f *FirecrackerSandbox) IsRunning(ctx context.Context) bool {
	return f.vm != nil && f.vm.IsRunning()
}

func (f *FirecrackerSandbox) WriteFile(ctx context.Context, path string, content []byte) error {
	if err := ValidateSandboxPath(path); err != nil {
		return err
	}
	req := guestagent.AgentRequest{
		ID:            uuid.NewString(),
		Type:          guestagent.RequestWriteFile,
		Path:          path,
		ContentBase64: base64.StdEncoding.EncodeToString(content),
	}
	resp, err := f.vm.Call(ctx, req)
	if err != nil {
		return err
	}
	if resp.Error != "" {
		return fmt.Errorf("backend: firecracker write_file: %s", resp.Error)
	}
	return nil
}

func (f *FirecrackerSandbox) ReadFile(ctx context.Context, path string) ([]byte, error) {
	if err := ValidateSandboxPath(path); err != nil {
		return nil, err
	}
	req := guestagent.AgentRequest{ID: uuid.NewString(), Type: guestagent.RequestReadFile, Path: path}
	resp, err := f.vm.Call(ctx, req)
	if err != nil {
		return nil, err
	}
	if resp.Error != "" {
		return nil, fmt.Errorf("backend: firecracker read_file: %s", resp.Error)
	}
	return base64.StdEncoding.DecodeString(resp.ContentBase64)
}

func (f *FirecrackerSandbox) RemoveFile(ctx context.Context, path string) error {
	if err := ValidateSandboxPath(path); err != nil {
		return err
	}
	req := guestagent.AgentRequest{ID: uuid.NewString(), Type: guestagent.RequestRemoveFile, Path: path}
	resp, err := f.vm.Call(ctx, req)
	if err != nil {
		return err
	}
	if resp.Error != "" {
		return fmt.Errorf("backend: firecracker remove_file: %s", resp.Error)
	}
	return nil
}

func (f *FirecrackerSandbox) Mkdir(ctx context.Context, path string, recursive bool) error {
	if err := ValidateSandboxPath(path); err != nil {
		return err
	}
	req := guestagent.AgentRequest{ID: uuid.NewString(), Type: guestagent.RequestMkdir, Path: path, Recursive: recursive}
	resp, err := f.vm.Call(ctx, req)
	if err != nil {
		return err
	}
	if resp.Error != "" {
		return fmt.Errorf("backend: firecracker mkdir: %s", resp.Error)
	}
	return nil
}

// Attach is not supported: the guest agent's single vsock channel is
// request/response, not a raw bidirectional stream, so bridging host stdio
// requires the Shell/ShellInput/ShellPoll trio instead of a direct attach.
// Callers that need interactivity should drive those requests themselves.
func (f *FirecrackerSandbox) Attach(ctx context.Context, shell string, env map[string]string) (int, error) {
	return -1, ErrAttachNotSupported
}

func (f *FirecrackerSandbox) InjectFiles(ctx context.Context, files []FileInjection) error {
	return injectFilesDefault(ctx, f, files)
}

// Call exposes the raw guest agent request/response channel so a caller
// that wants an interactive session (internal/hostagent) can drive the
// Shell/ShellInput/ShellPoll/ShellClose trio itself.
func (f *FirecrackerSandbox) Call(ctx context.Context, req guestagent.AgentRequest) (guestagent.AgentResponse, error) {
	if f.vm == nil {
		return guestagent.AgentResponse{}, fmt.Errorf("backend: firecracker call: sandbox not started")
	}
	return f.vm.Call(ctx, req)
}
