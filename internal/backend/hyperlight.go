package backend

import (
	"context"
	"fmt"
)

// HyperlightSandbox is the Hyperlight micro-VM backend (Linux+KVM). It has
// no file-I/O surface, and its exec contract differs from every other
// backend: command[0] names an exported guest function and any remaining
// entries are its string arguments, with no shell involved. This build
// carries no Hyperlight host binding: Start loads no WebAssembly module
// (it records the config and marks the sandbox running), and Exec never
// invokes a guest function.
type HyperlightSandbox struct {
	name  string
	state *StateMachine
	cfg   Config

	// loaded records whether Start has run. It stands in for a Hyperlight
	// sandbox handle, which this build does not create.
	loaded bool
}

var _ Sandbox = (*HyperlightSandbox)(nil)

func NewHyperlightSandbox(name string) *HyperlightSandbox {
	return &HyperlightSandbox{name: name, state: NewStateMachine()}
}

func (h *HyperlightSandbox) Name() string { return h.name }
func (h *HyperlightSandbox) Kind() Kind   { return KindHyperlight }

func (h *HyperlightSandbox) Start(ctx context.Context, cfg Config) error {
	if err := h.state.Transition(StateStarting); err != nil {
		return err
	}
	h.cfg = cfg
	h.loaded = true
	return h.state.Transition(StateRunning)
}

// Exec checks that the sandbox was started and that command names a guest
// export (command[0]), then returns an error: no guest function is
// invoked in this build.
func (h *HyperlightSandbox) Exec(ctx context.Context, command []string) (ExecResult, error) {
	if !h.loaded {
		return ExecResult{}, fmt.Errorf("backend: hyperlight exec: sandbox not started")
	}
	if len(command) == 0 {
		return ExecResult{}, fmt.Errorf("backend: exec requires a non-empty command (guest function name)")
	}
	return ExecResult{}, fmt.Errorf("backend: hyperlight guest function %q: not wired in this build", command[0])
}

func (h *HyperlightSandbox) ExecWithEnv(ctx context.Context, command []string, env map[string]string) (ExecResult, error) {
	if len(env) > 0 {
		return ExecResult{}, fmt.Errorf("backend: hyperlight does not support passing environment to a guest function call")
	}
	return h.Exec(ctx, command)
}

func (h *HyperlightSandbox) Stop(ctx context.Context) error {
	h.loaded = false
	h.state.MarkStopped()
	return nil
}

func (h *HyperlightSandbox) IsRunning(ctx context.Context) bool { return h.loaded }

func (h *HyperlightSandbox) WriteFile(ctx context.Context, path string, content []byte) error {
	return fmt.Errorf("backend: hyperlight does not support file operations")
}

func (h *HyperlightSandbox) ReadFile(ctx context.Context, path string) ([]byte, error) {
	return nil, fmt.Errorf("backend: hyperlight does not support file operations")
}

func (h *HyperlightSandbox) RemoveFile(ctx context.Context, path string) error {
	return fmt.Errorf("backend: hyperlight does not support file operations")
}

func (h *HyperlightSandbox) Mkdir(ctx context.Context, path string, recursive bool) error {
	return fmt.Errorf("backend: hyperlight does not support file operations")
}

func (h *HyperlightSandbox) Attach(ctx context.Context, shell string, env map[string]string) (int, error) {
	return -1, ErrAttachNotSupported
}

func (h *HyperlightSandbox) InjectFiles(ctx context.Context, files []FileInjection) error {
	if len(files) == 0 {
		return nil
	}
	return fmt.Errorf("backend: hyperlight does not support file operations")
}
