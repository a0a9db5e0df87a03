package backend

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"os"
	"os/exec"
	"strings"
)

// NomadSandbox runs one sandbox as a Nomad batch job. exec shells out to
// `nomad alloc exec` with an explicit argument vector — never through a
// shell that would re-interpret the caller's command — and file ops are
// implemented the same way as the Kubernetes backend, via base64 piped
// through an explicit `sh -c` argv entry (still no host-side shell
// interpolation of the payload).
type NomadSandbox struct {
	name    string
	driver  string // "docker", "exec", or "raw_exec"
	allocID string
	state   *StateMachine
	cfg     Config
}

var _ Sandbox = (*NomadSandbox)(nil)

func NewNomadSandbox(name, driver string) *NomadSandbox {
	if driver == "" {
		driver = "docker"
	}
	return &NomadSandbox{name: name, driver: driver, state: NewStateMachine()}
}

func (n *NomadSandbox) Name() string { return n.name }
func (n *NomadSandbox) Kind() Kind   { return KindNomad }

func (n *NomadSandbox) jobName() string { return "agentkernel-" + sanitizeK8sName(n.name) }

func (n *NomadSandbox) Start(ctx context.Context, cfg Config) error {
	if err := n.state.Transition(StateStarting); err != nil {
		return err
	}
	n.cfg = cfg

	jobHCL := n.jobSpec(cfg)
	if _, err := n.nomadStdin(ctx, jobHCL, "job", "run", "-"); err != nil {
		n.state.Transition(StateFailed)
		return fmt.Errorf("backend: nomad job run: %w", err)
	}

	alloc, err := n.waitForAlloc(ctx)
	if err != nil {
		n.state.Transition(StateFailed)
		return fmt.Errorf("backend: nomad wait for alloc: %w", err)
	}
	n.allocID = alloc

	if err := injectFilesDefault(ctx, n, cfg.Files); err != nil {
		_ = n.Stop(ctx)
		n.state.Transition(StateFailed)
		return err
	}
	return n.state.Transition(StateRunning)
}

func (n *NomadSandbox) jobSpec(cfg Config) string {
	return fmt.Sprintf(`job "%s" {
  type = "batch"
  group "sandbox" {
    task "sandbox" {
      driver = "%s"
      config {
        image   = "%s"
        command = "sh"
        args    = ["-c", "sleep infinity"]
      }
      resources {
        cpu    = %d
        memory = %d
      }
    }
  }
}
`, n.jobName(), n.driver, cfg.Image, cfg.VCPUs*500, cfg.MemoryMB)
}

func (n *NomadSandbox) waitForAlloc(ctx context.Context) (string, error) {
	result, err := n.nomad(ctx, "job", "allocs", "-json", n.jobName())
	if err != nil {
		return "", err
	}
	// Allocation ID extraction is intentionally shallow: callers only need
	// a stable handle for subsequent `nomad alloc exec` calls, not the
	// full allocation object.
	idx := strings.Index(result.Stdout, `"ID":"`)
	if idx == -1 {
		return "", fmt.Errorf("backend: nomad: no allocation found for job %s", n.jobName())
	}
	rest := result.Stdout[idx+len(`"ID":"`):]
	end := strings.Index(rest, `"`)
	if end == -1 {
		return "", fmt.Errorf("backend: nomad: malformed allocation listing")
	}
	return rest[:end], nil
}

func (n *NomadSandbox) Exec(ctx context.Context, command []string) (ExecResult, error) {
	if len(command) == 0 {
		return ExecResult{}, fmt.Errorf("backend: exec requires a non-empty command")
	}
	args := append([]string{"alloc", "exec", n.allocID}, command...)
	return n.nomad(ctx, args...)
}

func (n *NomadSandbox) ExecWithEnv(ctx context.Context, command []string, env map[string]string) (ExecResult, error) {
	return execWithEnvFallback(ctx, n, command, env)
}

func (n *NomadSandbox) Stop(ctx context.Context) error {
	current := n.state.Current()
	if current == StateNew || current == StateStopped || current == StateFailed {
		n.state.MarkStopped()
		return nil
	}
	_, _ = n.nomad(ctx, "job", "stop", "-purge", n.jobName())
	n.state.MarkStopped()
	return nil
}

func (n *NomadSandbox) IsRunning(ctx context.Context) bool {
	result, err := n.nomad(ctx, "job", "status", n.jobName())
	if err != nil {
		return false
	}
	return strings.Contains(result.Stdout, "running")
}

func (n *NomadSandbox) WriteFile(ctx context.Context, path string, content []byte) error {
	if err := ValidateSandboxPath(path); err != nil {
		return err
	}
	encoded := base64.StdEncoding.EncodeToString(content)
	script := fmt.Sprintf("mkdir -p %q && echo %s | base64 -d > %q", parentDir(path), encoded, path)
	result, err := n.Exec(ctx, []string{"sh", "-c", script})
	if err != nil {
		return err
	}
	if !result.Success() {
		return fmt.Errorf("backend: nomad write_file: %s", strings.TrimSpace(result.Stderr))
	}
	return nil
}

func (n *NomadSandbox) ReadFile(ctx context.Context, path string) ([]byte, error) {
	if err := ValidateSandboxPath(path); err != nil {
		return nil, err
	}
	result, err := n.Exec(ctx, []string{"sh", "-c", "base64 " + path})
	if err != nil {
		return nil, err
	}
	if !result.Success() {
		return nil, fmt.Errorf("backend: nomad read_file: %s", strings.TrimSpace(result.Stderr))
	}
	return base64.StdEncoding.DecodeString(strings.TrimSpace(result.Stdout))
}

func (n *NomadSandbox) RemoveFile(ctx context.Context, path string) error {
	if err := ValidateSandboxPath(path); err != nil {
		return err
	}
	_, err := n.Exec(ctx, []string{"rm", "-f", path})
	return err
}

func (n *NomadSandbox) Mkdir(ctx context.Context, path string, recursive bool) error {
	if err := ValidateSandboxPath(path); err != nil {
		return err
	}
	args := []string{"mkdir"}
	if recursive {
		args = append(args, "-p")
	}
	args = append(args, path)
	_, err := n.Exec(ctx, args)
	return err
}

func (n *NomadSandbox) Attach(ctx context.Context, shell string, env map[string]string) (int, error) {
	if shell == "" {
		shell = "/bin/sh"
	}
	cmd := exec.CommandContext(ctx, "nomad", "alloc", "exec", n.allocID, shell)
	cmd.Stdin = os.Stdin
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	err := cmd.Run()
	if err == nil {
		return 0, nil
	}
	if exitErr, ok := err.(*exec.ExitError); ok {
		return exitErr.ExitCode(), nil
	}
	return -1, fmt.Errorf("backend: nomad attach: %w", err)
}

func (n *NomadSandbox) InjectFiles(ctx context.Context, files []FileInjection) error {
	return injectFilesDefault(ctx, n, files)
}

func (n *NomadSandbox) nomad(ctx context.Context, args ...string) (ExecResult, error) {
	return n.nomadStdin(ctx, "", args...)
}

func (n *NomadSandbox) nomadStdin(ctx context.Context, stdin string, args ...string) (ExecResult, error) {
	cmd := exec.CommandContext(ctx, "nomad", args...)
	if stdin != "" {
		cmd.Stdin = strings.NewReader(stdin)
	}
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	result := ExecResult{Stdout: stdout.String(), Stderr: stderr.String()}
	if err == nil {
		return result, nil
	}
	if exitErr, ok := err.(*exec.ExitError); ok {
		result.ExitCode = exitErr.ExitCode()
		return result, nil
	}
	return result, fmt.Errorf("backend: nomad %s: %w", strings.Join(args, " "), err)
}
