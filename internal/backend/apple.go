package backend

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
)

// AppleSandbox drives macOS's `container` CLI (Apple Containers, macOS
// >=26). Its command surface mirrors ContainerSandbox closely: no
// --read-only support, and an explicit system-service start preamble is
// required before first use on a given host.
type AppleSandbox struct {
	name  string
	state *StateMachine
	cfg   Config
}

var _ Sandbox = (*AppleSandbox)(nil)

func NewAppleSandbox(name string) *AppleSandbox {
	return &AppleSandbox{name: name, state: NewStateMachine()}
}

func (a *AppleSandbox) Name() string { return a.name }
func (a *AppleSandbox) Kind() Kind   { return KindApple }

func (a *AppleSandbox) containerName() string { return "agentkernel-" + a.name }

// ensureSystemStarted runs the preamble Apple Containers requires before a
// container can be created.
func ensureSystemStarted(ctx context.Context) error {
	cmd := exec.CommandContext(ctx, "container", "system", "start")
	return cmd.Run()
}

func (a *AppleSandbox) Start(ctx context.Context, cfg Config) error {
	if err := a.state.Transition(StateStarting); err != nil {
		return err
	}
	a.cfg = cfg

	_ = ensureSystemStarted(ctx)

	args := []string{"run", "-d", "--rm", "--name", a.containerName()}
	if cfg.VCPUs > 0 {
		args = append(args, "--cpus", strconv.Itoa(cfg.VCPUs))
	}
	if cfg.MemoryMB > 0 {
		args = append(args, "--memory", strconv.Itoa(cfg.MemoryMB)+"m")
	}
	if !cfg.Network {
		args = append(args, "--network=none")
	}
	// No --read-only support on this backend.
	for k, v := range cfg.Env {
		args = append(args, "-e", k+"="+v)
	}
	args = append(args, cfg.Image, "sh", "-c", "while true; do sleep 3600; done")

	if _, err := a.run(ctx, args...); err != nil {
		a.state.Transition(StateFailed)
		return fmt.Errorf("backend: apple start: %w", err)
	}
	if err := injectFilesDefault(ctx, a, cfg.Files); err != nil {
		_ = a.Stop(ctx)
		a.state.Transition(StateFailed)
		return err
	}
	return a.state.Transition(StateRunning)
}

func (a *AppleSandbox) Exec(ctx context.Context, command []string) (ExecResult, error) {
	if len(command) == 0 {
		return ExecResult{}, fmt.Errorf("backend: exec requires a non-empty command")
	}
	args := append([]string{"exec", a.containerName()}, command...)
	return a.run(ctx, args...)
}

func (a *AppleSandbox) ExecWithEnv(ctx context.Context, command []string, env map[string]string) (ExecResult, error) {
	return execWithEnvFallback(ctx, a, command, env)
}

func (a *AppleSandbox) Stop(ctx context.Context) error {
	current := a.state.Current()
	if current == StateNew || current == StateStopped || current == StateFailed {
		a.state.MarkStopped()
		return nil
	}
	_, _ = a.run(ctx, "rm", "-f", a.containerName())
	a.state.MarkStopped()
	return nil
}

func (a *AppleSandbox) IsRunning(ctx context.Context) bool {
	result, err := a.run(ctx, "ps", "-a")
	if err != nil {
		return false
	}
	return strings.Contains(result.Stdout, a.containerName())
}

func (a *AppleSandbox) WriteFile(ctx context.Context, path string, content []byte) error {
	if err := ValidateSandboxPath(path); err != nil {
		return err
	}
	tmp, err := os.CreateTemp("", "agentkernel-write-*")
	if err != nil {
		return fmt.Errorf("backend: apple write_file temp file: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(content); err != nil {
		tmp.Close()
		return err
	}
	tmp.Close()
	if _, err := a.Exec(ctx, []string{"mkdir", "-p", parentDir(path)}); err != nil {
		return err
	}
	_, err = a.run(ctx, "cp", tmp.Name(), a.containerName()+":"+path)
	return err
}

func (a *AppleSandbox) ReadFile(ctx context.Context, path string) ([]byte, error) {
	if err := ValidateSandboxPath(path); err != nil {
		return nil, err
	}
	tmp, err := os.CreateTemp("", "agentkernel-read-*")
	if err != nil {
		return nil, err
	}
	tmpPath := tmp.Name()
	tmp.Close()
	defer os.Remove(tmpPath)
	if _, err := a.run(ctx, "cp", a.containerName()+":"+path, tmpPath); err != nil {
		return nil, err
	}
	return os.ReadFile(tmpPath)
}

func (a *AppleSandbox) RemoveFile(ctx context.Context, path string) error {
	if err := ValidateSandboxPath(path); err != nil {
		return err
	}
	_, err := a.Exec(ctx, []string{"rm", "-f", path})
	return err
}

func (a *AppleSandbox) Mkdir(ctx context.Context, path string, recursive bool) error {
	if err := ValidateSandboxPath(path); err != nil {
		return err
	}
	args := []string{"mkdir"}
	if recursive {
		args = append(args, "-p")
	}
	args = append(args, path)
	_, err := a.Exec(ctx, args)
	return err
}

func (a *AppleSandbox) Attach(ctx context.Context, shell string, env map[string]string) (int, error) {
	if shell == "" {
		shell = "/bin/sh"
	}
	cmd := exec.CommandContext(ctx, "container", "exec", "-it", a.containerName(), shell)
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
	return -1, fmt.Errorf("backend: apple attach: %w", err)
}

func (a *AppleSandbox) InjectFiles(ctx context.Context, files []FileInjection) error {
	return injectFilesDefault(ctx, a, files)
}

func (a *AppleSandbox) run(ctx context.Context, args ...string) (ExecResult, error) {
	cmd := exec.CommandContext(ctx, "container", args...)
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
	return result, fmt.Errorf("backend: container %s: %w", strings.Join(args, " "), err)
}

// IsAppleContainersAvailable checks whether the `container` CLI responds to
// --version, used by the selection policy on macOS.
func IsAppleContainersAvailable() bool {
	return exec.Command("container", "--version").Run() == nil
}
