package backend

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/thrashr888/agentkernel/internal/podman"
)

// ContainerSandbox drives a container runtime CLI (docker or podman)
// directly; both share an identical command surface for the operations
// this backend needs.
type ContainerSandbox struct {
	name    string
	kind    Kind
	runtime string // "docker" or "podman"

	state *StateMachine
	cfg   Config
}

var _ Sandbox = (*ContainerSandbox)(nil)

// NewContainerSandbox creates a sandbox driven by the given runtime binary
// ("docker" or "podman"). name must already be DNS-safe.
func NewContainerSandbox(name string, kind Kind, runtime string) *ContainerSandbox {
	return &ContainerSandbox{
		name:    name,
		kind:    kind,
		runtime: runtime,
		state:   NewStateMachine(),
	}
}

func (c *ContainerSandbox) Name() string { return c.name }
func (c *ContainerSandbox) Kind() Kind   { return c.kind }

func (c *ContainerSandbox) containerName() string { return "agentkernel-" + c.name }

func (c *ContainerSandbox) Start(ctx context.Context, cfg Config) error {
	if err := c.state.Transition(StateStarting); err != nil {
		return err
	}
	c.cfg = cfg

	args := []string{"run", "-d", "--rm", "--name", c.containerName()}
	if cfg.VCPUs > 0 {
		args = append(args, "--cpus", strconv.Itoa(cfg.VCPUs))
	}
	if cfg.MemoryMB > 0 {
		args = append(args, "--memory", strconv.Itoa(cfg.MemoryMB)+"m")
	}
	if !cfg.Network {
		args = append(args, "--network=none")
	}
	if cfg.ReadOnly {
		args = append(args, "--read-only")
	}
	if cfg.MountCWD {
		if wd, err := os.Getwd(); err == nil {
			args = append(args, "-v", wd+":"+wd)
		}
	}
	for k, v := range cfg.Env {
		args = append(args, "-e", k+"="+v)
	}
	args = append(args, cfg.Image, "sh", "-c", "while true; do sleep 3600; done")

	if _, err := c.run(ctx, args...); err != nil {
		c.state.Transition(StateFailed)
		return fmt.Errorf("backend: container start: %w", err)
	}

	if err := injectFilesDefault(ctx, c, cfg.Files); err != nil {
		_ = c.Stop(ctx)
		c.state.Transition(StateFailed)
		return err
	}

	return c.state.Transition(StateRunning)
}

func (c *ContainerSandbox) Exec(ctx context.Context, command []string) (ExecResult, error) {
	if len(command) == 0 {
		return ExecResult{}, fmt.Errorf("backend: exec requires a non-empty command")
	}
	args := append([]string{"exec", c.containerName()}, command...)
	return c.run(ctx, args...)
}

func (c *ContainerSandbox) ExecWithEnv(ctx context.Context, command []string, env map[string]string) (ExecResult, error) {
	if len(env) == 0 {
		return c.Exec(ctx, command)
	}
	args := []string{"exec"}
	for k, v := range env {
		args = append(args, "-e", k+"="+v)
	}
	args = append(args, c.containerName())
	args = append(args, command...)
	return c.run(ctx, args...)
}

// Stop uses `rm -f` for the fastest teardown; idempotent per the backend
// contract.
func (c *ContainerSandbox) Stop(ctx context.Context) error {
	current := c.state.Current()
	if current == StateNew || current == StateStopped || current == StateFailed {
		c.state.MarkStopped()
		return nil
	}
	_, _ = c.run(ctx, "rm", "-f", c.containerName())
	c.state.MarkStopped()
	return nil
}

func (c *ContainerSandbox) IsRunning(ctx context.Context) bool {
	result, err := c.run(ctx, "ps", "-q", "-f", "name=^"+c.containerName()+"$")
	if err != nil {
		return false
	}
	return strings.TrimSpace(result.Stdout) != ""
}

func (c *ContainerSandbox) WriteFile(ctx context.Context, path string, content []byte) error {
	if err := ValidateSandboxPath(path); err != nil {
		return err
	}
	tmp, err := os.CreateTemp("", "agentkernel-write-*")
	if err != nil {
		return fmt.Errorf("backend: write_file temp file: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(content); err != nil {
		tmp.Close()
		return fmt.Errorf("backend: write_file: %w", err)
	}
	tmp.Close()

	if _, err := c.Exec(ctx, []string{"mkdir", "-p", parentDir(path)}); err != nil {
		return fmt.Errorf("backend: write_file mkdir parent: %w", err)
	}
	if _, err := c.run(ctx, "cp", tmp.Name(), c.containerName()+":"+path); err != nil {
		return fmt.Errorf("backend: write_file cp: %w", err)
	}
	return nil
}

func (c *ContainerSandbox) ReadFile(ctx context.Context, path string) ([]byte, error) {
	if err := ValidateSandboxPath(path); err != nil {
		return nil, err
	}
	tmp, err := os.CreateTemp("", "agentkernel-read-*")
	if err != nil {
		return nil, fmt.Errorf("backend: read_file temp file: %w", err)
	}
	tmpPath := tmp.Name()
	tmp.Close()
	defer os.Remove(tmpPath)

	if _, err := c.run(ctx, "cp", c.containerName()+":"+path, tmpPath); err != nil {
		return nil, fmt.Errorf("backend: read_file cp: %w", err)
	}
	return os.ReadFile(tmpPath)
}

func (c *ContainerSandbox) RemoveFile(ctx context.Context, path string) error {
	if err := ValidateSandboxPath(path); err != nil {
		return err
	}
	_, err := c.Exec(ctx, []string{"rm", "-f", path})
	return err
}

func (c *ContainerSandbox) Mkdir(ctx context.Context, path string, recursive bool) error {
	if err := ValidateSandboxPath(path); err != nil {
		return err
	}
	args := []string{"mkdir"}
	if recursive {
		args = append(args, "-p")
	}
	args = append(args, path)
	result, err := c.Exec(ctx, args)
	if err != nil {
		return err
	}
	if !result.Success() {
		return fmt.Errorf("backend: mkdir %s: %s", path, strings.TrimSpace(result.Stderr))
	}
	return nil
}

func (c *ContainerSandbox) Attach(ctx context.Context, shell string, env map[string]string) (int, error) {
	if shell == "" {
		shell = "/bin/sh"
	}
	args := []string{"exec", "-it"}
	for k, v := range env {
		args = append(args, "-e", k+"="+v)
	}
	args = append(args, c.containerName(), shell)

	cmd := exec.CommandContext(ctx, c.runtime, args...)
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
	return -1, fmt.Errorf("backend: attach: %w", err)
}

func (c *ContainerSandbox) InjectFiles(ctx context.Context, files []FileInjection) error {
	return injectFilesDefault(ctx, c, files)
}

func (c *ContainerSandbox) checkpointPath() string {
	return filepath.Join(os.TempDir(), c.containerName()+".checkpoint.tar.zst")
}

// Hibernate checkpoints a running Podman container to disk and removes it,
// freeing warm-pool resources while keeping enough state to resume later
// with Resume. Only the Podman runtime supports this (CRIU checkpoint/
// restore); calling it on a Docker-backed sandbox returns an error.
func (c *ContainerSandbox) Hibernate(ctx context.Context) error {
	if c.runtime != "podman" {
		return fmt.Errorf("backend: hibernate requires the podman runtime, got %q", c.runtime)
	}
	if err := c.state.Transition(StateHibernated); err != nil {
		return err
	}

	client, err := podman.NewClient()
	if err != nil {
		c.state.Transition(StateFailed)
		return fmt.Errorf("backend: hibernate: %w", err)
	}
	if err := client.CheckpointContainer(ctx, c.containerName(), c.checkpointPath()); err != nil {
		c.state.Transition(StateFailed)
		return fmt.Errorf("backend: hibernate: %w", err)
	}
	return nil
}

// Resume restores a sandbox previously hibernated with Hibernate.
func (c *ContainerSandbox) Resume(ctx context.Context) error {
	if c.runtime != "podman" {
		return fmt.Errorf("backend: resume requires the podman runtime, got %q", c.runtime)
	}
	if err := c.state.Transition(StateRunning); err != nil {
		return err
	}

	client, err := podman.NewClient()
	if err != nil {
		c.state.Transition(StateFailed)
		return fmt.Errorf("backend: resume: %w", err)
	}
	checkpointPath := c.checkpointPath()
	defer os.Remove(checkpointPath)
	if err := client.RestoreContainer(ctx, checkpointPath, c.containerName()); err != nil {
		c.state.Transition(StateFailed)
		return fmt.Errorf("backend: resume: %w", err)
	}
	return nil
}

func (c *ContainerSandbox) run(ctx context.Context, args ...string) (ExecResult, error) {
	cmd := exec.CommandContext(ctx, c.runtime, args...)
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
	return result, fmt.Errorf("backend: %s %s: %w", c.runtime, strings.Join(args, " "), err)
}
