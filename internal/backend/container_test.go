package backend

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
)

// writeFakeRuntime writes a shell script standing in for a docker/podman
// binary. script receives "$@" as the full argv the sandbox invoked.
func writeFakeRuntime(t *testing.T, script string) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("fake runtime script requires a POSIX shell")
	}
	dir := t.TempDir()
	path := filepath.Join(dir, "fake-runtime")
	content := "#!/bin/sh\n" + script + "\n"
	if err := os.WriteFile(path, []byte(content), 0o755); err != nil {
		t.Fatalf("write fake runtime: %v", err)
	}
	return path
}

func TestContainerSandboxStartExecStop(t *testing.T) {
	runtimeBin := writeFakeRuntime(t, `
case "$1" in
  run) echo "started" ;;
  exec) shift; echo "ran: $@" ;;
  rm) echo "removed" ;;
  ps) echo "" ;;
esac
`)
	sandbox := NewContainerSandbox("demo", KindDocker, runtimeBin)
	ctx := context.Background()

	cfg := DefaultConfig()
	if err := sandbox.Start(ctx, cfg); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if sandbox.state.Current() != StateRunning {
		t.Fatalf("state after Start = %s, want %s", sandbox.state.Current(), StateRunning)
	}

	result, err := sandbox.Exec(ctx, []string{"echo", "hi"})
	if err != nil {
		t.Fatalf("Exec: %v", err)
	}
	if !strings.Contains(result.Stdout, "echo hi") {
		t.Fatalf("Exec stdout = %q, want it to contain invoked argv", result.Stdout)
	}

	if err := sandbox.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if sandbox.state.Current() != StateStopped {
		t.Fatalf("state after Stop = %s, want %s", sandbox.state.Current(), StateStopped)
	}
}

func TestContainerSandboxStopIsIdempotent(t *testing.T) {
	runtimeBin := writeFakeRuntime(t, `echo "unused"`)
	sandbox := NewContainerSandbox("demo", KindPodman, runtimeBin)

	if err := sandbox.Stop(context.Background()); err != nil {
		t.Fatalf("Stop on fresh sandbox: %v", err)
	}
	if sandbox.state.Current() != StateStopped {
		t.Fatalf("state after Stop = %s, want %s", sandbox.state.Current(), StateStopped)
	}
}

func TestContainerSandboxIsRunning(t *testing.T) {
	runtimeBin := writeFakeRuntime(t, `
case "$1" in
  ps) echo "deadbeef1234" ;;
esac
`)
	sandbox := NewContainerSandbox("demo", KindDocker, runtimeBin)
	if !sandbox.IsRunning(context.Background()) {
		t.Fatal("IsRunning = false, want true when ps reports a container id")
	}
}

func TestContainerSandboxExecRejectsEmptyCommand(t *testing.T) {
	runtimeBin := writeFakeRuntime(t, `true`)
	sandbox := NewContainerSandbox("demo", KindDocker, runtimeBin)
	if _, err := sandbox.Exec(context.Background(), nil); err == nil {
		t.Fatal("Exec with empty command should fail")
	}
}

func TestContainerSandboxHibernateRequiresPodman(t *testing.T) {
	runtimeBin := writeFakeRuntime(t, `true`)
	sandbox := NewContainerSandbox("demo", KindDocker, runtimeBin)
	sandbox.state.Transition(StateStarting)
	sandbox.state.Transition(StateRunning)

	if err := sandbox.Hibernate(context.Background()); err == nil {
		t.Fatal("Hibernate on a non-podman runtime should fail")
	}
	if sandbox.state.Current() != StateRunning {
		t.Fatalf("state after rejected Hibernate = %s, want %s", sandbox.state.Current(), StateRunning)
	}
}

func TestContainerSandboxResumeRequiresPodman(t *testing.T) {
	runtimeBin := writeFakeRuntime(t, `true`)
	sandbox := NewContainerSandbox("demo", KindDocker, runtimeBin)

	if err := sandbox.Resume(context.Background()); err == nil {
		t.Fatal("Resume on a non-podman runtime should fail")
	}
}
