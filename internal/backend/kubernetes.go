package backend

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"os"
	"os/exec"
	"regexp"
	"strings"
)

var k8sNameSanitizer = regexp.MustCompile(`[^a-z0-9-]+`)

func sanitizeK8sName(name string) string {
	s := strings.ToLower(name)
	s = k8sNameSanitizer.ReplaceAllString(s, "-")
	return strings.Trim(s, "-")
}

// KubernetesSandbox runs one sandbox as a single-container Pod with a
// restricted non-root security context. exec is driven through `kubectl
// exec` (itself a WebSocket attach under the hood); file I/O is base64
// piped through `sh -c`, since there is no `kubectl cp`-equivalent that
// avoids a shell on the remote side.
type KubernetesSandbox struct {
	name      string
	namespace string
	state     *StateMachine
	cfg       Config
}

var _ Sandbox = (*KubernetesSandbox)(nil)

func NewKubernetesSandbox(name, namespace string) *KubernetesSandbox {
	if namespace == "" {
		namespace = "default"
	}
	return &KubernetesSandbox{name: name, namespace: namespace, state: NewStateMachine()}
}

func (k *KubernetesSandbox) Name() string { return k.name }
func (k *KubernetesSandbox) Kind() Kind   { return KindKubernetes }

func (k *KubernetesSandbox) podName() string { return "agentkernel-" + sanitizeK8sName(k.name) }

func (k *KubernetesSandbox) Start(ctx context.Context, cfg Config) error {
	if err := k.state.Transition(StateStarting); err != nil {
		return err
	}
	k.cfg = cfg

	manifest := k.podManifest(cfg)
	if _, err := k.kubectlStdin(ctx, manifest, "apply", "-n", k.namespace, "-f", "-"); err != nil {
		k.state.Transition(StateFailed)
		return fmt.Errorf("backend: kubernetes apply pod: %w", err)
	}

	if !cfg.Network {
		policy := k.networkPolicyManifest()
		if _, err := k.kubectlStdin(ctx, policy, "apply", "-n", k.namespace, "-f", "-"); err != nil {
			k.state.Transition(StateFailed)
			return fmt.Errorf("backend: kubernetes apply network policy: %w", err)
		}
	}

	if err := injectFilesDefault(ctx, k, cfg.Files); err != nil {
		_ = k.Stop(ctx)
		k.state.Transition(StateFailed)
		return err
	}
	return k.state.Transition(StateRunning)
}

func (k *KubernetesSandbox) podManifest(cfg Config) string {
	return fmt.Sprintf(`apiVersion: v1
kind: Pod
metadata:
  name: %s
  namespace: %s
  labels:
    name: %s
spec:
  restartPolicy: Never
  securityContext:
    runAsNonRoot: true
  containers:
  - name: sandbox
    image: %s
    command: ["sh", "-c", "sleep infinity"]
    securityContext:
      allowPrivilegeEscalation: false
      capabilities:
        drop: ["ALL"]
    resources:
      requests:
        cpu: "%dm"
        memory: "%dMi"
      limits:
        cpu: "%dm"
        memory: "%dMi"
`, k.podName(), k.namespace, k.podName(), cfg.Image,
		cfg.VCPUs*1000, cfg.MemoryMB, cfg.VCPUs*1000, cfg.MemoryMB)
}

func (k *KubernetesSandbox) networkPolicyManifest() string {
	return fmt.Sprintf(`apiVersion: networking.k8s.io/v1
kind: NetworkPolicy
metadata:
  name: %s-deny-all
  namespace: %s
spec:
  podSelector:
    matchLabels:
      name: %s
  policyTypes: ["Ingress", "Egress"]
`, k.podName(), k.namespace, k.podName())
}

func (k *KubernetesSandbox) Exec(ctx context.Context, command []string) (ExecResult, error) {
	if len(command) == 0 {
		return ExecResult{}, fmt.Errorf("backend: exec requires a non-empty command")
	}
	args := append([]string{"exec", "-n", k.namespace, k.podName(), "--"}, command...)
	return k.kubectl(ctx, args...)
}

func (k *KubernetesSandbox) ExecWithEnv(ctx context.Context, command []string, env map[string]string) (ExecResult, error) {
	return execWithEnvFallback(ctx, k, command, env)
}

func (k *KubernetesSandbox) Stop(ctx context.Context) error {
	current := k.state.Current()
	if current == StateNew || current == StateStopped || current == StateFailed {
		k.state.MarkStopped()
		return nil
	}
	_, _ = k.kubectl(ctx, "delete", "pod", "-n", k.namespace, k.podName(), "--ignore-not-found", "--wait=false")
	k.state.MarkStopped()
	return nil
}

func (k *KubernetesSandbox) IsRunning(ctx context.Context) bool {
	result, err := k.kubectl(ctx, "get", "pod", "-n", k.namespace, k.podName(), "-o", "jsonpath={.status.phase}")
	if err != nil {
		return false
	}
	return strings.TrimSpace(result.Stdout) == "Running"
}

// WriteFile base64-decodes content into path via a remote shell,
// since there is no native `kubectl cp`-without-a-shell path.
func (k *KubernetesSandbox) WriteFile(ctx context.Context, path string, content []byte) error {
	if err := ValidateSandboxPath(path); err != nil {
		return err
	}
	encoded := base64.StdEncoding.EncodeToString(content)
	script := fmt.Sprintf("mkdir -p %q && echo %s | base64 -d > %q", parentDir(path), encoded, path)
	result, err := k.Exec(ctx, []string{"sh", "-c", script})
	if err != nil {
		return err
	}
	if !result.Success() {
		return fmt.Errorf("backend: kubernetes write_file: %s", strings.TrimSpace(result.Stderr))
	}
	return nil
}

func (k *KubernetesSandbox) ReadFile(ctx context.Context, path string) ([]byte, error) {
	if err := ValidateSandboxPath(path); err != nil {
		return nil, err
	}
	result, err := k.Exec(ctx, []string{"sh", "-c", "base64 " + path})
	if err != nil {
		return nil, err
	}
	if !result.Success() {
		return nil, fmt.Errorf("backend: kubernetes read_file: %s", strings.TrimSpace(result.Stderr))
	}
	return base64.StdEncoding.DecodeString(strings.TrimSpace(result.Stdout))
}

func (k *KubernetesSandbox) RemoveFile(ctx context.Context, path string) error {
	if err := ValidateSandboxPath(path); err != nil {
		return err
	}
	_, err := k.Exec(ctx, []string{"rm", "-f", path})
	return err
}

func (k *KubernetesSandbox) Mkdir(ctx context.Context, path string, recursive bool) error {
	if err := ValidateSandboxPath(path); err != nil {
		return err
	}
	args := []string{"mkdir"}
	if recursive {
		args = append(args, "-p")
	}
	args = append(args, path)
	_, err := k.Exec(ctx, args)
	return err
}

func (k *KubernetesSandbox) Attach(ctx context.Context, shell string, env map[string]string) (int, error) {
	if shell == "" {
		shell = "/bin/sh"
	}
	cmd := exec.CommandContext(ctx, "kubectl", "exec", "-it", "-n", k.namespace, k.podName(), "--", shell)
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
	return -1, fmt.Errorf("backend: kubernetes attach: %w", err)
}

func (k *KubernetesSandbox) InjectFiles(ctx context.Context, files []FileInjection) error {
	return injectFilesDefault(ctx, k, files)
}

func (k *KubernetesSandbox) kubectl(ctx context.Context, args ...string) (ExecResult, error) {
	return k.kubectlStdin(ctx, "", args...)
}

func (k *KubernetesSandbox) kubectlStdin(ctx context.Context, stdin string, args ...string) (ExecResult, error) {
	cmd := exec.CommandContext(ctx, "kubectl", args...)
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
	return result, fmt.Errorf("backend: kubectl %s: %w", strings.Join(args, " "), err)
}
