// Package firecracker drives Firecracker microVMs: spawning the firecracker
// binary, configuring it over its HTTP-over-UDS API, and bridging commands
// to the in-guest agent over vsock.
package firecracker

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/thrashr888/agentkernel/internal/guestagent"
	"github.com/thrashr888/agentkernel/internal/transport"
)

// bootArgsTemplate is the fixed kernel command line every VM boots with,
// per the boot procedure.
const bootArgsTemplate = "console=ttyS0 reboot=k panic=1 pci=off root=/dev/vda rw init=/init quiet loglevel=4 i8042.nokbd i8042.noaux"

const (
	apiSocketWait     = 5 * time.Second
	apiSocketPoll     = 100 * time.Millisecond
	agentReadyWait    = 10 * time.Second
	agentReadyPoll    = 100 * time.Millisecond
	shutdownGrace     = 500 * time.Millisecond
	minGuestCID       = 3
	cidCollisionBase  = 100
)

// VM represents one running (or starting) microVM and everything needed
// to reach its guest agent and tear it down.
type VM struct {
	ID         string
	KernelPath string
	RootfsPath string
	VCPUs      int
	MemoryMB   int

	apiSockPath string
	vsockPath   string
	guestCID    uint32
	sandboxDir  string
	bootArgs    string

	cmd      *exec.Cmd
	fcClient *FirecrackerClient
	session  *transport.Session

	mu        sync.Mutex
	running   bool
}

// Config holds the driver's own configuration: where to find the
// firecracker binary, kernels, and per-VM scratch space.
type Config struct {
	DataDir        string
	KernelPath     string
	FirecrackerBin string
}

// Manager boots and tracks Firecracker microVMs.
type Manager struct {
	cfg    Config
	images *ImageCache

	mu  sync.Mutex
	vms map[string]*VM
}

// NewManager resolves the firecracker binary per the locate order (env var,
// user-local paths, system paths, then PATH) and returns a ready Manager.
// If AGENTKERNEL_IMAGES_S3_BUCKET is set, missing rootfs artifacts are
// pulled through from that bucket on first use.
func NewManager(cfg Config) (*Manager, error) {
	if cfg.DataDir == "" {
		return nil, fmt.Errorf("firecracker: DataDir is required")
	}
	bin, err := resolveFirecrackerBin(cfg.FirecrackerBin)
	if err != nil {
		return nil, err
	}
	cfg.FirecrackerBin = bin

	images, err := NewImageCache(context.Background(), bucketFromEnv())
	if err != nil {
		return nil, err
	}

	return &Manager{cfg: cfg, images: images, vms: make(map[string]*VM)}, nil
}

// EnsureRootfs resolves filename to a local path under imagesDir, pulling
// it through the configured S3 image cache if it isn't present yet.
func (m *Manager) EnsureRootfs(ctx context.Context, imagesDir, filename string) (string, error) {
	return m.images.EnsureLocal(ctx, imagesDir, filename)
}

// resolveFirecrackerBin locates the firecracker binary: FIRECRACKER_BIN,
// $HOME/.local/bin/firecracker, $HOME/.local/share/agentkernel/bin/firecracker,
// common system paths, then PATH.
func resolveFirecrackerBin(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err == nil {
			return explicit, nil
		}
	}
	if p := os.Getenv("FIRECRACKER_BIN"); p != "" {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	home, _ := os.UserHomeDir()
	candidates := []string{}
	if home != "" {
		candidates = append(candidates,
			filepath.Join(home, ".local", "bin", "firecracker"),
			filepath.Join(home, ".local", "share", "agentkernel", "bin", "firecracker"),
		)
	}
	candidates = append(candidates,
		"/usr/local/bin/firecracker",
		"/usr/bin/firecracker",
	)
	for _, c := range candidates {
		if _, err := os.Stat(c); err == nil {
			return c, nil
		}
	}

	if p, err := exec.LookPath("firecracker"); err == nil {
		return p, nil
	}
	return "", fmt.Errorf("firecracker: binary not found (checked FIRECRACKER_BIN, user-local paths, system paths, PATH)")
}

// allocateCID returns a guest CID that is >= 3 and collision-resistant
// across concurrently booting VMs on this host: a base offset of 100 plus
// a timestamp-derived component, as the boot procedure requires.
func allocateCID() uint32 {
	offset := uint32(time.Now().UnixNano() % 1_000_000)
	cid := uint32(cidCollisionBase) + offset
	if cid < minGuestCID {
		cid = minGuestCID
	}
	return cid
}

// BootSpec describes the microVM to boot: a prepared rootfs image, vCPU
// and memory allotment. Rootfs preparation (image resolution, copy) is the
// caller's responsibility (see internal/backend's runtime-tag mapping).
type BootSpec struct {
	ID         string
	RootfsPath string
	VCPUs      int
	MemoryMB   int
}

// Boot executes the startup procedure in order: spawn the firecracker
// process, wait for its API socket, configure boot source/drive/machine
// config/vsock, start the instance, then wait for the guest agent to
// respond to Ping.
func (m *Manager) Boot(ctx context.Context, spec BootSpec) (*VM, error) {
	sandboxDir := filepath.Join(m.cfg.DataDir, "sandboxes", spec.ID)
	if err := os.MkdirAll(sandboxDir, 0o755); err != nil {
		return nil, fmt.Errorf("firecracker: mkdir sandbox dir: %w", err)
	}

	apiSockPath := filepath.Join(sandboxDir, "firecracker.sock")
	vsockPath := filepath.Join(sandboxDir, "vsock.sock")
	os.Remove(apiSockPath)
	os.Remove(vsockPath)

	logPath := filepath.Join(sandboxDir, "firecracker.log")
	logFile, err := os.Create(logPath)
	if err != nil {
		os.RemoveAll(sandboxDir)
		return nil, fmt.Errorf("firecracker: create log file: %w", err)
	}
	defer logFile.Close()

	// Not CommandContext: the VM must outlive the boot context, and the
	// failure paths below kill the process explicitly.
	cmd := exec.Command(m.cfg.FirecrackerBin, "--api-sock", apiSockPath)
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	if err := cmd.Start(); err != nil {
		os.RemoveAll(sandboxDir)
		return nil, fmt.Errorf("firecracker: start process: %w", err)
	}

	vm := &VM{
		ID:          spec.ID,
		KernelPath:  m.cfg.KernelPath,
		RootfsPath:  spec.RootfsPath,
		VCPUs:       spec.VCPUs,
		MemoryMB:    spec.MemoryMB,
		apiSockPath: apiSockPath,
		vsockPath:   vsockPath,
		sandboxDir:  sandboxDir,
		bootArgs:    bootArgsTemplate,
		cmd:         cmd,
		guestCID:    allocateCID(),
	}

	if err := m.configureAndStart(ctx, vm); err != nil {
		killProcess(cmd)
		os.RemoveAll(sandboxDir)
		return nil, err
	}

	vm.session = transport.NewSession(func(ctx context.Context) (*transport.Conn, error) {
		return transport.DialFirecrackerUDS(ctx, vsockPath, guestagent.DefaultPort)
	})

	if err := m.waitForAgent(ctx, vm); err != nil {
		killProcess(cmd)
		os.RemoveAll(sandboxDir)
		return nil, fmt.Errorf("firecracker: agent not ready: %w", err)
	}

	vm.mu.Lock()
	vm.running = true
	vm.mu.Unlock()

	m.mu.Lock()
	m.vms[spec.ID] = vm
	m.mu.Unlock()

	log.Printf("firecracker: booted vm %s (cid=%d, vcpus=%d, mem=%dMB)", spec.ID, vm.guestCID, spec.VCPUs, spec.MemoryMB)
	return vm, nil
}

func (m *Manager) configureAndStart(ctx context.Context, vm *VM) error {
	fcClient := NewFirecrackerClient(vm.apiSockPath)
	if err := fcClient.WaitForSocket(apiSocketWait); err != nil {
		return fmt.Errorf("firecracker: wait for api socket: %w", err)
	}
	vm.fcClient = fcClient

	if err := fcClient.PutBootSource(vm.KernelPath, vm.bootArgs); err != nil {
		return fmt.Errorf("firecracker: put boot source: %w", err)
	}
	if err := fcClient.PutDrive("rootfs", vm.RootfsPath, true, false); err != nil {
		return fmt.Errorf("firecracker: put rootfs drive: %w", err)
	}
	if err := fcClient.PutMachineConfig(vm.VCPUs, vm.MemoryMB); err != nil {
		return fmt.Errorf("firecracker: put machine config: %w", err)
	}
	if err := fcClient.PutVsock(vm.guestCID, vm.vsockPath); err != nil {
		return fmt.Errorf("firecracker: put vsock: %w", err)
	}
	if err := fcClient.StartInstance(); err != nil {
		return fmt.Errorf("firecracker: start instance: %w", err)
	}
	return nil
}

// waitForAgent polls the guest agent with Ping until it responds or the
// readiness timeout elapses.
func (m *Manager) waitForAgent(ctx context.Context, vm *VM) error {
	deadline := time.Now().Add(agentReadyWait)
	var lastErr error
	for time.Now().Before(deadline) {
		pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		var resp guestagent.AgentResponse
		err := vm.session.Call(pingCtx, guestagent.AgentRequest{ID: "boot-ping", Type: guestagent.RequestPing}, &resp)
		cancel()
		if err == nil {
			return nil
		}
		lastErr = err
		time.Sleep(agentReadyPoll)
	}
	return fmt.Errorf("timed out after %v: %w", agentReadyWait, lastErr)
}

// Call performs one request/response round trip against the guest agent,
// for operations (file I/O, shell sessions) that don't fit the narrower
// Exec signature.
func (vm *VM) Call(ctx context.Context, req guestagent.AgentRequest) (guestagent.AgentResponse, error) {
	var resp guestagent.AgentResponse
	if err := vm.session.Call(ctx, req, &resp); err != nil {
		return guestagent.AgentResponse{}, fmt.Errorf("firecracker: agent call: %w", err)
	}
	return resp, nil
}

// Exec runs a command inside the VM via the guest agent over vsock.
func (vm *VM) Exec(ctx context.Context, command []string, cwd string, env map[string]string) (int, string, string, error) {
	var resp guestagent.AgentResponse
	req := guestagent.AgentRequest{ID: uuid.NewString(), Type: guestagent.RequestRun, Command: command, Cwd: cwd, Env: env}
	if err := vm.session.Call(ctx, req, &resp); err != nil {
		return 0, "", "", fmt.Errorf("firecracker: exec: %w", err)
	}
	if resp.Error != "" {
		return 0, "", "", fmt.Errorf("firecracker: guest agent: %s", resp.Error)
	}
	code := -1
	if resp.ExitCode != nil {
		code = *resp.ExitCode
	}
	return code, resp.Stdout, resp.Stderr, nil
}

// Stop runs the shutdown sequence: request a graceful halt via the
// Firecracker actions API, wait 500ms, then kill the process if it is
// still alive. Both Unix sockets are removed unconditionally afterward.
func (vm *VM) Stop() error {
	vm.mu.Lock()
	defer vm.mu.Unlock()
	if !vm.running {
		return nil
	}
	vm.running = false

	if vm.session != nil {
		_ = vm.session.Close()
	}
	if vm.fcClient != nil {
		_ = vm.fcClient.doRequest("PUT", "/actions", map[string]string{"action_type": "SendCtrlAltDel"})
	}
	time.Sleep(shutdownGrace)
	if vm.cmd != nil && vm.cmd.Process != nil {
		if vm.cmd.ProcessState == nil {
			_ = vm.cmd.Process.Kill()
		}
		_ = vm.cmd.Wait()
	}

	os.Remove(vm.apiSockPath)
	os.Remove(vm.vsockPath)
	return nil
}

// IsRunning reports whether the VM is tracked as live. It never performs
// I/O beyond an in-memory flag check.
func (vm *VM) IsRunning() bool {
	vm.mu.Lock()
	defer vm.mu.Unlock()
	return vm.running
}

func (m *Manager) Get(id string) (*VM, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	vm, ok := m.vms[id]
	return vm, ok
}

func (m *Manager) Remove(id string) {
	m.mu.Lock()
	delete(m.vms, id)
	m.mu.Unlock()
}

func killProcess(cmd *exec.Cmd) {
	if cmd.Process != nil {
		_ = cmd.Process.Kill()
		_ = cmd.Wait()
	}
}

