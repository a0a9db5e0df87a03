package cmd

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/thrashr888/agentkernel/internal/backend"
	"github.com/thrashr888/agentkernel/internal/backend/statestore"
	"github.com/thrashr888/agentkernel/internal/firecracker"
)

var sandboxCmd = &cobra.Command{
	Use:     "sandbox",
	Aliases: []string{"sb"},
	Short:   "Manage sandboxes",
	Long:    `Create, list, inspect, and stop sandboxes.`,
}

var createCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a new sandbox and register it in the local state store",
	Long: `Create a new sandbox and register it in the local state store.

Container and Apple sandboxes are backed by an external runtime (docker,
podman, container) and can be exec'd/attached/stopped from any later
agentkernelctl invocation by name. Firecracker microVMs live only inside
the process that booted them; once this command exits the VM is torn
down. Use "agentkernelctl run" for a single-invocation Firecracker
create+exec+stop lifecycle.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		kindFlag, _ := cmd.Flags().GetString("backend")
		image, _ := cmd.Flags().GetString("image")
		vcpus, _ := cmd.Flags().GetInt("vcpus")
		memory, _ := cmd.Flags().GetInt("memory")
		network, _ := cmd.Flags().GetBool("network")
		name, _ := cmd.Flags().GetString("name")

		kind := backend.Kind(kindFlag)
		if kind == "" {
			kind = backend.DetectBest()
		}
		if name == "" {
			name = "sbx-" + uuid.NewString()
		}

		cfg := backend.DefaultConfig()
		if image != "" {
			cfg.Image = image
		}
		if vcpus > 0 {
			cfg.VCPUs = vcpus
		}
		if memory > 0 {
			cfg.MemoryMB = memory
		}
		cfg.Network = network

		ctx, cancel := context.WithTimeout(context.Background(), 120*time.Second)
		defer cancel()

		sb, err := newSandbox(kind, name)
		if err != nil {
			return err
		}
		if err := sb.Start(ctx, cfg); err != nil {
			return fmt.Errorf("failed to start sandbox: %w", err)
		}

		store, err := openStateStore()
		if err != nil {
			return err
		}
		defer store.Close()

		if err := store.Put(ctx, statestore.SandboxState{
			Name:      name,
			Kind:      string(kind),
			Image:     cfg.Image,
			VCPUs:     cfg.VCPUs,
			MemoryMB:  cfg.MemoryMB,
			CreatedAt: time.Now(),
		}); err != nil {
			return fmt.Errorf("failed to record sandbox state: %w", err)
		}

		fmt.Printf("✓ Sandbox created: %s\n", name)
		fmt.Printf("  Backend: %s\n", kind)
		fmt.Printf("  Image:   %s\n", cfg.Image)
		return nil
	},
}

var listCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ls"},
	Short:   "List all known sandboxes",
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openStateStore()
		if err != nil {
			return err
		}
		defer store.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		states, err := store.List(ctx)
		if err != nil {
			return fmt.Errorf("failed to list sandboxes: %w", err)
		}
		if len(states) == 0 {
			fmt.Println("No sandboxes found")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "NAME\tBACKEND\tIMAGE\tVCPUS\tMEMORY\tCREATED")
		for _, s := range states {
			fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%d\t%s\n",
				s.Name, s.Kind, s.Image, s.VCPUs, s.MemoryMB, s.CreatedAt.Format(time.RFC3339))
		}
		w.Flush()
		return nil
	},
}

var stopCmd = &cobra.Command{
	Use:     "stop <name>",
	Aliases: []string{"rm", "kill"},
	Short:   "Stop a sandbox and remove its state record",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		name := args[0]

		store, err := openStateStore()
		if err != nil {
			return err
		}
		defer store.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
		defer cancel()

		state, err := store.Get(ctx, name)
		if err != nil {
			return fmt.Errorf("failed to look up sandbox %s: %w", name, err)
		}

		sb, err := newSandbox(backend.Kind(state.Kind), state.Name)
		if err != nil {
			return err
		}
		if err := sb.Stop(ctx); err != nil {
			return fmt.Errorf("failed to stop sandbox: %w", err)
		}
		if err := store.Delete(ctx, name); err != nil {
			return fmt.Errorf("failed to remove sandbox record: %w", err)
		}

		fmt.Printf("✓ Sandbox %s stopped\n", name)
		return nil
	},
}

var hibernateCmd = &cobra.Command{
	Use:   "hibernate <name>",
	Short: "Checkpoint a Podman sandbox to disk and free its runtime resources",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		name := args[0]

		store, err := openStateStore()
		if err != nil {
			return err
		}
		defer store.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 120*time.Second)
		defer cancel()

		state, err := store.Get(ctx, name)
		if err != nil {
			return fmt.Errorf("failed to look up sandbox %s: %w", name, err)
		}

		sb, err := newSandbox(backend.Kind(state.Kind), state.Name)
		if err != nil {
			return err
		}
		cs, ok := sb.(*backend.ContainerSandbox)
		if !ok {
			return fmt.Errorf("hibernate is only supported for podman-backed sandboxes, %s is %s", name, state.Kind)
		}
		if err := cs.Hibernate(ctx); err != nil {
			return fmt.Errorf("failed to hibernate sandbox %s: %w", name, err)
		}
		fmt.Printf("✓ Sandbox %s hibernated\n", name)
		return nil
	},
}

var resumeCmd = &cobra.Command{
	Use:   "resume <name>",
	Short: "Restore a hibernated Podman sandbox from its checkpoint",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		name := args[0]

		store, err := openStateStore()
		if err != nil {
			return err
		}
		defer store.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 120*time.Second)
		defer cancel()

		state, err := store.Get(ctx, name)
		if err != nil {
			return fmt.Errorf("failed to look up sandbox %s: %w", name, err)
		}

		sb, err := newSandbox(backend.Kind(state.Kind), state.Name)
		if err != nil {
			return err
		}
		cs, ok := sb.(*backend.ContainerSandbox)
		if !ok {
			return fmt.Errorf("resume is only supported for podman-backed sandboxes, %s is %s", name, state.Kind)
		}
		if err := cs.Resume(ctx); err != nil {
			return fmt.Errorf("failed to resume sandbox %s: %w", name, err)
		}
		fmt.Printf("✓ Sandbox %s resumed\n", name)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(sandboxCmd)

	sandboxCmd.AddCommand(createCmd)
	sandboxCmd.AddCommand(listCmd)
	sandboxCmd.AddCommand(stopCmd)
	sandboxCmd.AddCommand(hibernateCmd)
	sandboxCmd.AddCommand(resumeCmd)

	createCmd.Flags().String("backend", "", "backend kind (docker, podman, apple, firecracker); default: auto-detect")
	createCmd.Flags().String("name", "", "sandbox name; default: a generated UUID-based name")
	createCmd.Flags().String("image", "", "image reference (container backends) or runtime tag (firecracker)")
	createCmd.Flags().Int("vcpus", 0, "vCPU count")
	createCmd.Flags().Int("memory", 0, "memory in MB")
	createCmd.Flags().Bool("network", true, "enable networking")
}

// newSandbox constructs an unstarted or freshly-reattached backend.Sandbox
// handle for kind/name. Container and Apple handles are stateless wrappers
// around an external runtime's own record (docker ps, container list) so
// reattaching across process invocations works by name alone. Firecracker
// VMs are only reachable from the process that booted them; see attach.go.
func newSandbox(kind backend.Kind, name string) (backend.Sandbox, error) {
	switch kind {
	case backend.KindDocker, backend.KindPodman:
		return backend.NewContainerSandbox(name, kind, string(kind)), nil
	case backend.KindApple:
		return backend.NewAppleSandbox(name), nil
	case backend.KindFirecracker:
		mgr, err := newFirecrackerManager()
		if err != nil {
			return nil, err
		}
		return backend.NewFirecrackerSandbox(name, mgr, getEnvOrDefault("AGENTKERNEL_IMAGES_DIR", "")), nil
	default:
		return nil, fmt.Errorf("unsupported backend kind %q", kind)
	}
}

func newFirecrackerManager() (*firecracker.Manager, error) {
	return firecracker.NewManager(firecracker.Config{
		DataDir:        getEnvOrDefault("AGENTKERNEL_DATA_DIR", dataDir),
		KernelPath:     os.Getenv("AGENTKERNEL_KERNEL_PATH"),
		FirecrackerBin: getEnvOrDefault("FIRECRACKER_BIN", "firecracker"),
	})
}
