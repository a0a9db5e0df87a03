package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/thrashr888/agentkernel/internal/backend"
	"github.com/thrashr888/agentkernel/internal/hostagent"
)

var attachCmd = &cobra.Command{
	Use:   "attach <name>",
	Short: "Attach an interactive shell to a running sandbox",
	Long: `Attach an interactive shell to a running sandbox.

Only works for backends whose state survives across process invocations
(docker, podman, apple) since the sandbox must have been created by an
earlier "agentkernelctl sandbox create". For a Firecracker microVM, use
"agentkernelctl run --attach" instead.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		name := args[0]
		shell, _ := cmd.Flags().GetString("shell")

		store, err := openStateStore()
		if err != nil {
			return err
		}
		defer store.Close()

		ctx := cmd.Context()
		lookupCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		state, err := store.Get(lookupCtx, name)
		cancel()
		if err != nil {
			return fmt.Errorf("failed to look up sandbox %s: %w", name, err)
		}
		if backend.Kind(state.Kind) == backend.KindFirecracker {
			return fmt.Errorf("attach: firecracker sandboxes don't survive process exit; use 'agentkernelctl run --attach' instead")
		}

		sb, err := newSandbox(backend.Kind(state.Kind), state.Name)
		if err != nil {
			return err
		}

		code, err := sb.Attach(ctx, shell, nil)
		if err != nil {
			return fmt.Errorf("failed to attach: %w", err)
		}
		if code != 0 {
			return fmt.Errorf("shell exited with code %d", code)
		}
		return nil
	},
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Create a sandbox, run a command or attach a shell, then stop it",
	Long: `Create a sandbox, run a command (or attach an interactive shell),
then stop it, all in one invocation. This is the only way to drive a
Firecracker microVM interactively, since its guest agent session only
exists inside the process that booted it.`,
	Args: cobra.ArbitraryArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		kindFlag, _ := cmd.Flags().GetString("backend")
		image, _ := cmd.Flags().GetString("image")
		attach, _ := cmd.Flags().GetBool("attach")
		shell, _ := cmd.Flags().GetString("shell")

		kind := backend.Kind(kindFlag)
		if kind == "" {
			kind = backend.DetectBest()
		}
		if !attach && len(args) == 0 {
			return fmt.Errorf("run: either pass a command to execute or --attach for an interactive shell")
		}

		name := "run-" + time.Now().Format("20060102-150405")
		cfg := backend.DefaultConfig()
		if image != "" {
			cfg.Image = image
		}

		sb, err := newSandbox(kind, name)
		if err != nil {
			return err
		}

		ctx := cmd.Context()
		startCtx, cancel := context.WithTimeout(ctx, 120*time.Second)
		err = sb.Start(startCtx, cfg)
		cancel()
		if err != nil {
			return fmt.Errorf("failed to start sandbox: %w", err)
		}
		defer func() {
			stopCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			_ = sb.Stop(stopCtx)
		}()

		if attach {
			return runAttach(ctx, sb, shell)
		}

		execCtx, cancel := context.WithTimeout(ctx, 120*time.Second)
		defer cancel()
		result, err := sb.Exec(execCtx, args)
		if err != nil {
			return fmt.Errorf("failed to execute command: %w", err)
		}
		if result.Stdout != "" {
			fmt.Print(result.Stdout)
		}
		if result.Stderr != "" {
			fmt.Fprint(cmd.ErrOrStderr(), result.Stderr)
		}
		if !result.Success() {
			return fmt.Errorf("command exited with code %d", result.ExitCode)
		}
		return nil
	},
}

// runAttach bridges an interactive shell for sb. Firecracker sandboxes
// drive the guest agent's Shell/ShellInput/ShellPoll/ShellClose trio
// directly (hostagent.RunShell) since Sandbox.Attach isn't supported for
// that backend; everything else uses the native Attach bridge.
func runAttach(ctx context.Context, sb backend.Sandbox, shell string) error {
	if fc, ok := sb.(*backend.FirecrackerSandbox); ok {
		code, err := hostagent.RunShell(ctx, fc, shell, nil)
		if err != nil {
			return fmt.Errorf("failed to attach: %w", err)
		}
		if code != 0 {
			return fmt.Errorf("shell exited with code %d", code)
		}
		return nil
	}

	code, err := sb.Attach(ctx, shell, nil)
	if err != nil {
		return fmt.Errorf("failed to attach: %w", err)
	}
	if code != 0 {
		return fmt.Errorf("shell exited with code %d", code)
	}
	return nil
}

func init() {
	rootCmd.AddCommand(attachCmd)
	rootCmd.AddCommand(runCmd)

	attachCmd.Flags().String("shell", "", "shell binary to attach (default: /bin/sh)")

	runCmd.Flags().String("backend", "", "backend kind (docker, podman, apple, firecracker); default: auto-detect")
	runCmd.Flags().String("image", "", "image reference (container backends) or runtime tag (firecracker)")
	runCmd.Flags().Bool("attach", false, "attach an interactive shell instead of running a one-shot command")
	runCmd.Flags().String("shell", "", "shell binary to attach (default: /bin/sh)")
	runCmd.Flags().SetInterspersed(false)
}
