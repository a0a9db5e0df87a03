package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/thrashr888/agentkernel/internal/backend"
)

var execCmd = &cobra.Command{
	Use:   "exec <name> <command> [args...]",
	Short: "Execute a command in a sandbox",
	Long: `Execute a command in a running sandbox and print its output.
Example: agentkernelctl exec mybox ls -la /workspace`,
	Args: cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		name := args[0]
		command := args[1:]

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

		result, err := sb.Exec(ctx, command)
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

var shellExecCmd = &cobra.Command{
	Use:   "shell <name> <command>",
	Short: "Execute a shell command (wrapped in /bin/sh -c) in a sandbox",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		name := args[0]
		command := []string{"/bin/sh", "-c", args[1]}

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

		result, err := sb.Exec(ctx, command)
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

func init() {
	rootCmd.AddCommand(execCmd)
	rootCmd.AddCommand(shellExecCmd)

	// Stop parsing flags after the first non-flag arg so flags meant for
	// the sandboxed command aren't interpreted by cobra.
	execCmd.Flags().SetInterspersed(false)
}
