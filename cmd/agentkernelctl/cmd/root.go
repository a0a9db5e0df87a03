// Package cmd implements the agentkernelctl CLI: a thin wrapper around the
// supervisor's in-process sandbox API for local operation
// (create/exec/attach/stop), with no HTTP facade in between.
package cmd

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/thrashr888/agentkernel/internal/backend/statestore"
)

var dataDir string

var rootCmd = &cobra.Command{
	Use:   "agentkernelctl",
	Short: "agentkernelctl manages sandboxes from the command line",
	Long: `agentkernelctl is a command-line tool for creating and driving
sandboxes directly, without going through a running supervisor process.

It provides commands to create sandboxes, run and exec commands inside
them, attach an interactive shell, and stop them.`,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&dataDir, "data-dir", getEnvOrDefault("AGENTKERNEL_DATA_DIR", "/var/lib/agentkernel"), "agentkernel data directory")
}

func getEnvOrDefault(key, defaultValue string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultValue
}

func openStateStore() (*statestore.JSONStore, error) {
	return statestore.NewJSONStore(dataDir)
}
