package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	// Version information
	version   = "dev"
	gitCommit = "unknown"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	a := &app{}

	rootCmd := &cobra.Command{
		Use:   "courier",
		Short: "Run and exercise courier listeners",
		Long: `courier runs the demo listeners of the courier messaging layer and publishes
events and calls against them. Settings come from the environment (BROKER_URL,
SERVICE_BIND_ADDRESS, LISTENER_PREFETCH, ...) and an optional config file.`,
		Version:       fmt.Sprintf("%s (commit: %s)", version, gitCommit),
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.setup()
		},
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			return a.close()
		},
	}

	rootCmd.PersistentFlags().StringVarP(&a.configFile, "config", "c", "", "config file (yaml, json or toml)")

	rootCmd.AddCommand(
		newWorkerCommand(a),
		newPublishCommand(a),
		newCallCommand(a),
		newP2PCommand(a),
	)
	return rootCmd
}
