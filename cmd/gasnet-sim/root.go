package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

type rootOptions struct {
	configPath string
	networks   []string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	root := &cobra.Command{
		Use:   "gasnet-sim",
		Short: "Gas transmission network digital twin",
		Long: `gasnet-sim runs a paced digital twin of a gas transmission network:
sensors, PLC-style controllers, actuator arbitration and a proxy physics
model, persisting every step to the configured sinks.`,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&opts.configPath, "config", "", "Path to a gasnet YAML config file")
	root.PersistentFlags().StringSliceVar(&opts.networks, "networks", []string{"configs/networks"}, "Network files or directories to load")

	root.AddCommand(
		newRunCmd(opts),
		newServeCmd(opts),
		newValidateCmd(opts),
		newCtlCmd(),
	)
	return root
}

// Execute runs the root command and exits non-zero on failure.
func Execute() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
