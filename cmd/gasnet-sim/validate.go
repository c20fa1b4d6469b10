package main

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/signalsfoundry/gasnet-twin/core/control"
	"github.com/signalsfoundry/gasnet-twin/internal/config"
	"github.com/signalsfoundry/gasnet-twin/internal/netfile"
)

func newValidateCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Check the config and network files",
		Long:  `Loads the config and every network file, then reports entity counts and controller placement per network.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if _, err := config.Load(root.configPath); err != nil {
				return err
			}
			lib, err := netfile.LoadPaths(root.networks...)
			if err != nil {
				return err
			}
			return describe(cmd.OutOrStdout(), lib)
		},
	}
}

func describe(w io.Writer, lib *netfile.Library) error {
	for _, name := range lib.Catalog.Names() {
		store, err := lib.Catalog.Topology(name)
		if err != nil {
			return err
		}
		controllers, err := control.Place(store.Snapshot(), lib.Scenarios[name].Placement)
		if err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
		fmt.Fprintf(w, "%s: %d nodes, %d pipes, %d valves, %d compressors, %d scheduled commands\n",
			name,
			len(store.ListNodes()),
			len(store.ListPipes()),
			len(store.ListValves()),
			len(store.ListCompressors()),
			len(lib.Scenarios[name].Commands),
		)
		for _, c := range controllers {
			fmt.Fprintf(w, "  %-28s on %s\n", c.ID, c.NodeID)
		}
	}
	fmt.Fprintln(w, "configuration is valid")
	return nil
}
