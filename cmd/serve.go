package cmd

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	"github.com/btt-go/btt-sync/internal/app"
)

func newRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}

func newNodeCmd() *cobra.Command {
	var name string
	c := &cobra.Command{
		Use:   "node",
		Short: "Run a config node",
		Long: `Registers this machine in the fleet, writes configuration published to its
listener path into the local directory, and hot-reloads local resources.
Runs until interrupted.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if name != "" {
				cfg.Node.Name = name
			}
			node, err := app.NewNode(cfg, newRegistry())
			if err != nil {
				return fmt.Errorf("failed to initialize node: %w", err)
			}
			return node.Run(cmd.Context())
		},
	}
	c.Flags().StringVar(&name, "name", "", "Node name, overrides node.name")
	return c
}

func newManagerCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "manager",
		Short: "Run the publishing manager with its HTTP admin API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			mgr, err := app.NewManager(cfg, newRegistry())
			if err != nil {
				return fmt.Errorf("failed to initialize manager: %w", err)
			}
			return mgr.Run(cmd.Context())
		},
	}
}
