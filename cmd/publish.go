package cmd

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/btt-go/btt-sync/internal/app"
	"github.com/btt-go/btt-sync/internal/publish"
)

func newPublishCmd() *cobra.Command {
	var node string
	c := &cobra.Command{
		Use:   "publish <add|update|delete> <resource>",
		Short: "Publish one resource from publish.sourceDir, or delete it remotely",
		Example: `  btt-sync publish add order --node node-1
  btt-sync publish delete order.properties`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			action, err := publish.ParseAction(args[0])
			if err != nil {
				return err
			}
			mgr, err := app.NewManager(cfg, nil)
			if err != nil {
				return err
			}
			defer mgr.Close()

			msg, err := mgr.Gateway().Publish(cmd.Context(), publish.Request{
				Action:       action,
				ResourceName: args[1],
				Node:         node,
			})
			fmt.Fprintln(cmd.OutOrStdout(), msg)
			return err
		},
	}
	c.Flags().StringVar(&node, "node", "", "Target listener path, defaults to publish.defaultListener")
	return c
}

func newMembersCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "members",
		Short: "List registered nodes",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			mgr, err := app.NewManager(cfg, nil)
			if err != nil {
				return err
			}
			defer mgr.Close()

			members, err := mgr.Fleet().Members(cmd.Context())
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(members)
		},
	}
}
