package cmd

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

func newNodesCommand(env *environment) *cobra.Command {
	return &cobra.Command{
		Use:   "nodes",
		Short: "List the active cluster members",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := env.client(cmd)
			if err != nil {
				return err
			}
			nodes, err := client.ListActive(cmd.Context())
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tSTATUS\tCAPACITY\tLAST HEARTBEAT")
			for _, n := range nodes {
				fmt.Fprintf(tw, "%s\t%s\t%d\t%s\n", n.ID, n.Status, n.Capacity, n.LastHeartbeatAt.Format(time.RFC3339))
			}
			return tw.Flush()
		},
	}
}
