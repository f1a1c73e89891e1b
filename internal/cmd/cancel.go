package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newCancelCommand(env *environment) *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "cancel INSTANCE_ID",
		Short: "Cancel a running workflow instance",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := env.client(cmd)
			if err != nil {
				return err
			}
			if err := client.CancelWorkflow(cmd.Context(), args[0], reason); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "cancelled %s\n", args[0])
			return nil
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "cancelled from command line", "reason recorded on the instance")
	return cmd
}
