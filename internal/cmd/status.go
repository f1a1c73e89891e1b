package cmd

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/petrijr/flowgrid/pkg/api"
)

func newStatusCommand(env *environment) *cobra.Command {
	var (
		definition string
		status     string
	)
	cmd := &cobra.Command{
		Use:   "status [INSTANCE_ID]",
		Short: "Show one workflow instance, or list instances",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := env.client(cmd)
			if err != nil {
				return err
			}
			if len(args) == 1 {
				inst, err := client.GetWorkflowStatus(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				return printInstance(cmd.OutOrStdout(), inst)
			}

			list, err := client.ListInstances(cmd.Context(), api.InstanceListOptions{
				DefinitionID: definition,
				Status:       api.Status(strings.ToUpper(status)),
			})
			if err != nil {
				return err
			}
			return printInstances(cmd.OutOrStdout(), list)
		},
	}
	cmd.Flags().StringVar(&definition, "definition", "", "only instances of this definition")
	cmd.Flags().StringVar(&status, "status", "", "only instances in this status")
	return cmd
}

func printInstances(w io.Writer, list []*api.WorkflowInstance) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tDEFINITION\tVERSION\tSTATUS\tUPDATED")
	for _, inst := range list {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n",
			inst.ID, inst.DefinitionID, inst.Version, inst.Status, inst.UpdatedAt.Format(time.RFC3339))
	}
	return tw.Flush()
}

func printInstance(w io.Writer, inst *api.WorkflowInstance) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintf(tw, "ID:\t%s\n", inst.ID)
	fmt.Fprintf(tw, "Definition:\t%s@%s\n", inst.DefinitionID, inst.Version)
	fmt.Fprintf(tw, "Status:\t%s\n", inst.Status)
	if inst.Reason != "" {
		fmt.Fprintf(tw, "Reason:\t%s\n", inst.Reason)
	}
	if !inst.Deadline.IsZero() {
		fmt.Fprintf(tw, "Deadline:\t%s\n", inst.Deadline.Format(time.RFC3339))
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	ids := make([]string, 0, len(inst.Steps))
	for id := range inst.Steps {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	fmt.Fprintln(w)
	tw = tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "STEP\tSTATUS\tDETAIL")
	for _, id := range ids {
		s := inst.Steps[id]
		detail := s.Error
		if s.CompensatedBy != "" {
			detail = strings.TrimSpace(detail + " (compensated by " + s.CompensatedBy + ")")
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\n", id, s.Status, detail)
	}
	return tw.Flush()
}
