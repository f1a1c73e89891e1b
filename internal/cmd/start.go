package cmd

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func newStartCommand(env *environment) *cobra.Command {
	var (
		version   string
		input     string
		inputFile string
	)
	cmd := &cobra.Command{
		Use:   "start DEFINITION_ID",
		Short: "Start a workflow instance and print its id",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if input != "" && inputFile != "" {
				return errors.New("--input and --input-file are mutually exclusive")
			}
			raw := []byte(input)
			if inputFile != "" {
				var err error
				if raw, err = os.ReadFile(inputFile); err != nil {
					return err
				}
			}
			if len(raw) > 0 && !json.Valid(raw) {
				return errors.New("input is not valid JSON")
			}

			client, err := env.client(cmd)
			if err != nil {
				return err
			}
			id, err := client.StartWorkflow(cmd.Context(), args[0], version, raw)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), id)
			return nil
		},
	}
	flags := cmd.Flags()
	flags.StringVar(&version, "version", "", "definition version (latest when empty)")
	flags.StringVar(&input, "input", "", "workflow input as JSON")
	flags.StringVar(&inputFile, "input-file", "", "file holding the workflow input as JSON")
	return cmd
}
