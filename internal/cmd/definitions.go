package cmd

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/petrijr/flowgrid"
)

func newDefinitionsCommand(env *environment) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "definitions",
		Aliases: []string{"defs"},
		Short:   "Register and inspect workflow definitions",
	}
	cmd.AddCommand(newApplyCommand(env), newGetDefinitionCommand(env))
	return cmd
}

func newApplyCommand(env *environment) *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "apply -f FILE",
		Short: "Register every definition in a YAML file",
		Long: `apply reads one or more YAML documents, each a workflow definition, and
registers them. "-f -" reads from stdin. Registering a definition that is
already stored under the same version is a no-op; changing it requires a new
version.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var r io.Reader = cmd.InOrStdin()
			if file != "-" {
				f, err := os.Open(file)
				if err != nil {
					return err
				}
				defer f.Close()
				r = f
			}
			defs, err := flowgrid.ParseDefinitions(r)
			if err != nil {
				return err
			}

			client, err := env.client(cmd)
			if err != nil {
				return err
			}
			for _, def := range defs {
				if err := client.RegisterDefinition(cmd.Context(), def); err != nil {
					return fmt.Errorf("register %s: %w", def.ID, err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "registered %s@%s\n", def.ID, def.Version)
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "definition file, or - for stdin")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func newGetDefinitionCommand(env *environment) *cobra.Command {
	var version string
	cmd := &cobra.Command{
		Use:   "get ID",
		Short: "Print a registered definition as YAML",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := env.client(cmd)
			if err != nil {
				return err
			}
			def, err := client.Definition(cmd.Context(), args[0], version)
			if err != nil {
				return err
			}
			out, err := flowgrid.MarshalDefinition(*def)
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(out)
			return err
		},
	}
	cmd.Flags().StringVar(&version, "version", "", "definition version (latest when empty)")
	return cmd
}
