// Package cmd implements the flowgrid command line.
package cmd

import (
	"log/slog"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/petrijr/flowgrid/internal/config"
	"github.com/petrijr/flowgrid/internal/httpapi"
)

// Execute runs the flowgrid command line with os.Args.
func Execute() error {
	return NewRootCommand().Execute()
}

// NewRootCommand builds the command tree. Each call gets its own settings,
// so commands can be executed repeatedly in one process.
func NewRootCommand() *cobra.Command {
	settings := config.NewViper()

	root := &cobra.Command{
		Use:   "flowgrid",
		Short: "Distributed workflow orchestration",
		Long: `flowgrid runs DAG workflows over an append-only event log. The serve
command hosts the engine, task queue and cluster registry behind an HTTP API;
workers lease tasks from it and report their outcomes.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	flags := root.PersistentFlags()
	flags.StringP("config", "c", "", "config file (YAML)")
	flags.String("log-level", "", "log level: debug, info, warn, error")
	flags.String("server", "", "API server URL for client commands")
	flags.String("principal", "", "principal sent with client requests")
	_ = settings.BindPFlag("log.level", flags.Lookup("log-level"))
	_ = settings.BindPFlag("worker.server", flags.Lookup("server"))
	_ = settings.BindPFlag("worker.principal", flags.Lookup("principal"))

	env := &environment{settings: settings}
	root.AddCommand(
		newServeCommand(env),
		newWorkerCommand(env),
		newDefinitionsCommand(env),
		newStartCommand(env),
		newStatusCommand(env),
		newCancelCommand(env),
		newNodesCommand(env),
	)
	return root
}

// environment is shared by the subcommands of one command tree.
type environment struct {
	settings *viper.Viper
}

// load reads the configuration named by --config and builds the logger,
// which writes to the command's error stream.
func (e *environment) load(cmd *cobra.Command) (*config.Config, *slog.Logger, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.LoadViper(e.settings, path)
	if err != nil {
		return nil, nil, err
	}
	logger, err := cfg.Log.Logger(cmd.ErrOrStderr())
	if err != nil {
		return nil, nil, err
	}
	return cfg, logger, nil
}

// client returns an API client for the configured server.
func (e *environment) client(cmd *cobra.Command) (*httpapi.Client, error) {
	cfg, _, err := e.load(cmd)
	if err != nil {
		return nil, err
	}
	var opts []httpapi.ClientOption
	if cfg.Worker.Principal != "" {
		opts = append(opts, httpapi.WithPrincipal(cfg.Worker.Principal))
	}
	return httpapi.NewClient(cfg.Worker.Server, opts...), nil
}
