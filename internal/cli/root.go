// Package cli implements the taskloop command-line interface using Cobra.
// serve runs the orchestrator; most other commands talk to a running
// server over its HTTP API.
package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/aristath/taskloop/internal/client"
	"github.com/aristath/taskloop/internal/config"
)

// globalOptions are the persistent flags shared by every command.
type globalOptions struct {
	configPath string
	server     string
}

// loadConfig reads the global config merged with --config, or with the
// project config when the flag is unset.
func (o *globalOptions) loadConfig() (*config.Config, error) {
	if o.configPath != "" {
		return config.Load(config.GlobalPath(), o.configPath)
	}
	return config.LoadDefault()
}

// client connects to --server, falling back to the configured address.
func (o *globalOptions) client() (*client.Client, error) {
	if o.server != "" {
		return client.New(o.server), nil
	}
	cfg, err := o.loadConfig()
	if err != nil {
		return nil, err
	}
	return client.New(cfg.Server.Addr), nil
}

// NewRootCommand builds the command tree.
func NewRootCommand() *cobra.Command {
	opts := &globalOptions{}

	root := &cobra.Command{
		Use:   "taskloop",
		Short: "Dependency-aware task orchestrator with a critique-driven correctness loop",
		Long: `taskloop runs batches of agent tasks in dependency order.
Critique tasks review finished work; a failing verdict sends the reviewed
tasks back with feedback until they pass or the retry budget runs out.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&opts.configPath, "config", "", "config file (default .taskloop/config.json)")
	root.PersistentFlags().StringVar(&opts.server, "server", "", "API address of a running server (default from config)")

	root.AddCommand(
		newServeCommand(opts),
		newSubmitCommand(opts),
		newValidateCommand(opts),
		newTasksCommand(opts),
		newTaskCommand(opts),
		newCancelCommand(opts),
		newResubmitCommand(opts),
		newSchemaCommand(),
		newConfigCommand(opts),
	)
	return root
}

// Execute runs the root command. Called from main.go.
func Execute(version string) {
	root := NewRootCommand()
	root.Version = version

	if err := root.Execute(); err != nil {
		printError(os.Stderr, err)
		os.Exit(1)
	}
}

func printError(w *os.File, err error) {
	fmt.Fprintln(w, errorColor.Sprint("Error:"), err)
}
