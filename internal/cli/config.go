package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/aristath/taskloop/internal/config"
)

func newConfigCommand(global *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage configuration files",
	}
	cmd.AddCommand(newConfigInitCommand(global))
	return cmd
}

func newConfigInitCommand(global *globalOptions) *cobra.Command {
	var (
		globalFile bool
		force      bool
	)
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write the default configuration",
		Long: `Write the default configuration to .taskloop/config.json, to the file
named by --config, or with --global to ~/.taskloop/config.json.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.ProjectPath()
			switch {
			case global.configPath != "":
				path = global.configPath
			case globalFile:
				path = config.GlobalPath()
				if path == "" {
					return fmt.Errorf("cannot locate home directory")
				}
			}

			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", path)
			}
			if err := config.Save(config.DefaultConfig(), path); err != nil {
				return err
			}
			successColor.Fprintf(cmd.OutOrStdout(), "wrote %s\n", path)
			return nil
		},
	}
	cmd.Flags().BoolVar(&globalFile, "global", false, "write the per-user configuration")
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")
	return cmd
}
