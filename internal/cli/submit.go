package cli

import (
	"fmt"
	"io"
	"sort"

	"github.com/spf13/cobra"

	"github.com/aristath/taskloop/internal/logger"
	"github.com/aristath/taskloop/internal/scheduler"
	"github.com/aristath/taskloop/internal/skills"
)

func newSubmitCommand(global *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "submit <batch.json>",
		Short: "Submit a batch of tasks to a running server",
		Long:  "Submit a batch of tasks to a running server. Use - to read the batch from stdin.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			batch, err := readBatch(args[0])
			if err != nil {
				return err
			}
			c, err := global.client()
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			sub, err := c.SubmitBatch(cmd.Context(), batch)
			if ve, ok := scheduler.AsValidationError(err); ok {
				printViolations(out, ve)
				return fmt.Errorf("batch rejected")
			}
			if err != nil {
				return err
			}

			successColor.Fprintf(out, "created %d tasks\n", len(sub.Tasks))
			uids := make([]int, 0, len(sub.IDs))
			for uid := range sub.IDs {
				uids = append(uids, uid)
			}
			sort.Ints(uids)
			for _, uid := range uids {
				fmt.Fprintf(out, "  %d\t%s\n", uid, sub.IDs[uid])
			}
			return nil
		},
	}
}

type validateOptions struct {
	*globalOptions
	skillsDir string
}

func newValidateCommand(global *globalOptions) *cobra.Command {
	opts := &validateOptions{globalOptions: global}
	cmd := &cobra.Command{
		Use:   "validate <batch.json>",
		Short: "Check a batch offline and print its execution order",
		Long: `Resolve a batch without a server. References to persisted tasks cannot
be checked offline and are reported as missing.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			batch, err := readBatch(args[0])
			if err != nil {
				return err
			}
			return runValidate(cmd.OutOrStdout(), cmd, opts, batch)
		},
	}
	cmd.Flags().StringVar(&opts.skillsDir, "skills", "", "skills directory used to look up categories (default from config)")
	return cmd
}

func runValidate(out io.Writer, cmd *cobra.Command, opts *validateOptions, batch scheduler.Batch) error {
	resolver := scheduler.NewResolver(nil, offlineCategories(opts))
	resolved, err := resolver.Resolve(cmd.Context(), batch)
	if ve, ok := scheduler.AsValidationError(err); ok {
		printViolations(out, ve)
		return fmt.Errorf("batch rejected")
	}
	if err != nil {
		return err
	}

	byID := make(map[string]scheduler.ResolvedTask, len(resolved.Tasks))
	for _, rt := range resolved.Tasks {
		byID[rt.Task.ID] = rt
	}

	successColor.Fprintf(out, "batch is valid (%d tasks)\n", len(resolved.Tasks))
	for i, id := range resolved.Order {
		rt := byID[id]
		uid := "-"
		if rt.UniqueID != nil {
			uid = fmt.Sprint(*rt.UniqueID)
		}
		line := fmt.Sprintf("%3d. [%s] %s (%s)", i+1, uid, rt.Task.Name, rt.Task.SkillID)
		if rt.Task.ParentID != "" {
			line += dimColor.Sprint(" subtask")
		}
		fmt.Fprintln(out, line)
	}
	return nil
}

// offlineCategories uses the skills directory when it can be read. Without
// it every skill is treated as development work.
func offlineCategories(opts *validateOptions) scheduler.CategoryResolver {
	dir := opts.skillsDir
	if dir == "" {
		cfg, err := opts.loadConfig()
		if err != nil {
			return nil
		}
		dir = cfg.Skills.Dir
	}
	if dir == "" {
		return nil
	}
	registry, err := skills.NewRegistry(dir)
	if err != nil {
		logger.L.WithError(err).Debug("validating without skill categories")
		return nil
	}
	return registry
}
