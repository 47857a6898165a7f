package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/aristath/taskloop/internal/persistence"
	"github.com/aristath/taskloop/internal/scheduler"
)

func newTasksCommand(global *globalOptions) *cobra.Command {
	var (
		states []string
		parent string
		limit  int
	)
	cmd := &cobra.Command{
		Use:     "tasks",
		Aliases: []string{"ls"},
		Short:   "List tasks",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			filter := persistence.ListFilter{ParentID: parent, Limit: limit}
			for _, name := range states {
				state, err := scheduler.ParseTaskState(strings.TrimSpace(name))
				if err != nil {
					return err
				}
				filter.States = append(filter.States, state)
			}

			c, err := global.client()
			if err != nil {
				return err
			}
			tasks, err := c.ListTasks(cmd.Context(), filter)
			if err != nil {
				return err
			}
			if len(tasks) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No tasks.")
				return nil
			}
			return printTaskTable(cmd.OutOrStdout(), tasks)
		},
	}
	cmd.Flags().StringSliceVar(&states, "state", nil, "only tasks in these states (planned, ready, running, succeeded, failed, cancelled)")
	cmd.Flags().StringVar(&parent, "parent", "", "only sub-tasks of this task")
	cmd.Flags().IntVar(&limit, "limit", 0, "maximum number of tasks")
	return cmd
}

func newTaskCommand(global *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "task <id>",
		Short: "Show a task with its feedback and history",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := global.client()
			if err != nil {
				return err
			}
			ctx := cmd.Context()

			task, err := c.GetTask(ctx, args[0])
			if err != nil {
				return err
			}
			feedback, err := c.Feedback(ctx, task.ID)
			if err != nil {
				return err
			}
			history, err := c.Events(ctx, task.ID)
			if err != nil {
				return err
			}
			printTask(cmd.OutOrStdout(), task, feedback, history)
			return nil
		},
	}
}

func newCancelCommand(global *globalOptions) *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "cancel <id>",
		Short: "Cancel a task together with its sub-tasks and dependents",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := global.client()
			if err != nil {
				return err
			}
			cancelled, err := c.Cancel(cmd.Context(), args[0], reason)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			warningColor.Fprintf(out, "cancelled %d tasks\n", len(cancelled))
			for _, id := range cancelled {
				fmt.Fprintf(out, "  %s\n", id)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "reason recorded on the task")
	return cmd
}

func newResubmitCommand(global *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "resubmit <id>",
		Short: "Requeue a failed or cancelled task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := global.client()
			if err != nil {
				return err
			}
			task, err := c.Resubmit(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s is now %s\n", task.ID, stateLabel(task))
			return nil
		},
	}
}
