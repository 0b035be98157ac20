package main

import (
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"
)

func newRequeueCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "requeue <task-id>...",
		Short: "Return tasks to pending",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			svc, err := c.open(ctx)
			if err != nil {
				return err
			}
			defer svc.Close()

			for _, id := range args {
				if err := svc.sched.RequeueTask(ctx, id); err != nil {
					return err
				}
				fmt.Fprintf(c.out, "requeued %s\n", id)
			}
			return nil
		},
	}
}

func newSkipCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "skip <task-id>...",
		Short: "Mark tasks skipped; their dependents stay blocked",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			svc, err := c.open(ctx)
			if err != nil {
				return err
			}
			defer svc.Close()

			for _, id := range args {
				if err := svc.sched.SkipTask(ctx, id); err != nil {
					return err
				}
				task, err := svc.sched.GetTask(ctx, id)
				if err != nil {
					return err
				}
				if err := svc.aggregator.SyncTask(ctx, task); err != nil {
					return err
				}
				fmt.Fprintf(c.out, "skipped %s\n", id)
			}
			return nil
		},
	}
}

func newProgressCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "progress <goal-id> <percent>",
		Short: "Record progress on a goal and roll it up the hierarchy",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			value, err := strconv.ParseFloat(args[1], 64)
			if err != nil {
				return fmt.Errorf("percent %q: %w", args[1], err)
			}

			svc, err := c.open(ctx)
			if err != nil {
				return err
			}
			defer svc.Close()

			if err := svc.aggregator.SetGoalProgress(ctx, args[0], value); err != nil {
				return err
			}
			goal, err := svc.store.GetGoal(ctx, args[0])
			if err != nil {
				return err
			}
			m, err := svc.store.GetMilestone(ctx, goal.MilestoneID)
			if err != nil {
				return err
			}
			fmt.Fprintf(c.out, "goal %s: %.1f%%, milestone %s: %.1f%%\n", goal.ID, goal.Progress, m.ID, m.Progress)
			return nil
		},
	}
}

func newHistoryCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "history [task-id]",
		Short: "List recorded task outcomes",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			svc, err := c.open(ctx)
			if err != nil {
				return err
			}
			defer svc.Close()

			taskID := ""
			if len(args) == 1 {
				taskID = args[0]
			}
			activities, err := svc.store.ListActivities(ctx, taskID)
			if err != nil {
				return err
			}
			for _, a := range activities {
				outcome := "ok"
				if !a.Success {
					outcome = "failed: " + a.Reason
					if a.Reason == "skipped" {
						outcome = "skipped"
					}
				}
				fmt.Fprintf(c.out, "%s  %s  %s\n", a.Timestamp.Format(time.RFC3339), a.TaskID, outcome)
			}
			return nil
		},
	}
}
