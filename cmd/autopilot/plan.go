package main

import (
	"fmt"
	"maps"
	"slices"
	"strings"

	"github.com/spf13/cobra"

	"github.com/aristath/autopilot/internal/plan"
)

func newPlanCmd(c *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "plan",
		Short: "Load project plans",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "apply <plan.yaml>",
		Short: "Create the hierarchy and one task per milestone from a plan file",
		Long: `apply records the plan's project, features, milestones and goals, then creates
a task for every milestone that does not have one yet. Milestones whose
estimated effort exceeds decompose.complexity_threshold are split into
subtasks. Applying the same plan again keeps recorded progress.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			p, err := plan.Load(args[0])
			if err != nil {
				return err
			}

			svc, err := c.open(ctx)
			if err != nil {
				return err
			}
			defer svc.Close()

			res, err := plan.NewApplier(svc.store, svc.sched, svc.engine, svc.aggregator, c.logger).Apply(ctx, p)
			if err != nil {
				return err
			}

			fmt.Fprintf(c.out, "Created %d milestone tasks (%d subtasks), %d already present.\n",
				len(res.Created), res.Subtasks, len(res.Existing))
			if res.Cyclic {
				fmt.Fprintln(c.out, "Warning: milestone dependencies contain a cycle; affected tasks will never run.")
			}
			return nil
		},
	})
	return cmd
}

func newValidateCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "validate [plan.yaml]",
		Short: "Check a plan file and the stored task graph for problems",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			var problems []string

			if len(args) == 1 {
				p, err := plan.Load(args[0])
				if err == nil {
					err = p.Validate()
				}
				if err != nil {
					return err
				}
				if _, cyclic := p.Order(); cyclic {
					problems = append(problems, "plan: milestone dependencies contain a cycle")
				} else {
					fmt.Fprintf(c.out, "Plan %s is valid (%d milestones).\n", args[0], len(p.Milestones()))
				}
			}

			svc, err := c.open(ctx)
			if err != nil {
				return err
			}
			defer svc.Close()

			deps, err := svc.sched.DetectCycles(ctx)
			if err != nil {
				return err
			}
			if deps.HasCycle() {
				problems = append(problems, fmt.Sprintf("tasks stuck behind a dependency cycle: %s", strings.Join(deps.Cyclic, ", ")))
			}
			for _, id := range slices.Sorted(maps.Keys(deps.Missing)) {
				missing := deps.Missing[id]
				problems = append(problems, fmt.Sprintf("task %s depends on unknown tasks: %s", id, strings.Join(missing, ", ")))
			}

			if len(problems) == 0 {
				fmt.Fprintf(c.out, "Task graph is valid (%d tasks).\n", len(deps.Order))
				return nil
			}
			for _, p := range problems {
				fmt.Fprintf(c.out, "- %s\n", p)
			}
			return fmt.Errorf("%d problems found", len(problems))
		},
	}
}
