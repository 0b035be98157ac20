package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/aristath/autopilot/internal/report"
)

func newStatusCmd(c *cli) *cobra.Command {
	var width int

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show task counts and hierarchy progress",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			svc, err := c.open(ctx)
			if err != nil {
				return err
			}
			defer svc.Close()

			summary, err := report.Collect(ctx, svc.sched, svc.store)
			if err != nil {
				return err
			}
			fmt.Fprintln(c.out, report.Render(summary, width))
			return nil
		},
	}
	cmd.Flags().IntVar(&width, "width", 0, "draw a box of this width around the report")
	return cmd
}
