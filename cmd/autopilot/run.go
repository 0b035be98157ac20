package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/spf13/cobra"

	"github.com/aristath/autopilot/internal/orchestrator"
	"github.com/aristath/autopilot/internal/report"
)

// maxPromptOutput caps how much task output the approval prompt shows.
const maxPromptOutput = 2000

func newRunCmd(c *cli) *cobra.Command {
	var (
		watch       bool
		autoApprove bool
		concurrency int
		quietFeed   bool
		isolate     bool
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Execute eligible tasks until no work is left",
		Long: `run repeatedly selects the highest-priority tasks whose dependencies are met,
executes them through the configured backend and records the outcome. Failed
tasks are retried until scheduler.max_failures is reached. Tasks that require
confirmation wait for an answer on stdin unless --auto-approve is set.

With --isolate (or workspace.isolate) each task runs in its own git worktree
that is merged back only once the task has passed.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			svc, err := c.open(ctx)
			if err != nil {
				return err
			}
			defer svc.Close()

			if concurrency <= 0 {
				concurrency = c.cfg.Scheduler.Concurrency
			}

			// The feed and the approval prompt write from different goroutines.
			out := &syncWriter{w: c.out}

			var approvals *orchestrator.ApprovalChannel
			if !autoApprove {
				approvals = orchestrator.NewApprovalChannel(2*concurrency, promptApprover(c.in, out))
			}

			var workspaces orchestrator.Workspaces
			if isolate || c.cfg.Workspace.Isolate {
				m, err := c.newWorkspaces(ctx)
				if err != nil {
					return err
				}
				workspaces = m
				c.logger.Info().Str("base_branch", m.BaseBranch()).Msg("running tasks in isolated worktrees")
			}

			runner := orchestrator.NewRunner(svc.sched, orchestrator.RunnerConfig{
				Concurrency:    concurrency,
				PollInterval:   c.cfg.Scheduler.PollInterval,
				MaxFailures:    c.cfg.Scheduler.MaxFailures,
				Watch:          watch,
				Retry:          c.cfg.Retry.Policy(),
				BackendFactory: svc.newExecutor(c.cfg.Backend.Adapter()),
				Breakers:       svc.breakers,
				Approvals:      approvals,
				Workspaces:     workspaces,
				Aggregator:     svc.aggregator,
				Logger:         c.logger,
			})

			var feedDone sync.WaitGroup
			if !quietFeed {
				sub := svc.bus.SubscribeAll(0)
				feedCtx, stopFeed := context.WithCancel(context.WithoutCancel(ctx))
				defer stopFeed()
				feedDone.Add(1)
				go func() {
					defer feedDone.Done()
					report.NewFeed(out).Follow(feedCtx, sub)
				}()
			}

			summary, runErr := runner.Run(ctx)
			if errors.Is(runErr, context.Canceled) {
				c.logger.Info().Msg("shutdown signal received, cleaning up")
				if err := svc.procs.KillAll(); err != nil {
					c.logger.Error().Err(err).Msg("failed to kill subprocesses")
				}
			}

			svc.bus.Close()
			feedDone.Wait()

			succeeded := 0
			for _, r := range summary.Results {
				if r.Success {
					succeeded++
				}
			}
			fmt.Fprintf(c.out, "\n%d attempts, %d succeeded\n", len(summary.Results), succeeded)
			if summary.Blocked {
				fmt.Fprintln(c.out, "Pending tasks remain but none has its dependencies met; run 'autopilot validate' for details.")
			}

			final, err := report.Collect(context.WithoutCancel(ctx), svc.sched, svc.store)
			if err == nil {
				fmt.Fprintln(c.out, report.Render(final, 0))
			}

			if runErr != nil && !errors.Is(runErr, context.Canceled) {
				return runErr
			}
			return nil
		},
	}

	cmd.Flags().BoolVarP(&watch, "watch", "w", false, "keep polling for new work instead of exiting")
	cmd.Flags().BoolVarP(&autoApprove, "auto-approve", "y", false, "approve tasks that require confirmation without asking")
	cmd.Flags().IntVarP(&concurrency, "concurrency", "j", 0, "tasks executed in parallel (default scheduler.concurrency)")
	cmd.Flags().BoolVar(&quietFeed, "no-feed", false, "do not print task events while running")
	cmd.Flags().BoolVar(&isolate, "isolate", false, "run each task in its own git worktree")
	return cmd
}

// promptApprover asks on out and reads y/n answers from in. Anything other than
// y or yes rejects; text after the answer becomes the reason.
func promptApprover(in io.Reader, out io.Writer) orchestrator.ApproveFunc {
	lines := bufio.NewReader(in)
	return func(ctx context.Context, req orchestrator.ApprovalRequest) (orchestrator.Decision, error) {
		output := strings.TrimSpace(req.Output)
		if len(output) > maxPromptOutput {
			output = output[:maxPromptOutput] + "\n..."
		}
		fmt.Fprintf(out, "\n%s %s [%s]\n%s\n\n%s ",
			report.StyleTitle.Render("Confirm:"), req.TaskName, req.TaskID, output,
			"Accept this result? [y/N] (optionally followed by a reason):")

		type answer struct {
			line string
			err  error
		}
		ch := make(chan answer, 1)
		go func() {
			line, err := lines.ReadString('\n')
			ch <- answer{line, err}
		}()

		select {
		case <-ctx.Done():
			return orchestrator.Decision{}, ctx.Err()
		case a := <-ch:
			if a.err != nil && (a.err != io.EOF || a.line == "") {
				return orchestrator.Decision{}, fmt.Errorf("reading answer: %w", a.err)
			}
			return parseAnswer(a.line), nil
		}
	}
}

func parseAnswer(line string) orchestrator.Decision {
	word, reason, _ := strings.Cut(strings.TrimSpace(line), " ")
	reason = strings.TrimSpace(reason)
	switch strings.ToLower(word) {
	case "y", "yes":
		if reason == "" {
			reason = "approved by operator"
		}
		return orchestrator.Decision{Approved: true, Reason: reason}
	default:
		if reason == "" {
			reason = "rejected by operator"
		}
		return orchestrator.Decision{Approved: false, Reason: reason}
	}
}

type syncWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (s *syncWriter) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.w.Write(p)
}
