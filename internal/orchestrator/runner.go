package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/aristath/autopilot/internal/backend"
	"github.com/aristath/autopilot/internal/progress"
	"github.com/aristath/autopilot/internal/scheduler"
)

// BreakerName is the circuit breaker key used for task execution.
const BreakerName = "executor"

// TaskResult represents the outcome of one task execution attempt.
type TaskResult struct {
	TaskID   string
	Success  bool
	Output   string
	Error    error
	Requeued bool
	Duration time.Duration
}

// RunSummary is returned when Run stops.
type RunSummary struct {
	Results []TaskResult
	Counts  scheduler.StatusCounts
	// Blocked is true when pending tasks remain but none has its dependencies met.
	Blocked bool
}

// BackendFactory creates the backend that executes a task. workDir is empty unless
// the runner has Workspaces.
type BackendFactory func(task *scheduler.Task, workDir string) (backend.Backend, error)

// Workspaces gives each task attempt its own working directory. Release always
// removes the workspace; keep integrates its changes first.
type Workspaces interface {
	Acquire(ctx context.Context, taskID string) (dir string, err error)
	Release(ctx context.Context, taskID string, keep bool) error
}

// RunnerConfig configures the Runner.
type RunnerConfig struct {
	Concurrency    int           // Tasks executed per wave (default 1)
	PollInterval   time.Duration // Idle wait in watch mode (default 3s)
	MaxFailures    int           // Failed tasks are requeued while FailureCount < MaxFailures (default 3)
	Watch          bool          // Keep polling when no work is eligible
	Retry          backend.RetryConfig
	BackendFactory BackendFactory
	Breakers       *backend.CircuitBreakerRegistry
	Approvals      *ApprovalChannel     // nil approves everything
	Aggregator     *progress.Aggregator // nil disables progress sync
	Workspaces     Workspaces           // nil runs every task in the backend's own directory
	Logger         zerolog.Logger
}

// Runner drives the Scheduler: it selects eligible tasks, executes them on a
// backend and records the outcome.
type Runner struct {
	cfg     RunnerConfig
	sched   *scheduler.Scheduler
	logger  zerolog.Logger
	mu      sync.Mutex
	results []TaskResult

	closureMu sync.Mutex
	closures  map[string]*sync.Mutex // Parent ID -> lock held from approval decision to completion
}

// NewRunner creates a Runner.
func NewRunner(sched *scheduler.Scheduler, cfg RunnerConfig) *Runner {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 3 * time.Second
	}
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 3
	}
	if cfg.Retry == (backend.RetryConfig{}) {
		cfg.Retry = backend.DefaultRetryConfig()
	}
	if cfg.Breakers == nil {
		cfg.Breakers = backend.NewCircuitBreakerRegistry(backend.BreakerSettings{}, cfg.Logger)
	}

	return &Runner{
		cfg:    cfg,
		sched:  sched,
		logger: cfg.Logger.With().Str("component", "runner").Logger(),
	}
}

// Run executes waves of eligible tasks until no pending work is left, the schedule
// is blocked, or ctx is cancelled. In watch mode it keeps polling instead of stopping.
func (r *Runner) Run(ctx context.Context) (RunSummary, error) {
	if r.cfg.BackendFactory == nil {
		return RunSummary{}, fmt.Errorf("runner has no backend factory")
	}

	if r.cfg.Approvals != nil {
		approvalCtx, stopApprovals := context.WithCancel(ctx)
		r.cfg.Approvals.Start(approvalCtx)
		defer func() {
			stopApprovals()
			r.cfg.Approvals.Stop()
		}()
	}

	if err := r.recoverInterrupted(ctx); err != nil {
		return r.summary(ctx, false), err
	}

	for {
		if err := ctx.Err(); err != nil {
			return r.summary(context.WithoutCancel(ctx), false), err
		}

		wave, err := r.selectWave(ctx)
		if err != nil {
			return r.summary(ctx, false), err
		}

		if len(wave) == 0 {
			pending, err := r.sched.HasPendingTasks(ctx)
			if err != nil {
				return r.summary(ctx, false), err
			}
			if !r.cfg.Watch {
				if pending {
					r.logger.Warn().Msg("schedule blocked: pending tasks have unmet dependencies")
				}
				return r.summary(ctx, pending), nil
			}
			select {
			case <-ctx.Done():
				return r.summary(context.WithoutCancel(ctx), false), ctx.Err()
			case <-time.After(r.cfg.PollInterval):
			}
			continue
		}

		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(r.cfg.Concurrency)
		for _, task := range wave {
			g.Go(func() error {
				r.executeTask(gctx, task)
				return nil
			})
		}
		_ = g.Wait()
	}
}

// selectWave claims up to Concurrency eligible tasks.
func (r *Runner) selectWave(ctx context.Context) ([]*scheduler.Task, error) {
	var wave []*scheduler.Task
	for len(wave) < r.cfg.Concurrency {
		task, err := r.sched.GetNextTask(ctx)
		if err != nil {
			return wave, fmt.Errorf("failed to select next task: %w", err)
		}
		if task == nil {
			break
		}
		wave = append(wave, task)
	}
	return wave, nil
}

// recoverInterrupted requeues leaf tasks left InProgress by a previous run.
// Decomposed parents stay InProgress: they complete through their subtasks.
func (r *Runner) recoverInterrupted(ctx context.Context) error {
	running, err := r.sched.GetTasksByStatus(ctx, scheduler.TaskInProgress)
	if err != nil {
		return fmt.Errorf("failed to list in-progress tasks: %w", err)
	}
	for _, task := range running {
		if task.HasSubtasks() {
			continue
		}
		r.logger.Info().Str("task_id", task.ID).Msg("requeueing interrupted task")
		if err := r.sched.RequeueTask(ctx, task.ID); err != nil {
			return err
		}
	}
	return nil
}

func (r *Runner) executeTask(ctx context.Context, task *scheduler.Task) {
	start := time.Now()
	log := r.logger.With().Str("task_id", task.ID).Logger()
	log.Info().Str("name", task.Name).Str("priority", task.Priority.String()).Msg("executing task")

	var workDir string
	if r.cfg.Workspaces != nil {
		dir, err := r.cfg.Workspaces.Acquire(ctx, task.ID)
		if err != nil {
			if ctx.Err() != nil {
				r.interrupted(ctx, task, err, start)
				return
			}
			r.fail(ctx, task, fmt.Sprintf("failed to prepare workspace: %v", err), start)
			return
		}
		workDir = dir
	}
	settled := false
	defer func() {
		if !settled {
			r.release(context.WithoutCancel(ctx), task.ID, false)
		}
	}()

	output, err := r.send(ctx, task, workDir)
	if err != nil {
		if ctx.Err() != nil {
			r.interrupted(ctx, task, err, start)
			return
		}
		r.fail(ctx, task, err.Error(), start)
		return
	}

	unlock := r.lockClosure(ctx, task)
	defer unlock()

	if r.needsApproval(ctx, task) {
		decision, err := r.approve(ctx, task, output)
		if err != nil {
			if ctx.Err() != nil {
				r.interrupted(ctx, task, err, start)
				return
			}
			r.fail(ctx, task, fmt.Sprintf("approval failed: %v", err), start)
			return
		}
		if !decision.Approved {
			reason := "rejected by operator"
			if decision.Reason != "" {
				reason += ": " + decision.Reason
			}
			r.fail(ctx, task, reason, start)
			return
		}
	}

	settled = true
	if err := r.release(ctx, task.ID, true); err != nil {
		r.fail(ctx, task, fmt.Sprintf("failed to integrate workspace: %v", err), start)
		return
	}

	if err := r.sched.CompleteTask(ctx, task.ID, output); err != nil {
		log.Error().Err(err).Msg("failed to complete task")
		r.recordResult(TaskResult{TaskID: task.ID, Output: output, Error: err, Duration: time.Since(start)})
		return
	}
	r.syncProgress(ctx, task.ID)
	r.recordResult(TaskResult{TaskID: task.ID, Success: true, Output: output, Duration: time.Since(start)})
}

// interrupted hands a cancelled task back to Pending for the next run. It is not a failure.
func (r *Runner) interrupted(ctx context.Context, task *scheduler.Task, cause error, start time.Time) {
	if err := r.sched.RequeueTask(context.WithoutCancel(ctx), task.ID); err != nil {
		r.logger.Error().Err(err).Str("task_id", task.ID).Msg("failed to requeue interrupted task")
	}
	r.recordResult(TaskResult{TaskID: task.ID, Error: cause, Requeued: true, Duration: time.Since(start)})
}

// release hands the task's workspace back, if there is one.
func (r *Runner) release(ctx context.Context, taskID string, keep bool) error {
	if r.cfg.Workspaces == nil {
		return nil
	}
	err := r.cfg.Workspaces.Release(ctx, taskID, keep)
	if err != nil && !keep {
		r.logger.Warn().Err(err).Str("task_id", taskID).Msg("failed to discard workspace")
	}
	return err
}

func (r *Runner) send(ctx context.Context, task *scheduler.Task, workDir string) (string, error) {
	b, err := r.cfg.BackendFactory(task, workDir)
	if err != nil {
		return "", fmt.Errorf("failed to create backend: %w", err)
	}
	defer b.Close()

	resp, err := backend.SendWithRetry(ctx, b, backend.Message{
		Role:    "user",
		Content: taskPrompt(task),
	}, r.cfg.Breakers.Get(BreakerName), r.cfg.Retry)
	if err != nil {
		return "", err
	}
	return resp.Content, nil
}

// fail records the failure and requeues the task while it has attempts left.
func (r *Runner) fail(ctx context.Context, task *scheduler.Task, reason string, start time.Time) {
	log := r.logger.With().Str("task_id", task.ID).Logger()
	result := TaskResult{TaskID: task.ID, Error: errors.New(reason)}

	if err := r.sched.FailTask(ctx, task.ID, reason); err != nil {
		log.Error().Err(err).Msg("failed to mark task failed")
		result.Duration = time.Since(start)
		r.recordResult(result)
		return
	}

	failed, err := r.sched.GetTask(ctx, task.ID)
	if err == nil && failed.FailureCount < r.cfg.MaxFailures {
		if err := r.sched.RequeueTask(ctx, task.ID); err != nil {
			log.Error().Err(err).Msg("failed to requeue task")
		} else {
			result.Requeued = true
		}
	} else if err == nil {
		log.Warn().Int("failure_count", failed.FailureCount).Msg("task exhausted its attempts")
	}

	r.syncProgress(ctx, task.ID)
	result.Duration = time.Since(start)
	r.recordResult(result)
}

// lockClosure serializes the closing decision between subtasks of a parent that
// confirms on closure, so the subtask that completes the parent is always the one
// that asks. Other tasks get a no-op unlock.
func (r *Runner) lockClosure(ctx context.Context, task *scheduler.Task) func() {
	parentID, ok := task.ParentTaskID()
	if !ok {
		return func() {}
	}
	parent, err := r.sched.GetTask(ctx, parentID)
	if err != nil {
		return func() {}
	}
	if confirm, _ := parent.Context[scheduler.ContextConfirmOnClosure].(bool); !confirm {
		return func() {}
	}

	r.closureMu.Lock()
	if r.closures == nil {
		r.closures = make(map[string]*sync.Mutex)
	}
	lock, exists := r.closures[parentID]
	if !exists {
		lock = &sync.Mutex{}
		r.closures[parentID] = lock
	}
	r.closureMu.Unlock()

	lock.Lock()
	return lock.Unlock
}

// needsApproval is true for tasks flagged for confirmation and for the last open
// subtask of a parent whose confirmation moved to closure.
func (r *Runner) needsApproval(ctx context.Context, task *scheduler.Task) bool {
	if task.RequiresConfirmation {
		return true
	}
	parentID, ok := task.ParentTaskID()
	if !ok {
		return false
	}
	parent, err := r.sched.GetTask(ctx, parentID)
	if err != nil {
		return false
	}
	if confirm, _ := parent.Context[scheduler.ContextConfirmOnClosure].(bool); !confirm {
		return false
	}

	siblings, err := r.sched.GetTasksByMilestone(ctx, parent.MilestoneID)
	if err != nil {
		return true
	}
	for _, sib := range siblings {
		if pid, ok := sib.ParentTaskID(); !ok || pid != parentID || sib.ID == task.ID {
			continue
		}
		if sib.Status != scheduler.TaskCompleted {
			return false
		}
	}
	return true
}

func (r *Runner) approve(ctx context.Context, task *scheduler.Task, output string) (Decision, error) {
	if r.cfg.Approvals == nil {
		return Decision{Approved: true}, nil
	}
	return r.cfg.Approvals.Request(ctx, task.ID, task.Name, output)
}

// syncProgress mirrors the task's current state into the progress hierarchy.
func (r *Runner) syncProgress(ctx context.Context, taskID string) {
	if r.cfg.Aggregator == nil {
		return
	}
	task, err := r.sched.GetTask(ctx, taskID)
	if err != nil {
		r.logger.Warn().Err(err).Str("task_id", taskID).Msg("failed to reload task for progress sync")
		return
	}
	if err := r.cfg.Aggregator.SyncTask(ctx, task); err != nil {
		r.logger.Warn().Err(err).Str("task_id", taskID).Msg("failed to sync progress")
	}
}

func (r *Runner) recordResult(result TaskResult) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.results = append(r.results, result)
}

func (r *Runner) summary(ctx context.Context, blocked bool) RunSummary {
	r.mu.Lock()
	results := append([]TaskResult(nil), r.results...)
	r.mu.Unlock()

	counts, err := r.sched.Counts(ctx)
	if err != nil {
		r.logger.Warn().Err(err).Msg("failed to count tasks")
	}
	return RunSummary{Results: results, Counts: counts, Blocked: blocked}
}

func taskPrompt(task *scheduler.Task) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Task: %s\n", task.Name)
	if task.Description != "" {
		fmt.Fprintf(&b, "\n%s\n", task.Description)
	}
	if total, ok := task.Context[scheduler.ContextTotalSubtasks]; ok {
		fmt.Fprintf(&b, "\nThis is step %v of %v of a larger task.\n", subtaskNumber(task), total)
	}
	if len(task.TestCriteria) > 0 {
		b.WriteString("\nAcceptance criteria:\n")
		for _, c := range task.TestCriteria {
			fmt.Fprintf(&b, "- %s\n", c)
		}
	}
	return b.String()
}

func subtaskNumber(task *scheduler.Task) any {
	switch n := task.Context[scheduler.ContextSubtaskIndex].(type) {
	case int:
		return n + 1
	case float64:
		return int(n) + 1
	}
	return "?"
}
