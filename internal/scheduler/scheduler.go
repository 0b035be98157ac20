package scheduler

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/aristath/autopilot/internal/events"
)

// SkippedReason is recorded as the activity reason for skipped tasks.
const SkippedReason = "skipped"

// Scheduler selects the next eligible task and owns every status transition.
//
// All operations hold a single mutex around read-select-persist, so concurrent
// callers of GetNextTask can never select the same task twice.
type Scheduler struct {
	mu       sync.Mutex
	store    TaskStore
	recorder ActivityRecorder
	sink     events.Sink
	logger   zerolog.Logger
	now      func() time.Time
	newID    func() string
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithRecorder sets the activity recorder.
func WithRecorder(r ActivityRecorder) Option {
	return func(s *Scheduler) { s.recorder = r }
}

// WithSink sets the notification sink.
func WithSink(sink events.Sink) Option {
	return func(s *Scheduler) { s.sink = sink }
}

// WithLogger sets the logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(s *Scheduler) { s.logger = logger.With().Str("component", "scheduler").Logger() }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) { s.now = now }
}

// WithIDGenerator overrides the task id generator.
func WithIDGenerator(newID func() string) Option {
	return func(s *Scheduler) { s.newID = newID }
}

// New creates a Scheduler over the given store.
func New(store TaskStore, opts ...Option) *Scheduler {
	s := &Scheduler{
		store:    store,
		recorder: NopRecorder{},
		sink:     events.NopSink{},
		logger:   zerolog.Nop(),
		now:      time.Now,
		newID:    uuid.NewString,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Now returns the scheduler's current time.
func (s *Scheduler) Now() time.Time {
	return s.now()
}

// CreateTask persists a new Pending task built from spec.
func (s *Scheduler) CreateTask(ctx context.Context, spec TaskSpec) (*Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	task := s.newTask(spec)
	if err := s.store.Put(ctx, task); err != nil {
		return nil, fmt.Errorf("failed to create task %q: %w", task.Name, err)
	}
	return cloneTask(task), nil
}

func (s *Scheduler) newTask(spec TaskSpec) *Task {
	task := &Task{
		ID:                   s.newID(),
		Name:                 spec.Name,
		Description:          spec.Description,
		Status:               TaskPending,
		Priority:             spec.Priority,
		Dependencies:         append([]string{}, spec.Dependencies...),
		EstimatedEffort:      spec.EstimatedEffort,
		MilestoneID:          spec.MilestoneID,
		RequiresConfirmation: spec.RequiresConfirmation,
		CreatedAt:            s.now(),
		Context:              map[string]any{},
		TestCriteria:         append([]string{}, spec.TestCriteria...),
	}
	for k, v := range spec.Context {
		task.Context[k] = v
	}
	return task
}

// GetTask returns the task with the given id or ErrTaskNotFound.
func (s *Scheduler) GetTask(ctx context.Context, id string) (*Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mustGet(ctx, id)
}

// GetAllTasks returns every task in insertion order.
func (s *Scheduler) GetAllTasks(ctx context.Context) ([]*Task, error) {
	return s.store.All(ctx)
}

// GetTasksByMilestone returns the tasks of one milestone.
func (s *Scheduler) GetTasksByMilestone(ctx context.Context, milestoneID string) ([]*Task, error) {
	return s.store.AllByMilestone(ctx, milestoneID)
}

// GetTasksByStatus returns tasks with the given status.
func (s *Scheduler) GetTasksByStatus(ctx context.Context, status TaskStatus) ([]*Task, error) {
	return s.store.AllByStatus(ctx, status)
}

// GetNextTask selects the highest-priority eligible pending task, moves it to
// InProgress and returns it. A nil task with nil error means nothing is eligible:
// either no work is left or every pending task is blocked (see HasPendingTasks).
func (s *Scheduler) GetNextTask(ctx context.Context) (*Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	pending, err := s.store.AllByStatus(ctx, TaskPending)
	if err != nil {
		return nil, fmt.Errorf("failed to list pending tasks: %w", err)
	}

	eligible := make([]*Task, 0, len(pending))
	for _, task := range pending {
		ok, err := s.dependenciesSatisfied(ctx, task)
		if err != nil {
			return nil, err
		}
		if ok {
			eligible = append(eligible, task)
		}
	}
	if len(eligible) == 0 {
		return nil, nil
	}

	// Dependencies filter first; priority only orders the eligible frontier.
	sort.SliceStable(eligible, func(i, j int) bool {
		return eligible[i].Priority < eligible[j].Priority
	})

	next := eligible[0]
	now := s.now()
	next.Status = TaskInProgress
	next.StartedAt = &now
	if err := s.store.Put(ctx, next); err != nil {
		return nil, fmt.Errorf("failed to start task %q: %w", next.ID, err)
	}

	s.logger.Debug().Str("task_id", next.ID).Str("priority", next.Priority.String()).Msg("task selected")
	s.sink.Publish(events.TopicTask, events.TaskStartedEvent{
		ID:        next.ID,
		Name:      next.Name,
		Priority:  int(next.Priority),
		Timestamp: now,
	})
	s.publishCounts(ctx)

	return cloneTask(next), nil
}

// dependenciesSatisfied reports whether every dependency resolves to a Completed task.
// A dependency on the task's own decomposition parent is satisfied while that
// parent is InProgress and the parent's own dependencies are satisfied, because the
// parent only completes through its subtasks.
func (s *Scheduler) dependenciesSatisfied(ctx context.Context, task *Task) (bool, error) {
	parentID, _ := task.ParentTaskID()
	for _, depID := range task.Dependencies {
		dep, exists, err := s.store.Get(ctx, depID)
		if err != nil {
			return false, fmt.Errorf("failed to load dependency %q: %w", depID, err)
		}
		if !exists {
			return false, nil
		}
		if dep.Status == TaskCompleted {
			continue
		}
		if depID == parentID && dep.Status == TaskInProgress && dep.HasSubtasks() {
			// The parent's own dependencies still gate its subtasks.
			ok, err := s.dependenciesSatisfied(ctx, dep)
			if err != nil || !ok {
				return false, err
			}
			continue
		}
		return false, nil
	}
	return true, nil
}

// CompleteTask marks a task Completed, records the outcome and, for subtasks,
// derives completion of the parent.
func (s *Scheduler) CompleteTask(ctx context.Context, id string, result any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.complete(ctx, id, result, false)
}

func (s *Scheduler) complete(ctx context.Context, id string, result any, derived bool) error {
	task, err := s.mustGet(ctx, id)
	if err != nil {
		return err
	}

	now := s.now()
	task.Status = TaskCompleted
	task.CompletedAt = &now
	task.Result = result
	if err := s.store.Put(ctx, task); err != nil {
		return fmt.Errorf("failed to complete task %q: %w", id, err)
	}

	s.record(ctx, Activity{TaskID: id, Success: true, Result: result, Timestamp: now})

	var duration time.Duration
	if task.StartedAt != nil {
		duration = now.Sub(*task.StartedAt)
	}
	s.logger.Info().Str("task_id", id).Bool("derived", derived).Dur("duration", duration).Msg("task completed")
	s.sink.Publish(events.TopicTask, events.TaskCompletedEvent{
		ID:        id,
		Derived:   derived,
		Duration:  duration,
		Timestamp: now,
	})
	s.publishCounts(ctx)

	if parentID, ok := task.ParentTaskID(); ok {
		return s.checkParent(ctx, parentID)
	}
	return nil
}

// FailTask marks a task Failed and increments its failure count. It never requeues.
func (s *Scheduler) FailTask(ctx context.Context, id string, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	task, err := s.mustGet(ctx, id)
	if err != nil {
		return err
	}

	now := s.now()
	task.Status = TaskFailed
	task.FailureCount++
	if err := s.store.Put(ctx, task); err != nil {
		return fmt.Errorf("failed to fail task %q: %w", id, err)
	}

	s.record(ctx, Activity{TaskID: id, Success: false, Reason: reason, Timestamp: now})

	s.logger.Warn().Str("task_id", id).Int("failure_count", task.FailureCount).Str("reason", reason).Msg("task failed")
	s.sink.Publish(events.TopicTask, events.TaskFailedEvent{
		ID:           id,
		Reason:       reason,
		FailureCount: task.FailureCount,
		Timestamp:    now,
	})
	s.publishCounts(ctx)
	return nil
}

// SkipTask marks a task Skipped.
func (s *Scheduler) SkipTask(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	task, err := s.mustGet(ctx, id)
	if err != nil {
		return err
	}

	now := s.now()
	task.Status = TaskSkipped
	task.CompletedAt = &now
	if err := s.store.Put(ctx, task); err != nil {
		return fmt.Errorf("failed to skip task %q: %w", id, err)
	}

	s.record(ctx, Activity{TaskID: id, Success: false, Reason: SkippedReason, Timestamp: now})

	s.logger.Info().Str("task_id", id).Msg("task skipped")
	s.sink.Publish(events.TopicTask, events.TaskSkippedEvent{ID: id, Timestamp: now})
	s.publishCounts(ctx)
	return nil
}

// RequeueTask returns a task to Pending. FailureCount and timestamps are kept.
func (s *Scheduler) RequeueTask(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	task, err := s.mustGet(ctx, id)
	if err != nil {
		return err
	}

	task.Status = TaskPending
	if err := s.store.Put(ctx, task); err != nil {
		return fmt.Errorf("failed to requeue task %q: %w", id, err)
	}

	s.logger.Info().Str("task_id", id).Int("failure_count", task.FailureCount).Msg("task requeued")
	s.sink.Publish(events.TopicTask, events.TaskRequeuedEvent{
		ID:           id,
		FailureCount: task.FailureCount,
		Timestamp:    s.now(),
	})
	s.publishCounts(ctx)
	return nil
}

// CheckParentTaskCompletion completes the parent once every one of its subtasks is Completed.
func (s *Scheduler) CheckParentTaskCompletion(ctx context.Context, parentID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.checkParent(ctx, parentID)
}

func (s *Scheduler) checkParent(ctx context.Context, parentID string) error {
	all, err := s.store.All(ctx)
	if err != nil {
		return fmt.Errorf("failed to list tasks: %w", err)
	}

	var results []any
	found := 0
	for _, task := range all {
		if pid, ok := task.ParentTaskID(); !ok || pid != parentID {
			continue
		}
		found++
		if task.Status != TaskCompleted {
			return nil
		}
		results = append(results, task.Result)
	}
	if found == 0 {
		return nil
	}

	parent, exists, err := s.store.Get(ctx, parentID)
	if err != nil {
		return fmt.Errorf("failed to load parent task %q: %w", parentID, err)
	}
	if !exists {
		return fmt.Errorf("parent task %q: %w", parentID, ErrTaskNotFound)
	}
	if parent.Status == TaskCompleted {
		return nil
	}

	return s.complete(ctx, parentID, map[string]any{ContextSubtaskResults: results}, true)
}

// GetHighPriorityTaskCount counts Critical and High tasks that are neither Completed nor Skipped.
func (s *Scheduler) GetHighPriorityTaskCount(ctx context.Context) (int, error) {
	all, err := s.store.All(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to list tasks: %w", err)
	}

	count := 0
	for _, task := range all {
		if task.Priority <= PriorityHigh && !task.Status.IsTerminal() {
			count++
		}
	}
	return count, nil
}

// HasPendingTasks reports whether any task is Pending. Combined with a nil
// GetNextTask result it distinguishes a blocked schedule from an exhausted one.
func (s *Scheduler) HasPendingTasks(ctx context.Context) (bool, error) {
	pending, err := s.store.AllByStatus(ctx, TaskPending)
	if err != nil {
		return false, fmt.Errorf("failed to list pending tasks: %w", err)
	}
	return len(pending) > 0, nil
}

// RequiresConfirmation reports the task's confirmation flag.
func (s *Scheduler) RequiresConfirmation(ctx context.Context, id string) (bool, error) {
	task, err := s.GetTask(ctx, id)
	if err != nil {
		return false, err
	}
	return task.RequiresConfirmation, nil
}

// UpdateTaskContext merges patch into the task's context.
func (s *Scheduler) UpdateTaskContext(ctx context.Context, id string, patch map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	task, err := s.mustGet(ctx, id)
	if err != nil {
		return err
	}
	if task.Context == nil {
		task.Context = map[string]any{}
	}
	for k, v := range patch {
		task.Context[k] = v
	}
	if err := s.store.Put(ctx, task); err != nil {
		return fmt.Errorf("failed to update context of task %q: %w", id, err)
	}
	return nil
}

// IncrementFailureCount bumps the failure count without changing status.
func (s *Scheduler) IncrementFailureCount(ctx context.Context, id string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	task, err := s.mustGet(ctx, id)
	if err != nil {
		return 0, err
	}
	task.FailureCount++
	if err := s.store.Put(ctx, task); err != nil {
		return 0, fmt.Errorf("failed to update failure count of task %q: %w", id, err)
	}
	return task.FailureCount, nil
}

// Decompose creates the subtasks of parentID and turns the parent into their
// container in one store write: the parent moves to InProgress and its
// confirmation requirement moves to parent closure. Each subtask depends on the
// parent and records it as ContextParentTaskID. On error nothing is stored.
func (s *Scheduler) Decompose(ctx context.Context, parentID string, specs []TaskSpec) ([]*Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	parent, err := s.mustGet(ctx, parentID)
	if err != nil {
		return nil, err
	}
	if parent.HasSubtasks() {
		return nil, fmt.Errorf("task %q is already decomposed", parentID)
	}

	subtasks := make([]*Task, 0, len(specs))
	ids := make([]string, 0, len(specs))
	for _, spec := range specs {
		sub := s.newTask(spec)
		sub.Context[ContextParentTaskID] = parentID
		if !slices.Contains(sub.Dependencies, parentID) {
			sub.Dependencies = append(sub.Dependencies, parentID)
		}
		subtasks = append(subtasks, sub)
		ids = append(ids, sub.ID)
	}

	now := s.now()
	if parent.Context == nil {
		parent.Context = map[string]any{}
	}
	parent.Context[ContextSubtaskCount] = len(subtasks)
	parent.Context[ContextConfirmOnClosure] = parent.RequiresConfirmation
	parent.RequiresConfirmation = false
	parent.Status = TaskInProgress
	if parent.StartedAt == nil {
		parent.StartedAt = &now
	}

	if err := s.store.PutAll(ctx, append(subtasks, parent)); err != nil {
		return nil, fmt.Errorf("failed to decompose task %q: %w", parentID, err)
	}

	s.sink.Publish(events.TopicTask, events.TaskDecomposedEvent{
		ID:         parentID,
		SubtaskIDs: ids,
		Timestamp:  now,
	})
	s.publishCounts(ctx)

	out := make([]*Task, len(subtasks))
	for i, sub := range subtasks {
		out[i] = cloneTask(sub)
	}
	return out, nil
}

// StatusCounts tallies tasks by status.
type StatusCounts struct {
	Total      int
	Pending    int
	InProgress int
	Completed  int
	Failed     int
	Skipped    int
}

// Counts returns the current status tally.
func (s *Scheduler) Counts(ctx context.Context) (StatusCounts, error) {
	all, err := s.store.All(ctx)
	if err != nil {
		return StatusCounts{}, fmt.Errorf("failed to list tasks: %w", err)
	}
	return countStatuses(all), nil
}

func countStatuses(tasks []*Task) StatusCounts {
	c := StatusCounts{Total: len(tasks)}
	for _, task := range tasks {
		switch task.Status {
		case TaskPending:
			c.Pending++
		case TaskInProgress:
			c.InProgress++
		case TaskCompleted:
			c.Completed++
		case TaskFailed:
			c.Failed++
		case TaskSkipped:
			c.Skipped++
		}
	}
	return c
}

func (s *Scheduler) publishCounts(ctx context.Context) {
	all, err := s.store.All(ctx)
	if err != nil {
		s.logger.Warn().Err(err).Msg("failed to count tasks")
		return
	}
	c := countStatuses(all)
	s.sink.Publish(events.TopicSchedule, events.ScheduleProgressEvent{
		Total:      c.Total,
		Completed:  c.Completed,
		InProgress: c.InProgress,
		Failed:     c.Failed,
		Pending:    c.Pending,
		Skipped:    c.Skipped,
		Timestamp:  s.now(),
	})
}

// record hands the activity to the recorder. Audit failures never undo a transition.
func (s *Scheduler) record(ctx context.Context, activity Activity) {
	activity.ID = uuid.NewString()
	if err := s.recorder.RecordActivity(ctx, activity); err != nil {
		s.logger.Error().Err(err).Str("task_id", activity.TaskID).Msg("failed to record activity")
	}
}

func (s *Scheduler) mustGet(ctx context.Context, id string) (*Task, error) {
	task, exists, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to load task %q: %w", id, err)
	}
	if !exists {
		return nil, fmt.Errorf("task %q: %w", id, ErrTaskNotFound)
	}
	return task, nil
}
