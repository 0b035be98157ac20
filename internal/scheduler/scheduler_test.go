package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/autopilot/internal/events"
)

// testScheduler creates a scheduler with deterministic ids and a fixed clock.
func testScheduler(t *testing.T, opts ...Option) (*Scheduler, *MemoryRecorder) {
	t.Helper()

	var mu sync.Mutex
	seq := 0
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	rec := &MemoryRecorder{}

	base := []Option{
		WithRecorder(rec),
		WithIDGenerator(func() string {
			mu.Lock()
			defer mu.Unlock()
			seq++
			return fmt.Sprintf("t%d", seq)
		}),
		WithClock(func() time.Time {
			mu.Lock()
			defer mu.Unlock()
			now = now.Add(time.Second)
			return now
		}),
	}
	return New(NewMemoryStore(), append(base, opts...)...), rec
}

func mustCreate(t *testing.T, s *Scheduler, spec TaskSpec) *Task {
	t.Helper()
	task, err := s.CreateTask(context.Background(), spec)
	require.NoError(t, err)
	return task
}

func TestCreateTask(t *testing.T) {
	s, _ := testScheduler(t)
	task := mustCreate(t, s, TaskSpec{Name: "Build", Priority: PriorityMedium, MilestoneID: "m1", EstimatedEffort: 2})

	assert.Equal(t, "t1", task.ID)
	assert.Equal(t, TaskPending, task.Status)
	assert.False(t, task.CreatedAt.IsZero())
	assert.Nil(t, task.StartedAt)
	assert.Empty(t, task.Dependencies)
}

func TestGetNextTask_DependencyOrdering(t *testing.T) {
	ctx := context.Background()
	s, _ := testScheduler(t)

	a := mustCreate(t, s, TaskSpec{Name: "A", Priority: PriorityLow})
	b := mustCreate(t, s, TaskSpec{Name: "B", Priority: PriorityCritical, Dependencies: []string{a.ID}})

	next, err := s.GetNextTask(ctx)
	require.NoError(t, err)
	require.NotNil(t, next)
	assert.Equal(t, a.ID, next.ID, "critical task must not jump an unmet prerequisite")

	// A is in progress, not completed: B stays blocked.
	next, err = s.GetNextTask(ctx)
	require.NoError(t, err)
	assert.Nil(t, next)

	require.NoError(t, s.CompleteTask(ctx, a.ID, "done"))

	next, err = s.GetNextTask(ctx)
	require.NoError(t, err)
	require.NotNil(t, next)
	assert.Equal(t, b.ID, next.ID)
}

func TestGetNextTask_PriorityWithinEligibleSet(t *testing.T) {
	ctx := context.Background()
	s, _ := testScheduler(t)

	low := mustCreate(t, s, TaskSpec{Name: "B", Priority: PriorityMedium})
	high := mustCreate(t, s, TaskSpec{Name: "A", Priority: PriorityCritical})
	tie := mustCreate(t, s, TaskSpec{Name: "C", Priority: PriorityMedium})

	var order []string
	for i := 0; i < 3; i++ {
		next, err := s.GetNextTask(ctx)
		require.NoError(t, err)
		require.NotNil(t, next)
		order = append(order, next.ID)
	}
	assert.Equal(t, []string{high.ID, low.ID, tie.ID}, order)
}

func TestGetNextTask_StampsStartedAt(t *testing.T) {
	ctx := context.Background()
	s, _ := testScheduler(t)
	task := mustCreate(t, s, TaskSpec{Name: "A"})

	next, err := s.GetNextTask(ctx)
	require.NoError(t, err)
	require.NotNil(t, next.StartedAt)

	stored, err := s.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, TaskInProgress, stored.Status)
	assert.Equal(t, *next.StartedAt, *stored.StartedAt)
}

func TestGetNextTask_MissingDependencyBlocks(t *testing.T) {
	ctx := context.Background()
	s, _ := testScheduler(t)
	mustCreate(t, s, TaskSpec{Name: "A", Dependencies: []string{"ghost"}})

	next, err := s.GetNextTask(ctx)
	require.NoError(t, err)
	assert.Nil(t, next)

	pending, err := s.HasPendingTasks(ctx)
	require.NoError(t, err)
	assert.True(t, pending, "blocked schedule still has pending work")
}

func TestGetNextTask_CycleStaysIneligible(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	s := New(store)

	require.NoError(t, store.Put(ctx, &Task{ID: "a", Status: TaskPending, Dependencies: []string{"b"}}))
	require.NoError(t, store.Put(ctx, &Task{ID: "b", Status: TaskPending, Dependencies: []string{"a"}}))
	require.NoError(t, store.Put(ctx, &Task{ID: "c", Status: TaskPending}))

	next, err := s.GetNextTask(ctx)
	require.NoError(t, err)
	require.NotNil(t, next)
	assert.Equal(t, "c", next.ID)

	next, err = s.GetNextTask(ctx)
	require.NoError(t, err)
	assert.Nil(t, next)
}

func TestConcurrentGetNextTaskSelectsEachTaskOnce(t *testing.T) {
	ctx := context.Background()
	s := New(NewMemoryStore())
	for i := 0; i < 20; i++ {
		mustCreate(t, s, TaskSpec{Name: fmt.Sprintf("task-%d", i), Priority: PriorityMedium})
	}

	var mu sync.Mutex
	seen := map[string]int{}
	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				next, err := s.GetNextTask(ctx)
				if err != nil || next == nil {
					return
				}
				mu.Lock()
				seen[next.ID]++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Len(t, seen, 20)
	for id, n := range seen {
		assert.Equal(t, 1, n, "task %s selected more than once", id)
	}
}

func TestCompleteTask(t *testing.T) {
	ctx := context.Background()
	s, rec := testScheduler(t)
	task := mustCreate(t, s, TaskSpec{Name: "A"})

	require.NoError(t, s.CompleteTask(ctx, task.ID, map[string]any{"ok": true}))

	stored, err := s.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, TaskCompleted, stored.Status)
	require.NotNil(t, stored.CompletedAt)
	assert.Equal(t, map[string]any{"ok": true}, stored.Result)

	activities := rec.Activities()
	require.Len(t, activities, 1)
	assert.True(t, activities[0].Success)
	assert.Equal(t, task.ID, activities[0].TaskID)
	assert.NotEmpty(t, activities[0].ID)
}

func TestNotFound(t *testing.T) {
	ctx := context.Background()
	s, _ := testScheduler(t)

	tests := []struct {
		name string
		op   func() error
	}{
		{"complete", func() error { return s.CompleteTask(ctx, "nope", nil) }},
		{"fail", func() error { return s.FailTask(ctx, "nope", "boom") }},
		{"skip", func() error { return s.SkipTask(ctx, "nope") }},
		{"requeue", func() error { return s.RequeueTask(ctx, "nope") }},
		{"update context", func() error { return s.UpdateTaskContext(ctx, "nope", map[string]any{"k": 1}) }},
		{"increment failure count", func() error { _, err := s.IncrementFailureCount(ctx, "nope"); return err }},
		{"get", func() error { _, err := s.GetTask(ctx, "nope"); return err }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.op()
			require.ErrorIs(t, err, ErrTaskNotFound)
			assert.Contains(t, err.Error(), "nope")
		})
	}
}

func TestFailAndRequeue(t *testing.T) {
	ctx := context.Background()
	s, rec := testScheduler(t)
	task := mustCreate(t, s, TaskSpec{Name: "A"})

	next, err := s.GetNextTask(ctx)
	require.NoError(t, err)
	require.Equal(t, task.ID, next.ID)

	require.NoError(t, s.FailTask(ctx, task.ID, "backend exploded"))
	failed, err := s.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, TaskFailed, failed.Status)
	assert.Equal(t, 1, failed.FailureCount)

	// Failed tasks are never selected until requeued.
	next, err = s.GetNextTask(ctx)
	require.NoError(t, err)
	assert.Nil(t, next)

	require.NoError(t, s.RequeueTask(ctx, task.ID))
	requeued, err := s.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, TaskPending, requeued.Status)
	assert.Equal(t, 1, requeued.FailureCount)
	assert.NotNil(t, requeued.StartedAt, "requeue keeps timestamps")

	next, err = s.GetNextTask(ctx)
	require.NoError(t, err)
	require.NotNil(t, next)
	assert.Equal(t, task.ID, next.ID)

	activities := rec.Activities()
	require.Len(t, activities, 1)
	assert.False(t, activities[0].Success)
	assert.Equal(t, "backend exploded", activities[0].Reason)
}

func TestSkipTask(t *testing.T) {
	ctx := context.Background()
	s, rec := testScheduler(t)
	task := mustCreate(t, s, TaskSpec{Name: "A"})

	require.NoError(t, s.SkipTask(ctx, task.ID))

	stored, err := s.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, TaskSkipped, stored.Status)
	assert.NotNil(t, stored.CompletedAt)

	activities := rec.Activities()
	require.Len(t, activities, 1)
	assert.False(t, activities[0].Success)
	assert.Equal(t, SkippedReason, activities[0].Reason)
}

func TestSkippedDependencyDoesNotRelease(t *testing.T) {
	ctx := context.Background()
	s, _ := testScheduler(t)
	a := mustCreate(t, s, TaskSpec{Name: "A"})
	mustCreate(t, s, TaskSpec{Name: "B", Dependencies: []string{a.ID}})

	require.NoError(t, s.SkipTask(ctx, a.ID))

	next, err := s.GetNextTask(ctx)
	require.NoError(t, err)
	assert.Nil(t, next)
}

func TestParentCompletionDerivation(t *testing.T) {
	ctx := context.Background()
	s, _ := testScheduler(t)

	parent := mustCreate(t, s, TaskSpec{Name: "Parent", EstimatedEffort: 12, RequiresConfirmation: true})
	var specs []TaskSpec
	for i := 0; i < 3; i++ {
		specs = append(specs, TaskSpec{
			Name:    fmt.Sprintf("Sub %d", i),
			Context: map[string]any{ContextSubtaskIndex: i, ContextTotalSubtasks: 3},
		})
	}
	subs, err := s.Decompose(ctx, parent.ID, specs)
	require.NoError(t, err)
	var subIDs []string
	for _, sub := range subs {
		assert.Equal(t, []string{parent.ID}, sub.Dependencies)
		pid, ok := sub.ParentTaskID()
		assert.True(t, ok)
		assert.Equal(t, parent.ID, pid)
		subIDs = append(subIDs, sub.ID)
	}

	marked, err := s.GetTask(ctx, parent.ID)
	require.NoError(t, err)
	assert.Equal(t, TaskInProgress, marked.Status)
	assert.False(t, marked.RequiresConfirmation)
	assert.Equal(t, true, marked.Context[ContextConfirmOnClosure])

	for i, id := range subIDs {
		next, err := s.GetNextTask(ctx)
		require.NoError(t, err)
		require.NotNil(t, next, "subtask %d should be eligible", i)
		assert.Equal(t, id, next.ID)
		require.NoError(t, s.CompleteTask(ctx, id, fmt.Sprintf("result-%d", i)))

		p, err := s.GetTask(ctx, parent.ID)
		require.NoError(t, err)
		if i < 2 {
			assert.Equal(t, TaskInProgress, p.Status)
		} else {
			assert.Equal(t, TaskCompleted, p.Status)
			result, ok := p.Result.(map[string]any)
			require.True(t, ok)
			assert.Len(t, result[ContextSubtaskResults], 3)
		}
	}
}

func TestSubtasksWaitForParentDependencies(t *testing.T) {
	ctx := context.Background()
	s, _ := testScheduler(t)

	first := mustCreate(t, s, TaskSpec{Name: "First"})
	parent := mustCreate(t, s, TaskSpec{Name: "Parent", Dependencies: []string{first.ID}})
	subs, err := s.Decompose(ctx, parent.ID, []TaskSpec{{Name: "Sub"}})
	require.NoError(t, err)
	sub := subs[0]

	next, err := s.GetNextTask(ctx)
	require.NoError(t, err)
	require.NotNil(t, next)
	assert.Equal(t, first.ID, next.ID)

	next, err = s.GetNextTask(ctx)
	require.NoError(t, err)
	assert.Nil(t, next)

	require.NoError(t, s.CompleteTask(ctx, first.ID, nil))
	next, err = s.GetNextTask(ctx)
	require.NoError(t, err)
	require.NotNil(t, next)
	assert.Equal(t, sub.ID, next.ID)
}

// failingBatchStore rejects every batch write.
type failingBatchStore struct {
	*MemoryStore
}

func (failingBatchStore) PutAll(context.Context, []*Task) error {
	return errors.New("disk full")
}

func TestDecompose_StoreFailureWritesNothing(t *testing.T) {
	ctx := context.Background()
	s := New(failingBatchStore{NewMemoryStore()})

	parent := mustCreate(t, s, TaskSpec{Name: "Parent", RequiresConfirmation: true})
	subs, err := s.Decompose(ctx, parent.ID, []TaskSpec{{Name: "A"}, {Name: "B"}, {Name: "C"}})
	require.Error(t, err)
	assert.Nil(t, subs)

	all, err := s.GetAllTasks(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, TaskPending, all[0].Status)
	assert.True(t, all[0].RequiresConfirmation)
	assert.False(t, all[0].HasSubtasks())
}

func TestDecompose_Errors(t *testing.T) {
	ctx := context.Background()
	s, _ := testScheduler(t)

	_, err := s.Decompose(ctx, "missing", []TaskSpec{{Name: "A"}})
	require.ErrorIs(t, err, ErrTaskNotFound)

	parent := mustCreate(t, s, TaskSpec{Name: "Parent"})
	_, err = s.Decompose(ctx, parent.ID, []TaskSpec{{Name: "A"}})
	require.NoError(t, err)
	_, err = s.Decompose(ctx, parent.ID, []TaskSpec{{Name: "B"}})
	require.Error(t, err)

	all, err := s.GetAllTasks(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestCheckParentTaskCompletion_NoSubtasksIsNoop(t *testing.T) {
	ctx := context.Background()
	s, _ := testScheduler(t)
	task := mustCreate(t, s, TaskSpec{Name: "Leaf"})

	require.NoError(t, s.CheckParentTaskCompletion(ctx, task.ID))

	stored, err := s.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, TaskPending, stored.Status)
}

func TestGetHighPriorityTaskCount(t *testing.T) {
	ctx := context.Background()
	s, _ := testScheduler(t)

	crit := mustCreate(t, s, TaskSpec{Name: "crit", Priority: PriorityCritical})
	high := mustCreate(t, s, TaskSpec{Name: "high", Priority: PriorityHigh})
	mustCreate(t, s, TaskSpec{Name: "high-pending", Priority: PriorityHigh})
	mustCreate(t, s, TaskSpec{Name: "medium", Priority: PriorityMedium})

	count, err := s.GetHighPriorityTaskCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, count)

	require.NoError(t, s.CompleteTask(ctx, crit.ID, nil))
	require.NoError(t, s.SkipTask(ctx, high.ID))

	count, err = s.GetHighPriorityTaskCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestUpdateTaskContextAndFailureCount(t *testing.T) {
	ctx := context.Background()
	s, _ := testScheduler(t)
	task := mustCreate(t, s, TaskSpec{Name: "A", Context: map[string]any{"a": 1}})

	require.NoError(t, s.UpdateTaskContext(ctx, task.ID, map[string]any{"b": "two"}))
	n, err := s.IncrementFailureCount(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	stored, err := s.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"a": 1, "b": "two"}, stored.Context)
	assert.Equal(t, TaskPending, stored.Status)
	assert.Equal(t, 1, stored.FailureCount)
}

func TestEventsPublished(t *testing.T) {
	ctx := context.Background()
	bus := events.NewEventBus()
	defer bus.Close()
	taskCh := bus.Subscribe(events.TopicTask, 16)

	s, _ := testScheduler(t, WithSink(bus))
	task := mustCreate(t, s, TaskSpec{Name: "A"})

	_, err := s.GetNextTask(ctx)
	require.NoError(t, err)
	require.NoError(t, s.CompleteTask(ctx, task.ID, nil))

	var types []string
	for i := 0; i < 2; i++ {
		select {
		case ev := <-taskCh:
			types = append(types, ev.EventType())
		case <-time.After(100 * time.Millisecond):
			t.Fatal("timeout waiting for event")
		}
	}
	assert.Equal(t, []string{events.EventTypeTaskStarted, events.EventTypeTaskCompleted}, types)
}

func TestCounts(t *testing.T) {
	ctx := context.Background()
	s, _ := testScheduler(t)
	a := mustCreate(t, s, TaskSpec{Name: "A"})
	mustCreate(t, s, TaskSpec{Name: "B"})
	require.NoError(t, s.FailTask(ctx, a.ID, "x"))

	c, err := s.Counts(ctx)
	require.NoError(t, err)
	assert.Equal(t, StatusCounts{Total: 2, Pending: 1, Failed: 1}, c)
}
