package decompose

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/autopilot/internal/scheduler"
)

func newTestScheduler() *scheduler.Scheduler {
	seq := 0
	return scheduler.New(scheduler.NewMemoryStore(), scheduler.WithIDGenerator(func() string {
		seq++
		return fmt.Sprintf("task-%d", seq)
	}))
}

func TestGenerateSubtasks_Threshold(t *testing.T) {
	tests := []struct {
		name   string
		effort float64
		want   int
	}{
		{"zero effort", 0, 0},
		{"below threshold", 3.5, 0},
		{"exactly at threshold", 4, 0},
		{"just above threshold", 4.01, 2},
		{"twice threshold", 8, 2},
		{"ten hours", 10, 3},
		{"beyond archetypes", 25, 7},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			s := newTestScheduler()
			engine := NewEngine(s)

			parent, err := s.CreateTask(ctx, scheduler.TaskSpec{Name: "Parent", EstimatedEffort: tt.effort, Priority: scheduler.PriorityMedium})
			require.NoError(t, err)

			subtasks, err := engine.GenerateSubtasks(ctx, parent)
			require.NoError(t, err)
			require.Len(t, subtasks, tt.want)

			total := 0.0
			for _, sub := range subtasks {
				total += sub.EstimatedEffort
			}
			if tt.want > 0 {
				assert.InDelta(t, tt.effort, total, 1e-9)
			}
		})
	}
}

func TestGenerateSubtasks_SubtaskShape(t *testing.T) {
	ctx := context.Background()
	s := newTestScheduler()
	engine := NewEngine(s)

	parent, err := s.CreateTask(ctx, scheduler.TaskSpec{
		Name:                 "Ship API",
		EstimatedEffort:      12,
		Priority:             scheduler.PriorityHigh,
		MilestoneID:          "m7",
		RequiresConfirmation: true,
	})
	require.NoError(t, err)

	subtasks, err := engine.GenerateSubtasks(ctx, parent)
	require.NoError(t, err)
	require.Len(t, subtasks, 3)

	for i, sub := range subtasks {
		assert.Equal(t, scheduler.TaskPending, sub.Status)
		assert.Equal(t, []string{parent.ID}, sub.Dependencies)
		assert.Equal(t, "m7", sub.MilestoneID)
		assert.Equal(t, scheduler.PriorityHigh, sub.Priority)
		assert.False(t, sub.RequiresConfirmation)
		assert.Equal(t, 4.0, sub.EstimatedEffort)
		assert.Equal(t, parent.ID, sub.Context[scheduler.ContextParentTaskID])
		assert.Equal(t, i, sub.Context[scheduler.ContextSubtaskIndex])
		assert.Equal(t, 3, sub.Context[scheduler.ContextTotalSubtasks])
	}
	assert.Equal(t, "Research: Ship API", subtasks[0].Name)
	assert.Equal(t, "Design: Ship API", subtasks[1].Name)
	assert.Equal(t, "Implementation: Ship API", subtasks[2].Name)

	stored, err := s.GetTask(ctx, parent.ID)
	require.NoError(t, err)
	assert.Equal(t, scheduler.TaskInProgress, stored.Status)
	assert.True(t, stored.HasSubtasks())
	assert.False(t, stored.RequiresConfirmation)
	assert.Equal(t, true, stored.Context[scheduler.ContextConfirmOnClosure])
}

func TestCreateTaskFromMilestone_EndToEnd(t *testing.T) {
	ctx := context.Background()
	s := newTestScheduler()
	engine := NewEngine(s)

	parent, subtasks, err := engine.CreateTaskFromMilestone(ctx, Milestone{
		ID:              "m1",
		Name:            "Milestone one",
		Priority:        scheduler.PriorityHigh,
		EstimatedEffort: 10,
	})
	require.NoError(t, err)
	require.Len(t, subtasks, 3)

	all, err := s.GetAllTasks(ctx)
	require.NoError(t, err)
	require.Len(t, all, 4)

	stored, err := s.GetTask(ctx, parent.ID)
	require.NoError(t, err)
	assert.Equal(t, scheduler.TaskInProgress, stored.Status)
	assert.Equal(t, "m1", stored.MilestoneID)

	total := 0.0
	for _, sub := range subtasks {
		assert.Equal(t, scheduler.TaskPending, sub.Status)
		assert.Equal(t, []string{parent.ID}, sub.Dependencies)
		total += sub.EstimatedEffort
	}
	assert.InDelta(t, 10.0, total, 1e-9)

	for i := range subtasks {
		next, err := s.GetNextTask(ctx)
		require.NoError(t, err)
		require.NotNil(t, next)
		assert.Equal(t, subtasks[i].ID, next.ID)
		require.NoError(t, s.CompleteTask(ctx, next.ID, fmt.Sprintf("result %d", i)))
	}

	stored, err = s.GetTask(ctx, parent.ID)
	require.NoError(t, err)
	assert.Equal(t, scheduler.TaskCompleted, stored.Status)

	next, err := s.GetNextTask(ctx)
	require.NoError(t, err)
	assert.Nil(t, next)
}

func TestCreateTaskFromMilestone_ConfirmationByPriority(t *testing.T) {
	tests := []struct {
		priority scheduler.Priority
		want     bool
	}{
		{scheduler.PriorityCritical, true},
		{scheduler.PriorityHigh, true},
		{scheduler.PriorityMedium, false},
		{scheduler.PriorityLow, false},
		{scheduler.PriorityOptimization, false},
	}
	for _, tt := range tests {
		t.Run(tt.priority.String(), func(t *testing.T) {
			s := newTestScheduler()
			task, subtasks, err := NewEngine(s).CreateTaskFromMilestone(context.Background(), Milestone{
				ID:              "m",
				Name:            "Small",
				Priority:        tt.priority,
				EstimatedEffort: 1,
				Dependencies:    []string{"other"},
			})
			require.NoError(t, err)
			assert.Empty(t, subtasks)
			assert.Equal(t, tt.want, task.RequiresConfirmation)
			assert.Equal(t, tt.priority, task.Priority)
			assert.Equal(t, []string{"other"}, task.Dependencies)
		})
	}
}

func TestGenerateSubtasks_UsesPrimaryGenerator(t *testing.T) {
	ctx := context.Background()
	s := newTestScheduler()
	gen := GeneratorFunc(func(_ context.Context, parent *scheduler.Task, count int) ([]Suggestion, error) {
		out := make([]Suggestion, count)
		for i := range out {
			out[i] = Suggestion{Name: fmt.Sprintf("step %d", i+1), EstimatedEffort: 100}
		}
		return out, nil
	})
	engine := NewEngine(s, WithGenerator(gen))

	parent, err := s.CreateTask(ctx, scheduler.TaskSpec{Name: "Big", EstimatedEffort: 9})
	require.NoError(t, err)

	subtasks, err := engine.GenerateSubtasks(ctx, parent)
	require.NoError(t, err)
	require.Len(t, subtasks, 3)
	assert.Equal(t, "step 1", subtasks[0].Name)
	// Suggested efforts are ignored in favour of an equal split.
	assert.Equal(t, 3.0, subtasks[0].EstimatedEffort)
}

func TestGenerateSubtasks_FallsBackWhenUnavailable(t *testing.T) {
	ctx := context.Background()
	s := newTestScheduler()
	gen := GeneratorFunc(func(context.Context, *scheduler.Task, int) ([]Suggestion, error) {
		return nil, fmt.Errorf("%w: circuit open", ErrGeneratorUnavailable)
	})
	engine := NewEngine(s, WithGenerator(gen))

	parent, err := s.CreateTask(ctx, scheduler.TaskSpec{Name: "Big", EstimatedEffort: 6})
	require.NoError(t, err)

	subtasks, err := engine.GenerateSubtasks(ctx, parent)
	require.NoError(t, err)
	require.Len(t, subtasks, 2)
	assert.Equal(t, "Research: Big", subtasks[0].Name)
}

func TestGenerateSubtasks_FailureLeavesLeaf(t *testing.T) {
	tests := []struct {
		name string
		gen  Generator
	}{
		{"error", GeneratorFunc(func(context.Context, *scheduler.Task, int) ([]Suggestion, error) {
			return nil, errors.New("model refused")
		})},
		{"wrong count", GeneratorFunc(func(context.Context, *scheduler.Task, int) ([]Suggestion, error) {
			return []Suggestion{{Name: "only one"}}, nil
		})},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			s := newTestScheduler()
			engine := NewEngine(s, WithGenerator(tt.gen))

			parent, err := s.CreateTask(ctx, scheduler.TaskSpec{Name: "Big", EstimatedEffort: 20})
			require.NoError(t, err)

			subtasks, err := engine.GenerateSubtasks(ctx, parent)
			require.NoError(t, err)
			assert.Empty(t, subtasks)

			all, err := s.GetAllTasks(ctx)
			require.NoError(t, err)
			assert.Len(t, all, 1)

			stored, err := s.GetTask(ctx, parent.ID)
			require.NoError(t, err)
			assert.Equal(t, scheduler.TaskPending, stored.Status)
			assert.False(t, stored.HasSubtasks())
		})
	}
}

// flakyBatchStore fails batch writes while failing is set.
type flakyBatchStore struct {
	*scheduler.MemoryStore
	failing bool
}

func (s *flakyBatchStore) PutAll(ctx context.Context, tasks []*scheduler.Task) error {
	if s.failing {
		return errors.New("disk full")
	}
	return s.MemoryStore.PutAll(ctx, tasks)
}

func TestCreateTaskFromMilestone_StoreFailureLeavesLeaf(t *testing.T) {
	ctx := context.Background()
	store := &flakyBatchStore{MemoryStore: scheduler.NewMemoryStore(), failing: true}
	s := scheduler.New(store)
	engine := NewEngine(s)

	task, subtasks, err := engine.CreateTaskFromMilestone(ctx, Milestone{ID: "m1", Name: "Big", Priority: scheduler.PriorityHigh, EstimatedEffort: 10})
	require.NoError(t, err)
	assert.Empty(t, subtasks)

	all, err := s.GetAllTasks(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, task.ID, all[0].ID)
	assert.Equal(t, scheduler.TaskPending, all[0].Status)
	assert.False(t, all[0].HasSubtasks())
	assert.True(t, all[0].RequiresConfirmation)

	// Once the store recovers the same task can still be split.
	store.failing = false
	subtasks, err = engine.GenerateSubtasks(ctx, all[0])
	require.NoError(t, err)
	assert.Len(t, subtasks, 3)

	all, err = s.GetAllTasks(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 4)
}

func TestWithThreshold(t *testing.T) {
	s := newTestScheduler()
	assert.Equal(t, DefaultThreshold, NewEngine(s).Threshold())
	assert.Equal(t, 2.5, NewEngine(s, WithThreshold(2.5)).Threshold())
	assert.Equal(t, DefaultThreshold, NewEngine(s, WithThreshold(-1)).Threshold())
}

func TestArchetypeGenerator_Names(t *testing.T) {
	parent := &scheduler.Task{Name: "Launch", EstimatedEffort: 14}
	out, err := ArchetypeGenerator{}.Generate(context.Background(), parent, 7)
	require.NoError(t, err)
	require.Len(t, out, 7)

	assert.Equal(t, "Documentation: Launch", out[4].Name)
	assert.Equal(t, "Subtask 6 for Launch", out[5].Name)
	assert.Equal(t, 2.0, out[6].EstimatedEffort)
}
