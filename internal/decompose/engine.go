package decompose

import (
	"context"
	"errors"
	"fmt"
	"math"

	"github.com/rs/zerolog"

	"github.com/aristath/autopilot/internal/scheduler"
)

// DefaultThreshold is the effort, in hours, above which a task is split.
const DefaultThreshold = 4.0

// TaskCreator is the slice of the scheduler the engine writes through.
type TaskCreator interface {
	CreateTask(ctx context.Context, spec scheduler.TaskSpec) (*scheduler.Task, error)
	Decompose(ctx context.Context, parentID string, specs []scheduler.TaskSpec) ([]*scheduler.Task, error)
}

// Milestone is the planning input turned into a task by CreateTaskFromMilestone.
type Milestone struct {
	ID              string
	Name            string
	Description     string
	Priority        scheduler.Priority
	EstimatedEffort float64
	Dependencies    []string // Task IDs the milestone's task waits on
	TestCriteria    []string
}

// Engine turns milestones into tasks and splits oversized tasks into subtasks.
type Engine struct {
	tasks     TaskCreator
	generator Generator
	fallback  Generator
	threshold float64
	logger    zerolog.Logger
}

// Option configures an Engine.
type Option func(*Engine)

// WithGenerator sets the primary subtask generator. Without one, archetypes are used.
func WithGenerator(g Generator) Option {
	return func(e *Engine) { e.generator = g }
}

// WithThreshold sets the decomposition threshold in effort-hours.
func WithThreshold(hours float64) Option {
	return func(e *Engine) {
		if hours > 0 {
			e.threshold = hours
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(e *Engine) { e.logger = logger.With().Str("component", "decompose").Logger() }
}

// NewEngine creates an Engine writing through tasks.
func NewEngine(tasks TaskCreator, opts ...Option) *Engine {
	e := &Engine{
		tasks:     tasks,
		fallback:  ArchetypeGenerator{},
		threshold: DefaultThreshold,
		logger:    zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Threshold returns the effective decomposition threshold.
func (e *Engine) Threshold() float64 {
	return e.threshold
}

// CreateTaskFromMilestone creates the task for a milestone and decomposes it when its
// effort exceeds the threshold. Critical and High milestones require confirmation.
func (e *Engine) CreateTaskFromMilestone(ctx context.Context, m Milestone) (*scheduler.Task, []*scheduler.Task, error) {
	task, err := e.tasks.CreateTask(ctx, scheduler.TaskSpec{
		Name:                 m.Name,
		Description:          m.Description,
		Priority:             m.Priority,
		Dependencies:         m.Dependencies,
		EstimatedEffort:      m.EstimatedEffort,
		MilestoneID:          m.ID,
		RequiresConfirmation: m.Priority <= scheduler.PriorityHigh,
		TestCriteria:         m.TestCriteria,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create task for milestone %q: %w", m.ID, err)
	}

	subtasks, err := e.GenerateSubtasks(ctx, task)
	if err != nil {
		return task, nil, err
	}
	return task, subtasks, nil
}

// GenerateSubtasks splits parent into ceil(effort/threshold) subtasks when its effort
// exceeds the threshold. Each subtask depends on the parent, shares its milestone and
// priority, and carries an equal share of the effort.
//
// A generator or store failure leaves the parent as an ordinary leaf task and returns
// no error: the subtasks and the parent's new state are written in one step, so
// nothing is half-created.
func (e *Engine) GenerateSubtasks(ctx context.Context, parent *scheduler.Task) ([]*scheduler.Task, error) {
	if parent.EstimatedEffort <= e.threshold {
		return nil, nil
	}
	count := int(math.Ceil(parent.EstimatedEffort / e.threshold))

	suggestions, err := e.suggest(ctx, parent, count)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		e.logger.Warn().Err(err).Str("task_id", parent.ID).Int("count", count).Msg("decomposition failed; keeping task as a leaf")
		return nil, nil
	}

	share := parent.EstimatedEffort / float64(count)
	specs := make([]scheduler.TaskSpec, count)
	for i, s := range suggestions {
		specs[i] = scheduler.TaskSpec{
			Name:            s.Name,
			Description:     s.Description,
			Priority:        parent.Priority,
			Dependencies:    []string{parent.ID},
			EstimatedEffort: share,
			MilestoneID:     parent.MilestoneID,
			Context: map[string]any{
				scheduler.ContextParentTaskID:  parent.ID,
				scheduler.ContextSubtaskIndex:  i,
				scheduler.ContextTotalSubtasks: count,
			},
		}
	}

	subtasks, err := e.tasks.Decompose(ctx, parent.ID, specs)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		e.logger.Warn().Err(err).Str("task_id", parent.ID).Int("count", count).Msg("failed to store subtasks; keeping task as a leaf")
		return nil, nil
	}

	e.logger.Info().Str("task_id", parent.ID).Int("subtasks", count).Float64("effort_each", share).Msg("task decomposed")
	return subtasks, nil
}

// suggest asks the primary generator and falls back to archetypes when it is unavailable.
func (e *Engine) suggest(ctx context.Context, parent *scheduler.Task, count int) ([]Suggestion, error) {
	if e.generator != nil {
		suggestions, err := e.generator.Generate(ctx, parent, count)
		switch {
		case err == nil:
			if len(suggestions) != count {
				return nil, fmt.Errorf("%w: got %d subtasks, want %d", ErrMalformedResponse, len(suggestions), count)
			}
			return suggestions, nil
		case !errors.Is(err, ErrGeneratorUnavailable):
			return nil, err
		}
		e.logger.Info().Err(err).Str("task_id", parent.ID).Msg("generator unavailable; using archetypes")
	}
	return e.fallback.Generate(ctx, parent, count)
}
