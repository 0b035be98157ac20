package progress

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/autopilot/internal/events"
	"github.com/aristath/autopilot/internal/scheduler"
)

// Aggregator recomputes percentages bottom-up: goal, milestone, feature, project.
// Every level is recomputed from the current state of its children, so running it
// again with unchanged children yields the same value.
type Aggregator struct {
	store  Hierarchy
	sink   events.Sink
	logger zerolog.Logger
	now    func() time.Time
}

// Option configures an Aggregator.
type Option func(*Aggregator)

// WithSink sets the notification sink.
func WithSink(sink events.Sink) Option {
	return func(a *Aggregator) { a.sink = sink }
}

// WithLogger sets the logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(a *Aggregator) { a.logger = logger.With().Str("component", "progress").Logger() }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(a *Aggregator) { a.now = now }
}

// NewAggregator creates an Aggregator over store.
func NewAggregator(store Hierarchy, opts ...Option) *Aggregator {
	a := &Aggregator{
		store:  store,
		sink:   events.NopSink{},
		logger: zerolog.Nop(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// SetGoalProgress sets a goal's progress directly (clamped to 0-100) and cascades upward.
func (a *Aggregator) SetGoalProgress(ctx context.Context, goalID string, value float64) error {
	goal, err := a.store.GetGoal(ctx, goalID)
	if err != nil {
		return err
	}
	goal.Progress = clamp(value)
	if goal.Progress >= 100 && goal.Status != scheduler.TaskSkipped {
		goal.Status = scheduler.TaskCompleted
	}
	return a.saveGoal(ctx, goal)
}

// SyncTask mirrors a leaf task into the goal with the same id and cascades upward.
// Completed maps to 100 and Skipped excludes the goal from its milestone; any other
// status keeps the goal's last known progress. Decomposed parents are not goals.
func (a *Aggregator) SyncTask(ctx context.Context, task *scheduler.Task) error {
	if task.HasSubtasks() || task.MilestoneID == "" {
		return nil
	}

	goal, err := a.store.GetGoal(ctx, task.ID)
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			return err
		}
		// No declared weight: derived goals count once, like unweighted plan goals.
		goal = &Goal{
			ID:          task.ID,
			MilestoneID: task.MilestoneID,
			Name:        task.Name,
		}
	}
	goal.Status = task.Status
	if task.Status == scheduler.TaskCompleted {
		goal.Progress = 100
	}
	return a.saveGoal(ctx, goal)
}

func (a *Aggregator) saveGoal(ctx context.Context, goal *Goal) error {
	goal.LastUpdated = a.now()
	if err := a.store.PutGoal(ctx, goal); err != nil {
		return fmt.Errorf("failed to save goal %q: %w", goal.ID, err)
	}
	a.publish(LevelGoal, goal.ID, goal.Progress)
	return a.Cascade(ctx, goal.MilestoneID)
}

// Cascade recomputes the milestone, then its feature, then the feature's project.
// A feature or project that is not recorded ends the cascade without error.
func (a *Aggregator) Cascade(ctx context.Context, milestoneID string) error {
	if milestoneID == "" {
		return nil
	}
	if _, err := a.RecalculateMilestone(ctx, milestoneID); err != nil {
		return err
	}

	m, err := a.store.GetMilestone(ctx, milestoneID)
	if err != nil {
		return err
	}
	if m.FeatureID == "" {
		return nil
	}
	if _, err := a.RecalculateFeature(ctx, m.FeatureID); err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil
		}
		return err
	}

	f, err := a.store.GetFeature(ctx, m.FeatureID)
	if err != nil {
		return err
	}
	if f.ProjectID == "" {
		return nil
	}
	_, err = a.RecalculateProject(ctx, f.ProjectID)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	return err
}

// RecalculateMilestone sets a milestone's progress to the weighted average of its
// non-skipped goals. Zero goals means 0.
func (a *Aggregator) RecalculateMilestone(ctx context.Context, id string) (float64, error) {
	m, err := a.store.GetMilestone(ctx, id)
	if err != nil {
		return 0, err
	}
	goals, err := a.store.GoalsByMilestone(ctx, id)
	if err != nil {
		return 0, fmt.Errorf("failed to list goals of milestone %q: %w", id, err)
	}

	var avg weightedAverage
	for _, g := range goals {
		if g.Status == scheduler.TaskSkipped {
			continue
		}
		avg.add(g.Progress, g.PercentOfMilestone)
	}

	m.Progress = avg.value()
	m.LastUpdated = a.now()
	if err := a.store.PutMilestone(ctx, m); err != nil {
		return 0, fmt.Errorf("failed to save milestone %q: %w", id, err)
	}
	a.publish(LevelMilestone, id, m.Progress)
	return m.Progress, nil
}

// RecalculateFeature sets a feature's progress to the weighted average of its milestones.
func (a *Aggregator) RecalculateFeature(ctx context.Context, id string) (float64, error) {
	f, err := a.store.GetFeature(ctx, id)
	if err != nil {
		return 0, err
	}
	milestones, err := a.store.MilestonesByFeature(ctx, id)
	if err != nil {
		return 0, fmt.Errorf("failed to list milestones of feature %q: %w", id, err)
	}

	var avg weightedAverage
	for _, m := range milestones {
		avg.add(m.Progress, m.PercentOfFeature)
	}

	f.Progress = avg.value()
	f.LastUpdated = a.now()
	if err := a.store.PutFeature(ctx, f); err != nil {
		return 0, fmt.Errorf("failed to save feature %q: %w", id, err)
	}
	a.publish(LevelFeature, id, f.Progress)
	return f.Progress, nil
}

// RecalculateProject sets a project's progress to the average of its features,
// weighted by feature priority.
func (a *Aggregator) RecalculateProject(ctx context.Context, id string) (float64, error) {
	p, err := a.store.GetProject(ctx, id)
	if err != nil {
		return 0, err
	}
	features, err := a.store.FeaturesByProject(ctx, id)
	if err != nil {
		return 0, fmt.Errorf("failed to list features of project %q: %w", id, err)
	}

	var avg weightedAverage
	for _, f := range features {
		avg.add(f.Progress, f.Priority)
	}

	p.Progress = avg.value()
	p.LastUpdated = a.now()
	if err := a.store.PutProject(ctx, p); err != nil {
		return 0, fmt.Errorf("failed to save project %q: %w", id, err)
	}
	a.publish(LevelProject, id, p.Progress)
	a.logger.Debug().Str("project_id", id).Float64("progress", p.Progress).Msg("project progress recalculated")
	return p.Progress, nil
}

func (a *Aggregator) publish(level, id string, value float64) {
	a.sink.Publish(events.TopicProgress, events.ProgressUpdatedEvent{
		Level:     level,
		ID:        id,
		Progress:  value,
		Timestamp: a.now(),
	})
}

type weightedAverage struct {
	sum, weights float64
}

func (w *weightedAverage) add(value, wt float64) {
	wt = weight(wt)
	w.sum += value * wt
	w.weights += wt
}

func (w *weightedAverage) value() float64 {
	if w.weights == 0 {
		return 0
	}
	return w.sum / w.weights
}

func clamp(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 100:
		return 100
	}
	return v
}
