package plan

import (
	"context"
	"errors"
	"fmt"

	"github.com/gammazero/toposort"
	"github.com/rs/zerolog"

	"github.com/aristath/autopilot/internal/decompose"
	"github.com/aristath/autopilot/internal/progress"
	"github.com/aristath/autopilot/internal/scheduler"
)

// Order returns milestones so that every milestone follows its dependencies, keeping
// declaration order among independent milestones. When the dependency graph has a
// cycle, declaration order is returned with cyclic set to true.
func (p *Plan) Order() (ordered []FeatureMilestone, cyclic bool) {
	all := p.Milestones()
	var edges []toposort.Edge
	for _, fm := range all {
		edges = append(edges, toposort.Edge{nil, fm.ID})
		for _, dep := range fm.Dependencies {
			edges = append(edges, toposort.Edge{dep, fm.ID})
		}
	}
	if _, err := toposort.Toposort(edges); err != nil {
		return all, true
	}

	placed := make(map[string]bool, len(all))
	for len(ordered) < len(all) {
		progressed := false
		for _, fm := range all {
			if placed[fm.ID] || !depsPlaced(fm.Dependencies, placed) {
				continue
			}
			placed[fm.ID] = true
			ordered = append(ordered, fm)
			progressed = true
		}
		if !progressed {
			// Unknown dependency ids; Validate reports them.
			return all, false
		}
	}
	return ordered, false
}

func depsPlaced(deps []string, placed map[string]bool) bool {
	for _, dep := range deps {
		if !placed[dep] {
			return false
		}
	}
	return true
}

// TaskSource finds tasks already created for a milestone.
type TaskSource interface {
	GetTasksByMilestone(ctx context.Context, milestoneID string) ([]*scheduler.Task, error)
}

// Result describes what Apply did.
type Result struct {
	TaskIDs  map[string]string // Milestone ID -> task ID
	Created  []string          // Milestones that got a new task
	Existing []string          // Milestones whose task was already present
	Subtasks int
	Cyclic   bool
}

// Applier seeds the hierarchy and the task store from a plan.
type Applier struct {
	hierarchy  progress.Hierarchy
	tasks      TaskSource
	engine     *decompose.Engine
	aggregator *progress.Aggregator
	logger     zerolog.Logger
}

// NewApplier creates an Applier. aggregator may be nil.
func NewApplier(h progress.Hierarchy, tasks TaskSource, engine *decompose.Engine, aggregator *progress.Aggregator, logger zerolog.Logger) *Applier {
	return &Applier{
		hierarchy:  h,
		tasks:      tasks,
		engine:     engine,
		aggregator: aggregator,
		logger:     logger.With().Str("component", "plan").Logger(),
	}
}

// Apply validates the plan, upserts its hierarchy records and creates one task per
// milestone through the decomposition engine. Re-applying a plan keeps recorded
// progress and does not duplicate tasks.
func (a *Applier) Apply(ctx context.Context, p *Plan) (*Result, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	if err := a.putHierarchy(ctx, p); err != nil {
		return nil, err
	}

	ordered, cyclic := p.Order()
	if cyclic {
		a.logger.Warn().Msg("milestone dependencies contain a cycle; affected tasks will never become eligible")
	}

	res := &Result{TaskIDs: map[string]string{}, Cyclic: cyclic}
	for _, fm := range ordered {
		existing, err := a.tasks.GetTasksByMilestone(ctx, fm.ID)
		if err != nil {
			return nil, fmt.Errorf("failed to look up tasks of milestone %q: %w", fm.ID, err)
		}
		if root := rootTask(existing); root != nil {
			res.TaskIDs[fm.ID] = root.ID
			res.Existing = append(res.Existing, fm.ID)
			continue
		}

		deps := make([]string, 0, len(fm.Dependencies))
		for _, dep := range fm.Dependencies {
			if id, ok := res.TaskIDs[dep]; ok {
				deps = append(deps, id)
			} else {
				// Only reachable through a cycle: the reference stays unresolved.
				deps = append(deps, "milestone:"+dep)
			}
		}

		task, subtasks, err := a.engine.CreateTaskFromMilestone(ctx, decompose.Milestone{
			ID:              fm.ID,
			Name:            fm.Name,
			Description:     fm.Description,
			Priority:        fm.Priority.Value(),
			EstimatedEffort: fm.EstimatedEffort,
			Dependencies:    deps,
			TestCriteria:    fm.TestCriteria,
		})
		if err != nil {
			return nil, err
		}
		res.TaskIDs[fm.ID] = task.ID
		res.Created = append(res.Created, fm.ID)
		res.Subtasks += len(subtasks)

		a.logger.Info().Str("milestone_id", fm.ID).Str("task_id", task.ID).Int("subtasks", len(subtasks)).Msg("milestone scheduled")

		if err := a.syncProgress(ctx, fm.ID, task, subtasks); err != nil {
			return nil, err
		}
	}

	return res, nil
}

// syncProgress registers the milestone's leaf tasks as goals: the subtasks when the
// task was decomposed, otherwise the task itself.
func (a *Applier) syncProgress(ctx context.Context, milestoneID string, task *scheduler.Task, subtasks []*scheduler.Task) error {
	if a.aggregator == nil {
		return nil
	}
	leaves := subtasks
	if len(leaves) == 0 {
		leaves = []*scheduler.Task{task}
	}
	for _, t := range leaves {
		if err := a.aggregator.SyncTask(ctx, t); err != nil {
			return fmt.Errorf("failed to sync progress of task %q: %w", t.ID, err)
		}
	}
	return a.aggregator.Cascade(ctx, milestoneID)
}

func (a *Applier) putHierarchy(ctx context.Context, p *Plan) error {
	project := &progress.Project{ID: p.Project.ID, Name: p.Project.Name, Description: p.Project.Description}
	if prev, err := a.hierarchy.GetProject(ctx, project.ID); err == nil {
		project.Progress, project.LastUpdated = prev.Progress, prev.LastUpdated
	} else if !errors.Is(err, progress.ErrNotFound) {
		return err
	}
	if err := a.hierarchy.PutProject(ctx, project); err != nil {
		return err
	}

	for _, f := range p.Features {
		feature := &progress.Feature{ID: f.ID, ProjectID: project.ID, Name: f.Name, Description: f.Description, Priority: f.Priority}
		if prev, err := a.hierarchy.GetFeature(ctx, f.ID); err == nil {
			feature.Progress, feature.LastUpdated = prev.Progress, prev.LastUpdated
		} else if !errors.Is(err, progress.ErrNotFound) {
			return err
		}
		if err := a.hierarchy.PutFeature(ctx, feature); err != nil {
			return err
		}

		for _, m := range f.Milestones {
			milestone := &progress.Milestone{
				ID:               m.ID,
				FeatureID:        f.ID,
				Name:             m.Name,
				Description:      m.Description,
				PercentOfFeature: m.PercentOfFeature,
				Priority:         m.Priority.Value(),
				EstimatedEffort:  m.EstimatedEffort,
				Dependencies:     m.Dependencies,
				TestCriteria:     m.TestCriteria,
			}
			if prev, err := a.hierarchy.GetMilestone(ctx, m.ID); err == nil {
				milestone.Progress, milestone.LastUpdated = prev.Progress, prev.LastUpdated
			} else if !errors.Is(err, progress.ErrNotFound) {
				return err
			}
			if err := a.hierarchy.PutMilestone(ctx, milestone); err != nil {
				return err
			}

			for _, g := range m.Goals {
				if _, err := a.hierarchy.GetGoal(ctx, g.ID); err == nil {
					continue
				} else if !errors.Is(err, progress.ErrNotFound) {
					return err
				}
				if err := a.hierarchy.PutGoal(ctx, &progress.Goal{
					ID:                 g.ID,
					MilestoneID:        m.ID,
					Name:               g.Name,
					PercentOfMilestone: g.PercentOfMilestone,
					Status:             scheduler.TaskPending,
					Progress:           g.Progress,
				}); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

// rootTask returns the milestone's own task: the first one that is not a subtask.
func rootTask(tasks []*scheduler.Task) *scheduler.Task {
	for _, t := range tasks {
		if _, ok := t.ParentTaskID(); !ok {
			return t
		}
	}
	return nil
}
