package scheduler

import (
	"context"
	"fmt"
	"sort"

	"github.com/gammazero/toposort"
)

// DependencyReport is a diagnostic view of the dependency graph. GetNextTask never
// consults it: tasks caught in a cycle simply stay ineligible.
type DependencyReport struct {
	Order   []string            // Topological order when the graph is acyclic
	Cyclic  []string            // Tasks that can never be released (in or behind a cycle), sorted
	Missing map[string][]string // Task ID -> dependency IDs absent from the store
}

// HasCycle reports whether any task is stuck behind a cycle.
func (r DependencyReport) HasCycle() bool {
	return len(r.Cyclic) > 0
}

// DetectCycles runs a topological sort over the stored tasks using gammazero/toposort.
// Dependencies on unknown tasks are reported in Missing and left out of the sort.
func (s *Scheduler) DetectCycles(ctx context.Context) (DependencyReport, error) {
	tasks, err := s.store.All(ctx)
	if err != nil {
		return DependencyReport{}, fmt.Errorf("failed to list tasks: %w", err)
	}
	return analyzeDependencies(tasks)
}

func analyzeDependencies(tasks []*Task) (DependencyReport, error) {
	report := DependencyReport{Missing: map[string][]string{}}

	known := make(map[string]*Task, len(tasks))
	for _, task := range tasks {
		known[task.ID] = task
	}

	// Edge (depID, taskID) means depID must come before taskID
	var edges []toposort.Edge
	for _, task := range tasks {
		edges = append(edges, toposort.Edge{nil, task.ID})
		for _, depID := range task.Dependencies {
			if _, ok := known[depID]; !ok {
				report.Missing[task.ID] = append(report.Missing[task.ID], depID)
				continue
			}
			edges = append(edges, toposort.Edge{depID, task.ID})
		}
	}

	sorted, err := toposort.Toposort(edges)
	if err == nil {
		for _, id := range sorted {
			if id != nil {
				report.Order = append(report.Order, id.(string))
			}
		}
		return report, nil
	}

	report.Cyclic = stuckTasks(tasks, known)
	if len(report.Cyclic) == 0 {
		return report, fmt.Errorf("dependency sort failed: %w", err)
	}
	return report, nil
}

// stuckTasks peels off every task whose known dependencies can all be released;
// whatever remains sits in or behind a cycle.
func stuckTasks(tasks []*Task, known map[string]*Task) []string {
	released := make(map[string]bool, len(tasks))
	for progress := true; progress; {
		progress = false
		for _, task := range tasks {
			if released[task.ID] {
				continue
			}
			ready := true
			for _, depID := range task.Dependencies {
				if _, ok := known[depID]; ok && !released[depID] {
					ready = false
					break
				}
			}
			if ready {
				released[task.ID] = true
				progress = true
			}
		}
	}

	var stuck []string
	for _, task := range tasks {
		if !released[task.ID] {
			stuck = append(stuck, task.ID)
		}
	}
	sort.Strings(stuck)
	return stuck
}
