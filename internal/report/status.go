package report

import (
	"context"
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/aristath/autopilot/internal/progress"
	"github.com/aristath/autopilot/internal/scheduler"
)

const barWidth = 30

// Source is the slice of the scheduler a status report reads.
type Source interface {
	Counts(ctx context.Context) (scheduler.StatusCounts, error)
	GetTasksByStatus(ctx context.Context, status scheduler.TaskStatus) ([]*scheduler.Task, error)
}

// FeatureNode is a feature with its milestones.
type FeatureNode struct {
	*progress.Feature
	Milestones []*progress.Milestone
}

// ProjectNode is a project with its features.
type ProjectNode struct {
	*progress.Project
	Features []FeatureNode
}

// Summary is a point-in-time snapshot of the schedule and the progress hierarchy.
type Summary struct {
	Counts   scheduler.StatusCounts
	Failed   []*scheduler.Task
	Projects []ProjectNode
}

// Collect gathers a Summary. h may be nil when no plan was applied.
func Collect(ctx context.Context, src Source, h progress.Hierarchy) (*Summary, error) {
	counts, err := src.Counts(ctx)
	if err != nil {
		return nil, err
	}
	failed, err := src.GetTasksByStatus(ctx, scheduler.TaskFailed)
	if err != nil {
		return nil, err
	}
	s := &Summary{Counts: counts, Failed: failed}
	if h == nil {
		return s, nil
	}

	projects, err := h.Projects(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list projects: %w", err)
	}
	for _, p := range projects {
		node := ProjectNode{Project: p}
		features, err := h.FeaturesByProject(ctx, p.ID)
		if err != nil {
			return nil, fmt.Errorf("failed to list features of %q: %w", p.ID, err)
		}
		for _, f := range features {
			milestones, err := h.MilestonesByFeature(ctx, f.ID)
			if err != nil {
				return nil, fmt.Errorf("failed to list milestones of %q: %w", f.ID, err)
			}
			node.Features = append(node.Features, FeatureNode{Feature: f, Milestones: milestones})
		}
		s.Projects = append(s.Projects, node)
	}
	return s, nil
}

// Render draws the summary. A positive width wraps it in a bordered box of that width.
func Render(s *Summary, width int) string {
	var b strings.Builder

	title := StyleTitle.Render("Autopilot Status")
	b.WriteString(title)
	b.WriteString("\n")
	b.WriteString(strings.Repeat("=", lipgloss.Width(title)))
	b.WriteString("\n\n")

	c := s.Counts
	b.WriteString(fmt.Sprintf("Total:       %d\n", c.Total))
	b.WriteString(fmt.Sprintf("Completed:   %s\n", StyleStatusComplete.Render(fmt.Sprintf("%d", c.Completed))))
	b.WriteString(fmt.Sprintf("In progress: %s\n", StyleStatusRunning.Render(fmt.Sprintf("%d", c.InProgress))))
	b.WriteString(fmt.Sprintf("Pending:     %s\n", StyleStatusPending.Render(fmt.Sprintf("%d", c.Pending))))
	b.WriteString(fmt.Sprintf("Failed:      %s\n", StyleStatusFailed.Render(fmt.Sprintf("%d", c.Failed))))
	b.WriteString(fmt.Sprintf("Skipped:     %s\n", StyleMuted.Render(fmt.Sprintf("%d", c.Skipped))))

	if c.Total > 0 {
		b.WriteString("\n")
		b.WriteString(fmt.Sprintf("[%s]  %d/%d\n", countsBar(c, barWidth), c.Completed, c.Total))
	}

	if len(s.Failed) > 0 {
		b.WriteString("\n")
		b.WriteString(StyleTitle.Render("Needs attention"))
		b.WriteString("\n")
		for _, t := range s.Failed {
			b.WriteString(fmt.Sprintf("  %s %s %s\n",
				StyleStatusFailed.Render("x"),
				t.Name,
				StyleMuted.Render(fmt.Sprintf("(%s, %d failures)", t.ID, t.FailureCount))))
		}
	}

	for _, p := range s.Projects {
		b.WriteString("\n")
		b.WriteString(progressLine(StyleTitle.Render(nameOr(p.Name, p.ID)), 0, p.Progress))
		for _, f := range p.Features {
			b.WriteString(progressLine(nameOr(f.Name, f.ID), 1, f.Progress))
			for _, m := range f.Milestones {
				b.WriteString(progressLine(nameOr(m.Name, m.ID), 2, m.Progress))
			}
		}
	}

	content := strings.TrimRight(b.String(), "\n")
	if width <= 0 {
		return content
	}
	return StyleBox.Width(width - 2).Render(content)
}

// countsBar splits the bar by task status.
func countsBar(c scheduler.StatusCounts, width int) string {
	completed := c.Completed * width / c.Total
	failed := c.Failed * width / c.Total
	running := c.InProgress * width / c.Total
	rest := width - completed - failed - running

	bar := StyleStatusComplete.Render(strings.Repeat("=", max(0, completed)))
	bar += StyleStatusFailed.Render(strings.Repeat("!", max(0, failed)))
	bar += StyleStatusRunning.Render(strings.Repeat("-", max(0, running)))
	bar += StyleStatusPending.Render(strings.Repeat(".", max(0, rest)))
	return bar
}

// ProgressBar renders pct (0-100) as a fixed-width bar.
func ProgressBar(pct float64, width int) string {
	filled := int(pct / 100 * float64(width))
	filled = min(max(filled, 0), width)
	style := StyleStatusRunning
	if filled == width {
		style = StyleStatusComplete
	}
	return style.Render(strings.Repeat("#", filled)) + StyleStatusPending.Render(strings.Repeat(".", width-filled))
}

func progressLine(name string, depth int, pct float64) string {
	label := strings.Repeat("  ", depth) + name
	pad := max(1, 36-lipgloss.Width(label))
	return fmt.Sprintf("%s%s[%s] %5.1f%%\n", label, strings.Repeat(" ", pad), ProgressBar(pct, 20), pct)
}

func nameOr(name, id string) string {
	if name != "" {
		return name
	}
	return id
}
