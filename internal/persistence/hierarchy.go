package persistence

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/aristath/autopilot/internal/progress"
	"github.com/aristath/autopilot/internal/scheduler"
)

// GetProject implements progress.Hierarchy.
func (s *SQLiteStore) GetProject(ctx context.Context, id string) (*progress.Project, error) {
	p := &progress.Project{}
	var updated sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, description, progress, last_updated FROM projects WHERE id = ?
	`, id).Scan(&p.ID, &p.Name, &p.Description, &p.Progress, &updated)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("project %q: %w", id, progress.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query project: %w", err)
	}
	if p.LastUpdated, err = parseTime(updated); err != nil {
		return nil, err
	}
	return p, nil
}

// PutProject implements progress.Hierarchy.
func (s *SQLiteStore) PutProject(ctx context.Context, p *progress.Project) error {
	if p.ID == "" {
		return fmt.Errorf("project id must not be empty")
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO projects (id, name, description, progress, last_updated)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			description = excluded.description,
			progress = excluded.progress,
			last_updated = excluded.last_updated
	`, p.ID, p.Name, p.Description, p.Progress, formatTime(p.LastUpdated))
	if err != nil {
		return fmt.Errorf("failed to save project: %w", err)
	}
	return nil
}

// Projects implements progress.Hierarchy.
func (s *SQLiteStore) Projects(ctx context.Context) ([]*progress.Project, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, description, progress, last_updated FROM projects ORDER BY rowid
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query projects: %w", err)
	}
	defer rows.Close()

	var out []*progress.Project
	for rows.Next() {
		p := &progress.Project{}
		var updated sql.NullString
		if err := rows.Scan(&p.ID, &p.Name, &p.Description, &p.Progress, &updated); err != nil {
			return nil, fmt.Errorf("failed to scan project: %w", err)
		}
		if p.LastUpdated, err = parseTime(updated); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

const featureColumns = `id, project_id, name, description, priority, progress, last_updated`

func scanFeature(row rowScanner) (*progress.Feature, error) {
	f := &progress.Feature{}
	var updated sql.NullString
	if err := row.Scan(&f.ID, &f.ProjectID, &f.Name, &f.Description, &f.Priority, &f.Progress, &updated); err != nil {
		return nil, err
	}
	var err error
	f.LastUpdated, err = parseTime(updated)
	return f, err
}

// GetFeature implements progress.Hierarchy.
func (s *SQLiteStore) GetFeature(ctx context.Context, id string) (*progress.Feature, error) {
	f, err := scanFeature(s.db.QueryRowContext(ctx, `SELECT `+featureColumns+` FROM features WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("feature %q: %w", id, progress.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query feature: %w", err)
	}
	return f, nil
}

// PutFeature implements progress.Hierarchy.
func (s *SQLiteStore) PutFeature(ctx context.Context, f *progress.Feature) error {
	if f.ID == "" {
		return fmt.Errorf("feature id must not be empty")
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO features (`+featureColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			project_id = excluded.project_id,
			name = excluded.name,
			description = excluded.description,
			priority = excluded.priority,
			progress = excluded.progress,
			last_updated = excluded.last_updated
	`, f.ID, f.ProjectID, f.Name, f.Description, f.Priority, f.Progress, formatTime(f.LastUpdated))
	if err != nil {
		return fmt.Errorf("failed to save feature: %w", err)
	}
	return nil
}

// FeaturesByProject implements progress.Hierarchy.
func (s *SQLiteStore) FeaturesByProject(ctx context.Context, projectID string) ([]*progress.Feature, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+featureColumns+` FROM features WHERE project_id = ? ORDER BY rowid`, projectID)
	if err != nil {
		return nil, fmt.Errorf("failed to query features: %w", err)
	}
	defer rows.Close()

	var out []*progress.Feature
	for rows.Next() {
		f, err := scanFeature(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan feature: %w", err)
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

const milestoneColumns = `id, feature_id, name, description, percent_of_feature, priority,
	estimated_effort, dependencies, test_criteria, progress, last_updated`

func scanMilestone(row rowScanner) (*progress.Milestone, error) {
	m := &progress.Milestone{}
	var priority int
	var deps, criteria, updated sql.NullString
	if err := row.Scan(&m.ID, &m.FeatureID, &m.Name, &m.Description, &m.PercentOfFeature, &priority,
		&m.EstimatedEffort, &deps, &criteria, &m.Progress, &updated); err != nil {
		return nil, err
	}
	m.Priority = scheduler.Priority(priority)
	if err := decodeJSON(deps, &m.Dependencies); err != nil {
		return nil, fmt.Errorf("failed to decode dependencies of milestone %s: %w", m.ID, err)
	}
	if err := decodeJSON(criteria, &m.TestCriteria); err != nil {
		return nil, fmt.Errorf("failed to decode test criteria of milestone %s: %w", m.ID, err)
	}
	var err error
	m.LastUpdated, err = parseTime(updated)
	return m, err
}

// GetMilestone implements progress.Hierarchy.
func (s *SQLiteStore) GetMilestone(ctx context.Context, id string) (*progress.Milestone, error) {
	m, err := scanMilestone(s.db.QueryRowContext(ctx, `SELECT `+milestoneColumns+` FROM milestones WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("milestone %q: %w", id, progress.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query milestone: %w", err)
	}
	return m, nil
}

// PutMilestone implements progress.Hierarchy.
func (s *SQLiteStore) PutMilestone(ctx context.Context, m *progress.Milestone) error {
	if m.ID == "" {
		return fmt.Errorf("milestone id must not be empty")
	}
	deps, err := encodeJSON(m.Dependencies)
	if err != nil {
		return fmt.Errorf("failed to encode dependencies of milestone %s: %w", m.ID, err)
	}
	criteria, err := encodeJSON(m.TestCriteria)
	if err != nil {
		return fmt.Errorf("failed to encode test criteria of milestone %s: %w", m.ID, err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO milestones (`+milestoneColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			feature_id = excluded.feature_id,
			name = excluded.name,
			description = excluded.description,
			percent_of_feature = excluded.percent_of_feature,
			priority = excluded.priority,
			estimated_effort = excluded.estimated_effort,
			dependencies = excluded.dependencies,
			test_criteria = excluded.test_criteria,
			progress = excluded.progress,
			last_updated = excluded.last_updated
	`, m.ID, m.FeatureID, m.Name, m.Description, m.PercentOfFeature, int(m.Priority),
		m.EstimatedEffort, deps, criteria, m.Progress, formatTime(m.LastUpdated))
	if err != nil {
		return fmt.Errorf("failed to save milestone: %w", err)
	}
	return nil
}

// MilestonesByFeature implements progress.Hierarchy.
func (s *SQLiteStore) MilestonesByFeature(ctx context.Context, featureID string) ([]*progress.Milestone, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+milestoneColumns+` FROM milestones WHERE feature_id = ? ORDER BY rowid`, featureID)
	if err != nil {
		return nil, fmt.Errorf("failed to query milestones: %w", err)
	}
	defer rows.Close()

	var out []*progress.Milestone
	for rows.Next() {
		m, err := scanMilestone(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan milestone: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

const goalColumns = `id, milestone_id, name, percent_of_milestone, status, progress, last_updated`

func scanGoal(row rowScanner) (*progress.Goal, error) {
	g := &progress.Goal{}
	var status string
	var updated sql.NullString
	if err := row.Scan(&g.ID, &g.MilestoneID, &g.Name, &g.PercentOfMilestone, &status, &g.Progress, &updated); err != nil {
		return nil, err
	}
	g.Status = scheduler.TaskStatus(status)
	var err error
	g.LastUpdated, err = parseTime(updated)
	return g, err
}

// GetGoal implements progress.Hierarchy.
func (s *SQLiteStore) GetGoal(ctx context.Context, id string) (*progress.Goal, error) {
	g, err := scanGoal(s.db.QueryRowContext(ctx, `SELECT `+goalColumns+` FROM goals WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("goal %q: %w", id, progress.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query goal: %w", err)
	}
	return g, nil
}

// PutGoal implements progress.Hierarchy.
func (s *SQLiteStore) PutGoal(ctx context.Context, g *progress.Goal) error {
	if g.ID == "" {
		return fmt.Errorf("goal id must not be empty")
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO goals (`+goalColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			milestone_id = excluded.milestone_id,
			name = excluded.name,
			percent_of_milestone = excluded.percent_of_milestone,
			status = excluded.status,
			progress = excluded.progress,
			last_updated = excluded.last_updated
	`, g.ID, g.MilestoneID, g.Name, g.PercentOfMilestone, string(g.Status), g.Progress, formatTime(g.LastUpdated))
	if err != nil {
		return fmt.Errorf("failed to save goal: %w", err)
	}
	return nil
}

// GoalsByMilestone implements progress.Hierarchy.
func (s *SQLiteStore) GoalsByMilestone(ctx context.Context, milestoneID string) ([]*progress.Goal, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+goalColumns+` FROM goals WHERE milestone_id = ? ORDER BY rowid`, milestoneID)
	if err != nil {
		return nil, fmt.Errorf("failed to query goals: %w", err)
	}
	defer rows.Close()

	var out []*progress.Goal
	for rows.Next() {
		g, err := scanGoal(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan goal: %w", err)
		}
		out = append(out, g)
	}
	return out, rows.Err()
}
