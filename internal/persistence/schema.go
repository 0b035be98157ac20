package persistence

import (
	"context"
)

// initSchema creates all required tables if they don't exist.
func (s *SQLiteStore) initSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS tasks (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL,
		priority INTEGER NOT NULL,
		estimated_effort REAL NOT NULL DEFAULT 0,
		milestone_id TEXT NOT NULL DEFAULT '',
		requires_confirmation INTEGER NOT NULL DEFAULT 0,
		failure_count INTEGER NOT NULL DEFAULT 0,
		context TEXT,
		test_criteria TEXT,
		result TEXT,
		created_at TEXT NOT NULL,
		started_at TEXT,
		completed_at TEXT,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status);
	CREATE INDEX IF NOT EXISTS idx_tasks_milestone ON tasks(milestone_id);

	-- depends_on_id has no foreign key: a dependency on an unknown task is legal and
	-- simply keeps the task ineligible.
	CREATE TABLE IF NOT EXISTS task_dependencies (
		task_id TEXT NOT NULL,
		position INTEGER NOT NULL,
		depends_on_id TEXT NOT NULL,
		PRIMARY KEY (task_id, position),
		FOREIGN KEY (task_id) REFERENCES tasks(id) ON DELETE CASCADE
	);

	CREATE TABLE IF NOT EXISTS projects (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		progress REAL NOT NULL DEFAULT 0,
		last_updated TEXT
	);

	CREATE TABLE IF NOT EXISTS features (
		id TEXT PRIMARY KEY,
		project_id TEXT NOT NULL DEFAULT '',
		name TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		priority REAL NOT NULL DEFAULT 0,
		progress REAL NOT NULL DEFAULT 0,
		last_updated TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_features_project ON features(project_id);

	CREATE TABLE IF NOT EXISTS milestones (
		id TEXT PRIMARY KEY,
		feature_id TEXT NOT NULL DEFAULT '',
		name TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		percent_of_feature REAL NOT NULL DEFAULT 0,
		priority INTEGER NOT NULL DEFAULT 0,
		estimated_effort REAL NOT NULL DEFAULT 0,
		dependencies TEXT,
		test_criteria TEXT,
		progress REAL NOT NULL DEFAULT 0,
		last_updated TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_milestones_feature ON milestones(feature_id);

	CREATE TABLE IF NOT EXISTS goals (
		id TEXT PRIMARY KEY,
		milestone_id TEXT NOT NULL DEFAULT '',
		name TEXT NOT NULL DEFAULT '',
		percent_of_milestone REAL NOT NULL DEFAULT 0,
		status TEXT NOT NULL DEFAULT '',
		progress REAL NOT NULL DEFAULT 0,
		last_updated TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_goals_milestone ON goals(milestone_id);

	CREATE TABLE IF NOT EXISTS activities (
		id TEXT PRIMARY KEY,
		task_id TEXT NOT NULL,
		success INTEGER NOT NULL,
		result TEXT,
		reason TEXT NOT NULL DEFAULT '',
		timestamp TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_activities_task ON activities(task_id);
	`

	_, err := s.db.ExecContext(ctx, schema)
	return err
}
