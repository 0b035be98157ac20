package persistence

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/aristath/autopilot/internal/scheduler"
)

const taskColumns = `id, name, description, status, priority, estimated_effort, milestone_id,
	requires_confirmation, failure_count, context, test_criteria, result,
	created_at, started_at, completed_at`

// Put saves or replaces a task and its dependencies in one transaction.
func (s *SQLiteStore) Put(ctx context.Context, task *scheduler.Task) error {
	return s.PutAll(ctx, []*scheduler.Task{task})
}

// PutAll saves or replaces tasks in a single transaction: either every task is
// stored or none is.
func (s *SQLiteStore) PutAll(ctx context.Context, tasks []*scheduler.Task) error {
	for _, task := range tasks {
		if task == nil || task.ID == "" {
			return fmt.Errorf("task id must not be empty: %w", scheduler.ErrInvalidTask)
		}
	}

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	for _, task := range tasks {
		if err := putTask(ctx, tx, task); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// putTask upserts one task row and rewrites its dependencies.
// Uses ON CONFLICT so the row keeps its rowid, and with it its insertion position.
func putTask(ctx context.Context, tx *sql.Tx, task *scheduler.Task) error {
	contextJSON, err := encodeJSON(task.Context)
	if err != nil {
		return fmt.Errorf("failed to encode context of task %s: %w", task.ID, err)
	}
	criteriaJSON, err := encodeJSON(task.TestCriteria)
	if err != nil {
		return fmt.Errorf("failed to encode test criteria of task %s: %w", task.ID, err)
	}
	resultJSON, err := encodeJSON(task.Result)
	if err != nil {
		return fmt.Errorf("failed to encode result of task %s: %w", task.ID, err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO tasks (`+taskColumns+`, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			description = excluded.description,
			status = excluded.status,
			priority = excluded.priority,
			estimated_effort = excluded.estimated_effort,
			milestone_id = excluded.milestone_id,
			requires_confirmation = excluded.requires_confirmation,
			failure_count = excluded.failure_count,
			context = excluded.context,
			test_criteria = excluded.test_criteria,
			result = excluded.result,
			created_at = excluded.created_at,
			started_at = excluded.started_at,
			completed_at = excluded.completed_at,
			updated_at = CURRENT_TIMESTAMP
	`, task.ID, task.Name, task.Description, string(task.Status), int(task.Priority), task.EstimatedEffort,
		task.MilestoneID, boolToInt(task.RequiresConfirmation), task.FailureCount,
		contextJSON, criteriaJSON, resultJSON,
		formatTime(task.CreatedAt), formatTimePtr(task.StartedAt), formatTimePtr(task.CompletedAt))
	if err != nil {
		return fmt.Errorf("failed to upsert task %s: %w", task.ID, err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM task_dependencies WHERE task_id = ?`, task.ID); err != nil {
		return fmt.Errorf("failed to delete old dependencies: %w", err)
	}

	for i, depID := range task.Dependencies {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO task_dependencies (task_id, position, depends_on_id)
			VALUES (?, ?, ?)
		`, task.ID, i, depID)
		if err != nil {
			return fmt.Errorf("failed to insert dependency %s -> %s: %w", task.ID, depID, err)
		}
	}
	return nil
}

// Get retrieves a task by ID, including its dependencies.
func (s *SQLiteStore) Get(ctx context.Context, id string) (*scheduler.Task, bool, error) {
	tasks, err := s.queryTasks(ctx, `WHERE id = ?`, id)
	if err != nil {
		return nil, false, err
	}
	if len(tasks) == 0 {
		return nil, false, nil
	}
	return tasks[0], true, nil
}

// AllByStatus returns tasks with the given status in insertion order.
func (s *SQLiteStore) AllByStatus(ctx context.Context, status scheduler.TaskStatus) ([]*scheduler.Task, error) {
	return s.queryTasks(ctx, `WHERE status = ?`, string(status))
}

// AllByMilestone returns the tasks of a milestone in insertion order.
func (s *SQLiteStore) AllByMilestone(ctx context.Context, milestoneID string) ([]*scheduler.Task, error) {
	return s.queryTasks(ctx, `WHERE milestone_id = ?`, milestoneID)
}

// All returns every task in insertion order.
func (s *SQLiteStore) All(ctx context.Context) ([]*scheduler.Task, error) {
	return s.queryTasks(ctx, ``)
}

// queryTasks loads the tasks matching where, then their dependencies in a single
// second query over the same filter.
func (s *SQLiteStore) queryTasks(ctx context.Context, where string, args ...any) ([]*scheduler.Task, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+taskColumns+` FROM tasks `+where+` ORDER BY rowid`, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query tasks: %w", err)
	}

	var tasks []*scheduler.Task
	byID := make(map[string]*scheduler.Task)
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		tasks = append(tasks, task)
		byID[task.ID] = task
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, fmt.Errorf("error iterating tasks: %w", err)
	}
	rows.Close()

	if len(tasks) == 0 {
		return tasks, nil
	}

	depRows, err := s.db.QueryContext(ctx, `
		SELECT task_id, depends_on_id
		FROM task_dependencies
		WHERE task_id IN (SELECT id FROM tasks `+where+`)
		ORDER BY task_id, position
	`, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query dependencies: %w", err)
	}
	defer depRows.Close()

	for depRows.Next() {
		var taskID, depID string
		if err := depRows.Scan(&taskID, &depID); err != nil {
			return nil, fmt.Errorf("failed to scan dependency: %w", err)
		}
		if task, ok := byID[taskID]; ok {
			task.Dependencies = append(task.Dependencies, depID)
		}
	}
	if err := depRows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating dependencies: %w", err)
	}

	return tasks, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (*scheduler.Task, error) {
	task := &scheduler.Task{Dependencies: []string{}}
	var status string
	var priority, requiresConfirmation int
	var contextJSON, criteriaJSON, resultJSON sql.NullString
	var createdAt, startedAt, completedAt sql.NullString

	err := row.Scan(&task.ID, &task.Name, &task.Description, &status, &priority, &task.EstimatedEffort,
		&task.MilestoneID, &requiresConfirmation, &task.FailureCount,
		&contextJSON, &criteriaJSON, &resultJSON,
		&createdAt, &startedAt, &completedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to scan task: %w", err)
	}

	task.Status = scheduler.TaskStatus(status)
	task.Priority = scheduler.Priority(priority)
	task.RequiresConfirmation = requiresConfirmation != 0

	if err := decodeJSON(contextJSON, &task.Context); err != nil {
		return nil, fmt.Errorf("failed to decode context of task %s: %w", task.ID, err)
	}
	if task.Context == nil {
		task.Context = map[string]any{}
	}
	if err := decodeJSON(criteriaJSON, &task.TestCriteria); err != nil {
		return nil, fmt.Errorf("failed to decode test criteria of task %s: %w", task.ID, err)
	}
	if err := decodeJSON(resultJSON, &task.Result); err != nil {
		return nil, fmt.Errorf("failed to decode result of task %s: %w", task.ID, err)
	}

	if task.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if task.StartedAt, err = parseTimePtr(startedAt); err != nil {
		return nil, err
	}
	if task.CompletedAt, err = parseTimePtr(completedAt); err != nil {
		return nil, err
	}

	return task, nil
}
