package persistence

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/aristath/autopilot/internal/scheduler"
)

// RecordActivity appends one audit record. Implements scheduler.ActivityRecorder.
func (s *SQLiteStore) RecordActivity(ctx context.Context, activity scheduler.Activity) error {
	result, err := encodeJSON(activity.Result)
	if err != nil {
		return fmt.Errorf("failed to encode activity result: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO activities (id, task_id, success, result, reason, timestamp)
		VALUES (?, ?, ?, ?, ?, ?)
	`, activity.ID, activity.TaskID, boolToInt(activity.Success), result, activity.Reason, formatTime(activity.Timestamp))
	if err != nil {
		return fmt.Errorf("failed to record activity: %w", err)
	}
	return nil
}

// ListActivities returns the audit trail in recording order. An empty taskID lists all tasks.
func (s *SQLiteStore) ListActivities(ctx context.Context, taskID string) ([]scheduler.Activity, error) {
	query := `SELECT id, task_id, success, result, reason, timestamp FROM activities`
	var args []any
	if taskID != "" {
		query += ` WHERE task_id = ?`
		args = append(args, taskID)
	}
	query += ` ORDER BY rowid`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query activities: %w", err)
	}
	defer rows.Close()

	var out []scheduler.Activity
	for rows.Next() {
		var a scheduler.Activity
		var success int
		var result, ts sql.NullString
		if err := rows.Scan(&a.ID, &a.TaskID, &success, &result, &a.Reason, &ts); err != nil {
			return nil, fmt.Errorf("failed to scan activity: %w", err)
		}
		a.Success = success != 0
		if err := decodeJSON(result, &a.Result); err != nil {
			return nil, fmt.Errorf("failed to decode activity result: %w", err)
		}
		if a.Timestamp, err = parseTime(ts); err != nil {
			return nil, err
		}
		out = append(out, a)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating activities: %w", err)
	}
	return out, nil
}
