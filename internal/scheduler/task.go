package scheduler

import (
	"fmt"
	"time"
)

// TaskStatus represents the current state of a task.
type TaskStatus string

const (
	TaskPending    TaskStatus = "pending"     // Waiting to be selected
	TaskInProgress TaskStatus = "in_progress" // Selected, or a parent with outstanding subtasks
	TaskCompleted  TaskStatus = "completed"   // Finished successfully (terminal)
	TaskFailed     TaskStatus = "failed"      // Attempt failed, recoverable via requeue
	TaskSkipped    TaskStatus = "skipped"     // Intentionally not run (terminal)
)

// IsTerminal reports whether the status is Completed or Skipped.
func (s TaskStatus) IsTerminal() bool {
	return s == TaskCompleted || s == TaskSkipped
}

// Priority is an ordinal rank. Lower values win.
type Priority int

const (
	PriorityCritical     Priority = 1
	PriorityHigh         Priority = 2
	PriorityMedium       Priority = 3
	PriorityLow          Priority = 4
	PriorityOptimization Priority = 5
)

func (p Priority) String() string {
	switch p {
	case PriorityCritical:
		return "critical"
	case PriorityHigh:
		return "high"
	case PriorityMedium:
		return "medium"
	case PriorityLow:
		return "low"
	case PriorityOptimization:
		return "optimization"
	default:
		return fmt.Sprintf("priority(%d)", int(p))
	}
}

// Well-known keys in Task.Context.
const (
	ContextParentTaskID     = "parentTaskId"
	ContextSubtaskIndex     = "subtaskIndex"
	ContextTotalSubtasks    = "totalSubtasks"
	ContextSubtaskCount     = "subtaskCount"
	ContextConfirmOnClosure = "confirmOnClosure"
	ContextSubtaskResults   = "subtaskResults"
)

// Task represents a unit of schedulable work.
type Task struct {
	ID                   string
	Name                 string
	Description          string
	Status               TaskStatus
	Priority             Priority
	Dependencies         []string // Task IDs that must be Completed first
	EstimatedEffort      float64  // Hours
	MilestoneID          string
	RequiresConfirmation bool
	CreatedAt            time.Time
	StartedAt            *time.Time
	CompletedAt          *time.Time
	FailureCount         int
	Context              map[string]any
	TestCriteria         []string
	Result               any
}

// ParentTaskID returns the decomposition parent recorded in Context, if any.
func (t *Task) ParentTaskID() (string, bool) {
	if t.Context == nil {
		return "", false
	}
	id, ok := t.Context[ContextParentTaskID].(string)
	return id, ok && id != ""
}

// HasSubtasks reports whether the task was decomposed.
func (t *Task) HasSubtasks() bool {
	if t.Context == nil {
		return false
	}
	switch n := t.Context[ContextSubtaskCount].(type) {
	case int:
		return n > 0
	case float64:
		return n > 0
	}
	return false
}

// TaskSpec describes a task to create. ID, status and timestamps are assigned by the scheduler.
type TaskSpec struct {
	Name                 string
	Description          string
	Priority             Priority
	Dependencies         []string
	EstimatedEffort      float64
	MilestoneID          string
	RequiresConfirmation bool
	Context              map[string]any
	TestCriteria         []string
}

func cloneTask(task *Task) *Task {
	if task == nil {
		return nil
	}

	cp := *task
	if task.Dependencies != nil {
		cp.Dependencies = append([]string(nil), task.Dependencies...)
	}
	if task.TestCriteria != nil {
		cp.TestCriteria = append([]string(nil), task.TestCriteria...)
	}
	if task.Context != nil {
		cp.Context = make(map[string]any, len(task.Context))
		for k, v := range task.Context {
			cp.Context[k] = v
		}
	}
	if task.StartedAt != nil {
		ts := *task.StartedAt
		cp.StartedAt = &ts
	}
	if task.CompletedAt != nil {
		ts := *task.CompletedAt
		cp.CompletedAt = &ts
	}
	return &cp
}
