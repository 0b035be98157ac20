package events

import (
	"time"
)

// Event is the base interface for all events.
type Event interface {
	EventType() string
	TaskID() string
}

// Topic constants
const (
	TopicTask     = "task"
	TopicProgress = "progress"
	TopicSchedule = "schedule"
)

// Event type constants
const (
	EventTypeTaskStarted      = "task.started"
	EventTypeTaskCompleted    = "task.completed"
	EventTypeTaskFailed       = "task.failed"
	EventTypeTaskSkipped      = "task.skipped"
	EventTypeTaskRequeued     = "task.requeued"
	EventTypeTaskDecomposed   = "task.decomposed"
	EventTypeProgressUpdated  = "progress.updated"
	EventTypeScheduleProgress = "schedule.progress"
)

// TaskStartedEvent is published when a task is selected for execution.
type TaskStartedEvent struct {
	ID        string
	Name      string
	Priority  int
	Timestamp time.Time
}

func (e TaskStartedEvent) EventType() string { return EventTypeTaskStarted }
func (e TaskStartedEvent) TaskID() string    { return e.ID }

// TaskCompletedEvent is published when a task completes, directly or derived from its subtasks.
type TaskCompletedEvent struct {
	ID        string
	Derived   bool
	Duration  time.Duration
	Timestamp time.Time
}

func (e TaskCompletedEvent) EventType() string { return EventTypeTaskCompleted }
func (e TaskCompletedEvent) TaskID() string    { return e.ID }

// TaskFailedEvent is published when an attempt fails.
type TaskFailedEvent struct {
	ID           string
	Reason       string
	FailureCount int
	Timestamp    time.Time
}

func (e TaskFailedEvent) EventType() string { return EventTypeTaskFailed }
func (e TaskFailedEvent) TaskID() string    { return e.ID }

// TaskSkippedEvent is published when a task is skipped.
type TaskSkippedEvent struct {
	ID        string
	Timestamp time.Time
}

func (e TaskSkippedEvent) EventType() string { return EventTypeTaskSkipped }
func (e TaskSkippedEvent) TaskID() string    { return e.ID }

// TaskRequeuedEvent is published when a task returns to pending.
type TaskRequeuedEvent struct {
	ID           string
	FailureCount int
	Timestamp    time.Time
}

func (e TaskRequeuedEvent) EventType() string { return EventTypeTaskRequeued }
func (e TaskRequeuedEvent) TaskID() string    { return e.ID }

// TaskDecomposedEvent is published when a task is split into subtasks.
type TaskDecomposedEvent struct {
	ID         string
	SubtaskIDs []string
	Timestamp  time.Time
}

func (e TaskDecomposedEvent) EventType() string { return EventTypeTaskDecomposed }
func (e TaskDecomposedEvent) TaskID() string    { return e.ID }

// ProgressUpdatedEvent is published when a hierarchy node's percentage is recomputed.
type ProgressUpdatedEvent struct {
	Level     string // "goal", "milestone", "feature", "project"
	ID        string
	Progress  float64
	Timestamp time.Time
}

func (e ProgressUpdatedEvent) EventType() string { return EventTypeProgressUpdated }
func (e ProgressUpdatedEvent) TaskID() string    { return "" }

// ScheduleProgressEvent is published when task status counts change.
type ScheduleProgressEvent struct {
	Total      int
	Completed  int
	InProgress int
	Failed     int
	Pending    int
	Skipped    int
	Timestamp  time.Time
}

func (e ScheduleProgressEvent) EventType() string { return EventTypeScheduleProgress }
func (e ScheduleProgressEvent) TaskID() string    { return "" }
