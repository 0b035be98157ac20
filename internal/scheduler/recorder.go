package scheduler

import (
	"context"
	"sync"
	"time"
)

// Activity is the audit record of a terminal transition.
type Activity struct {
	ID        string
	TaskID    string
	Success   bool
	Result    any    // Set on completion
	Reason    string // Failure reason, or "skipped"
	Timestamp time.Time
}

// ActivityRecorder receives an Activity on every complete, fail and skip.
// The scheduler never reads activities back.
type ActivityRecorder interface {
	RecordActivity(ctx context.Context, activity Activity) error
}

// NopRecorder discards activities.
type NopRecorder struct{}

// RecordActivity implements ActivityRecorder.
func (NopRecorder) RecordActivity(context.Context, Activity) error { return nil }

// MemoryRecorder keeps activities in memory, in arrival order.
type MemoryRecorder struct {
	mu         sync.Mutex
	activities []Activity
}

// RecordActivity implements ActivityRecorder.
func (r *MemoryRecorder) RecordActivity(_ context.Context, activity Activity) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.activities = append(r.activities, activity)
	return nil
}

// Activities returns a snapshot of recorded activities.
func (r *MemoryRecorder) Activities() []Activity {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Activity(nil), r.activities...)
}
