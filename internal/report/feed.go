package report

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/aristath/autopilot/internal/events"
	"github.com/aristath/autopilot/internal/progress"
)

// Feed prints one styled line per scheduler event while a run is in progress.
type Feed struct {
	mu    sync.Mutex
	w     io.Writer
	names map[string]string // taskID -> name, learned from task.started
}

// NewFeed creates a Feed writing to w.
func NewFeed(w io.Writer) *Feed {
	return &Feed{w: w, names: make(map[string]string)}
}

// Follow writes events from sub until it is closed or ctx is done.
func (f *Feed) Follow(ctx context.Context, sub <-chan events.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-sub:
			if !ok {
				return
			}
			f.Handle(e)
		}
	}
}

// Handle writes the line for a single event. Events without a line are ignored.
func (f *Feed) Handle(e events.Event) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var line string
	switch e := e.(type) {
	case events.TaskStartedEvent:
		f.names[e.ID] = e.Name
		line = fmt.Sprintf("%s %s", StyleStatusRunning.Render("started  "), f.label(e.ID))
	case events.TaskCompletedEvent:
		suffix := ""
		if e.Derived {
			suffix = " (all subtasks done)"
		} else if e.Duration > 0 {
			suffix = fmt.Sprintf(" (%s)", e.Duration.Round(100*time.Millisecond))
		}
		line = fmt.Sprintf("%s %s%s", StyleStatusComplete.Render("completed"), f.label(e.ID), StyleMuted.Render(suffix))
	case events.TaskFailedEvent:
		line = fmt.Sprintf("%s %s: %s %s", StyleStatusFailed.Render("failed   "), f.label(e.ID), e.Reason,
			StyleMuted.Render(fmt.Sprintf("(attempt %d)", e.FailureCount)))
	case events.TaskRequeuedEvent:
		line = fmt.Sprintf("%s %s", StyleStatusPending.Render("requeued "), f.label(e.ID))
	case events.TaskSkippedEvent:
		line = fmt.Sprintf("%s %s", StyleMuted.Render("skipped  "), f.label(e.ID))
	case events.TaskDecomposedEvent:
		line = fmt.Sprintf("%s %s into %d subtasks", StyleMuted.Render("split    "), f.label(e.ID), len(e.SubtaskIDs))
	case events.ProgressUpdatedEvent:
		if e.Level != progress.LevelProject {
			return
		}
		line = fmt.Sprintf("%s %s [%s] %.1f%%", StyleMuted.Render("progress "), e.ID, ProgressBar(e.Progress, 20), e.Progress)
	default:
		return
	}
	fmt.Fprintln(f.w, line)
}

func (f *Feed) label(id string) string {
	if name, ok := f.names[id]; ok && name != "" {
		return fmt.Sprintf("%s %s", name, StyleMuted.Render("["+id+"]"))
	}
	return id
}
