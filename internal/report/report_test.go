package report

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/autopilot/internal/events"
	"github.com/aristath/autopilot/internal/progress"
	"github.com/aristath/autopilot/internal/scheduler"
)

func seededHierarchy(t *testing.T) *progress.MemoryHierarchy {
	t.Helper()
	ctx := context.Background()
	h := progress.NewMemoryHierarchy()
	require.NoError(t, h.PutProject(ctx, &progress.Project{ID: "shop", Name: "Web shop", Progress: 37.5}))
	require.NoError(t, h.PutFeature(ctx, &progress.Feature{ID: "catalog", ProjectID: "shop", Name: "Catalog", Progress: 75}))
	require.NoError(t, h.PutMilestone(ctx, &progress.Milestone{ID: "schema", FeatureID: "catalog", Name: "Schema", Progress: 100}))
	require.NoError(t, h.PutMilestone(ctx, &progress.Milestone{ID: "search", FeatureID: "catalog", Progress: 50}))
	return h
}

func TestCollectAndRender(t *testing.T) {
	ctx := context.Background()
	s := scheduler.New(scheduler.NewMemoryStore())
	done, err := s.CreateTask(ctx, scheduler.TaskSpec{Name: "done"})
	require.NoError(t, err)
	broken, err := s.CreateTask(ctx, scheduler.TaskSpec{Name: "Broken build"})
	require.NoError(t, err)
	_, err = s.CreateTask(ctx, scheduler.TaskSpec{Name: "waiting"})
	require.NoError(t, err)
	require.NoError(t, s.CompleteTask(ctx, done.ID, nil))
	require.NoError(t, s.FailTask(ctx, broken.ID, "exit 1"))

	summary, err := Collect(ctx, s, seededHierarchy(t))
	require.NoError(t, err)
	assert.Equal(t, 3, summary.Counts.Total)
	require.Len(t, summary.Failed, 1)
	require.Len(t, summary.Projects, 1)
	require.Len(t, summary.Projects[0].Features, 1)
	assert.Len(t, summary.Projects[0].Features[0].Milestones, 2)

	out := Render(summary, 0)
	assert.Contains(t, out, "Autopilot Status")
	assert.Contains(t, out, "Total:       3")
	assert.Contains(t, out, "1/3")
	assert.Contains(t, out, "Needs attention")
	assert.Contains(t, out, "Broken build")
	assert.Contains(t, out, "Web shop")
	assert.Contains(t, out, " 37.5%")
	assert.Contains(t, out, "    Schema")
	// Unnamed milestones fall back to their id.
	assert.Contains(t, out, "    search")
}

func TestCollect_WithoutHierarchy(t *testing.T) {
	summary, err := Collect(context.Background(), scheduler.New(scheduler.NewMemoryStore()), nil)
	require.NoError(t, err)
	assert.Empty(t, summary.Projects)

	out := Render(summary, 0)
	assert.Contains(t, out, "Total:       0")
	assert.NotContains(t, out, "[")
}

func TestRender_Boxed(t *testing.T) {
	out := Render(&Summary{Counts: scheduler.StatusCounts{Total: 2, Completed: 1, Pending: 1}}, 60)
	for _, line := range strings.Split(out, "\n") {
		assert.Equal(t, 60, lipgloss.Width(line))
	}
}

func TestProgressBar(t *testing.T) {
	tests := []struct {
		pct  float64
		want int
	}{
		{0, 0},
		{50, 5},
		{100, 10},
		{150, 10},
		{-5, 0},
	}
	for _, tt := range tests {
		bar := ProgressBar(tt.pct, 10)
		assert.Equal(t, 10, lipgloss.Width(bar))
		assert.Equal(t, tt.want, strings.Count(bar, "#"), "pct %v", tt.pct)
	}
}

func TestFeed(t *testing.T) {
	var buf bytes.Buffer
	feed := NewFeed(&buf)

	sub := make(chan events.Event, 8)
	sub <- events.TaskStartedEvent{ID: "t1", Name: "Write docs"}
	sub <- events.TaskFailedEvent{ID: "t1", Reason: "timeout", FailureCount: 1}
	sub <- events.TaskRequeuedEvent{ID: "t1", FailureCount: 1}
	sub <- events.TaskCompletedEvent{ID: "t1", Duration: 1500 * time.Millisecond}
	sub <- events.ProgressUpdatedEvent{Level: progress.LevelGoal, ID: "t1", Progress: 100}
	sub <- events.ProgressUpdatedEvent{Level: progress.LevelProject, ID: "shop", Progress: 40}
	sub <- events.ScheduleProgressEvent{Total: 1}
	close(sub)

	feed.Follow(context.Background(), sub)

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 5)
	assert.Contains(t, lines[0], "started")
	assert.Contains(t, lines[0], "Write docs [t1]")
	assert.Contains(t, lines[1], "timeout")
	assert.Contains(t, lines[1], "(attempt 1)")
	assert.Contains(t, lines[2], "requeued")
	assert.Contains(t, lines[3], "(1.5s)")
	assert.Contains(t, lines[4], "shop")
	assert.Contains(t, lines[4], "40.0%")
}

func TestFeed_StopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	done := make(chan struct{})
	go func() {
		NewFeed(&bytes.Buffer{}).Follow(ctx, make(chan events.Event))
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Follow did not return after cancellation")
	}
}
