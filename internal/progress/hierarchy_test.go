package progress

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryHierarchy_ChildrenInInsertionOrder(t *testing.T) {
	ctx := context.Background()
	h := NewMemoryHierarchy()
	for _, id := range []string{"c", "a", "b"} {
		require.NoError(t, h.PutMilestone(ctx, &Milestone{ID: id, FeatureID: "f"}))
	}
	require.NoError(t, h.PutMilestone(ctx, &Milestone{ID: "other", FeatureID: "g"}))
	// Re-putting keeps the original position.
	require.NoError(t, h.PutMilestone(ctx, &Milestone{ID: "c", FeatureID: "f", Name: "renamed"}))

	got, err := h.MilestonesByFeature(ctx, "f")
	require.NoError(t, err)
	var ids []string
	for _, m := range got {
		ids = append(ids, m.ID)
	}
	assert.Equal(t, []string{"c", "a", "b"}, ids)
	assert.Equal(t, "renamed", got[0].Name)
}

func TestMemoryHierarchy_CopiesRecords(t *testing.T) {
	ctx := context.Background()
	h := NewMemoryHierarchy()
	m := &Milestone{ID: "m", Dependencies: []string{"x"}}
	require.NoError(t, h.PutMilestone(ctx, m))

	m.Dependencies[0] = "mutated"
	m.Progress = 99

	got, err := h.GetMilestone(ctx, "m")
	require.NoError(t, err)
	assert.Equal(t, []string{"x"}, got.Dependencies)
	assert.Equal(t, 0.0, got.Progress)
}

func TestMemoryHierarchy_NotFoundAndEmptyID(t *testing.T) {
	ctx := context.Background()
	h := NewMemoryHierarchy()

	_, err := h.GetProject(ctx, "p")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = h.GetFeature(ctx, "f")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = h.GetGoal(ctx, "g")
	assert.ErrorIs(t, err, ErrNotFound)

	assert.Error(t, h.PutProject(ctx, &Project{}))
	assert.Error(t, h.PutGoal(ctx, &Goal{}))
}
