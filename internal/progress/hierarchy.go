package progress

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// ErrNotFound is returned when a hierarchy record does not exist.
var ErrNotFound = errors.New("not found")

// Hierarchy persists Project, Feature, Milestone and Goal records and answers
// the by-parent queries the aggregator rolls up over. Children come back in
// insertion order.
type Hierarchy interface {
	GetProject(ctx context.Context, id string) (*Project, error)
	PutProject(ctx context.Context, p *Project) error
	Projects(ctx context.Context) ([]*Project, error)

	GetFeature(ctx context.Context, id string) (*Feature, error)
	PutFeature(ctx context.Context, f *Feature) error
	FeaturesByProject(ctx context.Context, projectID string) ([]*Feature, error)

	GetMilestone(ctx context.Context, id string) (*Milestone, error)
	PutMilestone(ctx context.Context, m *Milestone) error
	MilestonesByFeature(ctx context.Context, featureID string) ([]*Milestone, error)

	GetGoal(ctx context.Context, id string) (*Goal, error)
	PutGoal(ctx context.Context, g *Goal) error
	GoalsByMilestone(ctx context.Context, milestoneID string) ([]*Goal, error)
}

// MemoryHierarchy is an in-memory Hierarchy.
type MemoryHierarchy struct {
	mu         sync.RWMutex
	projects   keyed[Project]
	features   keyed[Feature]
	milestones keyed[Milestone]
	goals      keyed[Goal]
}

// NewMemoryHierarchy creates an empty MemoryHierarchy.
func NewMemoryHierarchy() *MemoryHierarchy {
	return &MemoryHierarchy{
		projects:   newKeyed[Project](),
		features:   newKeyed[Feature](),
		milestones: newKeyed[Milestone](),
		goals:      newKeyed[Goal](),
	}
}

// keyed is an insertion-ordered map of copied records.
type keyed[T any] struct {
	items map[string]T
	order []string
}

func newKeyed[T any]() keyed[T] {
	return keyed[T]{items: make(map[string]T)}
}

func (k *keyed[T]) put(id string, v T) {
	if _, ok := k.items[id]; !ok {
		k.order = append(k.order, id)
	}
	k.items[id] = v
}

func (k *keyed[T]) get(kind, id string) (*T, error) {
	v, ok := k.items[id]
	if !ok {
		return nil, fmt.Errorf("%s %q: %w", kind, id, ErrNotFound)
	}
	return &v, nil
}

func (k *keyed[T]) filter(match func(*T) bool) []*T {
	var out []*T
	for _, id := range k.order {
		v := k.items[id]
		if match(&v) {
			out = append(out, &v)
		}
	}
	return out
}

func (h *MemoryHierarchy) GetProject(_ context.Context, id string) (*Project, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.projects.get("project", id)
}

func (h *MemoryHierarchy) PutProject(_ context.Context, p *Project) error {
	if p.ID == "" {
		return fmt.Errorf("project id must not be empty")
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.projects.put(p.ID, *p)
	return nil
}

func (h *MemoryHierarchy) Projects(_ context.Context) ([]*Project, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.projects.filter(func(*Project) bool { return true }), nil
}

func (h *MemoryHierarchy) GetFeature(_ context.Context, id string) (*Feature, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.features.get("feature", id)
}

func (h *MemoryHierarchy) PutFeature(_ context.Context, f *Feature) error {
	if f.ID == "" {
		return fmt.Errorf("feature id must not be empty")
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.features.put(f.ID, *f)
	return nil
}

func (h *MemoryHierarchy) FeaturesByProject(_ context.Context, projectID string) ([]*Feature, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.features.filter(func(f *Feature) bool { return f.ProjectID == projectID }), nil
}

func (h *MemoryHierarchy) GetMilestone(_ context.Context, id string) (*Milestone, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	m, err := h.milestones.get("milestone", id)
	if err != nil {
		return nil, err
	}
	m.Dependencies = append([]string(nil), m.Dependencies...)
	m.TestCriteria = append([]string(nil), m.TestCriteria...)
	return m, nil
}

func (h *MemoryHierarchy) PutMilestone(_ context.Context, m *Milestone) error {
	if m.ID == "" {
		return fmt.Errorf("milestone id must not be empty")
	}
	cp := *m
	cp.Dependencies = append([]string(nil), m.Dependencies...)
	cp.TestCriteria = append([]string(nil), m.TestCriteria...)

	h.mu.Lock()
	defer h.mu.Unlock()
	h.milestones.put(m.ID, cp)
	return nil
}

func (h *MemoryHierarchy) MilestonesByFeature(_ context.Context, featureID string) ([]*Milestone, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.milestones.filter(func(m *Milestone) bool { return m.FeatureID == featureID }), nil
}

func (h *MemoryHierarchy) GetGoal(_ context.Context, id string) (*Goal, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.goals.get("goal", id)
}

func (h *MemoryHierarchy) PutGoal(_ context.Context, g *Goal) error {
	if g.ID == "" {
		return fmt.Errorf("goal id must not be empty")
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.goals.put(g.ID, *g)
	return nil
}

func (h *MemoryHierarchy) GoalsByMilestone(_ context.Context, milestoneID string) ([]*Goal, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.goals.filter(func(g *Goal) bool { return g.MilestoneID == milestoneID }), nil
}
