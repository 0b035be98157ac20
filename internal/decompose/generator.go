package decompose

import (
	"context"
	"errors"
	"fmt"

	"github.com/aristath/autopilot/internal/scheduler"
)

// ErrGeneratorUnavailable means the text-generation collaborator could not be reached.
// The engine answers it with the archetype fallback instead of treating it as a failure.
var ErrGeneratorUnavailable = errors.New("subtask generator unavailable")

// ErrMalformedResponse means the generator answered with something unusable.
var ErrMalformedResponse = errors.New("malformed subtask suggestions")

// Suggestion is one generated subtask outline.
type Suggestion struct {
	Name            string  `json:"name"`
	Description     string  `json:"description"`
	EstimatedEffort float64 `json:"estimatedEffort"`
}

// Generator proposes count subtasks for a parent task.
type Generator interface {
	Generate(ctx context.Context, parent *scheduler.Task, count int) ([]Suggestion, error)
}

// GeneratorFunc adapts a function to Generator.
type GeneratorFunc func(ctx context.Context, parent *scheduler.Task, count int) ([]Suggestion, error)

// Generate implements Generator.
func (f GeneratorFunc) Generate(ctx context.Context, parent *scheduler.Task, count int) ([]Suggestion, error) {
	return f(ctx, parent, count)
}

// Archetypes are the phase names used for generated subtasks, in order.
var Archetypes = []string{"Research", "Design", "Implementation", "Testing", "Documentation"}

// ArchetypeGenerator names subtasks after the fixed phase archetypes. It never fails.
type ArchetypeGenerator struct{}

// Generate implements Generator.
func (ArchetypeGenerator) Generate(_ context.Context, parent *scheduler.Task, count int) ([]Suggestion, error) {
	effort := 0.0
	if count > 0 {
		effort = parent.EstimatedEffort / float64(count)
	}

	out := make([]Suggestion, 0, count)
	for i := 0; i < count; i++ {
		s := Suggestion{EstimatedEffort: effort}
		if i < len(Archetypes) {
			s.Name = fmt.Sprintf("%s: %s", Archetypes[i], parent.Name)
			s.Description = fmt.Sprintf("%s phase (%d of %d) for %q: %s", Archetypes[i], i+1, count, parent.Name, parent.Description)
		} else {
			s.Name = fmt.Sprintf("Subtask %d for %s", i+1, parent.Name)
			s.Description = fmt.Sprintf("Part %d of %d for %q: %s", i+1, count, parent.Name, parent.Description)
		}
		out = append(out, s)
	}
	return out, nil
}
