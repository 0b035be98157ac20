// Package plan loads a YAML project plan and seeds the progress hierarchy and the
// task store from it.
package plan

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/aristath/autopilot/internal/scheduler"
)

// ErrInvalidPlan wraps every validation failure.
var ErrInvalidPlan = errors.New("invalid plan")

// Plan is the root of a plan file.
type Plan struct {
	Project  Project   `yaml:"project"`
	Features []Feature `yaml:"features"`
}

// Project describes the plan's project.
type Project struct {
	ID          string `yaml:"id"`
	Name        string `yaml:"name"`
	Description string `yaml:"description,omitempty"`
}

// Feature groups milestones. Priority is its weight in the project's progress.
type Feature struct {
	ID          string      `yaml:"id"`
	Name        string      `yaml:"name"`
	Description string      `yaml:"description,omitempty"`
	Priority    float64     `yaml:"priority,omitempty"`
	Milestones  []Milestone `yaml:"milestones"`
}

// Milestone becomes one task, decomposed when its effort is large.
type Milestone struct {
	ID               string   `yaml:"id"`
	Name             string   `yaml:"name"`
	Description      string   `yaml:"description,omitempty"`
	Priority         Priority `yaml:"priority,omitempty"`
	PercentOfFeature float64  `yaml:"percentOfFeature,omitempty"`
	EstimatedEffort  float64  `yaml:"estimatedEffort"`
	Dependencies     []string `yaml:"dependencies,omitempty"` // Milestone IDs
	TestCriteria     []string `yaml:"testCriteria,omitempty"`
	Goals            []Goal   `yaml:"goals,omitempty"`
}

// Goal is a manually tracked checkpoint of a milestone.
type Goal struct {
	ID                 string  `yaml:"id"`
	Name               string  `yaml:"name"`
	PercentOfMilestone float64 `yaml:"percentOfMilestone,omitempty"`
	Progress           float64 `yaml:"progress,omitempty"`
}

// Priority accepts either the tier number (1-5) or its name ("critical" .. "optimization").
// Unset means Medium.
type Priority scheduler.Priority

var priorityNames = map[string]scheduler.Priority{
	"critical":     scheduler.PriorityCritical,
	"high":         scheduler.PriorityHigh,
	"medium":       scheduler.PriorityMedium,
	"low":          scheduler.PriorityLow,
	"optimization": scheduler.PriorityOptimization,
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (p *Priority) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.ScalarNode {
		return fmt.Errorf("line %d: priority must be a scalar", node.Line)
	}
	if n, err := strconv.Atoi(node.Value); err == nil {
		*p = Priority(n)
		return nil
	}
	if v, ok := priorityNames[strings.ToLower(strings.TrimSpace(node.Value))]; ok {
		*p = Priority(v)
		return nil
	}
	return fmt.Errorf("line %d: unknown priority %q", node.Line, node.Value)
}

// MarshalYAML implements yaml.Marshaler.
func (p Priority) MarshalYAML() (any, error) {
	return strings.ToLower(scheduler.Priority(p).String()), nil
}

// Value returns the scheduler priority, defaulting to Medium.
func (p Priority) Value() scheduler.Priority {
	if p == 0 {
		return scheduler.PriorityMedium
	}
	return scheduler.Priority(p)
}

// Load reads and parses a plan file. It does not validate.
func Load(path string) (*Plan, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read plan: %w", err)
	}
	return Parse(data)
}

// Parse decodes plan YAML. Unknown fields are rejected.
func Parse(data []byte) (*Plan, error) {
	dec := yaml.NewDecoder(strings.NewReader(string(data)))
	dec.KnownFields(true)

	var p Plan
	if err := dec.Decode(&p); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPlan, err)
	}
	return &p, nil
}

// Milestones returns every milestone with its feature id, in declaration order.
func (p *Plan) Milestones() []FeatureMilestone {
	var out []FeatureMilestone
	for _, f := range p.Features {
		for _, m := range f.Milestones {
			out = append(out, FeatureMilestone{FeatureID: f.ID, Milestone: m})
		}
	}
	return out
}

// FeatureMilestone pairs a milestone with its owning feature.
type FeatureMilestone struct {
	FeatureID string
	Milestone
}

// Validate checks structure: required ids, uniqueness, priority range, effort sign
// and milestone references. Dependency cycles are not an error here; see Order.
func (p *Plan) Validate() error {
	var errs []error
	addf := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	if p.Project.ID == "" {
		addf("project id is required")
	}
	if len(p.Features) == 0 {
		addf("plan has no features")
	}

	seen := map[string]string{}
	claim := func(kind, id string) {
		if id == "" {
			addf("%s id is required", kind)
			return
		}
		if prev, dup := seen[id]; dup {
			addf("duplicate id %q (%s and %s)", id, prev, kind)
			return
		}
		seen[id] = kind
	}

	milestones := map[string]bool{}
	for _, fm := range p.Milestones() {
		milestones[fm.ID] = true
	}

	for _, f := range p.Features {
		claim("feature", f.ID)
		if f.Priority < 0 {
			addf("feature %q: priority weight must not be negative", f.ID)
		}
		for _, m := range f.Milestones {
			claim("milestone", m.ID)
			if v := m.Priority.Value(); v < scheduler.PriorityCritical || v > scheduler.PriorityOptimization {
				addf("milestone %q: priority %d out of range 1-5", m.ID, v)
			}
			if m.EstimatedEffort < 0 {
				addf("milestone %q: estimatedEffort must not be negative", m.ID)
			}
			if m.PercentOfFeature < 0 {
				addf("milestone %q: percentOfFeature must not be negative", m.ID)
			}
			for _, dep := range m.Dependencies {
				switch {
				case dep == m.ID:
					addf("milestone %q depends on itself", m.ID)
				case !milestones[dep]:
					addf("milestone %q depends on unknown milestone %q", m.ID, dep)
				}
			}
			for _, g := range m.Goals {
				claim("goal", g.ID)
				if g.Progress < 0 || g.Progress > 100 {
					addf("goal %q: progress must be within 0-100", g.ID)
				}
			}
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalidPlan, errors.Join(errs...))
	}
	return nil
}
