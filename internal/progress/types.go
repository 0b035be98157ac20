package progress

import (
	"time"

	"github.com/aristath/autopilot/internal/scheduler"
)

// Level names used in progress events.
const (
	LevelGoal      = "goal"
	LevelMilestone = "milestone"
	LevelFeature   = "feature"
	LevelProject   = "project"
)

// Project is the root of the hierarchy.
type Project struct {
	ID          string
	Name        string
	Description string
	Progress    float64 // 0-100
	LastUpdated time.Time
}

// Feature belongs to a Project. Priority is the feature's weight in the project
// average: a larger value counts more. Zero means weight 1.
type Feature struct {
	ID          string
	ProjectID   string
	Name        string
	Description string
	Priority    float64
	Progress    float64
	LastUpdated time.Time
}

// Milestone belongs to a Feature and is the unit a task is created from.
type Milestone struct {
	ID               string
	FeatureID        string
	Name             string
	Description      string
	PercentOfFeature float64 // Weight in the feature average; zero means 1
	Priority         scheduler.Priority
	EstimatedEffort  float64
	Dependencies     []string // Milestone IDs
	TestCriteria     []string
	Progress         float64
	LastUpdated      time.Time
}

// Goal is a leaf of the hierarchy. Its progress is set directly or derived from a task.
type Goal struct {
	ID                 string
	MilestoneID        string
	Name               string
	PercentOfMilestone float64 // Weight in the milestone average; zero means 1
	Status             scheduler.TaskStatus
	Progress           float64
	LastUpdated        time.Time
}

func weight(w float64) float64 {
	if w <= 0 {
		return 1
	}
	return w
}
