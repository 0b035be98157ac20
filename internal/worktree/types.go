package worktree

import "fmt"

// MergeStrategy defines how a task branch is merged back into the base branch.
type MergeStrategy int

const (
	// MergeOrt uses git's default ort strategy and stops on conflicts
	MergeOrt MergeStrategy = iota
	// MergeOurs resolves conflicting hunks in favor of the base branch
	MergeOurs
	// MergeTheirs resolves conflicting hunks in favor of the task branch
	MergeTheirs
)

// String returns the strategy name used in configuration.
func (s MergeStrategy) String() string {
	switch s {
	case MergeOurs:
		return "ours"
	case MergeTheirs:
		return "theirs"
	default:
		return "ort"
	}
}

// ParseStrategy maps a configuration value to a MergeStrategy. Empty means ort.
func ParseStrategy(name string) (MergeStrategy, error) {
	switch name {
	case "", "ort":
		return MergeOrt, nil
	case "ours":
		return MergeOurs, nil
	case "theirs":
		return MergeTheirs, nil
	}
	return MergeOrt, fmt.Errorf("unknown merge strategy %q", name)
}

// mergeArgs returns the git merge flags for the strategy.
func (s MergeStrategy) mergeArgs() []string {
	switch s {
	case MergeOurs:
		return []string{"-X", "ours"}
	case MergeTheirs:
		return []string{"-X", "theirs"}
	default:
		return nil
	}
}

// Info holds information about a task worktree.
type Info struct {
	Path   string // Absolute path to the worktree directory
	Branch string // Branch name (e.g., "autopilot/task-123")
	TaskID string // Task the worktree belongs to
	Head   string // HEAD commit hash at creation
}

// MergeResult represents the outcome of a merge operation.
type MergeResult struct {
	Merged        bool     // True if merge succeeded
	ConflictFiles []string // Files with conflicts (if any)
	Error         error    // Why the merge did not happen
}

// Config configures the Manager.
type Config struct {
	RepoPath   string        // Repository root; empty resolves from the working directory
	BaseBranch string        // Branch tasks start from and merge into; empty means the current branch
	Dir        string        // Directory under the repo for worktrees (default ".autopilot/worktrees")
	Strategy   MergeStrategy // Merge strategy used by Release
}
