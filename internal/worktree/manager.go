package worktree

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"

	"github.com/rs/zerolog"
)

// BranchPrefix prefixes every task branch.
const BranchPrefix = "autopilot/"

// Manager runs each task attempt in its own git worktree and merges the result
// back into the base branch.
type Manager struct {
	config  Config
	logger  zerolog.Logger
	mergeMu sync.Mutex // Serializes operations on the main checkout

	mu     sync.Mutex
	active map[string]*Info // taskID -> worktree
}

// NewManager resolves the repository root and base branch and creates a Manager.
func NewManager(ctx context.Context, cfg Config, logger zerolog.Logger) (*Manager, error) {
	if cfg.Dir == "" {
		cfg.Dir = filepath.Join(".autopilot", "worktrees")
	}

	root, err := git(ctx, cfg.RepoPath, "rev-parse", "--show-toplevel")
	if err != nil {
		return nil, fmt.Errorf("not a git repository: %w", err)
	}
	cfg.RepoPath = root

	if cfg.BaseBranch == "" {
		branch, err := git(ctx, root, "rev-parse", "--abbrev-ref", "HEAD")
		if err != nil {
			return nil, fmt.Errorf("failed to resolve current branch: %w", err)
		}
		if branch == "HEAD" {
			return nil, errors.New("repository is in detached HEAD state; set workspace.base_branch")
		}
		cfg.BaseBranch = branch
	}

	return &Manager{
		config: cfg,
		logger: logger.With().Str("component", "worktree").Logger(),
		active: make(map[string]*Info),
	}, nil
}

// BaseBranch returns the branch tasks merge into.
func (m *Manager) BaseBranch() string {
	return m.config.BaseBranch
}

// Acquire implements orchestrator.Workspaces. A worktree left behind by an
// interrupted run for the same task is removed first.
func (m *Manager) Acquire(ctx context.Context, taskID string) (string, error) {
	stale := &Info{
		Path:   m.pathFor(taskID),
		Branch: BranchPrefix + taskID,
		TaskID: taskID,
	}
	if err := m.ForceCleanup(ctx, stale); err == nil {
		m.logger.Debug().Str("task_id", taskID).Msg("removed stale worktree")
	}

	info, err := m.Create(ctx, taskID)
	if err != nil {
		return "", err
	}

	m.mu.Lock()
	m.active[taskID] = info
	m.mu.Unlock()
	return info.Path, nil
}

// Release implements orchestrator.Workspaces. With keep it commits any changes in
// the worktree and merges them; the worktree is removed either way.
func (m *Manager) Release(ctx context.Context, taskID string, keep bool) error {
	m.mu.Lock()
	info, ok := m.active[taskID]
	delete(m.active, taskID)
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("no worktree for task %q", taskID)
	}

	var errs []error
	if keep {
		committed, err := m.Commit(ctx, info, fmt.Sprintf("autopilot: task %s", taskID))
		switch {
		case err != nil:
			errs = append(errs, err)
		case committed:
			result, err := m.Merge(ctx, info, m.config.Strategy)
			if err != nil {
				errs = append(errs, err)
			} else if !result.Merged {
				errs = append(errs, result.Error)
			} else {
				m.logger.Info().Str("task_id", taskID).Str("branch", info.Branch).Msg("task branch merged")
			}
		}
	}

	if err := m.ForceCleanup(context.WithoutCancel(ctx), info); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// Create creates a new worktree for the given task ID.
func (m *Manager) Create(ctx context.Context, taskID string) (*Info, error) {
	branch := BranchPrefix + taskID
	wtPath := m.pathFor(taskID)

	if _, err := git(ctx, m.config.RepoPath, "worktree", "add", "-b", branch, wtPath, m.config.BaseBranch); err != nil {
		return nil, fmt.Errorf("failed to create worktree: %w", err)
	}

	head, err := git(ctx, wtPath, "rev-parse", "HEAD")
	if err != nil {
		return nil, fmt.Errorf("failed to get HEAD commit: %w", err)
	}

	return &Info{
		Path:   wtPath,
		Branch: branch,
		TaskID: taskID,
		Head:   head,
	}, nil
}

// Commit stages everything in the worktree and commits it. It reports false when
// there was nothing to commit.
func (m *Manager) Commit(ctx context.Context, info *Info, message string) (bool, error) {
	if _, err := git(ctx, info.Path, "add", "-A"); err != nil {
		return false, fmt.Errorf("failed to stage changes: %w", err)
	}

	status, err := git(ctx, info.Path, "status", "--porcelain")
	if err != nil {
		return false, fmt.Errorf("failed to read status: %w", err)
	}
	if status == "" {
		head, err := git(ctx, info.Path, "rev-parse", "HEAD")
		if err != nil {
			return false, fmt.Errorf("failed to get HEAD commit: %w", err)
		}
		// The backend may have committed on its own.
		return head != info.Head, nil
	}

	if _, err := git(ctx, info.Path, "commit", "-m", message); err != nil {
		return false, fmt.Errorf("failed to commit: %w", err)
	}
	return true, nil
}

// Merge merges the worktree branch back to the base branch.
func (m *Manager) Merge(ctx context.Context, info *Info, strategy MergeStrategy) (*MergeResult, error) {
	m.mergeMu.Lock()
	defer m.mergeMu.Unlock()

	if _, err := git(ctx, m.config.RepoPath, "checkout", m.config.BaseBranch); err != nil {
		return &MergeResult{Error: fmt.Errorf("failed to checkout base branch: %w", err)}, nil
	}

	// Dry-run the merge so conflicts never touch the main checkout
	if strategy == MergeOrt {
		out, err := git(ctx, m.config.RepoPath, "merge-tree", "--write-tree", m.config.BaseBranch, info.Branch)
		if err != nil || strings.Contains(out, "CONFLICT") {
			msg := out
			if err != nil {
				msg = err.Error()
			}
			return &MergeResult{
				Error:         fmt.Errorf("merge conflict detected: %s", msg),
				ConflictFiles: parseConflictFiles(msg),
			}, nil
		}
	}

	args := append([]string{"merge", "--no-ff", "--no-edit"}, strategy.mergeArgs()...)
	args = append(args, info.Branch)
	if _, err := git(ctx, m.config.RepoPath, args...); err != nil {
		_, _ = git(context.WithoutCancel(ctx), m.config.RepoPath, "merge", "--abort")
		return &MergeResult{Error: fmt.Errorf("merge failed: %w", err)}, nil
	}

	return &MergeResult{Merged: true}, nil
}

// parseConflictFiles extracts conflicting file paths from merge-tree output.
func parseConflictFiles(output string) []string {
	var conflicts []string
	scanner := bufio.NewScanner(strings.NewReader(output))
	for scanner.Scan() {
		line := scanner.Text()
		// e.g. "CONFLICT (content): Merge conflict in <file>"
		if i := strings.LastIndex(line, "Merge conflict in "); strings.Contains(line, "CONFLICT") && i >= 0 {
			conflicts = append(conflicts, strings.TrimSpace(line[i+len("Merge conflict in "):]))
		}
	}
	return conflicts
}

// ForceCleanup removes the worktree and deletes its branch.
func (m *Manager) ForceCleanup(ctx context.Context, info *Info) error {
	var errs []error

	if _, err := git(ctx, m.config.RepoPath, "worktree", "remove", "--force", info.Path); err != nil {
		errs = append(errs, fmt.Errorf("worktree remove failed: %w", err))
	}
	if _, err := git(ctx, m.config.RepoPath, "branch", "-D", info.Branch); err != nil {
		errs = append(errs, fmt.Errorf("branch delete failed: %w", err))
	}

	return errors.Join(errs...)
}

// List returns the task worktrees in the repository.
func (m *Manager) List(ctx context.Context) ([]Info, error) {
	output, err := git(ctx, m.config.RepoPath, "worktree", "list", "--porcelain")
	if err != nil {
		return nil, fmt.Errorf("failed to list worktrees: %w", err)
	}

	var worktrees []Info
	var current Info
	flush := func() {
		if current.TaskID != "" {
			worktrees = append(worktrees, current)
		}
		current = Info{}
	}

	scanner := bufio.NewScanner(strings.NewReader(output))
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			flush()
		case strings.HasPrefix(line, "worktree "):
			current.Path = strings.TrimPrefix(line, "worktree ")
		case strings.HasPrefix(line, "HEAD "):
			current.Head = strings.TrimPrefix(line, "HEAD ")
		case strings.HasPrefix(line, "branch "):
			current.Branch = strings.TrimPrefix(strings.TrimPrefix(line, "branch "), "refs/heads/")
			if id, ok := strings.CutPrefix(current.Branch, BranchPrefix); ok {
				current.TaskID = id
			}
		}
	}
	flush()

	return worktrees, nil
}

// Prune cleans up stale worktree metadata.
func (m *Manager) Prune(ctx context.Context) error {
	if _, err := git(ctx, m.config.RepoPath, "worktree", "prune"); err != nil {
		return fmt.Errorf("failed to prune worktrees: %w", err)
	}
	return nil
}

func (m *Manager) pathFor(taskID string) string {
	return filepath.Join(m.config.RepoPath, m.config.Dir, taskID)
}

// git runs a git command in dir and returns its trimmed combined output.
func git(ctx context.Context, dir string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	trimmed := strings.TrimSpace(string(out))
	if err != nil {
		return trimmed, fmt.Errorf("git %s: %w (output: %s)", strings.Join(args, " "), err, trimmed)
	}
	return trimmed, nil
}
