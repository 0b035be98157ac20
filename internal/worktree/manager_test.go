package worktree

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newRepo creates a git repository with one commit on main.
func newRepo(t *testing.T) string {
	t.Helper()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not available")
	}

	dir := t.TempDir()
	run := func(args ...string) {
		t.Helper()
		cmd := exec.Command("git", args...)
		cmd.Dir = dir
		out, err := cmd.CombinedOutput()
		require.NoError(t, err, string(out))
	}
	run("init", "-b", "main")
	run("config", "user.name", "Test")
	run("config", "user.email", "test@example.com")
	run("config", "commit.gpgsign", "false")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "README.md"), []byte("hello\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".gitignore"), []byte(".autopilot/\n"), 0o644))
	run("add", "-A")
	run("commit", "-m", "initial")
	return dir
}

func newManager(t *testing.T, repo string) *Manager {
	t.Helper()
	m, err := NewManager(context.Background(), Config{RepoPath: repo}, zerolog.Nop())
	require.NoError(t, err)
	return m
}

func TestNewManager_ResolvesCurrentBranch(t *testing.T) {
	m := newManager(t, newRepo(t))
	assert.Equal(t, "main", m.BaseBranch())
}

func TestNewManager_NotARepository(t *testing.T) {
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not available")
	}
	_, err := NewManager(context.Background(), Config{RepoPath: t.TempDir()}, zerolog.Nop())
	assert.Error(t, err)
}

func TestAcquireRelease_KeepMergesChanges(t *testing.T) {
	ctx := context.Background()
	repo := newRepo(t)
	m := newManager(t, repo)

	dir, err := m.Acquire(ctx, "t1")
	require.NoError(t, err)
	assert.DirExists(t, dir)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "feature.txt"), []byte("done\n"), 0o644))

	require.NoError(t, m.Release(ctx, "t1", true))

	assert.FileExists(t, filepath.Join(repo, "feature.txt"))
	assert.NoDirExists(t, dir)

	list, err := m.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestAcquireRelease_DiscardDropsChanges(t *testing.T) {
	ctx := context.Background()
	repo := newRepo(t)
	m := newManager(t, repo)

	dir, err := m.Acquire(ctx, "t1")
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "scratch.txt"), []byte("x\n"), 0o644))

	require.NoError(t, m.Release(ctx, "t1", false))

	assert.NoFileExists(t, filepath.Join(repo, "scratch.txt"))
	assert.NoDirExists(t, dir)
}

func TestRelease_KeepWithoutChanges(t *testing.T) {
	ctx := context.Background()
	m := newManager(t, newRepo(t))

	_, err := m.Acquire(ctx, "t1")
	require.NoError(t, err)
	assert.NoError(t, m.Release(ctx, "t1", true))
}

func TestRelease_ConflictIsReported(t *testing.T) {
	ctx := context.Background()
	repo := newRepo(t)
	m := newManager(t, repo)

	first, err := m.Acquire(ctx, "a")
	require.NoError(t, err)
	second, err := m.Acquire(ctx, "b")
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(first, "README.md"), []byte("from a\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(second, "README.md"), []byte("from b\n"), 0o644))

	require.NoError(t, m.Release(ctx, "a", true))
	err = m.Release(ctx, "b", true)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "merge conflict")

	content, err := os.ReadFile(filepath.Join(repo, "README.md"))
	require.NoError(t, err)
	assert.Equal(t, "from a\n", string(content))
	assert.NoDirExists(t, second)
}

func TestRelease_TheirsStrategyResolvesConflict(t *testing.T) {
	ctx := context.Background()
	repo := newRepo(t)
	m, err := NewManager(ctx, Config{RepoPath: repo, Strategy: MergeTheirs}, zerolog.Nop())
	require.NoError(t, err)

	first, err := m.Acquire(ctx, "a")
	require.NoError(t, err)
	second, err := m.Acquire(ctx, "b")
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(first, "README.md"), []byte("from a\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(second, "README.md"), []byte("from b\n"), 0o644))

	require.NoError(t, m.Release(ctx, "a", true))
	require.NoError(t, m.Release(ctx, "b", true))

	content, err := os.ReadFile(filepath.Join(repo, "README.md"))
	require.NoError(t, err)
	assert.Equal(t, "from b\n", string(content))
}

func TestAcquire_ReplacesStaleWorktree(t *testing.T) {
	ctx := context.Background()
	m := newManager(t, newRepo(t))

	_, err := m.Create(ctx, "t1")
	require.NoError(t, err)

	dir, err := m.Acquire(ctx, "t1")
	require.NoError(t, err)
	assert.DirExists(t, dir)
	require.NoError(t, m.Release(ctx, "t1", false))
}

func TestRelease_UnknownTask(t *testing.T) {
	m := newManager(t, newRepo(t))
	assert.Error(t, m.Release(context.Background(), "nope", false))
}

func TestList(t *testing.T) {
	ctx := context.Background()
	m := newManager(t, newRepo(t))

	_, err := m.Acquire(ctx, "t1")
	require.NoError(t, err)

	list, err := m.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "t1", list[0].TaskID)
	assert.Equal(t, "autopilot/t1", list[0].Branch)
	assert.NoError(t, m.Prune(ctx))
}

func TestParseStrategy(t *testing.T) {
	for name, want := range map[string]MergeStrategy{"": MergeOrt, "ort": MergeOrt, "ours": MergeOurs, "theirs": MergeTheirs} {
		got, err := ParseStrategy(name)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
	_, err := ParseStrategy("octopus")
	assert.Error(t, err)
}

func TestParseConflictFiles(t *testing.T) {
	out := "abc123\n100644 1 README.md\n\nAuto-merging README.md\nCONFLICT (content): Merge conflict in README.md\n"
	assert.Equal(t, []string{"README.md"}, parseConflictFiles(out))
}
