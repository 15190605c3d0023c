package vcs

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var fixedNow = time.Date(2026, 10, 1, 9, 0, 0, 0, time.UTC)

// newRepo initialises a repository with files committed on the first commit.
func newRepo(t *testing.T, files map[string]string) (*GitRepo, string) {
	t.Helper()
	dir := t.TempDir()
	_, err := git.PlainInit(dir, false)
	require.NoError(t, err)

	g, err := Open(dir, WithAuthor(Author{Name: "Test", Email: "test@example.com"}), WithClock(func() time.Time { return fixedNow }))
	require.NoError(t, err)

	var paths []string
	for p, content := range files {
		write(t, dir, p, content)
		paths = append(paths, p)
	}
	if len(paths) > 0 {
		_, err := g.Commit("initial", paths)
		require.NoError(t, err)
	}
	return g, dir
}

func write(t *testing.T, dir, p, content string) {
	t.Helper()
	full := filepath.Join(dir, filepath.FromSlash(p))
	require.NoError(t, os.MkdirAll(filepath.Dir(full), 0o755))
	require.NoError(t, os.WriteFile(full, []byte(content), 0o644))
}

func read(t *testing.T, dir, p string) string {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(dir, filepath.FromSlash(p)))
	require.NoError(t, err)
	return string(data)
}

func TestOpen_NotARepository(t *testing.T) {
	_, err := Open(t.TempDir())
	assert.ErrorIs(t, err, ErrUnavailable)
}

func TestOpen_Subdirectory(t *testing.T) {
	_, dir := newRepo(t, map[string]string{"svc/a.go": "package a\n", "other.txt": "x\n"})

	g, err := Open(filepath.Join(dir, "svc"))
	require.NoError(t, err)

	tracked, err := g.Tracked("a.go")
	require.NoError(t, err)
	assert.True(t, tracked)

	write(t, dir, "svc/a.go", "package a\n\nvar x = 1\n")
	write(t, dir, "other.txt", "y\n")
	changed, err := g.Changed()
	require.NoError(t, err)
	assert.Equal(t, []string{"a.go"}, changed, "changes outside the project root are not reported")
}

func TestGitRepo_ChangedAndDiff(t *testing.T) {
	g, dir := newRepo(t, map[string]string{"a.py": "x = 1\ntry:\n    run()\nexcept:\n    pass\n"})

	changed, err := g.Changed()
	require.NoError(t, err)
	assert.Empty(t, changed)

	write(t, dir, "a.py", "x = 1\ntry:\n    run()\nexcept ValueError:\n    raise\n")
	write(t, dir, "new.py", "y = 2\n")

	changed, err = g.Changed()
	require.NoError(t, err)
	assert.Equal(t, []string{"a.py", "new.py"}, changed)

	patch, err := g.Diff([]string{"a.py", "new.py"})
	require.NoError(t, err)
	assert.Contains(t, patch, "--- a/a.py\n+++ b/a.py\n")
	assert.Contains(t, patch, "-except:\n")
	assert.Contains(t, patch, "+except ValueError:\n")
	assert.Contains(t, patch, "+y = 2\n")
	assert.NotContains(t, patch, " run()", "unchanged lines are omitted")
}

func TestGitRepo_Commit(t *testing.T) {
	g, dir := newRepo(t, map[string]string{"a.go": "package a\n", "b.go": "package b\n"})

	write(t, dir, "a.go", "package a\n\nfunc A() {}\n")
	write(t, dir, "b.go", "package b\n\nfunc B() {}\n")

	ref, err := g.Commit("fix(U_FAIL_FAST): raise instead of swallowing", []string{"a.go"})
	require.NoError(t, err)
	assert.Len(t, ref, 40)

	c, err := g.repo.CommitObject(plumbing.NewHash(ref))
	require.NoError(t, err)
	assert.Equal(t, "fix(U_FAIL_FAST): raise instead of swallowing", c.Message)
	assert.Equal(t, "Test", c.Author.Name)

	stats, err := c.Stats()
	require.NoError(t, err)
	require.Len(t, stats, 1, "only the given paths are committed")
	assert.Equal(t, "a.go", stats[0].Name)

	changed, err := g.Changed()
	require.NoError(t, err)
	assert.Equal(t, []string{"b.go"}, changed)

	_, err = g.Commit("again", []string{"a.go"})
	assert.ErrorIs(t, err, ErrNothingToCommit)
}

func TestGitRepo_CommitRefusesForeignStaged(t *testing.T) {
	g, dir := newRepo(t, map[string]string{"a.go": "package a\n", "b.go": "package b\n"})

	write(t, dir, "a.go", "package a\n\nvar A = 1\n")
	write(t, dir, "b.go", "package b\n\nvar B = 1\n")
	require.NoError(t, g.Stage([]string{"b.go"}))

	_, err := g.Commit("fix", []string{"a.go"})
	assert.ErrorIs(t, err, ErrForeignStaged)
	assert.Contains(t, err.Error(), "b.go")
}

func TestGitRepo_CommitDeletion(t *testing.T) {
	g, dir := newRepo(t, map[string]string{"a.go": "package a\n", "dead.go": "package a\n"})

	require.NoError(t, os.Remove(filepath.Join(dir, "dead.go")))
	_, err := g.Commit("remove dead code", []string{"dead.go"})
	require.NoError(t, err)

	tracked, err := g.Tracked("dead.go")
	require.NoError(t, err)
	assert.False(t, tracked)
}

func TestGitRepo_RevertPaths(t *testing.T) {
	g, dir := newRepo(t, map[string]string{"a.go": "package a\n", "b.go": "package b\n"})

	write(t, dir, "a.go", "package a\n\nbroken(\n")
	write(t, dir, "b.go", "package b\n\nvar kept = 1\n")
	write(t, dir, "helper.go", "package a\n")
	require.NoError(t, g.Stage([]string{"a.go", "helper.go"}))

	require.NoError(t, g.RevertPaths([]string{"a.go", "helper.go"}, nil))

	assert.Equal(t, "package a\n", read(t, dir, "a.go"))
	assert.NoFileExists(t, filepath.Join(dir, "helper.go"))
	assert.Equal(t, "package b\n\nvar kept = 1\n", read(t, dir, "b.go"), "paths outside the set are untouched")

	changed, err := g.Changed()
	require.NoError(t, err)
	assert.Equal(t, []string{"b.go"}, changed)
}

func TestGitRepo_RevertPathsToSnapshot(t *testing.T) {
	g, dir := newRepo(t, map[string]string{"a.go": "package a\n", "b.go": "package b\n"})

	// uncommitted work that predates the fix
	write(t, dir, "a.go", "package a\n\nvar edited = true\n")
	snap, err := g.Snapshot([]string{"a.go", "new.go"})
	require.NoError(t, err)
	require.Len(t, snap, 2)
	assert.NotEmpty(t, snap["a.go"])
	assert.Empty(t, snap["new.go"], "absent files snapshot as empty")

	// the fix
	write(t, dir, "a.go", "package a\n\nbroken(\n")
	write(t, dir, "b.go", "package b\n\nbroken(\n")
	write(t, dir, "new.go", "package a\n")

	require.NoError(t, g.RevertPaths([]string{"a.go", "b.go", "new.go"}, snap))

	assert.Equal(t, "package a\n\nvar edited = true\n", read(t, dir, "a.go"), "earlier edits survive")
	assert.Equal(t, "package b\n", read(t, dir, "b.go"))
	assert.NoFileExists(t, filepath.Join(dir, "new.go"))

	changed, err := g.Changed()
	require.NoError(t, err)
	assert.Equal(t, []string{"a.go"}, changed)
}

func TestGitRepo_SnapshotNothingDirty(t *testing.T) {
	g, _ := newRepo(t, map[string]string{"a.go": "package a\n"})
	snap, err := g.Snapshot(nil)
	require.NoError(t, err)
	assert.Nil(t, snap)
}

func TestGitRepo_Revert(t *testing.T) {
	g, dir := newRepo(t, map[string]string{"a.go": "package a\n", "b.go": "package b\n"})

	write(t, dir, "a.go", "package a\n\nvar A = 1\n")
	write(t, dir, "c.go", "package a\n")
	ref, err := g.Commit("fix(X): change", []string{"a.go", "c.go"})
	require.NoError(t, err)

	write(t, dir, "b.go", "package b\n\nvar B = 1\n")
	second, err := g.Commit("fix(Y): other", []string{"b.go"})
	require.NoError(t, err)

	rev, err := g.Revert(ref)
	require.NoError(t, err)
	assert.NotEqual(t, second, rev)

	assert.Equal(t, "package a\n", read(t, dir, "a.go"))
	assert.NoFileExists(t, filepath.Join(dir, "c.go"))
	assert.Equal(t, "package b\n\nvar B = 1\n", read(t, dir, "b.go"), "later commits survive")

	c, err := g.repo.CommitObject(plumbing.NewHash(rev))
	require.NoError(t, err)
	assert.Contains(t, c.Message, "This reverts commit "+ref)
}

func TestGitRepo_Tracked(t *testing.T) {
	g, dir := newRepo(t, nil)

	tracked, err := g.Tracked("a.go")
	require.NoError(t, err)
	assert.False(t, tracked, "an unborn branch tracks nothing")

	write(t, dir, "a.go", "package a\n")
	_, err = g.Commit("initial", []string{"a.go"})
	require.NoError(t, err)

	tracked, err = g.Tracked("a.go")
	require.NoError(t, err)
	assert.True(t, tracked)

	write(t, dir, "b.go", "package a\n")
	tracked, err = g.Tracked("b.go")
	require.NoError(t, err)
	assert.False(t, tracked)
}

func TestGitRepo_Branch(t *testing.T) {
	g, _ := newRepo(t, map[string]string{"a.go": "package a\n"})

	branch, err := g.Branch()
	require.NoError(t, err)
	assert.NotEmpty(t, branch)
}

func TestGitRepo_Available(t *testing.T) {
	g, dir := newRepo(t, map[string]string{"a.go": "package a\n"})
	require.NoError(t, g.Available())

	require.NoError(t, os.RemoveAll(dir))
	assert.ErrorIs(t, g.Available(), ErrUnavailable)
}

func TestGitRepo_Head(t *testing.T) {
	g, dir := newRepo(t, nil)

	ref, msg, err := g.Head()
	require.NoError(t, err)
	assert.Empty(t, ref)
	assert.Empty(t, msg)

	write(t, dir, "a.go", "package a\n")
	want, err := g.Commit("fix(DRY): extract helper", []string{"a.go"})
	require.NoError(t, err)

	ref, msg, err = g.Head()
	require.NoError(t, err)
	assert.Equal(t, want, ref)
	assert.Equal(t, "fix(DRY): extract helper", msg)
}
