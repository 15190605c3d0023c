// Package vcs is the version-control collaborator: diff, stage, commit and
// revert through go-git, with paths given relative to the project root.
package vcs

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/go-git/go-git/v5/utils/diff"
	"github.com/sergi/go-diff/diffmatchpatch"
)

var (
	// ErrUnavailable indicates the project is not inside a usable repository.
	ErrUnavailable = errors.New("version control unavailable")

	// ErrNothingToCommit indicates none of the given paths changed.
	ErrNothingToCommit = errors.New("nothing to commit")

	// ErrForeignStaged indicates files outside the commit set are staged.
	ErrForeignStaged = errors.New("files outside the commit set are staged")
)

// VCS is what remediation needs from version control.
type VCS interface {
	Available() error
	Branch() (string, error)
	Head() (ref, message string, err error)
	Changed() ([]string, error)
	Diff(paths []string) (string, error)
	Stage(paths []string) error
	Commit(message string, paths []string) (string, error)
	Snapshot(paths []string) (map[string]string, error)
	RevertPaths(paths []string, snapshot map[string]string) error
	Revert(ref string) (string, error)
	Tracked(path string) (bool, error)
}

// Author identifies commits made by remediation.
type Author struct {
	Name  string
	Email string
}

// DefaultAuthor is used when neither options nor git config name one.
var DefaultAuthor = Author{Name: "guardrail", Email: "guardrail@localhost"}

// GitRepo implements VCS on a go-git repository. The project root may be a
// subdirectory of the worktree.
type GitRepo struct {
	repo   *git.Repository
	wt     *git.Worktree
	root   string
	prefix string
	author Author
	now    func() time.Time
}

// Option configures a GitRepo.
type Option func(*GitRepo)

// WithAuthor sets the commit author.
func WithAuthor(a Author) Option {
	return func(g *GitRepo) {
		if a.Name != "" {
			g.author.Name = a.Name
		}
		if a.Email != "" {
			g.author.Email = a.Email
		}
	}
}

// WithClock overrides time.Now for commit signatures.
func WithClock(now func() time.Time) Option {
	return func(g *GitRepo) { g.now = now }
}

// Open opens the repository containing root.
func Open(root string, opts ...Option) (*GitRepo, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	repo, err := git.PlainOpenWithOptions(abs, &git.PlainOpenOptions{DetectDotGit: true})
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrUnavailable, abs, err)
	}
	wt, err := repo.Worktree()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	prefix, err := filepath.Rel(wt.Filesystem.Root(), abs)
	if err != nil || strings.HasPrefix(prefix, "..") {
		return nil, fmt.Errorf("%w: %s is outside the worktree", ErrUnavailable, abs)
	}
	if prefix == "." {
		prefix = ""
	}

	g := &GitRepo{
		repo:   repo,
		wt:     wt,
		root:   abs,
		prefix: filepath.ToSlash(prefix),
		author: configuredAuthor(repo),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g, nil
}

func configuredAuthor(repo *git.Repository) Author {
	a := DefaultAuthor
	cfg, err := repo.ConfigScoped(config.GlobalScope)
	if err == nil {
		if cfg.User.Name != "" {
			a.Name = cfg.User.Name
		}
		if cfg.User.Email != "" {
			a.Email = cfg.User.Email
		}
	}
	return a
}

func (g *GitRepo) repoPath(rel string) string {
	rel = path.Clean(filepath.ToSlash(rel))
	if g.prefix == "" {
		return rel
	}
	return path.Join(g.prefix, rel)
}

func (g *GitRepo) projectPath(repoPath string) (string, bool) {
	if g.prefix == "" {
		return repoPath, true
	}
	rel, ok := strings.CutPrefix(repoPath, g.prefix+"/")
	return rel, ok
}

func (g *GitRepo) abs(rel string) string {
	return filepath.Join(g.root, filepath.FromSlash(rel))
}

// Available reports whether the repository can still be read.
func (g *GitRepo) Available() error {
	if _, err := os.Stat(g.wt.Filesystem.Root()); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if _, err := g.repo.Config(); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

// Branch returns the checked-out branch, or "" when HEAD is detached or
// unborn.
func (g *GitRepo) Branch() (string, error) {
	head, err := g.repo.Head()
	if errors.Is(err, plumbing.ErrReferenceNotFound) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to read HEAD: %w", err)
	}
	if head.Name().IsBranch() {
		return head.Name().Short(), nil
	}
	return "", nil
}

// Head returns the HEAD commit hash and message. Both are empty on an
// unborn branch.
func (g *GitRepo) Head() (string, string, error) {
	c, err := g.headCommit()
	if err != nil || c == nil {
		return "", "", err
	}
	return c.Hash.String(), c.Message, nil
}

// Changed returns project paths that differ from HEAD in the index or the
// worktree, untracked files included.
func (g *GitRepo) Changed() ([]string, error) {
	status, err := g.wt.Status()
	if err != nil {
		return nil, fmt.Errorf("failed to read status: %w", err)
	}
	var out []string
	for p, fs := range status {
		if fs.Staging == git.Unmodified && fs.Worktree == git.Unmodified {
			continue
		}
		if rel, ok := g.projectPath(p); ok {
			out = append(out, rel)
		}
	}
	slices.Sort(out)
	return out, nil
}

// Diff returns a line patch of the worktree against HEAD for paths.
func (g *GitRepo) Diff(paths []string) (string, error) {
	head, err := g.headCommit()
	if err != nil {
		return "", err
	}

	var sb strings.Builder
	for _, p := range sortedUnique(paths) {
		before, err := fileAt(head, g.repoPath(p))
		if err != nil {
			return "", err
		}
		after, err := os.ReadFile(g.abs(p))
		if err != nil && !errors.Is(err, os.ErrNotExist) {
			return "", fmt.Errorf("failed to read %s: %w", p, err)
		}
		if before == string(after) {
			continue
		}
		writePatch(&sb, p, before, string(after))
	}
	return sb.String(), nil
}

func writePatch(sb *strings.Builder, p, before, after string) {
	fmt.Fprintf(sb, "--- a/%s\n+++ b/%s\n", p, p)
	for _, d := range diff.Do(before, after) {
		var sign string
		switch d.Type {
		case diffmatchpatch.DiffDelete:
			sign = "-"
		case diffmatchpatch.DiffInsert:
			sign = "+"
		default:
			continue
		}
		for _, line := range strings.SplitAfter(d.Text, "\n") {
			if line == "" {
				continue
			}
			sb.WriteString(sign + strings.TrimSuffix(line, "\n") + "\n")
		}
	}
}

// Stage adds paths to the index; deleted files are staged as removals.
func (g *GitRepo) Stage(paths []string) error {
	for _, p := range sortedUnique(paths) {
		rp := g.repoPath(p)
		if _, err := os.Lstat(g.abs(p)); errors.Is(err, os.ErrNotExist) {
			if err := g.unstageRemoved(rp); err != nil {
				return err
			}
			continue
		}
		if _, err := g.wt.Add(rp); err != nil {
			return fmt.Errorf("failed to stage %s: %w", p, err)
		}
	}
	return nil
}

func (g *GitRepo) unstageRemoved(rp string) error {
	idx, err := g.repo.Storer.Index()
	if err != nil {
		return fmt.Errorf("failed to read index: %w", err)
	}
	if _, err := idx.Entry(rp); err != nil {
		return nil
	}
	if _, err := g.wt.Remove(rp); err != nil {
		return fmt.Errorf("failed to stage removal of %s: %w", rp, err)
	}
	return nil
}

// Commit stages exactly paths and commits them. It refuses when other files
// are already staged so the commit never carries unrelated changes.
func (g *GitRepo) Commit(message string, paths []string) (string, error) {
	want := make(map[string]bool, len(paths))
	for _, p := range paths {
		want[g.repoPath(p)] = true
	}

	status, err := g.wt.Status()
	if err != nil {
		return "", fmt.Errorf("failed to read status: %w", err)
	}
	var foreign []string
	for p, fs := range status {
		if fs.Staging != git.Unmodified && fs.Staging != git.Untracked && !want[p] {
			foreign = append(foreign, p)
		}
	}
	if len(foreign) > 0 {
		slices.Sort(foreign)
		return "", fmt.Errorf("%w: %s", ErrForeignStaged, strings.Join(foreign, ", "))
	}

	if err := g.Stage(paths); err != nil {
		return "", err
	}

	status, err = g.wt.Status()
	if err != nil {
		return "", fmt.Errorf("failed to read status: %w", err)
	}
	staged := false
	for p, fs := range status {
		if want[p] && fs.Staging != git.Unmodified && fs.Staging != git.Untracked {
			staged = true
			break
		}
	}
	if !staged {
		return "", ErrNothingToCommit
	}

	hash, err := g.wt.Commit(message, &git.CommitOptions{Author: g.signature()})
	if err != nil {
		return "", fmt.Errorf("failed to commit: %w", err)
	}
	return hash.String(), nil
}

// Snapshot writes the current worktree content of paths as git blobs and
// returns path -> blob hash. A path missing from the worktree maps to "".
// The blobs are unreachable objects and are never pushed.
func (g *GitRepo) Snapshot(paths []string) (map[string]string, error) {
	if len(paths) == 0 {
		return nil, nil
	}
	out := make(map[string]string, len(paths))
	for _, p := range sortedUnique(paths) {
		data, err := os.ReadFile(g.abs(p))
		if errors.Is(err, os.ErrNotExist) {
			out[p] = ""
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to snapshot %s: %w", p, err)
		}

		obj := g.repo.Storer.NewEncodedObject()
		obj.SetType(plumbing.BlobObject)
		w, err := obj.Writer()
		if err != nil {
			return nil, fmt.Errorf("failed to snapshot %s: %w", p, err)
		}
		_, werr := w.Write(data)
		if err := errors.Join(werr, w.Close()); err != nil {
			return nil, fmt.Errorf("failed to snapshot %s: %w", p, err)
		}
		h, err := g.repo.Storer.SetEncodedObject(obj)
		if err != nil {
			return nil, fmt.Errorf("failed to store snapshot of %s: %w", p, err)
		}
		out[p] = h.String()
	}
	return out, nil
}

// RevertPaths undoes worktree edits to paths. A path in snapshot gets its
// snapshotted content back, or is removed when the snapshot says it was
// absent; the index is left alone. Every other path is restored to HEAD in
// the worktree and the index, and deleted if HEAD does not have it.
func (g *GitRepo) RevertPaths(paths []string, snapshot map[string]string) error {
	head, err := g.headCommit()
	if err != nil {
		return err
	}
	for _, p := range sortedUnique(paths) {
		hash, ok := snapshot[p]
		if !ok {
			if err := g.restore(head, p); err != nil {
				return err
			}
			continue
		}
		if err := g.restoreBlob(p, hash); err != nil {
			return err
		}
	}
	return nil
}

func (g *GitRepo) restoreBlob(rel, hash string) error {
	target := g.abs(rel)
	if hash == "" {
		if err := os.Remove(target); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("failed to remove %s: %w", rel, err)
		}
		return nil
	}

	blob, err := g.repo.BlobObject(plumbing.NewHash(hash))
	if err != nil {
		return fmt.Errorf("failed to find snapshot of %s: %w", rel, err)
	}
	r, err := blob.Reader()
	if err != nil {
		return fmt.Errorf("failed to read snapshot of %s: %w", rel, err)
	}
	defer r.Close()
	data, err := io.ReadAll(r)
	if err != nil {
		return fmt.Errorf("failed to read snapshot of %s: %w", rel, err)
	}

	mode := os.FileMode(0o644)
	if fi, err := os.Stat(target); err == nil {
		mode = fi.Mode().Perm()
	}
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return fmt.Errorf("failed to restore %s: %w", rel, err)
	}
	if err := os.WriteFile(target, data, mode); err != nil {
		return fmt.Errorf("failed to restore %s: %w", rel, err)
	}
	return nil
}

// Revert undoes commit ref with a new commit and returns its hash. Only the
// files changed by ref are touched.
func (g *GitRepo) Revert(ref string) (string, error) {
	c, err := g.repo.CommitObject(plumbing.NewHash(ref))
	if err != nil {
		return "", fmt.Errorf("failed to find commit %s: %w", ref, err)
	}
	if c.NumParents() == 0 {
		return "", fmt.Errorf("cannot revert root commit %s", ref)
	}
	parent, err := c.Parent(0)
	if err != nil {
		return "", fmt.Errorf("failed to read parent of %s: %w", ref, err)
	}

	parentTree, err := parent.Tree()
	if err != nil {
		return "", err
	}
	tree, err := c.Tree()
	if err != nil {
		return "", err
	}
	changes, err := object.DiffTree(parentTree, tree)
	if err != nil {
		return "", fmt.Errorf("failed to diff %s: %w", ref, err)
	}

	var touched []string
	for _, ch := range changes {
		for _, name := range []string{ch.From.Name, ch.To.Name} {
			if name == "" {
				continue
			}
			rel, ok := g.projectPath(name)
			if !ok {
				return "", fmt.Errorf("commit %s touches %s outside the project", ref, name)
			}
			if err := g.restore(parent, rel); err != nil {
				return "", err
			}
			touched = append(touched, rel)
		}
	}

	subject, _, _ := strings.Cut(c.Message, "\n")
	msg := fmt.Sprintf("Revert %q\n\nThis reverts commit %s.\n", subject, ref)
	return g.Commit(msg, sortedUnique(touched))
}

// Tracked reports whether path exists in HEAD.
func (g *GitRepo) Tracked(p string) (bool, error) {
	head, err := g.headCommit()
	if err != nil {
		return false, err
	}
	if head == nil {
		return false, nil
	}
	_, err = head.File(g.repoPath(p))
	if errors.Is(err, object.ErrFileNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to look up %s: %w", p, err)
	}
	return true, nil
}

func (g *GitRepo) restore(from *object.Commit, rel string) error {
	rp := g.repoPath(rel)
	target := g.abs(rel)

	var f *object.File
	if from != nil {
		var err error
		f, err = from.File(rp)
		if err != nil && !errors.Is(err, object.ErrFileNotFound) {
			return fmt.Errorf("failed to look up %s: %w", rel, err)
		}
	}

	if f == nil {
		if err := os.Remove(target); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("failed to remove %s: %w", rel, err)
		}
		return g.unstageRemoved(rp)
	}

	contents, err := f.Contents()
	if err != nil {
		return fmt.Errorf("failed to read %s at %s: %w", rel, from.Hash, err)
	}
	mode, err := f.Mode.ToOSFileMode()
	if err != nil {
		mode = 0o644
	}
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return fmt.Errorf("failed to restore %s: %w", rel, err)
	}
	if err := os.WriteFile(target, []byte(contents), mode.Perm()); err != nil {
		return fmt.Errorf("failed to restore %s: %w", rel, err)
	}
	if _, err := g.wt.Add(rp); err != nil {
		return fmt.Errorf("failed to reset index for %s: %w", rel, err)
	}
	return nil
}

func (g *GitRepo) headCommit() (*object.Commit, error) {
	head, err := g.repo.Head()
	if errors.Is(err, plumbing.ErrReferenceNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read HEAD: %w", err)
	}
	c, err := g.repo.CommitObject(head.Hash())
	if err != nil {
		return nil, fmt.Errorf("failed to read HEAD commit: %w", err)
	}
	return c, nil
}

func (g *GitRepo) signature() *object.Signature {
	return &object.Signature{Name: g.author.Name, Email: g.author.Email, When: g.now()}
}

func fileAt(c *object.Commit, p string) (string, error) {
	if c == nil {
		return "", nil
	}
	f, err := c.File(p)
	if errors.Is(err, object.ErrFileNotFound) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to look up %s: %w", p, err)
	}
	return f.Contents()
}

func sortedUnique(paths []string) []string {
	out := slices.Clone(paths)
	slices.Sort(out)
	return slices.Compact(out)
}
