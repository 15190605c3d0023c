// Package search is the text-search collaborator: it walks a corpus file by
// file and runs pattern engines over each file's lines.
//
// Files are streamed through a bounded worker pool. A file that cannot be
// read is recorded as a ScanError and the scan continues; only context
// cancellation aborts a search.
package search

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/fyrsmithlabs/guardrail/internal/catalog"
	"github.com/fyrsmithlabs/guardrail/internal/ignore"
)

const (
	// DefaultMaxFileSize is the largest file scanned by default.
	DefaultMaxFileSize = 2 << 20

	// binarySniffLen is how many leading bytes are checked for NUL.
	binarySniffLen = 8000
)

// ErrRootNotDir indicates the corpus root is missing or not a directory.
var ErrRootNotDir = errors.New("corpus root is not a directory")

// Request scopes a search. Paths are relative to Root; an empty Paths scans
// the whole corpus.
type Request struct {
	Root  string
	Paths []string
}

// Scoped reports whether the request is restricted to a file subset.
func (r Request) Scoped() bool {
	return len(r.Paths) > 0
}

// ScanError records a file the search could not read.
type ScanError struct {
	Path string
	Err  error
}

func (e *ScanError) Error() string {
	return fmt.Sprintf("scan %s: %v", e.Path, e.Err)
}

func (e *ScanError) Unwrap() error {
	return e.Err
}

// Report summarizes one search.
type Report struct {
	FilesScanned int           `json:"files_scanned"`
	FilesSkipped int           `json:"files_skipped"`
	Errors       []*ScanError  `json:"-"`
	Duration     time.Duration `json:"duration"`
}

// ErrorPaths lists the paths that failed, for reports.
func (r *Report) ErrorPaths() []string {
	out := make([]string, 0, len(r.Errors))
	for _, e := range r.Errors {
		out = append(out, e.Path)
	}
	return out
}

// Searcher runs pattern matching over a corpus. emit is never called
// concurrently.
type Searcher interface {
	Search(ctx context.Context, req Request, emit func(catalog.Match)) (*Report, error)
}

// Engine matches one file's content.
type Engine interface {
	Name() string
	ScanFile(rel string, content []byte, emit func(catalog.Match)) error
}

// Options configures a FileSearcher.
type Options struct {
	// Workers is the number of parallel file workers (default: NumCPU).
	Workers int

	// MaxFileSize skips larger files (default: DefaultMaxFileSize).
	MaxFileSize int64

	// Ignore skips paths matched by the project's ignore files.
	Ignore *ignore.Matcher

	// Skip is an additional exclusion, such as a catalog allowlist.
	Skip func(rel string) bool

	Logger *zap.Logger
}

// FileSearcher searches files on local disk.
type FileSearcher struct {
	engines []Engine
	opts    Options
	logger  *zap.Logger
}

// NewFileSearcher creates a searcher that runs every engine over every file.
func NewFileSearcher(opts Options, engines ...Engine) *FileSearcher {
	if opts.Workers <= 0 {
		opts.Workers = runtime.NumCPU()
	}
	if opts.MaxFileSize <= 0 {
		opts.MaxFileSize = DefaultMaxFileSize
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &FileSearcher{engines: engines, opts: opts, logger: logger}
}

// Search implements Searcher.
func (s *FileSearcher) Search(ctx context.Context, req Request, emit func(catalog.Match)) (*Report, error) {
	start := time.Now()

	info, err := os.Stat(req.Root)
	if err != nil || !info.IsDir() {
		return nil, fmt.Errorf("%w: %s", ErrRootNotDir, req.Root)
	}

	report := &Report{}
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	paths := make(chan string)

	g.Go(func() error {
		defer close(paths)
		return s.enumerate(gctx, req, paths, func() {
			mu.Lock()
			report.FilesSkipped++
			mu.Unlock()
		})
	})

	for i := 0; i < s.opts.Workers; i++ {
		g.Go(func() error {
			for rel := range paths {
				var matches []catalog.Match
				scanned, scanErr := s.scanFile(req.Root, rel, func(m catalog.Match) {
					matches = append(matches, m)
				})

				mu.Lock()
				switch {
				case scanErr != nil:
					report.Errors = append(report.Errors, scanErr)
				case scanned:
					report.FilesScanned++
					for _, m := range matches {
						emit(m)
					}
				default:
					report.FilesSkipped++
				}
				mu.Unlock()

				if scanErr != nil {
					s.logger.Warn("file scan failed", zap.String("path", rel), zap.Error(scanErr.Err))
				}
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}

	report.Duration = time.Since(start)
	return report, nil
}

// enumerate sends every candidate file path to out.
func (s *FileSearcher) enumerate(ctx context.Context, req Request, out chan<- string, skipped func()) error {
	send := func(rel string) error {
		select {
		case out <- rel:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	if !req.Scoped() {
		return s.walk(ctx, req.Root, ".", send, skipped)
	}

	seen := make(map[string]bool, len(req.Paths))
	for _, p := range req.Paths {
		rel, err := Relative(req.Root, p)
		if err != nil {
			skipped()
			continue
		}
		if seen[rel] {
			continue
		}
		seen[rel] = true

		info, err := os.Lstat(filepath.Join(req.Root, rel))
		if err != nil {
			// Deleted or never existed: nothing to match.
			skipped()
			continue
		}
		if info.IsDir() {
			if err := s.walk(ctx, req.Root, rel, send, skipped); err != nil {
				return err
			}
			continue
		}
		if s.excluded(rel, false) {
			skipped()
			continue
		}
		if err := send(rel); err != nil {
			return err
		}
	}
	return nil
}

func (s *FileSearcher) walk(ctx context.Context, root, start string, send func(string) error, skipped func()) error {
	return filepath.WalkDir(filepath.Join(root, start), func(path string, d fs.DirEntry, err error) error {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		rel, relErr := filepath.Rel(root, path)
		if relErr != nil {
			return nil
		}
		rel = filepath.ToSlash(rel)
		if err != nil {
			// Unreadable directory entries surface as scan errors from the
			// worker when they are files; directories are skipped.
			if d != nil && d.IsDir() {
				skipped()
				return filepath.SkipDir
			}
			return send(rel)
		}
		if rel == "." {
			return nil
		}
		if d.IsDir() {
			if s.excluded(rel, true) {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() {
			skipped()
			return nil
		}
		if s.excluded(rel, false) {
			skipped()
			return nil
		}
		return send(rel)
	})
}

func (s *FileSearcher) excluded(rel string, isDir bool) bool {
	if isDir {
		if s.opts.Ignore.MatchDir(rel) {
			return true
		}
	} else if s.opts.Ignore.Match(rel) {
		return true
	}
	return s.opts.Skip != nil && s.opts.Skip(rel)
}

// scanFile reads one file and runs every engine. It returns false without
// an error for files that are deliberately skipped.
func (s *FileSearcher) scanFile(root, rel string, emit func(catalog.Match)) (bool, *ScanError) {
	f, err := os.Open(filepath.Join(root, rel))
	if err != nil {
		return false, &ScanError{Path: rel, Err: err}
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return false, &ScanError{Path: rel, Err: err}
	}
	if info.Size() > s.opts.MaxFileSize {
		return false, nil
	}

	r := bufio.NewReaderSize(f, binarySniffLen)
	head, err := r.Peek(binarySniffLen)
	if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, bufio.ErrBufferFull) {
		return false, &ScanError{Path: rel, Err: err}
	}
	if bytes.IndexByte(head, 0) >= 0 {
		return false, nil
	}

	content, err := io.ReadAll(io.LimitReader(r, s.opts.MaxFileSize+1))
	if err != nil {
		return false, &ScanError{Path: rel, Err: err}
	}

	for _, engine := range s.engines {
		if err := engine.ScanFile(rel, content, emit); err != nil {
			return false, &ScanError{Path: rel, Err: fmt.Errorf("%s: %w", engine.Name(), err)}
		}
	}
	return true, nil
}

// Relative converts p to a clean slash-separated path relative to root.
// Absolute paths must lie inside root.
func Relative(root, p string) (string, error) {
	if filepath.IsAbs(p) {
		rel, err := filepath.Rel(root, p)
		if err != nil {
			return "", err
		}
		p = rel
	}
	p = filepath.ToSlash(filepath.Clean(p))
	if p == ".." || strings.HasPrefix(p, "../") {
		return "", fmt.Errorf("path %q escapes corpus root", p)
	}
	return p, nil
}
