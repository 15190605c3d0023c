// Package testrunner runs the project's test command against the files a fix
// touched and reports pass/fail plus the coverage change.
package testrunner

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"path"
	"regexp"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	// PathsPlaceholder expands to the touched files, one argument each.
	PathsPlaceholder = "{paths}"

	// DirsPlaceholder expands to the distinct directories of the touched
	// files as "./dir" arguments.
	DirsPlaceholder = "{dirs}"

	// DefaultCoverageRegex matches "coverage: 81.3%" as printed by go test.
	DefaultCoverageRegex = `coverage:\s+([\d.]+)%`

	maxOutput = 64 << 10
)

// ErrUnavailable indicates the test command cannot be started.
var ErrUnavailable = errors.New("test runner unavailable")

// Result is the outcome of one run.
type Result struct {
	Passed bool `json:"passed"`

	// Coverage is the last percentage found in the output, or -1.
	Coverage float64 `json:"coverage"`

	// CoverageDelta is Coverage minus the first coverage this runner saw.
	CoverageDelta float64 `json:"coverage_delta"`

	Output   string        `json:"output,omitempty"`
	Duration time.Duration `json:"duration"`
}

// Runner runs tests scoped to paths relative to the project root.
type Runner interface {
	Run(ctx context.Context, paths []string) (*Result, error)
}

// Config describes the test command.
type Config struct {
	// Command is split on whitespace; placeholders are expanded per run.
	Command       string
	CoverageRegex string
	Timeout       time.Duration
}

// CommandRunner executes Config.Command in the project root.
type CommandRunner struct {
	root     string
	argv     []string
	coverage *regexp.Regexp
	timeout  time.Duration
	logger   *zap.Logger

	mu       sync.Mutex
	baseline *float64
}

// Option configures a CommandRunner.
type Option func(*CommandRunner)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(r *CommandRunner) { r.logger = l }
}

// New returns a CommandRunner, or a NoopRunner when no command is configured.
func New(root string, cfg Config, opts ...Option) (Runner, error) {
	argv := strings.Fields(cfg.Command)
	if len(argv) == 0 {
		return NoopRunner{}, nil
	}
	expr := cfg.CoverageRegex
	if expr == "" {
		expr = DefaultCoverageRegex
	}
	re, err := regexp.Compile(expr)
	if err != nil {
		return nil, fmt.Errorf("invalid coverage regex %q: %w", expr, err)
	}
	if re.NumSubexp() < 1 {
		return nil, fmt.Errorf("coverage regex %q needs a capture group", expr)
	}

	r := &CommandRunner{
		root:     root,
		argv:     argv,
		coverage: re,
		timeout:  cfg.Timeout,
		logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// Run implements Runner. A non-zero exit is a failed result, not an error.
func (r *CommandRunner) Run(ctx context.Context, paths []string) (*Result, error) {
	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	args := expand(r.argv, paths)
	cmd := exec.CommandContext(ctx, args[0], args[1:]...)
	cmd.Dir = r.root
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out

	start := time.Now()
	err := cmd.Run()
	res := &Result{Duration: time.Since(start), Coverage: -1}

	var exitErr *exec.ExitError
	switch {
	case err == nil:
		res.Passed = true
	case ctx.Err() != nil:
		return nil, fmt.Errorf("test command interrupted: %w", ctx.Err())
	case errors.As(err, &exitErr):
		res.Passed = false
	default:
		return nil, fmt.Errorf("%w: %s: %v", ErrUnavailable, args[0], err)
	}

	res.Output = tail(out.String(), maxOutput)
	if pct, ok := r.parseCoverage(out.String()); ok {
		res.Coverage = pct
		res.CoverageDelta = r.delta(pct)
	}

	r.logger.Debug("test command finished",
		zap.Strings("args", args),
		zap.Bool("passed", res.Passed),
		zap.Float64("coverage", res.Coverage),
		zap.Duration("duration", res.Duration))
	return res, nil
}

func (r *CommandRunner) parseCoverage(out string) (float64, bool) {
	matches := r.coverage.FindAllStringSubmatch(out, -1)
	if len(matches) == 0 {
		return 0, false
	}
	pct, err := strconv.ParseFloat(matches[len(matches)-1][1], 64)
	if err != nil {
		return 0, false
	}
	return pct, true
}

func (r *CommandRunner) delta(pct float64) float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.baseline == nil {
		r.baseline = &pct
		return 0
	}
	return pct - *r.baseline
}

func expand(argv, paths []string) []string {
	out := make([]string, 0, len(argv)+len(paths))
	for _, a := range argv {
		switch a {
		case PathsPlaceholder:
			out = append(out, paths...)
		case DirsPlaceholder:
			out = append(out, dirs(paths)...)
		default:
			out = append(out, a)
		}
	}
	return out
}

func dirs(paths []string) []string {
	var out []string
	for _, p := range paths {
		out = append(out, "./"+path.Dir(p))
	}
	slices.Sort(out)
	return slices.Compact(out)
}

func tail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}

// NoopRunner passes every run. It stands in when no test command is set.
type NoopRunner struct{}

// Run implements Runner.
func (NoopRunner) Run(ctx context.Context, _ []string) (*Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return &Result{Passed: true, Coverage: -1, Output: "no test command configured"}, nil
}
