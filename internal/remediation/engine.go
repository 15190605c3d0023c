package remediation

import (
	"context"
	"errors"
	"fmt"
	"path"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/guardrail/internal/catalog"
	"github.com/fyrsmithlabs/guardrail/internal/detector"
	"github.com/fyrsmithlabs/guardrail/internal/emergency"
	"github.com/fyrsmithlabs/guardrail/internal/finding"
	"github.com/fyrsmithlabs/guardrail/internal/metrics"
	"github.com/fyrsmithlabs/guardrail/internal/notify"
	"github.com/fyrsmithlabs/guardrail/internal/prompt"
	"github.com/fyrsmithlabs/guardrail/internal/search"
	"github.com/fyrsmithlabs/guardrail/internal/secrets"
	"github.com/fyrsmithlabs/guardrail/internal/session"
	"github.com/fyrsmithlabs/guardrail/internal/store"
	"github.com/fyrsmithlabs/guardrail/internal/testrunner"
	"github.com/fyrsmithlabs/guardrail/internal/triage"
	"github.com/fyrsmithlabs/guardrail/internal/vcs"
)

const instrumentationName = "github.com/fyrsmithlabs/guardrail/internal/remediation"

// Choices offered to the user.
const (
	ChoiceFixNow  = "fix now"
	ChoiceSkip    = "skip"
	ChoiceDone    = "done"
	ChoiceRetry   = "retry"
	ChoiceAbandon = "abandon"
)

// Config configures an Engine for one project.
type Config struct {
	// Root is the project directory.
	Root string

	// ProjectID keys the durable record.
	ProjectID string

	// LeaseTTL bounds how long a crashed run blocks other sessions
	// (default: store.DefaultLeaseTTL).
	LeaseTTL time.Duration

	// MaxEmergencyAttempts caps failed emergency verifications per run.
	// Zero means unbounded.
	MaxEmergencyAttempts int
}

// Engine runs remediation sessions for one project.
type Engine struct {
	cfg         Config
	store       store.Store
	detector    *detector.Detector
	classifier  *triage.Classifier
	emergencies *emergency.Controller
	vcs         vcs.VCS
	tests       testrunner.Runner
	channel     prompt.Channel
	notifier    notify.Notifier
	catalog     *catalog.Catalog
	scrubber    secrets.Scrubber

	logger *zap.Logger
	now    func() time.Time
	newID  func() string

	// Telemetry
	tracer         trace.Tracer
	meter          metric.Meter
	commitCounter  metric.Int64Counter
	failureCounter metric.Int64Counter

	// state of the current run
	rec        *store.Record
	sess       *session.Session
	lease      *store.Lease
	checkpoint string
	scanErrors []string
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithIDGenerator overrides session and emergency id generation.
func WithIDGenerator(gen func() string) Option {
	return func(e *Engine) { e.newID = gen }
}

// WithNotifier publishes session, category and emergency events.
func WithNotifier(n notify.Notifier) Option {
	return func(e *Engine) { e.notifier = n }
}

// WithCatalog sets the catalog used for descriptions and providers.
func WithCatalog(c *catalog.Catalog) Option {
	return func(e *Engine) { e.catalog = c }
}

// New creates an Engine. tests may be nil, in which case verification only
// re-scans.
func New(cfg Config, st store.Store, det *detector.Detector, repo vcs.VCS, tests testrunner.Runner, channel prompt.Channel, opts ...Option) (*Engine, error) {
	switch {
	case cfg.Root == "":
		return nil, errors.New("project root is required")
	case cfg.ProjectID == "":
		return nil, errors.New("project id is required")
	case st == nil:
		return nil, errors.New("session store is required")
	case det == nil:
		return nil, errors.New("detector is required")
	case repo == nil:
		return nil, &CollaboratorUnavailable{Collaborator: CollaboratorVCS, Err: vcs.ErrUnavailable}
	case channel == nil:
		return nil, errors.New("prompt channel is required")
	}
	if tests == nil {
		tests = testrunner.NoopRunner{}
	}

	e := &Engine{
		cfg:      cfg,
		store:    st,
		detector: det,
		vcs:      repo,
		tests:    tests,
		channel:  channel,
		notifier: notify.Noop{},
		logger:   zap.NewNop(),
		now:      time.Now,
		newID:    func() string { return uuid.New().String() },
		tracer:   otel.Tracer(instrumentationName),
		meter:    otel.Meter(instrumentationName),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.catalog == nil {
		e.catalog = catalog.Default()
	}
	e.scrubber = secrets.New(e.catalog, secrets.WithLogger(e.logger))

	e.classifier = triage.New(channel, triage.WithLogger(e.logger), triage.WithClock(e.now),
		triage.WithTestPaths(e.catalog.IsTestPath))
	e.emergencies = emergency.NewController(channel,
		emergency.DetectorVerifier{Detector: det, Root: cfg.Root},
		emergency.WithCatalog(e.catalog),
		emergency.WithTracker(repo),
		emergency.WithNotifier(e.notifier),
		emergency.WithCheckpoint(e.save),
		emergency.WithMaxAttempts(cfg.MaxEmergencyAttempts),
		emergency.WithLogger(e.logger),
		emergency.WithClock(e.now),
		emergency.WithIDGenerator(e.newID),
	)

	e.initMetrics()
	return e, nil
}

func (e *Engine) initMetrics() {
	var err error

	e.commitCounter, err = e.meter.Int64Counter(
		"guardrail.remediation.commits_total",
		metric.WithDescription("Total number of category commits"),
		metric.WithUnit("{commit}"),
	)
	if err != nil {
		e.logger.Warn("failed to create commit counter", zap.Error(err))
	}

	e.failureCounter, err = e.meter.Int64Counter(
		"guardrail.remediation.verification_failures_total",
		metric.WithDescription("Total number of rejected category fixes"),
		metric.WithUnit("{failure}"),
	)
	if err != nil {
		e.logger.Warn("failed to create failure counter", zap.Error(err))
	}
}

// Start continues the project's active session, or starts a new one with a
// full audit, and runs it until it completes, pauses or fails.
func (e *Engine) Start(ctx context.Context) (*Outcome, error) {
	ctx, span := e.tracer.Start(ctx, "remediation.start")
	defer span.End()

	out, err := e.start(ctx)
	e.endSpan(span, out, err)
	return out, err
}

func (e *Engine) start(ctx context.Context) (*Outcome, error) {
	if err := e.vcs.Available(); err != nil {
		return nil, e.unavailable(CollaboratorVCS, "", err)
	}
	rec, err := store.LoadOrNew(ctx, e.store, e.cfg.ProjectID)
	if err != nil {
		return nil, e.unavailable(CollaboratorStore, "", err)
	}
	e.rec = rec

	if s := rec.Active(); s != nil {
		if err := s.Validate(); err != nil {
			return nil, fmt.Errorf("failed to resume session %s: %w", s.ID, err)
		}
		e.sess = s
		e.logger.Info("continuing active session", zap.String("session.id", s.ID), zap.String("status", string(s.Status)))
		if err := e.acquire(ctx); err != nil {
			return nil, err
		}
		return e.run(ctx)
	}

	// keep finding ids stable across sessions
	rec.Findings = rec.Prior().Sorted()

	s := session.New(e.newID(), e.cfg.ProjectID, e.cfg.Root, e.now())
	if branch, err := e.vcs.Branch(); err != nil {
		e.logger.Debug("branch detection failed", zap.Error(err))
	} else {
		s.Branch = branch
	}
	e.sess = s
	if err := e.acquire(ctx); err != nil {
		return nil, err
	}
	if err := e.save(ctx); err != nil {
		return nil, err
	}
	e.publishSession(ctx, "started")
	e.logger.Info("session started",
		zap.String("session.id", s.ID),
		zap.String("project.id", s.ProjectID),
		zap.String("branch", s.Branch),
	)

	if err := e.audit(ctx, nil); err != nil {
		return e.stop(ctx, err)
	}
	return e.run(ctx)
}

// Resume continues the persisted active session. Committed categories are
// never repeated. It returns store.ErrNoActiveSession when there is none.
func (e *Engine) Resume(ctx context.Context) (*Outcome, error) {
	ctx, span := e.tracer.Start(ctx, "remediation.resume")
	defer span.End()

	out, err := e.resume(ctx)
	e.endSpan(span, out, err)
	return out, err
}

func (e *Engine) resume(ctx context.Context) (*Outcome, error) {
	if err := e.vcs.Available(); err != nil {
		return nil, e.unavailable(CollaboratorVCS, "", err)
	}
	rec, s, err := store.Resume(ctx, e.store, e.cfg.ProjectID)
	if err != nil {
		return nil, err
	}
	e.rec, e.sess = rec, s
	if err := e.acquire(ctx); err != nil {
		return nil, err
	}
	e.logger.Info("session resumed",
		zap.String("session.id", s.ID),
		zap.String("checkpoint", e.describeCheckpoint()),
	)
	return e.run(ctx)
}

// Abandon marks the active session abandoned and releases its lease. It is
// refused while an Emergency is open.
func (e *Engine) Abandon(ctx context.Context) error {
	rec, s, err := store.Resume(ctx, e.store, e.cfg.ProjectID)
	if err != nil {
		return err
	}
	e.rec, e.sess = rec, s
	if err := e.acquire(ctx); err != nil {
		return err
	}
	if err := e.abandon(ctx); !errors.Is(err, ErrAbandoned) {
		return err
	}
	return nil
}

func (e *Engine) run(ctx context.Context) (*Outcome, error) {
	if err := e.interrupt(ctx); err != nil {
		return e.stop(ctx, err)
	}

	for {
		if err := ctx.Err(); err != nil {
			return e.stop(ctx, err)
		}

		c := e.sess.Next()
		if c == nil {
			if err := e.audit(ctx, nil); err != nil {
				return e.stop(ctx, err)
			}
			if e.sess.Next() == nil {
				break
			}
			continue
		}

		if err := e.step(ctx, c); err != nil {
			return e.stop(ctx, err)
		}
	}

	return e.finish(ctx)
}

// step advances c by one state.
func (e *Engine) step(ctx context.Context, c *session.Category) error {
	ctx, span := e.tracer.Start(ctx, "remediation.step")
	defer span.End()
	span.SetAttributes(
		attribute.String("category.id", c.ID),
		attribute.String("state", string(c.State)),
	)

	var err error
	switch c.State {
	case session.StatePending:
		err = e.dispatch(ctx, c, Isolate{})
	case session.StateIsolated:
		err = e.decide(ctx, c)
	case session.StateUserDecided:
		err = e.startFix(ctx, c)
	case session.StateFixing:
		err = e.awaitFix(ctx, c)
	case session.StateVerifying:
		err = e.verify(ctx, c)
	case session.StateVerified:
		err = e.commit(ctx, c)
	case session.StateFailed:
		err = e.recover(ctx, c, nil)
	default:
		err = fmt.Errorf("%w: category %s is %s", session.ErrCorrupt, c.ID, c.State)
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}

// dispatch applies ev to c, then records and persists the transition.
func (e *Engine) dispatch(ctx context.Context, c *session.Category, ev Event) error {
	from := c.State
	if err := apply(e.sess, c, ev, e.now()); err != nil {
		return err
	}
	metrics.CategoryTransitions.WithLabelValues(string(c.State)).Inc()

	e.logger.Info("category transition",
		zap.String("session.id", e.sess.ID),
		zap.String("category.id", c.ID),
		zap.String("event", eventName(ev)),
		zap.String("from", string(from)),
		zap.String("to", string(c.State)),
	)
	e.publish(ctx, notify.Event{
		Kind:      notify.KindCategory,
		SubjectID: c.ID,
		State:     string(c.State),
		Detail:    c.LastError,
	})
	return e.save(ctx)
}

func (e *Engine) decide(ctx context.Context, c *session.Category) error {
	if err := e.display(ctx, e.describe(c)); err != nil {
		return err
	}
	choice, err := e.ask(ctx, c.ID, fmt.Sprintf("Fix category %s now?", c.ID),
		[]string{ChoiceFixNow, ChoiceSkip, ChoiceAbandon})
	if err != nil {
		return err
	}

	switch choice {
	case ChoiceAbandon:
		return e.abandon(ctx)
	case ChoiceSkip:
		return e.dispatch(ctx, c, Decide{Decision: session.DecisionSkip})
	default:
		return e.dispatch(ctx, c, Decide{Decision: session.DecisionFix})
	}
}

func (e *Engine) startFix(ctx context.Context, c *session.Category) error {
	if c.Decision == session.DecisionSkip {
		return e.dispatch(ctx, c, StartFix{Skip: true})
	}
	ev, err := e.fixStart()
	if err != nil {
		return e.unavailable(CollaboratorVCS, c.ID, err)
	}
	return e.dispatch(ctx, c, ev)
}

// fixStart snapshots the files already dirty so a failed fix can put them
// back as they were instead of resetting them to HEAD.
func (e *Engine) fixStart() (StartFix, error) {
	dirty, err := e.vcs.Changed()
	if err != nil {
		return StartFix{}, err
	}
	snap, err := e.vcs.Snapshot(dirty)
	if err != nil {
		return StartFix{}, err
	}
	return StartFix{Dirty: dirty, Snapshot: snap}, nil
}

func (e *Engine) awaitFix(ctx context.Context, c *session.Category) error {
	choice, err := e.ask(ctx, c.ID, fmt.Sprintf("Apply the fix for %s, then choose done.", c.ID),
		[]string{ChoiceDone, ChoiceAbandon})
	if err != nil {
		return err
	}
	if choice == ChoiceAbandon {
		return e.abandon(ctx)
	}
	return e.dispatch(ctx, c, FixApplied{})
}

// verify re-scans the touched files and runs the tests on them. A rejected
// fix is reverted and the category returns to PENDING.
func (e *Engine) verify(ctx context.Context, c *session.Category) error {
	touched, err := e.touched(c)
	if err != nil {
		return e.unavailable(CollaboratorVCS, c.ID, err)
	}
	if len(touched) == 0 {
		return e.reject(ctx, c, touched, "no files changed", nil, "")
	}

	res, err := e.detector.Scan(ctx, detector.Input{
		Request:      search.Request{Root: e.cfg.Root, Paths: touched},
		Prior:        e.rec.Prior(),
		Suppressions: &e.rec.Suppressions,
	})
	if err != nil {
		return e.unavailable(CollaboratorSearch, c.ID, err)
	}
	if len(res.Report.Errors) > 0 {
		return e.reject(ctx, c, touched, fmt.Sprintf("cannot re-scan %s", res.Report.Errors[0].Path), nil, "")
	}

	// New findings of other kinds in the touched files are triaged before
	// the category can pass; a new P0 interrupts here.
	var fresh []*finding.Finding
	for _, f := range res.Pending() {
		if f.CategoryID != c.ID {
			fresh = append(fresh, f)
		}
	}
	if len(fresh) > 0 {
		for _, f := range fresh {
			e.sess.AddFinding(f)
		}
		if err := e.triage(ctx, fresh); err != nil {
			return err
		}
		e.sess.Categorize(fresh, e.now())
		return e.save(ctx)
	}

	remaining := e.remaining(c, touched, res)
	if len(remaining) > 0 {
		return e.reject(ctx, c, touched, fmt.Sprintf("%d %s finding(s) still match", len(remaining), c.ID), remaining, "")
	}

	result, err := e.tests.Run(ctx, touched)
	if err != nil {
		return e.unavailable(CollaboratorTests, c.ID, err)
	}
	if !result.Passed {
		return e.reject(ctx, c, touched, "tests failed", nil, result.Output)
	}

	now := e.now()
	for _, f := range e.sess.CategoryFindings(c) {
		if f.Status == finding.StatusConfirmedReal {
			if err := f.Transition(finding.StatusResolved, "fixed in category "+c.ID, now); err != nil {
				return err
			}
		}
	}
	e.logger.Info("category verified",
		zap.String("category.id", c.ID),
		zap.Strings("files", touched),
		zap.Float64("coverage_delta", result.CoverageDelta),
	)
	return e.dispatch(ctx, c, VerificationPassed{Touched: touched})
}

// touched returns the files the fix changed: everything that became dirty
// since FIXING started, plus changed files that hold the category's findings.
func (e *Engine) touched(c *session.Category) ([]string, error) {
	changed, err := e.vcs.Changed()
	if err != nil {
		return nil, err
	}
	own := make(map[string]bool)
	for _, f := range e.sess.CategoryFindings(c) {
		own[f.Location.Path] = true
	}

	var out []string
	for _, p := range changed {
		if own[p] || !slices.Contains(c.DirtyBefore, p) {
			out = append(out, p)
		}
	}
	return out, nil
}

// remaining returns the category's violations that survive the fix: its
// findings in files the fix did not touch, and any match of the category
// the re-scan still reports.
func (e *Engine) remaining(c *session.Category, touched []string, res *detector.Result) []*finding.Finding {
	var out []*finding.Finding
	for _, f := range e.sess.CategoryFindings(c) {
		if f.IsOpen() && !slices.Contains(touched, f.Location.Path) {
			out = append(out, f)
		}
	}
	for _, f := range res.Findings {
		if f.CategoryID == c.ID && (f.Status == finding.StatusNew || f.Status == finding.StatusConfirmedReal) {
			out = append(out, f)
		}
	}
	slices.SortFunc(out, finding.Compare)
	return slices.CompactFunc(out, func(a, b *finding.Finding) bool { return a == b })
}

func (e *Engine) reject(ctx context.Context, c *session.Category, touched []string, reason string, remaining []*finding.Finding, output string) error {
	vf := &VerificationFailure{
		Report: FailureReport{
			SessionID:  e.sess.ID,
			CategoryID: c.ID,
			Reason:     reason,
		},
		Remaining: remaining,
		Output:    e.scrubber.Scrub(output).Scrubbed,
	}
	if len(remaining) > 0 {
		vf.Report.FindingID = remaining[0].ID
	}
	if e.failureCounter != nil {
		e.failureCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("category", c.ID)))
	}
	e.logger.Warn("category verification failed",
		zap.String("category.id", c.ID),
		zap.String("reason", reason),
		zap.Int("remaining", len(remaining)),
	)

	if err := e.dispatch(ctx, c, VerificationFailed{Touched: touched, Reason: reason}); err != nil {
		return err
	}
	return e.recover(ctx, c, vf)
}

// recover reverts a FAILED category's files, returns it to PENDING and asks
// whether to retry or skip. Committed categories are in HEAD and are never
// affected by the revert.
func (e *Engine) recover(ctx context.Context, c *session.Category, vf *VerificationFailure) error {
	if vf == nil {
		vf = &VerificationFailure{Report: FailureReport{SessionID: e.sess.ID, CategoryID: c.ID, Reason: c.LastError}}
	}

	if err := e.vcs.RevertPaths(c.FilesTouched, c.Snapshot); err != nil {
		return e.unavailable(CollaboratorVCS, c.ID, err)
	}
	vf.Report.Reverted = len(c.FilesTouched) > 0
	if err := e.dispatch(ctx, c, Reverted{}); err != nil {
		return err
	}
	vf.Report.Checkpoint = e.checkpoint

	if err := e.display(ctx, failureText(vf)); err != nil {
		return err
	}
	choice, err := e.ask(ctx, c.ID, fmt.Sprintf("Verification of %s failed. Retry or skip?", c.ID),
		[]string{ChoiceRetry, ChoiceSkip, ChoiceAbandon})
	if err != nil {
		return err
	}

	switch choice {
	case ChoiceAbandon:
		return e.abandon(ctx)
	case ChoiceSkip:
		for _, ev := range []Event{Isolate{}, Decide{Decision: session.DecisionSkip}, StartFix{Skip: true}} {
			if err := e.dispatch(ctx, c, ev); err != nil {
				return err
			}
		}
		return nil
	}

	start, err := e.fixStart()
	if err != nil {
		return e.unavailable(CollaboratorVCS, c.ID, err)
	}
	for _, ev := range []Event{Isolate{}, Decide{Decision: session.DecisionFix}, start} {
		if err := e.dispatch(ctx, c, ev); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) commit(ctx context.Context, c *session.Category) error {
	msg := commitMessage(c, e.sess.CategoryFindings(c))

	ref, err := e.vcs.Commit(msg, c.FilesTouched)
	if errors.Is(err, vcs.ErrNothingToCommit) {
		// an earlier run may have committed before its record was saved
		head, headMsg, herr := e.vcs.Head()
		if herr == nil && head != "" && strings.TrimSpace(headMsg) == msg {
			ref, err = head, nil
		}
	}
	if err != nil {
		return e.unavailable(CollaboratorVCS, c.ID, err)
	}

	if e.commitCounter != nil {
		e.commitCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("category", c.ID)))
	}
	return e.dispatch(ctx, c, Committed{Ref: ref})
}

// audit scans paths (nil for the whole corpus), triages what is new and
// files confirmed findings into categories.
func (e *Engine) audit(ctx context.Context, paths []string) error {
	res, err := e.detector.Scan(ctx, detector.Input{
		Request:      search.Request{Root: e.cfg.Root, Paths: paths},
		Prior:        e.rec.Prior(),
		Suppressions: &e.rec.Suppressions,
	})
	if err != nil {
		return e.unavailable(CollaboratorSearch, "", err)
	}
	for _, se := range res.Report.Errors {
		if !slices.Contains(e.scanErrors, se.Path) {
			e.scanErrors = append(e.scanErrors, se.Path)
		}
	}

	for _, f := range res.Findings {
		e.sess.AddFinding(f)
	}
	e.resolveUnseen(res, paths)
	if err := e.save(ctx); err != nil {
		return err
	}
	if err := e.triage(ctx, res.Pending()); err != nil {
		return err
	}
	e.sess.Categorize(res.Findings, e.now())
	return e.save(ctx)
}

// resolveUnseen resolves confirmed findings inside the scanned scope that
// the scan no longer reports, such as a skipped violation fixed by hand.
// Unreadable files and findings with an open Emergency are left alone.
func (e *Engine) resolveUnseen(res *detector.Result, paths []string) {
	unreadable := res.Report.ErrorPaths()
	now := e.now()
	for _, f := range e.sess.Residual() {
		p := f.Location.Path
		switch {
		case res.Seen(f.Key()):
		case len(paths) > 0 && !slices.Contains(paths, p):
		case slices.Contains(unreadable, p):
		case e.sess.Emergencies.ForFinding(f.ID) != nil:
		default:
			if err := f.Transition(finding.StatusResolved, "no longer detected", now); err != nil {
				e.logger.Warn("failed to resolve finding", zap.String("finding.id", f.ID), zap.Error(err))
				continue
			}
			e.logger.Info("finding no longer detected",
				zap.String("finding.id", f.ID),
				zap.String("category.id", f.CategoryID),
			)
		}
	}
}

// triage classifies findings. High-confidence ones go first so a P0
// interrupts before any question about lesser findings.
func (e *Engine) triage(ctx context.Context, pending []*finding.Finding) error {
	var high, rest []*finding.Finding
	for _, f := range pending {
		if f.Confidence == finding.ConfidenceHigh {
			high = append(high, f)
		} else {
			rest = append(rest, f)
		}
	}

	if _, err := e.classifier.Classify(ctx, high, &e.rec.Suppressions); err != nil {
		return e.promptError("", err)
	}
	if err := e.interrupt(ctx); err != nil {
		return err
	}
	if _, err := e.classifier.Classify(ctx, rest, &e.rec.Suppressions); err != nil {
		return e.promptError("", err)
	}
	return e.save(ctx)
}

// interrupt raises an Emergency for every confirmed P0 finding without an
// open one and drives them until the session can resume.
func (e *Engine) interrupt(ctx context.Context) error {
	t := sessionTarget{s: e.sess, sup: &e.rec.Suppressions}

	for _, f := range e.sess.Residual() {
		if f.Severity != finding.SeverityP0 || t.Ledger().ForFinding(f.ID) != nil {
			continue
		}
		if err := e.emergencies.Handle(ctx, t, emergency.Detected{Finding: f}); err != nil {
			return e.emergencyError(err)
		}
	}

	if !e.sess.Emergencies.Unresolved() {
		if e.sess.Status != session.StatusPausedEmergency {
			return nil
		}
		if err := e.sess.ResumeFromEmergency(e.now()); err != nil {
			return err
		}
		return e.save(ctx)
	}
	if err := e.emergencies.Run(ctx, t); err != nil {
		return e.emergencyError(err)
	}
	return nil
}

func (e *Engine) finish(ctx context.Context) (*Outcome, error) {
	residual := e.sess.Residual()
	label := string(session.StatusActive)
	if len(residual) == 0 && e.sess.AllTerminal() {
		if err := e.sess.Complete(e.now()); err != nil {
			return e.stop(ctx, err)
		}
		label = string(session.StatusCompleted)
	}
	if err := e.save(ctx); err != nil {
		return e.stop(ctx, err)
	}

	metrics.SessionsTotal.WithLabelValues(label).Inc()
	e.publishSession(ctx, label)
	if e.sess.Status.Terminal() {
		e.release(ctx)
	}

	out := outcomeOf(e.sess, e.scanErrors)
	if len(residual) > 0 {
		var sb strings.Builder
		fmt.Fprintf(&sb, "%d violation(s) remain:", len(residual))
		for _, f := range residual {
			fmt.Fprintf(&sb, "\n  %s  %s  %s  [%s]", f.Location, f.PatternID, f.Masked, f.CategoryID)
		}
		if err := e.display(ctx, sb.String()); err != nil {
			e.logger.Debug("failed to display residual findings", zap.Error(err))
		}
	}
	e.logger.Info("session run finished",
		zap.String("session.id", e.sess.ID),
		zap.String("status", string(e.sess.Status)),
		zap.Int("residual", len(residual)),
		zap.Strings("committed", out.Committed),
	)
	return out, nil
}

// stop ends a run on err. Cancellation by the host abandons the session
// unless an Emergency is open.
func (e *Engine) stop(ctx context.Context, err error) (*Outcome, error) {
	if e.sess == nil {
		return nil, err
	}
	ctx = context.WithoutCancel(ctx)

	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		e.logger.Warn("run cancelled", zap.String("session.id", e.sess.ID), zap.Error(err))
		if aerr := e.abandon(ctx); !errors.Is(aerr, ErrAbandoned) {
			e.logger.Warn("session left open after cancellation", zap.Error(aerr))
			return outcomeOf(e.sess, e.scanErrors), err
		}
		return outcomeOf(e.sess, e.scanErrors), fmt.Errorf("%w: %w", ErrAbandoned, err)
	}

	label := "aborted"
	var unresolved *EmergencyUnresolved
	var cu *CollaboratorUnavailable
	switch {
	case errors.Is(err, ErrAbandoned):
		label = string(session.StatusAbandoned)
	case errors.As(err, &unresolved):
		label = string(session.StatusPausedEmergency)
	case errors.As(err, &cu):
		if derr := e.channel.Display(ctx, cu.Report.String()); derr != nil {
			e.logger.Debug("failed to display failure report", zap.Error(derr))
		}
	}
	if label != string(session.StatusAbandoned) {
		metrics.SessionsTotal.WithLabelValues(label).Inc()
	}
	e.logger.Warn("session run stopped",
		zap.String("session.id", e.sess.ID),
		zap.String("checkpoint", e.checkpoint),
		zap.Error(err),
	)
	return outcomeOf(e.sess, e.scanErrors), err
}

func (e *Engine) abandon(ctx context.Context) error {
	if err := e.sess.Abandon(e.now()); err != nil {
		return err
	}
	if err := e.save(ctx); err != nil {
		return err
	}
	metrics.SessionsTotal.WithLabelValues(string(session.StatusAbandoned)).Inc()
	e.publishSession(ctx, string(session.StatusAbandoned))
	e.release(ctx)
	e.logger.Info("session abandoned", zap.String("session.id", e.sess.ID))
	return ErrAbandoned
}

func (e *Engine) acquire(ctx context.Context) error {
	lease, err := e.store.Acquire(ctx, e.cfg.ProjectID, e.sess.ID, e.cfg.LeaseTTL)
	if errors.Is(err, store.ErrLeaseHeld) {
		return err
	}
	if err != nil {
		return e.unavailable(CollaboratorStore, "", err)
	}
	e.lease = lease
	return nil
}

func (e *Engine) release(ctx context.Context) {
	if e.lease == nil {
		return
	}
	if err := e.store.Release(ctx, e.lease); err != nil {
		e.logger.Warn("failed to release lease", zap.String("project.id", e.cfg.ProjectID), zap.Error(err))
		return
	}
	e.lease = nil
}

// save persists the whole record. It ignores cancellation so that a
// transition already applied is never lost.
func (e *Engine) save(ctx context.Context) error {
	if e.rec == nil || e.sess == nil {
		return nil
	}
	e.rec.Session = e.sess
	if err := e.store.Save(context.WithoutCancel(ctx), e.rec); err != nil {
		return e.unavailable(CollaboratorStore, "", fmt.Errorf("failed to save session %s: %w", e.sess.ID, err))
	}
	e.checkpoint = e.describeCheckpoint()
	return nil
}

func (e *Engine) describeCheckpoint() string {
	if e.sess.Status == session.StatusPausedEmergency {
		if em := e.sess.Emergencies.Active(); em != nil {
			return fmt.Sprintf("emergency %s %s", em.ID, em.State)
		}
	}
	if c := e.sess.Next(); c != nil {
		return fmt.Sprintf("category %s %s", c.ID, c.State)
	}
	return fmt.Sprintf("session %s", e.sess.Status)
}

func (e *Engine) ask(ctx context.Context, categoryID, question string, options []string) (string, error) {
	choice, err := e.channel.AskChoice(ctx, question, options)
	if err != nil {
		return "", e.promptError(categoryID, err)
	}
	return choice, nil
}

func (e *Engine) display(ctx context.Context, text string) error {
	if err := e.channel.Display(ctx, text); err != nil {
		return e.promptError("", err)
	}
	return nil
}

func (e *Engine) promptError(categoryID string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return e.unavailable(CollaboratorPrompt, categoryID, err)
}

func (e *Engine) emergencyError(err error) error {
	var unresolved *EmergencyUnresolved
	var cu *CollaboratorUnavailable
	switch {
	case errors.As(err, &unresolved), errors.As(err, &cu):
		return err
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return err
	case errors.Is(err, prompt.ErrNoAnswer), errors.Is(err, prompt.ErrClosed):
		return e.unavailable(CollaboratorPrompt, "", err)
	}
	return fmt.Errorf("emergency handling failed: %w", err)
}

func (e *Engine) unavailable(collaborator, categoryID string, err error) error {
	var cu *CollaboratorUnavailable
	if errors.As(err, &cu) {
		return err
	}
	report := FailureReport{CategoryID: categoryID, Checkpoint: e.checkpoint, Reason: err.Error()}
	if e.sess != nil {
		report.SessionID = e.sess.ID
	}
	if report.Checkpoint == "" {
		report.Checkpoint = "none"
	}
	return &CollaboratorUnavailable{Collaborator: collaborator, Report: report, Err: err}
}

func (e *Engine) publish(ctx context.Context, ev notify.Event) {
	ev.ProjectID = e.sess.ProjectID
	ev.SessionID = e.sess.ID
	if ev.At.IsZero() {
		ev.At = e.now()
	}
	if err := e.notifier.Publish(ctx, ev); err != nil {
		e.logger.Warn("failed to publish event", zap.String("kind", string(ev.Kind)), zap.Error(err))
	}
}

func (e *Engine) publishSession(ctx context.Context, state string) {
	e.publish(ctx, notify.Event{Kind: notify.KindSession, SubjectID: e.sess.ID, State: state})
}

func (e *Engine) endSpan(span trace.Span, out *Outcome, err error) {
	if out != nil {
		span.SetAttributes(
			attribute.String("session.id", out.SessionID),
			attribute.String("status", string(out.Status)),
			attribute.Int("residual", len(out.Residual)),
		)
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
}

// describe renders the isolated view of a category.
func (e *Engine) describe(c *session.Category) string {
	findings := e.sess.CategoryFindings(c)

	var sb strings.Builder
	fmt.Fprintf(&sb, "Category %s: %d finding(s)", c.ID, len(findings))
	if c.Attempts > 0 {
		fmt.Fprintf(&sb, ", attempt %d", c.Attempts+1)
	}
	for _, f := range findings {
		desc := f.PatternID
		if p, ok := e.catalog.Lookup(f.PatternID); ok && p.Description != "" {
			desc = p.Description
		}
		fmt.Fprintf(&sb, "\n  %s  %s  %s", f.Location, f.Masked, desc)
	}
	return sb.String()
}

func failureText(vf *VerificationFailure) string {
	var sb strings.Builder
	sb.WriteString(vf.Report.String())
	for _, f := range vf.Remaining {
		fmt.Fprintf(&sb, "\n  still matching: %s %s", f.Location, f.PatternID)
	}
	if vf.Output != "" {
		fmt.Fprintf(&sb, "\n  test output:\n%s", vf.Output)
	}
	return sb.String()
}

func commitMessage(c *session.Category, findings []*finding.Finding) string {
	var patterns []string
	for _, f := range findings {
		patterns = append(patterns, f.PatternID)
	}
	slices.Sort(patterns)
	patterns = slices.Compact(patterns)

	noun := "findings"
	if len(findings) == 1 {
		noun = "finding"
	}
	return fmt.Sprintf("fix(%s): resolve %d %s (%s) in %s",
		c.ID, len(findings), noun, strings.Join(patterns, ", "), filesSummary(c.FilesTouched))
}

func filesSummary(files []string) string {
	switch len(files) {
	case 0:
		return "no files"
	case 1:
		return path.Base(files[0])
	default:
		return fmt.Sprintf("%d files", len(files))
	}
}
