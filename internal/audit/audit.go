// Package audit runs the detector and triage over a project and produces a
// redacted report. Results are merged into the project's record so later
// scans keep finding ids, statuses and suppressions.
package audit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/guardrail/internal/detector"
	"github.com/fyrsmithlabs/guardrail/internal/finding"
	"github.com/fyrsmithlabs/guardrail/internal/prompt"
	"github.com/fyrsmithlabs/guardrail/internal/search"
	"github.com/fyrsmithlabs/guardrail/internal/store"
	"github.com/fyrsmithlabs/guardrail/internal/triage"
)

const instrumentationName = "github.com/fyrsmithlabs/guardrail/internal/audit"

// leaseTTL bounds an audit's hold on the record.
const leaseTTL = 5 * time.Minute

// Auditor scans a project and triages what it finds.
type Auditor struct {
	root       string
	projectID  string
	store      store.Store
	detector   *detector.Detector
	classifier *triage.Classifier
	isTest     func(path string) bool

	logger *zap.Logger
	now    func() time.Time
	tracer trace.Tracer
}

// Option configures an Auditor.
type Option func(*Auditor)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(a *Auditor) { a.logger = l }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(a *Auditor) { a.now = now }
}

// WithTestPaths sets the test-path predicate used to explain dismissals.
func WithTestPaths(isTest func(path string) bool) Option {
	return func(a *Auditor) { a.isTest = isTest }
}

// New creates an Auditor for the project at root.
func New(root, projectID string, st store.Store, det *detector.Detector, channel prompt.Channel, opts ...Option) *Auditor {
	a := &Auditor{
		root:      root,
		projectID: projectID,
		store:     st,
		detector:  det,
		logger:    zap.NewNop(),
		now:       time.Now,
		tracer:    otel.Tracer(instrumentationName),
	}
	for _, opt := range opts {
		opt(a)
	}
	a.classifier = triage.New(channel, triage.WithLogger(a.logger), triage.WithClock(a.now),
		triage.WithTestPaths(a.isTest))
	return a
}

// Run audits paths, or the whole project when paths is empty.
//
// Findings that a scan no longer observes inside its scope are marked
// resolved. While a remediation session is active the record belongs to it,
// so the audit reports without saving.
func (a *Auditor) Run(ctx context.Context, paths []string) (*Report, error) {
	ctx, span := a.tracer.Start(ctx, "audit.run")
	defer span.End()
	span.SetAttributes(
		attribute.String("project.id", a.projectID),
		attribute.Int("paths", len(paths)),
	)

	report, err := a.run(ctx, paths)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetAttributes(attribute.Int("findings", len(report.Findings)))
	return report, nil
}

func (a *Auditor) run(ctx context.Context, paths []string) (*Report, error) {
	rec, err := store.LoadOrNew(ctx, a.store, a.projectID)
	if err != nil {
		return nil, fmt.Errorf("failed to load record: %w", err)
	}

	persist := rec.Active() == nil
	var lease *store.Lease
	if persist {
		lease, err = a.store.Acquire(ctx, a.projectID, "audit-"+uuid.New().String(), leaseTTL)
		switch {
		case errors.Is(err, store.ErrLeaseHeld):
			persist = false
		case err != nil:
			return nil, fmt.Errorf("failed to lease record: %w", err)
		}
	}
	if lease != nil {
		defer func() {
			if err := a.store.Release(context.WithoutCancel(ctx), lease); err != nil {
				a.logger.Warn("failed to release audit lease", zap.Error(err))
			}
		}()
	}
	if !persist {
		a.logger.Info("record is owned by a running session, audit results are not saved",
			zap.String("project.id", a.projectID))
	}

	res, err := a.detector.Scan(ctx, detector.Input{
		Request:      search.Request{Root: a.root, Paths: paths},
		Prior:        rec.Prior(),
		Suppressions: &rec.Suppressions,
	})
	if err != nil {
		return nil, err
	}

	if _, err := a.classifier.Classify(ctx, res.Pending(), &rec.Suppressions); err != nil {
		return nil, fmt.Errorf("triage failed: %w", err)
	}

	report := NewReport(a.projectID, res.Findings, res.Report, a.now())
	if !persist {
		return report, nil
	}

	rec.Findings = a.merge(rec.Findings, res, paths)
	if err := a.store.Save(ctx, rec); err != nil {
		return nil, fmt.Errorf("failed to save audit results: %w", err)
	}
	report.Persisted = true

	a.logger.Info("audit complete",
		zap.String("project.id", a.projectID),
		zap.Int("files_scanned", res.Report.FilesScanned),
		zap.Int("findings", len(res.Findings)),
		zap.Int("open", len(report.Open())),
		zap.Int("scan_errors", len(res.Report.Errors)),
	)
	return report, nil
}

// merge folds the scan into the stored findings. Open findings inside the
// scan's scope that were not observed again are resolved.
func (a *Auditor) merge(stored []*finding.Finding, res *detector.Result, paths []string) []*finding.Finding {
	idx := finding.NewIndex(stored...)
	for _, f := range res.Findings {
		idx[f.Key()] = f
	}

	inScope := func(p string) bool {
		if len(paths) == 0 {
			return true
		}
		for _, q := range paths {
			if rel, err := search.Relative(a.root, q); err == nil && rel == p {
				return true
			}
		}
		return false
	}

	unreadable := make(map[string]bool)
	for _, p := range res.Report.ErrorPaths() {
		unreadable[p] = true
	}

	now := a.now()
	for key, f := range idx {
		if f.IsOpen() && !res.Seen(key) && inScope(key.Path) && !unreadable[key.Path] {
			if err := f.Transition(finding.StatusResolved, "no longer detected", now); err != nil {
				a.logger.Warn("failed to resolve finding", zap.String("finding.id", f.ID), zap.Error(err))
			}
		}
	}
	return idx.Sorted()
}
