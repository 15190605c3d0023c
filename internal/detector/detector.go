// Package detector runs the text-search collaborator over a corpus and turns
// raw matches into Findings with stable identities.
package detector

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/guardrail/internal/catalog"
	"github.com/fyrsmithlabs/guardrail/internal/finding"
	"github.com/fyrsmithlabs/guardrail/internal/metrics"
	"github.com/fyrsmithlabs/guardrail/internal/search"
)

const instrumentationName = "github.com/fyrsmithlabs/guardrail/internal/detector"

// Input describes one scan.
type Input struct {
	// Request is the corpus root and optional file subset.
	Request search.Request

	// Prior holds findings from earlier scans. Matches at a known key reuse
	// the prior Finding so its id, status and history survive.
	Prior finding.Index

	// Suppressions are locations recorded as test values.
	Suppressions *finding.Suppressions
}

// Result is the outcome of one scan.
type Result struct {
	// Findings are every finding observed by this scan, in location order.
	Findings []*finding.Finding

	Report *search.Report

	seen map[finding.Key]bool
}

// Seen reports whether key was observed by this scan.
func (r *Result) Seen(key finding.Key) bool {
	return r.seen[key]
}

// Pending returns findings that still need triage.
func (r *Result) Pending() []*finding.Finding {
	var out []*finding.Finding
	for _, f := range r.Findings {
		if f.Status == finding.StatusNew {
			out = append(out, f)
		}
	}
	return out
}

// Detector produces Findings from a corpus.
type Detector struct {
	searcher search.Searcher
	logger   *zap.Logger
	tracer   trace.Tracer
	now      func() time.Time
	newID    func() string
}

// Option configures a Detector.
type Option func(*Detector)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(d *Detector) { d.logger = l }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(d *Detector) { d.now = now }
}

// WithIDGenerator overrides finding id generation.
func WithIDGenerator(gen func() string) Option {
	return func(d *Detector) { d.newID = gen }
}

// New creates a Detector over a searcher.
func New(searcher search.Searcher, opts ...Option) *Detector {
	d := &Detector{
		searcher: searcher,
		logger:   zap.NewNop(),
		tracer:   otel.Tracer(instrumentationName),
		now:      time.Now,
		newID:    func() string { return uuid.New().String() },
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Scan runs the searcher and reconciles its matches with prior findings.
//
// When several patterns match the same line, the match with the highest
// severity wins; ties go to the higher tier, then the lexicographically
// smaller pattern id.
func (d *Detector) Scan(ctx context.Context, in Input) (*Result, error) {
	ctx, span := d.tracer.Start(ctx, "detector.scan")
	defer span.End()

	scope := "full"
	if in.Request.Scoped() {
		scope = "scoped"
	}
	span.SetAttributes(
		attribute.String("scope", scope),
		attribute.Int("paths", len(in.Request.Paths)),
	)

	type lineKey struct {
		path string
		line int
	}
	winners := make(map[lineKey]*finding.Finding)

	report, err := d.searcher.Search(ctx, in.Request, func(m catalog.Match) {
		candidate := &finding.Finding{
			Location:   m.Location,
			PatternID:  m.PatternID,
			CategoryID: m.Category,
			Confidence: m.Tier,
		}
		candidate.SetMatch(m.Text)

		lk := lineKey{m.Location.Path, m.Location.Line}
		if current, ok := winners[lk]; !ok || finding.Outranks(candidate, current) {
			winners[lk] = candidate
		}
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to search corpus: %w", err)
	}

	now := d.now()
	result := &Result{
		Report: report,
		seen:   make(map[finding.Key]bool, len(winners)),
	}

	for _, candidate := range winners {
		f := d.reconcile(candidate, in, now)
		result.seen[f.Key()] = true
		result.Findings = append(result.Findings, f)
		metrics.FindingsTotal.WithLabelValues(string(f.Confidence), string(f.Status)).Inc()
	}
	slices.SortFunc(result.Findings, finding.Compare)

	for _, scanErr := range report.Errors {
		metrics.ScanErrorsTotal.Inc()
		d.logger.Warn("scan error recorded", zap.String("path", scanErr.Path), zap.Error(scanErr.Err))
	}
	metrics.ScanDuration.WithLabelValues(scope).Observe(report.Duration.Seconds())

	span.SetAttributes(
		attribute.Int("files_scanned", report.FilesScanned),
		attribute.Int("scan_errors", len(report.Errors)),
		attribute.Int("findings", len(result.Findings)),
	)
	d.logger.Debug("scan complete",
		zap.String("scope", scope),
		zap.Int("files_scanned", report.FilesScanned),
		zap.Int("files_skipped", report.FilesSkipped),
		zap.Int("findings", len(result.Findings)),
		zap.Duration("duration", report.Duration),
	)

	return result, nil
}

// reconcile returns the Finding to report for candidate: the prior Finding
// at the same key when there is one, otherwise a new one.
func (d *Detector) reconcile(candidate *finding.Finding, in Input, now time.Time) *finding.Finding {
	key := candidate.Key()

	if prior, ok := in.Prior[key]; ok {
		prior.SetMatch(candidate.Match)
		prior.Location.Column = candidate.Location.Column
		prior.LastSeen = now
		if prior.Status == finding.StatusResolved {
			if err := prior.Transition(finding.StatusNew, "reappeared after resolution", now); err != nil {
				d.logger.Warn("failed to reopen finding", zap.String("finding.id", prior.ID), zap.Error(err))
			}
		}
		return prior
	}

	f := candidate
	f.ID = d.newID()
	f.Status = finding.StatusNew
	f.FirstSeen = now
	f.LastSeen = now

	if in.Suppressions.Has(key) {
		f.Severity = finding.SeverityP3
		if err := f.Transition(finding.StatusSuppressed, "suppression annotation", now); err != nil {
			d.logger.Warn("failed to suppress finding", zap.String("finding.id", f.ID), zap.Error(err))
		}
	}
	return f
}
