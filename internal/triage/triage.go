// Package triage assigns severity and a terminal triage status to every new
// finding.
//
// High-confidence findings become P0 without a question. Medium-confidence
// findings are put to the user as "real or test?". Low-confidence findings
// are dismissed without asking. No finding leaves Classify with status new.
package triage

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/guardrail/internal/finding"
	"github.com/fyrsmithlabs/guardrail/internal/metrics"
	"github.com/fyrsmithlabs/guardrail/internal/prompt"
)

// Answers offered for a medium-confidence finding.
const (
	AnswerReal = "real"
	AnswerTest = "test"
)

// Outcome summarizes one Classify call.
type Outcome struct {
	// Emergencies are the findings classified P0, in classification order.
	Emergencies []*finding.Finding

	// Real are confirmed real findings below P0.
	Real []*finding.Finding

	// Dismissed are findings confirmed false positive.
	Dismissed []*finding.Finding

	// Asked counts questions put to the user.
	Asked int
}

// Classifier triages findings.
type Classifier struct {
	channel  prompt.Channel
	logger   *zap.Logger
	now      func() time.Time
	testPath func(path string) bool
}

// Option configures a Classifier.
type Option func(*Classifier)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(c *Classifier) { c.logger = l }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(c *Classifier) { c.now = now }
}

// WithTestPaths sets the predicate for test-designated paths. It only
// changes the reason recorded on dismissed low-confidence findings.
func WithTestPaths(isTest func(path string) bool) Option {
	return func(c *Classifier) { c.testPath = isTest }
}

// Reasons recorded on findings dismissed without a question.
const (
	ReasonTestFixture   = "known fixture value in test path"
	ReasonLowConfidence = "low-confidence pattern"
)

// New creates a classifier that asks questions through channel.
func New(channel prompt.Channel, opts ...Option) *Classifier {
	c := &Classifier{
		channel: channel,
		logger:  zap.NewNop(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Classify triages every finding with status new, in order. Findings that
// are already triaged are left alone. Suppression annotations for dismissed
// findings are added to sup.
//
// On error, findings classified so far keep their new status; the rest are
// untouched.
func (c *Classifier) Classify(ctx context.Context, findings []*finding.Finding, sup *finding.Suppressions) (*Outcome, error) {
	out := &Outcome{}

	for _, f := range findings {
		if f.Status != finding.StatusNew {
			continue
		}

		asked := false
		switch f.Confidence {
		case finding.ConfidenceHigh:
			if err := c.confirm(f, finding.SeverityP0, "high-confidence pattern"); err != nil {
				return out, err
			}
			out.Emergencies = append(out.Emergencies, f)

		case finding.ConfidenceLow:
			if err := c.dismiss(f, finding.SeverityP3, c.lowReason(f), sup); err != nil {
				return out, err
			}
			out.Dismissed = append(out.Dismissed, f)

		default:
			answer, err := c.channel.AskChoice(ctx, question(f), []string{AnswerReal, AnswerTest})
			if err != nil {
				return out, fmt.Errorf("triage of finding %s: %w", f.ID, err)
			}
			asked = true
			out.Asked++

			if answer == AnswerTest {
				if err := c.dismiss(f, finding.SeverityP2, "user marked as test value", sup); err != nil {
					return out, err
				}
				out.Dismissed = append(out.Dismissed, f)
			} else {
				if err := c.confirm(f, finding.SeverityP1, "user confirmed real"); err != nil {
					return out, err
				}
				out.Real = append(out.Real, f)
			}
		}

		metrics.TriageDecisions.WithLabelValues(string(f.Severity), string(f.Status), strconv.FormatBool(asked)).Inc()
		c.logger.Debug("finding triaged",
			zap.String("finding.id", f.ID),
			zap.String("pattern_id", f.PatternID),
			zap.String("location", f.Location.String()),
			zap.String("severity", string(f.Severity)),
			zap.String("status", string(f.Status)),
		)
	}

	return out, nil
}

func (c *Classifier) confirm(f *finding.Finding, sev finding.Severity, reason string) error {
	if err := f.Transition(finding.StatusConfirmedReal, reason, c.now()); err != nil {
		return err
	}
	f.Severity = sev
	return nil
}

func (c *Classifier) dismiss(f *finding.Finding, sev finding.Severity, reason string, sup *finding.Suppressions) error {
	now := c.now()
	if err := f.Transition(finding.StatusConfirmedFalsePositive, reason, now); err != nil {
		return err
	}
	f.Severity = sev
	if sup != nil {
		sup.Add(finding.Suppression{Key: f.Key(), Reason: reason, FindingID: f.ID, CreatedAt: now})
	}
	return nil
}

func (c *Classifier) lowReason(f *finding.Finding) string {
	if c.testPath != nil && c.testPath(f.Location.Path) {
		return ReasonTestFixture
	}
	return ReasonLowConfidence
}

func question(f *finding.Finding) string {
	return fmt.Sprintf("%s matched %s (%s). Is this a real violation or a test value?",
		f.Location, f.PatternID, f.Masked)
}
