// Package finding defines the detected-violation record shared by the
// detector, the triage classifier and the remediation session.
package finding

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Confidence is the detection tier of the pattern that produced a finding.
type Confidence string

const (
	ConfidenceHigh   Confidence = "high"
	ConfidenceMedium Confidence = "medium"
	ConfidenceLow    Confidence = "low"
)

// Valid reports whether c is a known tier.
func (c Confidence) Valid() bool {
	switch c {
	case ConfidenceHigh, ConfidenceMedium, ConfidenceLow:
		return true
	}
	return false
}

// rank orders tiers, high first.
func (c Confidence) rank() int {
	switch c {
	case ConfidenceHigh:
		return 0
	case ConfidenceMedium:
		return 1
	case ConfidenceLow:
		return 2
	}
	return 3
}

// Severity is the priority assigned by triage.
type Severity string

const (
	// SeverityNone marks a finding that has not been triaged yet.
	SeverityNone Severity = ""
	// SeverityP0 stops everything: a live credential.
	SeverityP0 Severity = "P0"
	// SeverityP1 is a user-confirmed real violation.
	SeverityP1 Severity = "P1"
	// SeverityP2 is a downgraded or false-positive finding.
	SeverityP2 Severity = "P2"
	// SeverityP3 is informational.
	SeverityP3 Severity = "P3"
)

// Rank returns 0 for P0 up to 3 for P3; untriaged findings rank last.
func (s Severity) Rank() int {
	switch s {
	case SeverityP0:
		return 0
	case SeverityP1:
		return 1
	case SeverityP2:
		return 2
	case SeverityP3:
		return 3
	}
	return 4
}

// Higher reports whether s is strictly more severe than other.
func (s Severity) Higher(other Severity) bool {
	return s.Rank() < other.Rank()
}

// DefaultSeverity is the severity a tier maps to before user input.
func DefaultSeverity(c Confidence) Severity {
	switch c {
	case ConfidenceHigh:
		return SeverityP0
	case ConfidenceMedium:
		return SeverityP1
	default:
		return SeverityP3
	}
}

// Status is the lifecycle state of a finding.
type Status string

const (
	StatusNew                    Status = "new"
	StatusConfirmedReal          Status = "confirmed_real"
	StatusConfirmedFalsePositive Status = "confirmed_false_positive"
	StatusResolved               Status = "resolved"
	StatusSuppressed             Status = "suppressed"
)

// ErrInvalidTransition is returned for a status change the lifecycle forbids.
var ErrInvalidTransition = errors.New("invalid finding status transition")

// allowedTransitions lists the legal status edges. Findings are never
// deleted, so every edge is recorded in History.
var allowedTransitions = map[Status][]Status{
	StatusNew:                    {StatusConfirmedReal, StatusConfirmedFalsePositive, StatusSuppressed},
	StatusConfirmedReal:          {StatusResolved, StatusConfirmedFalsePositive},
	StatusResolved:               {StatusNew},
	StatusConfirmedFalsePositive: {},
	StatusSuppressed:             {},
}

// Location is a file position. Line is 1-indexed; Column is 0-indexed and
// only used for display.
type Location struct {
	Path   string `json:"path" yaml:"path"`
	Line   int    `json:"line" yaml:"line"`
	Column int    `json:"column,omitempty" yaml:"column,omitempty"`
}

func (l Location) String() string {
	return fmt.Sprintf("%s:%d", l.Path, l.Line)
}

// Key identifies a finding across scans: the same pattern at the same
// file and line is the same finding.
type Key struct {
	Path      string `json:"path"`
	Line      int    `json:"line"`
	PatternID string `json:"pattern_id"`
}

func (k Key) String() string {
	return fmt.Sprintf("%s:%d#%s", k.Path, k.Line, k.PatternID)
}

// Transition is one recorded status change.
type Transition struct {
	From   Status    `json:"from"`
	To     Status    `json:"to"`
	At     time.Time `json:"at"`
	Reason string    `json:"reason,omitempty"`
}

// Finding is a single detected issue.
type Finding struct {
	ID         string     `json:"id" yaml:"id"`
	Location   Location   `json:"location" yaml:"location"`
	PatternID  string     `json:"pattern_id" yaml:"pattern_id"`
	CategoryID string     `json:"category_id" yaml:"category_id"`
	Confidence Confidence `json:"confidence" yaml:"confidence"`
	Severity   Severity   `json:"severity,omitempty" yaml:"severity,omitempty"`
	Status     Status     `json:"status" yaml:"status"`

	// Match is the raw matched text. It never leaves the process.
	Match string `json:"-" yaml:"-"`

	// Masked is the only persisted form of the matched text.
	Masked   string `json:"masked" yaml:"masked"`
	MatchLen int    `json:"match_len" yaml:"match_len"`

	FirstSeen time.Time    `json:"first_seen" yaml:"first_seen"`
	LastSeen  time.Time    `json:"last_seen" yaml:"last_seen"`
	History   []Transition `json:"history,omitempty" yaml:"-"`
}

// Key returns the cross-scan identity of the finding.
func (f *Finding) Key() Key {
	return Key{Path: f.Location.Path, Line: f.Location.Line, PatternID: f.PatternID}
}

// SetMatch stores the raw text and its masked form.
func (f *Finding) SetMatch(text string) {
	f.Match = text
	f.Masked = Mask(text)
	f.MatchLen = len(text)
}

// Transition moves the finding to a new status and appends to History.
func (f *Finding) Transition(to Status, reason string, at time.Time) error {
	if f.Status == to {
		return nil
	}
	for _, allowed := range allowedTransitions[f.Status] {
		if allowed == to {
			f.History = append(f.History, Transition{From: f.Status, To: to, At: at, Reason: reason})
			f.Status = to
			return nil
		}
	}
	return fmt.Errorf("%w: %s -> %s (finding %s)", ErrInvalidTransition, f.Status, to, f.ID)
}

// IsOpen reports whether the finding still counts as a real violation.
func (f *Finding) IsOpen() bool {
	return f.Status == StatusConfirmedReal
}

// Compare orders findings by path, line, then pattern id.
func Compare(a, b *Finding) int {
	if c := strings.Compare(a.Location.Path, b.Location.Path); c != 0 {
		return c
	}
	if a.Location.Line != b.Location.Line {
		if a.Location.Line < b.Location.Line {
			return -1
		}
		return 1
	}
	return strings.Compare(a.PatternID, b.PatternID)
}

// Outranks reports whether a should win over b when both match the same
// location: higher severity first, then higher tier, then the smaller
// pattern id so the choice is deterministic.
func Outranks(a, b *Finding) bool {
	sa, sb := a.Severity, b.Severity
	if sa == SeverityNone {
		sa = DefaultSeverity(a.Confidence)
	}
	if sb == SeverityNone {
		sb = DefaultSeverity(b.Confidence)
	}
	if sa != sb {
		return sa.Higher(sb)
	}
	if a.Confidence != b.Confidence {
		return a.Confidence.rank() < b.Confidence.rank()
	}
	return a.PatternID < b.PatternID
}
