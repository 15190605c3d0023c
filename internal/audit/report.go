package audit

import (
	"encoding/json"
	"fmt"
	"io"
	"slices"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"gopkg.in/yaml.v3"

	"github.com/fyrsmithlabs/guardrail/internal/finding"
	"github.com/fyrsmithlabs/guardrail/internal/search"
)

// Format is a report output format.
type Format string

// Report formats.
const (
	FormatText Format = "text"
	FormatJSON Format = "json"
	FormatYAML Format = "yaml"
)

// ParseFormat validates a --format value. Empty means text.
func ParseFormat(s string) (Format, error) {
	switch f := Format(strings.ToLower(strings.TrimSpace(s))); f {
	case "":
		return FormatText, nil
	case FormatText, FormatJSON, FormatYAML:
		return f, nil
	}
	return "", fmt.Errorf("unknown report format %q (want text, json or yaml)", s)
}

var (
	titleStyle = lipgloss.NewStyle().Bold(true)
	p0Style    = lipgloss.NewStyle().Foreground(lipgloss.Color("196")).Bold(true)
	p1Style    = lipgloss.NewStyle().Foreground(lipgloss.Color("208"))
	dimStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("245"))
)

// Entry is one finding as reported. Only the masked preview of the match is
// ever included.
type Entry struct {
	ID         string `json:"id" yaml:"id"`
	Path       string `json:"path" yaml:"path"`
	Line       int    `json:"line" yaml:"line"`
	Column     int    `json:"column,omitempty" yaml:"column,omitempty"`
	PatternID  string `json:"pattern_id" yaml:"pattern_id"`
	Category   string `json:"category" yaml:"category"`
	Confidence string `json:"confidence" yaml:"confidence"`
	Severity   string `json:"severity,omitempty" yaml:"severity,omitempty"`
	Status     string `json:"status" yaml:"status"`
	Preview    string `json:"preview" yaml:"preview"`
}

// ScanError is a file that could not be scanned.
type ScanError struct {
	Path  string `json:"path" yaml:"path"`
	Error string `json:"error" yaml:"error"`
}

// Report is the redacted result of one audit.
type Report struct {
	ProjectID    string    `json:"project_id" yaml:"project_id"`
	GeneratedAt  time.Time `json:"generated_at" yaml:"generated_at"`
	Duration     string    `json:"duration" yaml:"duration"`
	FilesScanned int       `json:"files_scanned" yaml:"files_scanned"`
	FilesSkipped int       `json:"files_skipped" yaml:"files_skipped"`

	Findings   []Entry        `json:"findings" yaml:"findings"`
	ByRule     map[string]int `json:"by_rule,omitempty" yaml:"by_rule,omitempty"`
	BySeverity map[string]int `json:"by_severity,omitempty" yaml:"by_severity,omitempty"`
	ScanErrors []ScanError    `json:"scan_errors,omitempty" yaml:"scan_errors,omitempty"`

	// Persisted is false when an active session owned the record and the
	// audit results were not saved.
	Persisted bool `json:"persisted" yaml:"persisted"`
}

// NewReport builds a report from scanned findings.
func NewReport(projectID string, findings []*finding.Finding, sr *search.Report, at time.Time) *Report {
	r := &Report{
		ProjectID:   projectID,
		GeneratedAt: at,
		Findings:    []Entry{},
		ByRule:      make(map[string]int),
		BySeverity:  make(map[string]int),
	}
	if sr != nil {
		r.FilesScanned = sr.FilesScanned
		r.FilesSkipped = sr.FilesSkipped
		r.Duration = sr.Duration.Round(time.Millisecond).String()
		for _, se := range sr.Errors {
			r.ScanErrors = append(r.ScanErrors, ScanError{Path: se.Path, Error: se.Err.Error()})
		}
	}

	sorted := slices.Clone(findings)
	slices.SortFunc(sorted, finding.Compare)
	for _, f := range sorted {
		r.Findings = append(r.Findings, Entry{
			ID:         f.ID,
			Path:       f.Location.Path,
			Line:       f.Location.Line,
			Column:     f.Location.Column,
			PatternID:  f.PatternID,
			Category:   f.CategoryID,
			Confidence: string(f.Confidence),
			Severity:   string(f.Severity),
			Status:     string(f.Status),
			Preview:    f.Masked,
		})
		r.ByRule[f.PatternID]++
		if f.Severity != finding.SeverityNone {
			r.BySeverity[string(f.Severity)]++
		}
	}
	return r
}

// Open returns the entries that still count as real violations.
func (r *Report) Open() []Entry {
	var out []Entry
	for _, e := range r.Findings {
		if e.Status == string(finding.StatusConfirmedReal) {
			out = append(out, e)
		}
	}
	return out
}

// HasEmergency reports whether any P0 finding is still open.
func (r *Report) HasEmergency() bool {
	for _, e := range r.Open() {
		if e.Severity == string(finding.SeverityP0) {
			return true
		}
	}
	return false
}

// Summary returns a one-line summary.
func (r *Report) Summary() string {
	open := r.Open()
	if len(open) == 0 {
		return fmt.Sprintf("no open violations in %d file(s)", r.FilesScanned)
	}
	parts := make([]string, 0, len(r.BySeverity))
	for _, sev := range []finding.Severity{finding.SeverityP0, finding.SeverityP1, finding.SeverityP2, finding.SeverityP3} {
		n := 0
		for _, e := range open {
			if e.Severity == string(sev) {
				n++
			}
		}
		if n > 0 {
			parts = append(parts, fmt.Sprintf("%d %s", n, sev))
		}
	}
	return fmt.Sprintf("%d open violation(s) in %d file(s): %s", len(open), r.FilesScanned, strings.Join(parts, ", "))
}

// Write renders the report in format.
func (r *Report) Write(w io.Writer, format Format) error {
	switch format {
	case FormatJSON:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(r)
	case FormatYAML:
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(r); err != nil {
			return err
		}
		return enc.Close()
	case FormatText, "":
		_, err := io.WriteString(w, r.text())
		return err
	}
	return fmt.Errorf("unknown report format %q", format)
}

func (r *Report) text() string {
	var sb strings.Builder
	sb.WriteString(titleStyle.Render("guardrail audit: "+r.ProjectID) + "\n")
	fmt.Fprintf(&sb, "%d file(s) scanned, %d skipped in %s\n", r.FilesScanned, r.FilesSkipped, r.Duration)

	if len(r.Findings) > 0 {
		sb.WriteString("\n")
	}
	for _, e := range r.Findings {
		sev := e.Severity
		if sev == "" {
			sev = "--"
		}
		switch e.Severity {
		case string(finding.SeverityP0):
			sev = p0Style.Render(sev)
		case string(finding.SeverityP1):
			sev = p1Style.Render(sev)
		}
		line := fmt.Sprintf("%s  %s:%d  %-20s %-14s %s", sev, e.Path, e.Line, e.PatternID, e.Preview, e.Status)
		if e.Status != string(finding.StatusConfirmedReal) {
			line = dimStyle.Render(line)
		}
		sb.WriteString(line + "\n")
	}

	if len(r.ByRule) > 0 {
		rules := make([]string, 0, len(r.ByRule))
		for id := range r.ByRule {
			rules = append(rules, id)
		}
		slices.Sort(rules)
		sb.WriteString("\nBy rule:\n")
		for _, id := range rules {
			fmt.Fprintf(&sb, "  %-22s %d\n", id, r.ByRule[id])
		}
	}
	for _, se := range r.ScanErrors {
		fmt.Fprintf(&sb, "scan error: %s: %s\n", se.Path, se.Error)
	}

	sb.WriteString("\n" + r.Summary() + "\n")
	if r.HasEmergency() {
		sb.WriteString(p0Style.Render("Live credential found: run `guardrail remediate` now.") + "\n")
	}
	return sb.String()
}
