package secrets

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// Result contains the scrubbing result.
type Result struct {
	// Scrubbed is the content with secrets redacted.
	Scrubbed string `json:"scrubbed"`

	// Findings contains the detected secrets without their values.
	Findings []Finding `json:"findings,omitempty"`

	Duration time.Duration `json:"duration"`

	// ByRule maps pattern ids to finding counts.
	ByRule map[string]int `json:"by_rule,omitempty"`
}

// Finding represents a redacted secret.
type Finding struct {
	RuleID string `json:"rule_id"`

	// Line is 1-indexed within the scrubbed content.
	Line int `json:"line"`

	// Column is the byte offset of the match within its line.
	Column int `json:"column"`
}

// HasFindings reports whether anything was redacted.
func (r *Result) HasFindings() bool {
	return len(r.Findings) > 0
}

// RuleIDs returns the matched pattern ids, sorted.
func (r *Result) RuleIDs() []string {
	ids := make([]string, 0, len(r.ByRule))
	for id := range r.ByRule {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Summary returns a brief summary of findings.
func (r *Result) Summary() string {
	if !r.HasFindings() {
		return "no secrets detected"
	}
	parts := make([]string, 0, len(r.ByRule))
	for _, id := range r.RuleIDs() {
		parts = append(parts, fmt.Sprintf("%s=%d", id, r.ByRule[id]))
	}
	return fmt.Sprintf("%d secret(s) redacted (%s)", len(r.Findings), strings.Join(parts, ", "))
}
