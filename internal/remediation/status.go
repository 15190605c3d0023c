package remediation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/fyrsmithlabs/guardrail/internal/emergency"
	"github.com/fyrsmithlabs/guardrail/internal/finding"
	"github.com/fyrsmithlabs/guardrail/internal/session"
	"github.com/fyrsmithlabs/guardrail/internal/store"
)

// StatusReport is the read-only view of a project's record served by the
// status command, the HTTP API and the MCP server.
type StatusReport struct {
	ProjectID    string              `json:"project_id"`
	SessionID    string              `json:"session_id,omitempty"`
	Status       session.Status      `json:"status,omitempty"`
	Branch       string              `json:"branch,omitempty"`
	UpdatedAt    time.Time           `json:"updated_at,omitempty"`
	Categories   []CategoryStatus    `json:"categories,omitempty"`
	Emergencies  []EmergencyStatus   `json:"emergencies,omitempty"`
	Residual     []*finding.Finding  `json:"residual,omitempty"`
	Suppressions int                 `json:"suppressions"`
	Counts       map[string]int      `json:"counts,omitempty"`
	Paused       *session.Checkpoint `json:"paused_at,omitempty"`
}

// CategoryStatus summarizes one category.
type CategoryStatus struct {
	ID        string                 `json:"id"`
	State     session.State          `json:"state"`
	Status    session.CategoryStatus `json:"status"`
	Findings  int                    `json:"findings"`
	Attempts  int                    `json:"attempts"`
	CommitRef string                 `json:"commit_ref,omitempty"`
	LastError string                 `json:"last_error,omitempty"`
}

// EmergencyStatus summarizes one emergency.
type EmergencyStatus struct {
	ID         string               `json:"id"`
	FindingID  string               `json:"finding_id"`
	State      emergency.State      `json:"state"`
	Resolution emergency.Resolution `json:"resolution,omitempty"`
}

// Summarize builds a StatusReport from rec. A record without a session
// reports only its suppressions.
func Summarize(rec *store.Record) *StatusReport {
	r := &StatusReport{
		ProjectID:    rec.ProjectID,
		Suppressions: rec.Suppressions.Len(),
	}
	s := rec.Session
	if s == nil {
		return r
	}

	r.SessionID = s.ID
	r.Status = s.Status
	r.Branch = s.Branch
	r.UpdatedAt = s.UpdatedAt
	r.Paused = s.PausedAt
	r.Residual = s.Residual()
	r.Counts = make(map[string]int)
	for _, f := range s.Findings {
		r.Counts[string(f.Status)]++
	}

	for _, c := range s.Categories {
		r.Categories = append(r.Categories, CategoryStatus{
			ID:        c.ID,
			State:     c.State,
			Status:    c.Status,
			Findings:  len(c.FindingIDs),
			Attempts:  c.Attempts,
			CommitRef: c.CommitRef,
			LastError: c.LastError,
		})
	}
	for _, e := range s.Emergencies.Entries {
		r.Emergencies = append(r.Emergencies, EmergencyStatus{
			ID:         e.ID,
			FindingID:  e.FindingID,
			State:      e.State,
			Resolution: e.Resolution,
		})
	}
	return r
}

// LoadStatus loads the project's record and summarizes it. A project that
// was never scanned yields store.ErrNotFound.
func LoadStatus(ctx context.Context, st store.Store, projectID string) (*StatusReport, error) {
	rec, err := st.Load(ctx, projectID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to load status for %s: %w", projectID, err)
	}
	return Summarize(rec), nil
}

// String renders the report for a terminal.
func (r *StatusReport) String() string {
	var sb strings.Builder
	if r.SessionID == "" {
		fmt.Fprintf(&sb, "project %s: no session (%d suppression(s))", r.ProjectID, r.Suppressions)
		return sb.String()
	}

	fmt.Fprintf(&sb, "project %s session %s: %s", r.ProjectID, r.SessionID, r.Status)
	if r.Branch != "" {
		fmt.Fprintf(&sb, " on %s", r.Branch)
	}
	if r.Paused != nil {
		fmt.Fprintf(&sb, "\n  paused at category %q in %s", r.Paused.CategoryID, r.Paused.State)
	}
	for _, c := range r.Categories {
		fmt.Fprintf(&sb, "\n  %-20s %-13s %d finding(s)", c.ID, c.State, c.Findings)
		if c.CommitRef != "" {
			fmt.Fprintf(&sb, "  %s", shortRef(c.CommitRef))
		}
		if c.LastError != "" {
			fmt.Fprintf(&sb, "  (%s)", c.LastError)
		}
	}
	for _, e := range r.Emergencies {
		fmt.Fprintf(&sb, "\n  emergency %s %s", e.ID, e.State)
		if e.Resolution != "" {
			fmt.Fprintf(&sb, " (%s)", e.Resolution)
		}
	}
	fmt.Fprintf(&sb, "\n  residual: %d, suppressions: %d", len(r.Residual), r.Suppressions)
	return sb.String()
}

func shortRef(ref string) string {
	if len(ref) > 8 {
		return ref[:8]
	}
	return ref
}
