package remediation

import (
	"errors"
	"fmt"
	"strings"

	"github.com/fyrsmithlabs/guardrail/internal/emergency"
	"github.com/fyrsmithlabs/guardrail/internal/finding"
	"github.com/fyrsmithlabs/guardrail/internal/session"
)

// Process exit codes.
const (
	ExitClean    = 0
	ExitResidual = 1
	ExitAborted  = 2
)

// Collaborator names used in CollaboratorUnavailable.
const (
	CollaboratorVCS    = "vcs"
	CollaboratorTests  = "tests"
	CollaboratorSearch = "search"
	CollaboratorPrompt = "prompt"
	CollaboratorStore  = "store"
)

// ErrAbandoned is returned when the user abandons the session.
var ErrAbandoned = errors.New("session abandoned")

// EmergencyUnresolved is returned while an Emergency stays open; the session
// remains paused_emergency.
type EmergencyUnresolved = emergency.UnresolvedError

// FailureReport is attached to every user-facing failure.
type FailureReport struct {
	SessionID  string `json:"session_id"`
	CategoryID string `json:"category_id,omitempty"`
	FindingID  string `json:"finding_id,omitempty"`

	// Checkpoint is the last state that was persisted successfully.
	Checkpoint string `json:"checkpoint"`

	// Reverted reports whether the category's files were restored.
	Reverted bool   `json:"reverted"`
	Reason   string `json:"reason"`
}

func (r FailureReport) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Failure in session %s", r.SessionID)
	if r.CategoryID != "" {
		fmt.Fprintf(&sb, ", category %s", r.CategoryID)
	}
	if r.FindingID != "" {
		fmt.Fprintf(&sb, ", finding %s", r.FindingID)
	}
	fmt.Fprintf(&sb, "\n  reason:          %s", r.Reason)
	fmt.Fprintf(&sb, "\n  last checkpoint: %s", r.Checkpoint)
	if r.Reverted {
		sb.WriteString("\n  revert:          touched files restored to their state before the fix")
	} else {
		sb.WriteString("\n  revert:          none applied")
	}
	return sb.String()
}

// VerificationFailure is a category-local failure: the category's files are
// reverted and it returns to PENDING.
type VerificationFailure struct {
	Report FailureReport

	// Remaining are the category findings that still match.
	Remaining []*finding.Finding

	// Output is the tail of the test run, when the tests failed.
	Output string
}

func (e *VerificationFailure) Error() string {
	return fmt.Sprintf("verification of category %s failed: %s", e.Report.CategoryID, e.Report.Reason)
}

// CollaboratorUnavailable is fatal to the current step. The last good state
// is persisted and nothing is committed.
type CollaboratorUnavailable struct {
	Collaborator string
	Report       FailureReport
	Err          error
}

func (e *CollaboratorUnavailable) Error() string {
	return fmt.Sprintf("%s unavailable: %v", e.Collaborator, e.Err)
}

func (e *CollaboratorUnavailable) Unwrap() error {
	return e.Err
}

// ExitCode maps the result of a run to the process exit code.
func ExitCode(out *Outcome, err error) int {
	var unresolved *EmergencyUnresolved
	switch {
	case err == nil && out != nil && len(out.Residual) == 0 && out.Status == session.StatusCompleted:
		return ExitClean
	case err == nil:
		return ExitResidual
	case errors.As(err, &unresolved), errors.Is(err, ErrAbandoned):
		return ExitResidual
	default:
		return ExitAborted
	}
}

// Outcome summarizes one Start or Resume call.
type Outcome struct {
	SessionID  string             `json:"session_id"`
	Status     session.Status     `json:"status"`
	Committed  []string           `json:"committed,omitempty"`
	Skipped    []string           `json:"skipped,omitempty"`
	Residual   []*finding.Finding `json:"residual,omitempty"`
	ScanErrors []string           `json:"scan_errors,omitempty"`
}

func outcomeOf(s *session.Session, scanErrors []string) *Outcome {
	out := &Outcome{
		SessionID:  s.ID,
		Status:     s.Status,
		Residual:   s.Residual(),
		ScanErrors: scanErrors,
	}
	for _, c := range s.Categories {
		switch c.State {
		case session.StateCommitted:
			out.Committed = append(out.Committed, c.ID)
		case session.StateSkipped:
			out.Skipped = append(out.Skipped, c.ID)
		}
	}
	return out
}
