package remediation

import (
	"time"

	"github.com/fyrsmithlabs/guardrail/internal/emergency"
	"github.com/fyrsmithlabs/guardrail/internal/finding"
	"github.com/fyrsmithlabs/guardrail/internal/session"
)

// sessionTarget exposes a session and its record's suppressions to the
// emergency controller.
type sessionTarget struct {
	s   *session.Session
	sup *finding.Suppressions
}

var _ emergency.Target = sessionTarget{}

func (t sessionTarget) ProjectID() string         { return t.s.ProjectID }
func (t sessionTarget) SessionID() string         { return t.s.ID }
func (t sessionTarget) Ledger() *emergency.Ledger { return &t.s.Emergencies }

func (t sessionTarget) Finding(id string) (*finding.Finding, bool) {
	return t.s.Finding(id)
}

func (t sessionTarget) Suppress(f *finding.Finding, reason string, at time.Time) {
	t.sup.Add(finding.Suppression{Key: f.Key(), Reason: reason, FindingID: f.ID, CreatedAt: at})
}

func (t sessionTarget) PauseForEmergency(at time.Time) error {
	return t.s.PauseForEmergency(at)
}

func (t sessionTarget) ResumeFromEmergency(at time.Time) error {
	return t.s.ResumeFromEmergency(at)
}
