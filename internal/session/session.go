// Package session holds the remediation Session: its Categories, the
// Findings it owns and its emergency ledger.
//
// The Session is plain data that serializes as the durable record. All
// category transitions go through Session.Transition, which enforces the
// ordering rules:
//   - no category moves while the session is paused_emergency
//   - at most one category is in progress (out of PENDING and not terminal)
package session

import (
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/fyrsmithlabs/guardrail/internal/emergency"
	"github.com/fyrsmithlabs/guardrail/internal/finding"
)

// Status is the overall session status.
type Status string

// Session statuses.
const (
	StatusActive          Status = "active"
	StatusPausedEmergency Status = "paused_emergency"
	StatusCompleted       Status = "completed"
	StatusAbandoned       Status = "abandoned"
)

// Terminal reports whether the status ends the session.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusAbandoned
}

// Errors returned by session operations.
var (
	ErrPaused             = errors.New("session is paused for an emergency")
	ErrClosed             = errors.New("session is closed")
	ErrInvalidTransition  = errors.New("invalid category transition")
	ErrCategoryInProgress = errors.New("another category is in progress")
	ErrUnknownCategory    = errors.New("unknown category")
	ErrCorrupt            = errors.New("session record is inconsistent")
)

// Checkpoint is where the session was when an emergency paused it.
type Checkpoint struct {
	CategoryID string    `json:"category_id,omitempty"`
	State      State     `json:"state,omitempty"`
	At         time.Time `json:"at"`
}

// Session is one remediation run for a project.
type Session struct {
	ID         string                      `json:"id"`
	ProjectID  string                      `json:"project_id"`
	Root       string                      `json:"root"`
	Branch     string                      `json:"branch,omitempty"`
	Status     Status                      `json:"status"`
	CreatedAt  time.Time                   `json:"created_at"`
	UpdatedAt  time.Time                   `json:"updated_at"`
	Categories []*Category                 `json:"categories"`
	Findings   map[string]*finding.Finding `json:"findings"`

	Emergencies emergency.Ledger `json:"emergencies"`
	PausedAt    *Checkpoint      `json:"paused_at,omitempty"`
}

// New creates an active session.
func New(id, projectID, root string, at time.Time) *Session {
	return &Session{
		ID:        id,
		ProjectID: projectID,
		Root:      root,
		Status:    StatusActive,
		CreatedAt: at,
		UpdatedAt: at,
		Findings:  make(map[string]*finding.Finding),
	}
}

// AddFinding makes the session the owner of f.
func (s *Session) AddFinding(f *finding.Finding) {
	if s.Findings == nil {
		s.Findings = make(map[string]*finding.Finding)
	}
	s.Findings[f.ID] = f
}

// Finding returns the owned finding with id.
func (s *Session) Finding(id string) (*finding.Finding, bool) {
	f, ok := s.Findings[id]
	return f, ok
}

// Index returns the owned findings keyed for detector reuse.
func (s *Session) Index() finding.Index {
	idx := make(finding.Index, len(s.Findings))
	for _, f := range s.Findings {
		idx[f.Key()] = f
	}
	return idx
}

// Category returns the category with id.
func (s *Session) Category(id string) (*Category, bool) {
	for _, c := range s.Categories {
		if c.ID == id {
			return c, true
		}
	}
	return nil, false
}

// InProgress returns the category that is out of PENDING and not yet
// terminal, or nil.
func (s *Session) InProgress() *Category {
	for _, c := range s.Categories {
		if c.InProgress() {
			return c
		}
	}
	return nil
}

// Next returns the category to work on: the one in progress, otherwise the
// first PENDING one. It returns nil when every category is terminal.
func (s *Session) Next() *Category {
	if c := s.InProgress(); c != nil {
		return c
	}
	for _, c := range s.Categories {
		if c.State == StatePending {
			return c
		}
	}
	return nil
}

// AllTerminal reports whether every category is COMMITTED or SKIPPED.
func (s *Session) AllTerminal() bool {
	for _, c := range s.Categories {
		if !c.State.Terminal() {
			return false
		}
	}
	return true
}

// Residual returns owned findings still confirmed real, in location order.
func (s *Session) Residual() []*finding.Finding {
	var out []*finding.Finding
	for _, f := range s.Findings {
		if f.IsOpen() {
			out = append(out, f)
		}
	}
	slices.SortFunc(out, finding.Compare)
	return out
}

// CategoryFindings returns the owned findings of c in category order.
func (s *Session) CategoryFindings(c *Category) []*finding.Finding {
	out := make([]*finding.Finding, 0, len(c.FindingIDs))
	for _, id := range c.FindingIDs {
		if f, ok := s.Findings[id]; ok {
			out = append(out, f)
		}
	}
	return out
}

// Transition moves category c to state to.
func (s *Session) Transition(c *Category, to State, at time.Time) error {
	switch {
	case s.Status == StatusPausedEmergency:
		return fmt.Errorf("%w: category %s stays %s", ErrPaused, c.ID, c.State)
	case s.Status.Terminal():
		return fmt.Errorf("%w: status %s", ErrClosed, s.Status)
	}
	if !c.State.CanTransition(to) {
		return fmt.Errorf("%w: %s %s -> %s", ErrInvalidTransition, c.ID, c.State, to)
	}
	if c.State == StatePending {
		if other := s.InProgress(); other != nil && other != c {
			return fmt.Errorf("%w: %s is %s", ErrCategoryInProgress, other.ID, other.State)
		}
	}

	c.setState(to, at)
	s.UpdatedAt = at
	return nil
}

// PauseForEmergency moves the session to paused_emergency and records the
// checkpoint it will resume from. Pausing a paused session is a no-op.
func (s *Session) PauseForEmergency(at time.Time) error {
	switch s.Status {
	case StatusPausedEmergency:
		return nil
	case StatusActive:
	default:
		return fmt.Errorf("%w: status %s", ErrClosed, s.Status)
	}

	cp := &Checkpoint{At: at}
	if c := s.Next(); c != nil {
		cp.CategoryID = c.ID
		cp.State = c.State
	}
	s.PausedAt = cp
	s.Status = StatusPausedEmergency
	s.UpdatedAt = at
	return nil
}

// ResumeFromEmergency returns a paused session to active. Categories were
// not moved while paused, so work continues at the checkpoint.
func (s *Session) ResumeFromEmergency(at time.Time) error {
	if s.Status != StatusPausedEmergency {
		return nil
	}
	if s.Emergencies.Unresolved() {
		return fmt.Errorf("%w: emergencies still open", ErrPaused)
	}
	s.Status = StatusActive
	s.PausedAt = nil
	s.UpdatedAt = at
	return nil
}

// Complete marks the session completed.
func (s *Session) Complete(at time.Time) error {
	if s.Status != StatusActive {
		return fmt.Errorf("cannot complete session in status %s", s.Status)
	}
	s.Status = StatusCompleted
	s.UpdatedAt = at
	return nil
}

// Abandon marks the session abandoned. A session with an open emergency
// cannot be abandoned.
func (s *Session) Abandon(at time.Time) error {
	if s.Status.Terminal() {
		return fmt.Errorf("%w: status %s", ErrClosed, s.Status)
	}
	if s.Emergencies.Unresolved() {
		return fmt.Errorf("%w: resolve or mark the open emergency false positive first", ErrPaused)
	}
	s.Status = StatusAbandoned
	s.UpdatedAt = at
	return nil
}

// Validate checks invariants of a loaded session.
func (s *Session) Validate() error {
	inProgress := 0
	for _, c := range s.Categories {
		if !c.State.Valid() {
			return fmt.Errorf("%w: category %s has state %q", ErrCorrupt, c.ID, c.State)
		}
		if c.InProgress() {
			inProgress++
		}
		if c.State == StateCommitted && c.CommitRef == "" {
			return fmt.Errorf("%w: category %s committed without commit ref", ErrCorrupt, c.ID)
		}
		for _, id := range c.FindingIDs {
			if _, ok := s.Findings[id]; !ok {
				return fmt.Errorf("%w: category %s references unknown finding %s", ErrCorrupt, c.ID, id)
			}
		}
	}
	if inProgress > 1 {
		return fmt.Errorf("%w: %d categories in progress", ErrCorrupt, inProgress)
	}
	if s.Status == StatusPausedEmergency && !s.Emergencies.Unresolved() && s.PausedAt == nil {
		return fmt.Errorf("%w: paused without checkpoint or emergency", ErrCorrupt)
	}
	return nil
}
