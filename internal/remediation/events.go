package remediation

import (
	"time"

	"github.com/fyrsmithlabs/guardrail/internal/session"
)

// Event is the closed set of inputs that move a Category.
type Event interface {
	target() session.State
}

// Isolate shows the category to the user: PENDING -> ISOLATED.
type Isolate struct{}

// Decide records the user's decision: ISOLATED -> USER_DECIDED.
type Decide struct {
	Decision session.Decision
}

// StartFix begins or skips the fix according to the decision:
// USER_DECIDED -> FIXING or SKIPPED.
type StartFix struct {
	Skip bool

	// Dirty are the files already modified before the fix started.
	Dirty []string

	// Snapshot holds the content of Dirty, restored if the fix fails.
	Snapshot map[string]string
}

// FixApplied reports that the user finished editing: FIXING -> VERIFYING.
type FixApplied struct{}

// VerificationPassed records the files the fix touched:
// VERIFYING -> VERIFIED.
type VerificationPassed struct {
	Touched []string
}

// VerificationFailed records why the fix was rejected:
// VERIFYING -> FAILED.
type VerificationFailed struct {
	Touched []string
	Reason  string
}

// Committed records the commit of the category: VERIFIED -> COMMITTED.
type Committed struct {
	Ref string
}

// Reverted reports that the failed fix was undone: FAILED -> PENDING.
type Reverted struct{}

func (Isolate) target() session.State            { return session.StateIsolated }
func (Decide) target() session.State             { return session.StateUserDecided }
func (FixApplied) target() session.State         { return session.StateVerifying }
func (VerificationPassed) target() session.State { return session.StateVerified }
func (VerificationFailed) target() session.State { return session.StateFailed }
func (Committed) target() session.State          { return session.StateCommitted }
func (Reverted) target() session.State           { return session.StatePending }

func (e StartFix) target() session.State {
	if e.Skip {
		return session.StateSkipped
	}
	return session.StateFixing
}

// apply transitions c and records the event's data on it. The session's
// ordering rules are enforced before anything is recorded.
func apply(s *session.Session, c *session.Category, ev Event, at time.Time) error {
	if err := s.Transition(c, ev.target(), at); err != nil {
		return err
	}

	switch ev := ev.(type) {
	case Isolate:
		c.LastError = ""
	case Decide:
		c.Decision = ev.Decision
	case StartFix:
		if !ev.Skip {
			c.Attempts++
			c.DirtyBefore = ev.Dirty
			c.Snapshot = ev.Snapshot
			c.FilesTouched = nil
		}
	case FixApplied:
	case VerificationPassed:
		c.FilesTouched = ev.Touched
		c.LastError = ""
	case VerificationFailed:
		c.FilesTouched = ev.Touched
		c.LastError = ev.Reason
	case Committed:
		c.CommitRef = ev.Ref
		c.Snapshot = nil
	case Reverted:
		c.FilesTouched = nil
		c.Snapshot = nil
		c.Decision = session.DecisionNone
	}
	return nil
}

func eventName(ev Event) string {
	switch ev.(type) {
	case Isolate:
		return "isolate"
	case Decide:
		return "decide"
	case StartFix:
		return "start_fix"
	case FixApplied:
		return "fix_applied"
	case VerificationPassed:
		return "verification_passed"
	case VerificationFailed:
		return "verification_failed"
	case Committed:
		return "committed"
	case Reverted:
		return "reverted"
	}
	return "unknown"
}
