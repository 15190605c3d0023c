// Package emergency implements the P0 interrupt workflow.
//
// A P0 finding opens an Emergency that pauses the remediation session until
// the user has revoked and removed the credential and a scoped re-scan no
// longer matches it. Only one Emergency is active at a time; further P0
// findings wait in a FIFO queue.
//
//	IDLE -> DETECTED -> AWAITING_USER -> REMEDIATING -> VERIFYING -> RESOLVED -> IDLE
//	                                          ^              |
//	                                          +--- match ----+
package emergency

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/fyrsmithlabs/guardrail/internal/finding"
)

// State is the controller state of an Emergency.
type State string

// Emergency states.
const (
	StateIdle         State = "IDLE"
	StateDetected     State = "DETECTED"
	StateAwaitingUser State = "AWAITING_USER"
	StateRemediating  State = "REMEDIATING"
	StateVerifying    State = "VERIFYING"
	StateResolved     State = "RESOLVED"
)

// Resolution is the outcome of an Emergency.
type Resolution string

// Resolutions.
const (
	ResolutionOpen          Resolution = "open"
	ResolutionResolved      Resolution = "resolved"
	ResolutionFalsePositive Resolution = "false_positive"
)

// Action kinds recorded in the actions-taken log.
const (
	ActionState       = "state"
	ActionQueued      = "queued"
	ActionAttempt     = "verify_attempt"
	ActionAbandon     = "abandoned"
	ActionVerifyError = "verify_error"
)

// Action is one timestamped entry of the actions-taken log.
type Action struct {
	At    time.Time `json:"at"`
	Kind  string    `json:"kind"`
	State State     `json:"state,omitempty"`
	Note  string    `json:"note,omitempty"`
}

// Emergency is the record of one P0 interrupt. It holds only the masked
// form of the matched text.
type Emergency struct {
	ID         string           `json:"id"`
	FindingID  string           `json:"finding_id"`
	PatternID  string           `json:"pattern_id"`
	Location   finding.Location `json:"location"`
	Masked     string           `json:"masked"`
	DetectedAt time.Time        `json:"detected_at"`
	State      State            `json:"state"`
	Resolution Resolution       `json:"resolution"`
	Attempts   int              `json:"attempts"`
	Actions    []Action         `json:"actions"`
	ResolvedAt *time.Time       `json:"resolved_at,omitempty"`

	// digest is the SHA-256 of the raw match. It is kept in memory only and
	// is empty for an Emergency loaded from the store.
	digest string
}

// matches reports whether f is the credential that raised e. With a digest
// the raw text must be the same, on any line of the file. Without one the
// pattern, line and masked preview must all agree.
func (e *Emergency) matches(f *finding.Finding) bool {
	if f.PatternID != e.PatternID || f.Location.Path != e.Location.Path {
		return false
	}
	if e.digest != "" && f.Match != "" {
		return digestOf(f.Match) == e.digest
	}
	return f.Location.Line == e.Location.Line && f.Masked == e.Masked
}

func digestOf(match string) string {
	if match == "" {
		return ""
	}
	sum := sha256.Sum256([]byte(match))
	return hex.EncodeToString(sum[:])
}

// Open reports whether the Emergency still needs work.
func (e *Emergency) Open() bool {
	return e.Resolution == ResolutionOpen
}

func (e *Emergency) record(at time.Time, kind, note string) {
	e.Actions = append(e.Actions, Action{At: at, Kind: kind, Note: note})
}

func (e *Emergency) enter(to State, at time.Time, note string) {
	e.State = to
	e.Actions = append(e.Actions, Action{At: at, Kind: ActionState, State: to, Note: note})
}

func (e *Emergency) close(res Resolution, at time.Time) {
	e.Resolution = res
	resolvedAt := at
	e.ResolvedAt = &resolvedAt
}

// Ledger is the emergency log of a session: every Emergency ever opened,
// the FIFO of queued ones and the active one.
type Ledger struct {
	Entries  []*Emergency `json:"entries"`
	Queue    []string     `json:"queue"`
	ActiveID string       `json:"active_id,omitempty"`
}

// Lookup returns the Emergency with id.
func (l *Ledger) Lookup(id string) *Emergency {
	for _, e := range l.Entries {
		if e.ID == id {
			return e
		}
	}
	return nil
}

// Active returns the Emergency being worked on, or nil.
func (l *Ledger) Active() *Emergency {
	if l.ActiveID == "" {
		return nil
	}
	return l.Lookup(l.ActiveID)
}

// State returns the controller state: the active Emergency's state, or
// IDLE when none is active.
func (l *Ledger) State() State {
	if e := l.Active(); e != nil {
		return e.State
	}
	return StateIdle
}

// Unresolved reports whether any Emergency is active or queued.
func (l *Ledger) Unresolved() bool {
	return l.Active() != nil || len(l.Queue) > 0
}

// ForFinding returns the open Emergency raised for findingID, or nil.
func (l *Ledger) ForFinding(findingID string) *Emergency {
	for _, e := range l.Entries {
		if e.FindingID == findingID && e.Open() {
			return e
		}
	}
	return nil
}

// Open returns every open Emergency in detection order.
func (l *Ledger) Open() []*Emergency {
	var out []*Emergency
	for _, e := range l.Entries {
		if e.Open() {
			out = append(out, e)
		}
	}
	return out
}

func (l *Ledger) promote() *Emergency {
	for len(l.Queue) > 0 {
		id := l.Queue[0]
		l.Queue = l.Queue[1:]
		if e := l.Lookup(id); e != nil && e.Open() {
			l.ActiveID = id
			return e
		}
	}
	return nil
}

// ErrInvalidEvent is returned when an event does not apply to the current
// state.
var ErrInvalidEvent = errors.New("event not valid in current emergency state")

// ErrUnresolved matches every *UnresolvedError.
var ErrUnresolved = errors.New("emergency unresolved")

// UnresolvedError reports an Emergency left open. The session stays paused
// until it is resolved or marked false positive.
type UnresolvedError struct {
	EmergencyID string
	FindingID   string
	Location    finding.Location
	Attempts    int
	Reason      string
}

func (e *UnresolvedError) Error() string {
	return fmt.Sprintf("emergency %s for finding %s at %s unresolved after %d attempt(s): %s",
		e.EmergencyID, e.FindingID, e.Location, e.Attempts, e.Reason)
}

// Is makes errors.Is(err, ErrUnresolved) match.
func (e *UnresolvedError) Is(target error) bool {
	return target == ErrUnresolved
}

func unresolved(e *Emergency, reason string) *UnresolvedError {
	return &UnresolvedError{
		EmergencyID: e.ID,
		FindingID:   e.FindingID,
		Location:    e.Location,
		Attempts:    e.Attempts,
		Reason:      reason,
	}
}
