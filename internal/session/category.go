package session

import (
	"slices"
	"strings"
	"time"

	"github.com/fyrsmithlabs/guardrail/internal/finding"
)

// State is the workflow state of a Category.
type State string

// Category workflow states.
const (
	StatePending     State = "PENDING"
	StateIsolated    State = "ISOLATED"
	StateUserDecided State = "USER_DECIDED"
	StateFixing      State = "FIXING"
	StateVerifying   State = "VERIFYING"
	StateVerified    State = "VERIFIED"
	StateCommitted   State = "COMMITTED"
	StateSkipped     State = "SKIPPED"
	StateFailed      State = "FAILED"
)

var categoryTransitions = map[State][]State{
	StatePending:     {StateIsolated},
	StateIsolated:    {StateUserDecided},
	StateUserDecided: {StateFixing, StateSkipped},
	StateFixing:      {StateVerifying},
	StateVerifying:   {StateVerified, StateFailed},
	StateVerified:    {StateCommitted},
	StateFailed:      {StatePending},
}

// Valid reports whether s is a known state.
func (s State) Valid() bool {
	_, ok := categoryTransitions[s]
	return ok || s.Terminal()
}

// Terminal reports whether s is COMMITTED or SKIPPED.
func (s State) Terminal() bool {
	return s == StateCommitted || s == StateSkipped
}

// CanTransition reports whether s -> to is allowed.
func (s State) CanTransition(to State) bool {
	return slices.Contains(categoryTransitions[s], to)
}

// CategoryStatus is the coarse status reported for a Category.
type CategoryStatus string

// Category statuses.
const (
	CategoryPending   CategoryStatus = "pending"
	CategoryFixing    CategoryStatus = "fixing"
	CategoryVerifying CategoryStatus = "verifying"
	CategoryFixed     CategoryStatus = "fixed"
	CategorySkipped   CategoryStatus = "skipped"
	CategoryFailed    CategoryStatus = "failed"
)

// StatusOf maps a workflow state to its coarse status.
func StatusOf(s State) CategoryStatus {
	switch s {
	case StateFixing:
		return CategoryFixing
	case StateVerifying, StateVerified:
		return CategoryVerifying
	case StateCommitted:
		return CategoryFixed
	case StateSkipped:
		return CategorySkipped
	case StateFailed:
		return CategoryFailed
	default:
		return CategoryPending
	}
}

// Decision is the user's answer in USER_DECIDED.
type Decision string

// Decisions.
const (
	DecisionNone Decision = ""
	DecisionFix  Decision = "fix"
	DecisionSkip Decision = "skip"
)

// Category is a group of findings fixed and committed as one unit.
type Category struct {
	ID           string         `json:"id"`
	FindingIDs   []string       `json:"finding_ids"`
	Status       CategoryStatus `json:"status"`
	State        State          `json:"state"`
	Decision     Decision       `json:"decision,omitempty"`
	CommitRef    string         `json:"commit_ref,omitempty"`
	FilesTouched []string       `json:"files_touched,omitempty"`
	DirtyBefore  []string       `json:"dirty_before,omitempty"`
	Attempts     int            `json:"attempts"`
	LastError    string         `json:"last_error,omitempty"`
	UpdatedAt    time.Time      `json:"updated_at"`

	// Snapshot maps each file dirty before the fix to the git blob holding
	// its content at that moment. An empty hash means the file was absent.
	Snapshot map[string]string `json:"snapshot,omitempty"`
}

// InProgress reports whether the category has left PENDING and is not
// terminal.
func (c *Category) InProgress() bool {
	return c.State != StatePending && !c.State.Terminal()
}

func (c *Category) setState(to State, at time.Time) {
	c.State = to
	c.Status = StatusOf(to)
	c.UpdatedAt = at
}

// Categorize groups findings that need remediation (confirmed real, not P0)
// into categories appended to the session. Findings already in a category
// are left where they are; new findings of an existing PENDING category join
// it. Categories are ordered by their most severe finding, then by where
// their first finding sits in the corpus, then by id; findings within a
// category by location.
func (s *Session) Categorize(findings []*finding.Finding, at time.Time) []*Category {
	assigned := make(map[string]bool)
	for _, c := range s.Categories {
		for _, id := range c.FindingIDs {
			assigned[id] = true
		}
	}

	groups := make(map[string][]*finding.Finding)
	for _, f := range findings {
		if f.Status != finding.StatusConfirmedReal || f.Severity == finding.SeverityP0 || assigned[f.ID] {
			continue
		}
		s.AddFinding(f)
		groups[f.CategoryID] = append(groups[f.CategoryID], f)
	}

	added := make([]*Category, 0, len(groups))
	worst := make(map[string]int, len(groups))
	for id, fs := range groups {
		slices.SortFunc(fs, finding.Compare)
		if existing, ok := s.Category(id); ok {
			// started categories do not grow; their new findings stay residual
			if existing.State == StatePending {
				for _, f := range fs {
					existing.FindingIDs = append(existing.FindingIDs, f.ID)
				}
			}
			continue
		}
		c := &Category{ID: id, State: StatePending, Status: CategoryPending, UpdatedAt: at}
		rank := finding.SeverityNone.Rank()
		for _, f := range fs {
			c.FindingIDs = append(c.FindingIDs, f.ID)
			rank = min(rank, f.Severity.Rank())
		}
		worst[id] = rank
		added = append(added, c)
	}
	slices.SortFunc(added, func(a, b *Category) int {
		if worst[a.ID] != worst[b.ID] {
			return worst[a.ID] - worst[b.ID]
		}
		if c := finding.Compare(groups[a.ID][0], groups[b.ID][0]); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})

	s.Categories = append(s.Categories, added...)
	if len(added) > 0 {
		s.UpdatedAt = at
	}
	return added
}
