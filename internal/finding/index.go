package finding

import (
	"slices"
	"time"
)

// Index maps cross-scan keys to known findings so re-scans reuse ids.
type Index map[Key]*Finding

// NewIndex builds an index from findings.
func NewIndex(findings ...*Finding) Index {
	idx := make(Index, len(findings))
	for _, f := range findings {
		idx[f.Key()] = f
	}
	return idx
}

// Sorted returns the indexed findings in location order.
func (idx Index) Sorted() []*Finding {
	out := make([]*Finding, 0, len(idx))
	for _, f := range idx {
		out = append(out, f)
	}
	slices.SortFunc(out, Compare)
	return out
}

// Suppression is a recorded "this location is a test value" decision.
type Suppression struct {
	Key       Key       `json:"key"`
	Reason    string    `json:"reason"`
	FindingID string    `json:"finding_id,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Suppressions holds annotations that make future scans skip a location
// without asking the user again.
type Suppressions struct {
	Entries []Suppression `json:"entries"`

	index map[Key]int
}

// Has reports whether key is suppressed.
func (s *Suppressions) Has(key Key) bool {
	if s == nil {
		return false
	}
	s.reindex()
	_, ok := s.index[key]
	return ok
}

// Add records a suppression. Adding an existing key is a no-op.
func (s *Suppressions) Add(entry Suppression) bool {
	s.reindex()
	if _, ok := s.index[entry.Key]; ok {
		return false
	}
	s.Entries = append(s.Entries, entry)
	s.index[entry.Key] = len(s.Entries) - 1
	return true
}

// Len returns the number of annotations.
func (s *Suppressions) Len() int {
	if s == nil {
		return 0
	}
	return len(s.Entries)
}

func (s *Suppressions) reindex() {
	if s.index != nil && len(s.index) == len(s.Entries) {
		return
	}
	s.index = make(map[Key]int, len(s.Entries))
	for i, e := range s.Entries {
		s.index[e.Key] = i
	}
}
