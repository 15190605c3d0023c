// Package store persists one record per project: the remediation session,
// suppression annotations and the last audit's findings.
//
// Saves replace the whole record atomically. Write access to a project is
// guarded by an exclusive lease held by the session id.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/fyrsmithlabs/guardrail/internal/finding"
	"github.com/fyrsmithlabs/guardrail/internal/session"
)

// RecordVersion is the layout version written by this package.
const RecordVersion = 1

// DefaultLeaseTTL is used when Acquire is called with a non-positive ttl.
const DefaultLeaseTTL = time.Hour

// Errors returned by stores.
var (
	ErrNotFound        = errors.New("no record for project")
	ErrNoActiveSession = errors.New("no active session")
	ErrLeaseHeld       = errors.New("project is leased by another session")
	ErrLeaseLost       = errors.New("lease is not held by this owner")
	ErrVersion         = errors.New("unsupported record version")
)

// Record is the durable state of one project. Findings carry only their
// masked text.
type Record struct {
	Version      int                  `json:"version"`
	ProjectID    string               `json:"project_id"`
	Session      *session.Session     `json:"session,omitempty"`
	Suppressions finding.Suppressions `json:"suppressions"`
	Findings     []*finding.Finding   `json:"findings,omitempty"`
	UpdatedAt    time.Time            `json:"updated_at"`
}

// NewRecord returns an empty record for projectID.
func NewRecord(projectID string) *Record {
	return &Record{Version: RecordVersion, ProjectID: projectID}
}

// Active returns the session when it is active or paused.
func (r *Record) Active() *session.Session {
	if r.Session == nil || r.Session.Status.Terminal() {
		return nil
	}
	return r.Session
}

// Prior indexes every known finding so re-scans reuse their ids. Session
// findings take precedence over audit findings.
func (r *Record) Prior() finding.Index {
	idx := finding.NewIndex(r.Findings...)
	if r.Session != nil {
		for k, f := range r.Session.Index() {
			idx[k] = f
		}
	}
	return idx
}

// Lease is exclusive write access to a project record.
type Lease struct {
	ProjectID string    `json:"project_id"`
	Owner     string    `json:"owner"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Store is a durable record store.
type Store interface {
	// Load returns the latest record or ErrNotFound.
	Load(ctx context.Context, projectID string) (*Record, error)

	// Save atomically replaces the record of rec.ProjectID.
	Save(ctx context.Context, rec *Record) error

	// Acquire takes or refreshes the project lease for owner. It fails with
	// ErrLeaseHeld while another owner holds an unexpired lease.
	Acquire(ctx context.Context, projectID, owner string, ttl time.Duration) (*Lease, error)

	// Release gives up a lease. Releasing an expired lease is not an error.
	Release(ctx context.Context, lease *Lease) error

	Close() error
}

// LoadOrNew returns the stored record or a fresh one.
func LoadOrNew(ctx context.Context, st Store, projectID string) (*Record, error) {
	rec, err := st.Load(ctx, projectID)
	if errors.Is(err, ErrNotFound) {
		return NewRecord(projectID), nil
	}
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// Resume loads the record and returns its active session, validated.
// It returns ErrNoActiveSession when there is none.
func Resume(ctx context.Context, st Store, projectID string) (*Record, *session.Session, error) {
	rec, err := st.Load(ctx, projectID)
	if errors.Is(err, ErrNotFound) {
		return nil, nil, fmt.Errorf("%w for project %s", ErrNoActiveSession, projectID)
	}
	if err != nil {
		return nil, nil, err
	}
	s := rec.Active()
	if s == nil {
		return rec, nil, fmt.Errorf("%w for project %s", ErrNoActiveSession, projectID)
	}
	if err := s.Validate(); err != nil {
		return rec, nil, fmt.Errorf("failed to resume session %s: %w", s.ID, err)
	}
	return rec, s, nil
}

func checkVersion(rec *Record) error {
	if rec.Version != RecordVersion {
		return fmt.Errorf("%w: %d", ErrVersion, rec.Version)
	}
	return nil
}

func leaseTTL(ttl time.Duration) time.Duration {
	if ttl <= 0 {
		return DefaultLeaseTTL
	}
	return ttl
}
