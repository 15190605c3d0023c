package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/guardrail/internal/sanitize"
)

// FileStore keeps each record in <dir>/<project>.json and the lease in
// <dir>/<project>.lock.
type FileStore struct {
	dir    string
	now    func() time.Time
	logger *zap.Logger
}

// FileOption configures a FileStore.
type FileOption func(*FileStore)

// WithFileClock overrides time.Now for lease expiry.
func WithFileClock(now func() time.Time) FileOption {
	return func(s *FileStore) { s.now = now }
}

// WithFileLogger sets the logger.
func WithFileLogger(l *zap.Logger) FileOption {
	return func(s *FileStore) { s.logger = l }
}

// NewFileStore creates dir with 0700 permissions if needed.
func NewFileStore(dir string, opts ...FileOption) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create store directory: %w", err)
	}
	s := &FileStore{dir: dir, now: time.Now, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

func (s *FileStore) recordPath(projectID string) string {
	return filepath.Join(s.dir, sanitize.Identifier(projectID)+".json")
}

func (s *FileStore) lockPath(projectID string) string {
	return filepath.Join(s.dir, sanitize.Identifier(projectID)+".lock")
}

// Load implements Store.
func (s *FileStore) Load(ctx context.Context, projectID string) (*Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(s.recordPath(projectID))
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read record: %w", err)
	}

	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("failed to decode record for %s: %w", projectID, err)
	}
	if err := checkVersion(&rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

// Save implements Store. The record is written to a temp file, synced and
// renamed over the previous one, so readers see the old or the new record.
func (s *FileStore) Save(ctx context.Context, rec *Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	rec.Version = RecordVersion
	rec.UpdatedAt = s.now()

	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode record: %w", err)
	}
	if err := s.writeAtomic(s.recordPath(rec.ProjectID), data); err != nil {
		return fmt.Errorf("failed to save record for %s: %w", rec.ProjectID, err)
	}
	s.logger.Debug("record saved", zap.String("project.id", rec.ProjectID), zap.Int("bytes", len(data)))
	return nil
}

type lockFile struct {
	Owner     string    `json:"owner"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Acquire implements Store.
func (s *FileStore) Acquire(ctx context.Context, projectID, owner string, ttl time.Duration) (*Lease, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	lease := &Lease{ProjectID: projectID, Owner: owner, ExpiresAt: s.now().Add(leaseTTL(ttl))}
	data, err := json.Marshal(lockFile{Owner: owner, ExpiresAt: lease.ExpiresAt})
	if err != nil {
		return nil, fmt.Errorf("failed to encode lease: %w", err)
	}
	path := s.lockPath(projectID)

	err = createExclusive(path, data)
	if err == nil {
		return lease, nil
	}
	if !errors.Is(err, os.ErrExist) {
		return nil, err
	}

	current, err := readLock(path)
	if err != nil {
		return nil, err
	}
	if current.Owner == owner {
		if err := s.writeAtomic(path, data); err != nil {
			return nil, fmt.Errorf("failed to refresh lease: %w", err)
		}
		return lease, nil
	}
	if s.now().Before(current.ExpiresAt) {
		return nil, heldErr(current)
	}
	if err := s.takeOver(path, current, data); err != nil {
		return nil, err
	}
	s.logger.Info("took over expired lease", zap.String("project.id", projectID), zap.String("previous_owner", current.Owner))
	return lease, nil
}

// takeoverGuardTTL bounds how long a guard left by a crashed process
// blocks takeovers. It is measured against the file's mtime.
const takeoverGuardTTL = 30 * time.Second

// takeOver replaces an expired lease. Only the process that creates the
// guard file may write, and it re-reads the lease first so a takeover that
// finished in between is not overwritten.
func (s *FileStore) takeOver(path string, seen *lockFile, data []byte) error {
	guard := path + ".takeover"
	g, err := os.OpenFile(guard, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
	if errors.Is(err, os.ErrExist) {
		info, serr := os.Stat(guard)
		if serr != nil || time.Since(info.ModTime()) < takeoverGuardTTL {
			return fmt.Errorf("%w: takeover in progress", ErrLeaseHeld)
		}
		s.logger.Warn("removing stale takeover guard", zap.String("path", guard))
		_ = os.Remove(guard)
		g, err = os.OpenFile(guard, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
		if errors.Is(err, os.ErrExist) {
			return fmt.Errorf("%w: takeover in progress", ErrLeaseHeld)
		}
	}
	if err != nil {
		return fmt.Errorf("failed to create takeover guard: %w", err)
	}
	_ = g.Close()
	defer func() { _ = os.Remove(guard) }()

	current, err := readLock(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		// Released meanwhile.
		if err := createExclusive(path, data); err != nil {
			if errors.Is(err, os.ErrExist) {
				return fmt.Errorf("%w: acquired during takeover", ErrLeaseHeld)
			}
			return err
		}
		return nil
	case err != nil:
		return err
	case current.Owner != seen.Owner || !current.ExpiresAt.Equal(seen.ExpiresAt):
		return heldErr(current)
	}
	if err := s.writeAtomic(path, data); err != nil {
		return fmt.Errorf("failed to take over lease: %w", err)
	}
	return nil
}

// createExclusive writes data to path only if path does not exist. The
// returned error wraps os.ErrExist when another holder got there first.
func createExclusive(path string, data []byte) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
	if err != nil {
		if errors.Is(err, os.ErrExist) {
			return err
		}
		return fmt.Errorf("failed to create lease: %w", err)
	}
	_, werr := f.Write(data)
	cerr := f.Close()
	if err := errors.Join(werr, cerr); err != nil {
		_ = os.Remove(path)
		return fmt.Errorf("failed to write lease: %w", err)
	}
	return nil
}

func heldErr(lf *lockFile) error {
	return fmt.Errorf("%w: held by %s until %s", ErrLeaseHeld, lf.Owner, lf.ExpiresAt.Format(time.RFC3339))
}

// Release implements Store.
func (s *FileStore) Release(ctx context.Context, lease *Lease) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	path := s.lockPath(lease.ProjectID)
	current, err := readLock(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	if current.Owner != lease.Owner {
		if s.now().After(current.ExpiresAt) {
			return nil
		}
		return fmt.Errorf("%w: held by %s", ErrLeaseLost, current.Owner)
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to release lease: %w", err)
	}
	return nil
}

// Close implements Store.
func (s *FileStore) Close() error { return nil }

func readLock(path string) (*lockFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to read lease: %w", err)
	}
	var lf lockFile
	if err := json.Unmarshal(data, &lf); err != nil {
		return nil, fmt.Errorf("failed to decode lease %s: %w", path, err)
	}
	return &lf, nil
}

func (s *FileStore) writeAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(s.dir, "."+filepath.Base(path)+"-*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	cleanup := func() { _ = os.Remove(tmpName) }

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		cleanup()
		return err
	}
	if err := tmp.Chmod(0o600); err != nil {
		_ = tmp.Close()
		cleanup()
		return err
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		cleanup()
		return err
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		cleanup()
		return err
	}

	dir, err := os.Open(s.dir)
	if err != nil {
		return nil
	}
	defer dir.Close()
	_ = dir.Sync()
	return nil
}
