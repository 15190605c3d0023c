package store

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/guardrail/internal/finding"
	"github.com/fyrsmithlabs/guardrail/internal/session"
)

const rawSecret = "AKIA1234567890ABCDEF"

type backend struct {
	name  string
	store Store
	// expire makes every lease older than ttl lapse.
	expire func(ttl time.Duration)
}

func backends(t *testing.T) []backend {
	t.Helper()

	now := time.Date(2026, 10, 1, 9, 0, 0, 0, time.UTC)
	fs, err := NewFileStore(t.TempDir(), WithFileClock(func() time.Time { return now }))
	require.NoError(t, err)

	mr := miniredis.RunT(t)
	rs, err := NewRedisStore(RedisOptions{URL: fmt.Sprintf("redis://%s", mr.Addr())})
	require.NoError(t, err)
	t.Cleanup(func() { _ = rs.Close() })

	return []backend{
		{name: "file", store: fs, expire: func(ttl time.Duration) { now = now.Add(ttl + time.Second) }},
		{name: "redis", store: rs, expire: func(ttl time.Duration) { mr.FastForward(ttl + time.Second) }},
	}
}

func sampleRecord() *Record {
	at := time.Date(2026, 10, 1, 9, 0, 0, 0, time.UTC)
	s := session.New("sess-1", "acme", "/src/acme", at)

	f := &finding.Finding{
		ID:         "f1",
		Location:   finding.Location{Path: "a.go", Line: 2},
		PatternID:  "swallowed_exception",
		CategoryID: "U_FAIL_FAST",
		Confidence: finding.ConfidenceMedium,
		Severity:   finding.SeverityP1,
		Status:     finding.StatusConfirmedReal,
	}
	f.SetMatch("except: pass")
	s.Categorize([]*finding.Finding{f}, at)
	c := s.Categories[0]
	c.State = session.StateCommitted
	c.Status = session.CategoryFixed
	c.CommitRef = "0123abcd"

	key := &finding.Finding{ID: "k1", Location: finding.Location{Path: "client.py", Line: 1}, PatternID: "aws_key"}
	key.SetMatch(rawSecret)

	rec := NewRecord("acme")
	rec.Session = s
	rec.Findings = []*finding.Finding{key}
	rec.Suppressions.Add(finding.Suppression{Key: finding.Key{Path: "tests/x.py", Line: 1, PatternID: "api_key"}, Reason: "test value"})
	return rec
}

func TestStore_SaveLoad(t *testing.T) {
	ctx := context.Background()
	for _, b := range backends(t) {
		t.Run(b.name, func(t *testing.T) {
			_, err := b.store.Load(ctx, "acme")
			assert.ErrorIs(t, err, ErrNotFound)

			require.NoError(t, b.store.Save(ctx, sampleRecord()))

			got, err := b.store.Load(ctx, "acme")
			require.NoError(t, err)
			require.NotNil(t, got.Session)
			assert.Equal(t, "sess-1", got.Session.ID)
			require.Len(t, got.Session.Categories, 1)
			assert.Equal(t, session.StateCommitted, got.Session.Categories[0].State)
			assert.Equal(t, "0123abcd", got.Session.Categories[0].CommitRef)
			assert.True(t, got.Suppressions.Has(finding.Key{Path: "tests/x.py", Line: 1, PatternID: "api_key"}))

			require.Len(t, got.Findings, 1)
			assert.Empty(t, got.Findings[0].Match, "raw text is never persisted")
			assert.Equal(t, "AKIA********", got.Findings[0].Masked)

			rec := NewRecord("acme")
			require.NoError(t, b.store.Save(ctx, rec))
			got, err = b.store.Load(ctx, "acme")
			require.NoError(t, err)
			assert.Nil(t, got.Session, "save overwrites the whole record")
		})
	}
}

func TestStore_Lease(t *testing.T) {
	ctx := context.Background()
	for _, b := range backends(t) {
		t.Run(b.name, func(t *testing.T) {
			ttl := time.Minute

			lease, err := b.store.Acquire(ctx, "acme", "sess-1", ttl)
			require.NoError(t, err)
			assert.Equal(t, "sess-1", lease.Owner)

			_, err = b.store.Acquire(ctx, "acme", "sess-2", ttl)
			assert.ErrorIs(t, err, ErrLeaseHeld)

			_, err = b.store.Acquire(ctx, "acme", "sess-1", ttl)
			assert.NoError(t, err, "the owner may re-acquire after a restart")

			_, err = b.store.Acquire(ctx, "other", "sess-2", ttl)
			assert.NoError(t, err, "leases are per project")

			assert.ErrorIs(t, b.store.Release(ctx, &Lease{ProjectID: "acme", Owner: "sess-2"}), ErrLeaseLost)
			require.NoError(t, b.store.Release(ctx, lease))
			require.NoError(t, b.store.Release(ctx, lease), "releasing twice is fine")

			_, err = b.store.Acquire(ctx, "acme", "sess-2", ttl)
			require.NoError(t, err)

			b.expire(ttl)
			_, err = b.store.Acquire(ctx, "acme", "sess-3", ttl)
			assert.NoError(t, err, "expired leases can be taken over")
		})
	}
}

func TestResume(t *testing.T) {
	ctx := context.Background()
	for _, b := range backends(t) {
		t.Run(b.name, func(t *testing.T) {
			_, _, err := Resume(ctx, b.store, "acme")
			assert.ErrorIs(t, err, ErrNoActiveSession)

			rec := sampleRecord()
			require.NoError(t, b.store.Save(ctx, rec))

			_, s, err := Resume(ctx, b.store, "acme")
			require.NoError(t, err)
			assert.Equal(t, "sess-1", s.ID)
			assert.Contains(t, s.Findings, "f1")

			rec.Session.Status = session.StatusCompleted
			require.NoError(t, b.store.Save(ctx, rec))
			loaded, s, err := Resume(ctx, b.store, "acme")
			assert.ErrorIs(t, err, ErrNoActiveSession)
			assert.Nil(t, s)
			assert.NotNil(t, loaded, "the record is still returned for its suppressions")
		})
	}
}

func TestLoadOrNew(t *testing.T) {
	st, err := NewFileStore(t.TempDir())
	require.NoError(t, err)

	rec, err := LoadOrNew(context.Background(), st, "fresh")
	require.NoError(t, err)
	assert.Equal(t, "fresh", rec.ProjectID)
	assert.Equal(t, RecordVersion, rec.Version)
}

func TestRecord_Prior(t *testing.T) {
	rec := sampleRecord()
	prior := rec.Prior()
	assert.Len(t, prior, 2)
	assert.Contains(t, prior, finding.Key{Path: "client.py", Line: 1, PatternID: "aws_key"})
}

func TestFileStore_OnDisk(t *testing.T) {
	dir := t.TempDir()
	st, err := NewFileStore(dir)
	require.NoError(t, err)

	require.NoError(t, st.Save(context.Background(), sampleRecord()))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}
	assert.Equal(t, []string{"acme.json"}, names, "no temp files left behind")

	path := filepath.Join(dir, "acme.json")
	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.False(t, strings.Contains(string(data), rawSecret))
	assert.False(t, strings.Contains(string(data), "except: pass"))
}

func TestFileStore_ExpiredLeaseTakeover(t *testing.T) {
	ctx := context.Background()
	ttl := time.Minute

	tests := []struct {
		name    string
		owners  int
		guarded bool
		winners int
	}{
		{name: "one of many racing owners wins", owners: 16, winners: 1},
		{name: "takeover in progress blocks", owners: 1, guarded: true, winners: 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			now := time.Date(2026, 10, 1, 9, 0, 0, 0, time.UTC)
			st, err := NewFileStore(dir, WithFileClock(func() time.Time { return now }))
			require.NoError(t, err)

			_, err = st.Acquire(ctx, "acme", "sess-old", ttl)
			require.NoError(t, err)
			now = now.Add(ttl + time.Second)
			if tt.guarded {
				require.NoError(t, os.WriteFile(filepath.Join(dir, "acme.lock.takeover"), nil, 0o600))
			}

			var (
				mu      sync.Mutex
				wg      sync.WaitGroup
				winners []string
			)
			for i := 0; i < tt.owners; i++ {
				owner := fmt.Sprintf("sess-%d", i)
				wg.Add(1)
				go func() {
					defer wg.Done()
					_, err := st.Acquire(ctx, "acme", owner, ttl)
					if err != nil {
						assert.ErrorIs(t, err, ErrLeaseHeld)
						return
					}
					mu.Lock()
					winners = append(winners, owner)
					mu.Unlock()
				}()
			}
			wg.Wait()
			require.Len(t, winners, tt.winners)

			lf, err := readLock(filepath.Join(dir, "acme.lock"))
			require.NoError(t, err)
			if tt.winners == 1 {
				assert.Equal(t, winners[0], lf.Owner, "the lease on disk belongs to the only winner")
				_, err = os.Stat(filepath.Join(dir, "acme.lock.takeover"))
				assert.ErrorIs(t, err, os.ErrNotExist, "guard removed after takeover")
			} else {
				assert.Equal(t, "sess-old", lf.Owner)
			}
		})
	}
}

func TestFileStore_RejectsUnknownVersion(t *testing.T) {
	dir := t.TempDir()
	st, err := NewFileStore(dir)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "acme.json"), []byte(`{"version": 99, "project_id": "acme"}`), 0o600))

	_, err = st.Load(context.Background(), "acme")
	assert.ErrorIs(t, err, ErrVersion)
}

func TestNewRedisStore_Unreachable(t *testing.T) {
	_, err := NewRedisStore(RedisOptions{URL: "redis://127.0.0.1:1", ConnectTimeout: 200 * time.Millisecond})
	assert.Error(t, err)
}
