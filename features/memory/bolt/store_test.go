package bolt

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/arvoworks/arvo-go/runtime/memory"
)

func newTestStore(t *testing.T, ttl time.Duration) *Store {
	t.Helper()
	store, err := NewStore(Options{
		Path:    filepath.Join(t.TempDir(), "arvo.db"),
		LockTTL: ttl,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestReadMissingReturnsNil(t *testing.T) {
	store := newTestStore(t, 0)
	rec, err := store.Read(context.Background(), "subject")
	require.NoError(t, err)
	require.Nil(t, rec)
}

func TestWriteThenRead(t *testing.T) {
	store := newTestStore(t, 0)
	ctx := context.Background()
	rec := &memory.Record{
		InitEventID: "evt-1",
		Subject:     "subject",
		Status:      memory.StatusDone,
	}
	require.NoError(t, store.Write(ctx, "subject", rec, nil))
	got, err := store.Read(ctx, "subject")
	require.NoError(t, err)
	require.Equal(t, rec, got)
}

func TestRecordSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "arvo.db")
	ctx := context.Background()

	store, err := NewStore(Options{Path: path})
	require.NoError(t, err)
	require.NoError(t, store.Write(ctx, "subject", &memory.Record{Subject: "subject", Status: memory.StatusActive}, nil))
	require.NoError(t, store.Close())

	reopened, err := NewStore(Options{Path: path})
	require.NoError(t, err)
	defer reopened.Close()
	got, err := reopened.Read(ctx, "subject")
	require.NoError(t, err)
	require.NotNil(t, got)
	require.Equal(t, memory.StatusActive, got.Status)
}

func TestLockContentionAcrossOwners(t *testing.T) {
	store := newTestStore(t, time.Minute)
	ctx := context.Background()

	ok, err := store.Lock(ctx, "subject")
	require.NoError(t, err)
	require.True(t, ok)

	// A second owner against the same database file.
	other := &Store{db: store.db, lockTTL: store.lockTTL, owner: "other-owner", now: time.Now}
	ok, err = other.Lock(ctx, "subject")
	require.NoError(t, err)
	require.False(t, ok)

	released, err := other.Unlock(ctx, "subject")
	require.NoError(t, err)
	require.False(t, released, "only the owner may release")

	released, err = store.Unlock(ctx, "subject")
	require.NoError(t, err)
	require.True(t, released)

	ok, err = other.Lock(ctx, "subject")
	require.NoError(t, err)
	require.True(t, ok)
}

func TestLeaseExpiry(t *testing.T) {
	store := newTestStore(t, time.Second)
	ctx := context.Background()
	now := time.Now()
	store.SetClock(func() time.Time { return now })

	ok, err := store.Lock(ctx, "subject")
	require.NoError(t, err)
	require.True(t, ok)

	other := &Store{db: store.db, lockTTL: time.Second, owner: "other-owner", now: func() time.Time { return now }}
	ok, err = other.Lock(ctx, "subject")
	require.NoError(t, err)
	require.False(t, ok)

	now = now.Add(2 * time.Second)
	ok, err = other.Lock(ctx, "subject")
	require.NoError(t, err)
	require.True(t, ok, "expired lease must be reacquirable")

	released, err := store.Unlock(ctx, "subject")
	require.NoError(t, err)
	require.False(t, released, "original owner lost the lease")
}
