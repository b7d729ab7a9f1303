package redis

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/arvoworks/arvo-go/runtime/memory"
)

func newTestStore(t *testing.T, ttl time.Duration) (*Store, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	store, err := NewStore(Options{Client: client, LockTTL: ttl})
	require.NoError(t, err)
	return store, mr
}

func TestReadMissingReturnsNil(t *testing.T) {
	store, _ := newTestStore(t, 0)
	rec, err := store.Read(context.Background(), "subject")
	require.NoError(t, err)
	require.Nil(t, rec)
}

func TestWriteThenRead(t *testing.T) {
	store, _ := newTestStore(t, 0)
	ctx := context.Background()
	rec := &memory.Record{
		InitEventID: "evt-1",
		Subject:     "subject",
		Status:      memory.StatusActive,
	}
	require.NoError(t, store.Write(ctx, "subject", rec, nil))
	got, err := store.Read(ctx, "subject")
	require.NoError(t, err)
	require.Equal(t, rec, got)
}

func TestLockContentionAcrossStores(t *testing.T) {
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	first, err := NewStore(Options{Client: client})
	require.NoError(t, err)
	second, err := NewStore(Options{Client: client})
	require.NoError(t, err)
	ctx := context.Background()

	ok, err := first.Lock(ctx, "subject")
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = second.Lock(ctx, "subject")
	require.NoError(t, err)
	require.False(t, ok, "second owner must not acquire")

	released, err := second.Unlock(ctx, "subject")
	require.NoError(t, err)
	require.False(t, released, "only the owner may release")

	released, err = first.Unlock(ctx, "subject")
	require.NoError(t, err)
	require.True(t, released)

	ok, err = second.Lock(ctx, "subject")
	require.NoError(t, err)
	require.True(t, ok)
}

func TestLockExpiresViaTTL(t *testing.T) {
	store, mr := newTestStore(t, time.Second)
	ctx := context.Background()

	ok, err := store.Lock(ctx, "subject")
	require.NoError(t, err)
	require.True(t, ok)

	mr.FastForward(2 * time.Second)

	ok, err = store.Lock(ctx, "subject")
	require.NoError(t, err)
	require.True(t, ok, "expired lock must be reacquirable")
}

func TestUnlockAfterExpiryReportsFalse(t *testing.T) {
	store, mr := newTestStore(t, time.Second)
	ctx := context.Background()
	ok, err := store.Lock(ctx, "subject")
	require.NoError(t, err)
	require.True(t, ok)

	mr.FastForward(2 * time.Second)
	released, err := store.Unlock(ctx, "subject")
	require.NoError(t, err)
	require.False(t, released)
}
