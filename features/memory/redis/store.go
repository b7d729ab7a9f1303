// Package redis provides a Redis-backed implementation of memory.Store.
// Records are stored as JSON values; subject locks use SET NX with a finite
// TTL and an owner token so a crashed holder can never deadlock a subject
// and release is safe against lock turnover.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/arvoworks/arvo-go/runtime/memory"
)

type (
	// Store implements memory.Store over a Redis client. One Store instance
	// owns its locks: the owner token is minted at construction, so two
	// Store instances (or two processes) contend correctly.
	Store struct {
		rdb       *redis.Client
		keyPrefix string
		lockTTL   time.Duration
		owner     string
	}

	// Options configures NewStore.
	Options struct {
		// Client is the Redis client. Required.
		Client *redis.Client
		// KeyPrefix namespaces the record and lock keys. Defaults to
		// "arvo".
		KeyPrefix string
		// LockTTL bounds how long a lock survives without release. Defaults
		// to a minute when zero.
		LockTTL time.Duration
	}
)

const defaultLockTTL = time.Minute

// releaseScript deletes the lock only when this store still owns it, so a
// release racing a TTL expiry cannot drop another holder's lock.
var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0
`)

// NewStore builds a Redis-backed store.
func NewStore(opts Options) (*Store, error) {
	if opts.Client == nil {
		return nil, errors.New("redis client is required")
	}
	prefix := opts.KeyPrefix
	if prefix == "" {
		prefix = "arvo"
	}
	ttl := opts.LockTTL
	if ttl <= 0 {
		ttl = defaultLockTTL
	}
	return &Store{
		rdb:       opts.Client,
		keyPrefix: prefix,
		lockTTL:   ttl,
		owner:     uuid.NewString(),
	}, nil
}

// Read returns the record for id, or (nil, nil) when none exists.
func (s *Store) Read(ctx context.Context, id string) (*memory.Record, error) {
	raw, err := s.rdb.Get(ctx, s.recordKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read record %s: %w", id, err)
	}
	var rec memory.Record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, fmt.Errorf("decode record %s: %w", id, err)
	}
	return &rec, nil
}

// Write stores the record for id. No retries: the pipeline treats a failed
// write as fatal for the invocation.
func (s *Store) Write(ctx context.Context, id string, rec *memory.Record, _ *memory.Record) error {
	raw, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode record %s: %w", id, err)
	}
	if err := s.rdb.Set(ctx, s.recordKey(id), raw, 0).Err(); err != nil {
		return fmt.Errorf("write record %s: %w", id, err)
	}
	return nil
}

// Lock acquires the subject lock with the store's TTL. Returns false when
// another owner holds it.
func (s *Store) Lock(ctx context.Context, id string) (bool, error) {
	ok, err := s.rdb.SetNX(ctx, s.lockKey(id), s.owner, s.lockTTL).Result()
	if err != nil {
		return false, fmt.Errorf("lock %s: %w", id, err)
	}
	return ok, nil
}

// Unlock releases the subject lock if this store still owns it. Returns
// false without error when the lock expired or belongs to someone else.
func (s *Store) Unlock(ctx context.Context, id string) (bool, error) {
	n, err := releaseScript.Run(ctx, s.rdb, []string{s.lockKey(id)}, s.owner).Int()
	if err != nil {
		return false, fmt.Errorf("unlock %s: %w", id, err)
	}
	return n == 1, nil
}

func (s *Store) recordKey(id string) string { return s.keyPrefix + ":record:" + id }

func (s *Store) lockKey(id string) string { return s.keyPrefix + ":lock:" + id }
