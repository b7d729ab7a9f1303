// Package inmem provides an in-memory implementation of memory.Store for
// testing and local development. Data is stored in process memory and is
// lost when the process exits. Production deployments should use a durable
// backend such as features/memory/redis or features/memory/bolt.
package inmem

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/arvoworks/arvo-go/runtime/memory"
)

type (
	// Store implements memory.Store using an in-process map keyed by
	// subject. It is thread-safe. Records are stored in serialized form so
	// callers can never mutate stored state through a returned pointer.
	Store struct {
		mu      sync.Mutex
		records map[string][]byte
		locks   map[string]time.Time
		ttl     time.Duration
		now     func() time.Time
	}

	// Options configures the store.
	Options struct {
		// LockTTL bounds how long a lock survives without release. Defaults
		// to a minute when zero.
		LockTTL time.Duration
	}
)

// defaultLockTTL keeps crashed holders from blocking a subject for long
// while staying comfortably above a single pipeline invocation.
const defaultLockTTL = time.Minute

// New returns an empty in-memory store.
func New(opts Options) *Store {
	ttl := opts.LockTTL
	if ttl <= 0 {
		ttl = defaultLockTTL
	}
	return &Store{
		records: make(map[string][]byte),
		locks:   make(map[string]time.Time),
		ttl:     ttl,
		now:     time.Now,
	}
}

// Read returns the record for id, or (nil, nil) when none exists.
func (s *Store) Read(_ context.Context, id string) (*memory.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	raw, ok := s.records[id]
	if !ok {
		return nil, nil
	}
	var rec memory.Record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, fmt.Errorf("decode record %s: %w", id, err)
	}
	return &rec, nil
}

// Write stores the record for id, replacing any previous one.
func (s *Store) Write(_ context.Context, id string, rec *memory.Record, _ *memory.Record) error {
	raw, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode record %s: %w", id, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[id] = raw
	return nil
}

// Lock acquires the subject lock for id. Returns false when another holder
// owns a non-expired lock.
func (s *Store) Lock(_ context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if exp, held := s.locks[id]; held && s.now().Before(exp) {
		return false, nil
	}
	s.locks[id] = s.now().Add(s.ttl)
	return true, nil
}

// Unlock releases the subject lock for id. Releasing an unheld lock reports
// false without error.
func (s *Store) Unlock(_ context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, held := s.locks[id]; !held {
		return false, nil
	}
	delete(s.locks, id)
	return true, nil
}

// SetClock overrides the store's time source. Tests use it to expire locks
// without sleeping.
func (s *Store) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}
