// Package bolt provides an embedded, single-file implementation of
// memory.Store backed by bbolt. Suitable for single-node deployments where
// the orchestrator and its state live in one process.
//
// Locks are lease records with a wall-clock expiry: bbolt has no TTL of its
// own, so expiry is checked at acquisition time, which preserves the
// contract that a crashed holder cannot block a subject past the TTL.
package bolt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	bolt "go.etcd.io/bbolt"

	"github.com/arvoworks/arvo-go/runtime/memory"
)

type (
	// Store implements memory.Store over a bbolt database file.
	Store struct {
		db      *bolt.DB
		lockTTL time.Duration
		owner   string
		now     func() time.Time
	}

	// Options configures NewStore.
	Options struct {
		// Path is the database file path. Required.
		Path string
		// LockTTL bounds how long a lock survives without release. Defaults
		// to a minute when zero.
		LockTTL time.Duration
	}

	// lease is the stored lock entry.
	lease struct {
		Owner     string    `json:"owner"`
		ExpiresAt time.Time `json:"expiresAt"`
	}
)

var (
	bucketRecords = []byte("records")
	bucketLocks   = []byte("locks")
)

const defaultLockTTL = time.Minute

// NewStore opens (or creates) the database file and its buckets.
func NewStore(opts Options) (*Store, error) {
	if opts.Path == "" {
		return nil, errors.New("database path is required")
	}
	ttl := opts.LockTTL
	if ttl <= 0 {
		ttl = defaultLockTTL
	}
	db, err := bolt.Open(opts.Path, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{bucketRecords, bucketLocks} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &Store{db: db, lockTTL: ttl, owner: uuid.NewString(), now: time.Now}, nil
}

// Close closes the database.
func (s *Store) Close() error { return s.db.Close() }

// Read returns the record for id, or (nil, nil) when none exists.
func (s *Store) Read(_ context.Context, id string) (*memory.Record, error) {
	var rec *memory.Record
	err := s.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(bucketRecords).Get([]byte(id))
		if raw == nil {
			return nil
		}
		rec = &memory.Record{}
		return json.Unmarshal(raw, rec)
	})
	if err != nil {
		return nil, fmt.Errorf("read record %s: %w", id, err)
	}
	return rec, nil
}

// Write stores the record for id.
func (s *Store) Write(_ context.Context, id string, rec *memory.Record, _ *memory.Record) error {
	raw, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode record %s: %w", id, err)
	}
	err = s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketRecords).Put([]byte(id), raw)
	})
	if err != nil {
		return fmt.Errorf("write record %s: %w", id, err)
	}
	return nil
}

// Lock acquires the subject lease for id. Returns false while another owner
// holds a non-expired lease.
func (s *Store) Lock(_ context.Context, id string) (bool, error) {
	acquired := false
	err := s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketLocks)
		if raw := bucket.Get([]byte(id)); raw != nil {
			var l lease
			if err := json.Unmarshal(raw, &l); err == nil && s.now().Before(l.ExpiresAt) && l.Owner != s.owner {
				return nil
			}
		}
		raw, err := json.Marshal(lease{Owner: s.owner, ExpiresAt: s.now().Add(s.lockTTL)})
		if err != nil {
			return err
		}
		if err := bucket.Put([]byte(id), raw); err != nil {
			return err
		}
		acquired = true
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("lock %s: %w", id, err)
	}
	return acquired, nil
}

// Unlock releases the subject lease if this store still owns it.
func (s *Store) Unlock(_ context.Context, id string) (bool, error) {
	released := false
	err := s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketLocks)
		raw := bucket.Get([]byte(id))
		if raw == nil {
			return nil
		}
		var l lease
		if err := json.Unmarshal(raw, &l); err != nil {
			return err
		}
		if l.Owner != s.owner || !s.now().Before(l.ExpiresAt) {
			return nil
		}
		if err := bucket.Delete([]byte(id)); err != nil {
			return err
		}
		released = true
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("unlock %s: %w", id, err)
	}
	return released, nil
}

// SetClock overrides the store's time source. Tests use it to expire leases
// without sleeping.
func (s *Store) SetClock(now func() time.Time) { s.now = now }
