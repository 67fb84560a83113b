package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/developingchet/guestbookd/internal/identity"
)

// Compile-time proof that BoltCounterStore satisfies CounterStore.
var _ CounterStore = (*BoltCounterStore)(nil)

var bucketRateLimit = []byte("ratelimit")

// BoltCounterStore is a bbolt-backed CounterStore: one database file instead
// of one file per client. It is safe for concurrent use.
type BoltCounterStore struct {
	db *bolt.DB
}

// OpenBoltCounters opens (or creates) a bbolt database at path and
// initialises the counter bucket.
func OpenBoltCounters(path string) (*BoltCounterStore, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 2 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("storage: open %s: %w", path, err)
	}

	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketRateLimit)
		return err
	}); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("storage: init buckets: %w", err)
	}

	return &BoltCounterStore{db: db}, nil
}

// Consume checks and updates the counter for ip in a single bolt.Update.
func (s *BoltCounterStore) Consume(_ context.Context, ip string, fn func(c *Counter) bool) (bool, error) {
	key := []byte(identity.Sanitize(ip))
	allowed := false
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketRateLimit)
		c := decodeCounter(b.Get(key))
		if !fn(&c) {
			return nil
		}
		allowed = true
		data, err := json.Marshal(c)
		if err != nil {
			return err
		}
		return b.Put(key, data)
	})
	if err != nil {
		return false, fmt.Errorf("%w: %w", ErrWriteFailed, err)
	}
	return allowed, nil
}

// Path returns the filesystem path of the database file.
func (s *BoltCounterStore) Path() string { return s.db.Path() }

// Close cleanly closes the underlying bbolt database.
func (s *BoltCounterStore) Close() error { return s.db.Close() }
