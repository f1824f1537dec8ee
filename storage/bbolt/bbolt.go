// Package bbolt provides the durable file-backed repository behind the
// CLI's session state, profile cache, cookie jar and token cache.
package bbolt

import (
	"encoding/binary"
	"fmt"
	"time"

	"go.etcd.io/bbolt"

	"github.com/jmcleod/crmgate/storage"
)

// expiryBucket maps "<bucket>\x00<key>" to the entry's expiry in unix
// nanoseconds. It is never returned by List.
const expiryBucket = "\x00expiry"

// Store implements storage.Repository and storage.Expiring on a BBolt
// database. Each bucket name maps to a top-level BBolt bucket. Expired
// entries read as missing and are purged by Sweep.
type Store struct {
	db  *bbolt.DB
	now func() time.Time
}

var (
	_ storage.Repository = (*Store)(nil)
	_ storage.Expiring   = (*Store)(nil)
)

// NewRepository returns a Repository backed by the given BBolt database.
func NewRepository(db *bbolt.DB) *Store {
	return &Store{db: db, now: time.Now}
}

// NewRepositoryFromFile opens a BBolt database at the given path and returns a new Repository.
func NewRepositoryFromFile(path string, options *bbolt.Options) (*Store, error) {
	db, err := bbolt.Open(path, 0600, options)
	if err != nil {
		return nil, fmt.Errorf("opening bbolt db: %w", err)
	}
	return NewRepository(db), nil
}

// Close closes the underlying BBolt database.
func (s *Store) Close() error {
	return s.db.Close()
}

func expiryKey(bucket, key string) []byte {
	return []byte(bucket + "\x00" + key)
}

func (s *Store) Put(bucket, key string, value []byte) error {
	return s.put(bucket, key, value, 0)
}

// PutWithTTL writes value so that it reads as missing once ttl elapses.
func (s *Store) PutWithTTL(bucket, key string, value []byte, ttl time.Duration) error {
	return s.put(bucket, key, value, ttl)
}

func (s *Store) put(bucket, key string, value []byte, ttl time.Duration) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists([]byte(bucket))
		if err != nil {
			return err
		}
		if err := b.Put([]byte(key), value); err != nil {
			return err
		}
		exp, err := tx.CreateBucketIfNotExists([]byte(expiryBucket))
		if err != nil {
			return err
		}
		if ttl <= 0 {
			return exp.Delete(expiryKey(bucket, key))
		}
		var deadline [8]byte
		binary.BigEndian.PutUint64(deadline[:], uint64(s.now().Add(ttl).UnixNano()))
		return exp.Put(expiryKey(bucket, key), deadline[:])
	})
}

// expired reports whether (bucket, key) carries a deadline that has passed.
func (s *Store) expired(tx *bbolt.Tx, bucket, key string, now time.Time) bool {
	exp := tx.Bucket([]byte(expiryBucket))
	if exp == nil {
		return false
	}
	raw := exp.Get(expiryKey(bucket, key))
	if len(raw) != 8 {
		return false
	}
	return !now.Before(time.Unix(0, int64(binary.BigEndian.Uint64(raw))))
}

func (s *Store) Get(bucket, key string) ([]byte, error) {
	var out []byte
	now := s.now()
	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(bucket))
		if b == nil {
			return fmt.Errorf("%s: %w", bucket, storage.ErrNotFound)
		}
		data := b.Get([]byte(key))
		if data == nil || s.expired(tx, bucket, key, now) {
			return fmt.Errorf("%s/%s: %w", bucket, key, storage.ErrNotFound)
		}
		// data is only valid for the life of the transaction.
		out = append([]byte(nil), data...)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Store) Delete(bucket, key string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(bucket))
		if b == nil {
			return fmt.Errorf("%s: %w", bucket, storage.ErrNotFound)
		}
		if b.Get([]byte(key)) == nil {
			return fmt.Errorf("%s/%s: %w", bucket, key, storage.ErrNotFound)
		}
		if exp := tx.Bucket([]byte(expiryBucket)); exp != nil {
			if err := exp.Delete(expiryKey(bucket, key)); err != nil {
				return err
			}
		}
		return b.Delete([]byte(key))
	})
}

func (s *Store) List(bucket string) ([]string, error) {
	var keys []string
	now := s.now()
	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(bucket))
		if b == nil {
			return nil
		}
		return b.ForEach(func(k, _ []byte) error {
			if !s.expired(tx, bucket, string(k), now) {
				keys = append(keys, string(k))
			}
			return nil
		})
	})
	return keys, err
}

// Sweep deletes every expired entry and returns how many were removed.
func (s *Store) Sweep() (int, error) {
	removed := 0
	now := s.now()
	err := s.db.Update(func(tx *bbolt.Tx) error {
		exp := tx.Bucket([]byte(expiryBucket))
		if exp == nil {
			return nil
		}
		var stale [][]byte
		err := exp.ForEach(func(k, v []byte) error {
			if len(v) == 8 && !now.Before(time.Unix(0, int64(binary.BigEndian.Uint64(v)))) {
				stale = append(stale, append([]byte(nil), k...))
			}
			return nil
		})
		if err != nil {
			return err
		}
		for _, k := range stale {
			if bucket, key, ok := splitExpiryKey(k); ok {
				if b := tx.Bucket([]byte(bucket)); b != nil {
					if err := b.Delete([]byte(key)); err != nil {
						return err
					}
				}
			}
			if err := exp.Delete(k); err != nil {
				return err
			}
			removed++
		}
		return nil
	})
	return removed, err
}

func splitExpiryKey(k []byte) (string, string, bool) {
	for i, c := range k {
		if c == 0 {
			return string(k[:i]), string(k[i+1:]), true
		}
	}
	return "", "", false
}
