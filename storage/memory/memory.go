// Package memory provides a thread-safe in-memory implementation of storage.Repository.
package memory

import (
	"sort"
	"sync"
	"time"

	"github.com/jmcleod/crmgate/storage"
)

type entry struct {
	value     []byte
	expiresAt time.Time
}

// Repository is a thread-safe in-memory implementation of storage.Repository.
// Suitable for testing and single-process caches.
type Repository struct {
	mu   sync.RWMutex
	data map[string]map[string]entry
	now  func() time.Time
}

var (
	_ storage.Repository = (*Repository)(nil)
	_ storage.Expiring   = (*Repository)(nil)
)

// NewRepository creates a new empty in-memory Repository.
func NewRepository() *Repository {
	return &Repository{
		data: make(map[string]map[string]entry),
		now:  time.Now,
	}
}

func (r *Repository) Put(bucket, key string, value []byte) error {
	return r.put(bucket, key, value, time.Time{})
}

func (r *Repository) PutWithTTL(bucket, key string, value []byte, ttl time.Duration) error {
	return r.put(bucket, key, value, r.now().Add(ttl))
}

func (r *Repository) put(bucket, key string, value []byte, expiresAt time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.data[bucket]
	if !ok {
		b = make(map[string]entry)
		r.data[bucket] = b
	}
	b[key] = entry{value: append([]byte(nil), value...), expiresAt: expiresAt}
	return nil
}

func (r *Repository) Get(bucket, key string) ([]byte, error) {
	r.mu.RLock()
	e, ok := r.data[bucket][key]
	r.mu.RUnlock()
	if !ok {
		return nil, storage.ErrNotFound
	}
	if r.expired(e) {
		_ = r.Delete(bucket, key)
		return nil, storage.ErrNotFound
	}
	return append([]byte(nil), e.value...), nil
}

func (r *Repository) Delete(bucket, key string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.data[bucket]
	if !ok {
		return storage.ErrNotFound
	}
	if _, ok := b[key]; !ok {
		return storage.ErrNotFound
	}
	delete(b, key)
	return nil
}

func (r *Repository) List(bucket string) ([]string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var keys []string
	for k, e := range r.data[bucket] {
		if r.expired(e) {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys, nil
}

func (r *Repository) expired(e entry) bool {
	return !e.expiresAt.IsZero() && !r.now().Before(e.expiresAt)
}
