// Package storage provides the key-value abstraction behind crmgate's
// durable session state, profile cache, token cache and validation cache.
package storage

import (
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when a key does not exist in a bucket.
	ErrNotFound = errors.New("record not found")
	// ErrClosed is returned by operations on a closed repository.
	ErrClosed = errors.New("repository closed")
)

// Repository stores opaque values under (bucket, key).
type Repository interface {
	Put(bucket string, key string, value []byte) error
	Get(bucket string, key string) ([]byte, error)
	Delete(bucket string, key string) error
	List(bucket string) ([]string, error)
}

// Expiring is implemented by repositories that can expire entries natively.
// Callers fall back to a plain Put (and check timestamps on read) when the
// repository does not implement it.
type Expiring interface {
	PutWithTTL(bucket string, key string, value []byte, ttl time.Duration) error
}

// PutTTL writes value with ttl when repo supports native expiry, otherwise
// it performs a plain Put.
func PutTTL(repo Repository, bucket, key string, value []byte, ttl time.Duration) error {
	if exp, ok := repo.(Expiring); ok && ttl > 0 {
		return exp.PutWithTTL(bucket, key, value, ttl)
	}
	return repo.Put(bucket, key, value)
}
