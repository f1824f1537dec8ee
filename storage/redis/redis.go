// Package redis provides a Redis-backed storage.Repository for caches shared
// across gateway replicas.
package redis

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/jmcleod/crmgate/storage"
)

// Store implements storage.Repository and storage.Expiring on top of Redis.
// Keys are laid out as "<prefix>:<bucket>:<key>".
type Store struct {
	client  goredis.UniversalClient
	prefix  string
	timeout time.Duration
}

var (
	_ storage.Repository = (*Store)(nil)
	_ storage.Expiring   = (*Store)(nil)
)

// New wraps an existing client.
func New(client goredis.UniversalClient, prefix string) *Store {
	if prefix == "" {
		prefix = "crmgate"
	}
	return &Store{client: client, prefix: prefix, timeout: 2 * time.Second}
}

// Connect parses a redis:// URL, pings the server and returns a Store.
func Connect(ctx context.Context, url, prefix string) (*Store, error) {
	opts, err := goredis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parsing redis url: %w", err)
	}
	client := goredis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connecting to redis: %w", err)
	}
	return New(client, prefix), nil
}

// Close closes the underlying client.
func (s *Store) Close() error {
	return s.client.Close()
}

func (s *Store) key(bucket, key string) string {
	return s.prefix + ":" + bucket + ":" + key
}

func (s *Store) ctx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), s.timeout)
}

func (s *Store) Put(bucket, key string, value []byte) error {
	return s.PutWithTTL(bucket, key, value, 0)
}

func (s *Store) PutWithTTL(bucket, key string, value []byte, ttl time.Duration) error {
	ctx, cancel := s.ctx()
	defer cancel()
	if err := s.client.Set(ctx, s.key(bucket, key), value, ttl).Err(); err != nil {
		return fmt.Errorf("redis set %s/%s: %w", bucket, key, err)
	}
	return nil
}

func (s *Store) Get(bucket, key string) ([]byte, error) {
	ctx, cancel := s.ctx()
	defer cancel()
	data, err := s.client.Get(ctx, s.key(bucket, key)).Bytes()
	if errors.Is(err, goredis.Nil) {
		return nil, fmt.Errorf("%s/%s: %w", bucket, key, storage.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("redis get %s/%s: %w", bucket, key, err)
	}
	return data, nil
}

func (s *Store) Delete(bucket, key string) error {
	ctx, cancel := s.ctx()
	defer cancel()
	n, err := s.client.Del(ctx, s.key(bucket, key)).Result()
	if err != nil {
		return fmt.Errorf("redis del %s/%s: %w", bucket, key, err)
	}
	if n == 0 {
		return fmt.Errorf("%s/%s: %w", bucket, key, storage.ErrNotFound)
	}
	return nil
}

func (s *Store) List(bucket string) ([]string, error) {
	ctx, cancel := s.ctx()
	defer cancel()
	prefix := s.key(bucket, "")
	var keys []string
	iter := s.client.Scan(ctx, 0, prefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, strings.TrimPrefix(iter.Val(), prefix))
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("redis scan %s: %w", bucket, err)
	}
	sort.Strings(keys)
	return keys, nil
}
