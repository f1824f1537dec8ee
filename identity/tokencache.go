package identity

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/awnumar/memguard"

	"github.com/jmcleod/crmgate/storage"
)

// TokenCache holds the current session's tokens between calls.
type TokenCache interface {
	// Load returns the cached tokens, or ErrNoSession when there are none.
	Load() (Tokens, error)
	Save(t Tokens) error
	Clear() error
}

// MemoryTokenCache keeps tokens encrypted in memory inside a memguard
// enclave. It lives only as long as the process.
type MemoryTokenCache struct {
	mu      sync.Mutex
	enclave *memguard.Enclave
}

// NewMemoryTokenCache returns an empty MemoryTokenCache.
func NewMemoryTokenCache() *MemoryTokenCache {
	return &MemoryTokenCache{}
}

func (c *MemoryTokenCache) Load() (Tokens, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.enclave == nil {
		return Tokens{}, ErrNoSession
	}
	buf, err := c.enclave.Open()
	if err != nil {
		return Tokens{}, fmt.Errorf("opening token enclave: %w", err)
	}
	defer buf.Destroy()
	var t Tokens
	if err := json.Unmarshal(buf.Bytes(), &t); err != nil {
		return Tokens{}, fmt.Errorf("decoding tokens: %w", err)
	}
	return t, nil
}

func (c *MemoryTokenCache) Save(t Tokens) error {
	data, err := json.Marshal(t)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	// NewEnclave wipes data.
	c.enclave = memguard.NewEnclave(data)
	return nil
}

func (c *MemoryTokenCache) Clear() error {
	c.mu.Lock()
	c.enclave = nil
	c.mu.Unlock()
	return nil
}

const (
	tokenBucket = "identity"
	tokenKey    = "tokens"
)

// SealedTokenCache persists tokens in a repository, sealed with a 32-byte
// key, so separate CLI invocations share one provider session.
type SealedTokenCache struct {
	repo storage.Repository
	key  *memguard.Enclave
}

// NewSealedTokenCache returns a cache sealing records with key. The key
// slice is wiped.
func NewSealedTokenCache(repo storage.Repository, key []byte) (*SealedTokenCache, error) {
	if len(key) != storage.KeySize {
		return nil, fmt.Errorf("token cache key must be %d bytes", storage.KeySize)
	}
	return &SealedTokenCache{repo: repo, key: memguard.NewEnclave(key)}, nil
}

func (c *SealedTokenCache) Load() (Tokens, error) {
	key, err := c.key.Open()
	if err != nil {
		return Tokens{}, fmt.Errorf("opening key enclave: %w", err)
	}
	defer key.Destroy()

	data, err := storage.GetSealed(c.repo, key.Bytes(), tokenBucket, tokenKey)
	if errors.Is(err, storage.ErrNotFound) {
		return Tokens{}, ErrNoSession
	}
	if err != nil {
		// A record sealed with a different key is unusable; drop it.
		_ = c.repo.Delete(tokenBucket, tokenKey)
		return Tokens{}, ErrNoSession
	}
	var t Tokens
	if err := json.Unmarshal(data, &t); err != nil {
		_ = c.repo.Delete(tokenBucket, tokenKey)
		return Tokens{}, ErrNoSession
	}
	return t, nil
}

func (c *SealedTokenCache) Save(t Tokens) error {
	data, err := json.Marshal(t)
	if err != nil {
		return err
	}
	key, err := c.key.Open()
	if err != nil {
		return fmt.Errorf("opening key enclave: %w", err)
	}
	defer key.Destroy()
	return storage.PutSealed(c.repo, key.Bytes(), tokenBucket, tokenKey, data)
}

func (c *SealedTokenCache) Clear() error {
	err := c.repo.Delete(tokenBucket, tokenKey)
	if errors.Is(err, storage.ErrNotFound) {
		return nil
	}
	return err
}
