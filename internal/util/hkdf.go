package util

import (
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

// DerivedKeyLength is the size of keys returned by DeriveKey.
const DerivedKeyLength = 32

var keySalt = []byte("crmgate/v1")

// DeriveKey expands seed into a key for purpose. Different purposes yield
// unrelated keys from the same seed.
func DeriveKey(seed []byte, purpose string) ([]byte, error) {
	if len(seed) < 16 {
		return nil, errors.New("key seed must be at least 16 bytes")
	}
	h := hkdf.New(sha256.New, seed, keySalt, []byte(purpose))
	k := make([]byte, DerivedKeyLength)
	if _, err := io.ReadFull(h, k); err != nil {
		return nil, fmt.Errorf("deriving %s key: %w", purpose, err)
	}
	return k, nil
}
