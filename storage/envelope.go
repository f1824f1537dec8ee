package storage

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"io"
)

const (
	envelopeVersion = 1
	envelopeScheme  = "aes256gcm"
	// KeySize is the required length of a sealing key.
	KeySize = 32
)

// Envelope is a sealed record containing AES-256-GCM encrypted data.
type Envelope struct {
	Ver        int    `json:"ver"`
	Scheme     string `json:"scheme"`
	Nonce      []byte `json:"nonce"`
	Ciphertext []byte `json:"ciphertext"`
}

func newGCM(key []byte) (cipher.AEAD, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("invalid sealing key size: got %d, want %d", len(key), KeySize)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("creating cipher: %w", err)
	}
	return cipher.NewGCM(block)
}

// SealRecord encrypts plaintext into an Envelope bound to aad.
func SealRecord(key, plaintext, aad []byte) (*Envelope, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("generating nonce: %w", err)
	}
	return &Envelope{
		Ver:        envelopeVersion,
		Scheme:     envelopeScheme,
		Nonce:      nonce,
		Ciphertext: gcm.Seal(nil, nonce, plaintext, aad),
	}, nil
}

// OpenRecord decrypts an Envelope sealed with the same key and aad.
func OpenRecord(key []byte, env *Envelope, aad []byte) ([]byte, error) {
	if env.Ver != envelopeVersion {
		return nil, fmt.Errorf("unsupported envelope version: %d", env.Ver)
	}
	if env.Scheme != envelopeScheme {
		return nil, fmt.Errorf("unsupported envelope scheme: %s", env.Scheme)
	}
	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	if len(env.Nonce) != gcm.NonceSize() {
		return nil, fmt.Errorf("invalid nonce length %d", len(env.Nonce))
	}
	plain, err := gcm.Open(nil, env.Nonce, env.Ciphertext, aad)
	if err != nil {
		return nil, fmt.Errorf("decrypting envelope: %w", err)
	}
	return plain, nil
}

// PutSealed seals value and stores the JSON-encoded envelope.
func PutSealed(repo Repository, key []byte, bucket, id string, value []byte) error {
	env, err := SealRecord(key, value, []byte(bucket+":"+id))
	if err != nil {
		return err
	}
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return repo.Put(bucket, id, data)
}

// GetSealed loads and opens a value written by PutSealed.
func GetSealed(repo Repository, key []byte, bucket, id string) ([]byte, error) {
	data, err := repo.Get(bucket, id)
	if err != nil {
		return nil, err
	}
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decoding envelope: %w", err)
	}
	return OpenRecord(key, &env, []byte(bucket+":"+id))
}
