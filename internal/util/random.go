package util

import (
	"crypto/rand"
	"fmt"
	"math/big"
	"strings"
)

var codeDigits = []rune("0123456789")

// RandomBytes returns n bytes from crypto/rand.
func RandomBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return nil, fmt.Errorf("generating random bytes: %w", err)
	}
	return b, nil
}

// RandomDigits returns a numeric code of length n, as sent in
// verification emails.
func RandomDigits(n int) (string, error) {
	var sb strings.Builder
	max := big.NewInt(int64(len(codeDigits)))
	for i := 0; i < n; i++ {
		idx, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", fmt.Errorf("generating random digit: %w", err)
		}
		sb.WriteRune(codeDigits[idx.Int64()])
	}
	return sb.String(), nil
}

// WipeBytes best-effort zeroes the provided byte slice in place.
func WipeBytes(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
