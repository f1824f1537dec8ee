package util

import (
	"bytes"
	"strings"
	"testing"
)

func testParams() Argon2idParams {
	return Argon2idParams{Time: 1, MemoryKiB: 8 * 1024, Parallelism: 1, KeyLen: 32}
}

func TestPassword(t *testing.T) {
	encoded, err := HashPassword("Tajne123!", testParams())
	if err != nil {
		t.Fatalf("HashPassword failed: %v", err)
	}
	if !strings.HasPrefix(encoded, "$argon2id$v=19$m=8192,t=1,p=1$") {
		t.Errorf("unexpected encoding %q", encoded)
	}

	t.Run("Match", func(t *testing.T) {
		ok, err := VerifyPassword("Tajne123!", encoded)
		if err != nil || !ok {
			t.Errorf("expected match, got ok=%v err=%v", ok, err)
		}
	})

	t.Run("Mismatch", func(t *testing.T) {
		ok, err := VerifyPassword("wrong", encoded)
		if err != nil || ok {
			t.Errorf("expected mismatch, got ok=%v err=%v", ok, err)
		}
	})

	t.Run("Malformed", func(t *testing.T) {
		for _, in := range []string{"", "plain", "$bcrypt$x$y$z$w", "$argon2id$v=1$m=1,t=1,p=1$AA$AA"} {
			if _, err := VerifyPassword("x", in); err != ErrMalformedHash {
				t.Errorf("%q: expected ErrMalformedHash, got %v", in, err)
			}
		}
	})

	t.Run("SaltedPerHash", func(t *testing.T) {
		other, _ := HashPassword("Tajne123!", testParams())
		if other == encoded {
			t.Error("hashes of the same password should differ")
		}
	})
}

func TestDefaultArgon2idParams(t *testing.T) {
	p := DefaultArgon2idParams()
	if p.MemoryKiB < 19*1024 {
		t.Errorf("default MemoryKiB=%d is below OWASP minimum", p.MemoryKiB)
	}
	if p.Parallelism < 1 {
		t.Errorf("default Parallelism=%d must be at least 1", p.Parallelism)
	}
	if p.KeyLen != 32 {
		t.Errorf("default KeyLen=%d must be 32", p.KeyLen)
	}
}

func TestDeriveKey(t *testing.T) {
	seed := []byte("0123456789abcdef seed material")
	a, err := DeriveKey(seed, "token cache")
	if err != nil {
		t.Fatalf("DeriveKey failed: %v", err)
	}
	b, _ := DeriveKey(seed, "token cache")
	c, _ := DeriveKey(seed, "validation cache")
	if len(a) != DerivedKeyLength {
		t.Errorf("expected %d-byte key, got %d", DerivedKeyLength, len(a))
	}
	if !bytes.Equal(a, b) {
		t.Error("DeriveKey should be deterministic")
	}
	if bytes.Equal(a, c) {
		t.Error("different purposes should yield different keys")
	}
	if _, err := DeriveKey([]byte("short"), "token cache"); err == nil {
		t.Error("expected an error for a short seed")
	}
}

func TestEncoding(t *testing.T) {
	if got := NormalizeUsername("  jan.kowalski "); got != "jan.kowalski" {
		t.Errorf("got %q", got)
	}
	// Fullwidth latin folds to ASCII under NFKC.
	if got := NormalizeUsername("ｊａｎ"); got != "jan" {
		t.Errorf("got %q", got)
	}
	fp := Fingerprint("token")
	if len(fp) != 64 || fp != Fingerprint("token") || fp == Fingerprint("token2") {
		t.Errorf("unexpected fingerprint %q", fp)
	}
}

func TestRandom(t *testing.T) {
	b, err := RandomBytes(32)
	if err != nil || len(b) != 32 {
		t.Fatalf("RandomBytes: len=%d err=%v", len(b), err)
	}
	code, err := RandomDigits(6)
	if err != nil {
		t.Fatalf("RandomDigits: %v", err)
	}
	if len(code) != 6 || strings.Trim(code, "0123456789") != "" {
		t.Errorf("unexpected code %q", code)
	}
	WipeBytes(b)
	if !bytes.Equal(b, make([]byte, 32)) {
		t.Error("WipeBytes should zero the slice")
	}
}
