package crypto

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"testing"

	"github.com/kenneth/etcr-vault/internal/errs"
)

func TestKeyID(t *testing.T) {
	// SHA-256 of 32 zero bytes starts with 66687aad.
	key := make([]byte, KeySize)
	if id := KeyID(key); id != "66687aad" {
		t.Fatalf("expected key id 66687aad, got %s", id)
	}

	hash := KeyHash(key)
	if hex.EncodeToString(hash[:4]) != KeyID(key) {
		t.Fatal("key id must be the first 4 bytes of the key hash")
	}
	if hash != sha256.Sum256(key) {
		t.Fatal("key hash must be the SHA-256 of the raw key")
	}
}

func TestCheckPassphrase(t *testing.T) {
	tests := []struct {
		name       string
		passphrase string
		wantWeak   bool
	}{
		{"empty", "", true},
		{"seven chars", "1234567", true},
		{"eight chars", "12345678", false},
		{"long", "correct horse battery staple", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := CheckPassphrase(tt.passphrase)
			if tt.wantWeak {
				if errs.KindOf(err) != errs.WeakPassphrase {
					t.Fatalf("expected WeakPassphrase, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
		})
	}
}

func TestDeriveKey(t *testing.T) {
	salt := SaltFromEntropy("laptop-2019")

	key1, err := DeriveKey("open sesame please", salt)
	if err != nil {
		t.Fatalf("derive failed: %v", err)
	}
	if len(key1) != KeySize {
		t.Fatalf("expected a %d byte key, got %d", KeySize, len(key1))
	}

	key2, err := DeriveKey("open sesame please", salt)
	if err != nil {
		t.Fatalf("derive failed: %v", err)
	}
	if !bytes.Equal(key1, key2) {
		t.Fatal("same passphrase and salt must derive the same key")
	}

	key3, err := DeriveKey("open sesame please", SaltFromEntropy("desktop-2021"))
	if err != nil {
		t.Fatalf("derive failed: %v", err)
	}
	if bytes.Equal(key1, key3) {
		t.Fatal("different salts must derive different keys")
	}

	if _, err := DeriveKey("short", salt); errs.KindOf(err) != errs.WeakPassphrase {
		t.Fatalf("expected WeakPassphrase for a short passphrase, got %v", err)
	}
	if _, err := DeriveKey("open sesame please", salt[:8]); err == nil {
		t.Fatal("expected an error for a truncated salt")
	}
}

func TestSaltFromEntropy(t *testing.T) {
	a := SaltFromEntropy("alpha")
	b := SaltFromEntropy("alpha")
	c := SaltFromEntropy("beta")

	if len(a) != 16 {
		t.Fatalf("expected a 16 byte salt, got %d", len(a))
	}
	if !bytes.Equal(a, b) {
		t.Fatal("entropy salts must be deterministic")
	}
	if bytes.Equal(a, c) {
		t.Fatal("different entropy must yield different salts")
	}
}

func TestNewKey(t *testing.T) {
	key1, err := NewKey()
	if err != nil {
		t.Fatalf("key generation failed: %v", err)
	}
	key2, err := NewKey()
	if err != nil {
		t.Fatalf("key generation failed: %v", err)
	}
	if len(key1) != KeySize {
		t.Fatalf("expected a %d byte key, got %d", KeySize, len(key1))
	}
	if bytes.Equal(key1, key2) {
		t.Fatal("two generated keys must differ")
	}
	if bytes.Equal(key1, make([]byte, KeySize)) {
		t.Fatal("generated key must not be all zero")
	}
}

func TestSealOpenKey(t *testing.T) {
	key, err := NewKey()
	if err != nil {
		t.Fatalf("key generation failed: %v", err)
	}

	env, err := SealKey(key, "strong enough passphrase")
	if err != nil {
		t.Fatalf("seal failed: %v", err)
	}
	if len(env) != EnvelopeSize {
		t.Fatalf("expected a %d byte envelope, got %d", EnvelopeSize, len(env))
	}

	opened, err := OpenKey(env, "strong enough passphrase")
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}
	if !bytes.Equal(opened, key) {
		t.Fatal("opened key does not match the sealed key")
	}

	// Two envelopes of the same key differ (fresh salt and nonce).
	env2, err := SealKey(key, "strong enough passphrase")
	if err != nil {
		t.Fatalf("seal failed: %v", err)
	}
	if bytes.Equal(env, env2) {
		t.Fatal("sealing twice must produce different envelopes")
	}
}

func TestSealKeyRejectsBadInput(t *testing.T) {
	key, _ := NewKey()

	if _, err := SealKey(key[:16], "strong enough passphrase"); errs.KindOf(err) != errs.KeyLengthInvalid {
		t.Fatalf("expected KeyLengthInvalid for a short key, got %v", err)
	}
	if _, err := SealKey(key, "short"); errs.KindOf(err) != errs.WeakPassphrase {
		t.Fatalf("expected WeakPassphrase, got %v", err)
	}
}

func TestOpenKeyFailures(t *testing.T) {
	key, _ := NewKey()
	env, err := SealKey(key, "strong enough passphrase")
	if err != nil {
		t.Fatalf("seal failed: %v", err)
	}

	if _, err := OpenKey(env, "a different passphrase"); errs.KindOf(err) != errs.WrongPassword {
		t.Fatalf("expected WrongPassword, got %v", err)
	}

	if _, err := OpenKey(env[:len(env)-1], "strong enough passphrase"); errs.KindOf(err) != errs.MalformedContainer {
		t.Fatalf("expected MalformedContainer for a truncated envelope, got %v", err)
	}

	// Flipping any byte of the envelope breaks authentication.
	for _, offset := range []int{0, 16, 28, 44} {
		tampered := make([]byte, len(env))
		copy(tampered, env)
		tampered[offset] ^= 0x01
		if _, err := OpenKey(tampered, "strong enough passphrase"); errs.KindOf(err) != errs.WrongPassword {
			t.Fatalf("offset %d: expected WrongPassword after tampering, got %v", offset, err)
		}
	}
}

func TestZeroBytes(t *testing.T) {
	buf := []byte{1, 2, 3, 4, 5}
	ZeroBytes(buf)
	if !bytes.Equal(buf, make([]byte, len(buf))) {
		t.Fatalf("buffer not zeroed: %v", buf)
	}
}
