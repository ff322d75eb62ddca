// Package crypto holds the primitives shared by the container codec and the
// key store: key identity, passphrase derivation, the key backup envelope,
// and buffer hygiene.
package crypto

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"

	"golang.org/x/crypto/pbkdf2"

	"github.com/kenneth/etcr-vault/internal/errs"
)

const (
	// KeySize is the size of a data-encryption key in bytes.
	KeySize = 32

	// Key derivation parameters
	pbkdf2Iterations = 100000
	saltSize         = 16 // 128 bits

	// MinPassphraseLen is the minimum accepted passphrase length.
	MinPassphraseLen = 8
)

// KeyHash returns the SHA-256 digest of raw key material. Containers embed
// this hash to name the key they were sealed with.
func KeyHash(key []byte) [sha256.Size]byte {
	return sha256.Sum256(key)
}

// KeyID returns the short identifier for raw key material: the first 4 bytes
// of its SHA-256 digest, hex encoded.
func KeyID(key []byte) string {
	sum := sha256.Sum256(key)
	return hex.EncodeToString(sum[:4])
}

// CheckPassphrase validates passphrase strength.
func CheckPassphrase(passphrase string) error {
	if len(passphrase) < MinPassphraseLen {
		return errs.E(errs.WeakPassphrase, "", "", nil)
	}
	return nil
}

// DeriveKey stretches a passphrase into a 32-byte key using
// PBKDF2-HMAC-SHA256 with 100,000 iterations.
func DeriveKey(passphrase string, salt []byte) ([]byte, error) {
	if err := CheckPassphrase(passphrase); err != nil {
		return nil, err
	}
	if len(salt) != saltSize {
		return nil, fmt.Errorf("invalid salt size: expected %d bytes, got %d", saltSize, len(salt))
	}
	return pbkdf2.Key([]byte(passphrase), salt, pbkdf2Iterations, KeySize, sha256.New), nil
}

// SaltFromEntropy derives a deterministic salt from caller-supplied entropy.
// The same entropy always yields the same salt, so a passphrase plus entropy
// pair reproduces the same key on every device.
func SaltFromEntropy(entropy string) []byte {
	sum := sha256.Sum256([]byte(entropy))
	return sum[:saltSize]
}

// NewSalt generates a cryptographically secure random salt.
func NewSalt() ([]byte, error) {
	salt := make([]byte, saltSize)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return nil, fmt.Errorf("failed to generate salt: %w", err)
	}
	return salt, nil
}

// NewKey generates a random 32-byte data-encryption key.
func NewKey() ([]byte, error) {
	key := make([]byte, KeySize)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return nil, fmt.Errorf("failed to generate key: %w", err)
	}
	return key, nil
}
