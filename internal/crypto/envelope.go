package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"fmt"
	"io"

	"github.com/kenneth/etcr-vault/internal/errs"
)

const (
	envelopeNonceSize = 12
	envelopeTagSize   = 16

	// EnvelopeSize is the exact size of a key backup envelope:
	// salt(16) || iv(12) || tag(16) || ciphertext(32).
	EnvelopeSize = saltSize + envelopeNonceSize + envelopeTagSize + KeySize
)

// SealKey wraps a 32-byte data-encryption key under a passphrase-derived key
// and returns the fixed 76-byte backup envelope.
func SealKey(key []byte, passphrase string) ([]byte, error) {
	if len(key) != KeySize {
		return nil, errs.E(errs.KeyLengthInvalid, "crypto.seal_key", "", nil)
	}
	if err := CheckPassphrase(passphrase); err != nil {
		return nil, err
	}

	salt, err := NewSalt()
	if err != nil {
		return nil, err
	}
	kek, err := DeriveKey(passphrase, salt)
	if err != nil {
		return nil, err
	}
	defer ZeroBytes(kek)

	aead, err := newEnvelopeAEAD(kek)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, envelopeNonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	// Seal returns ciphertext||tag; the envelope stores tag before ciphertext.
	sealed := aead.Seal(nil, nonce, key, nil)
	ciphertext := sealed[:KeySize]
	tag := sealed[KeySize:]

	env := make([]byte, 0, EnvelopeSize)
	env = append(env, salt...)
	env = append(env, nonce...)
	env = append(env, tag...)
	env = append(env, ciphertext...)
	return env, nil
}

// OpenKey unwraps a backup envelope and returns the 32-byte key inside.
// A tag mismatch reports WrongPassword; anything that is not exactly 76
// bytes reports MalformedContainer.
func OpenKey(envelope []byte, passphrase string) ([]byte, error) {
	if len(envelope) != EnvelopeSize {
		return nil, errs.E(errs.MalformedContainer, "crypto.open_key", "",
			fmt.Errorf("envelope is %d bytes, want %d", len(envelope), EnvelopeSize))
	}

	salt := envelope[:saltSize]
	nonce := envelope[saltSize : saltSize+envelopeNonceSize]
	tag := envelope[saltSize+envelopeNonceSize : saltSize+envelopeNonceSize+envelopeTagSize]
	ciphertext := envelope[saltSize+envelopeNonceSize+envelopeTagSize:]

	kek, err := DeriveKey(passphrase, salt)
	if err != nil {
		return nil, err
	}
	defer ZeroBytes(kek)

	aead, err := newEnvelopeAEAD(kek)
	if err != nil {
		return nil, err
	}

	sealed := make([]byte, 0, KeySize+envelopeTagSize)
	sealed = append(sealed, ciphertext...)
	sealed = append(sealed, tag...)

	key, err := aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return nil, errs.E(errs.WrongPassword, "crypto.open_key", "", nil)
	}
	return key, nil
}

func newEnvelopeAEAD(kek []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(kek)
	if err != nil {
		return nil, fmt.Errorf("failed to create AES cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	return aead, nil
}
