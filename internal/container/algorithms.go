package container

import (
	"crypto/aes"
	"crypto/cipher"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"

	"github.com/kenneth/etcr-vault/internal/errs"
)

// Algorithm identifies a cipher suite by its wire id.
type Algorithm byte

const (
	// AES256GCM is the default authenticated algorithm.
	AES256GCM Algorithm = 1
	// AES256CBC is a legacy unauthenticated mode, decrypt only.
	AES256CBC Algorithm = 2
	// ChaCha20Poly1305 is the RFC 8439 AEAD.
	ChaCha20Poly1305 Algorithm = 3
	// XChaCha20Poly1305 is ChaCha20-Poly1305 with a 24-byte nonce.
	XChaCha20Poly1305 Algorithm = 4
	// AES256CTR is a legacy unauthenticated mode, decrypt only.
	AES256CTR Algorithm = 5
	// AES256OFB is a legacy unauthenticated mode, decrypt only.
	AES256OFB Algorithm = 6
)

// String returns the algorithm's display name, as recorded in sidecar
// metadata and remote manifests.
func (a Algorithm) String() string {
	switch a {
	case AES256GCM:
		return "AES-256-GCM"
	case AES256CBC:
		return "AES-256-CBC"
	case ChaCha20Poly1305:
		return "ChaCha20-Poly1305"
	case XChaCha20Poly1305:
		return "XChaCha20-Poly1305"
	case AES256CTR:
		return "AES-256-CTR"
	case AES256OFB:
		return "AES-256-OFB"
	default:
		return fmt.Sprintf("unknown(%d)", byte(a))
	}
}

// ParseAlgorithm maps a display name back to its wire id.
func ParseAlgorithm(name string) (Algorithm, error) {
	switch name {
	case "AES-256-GCM":
		return AES256GCM, nil
	case "AES-256-CBC":
		return AES256CBC, nil
	case "ChaCha20-Poly1305":
		return ChaCha20Poly1305, nil
	case "XChaCha20-Poly1305":
		return XChaCha20Poly1305, nil
	case "AES-256-CTR":
		return AES256CTR, nil
	case "AES-256-OFB":
		return AES256OFB, nil
	default:
		return 0, errs.E(errs.UnknownAlgorithm, "container.parse_algorithm", "",
			fmt.Errorf("unsupported algorithm: %s", name))
	}
}

// valid reports whether the id names a known algorithm.
func (a Algorithm) valid() bool {
	return a >= AES256GCM && a <= AES256OFB
}

// ivSize returns the IV length the algorithm writes on the wire.
func (a Algorithm) ivSize() int {
	switch a {
	case AES256GCM, ChaCha20Poly1305:
		return 12
	case XChaCha20Poly1305:
		return chacha20poly1305.NonceSizeX
	case AES256CBC, AES256CTR, AES256OFB:
		return aes.BlockSize
	default:
		return 0
	}
}

// Authenticated reports whether the algorithm carries a real
// authentication tag.
func (a Algorithm) Authenticated() bool {
	switch a {
	case AES256GCM, ChaCha20Poly1305, XChaCha20Poly1305:
		return true
	default:
		return false
	}
}

// Encryptable reports whether new containers may be written with the
// algorithm. The unauthenticated modes are read-only compatibility paths.
func (a Algorithm) Encryptable() bool {
	return a.Authenticated()
}

// newAEAD creates the AEAD cipher for an authenticated algorithm.
func newAEAD(a Algorithm, key []byte) (cipher.AEAD, error) {
	if len(key) != keySize {
		return nil, fmt.Errorf("invalid key size for %s: expected %d bytes, got %d", a, keySize, len(key))
	}

	switch a {
	case AES256GCM:
		block, err := aes.NewCipher(key)
		if err != nil {
			return nil, fmt.Errorf("failed to create AES cipher: %w", err)
		}
		aead, err := cipher.NewGCM(block)
		if err != nil {
			return nil, fmt.Errorf("failed to create GCM: %w", err)
		}
		return aead, nil
	case ChaCha20Poly1305:
		aead, err := chacha20poly1305.New(key)
		if err != nil {
			return nil, fmt.Errorf("failed to create ChaCha20-Poly1305 cipher: %w", err)
		}
		return aead, nil
	case XChaCha20Poly1305:
		aead, err := chacha20poly1305.NewX(key)
		if err != nil {
			return nil, fmt.Errorf("failed to create XChaCha20-Poly1305 cipher: %w", err)
		}
		return aead, nil
	default:
		return nil, fmt.Errorf("algorithm %s is not an AEAD", a)
	}
}

// decryptUnauthenticated handles the decrypt-only legacy modes. The tag
// bytes in these containers are placeholders and are ignored.
func decryptUnauthenticated(a Algorithm, key, iv, ciphertext []byte) ([]byte, error) {
	if len(key) != keySize {
		return nil, fmt.Errorf("invalid key size for %s: expected %d bytes, got %d", a, keySize, len(key))
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create AES cipher: %w", err)
	}

	switch a {
	case AES256CBC:
		if len(ciphertext) == 0 || len(ciphertext)%aes.BlockSize != 0 {
			return nil, errs.E(errs.MalformedContainer, "container.decode", "",
				fmt.Errorf("CBC ciphertext length %d is not a positive multiple of %d", len(ciphertext), aes.BlockSize))
		}
		plaintext := make([]byte, len(ciphertext))
		cipher.NewCBCDecrypter(block, iv).CryptBlocks(plaintext, ciphertext)
		return pkcs7Unpad(plaintext)
	case AES256CTR:
		plaintext := make([]byte, len(ciphertext))
		cipher.NewCTR(block, iv).XORKeyStream(plaintext, ciphertext)
		return plaintext, nil
	case AES256OFB:
		plaintext := make([]byte, len(ciphertext))
		cipher.NewOFB(block, iv).XORKeyStream(plaintext, ciphertext)
		return plaintext, nil
	default:
		return nil, fmt.Errorf("algorithm %s is not an unauthenticated mode", a)
	}
}

// pkcs7Unpad strips PKCS#7 padding. A bad pad is indistinguishable from a
// wrong key, so it reports AuthenticationFailed.
func pkcs7Unpad(b []byte) ([]byte, error) {
	if len(b) == 0 {
		return nil, errs.E(errs.AuthenticationFailed, "container.decode", "", nil)
	}
	pad := int(b[len(b)-1])
	if pad == 0 || pad > aes.BlockSize || pad > len(b) {
		return nil, errs.E(errs.AuthenticationFailed, "container.decode", "", nil)
	}
	for _, c := range b[len(b)-pad:] {
		if int(c) != pad {
			return nil, errs.E(errs.AuthenticationFailed, "container.decode", "", nil)
		}
	}
	return b[:len(b)-pad], nil
}
