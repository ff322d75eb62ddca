// Package container implements the ETCR encrypted container format: a
// self-describing binary frame of magic, version, algorithm id, IV and tag
// geometry, the SHA-256 of the sealing key, and the payload. It also reads
// the unframed legacy layout that predates the magic.
package container

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"

	cryptoutil "github.com/kenneth/etcr-vault/internal/crypto"
	"github.com/kenneth/etcr-vault/internal/errs"
)

const (
	// Version is the container format version this build writes.
	Version = 0x01

	keySize     = 32
	keyHashSize = sha256.Size
	tagSize     = 16

	// fixedHeaderSize covers magic(4), version(1), algorithm(1),
	// iv length(1), tag length(1).
	fixedHeaderSize = 8

	// legacy unframed layout: iv(16) || tag(16) || ciphertext
	legacyIVSize  = 16
	legacyTagSize = 16
)

// Magic is the four-byte signature at the start of every framed container.
var Magic = [4]byte{'E', 'T', 'C', 'R'}

// KeyResolver maps the key identity embedded in a container to raw key
// material. The key store implements it.
type KeyResolver interface {
	// KeyByHash returns the 32-byte key whose SHA-256 digest equals hash.
	KeyByHash(hash [keyHashSize]byte) ([]byte, error)

	// ActiveKey returns the currently active key. The unframed legacy
	// layout carries no key hash, so it can only be tried against this.
	ActiveKey() ([]byte, error)
}

// Result is the outcome of a successful Decode.
type Result struct {
	// Plaintext is the decrypted payload.
	Plaintext []byte
	// Algorithm is the cipher suite the container was sealed with.
	Algorithm Algorithm
	// KeyHash is the SHA-256 of the key that opened the container.
	KeyHash [keyHashSize]byte
	// KeyID is the short id of that key.
	KeyID string
	// Legacy is set when the unframed pre-magic layout was decoded.
	Legacy bool
	// Unauthenticated is set when the algorithm carried no real
	// authentication tag; the plaintext was delivered without an
	// integrity check.
	Unauthenticated bool
}

// Info is a header-only view of a container, available without any key.
type Info struct {
	Version        byte
	Algorithm      Algorithm
	IVSize         int
	TagSize        int
	KeyHash        [keyHashSize]byte
	CiphertextSize int
	Legacy         bool
}

// KeyHashHex returns the embedded key hash as lowercase hex.
func (i Info) KeyHashHex() string {
	return hex.EncodeToString(i.KeyHash[:])
}

// HeaderSize returns the exact header length for an algorithm:
// fixed fields, key hash, IV, and tag.
func HeaderSize(a Algorithm) int {
	return fixedHeaderSize + keyHashSize + a.ivSize() + tagSize
}

// Encode seals plaintext into a framed container under key. Only the
// authenticated algorithms may be used for writing; every call draws a
// fresh random IV.
func Encode(plaintext, key []byte, alg Algorithm) ([]byte, error) {
	if len(key) != keySize {
		return nil, errs.E(errs.KeyLengthInvalid, "container.encode", "", nil)
	}
	if !alg.valid() || !alg.Encryptable() {
		return nil, errs.E(errs.UnknownAlgorithm, "container.encode", "",
			fmt.Errorf("algorithm %s cannot be used for encryption", alg))
	}

	aead, err := newAEAD(alg, key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}

	iv := make([]byte, alg.ivSize())
	if _, err := io.ReadFull(rand.Reader, iv); err != nil {
		return nil, fmt.Errorf("failed to generate IV: %w", err)
	}

	// Seal returns ciphertext||tag; the frame stores the tag ahead of
	// the ciphertext, so split it back out.
	sealed := aead.Seal(nil, iv, plaintext, nil)
	ciphertext := sealed[:len(sealed)-tagSize]
	tag := sealed[len(sealed)-tagSize:]

	hash := cryptoutil.KeyHash(key)

	out := make([]byte, 0, HeaderSize(alg)+len(ciphertext))
	out = append(out, Magic[:]...)
	out = append(out, Version, byte(alg), byte(alg.ivSize()), byte(tagSize))
	out = append(out, hash[:]...)
	out = append(out, iv...)
	out = append(out, tag...)
	out = append(out, ciphertext...)
	return out, nil
}

// Decode opens a container. Blobs that start with the magic are parsed as
// framed containers; anything else is tried as the unframed legacy layout
// against the active key.
func Decode(data []byte, keys KeyResolver) (*Result, error) {
	if bytes.HasPrefix(data, Magic[:]) {
		return decodeFramed(data, keys)
	}
	return decodeLegacy(data, keys)
}

// Inspect parses a container's header without any key material. Unframed
// blobs large enough for the legacy layout report Legacy with the assumed
// geometry.
func Inspect(data []byte) (*Info, error) {
	if bytes.HasPrefix(data, Magic[:]) {
		info, _, _, _, err := parseFramed(data)
		if err != nil {
			return nil, err
		}
		return info, nil
	}
	if len(data) < legacyIVSize+legacyTagSize {
		return nil, errs.E(errs.MalformedContainer, "container.inspect", "",
			fmt.Errorf("%d bytes is too short for any container layout", len(data)))
	}
	return &Info{
		Algorithm:      AES256GCM,
		IVSize:         legacyIVSize,
		TagSize:        legacyTagSize,
		CiphertextSize: len(data) - legacyIVSize - legacyTagSize,
		Legacy:         true,
	}, nil
}

// parseFramed validates the frame and returns the header view plus the iv,
// tag, and ciphertext slices. Validation order: length, magic, version,
// algorithm, geometry.
func parseFramed(data []byte) (*Info, []byte, []byte, []byte, error) {
	const op = "container.decode"

	if len(data) < fixedHeaderSize {
		return nil, nil, nil, nil, errs.E(errs.MalformedContainer, op, "",
			fmt.Errorf("truncated header: %d bytes", len(data)))
	}
	if !bytes.Equal(data[:4], Magic[:]) {
		return nil, nil, nil, nil, errs.E(errs.MalformedContainer, op, "", fmt.Errorf("bad magic"))
	}
	if data[4] != Version {
		return nil, nil, nil, nil, errs.E(errs.UnsupportedVersion, op, "",
			fmt.Errorf("container version %d, this build reads version %d", data[4], Version))
	}

	alg := Algorithm(data[5])
	if !alg.valid() {
		return nil, nil, nil, nil, errs.E(errs.UnknownAlgorithm, op, "",
			fmt.Errorf("algorithm id %d", data[5]))
	}

	ivLen := int(data[6])
	tagLen := int(data[7])
	if ivLen != alg.ivSize() || tagLen != tagSize {
		return nil, nil, nil, nil, errs.E(errs.MalformedContainer, op, "",
			fmt.Errorf("geometry iv=%d tag=%d does not match %s", ivLen, tagLen, alg))
	}

	headerLen := fixedHeaderSize + keyHashSize + ivLen + tagLen
	if len(data) < headerLen {
		return nil, nil, nil, nil, errs.E(errs.MalformedContainer, op, "",
			fmt.Errorf("container is %d bytes, header alone needs %d", len(data), headerLen))
	}

	info := &Info{
		Version:        data[4],
		Algorithm:      alg,
		IVSize:         ivLen,
		TagSize:        tagLen,
		CiphertextSize: len(data) - headerLen,
	}
	copy(info.KeyHash[:], data[fixedHeaderSize:fixedHeaderSize+keyHashSize])

	iv := data[fixedHeaderSize+keyHashSize : fixedHeaderSize+keyHashSize+ivLen]
	tag := data[fixedHeaderSize+keyHashSize+ivLen : headerLen]
	ciphertext := data[headerLen:]
	return info, iv, tag, ciphertext, nil
}

func decodeFramed(data []byte, keys KeyResolver) (*Result, error) {
	info, iv, tag, ciphertext, err := parseFramed(data)
	if err != nil {
		return nil, err
	}

	key, err := keys.KeyByHash(info.KeyHash)
	if err != nil {
		return nil, err
	}

	res := &Result{
		Algorithm: info.Algorithm,
		KeyHash:   info.KeyHash,
		KeyID:     cryptoutil.KeyID(key),
	}

	if info.Algorithm.Authenticated() {
		aead, err := newAEAD(info.Algorithm, key)
		if err != nil {
			return nil, fmt.Errorf("failed to create cipher: %w", err)
		}
		sealed := make([]byte, 0, len(ciphertext)+tagSize)
		sealed = append(sealed, ciphertext...)
		sealed = append(sealed, tag...)
		plaintext, err := aead.Open(nil, iv, sealed, nil)
		if err != nil {
			return nil, errs.E(errs.AuthenticationFailed, "container.decode", "", nil)
		}
		res.Plaintext = plaintext
		return res, nil
	}

	plaintext, err := decryptUnauthenticated(info.Algorithm, key, iv, ciphertext)
	if err != nil {
		return nil, err
	}
	res.Plaintext = plaintext
	res.Unauthenticated = true
	return res, nil
}

// decodeLegacy tries the unframed layout iv(16) || tag(16) || ciphertext,
// AES-256-GCM with a 16-byte nonce, against the active key.
func decodeLegacy(data []byte, keys KeyResolver) (*Result, error) {
	const op = "container.decode"

	if len(data) < legacyIVSize+legacyTagSize {
		return nil, errs.E(errs.MalformedContainer, op, "",
			fmt.Errorf("%d bytes is too short for any container layout", len(data)))
	}

	key, err := keys.ActiveKey()
	if err != nil {
		return nil, err
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create AES cipher: %w", err)
	}
	aead, err := cipher.NewGCMWithNonceSize(block, legacyIVSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}

	iv := data[:legacyIVSize]
	tag := data[legacyIVSize : legacyIVSize+legacyTagSize]
	ciphertext := data[legacyIVSize+legacyTagSize:]

	sealed := make([]byte, 0, len(ciphertext)+legacyTagSize)
	sealed = append(sealed, ciphertext...)
	sealed = append(sealed, tag...)

	plaintext, err := aead.Open(nil, iv, sealed, nil)
	if err != nil {
		return nil, errs.E(errs.AuthenticationFailed, op, "", nil)
	}

	return &Result{
		Plaintext: plaintext,
		Algorithm: AES256GCM,
		KeyHash:   cryptoutil.KeyHash(key),
		KeyID:     cryptoutil.KeyID(key),
		Legacy:    true,
	}, nil
}
