package keystore

import (
	"encoding/hex"
	"fmt"
	"time"

	"github.com/kenneth/etcr-vault/internal/crypto"
)

// Kind says where a key came from.
type Kind string

const (
	// KindGenerated is a key drawn from the system CSPRNG.
	KindGenerated Kind = "generated"
	// KindImported is key material brought in from outside.
	KindImported Kind = "imported"
	// KindCustom is a key derived from a passphrase.
	KindCustom Kind = "custom"
	// KindLegacy is a key absorbed from a bare encryption.key file.
	KindLegacy Kind = "legacy"
)

// Record is one stored data-encryption key with its metadata.
type Record struct {
	// ID is the short key id: first 4 bytes of SHA-256(key), hex encoded.
	ID string
	// Key is the raw 32-byte key. Kept out of every serialization; the
	// disk layout is recordFile.
	Key []byte `json:"-"`
	// Kind says where the key came from.
	Kind Kind
	// Description is free-form operator text.
	Description string
	// Created is when the record entered this store.
	Created time.Time
	// Imported is when foreign key material was absorbed; zero otherwise.
	Imported time.Time
	// Active marks the key new encryptions use.
	Active bool
}

// Hash returns SHA-256 of the raw key.
func (r *Record) Hash() [32]byte {
	return crypto.KeyHash(r.Key)
}

// clone returns a copy whose key bytes are independent of the store's.
func (r *Record) clone() Record {
	c := *r
	c.Key = append([]byte(nil), r.Key...)
	return c
}

// recordFile is the on-disk JSON layout of keys/<id>.key.
type recordFile struct {
	KeyID    string         `json:"keyId"`
	Key      string         `json:"key"`
	Metadata recordMetadata `json:"metadata"`
}

type recordMetadata struct {
	Type        string     `json:"type"`
	Description string     `json:"description,omitempty"`
	Created     time.Time  `json:"created"`
	Imported    *time.Time `json:"imported,omitempty"`
}

func (r *Record) toFile() recordFile {
	rf := recordFile{
		KeyID: r.ID,
		Key:   hex.EncodeToString(r.Key),
		Metadata: recordMetadata{
			Type:        string(r.Kind),
			Description: r.Description,
			Created:     r.Created,
		},
	}
	if !r.Imported.IsZero() {
		imported := r.Imported
		rf.Metadata.Imported = &imported
	}
	return rf
}

func (rf *recordFile) toRecord() (*Record, error) {
	key, err := hex.DecodeString(rf.Key)
	if err != nil {
		return nil, fmt.Errorf("key is not valid hex: %w", err)
	}
	if len(key) != crypto.KeySize {
		return nil, fmt.Errorf("key is %d bytes, want %d", len(key), crypto.KeySize)
	}

	rec := &Record{
		ID:          crypto.KeyID(key),
		Key:         key,
		Kind:        Kind(rf.Metadata.Type),
		Description: rf.Metadata.Description,
		Created:     rf.Metadata.Created,
	}
	if rf.Metadata.Imported != nil {
		rec.Imported = *rf.Metadata.Imported
	}
	switch rec.Kind {
	case KindGenerated, KindImported, KindCustom, KindLegacy:
	default:
		rec.Kind = KindImported
	}
	if rec.Created.IsZero() {
		rec.Created = time.Now().UTC()
	}
	return rec, nil
}
