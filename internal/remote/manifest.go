package remote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"time"
)

// errBadManifest marks a manifest object that exists but cannot be parsed.
var errBadManifest = errors.New("unparseable manifest")

// ManifestEntry is one container recorded in a day folder's manifest.
type ManifestEntry struct {
	EncryptedFilename string    `json:"encryptedFilename"`
	DEKHash           string    `json:"dekHash"`
	Size              int64     `json:"size"`
	Algorithm         string    `json:"algorithm"`
	Timestamp         time.Time `json:"timestamp"`
}

// ManifestMeta carries the manifest's own timestamps.
type ManifestMeta struct {
	Created time.Time `json:"created"`
	Updated time.Time `json:"updated"`
}

// Manifest indexes the containers uploaded into one day folder, keyed by
// original file name; re-uploading a name replaces its entry. Writers do
// read-modify-write without remote locking, so concurrent uploaders follow
// last write wins; the containers themselves are never overwritten by a
// manifest race.
type Manifest struct {
	Files    map[string]ManifestEntry `json:"files"`
	Metadata ManifestMeta             `json:"metadata"`
}

// Upsert records the entry for an original file name.
func (m *Manifest) Upsert(originalName string, entry ManifestEntry) {
	if m.Files == nil {
		m.Files = make(map[string]ManifestEntry)
	}
	m.Files[originalName] = entry
}

// FindOriginal returns the entry for an original file name.
func (m *Manifest) FindOriginal(name string) (ManifestEntry, bool) {
	entry, ok := m.Files[name]
	return entry, ok
}

// loadManifest reads a manifest object. A missing object yields an empty
// manifest; a present but unparseable one is an error so the caller can
// decide whether to start over.
func loadManifest(ctx context.Context, store ObjectStore, name string) (*Manifest, error) {
	data, err := store.Get(ctx, name)
	if errors.Is(err, fs.ErrNotExist) {
		return &Manifest{}, nil
	}
	if err != nil {
		return nil, err
	}

	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("%w %s: %v", errBadManifest, name, err)
	}
	return &m, nil
}

// saveManifest stamps and writes a manifest object.
func saveManifest(ctx context.Context, store ObjectStore, name string, m *Manifest) error {
	now := time.Now().UTC()
	if m.Metadata.Created.IsZero() {
		m.Metadata.Created = now
	}
	m.Metadata.Updated = now
	if m.Files == nil {
		m.Files = map[string]ManifestEntry{}
	}
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode manifest %s: %w", name, err)
	}
	return store.Put(ctx, name, data)
}
