package vault

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/kenneth/etcr-vault/internal/errs"
)

// sidecarName is the metadata file kept next to the containers.
const sidecarName = "metadata.json"

// Entry describes one container in the vault.
type Entry struct {
	ID                string
	OriginalName      string
	EncryptedPath     string
	EncryptedFilename string
	OriginalSize      int64
	EncryptedSize     int64
	Algorithm         string
	DEKHash           string
	Timestamp         time.Time
	KeyID             string
	KeyType           string
	// BackupPath is the user-visible container copy, when one was made.
	BackupPath string

	// Extra holds fields written by other tools. They ride along
	// untouched through load, modify, save.
	Extra map[string]json.RawMessage
}

// knownEntryKeys are the JSON keys owned by Entry itself.
var knownEntryKeys = []string{
	"id", "originalName", "encryptedPath", "encryptedFilename",
	"originalSize", "encryptedSize", "algorithm", "dekHash",
	"timestamp", "keyId", "keyType", "backupPath",
}

type entryJSON struct {
	ID                string    `json:"id"`
	OriginalName      string    `json:"originalName"`
	EncryptedPath     string    `json:"encryptedPath"`
	EncryptedFilename string    `json:"encryptedFilename"`
	OriginalSize      int64     `json:"originalSize"`
	EncryptedSize     int64     `json:"encryptedSize"`
	Algorithm         string    `json:"algorithm"`
	DEKHash           string    `json:"dekHash"`
	Timestamp         time.Time `json:"timestamp"`
	KeyID             string    `json:"keyId,omitempty"`
	KeyType           string    `json:"keyType,omitempty"`
	BackupPath        string    `json:"backupPath,omitempty"`
}

// MarshalJSON writes the known fields plus whatever Extra carries.
func (e Entry) MarshalJSON() ([]byte, error) {
	out := make(map[string]json.RawMessage, len(knownEntryKeys)+len(e.Extra))
	for k, v := range e.Extra {
		out[k] = v
	}

	known, err := json.Marshal(entryJSON{
		ID:                e.ID,
		OriginalName:      e.OriginalName,
		EncryptedPath:     e.EncryptedPath,
		EncryptedFilename: e.EncryptedFilename,
		OriginalSize:      e.OriginalSize,
		EncryptedSize:     e.EncryptedSize,
		Algorithm:         e.Algorithm,
		DEKHash:           e.DEKHash,
		Timestamp:         e.Timestamp,
		KeyID:             e.KeyID,
		KeyType:           e.KeyType,
		BackupPath:        e.BackupPath,
	})
	if err != nil {
		return nil, err
	}
	var knownMap map[string]json.RawMessage
	if err := json.Unmarshal(known, &knownMap); err != nil {
		return nil, err
	}
	for k, v := range knownMap {
		out[k] = v
	}
	return json.Marshal(out)
}

// UnmarshalJSON reads the known fields and stashes everything else in Extra.
func (e *Entry) UnmarshalJSON(data []byte) error {
	var known entryJSON
	if err := json.Unmarshal(data, &known); err != nil {
		return err
	}
	e.ID = known.ID
	e.OriginalName = known.OriginalName
	e.EncryptedPath = known.EncryptedPath
	e.EncryptedFilename = known.EncryptedFilename
	e.OriginalSize = known.OriginalSize
	e.EncryptedSize = known.EncryptedSize
	e.Algorithm = known.Algorithm
	e.DEKHash = known.DEKHash
	e.Timestamp = known.Timestamp
	e.KeyID = known.KeyID
	e.KeyType = known.KeyType
	e.BackupPath = known.BackupPath

	var all map[string]json.RawMessage
	if err := json.Unmarshal(data, &all); err != nil {
		return err
	}
	for _, k := range knownEntryKeys {
		delete(all, k)
	}
	if len(all) > 0 {
		e.Extra = all
	} else {
		e.Extra = nil
	}
	return nil
}

// sidecar is the metadata.json next to the containers: a JSON array of
// entries, loaded once and rewritten atomically on every change.
type sidecar struct {
	path   string
	logger *logrus.Logger

	mu      sync.Mutex
	entries []Entry
}

func newSidecar(dir string, logger *logrus.Logger) *sidecar {
	return &sidecar{path: filepath.Join(dir, sidecarName), logger: logger}
}

// load reads the sidecar. A missing file is an empty vault; a file that
// does not parse is treated the same so the vault keeps working, and is
// replaced on the next save.
func (sc *sidecar) load() error {
	sc.mu.Lock()
	defer sc.mu.Unlock()

	data, err := os.ReadFile(sc.path)
	if err != nil {
		if os.IsNotExist(err) {
			sc.entries = nil
			return nil
		}
		return errs.E(errs.IO, "sidecar.load", sc.path, err)
	}

	var entries []Entry
	if err := json.Unmarshal(data, &entries); err != nil {
		sc.logger.WithError(err).WithField("path", sc.path).
			Warn("Sidecar metadata is malformed; starting with an empty index")
		sc.entries = nil
		return nil
	}
	sc.entries = entries
	return nil
}

// save writes the sidecar atomically. A failed rename is retried once with
// a fresh temp path.
func (sc *sidecar) save() error {
	entries := sc.entries
	if entries == nil {
		entries = []Entry{}
	}
	data, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal sidecar metadata: %w", err)
	}

	if err := writeSidecarFile(sc.path, data); err != nil {
		sc.logger.WithError(err).Warn("Sidecar write failed; retrying once")
		if err := writeSidecarFile(sc.path, data); err != nil {
			return errs.E(errs.IO, "sidecar.save", sc.path, err)
		}
	}
	return nil
}

func writeSidecarFile(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp := filepath.Join(dir, "."+sidecarName+"."+uuid.NewString()[:8]+".tmp")

	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to replace %s: %w", sidecarName, err)
	}
	return nil
}

// upsert replaces the entry with the same id, or appends.
func (sc *sidecar) upsert(entry Entry) error {
	sc.mu.Lock()
	defer sc.mu.Unlock()

	replaced := false
	for i := range sc.entries {
		if sc.entries[i].ID == entry.ID {
			// Keep unknown fields from the stored entry unless the
			// caller brought its own.
			if entry.Extra == nil {
				entry.Extra = sc.entries[i].Extra
			}
			sc.entries[i] = entry
			replaced = true
			break
		}
	}
	if !replaced {
		sc.entries = append(sc.entries, entry)
	}
	return sc.save()
}

// remove deletes the entry with the given id, if present.
func (sc *sidecar) remove(id string) error {
	sc.mu.Lock()
	defer sc.mu.Unlock()

	for i := range sc.entries {
		if sc.entries[i].ID == id {
			sc.entries = append(sc.entries[:i], sc.entries[i+1:]...)
			return sc.save()
		}
	}
	return nil
}

// find returns the entry with the given id.
func (sc *sidecar) find(id string) (Entry, bool) {
	sc.mu.Lock()
	defer sc.mu.Unlock()

	for i := range sc.entries {
		if sc.entries[i].ID == id {
			return sc.entries[i], true
		}
	}
	return Entry{}, false
}

// findByName returns the newest entry for an original name.
func (sc *sidecar) findByName(name string) (Entry, bool) {
	sc.mu.Lock()
	defer sc.mu.Unlock()

	var best Entry
	found := false
	for i := range sc.entries {
		if sc.entries[i].OriginalName != name {
			continue
		}
		if !found || sc.entries[i].Timestamp.After(best.Timestamp) {
			best = sc.entries[i]
			found = true
		}
	}
	return best, found
}

// list returns a copy of all entries.
func (sc *sidecar) list() []Entry {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	return append([]Entry(nil), sc.entries...)
}
