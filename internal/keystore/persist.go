package keystore

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/kenneth/etcr-vault/internal/crypto"
	"github.com/kenneth/etcr-vault/internal/errs"
)

const (
	keysDirName    = "keys"
	keyFileExt     = ".key"
	activeFileName = "encryption.key"
	lockFileName   = ".lock"

	dirMode  = 0700
	fileMode = 0600
)

func (s *Store) keysDir() string {
	return filepath.Join(s.dir, keysDirName)
}

func (s *Store) recordPath(id string) string {
	return filepath.Join(s.keysDir(), id+keyFileExt)
}

func (s *Store) activePath() string {
	return filepath.Join(s.dir, activeFileName)
}

func (s *Store) lockPath() string {
	return filepath.Join(s.dir, lockFileName)
}

func (s *Store) ensureDirs() error {
	if err := os.MkdirAll(s.keysDir(), dirMode); err != nil {
		return errs.E(errs.IO, "keystore.open", s.dir, err)
	}
	return nil
}

// writeFileAtomic writes data via a temp file in the same directory and
// renames it over path.
func writeFileAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	tmp := filepath.Join(dir, "."+filepath.Base(path)+"."+uuid.NewString()[:8]+".tmp")

	if err := os.WriteFile(tmp, data, perm); err != nil {
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to replace %s: %w", filepath.Base(path), err)
	}
	return nil
}

// saveRecord persists one record under keys/.
func (s *Store) saveRecord(rec *Record) error {
	data, err := json.MarshalIndent(rec.toFile(), "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal key record: %w", err)
	}
	if err := writeFileAtomic(s.recordPath(rec.ID), data, fileMode); err != nil {
		return errs.E(errs.IO, "keystore.save", s.recordPath(rec.ID), err)
	}
	return nil
}

// readRecordFile loads a single keys/*.key file.
func readRecordFile(path string) (*Record, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var rf recordFile
	if err := json.Unmarshal(data, &rf); err != nil {
		return nil, fmt.Errorf("failed to parse key record: %w", err)
	}
	return rf.toRecord()
}

// writeActive mirrors the active key into the legacy encryption.key file.
func (s *Store) writeActive(key []byte) error {
	if err := writeFileAtomic(s.activePath(), []byte(hex.EncodeToString(key)), fileMode); err != nil {
		return errs.E(errs.IO, "keystore.activate", s.activePath(), err)
	}
	return nil
}

func (s *Store) removeActive() error {
	if err := os.Remove(s.activePath()); err != nil && !os.IsNotExist(err) {
		return errs.E(errs.IO, "keystore.activate", s.activePath(), err)
	}
	return nil
}

// readActive returns the key hex from encryption.key, or nil when the file
// is absent or does not hold a 32-byte hex key.
func (s *Store) readActive() []byte {
	data, err := os.ReadFile(s.activePath())
	if err != nil {
		if !os.IsNotExist(err) {
			s.logger.WithError(err).Warn("Failed to read encryption.key")
		}
		return nil
	}
	key, err := hex.DecodeString(strings.TrimSpace(string(data)))
	if err != nil || len(key) != crypto.KeySize {
		s.logger.WithField("path", s.activePath()).Warn("encryption.key does not hold a valid key; ignoring")
		return nil
	}
	return key
}

// loadDir reads every keys/*.key into a fresh map keyed by canonical id.
// Records whose filename does not match the canonical id are migrated.
func (s *Store) loadDir() (map[string]*Record, error) {
	entries, err := os.ReadDir(s.keysDir())
	if err != nil {
		return nil, errs.E(errs.IO, "keystore.load", s.keysDir(), err)
	}

	records := make(map[string]*Record)
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, keyFileExt) || strings.HasPrefix(name, ".") {
			continue
		}
		path := filepath.Join(s.keysDir(), name)

		rec, err := readRecordFile(path)
		if err != nil {
			s.logger.WithError(err).WithField("file", name).Warn("Skipping unreadable key record")
			continue
		}

		if _, ok := records[rec.ID]; ok {
			s.logger.WithFields(logrus.Fields{
				"key_id": rec.ID,
				"file":   name,
			}).Warn("Duplicate key record; keeping the earlier one")
			continue
		}
		records[rec.ID] = rec

		// Old stores named files after hex(key[:4]); re-home them under
		// the canonical hash-based id.
		if fileID := strings.TrimSuffix(name, keyFileExt); fileID != rec.ID {
			s.logger.WithFields(logrus.Fields{
				"file":   name,
				"key_id": rec.ID,
			}).Info("Migrating key record to canonical id")
			if err := s.saveRecord(rec); err != nil {
				s.logger.WithError(err).Warn("Failed to migrate key record")
			} else if err := os.Remove(path); err != nil {
				s.logger.WithError(err).Warn("Failed to remove old key record")
			}
		}
	}
	return records, nil
}
