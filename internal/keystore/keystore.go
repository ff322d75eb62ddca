// Package keystore manages the data-encryption keys containers are sealed
// with: generation, import, passphrase derivation, activation, deletion
// with promotion, and passphrase-protected backups. Records live as one
// JSON file per key under keys/, with the active key mirrored into the
// legacy encryption.key file older tools read.
package keystore

import (
	"context"
	"encoding/hex"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"

	"github.com/kenneth/etcr-vault/internal/crypto"
	"github.com/kenneth/etcr-vault/internal/errs"
	"github.com/kenneth/etcr-vault/internal/flock"
)

// Store is a directory-backed key store. It is safe for concurrent use,
// and safe against concurrent processes sharing the directory: writes are
// serialized by an advisory file lock, and a directory watcher absorbs
// changes made by others.
type Store struct {
	dir    string
	logger *logrus.Logger
	lock   *flock.Lock
	kdfSem *semaphore.Weighted

	mu       sync.RWMutex
	records  map[string]*Record
	byHash   map[[32]byte]string
	activeID string

	fsw  *fsnotify.Watcher
	done chan struct{}
	wg   sync.WaitGroup
}

// Options configures Open.
type Options struct {
	// Logger receives store events. Defaults to the standard logger.
	Logger *logrus.Logger
	// Watch enables the keys/ directory watcher.
	Watch bool
	// KDFConcurrency bounds concurrent passphrase derivations. Zero
	// means 2.
	KDFConcurrency int
}

// Open loads the store in dir, creating the directory layout on first use.
func Open(dir string, opts Options) (*Store, error) {
	logger := opts.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	kdfWorkers := opts.KDFConcurrency
	if kdfWorkers <= 0 {
		kdfWorkers = 2
	}

	s := &Store{
		dir:     dir,
		logger:  logger,
		kdfSem:  semaphore.NewWeighted(int64(kdfWorkers)),
		records: make(map[string]*Record),
		byHash:  make(map[[32]byte]string),
		done:    make(chan struct{}),
	}
	if err := s.ensureDirs(); err != nil {
		return nil, err
	}
	s.lock = flock.New(s.lockPath())

	if err := s.lock.LockContext(context.Background()); err != nil {
		return nil, errs.E(errs.IO, "keystore.open", s.lockPath(), err)
	}
	s.mu.Lock()
	err := s.reload()
	s.mu.Unlock()
	s.lock.Unlock()
	if err != nil {
		return nil, err
	}

	if opts.Watch {
		if err := s.startWatcher(); err != nil {
			logger.WithError(err).Warn("Key store watcher unavailable; continuing without it")
		}
	}

	s.mu.RLock()
	logger.WithFields(logrus.Fields{
		"dir":    dir,
		"keys":   len(s.records),
		"active": s.activeID,
	}).Info("Key store opened")
	s.mu.RUnlock()
	return s, nil
}

// Close stops the watcher and drops key material from memory.
func (s *Store) Close() error {
	s.stopWatcher()

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, rec := range s.records {
		crypto.ZeroBytes(rec.Key)
	}
	s.records = make(map[string]*Record)
	s.byHash = make(map[[32]byte]string)
	s.activeID = ""
	return nil
}

// reload rebuilds in-memory state from disk. The caller holds s.mu; for
// writes it must also hold the file lock.
func (s *Store) reload() error {
	records, err := s.loadDir()
	if err != nil {
		return err
	}

	activeID := ""
	if activeKey := s.readActive(); activeKey != nil {
		id := crypto.KeyID(activeKey)
		if _, ok := records[id]; !ok {
			now := time.Now().UTC()
			rec := &Record{
				ID:          id,
				Key:         activeKey,
				Kind:        KindLegacy,
				Description: "imported from encryption.key",
				Created:     now,
				Imported:    now,
			}
			if err := s.saveRecord(rec); err != nil {
				s.logger.WithError(err).Warn("Failed to persist key absorbed from encryption.key")
			}
			records[id] = rec
			s.logger.WithField("key_id", id).Info("Absorbed legacy key from encryption.key")
		}
		activeID = id
	} else if len(records) > 0 {
		activeID = oldestID(records)
		if err := s.writeActive(records[activeID].Key); err != nil {
			s.logger.WithError(err).Warn("Failed to restore encryption.key mirror")
		}
		s.logger.WithField("key_id", activeID).Info("No active key on disk; promoted oldest")
	} else {
		// Nothing stored; drop a stale or unreadable mirror if present.
		_ = s.removeActive()
	}

	s.records = records
	s.byHash = make(map[[32]byte]string, len(records))
	for id, rec := range records {
		s.byHash[rec.Hash()] = id
	}
	s.activeID = activeID
	return nil
}

// Generate creates, persists, and returns a fresh random key. The first
// key a store ever holds becomes active.
func (s *Store) Generate(ctx context.Context, description string) (Record, error) {
	key, err := crypto.NewKey()
	if err != nil {
		return Record{}, err
	}
	return s.addKey(ctx, key, KindGenerated, description, time.Time{})
}

// Import stores externally supplied key material given as 64 hex chars.
// Importing a key that is already present returns the existing record
// untouched.
func (s *Store) Import(ctx context.Context, keyHex, description string) (Record, error) {
	key, err := hex.DecodeString(strings.TrimSpace(keyHex))
	if err != nil {
		return Record{}, errs.E(errs.KeyLengthInvalid, "keystore.import", "",
			fmt.Errorf("key is not valid hex: %w", err))
	}
	if len(key) != crypto.KeySize {
		return Record{}, errs.E(errs.KeyLengthInvalid, "keystore.import", "",
			fmt.Errorf("key is %d bytes, want %d", len(key), crypto.KeySize))
	}
	return s.addKey(ctx, key, KindImported, description, time.Now().UTC())
}

// Derive produces a key from a passphrase with PBKDF2-HMAC-SHA256. With
// entropy the salt is deterministic, so the same passphrase and entropy
// reproduce the same key anywhere; without it the salt is random. The
// number of concurrent derivations is bounded, and ctx cancels waiting
// for a slot.
func (s *Store) Derive(ctx context.Context, passphrase, entropy, description string) (Record, error) {
	if err := crypto.CheckPassphrase(passphrase); err != nil {
		return Record{}, err
	}

	var salt []byte
	if entropy != "" {
		salt = crypto.SaltFromEntropy(entropy)
	} else {
		var err error
		salt, err = crypto.NewSalt()
		if err != nil {
			return Record{}, err
		}
	}

	if err := s.kdfSem.Acquire(ctx, 1); err != nil {
		return Record{}, fmt.Errorf("failed to acquire derivation slot: %w", err)
	}
	key, err := crypto.DeriveKey(passphrase, salt)
	s.kdfSem.Release(1)
	if err != nil {
		return Record{}, err
	}

	return s.addKey(ctx, key, KindCustom, description, time.Time{})
}

// addKey persists a new record, or returns the existing one when the key
// is already stored.
func (s *Store) addKey(ctx context.Context, key []byte, kind Kind, description string, imported time.Time) (Record, error) {
	id := crypto.KeyID(key)

	if err := s.lock.LockContext(ctx); err != nil {
		return Record{}, errs.E(errs.IO, "keystore.save", s.lockPath(), err)
	}
	defer s.lock.Unlock()

	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.records[id]; ok {
		crypto.ZeroBytes(key)
		return s.snapshot(existing), nil
	}

	rec := &Record{
		ID:          id,
		Key:         key,
		Kind:        kind,
		Description: description,
		Created:     time.Now().UTC(),
		Imported:    imported,
	}
	if err := s.saveRecord(rec); err != nil {
		return Record{}, err
	}

	s.records[id] = rec
	s.byHash[rec.Hash()] = id

	if s.activeID == "" {
		if err := s.writeActive(rec.Key); err != nil {
			return Record{}, err
		}
		s.activeID = id
	}

	s.logger.WithFields(logrus.Fields{
		"key_id": id,
		"kind":   kind,
		"active": s.activeID == id,
	}).Info("Stored encryption key")
	return s.snapshot(rec), nil
}

// Activate makes the given key the one new encryptions use.
func (s *Store) Activate(ctx context.Context, id string) error {
	if err := s.lock.LockContext(ctx); err != nil {
		return errs.E(errs.IO, "keystore.activate", s.lockPath(), err)
	}
	defer s.lock.Unlock()

	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[id]
	if !ok {
		return errs.E(errs.UnknownKey, "keystore.activate", "", fmt.Errorf("key id %s", id))
	}
	if s.activeID == id {
		return nil
	}
	if err := s.writeActive(rec.Key); err != nil {
		return err
	}
	s.activeID = id
	s.logger.WithField("key_id", id).Info("Activated encryption key")
	return nil
}

// Delete removes a key. Deleting the active key promotes the oldest
// remaining one; deleting the last key clears the store.
func (s *Store) Delete(ctx context.Context, id string) error {
	if err := s.lock.LockContext(ctx); err != nil {
		return errs.E(errs.IO, "keystore.delete", s.lockPath(), err)
	}
	defer s.lock.Unlock()

	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[id]
	if !ok {
		return errs.E(errs.UnknownKey, "keystore.delete", "", fmt.Errorf("key id %s", id))
	}

	if err := os.Remove(s.recordPath(id)); err != nil && !os.IsNotExist(err) {
		return errs.E(errs.IO, "keystore.delete", s.recordPath(id), err)
	}
	delete(s.records, id)
	delete(s.byHash, rec.Hash())
	crypto.ZeroBytes(rec.Key)

	if s.activeID == id {
		s.activeID = ""
		if len(s.records) > 0 {
			promoted := oldestID(s.records)
			if err := s.writeActive(s.records[promoted].Key); err != nil {
				return err
			}
			s.activeID = promoted
			s.logger.WithFields(logrus.Fields{
				"deleted":  id,
				"promoted": promoted,
			}).Info("Deleted active key; promoted oldest remaining")
		} else {
			if err := s.removeActive(); err != nil {
				return err
			}
			s.logger.WithField("key_id", id).Info("Deleted last encryption key")
		}
		return nil
	}

	s.logger.WithField("key_id", id).Info("Deleted encryption key")
	return nil
}

// List returns all records, the active one first, the rest newest first.
func (s *Store) List() []Record {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Record, 0, len(s.records))
	for _, rec := range s.records {
		out = append(out, s.snapshot(rec))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Active != out[j].Active {
			return out[i].Active
		}
		if !out[i].Created.Equal(out[j].Created) {
			return out[i].Created.After(out[j].Created)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Get returns the record with the given id.
func (s *Store) Get(id string) (Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.records[id]
	if !ok {
		return Record{}, errs.E(errs.UnknownKey, "keystore.get", "", fmt.Errorf("key id %s", id))
	}
	return s.snapshot(rec), nil
}

// Export returns the raw key as 64 hex chars for the caller to store
// externally.
func (s *Store) Export(id string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.records[id]
	if !ok {
		return "", errs.E(errs.UnknownKey, "keystore.export", "", fmt.Errorf("key id %s", id))
	}
	return hex.EncodeToString(rec.Key), nil
}

// Active returns the active record.
func (s *Store) Active() (Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.activeID == "" {
		return Record{}, errs.E(errs.NoActiveKey, "keystore.active", "", nil)
	}
	return s.snapshot(s.records[s.activeID]), nil
}

// Count returns the number of stored keys.
func (s *Store) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}

// KeyByHash returns the raw key whose SHA-256 equals hash. It implements
// the container codec's resolver.
func (s *Store) KeyByHash(hash [32]byte) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.byHash[hash]
	if !ok {
		return nil, errs.E(errs.UnknownKeyForContainer, "keystore.resolve", "", nil)
	}
	return append([]byte(nil), s.records[id].Key...), nil
}

// ActiveKey returns the raw active key.
func (s *Store) ActiveKey() ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.activeID == "" {
		return nil, errs.E(errs.NoActiveKey, "keystore.active", "", nil)
	}
	return append([]byte(nil), s.records[s.activeID].Key...), nil
}

// BackupEnvelope seals the active key under a passphrase and returns the
// 76-byte envelope.
func (s *Store) BackupEnvelope(passphrase string) ([]byte, error) {
	key, err := s.ActiveKey()
	if err != nil {
		return nil, err
	}
	defer crypto.ZeroBytes(key)

	return crypto.SealKey(key, passphrase)
}

// Backup seals the active key under a passphrase and writes the envelope
// to path.
func (s *Store) Backup(path, passphrase string) error {
	env, err := s.BackupEnvelope(passphrase)
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, env, fileMode); err != nil {
		return errs.E(errs.IO, "keystore.backup", path, err)
	}
	s.logger.WithField("path", path).Info("Wrote key backup")
	return nil
}

// Restore opens a backup envelope file and stores the key inside.
func (s *Store) Restore(ctx context.Context, path, passphrase string) (Record, error) {
	env, err := os.ReadFile(path)
	if err != nil {
		return Record{}, errs.E(errs.IO, "keystore.restore", path, err)
	}
	return s.RestoreEnvelope(ctx, env, passphrase)
}

// RestoreEnvelope opens a backup envelope held in memory and stores the
// key inside. Restoring a key the store already holds is a no-op
// returning the existing record.
func (s *Store) RestoreEnvelope(ctx context.Context, env []byte, passphrase string) (Record, error) {
	key, err := crypto.OpenKey(env, passphrase)
	if err != nil {
		return Record{}, err
	}
	return s.addKey(ctx, key, KindImported, "restored from backup", time.Now().UTC())
}

// snapshot copies a record for return to callers. s.mu must be held.
func (s *Store) snapshot(rec *Record) Record {
	c := rec.clone()
	c.Active = rec.ID == s.activeID
	return c
}

func oldestID(records map[string]*Record) string {
	var best string
	for id, rec := range records {
		if best == "" {
			best = id
			continue
		}
		b := records[best]
		if rec.Created.Before(b.Created) || (rec.Created.Equal(b.Created) && id < best) {
			best = id
		}
	}
	return best
}
