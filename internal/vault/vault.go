// Package vault stores encrypted containers in a local directory, tracks
// them in a metadata sidecar, and hands fresh containers to a replicator
// for remote storage. Files are named {file id}_{original name}.etcr.
package vault

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/kenneth/etcr-vault/internal/container"
	"github.com/kenneth/etcr-vault/internal/errs"
	"github.com/kenneth/etcr-vault/internal/keystore"
)

var (
	// ErrNotFound means a reference matched nothing, locally or remotely.
	ErrNotFound = errors.New("no matching container in the vault")
	// ErrAmbiguous means a file id prefix matched more than one container.
	ErrAmbiguous = errors.New("reference matches more than one container")
)

// minContainerBytes is the sanity floor before an original file may be
// deleted: no real container is smaller than its own header.
const minContainerBytes = 50

// Replicator ships freshly written containers to remote storage. Replicate
// must not block; failures never fail the local write.
type Replicator interface {
	Replicate(ctx context.Context, item ReplicaItem)
}

// RemoteFetcher pulls containers that are not in the local vault, by
// original name. Absence is reported by wrapping fs.ErrNotExist.
type RemoteFetcher interface {
	FetchContainer(ctx context.Context, originalName string) ([]byte, error)
}

// ReplicaItem is one container handed to the replicator.
type ReplicaItem struct {
	OriginalName      string
	EncryptedFilename string
	Data              []byte
	DEKHash           string
	Algorithm         string
	OriginalSize      int64
	Timestamp         time.Time
}

// Config wires a vault service.
type Config struct {
	// Dir is the vault directory; created if absent.
	Dir string
	// Keys supplies encryption keys and resolves container key hashes.
	Keys *keystore.Store
	// Logger receives vault events. Defaults to the standard logger.
	Logger *logrus.Logger
	// DefaultAlgorithm seals new containers; zero means AES-256-GCM.
	DefaultAlgorithm container.Algorithm
	// Replicator, when set, receives every new container.
	Replicator Replicator
	// Fetcher, when set, serves Get for containers not stored locally.
	Fetcher RemoteFetcher
}

// Service is the local vault.
type Service struct {
	dir        string
	keys       *keystore.Store
	logger     *logrus.Logger
	defaultAlg container.Algorithm
	replicator Replicator
	fetcher    RemoteFetcher
	sidecar    *sidecar
}

// New opens the vault directory and loads its sidecar.
func New(cfg Config) (*Service, error) {
	if cfg.Dir == "" {
		return nil, fmt.Errorf("vault directory is required")
	}
	if cfg.Keys == nil {
		return nil, fmt.Errorf("key store is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	alg := cfg.DefaultAlgorithm
	if alg == 0 {
		alg = container.AES256GCM
	}
	if !alg.Encryptable() {
		return nil, fmt.Errorf("default algorithm %s cannot encrypt", alg)
	}

	if err := os.MkdirAll(cfg.Dir, 0700); err != nil {
		return nil, errs.E(errs.IO, "vault.open", cfg.Dir, err)
	}

	s := &Service{
		dir:        cfg.Dir,
		keys:       cfg.Keys,
		logger:     logger,
		defaultAlg: alg,
		replicator: cfg.Replicator,
		fetcher:    cfg.Fetcher,
		sidecar:    newSidecar(cfg.Dir, logger),
	}
	if err := s.sidecar.load(); err != nil {
		return nil, err
	}
	return s, nil
}

// PutOptions tunes a single Put.
type PutOptions struct {
	// Algorithm overrides the service default.
	Algorithm container.Algorithm
	// DeleteOriginal removes the source file once the container is
	// verified on disk.
	DeleteOriginal bool
	// BackupDir, when set, receives a user-visible copy of the
	// container next to the vault-managed one.
	BackupDir string
}

// Put encrypts the file at sourcePath into the vault, records it in the
// sidecar, and hands the container to the replicator. Replication failures
// never fail a Put.
func (s *Service) Put(ctx context.Context, sourcePath string, opts PutOptions) (Entry, error) {
	plaintext, err := os.ReadFile(sourcePath)
	if err != nil {
		return Entry{}, errs.E(errs.IO, "vault.put", sourcePath, err)
	}

	entry, err := s.seal(ctx, filepath.Base(sourcePath), plaintext, opts)
	if err != nil {
		return Entry{}, err
	}

	if opts.DeleteOriginal {
		s.deleteOriginal(sourcePath, entry.EncryptedPath)
	}
	return entry, nil
}

// PutData encrypts an in-memory payload under the given original name.
// It serves uploads whose source never touches the local filesystem, so
// DeleteOriginal is ignored.
func (s *Service) PutData(ctx context.Context, name string, plaintext []byte, opts PutOptions) (Entry, error) {
	if strings.TrimSpace(name) == "" {
		return Entry{}, fmt.Errorf("original name is required")
	}
	return s.seal(ctx, filepath.Base(name), plaintext, opts)
}

// seal encrypts plaintext with the active key, writes the container,
// records it in the sidecar, and hands it to the replicator.
func (s *Service) seal(ctx context.Context, baseName string, plaintext []byte, opts PutOptions) (Entry, error) {
	rec, err := s.keys.Active()
	if err != nil {
		return Entry{}, err
	}

	alg := opts.Algorithm
	if alg == 0 {
		alg = s.defaultAlg
	}

	data, err := container.Encode(plaintext, rec.Key, alg)
	if err != nil {
		return Entry{}, err
	}

	id := newFileID()
	filename := containerFilename(id, baseName)
	path := filepath.Join(s.dir, filename)
	if err := s.writeContainer(path, data); err != nil {
		return Entry{}, err
	}

	backupPath := ""
	if opts.BackupDir != "" {
		backupPath = s.backupCopy(opts.BackupDir, baseName, data)
	}

	hash := rec.Hash()
	entry := Entry{
		ID:                id,
		OriginalName:      sanitizeName(baseName),
		EncryptedPath:     path,
		EncryptedFilename: filename,
		OriginalSize:      int64(len(plaintext)),
		EncryptedSize:     int64(len(data)),
		Algorithm:         alg.String(),
		DEKHash:           hex.EncodeToString(hash[:]),
		Timestamp:         time.Now().UTC(),
		KeyID:             rec.ID,
		KeyType:           string(rec.Kind),
		BackupPath:        backupPath,
	}
	if err := s.sidecar.upsert(entry); err != nil {
		return Entry{}, err
	}

	if s.replicator != nil {
		s.replicator.Replicate(ctx, ReplicaItem{
			OriginalName:      entry.OriginalName,
			EncryptedFilename: entry.EncryptedFilename,
			Data:              data,
			DEKHash:           entry.DEKHash,
			Algorithm:         entry.Algorithm,
			OriginalSize:      entry.OriginalSize,
			Timestamp:         entry.Timestamp,
		})
	}

	s.logger.WithFields(logrus.Fields{
		"file":      entry.OriginalName,
		"container": filename,
		"algorithm": entry.Algorithm,
		"key_id":    entry.KeyID,
		"size":      entry.OriginalSize,
	}).Info("Encrypted file into vault")
	return entry, nil
}

// backupCopy writes a user-visible copy of the container into dir, with a
// numeric suffix when the name is taken. A failed backup is logged and the
// Put carries on without one.
func (s *Service) backupCopy(dir, baseName string, data []byte) string {
	if err := os.MkdirAll(dir, 0700); err != nil {
		s.logger.WithError(err).WithField("dir", dir).Warn("Skipping backup copy: cannot create directory")
		return ""
	}
	path := uniquePath(filepath.Join(dir, sanitizeName(baseName)+ContainerExt))
	if err := os.WriteFile(path, data, 0600); err != nil {
		s.logger.WithError(err).WithField("file", path).Warn("Skipping backup copy: write failed")
		return ""
	}
	s.logger.WithField("file", path).Debug("Wrote backup copy")
	return path
}

// deleteOriginal removes the source file, but only after the container is
// verifiably on disk and large enough to be real.
func (s *Service) deleteOriginal(sourcePath, containerPath string) {
	fi, err := os.Stat(containerPath)
	if err != nil {
		s.logger.WithError(err).Warn("Keeping original: container not verifiable")
		return
	}
	if fi.Size() < minContainerBytes {
		s.logger.WithFields(logrus.Fields{
			"container": containerPath,
			"size":      fi.Size(),
		}).Warn("Keeping original: container suspiciously small")
		return
	}
	if err := os.Remove(sourcePath); err != nil {
		s.logger.WithError(err).WithField("file", sourcePath).Warn("Failed to remove original after encryption")
		return
	}
	s.logger.WithField("file", sourcePath).Debug("Removed original after encryption")
}

// Open decrypts the referenced container in memory and returns the
// restored file name alongside the decode result. References resolve the
// same way as for Get.
func (s *Service) Open(ctx context.Context, ref string) (string, *container.Result, error) {
	data, containerName, entry, err := s.fetch(ctx, ref)
	if err != nil {
		return "", nil, err
	}

	res, err := container.Decode(data, s.keys)
	if err != nil {
		return "", nil, err
	}
	if res.Unauthenticated {
		s.logger.WithFields(logrus.Fields{
			"container": containerName,
			"algorithm": res.Algorithm.String(),
		}).Warn("Decrypted without integrity protection; verify the contents")
	}
	if res.Legacy {
		s.logger.WithField("container", containerName).Debug("Decoded legacy unframed container")
	}

	return outputName(entry, containerName, res.Plaintext), res, nil
}

// Get decrypts the referenced container into outDir and returns the
// restored path. A reference can be a container filename, a file id or
// unique id prefix, a path to a container, or an original name, which
// resolves locally first and then through the fetcher if one is wired.
func (s *Service) Get(ctx context.Context, ref, outDir string) (string, *container.Result, error) {
	name, res, err := s.Open(ctx, ref)
	if err != nil {
		return "", nil, err
	}

	if outDir == "" {
		outDir = "."
	}
	if err := os.MkdirAll(outDir, 0700); err != nil {
		return "", nil, errs.E(errs.IO, "vault.get", outDir, err)
	}

	outPath := uniquePath(filepath.Join(outDir, name))
	if err := os.WriteFile(outPath, res.Plaintext, 0600); err != nil {
		return "", nil, errs.E(errs.IO, "vault.get", outPath, err)
	}

	s.logger.WithFields(logrus.Fields{
		"container": ref,
		"restored":  outPath,
		"algorithm": res.Algorithm.String(),
	}).Info("Decrypted file from vault")
	return outPath, res, nil
}

// fetch resolves a reference to container bytes: local first, then the
// remote fetcher.
func (s *Service) fetch(ctx context.Context, ref string) ([]byte, string, *Entry, error) {
	path, containerName, entry, err := s.resolveLocal(ref)
	if err == nil {
		data, readErr := os.ReadFile(path)
		if readErr != nil {
			return nil, "", nil, errs.E(errs.IO, "vault.get", path, readErr)
		}
		return data, containerName, entry, nil
	}
	if !errors.Is(err, ErrNotFound) || s.fetcher == nil {
		return nil, "", nil, err
	}

	data, fetchErr := s.fetcher.FetchContainer(ctx, ref)
	if fetchErr != nil {
		if errors.Is(fetchErr, fs.ErrNotExist) {
			return nil, "", nil, err
		}
		return nil, "", nil, fetchErr
	}
	s.logger.WithField("file", ref).Info("Fetched container from remote storage")
	return data, ref, nil, nil
}

// resolveLocal maps a reference to a container path in resolution order:
// direct path, exact filename, exact file id, unique id prefix, newest
// entry under the original name.
func (s *Service) resolveLocal(ref string) (string, string, *Entry, error) {
	if ref == "" {
		return "", "", nil, fmt.Errorf("%w: empty reference", ErrNotFound)
	}

	if strings.ContainsRune(ref, os.PathSeparator) {
		if _, err := os.Stat(ref); err == nil {
			name := filepath.Base(ref)
			return ref, name, s.entryForName(name), nil
		}
		return "", "", nil, fmt.Errorf("%w: %s", ErrNotFound, ref)
	}

	if p := filepath.Join(s.dir, ref); fileExists(p) {
		return p, ref, s.entryForName(ref), nil
	}

	if entry, ok := s.sidecar.find(ref); ok {
		p := filepath.Join(s.dir, entry.EncryptedFilename)
		if fileExists(p) {
			return p, entry.EncryptedFilename, &entry, nil
		}
	}

	// Unique id prefix across the sidecar and the directory.
	matches := make(map[string]string)
	for _, e := range s.sidecar.list() {
		if strings.HasPrefix(e.ID, ref) && fileExists(filepath.Join(s.dir, e.EncryptedFilename)) {
			matches[e.ID] = e.EncryptedFilename
		}
	}
	if dirEntries, err := os.ReadDir(s.dir); err == nil {
		for _, de := range dirEntries {
			if id, _, ok := parseContainerName(de.Name()); ok && strings.HasPrefix(id, ref) {
				matches[id] = de.Name()
			}
		}
	}
	switch len(matches) {
	case 1:
		for id, name := range matches {
			return filepath.Join(s.dir, name), name, s.entryForID(id), nil
		}
	case 0:
		// Last local chance: the newest container stored under this
		// original name.
		if entry, ok := s.sidecar.findByName(ref); ok {
			if p := filepath.Join(s.dir, entry.EncryptedFilename); fileExists(p) {
				return p, entry.EncryptedFilename, &entry, nil
			}
		}
		return "", "", nil, fmt.Errorf("%w: %s", ErrNotFound, ref)
	}
	ids := make([]string, 0, len(matches))
	for id := range matches {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return "", "", nil, fmt.Errorf("%w: %q matches %s", ErrAmbiguous, ref, strings.Join(ids, ", "))
}

// List returns every known container, newest first. Containers present on
// disk but missing from the sidecar are synthesized from their filenames.
func (s *Service) List(ctx context.Context) ([]Entry, error) {
	entries := s.sidecar.list()
	seen := make(map[string]bool, len(entries))
	for _, e := range entries {
		seen[e.ID] = true
	}

	dirEntries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, errs.E(errs.IO, "vault.list", s.dir, err)
	}
	for _, de := range dirEntries {
		if de.IsDir() {
			continue
		}
		name := de.Name()
		if name == sidecarName || strings.HasPrefix(name, ".") {
			continue
		}
		id, original, ok := parseContainerName(name)
		if !ok {
			// A foreign filename doubles as its id, so hand-dropped
			// containers still show up.
			id = name
			original = strings.TrimSuffix(strings.TrimSuffix(name, ContainerExt), legacyExt)
		}
		if seen[id] {
			continue
		}
		fi, statErr := de.Info()
		if statErr != nil {
			continue
		}
		entries = append(entries, Entry{
			ID:                id,
			OriginalName:      original,
			EncryptedPath:     filepath.Join(s.dir, name),
			EncryptedFilename: name,
			EncryptedSize:     fi.Size(),
			Timestamp:         fi.ModTime().UTC(),
		})
		seen[id] = true
	}

	sort.Slice(entries, func(i, j int) bool {
		if !entries[i].Timestamp.Equal(entries[j].Timestamp) {
			return entries[i].Timestamp.After(entries[j].Timestamp)
		}
		return entries[i].ID < entries[j].ID
	})
	return entries, nil
}

// Delete removes a container and its sidecar entry. Remote copies are not
// touched.
func (s *Service) Delete(ctx context.Context, ref string) error {
	path, containerName, entry, err := s.resolveLocal(ref)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return errs.E(errs.IO, "vault.delete", path, err)
	}

	id := ""
	if entry != nil {
		id = entry.ID
	} else if parsed, _, ok := parseContainerName(containerName); ok {
		id = parsed
	}
	if id != "" {
		if err := s.sidecar.remove(id); err != nil {
			return err
		}
	}

	s.logger.WithField("container", containerName).Info("Deleted container from vault")
	return nil
}

// FileInfo couples a container's header with its sidecar entry.
type FileInfo struct {
	Path      string
	Container container.Info
	// Entry is nil when the sidecar has no record of the container.
	Entry *Entry
}

// Inspect parses a container's header without decrypting it.
func (s *Service) Inspect(ctx context.Context, ref string) (*FileInfo, error) {
	path, _, entry, err := s.resolveLocal(ref)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errs.E(errs.IO, "vault.inspect", path, err)
	}
	info, err := container.Inspect(data)
	if err != nil {
		return nil, err
	}
	return &FileInfo{Path: path, Container: *info, Entry: entry}, nil
}

// Dir returns the vault directory.
func (s *Service) Dir() string {
	return s.dir
}

func (s *Service) writeContainer(path string, data []byte) error {
	tmp := filepath.Join(s.dir, "."+filepath.Base(path)+"."+uuid.NewString()[:8]+".tmp")
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return errs.E(errs.IO, "vault.put", path, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return errs.E(errs.IO, "vault.put", path, err)
	}
	return nil
}

func (s *Service) entryForName(filename string) *Entry {
	id, _, ok := parseContainerName(filename)
	if !ok {
		return nil
	}
	return s.entryForID(id)
}

func (s *Service) entryForID(id string) *Entry {
	if entry, ok := s.sidecar.find(id); ok {
		return &entry
	}
	return nil
}

func fileExists(path string) bool {
	fi, err := os.Stat(path)
	return err == nil && !fi.IsDir()
}
