package remote

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	cryptoutil "github.com/kenneth/etcr-vault/internal/crypto"
	"github.com/kenneth/etcr-vault/internal/errs"
	"github.com/kenneth/etcr-vault/internal/keystore"
	"github.com/kenneth/etcr-vault/internal/vault"
)

// UploadResult reports the outcome of one replicated container.
type UploadResult struct {
	Item    vault.ReplicaItem
	Err     error
	Elapsed time.Duration
}

// Config wires the replication service.
type Config struct {
	// Store is the remote backend.
	Store ObjectStore
	// UserID partitions the remote tree per vault owner.
	UserID string
	// Keys resolves DEKs for wrapped key upload and restore.
	Keys *keystore.Store
	// KeyPassphrase seals DEK copies stored beside the containers. Empty
	// disables key upload.
	KeyPassphrase string
	// Logger receives replication events. Defaults to the standard logger.
	Logger *logrus.Logger
	// Workers bounds concurrent uploads. Defaults to 2.
	Workers int
	// QueueSize bounds pending uploads before Replicate starts dropping.
	// Defaults to 64.
	QueueSize int
}

// Service ships containers to remote storage in the background and serves
// fetches for containers the local vault no longer holds.
type Service struct {
	store      ObjectStore
	userID     string
	keys       *keystore.Store
	passphrase string
	logger     *logrus.Logger

	queue  chan vault.ReplicaItem
	events chan UploadResult
	done   chan struct{}
	cancel context.CancelFunc

	manifestMu sync.Mutex

	closeMu sync.Mutex
	closed  bool
}

var (
	_ vault.Replicator    = (*Service)(nil)
	_ vault.RemoteFetcher = (*Service)(nil)
)

// New starts the replication service and its upload workers.
func New(cfg Config) (*Service, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("object store is required")
	}
	if cfg.UserID == "" {
		return nil, fmt.Errorf("user id is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	workers := cfg.Workers
	if workers <= 0 {
		workers = 2
	}
	queueSize := cfg.QueueSize
	if queueSize <= 0 {
		queueSize = 64
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Service{
		store:      cfg.Store,
		userID:     cfg.UserID,
		keys:       cfg.Keys,
		passphrase: cfg.KeyPassphrase,
		logger:     logger,
		queue:      make(chan vault.ReplicaItem, queueSize),
		events:     make(chan UploadResult, queueSize),
		done:       make(chan struct{}),
		cancel:     cancel,
	}
	go s.run(ctx, workers)
	return s, nil
}

// Replicate queues a container for upload. It never blocks: with a full
// queue or a closed service the item is dropped with a warning.
func (s *Service) Replicate(_ context.Context, item vault.ReplicaItem) {
	s.closeMu.Lock()
	defer s.closeMu.Unlock()
	if s.closed {
		s.logger.WithField("container", item.EncryptedFilename).Warn("Replication service closed; dropping upload")
		return
	}

	select {
	case s.queue <- item:
	default:
		s.logger.WithField("container", item.EncryptedFilename).Warn("Replication queue full; dropping upload")
		s.emit(UploadResult{Item: item, Err: fmt.Errorf("replication queue full")})
	}
}

// Events exposes upload outcomes. The channel closes once Close has
// drained the queue.
func (s *Service) Events() <-chan UploadResult {
	return s.events
}

// QueueDepth reports how many uploads are waiting for a worker.
func (s *Service) QueueDepth() int {
	return len(s.queue)
}

// Close stops intake and waits for queued uploads to finish. When ctx
// expires first, in-flight uploads are cancelled.
func (s *Service) Close(ctx context.Context) error {
	s.closeMu.Lock()
	if !s.closed {
		s.closed = true
		close(s.queue)
	}
	s.closeMu.Unlock()

	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		s.cancel()
		<-s.done
		return ctx.Err()
	}
}

// run drains the queue through a bounded worker pool.
func (s *Service) run(ctx context.Context, workers int) {
	defer close(s.done)

	var g errgroup.Group
	g.SetLimit(workers)
	for item := range s.queue {
		g.Go(func() error {
			s.process(ctx, item)
			return nil
		})
	}
	g.Wait()
	close(s.events)
}

func (s *Service) process(ctx context.Context, item vault.ReplicaItem) {
	start := time.Now()
	err := s.upload(ctx, item)
	if err != nil {
		s.logger.WithError(err).WithField("container", item.EncryptedFilename).Warn("Replication failed")
	} else {
		s.logger.WithFields(logrus.Fields{
			"container": item.EncryptedFilename,
			"size":      len(item.Data),
			"elapsed":   time.Since(start).String(),
		}).Info("Replicated container to remote storage")
	}
	s.emit(UploadResult{Item: item, Err: err, Elapsed: time.Since(start)})
}

func (s *Service) upload(ctx context.Context, item vault.ReplicaItem) error {
	name := containerPath(s.userID, item.Timestamp, item.EncryptedFilename)
	if err := s.store.Put(ctx, name, item.Data); err != nil {
		return fmt.Errorf("failed to upload container %s: %w", name, err)
	}

	if err := s.uploadWrappedKey(ctx, item.DEKHash); err != nil {
		// The container itself is up; a missing wrapped key only matters
		// for recovery on a machine without the local key store.
		s.logger.WithError(err).WithField("dek_hash", item.DEKHash).Warn("Failed to upload wrapped key")
	}

	day := item.Timestamp.UTC().Format(dayLayout)
	if err := s.updateManifest(ctx, day, item); err != nil {
		return fmt.Errorf("failed to update manifest for %s: %w", day, err)
	}
	return nil
}

// uploadWrappedKey stores a passphrase-sealed copy of the DEK a container
// was encrypted with, once per key.
func (s *Service) uploadWrappedKey(ctx context.Context, dekHash string) error {
	if s.passphrase == "" || s.keys == nil || dekHash == "" {
		return nil
	}

	name := wrappedKeyPath(s.userID, dekHash)
	if _, err := s.store.Stat(ctx, name); err == nil {
		return nil
	} else if !errors.Is(err, fs.ErrNotExist) {
		return err
	}

	var hash [32]byte
	raw, err := hex.DecodeString(dekHash)
	if err != nil || len(raw) != len(hash) {
		return fmt.Errorf("malformed DEK hash %q", dekHash)
	}
	copy(hash[:], raw)

	key, err := s.keys.KeyByHash(hash)
	if err != nil {
		return err
	}
	defer cryptoutil.ZeroBytes(key)

	envelope, err := cryptoutil.SealKey(key, s.passphrase)
	if err != nil {
		return err
	}
	return s.store.Put(ctx, name, envelope)
}

// updateManifest folds one upload into its day's manifest. Workers are
// serialized in-process; across processes the manifest is last write wins.
func (s *Service) updateManifest(ctx context.Context, day string, item vault.ReplicaItem) error {
	s.manifestMu.Lock()
	defer s.manifestMu.Unlock()

	name := manifestPath(s.userID, day)
	m, err := loadManifest(ctx, s.store, name)
	if errors.Is(err, errBadManifest) {
		s.logger.WithError(err).Warn("Replacing unreadable remote manifest")
		m = &Manifest{}
	} else if err != nil {
		return err
	}

	m.Upsert(item.OriginalName, ManifestEntry{
		EncryptedFilename: item.EncryptedFilename,
		Size:              int64(len(item.Data)),
		Algorithm:         item.Algorithm,
		DEKHash:           item.DEKHash,
		Timestamp:         item.Timestamp,
	})
	return saveManifest(ctx, s.store, name, m)
}

// emit publishes a result without ever blocking an upload worker.
func (s *Service) emit(result UploadResult) {
	select {
	case s.events <- result:
	default:
	}
}

// FetchContainer finds the newest remote copy of an original file and
// returns its container bytes. Absence is reported by wrapping
// fs.ErrNotExist, per the vault fetcher contract.
func (s *Service) FetchContainer(ctx context.Context, originalName string) ([]byte, error) {
	objects, err := s.store.List(ctx, userRoot(s.userID)+"/")
	if err != nil {
		return nil, errs.E(errs.RemoteUnavailable, "remote.fetch", originalName, err)
	}

	for _, day := range daysNewestFirst(s.userID, objects) {
		data, err := s.fetchFromDay(ctx, day, originalName, objects)
		if err == nil {
			return data, nil
		}
		if !errors.Is(err, fs.ErrNotExist) {
			return nil, err
		}
	}
	return nil, fmt.Errorf("no remote copy of %s: %w", originalName, fs.ErrNotExist)
}

// fetchFromDay tries one day folder: the manifest mapping first, then a
// scan for a container name embedding the original name.
func (s *Service) fetchFromDay(ctx context.Context, day, originalName string, objects []Object) ([]byte, error) {
	m, err := loadManifest(ctx, s.store, manifestPath(s.userID, day))
	if errors.Is(err, errBadManifest) {
		s.logger.WithError(err).WithField("day", day).Warn("Skipping unreadable remote manifest")
		m = &Manifest{}
	} else if err != nil {
		return nil, errs.E(errs.RemoteUnavailable, "remote.fetch", originalName, err)
	}

	if entry, ok := m.FindOriginal(originalName); ok {
		name := path.Join(userRoot(s.userID), day, entry.EncryptedFilename)
		data, err := s.store.Get(ctx, name)
		if err == nil {
			s.logger.WithFields(logrus.Fields{
				"file": originalName,
				"day":  day,
			}).Info("Fetched container via remote manifest")
			return data, nil
		}
		if !errors.Is(err, fs.ErrNotExist) {
			return nil, errs.E(errs.RemoteUnavailable, "remote.fetch", name, err)
		}
		// Stale manifest entry; fall through to the name scan.
	}

	suffix := "_" + originalName + vault.ContainerExt
	dayPrefix := path.Join(userRoot(s.userID), day) + "/"
	for _, obj := range objects {
		if !strings.HasPrefix(obj.Name, dayPrefix) || !strings.HasSuffix(obj.Name, suffix) {
			continue
		}
		data, err := s.store.Get(ctx, obj.Name)
		if err == nil {
			return data, nil
		}
		if !errors.Is(err, fs.ErrNotExist) {
			return nil, errs.E(errs.RemoteUnavailable, "remote.fetch", obj.Name, err)
		}
	}
	return nil, fmt.Errorf("no copy of %s on %s: %w", originalName, day, fs.ErrNotExist)
}

// RestoreKey downloads the wrapped DEK stored for a container key hash,
// opens it with the replication passphrase, and imports it locally.
func (s *Service) RestoreKey(ctx context.Context, dekHash string) (keystore.Record, error) {
	if s.keys == nil {
		return keystore.Record{}, fmt.Errorf("no key store attached")
	}

	name := wrappedKeyPath(s.userID, dekHash)
	data, err := s.store.Get(ctx, name)
	if errors.Is(err, fs.ErrNotExist) {
		return keystore.Record{}, errs.E(errs.UnknownKey, "remote.restore_key", name, err)
	}
	if err != nil {
		return keystore.Record{}, errs.E(errs.RemoteUnavailable, "remote.restore_key", name, err)
	}

	key, err := cryptoutil.OpenKey(data, s.passphrase)
	if err != nil {
		return keystore.Record{}, err
	}
	defer cryptoutil.ZeroBytes(key)

	rec, err := s.keys.Import(ctx, hex.EncodeToString(key), "restored from remote vault")
	if err != nil {
		return keystore.Record{}, err
	}
	s.logger.WithField("key_id", rec.ID).Info("Restored key from remote vault")
	return rec, nil
}
