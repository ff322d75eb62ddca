package remote

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	cryptoutil "github.com/kenneth/etcr-vault/internal/crypto"
	"github.com/kenneth/etcr-vault/internal/errs"
	"github.com/kenneth/etcr-vault/internal/keystore"
	"github.com/kenneth/etcr-vault/internal/vault"
)

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(os.Stderr)
	logger.SetLevel(logrus.ErrorLevel)
	return logger
}

// fakeStore is an in-memory ObjectStore. A non-nil gate makes Put block
// until the gate closes; started signals each Put as it begins.
type fakeStore struct {
	mu       sync.Mutex
	objects  map[string][]byte
	modified map[string]time.Time
	puts     map[string]int

	putErr  error
	listErr error
	gate    chan struct{}
	started chan struct{}
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		objects:  make(map[string][]byte),
		modified: make(map[string]time.Time),
		puts:     make(map[string]int),
	}
}

func (f *fakeStore) Put(ctx context.Context, name string, data []byte) error {
	if f.started != nil {
		select {
		case f.started <- struct{}{}:
		default:
		}
	}
	if f.gate != nil {
		select {
		case <-f.gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.putErr != nil {
		return f.putErr
	}
	f.objects[name] = append([]byte(nil), data...)
	f.modified[name] = time.Now()
	f.puts[name]++
	return nil
}

func (f *fakeStore) Get(_ context.Context, name string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.objects[name]
	if !ok {
		return nil, fmt.Errorf("object %s: %w", name, fs.ErrNotExist)
	}
	return append([]byte(nil), data...), nil
}

func (f *fakeStore) Delete(_ context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.objects, name)
	delete(f.modified, name)
	return nil
}

func (f *fakeStore) List(_ context.Context, prefix string) ([]Object, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.listErr != nil {
		return nil, f.listErr
	}
	var objects []Object
	for name, data := range f.objects {
		if strings.HasPrefix(name, prefix) {
			objects = append(objects, Object{Name: name, Size: int64(len(data)), Modified: f.modified[name]})
		}
	}
	sort.Slice(objects, func(i, j int) bool { return objects[i].Name < objects[j].Name })
	return objects, nil
}

func (f *fakeStore) Stat(_ context.Context, name string) (Object, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.objects[name]
	if !ok {
		return Object{}, fmt.Errorf("object %s: %w", name, fs.ErrNotExist)
	}
	return Object{Name: name, Size: int64(len(data)), Modified: f.modified[name]}, nil
}

func (f *fakeStore) object(name string) ([]byte, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.objects[name]
	return data, ok
}

func (f *fakeStore) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.objects)
}

func testItem(name string, day time.Time) vault.ReplicaItem {
	return vault.ReplicaItem{
		OriginalName:      name,
		EncryptedFilename: strings.Repeat("a", 32) + "_" + name + vault.ContainerExt,
		Data:              []byte("sealed bytes for " + name),
		DEKHash:           strings.Repeat("ab", 32),
		Algorithm:         "AES-256-GCM",
		OriginalSize:      int64(len(name)),
		Timestamp:         day,
	}
}

func newTestService(t *testing.T, cfg Config) *Service {
	t.Helper()
	if cfg.UserID == "" {
		cfg.UserID = "user-1"
	}
	if cfg.Logger == nil {
		cfg.Logger = testLogger()
	}
	s, err := New(cfg)
	require.NoError(t, err)
	return s
}

func TestNewValidatesConfig(t *testing.T) {
	_, err := New(Config{UserID: "u"})
	assert.Error(t, err)

	_, err = New(Config{Store: newFakeStore()})
	assert.Error(t, err)
}

func TestServiceReplicatesContainer(t *testing.T) {
	store := newFakeStore()
	s := newTestService(t, Config{Store: store})
	day := time.Date(2026, 8, 23, 10, 30, 0, 0, time.UTC)
	item := testItem("notes.txt", day)

	s.Replicate(context.Background(), item)

	result := <-s.Events()
	require.NoError(t, result.Err)
	assert.Equal(t, item.EncryptedFilename, result.Item.EncryptedFilename)

	data, ok := store.object("EncryptedVault/user-1/2026-08-23/" + item.EncryptedFilename)
	require.True(t, ok)
	assert.Equal(t, item.Data, data)

	manifestData, ok := store.object("EncryptedVault/user-1/2026-08-23/manifest.json")
	require.True(t, ok)
	var m Manifest
	require.NoError(t, json.Unmarshal(manifestData, &m))
	require.Len(t, m.Files, 1)
	entry, ok := m.Files["notes.txt"]
	require.True(t, ok)
	assert.Equal(t, item.EncryptedFilename, entry.EncryptedFilename)
	assert.Equal(t, int64(len(item.Data)), entry.Size)
	assert.Equal(t, item.DEKHash, entry.DEKHash)
	assert.False(t, m.Metadata.Created.IsZero())
	assert.False(t, m.Metadata.Updated.IsZero())

	require.NoError(t, s.Close(context.Background()))
}

func TestServiceUploadsWrappedKeyOnce(t *testing.T) {
	keys, err := keystore.Open(t.TempDir(), keystore.Options{Logger: testLogger()})
	require.NoError(t, err)
	t.Cleanup(func() { keys.Close() })
	rec, err := keys.Generate(context.Background(), "replication key")
	require.NoError(t, err)

	store := newFakeStore()
	s := newTestService(t, Config{Store: store, Keys: keys, KeyPassphrase: "orbit-passphrase", Workers: 1})

	hash := rec.Hash()
	day := time.Date(2026, 8, 23, 9, 0, 0, 0, time.UTC)
	for _, name := range []string{"one.txt", "two.txt"} {
		item := testItem(name, day)
		item.DEKHash = hex.EncodeToString(hash[:])
		s.Replicate(context.Background(), item)
	}
	require.NoError(t, s.Close(context.Background()))

	keyName := "EncryptedVault/user-1/keys/" + hex.EncodeToString(hash[:])[:16] + ".key.enc"
	envelope, ok := store.object(keyName)
	require.True(t, ok, "wrapped key object missing")
	assert.Len(t, envelope, cryptoutil.EnvelopeSize)
	assert.Equal(t, 1, store.puts[keyName])

	opened, err := cryptoutil.OpenKey(envelope, "orbit-passphrase")
	require.NoError(t, err)
	assert.Equal(t, rec.Key, opened)
}

func TestCloseDrainsPendingUploads(t *testing.T) {
	store := newFakeStore()
	s := newTestService(t, Config{Store: store, Workers: 1, QueueSize: 8})
	day := time.Date(2026, 8, 23, 8, 0, 0, 0, time.UTC)

	for _, name := range []string{"a.txt", "b.txt", "c.txt"} {
		s.Replicate(context.Background(), testItem(name, day))
	}
	require.NoError(t, s.Close(context.Background()))

	// Three containers plus one manifest.
	assert.Equal(t, 4, store.count())
}

func TestReplicateAfterCloseDropsItem(t *testing.T) {
	store := newFakeStore()
	s := newTestService(t, Config{Store: store})
	require.NoError(t, s.Close(context.Background()))

	s.Replicate(context.Background(), testItem("late.txt", time.Now()))
	assert.Equal(t, 0, store.count())
}

func TestCloseTimeoutCancelsUploads(t *testing.T) {
	store := newFakeStore()
	store.gate = make(chan struct{})
	s := newTestService(t, Config{Store: store, Workers: 1})

	s.Replicate(context.Background(), testItem("stuck.txt", time.Now()))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := s.Close(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	// The worker pool must still wind down after cancellation.
	for range s.Events() {
	}
}

func TestReplicateDropsWhenQueueFull(t *testing.T) {
	store := newFakeStore()
	store.gate = make(chan struct{})
	store.started = make(chan struct{}, 1)
	s := newTestService(t, Config{Store: store, Workers: 1, QueueSize: 1})
	day := time.Date(2026, 8, 23, 7, 0, 0, 0, time.UTC)

	s.Replicate(context.Background(), testItem("first.txt", day))
	<-store.started // worker is now inside Put, queue is empty
	s.Replicate(context.Background(), testItem("second.txt", day))
	s.Replicate(context.Background(), testItem("third.txt", day))

	result := <-s.Events()
	require.Error(t, result.Err)
	assert.Contains(t, result.Err.Error(), "queue full")
	assert.Equal(t, "third.txt", result.Item.OriginalName)

	close(store.gate)
	require.NoError(t, s.Close(context.Background()))
}

func TestFetchContainerPrefersNewestDay(t *testing.T) {
	store := newFakeStore()
	s := newTestService(t, Config{Store: store})
	ctx := context.Background()

	old := vault.ReplicaItem{
		OriginalName:      "report.pdf",
		EncryptedFilename: strings.Repeat("b", 32) + "_report.pdf.etcr",
		Data:              []byte("old revision"),
		Timestamp:         time.Date(2026, 8, 20, 12, 0, 0, 0, time.UTC),
	}
	newer := vault.ReplicaItem{
		OriginalName:      "report.pdf",
		EncryptedFilename: strings.Repeat("c", 32) + "_report.pdf.etcr",
		Data:              []byte("new revision"),
		Timestamp:         time.Date(2026, 8, 22, 12, 0, 0, 0, time.UTC),
	}
	for _, item := range []vault.ReplicaItem{old, newer} {
		require.NoError(t, s.upload(ctx, item))
	}

	data, err := s.FetchContainer(ctx, "report.pdf")
	require.NoError(t, err)
	assert.Equal(t, []byte("new revision"), data)

	require.NoError(t, s.Close(ctx))
}

func TestFetchContainerScansWithoutManifest(t *testing.T) {
	store := newFakeStore()
	s := newTestService(t, Config{Store: store})
	ctx := context.Background()

	name := "EncryptedVault/user-1/2026-08-21/" + strings.Repeat("d", 32) + "_report.pdf.etcr"
	require.NoError(t, store.Put(ctx, name, []byte("manifest-less upload")))

	data, err := s.FetchContainer(ctx, "report.pdf")
	require.NoError(t, err)
	assert.Equal(t, []byte("manifest-less upload"), data)

	require.NoError(t, s.Close(ctx))
}

func TestFetchContainerSkipsStaleManifestEntry(t *testing.T) {
	store := newFakeStore()
	s := newTestService(t, Config{Store: store})
	ctx := context.Background()

	m := &Manifest{}
	m.Upsert("report.pdf", ManifestEntry{
		EncryptedFilename: "vanished.etcr",
		Timestamp:         time.Date(2026, 8, 21, 9, 0, 0, 0, time.UTC),
	})
	require.NoError(t, saveManifest(ctx, store, manifestPath("user-1", "2026-08-21"), m))

	name := "EncryptedVault/user-1/2026-08-21/" + strings.Repeat("d", 32) + "_report.pdf.etcr"
	require.NoError(t, store.Put(ctx, name, []byte("still here")))

	data, err := s.FetchContainer(ctx, "report.pdf")
	require.NoError(t, err)
	assert.Equal(t, []byte("still here"), data)

	require.NoError(t, s.Close(ctx))
}

func TestFetchContainerMissing(t *testing.T) {
	s := newTestService(t, Config{Store: newFakeStore()})

	_, err := s.FetchContainer(context.Background(), "nowhere.txt")
	assert.ErrorIs(t, err, fs.ErrNotExist)

	require.NoError(t, s.Close(context.Background()))
}

func TestFetchContainerStoreDown(t *testing.T) {
	store := newFakeStore()
	store.listErr = fmt.Errorf("connection refused")
	s := newTestService(t, Config{Store: store})

	_, err := s.FetchContainer(context.Background(), "report.pdf")
	assert.Equal(t, errs.RemoteUnavailable, errs.KindOf(err))
	assert.NotErrorIs(t, err, fs.ErrNotExist)

	require.NoError(t, s.Close(context.Background()))
}

func TestRestoreKey(t *testing.T) {
	source, err := keystore.Open(t.TempDir(), keystore.Options{Logger: testLogger()})
	require.NoError(t, err)
	t.Cleanup(func() { source.Close() })
	rec, err := source.Generate(context.Background(), "origin key")
	require.NoError(t, err)

	hash := rec.Hash()
	dekHash := hex.EncodeToString(hash[:])
	envelope, err := cryptoutil.SealKey(rec.Key, "orbit-passphrase")
	require.NoError(t, err)

	store := newFakeStore()
	require.NoError(t, store.Put(context.Background(), wrappedKeyPath("user-1", dekHash), envelope))

	fresh, err := keystore.Open(t.TempDir(), keystore.Options{Logger: testLogger()})
	require.NoError(t, err)
	t.Cleanup(func() { fresh.Close() })

	s := newTestService(t, Config{Store: store, Keys: fresh, KeyPassphrase: "orbit-passphrase"})
	restored, err := s.RestoreKey(context.Background(), dekHash)
	require.NoError(t, err)
	assert.Equal(t, rec.ID, restored.ID)
	assert.Equal(t, rec.Key, restored.Key)
	assert.Equal(t, 1, fresh.Count())

	require.NoError(t, s.Close(context.Background()))
}

func TestRestoreKeyWrongPassphrase(t *testing.T) {
	source, err := keystore.Open(t.TempDir(), keystore.Options{Logger: testLogger()})
	require.NoError(t, err)
	t.Cleanup(func() { source.Close() })
	rec, err := source.Generate(context.Background(), "origin key")
	require.NoError(t, err)

	hash := rec.Hash()
	dekHash := hex.EncodeToString(hash[:])
	envelope, err := cryptoutil.SealKey(rec.Key, "orbit-passphrase")
	require.NoError(t, err)

	store := newFakeStore()
	require.NoError(t, store.Put(context.Background(), wrappedKeyPath("user-1", dekHash), envelope))

	fresh, err := keystore.Open(t.TempDir(), keystore.Options{Logger: testLogger()})
	require.NoError(t, err)
	t.Cleanup(func() { fresh.Close() })

	s := newTestService(t, Config{Store: store, Keys: fresh, KeyPassphrase: "not-the-passphrase"})
	_, err = s.RestoreKey(context.Background(), dekHash)
	assert.Equal(t, errs.WrongPassword, errs.KindOf(err))
	assert.Equal(t, 0, fresh.Count())

	require.NoError(t, s.Close(context.Background()))
}

func TestRestoreKeyMissing(t *testing.T) {
	fresh, err := keystore.Open(t.TempDir(), keystore.Options{Logger: testLogger()})
	require.NoError(t, err)
	t.Cleanup(func() { fresh.Close() })

	s := newTestService(t, Config{Store: newFakeStore(), Keys: fresh, KeyPassphrase: "orbit-passphrase"})
	_, err = s.RestoreKey(context.Background(), strings.Repeat("ab", 32))
	assert.Equal(t, errs.UnknownKey, errs.KindOf(err))

	require.NoError(t, s.Close(context.Background()))
}
