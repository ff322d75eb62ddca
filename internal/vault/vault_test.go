package vault

import (
	"context"
	"encoding/hex"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kenneth/etcr-vault/internal/container"
	"github.com/kenneth/etcr-vault/internal/errs"
	"github.com/kenneth/etcr-vault/internal/keystore"
)

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(os.Stderr)
	logger.SetLevel(logrus.ErrorLevel)
	return logger
}

type fakeReplicator struct {
	mu    sync.Mutex
	items []ReplicaItem
}

func (f *fakeReplicator) Replicate(_ context.Context, item ReplicaItem) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.items = append(f.items, item)
}

func (f *fakeReplicator) all() []ReplicaItem {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]ReplicaItem(nil), f.items...)
}

type fakeFetcher struct {
	mu         sync.Mutex
	containers map[string][]byte
	err        error
	requests   []string
}

func (f *fakeFetcher) FetchContainer(_ context.Context, originalName string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, originalName)
	if f.err != nil {
		return nil, f.err
	}
	data, ok := f.containers[originalName]
	if !ok {
		return nil, fmt.Errorf("remote object %s: %w", originalName, fs.ErrNotExist)
	}
	return data, nil
}

func openTestKeys(t *testing.T) *keystore.Store {
	t.Helper()
	keys, err := keystore.Open(t.TempDir(), keystore.Options{Logger: testLogger()})
	require.NoError(t, err)
	t.Cleanup(func() { keys.Close() })
	_, err = keys.Generate(context.Background(), "vault test key")
	require.NoError(t, err)
	return keys
}

func newTestVault(t *testing.T, cfg Config) *Service {
	t.Helper()
	if cfg.Dir == "" {
		cfg.Dir = t.TempDir()
	}
	if cfg.Keys == nil {
		cfg.Keys = openTestKeys(t)
	}
	if cfg.Logger == nil {
		cfg.Logger = testLogger()
	}
	s, err := New(cfg)
	require.NoError(t, err)
	return s
}

func writeSource(t *testing.T, name string, content []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, content, 0600))
	return path
}

func TestNewValidatesConfig(t *testing.T) {
	_, err := New(Config{Keys: openTestKeys(t)})
	assert.Error(t, err)

	_, err = New(Config{Dir: t.TempDir()})
	assert.Error(t, err)

	_, err = New(Config{Dir: t.TempDir(), Keys: openTestKeys(t), DefaultAlgorithm: container.AES256CBC})
	assert.Error(t, err)
}

func TestPutCreatesContainer(t *testing.T) {
	s := newTestVault(t, Config{})
	ctx := context.Background()
	content := []byte("quarterly numbers, do not share")
	source := writeSource(t, "report.pdf", content)

	entry, err := s.Put(ctx, source, PutOptions{})
	require.NoError(t, err)

	assert.Len(t, entry.ID, 32)
	assert.Equal(t, "report.pdf", entry.OriginalName)
	assert.Equal(t, entry.ID+"_report.pdf.etcr", entry.EncryptedFilename)
	assert.Equal(t, int64(len(content)), entry.OriginalSize)
	assert.Equal(t, "AES-256-GCM", entry.Algorithm)
	assert.Len(t, entry.DEKHash, 64)

	active, err := s.keys.Active()
	require.NoError(t, err)
	hash := active.Hash()
	assert.Equal(t, hex.EncodeToString(hash[:]), entry.DEKHash)
	assert.Equal(t, active.ID, entry.KeyID)
	assert.Equal(t, string(keystore.KindGenerated), entry.KeyType)

	data, err := os.ReadFile(entry.EncryptedPath)
	require.NoError(t, err)
	assert.Equal(t, int64(len(data)), entry.EncryptedSize)

	res, err := container.Decode(data, s.keys)
	require.NoError(t, err)
	assert.Equal(t, content, res.Plaintext)

	// Original stays unless DeleteOriginal is set.
	assert.FileExists(t, source)
	assert.FileExists(t, filepath.Join(s.Dir(), sidecarName))
}

func TestPutWithoutActiveKey(t *testing.T) {
	keys, err := keystore.Open(t.TempDir(), keystore.Options{Logger: testLogger()})
	require.NoError(t, err)
	t.Cleanup(func() { keys.Close() })
	s := newTestVault(t, Config{Keys: keys})

	_, err = s.Put(context.Background(), writeSource(t, "a.txt", []byte("x")), PutOptions{})
	assert.Equal(t, errs.NoActiveKey, errs.KindOf(err))
}

func TestPutAlgorithmOverride(t *testing.T) {
	s := newTestVault(t, Config{})
	source := writeSource(t, "a.txt", []byte("chacha me"))

	entry, err := s.Put(context.Background(), source, PutOptions{Algorithm: container.ChaCha20Poly1305})
	require.NoError(t, err)
	assert.Equal(t, "ChaCha20-Poly1305", entry.Algorithm)

	data, err := os.ReadFile(entry.EncryptedPath)
	require.NoError(t, err)
	res, err := container.Decode(data, s.keys)
	require.NoError(t, err)
	assert.Equal(t, container.ChaCha20Poly1305, res.Algorithm)
}

func TestPutDeleteOriginal(t *testing.T) {
	s := newTestVault(t, Config{})
	source := writeSource(t, "secret.txt", []byte("gone after this"))

	_, err := s.Put(context.Background(), source, PutOptions{DeleteOriginal: true})
	require.NoError(t, err)
	assert.NoFileExists(t, source)
}

func TestPutWritesBackupCopy(t *testing.T) {
	s := newTestVault(t, Config{})
	ctx := context.Background()
	backupDir := filepath.Join(t.TempDir(), "backups")
	source := writeSource(t, "notes.txt", []byte("keep a copy for me"))

	entry, err := s.Put(ctx, source, PutOptions{BackupDir: backupDir})
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(backupDir, "notes.txt.etcr"), entry.BackupPath)

	backup, err := os.ReadFile(entry.BackupPath)
	require.NoError(t, err)
	sealed, err := os.ReadFile(entry.EncryptedPath)
	require.NoError(t, err)
	assert.Equal(t, sealed, backup)

	second, err := s.Put(ctx, source, PutOptions{BackupDir: backupDir})
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(backupDir, "notes.txt_1.etcr"), second.BackupPath)
}

func TestPutBackupFailureDoesNotFailPut(t *testing.T) {
	s := newTestVault(t, Config{})
	blocker := writeSource(t, "not-a-directory", []byte("x"))
	source := writeSource(t, "data.txt", []byte("payload"))

	entry, err := s.Put(context.Background(), source, PutOptions{BackupDir: blocker})
	require.NoError(t, err)
	assert.Empty(t, entry.BackupPath)
	assert.FileExists(t, entry.EncryptedPath)
}

func TestPutDataMatchesPut(t *testing.T) {
	s := newTestVault(t, Config{})
	ctx := context.Background()
	content := []byte("uploaded straight from memory")

	entry, err := s.PutData(ctx, "upload.bin", content, PutOptions{})
	require.NoError(t, err)
	assert.Equal(t, "upload.bin", entry.OriginalName)
	assert.Equal(t, int64(len(content)), entry.OriginalSize)
	assert.Equal(t, entry.ID+"_upload.bin.etcr", entry.EncryptedFilename)

	data, err := os.ReadFile(entry.EncryptedPath)
	require.NoError(t, err)
	res, err := container.Decode(data, s.keys)
	require.NoError(t, err)
	assert.Equal(t, content, res.Plaintext)
}

func TestPutDataRequiresName(t *testing.T) {
	s := newTestVault(t, Config{})
	_, err := s.PutData(context.Background(), "  ", []byte("x"), PutOptions{})
	assert.Error(t, err)
}

func TestPutDataStripsDirectories(t *testing.T) {
	s := newTestVault(t, Config{})
	entry, err := s.PutData(context.Background(), "../../etc/passwd", []byte("x"), PutOptions{})
	require.NoError(t, err)
	assert.Equal(t, "passwd", entry.OriginalName)
}

func TestDeleteOriginalKeepsSourceForTinyContainer(t *testing.T) {
	s := newTestVault(t, Config{})
	source := writeSource(t, "keep.txt", []byte("still here"))
	tiny := filepath.Join(s.Dir(), "tiny.etcr")
	require.NoError(t, os.WriteFile(tiny, []byte("stub"), 0600))

	s.deleteOriginal(source, tiny)
	assert.FileExists(t, source)

	s.deleteOriginal(source, filepath.Join(s.Dir(), "missing.etcr"))
	assert.FileExists(t, source)
}

func TestGetRestoresOriginalName(t *testing.T) {
	s := newTestVault(t, Config{})
	ctx := context.Background()
	content := []byte("meeting notes\n")
	entry, err := s.Put(ctx, writeSource(t, "notes.txt", content), PutOptions{})
	require.NoError(t, err)

	outDir := t.TempDir()
	outPath, res, err := s.Get(ctx, entry.EncryptedFilename, outDir)
	require.NoError(t, err)
	assert.Equal(t, "notes.txt", filepath.Base(outPath))
	assert.Equal(t, content, res.Plaintext)

	restored, err := os.ReadFile(outPath)
	require.NoError(t, err)
	assert.Equal(t, content, restored)

	// A second restore into the same directory must not clobber the first.
	again, _, err := s.Get(ctx, entry.EncryptedFilename, outDir)
	require.NoError(t, err)
	assert.Equal(t, "notes_1.txt", filepath.Base(again))
}

func TestOpenDecryptsWithoutWriting(t *testing.T) {
	s := newTestVault(t, Config{})
	ctx := context.Background()
	content := []byte("in memory only")
	entry, err := s.PutData(ctx, "draft.txt", content, PutOptions{})
	require.NoError(t, err)

	name, res, err := s.Open(ctx, entry.ID)
	require.NoError(t, err)
	assert.Equal(t, "draft.txt", name)
	assert.Equal(t, content, res.Plaintext)
}

func TestGetByIDAndPrefix(t *testing.T) {
	s := newTestVault(t, Config{})
	ctx := context.Background()
	entry, err := s.Put(ctx, writeSource(t, "by-id.txt", []byte("find me")), PutOptions{})
	require.NoError(t, err)

	outPath, _, err := s.Get(ctx, entry.ID, t.TempDir())
	require.NoError(t, err)
	assert.Equal(t, "by-id.txt", filepath.Base(outPath))

	outPath, _, err = s.Get(ctx, entry.ID[:8], t.TempDir())
	require.NoError(t, err)
	assert.Equal(t, "by-id.txt", filepath.Base(outPath))
}

func TestGetByPath(t *testing.T) {
	s := newTestVault(t, Config{})
	ctx := context.Background()
	entry, err := s.Put(ctx, writeSource(t, "by-path.txt", []byte("direct")), PutOptions{})
	require.NoError(t, err)

	outPath, _, err := s.Get(ctx, entry.EncryptedPath, t.TempDir())
	require.NoError(t, err)
	assert.Equal(t, "by-path.txt", filepath.Base(outPath))
}

func TestGetByOriginalName(t *testing.T) {
	s := newTestVault(t, Config{})
	ctx := context.Background()

	_, err := s.Put(ctx, writeSource(t, "report.pdf", []byte("v1")), PutOptions{})
	require.NoError(t, err)
	second, err := s.Put(ctx, writeSource(t, "report.pdf", []byte("v2, the newer one")), PutOptions{})
	require.NoError(t, err)

	// The original name resolves to the newest container for it.
	_, res, err := s.Get(ctx, "report.pdf", t.TempDir())
	require.NoError(t, err)
	assert.Equal(t, []byte("v2, the newer one"), res.Plaintext)

	info, err := s.Inspect(ctx, "report.pdf")
	require.NoError(t, err)
	require.NotNil(t, info.Entry)
	assert.Equal(t, second.ID, info.Entry.ID)
}

func TestGetAcrossKeyRotation(t *testing.T) {
	keys := openTestKeys(t)
	s := newTestVault(t, Config{Keys: keys})
	ctx := context.Background()

	before, err := s.Put(ctx, writeSource(t, "before.txt", []byte("sealed under the first key")), PutOptions{})
	require.NoError(t, err)

	second, err := keys.Generate(ctx, "rotation")
	require.NoError(t, err)
	require.NoError(t, keys.Activate(ctx, second.ID))

	after, err := s.Put(ctx, writeSource(t, "after.txt", []byte("sealed under the second key")), PutOptions{})
	require.NoError(t, err)
	assert.NotEqual(t, before.DEKHash, after.DEKHash)
	assert.Equal(t, second.ID, after.KeyID)

	// Containers carry their DEK hash, so both eras decrypt.
	_, res, err := s.Get(ctx, before.ID, t.TempDir())
	require.NoError(t, err)
	assert.Equal(t, []byte("sealed under the first key"), res.Plaintext)

	_, res, err = s.Get(ctx, after.ID, t.TempDir())
	require.NoError(t, err)
	assert.Equal(t, []byte("sealed under the second key"), res.Plaintext)

	// Deleting the second key promotes the first back to active. Its
	// containers keep decrypting; the second era is now orphaned.
	require.NoError(t, keys.Delete(ctx, second.ID))

	_, res, err = s.Get(ctx, before.ID, t.TempDir())
	require.NoError(t, err)
	assert.Equal(t, []byte("sealed under the first key"), res.Plaintext)

	_, _, err = s.Get(ctx, after.ID, t.TempDir())
	assert.Equal(t, errs.UnknownKeyForContainer, errs.KindOf(err))
}

func TestGetAmbiguousPrefix(t *testing.T) {
	s := newTestVault(t, Config{})
	ctx := context.Background()

	active, err := s.keys.Active()
	require.NoError(t, err)
	data, err := container.Encode([]byte("twin"), active.Key, container.AES256GCM)
	require.NoError(t, err)

	for _, id := range []string{strings.Repeat("a", 31) + "1", strings.Repeat("a", 31) + "2"} {
		name := containerFilename(id, "twin.txt")
		require.NoError(t, os.WriteFile(filepath.Join(s.Dir(), name), data, 0600))
	}

	_, _, err = s.Get(ctx, strings.Repeat("a", 8), t.TempDir())
	assert.ErrorIs(t, err, ErrAmbiguous)
}

func TestGetNotFound(t *testing.T) {
	s := newTestVault(t, Config{})
	_, _, err := s.Get(context.Background(), "deadbeef", t.TempDir())
	assert.ErrorIs(t, err, ErrNotFound)

	_, _, err = s.Get(context.Background(), "", t.TempDir())
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestGetFetchesFromRemote(t *testing.T) {
	keys := openTestKeys(t)
	active, err := keys.Active()
	require.NoError(t, err)
	content := []byte("only stored remotely")
	data, err := container.Encode(content, active.Key, container.AES256GCM)
	require.NoError(t, err)

	fetcher := &fakeFetcher{containers: map[string][]byte{"cloud.txt": data}}
	s := newTestVault(t, Config{Keys: keys, Fetcher: fetcher})

	outPath, res, err := s.Get(context.Background(), "cloud.txt", t.TempDir())
	require.NoError(t, err)
	assert.Equal(t, "cloud.txt", filepath.Base(outPath))
	assert.Equal(t, content, res.Plaintext)
	assert.Equal(t, []string{"cloud.txt"}, fetcher.requests)
}

func TestGetRemoteMissReportsNotFound(t *testing.T) {
	fetcher := &fakeFetcher{}
	s := newTestVault(t, Config{Fetcher: fetcher})

	_, _, err := s.Get(context.Background(), "nowhere.txt", t.TempDir())
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Equal(t, []string{"nowhere.txt"}, fetcher.requests)
}

func TestGetRemoteFailurePropagates(t *testing.T) {
	fetcher := &fakeFetcher{err: errs.E(errs.RemoteUnavailable, "remote.fetch", "cloud.txt", fmt.Errorf("connection refused"))}
	s := newTestVault(t, Config{Fetcher: fetcher})

	_, _, err := s.Get(context.Background(), "cloud.txt", t.TempDir())
	assert.Equal(t, errs.RemoteUnavailable, errs.KindOf(err))
	assert.NotErrorIs(t, err, ErrNotFound)
}

func TestReplicatorReceivesContainer(t *testing.T) {
	replicator := &fakeReplicator{}
	s := newTestVault(t, Config{Replicator: replicator})
	content := []byte("replicate this payload")

	entry, err := s.Put(context.Background(), writeSource(t, "synced.txt", content), PutOptions{})
	require.NoError(t, err)

	items := replicator.all()
	require.Len(t, items, 1)
	assert.Equal(t, entry.OriginalName, items[0].OriginalName)
	assert.Equal(t, entry.EncryptedFilename, items[0].EncryptedFilename)
	assert.Equal(t, entry.DEKHash, items[0].DEKHash)
	assert.Equal(t, entry.OriginalSize, items[0].OriginalSize)

	res, err := container.Decode(items[0].Data, s.keys)
	require.NoError(t, err)
	assert.Equal(t, content, res.Plaintext)
}

func TestListSynthesizesOrphans(t *testing.T) {
	s := newTestVault(t, Config{})
	ctx := context.Background()
	entry, err := s.Put(ctx, writeSource(t, "tracked.txt", []byte("in the sidecar")), PutOptions{})
	require.NoError(t, err)

	active, err := s.keys.Active()
	require.NoError(t, err)
	data, err := container.Encode([]byte("dropped in by hand"), active.Key, container.AES256GCM)
	require.NoError(t, err)
	orphanID := strings.Repeat("f", 32)
	orphanName := containerFilename(orphanID, "orphan.bin")
	require.NoError(t, os.WriteFile(filepath.Join(s.Dir(), orphanName), data, 0600))

	// A container whose name lacks the id prefix is listed under its
	// filename.
	stray, err := container.Encode([]byte("foreign name"), active.Key, container.AES256GCM)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(s.Dir(), "stray.etcr"), stray, 0600))

	entries, err := s.List(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 3)

	byID := make(map[string]Entry, len(entries))
	for _, e := range entries {
		byID[e.ID] = e
	}
	assert.Contains(t, byID, entry.ID)

	orphan, ok := byID[orphanID]
	require.True(t, ok)
	assert.Equal(t, "orphan.bin", orphan.OriginalName)
	assert.Equal(t, orphanName, orphan.EncryptedFilename)
	assert.Equal(t, int64(len(data)), orphan.EncryptedSize)
	assert.Empty(t, orphan.DEKHash)

	foreign, ok := byID["stray.etcr"]
	require.True(t, ok)
	assert.Equal(t, "stray", foreign.OriginalName)
	assert.Equal(t, "stray.etcr", foreign.EncryptedFilename)
}

func TestDeleteRemovesContainerAndEntry(t *testing.T) {
	s := newTestVault(t, Config{})
	ctx := context.Background()
	entry, err := s.Put(ctx, writeSource(t, "doomed.txt", []byte("short lived")), PutOptions{})
	require.NoError(t, err)

	require.NoError(t, s.Delete(ctx, entry.ID))
	assert.NoFileExists(t, entry.EncryptedPath)

	entries, err := s.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, entries)

	assert.ErrorIs(t, s.Delete(ctx, entry.ID), ErrNotFound)
}

func TestInspect(t *testing.T) {
	s := newTestVault(t, Config{})
	ctx := context.Background()
	entry, err := s.Put(ctx, writeSource(t, "peek.txt", []byte("header only")), PutOptions{})
	require.NoError(t, err)

	info, err := s.Inspect(ctx, entry.ID)
	require.NoError(t, err)
	assert.Equal(t, entry.EncryptedPath, info.Path)
	assert.Equal(t, container.AES256GCM, info.Container.Algorithm)
	assert.Equal(t, entry.DEKHash, info.Container.KeyHashHex())
	assert.False(t, info.Container.Legacy)
	require.NotNil(t, info.Entry)
	assert.Equal(t, entry.ID, info.Entry.ID)
}

func TestLegacyEncFilenameStillResolves(t *testing.T) {
	s := newTestVault(t, Config{})
	ctx := context.Background()

	active, err := s.keys.Active()
	require.NoError(t, err)
	content := []byte("written by an older release")
	data, err := container.Encode(content, active.Key, container.AES256GCM)
	require.NoError(t, err)

	id := strings.Repeat("e", 32)
	name := id + "_old.txt.enc"
	require.NoError(t, os.WriteFile(filepath.Join(s.Dir(), name), data, 0600))

	outPath, res, err := s.Get(ctx, name, t.TempDir())
	require.NoError(t, err)
	assert.Equal(t, "old.txt", filepath.Base(outPath))
	assert.Equal(t, content, res.Plaintext)

	entries, err := s.List(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, id, entries[0].ID)
}
