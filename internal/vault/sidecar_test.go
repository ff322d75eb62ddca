package vault

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestSidecar(t *testing.T) *sidecar {
	t.Helper()
	sc := newSidecar(t.TempDir(), testLogger())
	require.NoError(t, sc.load())
	return sc
}

func testEntry(id, name string) Entry {
	return Entry{
		ID:                id,
		OriginalName:      name,
		EncryptedFilename: id + "_" + name + ContainerExt,
		OriginalSize:      10,
		EncryptedSize:     78,
		Algorithm:         "AES-256-GCM",
		DEKHash:           "abcd",
		Timestamp:         time.Now().UTC(),
		KeyID:             "deadbeef",
		KeyType:           "generated",
	}
}

func TestSidecarLoadMissing(t *testing.T) {
	sc := newTestSidecar(t)
	assert.Empty(t, sc.list())
}

func TestSidecarRoundTrip(t *testing.T) {
	dir := t.TempDir()
	sc := newSidecar(dir, testLogger())
	require.NoError(t, sc.load())

	a := testEntry("aaaabbbbccccddddaaaabbbbccccdddd", "report.pdf")
	a.BackupPath = "/home/kenneth/backups/report.pdf.etcr"
	b := testEntry("11112222333344441111222233334444", "photo.jpg")
	require.NoError(t, sc.upsert(a))
	require.NoError(t, sc.upsert(b))

	reloaded := newSidecar(dir, testLogger())
	require.NoError(t, reloaded.load())
	require.Len(t, reloaded.list(), 2)

	got, ok := reloaded.find(a.ID)
	require.True(t, ok)
	assert.Equal(t, "report.pdf", got.OriginalName)
	assert.Equal(t, "AES-256-GCM", got.Algorithm)
	assert.Equal(t, "deadbeef", got.KeyID)
	assert.Equal(t, a.BackupPath, got.BackupPath)
}

func TestSidecarUpsertReplaces(t *testing.T) {
	sc := newTestSidecar(t)

	entry := testEntry("aaaabbbbccccddddaaaabbbbccccdddd", "report.pdf")
	require.NoError(t, sc.upsert(entry))

	entry.OriginalSize = 999
	require.NoError(t, sc.upsert(entry))

	require.Len(t, sc.list(), 1)
	got, _ := sc.find(entry.ID)
	assert.Equal(t, int64(999), got.OriginalSize)
}

func TestSidecarPreservesUnknownKeys(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, sidecarName)

	// Another tool wrote fields we do not know about.
	raw := `[
	  {
	    "id": "aaaabbbbccccddddaaaabbbbccccdddd",
	    "originalName": "report.pdf",
	    "encryptedPath": "/vault/aaaabbbbccccddddaaaabbbbccccdddd_report.pdf.etcr",
	    "encryptedFilename": "aaaabbbbccccddddaaaabbbbccccdddd_report.pdf.etcr",
	    "originalSize": 100,
	    "encryptedSize": 168,
	    "algorithm": "AES-256-GCM",
	    "dekHash": "ff00",
	    "timestamp": "2025-11-02T10:00:00Z",
	    "cloudSyncState": {"provider": "gdrive", "etag": "xyz"},
	    "pinnedByUser": true
	  }
	]`
	require.NoError(t, os.WriteFile(path, []byte(raw), 0600))

	sc := newSidecar(dir, testLogger())
	require.NoError(t, sc.load())

	got, ok := sc.find("aaaabbbbccccddddaaaabbbbccccdddd")
	require.True(t, ok)
	require.Contains(t, got.Extra, "cloudSyncState")
	require.Contains(t, got.Extra, "pinnedByUser")

	// Modify a known field and save; the unknown ones must survive.
	got.OriginalName = "renamed.pdf"
	got.Extra = nil // caller did not carry them; upsert must
	require.NoError(t, sc.upsert(got))

	reloaded := newSidecar(dir, testLogger())
	require.NoError(t, reloaded.load())
	entry, ok := reloaded.find("aaaabbbbccccddddaaaabbbbccccdddd")
	require.True(t, ok)
	assert.Equal(t, "renamed.pdf", entry.OriginalName)
	assert.JSONEq(t, `{"provider": "gdrive", "etag": "xyz"}`, string(entry.Extra["cloudSyncState"]))
	assert.Equal(t, "true", string(entry.Extra["pinnedByUser"]))
}

func TestSidecarMalformedStartsEmpty(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, sidecarName)
	require.NoError(t, os.WriteFile(path, []byte("{definitely not an array"), 0600))

	sc := newSidecar(dir, testLogger())
	require.NoError(t, sc.load())
	assert.Empty(t, sc.list())

	// The vault stays usable: the next save rewrites the file.
	require.NoError(t, sc.upsert(testEntry("aaaabbbbccccddddaaaabbbbccccdddd", "new.txt")))

	var entries []Entry
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(data, &entries))
	assert.Len(t, entries, 1)
}

func TestSidecarRemove(t *testing.T) {
	sc := newTestSidecar(t)

	entry := testEntry("aaaabbbbccccddddaaaabbbbccccdddd", "report.pdf")
	require.NoError(t, sc.upsert(entry))
	require.NoError(t, sc.remove(entry.ID))
	assert.Empty(t, sc.list())

	// Removing an absent id is a no-op.
	require.NoError(t, sc.remove("00000000000000000000000000000000"))
}

func TestSidecarFindByNameNewest(t *testing.T) {
	sc := newTestSidecar(t)

	older := testEntry("aaaabbbbccccddddaaaabbbbccccdddd", "report.pdf")
	older.Timestamp = time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	newer := testEntry("11112222333344441111222233334444", "report.pdf")
	newer.Timestamp = time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, sc.upsert(older))
	require.NoError(t, sc.upsert(newer))

	got, ok := sc.findByName("report.pdf")
	require.True(t, ok)
	assert.Equal(t, newer.ID, got.ID)

	_, ok = sc.findByName("absent.txt")
	assert.False(t, ok)
}
