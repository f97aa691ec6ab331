package cache_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/c360studio/stagecache/cache"
	"github.com/c360studio/stagecache/fingerprint"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustFingerprint(t *testing.T, content string) fingerprint.Fingerprint {
	t.Helper()
	fp, err := fingerprint.Compute([]byte(content), "extract", "test-model", nil)
	require.NoError(t, err)
	return fp
}

func TestFileStore_PutGetRoundTrip(t *testing.T) {
	store, err := cache.OpenFileStore(t.TempDir())
	require.NoError(t, err)

	fp := mustFingerprint(t, "doc-1")
	meta := map[string]string{"tokens": "1234"}
	require.NoError(t, store.Put(fp, "extract", []byte("artifact payload"), meta))

	entry, err := store.Get(fp)
	require.NoError(t, err)
	assert.Equal(t, fp, entry.Fingerprint)
	assert.Equal(t, "extract", entry.Stage)
	assert.Equal(t, []byte("artifact payload"), entry.Payload)
	assert.Equal(t, meta, entry.Metadata)
	assert.False(t, entry.CreatedAt.IsZero())
}

func TestFileStore_GetMiss(t *testing.T) {
	store, err := cache.OpenFileStore(t.TempDir())
	require.NoError(t, err)

	_, err = store.Get(mustFingerprint(t, "absent"))
	assert.ErrorIs(t, err, cache.ErrNotFound)
}

func TestFileStore_PutRejectsDuplicate(t *testing.T) {
	store, err := cache.OpenFileStore(t.TempDir())
	require.NoError(t, err)

	fp := mustFingerprint(t, "doc-1")
	require.NoError(t, store.Put(fp, "extract", []byte("first"), nil))

	err = store.Put(fp, "extract", []byte("second"), nil)
	assert.ErrorIs(t, err, cache.ErrAlreadyExists)

	// The original entry is untouched.
	entry, err := store.Get(fp)
	require.NoError(t, err)
	assert.Equal(t, []byte("first"), entry.Payload)
}

func TestFileStore_InvalidateRoundTrip(t *testing.T) {
	store, err := cache.OpenFileStore(t.TempDir())
	require.NoError(t, err)

	fp := mustFingerprint(t, "doc-1")
	require.NoError(t, store.Put(fp, "extract", []byte("x"), nil))
	require.NoError(t, store.Invalidate(fp))

	_, err = store.Get(fp)
	assert.ErrorIs(t, err, cache.ErrNotFound)

	// Replacement after explicit invalidation succeeds.
	require.NoError(t, store.Put(fp, "extract", []byte("y"), nil))
	entry, err := store.Get(fp)
	require.NoError(t, err)
	assert.Equal(t, []byte("y"), entry.Payload)
}

func TestFileStore_InvalidateMissing(t *testing.T) {
	store, err := cache.OpenFileStore(t.TempDir())
	require.NoError(t, err)

	err = store.Invalidate(mustFingerprint(t, "absent"))
	assert.ErrorIs(t, err, cache.ErrNotFound)
}

func TestFileStore_CorruptEntryIsMiss(t *testing.T) {
	dir := t.TempDir()
	store, err := cache.OpenFileStore(dir)
	require.NoError(t, err)

	fp := mustFingerprint(t, "doc-1")
	require.NoError(t, store.Put(fp, "extract", []byte("payload"), nil))

	// Clobber the metadata file behind the store's back.
	entryDir := filepath.Join(dir, string(fp)[:2], string(fp))
	require.NoError(t, os.WriteFile(filepath.Join(entryDir, "entry.json"), []byte("{not json"), 0o644))

	_, err = store.Get(fp)
	assert.ErrorIs(t, err, cache.ErrNotFound)

	// The corrupt entry was dropped, so a fresh Put succeeds.
	require.NoError(t, store.Put(fp, "extract", []byte("recomputed"), nil))
}

func TestFileStore_ReopenIndexesExistingEntries(t *testing.T) {
	dir := t.TempDir()
	store, err := cache.OpenFileStore(dir)
	require.NoError(t, err)

	fp := mustFingerprint(t, "doc-1")
	require.NoError(t, store.Put(fp, "extract", []byte("persisted"), nil))

	reopened, err := cache.OpenFileStore(dir)
	require.NoError(t, err)

	entry, err := reopened.Get(fp)
	require.NoError(t, err)
	assert.Equal(t, []byte("persisted"), entry.Payload)

	err = reopened.Put(fp, "extract", []byte("dup"), nil)
	assert.ErrorIs(t, err, cache.ErrAlreadyExists)
}

func TestFileStore_LRUEviction(t *testing.T) {
	// Small bound so a third entry forces the least-recently-used one out.
	store, err := cache.OpenFileStore(t.TempDir(), cache.WithMaxBytes(900))
	require.NoError(t, err)

	payload := make([]byte, 256)
	fpA := mustFingerprint(t, "doc-a")
	fpB := mustFingerprint(t, "doc-b")
	fpC := mustFingerprint(t, "doc-c")

	require.NoError(t, store.Put(fpA, "extract", payload, nil))
	require.NoError(t, store.Put(fpB, "extract", payload, nil))

	// Touch A so B becomes the LRU victim.
	_, err = store.Get(fpA)
	require.NoError(t, err)

	require.NoError(t, store.Put(fpC, "extract", payload, nil))

	_, err = store.Get(fpB)
	assert.ErrorIs(t, err, cache.ErrNotFound)
	_, err = store.Get(fpA)
	assert.NoError(t, err)
	_, err = store.Get(fpC)
	assert.NoError(t, err)

	assert.GreaterOrEqual(t, store.Stats().Evictions, int64(1))
}

func TestFileStore_InvalidateStage(t *testing.T) {
	store, err := cache.OpenFileStore(t.TempDir())
	require.NoError(t, err)

	fpExtract, err := fingerprint.Compute([]byte("a"), "extract", "m", nil)
	require.NoError(t, err)
	fpSynth, err := fingerprint.Compute([]byte("b"), "synthesis", "m", nil)
	require.NoError(t, err)
	fpTriage, err := fingerprint.Compute([]byte("c"), "synthesis-triage", "m", nil)
	require.NoError(t, err)

	require.NoError(t, store.Put(fpExtract, "extract", []byte("a"), nil))
	require.NoError(t, store.Put(fpSynth, "synthesis", []byte("b"), nil))
	require.NoError(t, store.Put(fpTriage, "synthesis-triage", []byte("c"), nil))

	removed, err := store.InvalidateStage("synthesis*")
	require.NoError(t, err)
	assert.Equal(t, 2, removed)

	_, err = store.Get(fpExtract)
	assert.NoError(t, err)
	_, err = store.Get(fpSynth)
	assert.ErrorIs(t, err, cache.ErrNotFound)
	_, err = store.Get(fpTriage)
	assert.ErrorIs(t, err, cache.ErrNotFound)

	_, err = store.InvalidateStage("[invalid")
	assert.Error(t, err)
}

func TestFileStore_Stats(t *testing.T) {
	store, err := cache.OpenFileStore(t.TempDir())
	require.NoError(t, err)

	fp := mustFingerprint(t, "doc-1")
	require.NoError(t, store.Put(fp, "extract", []byte("12345"), nil))

	_, err = store.Get(fp)
	require.NoError(t, err)
	_, _ = store.Get(mustFingerprint(t, "absent"))

	stats := store.Stats()
	assert.Equal(t, 1, stats.Entries)
	assert.Greater(t, stats.TotalBytes, int64(0))
	assert.Equal(t, int64(1), stats.Hits)
	assert.Equal(t, int64(1), stats.Misses)
}
