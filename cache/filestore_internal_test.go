package cache

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360studio/stagecache/fingerprint"
)

func pinTestFingerprint(t *testing.T, content string) fingerprint.Fingerprint {
	t.Helper()
	fp, err := fingerprint.Compute([]byte(content), "extract", "test-model", nil)
	require.NoError(t, err)
	return fp
}

func TestFileStore_EvictionSkipsPinnedEntries(t *testing.T) {
	// Bound sized so two entries fit and a third forces an eviction.
	s, err := OpenFileStore(t.TempDir(), WithMaxBytes(900))
	require.NoError(t, err)

	payload := make([]byte, 256)
	fpA := pinTestFingerprint(t, "doc-a")
	fpB := pinTestFingerprint(t, "doc-b")
	fpC := pinTestFingerprint(t, "doc-c")
	fpD := pinTestFingerprint(t, "doc-d")

	require.NoError(t, s.Put(fpA, "extract", payload, nil))
	require.NoError(t, s.Put(fpB, "extract", payload, nil))

	// A reader is mid-Get on A when the next Put pushes the store over its
	// bound. A is the LRU entry, but the pin must protect it, so B goes.
	s.mu.Lock()
	s.index[fpA].pins++
	s.mu.Unlock()

	require.NoError(t, s.Put(fpC, "extract", payload, nil))

	s.mu.Lock()
	_, aPresent := s.index[fpA]
	_, bPresent := s.index[fpB]
	_, cPresent := s.index[fpC]
	s.mu.Unlock()
	assert.True(t, aPresent, "pinned entry must survive eviction")
	assert.False(t, bPresent, "the oldest unpinned entry is the victim")
	assert.True(t, cPresent)

	// Once the reader finishes, A is evictable again.
	s.mu.Lock()
	s.index[fpA].pins--
	s.mu.Unlock()

	require.NoError(t, s.Put(fpD, "extract", payload, nil))

	s.mu.Lock()
	_, aPresent = s.index[fpA]
	s.mu.Unlock()
	assert.False(t, aPresent, "unpinned LRU entry is evicted normally")

	assert.GreaterOrEqual(t, s.Stats().Evictions, int64(2))
}
