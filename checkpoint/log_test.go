package checkpoint_test

import (
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/c360studio/stagecache/checkpoint"
	"github.com/c360studio/stagecache/fingerprint"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testFingerprint(t *testing.T, seed string) fingerprint.Fingerprint {
	t.Helper()
	fp, err := fingerprint.Compute([]byte(seed), "stage", "model", nil)
	require.NoError(t, err)
	return fp
}

func TestLog_AppendAndReplay(t *testing.T) {
	log, err := checkpoint.OpenLog(t.TempDir(), "batch-1")
	require.NoError(t, err)
	defer log.Close()

	fp := testFingerprint(t, "item-1")
	require.NoError(t, log.Append(checkpoint.Record{
		ItemID:      "item-1",
		Fingerprint: fp,
		Status:      checkpoint.StatusDone,
		CompletedAt: time.Now(),
	}))

	records, err := log.Replay()
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, checkpoint.StatusDone, records["item-1"].Status)
	assert.Equal(t, fp, records["item-1"].Fingerprint)
}

func TestLog_LastWriteWins(t *testing.T) {
	log, err := checkpoint.OpenLog(t.TempDir(), "batch-1")
	require.NoError(t, err)
	defer log.Close()

	fp := testFingerprint(t, "item-1")
	require.NoError(t, log.Append(checkpoint.Record{
		ItemID: "item-1", Fingerprint: fp, Status: checkpoint.StatusFailed,
		Error: "model unavailable", CompletedAt: time.Now(),
	}))
	require.NoError(t, log.Append(checkpoint.Record{
		ItemID: "item-1", Fingerprint: fp, Status: checkpoint.StatusDone,
		CompletedAt: time.Now(),
	}))

	records, err := log.Replay()
	require.NoError(t, err)
	assert.Equal(t, checkpoint.StatusDone, records["item-1"].Status)
}

func TestLog_SurvivesReopen(t *testing.T) {
	root := t.TempDir()

	log, err := checkpoint.OpenLog(root, "batch-1")
	require.NoError(t, err)
	fp := testFingerprint(t, "item-1")
	require.NoError(t, log.Append(checkpoint.Record{
		ItemID: "item-1", Fingerprint: fp, Status: checkpoint.StatusDone, CompletedAt: time.Now(),
	}))
	require.NoError(t, log.Close())

	reopened, err := checkpoint.OpenLog(root, "batch-1")
	require.NoError(t, err)
	defer reopened.Close()

	records, err := reopened.Replay()
	require.NoError(t, err)
	assert.Equal(t, checkpoint.StatusDone, records["item-1"].Status)
}

func TestLog_SkipsTornLine(t *testing.T) {
	root := t.TempDir()
	log, err := checkpoint.OpenLog(root, "batch-1")
	require.NoError(t, err)
	defer log.Close()

	fp := testFingerprint(t, "item-1")
	require.NoError(t, log.Append(checkpoint.Record{
		ItemID: "item-1", Fingerprint: fp, Status: checkpoint.StatusDone, CompletedAt: time.Now(),
	}))

	// Simulate a crash mid-append: partial JSON at the end of the file.
	f, err := os.OpenFile(log.Path(), os.O_WRONLY|os.O_APPEND, 0o644)
	require.NoError(t, err)
	_, err = f.WriteString(`{"item_id":"item-2","fing`)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	records, err := log.Replay()
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Contains(t, records, "item-1")
}

func TestLog_ConcurrentAppends(t *testing.T) {
	log, err := checkpoint.OpenLog(t.TempDir(), "batch-1")
	require.NoError(t, err)
	defer log.Close()

	records := make([]checkpoint.Record, 20)
	for i := range records {
		itemID := fmt.Sprintf("item-%d", i)
		records[i] = checkpoint.Record{
			ItemID:      itemID,
			Fingerprint: testFingerprint(t, itemID),
			Status:      checkpoint.StatusDone,
			CompletedAt: time.Now(),
		}
	}

	var wg sync.WaitGroup
	for _, rec := range records {
		wg.Add(1)
		go func(rec checkpoint.Record) {
			defer wg.Done()
			assert.NoError(t, log.Append(rec))
		}(rec)
	}
	wg.Wait()

	replayed, err := log.Replay()
	require.NoError(t, err)
	assert.Len(t, replayed, 20)
}

func TestOpenLog_RejectsBadBatchID(t *testing.T) {
	tests := []string{"", "  ", "a/b", `a\b`, "..", "."}
	for _, id := range tests {
		_, err := checkpoint.OpenLog(t.TempDir(), id)
		assert.Error(t, err, "batch ID %q", id)
	}
}

func TestLog_AppendValidatesRecord(t *testing.T) {
	log, err := checkpoint.OpenLog(t.TempDir(), "batch-1")
	require.NoError(t, err)
	defer log.Close()

	err = log.Append(checkpoint.Record{ItemID: "", Status: checkpoint.StatusDone})
	assert.Error(t, err)

	err = log.Append(checkpoint.Record{
		ItemID:      "item-1",
		Fingerprint: testFingerprint(t, "item-1"),
		Status:      "bogus",
	})
	assert.Error(t, err)
}
