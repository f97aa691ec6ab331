// Package cache provides a durable, content-addressed artifact store keyed by
// work-unit fingerprints. Entries are immutable once written: a second Put for
// the same fingerprint is rejected, and replacement requires an explicit
// Invalidate first.
package cache

import (
	"errors"
	"time"

	"github.com/c360studio/stagecache/fingerprint"
)

// Common store errors.
var (
	// ErrNotFound is returned when no entry exists for a fingerprint.
	// Corrupted or unreadable entries are also reported as ErrNotFound so
	// callers recompute instead of surfacing storage corruption.
	ErrNotFound = errors.New("cache entry not found")

	// ErrAlreadyExists is returned by Put when an entry for the fingerprint
	// already exists. Entries are immutable; invalidate first to replace.
	ErrAlreadyExists = errors.New("cache entry already exists")
)

// Entry is a stored artifact with its metadata. Entries are owned by the
// store once written and never modified in place.
type Entry struct {
	// Fingerprint identifies the unit of work that produced this artifact.
	Fingerprint fingerprint.Fingerprint `json:"fingerprint"`

	// Stage is the pipeline stage that produced the artifact.
	Stage string `json:"stage"`

	// CreatedAt is when the entry was committed.
	CreatedAt time.Time `json:"created_at"`

	// Metadata carries caller-supplied artifact metadata.
	Metadata map[string]string `json:"metadata,omitempty"`

	// Payload is the artifact content. Stored separately from the entry
	// metadata on disk.
	Payload []byte `json:"-"`
}

// Stats is a point-in-time snapshot of store contents and traffic.
//
// Hits and Misses count individual Get calls, not logical decisions: a caller
// that misses, re-checks, and then computes contributes one miss per lookup.
type Stats struct {
	Entries    int   `json:"entries"`
	TotalBytes int64 `json:"total_bytes"`
	Hits       int64 `json:"hits"`
	Misses     int64 `json:"misses"`
	Evictions  int64 `json:"evictions"`
}

// Store is the artifact cache consulted by the incremental processor.
//
// Implementations must be safe for concurrent use, and Get must never
// observe a partially written entry.
type Store interface {
	// Get returns the entry for a fingerprint, or ErrNotFound.
	Get(fp fingerprint.Fingerprint) (*Entry, error)

	// Put stores a new immutable entry. Returns ErrAlreadyExists if an
	// entry for the fingerprint is already present.
	Put(fp fingerprint.Fingerprint, stage string, payload []byte, metadata map[string]string) error

	// Invalidate removes the entry for a fingerprint, or returns
	// ErrNotFound if none exists.
	Invalidate(fp fingerprint.Fingerprint) error

	// InvalidateStage removes every entry whose stage name matches the
	// doublestar glob pattern, returning the number removed.
	InvalidateStage(pattern string) (int, error)

	// Stats returns a snapshot of store contents and hit/miss counters.
	Stats() Stats
}
