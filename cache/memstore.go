package cache

import (
	"fmt"
	"sync"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/c360studio/stagecache/fingerprint"
)

// MemoryStore is an in-memory Store for tests and short-lived processes.
// It honors the same immutability contract as FileStore but is unbounded.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[fingerprint.Fingerprint]*Entry
	bytes   int64
	hits    int64
	misses  int64
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		entries: make(map[fingerprint.Fingerprint]*Entry),
	}
}

// Get returns the entry for a fingerprint, or ErrNotFound.
func (s *MemoryStore) Get(fp fingerprint.Fingerprint) (*Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.entries[fp]
	if !ok {
		s.misses++
		return nil, ErrNotFound
	}
	s.hits++
	return copyEntry(entry), nil
}

// Put stores a new immutable entry.
func (s *MemoryStore) Put(fp fingerprint.Fingerprint, stage string, payload []byte, metadata map[string]string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.entries[fp]; ok {
		return ErrAlreadyExists
	}
	entry := &Entry{
		Fingerprint: fp,
		Stage:       stage,
		CreatedAt:   time.Now().UTC(),
		Metadata:    metadata,
		Payload:     payload,
	}
	s.entries[fp] = copyEntry(entry)
	s.bytes += int64(len(payload))
	return nil
}

// Invalidate removes the entry for a fingerprint.
func (s *MemoryStore) Invalidate(fp fingerprint.Fingerprint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.entries[fp]
	if !ok {
		return ErrNotFound
	}
	delete(s.entries, fp)
	s.bytes -= int64(len(entry.Payload))
	return nil
}

// InvalidateStage removes every entry whose stage matches the glob pattern.
func (s *MemoryStore) InvalidateStage(pattern string) (int, error) {
	if !doublestar.ValidatePattern(pattern) {
		return 0, fmt.Errorf("invalid stage pattern %q", pattern)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for fp, entry := range s.entries {
		ok, err := doublestar.Match(pattern, entry.Stage)
		if err != nil {
			return removed, fmt.Errorf("match stage pattern: %w", err)
		}
		if !ok {
			continue
		}
		delete(s.entries, fp)
		s.bytes -= int64(len(entry.Payload))
		removed++
	}
	return removed, nil
}

// Stats returns a snapshot of store contents and traffic counters.
func (s *MemoryStore) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Stats{
		Entries:    len(s.entries),
		TotalBytes: s.bytes,
		Hits:       s.hits,
		Misses:     s.misses,
	}
}

// copyEntry deep-copies an entry so callers can't mutate stored state.
func copyEntry(entry *Entry) *Entry {
	dup := &Entry{
		Fingerprint: entry.Fingerprint,
		Stage:       entry.Stage,
		CreatedAt:   entry.CreatedAt,
		Payload:     make([]byte, len(entry.Payload)),
	}
	copy(dup.Payload, entry.Payload)
	if entry.Metadata != nil {
		dup.Metadata = make(map[string]string, len(entry.Metadata))
		for k, v := range entry.Metadata {
			dup.Metadata[k] = v
		}
	}
	return dup
}
