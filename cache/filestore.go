package cache

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/c360studio/stagecache/fingerprint"
)

const (
	entryFileName   = "entry.json"
	payloadFileName = "payload.blob"
)

// FileStore is a filesystem-backed Store.
//
// Layout:
//
//	{root}/
//	  {fp[0:2]}/
//	    {fp}/
//	      entry.json
//	      payload.blob
//
// The two-level sharding by digest prefix keeps individual directories small.
// Writes land in a temp directory and are renamed into place, so readers never
// observe a partially written entry and a crash mid-write leaves at worst a
// stale temp directory, never a corrupt entry.
type FileStore struct {
	root     string
	maxBytes int64
	logger   *slog.Logger

	mu         sync.Mutex
	index      map[fingerprint.Fingerprint]*indexEntry
	totalBytes int64
	hits       int64
	misses     int64
	evictions  int64
}

type indexEntry struct {
	stage      string
	size       int64
	lastAccess time.Time

	// pins counts readers currently loading this entry from disk.
	// Eviction skips pinned entries.
	pins int
}

// FileStoreOption configures a FileStore.
type FileStoreOption func(*FileStore)

// WithMaxBytes bounds the store's total payload+metadata size. When a Put
// pushes the store over the bound, least-recently-used entries are evicted.
// Zero (the default) means unbounded.
func WithMaxBytes(n int64) FileStoreOption {
	return func(s *FileStore) {
		s.maxBytes = n
	}
}

// WithStoreLogger sets the logger for the store.
func WithStoreLogger(logger *slog.Logger) FileStoreOption {
	return func(s *FileStore) {
		s.logger = logger
	}
}

// OpenFileStore opens (creating if necessary) a file store rooted at dir and
// indexes the entries already present, so hit/miss accounting and eviction
// order survive process restarts.
func OpenFileStore(dir string, opts ...FileStoreOption) (*FileStore, error) {
	if dir == "" {
		return nil, fmt.Errorf("cache dir is required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create cache dir: %w", err)
	}

	s := &FileStore{
		root:   dir,
		logger: slog.Default(),
		index:  make(map[fingerprint.Fingerprint]*indexEntry),
	}
	for _, opt := range opts {
		opt(s)
	}

	if err := s.loadIndex(); err != nil {
		return nil, err
	}
	return s, nil
}

// loadIndex scans the shard directories and rebuilds the in-memory index.
// Entry mtimes seed the LRU order for entries written by earlier processes.
func (s *FileStore) loadIndex() error {
	shards, err := os.ReadDir(s.root)
	if err != nil {
		return fmt.Errorf("scan cache root: %w", err)
	}
	for _, shard := range shards {
		if !shard.IsDir() || len(shard.Name()) != 2 {
			continue
		}
		entries, err := os.ReadDir(filepath.Join(s.root, shard.Name()))
		if err != nil {
			return fmt.Errorf("scan shard %s: %w", shard.Name(), err)
		}
		for _, e := range entries {
			if !e.IsDir() {
				continue
			}
			fp := fingerprint.Fingerprint(e.Name())
			entry, size, err := s.readEntry(fp)
			if err != nil {
				// Unreadable entries are dropped at open rather than
				// surfacing corruption later as a fatal error.
				s.logger.Warn("Dropping unreadable cache entry", "fingerprint", e.Name(), "error", err)
				_ = os.RemoveAll(s.entryDir(fp))
				continue
			}
			info, err := os.Stat(filepath.Join(s.entryDir(fp), payloadFileName))
			lastAccess := time.Now()
			if err == nil {
				lastAccess = info.ModTime()
			}
			s.index[fp] = &indexEntry{
				stage:      entry.Stage,
				size:       size,
				lastAccess: lastAccess,
			}
			s.totalBytes += size
		}
	}
	return nil
}

// Get returns the entry for a fingerprint. Unreadable entries are dropped
// and reported as a miss so the caller recomputes.
func (s *FileStore) Get(fp fingerprint.Fingerprint) (*Entry, error) {
	s.mu.Lock()
	ie, ok := s.index[fp]
	if !ok {
		s.misses++
		s.mu.Unlock()
		return nil, ErrNotFound
	}
	ie.pins++
	s.mu.Unlock()

	entry, _, err := s.readEntry(fp)

	s.mu.Lock()
	defer s.mu.Unlock()
	ie.pins--
	if err != nil {
		s.logger.Warn("Treating corrupt cache entry as miss", "fingerprint", string(fp), "error", err)
		s.misses++
		s.dropLocked(fp, ie)
		return nil, ErrNotFound
	}
	s.hits++
	ie.lastAccess = time.Now()
	return entry, nil
}

// Put stores a new immutable entry under its fingerprint.
func (s *FileStore) Put(fp fingerprint.Fingerprint, stage string, payload []byte, metadata map[string]string) error {
	s.mu.Lock()
	if _, ok := s.index[fp]; ok {
		s.mu.Unlock()
		return ErrAlreadyExists
	}
	s.mu.Unlock()

	size, err := s.writeEntry(fp, stage, payload, metadata)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.index[fp]; ok {
		// Lost a race with a concurrent Put for the same fingerprint.
		return ErrAlreadyExists
	}
	s.index[fp] = &indexEntry{
		stage:      stage,
		size:       size,
		lastAccess: time.Now(),
	}
	s.totalBytes += size
	s.evictLocked()
	return nil
}

// Invalidate removes the entry for a fingerprint.
func (s *FileStore) Invalidate(fp fingerprint.Fingerprint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ie, ok := s.index[fp]
	if !ok {
		return ErrNotFound
	}
	s.dropLocked(fp, ie)
	return nil
}

// InvalidateStage removes every entry whose stage matches the doublestar
// glob pattern (e.g. "extract", "synthesis/*", "triage-*").
func (s *FileStore) InvalidateStage(pattern string) (int, error) {
	if !doublestar.ValidatePattern(pattern) {
		return 0, fmt.Errorf("invalid stage pattern %q", pattern)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for fp, ie := range s.index {
		ok, err := doublestar.Match(pattern, ie.stage)
		if err != nil {
			return removed, fmt.Errorf("match stage pattern: %w", err)
		}
		if !ok {
			continue
		}
		s.dropLocked(fp, ie)
		removed++
	}
	return removed, nil
}

// Stats returns a snapshot of store contents and traffic counters.
func (s *FileStore) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Stats{
		Entries:    len(s.index),
		TotalBytes: s.totalBytes,
		Hits:       s.hits,
		Misses:     s.misses,
		Evictions:  s.evictions,
	}
}

// dropLocked removes an entry from the index and from disk. Caller holds mu.
func (s *FileStore) dropLocked(fp fingerprint.Fingerprint, ie *indexEntry) {
	if _, ok := s.index[fp]; !ok {
		return
	}
	delete(s.index, fp)
	s.totalBytes -= ie.size
	if err := os.RemoveAll(s.entryDir(fp)); err != nil {
		s.logger.Warn("Failed to remove cache entry dir", "fingerprint", string(fp), "error", err)
	}
}

// evictLocked removes least-recently-used entries until the store fits its
// byte bound. Pinned entries (currently being read) are never evicted.
// Caller holds mu.
func (s *FileStore) evictLocked() {
	if s.maxBytes <= 0 {
		return
	}
	for s.totalBytes > s.maxBytes {
		var victim fingerprint.Fingerprint
		var victimEntry *indexEntry
		for fp, ie := range s.index {
			if ie.pins > 0 {
				continue
			}
			if victimEntry == nil || ie.lastAccess.Before(victimEntry.lastAccess) {
				victim = fp
				victimEntry = ie
			}
		}
		if victimEntry == nil {
			// Everything left is pinned; try again on the next Put.
			return
		}
		s.logger.Debug("Evicting cache entry",
			"fingerprint", string(victim),
			"stage", victimEntry.stage,
			"size", victimEntry.size)
		s.dropLocked(victim, victimEntry)
		s.evictions++
	}
}

// readEntry loads entry.json and payload.blob, returning the entry and its
// total on-disk size.
func (s *FileStore) readEntry(fp fingerprint.Fingerprint) (*Entry, int64, error) {
	dir := s.entryDir(fp)

	metaData, err := os.ReadFile(filepath.Join(dir, entryFileName))
	if err != nil {
		return nil, 0, fmt.Errorf("read entry metadata: %w", err)
	}
	var entry Entry
	if err := json.Unmarshal(metaData, &entry); err != nil {
		return nil, 0, fmt.Errorf("parse entry metadata: %w", err)
	}
	if entry.Fingerprint != fp {
		return nil, 0, fmt.Errorf("entry fingerprint mismatch: %s", entry.Fingerprint)
	}

	payload, err := os.ReadFile(filepath.Join(dir, payloadFileName))
	if err != nil {
		return nil, 0, fmt.Errorf("read entry payload: %w", err)
	}
	entry.Payload = payload

	return &entry, int64(len(metaData) + len(payload)), nil
}

// writeEntry commits a new entry via temp-dir-then-rename so a crash never
// leaves a partial entry at the canonical path.
func (s *FileStore) writeEntry(fp fingerprint.Fingerprint, stage string, payload []byte, metadata map[string]string) (int64, error) {
	dir := s.entryDir(fp)
	parent := filepath.Dir(dir)
	if err := os.MkdirAll(parent, 0o755); err != nil {
		return 0, fmt.Errorf("create shard dir: %w", err)
	}

	tmpDir, err := os.MkdirTemp(parent, "tmp-"+string(fp)[:8]+"-")
	if err != nil {
		return 0, fmt.Errorf("create temp entry dir: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = os.RemoveAll(tmpDir)
		}
	}()

	entry := Entry{
		Fingerprint: fp,
		Stage:       stage,
		CreatedAt:   time.Now().UTC(),
		Metadata:    metadata,
	}
	metaData, err := json.MarshalIndent(entry, "", "  ")
	if err != nil {
		return 0, fmt.Errorf("marshal entry metadata: %w", err)
	}

	if err := os.WriteFile(filepath.Join(tmpDir, payloadFileName), payload, 0o644); err != nil {
		return 0, fmt.Errorf("write entry payload: %w", err)
	}
	if err := os.WriteFile(filepath.Join(tmpDir, entryFileName), metaData, 0o644); err != nil {
		return 0, fmt.Errorf("write entry metadata: %w", err)
	}

	if err := os.Rename(tmpDir, dir); err != nil {
		if _, statErr := os.Stat(dir); statErr == nil {
			return 0, ErrAlreadyExists
		}
		return 0, fmt.Errorf("commit cache entry: %w", err)
	}
	committed = true
	return int64(len(metaData) + len(payload)), nil
}

// entryDir returns the sharded directory path for a fingerprint.
func (s *FileStore) entryDir(fp fingerprint.Fingerprint) string {
	h := string(fp)
	if len(h) < 2 {
		return filepath.Join(s.root, h)
	}
	return filepath.Join(s.root, h[:2], h)
}
