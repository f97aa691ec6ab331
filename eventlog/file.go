package eventlog

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// FileSink appends one JSON record per line to a file, in the order events
// are recorded.
type FileSink struct {
	mu sync.Mutex
	f  *os.File
}

// OpenFileSink opens (creating if necessary) an append-only event file.
func OpenFileSink(path string) (*FileSink, error) {
	if path == "" {
		return nil, fmt.Errorf("event log path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create event log dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open event log: %w", err)
	}
	return &FileSink{f: f}, nil
}

// Record implements Sink.
func (s *FileSink) Record(ctx context.Context, ev Event) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	data = append(data, '\n')

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.f.Write(data); err != nil {
		return fmt.Errorf("append event: %w", err)
	}
	return nil
}

// Close releases the underlying file handle.
func (s *FileSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.f.Close()
}
