// Package checkpoint persists per-item completion records for a batch run so
// an interrupted run can resume without redoing finished work. The log is an
// append-only sequence of JSON records, one per line, per batch identifier.
package checkpoint

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/c360studio/stagecache/fingerprint"
)

// Status is the recorded state of one item within a batch.
type Status string

// Item statuses. Done and Failed are terminal for a single run; Failed does
// not suppress retry on a later run, only Done does.
const (
	StatusPending Status = "pending"
	StatusDone    Status = "done"
	StatusFailed  Status = "failed"
)

// Record is one append-only checkpoint entry for an item.
type Record struct {
	ItemID      string                  `json:"item_id"`
	Fingerprint fingerprint.Fingerprint `json:"fingerprint"`
	Status      Status                  `json:"status"`
	Error       string                  `json:"error,omitempty"`
	CompletedAt time.Time               `json:"completed_at"`
}

// Validate checks the record has the required fields.
func (r Record) Validate() error {
	var errs []error
	if strings.TrimSpace(r.ItemID) == "" {
		errs = append(errs, errors.New("item_id is required"))
	}
	if r.Fingerprint == "" {
		errs = append(errs, errors.New("fingerprint is required"))
	}
	switch r.Status {
	case StatusPending, StatusDone, StatusFailed:
	default:
		errs = append(errs, fmt.Errorf("invalid status %q", r.Status))
	}
	return errors.Join(errs...)
}

// Log is the append-only checkpoint log for one batch. Appends are safe for
// concurrent use; there are no in-place rewrites.
type Log struct {
	path string

	mu sync.Mutex
	f  *os.File
}

// OpenLog opens (creating if necessary) the checkpoint log for a batch under
// root. Existing records are preserved; new records are appended.
func OpenLog(root, batchID string) (*Log, error) {
	if err := validateBatchID(batchID); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create checkpoint dir: %w", err)
	}

	path := filepath.Join(root, batchID+".log")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open checkpoint log: %w", err)
	}
	return &Log{path: path, f: f}, nil
}

// Append writes one record to the log.
func (l *Log) Append(r Record) error {
	if err := r.Validate(); err != nil {
		return fmt.Errorf("invalid checkpoint record: %w", err)
	}
	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("marshal checkpoint record: %w", err)
	}
	data = append(data, '\n')

	l.mu.Lock()
	defer l.mu.Unlock()
	if _, err := l.f.Write(data); err != nil {
		return fmt.Errorf("append checkpoint record: %w", err)
	}
	return nil
}

// Replay returns the latest status per item, resolving duplicate appends for
// the same item by last-write-wins. Malformed lines (for example a torn final
// line from a crash mid-append) are skipped rather than failing the resume.
func (l *Log) Replay() (map[string]Record, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	f, err := os.Open(l.path)
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]Record{}, nil
		}
		return nil, fmt.Errorf("open checkpoint log for replay: %w", err)
	}
	defer f.Close()

	out := make(map[string]Record)
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var r Record
		if err := json.Unmarshal(line, &r); err != nil {
			continue
		}
		if r.Validate() != nil {
			continue
		}
		out[r.ItemID] = r
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan checkpoint log: %w", err)
	}
	return out, nil
}

// Close releases the underlying file handle.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.f.Close()
}

// Path returns the on-disk location of the log.
func (l *Log) Path() string {
	return l.path
}

// validateBatchID rejects identifiers that would escape the checkpoint root.
func validateBatchID(batchID string) error {
	if strings.TrimSpace(batchID) == "" {
		return errors.New("batch ID is required")
	}
	if strings.ContainsAny(batchID, `/\`) || batchID == "." || batchID == ".." {
		return fmt.Errorf("batch ID %q must be a plain name", batchID)
	}
	return nil
}
