package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"
)

// Snapshot is the set of identity keys seen by the last persisting scan.
type Snapshot struct {
	Products  []string  `json:"products"`
	Timestamp time.Time `json:"timestamp"`

	// badTimestamp keeps an unparseable timestamp for Load to report.
	badTimestamp string
}

// naive timestamps written without a zone by older snapshot files
var naiveLayouts = []string{
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999",
}

func (s *Snapshot) UnmarshalJSON(data []byte) error {
	var raw struct {
		Products  []string `json:"products"`
		Timestamp string   `json:"timestamp"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	s.Products = raw.Products
	if s.Products == nil {
		s.Products = []string{}
	}
	s.Timestamp = time.Time{}
	if raw.Timestamp == "" {
		return nil
	}

	// An unreadable timestamp must not cost the known keys; it stays zero.
	ts, err := parseTimestamp(raw.Timestamp)
	if err != nil {
		s.badTimestamp = raw.Timestamp
		return nil
	}
	s.Timestamp = ts
	return nil
}

func parseTimestamp(value string) (time.Time, error) {
	if ts, err := time.Parse(time.RFC3339Nano, value); err == nil {
		return ts, nil
	}
	for _, layout := range naiveLayouts {
		if ts, err := time.ParseInLocation(layout, value, time.Local); err == nil {
			return ts, nil
		}
	}
	return time.Time{}, fmt.Errorf("invalid snapshot timestamp %q", value)
}

// NewSnapshot sorts keys so consecutive files diff cleanly.
func NewSnapshot(keys []string, ts time.Time) *Snapshot {
	products := append(make([]string, 0, len(keys)), keys...)
	sort.Strings(products)
	return &Snapshot{Products: products, Timestamp: ts}
}

func (s *Snapshot) Keys() []string {
	if s == nil {
		return []string{}
	}
	return append(make([]string, 0, len(s.Products)), s.Products...)
}

// SnapshotStore reads and overwrites the single snapshot file.
type SnapshotStore struct {
	mu       sync.RWMutex
	filename string
}

func NewSnapshotStore(filename string) *SnapshotStore {
	return &SnapshotStore{filename: filename}
}

func (ss *SnapshotStore) Path() string {
	return ss.filename
}

// Load returns an empty snapshot when the file does not exist yet.
func (ss *SnapshotStore) Load() (*Snapshot, error) {
	ss.mu.RLock()
	defer ss.mu.RUnlock()

	data, err := os.ReadFile(ss.filename)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return &Snapshot{Products: []string{}}, nil
		}
		return nil, fmt.Errorf("read snapshot: %w", err)
	}

	var snapshot Snapshot
	if err := json.Unmarshal(data, &snapshot); err != nil {
		return nil, fmt.Errorf("decode snapshot %s: %w", ss.filename, err)
	}
	if snapshot.badTimestamp != "" {
		slog.Warn("invalid snapshot timestamp, keeping products",
			"path", ss.filename,
			"timestamp", snapshot.badTimestamp,
			"products", len(snapshot.Products))
	}
	return &snapshot, nil
}

// Save replaces the snapshot file wholesale.
func (ss *SnapshotStore) Save(snapshot *Snapshot) error {
	if snapshot == nil {
		return fmt.Errorf("snapshot is nil")
	}

	ss.mu.Lock()
	defer ss.mu.Unlock()

	if err := writeJSONAtomic(ss.filename, snapshot); err != nil {
		return fmt.Errorf("save snapshot: %w", err)
	}
	return nil
}

func writeJSONAtomic(filename string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}

	if dir := filepath.Dir(filename); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}

	// Write to temp file first for atomicity
	tmpFile := filename + ".tmp"
	if err := os.WriteFile(tmpFile, data, 0o644); err != nil {
		return err
	}

	if err := os.Rename(tmpFile, filename); err != nil {
		_ = os.Remove(tmpFile)
		return err
	}
	return nil
}
