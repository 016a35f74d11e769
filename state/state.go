package state

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

const FileName = "acknowledged.jsonl"

var ErrEmptyStateDir = errors.New("state directory is empty")

// Tracker remembers which items have been acknowledged. For sources without a
// server side read flag it is the read flag.
type Tracker interface {
	AlreadyAcknowledged(itemID string) bool
	MarkAcknowledged(itemID, detail string) error
	Snapshot() Snapshot
}

type Snapshot struct {
	Acknowledged int
}

type MemoryTracker struct {
	mu    sync.RWMutex
	acked map[string]Record
}

func NewMemoryTracker() *MemoryTracker {
	return &MemoryTracker{acked: make(map[string]Record)}
}

func (m *MemoryTracker) AlreadyAcknowledged(itemID string) bool {
	if itemID == "" {
		return false
	}

	m.mu.RLock()
	_, ok := m.acked[itemID]
	m.mu.RUnlock()
	return ok
}

func (m *MemoryTracker) MarkAcknowledged(itemID, detail string) error {
	_, err := m.mark(itemID, detail)
	return err
}

// mark stores the record and reports whether it was new.
func (m *MemoryTracker) mark(itemID, detail string) (Record, error) {
	if strings.TrimSpace(itemID) == "" {
		return Record{}, errors.New("item id is empty")
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.acked[itemID]; exists {
		return Record{}, nil
	}
	rec := Record{ItemID: itemID, Detail: detail, AckedAt: time.Now().UTC()}
	m.acked[itemID] = rec
	return rec, nil
}

func (m *MemoryTracker) Snapshot() Snapshot {
	m.mu.RLock()
	count := len(m.acked)
	m.mu.RUnlock()
	return Snapshot{Acknowledged: count}
}

// Record is one line of the state file.
type Record struct {
	ItemID  string    `json:"item_id"`
	Detail  string    `json:"detail,omitempty"`
	AckedAt time.Time `json:"acked_at"`
}

// FileTracker appends acknowledged ids to a JSONL file so later runs treat
// them as read.
type FileTracker struct {
	*MemoryTracker
	path    string
	persist bool
	writer  *bufio.Writer
	file    *os.File
	writeMu sync.Mutex
}

func NewFileTracker(stateDir string, persist bool) (*FileTracker, error) {
	if strings.TrimSpace(stateDir) == "" {
		return nil, ErrEmptyStateDir
	}

	if err := os.MkdirAll(stateDir, 0o755); err != nil {
		return nil, fmt.Errorf("create state directory: %w", err)
	}

	tracker := &FileTracker{
		MemoryTracker: NewMemoryTracker(),
		path:          filepath.Join(stateDir, FileName),
		persist:       persist,
	}

	if err := tracker.load(); err != nil {
		return nil, err
	}

	if persist {
		file, err := os.OpenFile(tracker.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
		if err != nil {
			return nil, fmt.Errorf("open state file for append: %w", err)
		}
		tracker.file = file
		tracker.writer = bufio.NewWriterSize(file, 16*1024)
	}

	return tracker, nil
}

func (f *FileTracker) Path() string {
	return f.path
}

func (f *FileTracker) load() error {
	file, err := os.Open(f.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("open state file: %w", err)
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	for line := 1; scanner.Scan(); line++ {
		text := scanner.Bytes()
		if len(text) == 0 {
			continue
		}

		var rec Record
		if err := json.Unmarshal(text, &rec); err != nil {
			return fmt.Errorf("parse state line %d: %w", line, err)
		}
		if rec.ItemID == "" {
			continue
		}

		f.mu.Lock()
		f.acked[rec.ItemID] = rec
		f.mu.Unlock()
	}

	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read state file: %w", err)
	}

	return nil
}

func (f *FileTracker) MarkAcknowledged(itemID, detail string) error {
	rec, err := f.mark(itemID, detail)
	if err != nil || rec.ItemID == "" || !f.persist {
		return err
	}

	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode state record: %w", err)
	}

	f.writeMu.Lock()
	defer f.writeMu.Unlock()

	if _, err := f.writer.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("write state record: %w", err)
	}
	return nil
}

// Flush writes buffered records and syncs the file.
func (f *FileTracker) Flush() error {
	if !f.persist || f.writer == nil {
		return nil
	}

	f.writeMu.Lock()
	defer f.writeMu.Unlock()

	if err := f.writer.Flush(); err != nil {
		return fmt.Errorf("flush state file: %w", err)
	}
	if err := f.file.Sync(); err != nil {
		return fmt.Errorf("sync state file: %w", err)
	}
	return nil
}

func (f *FileTracker) Close() error {
	if !f.persist || f.file == nil {
		return nil
	}

	f.writeMu.Lock()
	defer f.writeMu.Unlock()

	return errors.Join(
		wrap("flush state file", f.writer.Flush()),
		wrap("sync state file", f.file.Sync()),
		wrap("close state file", f.file.Close()),
	)
}

func wrap(msg string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", msg, err)
}
