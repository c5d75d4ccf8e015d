package failure

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"sync"
)

// Journal persists failure records across restarts.
type Journal interface {
	// Append stores the current state of r.
	Append(r Record) error

	// Load returns the stored records in order of first appearance, each in
	// its latest state.
	Load() ([]Record, error)
}

// Compile-time interface check.
var _ Journal = (*FileJournal)(nil)

// maxJournalLine bounds one JSON line; records carry free-form diagnostics.
const maxJournalLine = 1 << 20

// FileJournal keeps records as append-only JSON lines in a local file. Every
// state change appends the whole record and the latest line for an id wins.
// Safe for concurrent use.
type FileJournal struct {
	mu   sync.Mutex
	path string
}

// NewFileJournal returns a FileJournal writing to path. The file is created
// on first append.
func NewFileJournal(path string) *FileJournal {
	return &FileJournal{path: path}
}

// Append implements [Journal].
func (j *FileJournal) Append(r Record) error {
	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("failure: journal marshal: %w", err)
	}
	data = append(data, '\n')

	j.mu.Lock()
	defer j.mu.Unlock()

	f, err := os.OpenFile(j.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("failure: journal open: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(data); err != nil {
		return fmt.Errorf("failure: journal write: %w", err)
	}
	return nil
}

// Load implements [Journal]. A missing file yields no records. Malformed
// lines are skipped.
func (j *FileJournal) Load() ([]Record, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	f, err := os.Open(j.path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failure: journal open: %w", err)
	}
	defer f.Close()

	var (
		out []Record
		pos = make(map[string]int)
	)
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), maxJournalLine)
	for line := 1; sc.Scan(); line++ {
		var r Record
		if err := json.Unmarshal(sc.Bytes(), &r); err != nil || r.ID == "" {
			slog.Warn("failure: skipping malformed journal line", "path", j.path, "line", line, "err", err)
			continue
		}
		if i, ok := pos[r.ID]; ok {
			out[i] = r
			continue
		}
		pos[r.ID] = len(out)
		out = append(out, r)
	}
	if err := sc.Err(); err != nil {
		return out, fmt.Errorf("failure: journal read: %w", err)
	}
	return out, nil
}
