package eventlog

import (
	"bufio"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"sync"
	"time"
)

// FileStore is the plain text log: one event per line,
// "<timestamp> ; <actor> ; <text>".
//
// The file is opened per append so it can be rotated underneath the process.
type FileStore struct {
	path string
	loc  *time.Location

	mu     sync.Mutex
	closed bool
}

// NewFileStore returns a store writing to path. Timestamps are rendered and
// parsed in local time.
func NewFileStore(path string) *FileStore {
	return &FileStore{path: path, loc: time.Local}
}

// Path returns the log file path.
func (f *FileStore) Path() string {
	return f.path
}

func (f *FileStore) Append(e Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return ErrClosed
	}

	file, err := os.OpenFile(f.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open event log: %w", err)
	}

	line := FormatLine(e, f.loc)
	if _, err := file.WriteString(line + "\n"); err != nil {
		_ = file.Close()
		return fmt.Errorf("failed to write event log: %w", err)
	}

	return file.Close()
}

// Last scans the whole file and returns the most recent match. Malformed
// lines are skipped.
func (f *FileStore) Last(actor, text string) (time.Time, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	file, err := os.Open(f.path)
	if errors.Is(err, fs.ErrNotExist) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("failed to open event log: %w", err)
	}
	defer file.Close()

	var (
		found time.Time
		ok    bool
	)

	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 4096), 1<<20)
	for scanner.Scan() {
		e, err := ParseLine(scanner.Text(), f.loc)
		if err != nil {
			continue
		}
		if e.Actor == actor && e.Text == text {
			found = e.Time
			ok = true
		}
	}
	if err := scanner.Err(); err != nil {
		return time.Time{}, false, fmt.Errorf("failed to scan event log: %w", err)
	}

	return found, ok, nil
}

func (f *FileStore) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

// FormatLine renders an event as a log line without the trailing newline.
func FormatLine(e Event, loc *time.Location) string {
	return strings.Join([]string{e.Time.In(loc).Format(TimeLayout), e.Actor, e.Text}, Separator)
}

// ParseLine parses a line written by FormatLine.
func ParseLine(line string, loc *time.Location) (Event, error) {
	parts := strings.SplitN(line, Separator, 3)
	if len(parts) != 3 {
		return Event{}, fmt.Errorf("malformed event line %q", line)
	}
	t, err := time.ParseInLocation(TimeLayout, strings.TrimSpace(parts[0]), loc)
	if err != nil {
		return Event{}, fmt.Errorf("malformed event time %q: %w", parts[0], err)
	}
	return Event{Time: t, Actor: parts[1], Text: strings.TrimRight(parts[2], "\r")}, nil
}
