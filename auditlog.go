package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

const (
	// auditFileLayout is the session timestamp embedded in the log file name.
	auditFileLayout = "2006-01-02_15-04-05"
	// auditLineLayout is the per-line timestamp.
	auditLineLayout = "2006-01-02 15:04:05"
)

var (
	// ErrLogWrite is returned when an audit line could not be appended.
	// The plate stays cached; the line is not retried.
	ErrLogWrite = errors.New("audit log write failed")

	// ErrLogClosed is returned by Record after Close.
	ErrLogClosed = errors.New("audit log is closed")
)

// AuditLog appends one human-readable line per first recognition of a track.
// The file is opened in append mode and is never truncated or rewritten.
// AuditLog performs no deduplication of its own: the recorder calls Record
// only for the Inserted outcome of the cache.
type AuditLog struct {
	mu     sync.Mutex
	file   *os.File
	path   string
	closed bool
	lines  int64

	// now stamps each line. Replaced in tests.
	now func() time.Time
}

// AuditLogFileName returns the session log file name for a session start time.
func AuditLogFileName(start time.Time) string {
	return fmt.Sprintf("plates_%s.txt", start.Format(auditFileLayout))
}

// FormatAuditLine renders one audit line without the trailing newline.
func FormatAuditLine(ts time.Time, id TrackID, text string) string {
	return fmt.Sprintf("%s | ID: %d | Plate: %s", ts.Format(auditLineLayout), id, text)
}

// OpenAuditLog creates (or reopens for append) the session log in dir.
// Failure here is fatal for the run.
func OpenAuditLog(dir string, start time.Time) (*AuditLog, error) {
	if dir == "" {
		dir = "."
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}

	path := filepath.Join(dir, AuditLogFileName(start))
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open audit log: %w", err)
	}

	return &AuditLog{
		file: f,
		path: path,
		now:  time.Now,
	}, nil
}

// Path returns the log file path.
func (l *AuditLog) Path() string {
	return l.path
}

// Lines returns how many lines were appended successfully.
func (l *AuditLog) Lines() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lines
}

// Record appends the line for rec. Errors wrap ErrLogWrite and are non-fatal.
func (l *AuditLog) Record(rec PlateRecord) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return fmt.Errorf("%w: %w", ErrLogWrite, ErrLogClosed)
	}

	line := FormatAuditLine(l.now(), rec.TrackID, rec.Text) + "\n"
	if _, err := l.file.WriteString(line); err != nil {
		return fmt.Errorf("%w: %w", ErrLogWrite, err)
	}
	l.lines++
	return nil
}

// Close flushes and closes the file. It is safe to call more than once.
func (l *AuditLog) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return nil
	}
	l.closed = true

	var errs []error
	if err := l.file.Sync(); err != nil {
		errs = append(errs, fmt.Errorf("failed to sync audit log: %w", err))
	}
	if err := l.file.Close(); err != nil {
		errs = append(errs, fmt.Errorf("failed to close audit log: %w", err))
	}
	return errors.Join(errs...)
}
