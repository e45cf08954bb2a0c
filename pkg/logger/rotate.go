package logger

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

// backupTimeLayout stamps rotated audit files so an operator can see the
// covered window from the name alone, e.g. audit-20260118T093214.log.
const backupTimeLayout = "20060102T150405"

// auditWriter appends to the audit trail and rotates it by size. The trail
// is append-only and never truncated in place; rotated files survive until
// pruning by count or retention age removes them.
type auditWriter struct {
	mu      sync.Mutex
	file    *os.File
	path    string
	limit   int64
	written int64
	keep    int
	retain  time.Duration
}

func newAuditWriter(path string, maxSizeMB, keep, retainDays int) (*auditWriter, error) {
	if path == "" {
		return nil, errors.New("audit trail path is required")
	}
	if maxSizeMB <= 0 || keep <= 0 || retainDays <= 0 {
		return nil, errors.New("audit rotation limits must be positive")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create audit trail directory: %w", err)
	}
	return &auditWriter{
		path:   path,
		limit:  int64(maxSizeMB) * 1024 * 1024,
		keep:   keep,
		retain: time.Duration(retainDays) * 24 * time.Hour,
	}, nil
}

func (w *auditWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.open(); err != nil {
		return 0, err
	}
	if w.written+int64(len(p)) > w.limit {
		if err := w.rotate(); err != nil {
			return 0, err
		}
	}
	n, err := w.file.Write(p)
	w.written += int64(n)
	return n, err
}

func (w *auditWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.file == nil {
		return nil
	}
	err := w.file.Close()
	w.file = nil
	w.written = 0
	return err
}

func (w *auditWriter) open() error {
	if w.file != nil {
		return nil
	}
	file, err := os.OpenFile(w.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return fmt.Errorf("open audit trail: %w", err)
	}
	info, err := file.Stat()
	if err != nil {
		file.Close()
		return fmt.Errorf("stat audit trail: %w", err)
	}
	w.file = file
	w.written = info.Size()
	return nil
}

// rotate moves the active trail aside under a timestamped name and reopens
// a fresh file. Pruning failures are ignored so a full or read-only backup
// directory never blocks audit writes.
func (w *auditWriter) rotate() error {
	_ = w.file.Close()
	w.file = nil
	w.written = 0

	if err := os.Rename(w.path, w.backupName(time.Now())); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("rotate audit trail: %w", err)
	}
	w.prune()
	return w.open()
}

// backupName derives the rotated file name by injecting the timestamp
// before the extension: /var/log/audit.log becomes /var/log/audit-<ts>.log.
// Rotations landing in the same second borrow the next free second so the
// names stay lexically chronological.
func (w *auditWriter) backupName(now time.Time) string {
	ext := filepath.Ext(w.path)
	base := strings.TrimSuffix(w.path, ext)
	for {
		name := fmt.Sprintf("%s-%s%s", base, now.UTC().Format(backupTimeLayout), ext)
		if _, err := os.Stat(name); os.IsNotExist(err) {
			return name
		}
		now = now.Add(time.Second)
	}
}

// prune removes backups beyond the keep count and past the retention
// window. The timestamped names sort lexically by age, newest last.
func (w *auditWriter) prune() {
	ext := filepath.Ext(w.path)
	base := strings.TrimSuffix(w.path, ext)
	backups, err := filepath.Glob(base + "-*" + ext)
	if err != nil || len(backups) == 0 {
		return
	}
	sort.Strings(backups)

	if excess := len(backups) - w.keep; excess > 0 {
		for _, path := range backups[:excess] {
			_ = os.Remove(path)
		}
		backups = backups[excess:]
	}

	cutoff := time.Now().Add(-w.retain)
	for _, path := range backups {
		info, err := os.Stat(path)
		if err != nil {
			continue
		}
		if info.ModTime().Before(cutoff) {
			_ = os.Remove(path)
		}
	}
}
