package logger

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
)

func TestAuditWriterRotatesBySize(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "audit.log")
	w, err := newAuditWriter(path, 1, 5, 30)
	if err != nil {
		t.Fatalf("new writer: %v", err)
	}
	defer w.Close()

	chunk := bytes.Repeat([]byte("a"), 700_000)
	for i := 0; i < 2; i++ {
		if _, err := w.Write(chunk); err != nil {
			t.Fatalf("write %d: %v", i, err)
		}
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat active trail: %v", err)
	}
	if info.Size() != int64(len(chunk)) {
		t.Fatalf("active trail holds %d bytes, want the post-rotation chunk", info.Size())
	}

	backups, err := filepath.Glob(filepath.Join(dir, "audit-*.log"))
	if err != nil {
		t.Fatalf("glob: %v", err)
	}
	if len(backups) != 1 {
		t.Fatalf("got %d backups, want 1: %v", len(backups), backups)
	}
	backup, err := os.Stat(backups[0])
	if err != nil {
		t.Fatalf("stat backup: %v", err)
	}
	if backup.Size() != int64(len(chunk)) {
		t.Fatalf("backup holds %d bytes, rotation lost data", backup.Size())
	}
}

func TestAuditWriterPrunesOldBackups(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "audit.log")
	w, err := newAuditWriter(path, 1, 1, 30)
	if err != nil {
		t.Fatalf("new writer: %v", err)
	}
	defer w.Close()

	// Three writes force two rotations, possibly within the same second;
	// only the newest backup may survive.
	chunk := bytes.Repeat([]byte("b"), 700_000)
	for i := 0; i < 3; i++ {
		if _, err := w.Write(chunk); err != nil {
			t.Fatalf("write %d: %v", i, err)
		}
	}

	backups, err := filepath.Glob(filepath.Join(dir, "audit-*.log"))
	if err != nil {
		t.Fatalf("glob: %v", err)
	}
	if len(backups) != 1 {
		t.Fatalf("got %d backups after pruning, want 1: %v", len(backups), backups)
	}
}
