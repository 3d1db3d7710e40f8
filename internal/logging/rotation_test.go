package logging

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
)

func TestRotatingWriter_NoRotationUnderLimit(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.log")

	rw, err := NewRotatingWriter(path, RotationConfig{MaxSizeMB: 1, MaxBackups: 2})
	if err != nil {
		t.Fatalf("NewRotatingWriter() error = %v", err)
	}
	defer rw.Close()

	if _, err := rw.Write([]byte("hello\n")); err != nil {
		t.Fatalf("Write() error = %v", err)
	}

	if _, err := os.Stat(path + ".1"); !os.IsNotExist(err) {
		t.Error("backup file created below size limit")
	}
}

func TestRotatingWriter_RotatesAtLimit(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.log")

	// 0 MB limit is "disabled", so use a writer with an artificially small
	// limit by setting maxSizeB directly after construction.
	rw, err := NewRotatingWriter(path, RotationConfig{MaxSizeMB: 1, MaxBackups: 2})
	if err != nil {
		t.Fatalf("NewRotatingWriter() error = %v", err)
	}
	defer rw.Close()
	rw.maxSizeB = 10

	if _, err := rw.Write([]byte("12345678\n")); err != nil {
		t.Fatalf("first Write() error = %v", err)
	}
	// This write pushes past 10 bytes and must trigger rotation.
	if _, err := rw.Write([]byte("abcdefgh\n")); err != nil {
		t.Fatalf("second Write() error = %v", err)
	}

	backup, err := os.ReadFile(path + ".1")
	if err != nil {
		t.Fatalf("backup not created: %v", err)
	}
	if !bytes.Contains(backup, []byte("12345678")) {
		t.Errorf("backup content = %q, want to contain %q", backup, "12345678")
	}

	current, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("current log missing: %v", err)
	}
	if !bytes.Contains(current, []byte("abcdefgh")) {
		t.Errorf("current content = %q, want to contain %q", current, "abcdefgh")
	}
}

func TestRotatingWriter_MaxBackupsEnforced(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.log")

	rw, err := NewRotatingWriter(path, RotationConfig{MaxSizeMB: 1, MaxBackups: 2})
	if err != nil {
		t.Fatalf("NewRotatingWriter() error = %v", err)
	}
	defer rw.Close()
	rw.maxSizeB = 4

	// Each write exceeds the limit and rotates.
	for i := 0; i < 5; i++ {
		if _, err := rw.Write([]byte("xxxxx\n")); err != nil {
			t.Fatalf("Write() %d error = %v", i, err)
		}
	}

	if _, err := os.Stat(path + ".3"); !os.IsNotExist(err) {
		t.Error("backup beyond MaxBackups retained")
	}
}

func TestRotatingWriter_DisabledRotation(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.log")

	rw, err := NewRotatingWriter(path, RotationConfig{MaxSizeMB: 0, MaxBackups: 0})
	if err != nil {
		t.Fatalf("NewRotatingWriter() error = %v", err)
	}
	defer rw.Close()

	for i := 0; i < 100; i++ {
		if _, err := rw.Write([]byte("some log line that adds up\n")); err != nil {
			t.Fatalf("Write() error = %v", err)
		}
	}

	if _, err := os.Stat(path + ".1"); !os.IsNotExist(err) {
		t.Error("rotation occurred with MaxSizeMB=0")
	}
}

func TestRotatingWriter_WriteAfterClose(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.log")

	rw, err := NewRotatingWriter(path, DefaultRotationConfig())
	if err != nil {
		t.Fatalf("NewRotatingWriter() error = %v", err)
	}
	if err := rw.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	if _, err := rw.Write([]byte("x")); err == nil {
		t.Error("Write() after Close() succeeded, want error")
	}

	// Double close is a no-op.
	if err := rw.Close(); err != nil {
		t.Errorf("second Close() error = %v", err)
	}
}
