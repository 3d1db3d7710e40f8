package logging

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestNewLogger_CreatesLogFile(t *testing.T) {
	dir := t.TempDir()

	logger, err := NewLogger(dir, "INFO", DefaultRotationConfig())
	if err != nil {
		t.Fatalf("NewLogger() error = %v", err)
	}
	defer logger.Close()

	logger.Info("daemon started", "port", 8844)

	logPath := filepath.Join(dir, "swarmops.log")
	data, err := os.ReadFile(logPath)
	if err != nil {
		t.Fatalf("reading log file: %v", err)
	}

	var entry map[string]any
	if err := json.Unmarshal(data[:len(data)-1], &entry); err != nil {
		// The file may contain multiple lines; parse the first.
		line, _, _ := bufio.NewReader(strings.NewReader(string(data))).ReadLine()
		if err := json.Unmarshal(line, &entry); err != nil {
			t.Fatalf("log output is not JSON: %v", err)
		}
	}

	if entry["msg"] != "daemon started" {
		t.Errorf("msg = %v, want %q", entry["msg"], "daemon started")
	}
	if entry["port"] != float64(8844) {
		t.Errorf("port = %v, want 8844", entry["port"])
	}
}

func TestLogger_LevelFiltering(t *testing.T) {
	dir := t.TempDir()

	logger, err := NewLogger(dir, "WARN", DefaultRotationConfig())
	if err != nil {
		t.Fatalf("NewLogger() error = %v", err)
	}
	defer logger.Close()

	logger.Debug("debug message")
	logger.Info("info message")
	logger.Warn("warn message")
	logger.Error("error message")

	data, err := os.ReadFile(filepath.Join(dir, "swarmops.log"))
	if err != nil {
		t.Fatalf("reading log file: %v", err)
	}
	out := string(data)

	if strings.Contains(out, "debug message") {
		t.Error("DEBUG message logged at WARN level")
	}
	if strings.Contains(out, "info message") {
		t.Error("INFO message logged at WARN level")
	}
	if !strings.Contains(out, "warn message") {
		t.Error("WARN message not logged at WARN level")
	}
	if !strings.Contains(out, "error message") {
		t.Error("ERROR message not logged at WARN level")
	}
}

func TestLogger_ChildLoggersInheritAttrs(t *testing.T) {
	dir := t.TempDir()

	logger, err := NewLogger(dir, "DEBUG", DefaultRotationConfig())
	if err != nil {
		t.Fatalf("NewLogger() error = %v", err)
	}
	defer logger.Close()

	child := logger.WithRun("run-1").WithPhase(2).WithComponent("merger")
	child.Info("merging branch")

	data, err := os.ReadFile(filepath.Join(dir, "swarmops.log"))
	if err != nil {
		t.Fatalf("reading log file: %v", err)
	}

	var entry map[string]any
	scanner := bufio.NewScanner(strings.NewReader(string(data)))
	if !scanner.Scan() {
		t.Fatal("no log output")
	}
	if err := json.Unmarshal(scanner.Bytes(), &entry); err != nil {
		t.Fatalf("log output is not JSON: %v", err)
	}

	if entry["run_id"] != "run-1" {
		t.Errorf("run_id = %v, want %q", entry["run_id"], "run-1")
	}
	if entry["phase"] != float64(2) {
		t.Errorf("phase = %v, want 2", entry["phase"])
	}
	if entry["component"] != "merger" {
		t.Errorf("component = %v, want %q", entry["component"], "merger")
	}
}

func TestLogger_ChildDoesNotMutateParent(t *testing.T) {
	dir := t.TempDir()

	logger, err := NewLogger(dir, "DEBUG", DefaultRotationConfig())
	if err != nil {
		t.Fatalf("NewLogger() error = %v", err)
	}
	defer logger.Close()

	_ = logger.WithRun("run-1")
	logger.Info("no context")

	data, _ := os.ReadFile(filepath.Join(dir, "swarmops.log"))
	if strings.Contains(string(data), "run-1") {
		t.Error("parent logger gained child attributes")
	}
}

func TestNewLogger_EmptyDirUsesStderr(t *testing.T) {
	logger, err := NewLogger("", "INFO", DefaultRotationConfig())
	if err != nil {
		t.Fatalf("NewLogger() error = %v", err)
	}
	// Close must be a no-op without a file.
	if err := logger.Close(); err != nil {
		t.Errorf("Close() error = %v", err)
	}
}

func TestNopLogger(t *testing.T) {
	logger := NopLogger()
	// Must not panic.
	logger.Debug("x")
	logger.Info("x", "k", "v")
	logger.Warn("x")
	logger.Error("x")
	logger.WithRun("r").WithPhase(1).Info("x")
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		input string
		want  string
	}{
		{"debug", LevelDebug},
		{"DEBUG", LevelDebug},
		{"Info", LevelInfo},
		{"WARN", LevelWarn},
		{"error", LevelError},
		{"bogus", LevelInfo},
		{"", LevelInfo},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			if got := ParseLevel(tt.input); got != tt.want {
				t.Errorf("ParseLevel(%q) = %q, want %q", tt.input, got, tt.want)
			}
		})
	}
}
