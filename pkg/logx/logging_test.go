package logx

import (
	"bytes"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func decodeLines(t *testing.T, buf *bytes.Buffer) []map[string]any {
	t.Helper()
	var out []map[string]any
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if line == "" {
			continue
		}
		var m map[string]any
		if err := json.Unmarshal([]byte(line), &m); err != nil {
			t.Fatalf("decode %q: %v", line, err)
		}
		out = append(out, m)
	}
	return out
}

func TestWriterFieldsAndLevels(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	log := NewWriter(&buf, "info").With(String("comp", "reminder"))

	log.Debug("hidden")
	log.Info("fired", Int("index", 2), Duration("took", 1500*time.Millisecond), Err(nil), Stack("  "))
	log.Warn("failed", Err(errors.New("boom")), Bool("retry", true))

	lines := decodeLines(t, &buf)
	if len(lines) != 2 {
		t.Fatalf("got %d lines: %s", len(lines), buf.String())
	}
	if lines[0]["comp"] != "reminder" || lines[0]["index"] != float64(2) || lines[0]["message"] != "fired" {
		t.Fatalf("line 0 = %v", lines[0])
	}
	if _, ok := lines[0]["error"]; ok {
		t.Fatalf("nil error logged: %v", lines[0])
	}
	if _, ok := lines[0]["stack"]; ok {
		t.Fatalf("blank stack logged: %v", lines[0])
	}
	if lines[1]["error"] != "boom" || lines[1]["level"] != "warn" || lines[1]["retry"] != true {
		t.Fatalf("line 1 = %v", lines[1])
	}
	if c, _ := lines[1]["caller"].(string); !strings.HasPrefix(c, "logging_test.go:") {
		t.Fatalf("caller = %q", c)
	}
}

func TestZeroAndNopLoggers(t *testing.T) {
	t.Parallel()
	var zero Logger
	if !zero.IsZero() {
		t.Fatalf("zero logger not IsZero")
	}
	zero.Error("dropped")
	if Nop().IsZero() {
		t.Fatalf("Nop reported IsZero")
	}
	if Nop().With(String("k", "v")).IsZero() {
		t.Fatalf("derived logger reported IsZero")
	}
}

func TestServiceApplySwitchesFile(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	first := filepath.Join(dir, "first.log")
	second := filepath.Join(dir, "second.log")

	svc, log := New(Config{Level: "info", Format: "json", File: FileConfig{Enabled: true, Path: first}})
	derived := log.With(String("comp", "app"))
	derived.Info("one")

	svc.Apply(Config{Level: "error", File: FileConfig{Enabled: true, Path: second}})
	derived.Info("suppressed")
	derived.Error("two")
	if derived.Enabled(LevelInfo) {
		t.Fatalf("info still enabled after Apply")
	}
	if err := svc.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	a, err := os.ReadFile(first)
	if err != nil {
		t.Fatalf("read first: %v", err)
	}
	b, err := os.ReadFile(second)
	if err != nil {
		t.Fatalf("read second: %v", err)
	}
	if !strings.Contains(string(a), `"message":"one"`) || strings.Contains(string(a), "two") {
		t.Fatalf("first.log = %s", a)
	}
	if strings.Contains(string(b), "suppressed") || !strings.Contains(string(b), `"comp":"app"`) {
		t.Fatalf("second.log = %s", b)
	}
}

func TestErrKeyIndependentOfService(t *testing.T) {
	t.Parallel()
	svc, _ := New(Config{Level: "error"})
	defer svc.Close()

	var buf bytes.Buffer
	NewWriter(&buf, "debug").Error("x", Err(errors.New("boom")))
	lines := decodeLines(t, &buf)
	if len(lines) != 1 || lines[0][ErrorKey] != "boom" {
		t.Fatalf("lines = %v", lines)
	}
	if _, ok := lines[0]["err"]; ok {
		t.Fatalf("error written under legacy key: %v", lines[0])
	}
}
