package logging

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestFileLogger(t *testing.T) {
	path := filepath.Join(t.TempDir(), "service.log")
	l, err := NewFileLogger(path)
	if err != nil {
		t.Fatalf("NewFileLogger: %v", err)
	}
	l.Log("connected to %s", "10.0.0.5:102")
	if err := l.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	// Logging after close must not panic or write.
	l.Log("dropped")

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), "connected to 10.0.0.5:102") {
		t.Errorf("log line missing: %q", string(data))
	}
	if strings.Contains(string(data), "dropped") {
		t.Error("write after close should be dropped")
	}
}

func TestDebugLoggerFilter(t *testing.T) {
	path := filepath.Join(t.TempDir(), "debug.log")
	l, err := NewDebugLogger(path)
	if err != nil {
		t.Fatalf("NewDebugLogger: %v", err)
	}
	l.SetFilter("s7,mqtt")
	l.Log("s7", "kept")
	l.Log("eip", "filtered")
	l.LogTX("mqtt", []byte{0x30, 0x10})
	if err := l.Close(); err != nil {
		t.Fatal(err)
	}

	data, _ := os.ReadFile(path)
	out := string(data)
	if !strings.Contains(out, "kept") {
		t.Error("filtered-in scope missing")
	}
	if strings.Contains(out, "filtered") {
		t.Error("filtered-out scope present")
	}
	if !strings.Contains(out, "TX (2 bytes)") {
		t.Error("hex dump header missing")
	}
}

func TestHexDump(t *testing.T) {
	out := hexDump([]byte("ABCDEFGHIJKLMNOPQR"))
	if !strings.Contains(out, "0000:") || !strings.Contains(out, "0010:") {
		t.Errorf("expected two rows, got:\n%s", out)
	}
	if !strings.Contains(out, "ABCDEFGH") {
		t.Errorf("ascii column missing:\n%s", out)
	}
	if hexDump(nil) != "    (empty)" {
		t.Error("empty dump marker missing")
	}
}
