package logging

import (
	"fmt"
	"os"
	"strings"
	"sync"
	"time"
)

// DebugLogger provides verbose, per-subsystem debug logging with hex
// dump support for wire-level troubleshooting. It writes to a dedicated
// debug file, truncated on each run.
type DebugLogger struct {
	file    *os.File
	mu      sync.Mutex
	closed  bool
	filters map[string]bool // subsystem filters (empty = log all)
}

var globalDebugLogger *DebugLogger
var globalDebugMu sync.RWMutex

// Subsystem names accepted by SetFilter.
var knownScopes = []string{
	"opcua", "s7", "eip", "mqtt", "sparkplug",
	"bus", "connman", "sched", "publish", "emit",
	"reconcile", "store", "valkey", "kafka", "engine", "debug",
}

// KnownScopes returns the subsystem names, for flag help text.
func KnownScopes() []string {
	out := make([]string, len(knownScopes))
	copy(out, knownScopes)
	return out
}

// NewDebugLogger creates a debug logger writing to path. The file is
// truncated so each run starts with a clean session.
func NewDebugLogger(path string) (*DebugLogger, error) {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return nil, fmt.Errorf("open debug log file: %w", err)
	}
	l := &DebugLogger{file: file, filters: make(map[string]bool)}
	l.Log("debug", "debug logging started - %s", time.Now().Format(time.RFC3339))
	return l, nil
}

// SetFilter restricts logging to a comma-separated list of subsystems.
// Empty string (or "all") logs everything.
func (l *DebugLogger) SetFilter(filter string) {
	if l == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	l.filters = make(map[string]bool)
	filter = strings.TrimSpace(strings.ToLower(filter))
	if filter == "" || filter == "all" {
		return
	}
	for _, s := range strings.Split(filter, ",") {
		s = strings.TrimSpace(s)
		if s != "" {
			l.filters[s] = true
		}
	}
}

// shouldLog must be called with l.mu held.
func (l *DebugLogger) shouldLog(scope string) bool {
	if len(l.filters) == 0 {
		return true
	}
	scope = strings.ToLower(scope)
	// Session header/footer lines always pass.
	return l.filters[scope] || scope == "debug"
}

// Log writes a formatted message tagged with its subsystem.
func (l *DebugLogger) Log(scope, format string, args ...interface{}) {
	if l == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed || !l.shouldLog(scope) {
		return
	}
	ts := time.Now().Format("2006-01-02 15:04:05.000")
	fmt.Fprintf(l.file, "%s [%s] %s\n", ts, scope, fmt.Sprintf(format, args...))
}

// LogTX logs a transmitted packet with hex dump.
func (l *DebugLogger) LogTX(scope string, data []byte) { l.logPacket(scope, "TX", data) }

// LogRX logs a received packet with hex dump.
func (l *DebugLogger) LogRX(scope string, data []byte) { l.logPacket(scope, "RX", data) }

func (l *DebugLogger) logPacket(scope, direction string, data []byte) {
	if l == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed || !l.shouldLog(scope) {
		return
	}
	ts := time.Now().Format("2006-01-02 15:04:05.000")
	fmt.Fprintf(l.file, "%s [%s] %s (%d bytes):\n%s\n", ts, scope, direction, len(data), hexDump(data))
}

// Close writes a footer and closes the file.
func (l *DebugLogger) Close() error {
	if l == nil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	l.closed = true
	ts := time.Now().Format("2006-01-02 15:04:05.000")
	fmt.Fprintf(l.file, "%s [debug] debug logging ended\n", ts)
	return l.file.Close()
}

// hexDump formats data as offset, hex bytes, and ASCII columns.
func hexDump(data []byte) string {
	if len(data) == 0 {
		return "    (empty)"
	}
	var sb strings.Builder
	for offset := 0; offset < len(data); offset += 16 {
		sb.WriteString(fmt.Sprintf("    %04X: ", offset))
		for i := 0; i < 16; i++ {
			if i == 8 {
				sb.WriteString(" ")
			}
			if offset+i < len(data) {
				sb.WriteString(fmt.Sprintf("%02X ", data[offset+i]))
			} else {
				sb.WriteString("   ")
			}
		}
		sb.WriteString(" ")
		for i := 0; i < 16 && offset+i < len(data); i++ {
			b := data[offset+i]
			if b >= 32 && b < 127 {
				sb.WriteByte(b)
			} else {
				sb.WriteByte('.')
			}
		}
		sb.WriteString("\n")
	}
	return strings.TrimSuffix(sb.String(), "\n")
}

// SetGlobalDebugLogger installs the process-wide debug logger.
func SetGlobalDebugLogger(logger *DebugLogger) {
	globalDebugMu.Lock()
	defer globalDebugMu.Unlock()
	globalDebugLogger = logger
}

// GetGlobalDebugLogger returns the process-wide debug logger, or nil.
func GetGlobalDebugLogger() *DebugLogger {
	globalDebugMu.RLock()
	defer globalDebugMu.RUnlock()
	return globalDebugLogger
}

// DebugLog logs through the global debug logger if one is installed.
func DebugLog(scope, format string, args ...interface{}) {
	if l := GetGlobalDebugLogger(); l != nil {
		l.Log(scope, format, args...)
	}
}

// DebugTX logs transmitted bytes through the global debug logger.
func DebugTX(scope string, data []byte) {
	if l := GetGlobalDebugLogger(); l != nil {
		l.LogTX(scope, data)
	}
}

// DebugRX logs received bytes through the global debug logger.
func DebugRX(scope string, data []byte) {
	if l := GetGlobalDebugLogger(); l != nil {
		l.LogRX(scope, data)
	}
}

// DebugError logs an error with context through the global debug logger.
func DebugError(scope, context string, err error) {
	if l := GetGlobalDebugLogger(); l != nil {
		l.Log(scope, "ERROR in %s: %v", context, err)
	}
}
