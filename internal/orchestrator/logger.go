package orchestrator

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// pkgLogger is the package-level debug logger used by the run loop and pool.
// The last controller constructed wins.
var (
	pkgLogger   *DebugLogger
	pkgLoggerMu sync.RWMutex
)

func setPackageLogger(l *DebugLogger) {
	pkgLoggerMu.Lock()
	defer pkgLoggerMu.Unlock()
	pkgLogger = l
}

// debugLog writes a message using the package-level logger.
func debugLog(format string, args ...interface{}) {
	pkgLoggerMu.RLock()
	l := pkgLogger
	pkgLoggerMu.RUnlock()
	l.Log(format, args...)
}

// DebugLogger writes timestamped scheduler trace lines.
type DebugLogger struct {
	mu     sync.Mutex
	w      io.Writer
	closer io.Closer
	now    func() time.Time
}

// NewDebugLogger creates a logger appending to logPath, creating parent
// directories as needed. An empty path yields a no-op logger.
func NewDebugLogger(logPath string) (*DebugLogger, error) {
	if logPath == "" {
		return NopLogger(), nil
	}
	if err := os.MkdirAll(filepath.Dir(logPath), 0755); err != nil {
		return nil, fmt.Errorf("create log directory: %w", err)
	}
	f, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("open log file: %w", err)
	}

	l := &DebugLogger{w: f, closer: f, now: time.Now}
	l.Log("=== taskweave debug log started at %s (pid %d) ===", l.now().Format(time.RFC3339), os.Getpid())
	return l, nil
}

// NewDebugLoggerTo logs to w. The caller keeps ownership of w.
func NewDebugLoggerTo(w io.Writer) *DebugLogger {
	return &DebugLogger{w: w, now: time.Now}
}

// NewDebugLoggerForDir creates a debug logger at <dataDir>/logs/scheduler-debug.log.
// Returns a no-op logger if the file cannot be opened.
func NewDebugLoggerForDir(dataDir string) *DebugLogger {
	l, err := NewDebugLogger(filepath.Join(dataDir, "logs", "scheduler-debug.log"))
	if err != nil {
		return NopLogger()
	}
	return l
}

// NopLogger returns a logger that discards everything.
func NopLogger() *DebugLogger {
	return &DebugLogger{}
}

// Log writes one line. Safe on a nil or writer-less logger.
func (l *DebugLogger) Log(format string, args ...interface{}) {
	if l == nil || l.w == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	fmt.Fprintf(l.w, "[%s] %s\n", l.now().Format("15:04:05.000"), fmt.Sprintf(format, args...))
}

// Close closes the log file, if the logger opened one.
func (l *DebugLogger) Close() error {
	if l == nil || l.closer == nil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	err := l.closer.Close()
	l.w, l.closer = nil, nil
	return err
}
