// Package logger provides leveled logging with an optional file sink.
package logger

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"
)

// Level represents a log severity level.
type Level int

const (
	// LevelDebug is the most verbose level.
	LevelDebug Level = iota
	// LevelInfo is the default level.
	LevelInfo
	// LevelWarn is for recoverable problems.
	LevelWarn
	// LevelError is for failures.
	LevelError
)

// String returns the string representation of a level.
func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "DEBUG"
	case LevelInfo:
		return "INFO"
	case LevelWarn:
		return "WARN"
	case LevelError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// Logger writes timestamped, leveled log lines to an output writer and,
// optionally, to a log file.
type Logger struct {
	mu     sync.Mutex
	level  Level
	output io.Writer
	file   *os.File
}

var std = &Logger{
	level:  LevelInfo,
	output: os.Stderr,
}

// SetLevel sets the minimum level that will be written.
func SetLevel(level Level) {
	std.mu.Lock()
	defer std.mu.Unlock()
	std.level = level
}

// GetLevel returns the current minimum level.
func GetLevel() Level {
	std.mu.Lock()
	defer std.mu.Unlock()
	return std.level
}

// SetOutput redirects log output, mainly for tests.
func SetOutput(w io.Writer) {
	std.mu.Lock()
	defer std.mu.Unlock()
	std.output = w
}

// SetLogFile opens path for appending and mirrors all log lines to it.
// A previously opened log file is closed first.
func SetLogFile(path string) error {
	std.mu.Lock()
	defer std.mu.Unlock()

	if std.file != nil {
		std.file.Close()
		std.file = nil
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("failed to open log file: %w", err)
	}
	std.file = f
	return nil
}

// Close closes the log file if one is open.
func Close() {
	std.mu.Lock()
	defer std.mu.Unlock()

	if std.file != nil {
		std.file.Close()
		std.file = nil
	}
}

func (l *Logger) log(level Level, format string, args ...interface{}) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if level < l.level {
		return
	}

	timestamp := time.Now().UTC().Format("2006-01-02T15:04:05.000Z")
	line := fmt.Sprintf("%s %s %s\n", timestamp, level.String(), fmt.Sprintf(format, args...))

	io.WriteString(l.output, line)
	if l.file != nil {
		io.WriteString(l.file, line)
	}
}

// Debug logs at debug level.
func Debug(format string, args ...interface{}) {
	std.log(LevelDebug, format, args...)
}

// Info logs at info level.
func Info(format string, args ...interface{}) {
	std.log(LevelInfo, format, args...)
}

// Warn logs at warn level.
func Warn(format string, args ...interface{}) {
	std.log(LevelWarn, format, args...)
}

// Error logs at error level.
func Error(format string, args ...interface{}) {
	std.log(LevelError, format, args...)
}

// ParseLevel converts a level name to a Level. Accepted values are
// debug, info, warn (or warning) and error, case-insensitive.
func ParseLevel(s string) (Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return LevelDebug, nil
	case "info":
		return LevelInfo, nil
	case "warn", "warning":
		return LevelWarn, nil
	case "error":
		return LevelError, nil
	default:
		return LevelInfo, fmt.Errorf("unknown log level %q: valid levels are debug, info, warn, error", s)
	}
}
