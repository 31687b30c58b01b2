package logger

import (
	"fmt"
	"log"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

type LogLevel int

const (
	DEBUG LogLevel = iota
	INFO
	WARN
	ERROR
)

// maxEntries caps the in-memory log buffer consumed by the admin log API.
// Older entries are dropped once the cap is reached.
const maxEntries = 1000

var (
	defaultLogger *Logger
	once          sync.Once
)

// Entry is a single captured log line, retained in memory for the admin
// log API and the SSE log stream.
type Entry struct {
	Id        string `json:"id"`        // unique entry identifier
	Timestamp int64  `json:"timestamp"` // unix milliseconds at capture time
	Level     string `json:"level"`     // severity label (debug/info/warn/error)
	Message   string `json:"message"`   // formatted log message
}

// Logger is a leveled logger instance that mirrors output to stdout and
// into a bounded in-memory entry buffer.
type Logger struct {
	level     LogLevel
	mu        sync.RWMutex
	entries   []Entry
	entriesMu sync.Mutex
	idCounter atomic.Int64
}

// New creates a new Logger instance with the specified level
func New(level string) *Logger {
	return &Logger{
		level: ParseLogLevel(level),
	}
}

// getDefaultLogger returns the singleton default logger
func getDefaultLogger() *Logger {
	once.Do(func() {
		defaultLogger = New("")
	})
	return defaultLogger
}

// ParseLogLevel converts string to LogLevel
func ParseLogLevel(level string) LogLevel {
	switch strings.ToUpper(level) {
	case "DEBUG":
		return DEBUG
	case "INFO":
		return INFO
	case "WARN", "WARNING":
		return WARN
	case "ERROR":
		return ERROR
	default:
		return INFO
	}
}

// SetLogLevel sets the global default log level (package-level)
func SetLogLevel(level string) {
	getDefaultLogger().SetLevel(level)
}

// GetLogLevel returns current log level as string (package-level)
func GetLogLevel() string {
	return getDefaultLogger().GetLevel()
}

// SetLevel sets this logger instance's level
func (l *Logger) SetLevel(level string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.level = ParseLogLevel(level)
}

// GetLevel returns this logger instance's level as string
func (l *Logger) GetLevel() string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	switch l.level {
	case DEBUG:
		return "DEBUG"
	case INFO:
		return "INFO"
	case WARN:
		return "WARN"
	case ERROR:
		return "ERROR"
	default:
		return "INFO"
	}
}

// shouldLog checks if message should be logged at current level
func (l *Logger) shouldLog(level LogLevel) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return level >= l.level
}

// record formats the message, writes it to stdout, and appends it to the
// bounded entry buffer for the admin log API.
func (l *Logger) record(level string, format string, v ...interface{}) {
	message := fmt.Sprintf(format, v...)
	log.Printf("[%s] %s", level, message)

	now := time.Now().UnixMilli()
	entry := Entry{
		Id:        fmt.Sprintf("%d-%d", now, l.idCounter.Add(1)),
		Timestamp: now,
		Level:     strings.ToLower(level),
		Message:   message,
	}

	l.entriesMu.Lock()
	defer l.entriesMu.Unlock()
	l.entries = append(l.entries, entry)
	if len(l.entries) > maxEntries {
		l.entries = l.entries[len(l.entries)-maxEntries:]
	}
}

// GetLogs returns a copy of all buffered entries newer than the given unix
// millisecond timestamp. Passing 0 returns the entire buffer.
func (l *Logger) GetLogs(since int64) []Entry {
	l.entriesMu.Lock()
	defer l.entriesMu.Unlock()

	if since <= 0 {
		out := make([]Entry, len(l.entries))
		copy(out, l.entries)
		return out
	}

	out := []Entry{}
	for _, entry := range l.entries {
		if entry.Timestamp > since {
			out = append(out, entry)
		}
	}
	return out
}

// ClearLogs empties the in-memory entry buffer
func (l *Logger) ClearLogs() {
	l.entriesMu.Lock()
	defer l.entriesMu.Unlock()
	l.entries = nil
}

// Instance methods (for use with struct fields like s.logger.Info())

// Debug logs debug level messages
func (l *Logger) Debug(format string, v ...interface{}) {
	if l.shouldLog(DEBUG) {
		l.record("DEBUG", format, v...)
	}
}

// Info logs info level messages
func (l *Logger) Info(format string, v ...interface{}) {
	if l.shouldLog(INFO) {
		l.record("INFO", format, v...)
	}
}

// Warn logs warning level messages
func (l *Logger) Warn(format string, v ...interface{}) {
	if l.shouldLog(WARN) {
		l.record("WARN", format, v...)
	}
}

// Error logs error level messages
func (l *Logger) Error(format string, v ...interface{}) {
	if l.shouldLog(ERROR) {
		l.record("ERROR", format, v...)
	}
}

// Package-level functions (for direct use like logger.Info())

// Debug logs debug level messages (package-level)
func Debug(format string, v ...interface{}) {
	getDefaultLogger().Debug(format, v...)
}

// Info logs info level messages (package-level)
func Info(format string, v ...interface{}) {
	getDefaultLogger().Info(format, v...)
}

// Warn logs warning level messages (package-level)
func Warn(format string, v ...interface{}) {
	getDefaultLogger().Warn(format, v...)
}

// Error logs error level messages (package-level)
func Error(format string, v ...interface{}) {
	getDefaultLogger().Error(format, v...)
}

// GetLogs returns buffered entries from the default logger (package-level)
func GetLogs(since int64) []Entry {
	return getDefaultLogger().GetLogs(since)
}

// ClearLogs empties the default logger's entry buffer (package-level)
func ClearLogs() {
	getDefaultLogger().ClearLogs()
}
