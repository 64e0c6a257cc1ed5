package logger

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

type LogLevel int

const (
	DEBUG LogLevel = iota
	INFO
	WARN
	ERROR
)

// maxRecentEntries bounds the in-memory history served by the admin log endpoint.
const maxRecentEntries = 1000

var (
	defaultLogger *Logger
	once          sync.Once
)

// Entry is a single captured log line, kept for the admin interface.
type Entry struct {
	Timestamp string `json:"timestamp"`
	Level     string `json:"level"`
	Message   string `json:"message"`
}

// Logger is a leveled logger writing structured lines through zerolog while keeping
// the printf style call sites used throughout the application.
type Logger struct {
	level  LogLevel
	mu     sync.RWMutex
	out    zerolog.Logger
	recent []Entry
	recMu  sync.Mutex
}

// New creates a new Logger instance with the specified level writing to w.
func New(level string, w io.Writer) *Logger {
	if w == nil {
		w = os.Stdout
	}
	return &Logger{
		level:  ParseLogLevel(level),
		out:    zerolog.New(w).With().Timestamp().Str("service", "stalker-proxy").Logger(),
		recent: make([]Entry, 0, 64),
	}
}

// getDefaultLogger returns the singleton default logger
func getDefaultLogger() *Logger {
	once.Do(func() {
		zerolog.TimeFieldFormat = time.RFC3339
		defaultLogger = New(os.Getenv("LOG_LEVEL"), os.Stdout)
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

// SetOutput redirects the default logger, mostly for tests.
func SetOutput(w io.Writer) {
	l := getDefaultLogger()
	l.mu.Lock()
	defer l.mu.Unlock()
	l.out = zerolog.New(w).With().Timestamp().Str("service", "stalker-proxy").Logger()
}

// Recent returns a copy of the captured entries, oldest first.
func Recent() []Entry {
	return getDefaultLogger().Recent()
}

// ClearRecent drops the captured entries.
func ClearRecent() {
	getDefaultLogger().ClearRecent()
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

// Recent returns a copy of this logger's captured entries.
func (l *Logger) Recent() []Entry {
	l.recMu.Lock()
	defer l.recMu.Unlock()
	out := make([]Entry, len(l.recent))
	copy(out, l.recent)
	return out
}

// ClearRecent drops this logger's captured entries.
func (l *Logger) ClearRecent() {
	l.recMu.Lock()
	defer l.recMu.Unlock()
	l.recent = l.recent[:0]
}

// shouldLog checks if message should be logged at current level
func (l *Logger) shouldLog(level LogLevel) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return level >= l.level
}

// logMessage formats the message, writes it through zerolog and records it.
func (l *Logger) logMessage(level LogLevel, format string, v ...interface{}) {
	message := fmt.Sprintf(format, v...)

	l.mu.RLock()
	out := l.out
	l.mu.RUnlock()

	var ev *zerolog.Event
	var name string
	switch level {
	case DEBUG:
		ev, name = out.Debug(), "debug"
	case WARN:
		ev, name = out.Warn(), "warn"
	case ERROR:
		ev, name = out.Error(), "error"
	default:
		ev, name = out.Info(), "info"
	}
	ev.Msg(message)

	l.recMu.Lock()
	if len(l.recent) >= maxRecentEntries {
		copy(l.recent, l.recent[1:])
		l.recent = l.recent[:len(l.recent)-1]
	}
	l.recent = append(l.recent, Entry{
		Timestamp: time.Now().Format("2006-01-02 15:04:05"),
		Level:     name,
		Message:   message,
	})
	l.recMu.Unlock()
}

// Instance methods (for use with struct fields like s.logger.Info())

// Debug logs debug level messages
func (l *Logger) Debug(format string, v ...interface{}) {
	if l.shouldLog(DEBUG) {
		l.logMessage(DEBUG, format, v...)
	}
}

// Info logs info level messages
func (l *Logger) Info(format string, v ...interface{}) {
	if l.shouldLog(INFO) {
		l.logMessage(INFO, format, v...)
	}
}

// Warn logs warning level messages
func (l *Logger) Warn(format string, v ...interface{}) {
	if l.shouldLog(WARN) {
		l.logMessage(WARN, format, v...)
	}
}

// Error logs error level messages
func (l *Logger) Error(format string, v ...interface{}) {
	if l.shouldLog(ERROR) {
		l.logMessage(ERROR, format, v...)
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
