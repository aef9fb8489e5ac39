// Package logger provides the leveled key/value logger used by every
// component of the thermometer controller.
package logger

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

// LogLevel represents the severity level of a log message
type LogLevel int

const (
	ERROR LogLevel = iota
	WARN
	INFO
	DEBUG
	TRACE
)

var levelNames = map[LogLevel]string{
	ERROR: "ERROR",
	WARN:  "WARN",
	INFO:  "INFO",
	DEBUG: "DEBUG",
	TRACE: "TRACE",
}

const logFileName = "thermometer.log"

// LogEntry represents a single log entry
type LogEntry struct {
	Timestamp time.Time
	Level     LogLevel
	Message   string
	Context   map[string]interface{}
}

// RotationPolicy defines when and how to rotate log files
type RotationPolicy struct {
	Enabled    bool
	MaxSizeMB  int
	MaxAgeDays int
	MaxFiles   int
}

type rateLimiter struct {
	lastLog  time.Time
	interval time.Duration
}

// Logger writes leveled entries to the console, an optional log directory
// and a bounded in-memory buffer.
type Logger struct {
	mu             sync.Mutex
	level          LogLevel
	logDir         string
	console        io.Writer
	currentFile    *os.File
	buffer         []LogEntry
	maxBufferSize  int
	rotationPolicy RotationPolicy
	rateLimiters   map[string]*rateLimiter
	now            func() time.Time
}

// New creates a Logger. An empty logDir disables file output.
func New(level LogLevel, logDir string, maxBufferSize int) *Logger {
	if maxBufferSize <= 0 {
		maxBufferSize = 1
	}
	return &Logger{
		level:         level,
		logDir:        logDir,
		console:       os.Stdout,
		buffer:        make([]LogEntry, 0, maxBufferSize),
		maxBufferSize: maxBufferSize,
		rateLimiters:  make(map[string]*rateLimiter),
		now:           time.Now,
		rotationPolicy: RotationPolicy{
			Enabled:    true,
			MaxSizeMB:  10,
			MaxAgeDays: 7,
			MaxFiles:   5,
		},
	}
}

// Nop returns a logger that keeps nothing and prints nothing.
func Nop() *Logger {
	l := New(ERROR, "", 1)
	l.console = nil
	l.level = -1
	return l
}

// SetConsole redirects console output. nil disables it.
func (l *Logger) SetConsole(w io.Writer) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.console = w
}

// SetLevel changes the current log level
func (l *Logger) SetLevel(level LogLevel) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.level = level
}

// GetLevel returns the current log level
func (l *Logger) GetLevel() LogLevel {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.level
}

// SetRotationPolicy configures log rotation
func (l *Logger) SetRotationPolicy(policy RotationPolicy) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.rotationPolicy = policy
}

func (l *Logger) Error(msg string, context ...interface{}) { l.log(ERROR, msg, context...) }
func (l *Logger) Warn(msg string, context ...interface{})  { l.log(WARN, msg, context...) }
func (l *Logger) Info(msg string, context ...interface{})  { l.log(INFO, msg, context...) }
func (l *Logger) Debug(msg string, context ...interface{}) { l.log(DEBUG, msg, context...) }
func (l *Logger) Trace(msg string, context ...interface{}) { l.log(TRACE, msg, context...) }

// WarnRateLimited logs a warning at most once per interval for a given key.
// The sensor cache uses it so a dead bus does not flood the log every poll.
func (l *Logger) WarnRateLimited(key string, interval time.Duration, msg string, context ...interface{}) {
	l.mu.Lock()
	limiter, exists := l.rateLimiters[key]
	if !exists {
		limiter = &rateLimiter{interval: interval}
		l.rateLimiters[key] = limiter
	}
	now := l.now()
	if !limiter.lastLog.IsZero() && now.Sub(limiter.lastLog) < limiter.interval {
		l.mu.Unlock()
		return
	}
	limiter.lastLog = now
	l.mu.Unlock()

	l.log(WARN, msg, context...)
}

func (l *Logger) log(level LogLevel, msg string, context ...interface{}) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if level > l.level {
		return
	}

	ctx := make(map[string]interface{})
	for i := 0; i < len(context)-1; i += 2 {
		if key, ok := context[i].(string); ok {
			ctx[key] = context[i+1]
		}
	}

	entry := LogEntry{
		Timestamp: l.now(),
		Level:     level,
		Message:   msg,
		Context:   ctx,
	}

	if len(l.buffer) >= l.maxBufferSize {
		l.buffer = l.buffer[1:]
	}
	l.buffer = append(l.buffer, entry)

	line := formatLogEntry(entry)
	if l.console != nil {
		fmt.Fprintln(l.console, line)
	}
	l.writeToFile(line)
}

func (l *Logger) writeToFile(line string) {
	if l.logDir == "" {
		return
	}
	if l.currentFile == nil {
		if err := os.MkdirAll(l.logDir, 0o755); err != nil {
			return
		}
		f, err := os.OpenFile(filepath.Join(l.logDir, logFileName), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return
		}
		l.currentFile = f
	}

	_, _ = l.currentFile.WriteString(line + "\n")

	if l.shouldRotate() {
		l.rotate()
	}
}

// formatLogEntry renders "<ts> [LEVEL] msg k=v ..." with keys sorted so
// identical entries produce identical lines.
func formatLogEntry(entry LogEntry) string {
	var b strings.Builder
	b.WriteString(entry.Timestamp.Format("2006-01-02T15:04:05-07:00"))
	b.WriteString(" [")
	b.WriteString(levelNames[entry.Level])
	b.WriteString("] ")
	b.WriteString(entry.Message)

	keys := make([]string, 0, len(entry.Context))
	for k := range entry.Context {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&b, " %s=%v", k, entry.Context[k])
	}
	return b.String()
}

func (l *Logger) shouldRotate() bool {
	if !l.rotationPolicy.Enabled || l.currentFile == nil || l.rotationPolicy.MaxSizeMB <= 0 {
		return false
	}
	stat, err := l.currentFile.Stat()
	if err != nil {
		return false
	}
	return stat.Size() >= int64(l.rotationPolicy.MaxSizeMB)*1024*1024
}

func (l *Logger) rotate() {
	if l.currentFile != nil {
		l.currentFile.Close()
		l.currentFile = nil
		backup := filepath.Join(l.logDir, fmt.Sprintf("thermometer_%s.log", l.now().Format("20060102_150405")))
		_ = os.Rename(filepath.Join(l.logDir, logFileName), backup)
	}
	l.cleanOldFiles()
}

func (l *Logger) cleanOldFiles() {
	files, err := filepath.Glob(filepath.Join(l.logDir, "thermometer_*.log"))
	if err != nil {
		return
	}
	sort.Strings(files)

	if l.rotationPolicy.MaxAgeDays > 0 {
		cutoff := l.now().AddDate(0, 0, -l.rotationPolicy.MaxAgeDays)
		kept := files[:0]
		for _, file := range files {
			if stat, err := os.Stat(file); err == nil && stat.ModTime().Before(cutoff) {
				_ = os.Remove(file)
				continue
			}
			kept = append(kept, file)
		}
		files = kept
	}

	if l.rotationPolicy.MaxFiles > 0 && len(files) > l.rotationPolicy.MaxFiles {
		for _, file := range files[:len(files)-l.rotationPolicy.MaxFiles] {
			_ = os.Remove(file)
		}
	}
}

// GetBuffer returns a copy of the in-memory log buffer
func (l *Logger) GetBuffer() []LogEntry {
	l.mu.Lock()
	defer l.mu.Unlock()
	buffer := make([]LogEntry, len(l.buffer))
	copy(buffer, l.buffer)
	return buffer
}

// Close closes the current log file
func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.currentFile != nil {
		err := l.currentFile.Close()
		l.currentFile = nil
		return err
	}
	return nil
}

// LevelFromString converts a case-insensitive level name to a LogLevel,
// defaulting to INFO.
func LevelFromString(s string) LogLevel {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "ERROR":
		return ERROR
	case "WARN", "WARNING":
		return WARN
	case "DEBUG":
		return DEBUG
	case "TRACE":
		return TRACE
	default:
		return INFO
	}
}

// LevelToString converts a LogLevel to a string
func LevelToString(level LogLevel) string {
	return levelNames[level]
}
