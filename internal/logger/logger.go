package logger

import (
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// Level represents the severity of a log message
type Level uint8

const (
	DebugLevel Level = iota
	InfoLevel
	WarnLevel
	ErrorLevel
	FatalLevel
)

var levelPrefixes = map[Level]string{
	DebugLevel: "[DEBUG] ",
	InfoLevel:  "[INFO]  ",
	WarnLevel:  "[WARN]  ",
	ErrorLevel: "[ERROR] ",
	FatalLevel: "[FATAL] ",
}

// ParseLevel maps a level name to a Level. Unknown names select InfoLevel.
func ParseLevel(level string) Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return DebugLevel
	case "warn", "warning":
		return WarnLevel
	case "error":
		return ErrorLevel
	case "fatal":
		return FatalLevel
	default:
		return InfoLevel
	}
}

// Options controls where a DefaultLogger writes.
type Options struct {
	// Output receives every log line. Defaults to os.Stderr so that
	// stdout stays free for command results.
	Output io.Writer

	// Dir, when set, additionally writes to a timestamped file in Dir.
	Dir string

	Level Level
}

// DefaultLogger implements the Logger interface
type DefaultLogger struct {
	mu     sync.Mutex
	logger *log.Logger
	file   *os.File
	level  Level
}

// New creates a logger writing to opts.Output and, when opts.Dir is set,
// to a per-run file named after appName.
func New(appName string, opts Options) (*DefaultLogger, error) {
	out := opts.Output
	if out == nil {
		out = os.Stderr
	}

	var file *os.File
	if opts.Dir != "" {
		if err := os.MkdirAll(opts.Dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create logs directory: %w", err)
		}

		timestamp := time.Now().Format("2006-01-02_15_04")
		logPath := filepath.Join(opts.Dir, fmt.Sprintf("%s_%s.log", appName, timestamp))
		f, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return nil, fmt.Errorf("failed to open log file: %w", err)
		}
		file = f
		out = io.MultiWriter(file, out)
	}

	return &DefaultLogger{
		logger: log.New(out, "", log.Ldate|log.Ltime),
		file:   file,
		level:  opts.Level,
	}, nil
}

func (l *DefaultLogger) log(level Level, format string, v ...interface{}) {
	l.mu.Lock()
	enabled := level >= l.level
	l.mu.Unlock()
	if enabled {
		msg := fmt.Sprintf(format, v...)
		l.logger.Output(3, levelPrefixes[level]+msg)
	}
}

func (l *DefaultLogger) SetLevel(level Level) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.level = level
}

func (l *DefaultLogger) Debug(format string, v ...interface{}) {
	l.log(DebugLevel, format, v...)
}

func (l *DefaultLogger) Info(format string, v ...interface{}) {
	l.log(InfoLevel, format, v...)
}

func (l *DefaultLogger) Warn(format string, v ...interface{}) {
	l.log(WarnLevel, format, v...)
}

func (l *DefaultLogger) Error(format string, v ...interface{}) {
	l.log(ErrorLevel, format, v...)
}

func (l *DefaultLogger) Fatal(format string, v ...interface{}) {
	l.log(FatalLevel, format, v...)
	l.Close()
	os.Exit(1)
}

// Close releases the log file, if any.
func (l *DefaultLogger) Close() error {
	if l.file == nil {
		return nil
	}
	return l.file.Close()
}

// Nop returns a Logger that discards everything.
func Nop() Logger { return nopLogger{} }

type nopLogger struct{}

func (nopLogger) Debug(string, ...interface{}) {}
func (nopLogger) Info(string, ...interface{})  {}
func (nopLogger) Warn(string, ...interface{})  {}
func (nopLogger) Error(string, ...interface{}) {}
func (nopLogger) Fatal(string, ...interface{}) {}
