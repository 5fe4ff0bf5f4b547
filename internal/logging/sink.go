package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"time"

	"schemarun/internal/security/redaction"
)

// Level represents the severity of a log message.
type Level int

const (
	DEBUG Level = iota
	INFO
	WARN
	ERROR
)

// sink is the shared destination behind every component logger. Lines are
// credential-sanitized before they hit the writer.
type sink struct {
	mu    sync.Mutex
	out   io.Writer
	file  *os.File
	level Level
}

var defaultSink = &sink{out: os.Stderr, level: INFO}

// SetLevel sets the minimum severity emitted by component loggers.
func SetLevel(level Level) {
	defaultSink.mu.Lock()
	defer defaultSink.mu.Unlock()
	defaultSink.level = level
}

// SetOutput redirects component logger output, primarily for tests.
func SetOutput(w io.Writer) {
	defaultSink.mu.Lock()
	defer defaultSink.mu.Unlock()
	defaultSink.out = w
}

// EnableDebugFile mirrors log output to the given file in append mode.
func EnableDebugFile(path string) error {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open debug log: %w", err)
	}
	defaultSink.mu.Lock()
	defer defaultSink.mu.Unlock()
	if defaultSink.file != nil {
		_ = defaultSink.file.Close()
	}
	defaultSink.file = file
	return nil
}

// CloseDebugFile closes the mirrored debug file, if one was enabled.
func CloseDebugFile() error {
	defaultSink.mu.Lock()
	defer defaultSink.mu.Unlock()
	if defaultSink.file == nil {
		return nil
	}
	err := defaultSink.file.Close()
	defaultSink.file = nil
	return err
}

// NewComponentLogger returns the process logger scoped to a component.
func NewComponentLogger(component string) Logger {
	return &componentLogger{component: component, sink: defaultSink}
}

type componentLogger struct {
	component string
	sink      *sink
}

func (l *componentLogger) Debug(format string, args ...any) { l.log(DEBUG, format, args...) }
func (l *componentLogger) Info(format string, args ...any)  { l.log(INFO, format, args...) }
func (l *componentLogger) Warn(format string, args ...any)  { l.log(WARN, format, args...) }
func (l *componentLogger) Error(format string, args ...any) { l.log(ERROR, format, args...) }

func (l *componentLogger) log(level Level, format string, args ...any) {
	l.sink.mu.Lock()
	defer l.sink.mu.Unlock()
	if level < l.sink.level {
		return
	}

	_, file, line, ok := runtime.Caller(2)
	if ok {
		file = filepath.Base(file)
	} else {
		file = "???"
		line = 0
	}

	// Format: 2025-09-30 12:34:56 [INFO] [Component] file.go:123 - Message
	timestamp := time.Now().Format("2006-01-02 15:04:05")
	component := l.component
	if component == "" {
		component = "schemarun"
	}

	message := fmt.Sprintf(format, args...)
	logLine := fmt.Sprintf("%s [%s] [%s] %s:%d - %s\n",
		timestamp, levelToString(level), component, file, line, message)

	sanitized := redaction.SanitizeLine(logLine)

	if l.sink.out != nil {
		fmt.Fprint(l.sink.out, sanitized)
	}
	if l.sink.file != nil {
		fmt.Fprint(l.sink.file, sanitized)
	}
}

func levelToString(level Level) string {
	switch level {
	case DEBUG:
		return "DEBUG"
	case INFO:
		return "INFO"
	case WARN:
		return "WARN"
	case ERROR:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}
