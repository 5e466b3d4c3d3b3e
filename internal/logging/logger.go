package logging

import (
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"regexp"
	"runtime"
	"sync"
	"time"
)

// LogLevel represents the severity of a log message
type LogLevel int

const (
	DEBUG LogLevel = iota
	INFO
	WARN
	ERROR
)

// Logger defines a minimal, printf-style logging contract.
//
// Subsystems depend on this interface so tests can swap in Nop() and the
// CLI can redirect output without touching call sites.
type Logger interface {
	Debug(format string, args ...any)
	Info(format string, args ...any)
	Warn(format string, args ...any)
	Error(format string, args ...any)
}

type nopLogger struct{}

func (nopLogger) Debug(string, ...any) {}
func (nopLogger) Info(string, ...any)  {}
func (nopLogger) Warn(string, ...any)  {}
func (nopLogger) Error(string, ...any) {}

// Nop returns a logger that discards all output.
func Nop() Logger {
	return nopLogger{}
}

// OrNop returns logger when non-nil, otherwise a no-op logger.
func OrNop(logger Logger) Logger {
	if logger == nil {
		return Nop()
	}
	return logger
}

var (
	rootInstance *fileLogger
	rootOnce     sync.Once
)

// fileLogger writes component-tagged lines to strix-debug.log and,
// optionally, to an extra sink (stderr in debug mode).
type fileLogger struct {
	mu        sync.Mutex
	file      *os.File
	out       *log.Logger
	extra     io.Writer
	level     LogLevel
	component string
}

func root() *fileLogger {
	rootOnce.Do(func() {
		rootInstance = newFileLogger(INFO)
	})
	return rootInstance
}

// NewComponentLogger returns the process-wide logger scoped to a component.
func NewComponentLogger(component string) Logger {
	r := root()
	return &fileLogger{
		file:      r.file,
		out:       r.out,
		extra:     r.extra,
		level:     r.level,
		component: component,
		mu:        sync.Mutex{},
	}
}

// SetGlobalLevel sets the minimum level for loggers created afterwards and
// for the root logger itself.
func SetGlobalLevel(level LogLevel) {
	r := root()
	r.mu.Lock()
	defer r.mu.Unlock()
	r.level = level
}

// EchoToStderr mirrors all subsequent log lines to stderr. Used by --debug.
func EchoToStderr() {
	r := root()
	r.mu.Lock()
	defer r.mu.Unlock()
	r.extra = os.Stderr
}

func newFileLogger(level LogLevel) *fileLogger {
	l := &fileLogger{level: level}

	path := os.Getenv("STRIX_LOG_FILE")
	if path == "" {
		path = filepath.Join(".", "strix-debug.log")
	}
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		log.Printf("failed to open log file %s: %v", path, err)
		return l
	}
	l.file = file
	l.out = log.New(file, "", 0)
	return l
}

func (l *fileLogger) log(level LogLevel, format string, args ...any) {
	if level < l.level {
		return
	}

	_, file, line, ok := runtime.Caller(2)
	if ok {
		file = filepath.Base(file)
	} else {
		file = "???"
		line = 0
	}

	component := l.component
	if component == "" {
		component = "strix"
	}

	msg := fmt.Sprintf(format, args...)
	logLine := fmt.Sprintf("%s [%s] [%s] %s:%d - %s",
		time.Now().Format("2006-01-02 15:04:05"), levelName(level), component, file, line, msg)
	logLine = Redact(logLine)

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.out != nil {
		l.out.Print(logLine)
	}
	if l.extra != nil {
		fmt.Fprintln(l.extra, logLine)
	}
}

func (l *fileLogger) Debug(format string, args ...any) { l.log(DEBUG, format, args...) }
func (l *fileLogger) Info(format string, args ...any)  { l.log(INFO, format, args...) }
func (l *fileLogger) Warn(format string, args ...any)  { l.log(WARN, format, args...) }
func (l *fileLogger) Error(format string, args ...any) { l.log(ERROR, format, args...) }

func levelName(level LogLevel) string {
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

const redactedPlaceholder = "[REDACTED]"

var (
	bearerTokenPattern = regexp.MustCompile(`(?i)(bearer\s+)([A-Za-z0-9\-\._~+/]+=*)`)
	keyValuePattern    = regexp.MustCompile(
		`(?i)((?:"|')?(?:api[_-]?key|bearer[_-]?token|access[_-]?token|token|secret|password)(?:"|')?\s*(?:=|:)\s*)(?:"|')?([^"'\s,;]+)((?:"|')?)`,
	)
	standaloneSecretPattern = regexp.MustCompile(
		`(?i)(sk-[A-Za-z0-9]{16,}|ghp_[A-Za-z0-9]{16,}|xox[a-z]-[A-Za-z0-9\-]{10,})`,
	)
)

// Redact masks credentials before a line reaches any sink. Applied to every
// log line and to event payloads that may embed request headers.
func Redact(line string) string {
	out := bearerTokenPattern.ReplaceAllString(line, "${1}"+redactedPlaceholder)
	out = keyValuePattern.ReplaceAllString(out, "${1}"+redactedPlaceholder+"${3}")
	out = standaloneSecretPattern.ReplaceAllString(out, redactedPlaceholder)
	return out
}
