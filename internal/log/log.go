// Package log provides structured logging for the memva daemon.
// Entries carry a severity, a category, and key=value fields, and are
// written to stderr or a file depending on how the process was started.
package log

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/memva/memva/internal/pubsub"
)

// Level represents log severity.
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

var levelNames = [...]string{"DEBUG", "INFO", "WARN", "ERROR"}

func (l Level) String() string {
	if l < LevelDebug || l > LevelError {
		return "UNKNOWN"
	}
	return levelNames[l]
}

// ParseLevel maps a config string to a Level. Unknown values fall back
// to info.
func ParseLevel(s string) Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return LevelDebug
	case "info":
		return LevelInfo
	case "warn", "warning":
		return LevelWarn
	case "error":
		return LevelError
	default:
		return LevelInfo
	}
}

// Category groups related log messages.
type Category string

const (
	CatConfig Category = "config" // Configuration loading/saving
	CatStore  Category = "store"  // Database operations
	CatQueue  Category = "queue"  // Job queue transitions
	CatPool   Category = "pool"   // Worker pool lifecycle
	CatJobs   Category = "jobs"   // Job handler execution
	CatAgent  Category = "agent"  // Agent subprocess and streamer
	CatPerm   Category = "perm"   // Permission broker decisions
	CatMCP    Category = "mcp"    // MCP sidecar protocol
	CatHTTP   Category = "http"   // HTTP API requests
	CatSSE    Category = "sse"    // Live event streams
	CatCache  Category = "cache"  // Read cache operations
	CatTail   Category = "tail"   // Terminal tail client
)

// timeLayout keeps entries lexically sortable without sub-second noise.
const timeLayout = "2006-01-02T15:04:05"

// feedBuffer sizes each feed subscription. Log bursts outrun a
// redrawing TUI easily; the headroom keeps entries from dropping.
const feedBuffer = 256

// Logger is the process-wide logger behind the package functions.
type Logger struct {
	mu       sync.Mutex
	file     *os.File
	writer   io.Writer
	minLevel Level
	broker   *pubsub.Broker[string] // Live feed for subscribers
}

var (
	defaultLogger *Logger
	once          sync.Once
)

// install publishes the logger built by the given constructor as the
// process logger. Only the first call wins; later Init* calls are
// no-ops that return the error (if any) from their own constructor.
func install(build func() (*Logger, error)) error {
	var err error
	once.Do(func() {
		var l *Logger
		if l, err = build(); err == nil {
			defaultLogger = l
		}
	})
	return err
}

// Init routes the global logger to the given file path, appending.
// Returns a cleanup function that closes the file.
func Init(path string) (func(), error) {
	err := install(func() (*Logger, error) {
		f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644) //nolint:gosec // G304: path is user-controlled log path
		if err != nil {
			return nil, err
		}
		return newLogger(f, f, LevelDebug), nil
	})
	if err != nil {
		return nil, err
	}
	if defaultLogger == nil {
		return nil, fmt.Errorf("logger initialization failed or already attempted")
	}
	return func() {
		if defaultLogger != nil && defaultLogger.file != nil {
			_ = defaultLogger.file.Close()
		}
	}, nil
}

// InitStderr routes the global logger to stderr. This is the daemon
// default; file logging is opt-in via config.
func InitStderr() func() {
	_ = install(func() (*Logger, error) {
		return newLogger(nil, os.Stderr, LevelInfo), nil
	})
	return func() {}
}

func newLogger(file *os.File, w io.Writer, minLevel Level) *Logger {
	return &Logger{
		file:     file,
		writer:   w,
		minLevel: minLevel,
		broker:   pubsub.NewBrokerWithBuffer[string](feedBuffer),
	}
}

// SetMinLevel sets the minimum log level. Safe to call at any time;
// config reloads use this for live level changes.
func SetMinLevel(level Level) {
	if defaultLogger == nil {
		return
	}
	defaultLogger.mu.Lock()
	defaultLogger.minLevel = level
	defaultLogger.mu.Unlock()
}

// Debug logs at debug level.
func Debug(cat Category, msg string, fields ...any) {
	emit(LevelDebug, cat, msg, fields)
}

// Info logs at info level.
func Info(cat Category, msg string, fields ...any) {
	emit(LevelInfo, cat, msg, fields)
}

// Warn logs at warning level.
func Warn(cat Category, msg string, fields ...any) {
	emit(LevelWarn, cat, msg, fields)
}

// Error logs at error level.
func Error(cat Category, msg string, fields ...any) {
	emit(LevelError, cat, msg, fields)
}

// ErrorErr logs an error with the error value.
func ErrorErr(cat Category, msg string, err error, fields ...any) {
	errText := "<nil>"
	if err != nil {
		errText = err.Error()
	}
	emit(LevelError, cat, msg, append(fields, "error", errText))
}

func emit(level Level, cat Category, msg string, fields []any) {
	l := defaultLogger
	if l == nil {
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if level < l.minLevel {
		return
	}

	// 2025-12-06T10:45:00 [ERROR] [queue] message key=value key2=value2
	var b strings.Builder
	fmt.Fprintf(&b, "%s [%s] [%s] %s", time.Now().Format(timeLayout), level, cat, msg)
	for i := 0; i+1 < len(fields); i += 2 {
		fmt.Fprintf(&b, " %v=%v", fields[i], fields[i+1])
	}
	if len(fields)%2 != 0 {
		// Orphan key from a miscounted call site; keep it visible.
		fmt.Fprintf(&b, " %v=<missing>", fields[len(fields)-1])
	}
	b.WriteByte('\n')
	entry := b.String()

	if l.writer != nil {
		_, _ = l.writer.Write([]byte(entry))
	}
	if l.broker != nil {
		l.broker.Publish(pubsub.CreatedEvent, entry)
	}
}

// Feed exposes the live entry stream. The tail client subscribes so
// entries render inside its view instead of writing over the terminal.
func Feed() *pubsub.Broker[string] {
	if defaultLogger == nil {
		return nil
	}
	return defaultLogger.broker
}
