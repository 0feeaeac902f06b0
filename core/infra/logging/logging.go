package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"github.com/lmittmann/tint"
)

const (
	FormatConsole = "console"
	FormatJSON    = "json"
)

var base atomic.Pointer[slog.Logger]

func init() {
	base.Store(New(os.Stderr, "info", FormatConsole))
}

// Init installs the process-wide logger. Called once from main.
func Init(level, format string) {
	l := New(os.Stderr, level, format)
	base.Store(l)
	slog.SetDefault(l)
}

// New builds a logger writing to w. Unknown formats fall back to console output.
func New(w io.Writer, level, format string) *slog.Logger {
	lvl := ParseLevel(level)
	if strings.EqualFold(strings.TrimSpace(format), FormatJSON) {
		return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: lvl}))
	}
	return slog.New(tint.NewHandler(w, &tint.Options{
		Level:      lvl,
		TimeFormat: time.TimeOnly,
		NoColor:    !isTerminal(w),
	}))
}

// SetLogger replaces the process-wide logger (tests).
func SetLogger(l *slog.Logger) {
	if l != nil {
		base.Store(l)
	}
}

// Logger returns a logger tagged with the component name.
func Logger(component string) *slog.Logger {
	return base.Load().With("component", component)
}

func ParseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Info logs a message with key/value fields under the component.
func Info(component, msg string, kv ...any) {
	Logger(component).Info(msg, kv...)
}

func Warn(component, msg string, kv ...any) {
	Logger(component).Warn(msg, kv...)
}

// Error logs an error message with key/value fields under the component.
func Error(component, msg string, kv ...any) {
	Logger(component).Error(msg, kv...)
}

func Debug(component, msg string, kv ...any) {
	Logger(component).Debug(msg, kv...)
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	info, err := f.Stat()
	if err != nil {
		return false
	}
	return info.Mode()&os.ModeCharDevice != 0
}
