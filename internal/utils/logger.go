// Package utils provides shared utilities for modelpool.
package utils

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"
)

// ANSI color codes
const (
	colorReset   = "\033[0m"
	colorRed     = "\033[31m"
	colorGreen   = "\033[32m"
	colorYellow  = "\033[33m"
	colorBlue    = "\033[34m"
	colorMagenta = "\033[35m"
)

// Logger wraps slog with colored output and a debug toggle.
type Logger struct {
	mu           sync.RWMutex
	debugEnabled bool
	logger       *slog.Logger
}

// coloredHandler implements slog.Handler with level-colored prefixes.
type coloredHandler struct {
	out          io.Writer
	debugEnabled *bool
	mu           *sync.RWMutex
}

func (h *coloredHandler) Enabled(_ context.Context, level slog.Level) bool {
	if level == slog.LevelDebug {
		h.mu.RLock()
		defer h.mu.RUnlock()
		return *h.debugEnabled
	}
	return true
}

func (h *coloredHandler) Handle(_ context.Context, r slog.Record) error {
	var color, prefix string
	switch r.Level {
	case slog.LevelDebug:
		color, prefix = colorMagenta, "[DEBUG]"
	case slog.LevelInfo:
		color, prefix = colorBlue, "[INFO]"
	case slog.LevelWarn:
		color, prefix = colorYellow, "[WARN]"
	case slog.LevelError:
		color, prefix = colorRed, "[ERROR]"
	default:
		color, prefix = colorReset, "[LOG]"
	}

	line := fmt.Sprintf("%s%s %s%s %s\n", color, r.Time.Format("15:04:05"), prefix, colorReset, r.Message)
	_, err := h.out.Write([]byte(line))
	return err
}

func (h *coloredHandler) WithAttrs(attrs []slog.Attr) slog.Handler { return h }
func (h *coloredHandler) WithGroup(name string) slog.Handler       { return h }

// NewLogger creates a new Logger writing to stdout.
func NewLogger() *Logger {
	l := &Logger{}
	l.logger = slog.New(&coloredHandler{
		out:          os.Stdout,
		debugEnabled: &l.debugEnabled,
		mu:           &l.mu,
	})
	return l
}

// SetDebug enables or disables debug mode.
func (l *Logger) SetDebug(enabled bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.debugEnabled = enabled
}

// Debug logs a debug message (only if debug mode is enabled).
func (l *Logger) Debug(msg string, args ...any) {
	l.logger.Debug(fmt.Sprintf(msg, args...))
}

// Info logs an info message.
func (l *Logger) Info(msg string, args ...any) {
	l.logger.Info(fmt.Sprintf(msg, args...))
}

// Warn logs a warning message.
func (l *Logger) Warn(msg string, args ...any) {
	l.logger.Warn(fmt.Sprintf(msg, args...))
}

// Error logs an error message.
func (l *Logger) Error(msg string, args ...any) {
	l.logger.Error(fmt.Sprintf(msg, args...))
}

// Success logs a success message (green colored info).
func (l *Logger) Success(msg string, args ...any) {
	fmt.Printf("%s%s [SUCCESS]%s %s\n", colorGreen, time.Now().Format("15:04:05"), colorReset, fmt.Sprintf(msg, args...))
}

// DefaultLogger is the package-level logger instance.
var DefaultLogger = NewLogger()

// SetDebug sets the debug mode on the default logger.
func SetDebug(enabled bool) { DefaultLogger.SetDebug(enabled) }

// Debug logs using the default logger.
func Debug(msg string, args ...any) { DefaultLogger.Debug(msg, args...) }

// Info logs using the default logger.
func Info(msg string, args ...any) { DefaultLogger.Info(msg, args...) }

// Warn logs using the default logger.
func Warn(msg string, args ...any) { DefaultLogger.Warn(msg, args...) }

// Error logs using the default logger.
func Error(msg string, args ...any) { DefaultLogger.Error(msg, args...) }

// Success logs using the default logger.
func Success(msg string, args ...any) { DefaultLogger.Success(msg, args...) }

// FormatDuration formats a duration in human-readable form (e.g. "1h23m45s").
func FormatDuration(d time.Duration) string {
	if d < time.Second {
		return fmt.Sprintf("%dms", d.Milliseconds())
	}

	hours := int(d.Hours())
	minutes := int(d.Minutes()) % 60
	seconds := int(d.Seconds()) % 60

	if hours > 0 {
		return fmt.Sprintf("%dh%dm%ds", hours, minutes, seconds)
	}
	if minutes > 0 {
		return fmt.Sprintf("%dm%ds", minutes, seconds)
	}
	return fmt.Sprintf("%ds", seconds)
}
