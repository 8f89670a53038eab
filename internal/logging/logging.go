// Package logging provides structured logging for echotun.
package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"

	"golang.org/x/term"
	"gopkg.in/natefinch/lumberjack.v2"
)

// NewLogger creates a new structured logger writing to stderr.
// Supported levels: debug, info, warn, error
// Supported formats: text, json, auto (text on a terminal, json otherwise)
func NewLogger(level, format string) *slog.Logger {
	return NewLoggerWithWriter(level, resolveFormat(format, os.Stderr), os.Stderr)
}

// NewLoggerWithWriter creates a new structured logger with a custom writer.
// The auto format falls back to json since w is not known to be a terminal.
func NewLoggerWithWriter(level, format string, w io.Writer) *slog.Logger {
	lvl := parseLevel(level)

	opts := &slog.HandlerOptions{
		Level: lvl,
	}

	var handler slog.Handler
	switch strings.ToLower(format) {
	case "json", "auto":
		handler = slog.NewJSONHandler(w, opts)
	default:
		handler = slog.NewTextHandler(w, opts)
	}

	return slog.New(handler)
}

// FileConfig configures a rotating log file.
type FileConfig struct {
	Path       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
}

// NewFileWriter returns a size-rotated writer for cfg.Path. The caller
// closes it on shutdown.
func NewFileWriter(cfg FileConfig) io.WriteCloser {
	return &lumberjack.Logger{
		Filename:   cfg.Path,
		MaxSize:    cfg.MaxSizeMB,
		MaxBackups: cfg.MaxBackups,
		MaxAge:     cfg.MaxAgeDays,
		Compress:   cfg.Compress,
	}
}

// resolveFormat turns "auto" into text or json depending on whether f is a
// terminal.
func resolveFormat(format string, f *os.File) string {
	if strings.ToLower(format) != "auto" {
		return format
	}
	if term.IsTerminal(int(f.Fd())) {
		return "text"
	}
	return "json"
}

// parseLevel converts a string log level to slog.Level.
func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// ValidLevel reports whether level is one parseLevel understands.
func ValidLevel(level string) bool {
	switch strings.ToLower(level) {
	case "debug", "info", "warn", "warning", "error":
		return true
	}
	return false
}

// ValidFormat reports whether format is text, json or auto.
func ValidFormat(format string) bool {
	switch strings.ToLower(format) {
	case "text", "json", "auto":
		return true
	}
	return false
}

// NopLogger returns a logger that discards all output.
func NopLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// Common attribute keys for consistent logging.
const (
	KeyComponent = "component"
	KeyInterface = "interface"
	KeyTopology  = "topology"
	KeyVerdict   = "verdict"
	KeyReason    = "reason"
	KeyLength    = "length"
	KeyAddress   = "address"
	KeyError     = "error"
	KeyDuration  = "duration"
	KeyCount     = "count"
	KeySeq       = "seq"
)
