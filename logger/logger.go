// Package logger provides structured logging for the twmailer server.
//
// It wraps log/slog and writes to stderr, stdout, syslog, or a file,
// in either console (text) or json format. Initialize it once at startup:
//
//	logFile, err := logger.Initialize(cfg.Logging)
//	if err != nil {
//		log.Fatal(err)
//	}
//	if logFile != nil {
//		defer logFile.Close()
//	}
//
// and use the package-level helpers afterwards:
//
//	logger.Info("Listening", "addr", addr)
//	logger.Warn("Blacklisted address retried login", "ip", ip)
package logger

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"log/syslog"
	"os"
	"runtime"

	"github.com/twmailer/twmailer/config"
)

var globalLogger *slog.Logger

// syslogHandler wraps syslog.Writer to implement slog.Handler
type syslogHandler struct {
	writer *syslog.Writer
	level  slog.Level
	attrs  []slog.Attr
}

func (h *syslogHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level
}

func (h *syslogHandler) Handle(_ context.Context, r slog.Record) error {
	msg := r.Message
	if len(h.attrs) > 0 || r.NumAttrs() > 0 {
		attrs := make([]any, 0, len(h.attrs)*2+r.NumAttrs()*2)
		for _, a := range h.attrs {
			attrs = append(attrs, a.Key, a.Value.Any())
		}
		r.Attrs(func(a slog.Attr) bool {
			attrs = append(attrs, a.Key, a.Value.Any())
			return true
		})
		msg = fmt.Sprintf("%s %v", msg, attrs)
	}

	switch {
	case r.Level >= slog.LevelError:
		return h.writer.Err(msg)
	case r.Level >= slog.LevelWarn:
		return h.writer.Warning(msg)
	case r.Level >= slog.LevelInfo:
		return h.writer.Info(msg)
	default:
		return h.writer.Debug(msg)
	}
}

func (h *syslogHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	merged := make([]slog.Attr, 0, len(h.attrs)+len(attrs))
	merged = append(merged, h.attrs...)
	merged = append(merged, attrs...)
	return &syslogHandler{writer: h.writer, level: h.level, attrs: merged}
}

// Groups are flattened; syslog lines carry no structure.
func (h *syslogHandler) WithGroup(string) slog.Handler {
	return h
}

func streamHandler(w io.Writer, format string, opts *slog.HandlerOptions) slog.Handler {
	if format == "json" {
		return slog.NewJSONHandler(w, opts)
	}
	return slog.NewTextHandler(w, opts)
}

// Initialize sets up the global logger based on configuration. The returned
// file is non-nil only for file output and should be closed on shutdown.
func Initialize(cfg config.LoggingConfig) (*os.File, error) {
	output := cfg.Output
	if output == "" {
		output = "stderr"
	}
	format := cfg.Format
	if format == "" {
		format = "console"
	}
	tag := cfg.SyslogTag
	if tag == "" {
		tag = "twmailer"
	}

	level := parseLogLevel(cfg.Level)
	opts := &slog.HandlerOptions{Level: level}

	var (
		handler slog.Handler
		logFile *os.File
	)

	switch output {
	case "stdout":
		handler = streamHandler(os.Stdout, format, opts)
	case "stderr":
		handler = streamHandler(os.Stderr, format, opts)
	case "syslog":
		if runtime.GOOS == "windows" {
			fmt.Fprintf(os.Stderr, "WARNING: syslog is not supported on Windows. Falling back to stderr.\n")
			handler = streamHandler(os.Stderr, format, opts)
			break
		}
		w, err := syslog.New(syslog.LOG_INFO|syslog.LOG_MAIL, tag)
		if err != nil {
			fmt.Fprintf(os.Stderr, "WARNING: failed to connect to syslog: %v. Falling back to stderr.\n", err)
			handler = streamHandler(os.Stderr, format, opts)
			break
		}
		handler = &syslogHandler{writer: w, level: level}
	default:
		f, err := os.OpenFile(output, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
		if err != nil {
			return nil, fmt.Errorf("failed to open log file %q: %w", output, err)
		}
		logFile = f
		handler = streamHandler(f, format, opts)
	}

	globalLogger = slog.New(handler)
	slog.SetDefault(globalLogger)

	return logFile, nil
}

func parseLogLevel(level string) slog.Level {
	switch level {
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

// Get returns the global logger instance
func Get() *slog.Logger {
	if globalLogger == nil {
		return slog.Default()
	}
	return globalLogger
}

func Info(msg string, args ...any)  { Get().Info(msg, args...) }
func Debug(msg string, args ...any) { Get().Debug(msg, args...) }
func Warn(msg string, args ...any)  { Get().Warn(msg, args...) }
func Error(msg string, args ...any) { Get().Error(msg, args...) }

func InfoContext(ctx context.Context, msg string, args ...any) {
	Get().InfoContext(ctx, msg, args...)
}

func WarnContext(ctx context.Context, msg string, args ...any) {
	Get().WarnContext(ctx, msg, args...)
}

// Fatal logs at error level and exits the process.
func Fatal(msg string, args ...any) {
	Get().Error(msg, args...)
	os.Exit(1)
}

// With returns a logger with the given attributes
func With(args ...any) *slog.Logger {
	return Get().With(args...)
}

func Infof(format string, args ...any)  { Get().Info(fmt.Sprintf(format, args...)) }
func Debugf(format string, args ...any) { Get().Debug(fmt.Sprintf(format, args...)) }
func Warnf(format string, args ...any)  { Get().Warn(fmt.Sprintf(format, args...)) }
func Errorf(format string, args ...any) { Get().Error(fmt.Sprintf(format, args...)) }
