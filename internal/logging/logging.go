// Package logging wraps log/slog with a process-wide logger and the
// event helpers used by ingestion, the server and the CLI.
package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"
)

// ContextKey keys logging values stored on a context.
type ContextKey string

const (
	RequestIDKey ContextKey = "request_id"
	BookKey      ContextKey = "book"
)

var defaultLogger *slog.Logger

func init() {
	InitLogger(LevelInfo, FormatText)
}

// Level is the minimum severity that is written.
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

// Format selects the slog handler.
type Format int

const (
	FormatJSON Format = iota
	FormatText
)

// ParseLevel converts "debug", "info", "warn" or "error" to a Level.
func ParseLevel(s string) (Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return LevelDebug, nil
	case "", "info":
		return LevelInfo, nil
	case "warn", "warning":
		return LevelWarn, nil
	case "error":
		return LevelError, nil
	}
	return LevelInfo, fmt.Errorf("unknown log level %q", s)
}

// ParseFormat converts "json" or "text" to a Format.
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "json":
		return FormatJSON, nil
	case "", "text":
		return FormatText, nil
	}
	return FormatText, fmt.Errorf("unknown log format %q", s)
}

// InitLogger initializes the global logger, writing to stderr so that
// stdout stays free for command output.
func InitLogger(level Level, format Format) {
	InitLoggerTo(os.Stderr, level, format)
}

// InitLoggerTo initializes the global logger with an explicit writer.
func InitLoggerTo(w io.Writer, level Level, format Format) {
	opts := &slog.HandlerOptions{
		Level: level.slog(),
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if a.Key == slog.TimeKey {
				return slog.String(slog.TimeKey, a.Value.Time().Format(time.RFC3339))
			}
			return a
		},
	}

	var handler slog.Handler
	if format == FormatJSON {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}

	defaultLogger = slog.New(handler)
	slog.SetDefault(defaultLogger)
}

func (l Level) slog() slog.Level {
	switch l {
	case LevelDebug:
		return slog.LevelDebug
	case LevelWarn:
		return slog.LevelWarn
	case LevelError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// GetLogger returns the process logger.
func GetLogger() *slog.Logger {
	return defaultLogger
}

// WithRequestID stores requestID on ctx.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, RequestIDKey, requestID)
}

// GetRequestID returns the request ID stored on ctx, or "".
func GetRequestID(ctx context.Context) string {
	if requestID, ok := ctx.Value(RequestIDKey).(string); ok {
		return requestID
	}
	return ""
}

// WithBook tags the context with the book being processed.
func WithBook(ctx context.Context, book string) context.Context {
	return context.WithValue(ctx, BookKey, book)
}

// LoggerFromContext returns the process logger annotated with the request
// ID and book carried by ctx.
func LoggerFromContext(ctx context.Context) *slog.Logger {
	logger := defaultLogger
	if requestID := GetRequestID(ctx); requestID != "" {
		logger = logger.With("request_id", requestID)
	}
	if book, ok := ctx.Value(BookKey).(string); ok && book != "" {
		logger = logger.With("book", book)
	}
	return logger
}

// Debug logs at debug level.
func Debug(msg string, args ...any) {
	defaultLogger.Debug(msg, args...)
}

func Info(msg string, args ...any) {
	defaultLogger.Info(msg, args...)
}

func Warn(msg string, args ...any) {
	defaultLogger.Warn(msg, args...)
}

func Error(msg string, args ...any) {
	defaultLogger.Error(msg, args...)
}

// DebugContext and the other *Context helpers log through LoggerFromContext.
func DebugContext(ctx context.Context, msg string, args ...any) {
	LoggerFromContext(ctx).Debug(msg, args...)
}

func InfoContext(ctx context.Context, msg string, args ...any) {
	LoggerFromContext(ctx).Info(msg, args...)
}

func WarnContext(ctx context.Context, msg string, args ...any) {
	LoggerFromContext(ctx).Warn(msg, args...)
}

func ErrorContext(ctx context.Context, msg string, args ...any) {
	LoggerFromContext(ctx).Error(msg, args...)
}

// BookIngested logs a successfully assigned book.
func BookIngested(book string, records, expected int, duration time.Duration, args ...any) {
	allArgs := []any{
		"book", book,
		"records", records,
		"expected", expected,
		"duration_ms", duration.Milliseconds(),
	}
	allArgs = append(allArgs, args...)
	defaultLogger.Info("book_ingested", allArgs...)
}

// IngestWarning logs a soft ingestion problem such as a verse count mismatch.
func IngestWarning(book string, warning error, args ...any) {
	allArgs := []any{
		"book", book,
		"warning", warning.Error(),
	}
	allArgs = append(allArgs, args...)
	defaultLogger.Warn("ingest_warning", allArgs...)
}

// IngestFailure logs a book that could not be ingested.
func IngestFailure(book, stage string, err error, args ...any) {
	allArgs := []any{
		"book", book,
		"stage", stage,
		"error", err.Error(),
	}
	allArgs = append(allArgs, args...)
	defaultLogger.Error("ingest_failure", allArgs...)
}

// InvariantBreach logs a violated data invariant. These indicate a bug in
// reference assignment rather than bad input.
func InvariantBreach(book string, err error, args ...any) {
	allArgs := []any{
		"book", book,
		"error", err.Error(),
		"invariant", true,
	}
	allArgs = append(allArgs, args...)
	defaultLogger.Error("invariant_breach", allArgs...)
}

// HTTPRequestContext writes one access-log line.
func HTTPRequestContext(ctx context.Context, method, path, remoteAddr string, statusCode int, duration time.Duration, args ...any) {
	allArgs := []any{
		"method", method,
		"path", path,
		"remote_addr", remoteAddr,
		"status_code", statusCode,
		"duration_ms", duration.Milliseconds(),
	}
	allArgs = append(allArgs, args...)
	LoggerFromContext(ctx).Info("http_request", allArgs...)
}

// WebSocketEvent records a hub connect, disconnect or broadcast.
func WebSocketEvent(event string, clientCount int, args ...any) {
	allArgs := []any{
		"event", event,
		"client_count", clientCount,
	}
	allArgs = append(allArgs, args...)
	defaultLogger.Info("websocket_event", allArgs...)
}

// ServerStartup is logged once the listener is bound.
func ServerStartup(addr string, books int, args ...any) {
	allArgs := []any{
		"addr", addr,
		"books", books,
	}
	allArgs = append(allArgs, args...)
	defaultLogger.Info("server_startup", allArgs...)
}

// LibraryReloaded logs a rebuilt library being published.
func LibraryReloaded(trigger string, books int, duration time.Duration, args ...any) {
	allArgs := []any{
		"trigger", trigger,
		"books", books,
		"duration_ms", duration.Milliseconds(),
	}
	allArgs = append(allArgs, args...)
	defaultLogger.Info("library_reloaded", allArgs...)
}
