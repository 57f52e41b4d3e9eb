package observability

import (
	"context"
	"io"
	"log/slog"
	"os"
	"regexp"
	"strings"
)

// Logger provides structured logging with request correlation and
// sensitive data redaction, built on Go's slog package.
//
// Well-known identifiers (project, session, queue, tool) are carried in
// the context and attached to every record emitted under that context.
type Logger struct {
	logger  *slog.Logger
	redacts []*regexp.Regexp
}

// LogConfig configures the logging behavior.
type LogConfig struct {
	// Level sets the minimum log level: "debug", "info", "warn", "error".
	Level string

	// Format specifies output format: "json" or "text".
	Format string

	// Output is the writer for log output (defaults to os.Stdout).
	Output io.Writer

	// AddSource includes file and line number in log records.
	AddSource bool
}

// ContextKey is the type for context keys used in logging.
type ContextKey string

const (
	// ProjectIDKey is the context key for project IDs.
	ProjectIDKey ContextKey = "project_id"

	// SessionIDKey is the context key for session IDs.
	SessionIDKey ContextKey = "session_id"

	// QueueKey is the context key for the broker queue being consumed.
	QueueKey ContextKey = "queue"

	// ToolKey is the context key for the tool being dispatched.
	ToolKey ContextKey = "tool"
)

// defaultRedactPatterns covers API keys and connection-string passwords so
// they never reach log output.
var defaultRedactPatterns = []string{
	`sk-[a-zA-Z0-9_\-]{20,}`,
	`(?i)(api[_-]?key|secret|password|token)[\s:=]+["']?([^\s"']{8,})["']?`,
	`(amqps?|rediss?|postgres(ql)?)://[^:\s]+:([^@\s]+)@`,
}

// NewLogger creates a structured logger. Empty config fields fall back to
// info level, JSON format, and stdout.
func NewLogger(config LogConfig) *Logger {
	if config.Output == nil {
		config.Output = os.Stdout
	}

	var level slog.Level
	switch strings.ToLower(config.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn", "warning":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level, AddSource: config.AddSource}
	var handler slog.Handler
	if strings.ToLower(config.Format) == "text" {
		handler = slog.NewTextHandler(config.Output, opts)
	} else {
		handler = slog.NewJSONHandler(config.Output, opts)
	}

	redacts := make([]*regexp.Regexp, 0, len(defaultRedactPatterns))
	for _, pattern := range defaultRedactPatterns {
		if re, err := regexp.Compile(pattern); err == nil {
			redacts = append(redacts, re)
		}
	}

	return &Logger{logger: slog.New(handler), redacts: redacts}
}

// WithProject returns a context carrying the project id for correlation.
func WithProject(ctx context.Context, projectID string) context.Context {
	return context.WithValue(ctx, ProjectIDKey, projectID)
}

// WithSession returns a context carrying the session id for correlation.
func WithSession(ctx context.Context, sessionID string) context.Context {
	return context.WithValue(ctx, SessionIDKey, sessionID)
}

// WithQueue returns a context carrying the consuming queue name.
func WithQueue(ctx context.Context, queue string) context.Context {
	return context.WithValue(ctx, QueueKey, queue)
}

// WithTool returns a context carrying the dispatched tool name.
func WithTool(ctx context.Context, tool string) context.Context {
	return context.WithValue(ctx, ToolKey, tool)
}

func contextAttrs(ctx context.Context) []any {
	if ctx == nil {
		return nil
	}
	attrs := make([]any, 0, 8)
	for _, key := range []ContextKey{ProjectIDKey, SessionIDKey, QueueKey, ToolKey} {
		if v, ok := ctx.Value(key).(string); ok && v != "" {
			attrs = append(attrs, string(key), v)
		}
	}
	return attrs
}

func (l *Logger) redact(msg string) string {
	for _, re := range l.redacts {
		msg = re.ReplaceAllString(msg, "[REDACTED]")
	}
	return msg
}

func (l *Logger) log(ctx context.Context, level slog.Level, msg string, args ...any) {
	if l == nil || l.logger == nil {
		return
	}
	args = append(contextAttrs(ctx), args...)
	l.logger.Log(ctx, level, l.redact(msg), args...)
}

// Debug logs at debug level with context correlation fields.
func (l *Logger) Debug(ctx context.Context, msg string, args ...any) {
	l.log(ctx, slog.LevelDebug, msg, args...)
}

// Info logs at info level with context correlation fields.
func (l *Logger) Info(ctx context.Context, msg string, args ...any) {
	l.log(ctx, slog.LevelInfo, msg, args...)
}

// Warn logs at warn level with context correlation fields.
func (l *Logger) Warn(ctx context.Context, msg string, args ...any) {
	l.log(ctx, slog.LevelWarn, msg, args...)
}

// Error logs at error level with context correlation fields.
func (l *Logger) Error(ctx context.Context, msg string, args ...any) {
	l.log(ctx, slog.LevelError, msg, args...)
}

// NewTestLogger returns a logger that discards output, for use in tests.
func NewTestLogger() *Logger {
	return NewLogger(LogConfig{Output: io.Discard})
}
