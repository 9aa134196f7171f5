// Package logger wraps logrus with the conventions used across the service:
// a component field on every entry, text or JSON output, and optional trace
// propagation from request contexts.
package logger

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

type ctxKey string

// TraceIDKey is the context key holding the request trace id.
const TraceIDKey ctxKey = "trace_id"

// LoggingConfig controls how a Logger writes entries.
type LoggingConfig struct {
	Level      string `yaml:"level" env:"MARKETPLACE_LOG_LEVEL"`
	Format     string `yaml:"format" env:"MARKETPLACE_LOG_FORMAT"`
	Output     string `yaml:"output" env:"MARKETPLACE_LOG_OUTPUT"`
	FilePrefix string `yaml:"file_prefix" env:"MARKETPLACE_LOG_FILE_PREFIX"`
}

// Logger is a logrus logger bound to a component name.
type Logger struct {
	*logrus.Logger
	component string
}

// NewDefault returns an info-level text logger writing to stdout.
func NewDefault(component string) *Logger {
	l := logrus.New()
	l.SetOutput(os.Stdout)
	l.SetLevel(logrus.InfoLevel)
	l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true, TimestampFormat: time.RFC3339})
	return &Logger{Logger: l, component: component}
}

// New builds a logger from configuration. Unknown levels fall back to info.
func New(cfg LoggingConfig) (*Logger, error) {
	l := logrus.New()

	level, err := logrus.ParseLevel(strings.TrimSpace(cfg.Level))
	if err != nil {
		level = logrus.InfoLevel
	}
	l.SetLevel(level)

	switch strings.ToLower(cfg.Format) {
	case "json":
		l.SetFormatter(&logrus.JSONFormatter{TimestampFormat: time.RFC3339Nano})
	default:
		l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true, TimestampFormat: time.RFC3339})
	}

	out, err := openOutput(cfg)
	if err != nil {
		return nil, err
	}
	l.SetOutput(out)

	return &Logger{Logger: l, component: "marketplace"}, nil
}

func openOutput(cfg LoggingConfig) (io.Writer, error) {
	switch strings.ToLower(cfg.Output) {
	case "", "stdout":
		return os.Stdout, nil
	case "stderr":
		return os.Stderr, nil
	case "file":
		prefix := cfg.FilePrefix
		if prefix == "" {
			prefix = "marketplace"
		}
		name := fmt.Sprintf("%s-%s.log", prefix, time.Now().UTC().Format("20060102"))
		if dir := filepath.Dir(prefix); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("create log dir: %w", err)
			}
		}
		f, err := os.OpenFile(name, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, fmt.Errorf("open log file: %w", err)
		}
		return f, nil
	default:
		return nil, fmt.Errorf("unsupported log output %q", cfg.Output)
	}
}

// Named returns a logger sharing the same sink under another component name.
func (l *Logger) Named(component string) *Logger {
	return &Logger{Logger: l.Logger, component: component}
}

// Component reports the component name attached to entries.
func (l *Logger) Component() string { return l.component }

func (l *Logger) entry() *logrus.Entry {
	return l.Logger.WithField("component", l.component)
}

// WithField returns an entry tagged with the component and the given field.
func (l *Logger) WithField(key string, value interface{}) *logrus.Entry {
	return l.entry().WithField(key, value)
}

// WithFields returns an entry tagged with the component and the given fields.
func (l *Logger) WithFields(fields logrus.Fields) *logrus.Entry {
	return l.entry().WithFields(fields)
}

// WithError returns an entry tagged with the component and the error.
func (l *Logger) WithError(err error) *logrus.Entry {
	return l.entry().WithError(err)
}

// WithContext returns an entry carrying the trace id stored in ctx, if any.
func (l *Logger) WithContext(ctx context.Context) *logrus.Entry {
	e := l.entry()
	if ctx == nil {
		return e
	}
	if id := TraceID(ctx); id != "" {
		e = e.WithField("trace_id", id)
	}
	return e.WithContext(ctx)
}

func (l *Logger) Info(args ...interface{})                 { l.entry().Info(args...) }
func (l *Logger) Infof(format string, args ...interface{}) { l.entry().Infof(format, args...) }
func (l *Logger) Warn(args ...interface{})                 { l.entry().Warn(args...) }
func (l *Logger) Warnf(format string, args ...interface{}) { l.entry().Warnf(format, args...) }
func (l *Logger) Debug(args ...interface{})                { l.entry().Debug(args...) }
func (l *Logger) Debugf(format string, args ...interface{}) {
	l.entry().Debugf(format, args...)
}
func (l *Logger) Error(args ...interface{})                 { l.entry().Error(args...) }
func (l *Logger) Errorf(format string, args ...interface{}) { l.entry().Errorf(format, args...) }

// WithTraceID stores a trace id on the context.
func WithTraceID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, TraceIDKey, id)
}

// TraceID returns the trace id stored on the context.
func TraceID(ctx context.Context) string {
	if id, ok := ctx.Value(TraceIDKey).(string); ok {
		return id
	}
	return ""
}
