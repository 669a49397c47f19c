// Package logging wraps log/slog for the scanfleet controller, dispatcher and
// workers. Loggers write text or JSON to stdout, stderr or a file and carry
// the component, tool and job fields the services attach.
package logging

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
)

const (
	logDirPerm  = 0750
	logFilePerm = 0600
)

// LogLevel names a minimum severity.
type LogLevel string

const (
	LevelDebug LogLevel = "debug"
	LevelInfo  LogLevel = "info"
	LevelWarn  LogLevel = "warn"
	LevelError LogLevel = "error"
)

// LogFormat selects the slog handler.
type LogFormat string

const (
	FormatText LogFormat = "text"
	FormatJSON LogFormat = "json"
)

// Config holds logging configuration. Output is "stdout", "stderr" or a
// file path.
type Config struct {
	Level     LogLevel  `yaml:"level" json:"level"`
	Format    LogFormat `yaml:"format" json:"format"`
	Output    string    `yaml:"output" json:"output"`
	AddSource bool      `yaml:"add_source" json:"add_source"`
}

// DefaultConfig returns info-level text logging on stdout.
func DefaultConfig() Config {
	return Config{
		Level:  LevelInfo,
		Format: FormatText,
		Output: "stdout",
	}
}

// Logger is a slog.Logger that remembers its configuration and owns its
// output when that output is a file.
type Logger struct {
	*slog.Logger
	config Config
	closer io.Closer
}

var levels = map[string]slog.Level{
	"debug":   slog.LevelDebug,
	"info":    slog.LevelInfo,
	"warn":    slog.LevelWarn,
	"warning": slog.LevelWarn,
	"error":   slog.LevelError,
}

// ParseLevel maps a level name to a slog level. Unknown names mean info.
func ParseLevel(level LogLevel) slog.Level {
	if l, ok := levels[strings.ToLower(string(level))]; ok {
		return l
	}
	return slog.LevelInfo
}

// New builds a logger from cfg, creating the log file and its directory when
// Output is a path.
func New(cfg Config) (*Logger, error) {
	switch cfg.Output {
	case "", "stdout":
		return NewWithWriter(cfg, os.Stdout), nil
	case "stderr":
		return NewWithWriter(cfg, os.Stderr), nil
	}

	if err := os.MkdirAll(filepath.Dir(cfg.Output), logDirPerm); err != nil {
		return nil, err
	}
	file, err := os.OpenFile(cfg.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, logFilePerm)
	if err != nil {
		return nil, err
	}
	logger := NewWithWriter(cfg, file)
	logger.closer = file
	return logger, nil
}

// NewWithWriter builds a logger that writes to w. cfg.Output is ignored.
func NewWithWriter(cfg Config, w io.Writer) *Logger {
	opts := &slog.HandlerOptions{
		Level:     ParseLevel(cfg.Level),
		AddSource: cfg.AddSource,
	}

	var handler slog.Handler = slog.NewTextHandler(w, opts)
	if cfg.Format == FormatJSON {
		handler = slog.NewJSONHandler(w, opts)
	}
	return &Logger{Logger: slog.New(handler), config: cfg}
}

// NewDefault builds a logger from DefaultConfig.
func NewDefault() *Logger {
	return NewWithWriter(DefaultConfig(), os.Stdout)
}

// Close releases the log file, if the logger opened one. Derived loggers
// share the file, so only the root logger should be closed.
func (l *Logger) Close() error {
	if l.closer == nil {
		return nil
	}
	return l.closer.Close()
}

// WithFields returns a logger that adds fields to every record.
func (l *Logger) WithFields(fields ...any) *Logger {
	return &Logger{Logger: l.With(fields...), config: l.config}
}

// WithComponent tags records with the emitting role.
func (l *Logger) WithComponent(component string) *Logger {
	return l.WithFields("component", component)
}

// WithJobID tags records with a scan job id.
func (l *Logger) WithJobID(jobID string) *Logger {
	return l.WithFields("job_id", jobID)
}

// WithTool tags records with a catalog tool name.
func (l *Logger) WithTool(tool string) *Logger {
	return l.WithFields("tool", tool)
}

// InfoDatabase logs a database event.
func (l *Logger) InfoDatabase(msg string, fields ...any) {
	l.Info(msg, append([]any{"component", "database"}, fields...)...)
}

// ErrorDatabase logs a database failure.
func (l *Logger) ErrorDatabase(msg string, err error, fields ...any) {
	l.Error(msg, append([]any{"component", "database", "error", err}, fields...)...)
}

var defaultLogger = NewDefault()

// SetDefault replaces the process-wide logger, including slog's default.
func SetDefault(logger *Logger) {
	defaultLogger = logger
	slog.SetDefault(logger.Logger)
}

// Default returns the process-wide logger.
func Default() *Logger {
	return defaultLogger
}

// Info logs at info level using the default logger.
func Info(msg string, fields ...any) {
	defaultLogger.Info(msg, fields...)
}
