// Package logging builds the slog loggers used across forensicseal.
//
// Loggers are component-scoped and never carry key material or evidence
// content: attributes whose key names a secret are replaced with
// "[REDACTED]", and excerpt attributes are reduced to their length.
// Logs may be written to a size-rotated file with gzip backups.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
)

// Level represents a logging level.
type Level = slog.Level

const (
	LevelDebug = slog.LevelDebug
	LevelInfo  = slog.LevelInfo
	LevelWarn  = slog.LevelWarn
	LevelError = slog.LevelError
)

// Format selects the handler.
type Format int

const (
	FormatText Format = iota
	FormatJSON
)

// Output targets.
const (
	OutputStderr = "stderr"
	OutputStdout = "stdout"
	OutputFile   = "file"
	OutputBoth   = "both" // stderr and file
)

// Config holds the logging configuration.
type Config struct {
	Level  Level
	Format Format

	// Output is one of the Output* targets. Writer, when set, wins.
	Output string
	Writer io.Writer

	// Rotation settings for file output. MaxSize is in megabytes.
	FilePath   string
	MaxSize    int64
	MaxBackups int
	Compress   bool

	AddSource bool
	Component string
}

// DefaultConfig logs info and above as text to stderr.
func DefaultConfig() *Config {
	return &Config{
		Level:      LevelInfo,
		Format:     FormatText,
		Output:     OutputStderr,
		MaxSize:    50,
		MaxBackups: 5,
		Compress:   true,
		Component:  "forensicseal",
	}
}

// Logger is a slog.Logger that owns its log file, if any.
type Logger struct {
	*slog.Logger
	mu      sync.Mutex
	rotator *FileRotator
}

// New creates a Logger. A nil cfg means DefaultConfig.
func New(cfg *Config) (*Logger, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}

	l := &Logger{}
	w, err := l.openWriter(cfg)
	if err != nil {
		return nil, fmt.Errorf("logging: %w", err)
	}

	opts := &slog.HandlerOptions{
		Level:       cfg.Level,
		AddSource:   cfg.AddSource,
		ReplaceAttr: scrubAttr,
	}
	var h slog.Handler
	if cfg.Format == FormatJSON {
		h = slog.NewJSONHandler(w, opts)
	} else {
		h = slog.NewTextHandler(w, opts)
	}
	if cfg.Component != "" {
		h = h.WithAttrs([]slog.Attr{slog.String("component", cfg.Component)})
	}

	l.Logger = slog.New(h)
	return l, nil
}

func (l *Logger) openWriter(cfg *Config) (io.Writer, error) {
	if cfg.Writer != nil {
		return cfg.Writer, nil
	}

	output := strings.ToLower(cfg.Output)
	switch output {
	case "", OutputStderr:
		return os.Stderr, nil
	case OutputStdout:
		return os.Stdout, nil
	case OutputFile, OutputBoth:
		if cfg.FilePath == "" {
			return nil, fmt.Errorf("output %q needs a file path", cfg.Output)
		}
		r, err := NewFileRotator(cfg)
		if err != nil {
			return nil, err
		}
		l.rotator = r
		if output == OutputBoth {
			return io.MultiWriter(os.Stderr, r), nil
		}
		return r, nil
	default:
		return nil, fmt.Errorf("unknown output %q", cfg.Output)
	}
}

// Close closes the log file, if any.
func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.rotator == nil {
		return nil
	}
	err := l.rotator.Close()
	l.rotator = nil
	return err
}

var secretKeys = []string{
	"password", "passphrase", "secret", "token", "credential",
	"private", "api_key", "apikey", "hmac", "seed", "identity",
}

// shouldRedact reports whether a key names key material.
func shouldRedact(key string) bool {
	k := strings.ToLower(key)
	for _, s := range secretKeys {
		if strings.Contains(k, s) {
			return true
		}
	}
	return false
}

// isContent reports whether a key carries evidence text.
func isContent(key string) bool {
	k := strings.ToLower(key)
	return k == "excerpt" || k == "text" || strings.HasSuffix(k, "_excerpt")
}

func scrubAttr(_ []string, a slog.Attr) slog.Attr {
	switch {
	case shouldRedact(a.Key):
		a.Value = slog.StringValue("[REDACTED]")
	case isContent(a.Key):
		a.Value = slog.StringValue(fmt.Sprintf("[%d bytes]", len(a.Value.String())))
	}
	return a
}

// WithComponent tags logger with a component name. A nil logger discards.
func WithComponent(logger *slog.Logger, name string) *slog.Logger {
	if logger == nil {
		logger = Discard()
	}
	return logger.With(slog.String("component", name))
}

// Discard returns a logger that drops everything.
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: LevelError + 1}))
}

// ParseLevel parses debug, info, warn/warning or error.
func ParseLevel(s string) (Level, error) {
	switch strings.ToLower(s) {
	case "debug":
		return LevelDebug, nil
	case "info":
		return LevelInfo, nil
	case "warn", "warning":
		return LevelWarn, nil
	case "error":
		return LevelError, nil
	}
	return LevelInfo, fmt.Errorf("unknown log level: %s", s)
}

// ParseFormat parses "text" or "json".
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(s) {
	case "", "text":
		return FormatText, nil
	case "json":
		return FormatJSON, nil
	}
	return FormatText, fmt.Errorf("unknown log format: %s", s)
}
