package logging

import (
	"io"
	"log"
	"log/slog"
	"os"
	"strings"

	"gopkg.in/natefinch/lumberjack.v2"
)

// RedactedValue replaces secrets in log output.
const RedactedValue = "[REDACTED]"

type settings struct {
	out   io.Writer
	file  *lumberjack.Logger
	level slog.Level
}

// Option customises Setup.
type Option func(*settings)

// WithFile additionally writes every line to a size-rotated file.
func WithFile(path string, maxSizeMB, maxBackups int) Option {
	return func(s *settings) {
		path = strings.TrimSpace(path)
		if path == "" {
			return
		}
		s.file = &lumberjack.Logger{
			Filename:   path,
			MaxSize:    maxSizeMB,
			MaxBackups: maxBackups,
			Compress:   true,
		}
	}
}

// WithWriter replaces stdout as the primary sink.
func WithWriter(w io.Writer) Option {
	return func(s *settings) {
		if w != nil {
			s.out = w
		}
	}
}

// WithLevel sets the minimum level. Unknown names keep INFO.
func WithLevel(name string) Option {
	return func(s *settings) {
		var level slog.Level
		if err := level.UnmarshalText([]byte(strings.TrimSpace(name))); err == nil {
			s.level = level
		}
	}
}

// Setup configures the standard library logger to emit structured JSON and returns
// the underlying slog.Logger. All log lines include the service name and
// environment when provided. The returned closer flushes the rotating file, if
// any, and is never nil.
func Setup(service, env string, opts ...Option) (*slog.Logger, io.Closer) {
	cfg := settings{out: os.Stdout, level: slog.LevelInfo}
	for _, opt := range opts {
		opt(&cfg)
	}
	out := cfg.out
	var closer io.Closer = nopCloser{}
	if cfg.file != nil {
		out = io.MultiWriter(cfg.out, cfg.file)
		closer = cfg.file
	}

	handler := slog.NewJSONHandler(out, &slog.HandlerOptions{
		Level: cfg.level,
		ReplaceAttr: func(groups []string, attr slog.Attr) slog.Attr {
			switch attr.Key {
			case slog.TimeKey:
				return slog.Attr{Key: "timestamp", Value: attr.Value}
			case slog.LevelKey:
				return slog.String("severity", strings.ToUpper(attr.Value.String()))
			case slog.MessageKey:
				return slog.Attr{Key: "message", Value: attr.Value}
			}
			return attr
		},
	})

	attrs := []slog.Attr{slog.String("service", strings.TrimSpace(service))}
	if env = strings.TrimSpace(env); env != "" {
		attrs = append(attrs, slog.String("env", env))
	}
	base := slog.New(handler.WithAttrs(attrs))
	slog.SetDefault(base)

	// Bridge the standard library logger so go-ethereum and net/http output
	// lands in the same stream.
	bridge := slog.NewLogLogger(handler.WithAttrs(attrs), slog.LevelInfo)
	bridge.SetFlags(0)
	log.SetOutput(bridge.Writer())
	log.SetFlags(0)
	log.SetPrefix("")

	return base, closer
}

// MaskField returns an attribute whose non-empty value is redacted.
func MaskField(key, value string) slog.Attr {
	if strings.TrimSpace(value) == "" {
		return slog.String(key, value)
	}
	return slog.String(key, RedactedValue)
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
