package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/l0p7/cdsgate/internal/config"
)

const redacted = "[redacted]"

// sensitiveKeys never reach the log output with their values.
var sensitiveKeys = map[string]struct{}{
	"secret":        {},
	"password":      {},
	"authorization": {},
	"token":         {},
	"request":       {},
}

// New builds the process logger from server.logging, writing to stdout.
func New(cfg config.LoggingConfig) (*slog.Logger, error) {
	return NewWithWriter(cfg, os.Stdout)
}

// NewWithWriter is New with an explicit destination.
func NewWithWriter(cfg config.LoggingConfig, w io.Writer) (*slog.Logger, error) {
	var level slog.Level
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "info", "":
		level = slog.LevelInfo
	case "warn", "warning":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		return nil, fmt.Errorf("logging: unsupported level %q", cfg.Level)
	}

	opts := &slog.HandlerOptions{Level: level, ReplaceAttr: redact}
	var handler slog.Handler
	switch strings.ToLower(cfg.Format) {
	case "json", "":
		handler = slog.NewJSONHandler(w, opts)
	case "text":
		handler = slog.NewTextHandler(w, opts)
	default:
		return nil, fmt.Errorf("logging: unsupported format %q", cfg.Format)
	}

	logger := slog.New(handler).With(slog.String("component", "cdsgate"))
	if cfg.CorrelationHeader != "" {
		logger = logger.With(slog.String("correlation_header", cfg.CorrelationHeader))
	}
	return logger, nil
}

func redact(_ []string, a slog.Attr) slog.Attr {
	if _, ok := sensitiveKeys[strings.ToLower(a.Key)]; ok && a.Value.Kind() == slog.KindString {
		return slog.String(a.Key, redacted)
	}
	return a
}
