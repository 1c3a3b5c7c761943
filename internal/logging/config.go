package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/sheetpub/sheetpub/internal/config"
)

// NewFromConfig builds the process logger from the logging section. An
// unknown or empty level falls back to info. File output is appended to and
// released by Close.
func NewFromConfig(cfg config.LoggingConfig) (*Logger, error) {
	level, err := zerolog.ParseLevel(strings.ToLower(cfg.Level))
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}

	out, closer, err := openOutput(cfg.OutputPath)
	if err != nil {
		return nil, err
	}

	var w io.Writer = out
	if cfg.Format == "console" || cfg.Format == "pretty" {
		w = zerolog.ConsoleWriter{
			Out:        out,
			TimeFormat: timeLayout(cfg.TimeFormat),
			NoColor:    closer != nil,
		}
	}

	logger := NewWithWriter(w, level)
	logger.closer = closer
	return logger, nil
}

// openOutput resolves stdout, stderr or a log file. The closer is nil for the
// standard streams.
func openOutput(path string) (io.Writer, io.Closer, error) {
	switch path {
	case "", "stdout":
		return os.Stdout, nil, nil
	case "stderr":
		return os.Stderr, nil, nil
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, nil, fmt.Errorf("failed to create log directory %s: %w", dir, err)
	}
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open log file %s: %w", path, err)
	}
	return file, file, nil
}

// timeLayout maps the configured name to a console timestamp layout
func timeLayout(name string) string {
	switch name {
	case "RFC3339Nano":
		return time.RFC3339Nano
	case "UnixMs", "StampMilli":
		return time.StampMilli
	case "Unix":
		return time.UnixDate
	case "Kitchen":
		return time.Kitchen
	case "DateTime":
		return time.DateTime
	default:
		return time.RFC3339
	}
}
