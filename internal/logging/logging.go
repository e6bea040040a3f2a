// Package logging builds the process logger: JSON lines on stdout, teed to a
// size-rotated file when one is configured.
package logging

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/natefinch/lumberjack.v2"
)

// FileConfig configures the optional rotated log file.
type FileConfig struct {
	Path       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
}

// ParseLevel maps debug|info|warn|error to a slog level, defaulting to info.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// New returns a JSON logger writing to stdout and, when fc.Path is set, to a
// lumberjack-rotated file. The returned closer flushes the file; it is a
// no-op without one.
func New(level string, fc FileConfig) (*slog.Logger, io.Closer, error) {
	return newLogger(os.Stdout, level, fc)
}

func newLogger(stdout io.Writer, level string, fc FileConfig) (*slog.Logger, io.Closer, error) {
	w := stdout
	var closer io.Closer = nopCloser{}
	if fc.Path != "" {
		if err := os.MkdirAll(filepath.Dir(fc.Path), 0o755); err != nil {
			return nil, nil, err
		}
		file := &lumberjack.Logger{
			Filename:   fc.Path,
			MaxSize:    fc.MaxSizeMB,
			MaxBackups: fc.MaxBackups,
			MaxAge:     fc.MaxAgeDays,
			Compress:   fc.Compress,
		}
		w = io.MultiWriter(stdout, file)
		closer = file
	}
	handler := slog.NewJSONHandler(w, &slog.HandlerOptions{Level: ParseLevel(level)})
	return slog.New(handler), closer, nil
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
