// Package logging sets up the process-wide slog logger.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Config selects the log level, format and destination.
type Config struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	// File, when set, sends logs to a rotated file instead of stderr.
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
}

// DefaultConfig logs info and above as text to stderr.
func DefaultConfig() Config {
	return Config{
		Level:      "info",
		Format:     "text",
		MaxSizeMB:  50,
		MaxBackups: 3,
	}
}

// ParseLevel accepts slog level names and the numeric verbosity levels
// 1 (error) through 4 (debug).
func ParseLevel(s string) (slog.Level, error) {
	s = strings.TrimSpace(s)
	if n, err := strconv.Atoi(s); err == nil {
		switch n {
		case 1:
			return slog.LevelError, nil
		case 2:
			return slog.LevelWarn, nil
		case 3:
			return slog.LevelInfo, nil
		case 4:
			return slog.LevelDebug, nil
		}
		return 0, fmt.Errorf("invalid log level %d: want 1..4", n)
	}

	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return 0, fmt.Errorf("invalid log level %q: %w", s, err)
	}
	return level, nil
}

// Setup builds a logger from cfg. The returned LevelVar can be changed at
// runtime. The closer releases the log file and is never nil.
func Setup(cfg Config, stderr io.Writer) (*slog.Logger, *slog.LevelVar, io.Closer, error) {
	level, err := ParseLevel(cfg.Level)
	if err != nil {
		return nil, nil, nil, err
	}
	lv := new(slog.LevelVar)
	lv.Set(level)

	var (
		w      = stderr
		closer io.Closer = nopCloser{}
	)
	if w == nil {
		w = os.Stderr
	}
	if cfg.File != "" {
		lj := &lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
		}
		w, closer = lj, lj
	}

	opts := &slog.HandlerOptions{Level: lv}
	var h slog.Handler
	switch strings.ToLower(cfg.Format) {
	case "", "text":
		h = slog.NewTextHandler(w, opts)
	case "json":
		h = slog.NewJSONHandler(w, opts)
	default:
		_ = closer.Close()
		return nil, nil, nil, fmt.Errorf("invalid log format %q: want text or json", cfg.Format)
	}
	return slog.New(h), lv, closer, nil
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
