// Package logging configures the process-wide slog loggers. Components obtain
// a child logger through ForService.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Config selects the log level, format and optional rotating file output.
type Config struct {
	Level      string
	Format     string // json or text
	File       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
}

var (
	mu      sync.RWMutex
	current = slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	closer  io.Closer
)

// ParseLevel maps a level name to a slog level. Unknown names map to info.
func ParseLevel(name string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Init installs the process logger described by cfg and makes it the slog
// default. Output goes to stderr, or to a lumberjack-rotated file when
// cfg.File is set.
func Init(cfg Config) error {
	var out io.Writer = os.Stderr
	var fileWriter *lumberjack.Logger
	if cfg.File != "" {
		if dir := filepath.Dir(cfg.File); dir != "." {
			if err := os.MkdirAll(dir, 0o750); err != nil {
				return fmt.Errorf("create log directory %s: %w", dir, err)
			}
		}
		fileWriter = &lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    orDefault(cfg.MaxSizeMB, 100),
			MaxBackups: orDefault(cfg.MaxBackups, 3),
			MaxAge:     orDefault(cfg.MaxAgeDays, 28),
		}
		out = fileWriter
	}
	logger := New(out, cfg)

	mu.Lock()
	prev := closer
	current = logger
	closer = nil
	if fileWriter != nil {
		closer = fileWriter
	}
	mu.Unlock()
	if prev != nil {
		_ = prev.Close()
	}
	slog.SetDefault(logger)
	return nil
}

// New builds a logger writing to w using cfg's level and format.
func New(w io.Writer, cfg Config) *slog.Logger {
	opts := &slog.HandlerOptions{Level: ParseLevel(cfg.Level)}
	if strings.EqualFold(cfg.Format, "text") {
		return slog.New(slog.NewTextHandler(w, opts))
	}
	return slog.New(slog.NewJSONHandler(w, opts))
}

// ForService returns the process logger tagged with the service attribute.
func ForService(name string) *slog.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return current.With("service", name)
}

// Discard returns a logger that drops everything, for tests and tools.
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// Close flushes and releases the rotating file, if any.
func Close() error {
	mu.Lock()
	defer mu.Unlock()
	if closer == nil {
		return nil
	}
	err := closer.Close()
	closer = nil
	return err
}

func orDefault(v, def int) int {
	if v > 0 {
		return v
	}
	return def
}
