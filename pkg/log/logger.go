package log

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Category selects one of the log streams.
type Category int

const (
	Application Category = iota
	DiscordEvents
	Database
	Errors
)

func (c Category) fileName() string {
	switch c {
	case DiscordEvents:
		return "discord_events.log"
	case Database:
		return "database.log"
	case Errors:
		return "error.log"
	default:
		return "application.log"
	}
}

// Options configures SetupLogger. Zero values fall back to DefaultOptions.
type Options struct {
	// Dir receives one rotating file per category. Empty disables file output.
	Dir        string
	Level      slog.Level
	JSON       bool
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	// Console mirrors every stream to stdout (stderr for errors).
	Console bool
}

// DefaultOptions returns the rotation policy used when Options fields are zero.
func DefaultOptions() Options {
	return Options{
		Level:      slog.LevelInfo,
		MaxSizeMB:  20,
		MaxBackups: 5,
		MaxAgeDays: 28,
		Console:    true,
	}
}

// Logger holds one slog.Logger per category plus the rotating files behind them.
type Logger struct {
	streams map[Category]*slog.Logger
	files   []*lumberjack.Logger
}

var (
	mu           sync.RWMutex
	globalLogger = newStderrLogger()
)

func newStderrLogger() *Logger {
	base := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	return &Logger{streams: map[Category]*slog.Logger{
		Application:   base.With("category", "application"),
		DiscordEvents: base.With("category", "discord"),
		Database:      base.With("category", "database"),
		Errors:        base.With("category", "error"),
	}}
}

// SetupLogger replaces the global logger. Any previous rotating files are
// closed. Until SetupLogger is called every stream writes text to stderr.
func SetupLogger(opts Options) error {
	def := DefaultOptions()
	if opts.MaxSizeMB <= 0 {
		opts.MaxSizeMB = def.MaxSizeMB
	}
	if opts.MaxBackups <= 0 {
		opts.MaxBackups = def.MaxBackups
	}
	if opts.MaxAgeDays <= 0 {
		opts.MaxAgeDays = def.MaxAgeDays
	}

	if dir := strings.TrimSpace(opts.Dir); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create log dir: %w", err)
		}
	}

	l := &Logger{streams: make(map[Category]*slog.Logger, 4)}
	for _, category := range []Category{Application, DiscordEvents, Database, Errors} {
		var writers []io.Writer
		if opts.Console {
			if category == Errors {
				writers = append(writers, os.Stderr)
			} else {
				writers = append(writers, os.Stdout)
			}
		}
		if opts.Dir != "" {
			file := &lumberjack.Logger{
				Filename:   filepath.Join(opts.Dir, category.fileName()),
				MaxSize:    opts.MaxSizeMB,
				MaxBackups: opts.MaxBackups,
				MaxAge:     opts.MaxAgeDays,
				Compress:   true,
			}
			l.files = append(l.files, file)
			writers = append(writers, file)
		}
		if len(writers) == 0 {
			writers = append(writers, io.Discard)
		}
		l.streams[category] = slog.New(newHandler(io.MultiWriter(writers...), opts))
	}

	mu.Lock()
	previous := globalLogger
	globalLogger = l
	mu.Unlock()
	return previous.Sync()
}

func newHandler(w io.Writer, opts Options) slog.Handler {
	handlerOpts := &slog.HandlerOptions{Level: opts.Level}
	if opts.JSON {
		return slog.NewJSONHandler(w, handlerOpts)
	}
	return slog.NewTextHandler(w, handlerOpts)
}

// Sync closes the rotating files of l.
func (l *Logger) Sync() error {
	if l == nil {
		return nil
	}
	var errs []error
	for _, f := range l.files {
		if err := f.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Sync closes the rotating files of the global logger.
func Sync() error {
	mu.RLock()
	l := globalLogger
	mu.RUnlock()
	return l.Sync()
}

func stream(category Category) *slog.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return globalLogger.streams[category]
}

// ApplicationLogger returns the logger for general library and app events.
func ApplicationLogger() *slog.Logger { return stream(Application) }

// DiscordLogger returns the logger for gateway and REST traffic.
func DiscordLogger() *slog.Logger { return stream(DiscordEvents) }

// DatabaseLogger returns the logger for the SQLite store.
func DatabaseLogger() *slog.Logger { return stream(Database) }

// ErrorLoggerRaw returns the logger for failures that need attention.
func ErrorLoggerRaw() *slog.Logger { return stream(Errors) }
