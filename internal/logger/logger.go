package logger

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	lj "gopkg.in/natefinch/lumberjack.v2"
)

// Default logging configuration constants
const (
	DefaultMaxSizeMB  = 10 // MB
	DefaultMaxBackups = 3  // number of backup files
	DefaultMaxAgeDays = 7  // days
)

// Config describes where the host and its scripts write logs.
// Rotation parameters follow lumberjack semantics.
type Config struct {
	Dir        string // base directory for kit.log and per-script logs
	Level      string // debug, info, warn, error
	Format     string // text (default) or json
	MaxSizeMB  int    // megabytes before rotation (default 10)
	MaxBackups int    // number of backups to keep (default 3)
	MaxAgeDays int    // days to keep (default 7)
	Compress   bool   // Gzip rotated files
}

// Writer returns a rotating writer for Dir/<name>.log, or nil when Dir is empty.
func (c Config) Writer(name string) io.WriteCloser {
	if c.Dir == "" {
		return nil
	}
	return &lj.Logger{
		Filename:   filepath.Join(c.Dir, name+".log"),
		MaxSize:    valOr(c.MaxSizeMB, DefaultMaxSizeMB),
		MaxBackups: valOr(c.MaxBackups, DefaultMaxBackups),
		MaxAge:     valOr(c.MaxAgeDays, DefaultMaxAgeDays),
		Compress:   c.Compress,
	}
}

// Setup installs the default slog logger. Records go to console (colored text)
// and, when Dir is set, as JSON to the rotating kit.log. The returned closer
// releases the file writer.
func Setup(c Config, console io.Writer) io.Closer {
	opts := &slog.HandlerOptions{Level: ParseLevel(c.Level)}
	var handlers []slog.Handler
	if console != nil {
		if strings.EqualFold(c.Format, "json") {
			handlers = append(handlers, slog.NewJSONHandler(console, opts))
		} else {
			handlers = append(handlers, NewColorTextHandler(console, opts, true))
		}
	}
	var closer io.Closer = nopCloser{}
	if w := c.Writer("kit"); w != nil {
		handlers = append(handlers, slog.NewJSONHandler(w, opts))
		closer = w
	}
	switch len(handlers) {
	case 0:
		slog.SetDefault(slog.New(slog.NewTextHandler(io.Discard, opts)))
	case 1:
		slog.SetDefault(slog.New(handlers[0]))
	default:
		slog.SetDefault(slog.New(fanout(handlers)))
	}
	return closer
}

// ParseLevel maps a config string onto a slog level, defaulting to info.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
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

// Scripts hands out one logger per script, writing to Dir/<script>.log.
// Loggers are keyed by the script's base name without extension, so
// /kenv/scripts/a.js and a.js share a file.
type Scripts struct {
	cfg Config

	mu      sync.Mutex
	writers map[string]io.WriteCloser
	loggers map[string]*slog.Logger
}

// NewScripts returns a per-script logger cache.
func NewScripts(c Config) *Scripts {
	return &Scripts{
		cfg:     c,
		writers: make(map[string]io.WriteCloser),
		loggers: make(map[string]*slog.Logger),
	}
}

// Name normalises a script path to its log name.
func Name(script string) string {
	base := filepath.Base(script)
	if base == "." || base == string(filepath.Separator) || base == "" {
		return "unknown"
	}
	return strings.TrimSuffix(base, filepath.Ext(base))
}

// Get returns the logger for script, creating it on first use.
// With no Dir configured it falls back to slog.Default.
func (s *Scripts) Get(script string) *slog.Logger {
	name := Name(script)
	s.mu.Lock()
	defer s.mu.Unlock()
	if l, ok := s.loggers[name]; ok {
		return l
	}
	w := s.writer(name)
	var l *slog.Logger
	if w == nil {
		l = slog.Default().With("script", name)
	} else {
		l = slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: slog.LevelDebug}))
	}
	s.loggers[name] = l
	return l
}

// Writer returns the shared rotating writer for script, used to capture a
// background child's stdout/stderr. Nil when no Dir is configured.
func (s *Scripts) Writer(script string) io.Writer {
	s.mu.Lock()
	defer s.mu.Unlock()
	w := s.writer(Name(script))
	if w == nil {
		return nil
	}
	return w
}

// Path is the file a script's log lands in.
func (s *Scripts) Path(script string) string {
	if s.cfg.Dir == "" {
		return ""
	}
	return filepath.Join(s.cfg.Dir, Name(script)+".log")
}

func (s *Scripts) writer(name string) io.WriteCloser {
	if w, ok := s.writers[name]; ok {
		return w
	}
	if s.cfg.Dir != "" {
		if err := os.MkdirAll(s.cfg.Dir, 0o750); err != nil {
			slog.Warn("log dir unavailable", "dir", s.cfg.Dir, "error", err)
			return nil
		}
	}
	w := s.cfg.Writer(name)
	if w != nil {
		s.writers[name] = w
	}
	return w
}

// Close releases every open log file.
func (s *Scripts) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var first error
	for name, w := range s.writers {
		if err := w.Close(); err != nil && first == nil {
			first = err
		}
		delete(s.writers, name)
	}
	clear(s.loggers)
	return first
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

func valOr(v int, def int) int {
	if v <= 0 {
		return def
	}
	return v
}
