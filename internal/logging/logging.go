// Package logging builds the component loggers used across aptrack.
//
// Every component logs through a standard *log.Logger with a bracketed
// prefix such as "[sync] ". When a log file is configured, output goes
// through a size-rotated file instead of stderr.
package logging

import (
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Level is a log verbosity.
type Level int

const (
	LevelError Level = iota
	LevelInfo
	LevelDebug
)

func (l Level) String() string {
	switch l {
	case LevelError:
		return "error"
	case LevelDebug:
		return "debug"
	default:
		return "info"
	}
}

// ParseLevel parses "error", "info" or "debug". Empty means info.
func ParseLevel(s string) (Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "error":
		return LevelError, nil
	case "", "info":
		return LevelInfo, nil
	case "debug":
		return LevelDebug, nil
	default:
		return LevelInfo, fmt.Errorf("unknown level %q (want error, info or debug)", s)
	}
}

// Options configures New.
type Options struct {
	File       string    // rotated log file; empty logs to Stderr
	Level      Level
	Stderr     io.Writer // default os.Stderr
	MaxSizeMB  int       // default 10
	MaxBackups int       // default 3
	MaxAgeDays int       // default 28
}

// Factory hands out component loggers sharing one output.
type Factory struct {
	out    io.Writer
	closer io.Closer
	level  Level

	mu      sync.Mutex
	loggers map[string]*log.Logger
}

// New creates a factory. The caller must Close it to flush a log file.
func New(opts Options) (*Factory, error) {
	f := &Factory{level: opts.Level, loggers: make(map[string]*log.Logger)}

	if opts.File == "" {
		f.out = opts.Stderr
		if f.out == nil {
			f.out = os.Stderr
		}
		return f, nil
	}

	if err := os.MkdirAll(filepath.Dir(opts.File), 0o755); err != nil {
		return nil, fmt.Errorf("create log dir: %w", err)
	}
	rotator := &lumberjack.Logger{
		Filename:   opts.File,
		MaxSize:    orDefault(opts.MaxSizeMB, 10),
		MaxBackups: orDefault(opts.MaxBackups, 3),
		MaxAge:     orDefault(opts.MaxAgeDays, 28),
		Compress:   true,
	}
	f.out = rotator
	f.closer = rotator
	return f, nil
}

// Discard returns a factory that drops everything.
func Discard() *Factory {
	return &Factory{out: io.Discard, level: LevelError, loggers: make(map[string]*log.Logger)}
}

// Level returns the configured verbosity.
func (f *Factory) Level() Level {
	return f.level
}

// Logger returns the logger for component, e.g. "sync" logs as "[sync] ".
// It is silent at LevelError; use Errors for failures that must show.
func (f *Factory) Logger(component string) *log.Logger {
	f.mu.Lock()
	defer f.mu.Unlock()

	if l, ok := f.loggers[component]; ok {
		return l
	}
	out := f.out
	if f.level < LevelInfo {
		out = io.Discard
	}
	l := log.New(out, "["+component+"] ", log.LstdFlags)
	f.loggers[component] = l
	return l
}

// Errors returns a logger for component that is never silenced.
func (f *Factory) Errors(component string) *log.Logger {
	return log.New(f.out, "["+component+"] ", log.LstdFlags)
}

// Debug returns a logger for per-item traces of component. It discards
// output unless the level is LevelDebug.
func (f *Factory) Debug(component string) *log.Logger {
	if f.level < LevelDebug {
		return log.New(io.Discard, "", 0)
	}
	return log.New(f.out, "["+component+"] DEBUG ", log.LstdFlags|log.Lmicroseconds)
}

// Close flushes and closes the log file, if any.
func (f *Factory) Close() error {
	if f.closer == nil {
		return nil
	}
	return f.closer.Close()
}

func orDefault(v, def int) int {
	if v > 0 {
		return v
	}
	return def
}
