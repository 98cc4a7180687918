// Package util provides low-level helpers shared by all other packages.
package util

import (
	"fmt"
	"io"
	"log"
	"os"
	"strings"
	"sync"
	"time"
)

// LogLevel controls output verbosity.
type LogLevel int

const (
	LogQuiet   LogLevel = 0
	LogNormal  LogLevel = 1
	LogVerbose LogLevel = 2
	LogDebug   LogLevel = 3
)

// Logger writes levelled messages to stderr with optional timestamps
// and level prefixes.  Loggers derived with [Logger.Named] share the
// parent's output and lock, so lines from concurrent connections never
// interleave.
type Logger struct {
	level      LogLevel
	sink       *sink
	name       string
	timestamps bool // if true, prepend wall-clock timestamps
}

type sink struct {
	mu  sync.Mutex
	out io.Writer
}

// NewLogger returns a Logger that prints messages at or below the given
// verbosity (0 = quiet, 1 = normal, 2 = verbose, 3 = debug).
func NewLogger(verbosity int) *Logger {
	return &Logger{
		level:      LogLevel(verbosity),
		sink:       &sink{out: os.Stderr},
		timestamps: verbosity >= 3, // auto-enable timestamps in debug mode
	}
}

// Discard returns a Logger that only swallows output.  Useful in tests
// and as a default for optional logger fields.
func Discard() *Logger {
	l := NewLogger(int(LogQuiet))
	l.SetOutput(io.Discard)
	return l
}

// Named returns a child logger whose lines carry name after the level
// prefix.  Names nest with a dot: "conn.7".
func (l *Logger) Named(name string) *Logger {
	child := *l
	if l.name != "" {
		child.name = l.name + "." + name
	} else {
		child.name = name
	}
	return &child
}

// Name returns the logger's name ("" for the root logger).
func (l *Logger) Name() string { return l.name }

// SetTimestamps enables or disables timestamp prefixes.
func (l *Logger) SetTimestamps(on bool) { l.timestamps = on }

// SetOutput overrides the output writer (default: os.Stderr).  The
// change is visible to every logger derived from the same root.
func (l *Logger) SetOutput(w io.Writer) {
	l.sink.mu.Lock()
	l.sink.out = w
	l.sink.mu.Unlock()
}

// Level returns the current log level.
func (l *Logger) Level() LogLevel { return l.level }

// Enabled reports whether messages at lvl would be printed.
func (l *Logger) Enabled(lvl LogLevel) bool { return l.level >= lvl }

// Info prints when verbosity ≥ 1.  Prefixed with [INF].
func (l *Logger) Info(format string, args ...interface{}) {
	if l.level >= LogNormal {
		l.write("INF", format, args...)
	}
}

// Warn prints when verbosity ≥ 1.  Prefixed with [WRN].
func (l *Logger) Warn(format string, args ...interface{}) {
	if l.level >= LogNormal {
		l.write("WRN", format, args...)
	}
}

// Verbose prints when verbosity ≥ 2.  Prefixed with [VRB].
func (l *Logger) Verbose(format string, args ...interface{}) {
	if l.level >= LogVerbose {
		l.write("VRB", format, args...)
	}
}

// Debug prints when verbosity ≥ 3.  Prefixed with [DBG].
func (l *Logger) Debug(format string, args ...interface{}) {
	if l.level >= LogDebug {
		l.write("DBG", format, args...)
	}
}

// Error always prints regardless of verbosity.  Prefixed with [ERR].
func (l *Logger) Error(format string, args ...interface{}) {
	l.write("ERR", format, args...)
}

func (l *Logger) write(level, format string, args ...interface{}) {
	msg := fmt.Sprintf(format, args...)
	if l.name != "" {
		msg = l.name + ": " + msg
	}

	l.sink.mu.Lock()
	defer l.sink.mu.Unlock()

	if l.timestamps {
		ts := time.Now().Format("15:04:05.000")
		fmt.Fprintf(l.sink.out, "%s [%s] %s\n", ts, level, msg)
	} else {
		fmt.Fprintf(l.sink.out, "[%s] %s\n", level, msg)
	}
}

// StdLogger returns a standard library logger whose lines are written
// as [ERR] messages through l, for APIs that take a *log.Logger.
func (l *Logger) StdLogger() *log.Logger {
	return log.New(errorWriter{l}, "", 0)
}

type errorWriter struct{ l *Logger }

func (w errorWriter) Write(p []byte) (int, error) {
	w.l.Error("%s", strings.TrimRight(string(p), "\n"))
	return len(p), nil
}
