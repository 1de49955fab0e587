// This file is part of goborgmatic, a frontend to drive periodic borg backups.
// For further information, check https://github.com/marcopaganini/goborgmatic
//
// (C) 2015-2024 by Marco Paganini <paganini AT paganini DOT net>

// Package logging adds borgmatic style log levels on top of the plain
// verbose logger and carries the resulting object through a context.
package logging

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/marcopaganini/logger"
)

// Level is the minimum importance of messages that get printed.
type Level int

// Log levels. Warnings and answers share the default (zero) threshold.
const (
	Disabled Level = -2
	Error    Level = -1
	Warning  Level = 0
	Answer   Level = 0
	Info     Level = 1
	Debug    Level = 2
)

// String returns the level name, as used by log messages and borg flags.
func (l Level) String() string {
	switch {
	case l <= Disabled:
		return "DISABLED"
	case l == Error:
		return "ERROR"
	case l == Warning:
		return "WARNING"
	case l == Info:
		return "INFO"
	}
	return "DEBUG"
}

// Logger wraps a *logger.Logger and filters messages by Level.
type Logger struct {
	log    *logger.Logger
	level  Level
	prefix string
}

// Loggers stored in a context, by the plain logger the context carries.
var wrappers sync.Map

// New returns a Logger writing to stderr at the given level.
func New(level Level) *Logger {
	if level > Debug {
		level = Debug
	}
	l := logger.New("")
	if level > 0 {
		l.SetVerboseLevel(int(level))
	}
	return &Logger{log: l, level: level}
}

// SetOutput sends all messages to the list of writers.
func (l *Logger) SetOutput(outputs []io.Writer) {
	l.log.SetOutputs(outputs)
}

// Level returns the current log level.
func (l *Logger) Level() Level {
	return l.level
}

// WithPrefix returns a copy of the logger that prefixes every message with
// "prefix: ". Used to tag messages with the repository being processed.
func (l *Logger) WithPrefix(prefix string) *Logger {
	n := *l
	log := *l.log
	n.log = &log
	if prefix != "" {
		n.prefix = prefix + ": "
	}
	return &n
}

func (l *Logger) format(format string) string {
	format = l.prefix + format
	if !strings.HasSuffix(format, "\n") {
		format += "\n"
	}
	return format
}

// Errorf logs an error. Shown unless logging is disabled.
func (l *Logger) Errorf(format string, v ...interface{}) {
	if l.level >= Error {
		l.log.Printf(l.format(format), v...)
	}
}

// Warningf logs a warning at the default level.
func (l *Logger) Warningf(format string, v ...interface{}) {
	if l.level >= Warning {
		l.log.Printf(l.format("WARNING: "+format), v...)
	}
}

// Answerf logs output the user explicitly asked for (lists, info, stats).
func (l *Logger) Answerf(format string, v ...interface{}) {
	if l.level >= Answer {
		l.log.Printf(l.format(format), v...)
	}
}

// Infof logs at verbosity 1.
func (l *Logger) Infof(format string, v ...interface{}) {
	l.log.Verbosef(int(Info), l.format(format), v...)
}

// Debugf logs at verbosity 2.
func (l *Logger) Debugf(format string, v ...interface{}) {
	l.log.Verbosef(int(Debug), l.format(format), v...)
}

// Logf logs at an arbitrary level.
func (l *Logger) Logf(level Level, format string, v ...interface{}) {
	switch {
	case level <= Disabled:
		return
	case level == Error:
		l.Errorf(format, v...)
	case level == Warning:
		l.Answerf(format, v...)
	case level == Info:
		l.Infof(format, v...)
	default:
		l.Debugf(format, v...)
	}
}

// WithLogger returns a copy of ctx carrying the logger.
func WithLogger(ctx context.Context, l *Logger) context.Context {
	if l == nil {
		l = New(Disabled)
	}
	wrappers.Store(l.log, l)
	return logger.WithLogger(ctx, l.log)
}

// FromContext returns the logger stored in the context, or a logger that
// prints nothing if there is none. A plain logger stored by other code is
// used at the default level.
func FromContext(ctx context.Context) (ret *Logger) {
	// LoggerValue panics when the context holds no logger.
	defer func() {
		if recover() != nil {
			ret = New(Disabled)
		}
	}()
	log := logger.LoggerValue(ctx)
	if log == nil {
		return New(Disabled)
	}
	if l, ok := wrappers.Load(log); ok {
		return l.(*Logger)
	}
	return &Logger{log: log, level: Warning}
}

// ParseLevel converts a numeric verbosity (-2..2) into a Level.
func ParseLevel(verbosity int) (Level, error) {
	if verbosity < int(Disabled) || verbosity > int(Debug) {
		return Disabled, fmt.Errorf("invalid verbosity %d (must be between %d and %d)", verbosity, Disabled, Debug)
	}
	return Level(verbosity), nil
}
