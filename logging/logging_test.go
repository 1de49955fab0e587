// This file is part of goborgmatic, a frontend to drive periodic borg backups.
// For further information, check https://github.com/marcopaganini/goborgmatic
//
// (C) 2015-2024 by Marco Paganini <paganini AT paganini DOT net>

package logging

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/marcopaganini/logger"
)

// logTo creates a logger at the given level writing to a temporary file and
// returns it with the file name.
func logTo(t *testing.T, level Level) (*Logger, string) {
	fname := filepath.Join(t.TempDir(), "log")
	w, err := os.Create(fname)
	if err != nil {
		t.Fatalf("unable to create log file: %v", err)
	}
	t.Cleanup(func() { w.Close() })

	log := New(level)
	log.SetOutput([]io.Writer{w})
	return log, fname
}

func TestLevels(t *testing.T) {
	casetests := []struct {
		level   Level
		want    []string
		notWant []string
	}{
		{Disabled, nil, []string{"error-msg", "warning-msg", "info-msg", "debug-msg"}},
		{Error, []string{"error-msg"}, []string{"warning-msg", "info-msg", "debug-msg"}},
		{Warning, []string{"error-msg", "warning-msg", "answer-msg"}, []string{"info-msg", "debug-msg"}},
		{Info, []string{"error-msg", "warning-msg", "info-msg"}, []string{"debug-msg"}},
		{Debug, []string{"error-msg", "warning-msg", "info-msg", "debug-msg"}, nil},
	}

	for _, tt := range casetests {
		log, fname := logTo(t, tt.level)
		log.Errorf("error-msg")
		log.Warningf("warning-msg")
		log.Answerf("answer-msg")
		log.Infof("info-msg")
		log.Debugf("debug-msg")

		data, err := os.ReadFile(fname)
		if err != nil {
			t.Fatalf("unable to read log: %v", err)
		}
		for _, w := range tt.want {
			if !strings.Contains(string(data), w) {
				t.Errorf("level %s: log should contain %q; got %q", tt.level, w, string(data))
			}
		}
		for _, w := range tt.notWant {
			if strings.Contains(string(data), w) {
				t.Errorf("level %s: log should not contain %q; got %q", tt.level, w, string(data))
			}
		}
	}
}

func TestPrefix(t *testing.T) {
	log, fname := logTo(t, Info)
	log.WithPrefix("repo1").Infof("hello")
	data, err := os.ReadFile(fname)
	if err != nil {
		t.Fatalf("unable to read log: %v", err)
	}
	if !strings.Contains(string(data), "repo1: hello") {
		t.Errorf("log should contain prefixed message; got %q", string(data))
	}
}

func TestSetOutputMultiple(t *testing.T) {
	var a, b bytes.Buffer
	log := New(Info)
	log.SetOutput([]io.Writer{&a, &b})
	log.Infof("hello")
	if a.String() != "hello\n" || b.String() != "hello\n" {
		t.Errorf("both outputs should get the message; got %q and %q", a.String(), b.String())
	}
}

func TestContext(t *testing.T) {
	if FromContext(context.Background()).Level() != Disabled {
		t.Errorf("empty context should yield a disabled logger")
	}
	log := New(Debug)
	ctx := WithLogger(context.Background(), log)
	if FromContext(ctx) != log {
		t.Errorf("FromContext should return the stored logger")
	}

	// The context carries the plain logger underneath.
	if logger.LoggerValue(ctx) == nil {
		t.Errorf("context should hold a plain logger")
	}

	// Prefixes survive a trip through the context.
	var buf bytes.Buffer
	log = New(Info)
	log.SetOutput([]io.Writer{&buf})
	ctx = WithLogger(context.Background(), log.WithPrefix("repo1"))
	FromContext(ctx).Infof("hello")
	if buf.String() != "repo1: hello\n" {
		t.Errorf("log should contain prefixed message; got %q", buf.String())
	}

	// Plain loggers stored by other code are used as is.
	ctx = logger.WithLogger(context.Background(), logger.New(""))
	if got := FromContext(ctx).Level(); got != Warning {
		t.Errorf("plain logger should log at %s; got %s", Warning, got)
	}
}

func TestParseLevel(t *testing.T) {
	for _, v := range []int{-2, -1, 0, 1, 2} {
		if _, err := ParseLevel(v); err != nil {
			t.Errorf("ParseLevel(%d) failed: %v", v, err)
		}
	}
	for _, v := range []int{-3, 3} {
		if _, err := ParseLevel(v); err == nil {
			t.Errorf("ParseLevel(%d) should fail", v)
		}
	}
}
