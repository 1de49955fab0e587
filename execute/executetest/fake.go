// This file is part of goborgmatic, a frontend to drive periodic borg backups.
// For further information, check https://github.com/marcopaganini/goborgmatic
//
// (C) 2015-2024 by Marco Paganini <paganini AT paganini DOT net>

// Package executetest provides a fake execute.Executor for tests.
package executetest

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/marcopaganini/goborgmatic/execute"
)

// Response is the scripted reaction to a command.
type Response struct {
	Stdout   []string
	Stderr   []string
	ExitCode int
	// Err, if set, is returned instead of an exit status (for example, to
	// simulate a missing program).
	Err error
	// Hook, if set, runs when the command executes. Useful to create files
	// the real program would have created.
	Hook func(execute.Command)
}

// ExitError simulates a program exiting with a non-zero status.
type ExitError struct {
	Code int
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("exit status %d", e.Code)
}

// ExitCode returns the simulated exit status.
func (e *ExitError) ExitCode() int {
	return e.Code
}

type script struct {
	prefix string
	resp   Response
}

// FakeExecute is a fake implementation of execute.Executor that saves the
// executed commands for later inspection by the caller. Responses are
// scripted by command line prefix; the longest matching prefix wins.
type FakeExecute struct {
	mu       sync.Mutex
	cmds     []string
	commands []execute.Command
	scripts  []script
	outWrite execute.CallbackFunc
	errWrite execute.CallbackFunc
}

// NewFakeExecute returns a new FakeExecute that answers every command with
// exit status zero and no output.
func NewFakeExecute() *FakeExecute {
	return &FakeExecute{}
}

// SetStdout sets the stdout processing function.
func (f *FakeExecute) SetStdout(fn execute.CallbackFunc) {
	f.outWrite = fn
}

// SetStderr sets the stderr processing function.
func (f *FakeExecute) SetStderr(fn execute.CallbackFunc) {
	f.errWrite = fn
}

// On scripts the response to any command line starting with prefix (the
// command line is the space joined argument list).
func (f *FakeExecute) On(prefix string, resp Response) *FakeExecute {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.scripts = append(f.scripts, script{prefix: prefix, resp: resp})
	return f
}

// Cmds returns the list of command lines executed so far.
func (f *FakeExecute) Cmds() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.cmds...)
}

// Commands returns the executed commands, including environment and
// directory.
func (f *FakeExecute) Commands() []execute.Command {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]execute.Command(nil), f.commands...)
}

// Cmd returns the last command line executed.
func (f *FakeExecute) Cmd() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.cmds) == 0 {
		return ""
	}
	return f.cmds[len(f.cmds)-1]
}

// Exec records the command and replays the scripted response.
func (f *FakeExecute) Exec(_ context.Context, cmd execute.Command) error {
	line := strings.Join(cmd.Args, " ")

	f.mu.Lock()
	f.cmds = append(f.cmds, line)
	f.commands = append(f.commands, cmd)
	var (
		resp  Response
		found = -1
	)
	for _, s := range f.scripts {
		if strings.HasPrefix(line, s.prefix) && len(s.prefix) > found {
			resp = s.resp
			found = len(s.prefix)
		}
	}
	outWrite, errWrite := f.outWrite, f.errWrite
	f.mu.Unlock()

	if resp.Hook != nil {
		resp.Hook(cmd)
	}
	if resp.Err != nil {
		return resp.Err
	}
	if !cmd.Interactive {
		for _, l := range resp.Stdout {
			if outWrite != nil {
				if err := outWrite(l); err != nil {
					return err
				}
			}
		}
		for _, l := range resp.Stderr {
			if errWrite != nil {
				if err := errWrite(l); err != nil {
					return err
				}
			}
		}
	}
	if resp.ExitCode != 0 {
		return &ExitError{Code: resp.ExitCode}
	}
	return nil
}
