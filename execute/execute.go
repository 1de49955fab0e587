// This file is part of goborgmatic, a frontend to drive periodic borg backups.
// For further information, check https://github.com/marcopaganini/goborgmatic
//
// (C) 2015-2024 by Marco Paganini <paganini AT paganini DOT net>

// Package execute runs external programs (borg and the snapshot tools) and
// feeds their output, line by line, to caller supplied functions.
package execute

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"syscall"
	"time"

	"github.com/kballard/go-shellquote"
	"github.com/marcopaganini/goborgmatic/logging"
)

const (
	// DefaultGracePeriod is how long a program gets to exit after SIGTERM
	// before being killed.
	DefaultGracePeriod = 10 * time.Second

	// Number of stderr lines kept to report errors.
	stderrTail = 25

	// Maximum size of a single output line.
	maxLineSize = 4 * 1024 * 1024
)

// CallbackFunc represents callback functions functions for stdout/stderr output
type CallbackFunc func(string) error

// Command describes one invocation of an external program.
type Command struct {
	// Args holds the program name followed by its arguments.
	Args []string
	// Env contains extra "KEY=value" entries added to our own environment.
	Env []string
	// Dir is the working directory. Empty means the current directory.
	Dir string
	// Stdin, if set, is fed to the program's standard input.
	Stdin io.Reader
	// Interactive connects the program directly to our terminal. Output is
	// not captured and callbacks are not called.
	Interactive bool
}

// String returns the shell quoted command line.
func (c Command) String() string {
	return shellquote.Join(c.Args...)
}

// Executor defines the interface used to run commands.
type Executor interface {
	SetStdout(CallbackFunc)
	SetStderr(CallbackFunc)
	Exec(context.Context, Command) error
}

// Execute defines a struct to easily run external programs and
// capture their stdout and stderr.
type Execute struct {
	outWrite CallbackFunc
	errWrite CallbackFunc
	grace    time.Duration
}

// New returns a new Execute object
func New() *Execute {
	return &Execute{grace: DefaultGracePeriod}
}

// SetStdout sets the stdout processing function
func (e *Execute) SetStdout(f CallbackFunc) {
	e.outWrite = f
}

// SetStderr sets the stderr processing function
func (e *Execute) SetStderr(f CallbackFunc) {
	e.errWrite = f
}

// SetGracePeriod sets how long to wait for the program to exit on its own
// after the context is cancelled and SIGTERM is sent.
func (e *Execute) SetGracePeriod(d time.Duration) {
	e.grace = d
}

// Exec runs the program described by cmd. The standard output and standard
// error of the executed program will be sent line-by-line to outWrite() and
// errWrite() respectively. These (user supplied) functions may decide to
// write to a file, file-descriptor or ignore each of the lines in the output.
// If the context is cancelled, the program receives SIGTERM and is killed if
// it doesn't exit within the grace period. Returns the error value from
// exec.Wait()
func (e *Execute) Exec(ctx context.Context, cmd Command) error {
	if len(cmd.Args) == 0 {
		return errors.New("empty command line")
	}
	run := exec.CommandContext(ctx, cmd.Args[0], cmd.Args[1:]...)
	run.Dir = cmd.Dir
	if len(cmd.Env) > 0 {
		run.Env = append(os.Environ(), cmd.Env...)
	}
	run.Cancel = func() error {
		return run.Process.Signal(syscall.SIGTERM)
	}
	run.WaitDelay = e.grace

	if cmd.Interactive {
		run.Stdin = os.Stdin
		if cmd.Stdin != nil {
			run.Stdin = cmd.Stdin
		}
		run.Stdout = os.Stdout
		run.Stderr = os.Stderr
		if err := run.Start(); err != nil {
			return err
		}
		untrack := track(run.Process)
		defer untrack()
		return run.Wait()
	}

	run.Stdin = cmd.Stdin

	// Grab stdout & stderr
	stdout, err := run.StdoutPipe()
	if err != nil {
		return err
	}
	stderr, err := run.StderrPipe()
	if err != nil {
		return err
	}

	// Start command
	if err := run.Start(); err != nil {
		return err
	}
	untrack := track(run.Process)
	defer untrack()

	// Channels
	outchan := make(chan error, 1)
	errchan := make(chan error, 1)

	go stream(stdout, e.outWrite, outchan)
	go stream(stderr, e.errWrite, errchan)

	// Wait until goroutines exhaust stdout and stderr
	// Capture error from streamig goroutine (if any)
	outerr := <-outchan
	errerr := <-errchan

	err = run.Wait()
	switch {
	case err != nil:
		return err
	case outerr != nil:
		return fmt.Errorf("error reading program's stdout: %w", outerr)
	case errerr != nil:
		return fmt.Errorf("error reading program's stderr: %w", errerr)
	}
	return nil
}

// hmsNow returns the current time in HMS format (hour minute second)
func hmsNow() string {
	return time.Now().Format("15:04:05")
}

// stream reads lines from an io.ReadCloser and calls outFunc() with each of
// the lines as a string. If outFunc() returns an error, the rest of the
// output is drained so the program doesn't block on a full pipe.
func stream(r io.ReadCloser, outFunc CallbackFunc, c chan error) {
	s := bufio.NewScanner(r)
	s.Buffer(make([]byte, 64*1024), maxLineSize)
	for s.Scan() {
		if outFunc == nil {
			continue
		}
		if err := outFunc(s.Text()); err != nil {
			_, _ = io.Copy(io.Discard, r)
			c <- err
			return
		}
	}
	c <- s.Err()
}

// ExitStatus is implemented by errors carrying the exit status of a
// program, like *exec.ExitError.
type ExitStatus interface {
	error
	ExitCode() int
}

// ExitCode fetches the numeric return code from the return of RunCommand.
// Returns 255 if the error does not carry an exit status and -1 if the
// program was killed by a signal.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	retcode := 255
	var status ExitStatus
	if errors.As(err, &status) {
		retcode = status.ExitCode()
	}
	return retcode
}

// WithShell receives a string command and returns an slice ready to be passed
// to Run or RunCommand with the current shell prepended to it.  The function
// works as a helper to run strings commands using the shell with Run or
// RunCommand.
func WithShell(cmd string) []string {
	// Run using shell
	shell := os.Getenv("SHELL")
	if shell == "" {
		shell = "/bin/sh"
	}
	return []string{shell, "-c", "--", cmd}
}

// CommandError is returned when a program runs but exits with a non-zero
// status. It keeps the last lines of the program's stderr for reporting.
type CommandError struct {
	Prefix string
	Args   []string
	Code   int
	Stderr []string
	Err    error
}

func (e *CommandError) Error() string {
	msg := fmt.Sprintf("%s: command %q returned %d", e.Prefix, shellquote.Join(e.Args...), e.Code)
	if len(e.Stderr) > 0 {
		msg += ": " + strings.Join(e.Stderr, "\n")
	}
	return msg
}

func (e *CommandError) Unwrap() error {
	return e.Err
}

// Result is the outcome of a program that ran to completion: either Ok or
// ExitedWith.
type Result interface {
	isResult()
}

// Ok means the program exited with status zero.
type Ok struct {
	Output string
}

// ExitedWith means the program exited with a non-zero status.
type ExitedWith struct {
	Code   int
	Output string
	Stderr []string
	Err    error
}

func (Ok) isResult()         {}
func (ExitedWith) isResult() {}

// Output controls what happens to each line of a program's output. A nil
// function logs the line at debug level.
type Output struct {
	Stdout CallbackFunc
	Stderr CallbackFunc
	// Capture accumulates stdout into the Result instead of logging it.
	Capture bool
}

// Run executes the given command using the prefix. Output is logged using the
// logger in the context. This is a convenience function around RunCommand,
// since most command invocations don't need the extra functionality supplied
// by that function.
func Run(ctx context.Context, prefix string, args []string) error {
	return RunCommand(ctx, prefix, Command{Args: args}, nil, Output{})
}

// Capture runs the command and returns its standard output. Stderr lines are
// logged at debug level.
func Capture(ctx context.Context, prefix string, cmd Command, ex Executor) (string, error) {
	res, err := RunResult(ctx, prefix, cmd, ex, Output{Capture: true})
	if err != nil {
		return "", err
	}
	switch r := res.(type) {
	case Ok:
		return r.Output, nil
	case ExitedWith:
		return r.Output, &CommandError{Prefix: prefix, Args: cmd.Args, Code: r.Code, Stderr: r.Stderr, Err: r.Err}
	}
	return "", fmt.Errorf("%s: unexpected result %T", prefix, res)
}

// RunCommand executes the given command using the supplied Executor object.
// A non-zero exit status is returned as a *CommandError.
func RunCommand(ctx context.Context, prefix string, cmd Command, ex Executor, out Output) error {
	res, err := RunResult(ctx, prefix, cmd, ex, out)
	if err != nil {
		return err
	}
	if r, ok := res.(ExitedWith); ok {
		return &CommandError{Prefix: prefix, Args: cmd.Args, Code: r.Code, Stderr: r.Stderr, Err: r.Err}
	}
	return nil
}

// RunResult executes the given command using the supplied Executor object and
// returns how it exited. The returned error is non-nil only when the program
// could not be run at all (or the output could not be processed). If the
// Executor object is nil, a new one will be created.
func RunResult(ctx context.Context, prefix string, cmd Command, ex Executor, out Output) (Result, error) {
	log := logging.FromContext(ctx)

	log.Debugf("%s Start: %s", prefix, time.Now().Format(time.Stamp))
	log.Infof("%s Command: %q", prefix, cmd.String())

	// Create a new execute object, if current is nil
	e := ex
	if e == nil {
		e = New()
	}

	var (
		captured []string
		tail     []string
	)

	errFunc := func(buf string) error {
		tail = append(tail, buf)
		if len(tail) > stderrTail {
			tail = tail[1:]
		}
		if out.Stderr != nil {
			return out.Stderr(buf)
		}
		log.Debugf("%s (err): %s", hmsNow(), buf)
		return nil
	}
	outFunc := func(buf string) error {
		if out.Capture {
			captured = append(captured, buf)
			return nil
		}
		if out.Stdout != nil {
			return out.Stdout(buf)
		}
		log.Debugf("%s (out): %s", hmsNow(), buf)
		return nil
	}

	e.SetStderr(errFunc)
	e.SetStdout(outFunc)

	err := e.Exec(ctx, cmd)
	log.Debugf("%s Finish: %s", prefix, time.Now().Format(time.Stamp))

	output := strings.Join(captured, "\n")
	if err == nil {
		log.Debugf("%s returned: OK", prefix)
		return Ok{Output: output}, nil
	}

	var status ExitStatus
	if !errors.As(err, &status) {
		log.Debugf("%s failed: %v", prefix, err)
		return nil, fmt.Errorf("%s: error running %q: %w", prefix, cmd.String(), err)
	}
	code := status.ExitCode()
	log.Debugf("%s returned: %d", prefix, code)
	return ExitedWith{Code: code, Output: output, Stderr: tail, Err: err}, nil
}
