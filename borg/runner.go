// This file is part of goborgmatic, a frontend to drive periodic borg backups.
// For further information, check https://github.com/marcopaganini/goborgmatic
//
// (C) 2015-2024 by Marco Paganini <paganini AT paganini DOT net>

// Package borg composes and runs borg command lines, one function per borg
// command, and interprets borg's exit codes.
package borg

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/kballard/go-shellquote"
	"github.com/marcopaganini/goborgmatic/config"
	"github.com/marcopaganini/goborgmatic/execute"
	"github.com/marcopaganini/goborgmatic/logging"
)

const prefix = "BORG"

// ArchiverError is returned when borg exits with a code treated as an
// error.
type ArchiverError struct {
	Args   []string
	Code   int
	Stderr []string
	Err    error
}

func (e *ArchiverError) Error() string {
	msg := fmt.Sprintf("command %q returned %d", shellquote.Join(e.Args...), e.Code)
	if len(e.Stderr) > 0 {
		msg += ": " + e.Stderr[len(e.Stderr)-1]
	}
	return msg
}

func (e *ArchiverError) Unwrap() error {
	return e.Err
}

// Runner runs borg commands for one configuration. It keeps count of the
// commands that exited with a warning.
type Runner struct {
	Config *config.Config
	// Version is the local borg version, as returned by LocalVersion. An
	// empty version enables every feature.
	Version string
	Level   logging.Level
	DryRun  bool

	execute   execute.Executor
	exitCodes execute.ExitCodes
	warnings  int
}

// NewRunner returns a Runner for the configuration. A nil ex runs the real
// borg.
func NewRunner(cfg *config.Config, ex execute.Executor, level logging.Level, dryRun bool) (*Runner, error) {
	if ex == nil {
		ex = execute.New()
	}
	codes := execute.ExitCodes{}
	for _, c := range cfg.BorgExitCodes {
		t, err := execute.ParseTreatment(c.TreatAs)
		if err != nil {
			return nil, &config.Error{Path: cfg.Path, Err: err}
		}
		codes[c.Code] = t
	}
	return &Runner{
		Config:    cfg,
		Level:     level,
		DryRun:    dryRun,
		execute:   ex,
		exitCodes: codes,
	}, nil
}

// Warnings returns the number of borg commands that exited with a warning.
func (r *Runner) Warnings() int {
	return r.warnings
}

// command returns the start of a borg command line.
func (r *Runner) command(args ...string) []string {
	return append([]string{r.Config.LocalPath}, args...)
}

// runOptions tweaks a single borg invocation.
type runOptions struct {
	// Level used to log borg's standard output lines.
	output logging.Level
	// Capture stdout and return it instead of logging.
	capture bool
	// Connect borg to the terminal.
	interactive bool
	stdin       io.Reader
	// Working directory. Defaults to the configured working directory.
	dir string
	env []string
	// Receives stderr lines instead of the log.
	stderr execute.CallbackFunc
	// Helper processes borg reads from.
	procs []execute.Process
}

// RunResult runs the borg command line and returns how it exited, without
// applying the exit code treatments.
func (r *Runner) RunResult(ctx context.Context, args []string) (execute.Result, error) {
	return r.result(ctx, args, runOptions{output: logging.Info, capture: true})
}

func (r *Runner) result(ctx context.Context, args []string, o runOptions) (execute.Result, error) {
	log := logging.FromContext(ctx)

	dir := o.dir
	if dir == "" {
		dir = r.Config.WorkingDir()
	}
	cmd := execute.Command{
		Args:        args,
		Env:         append(Environment(r.Config), o.env...),
		Dir:         dir,
		Stdin:       o.stdin,
		Interactive: o.interactive,
	}
	out := execute.Output{
		Capture: o.capture,
		Stdout: func(line string) error {
			log.Logf(o.output, "%s", line)
			return nil
		},
		// Borg logs to stderr, already filtered by the log level flags.
		Stderr: func(line string) error {
			log.Answerf("%s", line)
			return nil
		},
	}
	if o.stderr != nil {
		out.Stderr = o.stderr
	}
	return execute.RunWithProcesses(ctx, prefix, cmd, r.execute, out, o.procs)
}

// run executes the borg command line and applies the exit code treatments.
// Returns the captured output, if requested.
func (r *Runner) run(ctx context.Context, args []string, o runOptions) (string, error) {
	res, err := r.result(ctx, args, o)
	if err != nil {
		return "", err
	}
	return r.treat(ctx, args, res)
}

// treat applies the exit code treatments to a finished borg command.
// Warnings are counted and logged.
func (r *Runner) treat(ctx context.Context, args []string, res execute.Result) (string, error) {
	switch v := res.(type) {
	case execute.Ok:
		return v.Output, nil
	case execute.ExitedWith:
		switch r.exitCodes.Treat(v.Code) {
		case execute.Success:
			return v.Output, nil
		case execute.Warning:
			r.warnings++
			logging.FromContext(ctx).Warningf("%s: %s exited with warning code %d", prefix, args[0], v.Code)
			return v.Output, nil
		}
		return v.Output, &ArchiverError{Args: args, Code: v.Code, Stderr: v.Stderr, Err: v.Err}
	}
	return "", fmt.Errorf("%s: unexpected result %T", prefix, res)
}

// Run executes a borg command line, logging its output.
func (r *Runner) Run(ctx context.Context, args []string) error {
	_, err := r.run(ctx, args, runOptions{output: logging.Info})
	return err
}

// Capture executes a borg command line and returns its standard output.
func (r *Runner) Capture(ctx context.Context, args []string) (string, error) {
	return r.run(ctx, args, runOptions{output: logging.Info, capture: true})
}

// skipDryRun logs and returns true if this is a dry run. Used by commands
// borg itself can't dry run.
func (r *Runner) skipDryRun(ctx context.Context, what string) bool {
	if !r.DryRun {
		return false
	}
	logging.FromContext(ctx).Infof("Skipping %s (dry run)", what)
	return true
}

// LocalVersion runs "borg --version" and returns the version number (like
// "1.2.8"). The version is also stored in the Runner for feature checks.
func (r *Runner) LocalVersion(ctx context.Context) (string, error) {
	out, err := r.Capture(ctx, append(r.command("--version"), LogLevelFlags(r.Level)...))
	if err != nil {
		return "", err
	}
	fields := strings.Fields(out)
	if len(fields) < 2 || NormalizeVersion(fields[1]) == "" {
		return "", fmt.Errorf("unable to parse borg version from %q", strings.TrimSpace(out))
	}
	r.Version = fields[1]
	logging.FromContext(ctx).Debugf("Borg version %s", r.Version)
	return r.Version, nil
}
