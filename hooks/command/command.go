// This file is part of goborgmatic, a frontend to drive periodic borg backups.
// For further information, check https://github.com/marcopaganini/goborgmatic
//
// (C) 2015-2024 by Marco Paganini <paganini AT paganini DOT net>

// Package command runs the user's shell command hooks (before_backup,
// after_backup and on_error).
package command

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/kballard/go-shellquote"
	"github.com/marcopaganini/goborgmatic/execute"
	"github.com/marcopaganini/goborgmatic/logging"
)

// SoftFailExitCode is the exit status a hook uses to skip the remaining
// actions of a configuration without signalling an error.
const SoftFailExitCode = 75

// Placeholders that borg expands itself. Hooks may pass them through.
var borgPlaceholders = map[string]bool{
	"{hostname}":     true,
	"{fqdn}":         true,
	"{reverse-fqdn}": true,
	"{now}":          true,
	"{utcnow}":       true,
	"{unixtime}":     true,
	"{user}":         true,
	"{pid}":          true,
	"{borgversion}":  true,
	"{borgmajor}":    true,
	"{borgminor}":    true,
	"{borgpatch}":    true,
}

var varRe = regexp.MustCompile(`\{\w+\}`)

// Interpolate replaces each "{name}" in command with the shell quoted value
// of vars[name]. Unknown variables are left alone and logged.
func Interpolate(ctx context.Context, description, command string, vars map[string]string) string {
	log := logging.FromContext(ctx)
	for name, value := range vars {
		command = strings.ReplaceAll(command, "{"+name+"}", shellquote.Join(value))
	}
	for _, v := range varRe.FindAllString(command, -1) {
		if !borgPlaceholders[v] {
			log.Warningf("Variable %q is not supported in the %s hook", v, description)
		}
	}
	return command
}

// Hooks runs command hooks through the shell.
type Hooks struct {
	execute    execute.Executor
	workingDir string
	dryRun     bool
}

// New returns a Hooks running commands in workingDir (empty for the current
// directory). A nil ex runs the real programs.
func New(ex execute.Executor, workingDir string, dryRun bool) *Hooks {
	if ex == nil {
		ex = execute.New()
	}
	return &Hooks{execute: ex, workingDir: workingDir, dryRun: dryRun}
}

// Run runs the commands for the hook described by description ("before
// backup", "on error") in order, stopping at the first failure. Output of
// "on error" hooks is logged at error level.
func (h *Hooks) Run(ctx context.Context, description string, commands []string, vars map[string]string) error {
	log := logging.FromContext(ctx)
	if len(commands) == 0 {
		log.Debugf("No commands to run for %s hook", description)
		return nil
	}

	label := ""
	if h.dryRun {
		label = " (dry run; not actually running hooks)"
	}
	if len(commands) == 1 {
		log.Infof("Running %s command hook%s", description, label)
	} else {
		log.Infof("Running %d commands for %s hook%s", len(commands), description, label)
	}

	level := logging.Answer
	if strings.HasSuffix(description, "error") {
		level = logging.Error
	}
	out := func(line string) error {
		log.Logf(level, "%s", line)
		return nil
	}

	for _, c := range commands {
		c = Interpolate(ctx, description, c, vars)
		if h.dryRun {
			continue
		}
		cmd := execute.Command{Args: execute.WithShell(c), Dir: h.workingDir}
		if err := execute.RunCommand(ctx, strings.ToUpper(strings.ReplaceAll(description, " ", "_")), cmd, h.execute, execute.Output{Stdout: out, Stderr: out}); err != nil {
			return fmt.Errorf("%s hook failed: %w", description, err)
		}
	}
	return nil
}

// IsSoftFail returns true if err comes from a hook exiting with
// SoftFailExitCode.
func IsSoftFail(err error) bool {
	var cerr *execute.CommandError
	return errors.As(err, &cerr) && cerr.Code == SoftFailExitCode
}
