// This file is part of goborgmatic, a frontend to drive periodic borg backups.
// For further information, check https://github.com/marcopaganini/goborgmatic
//
// (C) 2015-2024 by Marco Paganini <paganini AT paganini DOT net>

package borg

import (
	"context"
	"errors"

	"github.com/marcopaganini/goborgmatic/logging"
)

// BreakLockCommand returns the command line breaking a stale lock on repo.
func (r *Runner) BreakLockCommand(repo string) []string {
	cmd := r.command("break-lock")
	cmd = append(cmd, r.globalFlags(repo)...)
	cmd = append(cmd, r.logLevelFlags(false)...)
	return append(cmd, RepositoryFlags(repo, r.Version)...)
}

// BreakLock breaks a stale lock on repo.
func (r *Runner) BreakLock(ctx context.Context, repo string) error {
	if r.skipDryRun(ctx, "break-lock") {
		return nil
	}
	_, err := r.run(ctx, r.BreakLockCommand(repo), runOptions{output: logging.Info})
	return err
}

// Commands that don't operate on a repository.
var repolessCommands = map[string]bool{
	"help":      true,
	"benchmark": true,
	"version":   true,
	"--version": true,
	"serve":     true,
}

// PassthroughCommand returns a borg command line built from the user's own
// options. The repository is passed in BORG_REPO, so only the archive (if
// any) is added after the subcommand.
func (r *Runner) PassthroughCommand(options []string, archive string) ([]string, error) {
	if len(options) == 0 {
		return nil, errors.New("no borg command given")
	}
	cmd := r.command(options[0])
	cmd = append(cmd, LogLevelFlags(r.Level)...)
	if archive != "" && !repolessCommands[options[0]] {
		if Available(SeparateRepositoryArchive, r.Version) {
			cmd = append(cmd, archive)
		} else {
			cmd = append(cmd, "::"+archive)
		}
	}
	return append(cmd, options[1:]...), nil
}

// Passthrough runs an arbitrary borg command against repo, connected to
// the terminal.
func (r *Runner) Passthrough(ctx context.Context, repo string, options []string, archive string) error {
	archive, err := r.ResolveArchive(ctx, repo, archive)
	if err != nil {
		return err
	}
	cmd, err := r.PassthroughCommand(options, archive)
	if err != nil {
		return err
	}
	o := runOptions{output: logging.Answer, interactive: true, env: []string{"BORG_REPO=" + repo}}
	_, err = r.run(ctx, cmd, o)
	return err
}
