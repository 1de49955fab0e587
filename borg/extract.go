// This file is part of goborgmatic, a frontend to drive periodic borg backups.
// For further information, check https://github.com/marcopaganini/goborgmatic
//
// (C) 2015-2024 by Marco Paganini <paganini AT paganini DOT net>

package borg

import (
	"context"
	"errors"
	"os"

	"github.com/marcopaganini/goborgmatic/logging"
)

// ExtractArgs holds the command line options of the extract action.
type ExtractArgs struct {
	Archive         string
	Paths           []string
	Destination     string
	StripComponents int
	Progress        bool
}

// ExtractCommand returns the command line extracting an archive. The
// archive must already be resolved.
func (r *Runner) ExtractCommand(repo string, args ExtractArgs) ([]string, error) {
	cmd := r.command("extract")
	cmd = append(cmd, r.globalFlags(repo)...)
	cmd = append(cmd, r.logLevelFlags(false)...)
	cmd = append(cmd, r.dryRunFlag()...)
	cmd = append(cmd, intFlag("strip-components", args.StripComponents)...)
	cmd = append(cmd, boolFlag("progress", args.Progress)...)

	extra, err := r.extraOptions("extract")
	if err != nil {
		return nil, err
	}
	cmd = append(cmd, extra...)
	cmd = append(cmd, ArchiveFlags(repo, args.Archive, r.Version)...)
	return append(cmd, args.Paths...), nil
}

// Extract restores files from an archive into the destination directory
// (the working directory if unset).
func (r *Runner) Extract(ctx context.Context, repo string, args ExtractArgs) error {
	archive, err := r.ResolveArchive(ctx, repo, args.Archive)
	if err != nil {
		return err
	}
	args.Archive = archive

	cmd, err := r.ExtractCommand(repo, args)
	if err != nil {
		return err
	}
	if args.Destination != "" {
		if err := os.MkdirAll(args.Destination, 0700); err != nil {
			return err
		}
	}
	o := runOptions{output: logging.Info, dir: args.Destination, interactive: args.Progress}
	_, err = r.run(ctx, cmd, o)
	return err
}

// ExtractLastArchiveDryRun does a dry run extraction of the newest archive
// in repo, which reads (and verifies) every chunk of it. Repositories without
// archives are skipped.
func (r *Runner) ExtractLastArchiveDryRun(ctx context.Context, repo string) error {
	log := logging.FromContext(ctx)

	archive, err := r.LatestArchive(ctx, repo)
	if errors.Is(err, ErrNoArchives) {
		log.Infof("No archives found, skipping extract check")
		return nil
	}
	if err != nil {
		return err
	}

	cmd := r.command("extract", "--dry-run")
	cmd = append(cmd, r.globalFlags(repo)...)
	cmd = append(cmd, LogLevelFlags(r.Level)...)
	if r.Level >= logging.Debug {
		cmd = append(cmd, "--list")
	}
	cmd = append(cmd, ArchiveFlags(repo, archive, r.Version)...)
	_, err = r.run(ctx, cmd, runOptions{output: logging.Info})
	return err
}
