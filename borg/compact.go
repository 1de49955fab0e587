// This file is part of goborgmatic, a frontend to drive periodic borg backups.
// For further information, check https://github.com/marcopaganini/goborgmatic
//
// (C) 2015-2024 by Marco Paganini <paganini AT paganini DOT net>

package borg

import (
	"context"

	"github.com/marcopaganini/goborgmatic/logging"
)

// CompactArgs holds the command line options of the compact action.
type CompactArgs struct {
	Progress       bool
	CleanupCommits bool
}

// CompactCommand returns the borg command line freeing space in repo.
func (r *Runner) CompactCommand(repo string, args CompactArgs) ([]string, error) {
	cmd := r.command("compact")
	cmd = append(cmd, r.globalFlags(repo)...)
	cmd = append(cmd, boolFlag("progress", args.Progress)...)
	cmd = append(cmd, boolFlag("cleanup-commits", args.CleanupCommits)...)
	cmd = append(cmd, intFlag("threshold", r.Config.CompactThreshold)...)
	cmd = append(cmd, r.logLevelFlags(false)...)

	extra, err := r.extraOptions("compact")
	if err != nil {
		return nil, err
	}
	cmd = append(cmd, extra...)
	return append(cmd, RepositoryFlags(repo, r.Version)...), nil
}

// Compact frees space in repo. Borg versions without a compact command
// free space as they go, so there's nothing to do.
func (r *Runner) Compact(ctx context.Context, repo string, args CompactArgs) error {
	log := logging.FromContext(ctx)
	if !Available(Compact, r.Version) {
		log.Infof("Skipping compact (borg %s compacts automatically)", r.Version)
		return nil
	}
	cmd, err := r.CompactCommand(repo, args)
	if err != nil {
		return err
	}
	if r.skipDryRun(ctx, "compact") {
		return nil
	}
	o := runOptions{output: logging.Info, interactive: args.Progress}
	_, err = r.run(ctx, cmd, o)
	return err
}
