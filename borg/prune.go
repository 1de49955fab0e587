// This file is part of goborgmatic, a frontend to drive periodic borg backups.
// For further information, check https://github.com/marcopaganini/goborgmatic
//
// (C) 2015-2024 by Marco Paganini <paganini AT paganini DOT net>

package borg

import (
	"context"

	"github.com/marcopaganini/goborgmatic/logging"
)

// PruneArgs holds the command line options of the prune action.
type PruneArgs struct {
	Stats bool
	List  bool
}

// PruneCommand returns the borg command line applying the retention policy
// to the archives in repo.
func (r *Runner) PruneCommand(repo string, args PruneArgs) ([]string, error) {
	cfg := r.Config
	cmd := r.command("prune")
	cmd = append(cmd, flag("keep-within", cfg.KeepWithin)...)
	cmd = append(cmd, intFlag("keep-secondly", cfg.KeepSecondly)...)
	cmd = append(cmd, intFlag("keep-minutely", cfg.KeepMinutely)...)
	cmd = append(cmd, intFlag("keep-hourly", cfg.KeepHourly)...)
	cmd = append(cmd, intFlag("keep-daily", cfg.KeepDaily)...)
	cmd = append(cmd, intFlag("keep-weekly", cfg.KeepWeekly)...)
	cmd = append(cmd, intFlag("keep-monthly", cfg.KeepMonthly)...)
	cmd = append(cmd, intFlag("keep-yearly", cfg.KeepYearly)...)

	if cfg.Prefix != "" {
		cmd = append(cmd, PrefixFlags(cfg.Prefix, r.Version)...)
	} else {
		cmd = append(cmd, MatchArchivesFlags(cfg.MatchArchives, cfg.ArchiveNameFormat, r.Version)...)
	}
	cmd = append(cmd, r.globalFlags(repo)...)
	cmd = append(cmd, boolFlag("stats", args.Stats && !r.DryRun)...)
	cmd = append(cmd, boolFlag("list", args.List)...)
	cmd = append(cmd, r.logLevelFlags(false)...)
	cmd = append(cmd, r.dryRunFlag()...)

	extra, err := r.extraOptions("prune")
	if err != nil {
		return nil, err
	}
	cmd = append(cmd, extra...)
	return append(cmd, RepositoryFlags(repo, r.Version)...), nil
}

// Prune deletes the archives in repo not kept by the retention policy.
func (r *Runner) Prune(ctx context.Context, repo string, args PruneArgs) error {
	cmd, err := r.PruneCommand(repo, args)
	if err != nil {
		return err
	}
	// The summary is the point of asking for stats or a list.
	o := runOptions{output: logging.Info}
	if args.Stats || args.List {
		o.output = logging.Warning
	}
	_, err = r.run(ctx, cmd, o)
	return err
}
