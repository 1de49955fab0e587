// This file is part of goborgmatic, a frontend to drive periodic borg backups.
// For further information, check https://github.com/marcopaganini/goborgmatic
//
// (C) 2015-2024 by Marco Paganini <paganini AT paganini DOT net>

package borg

import (
	"context"
	"strconv"

	"github.com/marcopaganini/goborgmatic/logging"
)

// CheckArgs holds the command line options of the check action.
type CheckArgs struct {
	Progress    bool
	Repair      bool
	MaxDuration int
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// ArchiveFilterFlags returns the flags restricting the archives (and data)
// checks to the configured archives. Returns nil if neither check is
// requested.
func (r *Runner) ArchiveFilterFlags(ctx context.Context, checks []string) []string {
	cfg := r.Config
	if !contains(checks, "archives") && !contains(checks, "data") {
		log := logging.FromContext(ctx)
		if cfg.CheckLast > 0 {
			log.Warningf("Ignoring check_last option, as \"archives\" or \"data\" are not in consistency checks")
		}
		if cfg.Prefix != "" {
			log.Warningf("Ignoring prefix option, as \"archives\" or \"data\" are not in consistency checks")
		}
		return nil
	}

	var ret []string
	if cfg.CheckLast > 0 {
		ret = append(ret, "--last", strconv.Itoa(cfg.CheckLast))
	}
	if cfg.Prefix != "" {
		return append(ret, PrefixFlags(cfg.Prefix, r.Version)...)
	}
	return append(ret, MatchArchivesFlags(cfg.MatchArchives, cfg.ArchiveNameFormat, r.Version)...)
}

// CheckFlags converts the check names into borg check flags. Borg checks
// both the repository and the archives by default, so asking for both needs
// no "--*-only" flags. The data check implies the archives check. Checks
// borg doesn't know about (extract, spot) are ignored.
func CheckFlags(checks []string, archiveFilterFlags []string) []string {
	var ret []string

	archives := contains(checks, "archives") || contains(checks, "data")
	repository := contains(checks, "repository")

	switch {
	case repository && archives:
	case repository:
		ret = append(ret, "--repository-only")
	case archives:
		ret = append(ret, "--archives-only")
	}
	if archives {
		ret = append(ret, archiveFilterFlags...)
	}
	if contains(checks, "data") {
		ret = append(ret, "--verify-data")
	}
	return ret
}

// CheckCommand returns the borg check command line running the given
// checks on repo.
func (r *Runner) CheckCommand(repo string, checks, archiveFilterFlags []string, args CheckArgs) ([]string, error) {
	cmd := r.command("check")
	cmd = append(cmd, CheckFlags(checks, archiveFilterFlags)...)
	cmd = append(cmd, r.globalFlags(repo)...)
	cmd = append(cmd, boolFlag("progress", args.Progress)...)
	cmd = append(cmd, boolFlag("repair", args.Repair)...)
	cmd = append(cmd, intFlag("max-duration", args.MaxDuration)...)
	cmd = append(cmd, r.logLevelFlags(false)...)

	extra, err := r.extraOptions("check")
	if err != nil {
		return nil, err
	}
	cmd = append(cmd, extra...)
	return append(cmd, RepositoryFlags(repo, r.Version)...), nil
}

// Check runs the repository, archives and data checks requested on repo.
func (r *Runner) Check(ctx context.Context, repo string, checks []string, args CheckArgs) error {
	if !contains(checks, "repository") && !contains(checks, "archives") && !contains(checks, "data") {
		return nil
	}
	cmd, err := r.CheckCommand(repo, checks, r.ArchiveFilterFlags(ctx, checks), args)
	if err != nil {
		return err
	}
	if r.skipDryRun(ctx, "check") {
		return nil
	}
	// Repair asks for confirmation.
	o := runOptions{output: logging.Info, interactive: args.Progress || args.Repair}
	_, err = r.run(ctx, cmd, o)
	return err
}
