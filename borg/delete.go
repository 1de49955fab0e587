// This file is part of goborgmatic, a frontend to drive periodic borg backups.
// For further information, check https://github.com/marcopaganini/goborgmatic
//
// (C) 2015-2024 by Marco Paganini <paganini AT paganini DOT net>

package borg

import (
	"context"

	"github.com/marcopaganini/goborgmatic/logging"
)

// DeleteArgs holds the command line options of the delete action. Without
// any archive selection, the whole repository is deleted.
type DeleteArgs struct {
	Archive          string
	MatchArchives    string
	Force            int
	Stats            bool
	List             bool
	CacheOnly        bool
	KeepSecurityInfo bool
	Filters
}

// selectsArchives returns true if the arguments name archives.
func (a DeleteArgs) selectsArchives() bool {
	return a.Archive != "" || a.MatchArchives != "" || !a.Filters.empty()
}

// DeleteCommand returns the command line deleting the selected archives
// from repo. The configured archive match is ignored: archives to delete
// must be named explicitly.
func (r *Runner) DeleteCommand(repo string, args DeleteArgs) ([]string, error) {
	match := args.MatchArchives
	if match == "" {
		match = args.Archive
	}

	cmd := r.command("delete")
	cmd = append(cmd, r.logLevelFlags(false)...)
	cmd = append(cmd, r.dryRunFlag()...)
	cmd = append(cmd, r.globalFlags(repo)...)
	cmd = append(cmd, boolFlag("list", args.List)...)
	for i := 0; i < args.Force && i < 2; i++ {
		cmd = append(cmd, "--force")
	}
	cmd = append(cmd, MatchArchivesFlags(match, "", r.Version)...)
	cmd = append(cmd, args.Filters.flags()...)
	cmd = append(cmd, boolFlag("stats", args.Stats && !r.DryRun)...)

	extra, err := r.extraOptions("delete")
	if err != nil {
		return nil, err
	}
	cmd = append(cmd, extra...)
	return append(cmd, RepositoryFlags(repo, r.Version)...), nil
}

// Delete deletes the selected archives from repo. With no archive selected,
// the whole repository is deleted instead.
func (r *Runner) Delete(ctx context.Context, repo string, args DeleteArgs) error {
	log := logging.FromContext(ctx)

	if !args.selectsArchives() {
		if Available(RepoDelete, r.Version) {
			log.Warningf("Deleting an entire repository with the delete action is deprecated with borg 2, use repo-delete instead")
		}
		return r.RepoDelete(ctx, repo, RepoDeleteArgs{
			Force:            args.Force,
			CacheOnly:        args.CacheOnly,
			KeepSecurityInfo: args.KeepSecurityInfo,
			List:             args.List,
		})
	}

	archive, err := r.ResolveArchive(ctx, repo, args.Archive)
	if err != nil {
		return err
	}
	args.Archive = archive

	cmd, err := r.DeleteCommand(repo, args)
	if err != nil {
		return err
	}
	o := runOptions{output: logging.Info}
	if args.Stats || args.List {
		o.output = logging.Answer
	}
	_, err = r.run(ctx, cmd, o)
	return err
}
