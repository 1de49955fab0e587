// This file is part of goborgmatic, a frontend to drive periodic borg backups.
// For further information, check https://github.com/marcopaganini/goborgmatic
//
// (C) 2015-2024 by Marco Paganini <paganini AT paganini DOT net>

package borg

import (
	"context"
	"errors"

	"github.com/marcopaganini/goborgmatic/execute"
	"github.com/marcopaganini/goborgmatic/logging"
)

// Exit codes of "borg info" meaning the repository doesn't exist.
var repoNotFoundExitCodes = map[int]bool{2: true, 13: true, 15: true}

// RepoCreateArgs holds the command line options of the repo-create action.
type RepoCreateArgs struct {
	Encryption       string
	SourceRepository string
	CopyCryptKey     bool
	AppendOnly       bool
	StorageQuota     string
	MakeParentDirs   bool
}

func (r *Runner) repoCreateVerb() string {
	if Available(RepoCreate, r.Version) {
		return "repo-create"
	}
	return "init"
}

// RepoCreateCommand returns the command line creating repo.
func (r *Runner) RepoCreateCommand(repo string, args RepoCreateArgs) ([]string, error) {
	if args.Encryption == "" {
		return nil, errors.New("an encryption mode is required to create a repository")
	}
	cmd := r.command(r.repoCreateVerb())
	cmd = append(cmd, "--encryption", args.Encryption)
	cmd = append(cmd, flag("other-repo", args.SourceRepository)...)
	cmd = append(cmd, boolFlag("copy-crypt-key", args.CopyCryptKey)...)
	cmd = append(cmd, boolFlag("append-only", args.AppendOnly)...)
	cmd = append(cmd, flag("storage-quota", args.StorageQuota)...)
	cmd = append(cmd, boolFlag("make-parent-dirs", args.MakeParentDirs)...)
	cmd = append(cmd, r.logLevelFlags(false)...)
	cmd = append(cmd, r.globalFlags(repo)...)

	extra, err := r.extraOptions(r.repoCreateVerb())
	if err != nil {
		return nil, err
	}
	cmd = append(cmd, extra...)
	return append(cmd, RepositoryFlags(repo, r.Version)...), nil
}

// RepoCreate creates repo, unless it already exists.
func (r *Runner) RepoCreate(ctx context.Context, repo string, args RepoCreateArgs) error {
	log := logging.FromContext(ctx)

	cmd, err := r.RepoCreateCommand(repo, args)
	if err != nil {
		return err
	}

	res, err := r.result(ctx, r.RepoInfoCommand(repo, true), runOptions{output: logging.Debug, capture: true})
	if err != nil {
		return err
	}
	switch v := res.(type) {
	case execute.Ok:
		log.Infof("Repository %s already exists, skipping creation", repo)
		return nil
	case execute.ExitedWith:
		if !repoNotFoundExitCodes[v.Code] {
			_, err := r.treat(ctx, r.RepoInfoCommand(repo, true), res)
			return err
		}
	}

	if r.skipDryRun(ctx, "repository creation") {
		return nil
	}
	_, err = r.run(ctx, cmd, runOptions{output: logging.Info, interactive: true})
	return err
}

// RepoDeleteArgs holds the command line options of the repo-delete action.
type RepoDeleteArgs struct {
	// Force is the number of times --force is given. Twice also deletes
	// corrupted repositories.
	Force            int
	CacheOnly        bool
	KeepSecurityInfo bool
	List             bool
}

func (r *Runner) repoDeleteVerb() string {
	if Available(RepoDelete, r.Version) {
		return "repo-delete"
	}
	return "delete"
}

// RepoDeleteCommand returns the command line deleting repo entirely.
func (r *Runner) RepoDeleteCommand(repo string, args RepoDeleteArgs) ([]string, error) {
	cmd := r.command(r.repoDeleteVerb())
	cmd = append(cmd, r.logLevelFlags(false)...)
	cmd = append(cmd, r.dryRunFlag()...)
	cmd = append(cmd, r.globalFlags(repo)...)
	cmd = append(cmd, boolFlag("list", args.List)...)
	for i := 0; i < args.Force && i < 2; i++ {
		cmd = append(cmd, "--force")
	}
	cmd = append(cmd, boolFlag("cache-only", args.CacheOnly)...)
	cmd = append(cmd, boolFlag("keep-security-info", args.KeepSecurityInfo)...)

	extra, err := r.extraOptions(r.repoDeleteVerb())
	if err != nil {
		return nil, err
	}
	cmd = append(cmd, extra...)
	return append(cmd, RepositoryFlags(repo, r.Version)...), nil
}

// RepoDelete deletes repo. Without Force, borg asks for confirmation.
func (r *Runner) RepoDelete(ctx context.Context, repo string, args RepoDeleteArgs) error {
	cmd, err := r.RepoDeleteCommand(repo, args)
	if err != nil {
		return err
	}
	_, err = r.run(ctx, cmd, runOptions{output: logging.Answer, interactive: args.Force == 0})
	return err
}
