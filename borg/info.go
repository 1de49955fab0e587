// This file is part of goborgmatic, a frontend to drive periodic borg backups.
// For further information, check https://github.com/marcopaganini/goborgmatic
//
// (C) 2015-2024 by Marco Paganini <paganini AT paganini DOT net>

package borg

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/marcopaganini/goborgmatic/logging"
)

// InfoArgs holds the command line options of the info and repo-info
// actions.
type InfoArgs struct {
	Archive       string
	Prefix        string
	MatchArchives string
	JSON          bool
	Filters
}

// InfoCommand returns the command line showing information about archives
// in repo. The archive, if any, must already be resolved.
func (r *Runner) InfoCommand(repo string, args InfoArgs) ([]string, error) {
	cmd := r.command("info")
	cmd = append(cmd, r.logLevelFlags(args.JSON)...)
	cmd = append(cmd, r.globalFlags(repo)...)
	cmd = append(cmd, boolFlag("json", args.JSON)...)

	extra, err := r.extraOptions("info")
	if err != nil {
		return nil, err
	}
	cmd = append(cmd, extra...)

	switch {
	case args.Archive != "" && Available(SeparateRepositoryArchive, r.Version):
		cmd = append(cmd, MatchArchivesFlags(args.Archive, "", r.Version)...)
		return append(cmd, RepositoryFlags(repo, r.Version)...), nil
	case args.Archive != "":
		return append(cmd, ArchiveFlags(repo, args.Archive, r.Version)...), nil
	}
	cmd = append(cmd, r.archiveFilter(args.Prefix, args.MatchArchives)...)
	cmd = append(cmd, args.Filters.flags()...)
	return append(cmd, RepositoryFlags(repo, r.Version)...), nil
}

// Info shows information about archives in repo. With JSON set, the output
// is returned instead of logged.
func (r *Runner) Info(ctx context.Context, repo string, args InfoArgs) (string, error) {
	archive, err := r.ResolveArchive(ctx, repo, args.Archive)
	if err != nil {
		return "", err
	}
	args.Archive = archive

	cmd, err := r.InfoCommand(repo, args)
	if err != nil {
		return "", err
	}
	return r.run(ctx, cmd, runOptions{output: logging.Answer, capture: args.JSON})
}

// repoInfoVerb returns the command showing repository information, split
// from info in borg 2.
func (r *Runner) repoInfoVerb() string {
	if Available(RepoInfo, r.Version) {
		return "repo-info"
	}
	return "info"
}

// RepoInfoCommand returns the command line showing information about repo
// itself.
func (r *Runner) RepoInfoCommand(repo string, json bool) []string {
	cmd := r.command(r.repoInfoVerb())
	cmd = append(cmd, r.logLevelFlags(json)...)
	cmd = append(cmd, r.globalFlags(repo)...)
	cmd = append(cmd, boolFlag("json", json)...)
	return append(cmd, RepositoryFlags(repo, r.Version)...)
}

// RepoInfo shows information about repo. With json set, the output is
// returned instead of logged.
func (r *Runner) RepoInfo(ctx context.Context, repo string, json bool) (string, error) {
	return r.run(ctx, r.RepoInfoCommand(repo, json), runOptions{output: logging.Answer, capture: json})
}

// RepositoryID returns the unique id of repo, as reported by borg.
func (r *Runner) RepositoryID(ctx context.Context, repo string) (string, error) {
	out, err := r.run(ctx, r.RepoInfoCommand(repo, true), runOptions{output: logging.Debug, capture: true})
	if err != nil {
		return "", err
	}
	var info struct {
		Repository struct {
			ID string `json:"id"`
		} `json:"repository"`
	}
	if err := json.Unmarshal([]byte(out), &info); err != nil || info.Repository.ID == "" {
		return "", fmt.Errorf("cannot determine borg repository id for %s", repo)
	}
	return info.Repository.ID, nil
}
