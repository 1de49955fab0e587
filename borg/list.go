// This file is part of goborgmatic, a frontend to drive periodic borg backups.
// For further information, check https://github.com/marcopaganini/goborgmatic
//
// (C) 2015-2024 by Marco Paganini <paganini AT paganini DOT net>

package borg

import (
	"context"
	"errors"
	"strings"

	"github.com/marcopaganini/goborgmatic/logging"
)

// Latest is the archive name resolved to the most recent archive.
const Latest = "latest"

// ErrNoArchives is returned when "latest" is requested from a repository
// without archives.
var ErrNoArchives = errors.New("no archives found in the repository")

// ListArgs holds the command line options of the list and repo-list
// actions.
type ListArgs struct {
	// Archive, if set, lists the contents of the archive instead of the
	// archives in the repository.
	Archive       string
	Paths         []string
	Prefix        string
	MatchArchives string
	Format        string
	Short         bool
	JSON          bool
	Filters
}

// repoListVerb returns the command listing archives, split from list in
// borg 2.
func (r *Runner) repoListVerb() string {
	if Available(RepoList, r.Version) {
		return "repo-list"
	}
	return "list"
}

// archiveFilter returns the flags selecting archives from the explicit
// prefix or match, falling back to the configured ones.
func (r *Runner) archiveFilter(prefix, match string) []string {
	if prefix != "" {
		return PrefixFlags(prefix, r.Version)
	}
	if match != "" {
		return MatchArchivesFlags(match, "", r.Version)
	}
	return MatchArchivesFlags(r.Config.MatchArchives, r.Config.ArchiveNameFormat, r.Version)
}

// LatestArchiveCommand returns the command line printing the name of the
// newest archive in repo.
func (r *Runner) LatestArchiveCommand(repo string) []string {
	cmd := r.command(r.repoListVerb())
	cmd = append(cmd, r.globalFlags(repo)...)
	cmd = append(cmd, "--last", "1", "--short")
	return append(cmd, RepositoryFlags(repo, r.Version)...)
}

// LatestArchive returns the name of the newest archive in repo, or
// ErrNoArchives.
func (r *Runner) LatestArchive(ctx context.Context, repo string) (string, error) {
	out, err := r.run(ctx, r.LatestArchiveCommand(repo), runOptions{output: logging.Debug, capture: true})
	if err != nil {
		return "", err
	}
	lines := strings.Split(strings.TrimSpace(out), "\n")
	name := strings.TrimSpace(lines[len(lines)-1])
	if name == "" {
		return "", ErrNoArchives
	}
	logging.FromContext(ctx).Debugf("Latest archive is %s", name)
	return name, nil
}

// ResolveArchive returns archive, unless it is "latest", in which case the
// name of the newest archive in repo is returned.
func (r *Runner) ResolveArchive(ctx context.Context, repo, archive string) (string, error) {
	if archive != Latest {
		return archive, nil
	}
	return r.LatestArchive(ctx, repo)
}

// RepoListCommand returns the command line listing the archives in repo.
func (r *Runner) RepoListCommand(repo string, args ListArgs) ([]string, error) {
	cmd := r.command(r.repoListVerb())
	cmd = append(cmd, r.logLevelFlags(args.JSON)...)
	cmd = append(cmd, r.globalFlags(repo)...)
	cmd = append(cmd, r.archiveFilter(args.Prefix, args.MatchArchives)...)
	cmd = append(cmd, args.Filters.flags()...)
	cmd = append(cmd, boolFlag("short", args.Short)...)
	cmd = append(cmd, flag("format", args.Format)...)
	cmd = append(cmd, boolFlag("json", args.JSON)...)

	extra, err := r.extraOptions(r.repoListVerb())
	if err != nil {
		return nil, err
	}
	cmd = append(cmd, extra...)
	return append(cmd, RepositoryFlags(repo, r.Version)...), nil
}

// RepoList lists the archives in repo. With JSON set, the output is
// returned instead of logged.
func (r *Runner) RepoList(ctx context.Context, repo string, args ListArgs) (string, error) {
	cmd, err := r.RepoListCommand(repo, args)
	if err != nil {
		return "", err
	}
	return r.run(ctx, cmd, runOptions{output: logging.Answer, capture: args.JSON})
}

// ListCommand returns the command line listing the files in an archive.
// The archive must already be resolved.
func (r *Runner) ListCommand(repo string, args ListArgs) ([]string, error) {
	cmd := r.command("list")
	cmd = append(cmd, r.logLevelFlags(args.JSON)...)
	cmd = append(cmd, r.globalFlags(repo)...)
	cmd = append(cmd, boolFlag("short", args.Short)...)
	cmd = append(cmd, flag("format", args.Format)...)
	if args.JSON {
		cmd = append(cmd, "--json-lines")
	}

	extra, err := r.extraOptions("list")
	if err != nil {
		return nil, err
	}
	cmd = append(cmd, extra...)
	cmd = append(cmd, ArchiveFlags(repo, args.Archive, r.Version)...)
	return append(cmd, args.Paths...), nil
}

// List lists the archives in repo or, if args.Archive is set, the files in
// that archive. "latest" is resolved first.
func (r *Runner) List(ctx context.Context, repo string, args ListArgs) (string, error) {
	if args.Archive == "" {
		return r.RepoList(ctx, repo, args)
	}
	archive, err := r.ResolveArchive(ctx, repo, args.Archive)
	if err != nil {
		return "", err
	}
	args.Archive = archive

	cmd, err := r.ListCommand(repo, args)
	if err != nil {
		return "", err
	}
	return r.run(ctx, cmd, runOptions{output: logging.Answer, capture: args.JSON})
}

// ArchiveListingCommand returns the command line printing one line per
// entry of archive (optionally restricted to paths), formatted by format.
func (r *Runner) ArchiveListingCommand(repo, archive string, paths []string, format string) []string {
	cmd := r.command("list")
	cmd = append(cmd, r.globalFlags(repo)...)
	cmd = append(cmd, "--format", format)
	cmd = append(cmd, ArchiveFlags(repo, archive, r.Version)...)
	return append(cmd, paths...)
}

// ArchiveListing returns the entries of archive, one per line, formatted by
// format (which should end in "{NL}").
func (r *Runner) ArchiveListing(ctx context.Context, repo, archive string, paths []string, format string) ([]string, error) {
	out, err := r.run(ctx, r.ArchiveListingCommand(repo, archive, paths, format), runOptions{output: logging.Debug, capture: true})
	if err != nil {
		return nil, err
	}
	var ret []string
	for _, line := range strings.Split(out, "\n") {
		if line != "" {
			ret = append(ret, line)
		}
	}
	return ret, nil
}
